package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/baichuan-protocol/baichuan-go/pkg/poll"
)

func statesCmd() *cobra.Command {
	var (
		force     bool
		forceWake bool
	)

	cmd := &cobra.Command{
		Use:   "states",
		Short: "Run one state poll and print the results",
		Long: `Connect, run one wake-aware state poll, print every cached
field and disconnect. Battery channels that are asleep only get the
queries that do not wake them; --wake queries everything anyway.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStates(force, forceWake)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-run one-shot queries that already executed")
	cmd.Flags().BoolVar(&forceWake, "wake", false, "Query battery channels even if that wakes them")

	return cmd
}

func runStates(force, forceWake bool) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cache := newMemCache()
	h, cleanup, err := newHost(cfg, logger, cache)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := h.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Address, err)
	}
	defer h.Logout(ctx)

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = []int{0}
	}

	wake := make(poll.WakeMap, len(channels))
	for _, ch := range channels {
		wake[ch] = poll.WakeState{
			Awake:   forceWake,
			Battery: cfg.IsBattery(ch),
		}
	}

	opts := poll.Options{Channels: channels, Wake: wake, Force: force}
	if err := h.GetStates(ctx, opts); err != nil {
		return fmt.Errorf("polling states: %w", err)
	}

	lines := cache.Lines()
	if len(lines) == 0 {
		fmt.Println("no state returned")
		return nil
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
