package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/baichuan-protocol/baichuan-go/pkg/event"
	"github.com/baichuan-protocol/baichuan-go/pkg/host"
	"github.com/baichuan-protocol/baichuan-go/pkg/poll"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive command shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell()
		},
	}
}

// shell is the interactive session state.
type shell struct {
	cfg   Config
	h     *host.Host
	cache *memCache
	rl    *readline.Instance
}

func runShell() error {
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

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bcmon> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("creating readline: %w", err)
	}
	defer rl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Address, err)
	}
	defer func() {
		logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer logoutCancel()
		h.Logout(logoutCtx)
	}()

	s := &shell{cfg: cfg, h: h, cache: cache, rl: rl}
	s.h.RegisterCallback("shell", func(ev event.Event) {
		fmt.Fprintf(rl.Stdout(), "[push] channel=%d kind=%s\n", ev.Channel, ev.Kind)
	})
	defer s.h.UnregisterCallback("shell")

	s.printHelp()
	return s.loop(ctx)
}

func (s *shell) loop(ctx context.Context) error {
	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "states", "st":
			s.cmdStates(ctx, args)

		case "subscribe", "sub":
			s.cmdSubscribe(ctx)

		case "unsubscribe", "unsub":
			s.cmdUnsubscribe(ctx)

		case "send":
			s.cmdSend(ctx, args)

		case "status":
			s.cmdStatus()

		case "quit", "exit", "q":
			return nil

		default:
			fmt.Fprintf(s.rl.Stdout(), "unknown command: %s (try help)\n", cmd)
		}
	}
}

func (s *shell) printHelp() {
	fmt.Fprint(s.rl.Stdout(), `Commands:
  states [--wake] [--force]   Poll device state and print it
  subscribe                   Enable push event delivery
  unsubscribe                 Disable push event delivery
  send <cmd-id> <channel>     Send a raw command with an empty body
  status                      Show connection and subscription state
  help                        Show this help
  quit                        Exit
`)
}

func (s *shell) cmdStates(ctx context.Context, args []string) {
	var force, forceWake bool
	for _, a := range args {
		switch a {
		case "--force":
			force = true
		case "--wake":
			forceWake = true
		}
	}

	channels := s.cfg.Channels
	if len(channels) == 0 {
		channels = []int{0}
	}
	wake := make(poll.WakeMap, len(channels))
	for _, ch := range channels {
		wake[ch] = poll.WakeState{Awake: forceWake, Battery: s.cfg.IsBattery(ch)}
	}

	if err := s.h.GetStates(ctx, poll.Options{Channels: channels, Wake: wake, Force: force}); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "poll failed: %v\n", err)
		return
	}
	for _, line := range s.cache.Lines() {
		fmt.Fprintln(s.rl.Stdout(), line)
	}
}

func (s *shell) cmdSubscribe(ctx context.Context) {
	if err := s.h.SubscribeEvents(ctx); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "subscribe failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "subscribed; push events will print as they arrive")
}

func (s *shell) cmdUnsubscribe(ctx context.Context) {
	if err := s.h.UnsubscribeEvents(ctx); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "unsubscribe failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "unsubscribed")
}

func (s *shell) cmdSend(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "usage: send <cmd-id> <channel>")
		return
	}
	cmdID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "bad command id: %v\n", err)
		return
	}
	channel, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "bad channel: %v\n", err)
		return
	}

	resp, err := s.h.Send(ctx, uint32(cmdID), channel, nil, 0)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "send failed: %v\n", err)
		return
	}
	if len(resp) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "(empty response)")
		return
	}
	fmt.Fprintln(s.rl.Stdout(), string(resp))
}

func (s *shell) cmdStatus() {
	fmt.Fprintf(s.rl.Stdout(), "connection:   %s\n", s.h.State())
	fmt.Fprintf(s.rl.Stdout(), "subscribed:   %v\n", s.h.Subscribed())
	fmt.Fprintf(s.rl.Stdout(), "recovering:   %v\n", s.h.Recovering())
}
