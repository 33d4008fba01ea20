package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baichuan-protocol/baichuan-go/pkg/event"
	"github.com/baichuan-protocol/baichuan-go/pkg/poll"
)

// wakeWindow is how long a push event keeps a battery channel counted
// as awake for polling purposes.
const wakeWindow = 2 * time.Minute

func monitorCmd() *cobra.Command {
	var (
		duration     time.Duration
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Subscribe to push events and print them",
		Long: `Subscribe to the device's push notifications and print every
event (motion, person, vehicle, animal, visitor, battery) as it
arrives. Device state is re-polled periodically without waking
battery-powered channels; a channel that just pushed an event is
already awake and gets the full query set.

A duration of 0 runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(duration, pollInterval)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "How long to monitor (0 = until interrupted)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Minute, "State poll interval (0 disables polling)")

	return cmd
}

// wakeTracker remembers the last push per channel so polls can tell
// which battery channels are currently awake.
type wakeTracker struct {
	mu       sync.Mutex
	lastSeen map[int]time.Time
}

func newWakeTracker() *wakeTracker {
	return &wakeTracker{lastSeen: make(map[int]time.Time)}
}

func (w *wakeTracker) Touch(channel int) {
	w.mu.Lock()
	w.lastSeen[channel] = time.Now()
	w.mu.Unlock()
}

// WakeMap builds the per-channel wake state for one poll.
func (w *wakeTracker) WakeMap(cfg Config, channels []int) poll.WakeMap {
	w.mu.Lock()
	defer w.mu.Unlock()

	m := make(poll.WakeMap, len(channels))
	for _, ch := range channels {
		m[ch] = poll.WakeState{
			Awake:   time.Since(w.lastSeen[ch]) < wakeWindow,
			Battery: cfg.IsBattery(ch),
		}
	}
	return m
}

func runMonitor(duration, pollInterval time.Duration) error {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Address, err)
	}
	defer func() {
		logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer logoutCancel()
		if err := h.Logout(logoutCtx); err != nil {
			logger.Debug().Err(err).Msg("logout failed")
		}
	}()

	wake := newWakeTracker()
	h.RegisterCallback("bcmon", func(ev event.Event) {
		wake.Touch(ev.Channel)
		logger.Info().
			Int("channel", ev.Channel).
			Str("kind", string(ev.Kind)).
			Msg("push event")
	})
	defer h.UnregisterCallback("bcmon")

	if err := h.SubscribeEvents(ctx); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	logger.Info().Str("address", cfg.Address).Msg("monitoring")

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = []int{0}
	}

	var pollCh <-chan time.Time
	if pollInterval > 0 {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		pollCh = ticker.C
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-pollCh:
			opts := poll.Options{
				Channels: channels,
				Wake:     wake.WakeMap(cfg, channels),
			}
			if err := h.GetStates(ctx, opts); err != nil {
				logger.Warn().Err(err).Msg("state poll failed")
				continue
			}
			for _, line := range cache.Lines() {
				logger.Info().Msg(line)
			}

		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			return nil

		case <-deadline:
			logger.Info().Msg("monitor duration elapsed")
			return nil
		}
	}
}
