package event

import (
	"context"
	"sync"
	"time"
)

// Keep-alive defaults.
const (
	// DefaultKeepAliveInterval is the interval between keep-alive pings.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultMaxMissedPings is the number of consecutive failed pings
	// before the connection is considered dead.
	DefaultMaxMissedPings = 3
)

// KeepAliveConfig configures keep-alive behavior.
type KeepAliveConfig struct {
	// Interval between pings.
	Interval time.Duration

	// MaxMissedPings is the consecutive-failure threshold.
	MaxMissedPings int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		Interval:       DefaultKeepAliveInterval,
		MaxMissedPings: DefaultMaxMissedPings,
	}
}

// KeepAlive sends periodic pings while the event subscription is active,
// preventing idle-timeout disconnects from the peer. Ping failures are
// counted; hitting the threshold reports the connection dead.
type KeepAlive struct {
	config KeepAliveConfig

	// ping issues one keep-alive command and blocks for its result.
	ping func(ctx context.Context) error

	// onDead is called once when the failure threshold is reached.
	onDead func()

	// onRenewed is called after every successful ping.
	onRenewed func()

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewKeepAlive creates a keep-alive runner.
func NewKeepAlive(config KeepAliveConfig, ping func(ctx context.Context) error, onDead func()) *KeepAlive {
	if config.Interval == 0 {
		config.Interval = DefaultKeepAliveInterval
	}
	if config.MaxMissedPings == 0 {
		config.MaxMissedPings = DefaultMaxMissedPings
	}
	return &KeepAlive{
		config: config,
		ping:   ping,
		onDead: onDead,
	}
}

// SetRenewedCallback sets a callback invoked after each successful ping.
func (ka *KeepAlive) SetRenewedCallback(fn func()) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	ka.onRenewed = fn
}

// Start begins the keep-alive loop.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	stopCh := ka.stopCh
	ka.mu.Unlock()

	go ka.loop(ctx, stopCh)
}

// Stop stops the keep-alive loop.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// IsRunning reports whether the loop is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

func (ka *KeepAlive) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(ka.config.Interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}

		if err := ka.ping(ctx); err != nil {
			misses++
			if misses >= ka.config.MaxMissedPings {
				ka.Stop()
				if ka.onDead != nil {
					ka.onDead()
				}
				return
			}
			continue
		}

		misses = 0
		ka.mu.Lock()
		renewed := ka.onRenewed
		ka.mu.Unlock()
		if renewed != nil {
			renewed()
		}
	}
}
