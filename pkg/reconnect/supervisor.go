package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor errors.
var (
	// ErrGaveUp indicates the attempt bound was exhausted.
	ErrGaveUp = errors.New("reconnection attempts exhausted")
)

// ReconnectFunc re-establishes the connection end to end: dial,
// re-authenticate, and restore subscription state. It must be safe to
// call repeatedly.
type ReconnectFunc func(ctx context.Context) error

// Config configures the supervisor.
type Config struct {
	// Backoff parameters for the retry schedule.
	Backoff BackoffConfig

	// MaxAttempts bounds one recovery wave. 0 retries indefinitely.
	MaxAttempts int

	// AttemptTimeout bounds a single reconnection attempt (default 30s).
	AttemptTimeout time.Duration

	// Logger is the diagnostic logger. Defaults to a disabled logger.
	Logger zerolog.Logger
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 30 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// Supervisor drives recovery after connection loss. It runs one
// background loop; losses reported while a recovery wave is in progress
// coalesce into it.
type Supervisor struct {
	cfg       Config
	backoff   *Backoff
	reconnect ReconnectFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lossCh chan struct{}

	mu          sync.Mutex
	started     bool
	recovering  bool
	onRecovered func()
	onGaveUp    func(err error)
}

// NewSupervisor creates a supervisor around a reconnect function.
func NewSupervisor(cfg Config, reconnect ReconnectFunc) *Supervisor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		backoff:   NewBackoffWithConfig(cfg.Backoff),
		reconnect: reconnect,
		ctx:       ctx,
		cancel:    cancel,
		lossCh:    make(chan struct{}, 1),
	}
}

// OnRecovered sets a callback invoked after successful recovery.
func (s *Supervisor) OnRecovered(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecovered = fn
}

// OnGaveUp sets a callback invoked when the attempt bound is exhausted.
func (s *Supervisor) OnGaveUp(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGaveUp = fn
}

// Start launches the background recovery loop.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

// Close stops the supervisor and waits for the loop to exit.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

// Recovering reports whether a recovery wave is in progress.
func (s *Supervisor) Recovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovering
}

// NotifyLoss reports a connection loss. Duplicate notifications during an
// active recovery wave coalesce.
func (s *Supervisor) NotifyLoss() {
	select {
	case s.lossCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.lossCh:
			s.recover()
		}
	}
}

// recover runs one recovery wave: backoff, reconnect, repeat.
func (s *Supervisor) recover() {
	s.mu.Lock()
	s.recovering = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	for {
		delay := s.backoff.Next()
		attempt := s.backoff.Attempts()

		s.cfg.Logger.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("scheduling reconnection attempt")

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AttemptTimeout)
		err := s.reconnect(ctx)
		cancel()

		if err == nil {
			s.backoff.Reset()
			s.cfg.Logger.Debug().Int("attempts", attempt).Msg("connection recovered")

			s.mu.Lock()
			recovered := s.onRecovered
			s.mu.Unlock()
			if recovered != nil {
				recovered()
			}
			return
		}

		s.cfg.Logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")

		if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
			s.backoff.Reset()

			s.mu.Lock()
			gaveUp := s.onGaveUp
			s.mu.Unlock()
			if gaveUp != nil {
				gaveUp(ErrGaveUp)
			}
			return
		}

		if s.ctx.Err() != nil {
			return
		}
	}
}
