package event

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Callback receives decoded push events. Callbacks run synchronously on
// the read loop; substantial work must be handed off to its own goroutine.
type Callback func(Event)

// Registry maps callback ids to callbacks. Entries are held by reference;
// callers must unregister before disposing the callback's owner.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[string]Callback
	logger    zerolog.Logger
}

// NewRegistry creates an empty callback registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		callbacks: make(map[string]Callback),
		logger:    logger,
	}
}

// Register adds a callback under id. Registering an id already present
// replaces the prior entry.
func (r *Registry) Register(id string, fn Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[id] = fn
}

// Unregister removes the callback registered under id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks, id)
}

// Len reports the number of registered callbacks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.callbacks)
}

// Dispatch invokes every registered callback synchronously.
func (r *Registry) Dispatch(ev Event) {
	r.mu.RLock()
	fns := make([]Callback, 0, len(r.callbacks))
	for _, fn := range r.callbacks {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Subscription tracks the push-event subscription lifecycle across
// connection losses: the supervisor re-subscribes when Active was true
// at the moment of loss.
type Subscription struct {
	mu          sync.RWMutex
	active      bool
	lastRenewed time.Time
	activatedAt time.Time
}

// Activate marks the subscription active.
func (s *Subscription) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.active = true
	s.activatedAt = now
	s.lastRenewed = now
}

// Deactivate clears the subscription.
func (s *Subscription) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// Renew records a successful keep-alive.
func (s *Subscription) Renew() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRenewed = time.Now()
}

// Active reports whether the subscription is live.
func (s *Subscription) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// LastRenewed returns the time of the last successful renewal.
func (s *Subscription) LastRenewed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRenewed
}

// Age returns how long the subscription has been active.
func (s *Subscription) Age() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return 0
	}
	return time.Since(s.activatedAt)
}
