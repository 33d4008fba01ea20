// Package dispatch correlates responses on a shared Baichuan connection
// with the requests that produced them. Many commands may be in flight
// concurrently; resolution is by message id, never by arrival order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// Dispatcher errors.
var (
	// ErrRequestTimeout indicates the deadline elapsed before a response.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionLost indicates the connection degraded while the
	// request was outstanding.
	ErrConnectionLost = errors.New("connection lost")

	// ErrClosed indicates the dispatcher has been shut down.
	ErrClosed = errors.New("dispatcher is closed")
)

// DefaultTimeout is the baseline per-command deadline.
const DefaultTimeout = 15 * time.Second

// Sender transmits an encoded frame over the connection.
type Sender interface {
	WriteFrame(f *wire.Frame) error
}

// outcome is the resolution of one pending request.
type outcome struct {
	frame *wire.Frame
	err   error
}

// pendingRequest tracks one in-flight command.
type pendingRequest struct {
	issued time.Time
	ch     chan outcome
}

// Dispatcher allocates correlation ids and tracks in-flight requests.
type Dispatcher struct {
	sender         Sender
	defaultTimeout time.Duration
	logger         zerolog.Logger

	// Correlation ids are unique for the connection's lifetime and wrap
	// only at numeric overflow.
	nextID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingRequest
	closed  bool
}

// New creates a dispatcher writing through sender.
func New(sender Sender, defaultTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Dispatcher{
		sender:         sender,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		pending:        make(map[uint32]*pendingRequest),
	}
}

// DefaultTimeout returns the baseline per-command deadline.
func (d *Dispatcher) DefaultTimeout() time.Duration {
	return d.defaultTimeout
}

// NextID allocates the next correlation id.
func (d *Dispatcher) NextID() uint32 {
	return d.nextID.Add(1)
}

// PendingCount reports the number of in-flight requests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// register creates the pending slot for a correlation id.
func (d *Dispatcher) register(id uint32) (*pendingRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	p := &pendingRequest{
		issued: time.Now(),
		ch:     make(chan outcome, 1),
	}
	d.pending[id] = p
	return p, nil
}

// remove deletes a pending slot. Returns false if the slot was already
// resolved, timed out or failed.
func (d *Dispatcher) remove(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; !ok {
		return false
	}
	delete(d.pending, id)
	return true
}

// Send issues a command and suspends the caller until the response
// arrives, the deadline elapses, or the connection is lost. A timeout of
// zero applies the default. enc is the encryption tag to seal with.
func (d *Dispatcher) Send(ctx context.Context, commandID uint32, channel int32, enc wire.EncryptionTag, body []byte, timeout time.Duration) (*wire.Frame, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	id := d.NextID()
	p, err := d.register(id)
	if err != nil {
		return nil, err
	}

	f := &wire.Frame{
		CommandID:  commandID,
		MessageID:  id,
		Encryption: enc,
		Channel:    channel,
		Body:       body,
	}
	if err := d.sender.WriteFrame(f); err != nil {
		d.remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		return out.frame, out.err

	case <-timer.C:
		// The slot is removed exactly once; a response racing this
		// removal lands in the buffered channel and is discarded.
		d.remove(id)
		return nil, fmt.Errorf("%w: command %d after %s", ErrRequestTimeout, commandID, timeout)

	case <-ctx.Done():
		// Caller-level cancellation is treated as a timeout without
		// corrupting bookkeeping: the slot is still removed.
		d.remove(id)
		return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, ctx.Err())
	}
}

// Resolve matches an inbound frame to its pending request. It returns
// false when no request is pending for the frame's message id: the frame
// is either an unsolicited push or a late response, which is discarded.
func (d *Dispatcher) Resolve(f *wire.Frame) bool {
	d.mu.Lock()
	p, ok := d.pending[f.MessageID]
	if ok {
		delete(d.pending, f.MessageID)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}

	d.logger.Trace().
		Uint32("cmd", f.CommandID).
		Uint32("msg", f.MessageID).
		Dur("elapsed", time.Since(p.issued)).
		Msg("resolved pending request")

	p.ch <- outcome{frame: f}
	return true
}

// FailAll fails every outstanding request with err. Called on connection
// loss; retry is the caller's decision, never this layer's.
func (d *Dispatcher) FailAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uint32]*pendingRequest)
	d.mu.Unlock()

	for id, p := range pending {
		p.ch <- outcome{err: fmt.Errorf("%w: request %d", err, id)}
	}
}

// Close shuts the dispatcher down, failing anything still in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.FailAll(ErrClosed)
}
