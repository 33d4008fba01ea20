package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baichuan-protocol/baichuan-go/pkg/capture"
	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// Connection errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrDialFailed       = errors.New("dial failed")
	ErrConnClosed       = errors.New("connection closed")
)

// Handler receives connection events. OnFrame runs on the read loop
// goroutine; long blocking work stalls all correlation resolution on
// this connection and must be handed off.
type Handler interface {
	// OnFrame is called for every decoded inbound frame.
	OnFrame(f *wire.Frame)

	// OnStateChange is called when the connection state changes.
	OnStateChange(oldState, newState State)

	// OnError is called when the read loop terminates abnormally.
	OnError(err error)
}

// Config configures a connection.
type Config struct {
	// DialTimeout bounds the TCP dial (default 10s).
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write (0 = no timeout).
	WriteTimeout time.Duration

	// MaxBodySize bounds accepted frame bodies (default wire.DefaultMaxBodySize).
	MaxBodySize uint32

	// Capture, when set, records all frames and state transitions.
	Capture capture.Logger

	// Logger is the diagnostic logger. Defaults to a disabled logger.
	Logger zerolog.Logger
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		MaxBodySize: wire.DefaultMaxBodySize,
		Logger:      zerolog.Nop(),
	}
}

// Conn is one Baichuan TCP connection. It is single-use: Dial once,
// Close once; the reconnection supervisor builds a new Conn per attempt.
type Conn struct {
	cfg     Config
	handler Handler
	codec   *wire.Codec
	id      string

	mu     sync.RWMutex
	sock   net.Conn
	remote string

	state     atomic.Int32
	closeOnce sync.Once

	// writeMu serializes the encode+transmit path so frames are never
	// interleaved mid-frame on the wire.
	writeMu sync.Mutex
}

// NewConn creates a connection (not yet dialed).
func NewConn(cfg Config, handler Handler) *Conn {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Capture == nil {
		cfg.Capture = capture.NoopLogger{}
	}

	codec := wire.NewCodec()
	if cfg.MaxBodySize != 0 {
		codec.SetMaxBodySize(cfg.MaxBodySize)
	}

	c := &Conn{
		cfg:     cfg,
		handler: handler,
		codec:   codec,
		id:      uuid.NewString(),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// ID returns the connection's capture/diagnostic identifier.
func (c *Conn) ID() string { return c.id }

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// RemoteAddr returns the peer address, or "" when not connected.
func (c *Conn) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// SetCipher installs the body cipher. The handshake sets the fixed
// login keystream first, then the negotiated cipher, both before Ready.
func (c *Conn) SetCipher(cipher wire.Cipher) {
	c.codec.SetCipher(cipher)
}

// Dial opens the TCP stream and moves the connection to Authenticating.
func (c *Conn) Dial(ctx context.Context, address string) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}
	c.notifyStateChange(StateDisconnected, StateConnecting)

	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	sock, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		c.notifyStateChange(StateConnecting, StateDisconnected)
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	c.mu.Lock()
	c.sock = sock
	c.remote = sock.RemoteAddr().String()
	c.mu.Unlock()

	c.state.Store(int32(StateAuthenticating))
	c.notifyStateChange(StateConnecting, StateAuthenticating)
	return nil
}

// WriteFrame encodes, seals and transmits a frame. Writes are exclusive:
// only one encode+transmit is in flight at a time.
func (c *Conn) WriteFrame(f *wire.Frame) error {
	s := c.State()
	if s != StateAuthenticating && s != StateReady {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()
	if sock == nil {
		return ErrNotConnected
	}

	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}

	if c.cfg.WriteTimeout > 0 {
		sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer sock.SetWriteDeadline(time.Time{})
	}

	if _, err := sock.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	c.cfg.Capture.Log(capture.NewFrameEvent(c.id, capture.DirectionOut, f))
	return nil
}

// ReadFrame reads one frame synchronously. Used only during the login
// handshake, before the read loop starts. The context deadline bounds
// the read.
func (c *Conn) ReadFrame(ctx context.Context) (*wire.Frame, error) {
	if c.State() != StateAuthenticating {
		return nil, ErrNotConnected
	}

	c.mu.RLock()
	sock := c.sock
	c.mu.RUnlock()
	if sock == nil {
		return nil, ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		sock.SetReadDeadline(deadline)
		defer sock.SetReadDeadline(time.Time{})
	}

	f, err := c.codec.ReadFrame(sock)
	if err != nil {
		return nil, err
	}
	c.cfg.Capture.Log(capture.NewFrameEvent(c.id, capture.DirectionIn, f))
	return f, nil
}

// Ready marks the handshake complete and starts the read loop.
func (c *Conn) Ready() error {
	if !c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateReady)) {
		return ErrNotConnected
	}
	c.notifyStateChange(StateAuthenticating, StateReady)
	go c.readLoop()
	return nil
}

// Close tears the connection down. Used on explicit logout or shutdown.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		old := c.State()
		c.state.Store(int32(StateDisconnected))

		c.mu.Lock()
		if c.sock != nil {
			c.sock.Close()
			c.sock = nil
		}
		c.mu.Unlock()

		if old != StateDisconnected {
			c.notifyStateChange(old, StateDisconnected)
		}
	})
	return nil
}

// readLoop blocks on the socket until a full frame is available, decodes
// it and hands it to the handler. Loss of the loop degrades the connection.
func (c *Conn) readLoop() {
	for {
		c.mu.RLock()
		sock := c.sock
		c.mu.RUnlock()
		if sock == nil {
			return
		}

		f, err := c.codec.ReadFrame(sock)
		if err != nil {
			if c.State() != StateReady {
				return // closed during logout
			}
			c.degrade(err)
			return
		}

		c.cfg.Capture.Log(capture.NewFrameEvent(c.id, capture.DirectionIn, f))
		c.handler.OnFrame(f)
	}
}

// degrade moves the connection to Degraded and hands control to the
// reconnection supervisor via the handler.
func (c *Conn) degrade(err error) {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateDegraded)) {
		return
	}

	c.mu.Lock()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.mu.Unlock()

	if errors.Is(err, io.EOF) {
		c.cfg.Logger.Debug().Str("conn", c.id).Msg("peer closed connection")
	} else {
		c.cfg.Logger.Debug().Str("conn", c.id).Err(err).Msg("read loop terminated")
	}

	c.handler.OnError(err)
	c.notifyStateChange(StateReady, StateDegraded)
}

func (c *Conn) notifyStateChange(oldState, newState State) {
	c.cfg.Capture.Log(capture.NewStateChangeEvent(c.id, oldState.String(), newState.String()))
	if c.handler != nil {
		c.handler.OnStateChange(oldState, newState)
	}
}
