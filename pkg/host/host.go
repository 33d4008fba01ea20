package host

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baichuan-protocol/baichuan-go/pkg/dispatch"
	"github.com/baichuan-protocol/baichuan-go/pkg/encrypt"
	"github.com/baichuan-protocol/baichuan-go/pkg/event"
	"github.com/baichuan-protocol/baichuan-go/pkg/metrics"
	"github.com/baichuan-protocol/baichuan-go/pkg/poll"
	"github.com/baichuan-protocol/baichuan-go/pkg/reconnect"
	"github.com/baichuan-protocol/baichuan-go/pkg/transport"
	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// StateCache receives polled device state. Implementations decide how
// values are stored and exposed.
type StateCache = poll.StateCache

// CapabilityChecker answers whether a channel supports a named feature.
// Capability detection itself happens elsewhere; the host only consumes
// the answers.
type CapabilityChecker interface {
	IsSupported(channel int, feature string) bool
}

// Config configures a device host.
type Config struct {
	// Address is the device endpoint, host or host:port. A bare host
	// gets the default Baichuan port.
	Address string

	// Credentials for the login handshake.
	Username string
	Password string

	// Channels to poll by default. Defaults to channel 0.
	Channels []int

	// DefaultTimeout is the per-command deadline (default 15s).
	DefaultTimeout time.Duration

	// Cache receives polled state. Nil discards it.
	Cache StateCache

	// Capabilities gates feature-bound state queries. Nil means every
	// feature is assumed supported.
	Capabilities CapabilityChecker

	// Transport configures the underlying connection.
	Transport transport.Config

	// KeepAlive configures the subscription keep-alive.
	KeepAlive event.KeepAliveConfig

	// Reconnect configures the recovery supervisor.
	Reconnect reconnect.Config

	// Metrics, when set, receives counters. Nil disables them.
	Metrics *metrics.Metrics

	// Logger is the diagnostic logger. Defaults to a disabled logger.
	Logger zerolog.Logger
}

// DefaultConfig returns the default host configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: dispatch.DefaultTimeout,
		Transport:      transport.DefaultConfig(),
		KeepAlive:      event.DefaultKeepAliveConfig(),
		Reconnect:      reconnect.DefaultConfig(),
		Logger:         zerolog.Nop(),
	}
}

// Host is one Baichuan device endpoint: it owns the connection, drives
// the login handshake, correlates commands with responses, routes push
// events and recovers from connection loss. All methods are safe for
// concurrent use.
type Host struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	table    *poll.Table
	poller   *poll.Poller
	registry *event.Registry
	sub      *event.Subscription

	supervisor *reconnect.Supervisor

	runCtx    context.Context
	runCancel context.CancelFunc

	mu          sync.RWMutex
	conn        *transport.Conn
	disp        *dispatch.Dispatcher
	encTag      wire.EncryptionTag
	readyCh     chan struct{}
	keepAlive   *event.KeepAlive
	connectedAt time.Time
	closed      bool
}

// New creates a host. Connect establishes the session.
func New(cfg Config) *Host {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = dispatch.DefaultTimeout
	}
	if cfg.Cache == nil {
		cfg.Cache = discardCache{}
	}
	h := &Host{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "host").Str("address", cfg.Address).Logger(),
		metrics:  cfg.Metrics,
		table:    newCommandTable(),
		registry: event.NewRegistry(cfg.Logger),
		sub:      &event.Subscription{},
		readyCh:  make(chan struct{}),
	}
	h.poller = poll.NewPoller(h.table, h, cfg.Cache, cfg.Logger)
	h.poller.AddRecognizedErrors(ErrNotSupported)
	if cfg.Capabilities != nil {
		h.poller.SetCapabilityCheck(cfg.Capabilities.IsSupported)
	}
	return h
}

// Connect dials the device, performs the login handshake and starts the
// recovery supervisor. It must be called exactly once.
func (h *Host) Connect(ctx context.Context) error {
	h.runCtx, h.runCancel = context.WithCancel(context.Background())

	if err := h.establish(ctx); err != nil {
		h.runCancel()
		return err
	}

	h.supervisor = reconnect.NewSupervisor(h.cfg.Reconnect, h.reestablish)
	h.supervisor.OnRecovered(func() {
		if h.metrics != nil {
			h.metrics.IncReconnects()
		}
	})
	h.supervisor.OnGaveUp(func(err error) {
		h.logger.Error().Err(err).Msg("recovery abandoned")
	})
	h.supervisor.Start()
	return nil
}

// establish runs one full connection attempt: dial, login handshake,
// cipher negotiation, read loop start. On success the new connection
// replaces the current one and the ready gate opens.
func (h *Host) establish(ctx context.Context) error {
	handler := &connHandler{h: h}
	conn := transport.NewConn(h.cfg.Transport, handler)
	handler.conn = conn

	if err := conn.Dial(ctx, withDefaultPort(h.cfg.Address)); err != nil {
		return err
	}

	disp := dispatch.New(&countingSender{conn: conn, metrics: h.metrics}, h.cfg.DefaultTimeout, h.cfg.Logger)

	tag, err := h.handshake(ctx, conn, disp)
	if err != nil {
		conn.Close()
		return err
	}

	h.mu.Lock()
	h.conn = conn
	h.disp = disp
	h.encTag = tag
	h.connectedAt = time.Now()
	readyCh := h.readyCh
	h.mu.Unlock()

	if err := conn.Ready(); err != nil {
		conn.Close()
		return err
	}

	h.poller.ResetOneShot()
	close(readyCh)

	h.logger.Info().Str("conn_id", conn.ID()).Stringer("encryption", tag).Msg("session established")
	return nil
}

// handshake performs the single-round-trip login exchange on a
// connection whose read loop has not started yet. It returns the
// encryption tag negotiated for the rest of the session.
func (h *Host) handshake(ctx context.Context, conn *transport.Conn, disp *dispatch.Dispatcher) (wire.EncryptionTag, error) {
	body, err := buildLoginBody(h.cfg.Username, h.cfg.Password)
	if err != nil {
		return wire.EncryptionNone, err
	}

	id := disp.NextID()
	login := &wire.Frame{
		CommandID:  CmdLogin,
		MessageID:  id,
		Encryption: wire.EncryptionXOR,
		Channel:    wire.NoChannel,
		Body:       body,
	}
	// The login frame travels under the fixed offset-zero keystream;
	// the negotiated cipher takes over afterwards.
	conn.SetCipher(encrypt.NewXOR(0))
	if err := conn.WriteFrame(login); err != nil {
		return wire.EncryptionNone, err
	}

	hsCtx, cancel := context.WithTimeout(ctx, h.cfg.DefaultTimeout)
	defer cancel()
	resp, err := conn.ReadFrame(hsCtx)
	if err != nil {
		return wire.EncryptionNone, err
	}
	if resp.MessageID != id {
		return wire.EncryptionNone, fmt.Errorf("%w: handshake response id %d, want %d", wire.ErrBadBody, resp.MessageID, id)
	}

	kx, err := parseKeyExchange(resp.Body)
	if err != nil {
		return wire.EncryptionNone, err
	}
	if kx.status != rspCodeOK {
		return wire.EncryptionNone, fmt.Errorf("%w: device status %d", ErrAuthFailed, kx.status)
	}

	cipher, err := encrypt.Negotiate(kx.mode, kx.nonce, h.cfg.Password, kx.offset)
	if err != nil {
		return wire.EncryptionNone, err
	}
	conn.SetCipher(cipher)
	return cipher.Tag(), nil
}

// reestablish is the supervisor's reconnect function: rebuild the
// session and, when the event subscription was active when the
// connection dropped, renew it before declaring recovery.
func (h *Host) reestablish(ctx context.Context) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := h.establish(ctx); err != nil {
		return err
	}

	if h.sub.Active() {
		if err := h.sendSubscribe(ctx); err != nil {
			h.teardownConn()
			return fmt.Errorf("renewing event subscription: %w", err)
		}
		h.sub.Renew()
		h.startKeepAlive()
		h.logger.Info().Msg("event subscription renewed")
	}
	return nil
}

// Send issues a command and blocks for its response body. During
// recovery it waits on the ready gate, so callers ride out a
// reconnection transparently up to their deadline. A timeout of zero
// applies the default.
func (h *Host) Send(ctx context.Context, commandID uint32, channel int, body []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = h.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.waitReady(ctx); err != nil {
		return nil, err
	}

	h.mu.RLock()
	disp := h.disp
	tag := h.encTag
	h.mu.RUnlock()
	if disp == nil {
		return nil, transport.ErrNotConnected
	}

	resp, err := disp.Send(ctx, commandID, int32(channel), tag, body, timeout)
	if h.metrics != nil {
		h.metrics.SetPendingRequests(disp.PendingCount())
	}
	if err != nil {
		return nil, err
	}
	if err := commandError(resp.Body); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DefaultTimeout is the baseline per-command deadline.
func (h *Host) DefaultTimeout() time.Duration {
	return h.cfg.DefaultTimeout
}

// waitReady blocks until the session is established or ctx expires.
func (h *Host) waitReady(ctx context.Context) error {
	h.mu.RLock()
	ch := h.readyCh
	closed := h.closed
	connected := h.conn != nil
	h.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !connected {
		return transport.ErrNotConnected
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for connection: %v", dispatch.ErrRequestTimeout, ctx.Err())
	}
}

// SubscribeEvents enables push delivery and starts the keep-alive that
// holds the subscription open. The subscription survives reconnections:
// recovery renews it automatically.
func (h *Host) SubscribeEvents(ctx context.Context) error {
	if err := h.sendSubscribe(ctx); err != nil {
		return err
	}
	h.sub.Activate()
	h.startKeepAlive()
	h.logger.Debug().Msg("event subscription active")
	return nil
}

// UnsubscribeEvents disables push delivery and stops the keep-alive.
func (h *Host) UnsubscribeEvents(ctx context.Context) error {
	h.stopKeepAlive()
	h.sub.Deactivate()

	doc, _ := wire.NewBody("Unsubscribe")
	body, err := wire.MarshalBody(doc)
	if err != nil {
		return err
	}
	_, err = h.Send(ctx, CmdUnsubscribeEvents, poll.HostChannel, body, 0)
	return err
}

func (h *Host) sendSubscribe(ctx context.Context) error {
	doc, _ := wire.NewBody("Subscribe")
	body, err := wire.MarshalBody(doc)
	if err != nil {
		return err
	}
	_, err = h.Send(ctx, CmdSubscribeEvents, poll.HostChannel, body, 0)
	return err
}

func (h *Host) startKeepAlive() {
	h.stopKeepAlive()

	ka := event.NewKeepAlive(h.cfg.KeepAlive, h.ping, h.onKeepAliveDead)
	ka.SetRenewedCallback(h.sub.Renew)

	h.mu.Lock()
	h.keepAlive = ka
	h.mu.Unlock()

	ka.Start(h.runCtx)
}

func (h *Host) stopKeepAlive() {
	h.mu.Lock()
	ka := h.keepAlive
	h.keepAlive = nil
	h.mu.Unlock()
	if ka != nil {
		ka.Stop()
	}
}

func (h *Host) ping(ctx context.Context) error {
	_, err := h.Send(ctx, CmdPing, poll.HostChannel, nil, 0)
	return err
}

// onKeepAliveDead fires when the configured number of consecutive pings
// went unanswered: the connection is presumed dead even if TCP has not
// noticed, so it is torn down to trigger recovery.
func (h *Host) onKeepAliveDead() {
	h.logger.Warn().Msg("keep-alive exhausted, forcing reconnect")
	h.teardownConn()
}

func (h *Host) teardownConn() {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()
	if conn != nil {
		conn.Close()
		// An explicit Close transitions to Disconnected without firing
		// OnError, so report the loss directly.
		h.handleLoss(conn, transport.ErrConnClosed)
	}
}

// RegisterCallback subscribes fn to pushed events under id. A second
// registration under the same id replaces the first.
func (h *Host) RegisterCallback(id string, fn event.Callback) {
	h.registry.Register(id, fn)
}

// UnregisterCallback removes the callback registered under id.
func (h *Host) UnregisterCallback(id string) {
	h.registry.Unregister(id)
}

// GetStates executes one wake-aware state poll batch. Zero-value options
// poll every registered command on the configured channels.
func (h *Host) GetStates(ctx context.Context, opts poll.Options) error {
	if len(opts.Channels) == 0 {
		opts.Channels = h.cfg.Channels
	}
	err := h.poller.GetStates(ctx, opts)
	if err != nil && h.metrics != nil {
		h.metrics.IncPollFailures()
	}
	return err
}

// Subscribed reports whether the push subscription is active.
func (h *Host) Subscribed() bool {
	return h.sub.Active()
}

// Recovering reports whether a reconnection wave is in progress.
func (h *Host) Recovering() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.supervisor == nil {
		return false
	}
	return h.supervisor.Recovering()
}

// State reports the current connection state.
func (h *Host) State() transport.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.conn == nil {
		return transport.StateDisconnected
	}
	return h.conn.State()
}

// Logout ends the session: best-effort unsubscribe and logout commands,
// then full teardown. The host cannot be reused afterwards.
func (h *Host) Logout(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.mu.Unlock()

	if h.sub.Active() {
		if err := h.UnsubscribeEvents(ctx); err != nil {
			h.logger.Debug().Err(err).Msg("unsubscribe on logout failed")
		}
	}
	h.stopKeepAlive()

	doc, _ := wire.NewBody("Logout")
	if body, err := wire.MarshalBody(doc); err == nil {
		if _, err := h.Send(ctx, CmdLogout, poll.HostChannel, body, 5*time.Second); err != nil {
			h.logger.Debug().Err(err).Msg("logout command failed")
		}
	}

	h.mu.Lock()
	h.closed = true
	conn := h.conn
	disp := h.disp
	h.mu.Unlock()

	if h.supervisor != nil {
		h.supervisor.Close()
	}
	if disp != nil {
		disp.Close()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if h.runCancel != nil {
		h.runCancel()
	}
	h.logger.Info().Msg("session closed")
	return err
}

// routeFrame classifies one inbound frame: a correlated response settles
// its pending command; anything else is treated as an unsolicited push.
func (h *Host) routeFrame(f *wire.Frame) {
	if h.metrics != nil {
		h.metrics.IncFramesIn()
	}

	h.mu.RLock()
	disp := h.disp
	h.mu.RUnlock()

	if disp != nil && disp.Resolve(f) {
		if h.metrics != nil {
			h.metrics.SetPendingRequests(disp.PendingCount())
		}
		return
	}

	ev, err := event.DecodePush(f)
	if err != nil {
		h.logger.Debug().
			Uint32("command_id", f.CommandID).
			Uint32("message_id", f.MessageID).
			Err(err).
			Msg("discarding unroutable frame")
		return
	}
	if h.metrics != nil {
		h.metrics.IncPushEvents()
	}
	h.registry.Dispatch(ev)
}

// handleLoss runs once per lost connection: it closes the ready gate,
// fails every in-flight command and hands recovery to the supervisor.
// Stale notifications from superseded connections are ignored.
func (h *Host) handleLoss(conn *transport.Conn, cause error) {
	h.mu.Lock()
	if h.closed || conn != h.conn {
		h.mu.Unlock()
		return
	}
	h.readyCh = make(chan struct{})
	disp := h.disp
	elapsed := time.Since(h.connectedAt)
	h.mu.Unlock()

	if disp != nil {
		disp.FailAll(dispatch.ErrConnectionLost)
	}
	h.stopKeepAlive()

	if h.sub.Active() {
		h.logger.Warn().
			Dur("elapsed", elapsed).
			Err(cause).
			Msgf("lost event subscription after %s", elapsed.Round(time.Second))
	} else {
		h.logger.Debug().Dur("elapsed", elapsed).Err(cause).Msg("connection lost")
	}

	if h.supervisor != nil {
		h.supervisor.NotifyLoss()
	}
}

// connHandler adapts transport callbacks for one specific connection, so
// events from a superseded connection can be told apart from the
// current one.
type connHandler struct {
	h    *Host
	conn *transport.Conn
}

func (ch *connHandler) OnFrame(f *wire.Frame) {
	ch.h.routeFrame(f)
}

func (ch *connHandler) OnStateChange(oldState, newState transport.State) {
	ch.h.logger.Debug().
		Stringer("from", oldState).
		Stringer("to", newState).
		Str("conn_id", ch.conn.ID()).
		Msg("connection state changed")
}

func (ch *connHandler) OnError(err error) {
	ch.h.handleLoss(ch.conn, err)
}

// countingSender wraps the connection writer with the outbound frame
// counter.
type countingSender struct {
	conn    *transport.Conn
	metrics *metrics.Metrics
}

func (s *countingSender) WriteFrame(f *wire.Frame) error {
	if err := s.conn.WriteFrame(f); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.IncFramesOut()
	}
	return nil
}

// discardCache drops polled state when no cache is configured.
type discardCache struct{}

func (discardCache) SetField(int, string, any) {}

// withDefaultPort appends the Baichuan port to a bare host address.
func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(wire.DefaultPort))
}
