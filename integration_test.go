package baichuan_test

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/baichuan-protocol/baichuan-go/pkg/capture"
	"github.com/baichuan-protocol/baichuan-go/pkg/encrypt"
	"github.com/baichuan-protocol/baichuan-go/pkg/event"
	"github.com/baichuan-protocol/baichuan-go/pkg/host"
	"github.com/baichuan-protocol/baichuan-go/pkg/metrics"
	"github.com/baichuan-protocol/baichuan-go/pkg/poll"
	"github.com/baichuan-protocol/baichuan-go/pkg/reconnect"
	"github.com/baichuan-protocol/baichuan-go/pkg/transport"
	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// scriptedCamera is a device-side endpoint built purely on the exported
// wire and encrypt API: it accepts one session at a time, performs the
// login key exchange, switches to the negotiated cipher, and answers a
// small set of state queries.
type scriptedCamera struct {
	t        *testing.T
	ln       net.Listener
	password string

	logins atomic.Int32

	mu     sync.Mutex
	conn   net.Conn
	codec  *wire.Codec
	tag    wire.EncryptionTag
	wmu    sync.Mutex
	closed bool
}

func startCamera(t *testing.T) *scriptedCamera {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &scriptedCamera{t: t, ln: ln, password: "hunter2"}
	go c.acceptLoop()
	t.Cleanup(c.Close)
	return c
}

func (c *scriptedCamera) addr() string { return c.ln.Addr().String() }

func (c *scriptedCamera) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.ln.Close()
	if conn != nil {
		conn.Close()
	}
}

func (c *scriptedCamera) acceptLoop() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		go c.session(conn)
	}
}

func (c *scriptedCamera) send(f *wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

// push emits an unsolicited alarm frame on the live session.
func (c *scriptedCamera) push(channel int, kind event.Kind) error {
	body, err := event.EncodePush(channel, kind)
	if err != nil {
		return err
	}
	return c.send(&wire.Frame{
		CommandID:  33,
		Encryption: c.tag,
		Channel:    int32(channel),
		Body:       body,
	})
}

func (c *scriptedCamera) session(conn net.Conn) {
	defer conn.Close()

	codec := wire.NewCodec()
	codec.SetCipher(encrypt.NewXOR(0))

	login, err := codec.ReadFrame(conn)
	if err != nil || login.CommandID != host.CmdLogin {
		return
	}
	c.logins.Add(1)

	doc, el := wire.NewBody("Encryption")
	wire.SetChildInt(el, "status", 200)
	wire.SetChildText(el, "type", "aes")
	wire.SetChildText(el, "nonce", "fedcba9876543210")
	kxBody, err := wire.MarshalBody(doc)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.codec = codec
	c.tag = wire.EncryptionXOR
	c.mu.Unlock()

	if err := c.send(&wire.Frame{
		CommandID:  host.CmdLogin,
		MessageID:  login.MessageID,
		Encryption: wire.EncryptionXOR,
		Channel:    wire.NoChannel,
		Body:       kxBody,
	}); err != nil {
		return
	}

	cipher, err := encrypt.Negotiate("aes", "fedcba9876543210", c.password, 0)
	if err != nil {
		return
	}
	codec.SetCipher(cipher)
	c.mu.Lock()
	c.tag = cipher.Tag()
	c.mu.Unlock()

	for {
		f, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		if err := c.send(c.answer(f)); err != nil {
			return
		}
	}
}

func (c *scriptedCamera) answer(f *wire.Frame) *wire.Frame {
	resp := &wire.Frame{
		CommandID:  f.CommandID,
		MessageID:  f.MessageID,
		Encryption: c.tag,
		Channel:    f.Channel,
	}

	switch f.CommandID {
	case host.CmdGetBatteryInfo:
		doc, el := wire.NewBody("BatteryInfo")
		wire.SetChildInt(el, "batteryPercent", 73)
		wire.SetChildText(el, "chargeStatus", "discharging")
		resp.Body = c.marshal(doc)

	case host.CmdGetMotionState:
		doc, el := wire.NewBody("MdState")
		wire.SetChildInt(el, "state", 0)
		resp.Body = c.marshal(doc)

	case host.CmdSubscribeEvents, host.CmdUnsubscribeEvents,
		host.CmdPing, host.CmdLogout:
		// bare status reply

	default:
		doc, el := wire.NewBody("Error")
		wire.SetChildInt(el, "rspCode", 26)
		resp.Body = c.marshal(doc)
	}
	return resp
}

func (c *scriptedCamera) marshal(doc interface{ WriteToBytes() ([]byte, error) }) []byte {
	data, err := doc.WriteToBytes()
	require.NoError(c.t, err)
	return data
}

// mapCache records polled fields keyed by channel.
type mapCache struct {
	mu     sync.Mutex
	fields map[int]map[string]any
}

func newMapCache() *mapCache {
	return &mapCache{fields: make(map[int]map[string]any)}
}

func (c *mapCache) SetField(channel int, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fields[channel] == nil {
		c.fields[channel] = make(map[string]any)
	}
	c.fields[channel][key] = value
}

func (c *mapCache) get(channel int, key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields[channel][key]
}

// TestE2E_FullSession drives the complete stack through one session:
// connect, subscribe, receive a push, poll state, and log out, with a
// capture file and a metrics registry attached the way cmd/bcmon wires
// them.
func TestE2E_FullSession(t *testing.T) {
	cam := startCamera(t)

	captureFile := filepath.Join(t.TempDir(), "session.bccap")
	fileLogger, err := capture.NewFileLogger(captureFile)
	require.NoError(t, err)

	m := metrics.New("baichuan")
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	cache := newMapCache()
	h := host.New(host.Config{
		Address:  cam.addr(),
		Username: "admin",
		Password: "hunter2",
		Cache:    cache,
		Metrics:  m,
		Transport: transport.Config{
			Capture: fileLogger,
		},
		Reconnect: reconnect.Config{
			Backoff:        reconnect.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
			AttemptTimeout: 2 * time.Second,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.Connect(ctx))

	// Push delivery through a registered callback.
	events := make(chan event.Event, 1)
	h.RegisterCallback("e2e", func(ev event.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	require.NoError(t, h.SubscribeEvents(ctx))
	require.NoError(t, cam.push(0, event.KindMotion))

	select {
	case ev := <-events:
		require.Equal(t, event.KindMotion, ev.Kind)
		require.Equal(t, 0, ev.Channel)
	case <-time.After(3 * time.Second):
		t.Fatal("push event never delivered")
	}

	// Batched state poll into the cache.
	err = h.GetStates(ctx, poll.Options{
		Filter: poll.Filter{
			{Command: "GetBatteryInfo", Channel: poll.HostChannel},
			{Command: "GetMotionState", Channel: poll.HostChannel},
		},
		Wake: poll.WakeMap{0: {Awake: true, Battery: true}},
	})
	require.NoError(t, err)
	require.Equal(t, 73, cache.get(0, "battery_percent"))
	require.Equal(t, "discharging", cache.get(0, "charge_status"))
	require.Equal(t, 0, cache.get(0, "motion_state"))

	require.NoError(t, h.Logout(ctx))
	require.NoError(t, fileLogger.Close())

	// The capture file replays the session: the login exchange plus
	// every command frame, in both directions.
	recorded, err := capture.ReadFile(captureFile)
	require.NoError(t, err)

	var in, out, transitions int
	for _, ev := range recorded {
		switch {
		case ev.StateChange != nil:
			transitions++
		case ev.Frame != nil && ev.Direction == capture.DirectionIn:
			in++
		case ev.Frame != nil && ev.Direction == capture.DirectionOut:
			out++
		}
	}
	require.GreaterOrEqual(t, in, 4, "expected login, subscribe, push and poll replies captured")
	require.GreaterOrEqual(t, out, 4)
	require.GreaterOrEqual(t, transitions, 2)

	require.Greater(t, testutil.ToFloat64(m.FramesIn), float64(3))
	require.Greater(t, testutil.ToFloat64(m.FramesOut), float64(3))
	require.Equal(t, float64(1), testutil.ToFloat64(m.PushEvents))
}

// TestE2E_UnsupportedQuerySkipsCleanly checks that a device rejecting a
// feature with rspCode 26 does not poison a batched poll.
func TestE2E_UnsupportedQuerySkipsCleanly(t *testing.T) {
	cam := startCamera(t)

	cache := newMapCache()
	h := host.New(host.Config{
		Address:  cam.addr(),
		Username: "admin",
		Password: "hunter2",
		Cache:    cache,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.Connect(ctx))
	defer h.Logout(ctx)

	// GetFloodlight answers rspCode 26; battery still lands in the cache.
	err := h.GetStates(ctx, poll.Options{
		Filter: poll.Filter{
			{Command: "GetBatteryInfo", Channel: poll.HostChannel},
			{Command: "GetFloodlight", Channel: poll.HostChannel},
		},
		Wake: poll.WakeMap{0: {Awake: true, Battery: true}},
	})
	require.NoError(t, err)
	require.Equal(t, 73, cache.get(0, "battery_percent"))
	require.Nil(t, cache.get(0, "floodlight_state"))
}
