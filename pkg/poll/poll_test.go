package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/baichuan-protocol/baichuan-go/pkg/dispatch"
)

func TestClassifyUnknownDefaultsToWaking(t *testing.T) {
	table := NewTable()
	table.MustRegister(Command{Name: "GetBatteryInfo", ID: 252, Class: ClassNonWaking})

	if got := table.Classify("GetBatteryInfo"); got != ClassNonWaking {
		t.Errorf("Classify(GetBatteryInfo) = %s", got)
	}
	if got := table.Classify("GetSomethingNew"); got != ClassWaking {
		t.Errorf("Classify(unknown) = %s, want WAKING", got)
	}
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	table := NewTable()
	table.MustRegister(Command{Name: "GetMotionState"})

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	table.MustRegister(Command{Name: "GetMotionState"})
}

func TestInclude(t *testing.T) {
	nonWaking := Command{Name: "GetBatteryInfo", Class: ClassNonWaking}
	waking := Command{Name: "GetFloodlight", Class: ClassWaking}

	// Channel 0 is a sleeping battery camera, channel 1 a wired one.
	wake := WakeMap{
		0: {Awake: false, Battery: true},
		1: {Awake: false, Battery: false},
	}

	tests := []struct {
		name    string
		cmd     Command
		channel int
		filter  Filter
		want    bool
	}{
		{"non-waking on sleeping battery channel", nonWaking, 0, nil, true},
		{"waking on sleeping battery channel", waking, 0, nil, false},
		{"waking on wired channel", waking, 1, nil, true},
		{"non-waking on wired channel", nonWaking, 1, nil, true},
		{"waking on unknown channel", waking, 9, nil, true},
		{"filter excludes command", nonWaking, 0, Filter{{Command: "Other", Channel: 0}}, false},
		{"filter includes command", nonWaking, 0, Filter{{Command: "GetBatteryInfo", Channel: 0}}, true},
		{"filter wildcard channel", nonWaking, 3, Filter{{Command: "GetBatteryInfo", Channel: HostChannel}}, true},
		{"filter wrong channel", nonWaking, 3, Filter{{Command: "GetBatteryInfo", Channel: 0}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Include(tt.cmd, tt.channel, wake, tt.filter); got != tt.want {
				t.Errorf("Include = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIncludeAwakeBatteryChannel(t *testing.T) {
	waking := Command{Name: "GetFloodlight", Class: ClassWaking}
	wake := WakeMap{0: {Awake: true, Battery: true}}

	if !Include(waking, 0, wake, nil) {
		t.Error("waking command excluded from an awake battery channel")
	}
}

func TestOneShotCache(t *testing.T) {
	c := NewOneShotCache()

	if c.Executed("QuickReplyPlay", 0) {
		t.Error("fresh cache reports executed")
	}
	if !c.MarkExecuted("QuickReplyPlay", 0) {
		t.Error("first MarkExecuted returned false")
	}
	if c.MarkExecuted("QuickReplyPlay", 0) {
		t.Error("second MarkExecuted returned true")
	}
	if c.Executed("QuickReplyPlay", 1) {
		t.Error("channel 1 shares channel 0's entry")
	}

	c.Reset()
	if c.Executed("QuickReplyPlay", 0) {
		t.Error("Reset did not clear the cache")
	}
}

// fakeSender answers poll commands from a scripted function.
type fakeSender struct {
	mu      sync.Mutex
	calls   []call
	respond func(commandID uint32, channel int) ([]byte, error)
}

type call struct {
	commandID uint32
	channel   int
}

func (s *fakeSender) Send(ctx context.Context, commandID uint32, channel int, body []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{commandID: commandID, channel: channel})
	s.mu.Unlock()
	return s.respond(commandID, channel)
}

func (s *fakeSender) DefaultTimeout() time.Duration { return time.Second }

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// countingCache counts SetField writes.
type countingCache struct {
	mu     sync.Mutex
	writes int
}

func (c *countingCache) SetField(channel int, key string, value any) {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
}

func applyOne(channel int, body []byte, cache StateCache) error {
	cache.SetField(channel, "field", string(body))
	return nil
}

func TestGetStatesIsolatesRecognizedFailures(t *testing.T) {
	table := NewTable()
	for i := 0; i < 10; i++ {
		table.MustRegister(Command{
			Name:  fmt.Sprintf("GetState%02d", i),
			ID:    uint32(100 + i),
			Class: ClassNonWaking,
			Apply: applyOne,
		})
	}

	// Three of ten commands fail with a recognized protocol error; the
	// other seven must still deliver.
	sender := &fakeSender{
		respond: func(commandID uint32, channel int) ([]byte, error) {
			if commandID%3 == 0 {
				return nil, fmt.Errorf("%w: command %d", dispatch.ErrRequestTimeout, commandID)
			}
			return []byte("ok"), nil
		},
	}
	cache := &countingCache{}
	p := NewPoller(table, sender, cache, zerolog.Nop())

	if err := p.GetStates(context.Background(), Options{Channels: []int{0}}); err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if sender.callCount() != 10 {
		t.Errorf("sent %d commands, want 10", sender.callCount())
	}
	if cache.writes != 7 {
		t.Errorf("cache writes = %d, want 7", cache.writes)
	}
}

func TestGetStatesAbortsOnUnrecognizedFailure(t *testing.T) {
	table := NewTable()
	table.MustRegister(Command{Name: "GetState", ID: 100, Class: ClassNonWaking, Apply: applyOne})

	boom := errors.New("nil map write")
	sender := &fakeSender{
		respond: func(commandID uint32, channel int) ([]byte, error) {
			return nil, boom
		},
	}
	p := NewPoller(table, sender, &countingCache{}, zerolog.Nop())

	if err := p.GetStates(context.Background(), Options{}); !errors.Is(err, boom) {
		t.Errorf("GetStates = %v, want the unrecognized error", err)
	}
}

func TestGetStatesExtendedRecognizedErrors(t *testing.T) {
	table := NewTable()
	table.MustRegister(Command{Name: "GetState", ID: 100, Class: ClassNonWaking, Apply: applyOne})

	notSupported := errors.New("command not supported by device")
	sender := &fakeSender{
		respond: func(commandID uint32, channel int) ([]byte, error) {
			return nil, notSupported
		},
	}
	p := NewPoller(table, sender, &countingCache{}, zerolog.Nop())
	p.AddRecognizedErrors(notSupported)

	if err := p.GetStates(context.Background(), Options{}); err != nil {
		t.Errorf("GetStates = %v, want isolation of the extended error", err)
	}
}

func TestGetStatesOneShot(t *testing.T) {
	table := NewTable()
	table.MustRegister(Command{Name: "QuickReplyPlay", ID: 349, Class: ClassNonWaking, OneShot: true, Apply: applyOne})

	sender := &fakeSender{
		respond: func(commandID uint32, channel int) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	p := NewPoller(table, sender, &countingCache{}, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.GetStates(ctx, Options{}); err != nil {
			t.Fatalf("GetStates %d: %v", i, err)
		}
	}
	if sender.callCount() != 1 {
		t.Fatalf("one-shot sent %d times, want 1", sender.callCount())
	}

	// Force re-runs it.
	if err := p.GetStates(ctx, Options{Force: true}); err != nil {
		t.Fatalf("GetStates force: %v", err)
	}
	if sender.callCount() != 2 {
		t.Errorf("after force: sent %d times, want 2", sender.callCount())
	}

	// A new connection clears the ledger.
	p.ResetOneShot()
	if err := p.GetStates(ctx, Options{}); err != nil {
		t.Fatalf("GetStates after reset: %v", err)
	}
	if sender.callCount() != 3 {
		t.Errorf("after reset: sent %d times, want 3", sender.callCount())
	}
}

func TestGetStatesWakePlanning(t *testing.T) {
	table := NewTable()
	table.MustRegister(Command{Name: "GetBatteryInfo", ID: 252, Class: ClassNonWaking, Apply: applyOne})
	table.MustRegister(Command{Name: "GetFloodlight", ID: 291, Class: ClassWaking, Apply: applyOne})

	sender := &fakeSender{
		respond: func(commandID uint32, channel int) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	p := NewPoller(table, sender, &countingCache{}, zerolog.Nop())

	opts := Options{
		Channels: []int{0, 1},
		Wake: WakeMap{
			0: {Awake: false, Battery: true},
			1: {Awake: false, Battery: false},
		},
	}
	if err := p.GetStates(context.Background(), opts); err != nil {
		t.Fatalf("GetStates: %v", err)
	}

	// Channel 0 sleeps on battery: only the non-waking query. Channel 1
	// is wired: both.
	got := map[call]bool{}
	sender.mu.Lock()
	for _, c := range sender.calls {
		got[c] = true
	}
	sender.mu.Unlock()

	want := []call{
		{commandID: 252, channel: 0},
		{commandID: 252, channel: 1},
		{commandID: 291, channel: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("issued %d operations, want %d: %v", len(got), len(want), got)
	}
	for _, w := range want {
		if !got[w] {
			t.Errorf("missing operation %+v", w)
		}
	}
}

func TestGetStatesHostScoped(t *testing.T) {
	table := NewTable()
	table.MustRegister(Command{Name: "GetWifiSignal", ID: 115, Class: ClassNonWaking, HostScoped: true, Apply: applyOne})

	sender := &fakeSender{
		respond: func(commandID uint32, channel int) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	p := NewPoller(table, sender, &countingCache{}, zerolog.Nop())

	if err := p.GetStates(context.Background(), Options{Channels: []int{0, 1, 2}}); err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("host-scoped command sent %d times, want 1", sender.callCount())
	}
	sender.mu.Lock()
	ch := sender.calls[0].channel
	sender.mu.Unlock()
	if ch != HostChannel {
		t.Errorf("host-scoped command sent on channel %d, want %d", ch, HostChannel)
	}
}

func TestGetStatesCapabilityGate(t *testing.T) {
	table := NewTable()
	table.MustRegister(Command{Name: "GetBatteryInfo", ID: 252, Class: ClassNonWaking, Feature: "battery", Apply: applyOne})
	table.MustRegister(Command{Name: "GetMotionState", ID: 102, Class: ClassNonWaking, Apply: applyOne})

	sender := &fakeSender{
		respond: func(commandID uint32, channel int) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	p := NewPoller(table, sender, &countingCache{}, zerolog.Nop())
	p.SetCapabilityCheck(func(channel int, feature string) bool {
		return feature != "battery"
	})

	if err := p.GetStates(context.Background(), Options{}); err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if sender.callCount() != 1 {
		t.Errorf("sent %d commands, want just the unconditional one", sender.callCount())
	}
}
