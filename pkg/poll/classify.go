// Package poll implements wake-aware batched state polling: a static
// classification of commands into waking and non-waking, pure inclusion
// predicates over wake/battery/filter state, a one-shot cache for
// commands with physical side effects, and the batch executor itself.
//
// The stakes are operational: needlessly waking a sleeping battery
// camera drains it, and re-querying a chime test audibly triggers
// hardware. Unknown commands therefore classify as Waking.
package poll

import (
	"fmt"
	"sort"
	"sync"
)

// Class partitions commands by their effect on sleeping hardware.
type Class uint8

const (
	// ClassWaking commands force a battery-powered device out of
	// low-power sleep. The fail-safe default.
	ClassWaking Class = iota

	// ClassNonWaking commands are answered without waking the device.
	ClassNonWaking
)

// String returns the classification name.
func (c Class) String() string {
	switch c {
	case ClassWaking:
		return "WAKING"
	case ClassNonWaking:
		return "NON_WAKING"
	default:
		return "UNKNOWN"
	}
}

// StateCache is the shared device-state write surface. Writes are
// last-writer-wins per field with no cross-field atomicity; callers
// needing a consistent snapshot take their own lock around reads.
type StateCache interface {
	SetField(channel int, key string, value any)
}

// HostChannel marks a command that addresses the device as a whole
// rather than one camera channel.
const HostChannel = -1

// Command is one registered state query: identity, classification, and
// the encode/decode pair the dispatcher executes it with.
type Command struct {
	// Name is the command identifier used in filters and classification.
	Name string

	// ID is the numeric wire command id.
	ID uint32

	// Class is the wake classification.
	Class Class

	// OneShot marks commands with a physical side effect when queried;
	// they execute at most once per connection lifetime unless forced.
	OneShot bool

	// HostScoped commands run once against the whole device instead of
	// once per channel.
	HostScoped bool

	// Feature names the device capability this command requires, used
	// with the caller-supplied support query. Empty means always
	// available.
	Feature string

	// Build produces the request body for a channel. Nil means an empty
	// body.
	Build func(channel int) ([]byte, error)

	// Apply parses the response body and writes fields into the cache.
	Apply func(channel int, body []byte, cache StateCache) error
}

// Table is the immutable command classification table, built once at
// startup by explicit registration.
type Table struct {
	mu   sync.RWMutex
	cmds map[string]Command
}

// NewTable creates an empty classification table.
func NewTable() *Table {
	return &Table{cmds: make(map[string]Command)}
}

// MustRegister adds a command to the table and panics on a duplicate
// name: the table is assembled statically at startup, so a duplicate is
// a programming error.
func (t *Table) MustRegister(cmd Command) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.cmds[cmd.Name]; exists {
		panic(fmt.Sprintf("poll: command %q registered twice", cmd.Name))
	}
	t.cmds[cmd.Name] = cmd
}

// Classify returns the classification for a command name. Unknown
// commands default to Waking.
func (t *Table) Classify(name string) Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cmd, ok := t.cmds[name]; ok {
		return cmd.Class
	}
	return ClassWaking
}

// Get returns a registered command by name.
func (t *Table) Get(name string) (Command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmd, ok := t.cmds[name]
	return cmd, ok
}

// Commands returns every registered command in stable name order.
func (t *Table) Commands() []Command {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.cmds))
	for name := range t.cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	cmds := make([]Command, 0, len(names))
	for _, name := range names {
		cmds = append(cmds, t.cmds[name])
	}
	return cmds
}

// WakeState is the caller-supplied wake/battery state of one channel for
// a single poll invocation. It is never persisted across polls.
type WakeState struct {
	// Awake reports whether the channel is currently out of sleep.
	Awake bool

	// Battery reports whether the channel is battery-powered.
	Battery bool
}

// WakeMap maps channel to wake state. A channel absent from the map is
// treated as mains-powered.
type WakeMap map[int]WakeState

// Target names one command/channel pair in a filter. Channel HostChannel
// matches any channel.
type Target struct {
	Command string
	Channel int
}

// Filter restricts a poll to named command/channel pairs. A nil filter
// includes everything.
type Filter []Target

// Matches reports whether the filter names the command/channel pair.
func (f Filter) Matches(command string, channel int) bool {
	if f == nil {
		return true
	}
	for _, t := range f {
		if t.Command == command && (t.Channel == HostChannel || t.Channel == channel) {
			return true
		}
	}
	return false
}

// Include is the inclusion predicate for one candidate command on one
// channel. Total and side-effect-free: a command is included iff the
// filter names it (or no filter was given), and it is non-waking, or the
// channel is awake, or the channel is not battery-powered.
func Include(cmd Command, channel int, wake WakeMap, filter Filter) bool {
	if !filter.Matches(cmd.Name, channel) {
		return false
	}
	if cmd.Class == ClassNonWaking {
		return true
	}
	ws, known := wake[channel]
	if !known || !ws.Battery {
		return true
	}
	return ws.Awake
}
