package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baichuan-protocol/baichuan-go/pkg/dispatch"
	"github.com/baichuan-protocol/baichuan-go/pkg/encrypt"
	"github.com/baichuan-protocol/baichuan-go/pkg/transport"
	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// BatchDeadlineFactor scales the per-command default timeout into the
// deadline for a whole poll batch.
const BatchDeadlineFactor = 3

// Sender executes one command and blocks for its parsed response body.
type Sender interface {
	// Send issues a command on a channel and returns the response body.
	Send(ctx context.Context, commandID uint32, channel int, body []byte, timeout time.Duration) ([]byte, error)

	// DefaultTimeout is the baseline per-command deadline.
	DefaultTimeout() time.Duration
}

// Options configures one poll invocation.
type Options struct {
	// Filter restricts the batch to named command/channel pairs.
	// Nil includes every registered command.
	Filter Filter

	// Wake is the per-channel wake/battery state for this invocation.
	Wake WakeMap

	// Channels to poll. Defaults to channel 0.
	Channels []int

	// Force re-queries one-shot commands that already executed.
	Force bool
}

// recognized is the set of protocol-level failures a batch isolates and
// logs instead of propagating. Anything else is an internal defect and
// aborts the batch.
var recognized = []error{
	dispatch.ErrRequestTimeout,
	dispatch.ErrConnectionLost,
	transport.ErrNotConnected,
	wire.ErrBadMagic,
	wire.ErrTruncated,
	wire.ErrBodyTooLarge,
	wire.ErrCipherMismatch,
	wire.ErrBadBody,
	encrypt.ErrDecrypt,
}

// Poller builds and executes wake-aware state query batches.
type Poller struct {
	table   *Table
	sender  Sender
	cache   StateCache
	oneShot *OneShotCache
	logger  zerolog.Logger

	// extraRecognized extends the recognized failure set (e.g. with the
	// host's unsupported-command error).
	extraRecognized []error

	// supported gates feature-bound commands per channel. Nil means
	// everything is supported.
	supported func(channel int, feature string) bool
}

// NewPoller creates a poller over a command table.
func NewPoller(table *Table, sender Sender, cache StateCache, logger zerolog.Logger) *Poller {
	return &Poller{
		table:   table,
		sender:  sender,
		cache:   cache,
		oneShot: NewOneShotCache(),
		logger:  logger,
	}
}

// AddRecognizedErrors extends the set of failures isolated per operation.
func (p *Poller) AddRecognizedErrors(errs ...error) {
	p.extraRecognized = append(p.extraRecognized, errs...)
}

// SetCapabilityCheck installs the per-channel feature support query.
func (p *Poller) SetCapabilityCheck(fn func(channel int, feature string) bool) {
	p.supported = fn
}

// ResetOneShot clears the one-shot cache. Called on reconnection: the
// cache is scoped to one connection lifetime.
func (p *Poller) ResetOneShot() {
	p.oneShot.Reset()
}

// operation is one included command/channel pair.
type operation struct {
	cmd     Command
	channel int
}

// opFailure pairs a failed operation with its error.
type opFailure struct {
	op  operation
	err error
}

// plan builds the minimal operation set for one invocation.
func (p *Poller) plan(opts Options) []operation {
	channels := opts.Channels
	if len(channels) == 0 {
		channels = []int{0}
	}

	var ops []operation
	for _, cmd := range p.table.Commands() {
		targets := channels
		if cmd.HostScoped {
			targets = []int{HostChannel}
		}
		for _, ch := range targets {
			if !Include(cmd, ch, opts.Wake, opts.Filter) {
				continue
			}
			if cmd.OneShot && !opts.Force && p.oneShot.Executed(cmd.Name, ch) {
				continue
			}
			if cmd.Feature != "" && p.supported != nil && !p.supported(ch, cmd.Feature) {
				continue
			}
			ops = append(ops, operation{cmd: cmd, channel: ch})
		}
	}
	return ops
}

// GetStates executes one wake-aware poll batch, writing results into the
// state cache. Per-operation protocol failures are logged and isolated;
// the batch still delivers every operation that succeeded. Only an
// unrecognized internal defect aborts the batch.
func (p *Poller) GetStates(ctx context.Context, opts Options) error {
	ops := p.plan(opts)
	if len(ops) == 0 {
		return nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, BatchDeadlineFactor*p.sender.DefaultTimeout())
	defer cancel()

	failures := make(chan opFailure, len(ops))
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op operation) {
			defer wg.Done()
			if err := p.run(batchCtx, op); err != nil {
				failures <- opFailure{op: op, err: err}
			}
		}(op)
	}
	wg.Wait()
	close(failures)

	for f := range failures {
		if !p.isRecognized(f.err) {
			return f.err
		}
		p.logger.Warn().
			Str("command", f.op.cmd.Name).
			Int("channel", f.op.channel).
			Err(f.err).
			Msg("state query failed")
	}
	return nil
}

// run executes a single operation end to end.
func (p *Poller) run(ctx context.Context, op operation) error {
	var body []byte
	if op.cmd.Build != nil {
		var err error
		body, err = op.cmd.Build(op.channel)
		if err != nil {
			return err
		}
	}

	// Mark before the write: even a timed-out one-shot may already have
	// triggered its side effect on the device.
	if op.cmd.OneShot {
		p.oneShot.MarkExecuted(op.cmd.Name, op.channel)
	}

	resp, err := p.sender.Send(ctx, op.cmd.ID, op.channel, body, 0)
	if err != nil {
		return err
	}

	if op.cmd.Apply != nil {
		return op.cmd.Apply(op.channel, resp, p.cache)
	}
	return nil
}

func (p *Poller) isRecognized(err error) bool {
	for _, r := range recognized {
		if errors.Is(err, r) {
			return true
		}
	}
	for _, r := range p.extraRecognized {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
