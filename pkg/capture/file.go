package capture

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for capture events: deterministic
// output with unix timestamps.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode, lenient for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeUnixDynamic,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("capture: failed to create CBOR encoder mode: " + err.Error())
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic("capture: failed to create CBOR decoder mode: " + err.Error())
	}
}

// FileLogger writes capture events to a file as a CBOR stream.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// NewFileLogger opens (or creates, 0644) a capture file for appending.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		file:    f,
		encoder: encMode.NewEncoder(f),
	}, nil
}

// Log writes an event to the capture file. Encoding errors are dropped;
// capture must never disrupt the protocol engine.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	_ = l.encoder.Encode(event)
}

// Close closes the capture file. Safe to call multiple times; subsequent
// Log calls are silently ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

var _ Logger = (*FileLogger)(nil)

// Reader replays events from a capture stream.
type Reader struct {
	decoder *cbor.Decoder
}

// NewReader creates a reader over a CBOR capture stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{decoder: decMode.NewDecoder(r)}
}

// Next returns the next event, or io.EOF at end of stream.
func (r *Reader) Next() (Event, error) {
	var ev Event
	err := r.decoder.Decode(&ev)
	return ev, err
}

// ReadFile loads every event from a capture file.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	r := NewReader(f)
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
