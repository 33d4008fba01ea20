package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/baichuan-protocol/baichuan-go/pkg/wire"
)

// recordingSender captures written frames for the test to answer.
type recordingSender struct {
	mu     sync.Mutex
	frames []*wire.Frame
	err    error
}

func (s *recordingSender) WriteFrame(f *wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSender) sent() []*wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Frame(nil), s.frames...)
}

func respondTo(req *wire.Frame, body []byte) *wire.Frame {
	return &wire.Frame{
		CommandID: req.CommandID,
		MessageID: req.MessageID,
		Channel:   req.Channel,
		Body:      body,
	}
}

func TestSendResolve(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, time.Second, zerolog.Nop())

	done := make(chan struct{})
	var resp *wire.Frame
	var sendErr error
	go func() {
		resp, sendErr = d.Send(context.Background(), 102, 0, wire.EncryptionNone, []byte("req"), 0)
		close(done)
	}()

	req := waitForFrame(t, sender, 1)[0]
	if !d.Resolve(respondTo(req, []byte("resp"))) {
		t.Fatal("Resolve returned false for a pending request")
	}
	<-done

	if sendErr != nil {
		t.Fatalf("Send: %v", sendErr)
	}
	if string(resp.Body) != "resp" {
		t.Errorf("Body = %q, want resp", resp.Body)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after resolution", d.PendingCount())
	}
}

func TestOutOfOrderResolution(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, time.Second, zerolog.Nop())

	const n = 5
	type result struct {
		idx  int
		body string
		err  error
	}
	results := make(chan result, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			resp, err := d.Send(context.Background(), uint32(100+i), 0, wire.EncryptionNone, nil, 0)
			r := result{idx: i, err: err}
			if resp != nil {
				r.body = string(resp.Body)
			}
			results <- r
		}(i)
	}

	reqs := waitForFrame(t, sender, n)

	// Answer in reverse arrival order.
	for i := len(reqs) - 1; i >= 0; i-- {
		body := []byte{byte(reqs[i].CommandID - 100)}
		if !d.Resolve(respondTo(reqs[i], body)) {
			t.Fatalf("Resolve failed for message %d", reqs[i].MessageID)
		}
	}

	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Send %d: %v", r.idx, r.err)
		}
		if len(r.body) != 1 || int(r.body[0]) != r.idx {
			t.Errorf("caller %d got response %v", r.idx, []byte(r.body))
		}
	}
}

func TestTimeoutRemovesSlotOnce(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, time.Second, zerolog.Nop())

	_, err := d.Send(context.Background(), 1, 0, wire.EncryptionNone, nil, 20*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Send = %v, want ErrRequestTimeout", err)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after timeout", d.PendingCount())
	}

	// A late response for the abandoned id is discarded, not delivered.
	req := sender.sent()[0]
	if d.Resolve(respondTo(req, []byte("late"))) {
		t.Error("Resolve returned true for a timed-out request")
	}
}

func TestContextCancellation(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.Send(ctx, 1, 0, wire.EncryptionNone, nil, time.Minute)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Send = %v, want ErrRequestTimeout", err)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after cancellation", d.PendingCount())
	}
}

func TestWriteFailureCleansUp(t *testing.T) {
	wantErr := errors.New("broken pipe")
	d := New(&recordingSender{err: wantErr}, time.Second, zerolog.Nop())

	_, err := d.Send(context.Background(), 1, 0, wire.EncryptionNone, nil, 0)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Send = %v, want write error", err)
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after write failure", d.PendingCount())
	}
}

func TestFailAll(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, time.Second, zerolog.Nop())

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := d.Send(context.Background(), 1, 0, wire.EncryptionNone, nil, time.Minute)
			errs <- err
		}()
	}
	waitForFrame(t, sender, n)

	d.FailAll(ErrConnectionLost)

	for i := 0; i < n; i++ {
		if err := <-errs; !errors.Is(err, ErrConnectionLost) {
			t.Errorf("Send = %v, want ErrConnectionLost", err)
		}
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after FailAll", d.PendingCount())
	}
}

func TestClosedDispatcherRejectsSends(t *testing.T) {
	d := New(&recordingSender{}, time.Second, zerolog.Nop())
	d.Close()

	if _, err := d.Send(context.Background(), 1, 0, wire.EncryptionNone, nil, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Send = %v, want ErrClosed", err)
	}
}

// waitForFrame polls until the sender has recorded n frames.
func waitForFrame(t *testing.T, s *recordingSender, n int) []*wire.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := s.sent(); len(frames) >= n {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sender never saw %d frames", n)
	return nil
}
