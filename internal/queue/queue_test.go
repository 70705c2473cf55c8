package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"apilogger/internal/record"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type collectSink struct {
	mu   sync.Mutex
	recs []*record.LogRecord
	err  error
}

func (s *collectSink) Write(rec *record.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *collectSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recs))
	for i, r := range s.recs {
		out[i] = r.RequestID
	}
	return out
}

type trackingStream struct {
	io.Reader
	mu     sync.Mutex
	closed int
}

func (t *trackingStream) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func newTask(id string) *Task {
	return &Task{
		RequestID: id,
		Event:     record.NewCaptureEvent(time.Now(), "GET", "https://api.example.com/"+id, nil, nil),
		Response:  record.NewResponseMetadata(time.Now(), 200, nil),
	}
}

func passthrough(_ context.Context, task *Task) (*record.LogRecord, error) {
	resp := task.Response
	return &record.LogRecord{RequestID: task.RequestID, Request: task.Event, Response: &resp, Background: true}, nil
}

func TestDrainsInEnqueueOrder(t *testing.T) {
	sink := &collectSink{}
	q := New(passthrough, sink, Options{Logger: discardLogger})

	for i := 0; i < 100; i++ {
		if err := q.Enqueue(newTask(fmt.Sprintf("req-%03d", i))); err != nil {
			t.Fatalf("Enqueue returned error: %v", err)
		}
	}
	if err := q.WaitForEmpty(context.Background()); err != nil {
		t.Fatalf("WaitForEmpty returned error: %v", err)
	}

	ids := sink.ids()
	if len(ids) != 100 {
		t.Fatalf("expected 100 records, got %d", len(ids))
	}
	for i, id := range ids {
		if id != fmt.Sprintf("req-%03d", i) {
			t.Fatalf("record %d out of order: %s", i, id)
		}
	}
	if q.Len() != 0 || q.State() != StateIdle {
		t.Fatalf("expected idle empty queue, got len=%d state=%s", q.Len(), q.State())
	}
}

func TestEnqueueDoesNotWaitForProcessing(t *testing.T) {
	release := make(chan struct{})
	slow := func(ctx context.Context, task *Task) (*record.LogRecord, error) {
		<-release
		return passthrough(ctx, task)
	}
	q := New(slow, &collectSink{}, Options{Logger: discardLogger})

	start := time.Now()
	for i := 0; i < 10; i++ {
		q.Enqueue(newTask(fmt.Sprintf("req-%d", i)))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Enqueue blocked for %s", elapsed)
	}
	if q.State() != StateDraining {
		t.Fatalf("expected draining state, got %s", q.State())
	}
	close(release)
	if err := q.WaitForEmpty(context.Background()); err != nil {
		t.Fatalf("WaitForEmpty returned error: %v", err)
	}
}

func TestProcessorErrorBecomesFailedRecord(t *testing.T) {
	sink := &collectSink{}
	proc := func(ctx context.Context, task *Task) (*record.LogRecord, error) {
		if task.RequestID == "bad" {
			return nil, errors.New("stream reset")
		}
		return passthrough(ctx, task)
	}
	q := New(proc, sink, Options{Logger: discardLogger})

	q.Enqueue(newTask("good-1"))
	q.Enqueue(newTask("bad"))
	q.Enqueue(newTask("good-2"))
	q.WaitForEmpty(context.Background())

	if got := strings.Join(sink.ids(), ","); got != "good-1,bad,good-2" {
		t.Fatalf("unexpected records %s", got)
	}
	failed := sink.recs[1]
	if failed.Error != "stream reset" || failed.Response == nil || failed.Response.StatusCode != 200 {
		t.Fatalf("unexpected failed record %+v", failed)
	}
	if done, nfailed := q.Processed(); done != 3 || nfailed != 1 {
		t.Fatalf("expected 3 done and 1 failed, got %d and %d", done, nfailed)
	}
}

func TestPanicInProcessorIsRecovered(t *testing.T) {
	sink := &collectSink{}
	proc := func(ctx context.Context, task *Task) (*record.LogRecord, error) {
		if task.RequestID == "boom" {
			panic("nil map")
		}
		return passthrough(ctx, task)
	}
	q := New(proc, sink, Options{Logger: discardLogger})

	q.Enqueue(newTask("boom"))
	q.Enqueue(newTask("after"))
	q.WaitForEmpty(context.Background())

	ids := sink.ids()
	if len(ids) != 2 || ids[1] != "after" {
		t.Fatalf("expected draining to continue after panic, got %v", ids)
	}
	if !strings.Contains(sink.recs[0].Error, "nil map") {
		t.Fatalf("expected panic message in record, got %q", sink.recs[0].Error)
	}
}

func TestStreamClosedAfterProcessing(t *testing.T) {
	stream := &trackingStream{Reader: strings.NewReader("data: {}\n\n")}
	task := newTask("req-1")
	task.Stream = stream
	task.Streaming = true

	q := New(passthrough, &collectSink{}, Options{Logger: discardLogger})
	q.Enqueue(task)
	q.WaitForEmpty(context.Background())

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.closed != 1 {
		t.Fatalf("expected stream closed once, got %d", stream.closed)
	}
}

func TestDestroyDrainsThenRejects(t *testing.T) {
	sink := &collectSink{}
	slow := func(ctx context.Context, task *Task) (*record.LogRecord, error) {
		time.Sleep(time.Millisecond)
		return passthrough(ctx, task)
	}
	q := New(slow, sink, Options{Logger: discardLogger})
	for i := 0; i < 20; i++ {
		q.Enqueue(newTask(fmt.Sprintf("req-%d", i)))
	}

	if err := q.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy returned error: %v", err)
	}
	if len(sink.ids()) != 20 {
		t.Fatalf("expected every queued task drained, got %d", len(sink.ids()))
	}
	if err := q.Enqueue(newTask("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWaitForEmptyHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := func(ctx context.Context, task *Task) (*record.LogRecord, error) {
		<-block
		return nil, nil
	}
	q := New(stuck, &collectSink{}, Options{Logger: discardLogger})
	q.Enqueue(newTask("req-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := q.WaitForEmpty(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMultipleWorkersProcessEverything(t *testing.T) {
	sink := &collectSink{}
	q := New(passthrough, sink, Options{Workers: 4, Logger: discardLogger})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Enqueue(newTask(fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()
	q.WaitForEmpty(context.Background())

	seen := map[string]bool{}
	for _, id := range sink.ids() {
		if seen[id] {
			t.Fatalf("task %s processed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 200 {
		t.Fatalf("expected 200 records, got %d", len(seen))
	}
}

func TestSinkErrorIsLoggedNotFatal(t *testing.T) {
	sink := &collectSink{err: errors.New("write buffer destroyed")}
	q := New(passthrough, sink, Options{Logger: discardLogger})
	q.Enqueue(newTask("req-1"))
	if err := q.WaitForEmpty(context.Background()); err != nil {
		t.Fatalf("WaitForEmpty returned error: %v", err)
	}
	if done, _ := q.Processed(); done != 1 {
		t.Fatalf("expected task counted as done, got %d", done)
	}
}
