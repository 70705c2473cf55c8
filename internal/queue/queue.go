// Package queue drains captured exchanges off the caller's path. Tasks are
// processed in enqueue order by a configurable number of drain loops; with a
// single loop, records reach the writer in exactly that order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"apilogger/internal/record"
)

// ErrClosed is returned by Enqueue after Destroy.
var ErrClosed = errors.New("task queue destroyed")

// pollInterval is the WaitForEmpty check period.
const pollInterval = 10 * time.Millisecond

// State of the queue.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// Task is one captured exchange waiting to be drained. Stream is owned by
// the task and is closed once processing finishes.
type Task struct {
	RequestID  string
	Event      *record.CaptureEvent
	Response   record.ResponseMetadata
	Stream     io.ReadCloser
	Streaming  bool
	EnqueuedAt time.Time
}

// Processor turns a task into a record ready for the writer.
type Processor func(ctx context.Context, task *Task) (*record.LogRecord, error)

// Sink receives processed records.
type Sink interface {
	Write(rec *record.LogRecord) error
}

// Recorder observes processing cost.
type Recorder interface {
	RecordProcessing(d time.Duration, err error)
}

// Options configures a Queue.
type Options struct {
	Workers  int
	Logger   *slog.Logger
	Recorder Recorder
}

// Queue is an unbounded FIFO of tasks. Enqueue never blocks.
type Queue struct {
	process  Processor
	sink     Sink
	recorder Recorder
	log      *slog.Logger
	workers  int

	mu       sync.Mutex
	tasks    []*Task
	active   int
	inFlight int
	closed   bool
	done     int64
	failed   int64
}

// New creates a queue feeding sink.
func New(process Processor, sink Sink, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		process:  process,
		sink:     sink,
		recorder: opts.Recorder,
		log:      opts.Logger,
		workers:  opts.Workers,
	}
}

// Enqueue appends a task and starts a drain loop if one is free.
func (q *Queue) Enqueue(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	q.tasks = append(q.tasks, task)
	if q.active < q.workers && q.active < len(q.tasks)+q.inFlight {
		q.active++
		go q.drain()
	}
	return nil
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.active--
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.inFlight++
		q.mu.Unlock()

		q.run(task)

		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()

		// Let other goroutines run between tasks.
		runtime.Gosched()
	}
}

func (q *Queue) run(task *Task) {
	start := time.Now()
	rec, err := q.safeProcess(task)
	if task.Stream != nil {
		task.Stream.Close()
	}

	if err != nil {
		q.log.Error("processing captured exchange failed", "request_id", task.RequestID, "error", err)
		resp := task.Response
		failure := record.Failed(task.RequestID, task.Event, &resp, err)
		if rec != nil {
			rec.Release()
		}
		rec = failure
	}
	if rec != nil {
		if werr := q.sink.Write(rec); werr != nil {
			rec.Release()
			q.log.Warn("record dropped by writer", "request_id", task.RequestID, "error", werr)
		}
	}

	q.mu.Lock()
	q.done++
	if err != nil {
		q.failed++
	}
	q.mu.Unlock()
	if q.recorder != nil {
		q.recorder.RecordProcessing(time.Since(start), err)
	}
}

func (q *Queue) safeProcess(task *Task) (rec *record.LogRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = nil, fmt.Errorf("panic while processing: %v", r)
		}
	}()
	return q.process(context.Background(), task)
}

// Len returns the number of tasks waiting, excluding ones in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Pending returns waiting plus in-flight tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) + q.inFlight
}

// State reports whether any drain loop is running.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active > 0 {
		return StateDraining
	}
	return StateIdle
}

// Processed returns how many tasks finished and how many of those failed.
func (q *Queue) Processed() (done, failed int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done, q.failed
}

// WaitForEmpty polls until no task is queued or in flight, or ctx ends.
func (q *Queue) WaitForEmpty(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if q.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for empty queue: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Destroy stops accepting tasks and waits for the ones already queued.
func (q *Queue) Destroy(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.WaitForEmpty(ctx)
}
