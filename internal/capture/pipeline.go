// Package capture splits live HTTP responses so the caller reads them
// untouched while a background path collects, decodes and logs them.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"apilogger/internal/bufpool"
	"apilogger/internal/monitor"
	"apilogger/internal/queue"
	"apilogger/internal/record"
	"apilogger/internal/sse"
	"apilogger/internal/writer"
	"apilogger/storage"
)

var (
	// ErrDestroyed is returned by lifecycle calls made after Destroy.
	ErrDestroyed = errors.New("capture pipeline destroyed")
	// ErrUnknownRequest means a response arrived for a request ID that is not
	// awaiting one.
	ErrUnknownRequest = errors.New("unknown or already answered request id")
)

// collectReadSize is the pooled buffer size used when the background stream
// cannot hand out whole chunks.
const collectReadSize = 16 << 10

// Options configures a Pipeline.
type Options struct {
	Store      storage.Store
	Logger     *slog.Logger
	Registerer prometheus.Registerer

	Disabled        bool
	Workers         int
	WriteBufferSize int
	FlushInterval   time.Duration
	DeferParsing    bool
	PoolMaxBytes    int64
	MaxBodyBytes    int64
	HeartbeatEvents []string
	LatencyWindow   int
	Now             func() time.Time
}

// DefaultOptions returns the documented defaults over store.
func DefaultOptions(store storage.Store) Options {
	return Options{
		Store:           store,
		Workers:         1,
		WriteBufferSize: writer.DefaultMaxBufferSize,
		FlushInterval:   writer.DefaultFlushInterval,
		DeferParsing:    true,
		PoolMaxBytes:    bufpool.DefaultMaxBytes,
		MaxBodyBytes:    10 << 20,
		HeartbeatEvents: sse.DefaultHeartbeats,
		LatencyWindow:   monitor.DefaultWindow,
	}
}

// Pipeline is the capture orchestrator. One instance is created at startup
// and destroyed on shutdown.
type Pipeline struct {
	opts    Options
	log     *slog.Logger
	now     func() time.Time
	pool    *bufpool.Pool
	monitor *monitor.Monitor
	writer  *writer.Buffer
	queue   *queue.Queue

	mu        sync.Mutex
	pending   map[string]*record.CaptureEvent
	destroyed bool
}

// New wires the pool, monitor, write buffer and task queue over opts.Store.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("capture pipeline needs a store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HeartbeatEvents == nil {
		opts.HeartbeatEvents = sse.DefaultHeartbeats
	}

	p := &Pipeline{
		opts:    opts,
		log:     opts.Logger,
		now:     opts.Now,
		pool:    bufpool.New(opts.PoolMaxBytes),
		monitor: monitor.New(monitor.Options{Window: opts.LatencyWindow, Now: opts.Now}),
		pending: make(map[string]*record.CaptureEvent),
	}
	p.writer = writer.New(opts.Store, writer.Options{
		MaxBufferSize: opts.WriteBufferSize,
		FlushInterval: opts.FlushInterval,
		Logger:        opts.Logger.With("component", "writer"),
		Now:           opts.Now,
	})
	p.queue = queue.New(p.process, p.writer, queue.Options{
		Workers:  opts.Workers,
		Logger:   opts.Logger.With("component", "queue"),
		Recorder: p.monitor,
	})
	p.monitor.Bind(monitor.Sources{
		QueueDepth:        p.queue.Pending,
		BufferUtilization: p.writer.Utilization,
		PoolBytes:         func() int64 { return p.pool.Stats().PooledBytes },
		StorageFailures:   func() int64 { return p.writer.Stats().Failures },
		LostRecords:       func() int64 { return p.writer.Stats().Lost },
	})
	if err := p.monitor.Register(opts.Registerer); err != nil {
		return nil, err
	}
	return p, nil
}

// Monitor exposes the latency monitor.
func (p *Pipeline) Monitor() *monitor.Monitor {
	return p.monitor
}

// Enabled reports whether captures are being taken.
func (p *Pipeline) Enabled() bool {
	return !p.opts.Disabled
}

// MaxBodyBytes is the request body size kept in a capture event.
func (p *Pipeline) MaxBodyBytes() int64 {
	return p.opts.MaxBodyBytes
}

func newRequestID(ts time.Time) string {
	return fmt.Sprintf("%d-%s", ts.UnixMilli(), uuid.NewString()[:8])
}

// OnRequest registers a captured request and returns its request ID. The
// request stays pending until OnResponse or OnError; requests still pending
// at Destroy are logged as orphaned.
func (p *Pipeline) OnRequest(ev *record.CaptureEvent) string {
	id := newRequestID(ev.Timestamp)
	if p.opts.Disabled {
		return id
	}
	p.monitor.IncRequests()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		p.log.Warn("request captured after shutdown", "request_id", id, "error", ErrDestroyed)
		return id
	}
	p.pending[id] = ev
	return id
}

// claim removes id from the pending set. A request can be claimed once, so at
// most one task per request ID is ever in flight.
func (p *Pipeline) claim(id string) (*record.CaptureEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}
	ev, ok := p.pending[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	delete(p.pending, id)
	return ev, nil
}

// OnResponse splits body and queues the background copy. The returned body
// must be used by the caller in place of body; it yields the same bytes.
// Capture problems never surface to the caller: the original body comes back
// instead.
func (p *Pipeline) OnResponse(id string, meta record.ResponseMetadata, body io.ReadCloser) io.ReadCloser {
	if p.opts.Disabled {
		return body
	}
	out := body
	p.monitor.Measure(func() {
		out = p.split(id, meta, body)
	})
	return out
}

func (p *Pipeline) split(id string, meta record.ResponseMetadata, body io.ReadCloser) io.ReadCloser {
	ev, err := p.claim(id)
	if err != nil {
		p.drop(id, err)
		return body
	}

	task := &queue.Task{
		RequestID:  id,
		Event:      ev,
		Response:   meta,
		Streaming:  meta.IsEventStream(),
		EnqueuedAt: p.now(),
	}
	out := body
	if body != nil && body != http.NoBody {
		caller, background := newTee(body, p.now)
		task.Stream = background
		out = caller
	}
	if err := p.queue.Enqueue(task); err != nil {
		if task.Stream != nil {
			task.Stream.Close()
		}
		p.drop(id, err)
		return out
	}
	p.countQueued(task.Streaming)
	return out
}

// OnResponseBytes queues a response whose body is already in memory. body is
// copied; the caller keeps ownership of its slice.
func (p *Pipeline) OnResponseBytes(id string, meta record.ResponseMetadata, body []byte) {
	if p.opts.Disabled {
		return
	}
	p.monitor.Measure(func() {
		ev, err := p.claim(id)
		if err != nil {
			p.drop(id, err)
			return
		}
		task := &queue.Task{
			RequestID:  id,
			Event:      ev,
			Response:   meta,
			Streaming:  meta.IsEventStream(),
			EnqueuedAt: p.now(),
		}
		if len(body) > 0 {
			task.Stream = io.NopCloser(bytes.NewReader(bytes.Clone(body)))
		}
		if err := p.queue.Enqueue(task); err != nil {
			p.drop(id, err)
			return
		}
		p.countQueued(task.Streaming)
	})
}

// OnError logs a request whose call failed before a response arrived.
func (p *Pipeline) OnError(id string, callErr error) {
	if p.opts.Disabled {
		return
	}
	ev, err := p.claim(id)
	if err != nil {
		p.drop(id, err)
		return
	}
	if err := p.writer.Write(record.Failed(id, ev, nil, callErr)); err != nil {
		p.drop(id, err)
		return
	}
	p.monitor.IncOutcome(monitor.OutcomeFailed)
}

// Capture records req and returns a copy of resp whose body is the
// caller-facing branch. resp itself is not modified.
func (p *Pipeline) Capture(req *http.Request, resp *http.Response) *http.Response {
	if p.opts.Disabled || resp == nil {
		return resp
	}
	ev := EventFromRequest(req, p.now(), p.opts.MaxBodyBytes)
	id := p.OnRequest(ev)
	out := *resp
	out.Body = p.OnResponse(id, record.NewResponseMetadata(p.now(), resp.StatusCode, resp.Header), resp.Body)
	return &out
}

func (p *Pipeline) drop(id string, err error) {
	p.monitor.IncOutcome(monitor.OutcomeDropped)
	p.log.Warn("capture dropped", "request_id", id, "error", err)
}

func (p *Pipeline) countQueued(streaming bool) {
	if streaming {
		p.monitor.IncOutcome(monitor.OutcomeStreaming)
	} else {
		p.monitor.IncOutcome(monitor.OutcomeNonStreaming)
	}
}

// process drains one task into a record. Read failures keep the collected
// prefix and are reported on the record rather than as an error.
func (p *Pipeline) process(_ context.Context, task *queue.Task) (*record.LogRecord, error) {
	resp := task.Response
	rec := &record.LogRecord{
		RequestID:  task.RequestID,
		Request:    task.Event,
		Response:   &resp,
		Streaming:  task.Streaming,
		Background: true,
	}
	if task.Stream == nil {
		rec.Parsed = task.Streaming
		if task.Streaming {
			summary := sse.BuildSummary(nil, resp.Timestamp)
			rec.Summary = &summary
		}
		return rec, nil
	}

	chunks, readErr := p.collect(task.Stream)
	rec.AttachChunks(p.pool, chunks)
	if readErr != nil {
		rec.Error = readErr.Error()
		p.log.Warn("response stream failed, keeping collected prefix",
			"request_id", task.RequestID, "bytes", rec.RawLen(), "error", readErr)
	}

	if task.Streaming && (!p.opts.DeferParsing || readErr != nil) {
		summary := p.decode(chunks, resp.Timestamp, readErr)
		rec.Summary = &summary
		rec.Parsed = true
	}
	return rec, nil
}

// collect reads the stream into pooled chunks.
func (p *Pipeline) collect(stream io.Reader) ([]record.Chunk, error) {
	var chunks []record.Chunk
	if cr, ok := stream.(chunkReader); ok {
		for {
			data, at, err := cr.ReadChunk()
			if len(data) > 0 {
				buf := p.pool.Acquire(len(data))
				buf.SetLen(copy(buf.Data(), data))
				chunks = append(chunks, record.Chunk{Buf: buf, At: at})
			}
			if err == io.EOF {
				return chunks, nil
			}
			if err != nil {
				return chunks, err
			}
		}
	}

	for {
		buf := p.pool.Acquire(collectReadSize)
		n, err := stream.Read(buf.Data())
		if n > 0 {
			buf.SetLen(n)
			chunks = append(chunks, record.Chunk{Buf: buf, At: p.now()})
		} else {
			p.pool.Release(buf)
		}
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
	}
}

// decode parses collected chunks with the clock pinned to each chunk's
// arrival, so timings match the live stream.
func (p *Pipeline) decode(chunks []record.Chunk, start time.Time, readErr error) sse.Summary {
	at := start
	parser := sse.NewParser(sse.Options{
		Start:      start,
		Heartbeats: p.opts.HeartbeatEvents,
		Now:        func() time.Time { return at },
	})
	var events []sse.Event
	for _, c := range chunks {
		at = c.At
		events = append(events, parser.Feed(c.Buf.Bytes())...)
	}
	events = append(events, parser.Finish()...)
	if readErr != nil {
		at = p.now()
		events = append(events, parser.Fail(readErr))
	}
	return sse.BuildSummary(events, start)
}

// Metrics is the consolidated pipeline view.
type Metrics struct {
	monitor.Health
	Pool            bufpool.Stats `json:"buffer_pool"`
	Writer          writer.Stats  `json:"write_buffer"`
	QueueSize       int           `json:"queue_size"`
	PendingRequests int           `json:"pending_requests"`
}

// Metrics gathers latency, queue, write buffer and pool figures.
func (p *Pipeline) Metrics() Metrics {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	return Metrics{
		Health:          p.monitor.Health(),
		Pool:            p.pool.Stats(),
		Writer:          p.writer.Stats(),
		QueueSize:       p.queue.Pending(),
		PendingRequests: pending,
	}
}

// QueueSize returns tasks waiting or in flight.
func (p *Pipeline) QueueSize() int {
	return p.queue.Pending()
}

// BufferUtilization returns the write buffer fill ratio.
func (p *Pipeline) BufferUtilization() float64 {
	return p.writer.Utilization()
}

// Flush appends buffered records now and trims the buffer pool.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p.isDestroyed() {
		return ErrDestroyed
	}
	err := p.writer.Flush(ctx)
	if evicted := p.pool.Trim(); evicted > 0 {
		p.log.Debug("buffer pool trimmed", "bytes", evicted)
	}
	return err
}

// WaitForCompletion waits for queued tasks and flushes their records.
func (p *Pipeline) WaitForCompletion(ctx context.Context) error {
	if p.isDestroyed() {
		return ErrDestroyed
	}
	if err := p.queue.WaitForEmpty(ctx); err != nil {
		return err
	}
	return p.writer.Flush(ctx)
}

func (p *Pipeline) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// ShutdownSummary is what Destroy reports.
type ShutdownSummary struct {
	Logged   int64 `json:"logged"`
	Failed   int64 `json:"failed"`
	Orphaned int   `json:"orphaned"`
	Lost     int64 `json:"lost"`
}

// Destroy drains queued work, logs still-pending requests as orphaned and
// performs the final flush. The store is left open for its owner to close.
func (p *Pipeline) Destroy(ctx context.Context) (ShutdownSummary, error) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ShutdownSummary{}, ErrDestroyed
	}
	p.destroyed = true
	p.mu.Unlock()

	var errs []error
	if err := p.queue.Destroy(ctx); err != nil {
		errs = append(errs, err)
	}

	p.mu.Lock()
	orphans := p.pending
	p.pending = make(map[string]*record.CaptureEvent)
	p.mu.Unlock()
	for _, id := range slices.Sorted(maps.Keys(orphans)) {
		if err := p.writer.Write(record.Orphaned(id, orphans[id])); err != nil {
			errs = append(errs, err)
			continue
		}
		p.monitor.IncOutcome(monitor.OutcomeOrphaned)
	}

	if err := p.writer.Destroy(ctx); err != nil {
		errs = append(errs, err)
	}

	done, failed := p.queue.Processed()
	summary := ShutdownSummary{
		Logged:   done - failed,
		Failed:   failed,
		Orphaned: len(orphans),
		Lost:     p.writer.Stats().Lost,
	}
	p.log.Info("capture pipeline stopped",
		"logged_pairs", summary.Logged, "failed", summary.Failed,
		"orphaned", summary.Orphaned, "lost", summary.Lost)
	return summary, errors.Join(errs...)
}
