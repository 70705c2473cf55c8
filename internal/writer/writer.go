// Package writer batches log records in memory and appends them to a store,
// trading a bounded loss window for far fewer write calls.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"apilogger/internal/record"
	"apilogger/storage"
)

// ErrClosed is returned by Write after Destroy.
var ErrClosed = errors.New("write buffer destroyed")

// Defaults for Options.
const (
	DefaultMaxBufferSize = 100
	DefaultFlushInterval = 100 * time.Millisecond

	// FinalFlushTimeout bounds the flush in Destroy. It runs even when the
	// caller's context is already done.
	FinalFlushTimeout = 5 * time.Second
)

// Options configures a Buffer.
type Options struct {
	MaxBufferSize int
	FlushInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Stats are the buffer's running counters.
type Stats struct {
	Written  int64 `json:"written"`
	Flushed  int64 `json:"flushed"`
	Flushes  int64 `json:"flushes"`
	Failures int64 `json:"failures"`
	Lost     int64 `json:"lost"`
	Pending  int   `json:"pending"`
}

// Buffer is the single appender to a store. Records are kept in FIFO order
// across flushes, including records put back after a failed append.
type Buffer struct {
	store    storage.Store
	max      int
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	// flushMu serializes appends so batches reach the store in order.
	flushMu sync.Mutex

	mu          sync.Mutex
	pending     []*record.LogRecord
	timer       *time.Timer
	timerGen    int
	closed      bool
	consecutive int
	stats       Stats
}

// New creates a write buffer over store.
func New(store storage.Store, opts Options) *Buffer {
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Buffer{
		store:    store,
		max:      opts.MaxBufferSize,
		interval: opts.FlushInterval,
		log:      opts.Logger,
		now:      opts.Now,
	}
}

// Write queues a record. Reaching MaxBufferSize flushes immediately;
// otherwise a flush is scheduled FlushInterval from now if none is pending.
// Storage errors are logged, never returned.
func (b *Buffer) Write(rec *record.LogRecord) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, rec)
	b.stats.Written++
	full := len(b.pending) >= b.max
	if !full && b.timer == nil {
		b.armLocked(b.interval)
	}
	b.mu.Unlock()

	if full {
		_ = b.flush(context.Background(), true)
	}
	return nil
}

// Flush appends everything buffered so far. On failure the records go back
// to the front of the buffer and a retry is scheduled at twice the flush
// interval.
func (b *Buffer) Flush(ctx context.Context) error {
	return b.flush(ctx, true)
}

// armLocked replaces any outstanding timer so at most one is ever pending.
func (b *Buffer) armLocked(d time.Duration) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timerGen++
	gen := b.timerGen
	b.timer = time.AfterFunc(d, func() { b.onTimer(gen) })
}

func (b *Buffer) onTimer(gen int) {
	b.mu.Lock()
	if gen != b.timerGen || b.closed {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()
	_ = b.flush(context.Background(), true)
}

func (b *Buffer) flush(ctx context.Context, retry bool) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	// Take ownership so concurrent writes land in a fresh slice.
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	loggedAt := b.now()
	entries := make([]storage.Entry, 0, len(batch))
	kept := batch[:0]
	for _, rec := range batch {
		entry, err := record.ToEntry(rec, loggedAt)
		if err != nil {
			b.log.Error("dropping unserializable record", "request_id", rec.RequestID, "error", err)
			rec.Release()
			b.mu.Lock()
			b.stats.Lost++
			b.mu.Unlock()
			continue
		}
		entries = append(entries, entry)
		kept = append(kept, rec)
	}
	if len(entries) == 0 {
		return nil
	}

	err := b.store.Append(ctx, entries)
	if err != nil {
		b.mu.Lock()
		b.pending = append(kept, b.pending...)
		b.stats.Failures++
		b.consecutive++
		attempts := b.consecutive
		if retry && !b.closed {
			b.armLocked(2 * b.interval)
		}
		b.mu.Unlock()

		level := slog.LevelInfo
		if attempts > 1 {
			level = slog.LevelWarn
		}
		b.log.Log(ctx, level, "flush failed, records kept for retry",
			"records", len(kept), "attempt", attempts, "retry_in", 2*b.interval, "error", err)
		return fmt.Errorf("flush %d records: %w", len(kept), err)
	}

	for _, rec := range kept {
		rec.Release()
	}
	b.mu.Lock()
	b.stats.Flushed += int64(len(kept))
	b.stats.Flushes++
	b.consecutive = 0
	b.mu.Unlock()
	return nil
}

// Utilization is the buffered record count relative to MaxBufferSize.
func (b *Buffer) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.pending)) / float64(b.max)
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.pending)
	return s
}

// Destroy stops accepting records and performs one final flush. Records that
// still cannot be appended are released, counted as lost and reported in the
// returned error.
func (b *Buffer) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FinalFlushTimeout)
	defer cancel()
	err := b.flush(flushCtx, false)
	if err == nil {
		return nil
	}

	b.mu.Lock()
	lost := b.pending
	b.pending = nil
	b.stats.Lost += int64(len(lost))
	b.mu.Unlock()
	for _, rec := range lost {
		rec.Release()
	}
	b.log.Warn("records lost on shutdown", "records", len(lost), "error", err)
	return fmt.Errorf("%d records lost: %w", len(lost), err)
}
