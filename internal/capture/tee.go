package capture

import (
	"io"
	"sync"
	"time"
)

// teeReadSize is the size of each read from the shared source.
const teeReadSize = 32 << 10

// chunkReader is implemented by branches that can hand out whole source
// chunks together with their arrival time.
type chunkReader interface {
	ReadChunk() ([]byte, time.Time, error)
}

type teeChunk struct {
	data []byte
	at   time.Time
}

// tee splits one source into two single-consumer branches over a shared list
// of immutable chunks. Either branch may pull the next chunk from the source;
// the other finds it already buffered. Chunks are dropped once both branches
// have moved past them, and the source is closed when both branches are.
type tee struct {
	src io.ReadCloser
	now func() time.Time

	mu        sync.Mutex
	cond      *sync.Cond
	chunks    []teeChunk
	base      int
	reading   bool
	err       error
	srcClosed bool
	branches  [2]*teeBranch
}

type teeBranch struct {
	t      *tee
	pos    int
	off    int
	closed bool
}

// newTee returns the caller-facing and background branches over src.
func newTee(src io.ReadCloser, now func() time.Time) (caller, background *teeBranch) {
	t := &tee{src: src, now: now}
	t.cond = sync.NewCond(&t.mu)
	t.branches[0] = &teeBranch{t: t}
	t.branches[1] = &teeBranch{t: t}
	return t.branches[0], t.branches[1]
}

// next blocks until chunk index pos is available or the source is finished.
// t.mu must be held.
func (t *tee) next(b *teeBranch) (*teeChunk, error) {
	for {
		if b.closed {
			return nil, io.ErrClosedPipe
		}
		if idx := b.pos - t.base; idx < len(t.chunks) {
			return &t.chunks[idx], nil
		}
		if t.err != nil {
			return nil, t.err
		}
		if t.reading {
			t.cond.Wait()
			continue
		}
		t.fill()
	}
}

// fill reads one chunk from the source with t.mu released.
func (t *tee) fill() {
	t.reading = true
	t.mu.Unlock()
	buf := make([]byte, teeReadSize)
	n, err := t.src.Read(buf)
	at := t.now()
	t.mu.Lock()
	t.reading = false
	if n > 0 {
		t.chunks = append(t.chunks, teeChunk{data: buf[:n:n], at: at})
	}
	if err != nil {
		t.err = err
	}
	t.cond.Broadcast()
}

// compact drops chunks every open branch has consumed. t.mu must be held.
func (t *tee) compact() {
	low := -1
	for _, b := range t.branches {
		if b.closed {
			continue
		}
		if low < 0 || b.pos < low {
			low = b.pos
		}
	}
	if low < 0 {
		low = t.base + len(t.chunks)
	}
	drop := low - t.base
	if drop <= 0 {
		return
	}
	clear(t.chunks[:drop])
	t.chunks = t.chunks[drop:]
	t.base = low
}

func (b *teeBranch) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.next(b)
	if err != nil {
		return 0, err
	}
	n := copy(p, c.data[b.off:])
	b.off += n
	if b.off == len(c.data) {
		b.pos++
		b.off = 0
		t.compact()
	}
	return n, nil
}

// ReadChunk returns the unread remainder of the next source chunk without
// copying, plus the time it arrived. The slice must not be modified.
func (b *teeBranch) ReadChunk() ([]byte, time.Time, error) {
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.next(b)
	if err != nil {
		return nil, time.Time{}, err
	}
	data := c.data[b.off:]
	at := c.at
	b.pos++
	b.off = 0
	t.compact()
	return data, at, nil
}

// Close releases the branch. The source is closed once both branches are.
func (b *teeBranch) Close() error {
	t := b.t
	t.mu.Lock()
	if b.closed {
		t.mu.Unlock()
		return nil
	}
	b.closed = true
	t.compact()
	last := t.branches[0].closed && t.branches[1].closed && !t.srcClosed
	if last {
		t.srcClosed = true
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	if last {
		return t.src.Close()
	}
	return nil
}
