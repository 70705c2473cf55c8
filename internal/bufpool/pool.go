// Package bufpool recycles byte buffers by size class so the capture path can
// copy response chunks without allocating for every read.
package bufpool

import (
	"sort"
	"sync"
)

// Size class ladder. Requests above the largest class round up to the next
// power of two.
var sizeClasses = []int{1 << 10, 4 << 10, 16 << 10, 64 << 10}

// DefaultMaxBytes is the default cap on memory held by free lists.
const DefaultMaxBytes = 10 << 20

type bufferState int

const (
	stateCheckedOut bufferState = iota
	statePooled
	stateDiscarded
)

// Buffer is a pooled byte buffer. The holder owns it until Release.
type Buffer struct {
	data  []byte
	n     int
	state bufferState
}

// Data returns the full backing slice for filling.
func (b *Buffer) Data() []byte {
	return b.data
}

// Bytes returns the filled portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// SetLen marks the first n bytes as filled.
func (b *Buffer) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	b.n = n
}

// Len returns the number of filled bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the size class of the buffer.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Acquired    int64 `json:"acquired"`
	Reused      int64 `json:"reused"`
	Allocated   int64 `json:"allocated"`
	Released    int64 `json:"released"`
	Dropped     int64 `json:"dropped"`
	Evicted     int64 `json:"evicted"`
	PooledBytes int64 `json:"pooled_bytes"`
	MaxBytes    int64 `json:"max_bytes"`
	Free        int   `json:"free_buffers"`
}

// ReuseRate is the fraction of acquisitions served from a free list.
func (s Stats) ReuseRate() float64 {
	if s.Acquired == 0 {
		return 0
	}
	return float64(s.Reused) / float64(s.Acquired)
}

// Utilization is pooled memory relative to the cap.
func (s Stats) Utilization() float64 {
	if s.MaxBytes <= 0 {
		return 0
	}
	return float64(s.PooledBytes) / float64(s.MaxBytes)
}

// Pool holds per-size-class free lists bounded by a total byte cap.
type Pool struct {
	mu          sync.Mutex
	free        map[int][]*Buffer
	pooledBytes int64
	maxBytes    int64
	stats       Stats
}

// New creates a pool that retains at most maxBytes of free buffers.
func New(maxBytes int64) *Pool {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Pool{
		free:     make(map[int][]*Buffer),
		maxBytes: maxBytes,
	}
}

// ClassFor returns the size class that serves a request of size bytes.
func ClassFor(size int) int {
	for _, class := range sizeClasses {
		if size <= class {
			return class
		}
	}
	class := sizeClasses[len(sizeClasses)-1]
	for class < size {
		class <<= 1
	}
	return class
}

// Acquire returns a zeroed buffer of at least size bytes.
func (p *Pool) Acquire(size int) *Buffer {
	class := ClassFor(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Acquired++
	list := p.free[class]
	if n := len(list); n > 0 {
		buf := list[n-1]
		list[n-1] = nil
		p.free[class] = list[:n-1]
		p.pooledBytes -= int64(class)
		p.stats.Reused++
		buf.state = stateCheckedOut
		buf.n = 0
		return buf
	}

	p.stats.Allocated++
	return &Buffer{data: make([]byte, class), state: stateCheckedOut}
}

// Release zeroes the buffer and returns it to its free list. Buffers that
// would push the pool past its cap are discarded. Releasing a buffer that is
// already pooled or discarded is a no-op.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if buf.state != stateCheckedOut {
		return
	}
	clear(buf.data)
	buf.n = 0
	p.stats.Released++

	class := len(buf.data)
	if p.pooledBytes+int64(class) > p.maxBytes {
		buf.state = stateDiscarded
		p.stats.Dropped++
		return
	}
	buf.state = statePooled
	p.free[class] = append(p.free[class], buf)
	p.pooledBytes += int64(class)
}

// SetMaxBytes changes the cap and evicts down to it.
func (p *Pool) SetMaxBytes(maxBytes int64) {
	p.mu.Lock()
	p.maxBytes = maxBytes
	p.mu.Unlock()
	p.Trim()
}

// Trim evicts free buffers, largest size classes first, until pooled memory
// is within the cap. It returns the number of bytes evicted.
func (p *Pool) Trim() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trimTo(p.maxBytes)
}

// TrimTo evicts free buffers, largest first, until at most target bytes remain.
func (p *Pool) TrimTo(target int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trimTo(target)
}

func (p *Pool) trimTo(target int64) int64 {
	if p.pooledBytes <= target {
		return 0
	}

	classes := make([]int, 0, len(p.free))
	for class := range p.free {
		classes = append(classes, class)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(classes)))

	var evicted int64
	for _, class := range classes {
		list := p.free[class]
		for len(list) > 0 && p.pooledBytes > target {
			buf := list[len(list)-1]
			list[len(list)-1] = nil
			list = list[:len(list)-1]
			buf.state = stateDiscarded
			p.pooledBytes -= int64(class)
			evicted += int64(class)
			p.stats.Evicted++
		}
		p.free[class] = list
		if p.pooledBytes <= target {
			break
		}
	}
	return evicted
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.PooledBytes = p.pooledBytes
	s.MaxBytes = p.maxBytes
	for _, list := range p.free {
		s.Free += len(list)
	}
	return s
}
