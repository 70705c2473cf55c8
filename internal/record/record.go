// Package record defines the captured exchange types and their persisted
// one-line JSON form.
package record

import (
	"net/http"
	"strings"
	"time"

	"apilogger/internal/bufpool"
	"apilogger/internal/sse"
)

// Notes written on records that have no response.
const (
	NoteOrphaned = "No response received before shutdown"
	NoteFailed   = "Request failed before a response was received"
)

// CaptureEvent is an immutable snapshot of one request.
type CaptureEvent struct {
	Timestamp time.Time
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
	Truncated bool
}

// NewCaptureEvent snapshots a request. Header keys are canonicalized and the
// header map and body are copied, so later changes by the caller are not seen.
func NewCaptureEvent(ts time.Time, method, url string, header http.Header, body []byte) *CaptureEvent {
	return &CaptureEvent{
		Timestamp: ts,
		Method:    method,
		URL:       url,
		Header:    cloneHeader(header),
		Body:      append([]byte(nil), body...),
	}
}

// ResponseMetadata describes a response without its body.
type ResponseMetadata struct {
	StatusCode int
	Header     http.Header
	Timestamp  time.Time
}

// NewResponseMetadata snapshots status and headers.
func NewResponseMetadata(ts time.Time, status int, header http.Header) ResponseMetadata {
	return ResponseMetadata{StatusCode: status, Header: cloneHeader(header), Timestamp: ts}
}

// IsEventStream reports whether the response body is a text/event-stream.
func (m ResponseMetadata) IsEventStream() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(m.Header.Get("Content-Type"))), "text/event-stream")
}

// Chunk is one raw read from a captured body.
type Chunk struct {
	Buf *bufpool.Buffer
	At  time.Time
}

// LogRecord is one exchange on its way to storage. Raw chunks are pooled
// buffers owned by the record until Release.
type LogRecord struct {
	RequestID  string
	Request    *CaptureEvent
	Response   *ResponseMetadata
	Streaming  bool
	Chunks     []Chunk
	Body       []byte
	Summary    *sse.Summary
	Parsed     bool
	Background bool
	Note       string
	Error      string

	pool *bufpool.Pool
}

// AttachChunks hands pooled chunks to the record.
func (r *LogRecord) AttachChunks(pool *bufpool.Pool, chunks []Chunk) {
	r.pool = pool
	r.Chunks = chunks
}

// Release returns pooled chunks. It is safe to call more than once.
func (r *LogRecord) Release() {
	if r.pool != nil {
		for _, c := range r.Chunks {
			r.pool.Release(c.Buf)
		}
	}
	r.Chunks = nil
}

// RawLen returns the total size of the raw chunks.
func (r *LogRecord) RawLen() int {
	n := 0
	for _, c := range r.Chunks {
		n += c.Buf.Len()
	}
	return n
}

// Orphaned builds the record for a request that never saw a response.
func Orphaned(id string, req *CaptureEvent) *LogRecord {
	return &LogRecord{RequestID: id, Request: req, Note: NoteOrphaned}
}

// Failed builds the record for an exchange that could not be completed or
// processed.
func Failed(id string, req *CaptureEvent, resp *ResponseMetadata, err error) *LogRecord {
	rec := &LogRecord{RequestID: id, Request: req, Response: resp, Background: true}
	if resp == nil {
		rec.Note = NoteFailed
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = append(out[http.CanonicalHeaderKey(k)], v...)
	}
	return out
}
