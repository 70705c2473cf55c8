package record

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"apilogger/internal/bufpool"
)

var testTime = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func testRequest() *CaptureEvent {
	header := http.Header{}
	header.Set("content-type", "application/json")
	header.Set("X-Trace", "abc")
	return NewCaptureEvent(testTime, http.MethodPost, "https://api.example.com/v1/messages", header, []byte(`{"model":"m","stream":true}`))
}

func TestNewCaptureEventCopies(t *testing.T) {
	header := http.Header{"x-custom": {"1"}}
	body := []byte("hello")
	ev := NewCaptureEvent(testTime, "GET", "/", header, body)

	header.Set("X-Custom", "2")
	body[0] = 'J'
	if ev.Header.Get("X-Custom") != "1" {
		t.Fatalf("header was not copied: %v", ev.Header)
	}
	if string(ev.Body) != "hello" {
		t.Fatalf("body was not copied: %q", ev.Body)
	}
}

func TestMarshalOrphanHasNullResponse(t *testing.T) {
	data, err := Marshal(Orphaned("req-1", testRequest()), testTime)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["response"]) != "null" {
		t.Fatalf("expected null response, got %s", raw["response"])
	}
	if !strings.Contains(string(raw["note"]), "No response") {
		t.Fatalf("expected orphan note, got %s", raw["note"])
	}
	if bytes.ContainsRune(data, '\n') {
		t.Fatalf("line must not contain newlines")
	}
}

func TestMarshalJSONBodies(t *testing.T) {
	resp := NewResponseMetadata(testTime, 200, http.Header{"Content-Type": {"application/json"}})
	rec := &LogRecord{
		RequestID:  "req-2",
		Request:    testRequest(),
		Response:   &resp,
		Body:       []byte("{\n  \"id\": \"msg_1\",\n  \"content\": [1, 2]\n}"),
		Background: true,
	}
	entry, err := ToEntry(rec, testTime)
	if err != nil {
		t.Fatalf("ToEntry returned error: %v", err)
	}
	if entry.StatusCode != 200 || entry.Method != http.MethodPost || entry.Orphaned {
		t.Fatalf("unexpected entry fields %+v", entry)
	}

	line, err := Decode(entry.Line)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if line.Response == nil || line.Response.StatusCode != 200 {
		t.Fatalf("unexpected response %+v", line.Response)
	}
	var body map[string]any
	if err := json.Unmarshal(line.Response.Body, &body); err != nil {
		t.Fatalf("response body is not JSON: %v", err)
	}
	if body["id"] != "msg_1" {
		t.Fatalf("unexpected body %v", body)
	}
	if line.Request.Headers["content-type"] != "application/json" || line.Request.Headers["x-trace"] != "abc" {
		t.Fatalf("unexpected request headers %v", line.Request.Headers)
	}
	if !line.BackgroundProcessed {
		t.Fatalf("expected background marker")
	}
}

func TestMarshalNonJSONBodyIsRaw(t *testing.T) {
	resp := NewResponseMetadata(testTime, 502, nil)
	rec := &LogRecord{RequestID: "req-3", Request: testRequest(), Response: &resp, Body: []byte("bad gateway")}
	data, err := Marshal(rec, testTime)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	line, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if line.Response.BodyRaw == nil || *line.Response.BodyRaw != "bad gateway" {
		t.Fatalf("expected raw body, got %+v", line.Response)
	}
}

func TestReconstructDeferredStream(t *testing.T) {
	pool := bufpool.New(1 << 20)
	parts := []string{
		"event: content_block_delta\ndata: {\"text\":",
		"\"a\"}\n\nevent: ping\ndata: {}\n\nevent: content_block_delta\n",
		"data: {\"text\":\"b\"}\n\n",
	}
	var chunks []Chunk
	for i, part := range parts {
		buf := pool.Acquire(len(part))
		n := copy(buf.Data(), part)
		buf.SetLen(n)
		chunks = append(chunks, Chunk{Buf: buf, At: testTime.Add(time.Duration(i+1) * 5 * time.Millisecond)})
	}

	resp := NewResponseMetadata(testTime, 200, http.Header{"Content-Type": {"text/event-stream"}})
	rec := &LogRecord{RequestID: "req-4", Request: testRequest(), Response: &resp, Streaming: true}
	rec.AttachChunks(pool, chunks)

	data, err := Marshal(rec, testTime)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	rec.Release()
	if pool.Stats().Free != 3 {
		t.Fatalf("expected chunks back in the pool, got %+v", pool.Stats())
	}

	line, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if line.Parsed {
		t.Fatalf("expected deferred record")
	}
	summary, err := Reconstruct(line, nil)
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if summary.ChunkCount != 2 {
		t.Fatalf("expected 2 chunks, got %d", summary.ChunkCount)
	}
	if summary.Chunks[0].TimingMS != 10 || summary.Chunks[1].TimingMS != 15 {
		t.Fatalf("unexpected timings %d/%d", summary.Chunks[0].TimingMS, summary.Chunks[1].TimingMS)
	}
}

func TestReconstructNonStreaming(t *testing.T) {
	summary, err := Reconstruct(&Line{}, nil)
	if err != nil || summary != nil {
		t.Fatalf("expected nil summary, got %v, %v", summary, err)
	}
}

func TestIsEventStream(t *testing.T) {
	meta := NewResponseMetadata(testTime, 200, http.Header{"Content-Type": {"text/event-stream; charset=utf-8"}})
	if !meta.IsEventStream() {
		t.Fatalf("expected event stream")
	}
	meta = NewResponseMetadata(testTime, 200, http.Header{"Content-Type": {"application/json"}})
	if meta.IsEventStream() {
		t.Fatalf("did not expect event stream")
	}
}

func TestMarshalBinaryBodyIsByteExact(t *testing.T) {
	gz := []byte{0x1f, 0x8b, 0x08, 0x00, 0xff, 0xfe, 0x61}
	req := NewCaptureEvent(testTime, http.MethodPost, "https://api.example.com/v1/upload", nil, gz)
	resp := NewResponseMetadata(testTime, 200, http.Header{"Content-Encoding": {"gzip"}})
	rec := &LogRecord{RequestID: "req-5", Request: req, Response: &resp, Body: gz}

	data, err := Marshal(rec, testTime)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	line, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if line.Response.BodyRaw != nil || line.Response.Body != nil {
		t.Fatalf("binary body should only be in body_b64, got %+v", line.Response)
	}
	if !bytes.Equal(line.Response.RawBody(), gz) {
		t.Fatalf("response body changed: % x", line.Response.RawBody())
	}
	if line.Request.Body != nil || !bytes.Equal(line.Request.BodyB64, gz) {
		t.Fatalf("request body changed: %q / % x", line.Request.Body, line.Request.BodyB64)
	}
}

func TestReconstructBinaryStreamKeepsChunkBoundaries(t *testing.T) {
	pool := bufpool.New(1 << 20)
	parts := []string{
		"event: a\ndata: {\"t\":1}\n\n: \xff\xfe\n",
		"event: a\ndata: {\"t\":2}\n\n",
	}
	var chunks []Chunk
	for i, part := range parts {
		buf := pool.Acquire(len(part))
		n := copy(buf.Data(), part)
		buf.SetLen(n)
		chunks = append(chunks, Chunk{Buf: buf, At: testTime.Add(time.Duration(i+1) * 5 * time.Millisecond)})
	}
	resp := NewResponseMetadata(testTime, 200, http.Header{"Content-Type": {"text/event-stream"}})
	rec := &LogRecord{RequestID: "req-6", Request: testRequest(), Response: &resp, Streaming: true}
	rec.AttachChunks(pool, chunks)

	data, err := Marshal(rec, testTime)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	rec.Release()
	line, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if got := string(line.Response.RawBody()); got != parts[0]+parts[1] {
		t.Fatalf("stream body changed: %q", got)
	}
	summary, err := Reconstruct(line, nil)
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if summary.ChunkCount != 2 || summary.Chunks[0].TimingMS != 5 || summary.Chunks[1].TimingMS != 10 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
