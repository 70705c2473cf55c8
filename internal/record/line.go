package record

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"apilogger/internal/sse"
	"apilogger/storage"
)

// Line is the persisted form of a LogRecord. Response is null for orphaned
// and failed requests.
type Line struct {
	RequestID           string        `json:"request_id"`
	Request             RequestLine   `json:"request"`
	Response            *ResponseLine `json:"response"`
	Note                string        `json:"note,omitempty"`
	LoggedAt            string        `json:"logged_at"`
	BackgroundProcessed bool          `json:"background_processed,omitempty"`
	Parsed              bool          `json:"parsed"`
	Error               string        `json:"error,omitempty"`
}

// RequestLine is the request half of a Line.
type RequestLine struct {
	Timestamp string            `json:"timestamp"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      json.RawMessage   `json:"body,omitempty"`
	BodyB64   []byte            `json:"body_b64,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
}

// ResponseLine is the response half of a Line. Body holds JSON bodies;
// BodyRaw holds other UTF-8 text, including event streams whose decoding was
// deferred. Bytes that are not valid UTF-8 (compressed or binary bodies) go
// to BodyB64 so they survive the JSON encoding unchanged.
type ResponseLine struct {
	Timestamp        string            `json:"timestamp"`
	StatusCode       int               `json:"status_code"`
	Headers          map[string]string `json:"headers"`
	Body             json.RawMessage   `json:"body,omitempty"`
	BodyRaw          *string           `json:"body_raw,omitempty"`
	BodyB64          []byte            `json:"body_b64,omitempty"`
	Streaming        bool              `json:"streaming,omitempty"`
	RawChunks        []RawChunk        `json:"raw_chunks,omitempty"`
	StreamingSummary *sse.Summary      `json:"streaming_summary,omitempty"`
}

// RawBody returns the non-JSON body bytes, from BodyRaw or BodyB64.
func (r *ResponseLine) RawBody() []byte {
	switch {
	case r.BodyB64 != nil:
		return r.BodyB64
	case r.BodyRaw != nil:
		return []byte(*r.BodyRaw)
	}
	return nil
}

func (r *ResponseLine) setRawBody(body []byte) {
	if utf8.Valid(body) {
		raw := string(body)
		r.BodyRaw = &raw
		return
	}
	r.BodyB64 = append([]byte(nil), body...)
}

// RawChunk records the size and arrival offset of one read, so a deferred
// stream can be replayed with its original boundaries and timing.
type RawChunk struct {
	Size int   `json:"size"`
	AtMS int64 `json:"at_ms"`
}

// Marshal serializes the record to a single JSON line without the trailing
// newline.
func Marshal(r *LogRecord, loggedAt time.Time) ([]byte, error) {
	line := Line{
		RequestID:           r.RequestID,
		Note:                r.Note,
		LoggedAt:            loggedAt.UTC().Format(time.RFC3339Nano),
		BackgroundProcessed: r.Background,
		Parsed:              r.Parsed,
		Error:               r.Error,
	}
	if r.Request != nil {
		line.Request = RequestLine{
			Timestamp: r.Request.Timestamp.UTC().Format(time.RFC3339Nano),
			Method:    r.Request.Method,
			URL:       r.Request.URL,
			Headers:   flattenHeader(r.Request.Header),
			Truncated: r.Request.Truncated,
		}
		line.Request.Body, line.Request.BodyB64 = encodeBody(r.Request.Body)
	}
	if r.Response != nil {
		line.Response = responseLine(r)
	}

	data, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", r.RequestID, err)
	}
	return data, nil
}

func responseLine(r *LogRecord) *ResponseLine {
	resp := &ResponseLine{
		Timestamp:  r.Response.Timestamp.UTC().Format(time.RFC3339Nano),
		StatusCode: r.Response.StatusCode,
		Headers:    flattenHeader(r.Response.Header),
		Streaming:  r.Streaming,
	}

	switch {
	case r.Streaming && r.Parsed:
		resp.StreamingSummary = r.Summary
	case r.Streaming:
		body := make([]byte, 0, r.RawLen())
		for _, c := range r.Chunks {
			body = append(body, c.Buf.Bytes()...)
			resp.RawChunks = append(resp.RawChunks, RawChunk{
				Size: c.Buf.Len(),
				AtMS: c.At.Sub(r.Response.Timestamp).Milliseconds(),
			})
		}
		resp.setRawBody(body)
	default:
		body := r.Body
		if body == nil && len(r.Chunks) > 0 {
			body = make([]byte, 0, r.RawLen())
			for _, c := range r.Chunks {
				body = append(body, c.Buf.Bytes()...)
			}
		}
		if len(body) > 0 && isJSON(body) {
			resp.Body = json.RawMessage(body)
		} else if len(body) > 0 {
			resp.setRawBody(body)
		}
	}
	return resp
}

// ToEntry serializes the record and wraps it with its index fields.
func ToEntry(r *LogRecord, loggedAt time.Time) (storage.Entry, error) {
	data, err := Marshal(r, loggedAt)
	if err != nil {
		return storage.Entry{}, err
	}
	e := storage.Entry{
		RequestID: r.RequestID,
		LoggedAt:  loggedAt.UTC(),
		Orphaned:  r.Response == nil && r.Note == NoteOrphaned,
		Streaming: r.Streaming,
		Line:      data,
	}
	if r.Request != nil {
		e.Method = r.Request.Method
		e.URL = r.Request.URL
	}
	if r.Response != nil {
		e.StatusCode = r.Response.StatusCode
	}
	return e, nil
}

// Decode parses one persisted line.
func Decode(data []byte) (*Line, error) {
	var line Line
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, fmt.Errorf("decode record line: %w", err)
	}
	return &line, nil
}

// Reconstruct returns the streaming summary of a persisted line, decoding a
// deferred raw body when needed. It returns nil for non-streaming lines.
func Reconstruct(line *Line, heartbeats []string) (*sse.Summary, error) {
	resp := line.Response
	if resp == nil || !resp.Streaming {
		return nil, nil
	}
	if resp.StreamingSummary != nil {
		return resp.StreamingSummary, nil
	}

	start, err := time.Parse(time.RFC3339Nano, resp.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse response timestamp: %w", err)
	}
	raw := resp.RawBody()

	// Replay the chunks with the clock pinned to each chunk's arrival.
	at := start
	p := sse.NewParser(sse.Options{Start: start, Heartbeats: heartbeats, Now: func() time.Time { return at }})
	var events []sse.Event
	offset := 0
	for _, c := range resp.RawChunks {
		end := offset + c.Size
		if c.Size < 0 || end > len(raw) {
			return nil, fmt.Errorf("raw chunk at offset %d exceeds body of %d bytes", offset, len(raw))
		}
		at = start.Add(time.Duration(c.AtMS) * time.Millisecond)
		events = append(events, p.Feed(raw[offset:end])...)
		offset = end
	}
	if offset < len(raw) {
		events = append(events, p.Feed(raw[offset:])...)
	}
	events = append(events, p.Finish()...)

	summary := sse.BuildSummary(events, start)
	return &summary, nil
}

// isJSON reports whether body can be embedded as-is. encoding/json accepts
// invalid UTF-8 inside strings, so that is checked separately.
func isJSON(body []byte) bool {
	return json.Valid(body) && utf8.Valid(body)
}

// encodeBody returns a request body as embedded JSON, as a JSON string, or
// as base64 bytes when it is not valid UTF-8.
func encodeBody(body []byte) (json.RawMessage, []byte) {
	switch {
	case len(body) == 0:
		return nil, nil
	case isJSON(body):
		return json.RawMessage(body), nil
	case !utf8.Valid(body):
		return nil, append([]byte(nil), body...)
	}
	data, err := json.Marshal(string(body))
	if err != nil {
		return nil, nil
	}
	return data, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
