// Package sse decodes captured text/event-stream bodies into ordered events.
//
// A Parser is fed raw chunks exactly as they were read off the wire. Lines and
// frames that straddle a chunk boundary are carried over to the next Feed, so
// the decoded sequence does not depend on how the transport split the stream.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types produced in addition to the ones named by the stream.
const (
	TypeMessage     = "message"
	TypeDone        = "done"
	TypeParseError  = "parse_error"
	TypeStreamError = "stream_error"
)

const doneMarker = "[DONE]"

// DefaultHeartbeats are event types dropped from the output.
var DefaultHeartbeats = []string{"ping"}

// Event is one decoded frame. Sequence is authoritative for ordering;
// Timestamp is wall clock and advisory.
type Event struct {
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	Error     string          `json:"error,omitempty"`
	TimingMS  int64           `json:"timing_ms"`
}

// Options configures a Parser.
type Options struct {
	// Start is the stream start used for TimingMS. Defaults to Now().
	Start time.Time
	// Heartbeats lists event types to discard. Nil means DefaultHeartbeats.
	Heartbeats []string
	Now        func() time.Time
}

// Parser is an incremental event-stream decoder for a single response.
// It is not safe for concurrent use.
type Parser struct {
	start      time.Time
	now        func() time.Time
	heartbeats map[string]struct{}
	seq        int

	partial   []byte
	open      bool
	eventType string
	data      []string
}

// NewParser creates a parser whose sequence numbers start at 1.
func NewParser(opts Options) *Parser {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Start.IsZero() {
		opts.Start = opts.Now()
	}
	if opts.Heartbeats == nil {
		opts.Heartbeats = DefaultHeartbeats
	}
	hb := make(map[string]struct{}, len(opts.Heartbeats))
	for _, name := range opts.Heartbeats {
		hb[name] = struct{}{}
	}
	return &Parser{start: opts.Start, now: opts.Now, heartbeats: hb}
}

// Feed consumes one raw chunk and returns the frames it completed.
func (p *Parser) Feed(chunk []byte) []Event {
	var out []Event
	buf := chunk
	if len(p.partial) > 0 {
		buf = append(p.partial, chunk...)
	}

	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		out = p.line(buf[:idx], out)
		buf = buf[idx+1:]
	}

	// Keep the unterminated tail without aliasing the caller's chunk.
	p.partial = append(p.partial[:0:0], buf...)
	return out
}

// Finish flushes any line or frame left open at the end of the stream.
func (p *Parser) Finish() []Event {
	var out []Event
	if len(p.partial) > 0 {
		out = p.line(p.partial, out)
		p.partial = nil
	}
	return p.dispatch(out)
}

// Fail appends a stream error event, used when the source read fails.
func (p *Parser) Fail(err error) Event {
	return p.emit(TypeStreamError, nil, "", err.Error())
}

// Sequence returns the number of events emitted so far.
func (p *Parser) Sequence() int {
	return p.seq
}

func (p *Parser) line(raw []byte, out []Event) []Event {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if len(raw) == 0 {
		return p.dispatch(out)
	}
	if raw[0] == ':' {
		return out
	}

	field, value, found := strings.Cut(string(raw), ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch field {
	case "event":
		p.eventType = value
		p.open = true
	case "data":
		p.data = append(p.data, value)
		p.open = true
	}
	return out
}

func (p *Parser) dispatch(out []Event) []Event {
	if !p.open {
		return out
	}
	eventType, data := p.eventType, p.data
	p.open, p.eventType, p.data = false, "", nil

	if eventType == "" {
		eventType = TypeMessage
	}
	if _, skip := p.heartbeats[eventType]; skip {
		return out
	}
	if len(data) == 0 {
		return append(out, p.emit(eventType, nil, "", ""))
	}

	payload := strings.Join(data, "\n")
	if payload == doneMarker {
		return append(out, p.emit(TypeDone, nil, payload, ""))
	}
	if json.Valid([]byte(payload)) {
		return append(out, p.emit(eventType, json.RawMessage(payload), "", ""))
	}

	var v any
	err := json.Unmarshal([]byte(payload), &v)
	msg := fmt.Sprintf("event %q: invalid JSON payload", eventType)
	if err != nil {
		msg = fmt.Sprintf("event %q: %v", eventType, err)
	}
	return append(out, p.emit(TypeParseError, nil, payload, msg))
}

func (p *Parser) emit(eventType string, data json.RawMessage, raw, errMsg string) Event {
	p.seq++
	now := p.now()
	return Event{
		Sequence:  p.seq,
		Timestamp: now,
		Type:      eventType,
		Data:      data,
		Raw:       raw,
		Error:     errMsg,
		TimingMS:  now.Sub(p.start).Milliseconds(),
	}
}

// ParseAll decodes a complete stream body.
func ParseAll(body []byte, opts Options) []Event {
	p := NewParser(opts)
	events := p.Feed(body)
	return append(events, p.Finish()...)
}
