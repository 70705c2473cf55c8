package capture

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"apilogger/internal/record"
)

// Transport instruments an http.Client: every round trip is handed to the
// pipeline and the response body is replaced by the caller-facing branch.
type Transport struct {
	// Base performs the request. Nil means http.DefaultTransport.
	Base     http.RoundTripper
	Pipeline *Pipeline
}

// RoundTrip implements http.RoundTripper. The request body is read once,
// snapshotted and replayed to Base; the caller's request is not modified.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Pipeline == nil || !t.Pipeline.Enabled() {
		return base.RoundTrip(req)
	}
	now := t.Pipeline.now

	out := req
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = data
		out = req.Clone(req.Context())
		out.Body = io.NopCloser(bytes.NewReader(data))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		out.ContentLength = int64(len(data))
	}

	ev := newEvent(req, now(), body, t.Pipeline.MaxBodyBytes())
	id := t.Pipeline.OnRequest(ev)

	resp, err := base.RoundTrip(out)
	if err != nil {
		t.Pipeline.OnError(id, err)
		return nil, err
	}
	meta := record.NewResponseMetadata(now(), resp.StatusCode, resp.Header)
	resp.Body = t.Pipeline.OnResponse(id, meta, resp.Body)
	resp.Request = req
	return resp, nil
}

// EventFromRequest snapshots req without consuming its body. The body is
// taken from GetBody when the request offers one.
func EventFromRequest(req *http.Request, ts time.Time, maxBody int64) *record.CaptureEvent {
	var body []byte
	if req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			body, _ = io.ReadAll(rc)
			rc.Close()
		}
	}
	return newEvent(req, ts, body, maxBody)
}

func newEvent(req *http.Request, ts time.Time, body []byte, maxBody int64) *record.CaptureEvent {
	truncated := false
	if maxBody > 0 && int64(len(body)) > maxBody {
		body = body[:maxBody]
		truncated = true
	}
	ev := record.NewCaptureEvent(ts, req.Method, req.URL.String(), req.Header, body)
	ev.Truncated = truncated
	return ev
}
