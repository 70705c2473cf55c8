package capture

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"apilogger/storage/memory"
)

func benchPipeline(b *testing.B) *Pipeline {
	b.Helper()
	opts := DefaultOptions(memory.New())
	opts.Logger = discardLogger
	p, err := New(opts)
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	b.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.Destroy(ctx)
	})
	return p
}

// BenchmarkCaptureFastPath measures the caller-visible cost of capturing one
// exchange: OnRequest plus OnResponse, without reading the body.
func BenchmarkCaptureFastPath(b *testing.B) {
	p := benchPipeline(b)
	const body = `{"id":"msg_1","content":[{"type":"text","text":"hello"}]}`

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		out := capture(p, "https://api.example.com/v1/messages", 200, jsonHeader(), io.NopCloser(strings.NewReader(body)))
		out.Close()
	}
}

// BenchmarkCaptureStreamRead includes draining an event stream through the
// caller branch of the tee.
func BenchmarkCaptureStreamRead(b *testing.B) {
	p := benchPipeline(b)

	b.ReportAllocs()
	b.SetBytes(int64(len(threeDeltasAndPing)))
	for i := 0; i < b.N; i++ {
		out := capture(p, "https://api.example.com/v1/messages", 200, sseHeader(), io.NopCloser(strings.NewReader(threeDeltasAndPing)))
		io.Copy(io.Discard, out)
		out.Close()
	}
}
