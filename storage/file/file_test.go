package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"apilogger/storage"
)

func TestAppendWritesOneLinePerEntry(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logs", "capture.jsonl")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer store.Close()

	now := time.Date(2025, time.April, 3, 8, 0, 0, 0, time.UTC)
	entries := []storage.Entry{
		{RequestID: "r1", Line: []byte(`{"request_id":"r1","request":{"method":"POST","url":"https://api.example.com/v1/messages"},"response":{"status_code":200,"streaming":true},"logged_at":"` + now.Format(time.RFC3339Nano) + `"}`)},
		{RequestID: "r2", Line: []byte(`{"request_id":"r2","request":{"method":"GET","url":"https://api.example.com/v1/models"},"response":null,"note":"No response received before shutdown","logged_at":"` + now.Add(time.Second).Format(time.RFC3339Nano) + `"}`)},
	}
	if err := store.Append(ctx, entries); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	list, total, err := store.List(ctx, storage.Query{Sort: "-ts"})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if total != 2 || list[0].RequestID != "r2" {
		t.Fatalf("unexpected list %+v", list)
	}
	if !list[0].Orphaned || list[1].StatusCode != 200 || !list[1].Streaming || list[1].Method != "POST" {
		t.Fatalf("index fields not decoded: %+v", list)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.URL != "https://api.example.com/v1/messages" {
		t.Fatalf("unexpected entry %+v", got)
	}
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "capture.jsonl"))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	store.Close()
	if err := store.Append(context.Background(), []storage.Entry{{RequestID: "r"}}); err == nil {
		t.Fatalf("expected append after close to fail")
	}
}

func TestReadEntriesSkipsGarbage(t *testing.T) {
	input := "not json\n\n{\"request_id\":\"ok\",\"logged_at\":\"2025-01-01T00:00:00Z\"}\n"
	entries, err := ReadEntries(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadEntries returned error: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "ok" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
