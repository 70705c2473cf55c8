package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"apilogger/storage"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	base := time.Date(2025, time.February, 10, 9, 30, 0, 0, time.UTC)
	err = store.Append(ctx, []storage.Entry{
		{RequestID: "r1", LoggedAt: base, Method: "POST", URL: "https://api.example.com/v1/messages", StatusCode: 200, Streaming: true, Line: []byte(`{"request_id":"r1"}`)},
		{RequestID: "r2", LoggedAt: base.Add(500 * time.Millisecond), Method: "GET", URL: "https://api.example.com/v1/models", StatusCode: 500, Line: []byte(`{"request_id":"r2"}`)},
		{RequestID: "r3", LoggedAt: base.Add(time.Second), Method: "POST", URL: "https://api.example.com/v1/messages", Orphaned: true, Line: []byte(`{"request_id":"r3","note":"orphan"}`)},
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, total, err := store.List(ctx, storage.Query{Sort: "-ts"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || entries[0].RequestID != "r3" || entries[2].RequestID != "r1" {
		t.Fatalf("unexpected order %+v", entries)
	}
	if !entries[0].Orphaned || !entries[2].Streaming {
		t.Fatalf("flags not round tripped: %+v", entries)
	}

	status := 500
	entries, total, err = store.List(ctx, storage.Query{StatusEq: &status})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || entries[0].RequestID != "r2" {
		t.Fatalf("unexpected status filter %+v", entries)
	}

	urlLike := "MESSAGES"
	entries, total, err = store.List(ctx, storage.Query{URLLike: &urlLike, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(entries) != 1 || entries[0].RequestID != "r3" {
		t.Fatalf("unexpected page %+v", entries)
	}

	from := base.Add(100 * time.Millisecond)
	_, total, err = store.List(ctx, storage.Query{From: &from})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("expected 2 entries after %s, got %d", from, total)
	}

	got, err := store.Get(ctx, "r2")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Line) != `{"request_id":"r2"}` || !got.LoggedAt.Equal(base.Add(500*time.Millisecond)) {
		t.Fatalf("unexpected entry %+v", got)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
