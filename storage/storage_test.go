package storage

import (
	"testing"
	"time"
)

func TestFilterPagesAndSorts(t *testing.T) {
	base := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{RequestID: "a", LoggedAt: base, URL: "https://api.example.com/v1/messages", StatusCode: 200, Line: []byte(`{"model":"claude"}`)},
		{RequestID: "b", LoggedAt: base.Add(time.Second), URL: "https://api.example.com/v1/models", StatusCode: 404},
		{RequestID: "c", LoggedAt: base.Add(2 * time.Second), URL: "https://api.example.com/v1/messages", Orphaned: true},
	}

	urlLike := "MESSAGES"
	page, total := Filter(entries, Query{URLLike: &urlLike, Sort: "-ts"})
	if total != 2 || len(page) != 2 || page[0].RequestID != "c" {
		t.Fatalf("unexpected url filter result %d %+v", total, page)
	}

	orphaned := true
	page, total = Filter(entries, Query{Orphaned: &orphaned})
	if total != 1 || page[0].RequestID != "c" {
		t.Fatalf("unexpected orphan filter result %+v", page)
	}

	text := "claude"
	page, _ = Filter(entries, Query{TextSearch: &text})
	if len(page) != 1 || page[0].RequestID != "a" {
		t.Fatalf("unexpected text search result %+v", page)
	}

	page, total = Filter(entries, Query{Offset: 1, Limit: 1})
	if total != 3 || len(page) != 1 || page[0].RequestID != "b" {
		t.Fatalf("unexpected page %+v", page)
	}

	page, _ = Filter(entries, Query{Offset: 10})
	if len(page) != 0 {
		t.Fatalf("expected empty page past the end")
	}

	page, total = Filter(entries, Query{Offset: -5, Limit: 50})
	if total != 3 || len(page) != 3 || page[0].RequestID != "a" {
		t.Fatalf("negative offset should start at the first entry, got %+v", page)
	}
}
