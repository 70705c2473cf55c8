package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when no record matches a request ID.
var ErrNotFound = errors.New("record not found")

// Entry is one persisted exchange: the serialized line plus the fields
// backends index on.
type Entry struct {
	RequestID  string    `json:"request_id"`
	LoggedAt   time.Time `json:"logged_at"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Orphaned   bool      `json:"orphaned"`
	Streaming  bool      `json:"streaming"`
	Line       []byte    `json:"-"`
}

// Query represents search/filter parameters for records
type Query struct {
	URLLike    *string
	StatusEq   *int
	Orphaned   *bool
	From       *time.Time
	To         *time.Time
	TextSearch *string
	Offset     int
	Limit      int
	Sort       string // "ts" or "-ts"
}

// Store is an append-only sink for serialized exchanges. Append writes a
// whole batch in one operation and either persists all of it or returns an
// error.
type Store interface {
	Append(ctx context.Context, entries []Entry) error
	Get(ctx context.Context, requestID string) (*Entry, error)
	List(ctx context.Context, q Query) ([]Entry, int, error)
	Close() error
}

// Filter applies q to entries and returns the requested page plus the total
// match count.
func Filter(entries []Entry, q Query) ([]Entry, int) {
	var matches []Entry
	for _, e := range entries {
		if Matches(e, q) {
			matches = append(matches, e)
		}
	}

	SortEntries(matches, q.Sort)
	total := len(matches)

	start := max(q.Offset, 0)
	if start > len(matches) {
		start = len(matches)
	}
	end := start + q.Limit
	if q.Limit <= 0 || end > len(matches) {
		end = len(matches)
	}
	return matches[start:end], total
}

// Matches checks if an entry matches the query filters
func Matches(e Entry, q Query) bool {
	if q.StatusEq != nil && e.StatusCode != *q.StatusEq {
		return false
	}

	if q.Orphaned != nil && e.Orphaned != *q.Orphaned {
		return false
	}

	if q.From != nil && e.LoggedAt.Before(*q.From) {
		return false
	}

	if q.To != nil && e.LoggedAt.After(*q.To) {
		return false
	}

	if q.URLLike != nil && !strings.Contains(strings.ToLower(e.URL), strings.ToLower(*q.URLLike)) {
		return false
	}

	if q.TextSearch != nil && !strings.Contains(strings.ToLower(string(e.Line)), strings.ToLower(*q.TextSearch)) {
		return false
	}

	return true
}

// SortEntries sorts entries by logged-at time. The sort is stable so entries
// written in the same instant keep their append order.
func SortEntries(entries []Entry, sortBy string) {
	switch sortBy {
	case "-ts":
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].LoggedAt.After(entries[j].LoggedAt)
		})
	default:
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].LoggedAt.Before(entries[j].LoggedAt)
		})
	}
}
