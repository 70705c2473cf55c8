// Package file persists captured exchanges as an append-only JSONL file.
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"apilogger/internal/record"
	"apilogger/storage"
)

const maxLineSize = 64 << 20

// Store appends one line per entry to a single file.
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// New opens (or creates) the log file at path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Store{path: path, f: f}, nil
}

// Path returns the file location.
func (s *Store) Path() string {
	return s.path
}

// Append writes the batch with a single write call.
func (s *Store) Append(ctx context.Context, entries []storage.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(e.Line)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("log file closed")
	}
	if _, err := s.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to %s: %w", s.path, err)
	}
	return nil
}

// Get scans the file for the last line with the request ID.
func (s *Store) Get(ctx context.Context, requestID string) (*storage.Entry, error) {
	entries, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].RequestID == requestID {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, requestID)
}

// List scans the file and filters its entries.
func (s *Store) List(ctx context.Context, q storage.Query) ([]storage.Entry, int, error) {
	entries, err := s.readAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	page, total := storage.Filter(entries, q)
	return page, total, nil
}

// Close closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *Store) readAll(ctx context.Context) ([]storage.Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	return ReadEntries(ctx, f)
}

// indexFields is the subset of a persisted line needed to index it.
type indexFields struct {
	RequestID string `json:"request_id"`
	LoggedAt  string `json:"logged_at"`
	Note      string `json:"note"`
	Request   struct {
		Method string `json:"method"`
		URL    string `json:"url"`
	} `json:"request"`
	Response *struct {
		StatusCode int  `json:"status_code"`
		Streaming  bool `json:"streaming"`
	} `json:"response"`
}

// ReadEntries decodes a JSONL stream into entries. Lines that fail to decode
// are skipped.
func ReadEntries(ctx context.Context, r io.Reader) ([]storage.Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var entries []storage.Entry
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var fields indexFields
		if err := json.Unmarshal(line, &fields); err != nil {
			continue
		}
		e := storage.Entry{
			RequestID: fields.RequestID,
			Method:    fields.Request.Method,
			URL:       fields.Request.URL,
			Orphaned:  fields.Response == nil && fields.Note == record.NoteOrphaned,
			Line:      append([]byte(nil), line...),
		}
		e.LoggedAt, _ = time.Parse(time.RFC3339Nano, fields.LoggedAt)
		if fields.Response != nil {
			e.StatusCode = fields.Response.StatusCode
			e.Streaming = fields.Response.Streaming
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return entries, nil
}
