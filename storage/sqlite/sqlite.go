// Package sqlite persists captured exchanges in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"apilogger/storage"
)

// tsLayout is fixed width so text comparison orders timestamps.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store appends entries to a captures table, one transaction per batch.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and creates the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening capture db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS captures (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id  TEXT NOT NULL,
			logged_at   TEXT NOT NULL,
			method      TEXT,
			url         TEXT,
			status_code INTEGER,
			orphaned    INTEGER NOT NULL DEFAULT 0,
			streaming   INTEGER NOT NULL DEFAULT 0,
			line        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_captures_request_id ON captures(request_id);
		CREATE INDEX IF NOT EXISTS idx_captures_logged_at ON captures(logged_at);
	`)
	if err != nil {
		return fmt.Errorf("creating captures table: %w", err)
	}
	return nil
}

// Append inserts the batch in one transaction.
func (s *Store) Append(ctx context.Context, entries []storage.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO captures (request_id, logged_at, method, url, status_code, orphaned, streaming, line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.RequestID, e.LoggedAt.UTC().Format(tsLayout), e.Method, e.URL,
			e.StatusCode, e.Orphaned, e.Streaming, string(e.Line),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting capture %s: %w", e.RequestID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

const selectColumns = `SELECT request_id, logged_at, method, url, status_code, orphaned, streaming, line FROM captures`

// Get returns the latest entry for a request ID.
func (s *Store) Get(ctx context.Context, requestID string) (*storage.Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE request_id = ? ORDER BY id DESC LIMIT 1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("getting capture: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, requestID)
	}
	return &entries[0], nil
}

// List filters captures in SQL and pages the result.
func (s *Store) List(ctx context.Context, q storage.Query) ([]storage.Entry, int, error) {
	var where []string
	var args []any
	if q.URLLike != nil {
		where = append(where, "LOWER(url) LIKE ?")
		args = append(args, "%"+strings.ToLower(*q.URLLike)+"%")
	}
	if q.StatusEq != nil {
		where = append(where, "status_code = ?")
		args = append(args, *q.StatusEq)
	}
	if q.Orphaned != nil {
		where = append(where, "orphaned = ?")
		args = append(args, *q.Orphaned)
	}
	if q.From != nil {
		where = append(where, "logged_at >= ?")
		args = append(args, q.From.UTC().Format(tsLayout))
	}
	if q.To != nil {
		where = append(where, "logged_at <= ?")
		args = append(args, q.To.UTC().Format(tsLayout))
	}
	if q.TextSearch != nil {
		where = append(where, "LOWER(line) LIKE ?")
		args = append(args, "%"+strings.ToLower(*q.TextSearch)+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting captures: %w", err)
	}

	order := " ORDER BY logged_at ASC, id ASC"
	if q.Sort == "-ts" {
		order = " ORDER BY logged_at DESC, id DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+clause+order+` LIMIT ? OFFSET ?`, append(args, limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing captures: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]storage.Entry, error) {
	var entries []storage.Entry
	for rows.Next() {
		var e storage.Entry
		var ts, line string
		var method, url sql.NullString
		var status sql.NullInt64
		err := rows.Scan(&e.RequestID, &ts, &method, &url, &status, &e.Orphaned, &e.Streaming, &line)
		if err != nil {
			return nil, fmt.Errorf("scanning capture row: %w", err)
		}
		e.Method = method.String
		e.URL = url.String
		e.StatusCode = int(status.Int64)
		e.LoggedAt, _ = time.Parse(tsLayout, ts)
		e.Line = []byte(line)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating captures: %w", err)
	}
	return entries, nil
}
