package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"apilogger/internal/capture"
	"apilogger/internal/record"
	"apilogger/storage"
)

// Pipeline is the part of the capture pipeline the API exposes.
type Pipeline interface {
	Metrics() capture.Metrics
	GenerateReport() string
	Flush(ctx context.Context) error
}

// Options configures a Handler.
type Options struct {
	// Heartbeats are the event types dropped when replaying a deferred stream.
	Heartbeats []string
	// ReplayDelay is the pause between replayed chunks.
	ReplayDelay time.Duration
	Logger      *slog.Logger
}

// Handler provides REST API endpoints for the capture data
type Handler struct {
	store    storage.Store
	pipeline Pipeline
	opts     Options
	log      *slog.Logger
}

// New creates a new API handler. pipeline may be nil when serving a store
// that is not being written to.
func New(store storage.Store, pipeline Pipeline, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{store: store, pipeline: pipeline, opts: opts, log: opts.Logger}
}

// RegisterRoutes registers all API routes with the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/requests", h.handleRequests)
	mux.HandleFunc("/api/requests/", h.handleRequestByID)
	mux.HandleFunc("/api/export.ndjson", h.handleExport)
	mux.HandleFunc("/api/metrics", h.handleMetrics)
	mux.HandleFunc("/api/report", h.handleReport)
	mux.HandleFunc("/api/flush", h.handleFlush)
}

type listResponse struct {
	Records []json.RawMessage `json:"records"`
	Total   int               `json:"total"`
	Offset  int               `json:"offset"`
	Limit   int               `json:"limit"`
}

// handleRequests handles GET /api/requests with filtering and pagination
func (h *Handler) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query, err := h.parseQuery(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid query parameters: %v", err), http.StatusBadRequest)
		return
	}

	entries, total, err := h.store.List(r.Context(), query)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list records: %v", err), http.StatusInternalServerError)
		return
	}

	response := listResponse{
		Records: make([]json.RawMessage, len(entries)),
		Total:   total,
		Offset:  query.Offset,
		Limit:   query.Limit,
	}
	for i, e := range entries {
		response.Records[i] = json.RawMessage(e.Line)
	}
	writeJSON(w, response)
}

// handleRequestByID handles individual request operations
func (h *Handler) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Missing request ID", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := parts[0]
	if len(parts) > 1 && parts[1] == "chunks" {
		h.handleRequestChunks(w, r, id)
		return
	}
	h.handleGetRequest(w, r, id)
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request, id string) (*storage.Entry, bool) {
	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Record not found", http.StatusNotFound)
		} else {
			http.Error(w, fmt.Sprintf("Failed to get record: %v", err), http.StatusInternalServerError)
		}
		return nil, false
	}
	return entry, true
}

// handleGetRequest handles GET /api/requests/{id}
func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request, id string) {
	entry, ok := h.getEntry(w, r, id)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(entry.Line)
}

// handleRequestChunks handles GET /api/requests/{id}/chunks: it replays the
// decoded events of a captured stream, decoding deferred bodies on the way.
func (h *Handler) handleRequestChunks(w http.ResponseWriter, r *http.Request, id string) {
	entry, ok := h.getEntry(w, r, id)
	if !ok {
		return
	}
	line, err := record.Decode(entry.Line)
	if err != nil {
		http.Error(w, fmt.Sprintf("Corrupt record: %v", err), http.StatusInternalServerError)
		return
	}
	summary, err := record.Reconstruct(line, h.opts.Heartbeats)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to decode stream: %v", err), http.StatusInternalServerError)
		return
	}
	if summary == nil || summary.ChunkCount == 0 {
		http.Error(w, "No chunks available for this record", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for i, ev := range summary.Chunks {
		payload, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		flusher.Flush()

		if i < len(summary.Chunks)-1 && h.opts.ReplayDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(h.opts.ReplayDelay):
			}
		}
	}
}

// handleExport handles GET /api/export.ndjson
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query, err := h.parseQuery(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid query parameters: %v", err), http.StatusBadRequest)
		return
	}

	// Remove pagination for export
	query.Limit = 0
	query.Offset = 0
	if r.URL.Query().Get("sort") == "" {
		query.Sort = "ts"
	}

	entries, _, err := h.store.List(r.Context(), query)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to export records: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", "attachment; filename=capture-export.ndjson")
	for _, e := range entries {
		w.Write(e.Line)
		w.Write([]byte{'\n'})
	}
}

// handleMetrics handles GET /api/metrics
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.pipeline == nil {
		http.Error(w, "Capture pipeline not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, h.pipeline.Metrics())
}

// handleReport handles GET /api/report
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.pipeline == nil {
		http.Error(w, "Capture pipeline not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, h.pipeline.GenerateReport())
}

// handleFlush handles POST /api/flush
func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.pipeline == nil {
		http.Error(w, "Capture pipeline not running", http.StatusServiceUnavailable)
		return
	}
	if err := h.pipeline.Flush(r.Context()); err != nil {
		h.log.Warn("flush requested over API failed", "error", err)
		http.Error(w, fmt.Sprintf("Flush failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// queryParams reads optional typed filters from URL values, keeping the
// first error.
type queryParams struct {
	values url.Values
	err    error
}

func (p *queryParams) text(name string) *string {
	v := p.values.Get(name)
	if v == "" {
		return nil
	}
	return &v
}

func (p *queryParams) integer(name string) *int {
	v := p.values.Get(name)
	if v == "" || p.err != nil {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s parameter: %w", name, err)
		return nil
	}
	return &n
}

func (p *queryParams) boolean(name string) *bool {
	v := p.values.Get(name)
	if v == "" || p.err != nil {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s parameter: %w", name, err)
		return nil
	}
	return &b
}

func (p *queryParams) timestamp(name string) *time.Time {
	v := p.values.Get(name)
	if v == "" || p.err != nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s parameter: %w", name, err)
		return nil
	}
	return &t
}

// parseQuery maps list parameters onto a storage.Query. Defaults are the
// newest 50 entries.
func (h *Handler) parseQuery(r *http.Request) (storage.Query, error) {
	p := &queryParams{values: r.URL.Query()}
	query := storage.Query{
		URLLike:    p.text("urlLike"),
		TextSearch: p.text("q"),
		StatusEq:   p.integer("status"),
		Orphaned:   p.boolean("orphaned"),
		From:       p.timestamp("from"),
		To:         p.timestamp("to"),
		Limit:      50,
		Sort:       "-ts",
	}
	if offset := p.integer("offset"); offset != nil {
		if *offset < 0 {
			return query, fmt.Errorf("invalid offset parameter %d: must not be negative", *offset)
		}
		query.Offset = *offset
	}
	if limit := p.integer("limit"); limit != nil && *limit > 0 {
		query.Limit = *limit
	}
	if p.err != nil {
		return query, p.err
	}

	switch sort := p.values.Get("sort"); sort {
	case "":
	case "ts", "-ts":
		query.Sort = sort
	default:
		return query, fmt.Errorf("invalid sort parameter %q: must be 'ts' or '-ts'", sort)
	}
	return query, nil
}
