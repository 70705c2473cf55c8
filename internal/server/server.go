package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apilogger/internal/api"
	"apilogger/internal/capture"
	"apilogger/internal/config"
	"apilogger/internal/proxy"
	"apilogger/storage"
)

// Server represents the main HTTP server
type Server struct {
	config   *config.Config
	pipeline *capture.Pipeline
	gateway  *proxy.Gateway
	api      *api.Handler
	gatherer prometheus.Gatherer
	log      *slog.Logger
	http     *http.Server
}

// New creates a new server instance over a running pipeline. Metrics are
// served from gatherer; nil means the default registry.
func New(cfg *config.Config, store storage.Store, pipeline *capture.Pipeline, gatherer prometheus.Gatherer, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	gateway, err := proxy.New(cfg, pipeline, nil, log.With("component", "proxy"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:   cfg,
		pipeline: pipeline,
		gateway:  gateway,
		api: api.New(store, pipeline, api.Options{
			Heartbeats: cfg.Capture.HeartbeatEvents,
			Logger:     log.With("component", "api"),
		}),
		gatherer: gatherer,
		log:      log,
	}
	s.http = &http.Server{Handler: s.Handler()}
	return s, nil
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Register API routes first
	s.api.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)

	for name, route := range s.config.Routes {
		pattern := route.Mount + "/"
		mux.Handle(pattern, s.gateway)
		s.log.Info("registered proxy route", "route", name, "mount", pattern, "upstream", route.Upstream)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.pipeline.Metrics().Health
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !h.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		for _, warning := range h.Warnings {
			fmt.Fprintln(w, warning)
		}
		return
	}
	fmt.Fprintln(w, "ok")
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("starting server", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pipelineDrainTimeout bounds Destroy once the HTTP side has stopped.
const pipelineDrainTimeout = 10 * time.Second

// Shutdown stops accepting connections, waits for in-flight calls until ctx
// ends and then destroys the pipeline, returning its shutdown summary. The
// pipeline gets its own deadline so calls still hanging when ctx expires are
// written as orphans.
func (s *Server) Shutdown(ctx context.Context) (capture.ShutdownSummary, error) {
	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pipelineDrainTimeout)
	defer cancel()
	summary, err := s.pipeline.Destroy(drainCtx)
	if err != nil {
		errs = append(errs, err)
	}
	return summary, errors.Join(errs...)
}
