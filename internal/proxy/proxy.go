package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"apilogger/internal/capture"
	"apilogger/internal/config"
)

// Gateway is the intercepting reverse proxy. Every routed call goes through
// a capture.Transport, so the pipeline sees it exactly as an instrumented
// in-process client would.
type Gateway struct {
	config  *config.Config
	log     *slog.Logger
	proxies map[string]*httputil.ReverseProxy
}

// New builds one reverse proxy per configured route. base performs the
// upstream calls; nil means http.DefaultTransport.
func New(cfg *config.Config, pipeline *capture.Pipeline, base http.RoundTripper, log *slog.Logger) (*Gateway, error) {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		config:  cfg,
		log:     log,
		proxies: make(map[string]*httputil.ReverseProxy, len(cfg.Routes)),
	}
	transport := &capture.Transport{Base: base, Pipeline: pipeline}

	for name, route := range cfg.Routes {
		upstream, err := url.Parse(route.Upstream)
		if err != nil || upstream.Scheme == "" || upstream.Host == "" {
			return nil, fmt.Errorf("route %s: invalid upstream %q", name, route.Upstream)
		}
		g.proxies[name] = g.newReverseProxy(name, route, upstream, transport)
	}
	return g, nil
}

func (g *Gateway) newReverseProxy(name string, route config.RouteConfig, upstream *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	mount := strings.TrimSuffix(route.Mount, "/")
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.URL.Path = strings.TrimSuffix(upstream.Path, "/") + strings.TrimPrefix(req.URL.Path, mount)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			req.URL.RawPath = ""
			req.Host = upstream.Host
		},
		Transport: transport,
		// Event streams must reach the client as they arrive.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.log.Warn("upstream call failed", "route", name, "path", r.URL.Path, "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
}

// ServeHTTP routes the request by its first path segment.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mount := g.extractMount(r.URL.Path)
	name, _, found := g.config.GetRouteByMount(mount)
	if !found {
		http.NotFound(w, r)
		return
	}
	g.proxies[name].ServeHTTP(w, r)
}

// extractMount extracts the mount path from a URL path
func (g *Gateway) extractMount(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) > 0 {
		return "/" + parts[0]
	}
	return "/"
}
