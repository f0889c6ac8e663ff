package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/angeloszaimis/service-mesh/internal/circuitbreaker"
	"github.com/angeloszaimis/service-mesh/internal/metrics"
	"github.com/angeloszaimis/service-mesh/internal/registry"
	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

const (
	Name                  = "api-gateway"
	DefaultRequestTimeout = 10 * time.Second
)

type Config struct {
	Routes         []Route
	Aggregates     []Aggregate
	RequestTimeout time.Duration
}

// Gateway is the single HTTP entry point of the mesh. It resolves backends
// through the registry and guards every call with a per-service circuit
// breaker.
type Gateway struct {
	registry   *registry.Registry
	breakers   *circuitbreaker.Registry
	collector  *metrics.Collector
	routes     *RouteTable
	aggregates map[string]Aggregate
	timeout    time.Duration
	transport  http.RoundTripper
	proxy      *httputil.ReverseProxy
	client     *http.Client
	upstreams  *upstreams
	logger     *slog.Logger
}

type Option func(*Gateway)

func WithCollector(c *metrics.Collector) Option {
	return func(g *Gateway) { g.collector = c }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.transport = rt }
}

func New(reg *registry.Registry, breakers *circuitbreaker.Registry, cfg Config, log *slog.Logger, opts ...Option) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes()
	}
	if cfg.Aggregates == nil {
		cfg.Aggregates = DefaultAggregates()
	}

	g := &Gateway{
		registry:   reg,
		breakers:   breakers,
		routes:     NewRouteTable(cfg.Routes),
		aggregates: make(map[string]Aggregate, len(cfg.Aggregates)),
		timeout:    cfg.RequestTimeout,
		transport:  http.DefaultTransport,
		upstreams:  newUpstreams(),
		logger:     logger.WithComponent(log, "gateway"),
	}
	for _, agg := range cfg.Aggregates {
		g.aggregates[agg.Path] = agg
	}
	for _, opt := range opts {
		opt(g)
	}

	g.proxy = &httputil.ReverseProxy{
		Rewrite:        g.rewrite,
		Transport:      g.transport,
		ModifyResponse: g.modifyResponse,
		ErrorHandler:   g.proxyError,
		ErrorLog:       slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
	}
	g.client = &http.Client{Transport: g.transport}

	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Gateway", Name)

	g.logger.Info("Received request",
		slog.String("from", extractClientIP(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("user_agent", r.UserAgent()))

	path := r.URL.Path
	switch path {
	case "/health":
		g.handleHealth(w, r)
		return
	case "/registry":
		g.handleRegistry(w, r)
		return
	case "/stats":
		if g.collector != nil {
			g.collector.Handler().ServeHTTP(w, r)
			return
		}
	case "/metrics":
		if g.collector != nil {
			g.collector.PrometheusHandler().ServeHTTP(w, r)
			return
		}
	}

	if agg, ok := g.aggregates[path]; ok {
		g.serveAggregate(agg, w, r)
		return
	}

	if route, ok := g.routes.Lookup(path); ok {
		out := r.Clone(r.Context())
		out.URL.Path = route.Rewrite(path)
		out.URL.RawPath = ""
		g.Proxy(route.Service, w, out)
		return
	}

	writeError(w, http.StatusNotFound, "endpoint not found", Name, nil)
}

type healthResponse struct {
	Service   string                          `json:"service"`
	Status    string                          `json:"status"`
	Timestamp time.Time                       `json:"timestamp"`
	Services  map[string]registry.ServiceInfo `json:"services"`
	Circuits  map[string]circuitbreaker.Stats `json:"circuits"`
	Upstreams map[string]UpstreamStats        `json:"upstreams"`
	Routes    []Route                         `json:"routes"`
	Error     string                          `json:"error,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Service:   Name,
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Circuits:  g.breakers.Stats(),
		Upstreams: g.upstreams.stats(),
		Routes:    g.routes.Routes(),
	}

	services, err := g.registry.ListServices(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Services = services

	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleRegistry(w http.ResponseWriter, r *http.Request) {
	services, err := g.registry.ListServices(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "services": services})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
