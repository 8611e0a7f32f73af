// Package httpapi implements the HTTP API gateway for the town sandbox
// service.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/observability"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/ratelimit"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/sandbox"
	"github.com/ElizenDevVini/eliza-town-sub000/internal/workspace"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// sessionHeader carries the session id for /v1/sandbox routes.
const sessionHeader = "X-Session-ID"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	EnableCORS     bool     // Permissive CORS for browser-based observers.
	APIKeys        []string // Accepted bearer tokens. Empty = no auth (dev only).
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway. It exposes the shared workspace under
// /v1/workspace and per-session sandboxes under /v1/sandbox, keyed by the
// X-Session-ID header.
type Gateway struct {
	config   Config
	shared   *workspace.Service
	sessions *workspace.Manager
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket events endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, shared *workspace.Service, sessions *workspace.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		shared:   shared,
		sessions: sessions,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Eliza Town Sandbox",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket events endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	if g.config.EnableCORS {
		g.okapi.UseMiddleware(corsMiddleware)
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate, g.rateLimit)

	g.registerWorkspaceRoutes("/workspace")
	g.registerWorkspaceRoutes("/sandbox")

	// Session lifecycle endpoints.
	g.group.Get("/sessions", g.handleSessionStats,
		okapi.DocSummary("List active session sandboxes"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]workspace.SessionInfo{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionClose,
		okapi.DocSummary("Close a session sandbox and delete its directory"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket events endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// registerWorkspaceRoutes mounts the operation set under prefix. The
// /workspace prefix resolves to the shared service; /sandbox resolves the
// caller's per-session sandbox from the X-Session-ID header.
func (g *Gateway) registerWorkspaceRoutes(prefix string) {
	tag := "Workspace"
	if prefix == "/sandbox" {
		tag = "Sandbox"
	}

	g.group.Post(prefix+"/read", g.handleRead,
		okapi.DocSummary("Read a file"),
		okapi.DocTags(tag),
		okapi.DocRequestBody(ReadRequest{}),
		okapi.DocResponse(sandbox.ReadResult{}),
		okapi.DocResponse(http.StatusBadRequest, sandbox.ReadResult{}),
		okapi.DocResponse(http.StatusNotFound, sandbox.ReadResult{}),
	)
	g.group.Post(prefix+"/write", g.handleWrite,
		okapi.DocSummary("Create or overwrite a file"),
		okapi.DocTags(tag),
		okapi.DocRequestBody(WriteRequest{}),
		okapi.DocResponse(sandbox.WriteResult{}),
		okapi.DocResponse(http.StatusCreated, sandbox.WriteResult{}),
		okapi.DocResponse(http.StatusBadRequest, sandbox.WriteResult{}),
	)
	g.group.Post(prefix+"/edit", g.handleEdit,
		okapi.DocSummary("Replace the first occurrence of a string in a file"),
		okapi.DocTags(tag),
		okapi.DocRequestBody(EditRequest{}),
		okapi.DocResponse(sandbox.WriteResult{}),
		okapi.DocResponse(http.StatusBadRequest, sandbox.WriteResult{}),
		okapi.DocResponse(http.StatusNotFound, sandbox.WriteResult{}),
	)
	g.group.Get(prefix+"/files", g.handleList,
		okapi.DocSummary("List a directory"),
		okapi.DocTags(tag),
		okapi.DocQueryParam("path", "string", "Directory path, relative to the root", false),
		okapi.DocResponse(sandbox.ListResult{}),
		okapi.DocResponse(http.StatusBadRequest, sandbox.ListResult{}),
		okapi.DocResponse(http.StatusNotFound, sandbox.ListResult{}),
	)
	g.group.Post(prefix+"/search", g.handleSearch,
		okapi.DocSummary("Search file contents for a substring"),
		okapi.DocTags(tag),
		okapi.DocRequestBody(SearchRequest{}),
		okapi.DocResponse(sandbox.SearchResult{}),
		okapi.DocResponse(http.StatusBadRequest, sandbox.SearchResult{}),
	)
	g.group.Post(prefix+"/exec", g.handleExec,
		okapi.DocSummary("Execute a shell command"),
		okapi.DocTags(tag),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(sandbox.ShellResult{}),
		okapi.DocResponse(http.StatusBadRequest, sandbox.ShellResult{}),
	)
	g.group.Post(prefix+"/chdir", g.handleChdir,
		okapi.DocSummary("Change the working directory"),
		okapi.DocTags(tag),
		okapi.DocRequestBody(ReadRequest{}),
		okapi.DocResponse(sandbox.ShellResult{}),
		okapi.DocResponse(http.StatusBadRequest, sandbox.ShellResult{}),
	)
	g.group.Get(prefix+"/changes", g.handleChanges,
		okapi.DocSummary("Recent file changes, newest last"),
		okapi.DocTags(tag),
		okapi.DocQueryParam("limit", "integer", "Maximum records to return", false),
		okapi.DocResponse([]workspace.FileChangeRecord{}),
	)
	g.group.Get(prefix+"/status", g.handleStatus,
		okapi.DocSummary("Workspace status"),
		okapi.DocTags(tag),
		okapi.DocResponse(StatusResponse{}),
	)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token against the configured API keys
// and stores a per-request client id for rate limiting. With no keys
// configured every request is accepted and keyed by remote address.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
			if err != nil {
				host = c.Request().RemoteAddr
			}
			c.Set("clientID", host)
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		matched := false
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				matched = true
			}
		}
		if !matched {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", apiKey)
		return next(c)
	}
}

// --- CORS ---

// corsMiddleware applies permissive CORS headers so browser-based town
// viewers can call the API and open the event stream from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+sessionHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
