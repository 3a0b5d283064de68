package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/exit1dev/monitor/internal/alert"
	"github.com/exit1dev/monitor/internal/metrics"
	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/store"
)

// Prober runs the full probe pipeline for one check on demand.
type Prober interface {
	ProbeNow(ctx context.Context, checkID string) (*model.ProbeOutcome, error)
}

// AlertDispatcher delivers one event to one subscription.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, sub *model.AlertSubscription, ev *alert.Event) alert.Result
}

// ServerConfig wires the API server.
type ServerConfig struct {
	ListenAddress string
	Port          int
	AdminToken    string

	// DefaultRegion is assigned to checks created without one.
	DefaultRegion string

	// MaxBodyBytes bounds request bodies on authenticated routes.
	// Default 1 MiB.
	MaxBodyBytes int64

	Store      *store.Store
	Prober     Prober
	Dispatcher AlertDispatcher
	Metrics    *metrics.Metrics
}

// Server wraps the HTTP server and mux for the worker API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an API server wired with all routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz(cfg.Store))
	mux.Handle("GET /metrics", HandleMetrics(cfg.Metrics))

	// Authenticated routes
	authed := http.NewServeMux()

	authed.Handle("GET /api/v1/checks", HandleListChecks(cfg.Store))
	authed.Handle("POST /api/v1/checks", HandleCreateCheck(cfg.Store, cfg.DefaultRegion))
	authed.Handle("GET /api/v1/checks/{id}", HandleGetCheck(cfg.Store))
	authed.Handle("PUT /api/v1/checks/{id}", HandleUpdateCheck(cfg.Store, cfg.DefaultRegion))
	authed.Handle("DELETE /api/v1/checks/{id}", HandleDeleteCheck(cfg.Store))
	authed.Handle("POST /api/v1/checks/{id}/actions/toggle", HandleToggleCheck(cfg.Store))
	if cfg.Prober != nil {
		authed.Handle("POST /api/v1/checks/{id}/actions/probe", HandleProbeCheck(cfg.Prober))
	}

	authed.Handle("GET /api/v1/checks/{id}/history", HandleCheckHistory(cfg.Store))
	authed.Handle("GET /api/v1/checks/{id}/stats", HandleCheckStats(cfg.Store))
	authed.Handle("GET /api/v1/checks/{id}/rollups", HandleCheckRollups(cfg.Store))

	authed.Handle("GET /api/v1/users/{user}/subscriptions", HandleListSubscriptions(cfg.Store))
	authed.Handle("GET /api/v1/users/{user}/subscriptions/{channel}", HandleGetSubscription(cfg.Store))
	authed.Handle("PUT /api/v1/users/{user}/subscriptions/{channel}", HandlePutSubscription(cfg.Store))
	authed.Handle("DELETE /api/v1/users/{user}/subscriptions/{channel}", HandleDeleteSubscription(cfg.Store))
	if cfg.Dispatcher != nil {
		authed.Handle("POST /api/v1/users/{user}/subscriptions/{channel}/actions/test",
			HandleTestSubscription(cfg.Store, cfg.Dispatcher))
	}
	authed.Handle("GET /api/v1/users/{user}/usage", HandleUserUsage(cfg.Store))

	limited := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limited))

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
