// Package api serves grouptip over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/metrics"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/pools"
	"github.com/Veraticus/grouptip/internal/service"
)

// Pools creates and reads pools.
type Pools interface {
	Create(ctx context.Context, req pools.CreateRequest) (*model.Pool, error)
	Get(ctx context.Context, id string) (*model.Pool, error)
	Claims(ctx context.Context, id string) ([]model.Claim, error)
	List(ctx context.Context, status model.PoolStatus, limit int) ([]model.Pool, error)
}

// Claims registers claims on open pools.
type Claims interface {
	RegisterClaim(ctx context.Context, poolID, claimantID string) (int, error)
	RegisterPendingClaim(ctx context.Context, poolID, claimantID string) (int, error)
	AcceptClaim(ctx context.Context, poolID, claimantID string) error
}

// Settler drives pools to a terminal state on request.
type Settler interface {
	Cancel(ctx context.Context, poolID, requesterID string) (*model.SettlementResult, error)
	Abort(ctx context.Context, poolID, reason string) (*model.SettlementResult, error)
	ForceExpire(ctx context.Context, poolID string) (*model.SettlementResult, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Store   service.Storage
	Tokens  service.TokenRegistry
	Pools   Pools
	Claims  Claims
	Settler Settler
	Metrics *metrics.Metrics
	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
	// AdminToken guards /v1/admin. Empty disables the admin routes.
	AdminToken string
	Now        func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	cfg    Config
	router http.Handler
}

const defaultListLimit = 100

// New constructs the HTTP router.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(api chi.Router) {
		api.Post("/pools", s.createPool)
		api.Get("/pools", s.listPools)
		api.Get("/pools/{id}", s.getPool)
		api.Post("/pools/{id}/claims", s.registerClaim)
		api.Post("/pools/{id}/claims/{claimant}/accept", s.acceptClaim)
		api.Post("/pools/{id}/cancel", s.cancelPool)
		api.Get("/balances/{user}/{token}", s.getBalance)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Post("/pools/{id}/expire", s.expirePool)
			admin.Post("/pools/{id}/abort", s.abortPool)
			admin.Get("/ledger", s.exportLedger)
		})
	})

	return r
}

// observe logs each request and records it against its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.cfg.Metrics.ObserveHTTP(route, r.Method, status, elapsed)
		slog.Debug("Http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
			"request_id", chimw.GetReqID(r.Context()))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeError(w, http.StatusForbidden, "Admin access is disabled.")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "Admin token required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Store.ListPoolsByStatus(r.Context(), model.PoolActive, 1); err != nil {
		slog.Error("Health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Database unavailable.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrPoolNotFound),
		errors.Is(err, common.ErrTokenNotFound),
		errors.Is(err, common.ErrClaimNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidAmount),
		errors.Is(err, common.ErrInvalidDuration),
		errors.Is(err, common.ErrInvalidClaimant),
		errors.Is(err, common.ErrInvalidFunder),
		errors.Is(err, common.ErrTokenInactive),
		errors.Is(err, common.ErrPoolNotExpired):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrSelfClaimForbidden),
		errors.Is(err, common.ErrNotPoolFunder):
		return http.StatusForbidden
	case errors.Is(err, common.ErrAlreadyClaimed),
		errors.Is(err, common.ErrPoolNotActive),
		errors.Is(err, common.ErrPoolExpired),
		errors.Is(err, common.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, common.ErrConcurrentUpdate):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", chimw.GetReqID(r.Context()))
	}
	writeError(w, status, common.UserMessage(err))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
