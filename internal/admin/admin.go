// Package admin serves the operator surface on its own listener:
// health and component snapshots, Prometheus metrics, and the mutating
// endpoints for cache invalidation and route reload.
package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/adapter"
	"github.com/relaybot/router/internal/audit"
	"github.com/relaybot/router/internal/breaker"
	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/dispatch"
	"github.com/relaybot/router/internal/egress"
	"github.com/relaybot/router/internal/engine"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/resolver"
	"github.com/relaybot/router/internal/respcache"
	"github.com/relaybot/router/internal/routesource"
)

// Components are the router parts the admin surface reports on and
// pokes at. Gatherer may be nil and defaults to the process registry.
type Components struct {
	Engine     *engine.Engine
	Dispatcher *dispatch.Dispatcher
	Resolver   *resolver.Resolver
	Source     resolver.Source
	Cache      *respcache.Cache
	Breakers   *breaker.Manager
	Audit      *audit.Writer
	Fanout     *egress.Fanout
	Gatherer   prometheus.Gatherer
}

// Server is the operator endpoint listener.
type Server struct {
	cfg       config.AdminConfig
	deps      Components
	server    *http.Server
	ln        net.Listener
	startTime time.Time
}

// NewServer wires the admin routes.
func NewServer(cfg config.AdminConfig, deps Components) *Server {
	if cfg.Address == "" {
		cfg.Address = ":9090"
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{cfg: cfg, deps: deps, startTime: time.Now()}

	router := httprouter.New()
	router.GET("/healthz", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.Handler(http.MethodGet, "/metrics",
		promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	router.POST("/admin/cache/invalidate", s.handleCacheInvalidate)
	router.POST("/admin/routes/reload", s.handleRoutesReload)
	router.GET("/admin/breakers", s.handleBreakers)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the wired routes for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", s.cfg.Address, err)
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logging.Error("admin serve", zap.Error(err))
		}
	}()
	logging.Info("admin listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	checks := make(map[string]any)
	healthy := true

	adapters := s.deps.Dispatcher.Health()
	adaptersOK := true
	for _, hs := range adapters {
		if hs.Status == adapter.StatusUnhealthy {
			adaptersOK = false
		}
	}
	checks["adapters"] = map[string]any{
		"status":  boolStatus(adaptersOK),
		"modules": adapters,
	}
	// Unhealthy adapters degrade the report without failing the probe;
	// the router itself is still serving.

	auditStats := s.deps.Audit.Stats()
	checks["audit"] = map[string]any{
		"status":    boolStatus(!auditStats.Unhealthy),
		"queue_len": auditStats.QueueLen,
	}
	if auditStats.Unhealthy {
		healthy = false
	}

	engineStats := s.deps.Engine.Stats()
	checks["engine"] = map[string]any{
		"status":    boolStatus(engineStats.Accepting),
		"queue_len": engineStats.QueueLen,
		"queue_cap": engineStats.QueueCap,
	}
	if !engineStats.Accepting {
		healthy = false
	}

	status := http.StatusOK
	statusStr := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusStr = "degraded"
	} else if !adaptersOK {
		statusStr = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":   s.deps.Engine.Stats(),
		"resolver": s.deps.Resolver.Stats(),
		"cache":    s.deps.Cache.Stats(),
		"audit":    s.deps.Audit.Stats(),
		"egress":   s.deps.Fanout.Stats(),
		"breakers": s.deps.Breakers.Snapshots(),
	})
}

type invalidateRequest struct {
	Community string `json:"community"`
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Community == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "community is required"})
		return
	}

	if req.Community == "*" {
		s.deps.Cache.Purge()
		logging.Info("response cache purged")
		writeJSON(w, http.StatusOK, map[string]any{"status": "purged"})
		return
	}

	n := s.deps.Cache.InvalidateCommunity(req.Community)
	logging.Info("response cache invalidated",
		zap.String("community", req.Community),
		zap.Int("entries", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "invalidated",
		"community":   req.Community,
		"invalidated": n,
	})
}

func (s *Server) handleRoutesReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	reloaded := false
	if rl, ok := s.deps.Source.(routesource.Reloader); ok {
		if err := rl.Reload(); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "reload failed: " + err.Error()})
			return
		}
		reloaded = true
	}
	s.deps.Resolver.InvalidateAll()
	logging.Info("route tables reloaded", zap.Bool("source_reload", reloaded))

	status := "invalidated"
	if reloaded {
		status = "reloaded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.deps.Breakers.Snapshots())
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "unhealthy"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("admin response write", zap.Error(err))
	}
}
