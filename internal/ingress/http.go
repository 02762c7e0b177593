package ingress

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/audit"
	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/engine"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
	"github.com/relaybot/router/internal/resolver"
	"github.com/relaybot/router/internal/tracing"
)

// HTTPServer is the synchronous intake listener. A 202 means the event
// cleared validation and entered the worker queue; processing outcomes
// land in the audit stream, keyed by the returned correlation id.
type HTTPServer struct {
	cfg      config.HTTPIngressConfig
	engine   *engine.Engine
	resolver *resolver.Resolver
	audit    *audit.Writer
	metrics  *metrics.Metrics

	server *http.Server
	ln     net.Listener

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewHTTPServer wires the intake routes. tracer and m may be nil.
func NewHTTPServer(cfg config.HTTPIngressConfig, eng *engine.Engine, res *resolver.Resolver, aw *audit.Writer, tracer *tracing.Tracer, m *metrics.Metrics) *HTTPServer {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if m == nil {
		m = metrics.NewNop()
	}

	s := &HTTPServer{
		cfg:      cfg,
		engine:   eng,
		resolver: res,
		audit:    aw,
		metrics:  m,
	}

	router := httprouter.New()
	router.POST("/v1/events", s.handleEvent)

	var handler http.Handler = router
	if tracer != nil {
		handler = tracer.Middleware(handler)
	}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the wired routes for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves in the background.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("ingress: listen on %s: %w", s.cfg.Address, err)
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logging.Error("http intake serve", zap.Error(err))
		}
	}()
	logging.Info("http intake listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *HTTPServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type acceptedBody struct {
	Status        string `json:"status"`
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (s *HTTPServer) handleEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.reject(w, errors.ErrMalformedEvent.WithDetail("unreadable or oversized body"))
		return
	}

	ev, err := event.Decode(body)
	if err != nil {
		s.reject(w, err)
		return
	}

	// The queue path would only discover an unregistered tenant after
	// the 202; the sync path can answer 404 right here.
	if _, err := s.resolver.Community(r.Context(), ev.CommunityID); err != nil {
		s.reject(w, err)
		return
	}

	if s.audit.Stats().Unhealthy {
		s.reject(w, errors.ErrAuditUnavailable.WithDetail("sink failing"))
		return
	}

	if err := s.engine.Submit(ev); err != nil {
		s.reject(w, err)
		return
	}

	s.accepted.Add(1)
	s.metrics.RecordEvent(ev.Platform, string(ev.Kind))
	writeJSON(w, http.StatusAccepted, acceptedBody{
		Status:        "accepted",
		EventID:       ev.ID,
		CorrelationID: ev.CorrelationID,
	})
}

func (s *HTTPServer) reject(w http.ResponseWriter, err error) {
	s.rejected.Add(1)
	code := errors.CodeOf(err)
	s.metrics.RecordRejection(code)

	body := errorBody{Error: code}
	var e *errors.Error
	if stderrors.As(err, &e) {
		body.Detail = e.Detail
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("http intake response write", zap.Error(err))
	}
}

// statusFor maps the router error taxonomy onto intake status codes.
func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrMalformedEvent):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrUnknownCommunity):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrBackpressure):
		return http.StatusTooManyRequests
	case stderrors.Is(err, errors.ErrAuditUnavailable), stderrors.Is(err, errors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPSnapshot is the intake counter view surfaced on /stats.
type HTTPSnapshot struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// Stats returns a copy of the intake counters.
func (s *HTTPServer) Stats() HTTPSnapshot {
	return HTTPSnapshot{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
}
