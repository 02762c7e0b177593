// Package router assembles the dispatch plane from configuration: route
// sources, the scope gate, rate limiting, the response cache, module
// adapters behind circuit breakers, egress fan-out, the audit trail,
// and the intake listeners that feed the engine. It owns startup and
// shutdown order; the pieces themselves live in their own packages.
package router

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/adapter"
	"github.com/relaybot/router/internal/admin"
	"github.com/relaybot/router/internal/audit"
	"github.com/relaybot/router/internal/breaker"
	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/dispatch"
	"github.com/relaybot/router/internal/egress"
	"github.com/relaybot/router/internal/engine"
	"github.com/relaybot/router/internal/ingress"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
	"github.com/relaybot/router/internal/ratelimit"
	"github.com/relaybot/router/internal/resolver"
	"github.com/relaybot/router/internal/respcache"
	"github.com/relaybot/router/internal/routesource"
	"github.com/relaybot/router/internal/scope"
	"github.com/relaybot/router/internal/state"
	"github.com/relaybot/router/internal/tracing"
)

// auditPositionKey is where the last flushed audit sequence is stored so
// a restart continues the stream instead of reusing numbers.
const auditPositionKey = "audit:position"

const positionPersistTimeout = 2 * time.Second

// Options carry the pieces a caller may inject. Zero values wire
// production defaults.
type Options struct {
	// Registry supplies native Go modules for adapter type inprocess.
	Registry *adapter.Registry
	// Registerer receives the router's metric vectors. Defaults to the
	// process-wide registry.
	Registerer prometheus.Registerer
	// Gatherer backs the admin /metrics endpoint. Defaults to the
	// process-wide gatherer.
	Gatherer prometheus.Gatherer
}

// Server owns every long-lived component of the router.
type Server struct {
	cfg *config.Config

	metrics     *metrics.Metrics
	tracer      *tracing.Tracer
	redisClient *redis.Client
	stateStore  state.Store
	auditWriter *audit.Writer
	source      resolver.Source
	invalidator *routesource.Invalidator
	resolver    *resolver.Resolver
	gate        *scope.Gate
	limiter     *ratelimit.Limiter
	cache       *respcache.Cache
	breakers    *breaker.Manager
	dispatcher  *dispatch.Dispatcher
	fanout      *egress.Fanout
	engine      *engine.Engine

	httpIngress *ingress.HTTPServer
	amqpIngress *ingress.AMQPConsumer
	pubsub      *ingress.PubSubConsumer
	admin       *admin.Server

	cancelConsumers context.CancelFunc
	startTime       time.Time
}

// NewServer wires the router from cfg. Construction touches the network
// only where the configuration demands it (JWKS fetch, pubsub open,
// consul client); everything else defers to Start.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Registry == nil {
		opts.Registry = adapter.NewRegistry()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{cfg: cfg, startTime: time.Now()}
	s.metrics = metrics.New(opts.Registerer)

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer

	if needsRedis(cfg) {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	if cfg.State.Type == "redis" {
		s.stateStore = state.NewRedisStore(s.redisClient, cfg.State.KeyPrefix)
	} else {
		s.stateStore = state.NewMemoryStore()
	}

	ctx := context.Background()

	sink, err := audit.NewSink(cfg.Audit, s.redisClient, logging.Global())
	if err != nil {
		return nil, fmt.Errorf("init audit sink: %w", err)
	}
	s.auditWriter = audit.NewWriter(sink, audit.Options{
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		QueueSize:     cfg.Audit.QueueSize,
		StartSeq:      s.loadAuditPosition(ctx),
		Metrics:       s.metrics,
	})

	source, err := routesource.New(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("open route source: %w", err)
	}
	s.source = source
	s.resolver = resolver.New(source, 0)

	if cfg.Routes.InvalidateVia == "redis" {
		inv, err := routesource.NewInvalidator(ctx, s.redisClient, cfg.Routes.RedisChannel,
			s.resolver.Invalidate, s.resolver.InvalidateAll)
		if err != nil {
			return nil, fmt.Errorf("subscribe route invalidation: %w", err)
		}
		s.invalidator = inv
	}

	verifier, err := scope.NewVerifier(ctx, scope.VerifierOptions{
		Secret:  cfg.Scope.EnvelopeSecret,
		Issuer:  cfg.Scope.Issuer,
		Leeway:  cfg.Scope.Leeway,
		JWKSURL: cfg.Scope.JWKSURL,
		Revoked: s.stateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("init envelope verifier: %w", err)
	}
	s.gate = scope.NewGate(verifier)

	var issuer *scope.Issuer
	if cfg.Scope.EnvelopeSecret != "" {
		issuer = scope.NewIssuer(cfg.Scope.EnvelopeSecret, cfg.Scope.Issuer, cfg.Scope.TTL)
	}

	var rlStore ratelimit.Store
	if cfg.RateLimit.Store == "shared" {
		rlStore = ratelimit.NewRedisStore(s.redisClient, cfg.State.KeyPrefix+"rl:")
	} else {
		rlStore = ratelimit.NewMemoryStore()
	}
	s.limiter = ratelimit.New(cfg.RateLimit, rlStore, s.metrics)

	s.cache = respcache.New(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL, s.metrics)

	endpoints, err := adapter.NewEndpointResolver(cfg.Consul)
	if err != nil {
		return nil, fmt.Errorf("init endpoint discovery: %w", err)
	}
	factory := adapter.NewFactory(cfg.Adapters, cfg.Signing.Key, opts.Registry, endpoints)

	s.breakers = breaker.NewManager(cfg.Breaker, s.stateStore, s.metrics)
	if err := s.breakers.Restore(ctx); err != nil {
		logging.Warn("circuit snapshot restore failed", zap.Error(err))
	}

	dispatcher, err := dispatch.NewFromConfig(cfg.Modules, factory, s.breakers, issuer, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("wire modules: %w", err)
	}
	s.dispatcher = dispatcher

	fanout, err := egress.NewFanout(cfg.Egress, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("wire egress bindings: %w", err)
	}
	s.fanout = fanout

	s.engine = engine.New(cfg.Engine, cfg.Egress, engine.Deps{
		Resolver:   s.resolver,
		Gate:       s.gate,
		Limiter:    s.limiter,
		Cache:      s.cache,
		Dispatcher: s.dispatcher,
		Fanout:     s.fanout,
		Audit:      s.auditWriter,
		Tracer:     s.tracer,
		Metrics:    s.metrics,
	})

	if cfg.Ingress.HTTP.Enabled {
		s.httpIngress = ingress.NewHTTPServer(cfg.Ingress.HTTP, s.engine, s.resolver, s.auditWriter, s.tracer, s.metrics)
	}
	if cfg.Ingress.AMQP.Enabled {
		s.amqpIngress = ingress.NewAMQPConsumer(cfg.Ingress.AMQP, s.engine, s.metrics)
	}
	if cfg.Ingress.PubSub.Enabled {
		ps, err := ingress.NewPubSubConsumer(ctx, cfg.Ingress.PubSub, s.engine, s.metrics)
		if err != nil {
			return nil, fmt.Errorf("open pubsub subscription: %w", err)
		}
		s.pubsub = ps
	}

	if cfg.Admin.Enabled {
		s.admin = admin.NewServer(cfg.Admin, admin.Components{
			Engine:     s.engine,
			Dispatcher: s.dispatcher,
			Resolver:   s.resolver,
			Source:     s.source,
			Cache:      s.cache,
			Breakers:   s.breakers,
			Audit:      s.auditWriter,
			Fanout:     s.fanout,
			Gatherer:   opts.Gatherer,
		})
	}

	return s, nil
}

// needsRedis reports whether any configured component is backed by redis.
func needsRedis(cfg *config.Config) bool {
	return cfg.RateLimit.Store == "shared" ||
		cfg.State.Type == "redis" ||
		cfg.Audit.Sink == "redis" ||
		cfg.Routes.InvalidateVia == "redis"
}

// Start launches the engine workers, the intake listeners, and the
// admin surface. It returns once every listener is bound.
func (s *Server) Start() error {
	s.engine.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelConsumers = cancel

	if s.httpIngress != nil {
		if err := s.httpIngress.Start(); err != nil {
			return err
		}
	}
	if s.amqpIngress != nil {
		if err := s.amqpIngress.Start(ctx); err != nil {
			return fmt.Errorf("amqp intake: %w", err)
		}
	}
	if s.pubsub != nil {
		s.pubsub.Start(ctx)
	}
	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			return err
		}
	}

	logging.Info("router started",
		zap.Bool("http", s.httpIngress != nil),
		zap.Bool("amqp", s.amqpIngress != nil),
		zap.Bool("pubsub", s.pubsub != nil),
		zap.Int("modules", len(s.cfg.Modules)),
		zap.Int("egress_bindings", len(s.cfg.Egress.Bindings)))
	return nil
}

// Run starts the server and blocks until a shutdown signal arrives.
// SIGHUP reloads the route tables; SIGINT and SIGTERM drain and stop.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if err := s.ReloadRoutes(); err != nil {
				logging.Error("route reload failed", zap.Error(err))
			}
		default:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			return s.Shutdown(30 * time.Second)
		}
	}
	return nil
}

// ReloadRoutes re-reads the route source when it supports that and drops
// every compiled table. SIGHUP and the admin reload endpoint share it.
func (s *Server) ReloadRoutes() error {
	if rl, ok := s.source.(routesource.Reloader); ok {
		if err := rl.Reload(); err != nil {
			return err
		}
	}
	s.resolver.InvalidateAll()
	logging.Info("route tables reloaded")
	return nil
}

// Shutdown stops intake, drains the engine, flushes the audit trail,
// and releases every backing client. Intake closes before the drain so
// nothing new enters the pipeline, and the audit writer closes after it
// so terminal records still land.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			logging.Error("admin shutdown", zap.Error(err))
		}
	}
	if s.httpIngress != nil {
		if err := s.httpIngress.Shutdown(ctx); err != nil {
			logging.Error("http intake shutdown", zap.Error(err))
		}
	}
	if s.amqpIngress != nil {
		if err := s.amqpIngress.Close(); err != nil {
			logging.Error("amqp intake close", zap.Error(err))
		}
	}
	if s.pubsub != nil {
		if err := s.pubsub.Close(ctx); err != nil {
			logging.Error("pubsub intake close", zap.Error(err))
		}
	}
	if s.cancelConsumers != nil {
		s.cancelConsumers()
	}
	if s.invalidator != nil {
		if err := s.invalidator.Close(); err != nil {
			logging.Error("route invalidator close", zap.Error(err))
		}
	}

	drainErr := s.engine.Shutdown(ctx)
	if drainErr != nil {
		logging.Error("engine drain", zap.Error(drainErr))
	}

	if err := s.fanout.Close(); err != nil {
		logging.Error("egress close", zap.Error(err))
	}
	if err := s.auditWriter.Close(); err != nil {
		logging.Error("audit close", zap.Error(err))
	}
	s.persistAuditPosition()

	if err := s.limiter.Close(); err != nil {
		logging.Error("rate limiter close", zap.Error(err))
	}
	if err := s.resolver.Close(); err != nil {
		logging.Error("route source close", zap.Error(err))
	}
	if err := s.stateStore.Close(); err != nil {
		logging.Error("state store close", zap.Error(err))
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			logging.Error("redis close", zap.Error(err))
		}
	}
	if err := s.tracer.Close(); err != nil {
		logging.Error("tracer close", zap.Error(err))
	}

	logging.Info("router shutdown complete",
		zap.Uint64("audit_seq", s.auditWriter.FlushedSeq()),
		zap.Duration("uptime", time.Since(s.startTime)))
	return drainErr
}

func (s *Server) loadAuditPosition(ctx context.Context) uint64 {
	data, ok, err := s.stateStore.Get(ctx, auditPositionKey)
	if err != nil {
		logging.Warn("audit position read failed, starting at zero", zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}
	seq, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		logging.Warn("discarding unreadable audit position", zap.ByteString("value", data))
		return 0
	}
	return seq
}

func (s *Server) persistAuditPosition() {
	ctx, cancel := context.WithTimeout(context.Background(), positionPersistTimeout)
	defer cancel()
	seq := s.auditWriter.FlushedSeq()
	value := []byte(strconv.FormatUint(seq, 10))
	if err := s.stateStore.Put(ctx, auditPositionKey, value, 0); err != nil {
		logging.Warn("audit position persist failed",
			zap.Uint64("seq", seq), zap.Error(err))
	}
}

// Engine exposes the pipeline, mainly for embedding and tests.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// IngressHandler returns the HTTP intake handler, or nil when the HTTP
// listener is disabled.
func (s *Server) IngressHandler() http.Handler {
	if s.httpIngress == nil {
		return nil
	}
	return s.httpIngress.Handler()
}

// AdminHandler returns the admin handler, or nil when disabled.
func (s *Server) AdminHandler() http.Handler {
	if s.admin == nil {
		return nil
	}
	return s.admin.Handler()
}
