// Package engine carries each event through the pipeline: resolve the
// community, match routes, gate scopes, charge rate buckets, execute
// through the response cache, fan the response out, and write an audit
// record at every commit point. It owns the worker pool and the
// in-flight bound that gives ingress its backpressure signal.
package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/router/internal/audit"
	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/dispatch"
	"github.com/relaybot/router/internal/egress"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
	"github.com/relaybot/router/internal/ratelimit"
	"github.com/relaybot/router/internal/resolver"
	"github.com/relaybot/router/internal/respcache"
	"github.com/relaybot/router/internal/scope"
	"github.com/relaybot/router/internal/tracing"
)

// deadlineNoticeTimeout bounds the best-effort origin notice sent when
// a deadline cuts a multi-target fan-out in half.
const deadlineNoticeTimeout = 2 * time.Second

// Deps are the pipeline stages the engine coordinates. Tracer and
// Metrics may be nil and default to no-ops; everything else must be set.
type Deps struct {
	Resolver   *resolver.Resolver
	Gate       *scope.Gate
	Limiter    *ratelimit.Limiter
	Cache      *respcache.Cache
	Dispatcher *dispatch.Dispatcher
	Fanout     *egress.Fanout
	Audit      *audit.Writer
	Tracer     *tracing.Tracer
	Metrics    *metrics.Metrics
}

// Engine runs the per-event pipeline. Submit feeds the worker pool and
// never blocks; Process runs an event inline so queue receivers can tie
// their acknowledgement to the audit commit.
type Engine struct {
	resolver   *resolver.Resolver
	gate       *scope.Gate
	limiter    *ratelimit.Limiter
	cache      *respcache.Cache
	dispatcher *dispatch.Dispatcher
	fanout     *egress.Fanout
	audit      *audit.Writer
	tracer     *tracing.Tracer
	metrics    *metrics.Metrics

	workers         int
	defaultDeadline time.Duration
	surfacePartial  bool

	mu        sync.RWMutex
	accepting bool
	queue     chan *event.Event
	wg        sync.WaitGroup

	processed atomic.Int64
	degraded  atomic.Int64
	refused   atomic.Int64
}

// New builds the engine. Call Start to launch the workers.
func New(cfg config.EngineConfig, ecfg config.EgressConfig, deps Deps) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 32
	}
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 1024
	}
	deadline := cfg.DefaultDeadline
	if deadline <= 0 {
		deadline = 15 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer, _ = tracing.New(config.TracingConfig{})
	}
	return &Engine{
		resolver:        deps.Resolver,
		gate:            deps.Gate,
		limiter:         deps.Limiter,
		cache:           deps.Cache,
		dispatcher:      deps.Dispatcher,
		fanout:          deps.Fanout,
		audit:           deps.Audit,
		tracer:          deps.Tracer,
		metrics:         deps.Metrics,
		workers:         workers,
		defaultDeadline: deadline,
		surfacePartial:  ecfg.SurfacePartialOnDeadline,
		accepting:       true,
		queue:           make(chan *event.Event, maxInflight),
	}
}

// Start launches the worker pool consuming submitted events.
func (e *Engine) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for ev := range e.queue {
				if err := e.process(context.Background(), ev); err != nil {
					logging.Error("event processing failed",
						zap.String("event_id", ev.ID),
						zap.String("community", ev.CommunityID),
						zap.Error(err))
				}
			}
		}()
	}
}

// Submit hands one event to the worker pool without blocking. A full
// queue refuses with backpressure so sync ingress answers 429 and queue
// receivers pause their intake.
func (e *Engine) Submit(ev *event.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.accepting {
		e.refused.Add(1)
		return errors.ErrBackpressure.WithDetail("engine is draining")
	}
	select {
	case e.queue <- ev:
		return nil
	default:
		e.refused.Add(1)
		e.metrics.Backpressure.Inc()
		return errors.ErrBackpressure.WithDetailf("in-flight limit %d reached", cap(e.queue))
	}
}

// Process runs one event through the pipeline inline and reports its
// terminal classification: nil once a terminal audit record committed,
// an input error for poison events, an internal error when the event
// was refused untouched and may be redelivered.
func (e *Engine) Process(ctx context.Context, ev *event.Event) error {
	return e.process(ctx, ev)
}

// Shutdown stops intake and waits for queued and in-flight events to
// drain, up to the context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.accepting {
		e.accepting = false
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) process(ctx context.Context, ev *event.Event) error {
	e.metrics.InflightEvents.Inc()
	defer e.metrics.InflightEvents.Dec()
	e.metrics.RecordEvent(ev.Platform, string(ev.Kind))
	start := time.Now()

	ctx, span := e.tracer.StartEvent(ctx, ev.ID, ev.CommunityID, string(ev.Kind))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.defaultDeadline)
	defer cancel()

	community, err := e.resolver.Community(ctx, ev.CommunityID)
	if err != nil {
		e.metrics.RecordRejection(errors.CodeOf(err))
		if errors.KindOf(err) == errors.KindInput {
			return e.abort(ev, err)
		}
		return err
	}

	matches := community.Resolve(ev)
	if len(matches) == 0 {
		e.processed.Add(1)
		return e.audit.Append(audit.Record{
			EventID:       ev.ID,
			CorrelationID: ev.CorrelationID,
			CommunityID:   community.ID,
			Decision:      audit.DecisionNoRoute,
			DurationMS:    millis(time.Since(start)),
		})
	}

	// The routed record reserves the event in the audit stream. When
	// the sink cannot take it nothing has happened yet, so the event is
	// refused whole and the receiver may redeliver.
	if err := e.audit.Append(audit.Record{
		EventID:       ev.ID,
		CorrelationID: ev.CorrelationID,
		CommunityID:   community.ID,
		Decision:      audit.DecisionRouted,
		Detail:        fmt.Sprintf("%d routes", len(matches)),
	}); err != nil {
		e.metrics.RecordRejection(errors.CodeOf(err))
		return err
	}

	var ordered, parallel []resolver.Match
	for _, m := range matches {
		if m.Route.Ordered {
			ordered = append(ordered, m)
		} else {
			parallel = append(parallel, m)
		}
	}

	var wg sync.WaitGroup
	var degraded atomic.Int32
	run := func(m resolver.Match) {
		if e.runRoute(ctx, community, ev, m) {
			degraded.Add(1)
		}
	}
	if len(ordered) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, m := range ordered {
				run(m)
			}
		}()
	}
	for _, m := range parallel {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(m)
		}()
	}
	wg.Wait()

	rec := audit.Record{
		EventID:       ev.ID,
		CorrelationID: ev.CorrelationID,
		CommunityID:   community.ID,
		Decision:      audit.DecisionCompleted,
		DurationMS:    millis(time.Since(start)),
	}
	if n := degraded.Load(); n > 0 {
		rec.Decision = audit.DecisionPartial
		rec.Detail = fmt.Sprintf("%d/%d routes degraded", n, len(matches))
		e.degraded.Add(1)
	}
	e.processed.Add(1)
	if err := e.audit.Append(rec); err != nil {
		logging.Error("terminal audit append failed",
			zap.String("event_id", ev.ID), zap.Error(err))
		return err
	}
	return nil
}

// abort writes the single failed-event row for an event the pipeline
// cannot carry further. When even that row is refused the refusal wins,
// keeping the no-silent-drop property.
func (e *Engine) abort(ev *event.Event, cause error) error {
	if err := e.audit.Append(audit.Record{
		EventID:       ev.ID,
		CorrelationID: ev.CorrelationID,
		CommunityID:   ev.CommunityID,
		Decision:      audit.DecisionFailedEvent,
		Detail:        cause.Error(),
		Outcome:       errors.CodeOf(cause),
	}); err != nil {
		return err
	}
	e.processed.Add(1)
	return cause
}

// runRoute carries one matched route to its per-route audit records.
// The returned flag reports degradation for the event rollup; policy
// drops and false guards are not degradation.
func (e *Engine) runRoute(ctx context.Context, c *resolver.Community, ev *event.Event, m resolver.Match) bool {
	route := m.Route

	base := audit.Record{
		EventID:       ev.ID,
		CorrelationID: ev.CorrelationID,
		CommunityID:   c.ID,
		RouteID:       route.ID,
		Module:        route.Module,
	}
	note := func(rec audit.Record) {
		if err := e.audit.Append(rec); err != nil {
			logging.Error("audit append failed mid-event",
				zap.String("event_id", ev.ID),
				zap.String("route", route.ID),
				zap.Error(err))
		}
	}

	var requestID string
	deliver := func(dctx context.Context, resp *event.ExecuteResponse) (anyOK, anyFailed bool) {
		ectx, espan := e.tracer.StartSpan(dctx, "router.egress")
		results := e.fanout.Deliver(ectx, &egress.Request{
			Event:     ev,
			Community: c,
			Route:     route,
			Command:   m.Command,
			RequestID: requestID,
			Response:  resp,
		})
		espan.End()
		for _, tr := range results {
			rec := base
			rec.RequestID = requestID
			rec.Decision = audit.DecisionEgressResult
			rec.Target = tr.Platform
			rec.Outcome = tr.Outcome
			rec.DurationMS = millis(tr.Duration)
			if tr.Err != nil {
				rec.Detail = tr.Err.Error()
			}
			note(rec)
			if tr.Outcome == egress.OutcomeOK {
				anyOK = true
			} else {
				anyFailed = true
			}
		}
		return anyOK, anyFailed
	}

	// Routes the deadline already killed are dropped before any work.
	if ctx.Err() != nil {
		rec := base
		rec.Decision = audit.DecisionDeadline
		rec.Detail = "dropped before start"
		note(rec)
		return true
	}

	pass, err := route.EvalCondition(ev)
	if err != nil {
		rec := base
		rec.Decision = audit.DecisionFailed
		rec.Detail = err.Error()
		rec.Outcome = "condition-error"
		note(rec)
		return true
	}
	if !pass {
		// A false guard is a refined non-match, not a drop worth a row.
		return false
	}

	granted, err := e.gate.Authorize(ctx, c.ID, route.Module, route.RequiredScopes, scope.Grant{
		Scopes:   c.GrantedScopes(route.Module),
		Envelope: c.GrantEnvelope(route.Module),
	})
	if err != nil {
		rec := base
		rec.Decision = audit.DecisionDeniedPerm
		rec.Detail = errDetail(err)
		rec.Outcome = errors.CodeOf(err)
		note(rec)
		if route.SurfaceErrors {
			deliver(ctx, &event.ExecuteResponse{Success: false, Error: err.Error()})
		}
		return false
	}

	if err := e.limiter.Allow(ctx, route.RateClass, c.ID, route.Module, ev.User.ID); err != nil {
		rec := base
		rec.Decision = audit.DecisionDeniedRate
		rec.Detail = errDetail(err)
		rec.Outcome = errors.CodeOf(err)
		note(rec)
		return false
	}

	args, err := route.ExtractArgs(ev)
	if err != nil {
		rec := base
		rec.Decision = audit.DecisionFailed
		rec.Detail = err.Error()
		rec.Outcome = "args-error"
		note(rec)
		return true
	}

	rctx := ctx
	if route.Deadline > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, route.Deadline)
		defer cancel()
	}

	call := &dispatch.Call{
		Community:   c,
		Event:       ev,
		Route:       route,
		Command:     m.Command,
		ContextText: m.ContextText,
		Args:        args,
		Scopes:      granted,
	}
	key := respcache.Fingerprint(respcache.FingerprintInput{
		Community:  c.ID,
		Module:     route.Module,
		Command:    m.Command,
		Args:       argsKey(m.ContextText, args),
		RoleBucket: ev.RoleBucket(),
		UserID:     ev.User.ID,
		UserScoped: route.Cache.UserScoped,
	})

	dstart := time.Now()
	var dres *dispatch.Result
	dctx, dspan := e.tracer.StartSpan(rctx, "router.dispatch")
	resp, source, err := e.cache.Execute(dctx, key, route.Cache, func(fctx context.Context) (*event.ExecuteResponse, error) {
		r, derr := e.dispatcher.Dispatch(fctx, call)
		dres = r
		if derr != nil {
			return nil, derr
		}
		return r.Response, nil
	})
	dspan.End()
	if dres != nil {
		requestID = dres.RequestID
	}

	if err != nil {
		rec := base
		rec.RequestID = requestID
		rec.DurationMS = millis(time.Since(dstart))
		if deadlined(rctx, err) {
			rec.Decision = audit.DecisionDeadline
			rec.Detail = err.Error()
			note(rec)
			return true
		}
		rec.Decision = audit.DecisionFailed
		rec.Detail = err.Error()
		rec.Outcome = errors.CodeOf(err)
		note(rec)
		if route.SurfaceErrors {
			failure := &event.ExecuteResponse{Success: false, Error: err.Error()}
			if dres != nil && dres.Response != nil {
				failure = dres.Response
			}
			deliver(rctx, failure)
		}
		return true
	}

	rec := base
	rec.RequestID = requestID
	rec.DurationMS = millis(time.Since(dstart))
	switch source {
	case respcache.SourceExecuted:
		rec.Decision = audit.DecisionDispatched
		rec.Outcome = "ok"
		if !resp.Success {
			rec.Outcome = "module-error"
		}
		if dres != nil {
			rec.DurationMS = millis(dres.Duration)
		}
	default:
		rec.Decision = audit.DecisionCacheHit
		rec.Detail = source.String()
	}
	note(rec)

	if !resp.Success && !route.SurfaceErrors {
		// The module reported failure and the route keeps it off chat.
		return true
	}

	anyOK, anyFailed := deliver(rctx, resp)

	// A deadline that cut a multi-target fan-out in half is audit-only
	// unless the operator opts into telling the origin platform.
	if anyOK && anyFailed && rctx.Err() != nil && e.surfacePartial {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(rctx), deadlineNoticeTimeout)
		defer cancel()
		deliver(nctx, &event.ExecuteResponse{
			Success: false,
			Error:   "response delivery timed out before reaching every target",
			Targets: []event.Target{{Type: ev.Platform}},
		})
	}

	return anyFailed || !resp.Success
}

// deadlined classifies a dispatch failure as deadline-driven: the event
// or route context expired, or the retry loop quit waiting on it.
func deadlined(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return stderrors.Is(err, errors.ErrDeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded)
}

// argsKey canonicalizes the inputs that shape a response: the command
// remainder case-folded, plus extracted args as canonical JSON.
func argsKey(contextText string, args map[string]any) string {
	key := strings.ToLower(strings.TrimSpace(contextText))
	if len(args) == 0 {
		return key
	}
	b, err := json.Marshal(args)
	if err != nil {
		return key
	}
	return key + "\x00" + string(b)
}

// errDetail prefers the typed error's detail (bucket keys, missing
// scopes) over the full message chain.
func errDetail(err error) string {
	if re, ok := errors.AsError(err); ok && re.Detail != "" {
		return re.Detail
	}
	return err.Error()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Snapshot is the engine's view on the stats endpoint.
type Snapshot struct {
	Workers   int   `json:"workers"`
	QueueLen  int   `json:"queue_len"`
	QueueCap  int   `json:"queue_cap"`
	Processed int64 `json:"processed"`
	Degraded  int64 `json:"degraded"`
	Refused   int64 `json:"refused"`
	Accepting bool  `json:"accepting"`
}

// Stats returns a point-in-time view of engine counters.
func (e *Engine) Stats() Snapshot {
	e.mu.RLock()
	accepting := e.accepting
	e.mu.RUnlock()
	return Snapshot{
		Workers:   e.workers,
		QueueLen:  len(e.queue),
		QueueCap:  cap(e.queue),
		Processed: e.processed.Load(),
		Degraded:  e.degraded.Load(),
		Refused:   e.refused.Load(),
		Accepting: accepting,
	}
}
