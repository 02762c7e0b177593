package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaybot/router/internal/adapter"
	"github.com/relaybot/router/internal/audit"
	"github.com/relaybot/router/internal/breaker"
	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/dispatch"
	"github.com/relaybot/router/internal/egress"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/ratelimit"
	"github.com/relaybot/router/internal/resolver"
	"github.com/relaybot/router/internal/respcache"
	"github.com/relaybot/router/internal/retry"
	"github.com/relaybot/router/internal/routesource"
	"github.com/relaybot/router/internal/scope"
)

// recordingSink collects flushed audit batches for inspection.
type recordingSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (s *recordingSink) Write(_ context.Context, batch []audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, batch...)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) byDecision(d audit.Decision) []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Record
	for _, r := range s.recs {
		if r.Decision == d {
			out = append(out, r)
		}
	}
	return out
}

func (s *recordingSink) count(d audit.Decision) int {
	return len(s.byDecision(d))
}

// scriptedAdapter is an in-memory module endpoint with programmable
// behavior per call.
type scriptedAdapter struct {
	delay time.Duration
	fn    func(call int64, req *event.ExecuteRequest) (*event.ExecuteResponse, error)

	calls atomic.Int64
	mu    sync.Mutex
	reqs  []*event.ExecuteRequest
}

func (a *scriptedAdapter) Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	n := a.calls.Add(1)
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	a.mu.Unlock()
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrAdapterTimeout, ctx.Err())
		}
	}
	if a.fn != nil {
		return a.fn(n, req)
	}
	return &event.ExecuteResponse{Success: true, Message: "12°C"}, nil
}

func (a *scriptedAdapter) Health() adapter.HealthStatus {
	return adapter.HealthStatus{Status: adapter.StatusHealthy}
}

func (a *scriptedAdapter) request(i int) *event.ExecuteRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reqs[i]
}

// recordingOutbound is an egress port that records deliveries and can
// be scripted to fail.
type recordingOutbound struct {
	err error

	attempts   atomic.Int64
	mu         sync.Mutex
	deliveries []*egress.Delivery
}

func (o *recordingOutbound) Send(_ context.Context, d *egress.Delivery) error {
	o.attempts.Add(1)
	if o.err != nil {
		return o.err
	}
	o.mu.Lock()
	o.deliveries = append(o.deliveries, d)
	o.mu.Unlock()
	return nil
}

func (o *recordingOutbound) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.deliveries)
}

func (o *recordingOutbound) delivery(i int) *egress.Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deliveries[i]
}

// gatedSink blocks inside Write until released, signalling entry so a
// test can park the flush goroutine mid-write.
type gatedSink struct {
	recordingSink
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSink) Write(ctx context.Context, batch []audit.Record) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.recordingSink.Write(ctx, batch)
}

// routerConfig is the set of knobs a scenario tweaks before building.
type routerConfig struct {
	community config.CommunityConfig
	adapters  map[string]*scriptedAdapter
	retries   int
	breaker   config.BreakerConfig
	classes   map[string]config.RateClassConfig
	engine    config.EngineConfig
	egress    config.EgressConfig
	issuer    *scope.Issuer
	verifier  *scope.Verifier
	auditOpts audit.Options
	auditSink audit.Sink
}

func defaultRouterConfig() routerConfig {
	return routerConfig{
		community: weatherCommunity(),
		adapters:  map[string]*scriptedAdapter{"weather_module": {}},
		breaker:   config.BreakerConfig{Threshold: 5, Window: time.Minute, Cooldown: time.Minute},
		classes: map[string]config.RateClassConfig{
			"standard": {Rate: 100, Period: time.Minute, Burst: 100},
		},
		engine: config.EngineConfig{Workers: 4, MaxInflight: 64, DefaultDeadline: 5 * time.Second},
		egress: config.EgressConfig{RetryBackoff: time.Millisecond},
	}
}

func weatherCommunity() config.CommunityConfig {
	return config.CommunityConfig{
		ID:   "c1",
		Name: "Community One",
		Routes: []config.RouteConfig{{
			ID:             "weather",
			Command:        "!weather",
			Module:         "weather_module",
			RequiredScopes: []string{"community.read"},
			RateClass:      "standard",
		}},
		Grants: []config.GrantConfig{{Module: "weather_module", Scopes: []string{"community.read"}}},
	}
}

type testRouter struct {
	engine  *Engine
	writer  *audit.Writer
	sink    *recordingSink
	store   *ratelimit.MemoryStore
	twitch  *recordingOutbound
	discord *recordingOutbound

	drainOnce sync.Once
}

func buildRouter(t *testing.T, rc routerConfig) *testRouter {
	t.Helper()

	sink := &recordingSink{}
	var auditSink audit.Sink = sink
	if rc.auditSink != nil {
		auditSink = rc.auditSink
	}
	writer := audit.NewWriter(auditSink, rc.auditOpts)

	res := resolver.New(routesource.NewStatic([]config.CommunityConfig{rc.community}), 16)
	store := ratelimit.NewMemoryStore()
	limiter := ratelimit.New(config.RateLimitConfig{Classes: rc.classes}, store, nil)
	cache := respcache.New(256, 0, nil)

	mgr := breaker.NewManager(rc.breaker, nil, nil)
	disp := dispatch.New(mgr, rc.issuer, nil)
	for name, a := range rc.adapters {
		disp.Register(&dispatch.Module{
			Name:    name,
			Variant: "inprocess",
			Adapter: a,
			Retry:   retry.NewPolicy(rc.retries, time.Millisecond, 4*time.Millisecond),
		})
	}

	fanout, err := egress.NewFanout(rc.egress, nil)
	if err != nil {
		t.Fatalf("build fanout: %v", err)
	}
	twitch := &recordingOutbound{}
	discord := &recordingOutbound{}
	fanout.Register("twitch", "twitch", twitch)
	fanout.Register("discord", "discord", discord)

	eng := New(rc.engine, rc.egress, Deps{
		Resolver:   res,
		Gate:       scope.NewGate(rc.verifier),
		Limiter:    limiter,
		Cache:      cache,
		Dispatcher: disp,
		Fanout:     fanout,
		Audit:      writer,
	})

	tr := &testRouter{
		engine:  eng,
		writer:  writer,
		sink:    sink,
		store:   store,
		twitch:  twitch,
		discord: discord,
	}
	t.Cleanup(func() { tr.drain(t) })
	return tr
}

// drain flushes every buffered audit record into the sink.
func (tr *testRouter) drain(t *testing.T) {
	t.Helper()
	tr.drainOnce.Do(func() {
		if err := tr.writer.Close(); err != nil {
			t.Fatalf("close audit writer: %v", err)
		}
	})
}

func commandEvent(id, text string) *event.Event {
	return &event.Event{
		ID:            id,
		CommunityID:   "c1",
		Platform:      "twitch",
		EntityID:      "chan-1",
		User:          event.User{ID: "u1", Username: "viewer"},
		Kind:          event.KindCommand,
		Text:          text,
		Timestamp:     time.Now().UTC(),
		CorrelationID: "corr-" + id,
	}
}

func requireDecisions(t *testing.T, sink *recordingSink, want map[audit.Decision]int) {
	t.Helper()
	for d, n := range want {
		if got := sink.count(d); got != n {
			t.Errorf("expected %d %q records, got %d", n, d, got)
		}
	}
}

func TestHappyPathCommand(t *testing.T) {
	rc := defaultRouterConfig()
	weather := &scriptedAdapter{fn: func(_ int64, _ *event.ExecuteRequest) (*event.ExecuteResponse, error) {
		return &event.ExecuteResponse{
			Success: true,
			Message: "12°C",
			Targets: []event.Target{{Type: "twitch"}},
		}, nil
	}}
	rc.adapters = map[string]*scriptedAdapter{"weather_module": weather}
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather London")); err != nil {
		t.Fatalf("process: %v", err)
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 1 {
		t.Fatalf("expected 1 adapter call, got %d", got)
	}
	req := weather.request(0)
	if req.Trigger.Command != "!weather" {
		t.Errorf("expected trigger command !weather, got %q", req.Trigger.Command)
	}
	if req.Trigger.ContextText != "London" {
		t.Errorf("expected context text London, got %q", req.Trigger.ContextText)
	}

	if got := tr.twitch.count(); got != 1 {
		t.Fatalf("expected 1 twitch delivery, got %d", got)
	}
	d := tr.twitch.delivery(0)
	if d.Message != "12°C" {
		t.Errorf("expected message 12°C, got %q", d.Message)
	}
	if d.Entity != "chan-1" {
		t.Errorf("expected delivery to origin entity chan-1, got %q", d.Entity)
	}

	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionRouted:       1,
		audit.DecisionDispatched:   1,
		audit.DecisionEgressResult: 1,
		audit.DecisionCompleted:    1,
		audit.DecisionPartial:      0,
	})
	eg := tr.sink.byDecision(audit.DecisionEgressResult)[0]
	if eg.Target != "twitch" || eg.Outcome != egress.OutcomeOK {
		t.Errorf("expected egress-result twitch/ok, got %s/%s", eg.Target, eg.Outcome)
	}
	disp := tr.sink.byDecision(audit.DecisionDispatched)[0]
	if disp.RequestID == "" {
		t.Error("expected dispatched record to carry a request id")
	}
	if disp.Outcome != "ok" {
		t.Errorf("expected dispatch outcome ok, got %q", disp.Outcome)
	}
}

func TestScopeDenial(t *testing.T) {
	rc := defaultRouterConfig()
	rc.community.Grants = []config.GrantConfig{{Module: "weather_module", Scopes: []string{"points.read"}}}
	weather := rc.adapters["weather_module"]
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather London")); err != nil {
		t.Fatalf("process: %v", err)
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 0 {
		t.Fatalf("expected no adapter calls, got %d", got)
	}
	if got := tr.twitch.count(); got != 0 {
		t.Fatalf("expected no deliveries, got %d", got)
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionDeniedPerm: 1,
		audit.DecisionDispatched: 0,
		audit.DecisionCompleted:  1,
	})
	denial := tr.sink.byDecision(audit.DecisionDeniedPerm)[0]
	if !strings.Contains(denial.Detail, "community.read") {
		t.Errorf("expected denial detail to name the missing scope, got %q", denial.Detail)
	}
	if denial.Outcome != "permission-denied" {
		t.Errorf("expected outcome permission-denied, got %q", denial.Outcome)
	}
}

func TestRateLimitTrip(t *testing.T) {
	rc := defaultRouterConfig()
	rc.classes = map[string]config.RateClassConfig{
		"standard": {Rate: 1, Period: time.Hour, Burst: 1},
	}
	weather := rc.adapters["weather_module"]
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather London")); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := tr.engine.Process(context.Background(), commandEvent("ev-2", "!weather London")); err != nil {
		t.Fatalf("second event: %v", err)
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 1 {
		t.Fatalf("expected 1 adapter call, got %d", got)
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionDeniedRate: 1,
		audit.DecisionDispatched: 1,
		audit.DecisionCompleted:  2,
	})
	denial := tr.sink.byDecision(audit.DecisionDeniedRate)[0]
	if want := ratelimit.ModuleBucketKey("c1", "weather_module"); denial.Detail != want {
		t.Errorf("expected tripping bucket %q, got %q", want, denial.Detail)
	}
}

func TestSingleFlightCoalescing(t *testing.T) {
	rc := defaultRouterConfig()
	rc.community.Routes[0].Cache = config.CachePolicyConfig{TTL: 30 * time.Second}
	rc.classes = map[string]config.RateClassConfig{
		"standard": {Rate: 20, Period: time.Hour, Burst: 20},
	}
	weather := &scriptedAdapter{delay: 50 * time.Millisecond}
	rc.adapters = map[string]*scriptedAdapter{"weather_module": weather}
	tr := buildRouter(t, rc)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = tr.engine.Process(context.Background(), commandEvent(fmt.Sprintf("ev-%d", i), "!weather London"))
		}()
	}
	close(start)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 adapter execution, got %d", got)
	}
	if got := tr.twitch.count(); got != 10 {
		t.Fatalf("expected 10 deliveries, got %d", got)
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionDispatched: 1,
		audit.DecisionCacheHit:   9,
		audit.DecisionCompleted:  10,
	})
	for _, hit := range tr.sink.byDecision(audit.DecisionCacheHit) {
		if hit.Detail != "in-flight" {
			t.Errorf("expected cache-hit detail in-flight, got %q", hit.Detail)
		}
	}

	// Coalesced callers still pay their own rate tokens.
	userBucket := ratelimit.Bucket{
		Key:   ratelimit.UserBucketKey("c1", "u1"),
		Rate:  20.0 / time.Hour.Seconds(),
		Burst: 20,
	}
	if tokens := tr.store.Tokens(userBucket); tokens < 9.5 || tokens > 10.5 {
		t.Errorf("expected ~10 tokens left in the user bucket, got %.2f", tokens)
	}
}

func TestCircuitOpen(t *testing.T) {
	rc := defaultRouterConfig()
	rc.breaker = config.BreakerConfig{
		Threshold:      5,
		Window:         time.Minute,
		Cooldown:       40 * time.Millisecond,
		HalfOpenTrials: 1,
	}
	weather := &scriptedAdapter{fn: func(call int64, _ *event.ExecuteRequest) (*event.ExecuteResponse, error) {
		if call <= 5 {
			return nil, errors.ErrAdapterServer.WithDetail("backend down")
		}
		return &event.ExecuteResponse{Success: true, Message: "recovered"}, nil
	}}
	rc.adapters = map[string]*scriptedAdapter{"weather_module": weather}
	tr := buildRouter(t, rc)

	for i := 1; i <= 5; i++ {
		if err := tr.engine.Process(context.Background(), commandEvent(fmt.Sprintf("ev-%d", i), "!weather London")); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	if got := weather.calls.Load(); got != 5 {
		t.Fatalf("expected 5 adapter calls before the trip, got %d", got)
	}

	// Sixth call is short-circuited without reaching the adapter.
	if err := tr.engine.Process(context.Background(), commandEvent("ev-6", "!weather London")); err != nil {
		t.Fatalf("sixth event: %v", err)
	}
	if got := weather.calls.Load(); got != 5 {
		t.Fatalf("expected the open circuit to block the adapter, got %d calls", got)
	}

	time.Sleep(60 * time.Millisecond)
	if err := tr.engine.Process(context.Background(), commandEvent("ev-7", "!weather London")); err != nil {
		t.Fatalf("seventh event: %v", err)
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 6 {
		t.Fatalf("expected the half-open trial to reach the adapter, got %d calls", got)
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionFailed:     6,
		audit.DecisionDispatched: 1,
	})
	var circuitOpen int
	for _, rec := range tr.sink.byDecision(audit.DecisionFailed) {
		if rec.Outcome == "circuit-open" {
			circuitOpen++
		}
	}
	if circuitOpen != 1 {
		t.Errorf("expected 1 circuit-open failure, got %d", circuitOpen)
	}
}

func TestMultiTargetPartialFailure(t *testing.T) {
	rc := defaultRouterConfig()
	weather := &scriptedAdapter{fn: func(_ int64, _ *event.ExecuteRequest) (*event.ExecuteResponse, error) {
		return &event.ExecuteResponse{
			Success: true,
			Message: "12°C",
			Targets: []event.Target{{Type: "discord"}, {Type: "twitch"}},
		}, nil
	}}
	rc.adapters = map[string]*scriptedAdapter{"weather_module": weather}
	tr := buildRouter(t, rc)
	tr.discord.err = errors.ErrAdapterClient.WithDetail("guild rejected the message")

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather London")); err != nil {
		t.Fatalf("process: %v", err)
	}
	tr.drain(t)

	if got := tr.discord.attempts.Load(); got != 1 {
		t.Errorf("expected 1 discord attempt, got %d", got)
	}
	if got := tr.twitch.count(); got != 1 {
		t.Errorf("expected 1 twitch delivery, got %d", got)
	}

	results := tr.sink.byDecision(audit.DecisionEgressResult)
	if len(results) != 2 {
		t.Fatalf("expected 2 egress-result records, got %d", len(results))
	}
	outcomes := map[string]string{}
	for _, rec := range results {
		outcomes[rec.Target] = rec.Outcome
	}
	if outcomes["discord"] != egress.OutcomeFailed {
		t.Errorf("expected discord failed, got %q", outcomes["discord"])
	}
	if outcomes["twitch"] != egress.OutcomeOK {
		t.Errorf("expected twitch ok, got %q", outcomes["twitch"])
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionPartial:   1,
		audit.DecisionCompleted: 0,
	})
}

func TestDeadlineExceeded(t *testing.T) {
	rc := defaultRouterConfig()
	rc.engine.DefaultDeadline = 250 * time.Millisecond
	rc.retries = 2
	fast := &scriptedAdapter{delay: 20 * time.Millisecond}
	slow := &scriptedAdapter{delay: 5 * time.Second}
	rc.adapters = map[string]*scriptedAdapter{"fast_module": fast, "slow_module": slow}
	rc.community = config.CommunityConfig{
		ID:   "c1",
		Name: "Community One",
		Routes: []config.RouteConfig{
			{ID: "fast", Command: "!both", Module: "fast_module"},
			{ID: "slow", Command: "!both", Module: "slow_module"},
		},
	}
	tr := buildRouter(t, rc)

	started := time.Now()
	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!both now")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 1500*time.Millisecond {
		t.Fatalf("expected the deadline to bound processing, took %v", elapsed)
	}
	tr.drain(t)

	if got := fast.calls.Load(); got != 1 {
		t.Errorf("expected 1 fast adapter call, got %d", got)
	}
	// The slow route is cancelled at the deadline and never retried.
	if got := slow.calls.Load(); got != 1 {
		t.Errorf("expected 1 slow adapter call, got %d", got)
	}

	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionDispatched: 1,
		audit.DecisionDeadline:   1,
		audit.DecisionPartial:    1,
	})
	if rec := tr.sink.byDecision(audit.DecisionDispatched)[0]; rec.RouteID != "fast" {
		t.Errorf("expected the fast route to dispatch, got %q", rec.RouteID)
	}
	if rec := tr.sink.byDecision(audit.DecisionDeadline)[0]; rec.RouteID != "slow" {
		t.Errorf("expected the slow route to hit the deadline, got %q", rec.RouteID)
	}
}

func TestOrderedRoutesRunSequentially(t *testing.T) {
	var mu sync.Mutex
	var trace []string
	mark := func(step string) {
		mu.Lock()
		trace = append(trace, step)
		mu.Unlock()
	}
	mk := func(name string) *scriptedAdapter {
		return &scriptedAdapter{fn: func(_ int64, _ *event.ExecuteRequest) (*event.ExecuteResponse, error) {
			mark(name + "-start")
			time.Sleep(30 * time.Millisecond)
			mark(name + "-end")
			return &event.ExecuteResponse{Success: true, Message: name}, nil
		}}
	}

	rc := defaultRouterConfig()
	rc.adapters = map[string]*scriptedAdapter{"first_module": mk("first"), "second_module": mk("second")}
	rc.community = config.CommunityConfig{
		ID:   "c1",
		Name: "Community One",
		Routes: []config.RouteConfig{
			{ID: "one", Command: "!chain", Module: "first_module", Ordered: true},
			{ID: "two", Command: "!chain", Module: "second_module", Ordered: true},
		},
	}
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!chain go")); err != nil {
		t.Fatalf("process: %v", err)
	}
	tr.drain(t)

	want := []string{"first-start", "first-end", "second-start", "second-end"}
	mu.Lock()
	defer mu.Unlock()
	if len(trace) != len(want) {
		t.Fatalf("expected %d trace steps, got %v", len(want), trace)
	}
	for i, step := range want {
		if trace[i] != step {
			t.Fatalf("expected ordered execution %v, got %v", want, trace)
		}
	}
}

func TestSubmitBackpressure(t *testing.T) {
	rc := defaultRouterConfig()
	rc.engine = config.EngineConfig{Workers: 1, MaxInflight: 1, DefaultDeadline: 5 * time.Second}
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	blocked := &scriptedAdapter{fn: func(_ int64, _ *event.ExecuteRequest) (*event.ExecuteResponse, error) {
		started <- struct{}{}
		<-release
		return &event.ExecuteResponse{Success: true, Message: "done"}, nil
	}}
	rc.adapters = map[string]*scriptedAdapter{"weather_module": blocked}
	tr := buildRouter(t, rc)
	tr.engine.Start()

	if err := tr.engine.Submit(commandEvent("ev-1", "!weather a")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started
	if err := tr.engine.Submit(commandEvent("ev-2", "!weather b")); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	err := tr.engine.Submit(commandEvent("ev-3", "!weather c"))
	if !stderrors.Is(err, errors.ErrBackpressure) {
		t.Fatalf("expected backpressure, got %v", err)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.engine.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	tr.drain(t)

	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionCompleted: 2,
	})
	if got := tr.engine.Stats().Refused; got != 1 {
		t.Errorf("expected 1 refused submit, got %d", got)
	}

	// Intake stays closed after shutdown.
	if err := tr.engine.Submit(commandEvent("ev-4", "!weather d")); !stderrors.Is(err, errors.ErrBackpressure) {
		t.Errorf("expected backpressure after shutdown, got %v", err)
	}
}

func TestAuditReservationRefusesEvent(t *testing.T) {
	rc := defaultRouterConfig()
	rc.auditOpts = audit.Options{QueueSize: 1, BatchSize: 1, FlushInterval: time.Hour}
	gate := &gatedSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	rc.auditSink = gate
	weather := rc.adapters["weather_module"]
	tr := buildRouter(t, rc)
	var release sync.Once
	t.Cleanup(func() { release.Do(func() { close(gate.release) }) })

	// The first record is pulled into a flush that parks inside the
	// sink; the second then occupies the only queue slot.
	if err := tr.writer.Append(audit.Record{EventID: "filler-1", Decision: audit.DecisionRouted}); err != nil {
		t.Fatalf("first filler: %v", err)
	}
	<-gate.entered
	if err := tr.writer.Append(audit.Record{EventID: "filler-2", Decision: audit.DecisionRouted}); err != nil {
		t.Fatalf("second filler: %v", err)
	}

	err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather London"))
	if !stderrors.Is(err, errors.ErrAuditUnavailable) {
		t.Fatalf("expected audit-unavailable, got %v", err)
	}
	if got := weather.calls.Load(); got != 0 {
		t.Errorf("expected no adapter calls on refusal, got %d", got)
	}
	if got := tr.twitch.count(); got != 0 {
		t.Errorf("expected no deliveries on refusal, got %d", got)
	}
}

func TestUnknownCommunityAborts(t *testing.T) {
	rc := defaultRouterConfig()
	weather := rc.adapters["weather_module"]
	tr := buildRouter(t, rc)

	ev := commandEvent("ev-1", "!weather London")
	ev.CommunityID = "ghost"
	err := tr.engine.Process(context.Background(), ev)
	if !stderrors.Is(err, errors.ErrUnknownCommunity) {
		t.Fatalf("expected unknown-community, got %v", err)
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 0 {
		t.Errorf("expected no adapter calls, got %d", got)
	}
	failed := tr.sink.byDecision(audit.DecisionFailedEvent)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed-event record, got %d", len(failed))
	}
	if failed[0].Outcome != "unknown-community" {
		t.Errorf("expected outcome unknown-community, got %q", failed[0].Outcome)
	}
}

func TestNoRouteTerminatesCleanly(t *testing.T) {
	rc := defaultRouterConfig()
	weather := rc.adapters["weather_module"]
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!nosuch thing")); err != nil {
		t.Fatalf("process: %v", err)
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 0 {
		t.Errorf("expected no adapter calls, got %d", got)
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionNoRoute:   1,
		audit.DecisionRouted:    0,
		audit.DecisionCompleted: 0,
	})
}

func TestConditionGuardDropsSilently(t *testing.T) {
	rc := defaultRouterConfig()
	rc.community.Routes[0].Condition = `platform == "discord"`
	rc.community.Routes[0].RequiredScopes = nil
	weather := rc.adapters["weather_module"]
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather London")); err != nil {
		t.Fatalf("twitch event: %v", err)
	}
	if got := weather.calls.Load(); got != 0 {
		t.Fatalf("expected the guard to drop the twitch event, got %d calls", got)
	}

	ev := commandEvent("ev-2", "!weather London")
	ev.Platform = "discord"
	if err := tr.engine.Process(context.Background(), ev); err != nil {
		t.Fatalf("discord event: %v", err)
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 1 {
		t.Fatalf("expected 1 adapter call for the discord event, got %d", got)
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionDispatched: 1,
		audit.DecisionDeniedPerm: 0,
		audit.DecisionCompleted:  2,
	})
}

func TestEnvelopeGrantIsAuthoritative(t *testing.T) {
	secret := "envelope-secret"
	issuer := scope.NewIssuer(secret, "admin-plane", time.Minute)
	verifier, err := scope.NewVerifier(context.Background(), scope.VerifierOptions{
		Secret: secret,
		Issuer: "admin-plane",
	})
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}
	env, err := issuer.Mint("c1", "weather_module", []string{"community.write"})
	if err != nil {
		t.Fatalf("mint envelope: %v", err)
	}

	rc := defaultRouterConfig()
	rc.verifier = verifier
	// The plain scopes would satisfy anything; the signed envelope wins.
	rc.community.Grants = []config.GrantConfig{{
		Module:   "weather_module",
		Scopes:   []string{"*"},
		Envelope: env,
	}}
	weather := rc.adapters["weather_module"]
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather London")); err != nil {
		t.Fatalf("process: %v", err)
	}
	tr.drain(t)

	if got := weather.calls.Load(); got != 0 {
		t.Fatalf("expected no adapter calls, got %d", got)
	}
	denials := tr.sink.byDecision(audit.DecisionDeniedPerm)
	if len(denials) != 1 {
		t.Fatalf("expected 1 denial, got %d", len(denials))
	}
	if !strings.Contains(denials[0].Detail, "community.read") {
		t.Errorf("expected denial to name the missing scope, got %q", denials[0].Detail)
	}
}

func TestSurfaceErrorsSendsFailureMessage(t *testing.T) {
	rc := defaultRouterConfig()
	rc.community.Routes[0].SurfaceErrors = true
	weather := &scriptedAdapter{fn: func(_ int64, _ *event.ExecuteRequest) (*event.ExecuteResponse, error) {
		return nil, errors.ErrAdapterServer.WithDetail("boom")
	}}
	rc.adapters = map[string]*scriptedAdapter{"weather_module": weather}
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather London")); err != nil {
		t.Fatalf("process: %v", err)
	}
	tr.drain(t)

	if got := tr.twitch.count(); got != 1 {
		t.Fatalf("expected the failure message to reach twitch, got %d deliveries", got)
	}
	msg := tr.twitch.delivery(0).Message
	if !strings.HasPrefix(msg, "!weather failed:") {
		t.Errorf("expected rendered failure message, got %q", msg)
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionFailed:       1,
		audit.DecisionEgressResult: 1,
		audit.DecisionPartial:      1,
	})
}

func TestModuleFailureStaysOffChatByDefault(t *testing.T) {
	rc := defaultRouterConfig()
	weather := &scriptedAdapter{fn: func(_ int64, _ *event.ExecuteRequest) (*event.ExecuteResponse, error) {
		return &event.ExecuteResponse{Success: false, Error: "no data for that city"}, nil
	}}
	rc.adapters = map[string]*scriptedAdapter{"weather_module": weather}
	tr := buildRouter(t, rc)

	if err := tr.engine.Process(context.Background(), commandEvent("ev-1", "!weather Atlantis")); err != nil {
		t.Fatalf("process: %v", err)
	}
	tr.drain(t)

	if got := tr.twitch.count(); got != 0 {
		t.Fatalf("expected no deliveries, got %d", got)
	}
	disp := tr.sink.byDecision(audit.DecisionDispatched)
	if len(disp) != 1 {
		t.Fatalf("expected 1 dispatched record, got %d", len(disp))
	}
	if disp[0].Outcome != "module-error" {
		t.Errorf("expected outcome module-error, got %q", disp[0].Outcome)
	}
	requireDecisions(t, tr.sink, map[audit.Decision]int{
		audit.DecisionPartial: 1,
	})
}
