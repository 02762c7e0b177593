// Package egress fans one module response out to its delivery targets.
// Each target resolves through the community's bindings to an outbound
// port; ports are paced, breakered, and retried independently so one
// slow platform never drags the others down.
package egress

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
	"github.com/relaybot/router/internal/resolver"
	"github.com/relaybot/router/internal/retry"
	"github.com/relaybot/router/internal/tmplutil"
)

// Per-target outcomes recorded in egress-result audits.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

const defaultFailureTemplate = `{{ .Command }} failed: {{ .Error }}`

// Delivery is what an outbound port receives: the response plus enough
// routing identity that the platform side needs no second lookup.
type Delivery struct {
	EventID       string                 `json:"event_id"`
	CorrelationID string                 `json:"correlation_id"`
	RequestID     string                 `json:"request_id"`
	Community     string                 `json:"community"`
	RouteID       string                 `json:"route_id,omitempty"`
	Platform      string                 `json:"platform"`
	Entity        string                 `json:"entity,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Response      *event.ExecuteResponse `json:"response"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Outbound is one delivery port. Bridges translate a Delivery into a
// wire format; the per-network adapters live behind them.
type Outbound interface {
	Send(ctx context.Context, d *Delivery) error
}

// Request carries everything the engine resolved for one fan-out.
type Request struct {
	Event     *event.Event
	Community *resolver.Community
	Route     *resolver.Route
	Command   string
	RequestID string
	Response  *event.ExecuteResponse
}

// TargetResult is one target's final status. Err is set when Outcome
// is failed.
type TargetResult struct {
	Platform string
	Binding  string
	Entity   string
	Outcome  string
	Err      error
	Duration time.Duration
}

// binding wraps one outbound port with its guards. The breaker sees one
// observation per delivery, after the retry budget is spent.
type binding struct {
	name     string
	platform string
	kind     string
	out      Outbound
	breaker  *gobreaker.CircuitBreaker[struct{}]
	pace     *rate.Limiter
	retry    *retry.Policy
	timeout  time.Duration

	sends    atomic.Int64
	failures atomic.Int64
}

// Fanout resolves targets to bindings and runs deliveries in parallel.
type Fanout struct {
	bindings     map[string]*binding
	byPlatform   map[string]*binding
	failureTmpl  *template.Template
	maxRetries   int
	retryBackoff time.Duration
	metrics      *metrics.Metrics
}

// NewFanout builds the delivery plane from config. Binding names must
// be unique; a webhook binding needs a URL, an AMQP binding a broker.
func NewFanout(cfg config.EgressConfig, m *metrics.Metrics) (*Fanout, error) {
	if m == nil {
		m = metrics.NewNop()
	}
	text := cfg.FailureTemplate
	if text == "" {
		text = defaultFailureTemplate
	}
	tmpl, err := template.New("failure").Funcs(tmplutil.FuncMap()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("egress: parse failure template: %w", err)
	}

	f := &Fanout{
		bindings:     make(map[string]*binding, len(cfg.Bindings)),
		byPlatform:   make(map[string]*binding),
		failureTmpl:  tmpl,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		metrics:      m,
	}
	for _, oc := range cfg.Bindings {
		if oc.Name == "" {
			return nil, fmt.Errorf("egress: binding name is required")
		}
		if _, dup := f.bindings[oc.Name]; dup {
			return nil, fmt.Errorf("egress: binding %s declared twice", oc.Name)
		}
		var out Outbound
		switch oc.Type {
		case "webhook", "":
			out, err = newWebhookBridge(oc)
		case "amqp":
			out, err = newAMQPBridge(oc)
		default:
			return nil, fmt.Errorf("egress: binding %s: unknown type %q", oc.Name, oc.Type)
		}
		if err != nil {
			return nil, err
		}
		f.add(oc, out)
	}
	return f, nil
}

// Register adds a binding with an already-built port. Config-declared
// bindings go through NewFanout; embedders with custom ports use this.
func (f *Fanout) Register(name, platform string, out Outbound) {
	f.add(config.OutboundConfig{Name: name, Platform: platform, Type: "custom"}, out)
}

func (f *Fanout) add(oc config.OutboundConfig, out Outbound) {
	kind := oc.Type
	if kind == "" {
		kind = "webhook"
	}
	timeout := oc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b := &binding{
		name:     oc.Name,
		platform: oc.Platform,
		kind:     kind,
		out:      out,
		breaker:  f.newBreaker(oc),
		retry:    retry.NewPolicy(f.maxRetries, f.retryBackoff, 4*f.retryBackoff),
		timeout:  timeout,
	}
	if oc.Pace.Rate > 0 {
		period := oc.Pace.Period
		if period <= 0 {
			period = time.Second
		}
		burst := oc.Pace.Burst
		if burst <= 0 {
			burst = 1
		}
		b.pace = rate.NewLimiter(rate.Limit(float64(oc.Pace.Rate)/period.Seconds()), burst)
	}
	f.bindings[b.name] = b
	if b.platform != "" {
		if _, taken := f.byPlatform[b.platform]; !taken {
			f.byPlatform[b.platform] = b
		}
	}
}

func (f *Fanout) newBreaker(oc config.OutboundConfig) *gobreaker.CircuitBreaker[struct{}] {
	bc := config.BreakerConfig{}
	if oc.Breaker != nil {
		bc = *oc.Breaker
	}
	threshold := uint32(5)
	if bc.Threshold > 0 {
		threshold = uint32(bc.Threshold)
	}
	window := bc.Window
	if window <= 0 {
		window = 30 * time.Second
	}
	cooldown := bc.Cooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	trials := uint32(1)
	if bc.HalfOpenTrials > 0 {
		trials = uint32(bc.HalfOpenTrials)
	}
	m := f.metrics
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        oc.Name,
		MaxRequests: trials,
		Interval:    window,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A platform answering 4xx is up, just unhappy; only
			// infrastructure-shaped failures count against the circuit.
			return err == nil || !infrastructureFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			// gobreaker's state order matches the gauge convention
			// (0 closed, 1 half-open, 2 open).
			m.RecordBreakerState("egress:"+name, float64(to))
			if to == gobreaker.StateOpen {
				m.BreakerTrips.WithLabelValues("egress:" + name).Inc()
			}
			logging.Warn("egress breaker transition",
				zap.String("binding", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// Deliver resolves the request's targets and sends to each in parallel.
// Results come back in target order; a failed target never cancels the
// others.
func (f *Fanout) Deliver(ctx context.Context, req *Request) []TargetResult {
	targets := resolveTargets(req)
	if len(targets) == 0 {
		return nil
	}
	msg := f.message(req)

	results := make([]TargetResult, len(targets))
	g := new(errgroup.Group)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = f.deliverOne(ctx, req, t, msg)
			return nil
		})
	}
	g.Wait()
	return results
}

func (f *Fanout) deliverOne(ctx context.Context, req *Request, t event.Target, msg string) TargetResult {
	res := TargetResult{Platform: t.Type, Entity: t.Entity}

	b := f.bindingFor(req.Community, t.Type)
	if b == nil {
		res.Outcome = OutcomeFailed
		res.Err = errors.ErrUnknownFunction.WithDetailf("no outbound binding for platform %q", t.Type)
		f.metrics.RecordEgress(t.Type, res.Outcome, 0)
		return res
	}
	res.Binding = b.name

	entity := t.Entity
	if entity == "" && req.Event != nil && req.Event.Platform == t.Type {
		entity = req.Event.EntityID
	}
	res.Entity = entity

	d := &Delivery{
		EventID:       req.Event.ID,
		CorrelationID: req.Event.CorrelationID,
		RequestID:     req.RequestID,
		Community:     req.Community.ID,
		Platform:      t.Type,
		Entity:        entity,
		Message:       msg,
		Response:      req.Response,
		Timestamp:     time.Now().UTC(),
	}
	if req.Route != nil {
		d.RouteID = req.Route.ID
	}

	start := time.Now()
	err := b.send(ctx, d)
	res.Duration = time.Since(start)
	b.sends.Add(1)

	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		b.failures.Add(1)
		logging.Warn("egress delivery failed",
			zap.String("binding", b.name), zap.String("platform", t.Type),
			zap.String("event_id", req.Event.ID), zap.Error(err))
	} else {
		res.Outcome = OutcomeOK
	}
	f.metrics.RecordEgress(b.name, res.Outcome, res.Duration.Seconds())
	return res
}

func (b *binding) send(ctx context.Context, d *Delivery) error {
	if b.pace != nil {
		if err := b.pace.Wait(ctx); err != nil {
			return errors.Wrap(errors.ErrDeadlineExceeded, err)
		}
	}
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.retry.Do(ctx, func(ctx context.Context) error {
			sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()
			return b.out.Send(sendCtx, d)
		})
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.ErrCircuitOpen.WithDetail(b.name)
	}
	return err
}

// bindingFor resolves a platform through the community's target map
// first, then falls back to a binding named or declared for the
// platform itself.
func (f *Fanout) bindingFor(c *resolver.Community, platform string) *binding {
	if c != nil {
		if name, ok := c.Targets[platform]; ok {
			if b, ok := f.bindings[name]; ok {
				return b
			}
		}
	}
	if b, ok := f.bindings[platform]; ok {
		return b
	}
	return f.byPlatform[platform]
}

// resolveTargets picks the response's own target list, then the route's
// static fallback, then the platform the event arrived on.
func resolveTargets(req *Request) []event.Target {
	if req.Response != nil && len(req.Response.Targets) > 0 {
		return req.Response.Targets
	}
	if req.Route != nil && len(req.Route.Targets) > 0 {
		ts := make([]event.Target, len(req.Route.Targets))
		for i, p := range req.Route.Targets {
			ts[i] = event.Target{Type: p}
		}
		return ts
	}
	if req.Event != nil && req.Event.Platform != "" {
		return []event.Target{{Type: req.Event.Platform}}
	}
	return nil
}

// message picks the user-visible text: the module's own message on
// success, the rendered failure template otherwise.
func (f *Fanout) message(req *Request) string {
	if req.Response == nil {
		return ""
	}
	if req.Response.Success {
		return req.Response.Message
	}
	var buf bytes.Buffer
	data := struct {
		Command   string
		Error     string
		Community string
		Platform  string
	}{
		Command:   req.Command,
		Error:     req.Response.Error,
		Community: req.Community.Name,
		Platform:  req.Event.Platform,
	}
	if err := f.failureTmpl.Execute(&buf, data); err != nil {
		logging.Warn("failure template render failed", zap.Error(err))
		return req.Response.Error
	}
	return buf.String()
}

// infrastructureFailure mirrors the dispatch breaker's accounting: only
// transport-shaped trouble is evidence the binding is down.
func infrastructureFailure(err error) bool {
	if errors.IsRetryable(err) {
		return true
	}
	return stderrors.Is(err, errors.ErrDeadlineExceeded)
}

// Close shuts down bridges that hold connections.
func (f *Fanout) Close() error {
	var firstErr error
	for _, b := range f.bindings {
		if c, ok := b.out.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BindingSnapshot is a point-in-time view of one binding, shaped for
// the admin stats surface.
type BindingSnapshot struct {
	Name     string `json:"name"`
	Platform string `json:"platform,omitempty"`
	Type     string `json:"type"`
	Sends    int64  `json:"sends"`
	Failures int64  `json:"failures"`
	Breaker  string `json:"breaker"`
}

// Stats returns all binding snapshots, sorted by name.
func (f *Fanout) Stats() []BindingSnapshot {
	out := make([]BindingSnapshot, 0, len(f.bindings))
	for _, b := range f.bindings {
		out = append(out, BindingSnapshot{
			Name:     b.name,
			Platform: b.platform,
			Type:     b.kind,
			Sends:    b.sends.Load(),
			Failures: b.failures.Load(),
			Breaker:  b.breaker.State().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
