// Package dispatch runs one module call end to end: circuit admission,
// envelope minting, the retry loop, and result classification. The
// engine owns ordering and fan-out; this package owns a single call.
package dispatch

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/router/internal/adapter"
	"github.com/relaybot/router/internal/breaker"
	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
	"github.com/relaybot/router/internal/resolver"
	"github.com/relaybot/router/internal/retry"
	"github.com/relaybot/router/internal/scope"
)

// Module is one registered action module: its adapter, retry policy,
// and the variant tag used in metrics.
type Module struct {
	Name    string
	Variant string
	Adapter adapter.Adapter
	Retry   *retry.Policy
}

// Call carries everything the engine resolved for one route execution.
// Scopes must already be authorized by the gate.
type Call struct {
	Community   *resolver.Community
	Event       *event.Event
	Route       *resolver.Route
	Command     string
	ContextText string
	Args        map[string]any
	Scopes      []string
}

// Result reports one dispatch. Response is never nil: on failure it is
// the synthesized failed-dispatch response egress surfaces when the
// route opts in.
type Result struct {
	Response  *event.ExecuteResponse
	RequestID string
	Attempts  int
	Duration  time.Duration
}

// Dispatcher holds the module table. Registration happens at boot;
// Dispatch is safe for concurrent use afterwards.
type Dispatcher struct {
	modules  map[string]*Module
	breakers *breaker.Manager
	issuer   *scope.Issuer
	metrics  *metrics.Metrics
}

// New builds an empty dispatcher. issuer may be nil when no envelope
// secret is configured; grants then travel as plain scopes.
func New(breakers *breaker.Manager, issuer *scope.Issuer, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		modules:  make(map[string]*Module),
		breakers: breakers,
		issuer:   issuer,
		metrics:  m,
	}
}

// NewFromConfig builds adapters for every declared module and registers
// their breakers and retry policies.
func NewFromConfig(modules []config.ModuleConfig, factory *adapter.Factory, breakers *breaker.Manager, issuer *scope.Issuer, m *metrics.Metrics) (*Dispatcher, error) {
	d := New(breakers, issuer, m)
	for _, mc := range modules {
		if _, dup := d.modules[mc.Name]; dup {
			return nil, errors.ErrAdapterClient.WithDetailf("module %s declared twice", mc.Name)
		}
		a, err := factory.Build(mc)
		if err != nil {
			return nil, err
		}

		maxRetries, initial, maxBackoff := factory.RetrySettings(mc.Adapter)
		pol := retry.NewPolicy(maxRetries, initial, maxBackoff)
		name := mc.Name
		pol.OnRetry = func(attempt int, err error, wait time.Duration) {
			d.metrics.AdapterRetries.WithLabelValues(name).Inc()
			logging.Debug("retrying dispatch",
				zap.String("module", name), zap.Int("attempt", attempt),
				zap.Duration("wait", wait), zap.Error(err))
		}

		if mc.Adapter.Breaker != nil {
			breakers.Register(mc.Name, *mc.Adapter.Breaker)
		} else {
			breakers.For(mc.Name)
		}

		variant := mc.Adapter.Type
		if variant == "" {
			variant = "webhook"
		}
		d.Register(&Module{Name: mc.Name, Variant: variant, Adapter: a, Retry: pol})
	}
	return d, nil
}

// Register adds a module. Not safe concurrently with Dispatch; the
// engine registers everything before taking traffic.
func (d *Dispatcher) Register(mod *Module) {
	d.modules[mod.Name] = mod
}

// Module returns a registered module by name.
func (d *Dispatcher) Module(name string) (*Module, bool) {
	mod, ok := d.modules[name]
	return mod, ok
}

// Health reports every module's adapter health, for the admin surface.
func (d *Dispatcher) Health() map[string]adapter.HealthStatus {
	out := make(map[string]adapter.HealthStatus, len(d.modules))
	for name, mod := range d.modules {
		out[name] = mod.Adapter.Health()
	}
	return out
}

// Dispatch executes one call. The returned error classifies the failure
// for audit; Result is populated either way so egress can surface the
// synthesized failure when the route asks for it.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call) (*Result, error) {
	mod, ok := d.modules[call.Route.Module]
	if !ok {
		err := errors.ErrUnknownFunction.WithDetailf("module %s is not registered", call.Route.Module)
		return &Result{Response: failureResponse(err)}, err
	}

	req, err := d.buildRequest(mod, call)
	if err != nil {
		return &Result{Response: failureResponse(err)}, err
	}
	res := &Result{RequestID: req.RequestID}

	br := d.breakers.For(mod.Name)
	start := time.Now()
	if err := br.Allow(); err != nil {
		res.Response = failureResponse(err)
		d.observe(mod, errors.CodeOf(err), time.Since(start))
		return res, err
	}

	var resp *event.ExecuteResponse
	err = mod.Retry.Do(ctx, func(ctx context.Context) error {
		res.Attempts++
		r, callErr := mod.Adapter.Execute(ctx, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	res.Duration = time.Since(start)

	if err != nil {
		// The whole call counts once against the circuit, however many
		// retries it burned. Only infrastructure-shaped failures count;
		// an adapter answering 4xx is up, just unhappy.
		if breakerCounts(err) {
			br.RecordFailure()
		}
		res.Response = failureResponse(err)
		d.observe(mod, errors.CodeOf(err), res.Duration)
		return res, err
	}

	br.RecordSuccess()
	res.Response = resp
	outcome := "ok"
	if !resp.Success {
		outcome = "module-error"
	}
	d.observe(mod, outcome, res.Duration)
	return res, nil
}

func (d *Dispatcher) observe(mod *Module, outcome string, elapsed time.Duration) {
	d.metrics.RecordDispatch(mod.Name, mod.Variant, outcome, elapsed.Seconds())
}

// buildRequest assembles the wire payload. RequestID is minted here,
// once, so every retry of this call presents the same identifier.
func (d *Dispatcher) buildRequest(mod *Module, call *Call) (*event.ExecuteRequest, error) {
	ev := call.Event
	req := &event.ExecuteRequest{
		RequestID: event.NewRequestID(),
		Community: event.CommunityRef{ID: call.Community.ID, Name: call.Community.Name},
		Trigger: event.Trigger{
			Command:     call.Command,
			ContextText: call.ContextText,
			EventType:   ev.EventType,
			EventData:   ev.EventData,
			Args:        call.Args,
		},
		User:          ev.User,
		Entity:        event.EntityRef{ID: ev.EntityID, Platform: ev.Platform},
		Timestamp:     time.Now().UTC(),
		CorrelationID: ev.CorrelationID,
		RouteID:       call.Route.ID,
		Module:        mod.Name,
	}

	if d.issuer != nil && len(call.Scopes) > 0 {
		env, err := d.issuer.Mint(call.Community.ID, mod.Name, call.Scopes)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDispatchFailed, err)
		}
		req.Envelope = env
	}
	return req, nil
}

// breakerCounts reports whether a terminal dispatch error is evidence
// of endpoint trouble. Deadline expiry mid-retry wraps the transport
// error, so it counts too.
func breakerCounts(err error) bool {
	if errors.IsRetryable(err) {
		return true
	}
	return stderrors.Is(err, errors.ErrDeadlineExceeded)
}

// failureResponse synthesizes the failed-dispatch response carried to
// egress for routes that surface errors.
func failureResponse(err error) *event.ExecuteResponse {
	return &event.ExecuteResponse{Success: false, Error: err.Error()}
}
