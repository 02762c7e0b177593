package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
)

// Func is a native Go module implementation.
type Func func(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error)

// Registry holds the native modules linked into this binary. Module
// configs with type inprocess look their implementation up here by
// module name at wiring time.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Lookup returns the function bound to name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// InProcess runs a registered Go function under the adapter contract.
type InProcess struct {
	name    string
	fn      Func
	timeout time.Duration
	health  *healthTracker
}

// NewInProcess wraps fn as an adapter for the named module.
func NewInProcess(name string, fn Func, timeout time.Duration, unhealthyAfter int) *InProcess {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &InProcess{
		name:    name,
		fn:      fn,
		timeout: timeout,
		health:  newHealthTracker(unhealthyAfter),
	}
}

func (a *InProcess) Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	resp, err := a.execute(ctx, req)
	a.health.observe(err)
	return resp, err
}

func (a *InProcess) execute(ctx context.Context, req *event.ExecuteRequest) (resp *event.ExecuteResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// A panicking module must not take the router down with it.
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = errors.Wrap(errors.ErrAdapterClient, fmt.Errorf("module %s panicked: %v", a.name, r))
		}
	}()

	resp, err = a.fn(ctx, req)
	if err != nil {
		if _, typed := errors.AsError(err); typed {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrAdapterTimeout, err)
		}
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	if resp == nil {
		return nil, errors.ErrAdapterClient.WithDetailf("module %s returned no response", a.name)
	}
	return resp, nil
}

func (a *InProcess) Health() HealthStatus { return a.health.status() }
