package adapter

import (
	"time"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
)

// Factory turns module declarations into live adapters, applying the
// router-wide defaults a declaration leaves blank.
type Factory struct {
	defaults   config.AdapterDefaults
	signingKey string
	registry   *Registry
	resolver   *EndpointResolver
}

// NewFactory wires the shared collaborators every adapter variant may
// need. signingKey is the fallback webhook secret when a module does
// not carry its own.
func NewFactory(defaults config.AdapterDefaults, signingKey string, registry *Registry, resolver *EndpointResolver) *Factory {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Factory{
		defaults:   defaults,
		signingKey: signingKey,
		registry:   registry,
		resolver:   resolver,
	}
}

// Registry exposes the in-process function table so embedders can
// register handlers before Build runs.
func (f *Factory) Registry() *Registry { return f.registry }

// Build constructs the adapter for one module declaration.
func (f *Factory) Build(mc config.ModuleConfig) (Adapter, error) {
	ac := mc.Adapter
	timeout := ac.Timeout
	if timeout <= 0 {
		timeout = f.defaults.Timeout
	}
	unhealthyAfter := f.defaults.UnhealthyAfter

	switch ac.Type {
	case "inprocess":
		fn, ok := f.registry.Lookup(mc.Name)
		if !ok {
			return nil, errors.ErrUnknownFunction.WithDetailf("module %s: no in-process handler registered", mc.Name)
		}
		return NewInProcess(mc.Name, fn, timeout, unhealthyAfter), nil
	case "lua":
		return NewLua(mc.Name, ac.Lua, timeout, unhealthyAfter)
	case "webhook", "":
		if ac.Endpoint == "" {
			return nil, errors.ErrAdapterClient.WithDetailf("module %s: webhook endpoint is required", mc.Name)
		}
		secret := ac.Secret
		if secret == "" {
			secret = f.signingKey
		}
		return NewWebhook(mc.Name, ac.Endpoint, secret, timeout, f.resolver, unhealthyAfter), nil
	case "grpc":
		if ac.Endpoint == "" {
			return nil, errors.ErrAdapterClient.WithDetailf("module %s: grpc endpoint is required", mc.Name)
		}
		return NewGRPC(mc.Name, ac.Endpoint, timeout, f.resolver, unhealthyAfter), nil
	case "lambda":
		return NewLambda(mc.Name, ac.Lambda, timeout, unhealthyAfter)
	case "gcpfunction":
		return NewGCPFunction(mc.Name, ac.GCP, timeout, unhealthyAfter)
	case "openwhisk":
		return NewOpenWhisk(mc.Name, ac.OpenWhisk, timeout, unhealthyAfter)
	default:
		return nil, errors.ErrAdapterClient.WithDetailf("module %s: unknown adapter type %q", mc.Name, ac.Type)
	}
}

// BuildAll constructs adapters for every declared module, failing on
// the first bad declaration so a typo is caught at boot.
func (f *Factory) BuildAll(modules []config.ModuleConfig) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter, len(modules))
	for _, mc := range modules {
		if _, dup := adapters[mc.Name]; dup {
			return nil, errors.ErrAdapterClient.WithDetailf("module %s declared twice", mc.Name)
		}
		a, err := f.Build(mc)
		if err != nil {
			return nil, err
		}
		adapters[mc.Name] = a
	}
	return adapters, nil
}

// RetrySettings returns the retry knobs for one module declaration,
// falling back to the router-wide defaults.
func (f *Factory) RetrySettings(ac config.AdapterConfig) (maxRetries int, initial, max time.Duration) {
	maxRetries = f.defaults.MaxRetries
	if ac.MaxRetries != nil {
		maxRetries = *ac.MaxRetries
	}
	initial = ac.InitialBackoff
	if initial <= 0 {
		initial = f.defaults.InitialBackoff
	}
	max = ac.MaxBackoff
	if max <= 0 {
		max = f.defaults.MaxBackoff
	}
	return maxRetries, initial, max
}
