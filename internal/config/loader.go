package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads, expands, parses, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML. Unknown fields are rejected so a
// typo in a route table fails at load rather than silently matching
// nothing. ${VAR} and ${VAR:-default} references are expanded from the
// environment before parsing.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnv(data)

	cfg := DefaultConfig()
	if err := yaml.UnmarshalWithOptions(expanded, cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(groups) > 2 && groups[2] != nil {
			return groups[2]
		}
		return match
	})
}

// Validate checks cross-field consistency. Defaults have already been
// applied, so anything out of range here was set deliberately.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.MaxInflight <= 0 {
		return fmt.Errorf("engine.max_inflight must be positive, got %d", c.Engine.MaxInflight)
	}
	if c.Engine.DefaultDeadline <= 0 {
		return fmt.Errorf("engine.default_deadline must be positive, got %s", c.Engine.DefaultDeadline)
	}

	switch c.RateLimit.Store {
	case "memory", "shared":
	default:
		return fmt.Errorf("rate_limit.store must be memory or shared, got %q", c.RateLimit.Store)
	}
	if c.RateLimit.Store == "shared" && c.Redis.Address == "" {
		return fmt.Errorf("rate_limit.store shared requires redis.address")
	}
	for name, class := range c.RateLimit.Classes {
		if class.Rate <= 0 || class.Period <= 0 {
			return fmt.Errorf("rate class %q: rate and period must be positive", name)
		}
		if class.Burst < class.Rate {
			return fmt.Errorf("rate class %q: burst %d below rate %d", name, class.Burst, class.Rate)
		}
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}

	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive, got %d", c.Breaker.Threshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive, got %s", c.Breaker.Cooldown)
	}
	if c.Breaker.MaxCooldown < c.Breaker.Cooldown {
		return fmt.Errorf("breaker.max_cooldown %s below cooldown %s", c.Breaker.MaxCooldown, c.Breaker.Cooldown)
	}

	if c.Adapters.Timeout <= 0 {
		return fmt.Errorf("adapters.timeout must be positive, got %s", c.Adapters.Timeout)
	}
	if c.Adapters.MaxRetries < 0 {
		return fmt.Errorf("adapters.max_retries must not be negative, got %d", c.Adapters.MaxRetries)
	}

	switch c.Audit.Sink {
	case "file", "redis", "log":
	default:
		return fmt.Errorf("audit.sink must be file, redis, or log, got %q", c.Audit.Sink)
	}
	if c.Audit.Sink == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("audit.sink redis requires redis.address")
	}
	if c.Audit.BatchSize <= 0 {
		return fmt.Errorf("audit.batch_size must be positive, got %d", c.Audit.BatchSize)
	}
	if c.Audit.FlushInterval <= 0 {
		return fmt.Errorf("audit.flush_interval must be positive, got %s", c.Audit.FlushInterval)
	}

	switch c.State.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("state.type must be memory or redis, got %q", c.State.Type)
	}
	if c.State.Type == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("state.type redis requires redis.address")
	}

	switch c.Routes.Type {
	case "static", "file", "etcd":
	default:
		return fmt.Errorf("routes.type must be static, file, or etcd, got %q", c.Routes.Type)
	}
	if c.Routes.Type == "file" && c.Routes.Path == "" {
		return fmt.Errorf("routes.type file requires routes.path")
	}
	if c.Routes.Type == "etcd" && len(c.Routes.Etcd.Endpoints) == 0 {
		return fmt.Errorf("routes.type etcd requires routes.etcd.endpoints")
	}
	switch c.Routes.InvalidateVia {
	case "", "redis":
	default:
		return fmt.Errorf("routes.invalidate_via must be empty or redis, got %q", c.Routes.InvalidateVia)
	}
	if c.Routes.InvalidateVia == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("routes.invalidate_via redis requires redis.address")
	}

	seen := make(map[string]struct{}, len(c.Modules))
	for i, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("modules[%d]: name must not be empty", i)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("modules[%d]: duplicate module %q", i, m.Name)
		}
		seen[m.Name] = struct{}{}
		if err := m.Adapter.validate(m.Name); err != nil {
			return err
		}
	}

	bindings := make(map[string]struct{}, len(c.Egress.Bindings))
	for i, b := range c.Egress.Bindings {
		if b.Name == "" {
			return fmt.Errorf("egress.bindings[%d]: name must not be empty", i)
		}
		if _, dup := bindings[b.Name]; dup {
			return fmt.Errorf("egress.bindings[%d]: duplicate binding %q", i, b.Name)
		}
		bindings[b.Name] = struct{}{}
		switch b.Type {
		case "webhook":
			if b.URL == "" {
				return fmt.Errorf("egress binding %q: webhook requires url", b.Name)
			}
		case "amqp":
			if b.AMQPURL == "" && c.Ingress.AMQP.URL == "" {
				return fmt.Errorf("egress binding %q: amqp requires amqp_url", b.Name)
			}
		default:
			return fmt.Errorf("egress binding %q: type must be webhook or amqp, got %q", b.Name, b.Type)
		}
	}

	for _, comm := range c.Routes.Static {
		if err := comm.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (a *AdapterConfig) validate(module string) error {
	switch a.Type {
	case "inprocess":
	case "lua":
		if a.Lua.Script == "" && a.Lua.ScriptFile == "" {
			return fmt.Errorf("module %q: lua adapter requires script or script_file", module)
		}
	case "webhook", "grpc":
		if a.Endpoint == "" {
			return fmt.Errorf("module %q: %s adapter requires endpoint", module, a.Type)
		}
	case "lambda":
		if a.Lambda.FunctionName == "" {
			return fmt.Errorf("module %q: lambda adapter requires lambda.function_name", module)
		}
	case "gcpfunction":
		if a.GCP.URL == "" {
			return fmt.Errorf("module %q: gcpfunction adapter requires gcp.url", module)
		}
	case "openwhisk":
		if a.OpenWhisk.APIHost == "" || a.OpenWhisk.Action == "" {
			return fmt.Errorf("module %q: openwhisk adapter requires openwhisk.api_host and openwhisk.action", module)
		}
	default:
		return fmt.Errorf("module %q: unknown adapter type %q", module, a.Type)
	}
	return nil
}

// Validate checks a community table for structural mistakes. Route
// sources call this before accepting an externally supplied table.
func (c *CommunityConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("community: id must not be empty")
	}
	ids := make(map[string]struct{}, len(c.Routes))
	for i, r := range c.Routes {
		if r.ID == "" {
			return fmt.Errorf("community %q: routes[%d] id must not be empty", c.ID, i)
		}
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("community %q: duplicate route id %q", c.ID, r.ID)
		}
		ids[r.ID] = struct{}{}
		if r.Module == "" {
			return fmt.Errorf("community %q: route %q names no module", c.ID, r.ID)
		}
		if r.Command == "" && r.Prefix == "" && r.EventType == "" {
			return fmt.Errorf("community %q: route %q has no match pattern", c.ID, r.ID)
		}
		if r.Command != "" && !strings.HasPrefix(r.Command, "!") {
			return fmt.Errorf("community %q: route %q command %q must start with %q", c.ID, r.ID, r.Command, "!")
		}
	}
	return nil
}
