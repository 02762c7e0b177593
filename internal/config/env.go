package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides maps the flat deployment variables onto the parsed
// config. These win over file values so an operator can retune a single
// knob without shipping a new config file.
func applyEnvOverrides(c *Config) {
	envInt("ROUTER_WORKERS", &c.Engine.Workers)
	envInt("ROUTER_MAX_INFLIGHT", &c.Engine.MaxInflight)
	envString("RATE_LIMIT_STORE", &c.RateLimit.Store)
	envInt("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	envSeconds("CACHE_DEFAULT_TTL_S", &c.Cache.DefaultTTL)
	envInt("BREAKER_DEFAULT_THRESHOLD", &c.Breaker.Threshold)
	envSeconds("BREAKER_DEFAULT_COOLDOWN_S", &c.Breaker.Cooldown)
	envSeconds("ADAPTER_DEFAULT_TIMEOUT_S", &c.Adapters.Timeout)
	envInt("ADAPTER_DEFAULT_MAX_RETRIES", &c.Adapters.MaxRetries)
	envInt("AUDIT_BATCH_SIZE", &c.Audit.BatchSize)
	envMillis("AUDIT_FLUSH_MS", &c.Audit.FlushInterval)
	envString("SIGNING_KEY", &c.Signing.Key)
	envString("SCOPE_ENVELOPE_SECRET", &c.Scope.EnvelopeSecret)
	envString("REDIS_ADDRESS", &c.Redis.Address)
	envString("REDIS_PASSWORD", &c.Redis.Password)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envSeconds(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envMillis(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
