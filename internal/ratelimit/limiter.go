// Package ratelimit applies the paired token buckets consulted before
// every dispatch: one for (community, module), one for (community, user).
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
)

// Bucket identifies one token bucket and its class parameters.
type Bucket struct {
	Key   string
	Rate  float64 // tokens per second
	Burst float64
}

// Store acquires one token from each of a pair of buckets, or neither.
// denied carries the key of the bucket that tripped, empty on success.
type Store interface {
	AcquirePair(ctx context.Context, a, b Bucket) (denied string, err error)
	Close() error
}

// Class is a named bucket parameter set resolved from configuration.
type Class struct {
	Rate  float64
	Burst float64
}

// Limiter resolves a route's rate class and consults the store. Both
// buckets must admit the request; a denial consumes nothing.
type Limiter struct {
	store    Store
	classes  map[string]Class
	failOpen bool
	metrics  *metrics.Metrics
}

// New builds the limiter from configuration.
func New(cfg config.RateLimitConfig, store Store, m *metrics.Metrics) *Limiter {
	if m == nil {
		m = metrics.NewNop()
	}
	classes := make(map[string]Class, len(cfg.Classes))
	for name, c := range cfg.Classes {
		period := c.Period
		if period <= 0 {
			period = time.Minute
		}
		burst := c.Burst
		if burst <= 0 {
			burst = c.Rate
		}
		classes[name] = Class{
			Rate:  float64(c.Rate) / period.Seconds(),
			Burst: float64(burst),
		}
	}
	return &Limiter{
		store:    store,
		classes:  classes,
		failOpen: cfg.FailOpen,
		metrics:  m,
	}
}

// ModuleBucketKey names the per-module bucket for audit records.
func ModuleBucketKey(community, module string) string {
	return "mod:" + community + ":" + module
}

// UserBucketKey names the per-user bucket for audit records.
func UserBucketKey(community, user string) string {
	return "user:" + community + ":" + user
}

// Allow admits or denies one dispatch. nil means both buckets paid.
// A denial returns rate-limited with the tripping bucket key in the
// detail; the caller audits it and drops the route without retrying.
func (l *Limiter) Allow(ctx context.Context, class, community, module, user string) error {
	if class == "" {
		return nil
	}
	c, ok := l.classes[class]
	if !ok {
		// A route naming an undefined class is a config mistake; failing
		// every command over it would be worse than not limiting.
		logging.Warn("unknown rate class, not limiting",
			zap.String("class", class), zap.String("community", community))
		return nil
	}

	moduleBucket := Bucket{Key: ModuleBucketKey(community, module), Rate: c.Rate, Burst: c.Burst}
	userBucket := Bucket{Key: UserBucketKey(community, user), Rate: c.Rate, Burst: c.Burst}

	denied, err := l.store.AcquirePair(ctx, moduleBucket, userBucket)
	if err != nil {
		if l.failOpen {
			logging.Warn("rate limit store unavailable, failing open", zap.Error(err))
			return nil
		}
		l.metrics.RateLimitDenied.WithLabelValues(class, "store").Inc()
		return errors.ErrRateLimited.WithDetail("rate store unavailable, failing closed")
	}
	if denied != "" {
		which := "user"
		if denied == moduleBucket.Key {
			which = "module"
		}
		l.metrics.RateLimitDenied.WithLabelValues(class, which).Inc()
		return errors.ErrRateLimited.WithDetail(denied)
	}
	return nil
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
