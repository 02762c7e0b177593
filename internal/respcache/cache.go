// Package respcache memoizes adapter responses by semantic fingerprint
// and coalesces concurrent executions of the same fingerprint.
package respcache

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/metrics"
)

// Source tells the caller how the response was obtained, for audit.
type Source int

const (
	// SourceExecuted means this caller ran the adapter.
	SourceExecuted Source = iota
	// SourceFresh means a stored entry was returned.
	SourceFresh
	// SourceCoalesced means the caller attached to an in-flight execution.
	SourceCoalesced
)

func (s Source) String() string {
	switch s {
	case SourceFresh:
		return "fresh"
	case SourceCoalesced:
		return "in-flight"
	default:
		return "executed"
	}
}

// Policy is the per-route cache behavior.
type Policy struct {
	TTL           time.Duration
	UserScoped    bool
	CacheFailures bool
}

// FingerprintInput captures the semantic identity of a request. UserID
// participates only when the route declares user-scoped caching.
type FingerprintInput struct {
	Community  string
	Module     string
	Command    string
	Args       string
	RoleBucket string
	UserID     string
	UserScoped bool
}

var sep = []byte{0}

// Fingerprint returns the cache key. Keys embed the community so a
// tenant's entries can be invalidated together.
func Fingerprint(in FingerprintInput) string {
	d := xxhash.New()
	d.WriteString(in.Module)
	d.Write(sep)
	d.WriteString(in.Command)
	d.Write(sep)
	d.WriteString(in.Args)
	d.Write(sep)
	d.WriteString(in.RoleBucket)
	if in.UserScoped {
		d.Write(sep)
		d.WriteString(in.UserID)
	}
	return in.Community + ":" + strconv.FormatUint(d.Sum64(), 16)
}

type entry struct {
	resp      *event.ExecuteResponse
	expiresAt time.Time
}

// Cache is the bounded response cache. Entries expire by per-route TTL,
// checked on access; the LRU bound evicts the coldest entries.
type Cache struct {
	lru        *expirable.LRU[string, *entry]
	group      singleflight.Group
	defaultTTL time.Duration
	metrics    *metrics.Metrics

	hitsFresh    atomic.Int64
	hitsInflight atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	invalidated  atomic.Int64
}

// New builds the cache. defaultTTL 0 disables caching for routes that
// do not set their own TTL.
func New(maxEntries int, defaultTTL time.Duration, m *metrics.Metrics) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if m == nil {
		m = metrics.NewNop()
	}
	c := &Cache{
		defaultTTL: defaultTTL,
		metrics:    m,
	}
	c.lru = expirable.NewLRU[string, *entry](maxEntries, func(string, *entry) {
		c.evictions.Add(1)
	}, 0)
	return c
}

// Execute returns the cached response for key, attaches to an in-flight
// execution, or runs fn. At most one fn runs per key at any instant.
// fn receives a context detached from this caller's cancellation so one
// abandoned caller does not fail the shared result; the caller's own
// deadline is still honored while waiting.
func (c *Cache) Execute(ctx context.Context, key string, policy Policy, fn func(context.Context) (*event.ExecuteResponse, error)) (*event.ExecuteResponse, Source, error) {
	ttl := policy.TTL
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		resp, err := fn(ctx)
		return resp, SourceExecuted, err
	}

	if e, ok := c.lru.Get(key); ok {
		if time.Now().Before(e.expiresAt) {
			c.hitsFresh.Add(1)
			c.metrics.CacheHits.WithLabelValues("fresh").Inc()
			return e.resp, SourceFresh, nil
		}
		c.lru.Remove(key)
	}
	c.misses.Add(1)
	c.metrics.CacheMisses.Inc()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		resp, err := fn(detached)
		if err != nil {
			return nil, err
		}
		if c.storable(resp, policy) {
			c.lru.Add(key, &entry{resp: resp, expiresAt: time.Now().Add(ttl)})
		}
		return resp, nil
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, SourceExecuted, result.Err
		}
		resp := result.Val.(*event.ExecuteResponse)
		if result.Shared {
			c.hitsInflight.Add(1)
			c.metrics.CacheHits.WithLabelValues("inflight").Inc()
			return resp, SourceCoalesced, nil
		}
		return resp, SourceExecuted, nil
	case <-ctx.Done():
		return nil, SourceExecuted, ctx.Err()
	}
}

// storable applies the veto rules: failures stay out unless the route
// opts in, and a module can mark any response uncacheable.
func (c *Cache) storable(resp *event.ExecuteResponse, policy Policy) bool {
	if resp == nil || resp.NoCache {
		return false
	}
	if !resp.Success && !policy.CacheFailures {
		return false
	}
	return true
}

// Invalidate removes one fingerprint.
func (c *Cache) Invalidate(key string) {
	if c.lru.Remove(key) {
		c.invalidated.Add(1)
	}
}

// InvalidateCommunity removes every entry belonging to a community.
// Returns the number of entries dropped.
func (c *Cache) InvalidateCommunity(community string) int {
	prefix := community + ":"
	n := 0
	for _, key := range c.lru.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			if c.lru.Remove(key) {
				n++
			}
		}
	}
	c.invalidated.Add(int64(n))
	return n
}

// Purge drops everything; the reload path uses it when cache-relevant
// route config changes.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Snapshot is a point-in-time view of cache counters.
type Snapshot struct {
	Entries      int   `json:"entries"`
	HitsFresh    int64 `json:"hits_fresh"`
	HitsInflight int64 `json:"hits_inflight"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	Invalidated  int64 `json:"invalidated"`
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Snapshot {
	return Snapshot{
		Entries:      c.lru.Len(),
		HitsFresh:    c.hitsFresh.Load(),
		HitsInflight: c.hitsInflight.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		Invalidated:  c.invalidated.Load(),
	}
}
