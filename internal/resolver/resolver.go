package resolver

import (
	"context"
	"sync/atomic"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
)

// Source supplies raw community tables. Implementations keep their data
// hot in memory and bump the config's Version when the admin plane
// changes anything, so reads stay cheap on the event path.
type Source interface {
	// Community returns the current raw table for id, or found=false.
	Community(ctx context.Context, id string) (config.CommunityConfig, bool, error)
	Close() error
}

// Resolver memoizes compiled community tables. Raw tables are fetched on
// every resolution (a map read against the source's cache); compilation
// is reused until the source reports a higher version token.
type Resolver struct {
	source Source
	memo   *expirable.LRU[string, *Community]

	compiles atomic.Int64
	hits     atomic.Int64
}

// New builds a resolver over source, memoizing up to maxCommunities
// compiled tables.
func New(source Source, maxCommunities int) *Resolver {
	if maxCommunities <= 0 {
		maxCommunities = 1024
	}
	return &Resolver{
		source: source,
		memo:   expirable.NewLRU[string, *Community](maxCommunities, nil, 0),
	}
}

// Community returns the compiled table for id, recompiling lazily when
// the source's version token moved past the memoized snapshot.
func (r *Resolver) Community(ctx context.Context, id string) (*Community, error) {
	raw, found, err := r.source.Community(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.ErrUnknownCommunity.WithDetail(id)
	}

	if cached, ok := r.memo.Get(id); ok && cached.Version == raw.Version {
		r.hits.Add(1)
		return cached, nil
	}

	compiled, err := Compile(raw)
	if err != nil {
		return nil, err
	}
	r.compiles.Add(1)
	r.memo.Add(id, compiled)
	return compiled, nil
}

// Invalidate drops one memoized table; the next read recompiles.
func (r *Resolver) Invalidate(id string) {
	r.memo.Remove(id)
}

// InvalidateAll drops every memoized table. The admin reload endpoint
// uses it after swapping the source data wholesale.
func (r *Resolver) InvalidateAll() {
	r.memo.Purge()
}

// Close releases the underlying source.
func (r *Resolver) Close() error {
	return r.source.Close()
}

// Snapshot is a point-in-time view of resolver counters.
type Snapshot struct {
	Memoized int   `json:"memoized"`
	Compiles int64 `json:"compiles"`
	Hits     int64 `json:"hits"`
}

// Stats returns a copy of the counters.
func (r *Resolver) Stats() Snapshot {
	return Snapshot{
		Memoized: r.memo.Len(),
		Compiles: r.compiles.Load(),
		Hits:     r.hits.Load(),
	}
}
