package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 64

type bucketState struct {
	tokens float64
	last   time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]*bucketState
}

// MemoryStore keeps buckets in process, sharded to cut lock contention.
// Stale buckets are collected by a periodic sweep.
type MemoryStore struct {
	shards  [numShards]shard
	maxIdle time.Duration
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryStore starts the store and its cleanup loop.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		maxIdle: 10 * time.Minute,
		stopCh:  make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].items = make(map[string]*bucketState)
	}
	go s.cleanup()
	return s
}

func (s *MemoryStore) shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numShards
}

// AcquirePair refills both buckets and takes one token from each, or
// neither. Cross-shard pairs lock in index order so two concurrent
// pairs can never deadlock.
func (s *MemoryStore) AcquirePair(_ context.Context, a, b Bucket) (string, error) {
	ia, ib := s.shardIndex(a.Key), s.shardIndex(b.Key)

	first, second := ia, ib
	if first > second {
		first, second = second, first
	}
	s.shards[first].mu.Lock()
	if second != first {
		s.shards[second].mu.Lock()
	}
	defer func() {
		if second != first {
			s.shards[second].mu.Unlock()
		}
		s.shards[first].mu.Unlock()
	}()

	now := time.Now()
	sa := s.refillLocked(ia, a, now)
	sb := sa
	if b.Key != a.Key {
		sb = s.refillLocked(ib, b, now)
	}

	if sa.tokens < 1 {
		return a.Key, nil
	}
	if sb.tokens < 1 {
		return b.Key, nil
	}
	sa.tokens--
	sb.tokens--
	return "", nil
}

// refillLocked must run with the bucket's shard lock held.
func (s *MemoryStore) refillLocked(idx uint32, bkt Bucket, now time.Time) *bucketState {
	items := s.shards[idx].items
	st, ok := items[bkt.Key]
	if !ok {
		st = &bucketState{tokens: bkt.Burst, last: now}
		items[bkt.Key] = st
		return st
	}
	elapsed := now.Sub(st.last).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * bkt.Rate
		if st.tokens > bkt.Burst {
			st.tokens = bkt.Burst
		}
		st.last = now
	}
	return st
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.maxIdle)
			for i := range s.shards {
				sh := &s.shards[i]
				sh.mu.Lock()
				for k, st := range sh.items {
					if st.last.Before(cutoff) {
						delete(sh.items, k)
					}
				}
				sh.mu.Unlock()
			}
		case <-s.stopCh:
			return
		}
	}
}

// Tokens reports the current token count for a key, refilled to now.
// Used by tests and the stats endpoint.
func (s *MemoryStore) Tokens(bkt Bucket) float64 {
	idx := s.shardIndex(bkt.Key)
	s.shards[idx].mu.Lock()
	defer s.shards[idx].mu.Unlock()
	st := s.refillLocked(idx, bkt, time.Now())
	return st.tokens
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}
