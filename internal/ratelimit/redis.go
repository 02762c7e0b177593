package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaybot/router/internal/errors"
)

// pairScript refills both buckets and decrements each by one token, or
// neither. A denial leaves the stored timestamps untouched so tokens
// keep accruing. Returns {1, ''} when allowed, {0, denied_key} when not.
var pairScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local function refill(key)
    local data = redis.call('HMGET', key, 'tokens', 'ts')
    local tokens = tonumber(data[1])
    local ts = tonumber(data[2])
    if tokens == nil or ts == nil then
        return burst
    end
    local refilled = tokens + (now - ts) / 1000.0 * rate
    if refilled > burst then
        refilled = burst
    end
    return refilled
end

local a = refill(KEYS[1])
if a < 1 then
    return {0, KEYS[1]}
end
local b = refill(KEYS[2])
if KEYS[1] ~= KEYS[2] and b < 1 then
    return {0, KEYS[2]}
end

if KEYS[1] == KEYS[2] then
    if a < 2 then
        return {0, KEYS[1]}
    end
    redis.call('HSET', KEYS[1], 'tokens', a - 2, 'ts', now)
    redis.call('PEXPIRE', KEYS[1], ttl)
else
    redis.call('HSET', KEYS[1], 'tokens', a - 1, 'ts', now)
    redis.call('HSET', KEYS[2], 'tokens', b - 1, 'ts', now)
    redis.call('PEXPIRE', KEYS[1], ttl)
    redis.call('PEXPIRE', KEYS[2], ttl)
end
return {1, ''}
`)

// RedisStore shares buckets across replicas. The paired decrement runs
// as one script so it is atomic even with concurrent routers.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore namespaces bucket keys with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "router:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) AcquirePair(ctx context.Context, a, b Bucket) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	// Bucket TTL: long enough to refill from empty twice over.
	ttlMs := int64(2 * a.Burst / a.Rate * 1000)
	if ttlMs < 1000 {
		ttlMs = 1000
	}

	res, err := pairScript.Run(ctx, s.client,
		[]string{s.prefix + a.Key, s.prefix + b.Key},
		time.Now().UnixMilli(),
		a.Rate,
		a.Burst,
		ttlMs,
	).Slice()
	if err != nil {
		return "", errors.Wrap(errors.ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return "", errors.ErrStoreUnavailable.WithDetail("unexpected script reply")
	}
	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return "", nil
	}
	denied, _ := res[1].(string)
	// Strip the namespace so audit sees the logical bucket id.
	if len(denied) >= len(s.prefix) && denied[:len(s.prefix)] == s.prefix {
		denied = denied[len(s.prefix):]
	}
	return denied, nil
}

func (s *RedisStore) Close() error { return nil }
