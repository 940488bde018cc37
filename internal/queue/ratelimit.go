package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/metrics"
)

// BucketConfig sizes one provider's token bucket.
type BucketConfig struct {
	Capacity   float64
	RefillRate float64 // tokens per second
}

// DefaultBuckets returns the stock per-provider limits.
func DefaultBuckets() map[job.ProviderKind]BucketConfig {
	return map[job.ProviderKind]BucketConfig{
		job.ProviderSMTP:     {Capacity: 100, RefillRate: 10},
		job.ProviderSendGrid: {Capacity: 600, RefillRate: 100},
		job.ProviderMailgun:  {Capacity: 300, RefillRate: 50},
		job.ProviderSES:      {Capacity: 200, RefillRate: 14},
	}
}

// acquireLuaScript refills and spends a bucket in one atomic step so two
// concurrent workers never overspend. Token counts are fractional; they are
// stored and returned as strings because Lua replies truncate numbers to
// integers.
const acquireLuaScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refillRate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local want = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill_ts")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
    tokens = capacity
    last = now
end

local elapsed = now - last
if elapsed < 0 then
    elapsed = 0
end
tokens = tokens + elapsed * refillRate
if tokens > capacity then
    tokens = capacity
end

local allowed = 0
if tokens >= want then
    tokens = tokens - want
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill_ts", tostring(now))
redis.call("EXPIRE", key, 3600)
return {allowed, tostring(tokens)}
`

// Refusal backoff window. The wait is short and jittered so blocked workers
// do not re-acquire in lockstep.
const (
	refusalBackoffMin = 50 * time.Millisecond
	refusalBackoffMax = 500 * time.Millisecond
)

// RateLimiter enforces per-provider send throughput. Bucket state lives in
// Redis so every worker process spends from the same budget.
type RateLimiter struct {
	client        *redis.Client
	buckets       map[job.ProviderKind]BucketConfig
	acquireScript *redis.Script
}

// NewRateLimiter creates a limiter over the shared store client. A nil
// buckets map selects the defaults.
func NewRateLimiter(client *redis.Client, buckets map[job.ProviderKind]BucketConfig) *RateLimiter {
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	return &RateLimiter{
		client:        client,
		buckets:       buckets,
		acquireScript: redis.NewScript(acquireLuaScript),
	}
}

// Buckets returns the configured bucket sizes.
func (l *RateLimiter) Buckets() map[job.ProviderKind]BucketConfig {
	return l.buckets
}

// TryAcquire spends n tokens from the provider's bucket if available.
func (l *RateLimiter) TryAcquire(ctx context.Context, kind job.ProviderKind, n int) (bool, error) {
	bucket, ok := l.buckets[kind]
	if !ok {
		return false, fmt.Errorf("no rate bucket for provider %q", kind)
	}

	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := l.acquireScript.Run(ctx, l.client,
		[]string{RateBucketKey(kind)},
		formatFloat(bucket.Capacity),
		formatFloat(bucket.RefillRate),
		formatFloat(now),
		n,
	).Slice()
	if err != nil {
		return false, fmt.Errorf("rate acquire for %s: %w", kind, err)
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return false, fmt.Errorf("rate acquire for %s: unexpected reply %T", kind, res[0])
	}
	return allowed == 1, nil
}

// Acquire blocks until one token is available or ctx expires. Each refusal
// sleeps a short jittered interval before re-acquiring; callers bound the
// total wait through the context deadline.
func (l *RateLimiter) Acquire(ctx context.Context, kind job.ProviderKind) error {
	for {
		ok, err := l.TryAcquire(ctx, kind, 1)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		metrics.RateLimitHit(string(kind))
		delay := refusalBackoffMin + time.Duration(rand.Int63n(int64(refusalBackoffMax-refusalBackoffMin)))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate capacity for %s: %w", kind, ctx.Err())
		case <-timer.C:
		}
	}
}

// BucketState is the observable bucket view for the stats endpoint.
type BucketState struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Tokens     float64 `json:"tokens"`
}

// BucketStates reads every configured bucket. A bucket that has never been
// touched reports full capacity.
func (l *RateLimiter) BucketStates(ctx context.Context) (map[job.ProviderKind]BucketState, error) {
	out := make(map[job.ProviderKind]BucketState, len(l.buckets))
	for kind, bucket := range l.buckets {
		state := BucketState{Capacity: bucket.Capacity, RefillRate: bucket.RefillRate, Tokens: bucket.Capacity}

		vals, err := l.client.HMGet(ctx, RateBucketKey(kind), "tokens", "last_refill_ts").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read bucket %s: %w", kind, err)
		}
		if len(vals) > 0 && vals[0] != nil {
			if s, ok := vals[0].(string); ok {
				if tokens, err := strconv.ParseFloat(s, 64); err == nil {
					state.Tokens = tokens
				}
			}
		}
		out[kind] = state
	}
	return out, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
