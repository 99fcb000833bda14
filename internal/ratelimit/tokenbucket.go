package ratelimit

import (
	"context"
	"sync"
	"time"
)

type tokenBucketState struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// TokenBucket is the local (process-local) in-memory token bucket. State is
// keyed by identifier and guarded by a per-identifier critical section, per
// spec.md §4.4.
type TokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	layer      Layer

	mu      sync.RWMutex
	buckets map[string]*tokenBucketState

	now func() time.Time
}

// NewTokenBucket creates a token bucket limiter with the given capacity and
// refill rate (tokens/second).
func NewTokenBucket(layer Layer, capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		layer:      layer,
		buckets:    make(map[string]*tokenBucketState),
		now:        time.Now,
	}
}

func (b *TokenBucket) stateFor(id string) *tokenBucketState {
	b.mu.RLock()
	s, ok := b.buckets[id]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.buckets[id]; ok {
		return s
	}
	s = &tokenBucketState{tokens: b.capacity, lastRefill: b.now()}
	b.buckets[id] = s
	return s
}

// Attempt implements Limiter. Algorithm exactly per spec.md §4.4:
//  1. elapsed = now - last_refill; tokens = min(capacity, tokens +
//     elapsed*refill_rate); last_refill = now.
//  2. if tokens >= cost: tokens -= cost; allow.
//  3. else: deny; retry_after = ceil((cost-tokens)/refill_rate).
func (b *TokenBucket) Attempt(ctx context.Context, id string, cost int64) (Decision, error) {
	s := b.stateFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(s.lastRefill).Seconds()
	s.tokens = min(b.capacity, s.tokens+elapsed*b.refillRate)
	s.lastRefill = now

	c := float64(cost)
	if s.tokens >= c {
		s.tokens -= c
		return Decision{
			Allowed:    true,
			Identifier: id,
			Limit:      int64(b.capacity),
			Current:    int64(s.tokens),
			Layer:      b.layer,
		}, nil
	}

	retrySeconds := (c - s.tokens) / b.refillRate
	return Decision{
		Allowed:    false,
		Identifier: id,
		Limit:      int64(b.capacity),
		Current:    int64(s.tokens),
		RetryAfter: ceilDuration(retrySeconds),
		Layer:      b.layer,
	}, nil
}
