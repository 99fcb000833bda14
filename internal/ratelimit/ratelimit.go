// Package ratelimit implements the Rate Limiter Core (C4): token bucket,
// sliding window, multi-layer, and adaptive limiters over local or
// distributed (Redis) state. Grounded on other_examples' concurrency-
// patterns RateLimiter for the general idiom (algorithms themselves are
// redesigned per spec.md §4.4's exact arithmetic) and pkg/redis/client.go
// for the distributed-store shape.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Layer enumerates the rate-limit layers, in ascending check priority.
type Layer string

const (
	LayerGlobal     Layer = "global"
	LayerIP         Layer = "ip"
	LayerConnection Layer = "connection"
	LayerUser       Layer = "user"
	LayerAPIKey     Layer = "api_key"
	LayerChannel    Layer = "channel"
)

// LayerPriority orders layers for the multi-layer check: global -> ip ->
// connection -> user -> api_key -> channel, first denial wins.
var LayerPriority = []Layer{LayerGlobal, LayerIP, LayerConnection, LayerUser, LayerAPIKey, LayerChannel}

// Decision is the tagged result of an Attempt, replacing exception-driven
// control flow. A denial always carries RetryAfter > 0 (Open Question (1)
// resolved uniformly); an allowed Decision leaves RetryAfter at its zero
// value, which callers must not interpret as "try again now".
type Decision struct {
	Allowed    bool
	Identifier string
	Limit      int64
	Current    int64
	RetryAfter time.Duration
	Layer      Layer
}

// Limiter is the capability interface every rate-limit algorithm
// implements; variants are tagged concrete types, not a single dynamic
// dispatch surface.
type Limiter interface {
	Attempt(ctx context.Context, id string, cost int64) (Decision, error)
}

func ceilDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(seconds*1000)) * time.Millisecond
}
