package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// CircuitLevel is the normalized circuit-breaker contribution to the load
// factor: 0.0 closed, 0.5 half_open, 1.0 open.
type CircuitLevel float64

const (
	CircuitClosed   CircuitLevel = 0.0
	CircuitHalfOpen CircuitLevel = 0.5
	CircuitOpen     CircuitLevel = 1.0
)

// LoadSample is one reading of the inputs to the adaptive load factor.
type LoadSample struct {
	// CPU is 1-minute load average normalized by 0.8*cores, already in
	// [0,1]-ish range (callers may clamp upstream).
	CPU float64
	// Mem is rss / (0.7*limit).
	Mem     float64
	Circuit CircuitLevel
}

// LoadSource supplies the current LoadSample. Implementations typically
// read /proc/loadavg, runtime memory stats, and the circuit breaker's
// current state.
type LoadSource interface {
	Sample() LoadSample
}

// Adaptive wraps a base Limiter and periodically recomputes an effective
// limit from a blended load factor, per spec.md §4.4:
//
//	load_factor = 0.5*cpu + 0.3*mem + 0.2*circuit, clamped to [0,1]
//	effective   = max(0.1*base, ceil(base*(1-adjustment_rate*load_factor)))
//	circuit open => effective is hard-reduced to 0.1*base
//	cost'       = ceil(cost*base/effective)
//
// The wrapped limiter's own capacity is never mutated; Adaptive achieves
// the effective-limit reduction by scaling the cost it forwards.
type Adaptive struct {
	base               Limiter
	baseLimit          float64
	adjustmentRate     float64
	loadUpdateInterval time.Duration
	source             LoadSource

	mu             sync.Mutex
	lastUpdate     time.Time
	loadFactor     float64
	effectiveLimit float64

	now func() time.Time
}

func NewAdaptive(base Limiter, baseLimit, adjustmentRate float64, loadUpdateInterval time.Duration, source LoadSource) *Adaptive {
	a := &Adaptive{
		base:               base,
		baseLimit:          baseLimit,
		adjustmentRate:     adjustmentRate,
		loadUpdateInterval: loadUpdateInterval,
		source:             source,
		effectiveLimit:     baseLimit,
		now:                time.Now,
	}
	return a
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (a *Adaptive) recompute() {
	now := a.now()
	if !a.lastUpdate.IsZero() && now.Sub(a.lastUpdate) < a.loadUpdateInterval {
		return
	}
	a.lastUpdate = now

	sample := a.source.Sample()
	factor := clamp01(0.5*sample.CPU + 0.3*sample.Mem + 0.2*float64(sample.Circuit))
	a.loadFactor = factor

	effective := math.Max(0.1*a.baseLimit, math.Ceil(a.baseLimit*(1-a.adjustmentRate*factor)))
	if sample.Circuit == CircuitOpen {
		effective = 0.1 * a.baseLimit
	}
	if effective < 1 {
		effective = 1
	}
	a.effectiveLimit = effective
}

// Attempt recomputes the load factor (at most once per
// loadUpdateInterval), scales cost accordingly, and delegates to the base
// limiter.
func (a *Adaptive) Attempt(ctx context.Context, id string, cost int64) (Decision, error) {
	a.mu.Lock()
	a.recompute()
	effective := a.effectiveLimit
	a.mu.Unlock()

	scaled := int64(math.Ceil(float64(cost) * a.baseLimit / effective))
	if scaled < 1 {
		scaled = 1
	}

	d, err := a.base.Attempt(ctx, id, scaled)
	if err != nil {
		return Decision{}, err
	}
	d.Limit = int64(effective)
	return d, nil
}

// EffectiveLimit exposes the most recently computed effective limit, for
// metrics/CLI inspection.
func (a *Adaptive) EffectiveLimit() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.effectiveLimit
}

// LoadFactor exposes the most recently computed load factor.
func (a *Adaptive) LoadFactor() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadFactor
}
