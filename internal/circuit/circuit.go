// Package circuit implements the Circuit Breaker (C10): a health gate for
// broker calls that feeds its state back into the adaptive rate limiter
// (C4) as a LoadSource. Grounded on pkg/clients/failsafe.go's wrapping of
// failsafe-go, generalized from an HTTP-client concern into a
// broker-call-agnostic Call/Execute wrapper per spec.md §4.10.
package circuit

import (
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/relaysignal/signalman/internal/ratelimit"
	"github.com/relaysignal/signalman/pkg/logging"
)

// State mirrors spec.md §3's Circuit Breaker State: closed, half_open, open.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config configures the breaker. Defaults follow pkg/clients.DefaultCircuitBreakerConfig.
type Config struct {
	Name string

	// SuccessThreshold is the number of successful probes needed in
	// half_open before transitioning to closed. Default: 1.
	SuccessThreshold uint32

	// Cooldown is how long the circuit stays open before admitting a
	// single half_open probe. Default: 15s.
	Cooldown time.Duration

	// FailureRatio trips the circuit when exceeded over MinRequests.
	// Default: 0.5.
	FailureRatio float64

	// MinRequests is the rolling-window sample size before FailureRatio
	// is evaluated. Default: 10.
	MinRequests uint32

	Logger logging.Logger

	// OnStateChange is notified on every transition, in addition to the
	// logged warning.
	OnStateChange func(name string, from, to State)
}

func defaults(cfg Config) Config {
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	return cfg
}

// Breaker wraps failsafe-go's circuit breaker, exposing the closed/
// half_open/open vocabulary spec.md §3 defines and implementing
// ratelimit.LoadSource so the adaptive limiter can read its state directly.
type Breaker struct {
	cb     circuitbreaker.CircuitBreaker[any]
	name   string
	logger logging.Logger
}

// New builds a Breaker per spec.md §4.10: a threshold over a rolling
// interval opens the circuit; after a cooldown it half-opens and admits a
// single probe; success closes it, failure reopens it for a fresh cooldown.
func New(cfg Config) *Breaker {
	cfg = defaults(cfg)

	failureThreshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(failureThreshold, uint(cfg.MinRequests)).
		WithDelay(cfg.Cooldown).
		WithSuccessThreshold(uint(cfg.SuccessThreshold))

	if cfg.OnStateChange != nil || cfg.Logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from, to := convert(event.OldState), convert(event.NewState)
			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      from.String(),
					"to_state":        to.String(),
				}).Warn("circuit breaker state change")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		})
	}

	return &Breaker{cb: builder.Build(), name: cfg.Name, logger: cfg.Logger}
}

func convert(s circuitbreaker.State) State {
	switch s {
	case circuitbreaker.ClosedState:
		return StateClosed
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// Call executes fn through the breaker: when open it fails fast without
// invoking fn; when half_open it admits at most one concurrent probe
// (failsafe-go's half-open permit accounting enforces this).
func (b *Breaker) Call(fn func() error) error {
	_, err := failsafe.With(b.cb).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Execute runs a value-returning fn through the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return failsafe.With(b.cb).Get(fn)
}

// State returns the breaker's current state.
func (b *Breaker) State() State { return convert(b.cb.State()) }

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.name }

// Sample implements ratelimit.LoadSource's circuit contribution; CPU and
// Mem are left zero so callers compose it with a separate system-metrics
// LoadSource (see CombinedLoadSource and ratelimit.LoadSample's weighted
// blend).
func (b *Breaker) Sample() ratelimit.LoadSample {
	return ratelimit.LoadSample{Circuit: b.level()}
}

func (b *Breaker) level() ratelimit.CircuitLevel {
	switch b.State() {
	case StateOpen:
		return ratelimit.CircuitOpen
	case StateHalfOpen:
		return ratelimit.CircuitHalfOpen
	default:
		return ratelimit.CircuitClosed
	}
}

// SystemSample is the CPU/mem half of a LoadSample; a CombinedLoadSource
// reads this from the host and merges it with the breaker's circuit level.
type SystemSample struct {
	CPU float64
	Mem float64
}

// SystemSampler supplies the current CPU/mem reading, e.g. from
// /proc/loadavg and runtime.MemStats.
type SystemSampler func() SystemSample

// CombinedLoadSource merges a Breaker's circuit level with a SystemSampler's
// CPU/mem reading into the single LoadSample spec.md §4.4's adaptive
// limiter expects.
type CombinedLoadSource struct {
	Breaker *Breaker
	System  SystemSampler
}

func (c CombinedLoadSource) Sample() ratelimit.LoadSample {
	var sys SystemSample
	if c.System != nil {
		sys = c.System()
	}
	level := ratelimit.CircuitClosed
	if c.Breaker != nil {
		level = c.Breaker.level()
	}
	return ratelimit.LoadSample{CPU: sys.CPU, Mem: sys.Mem, Circuit: level}
}
