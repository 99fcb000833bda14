// Package app assembles the single root-owned Context every signalman
// process builds once in main and passes by reference to every component
// constructor, per SPEC_FULL.md §9's "no process-wide singletons" note.
// Every dependency a component needs arrives through its constructor,
// sourced from this Context. The one process-wide piece is Prometheus:
// observability.New registers its collectors on Prometheus's default
// registry, which is a global.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relaysignal/signalman/internal/broker"
	"github.com/relaysignal/signalman/internal/channel"
	"github.com/relaysignal/signalman/internal/circuit"
	"github.com/relaysignal/signalman/internal/connreg"
	"github.com/relaysignal/signalman/internal/handler"
	"github.com/relaysignal/signalman/internal/observability"
	"github.com/relaysignal/signalman/internal/ratelimit"
	"github.com/relaysignal/signalman/internal/settings"
	"github.com/relaysignal/signalman/internal/task"
	"github.com/relaysignal/signalman/pkg/logging"
	"github.com/relaysignal/signalman/pkg/monitoring"
	redisclient "github.com/relaysignal/signalman/pkg/redis"
)

const (
	presenceCacheTTL = 30 * time.Second
	presenceCacheSWR = 5 * time.Second
)

// Context is every long-lived dependency a signalman process wires
// together at startup. It is constructed exactly once by New and handed to
// every subsystem by reference — internal/httpapi, internal/supervisor,
// and cmd/signalman all take a *Context rather than building their own
// copies of these collaborators.
type Context struct {
	Config  *settings.Config
	Logger  logging.Logger
	Metrics *observability.Metrics

	Broker      broker.Adapter
	HealthCheck *monitoring.HealthChecker
	Channels    *channel.Manager
	Router      *channel.Router
	Presence    *channel.PresenceCache
	Conns       *connreg.Registry

	RateLimiter ratelimit.Limiter
	Breaker     *circuit.Breaker

	Tasks    *task.Registry
	TaskExec *task.Executor

	Handlers *handler.Registry
}

// New builds a Context from cfg. sender is the transport-specific delivery
// mechanism for the channel manager (a WebSocket hub in production, a
// recording stub in tests) — it is the one collaborator this package
// cannot construct itself, since it would otherwise import the HTTP layer
// and create a cycle (internal/httpapi already depends on internal/app).
func New(cfg *settings.Config, logger logging.Logger, sender channel.Sender) (*Context, error) {
	metrics := observability.New()

	adapter, err := newBrokerAdapter(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app: building broker adapter: %w", err)
	}

	channels := channel.NewManager(sender, logger)
	conns := connreg.New(channels, logger)
	router := channel.NewRouter()
	RegisterConfiguredRoutes(router, cfg.Realtime.Channels)
	presence := channel.NewPresenceCache(channels, presenceCacheTTL, presenceCacheSWR)

	// breaker is declared before New so its OnStateChange closure can
	// capture and report on itself once constructed.
	var breaker *circuit.Breaker
	breaker = circuit.New(circuit.Config{
		Name:             "broker",
		SuccessThreshold: uint32(maxInt(cfg.CircuitBreaker.HalfOpenMaxProbes, 1)),
		Cooldown:         time.Duration(cfg.CircuitBreaker.CooldownMS) * time.Millisecond,
		FailureRatio:     cfg.CircuitBreaker.FailureThreshold,
		Logger:           logger,
		OnStateChange: func(name string, from, to circuit.State) {
			metrics.ObserveCircuitState(breaker)
		},
	})

	rateLimiter, err := buildRateLimiter(cfg, breaker, logger)
	if err != nil {
		return nil, fmt.Errorf("app: building rate limiter: %w", err)
	}

	taskRegistry := task.NewRegistry()
	taskExec := task.NewExecutor(taskRegistry, task.Config{
		Driver:      task.Driver(cfg.TaskExecutor.DefaultDriver),
		BinaryPath:  selfExecutable(logger),
		SigningKey:  []byte(cfg.TaskExecutor.SecretKey),
		Concurrency: cfg.TaskExecutor.MaxConcurrent,
		Logger:      logger,
	})

	requiredEnv := map[string]string{
		"JWT_SECRET":       cfg.JWTSecret,
		"KAFKA_CLUSTER_ID": cfg.KafkaClusterID,
	}
	healthCheck := observability.NewHealthChecker(adapter, requiredEnv)

	return &Context{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Broker:      adapter,
		HealthCheck: healthCheck,
		Channels:    channels,
		Router:      router,
		Presence:    presence,
		Conns:       conns,
		RateLimiter: rateLimiter,
		Breaker:     breaker,
		Tasks:       taskRegistry,
		TaskExec:    taskExec,
		Handlers:    handler.NewRegistry(),
	}, nil
}

// RegisterConfiguredRoutes installs spec.md §6's Realtime.channels entries
// into router. Exported so cmd/signalman's channel:list can build the same
// route table outside a running server process, without duplicating the
// config-to-route translation.
func RegisterConfiguredRoutes(router *channel.Router, routes []settings.ChannelRoute) {
	for _, rt := range routes {
		router.Register(&channel.Route{Pattern: rt.Pattern, Guards: rt.Guards})
	}
}

// newBrokerAdapter selects the concrete broker.Adapter implementation per
// cfg.Broker.Driver. "memory" is the in-process test double; anything else
// is treated as "kafka", the one wire backend this repository ships.
func newBrokerAdapter(cfg *settings.Config, logger logging.Logger) (broker.Adapter, error) {
	if cfg.Broker.Driver == "memory" {
		return broker.NewMemoryAdapter(), nil
	}
	return broker.NewKafkaAdapter(cfg.KafkaBrokers, "signalman", cfg.KafkaConsumerGroup, logger)
}

// buildRateLimiter assembles the per-layer limiters spec.md §4.4 describes
// into a single MultiLayer, then wraps it in the Adaptive limiter so every
// admission check also consults the blended load factor (CPU/mem from
// systemSampler, which reports zero for both, plus the circuit breaker's
// own state).
func buildRateLimiter(cfg *settings.Config, breaker *circuit.Breaker, logger logging.Logger) (ratelimit.Limiter, error) {
	var redisClient goredis.UniversalClient
	if len(cfg.RedisAddrs) > 0 {
		client, err := redisclient.NewUniversalClient(context.Background(), redisclient.Config{
			Mode:     redisclient.ModeSingle,
			Addrs:    cfg.RedisAddrs,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			if logger != nil {
				logger.WithError(err).Warn("redis unavailable, falling back to in-process rate limit state")
			}
		} else {
			redisClient = client
		}
	}

	layers := make([]ratelimit.LayeredLimiter, 0, len(ratelimit.LayerPriority))
	for _, l := range ratelimit.LayerPriority {
		lc, ok := cfg.RateLimit[l]
		if !ok || !lc.Enabled {
			continue
		}
		layers = append(layers, ratelimit.LayeredLimiter{
			Layer:   l,
			Limiter: newLayerLimiter(l, lc, redisClient, logger),
		})
	}
	base := ratelimit.NewMultiLayer(layers...)

	source := circuit.CombinedLoadSource{Breaker: breaker, System: systemSampler}
	adaptive := ratelimit.NewAdaptive(base, cfg.Adaptive.BaseLimit, cfg.Adaptive.AdjustmentRate, cfg.Adaptive.LoadUpdateInterval, source)
	return adaptive, nil
}

// newLayerLimiter picks the concrete algorithm for one layer. token_bucket
// and sliding_window are the two algorithms grounded in this repository's
// own ratelimit package; fixed_window and leaky_bucket are recognized
// configuration values (spec.md §6) with no grounded implementation
// anywhere in the pack, so they degrade to sliding_window with a logged
// warning rather than an invented, ungrounded algorithm.
func newLayerLimiter(layer ratelimit.Layer, lc settings.RateLimitLayerConfig, redisClient goredis.UniversalClient, logger logging.Logger) ratelimit.Limiter {
	algorithm := lc.Algorithm
	switch algorithm {
	case "token_bucket":
		if redisClient != nil {
			refillRate := float64(lc.Limit) / lc.Window.Seconds()
			return ratelimit.NewRedisTokenBucket(redisClient, "signalman:rl", layer, float64(lc.Limit), refillRate, logger)
		}
		refillRate := float64(lc.Limit) / lc.Window.Seconds()
		return ratelimit.NewTokenBucket(layer, float64(lc.Limit), refillRate)
	case "sliding_window":
		if redisClient != nil {
			return ratelimit.NewRedisSlidingWindow(redisClient, "signalman:rl", layer, lc.Limit, lc.Window, logger)
		}
		return ratelimit.NewSlidingWindow(layer, lc.Limit, lc.Window)
	default:
		if logger != nil {
			logger.WithField("layer", string(layer)).WithField("algorithm", algorithm).
				Warn("unsupported rate limit algorithm, defaulting to sliding_window")
		}
		return ratelimit.NewSlidingWindow(layer, lc.Limit, lc.Window)
	}
}

// systemSampler reads process load for the adaptive limiter's CPU/mem
// dimensions. A minimal, dependency-free sampler: Go exposes no portable
// 1-minute load average, so this reports 0 and leaves the circuit-breaker
// dimension (the part that actually drives admission under an open
// circuit) as the meaningful signal; operators needing real host load
// wire a custom circuit.SystemSampler into CombinedLoadSource instead.
func systemSampler() circuit.SystemSample {
	return circuit.SystemSample{}
}

func selfExecutable(logger logging.Logger) string {
	path, err := os.Executable()
	if err != nil {
		if logger != nil {
			logger.WithError(err).Warn("could not resolve self executable path for process-driver tasks")
		}
		return ""
	}
	return path
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
