package app

import (
	"testing"
	"time"

	"github.com/relaysignal/signalman/internal/channel"
	"github.com/relaysignal/signalman/internal/conn"
	"github.com/relaysignal/signalman/internal/message"
	"github.com/relaysignal/signalman/internal/ratelimit"
	"github.com/relaysignal/signalman/internal/settings"
	"github.com/relaysignal/signalman/pkg/logging"
)

type nopSender struct{ sent int }

func (s *nopSender) Send(c *conn.Connection, msg *message.Message) error {
	s.sent++
	return nil
}

func testConfig() *settings.Config {
	return &settings.Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		Broker:      settings.BrokerConfig{Driver: "memory"},
		RateLimit: map[ratelimit.Layer]settings.RateLimitLayerConfig{
			ratelimit.LayerGlobal: {Enabled: true, Limit: 100, Window: time.Minute, Algorithm: "sliding_window"},
			ratelimit.LayerIP:     {Enabled: true, Limit: 50, Window: time.Minute, Algorithm: "token_bucket"},
			// leaky_bucket has no grounded implementation in this repository;
			// exercises the degrade-to-sliding_window fallback in the same pass.
			ratelimit.LayerUser: {Enabled: true, Limit: 10, Window: time.Minute, Algorithm: "leaky_bucket"},
		},
		Adaptive: settings.AdaptiveConfig{
			BaseLimit:          100,
			AdjustmentRate:     0.5,
			LoadUpdateInterval: time.Second,
			Algorithm:          "token_bucket",
		},
		Consumer: settings.ConsumerConfig{BatchSize: 100, BatchTimeoutMS: 1000, GracefulTimeoutS: 10},
		TaskExecutor: settings.TaskExecutorConfig{
			DefaultDriver: "sync",
			MaxConcurrent: 2,
			TimeoutS:      5,
		},
		CircuitBreaker: settings.CircuitBreakerConfig{
			FailureThreshold:  0.5,
			CooldownMS:        1000,
			HalfOpenMaxProbes: 1,
		},
		Realtime: settings.RealtimeConfig{
			Channels: []settings.ChannelRoute{
				{Pattern: "room.general"},
				{Pattern: "private.*", Guards: []string{"jwt"}},
			},
		},
	}
}

// TestNewAssemblesContext exercises New once: observability.New registers
// every metric collector against Prometheus's global default registry, and
// a second registration of the same name panics, so only one Context may
// be constructed per process (and per test binary).
func TestNewAssemblesContext(t *testing.T) {
	sender := &nopSender{}
	ctx, err := New(testConfig(), logging.NewLogger(), sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ctx.Broker == nil || ctx.Channels == nil || ctx.Router == nil || ctx.Presence == nil {
		t.Fatalf("expected every transport collaborator populated, got %+v", ctx)
	}
	if ctx.RateLimiter == nil || ctx.Breaker == nil || ctx.TaskExec == nil || ctx.Handlers == nil {
		t.Fatalf("expected rate limiter / breaker / task executor / handlers populated")
	}
	if !ctx.Broker.IsConnected() {
		t.Fatalf("expected memory broker to report connected")
	}
	if ctx.Metrics == nil {
		t.Fatalf("expected metrics to be populated")
	}
	if ctx.HealthCheck == nil {
		t.Fatalf("expected health check to be populated")
	}
	if routes := ctx.Router.Routes(); len(routes) != 2 {
		t.Fatalf("expected the two configured channel routes registered, got %+v", routes)
	}
}

func TestRegisterConfiguredRoutesAppliesGuards(t *testing.T) {
	router := channel.NewRouter()
	RegisterConfiguredRoutes(router, []settings.ChannelRoute{
		{Pattern: "room.general"},
		{Pattern: "private.*", Guards: []string{"jwt"}},
	})

	routes := router.Routes()
	if len(routes) != 2 {
		t.Fatalf("expected 2 registered routes, got %d", len(routes))
	}

	found := make(map[string][]string, len(routes))
	for _, r := range routes {
		found[r.Pattern] = r.Guards
	}
	if guards, ok := found["private.*"]; !ok || len(guards) != 1 || guards[0] != "jwt" {
		t.Fatalf("expected private.* route to carry jwt guard, got %+v", found)
	}
}
