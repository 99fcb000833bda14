package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relaysignal/signalman/internal/broker"
	"github.com/relaysignal/signalman/internal/circuit"
)

// TestMetricsLifecycle exercises Metrics end-to-end in one test: the
// underlying MetricsCollector registers every collector against
// Prometheus's default registry, which panics on a second registration of
// the same name, so only one Metrics may be constructed per process (and
// per test binary).
func TestMetricsLifecycle(t *testing.T) {
	m := New()

	m.ObserveUptime()
	first := testutil.ToFloat64(m.Uptime)
	time.Sleep(5 * time.Millisecond)
	m.ObserveUptime()
	second := testutil.ToFloat64(m.Uptime)
	if second < first {
		t.Fatalf("expected uptime to increase, got %v then %v", first, second)
	}

	b := circuit.New(circuit.Config{Name: "broker", MinRequests: 2, FailureRatio: 0.5})
	m.ObserveCircuitState(b)
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("broker")); got != 0 {
		t.Fatalf("expected closed breaker to report 0, got %v", got)
	}

	m.HubMessages.WithLabelValues("events", "outbound").Inc()
	if got := testutil.ToFloat64(m.HubMessages.WithLabelValues("events", "outbound")); got != 1 {
		t.Fatalf("expected hub message counter to increment, got %v", got)
	}
}

func TestNewHealthCheckerReportsBrokerStatus(t *testing.T) {
	adapter := broker.NewMemoryAdapter()
	hc := NewHealthChecker(adapter, map[string]string{"JWT_SECRET": "x"})
	status := hc.CheckHealth()
	if status.Service != "signalman" {
		t.Fatalf("expected service name signalman, got %s", status.Service)
	}
	if status.Checks["broker"].Status != "healthy" {
		t.Fatalf("expected broker check healthy, got %+v", status.Checks["broker"])
	}
}

func TestNewHealthCheckerReportsConfigMissing(t *testing.T) {
	adapter := broker.NewMemoryAdapter()
	hc := NewHealthChecker(adapter, map[string]string{"MISSING": ""})
	status := hc.CheckHealth()
	if status.Status != "unhealthy" {
		t.Fatalf("expected unhealthy when required config missing, got %s", status.Status)
	}
}
