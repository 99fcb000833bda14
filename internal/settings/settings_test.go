package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaysignal/signalman/internal/ratelimit"
	"github.com/relaysignal/signalman/pkg/logging"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_CLUSTER_ID", "cluster-1")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %s", cfg.HTTPAddr)
	}
	if cfg.TaskExecutor.DefaultDriver != "process" {
		t.Fatalf("expected default task driver process, got %s", cfg.TaskExecutor.DefaultDriver)
	}
	if cfg.Consumer.BatchSize != 100 {
		t.Fatalf("expected default batch size 100, got %d", cfg.Consumer.BatchSize)
	}
	rl, ok := cfg.RateLimit[ratelimit.LayerGlobal]
	if !ok || rl.Limit != 10000 {
		t.Fatalf("expected default global rate limit, got %+v", rl)
	}
}

func TestLoadSplitsKafkaBrokers(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "broker1:9092" {
		t.Fatalf("expected 2 split brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("CONSUMER_WORKERS", "4")
	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("expected overridden http addr, got %s", cfg.HTTPAddr)
	}
	if cfg.Consumer.Workers != 4 {
		t.Fatalf("expected overridden worker count, got %d", cfg.Consumer.Workers)
	}
}

func TestLoadOverlaysYAMLChannelRoutes(t *testing.T) {
	setRequiredEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "signalman.yaml")
	yaml := []byte("realtime:\n  channels:\n    - pattern: \"chat.*\"\n      guards: [\"auth\", \"presence\"]\n  channel_middleware:\n    auth: auth_guard\n")
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("SIGNALMAN_CONFIG_FILE", path)

	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Realtime.Channels) != 1 || cfg.Realtime.Channels[0].Pattern != "chat.*" {
		t.Fatalf("expected overlaid channel route, got %+v", cfg.Realtime.Channels)
	}
	if cfg.Realtime.ChannelMiddleware["auth"] != "auth_guard" {
		t.Fatalf("expected overlaid channel middleware, got %+v", cfg.Realtime.ChannelMiddleware)
	}
	if cfg.ConfigFile() != path {
		t.Fatalf("expected ConfigFile to report overlay path, got %s", cfg.ConfigFile())
	}
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SIGNALMAN_CONFIG_FILE", "/nonexistent/path/signalman.yaml")
	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("missing overlay file should not error, got %v", err)
	}
	if cfg.ConfigFile() != "" {
		t.Fatalf("expected empty ConfigFile when overlay absent, got %s", cfg.ConfigFile())
	}
}
