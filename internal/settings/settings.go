// Package settings assembles the seven typed configuration sections
// SPEC_FULL.md §6 names (Broker, Realtime, RateLimit, Adaptive, Consumer,
// TaskExecutor, CircuitBreaker) out of the ground-level env helpers in
// pkg/config, plus an optional YAML overlay for the sections that don't fit
// flat env vars (channel middleware aliases, channel routes, per-layer
// rate-limit overrides). Grounded on api_realtime/cmd/signalman/main.go's
// config.RequireEnv/GetEnv reads and the operator CLI's viper config-file
// pattern (cli/cmd/root.go's initConfig).
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaysignal/signalman/internal/ratelimit"
	"github.com/relaysignal/signalman/pkg/config"
	"github.com/relaysignal/signalman/pkg/logging"
)

// BrokerConfig is spec.md §6's Broker section.
type BrokerConfig struct {
	Driver        string
	Host          string
	Port          int
	Credentials   string
	Topics        []string
	Partitions    int
	ConsumerGroup string
}

// ChannelRoute is one entry of Realtime.channels: a route pattern plus the
// guard names applied to it (resolved against internal/channel.Router's
// middleware chain).
type ChannelRoute struct {
	Pattern string
	Guards  []string
}

// RealtimeConfig is spec.md §6's Realtime section.
type RealtimeConfig struct {
	ChannelMiddleware map[string]string
	Channels          []ChannelRoute
}

// RateLimitLayerConfig is one entry of spec.md §6's "Rate limit per layer"
// section.
type RateLimitLayerConfig struct {
	Enabled   bool
	Limit     int64
	Window    time.Duration
	Algorithm string // token_bucket | sliding_window | leaky_bucket | fixed_window
}

// AdaptiveConfig is spec.md §6's Adaptive section.
type AdaptiveConfig struct {
	BaseLimit          float64
	AdjustmentRate     float64
	LoadUpdateInterval time.Duration
	Algorithm          string
}

// ConsumerConfig is spec.md §6's Consumer section.
type ConsumerConfig struct {
	Handler          string
	Driver           string
	Workers          int
	BatchSize        int
	BatchTimeoutMS   int
	TimeoutMS        int
	MaxMessages      int
	MemoryLimitMB    int
	GracefulTimeoutS int
	DLQChannel       string
}

// TaskExecutorConfig is spec.md §6's Task executor section.
type TaskExecutorConfig struct {
	DefaultDriver string // process | fork | sync
	MaxConcurrent int
	TimeoutS      int
	SecretKey     string
}

// CircuitBreakerConfig is spec.md §6's Circuit breaker section.
type CircuitBreakerConfig struct {
	FailureThreshold  float64
	CooldownMS        int
	HalfOpenMaxProbes int
}

// Config is the fully assembled, typed configuration every signalman
// process builds once at startup and passes by reference (internal/app's
// Context holds one), per SPEC_FULL.md §9's "no process-wide singletons"
// resolution.
type Config struct {
	LogLevel    string
	JWTSecret   string
	HTTPAddr    string
	MetricsAddr string

	KafkaBrokers       []string
	KafkaClusterID     string
	KafkaConsumerGroup string

	RedisAddrs    []string
	RedisPassword string

	Broker         BrokerConfig
	Realtime       RealtimeConfig
	RateLimit      map[ratelimit.Layer]RateLimitLayerConfig
	Adaptive       AdaptiveConfig
	Consumer       ConsumerConfig
	TaskExecutor   TaskExecutorConfig
	CircuitBreaker CircuitBreakerConfig

	// configFile is the path an optional YAML overlay was (or would be)
	// read from; empty when none was found. Exposed for CLI diagnostics.
	configFile string
}

// Load builds a Config from the process environment the teacher's way
// (pkg/config.LoadEnv merges .env/.env.dev, then RequireEnv/GetEnv read
// individual keys), then overlays an optional YAML file for the sections
// that are naturally nested (channel routes, per-layer rate-limit
// overrides) via viper, matching the operator CLI's config-file
// convention. A missing YAML file is not an error — every section already
// has an env-derived or built-in default.
func Load(logger logging.Logger) (*Config, error) {
	config.LoadEnv(logger)

	cfg := &Config{
		LogLevel:    config.GetEnv("LOG_LEVEL", "info"),
		JWTSecret:   config.RequireEnv("JWT_SECRET"),
		HTTPAddr:    config.GetEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: config.GetEnv("METRICS_ADDR", ":9090"),

		KafkaBrokers:       splitNonEmpty(config.RequireEnv("KAFKA_BROKERS")),
		KafkaClusterID:     config.RequireEnv("KAFKA_CLUSTER_ID"),
		KafkaConsumerGroup: config.GetEnv("KAFKA_CONSUMER_GROUP", "signalman-group"),

		RedisAddrs:    splitNonEmpty(config.GetEnv("REDIS_ADDRS", config.GetEnv("REDIS_ADDR", "localhost:6379"))),
		RedisPassword: config.GetEnv("REDIS_PASSWORD", ""),

		Broker: BrokerConfig{
			Driver:        config.GetEnv("BROKER_DRIVER", "kafka"),
			Host:          config.GetEnv("BROKER_HOST", ""),
			Port:          config.GetEnvInt("BROKER_PORT", 9092),
			Credentials:   config.GetEnv("BROKER_CREDENTIALS", ""),
			ConsumerGroup: config.GetEnv("KAFKA_CONSUMER_GROUP", "signalman-group"),
			Partitions:    config.GetEnvInt("BROKER_PARTITIONS", 1),
		},

		Realtime: RealtimeConfig{
			ChannelMiddleware: map[string]string{},
			Channels:          nil,
		},

		RateLimit: defaultRateLimitLayers(),

		Adaptive: AdaptiveConfig{
			BaseLimit:          getEnvFloat("ADAPTIVE_BASE_LIMIT", 100),
			AdjustmentRate:     getEnvFloat("ADAPTIVE_ADJUSTMENT_RATE", 0.5),
			LoadUpdateInterval: getEnvDuration("ADAPTIVE_LOAD_UPDATE_INTERVAL_MS", 5*time.Second),
			Algorithm:          config.GetEnv("ADAPTIVE_ALGORITHM", "token_bucket"),
		},

		Consumer: ConsumerConfig{
			Handler:          config.GetEnv("CONSUMER_HANDLER", ""),
			Driver:           config.GetEnv("CONSUMER_DRIVER", "process"),
			Workers:          config.GetEnvInt("CONSUMER_WORKERS", 1),
			BatchSize:        config.GetEnvInt("CONSUMER_BATCH_SIZE", 100),
			BatchTimeoutMS:   config.GetEnvInt("CONSUMER_BATCH_TIMEOUT_MS", 1000),
			TimeoutMS:        config.GetEnvInt("CONSUMER_TIMEOUT_MS", 30000),
			MaxMessages:      config.GetEnvInt("CONSUMER_MAX_MESSAGES", 0),
			MemoryLimitMB:    config.GetEnvInt("CONSUMER_MEMORY_LIMIT_MB", 0),
			GracefulTimeoutS: config.GetEnvInt("CONSUMER_GRACEFUL_TIMEOUT_S", 10),
			DLQChannel:       config.GetEnv("CONSUMER_DLQ_CHANNEL", ""),
		},

		TaskExecutor: TaskExecutorConfig{
			DefaultDriver: config.GetEnv("TASK_DEFAULT_DRIVER", "process"),
			MaxConcurrent: config.GetEnvInt("TASK_MAX_CONCURRENT", 4),
			TimeoutS:      config.GetEnvInt("TASK_TIMEOUT_S", 30),
			SecretKey:     config.GetEnv("TASK_SECRET_KEY", ""),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  getEnvFloat("CIRCUIT_FAILURE_THRESHOLD", 0.5),
			CooldownMS:        config.GetEnvInt("CIRCUIT_COOLDOWN_MS", 5000),
			HalfOpenMaxProbes: config.GetEnvInt("CIRCUIT_HALF_OPEN_MAX_PROBES", 1),
		},
	}

	if err := overlayYAML(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayYAML reads an optional config file (path from SIGNALMAN_CONFIG_FILE,
// default ./signalman.yaml) and merges its realtime.channel_middleware,
// realtime.channels, and rate_limit sections over the env-derived defaults.
// Absence of the file is not an error, matching cli/cmd/root.go's
// "_ = viper.ReadInConfig()" convention.
func overlayYAML(cfg *Config) error {
	explicit := config.GetEnv("SIGNALMAN_CONFIG_FILE", "")
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("signalman")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("settings: reading config file: %w", err)
	}
	cfg.configFile = v.ConfigFileUsed()

	if mw := v.GetStringMapString("realtime.channel_middleware"); len(mw) > 0 {
		cfg.Realtime.ChannelMiddleware = mw
	}
	if v.IsSet("realtime.channels") {
		var routes []ChannelRoute
		if err := v.UnmarshalKey("realtime.channels", &routes); err != nil {
			return fmt.Errorf("settings: parsing realtime.channels: %w", err)
		}
		cfg.Realtime.Channels = routes
	}
	if v.IsSet("rate_limit") {
		var overrides map[string]RateLimitLayerConfig
		if err := v.UnmarshalKey("rate_limit", &overrides); err != nil {
			return fmt.Errorf("settings: parsing rate_limit: %w", err)
		}
		for layer, rl := range overrides {
			cfg.RateLimit[ratelimit.Layer(layer)] = rl
		}
	}
	return nil
}

// ConfigFile returns the path of the YAML overlay actually loaded, or ""
// if none was found.
func (c *Config) ConfigFile() string { return c.configFile }

func defaultRateLimitLayers() map[ratelimit.Layer]RateLimitLayerConfig {
	return map[ratelimit.Layer]RateLimitLayerConfig{
		ratelimit.LayerGlobal:     {Enabled: true, Limit: 10000, Window: time.Minute, Algorithm: "sliding_window"},
		ratelimit.LayerIP:         {Enabled: true, Limit: 600, Window: time.Minute, Algorithm: "token_bucket"},
		ratelimit.LayerConnection: {Enabled: true, Limit: 300, Window: time.Minute, Algorithm: "token_bucket"},
		ratelimit.LayerUser:       {Enabled: true, Limit: 1200, Window: time.Minute, Algorithm: "sliding_window"},
		ratelimit.LayerAPIKey:     {Enabled: false, Limit: 6000, Window: time.Minute, Algorithm: "sliding_window"},
		ratelimit.LayerChannel:    {Enabled: true, Limit: 2000, Window: time.Minute, Algorithm: "fixed_window"},
	}
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvFloat(key string, defaultValue float64) float64 {
	raw := config.GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	ms := config.GetEnvInt(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
