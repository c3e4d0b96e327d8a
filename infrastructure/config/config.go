package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Nats        NatsConfig        `mapstructure:"nats"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Summary     SummaryConfig     `mapstructure:"summary"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Processor   ProcessorConfig   `mapstructure:"processor"`
	Health      HealthConfig      `mapstructure:"health"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NatsConfig struct {
	URL           string        `mapstructure:"url"`
	MaxAckPending int           `mapstructure:"max_ack_pending"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
}

type DatabaseConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Hostname string `mapstructure:"hostname"`
	Port     string `mapstructure:"port"`
}

// QueueConfig selects the admission queue. Backend is "nats" (durable) or "memory".
type QueueConfig struct {
	Backend  string        `mapstructure:"backend"`
	Capacity int           `mapstructure:"capacity"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
	Storage  string        `mapstructure:"storage"`
}

// SummaryConfig selects the ledger backend: "redis" or "postgres".
type SummaryConfig struct {
	Backend string `mapstructure:"backend"`
}

type WorkerConfig struct {
	Count              int           `mapstructure:"count"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	LatencyFactor      float64       `mapstructure:"latency_factor"`
	AttemptTimeoutBase time.Duration `mapstructure:"attempt_timeout_base"`
	AttemptTimeoutMin  time.Duration `mapstructure:"attempt_timeout_min"`
	AttemptTimeoutMax  time.Duration `mapstructure:"attempt_timeout_max"`
	Reconcile          bool          `mapstructure:"reconcile"`
	ReconcileTimeout   time.Duration `mapstructure:"reconcile_timeout"`
	RequeueBackoff     time.Duration `mapstructure:"requeue_backoff"`
	RequeueBackoffMax  time.Duration `mapstructure:"requeue_backoff_max"`
	RecordRetries      int           `mapstructure:"record_retries"`
}

type ProcessorConfig struct {
	DefaultURL  string  `mapstructure:"default_url"`
	FallbackURL string  `mapstructure:"fallback_url"`
	DefaultFee  float64 `mapstructure:"default_fee"`
	FallbackFee float64 `mapstructure:"fallback_fee"`
	MaxConns    int     `mapstructure:"max_conns"`
}

type HealthConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	LockLease        time.Duration `mapstructure:"lock_lease"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	LockWait         time.Duration `mapstructure:"lock_wait"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	MaxResponseTime  time.Duration `mapstructure:"max_response_time"`
}

type IdempotencyConfig struct {
	MarkerTTL time.Duration `mapstructure:"marker_ttl"`
}

// Load reads defaults, an optional yaml file and environment variables. Keys
// map to upper-case env names with dots replaced: processor.default_url is
// PROCESSOR_DEFAULT_URL.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "9999")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")

	v.SetDefault("redis.host", "localhost:6379")
	v.SetDefault("redis.pool_size", 100)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_ack_pending", 40)
	v.SetDefault("nats.ack_wait", "30s")

	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.hostname", "")
	v.SetDefault("database.port", "5432")

	v.SetDefault("queue.backend", "nats")
	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.max_wait", "200ms")
	v.SetDefault("queue.storage", "file")

	v.SetDefault("summary.backend", "redis")

	v.SetDefault("worker.count", 20)
	v.SetDefault("worker.max_attempts", 2)
	v.SetDefault("worker.latency_factor", 3.0)
	v.SetDefault("worker.attempt_timeout_base", "300ms")
	v.SetDefault("worker.attempt_timeout_min", "300ms")
	v.SetDefault("worker.attempt_timeout_max", "3s")
	v.SetDefault("worker.reconcile", true)
	v.SetDefault("worker.reconcile_timeout", "500ms")
	v.SetDefault("worker.requeue_backoff", "100ms")
	v.SetDefault("worker.requeue_backoff_max", "5s")
	v.SetDefault("worker.record_retries", 3)

	v.SetDefault("processor.default_url", "http://payment-processor-default:8080")
	v.SetDefault("processor.fallback_url", "http://payment-processor-fallback:8080")
	v.SetDefault("processor.default_fee", 0.05)
	v.SetDefault("processor.fallback_fee", 0.15)
	v.SetDefault("processor.max_conns", 64)

	v.SetDefault("health.ttl", "5s")
	v.SetDefault("health.lock_lease", "5s")
	v.SetDefault("health.probe_timeout", "2s")
	v.SetDefault("health.lock_wait", "50ms")
	v.SetDefault("health.rate_limit_backoff", "5s")
	v.SetDefault("health.check_interval", "250ms")
	v.SetDefault("health.max_response_time", "0s")

	v.SetDefault("idempotency.marker_ttl", "0s")
}

func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "nats", "memory":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Summary.Backend {
	case "redis", "postgres":
	default:
		return fmt.Errorf("unknown summary backend %q", c.Summary.Backend)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max attempts must be positive, got %d", c.Worker.MaxAttempts)
	}
	if c.Processor.DefaultURL == "" || c.Processor.FallbackURL == "" {
		return fmt.Errorf("both processor urls must be set")
	}
	return nil
}
