// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SchedulerConfig governs the claim loop.
type SchedulerConfig struct {
	TickIntervalMs     int `mapstructure:"tick_interval_ms"`
	ClaimBatch         int `mapstructure:"claim_batch"`
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
	StorageBackoffMs   int `mapstructure:"storage_backoff_ms"`
}

// WorkerConfig sizes the execution pool.
type WorkerConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	CallTimeoutSeconds int `mapstructure:"call_timeout_seconds"`
	InlineResultBytes  int `mapstructure:"inline_result_bytes"`
}

// RetryConfig parameterizes the backoff policy.
type RetryConfig struct {
	BaseDelayMs          int `mapstructure:"base_delay_ms"`
	MaxDelaySeconds      int `mapstructure:"max_delay_seconds"`
	RateLimitedDelaySecs int `mapstructure:"rate_limited_delay_seconds"`
	QuotaBaseDelaySecs   int `mapstructure:"quota_base_delay_seconds"`
}

// ProviderConfig points at the scraping provider.
type ProviderConfig struct {
	Kind           string `mapstructure:"kind"` // remote | colly
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Account        string `mapstructure:"account"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	UserAgent      string `mapstructure:"user_agent"`
}

// RateLimitConfig bounds provider usage per account.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxInFlight       int     `mapstructure:"max_in_flight"`
	// Shared selects the Redis-backed budget so multiple instances share
	// one ceiling.
	Shared bool `mapstructure:"shared"`
}

// RedisConfig locates the shared rate-budget store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig controls access to the relational job store. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// StorageConfig sets the blob store for oversized results. A bucket selects
// GCS, a local directory selects the filesystem store, otherwise results are
// held in memory.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects the downstream sink.
type PublisherConfig struct {
	Kind           string `mapstructure:"kind"` // memory | pubsub | kafka
	Topic          string `mapstructure:"topic"`
	Retries        int    `mapstructure:"retries"`
	BackoffMs      int    `mapstructure:"backoff_ms"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig holds Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("scheduler.tick_interval_ms", 100)
	v.SetDefault("scheduler.claim_batch", 16)
	v.SetDefault("scheduler.default_max_attempts", 3)
	v.SetDefault("scheduler.storage_backoff_ms", 1000)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.call_timeout_seconds", 60)
	v.SetDefault("worker.inline_result_bytes", 262144)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_seconds", 120)
	v.SetDefault("retry.rate_limited_delay_seconds", 30)
	v.SetDefault("retry.quota_base_delay_seconds", 300)
	v.SetDefault("provider.kind", "colly")
	v.SetDefault("provider.account", "default")
	v.SetDefault("provider.poll_interval_ms", 1000)
	v.SetDefault("provider.user_agent", "crawlkit-orchestrator/0.1")
	v.SetDefault("ratelimit.requests_per_second", 5)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("ratelimit.max_in_flight", 8)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("publisher.kind", "memory")
	v.SetDefault("publisher.topic", "crawl-results")
	v.SetDefault("publisher.retries", 5)
	v.SetDefault("publisher.backoff_ms", 500)
	v.SetDefault("publisher.timeout_seconds", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("ratelimit.requests_per_second must be > 0")
	}
	if c.RateLimit.MaxInFlight <= 0 {
		return fmt.Errorf("ratelimit.max_in_flight must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Provider.Kind {
	case "remote":
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url must be set for the remote provider")
		}
	case "colly":
	default:
		return fmt.Errorf("provider.kind must be remote or colly")
	}
	switch c.Publisher.Kind {
	case "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set for the pubsub publisher")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must be set for the kafka publisher")
		}
	default:
		return fmt.Errorf("publisher.kind must be memory, pubsub or kafka")
	}
	return nil
}

// CallTimeout is the provider call budget as a duration.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Worker.CallTimeoutSeconds) * time.Second
}

// TickInterval is the scheduler tick as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
}
