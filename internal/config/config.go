// Package config loads and validates swarm configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Archive backends.
const (
	ArchiveNone     = "none"
	ArchiveMemory   = "memory"
	ArchivePostgres = "postgres"
	ArchiveSQLite   = "sqlite"
	ArchiveGCS      = "gcs"
)

// Strategy kinds.
const (
	StrategyColly     = "colly"
	StrategySimulated = "simulated"
)

// Publisher backends.
const (
	PublisherNone   = "none"
	PublisherPubSub = "pubsub"
	PublisherMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Swarm     SwarmConfig     `mapstructure:"swarm"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SwarmConfig governs the worker pool and retry behavior.
type SwarmConfig struct {
	PoolSize         int           `mapstructure:"pool_size"`
	MaxPoolSize      int           `mapstructure:"max_pool_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	MaxCrashRequeues int           `mapstructure:"max_crash_requeues"`
	RecentResults    int           `mapstructure:"recent_results"`
	Checkpoints      []int         `mapstructure:"checkpoints"`
}

// ProgressConfig controls the event hub and its sinks.
type ProgressConfig struct {
	BufferSize     int         `mapstructure:"buffer_size"`
	ListenerBuffer int         `mapstructure:"listener_buffer"`
	Batch          BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs  int         `mapstructure:"sink_timeout_ms"`
	LogEnabled     bool        `mapstructure:"log_enabled"`
	MetricsEnabled bool        `mapstructure:"metrics_enabled"`
}

// BatchConfig sizes sink batches.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// RateLimitConfig sets per-host pacing.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
	MaxHosts     int     `mapstructure:"max_hosts"`
}

// StrategyConfig selects and tunes the crawl strategy.
type StrategyConfig struct {
	Kind           string          `mapstructure:"kind"`
	UserAgent      string          `mapstructure:"user_agent"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	MaxPages       int             `mapstructure:"max_pages"`
	RespectRobots  bool            `mapstructure:"respect_robots"`
	TorProxy       string          `mapstructure:"tor_proxy"`
	I2PProxy       string          `mapstructure:"i2p_proxy"`
	Simulated      SimulatedConfig `mapstructure:"simulated"`
}

// SimulatedConfig tunes the simulated strategy.
type SimulatedConfig struct {
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	FailureRate float64       `mapstructure:"failure_rate"`
	MaxItems    int           `mapstructure:"max_items"`
	Seed        uint64        `mapstructure:"seed"`
}

// ArchiveConfig selects where terminal outcomes are persisted.
type ArchiveConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

// PostgresConfig controls the Postgres archive.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SQLiteConfig controls the SQLite archive.
type SQLiteConfig struct {
	Path       string `mapstructure:"path"`
	DisableWAL bool   `mapstructure:"disable_wal"`
}

// GCSConfig controls the Cloud Storage archive.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoadEnvFile loads KEY=value pairs from path (".env" when empty) into the
// process environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWARM")
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
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("swarm.pool_size", 4)
	v.SetDefault("swarm.max_pool_size", 64)
	v.SetDefault("swarm.max_attempts", 3)
	v.SetDefault("swarm.task_timeout", "30s")
	v.SetDefault("swarm.backoff_initial", "250ms")
	v.SetDefault("swarm.backoff_max", "5s")
	v.SetDefault("swarm.max_crash_requeues", 3)
	v.SetDefault("swarm.recent_results", 256)
	v.SetDefault("swarm.checkpoints", []int{25, 50, 75, 100})
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.listener_buffer", 256)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 2.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("rate_limit.max_hosts", 4096)
	v.SetDefault("strategy.kind", StrategyColly)
	v.SetDefault("strategy.user_agent", "crawl-swarm/0.1")
	v.SetDefault("strategy.request_timeout", "15s")
	v.SetDefault("strategy.max_pages", 20)
	v.SetDefault("strategy.respect_robots", true)
	v.SetDefault("strategy.simulated.min_delay", "100ms")
	v.SetDefault("strategy.simulated.max_delay", "2s")
	v.SetDefault("strategy.simulated.failure_rate", 0.1)
	v.SetDefault("strategy.simulated.max_items", 50)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.postgres.table", "crawl_outcomes")
	v.SetDefault("archive.postgres.max_conns", 4)
	v.SetDefault("archive.sqlite.path", "data/outcomes.db")
	v.SetDefault("archive.gcs.prefix", "outcomes")
	v.SetDefault("pubsub.backend", PublisherNone)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "crawl-swarm")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Swarm.MaxPoolSize <= 0 {
		return fmt.Errorf("swarm.max_pool_size must be > 0")
	}
	if c.Swarm.PoolSize <= 0 || c.Swarm.PoolSize > c.Swarm.MaxPoolSize {
		return fmt.Errorf("swarm.pool_size must be in [1, %d]", c.Swarm.MaxPoolSize)
	}
	if c.Swarm.MaxAttempts <= 0 {
		return fmt.Errorf("swarm.max_attempts must be > 0")
	}
	if c.Swarm.TaskTimeout <= 0 {
		return fmt.Errorf("swarm.task_timeout must be > 0")
	}
	prev := 0
	for _, cp := range c.Swarm.Checkpoints {
		if cp <= prev || cp > 100 {
			return fmt.Errorf("swarm.checkpoints must be ascending within (0, 100]")
		}
		prev = cp
	}
	switch c.Strategy.Kind {
	case StrategyColly, StrategySimulated:
	default:
		return fmt.Errorf("strategy.kind %q is not supported", c.Strategy.Kind)
	}
	switch c.Archive.Backend {
	case "", ArchiveNone, ArchiveMemory:
	case ArchivePostgres:
		if c.Archive.Postgres.DSN == "" {
			return fmt.Errorf("archive.postgres.dsn must be set for the postgres backend")
		}
	case ArchiveSQLite:
		if c.Archive.SQLite.Path == "" {
			return fmt.Errorf("archive.sqlite.path must be set for the sqlite backend")
		}
	case ArchiveGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.PubSub.Backend {
	case "", PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not supported", c.PubSub.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// BatchWait converts the batch wait into a duration.
func (c ProgressConfig) BatchWait() time.Duration {
	return time.Duration(c.Batch.MaxWaitMs) * time.Millisecond
}

// SinkTimeout converts the sink timeout into a duration.
func (c ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutMs) * time.Millisecond
}
