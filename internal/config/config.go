package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ErrMissingDatabaseURL is returned when no database URL is configured.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// Queue backends.
const (
	QueueRedis = "redis"
	QueueAsynq = "asynq"
)

// Config holds application configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url" toml:"database_url" env:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" toml:"redis_url" env:"REDIS_URL, default=redis://localhost:6379/0"`
	ServerPort  string `yaml:"server_port" toml:"server_port" env:"SERVER_PORT, default=8080"`

	UserAgent string        `yaml:"user_agent" toml:"user_agent" env:"FETCHER_USER_AGENT, default=ChannelVault/1.0"`
	Timeout   time.Duration `yaml:"timeout" toml:"timeout" env:"FETCHER_TIMEOUT, default=30s"`
	Retries   uint64        `yaml:"retries" toml:"retries" env:"FETCHER_RETRIES, default=2"`
	MaxBytes  int64         `yaml:"max_bytes" toml:"max_bytes" env:"FETCHER_MAX_BYTES, default=67108864"`

	QueueBackend      string `yaml:"queue_backend" toml:"queue_backend" env:"QUEUE_BACKEND, default=redis"`
	WorkerConcurrency int    `yaml:"worker_concurrency" toml:"worker_concurrency" env:"WORKER_CONCURRENCY, default=4"`

	// Lost-job recovery: Queued jobs idle for RecoverQueuedAfter are published
	// again, InProgress attempts older than RecoverRunningAfter are failed.
	RecoverEvery        time.Duration `yaml:"recover_every" toml:"recover_every" env:"JOB_RECOVER_EVERY, default=1m"`
	RecoverQueuedAfter  time.Duration `yaml:"recover_queued_after" toml:"recover_queued_after" env:"JOB_RECOVER_QUEUED_AFTER, default=5m"`
	RecoverRunningAfter time.Duration `yaml:"recover_running_after" toml:"recover_running_after" env:"JOB_RECOVER_RUNNING_AFTER, default=15m"`

	JobsBroadcastInterval  time.Duration `yaml:"jobs_broadcast_interval" toml:"jobs_broadcast_interval" env:"JOBS_BROADCAST_INTERVAL, default=5s"`
	StatsBroadcastInterval time.Duration `yaml:"stats_broadcast_interval" toml:"stats_broadcast_interval" env:"STATS_BROADCAST_INTERVAL, default=1s"`

	LogFormat string `yaml:"log_format" toml:"log_format" env:"LOG_FORMAT, default=text"`
	LogLevel  string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL, default=info"`
}

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load tries to load .env.local and .env first.
func Load(ctx context.Context) (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	return fromEnv(ctx, &Config{}, envconfig.OsLookuper())
}

// fromEnv fills every zero field of c from l and validates the result.
func fromEnv(ctx context.Context, c *Config, l envconfig.Lookuper) (*Config, error) {
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   c,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	switch c.QueueBackend {
	case QueueRedis, QueueAsynq:
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.QueueBackend)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: worker concurrency must be positive, got %d", c.WorkerConcurrency)
	}
	if c.JobsBroadcastInterval <= 0 || c.StatsBroadcastInterval <= 0 {
		return errors.New("config: broadcast intervals must be positive")
	}
	if c.RecoverEvery <= 0 || c.RecoverQueuedAfter <= 0 || c.RecoverRunningAfter <= 0 {
		return errors.New("config: job recovery durations must be positive")
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("config: fetcher max bytes must be positive, got %d", c.MaxBytes)
	}
	return nil
}
