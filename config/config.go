// Package config loads the fabric's settings from EVENTS_* environment
// variables and builds the configured broker backend from them.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-events/broker"
	"github.com/infigaming-com/go-events/broker/driver/awsmq"
	"github.com/infigaming-com/go-events/broker/driver/redismq"
	"github.com/infigaming-com/go-events/consumer"
	"github.com/infigaming-com/go-events/observability/metrics"
)

const envPrefix = "EVENTS"

// Backend selects the broker implementation.
const (
	BackendManaged  = "managed"
	BackendEmbedded = "embedded"
)

// Config is the environment-driven configuration surface. Only the section
// matching Backend has to be populated.
type Config struct {
	Backend string `mapstructure:"BACKEND"`

	AWS   awsmq.Config   `mapstructure:"AWS"`
	Redis redismq.Config `mapstructure:"REDIS"`

	Consumer ConsumerConfig `mapstructure:"CONSUMER"`
}

// ConsumerConfig carries the numeric consumer knobs. Zero values defer to
// the runtime defaults; WaitTimeSeconds uses -1 for "unset" because 0 is a
// meaningful value (short polling).
type ConsumerConfig struct {
	BatchSize                int   `mapstructure:"BATCH_SIZE"`
	MaxConcurrency           int   `mapstructure:"MAX_CONCURRENCY"`
	VisibilityTimeoutSeconds int64 `mapstructure:"VISIBILITY_TIMEOUT_SECONDS"`
	WaitTimeSeconds          int64 `mapstructure:"WAIT_TIME_SECONDS"`
	PollingIntervalMs        int64 `mapstructure:"POLLING_INTERVAL_MS"`
	ExtendIntervalSeconds    int64 `mapstructure:"EXTEND_INTERVAL_SECONDS"`
}

// Load reads EVENTS_* variables, e.g. EVENTS_BACKEND, EVENTS_REDIS_ADDR,
// EVENTS_AWS_REGION, EVENTS_CONSUMER_BATCH_SIZE. Unset variables keep the
// defaults registered here.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so Unmarshal sees it even when only the
	// environment provides a value.
	v.SetDefault("backend", BackendEmbedded)

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.resource_prefix", "")
	v.SetDefault("aws.service_name", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.key_prefix", "")
	v.SetDefault("redis.max_receive_count", 0)

	v.SetDefault("consumer.batch_size", 0)
	v.SetDefault("consumer.max_concurrency", 0)
	v.SetDefault("consumer.visibility_timeout_seconds", 0)
	v.SetDefault("consumer.wait_time_seconds", -1)
	v.SetDefault("consumer.polling_interval_ms", 0)
	v.SetDefault("consumer.extend_interval_seconds", 0)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Backend = strings.ToLower(cfg.Backend)
	if !lo.Contains([]string{BackendManaged, BackendEmbedded}, cfg.Backend) {
		return Config{}, fmt.Errorf("config: unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

// NewBroker builds the backend Config selects. The embedded backend owns
// its Redis connection; the managed backend resolves queues and topics
// lazily against the cloud APIs.
func NewBroker(ctx context.Context, cfg Config, lg *zap.Logger, rec *metrics.Recorder) (broker.Broker, error) {
	switch cfg.Backend {
	case BackendManaged:
		c := cfg.AWS
		c.Logger = lg
		c.Metrics = rec
		return awsmq.New(ctx, c)
	case BackendEmbedded:
		c := cfg.Redis
		c.Logger = lg
		c.Metrics = rec
		return redismq.New(ctx, c)
	default:
		return nil, fmt.Errorf("config: unknown backend %q", cfg.Backend)
	}
}

// Options converts the consumer knobs into runtime options. Unset knobs
// produce no option so the runtime defaults stay in charge.
func (c ConsumerConfig) Options() []consumer.Option {
	var opts []consumer.Option
	if c.BatchSize > 0 {
		opts = append(opts, consumer.WithBatchSize(c.BatchSize))
	}
	if c.MaxConcurrency > 0 {
		opts = append(opts, consumer.WithMaxConcurrency(c.MaxConcurrency))
	}
	if c.VisibilityTimeoutSeconds > 0 {
		opts = append(opts, consumer.WithVisibilityTimeout(time.Duration(c.VisibilityTimeoutSeconds)*time.Second))
	}
	if c.WaitTimeSeconds >= 0 {
		opts = append(opts, consumer.WithWaitTime(time.Duration(c.WaitTimeSeconds)*time.Second))
	}
	if c.PollingIntervalMs > 0 {
		opts = append(opts, consumer.WithIdleDelay(time.Duration(c.PollingIntervalMs)*time.Millisecond))
	}
	if c.ExtendIntervalSeconds > 0 {
		opts = append(opts, consumer.WithExtendInterval(time.Duration(c.ExtendIntervalSeconds)*time.Second))
	}
	return opts
}
