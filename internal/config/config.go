// Package config loads the taskcrewd daemon configuration from defaults,
// an optional taskcrew.yaml and TASKCREW_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/queue"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: dispatch.concurrency is TASKCREW_DISPATCH_CONCURRENCY.
const EnvPrefix = "TASKCREW"

// Config holds all configuration for the daemon.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HTTPAddr string         `mapstructure:"http_addr"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Limits   []LimitConfig  `mapstructure:"limits"`

	// Demo registers the sample handlers and seeds a few units.
	Demo bool `mapstructure:"demo"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the durable backend.
type StoreConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig configures the fast index. An empty Addr disables it.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DispatchConfig mirrors taskcrew.Config.
type DispatchConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	ResyncInterval    time.Duration `mapstructure:"resync_interval"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
	StreamChunkSize   int           `mapstructure:"stream_chunk_size"`
	StreamDelay       time.Duration `mapstructure:"stream_delay"`
	FanOut            int           `mapstructure:"fan_out"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
}

// LimitConfig is one per-worker-type limit.
type LimitConfig struct {
	WorkerType     string  `mapstructure:"worker_type"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateBurst      int     `mapstructure:"rate_burst"`
}

func setDefaults(v *viper.Viper) {
	def := taskcrew.DefaultConfig()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:taskcrew.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "taskcrew:")
	v.SetDefault("demo", false)

	v.SetDefault("dispatch.concurrency", def.Concurrency)
	v.SetDefault("dispatch.poll_interval", def.PollInterval)
	v.SetDefault("dispatch.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("dispatch.stale_threshold", def.StaleThreshold)
	v.SetDefault("dispatch.heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("dispatch.probe_interval", def.ProbeInterval)
	v.SetDefault("dispatch.resync_interval", def.ResyncInterval)
	v.SetDefault("dispatch.backoff_base", def.BackoffBase)
	v.SetDefault("dispatch.backoff_max", def.BackoffMax)
	v.SetDefault("dispatch.max_attempts", def.DefaultMaxAttempts)
	v.SetDefault("dispatch.handler_timeout", 0)
	v.SetDefault("dispatch.stream_chunk_size", def.StreamChunkSize)
	v.SetDefault("dispatch.stream_delay", def.StreamDelay)
	v.SetDefault("dispatch.fan_out", def.FanOut)
	v.SetDefault("dispatch.subscriber_buffer", def.SubscriberBuffer)
}

// Load reads the configuration. When path is empty it looks for
// taskcrew.yaml in ./configs and the working directory; a missing file is
// not an error. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskcrew")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields Load cannot default.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required for %s", c.Store.Driver)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("config: dispatch.concurrency must be positive, got %d", c.Dispatch.Concurrency)
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("config: dispatch.max_attempts must be positive, got %d", c.Dispatch.MaxAttempts)
	}
	if d := c.Dispatch; d.StaleThreshold > 0 && d.HeartbeatInterval >= d.StaleThreshold {
		return fmt.Errorf("config: dispatch.heartbeat_interval %s must be shorter than stale_threshold %s",
			d.HeartbeatInterval, d.StaleThreshold)
	}
	for i, l := range c.Limits {
		if l.WorkerType == "" {
			return fmt.Errorf("config: limits[%d].worker_type is required", i)
		}
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}

// Taskcrew converts the dispatch section into the engine configuration.
func (c *Config) Taskcrew() taskcrew.Config {
	d := c.Dispatch
	return taskcrew.Config{
		Concurrency:        d.Concurrency,
		PollInterval:       d.PollInterval,
		ShutdownTimeout:    d.ShutdownTimeout,
		StaleThreshold:     d.StaleThreshold,
		HeartbeatInterval:  d.HeartbeatInterval,
		ProbeInterval:      d.ProbeInterval,
		ResyncInterval:     d.ResyncInterval,
		BackoffBase:        d.BackoffBase,
		BackoffMax:         d.BackoffMax,
		DefaultMaxAttempts: d.MaxAttempts,
		StreamChunkSize:    d.StreamChunkSize,
		StreamDelay:        d.StreamDelay,
		FanOut:             d.FanOut,
		SubscriberBuffer:   d.SubscriberBuffer,
	}
}

// QueueLimits converts the limits section.
func (c *Config) QueueLimits() []queue.Limit {
	out := make([]queue.Limit, 0, len(c.Limits))
	for _, l := range c.Limits {
		out = append(out, queue.Limit{
			WorkerType:     l.WorkerType,
			MaxConcurrency: l.MaxConcurrency,
			RateLimit:      l.RateLimit,
			RateBurst:      l.RateBurst,
		})
	}
	return out
}
