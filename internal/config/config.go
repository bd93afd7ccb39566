// Package config loads and validates server configuration via Viper.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/media-job-server/internal/storage/gcs"
	"github.com/JakeFAU/media-job-server/internal/storage/local"
	"github.com/JakeFAU/media-job-server/internal/storage/s3"
)

// EnvPrefix is prepended to environment overrides, e.g. MEDIAJOBS_SERVER_PORT.
const EnvPrefix = "MEDIAJOBS"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Workers WorkersConfig `mapstructure:"workers"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Media   MediaConfig   `mapstructure:"media"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Events  EventsConfig  `mapstructure:"events"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig bounds admission. MaxLength 0 means unbounded.
type QueueConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count      int           `mapstructure:"count"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// WebhookConfig tunes result delivery.
type WebhookConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

// MediaConfig locates the ffmpeg tools and the files they work on.
type MediaConfig struct {
	FFmpegPath      string        `mapstructure:"ffmpeg_path"`
	FFprobePath     string        `mapstructure:"ffprobe_path"`
	WorkDir         string        `mapstructure:"work_dir"`
	LocalFilesDir   string        `mapstructure:"local_files_dir"`
	WhipSFXPath     string        `mapstructure:"whip_sfx_path"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// StorageConfig selects where job artifacts are uploaded.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	S3      s3.Config    `mapstructure:"s3"`
}

// PubSubConfig holds the topic lifecycle events are published to. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// Every key needs a default, even an empty one, for AutomaticEnv to see it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("queue.max_length", 0)
	v.SetDefault("workers.count", runtime.NumCPU())
	v.SetDefault("workers.job_timeout", time.Duration(0))
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.base_delay", time.Second)
	v.SetDefault("webhook.max_delay", 30*time.Second)
	v.SetDefault("webhook.attempt_timeout", 10*time.Second)
	v.SetDefault("webhook.rate_per_second", 5.0)
	v.SetDefault("webhook.burst", 5)
	v.SetDefault("webhook.breaker_timeout", 30*time.Second)
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.work_dir", os.TempDir())
	v.SetDefault("media.local_files_dir", "/app/local-files")
	v.SetDefault("media.whip_sfx_path", "")
	v.SetDefault("media.download_timeout", 5*time.Minute)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local.base_dir", "data/artifacts")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.public_url", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "auto")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.public_url", "")
	v.SetDefault("storage.s3.path_style", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mediajobs")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.MaxLength < 0 {
		return fmt.Errorf("queue.max_length must be >= 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.JobTimeout < 0 {
		return fmt.Errorf("workers.job_timeout must be >= 0")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.max_attempts must be > 0")
	}
	if c.Webhook.MaxDelay < c.Webhook.BaseDelay {
		return fmt.Errorf("webhook.max_delay must be >= webhook.base_delay")
	}
	if c.Media.FFmpegPath == "" || c.Media.FFprobePath == "" {
		return fmt.Errorf("media.ffmpeg_path and media.ffprobe_path must be set")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs, s3", c.Storage.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
