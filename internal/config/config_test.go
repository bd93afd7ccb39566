package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  shutdown_timeout: 3s
auth:
  enabled: true
  api_key: secret
queue:
  max_length: 12
workers:
  count: 3
  job_timeout: 2m
webhook:
  max_attempts: 2
  base_delay: 200ms
  max_delay: 1s
media:
  local_files_dir: /srv/tracks
  whip_sfx_path: /srv/sfx/whoosh.wav
storage:
  backend: s3
  prefix: jobs/
  s3:
    bucket: artifacts
    endpoint: https://r2.example.com
    path_style: true
pubsub:
  project_id: demo
  topic: job-events
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Queue.MaxLength != 12 || cfg.Workers.Count != 3 || cfg.Workers.JobTimeout != 2*time.Minute {
		t.Fatalf("expected queue and worker overrides, got %+v %+v", cfg.Queue, cfg.Workers)
	}
	if cfg.Webhook.MaxAttempts != 2 || cfg.Webhook.BaseDelay != 200*time.Millisecond {
		t.Fatalf("expected webhook overrides, got %+v", cfg.Webhook)
	}
	if cfg.Webhook.AttemptTimeout != 10*time.Second {
		t.Fatalf("expected default attempt timeout, got %v", cfg.Webhook.AttemptTimeout)
	}
	if cfg.Media.LocalFilesDir != "/srv/tracks" || cfg.Media.FFmpegPath != "ffmpeg" {
		t.Fatalf("expected media overrides with defaults, got %+v", cfg.Media)
	}
	if cfg.Storage.Backend != BackendS3 || cfg.Storage.S3.Bucket != "artifacts" || !cfg.Storage.S3.PathStyle {
		t.Fatalf("expected s3 storage, got %+v", cfg.Storage)
	}
	if cfg.Storage.S3.Region != "auto" {
		t.Fatalf("expected default region, got %q", cfg.Storage.S3.Region)
	}
	if cfg.PubSub.Topic != "job-events" || cfg.Logging.Development {
		t.Fatalf("expected pubsub and logging overrides")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Workers.Count <= 0 {
		t.Fatalf("expected worker count from CPUs, got %d", cfg.Workers.Count)
	}
	if cfg.Queue.MaxLength != 0 {
		t.Fatalf("expected unbounded queue, got %d", cfg.Queue.MaxLength)
	}
	if cfg.Tracing.ServiceName != "mediajobs" {
		t.Fatalf("expected service name default, got %q", cfg.Tracing.ServiceName)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MEDIAJOBS_QUEUE_MAX_LENGTH", "7")
	t.Setenv("MEDIAJOBS_STORAGE_GCS_BUCKET", "from-env")
	t.Setenv("MEDIAJOBS_STORAGE_BACKEND", "gcs")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.MaxLength != 7 {
		t.Fatalf("expected env override, got %d", cfg.Queue.MaxLength)
	}
	if cfg.Storage.GCS.Bucket != "from-env" {
		t.Fatalf("expected bucket from env, got %q", cfg.Storage.GCS.Bucket)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Workers: WorkersConfig{Count: 2},
		Webhook: WebhookConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		Media:   MediaConfig{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"},
		Storage: StorageConfig{Backend: BackendMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "invalid port", mut: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mut: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "negative queue", mut: func(c *Config) { c.Queue.MaxLength = -1 }, want: "queue.max_length"},
		{name: "no workers", mut: func(c *Config) { c.Workers.Count = 0 }, want: "workers.count"},
		{name: "no attempts", mut: func(c *Config) { c.Webhook.MaxAttempts = 0 }, want: "webhook.max_attempts"},
		{name: "inverted delays", mut: func(c *Config) { c.Webhook.MaxDelay = time.Millisecond }, want: "webhook.max_delay"},
		{name: "unknown backend", mut: func(c *Config) { c.Storage.Backend = "ftp" }, want: "storage.backend"},
		{name: "local without dir", mut: func(c *Config) { c.Storage.Backend = BackendLocal }, want: "storage.local.base_dir"},
		{name: "gcs without bucket", mut: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.gcs.bucket"},
		{name: "s3 without bucket", mut: func(c *Config) { c.Storage.Backend = BackendS3 }, want: "storage.s3.bucket"},
		{name: "topic without project", mut: func(c *Config) { c.PubSub.Topic = "t" }, want: "pubsub.project_id"},
		{name: "sample ratio", mut: func(c *Config) { c.Tracing.SampleRatio = 2 }, want: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
