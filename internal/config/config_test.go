package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	if cfg.Aggregation.Interval != 60*time.Second {
		t.Errorf("default interval = %v, want 60s", cfg.Aggregation.Interval)
	}
	if cfg.HTTP.MaxBodyBytes != 16384 {
		t.Errorf("default body cap = %d, want 16384", cfg.HTTP.MaxBodyBytes)
	}
	if cfg.Database.ReadPoolSize+1 != 5 {
		t.Errorf("default connection total = %d, want 5", cfg.Database.ReadPoolSize+1)
	}
	if cfg.Addr() != "0.0.0.0:3000" {
		t.Errorf("default addr = %s, want 0.0.0.0:3000", cfg.Addr())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:/var/lib/alembic/events.db")
	t.Setenv("ALEMBIC_HOST", "127.0.0.1")
	t.Setenv("ALEMBIC_PORT", "8088")
	t.Setenv("ALEMBIC_AGGREGATION_INTERVAL", "15")
	t.Setenv("ALEMBIC_RATE_LIMIT_PER_MIN", "120")
	t.Setenv("ALEMBIC_RATE_LIMIT_BURST", "20")
	t.Setenv("ALEMBIC_LOG_JSON", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Database.Path != "/var/lib/alembic/events.db" {
		t.Errorf("database path = %s", cfg.Database.Path)
	}
	if cfg.Addr() != "127.0.0.1:8088" {
		t.Errorf("addr = %s, want 127.0.0.1:8088", cfg.Addr())
	}
	if cfg.Aggregation.Interval != 15*time.Second {
		t.Errorf("interval = %v, want 15s", cfg.Aggregation.Interval)
	}
	if cfg.RateLimit.PerMinute != 120 || cfg.RateLimit.Burst != 20 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if !cfg.Log.JSON {
		t.Error("expected JSON logging from env")
	}
}

func TestLoadFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("ALEMBIC_PORT", "not-a-port")
	t.Setenv("ALEMBIC_AGGREGATION_INTERVAL", "soon")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.HTTP.Port != 3000 {
		t.Errorf("port = %d, want default 3000", cfg.HTTP.Port)
	}
	if cfg.Aggregation.Interval != 60*time.Second {
		t.Errorf("interval = %v, want default 60s", cfg.Aggregation.Interval)
	}
}

func TestDatabasePathFromURL(t *testing.T) {
	tests := map[string]string{
		"sqlite:alembic.db":          "alembic.db",
		"sqlite://data/alembic.db":   "data/alembic.db",
		"alembic.db":                 "alembic.db",
		"sqlite:alembic.db?mode=rwc": "alembic.db",
	}
	for in, want := range tests {
		if got := databasePathFromURL(in); got != want {
			t.Errorf("databasePathFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRatePeriod(t *testing.T) {
	rl := RateLimitConfig{PerMinute: 30}
	if rl.RatePeriod() != 2*time.Second {
		t.Errorf("30/min period = %v, want 2s", rl.RatePeriod())
	}
	rl.PerMinute = 0
	if rl.RatePeriod() != time.Minute {
		t.Errorf("0/min period = %v, want 1m", rl.RatePeriod())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Aggregation.Interval = 0 }},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"zero body cap", func(c *Config) { c.HTTP.MaxBodyBytes = 0 }},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"no read pool", func(c *Config) { c.Database.ReadPoolSize = 0 }},
		{"unknown storage", func(c *Config) {
			c.Publish.Enabled = true
			c.Publish.Storage.Type = "gcs"
		}},
		{"s3 without bucket", func(c *Config) {
			c.Publish.Enabled = true
			c.Publish.Storage.Type = "s3"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alembic.yaml")
	content := `
database:
  path: /tmp/alembic-test.db
http:
  port: 9000
aggregation:
  interval: 90s
publish:
  enabled: true
  storage:
    type: s3
    s3:
      bucket: telemetry-snapshots
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/alembic-test.db" {
		t.Errorf("database path = %s", cfg.Database.Path)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.HTTP.Port)
	}
	if cfg.Aggregation.Interval != 90*time.Second {
		t.Errorf("interval = %v, want 90s", cfg.Aggregation.Interval)
	}
	// unset fields keep their defaults
	if cfg.RateLimit.Burst != 10 {
		t.Errorf("burst = %d, want default 10", cfg.RateLimit.Burst)
	}
	if cfg.Publish.Storage.S3.Bucket != "telemetry-snapshots" {
		t.Errorf("bucket = %s", cfg.Publish.Storage.S3.Bucket)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alembic.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for unsupported extension")
	}
}
