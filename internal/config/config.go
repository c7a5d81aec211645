// Package config provides configuration for the alembic telemetry service.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for all alembic components.
type Config struct {
	// Database configures the embedded event store
	Database DatabaseConfig `json:"database" yaml:"database"`

	// HTTP configures the API server
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Aggregation configures the recompute scheduler
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`

	// RateLimit configures per-client request limiting on API routes
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Publish configures snapshot publishing to object storage
	Publish PublishConfig `json:"publish" yaml:"publish"`

	// Tracing configures OpenTelemetry
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	// Log configures structured logging
	Log LogConfig `json:"log" yaml:"log"`
}

// DatabaseConfig holds embedded store configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path"`

	// ReadPoolSize is the number of read connections; one writer connection
	// is always added on top
	ReadPoolSize int `json:"read_pool_size" yaml:"read_pool_size"`

	// BusyTimeout is how long a connection waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Host is the bind address
	Host string `json:"host" yaml:"host"`

	// Port is the bind port
	Port int `json:"port" yaml:"port"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxBodyBytes caps request bodies on API routes
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// AggregationConfig holds recompute scheduler configuration.
type AggregationConfig struct {
	// Interval is the time between scheduled recomputes
	Interval time.Duration `json:"interval" yaml:"interval"`

	// RunTimeout bounds a single recompute; zero means no bound
	RunTimeout time.Duration `json:"run_timeout" yaml:"run_timeout"`
}

// RateLimitConfig holds request rate limiting configuration.
type RateLimitConfig struct {
	// PerMinute is the sustained number of requests per client per minute
	PerMinute int `json:"per_minute" yaml:"per_minute"`

	// Burst is the number of requests a client may make at once
	Burst int `json:"burst" yaml:"burst"`
}

// PublishConfig holds snapshot publishing configuration.
type PublishConfig struct {
	// Enabled turns publishing on
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Key is the object key the latest snapshot is written to
	Key string `json:"key" yaml:"key"`

	// Storage selects the object storage backend
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	// Enabled installs a tracer provider
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Stdout exports spans to stdout
	Stdout bool `json:"stdout" yaml:"stdout"`

	// ServiceName is reported as service.name
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// JSON switches from text to JSON output
	JSON bool `json:"json" yaml:"json"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         "alembic.db",
			ReadPoolSize: 4,
			BusyTimeout:  5 * time.Second,
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 16 * 1024,
		},
		Aggregation: AggregationConfig{
			Interval:   60 * time.Second,
			RunTimeout: 2 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 30,
			Burst:     10,
		},
		Publish: PublishConfig{
			Enabled: false,
			Key:     "insights/latest.json.sz",
			Storage: StorageConfig{
				Type: "local",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "alembic",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Resolve fills paths derived from the database location.
func (c *Config) Resolve() {
	if c.Database.Path == "" {
		c.Database.Path = "alembic.db"
	}
	if c.Publish.Storage.Path == "" {
		c.Publish.Storage.Path = filepath.Join(filepath.Dir(c.Database.Path), "snapshots")
	}
	if c.Publish.Key == "" {
		c.Publish.Key = "insights/latest.json.sz"
	}
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// RatePeriod returns the interval between replenished request tokens:
// 60s / PerMinute, or a full minute when PerMinute is zero.
func (c *RateLimitConfig) RatePeriod() time.Duration {
	if c.PerMinute <= 0 {
		return time.Minute
	}
	return time.Minute / time.Duration(c.PerMinute)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.ReadPoolSize < 1 {
		return fmt.Errorf("database.read_pool_size must be at least 1, got %d", c.Database.ReadPoolSize)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be positive, got %d", c.HTTP.MaxBodyBytes)
	}
	if c.Aggregation.Interval <= 0 {
		return fmt.Errorf("aggregation.interval must be positive, got %v", c.Aggregation.Interval)
	}
	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate_limit.per_minute must not be negative, got %d", c.RateLimit.PerMinute)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1, got %d", c.RateLimit.Burst)
	}

	if c.Publish.Enabled {
		switch c.Publish.Storage.Type {
		case "local":
		case "s3":
			if c.Publish.Storage.S3.Bucket == "" {
				return fmt.Errorf("publish.storage.s3.bucket is required when storage type is s3")
			}
		default:
			return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Publish.Storage.Type)
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies environment overrides. Variables use the ALEMBIC_
// prefix, plus DATABASE_URL for the store location. Values that do not
// parse are ignored and the current setting is kept.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.Path = databasePathFromURL(v)
	}
	if v := os.Getenv("ALEMBIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	setInt(&cfg.Database.ReadPoolSize, "ALEMBIC_DATABASE_READ_POOL_SIZE")

	// HTTP configuration
	if v := os.Getenv("ALEMBIC_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	setInt(&cfg.HTTP.Port, "ALEMBIC_PORT")
	if v := os.Getenv("ALEMBIC_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HTTP.MaxBodyBytes = n
		}
	}

	// Aggregation interval: whole seconds, or a Go duration string
	if v := os.Getenv("ALEMBIC_AGGREGATION_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Aggregation.Interval = time.Duration(secs) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregation.Interval = d
		}
	}

	// Rate limiting
	setInt(&cfg.RateLimit.PerMinute, "ALEMBIC_RATE_LIMIT_PER_MIN")
	setInt(&cfg.RateLimit.Burst, "ALEMBIC_RATE_LIMIT_BURST")

	// Publishing
	setBool(&cfg.Publish.Enabled, "ALEMBIC_PUBLISH_ENABLED")
	if v := os.Getenv("ALEMBIC_PUBLISH_KEY"); v != "" {
		cfg.Publish.Key = v
	}
	if v := os.Getenv("ALEMBIC_STORAGE_TYPE"); v != "" {
		cfg.Publish.Storage.Type = v
	}
	if v := os.Getenv("ALEMBIC_STORAGE_PATH"); v != "" {
		cfg.Publish.Storage.Path = v
	}
	if v := os.Getenv("ALEMBIC_S3_BUCKET"); v != "" {
		cfg.Publish.Storage.S3.Bucket = v
	}
	if v := os.Getenv("ALEMBIC_S3_REGION"); v != "" {
		cfg.Publish.Storage.S3.Region = v
	}
	if v := os.Getenv("ALEMBIC_S3_ENDPOINT"); v != "" {
		cfg.Publish.Storage.S3.Endpoint = v
	}

	// Tracing and logging
	setBool(&cfg.Tracing.Enabled, "ALEMBIC_TRACING_ENABLED")
	setBool(&cfg.Tracing.Stdout, "ALEMBIC_TRACING_STDOUT")
	if v := os.Getenv("ALEMBIC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	setBool(&cfg.Log.JSON, "ALEMBIC_LOG_JSON")
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Database.Path)}
	if c.Publish.Enabled && c.Publish.Storage.Type == "local" {
		dirs = append(dirs, c.Publish.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// databasePathFromURL accepts "sqlite:path", "sqlite://path" or a bare path.
func databasePathFromURL(u string) string {
	u = strings.TrimPrefix(u, "sqlite://")
	u = strings.TrimPrefix(u, "sqlite:")
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return u
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
