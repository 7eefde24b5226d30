package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"secupoints/adapters/redis"
	"secupoints/adapters/sqlx"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" env:"SECUPOINTS_ENV"`
	Profile     string      `json:"profile" env:"SECUPOINTS_PROFILE"`

	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Rule catalog source
	Rules RulesConfig `json:"rules"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Metrics and monitoring
	Metrics MetricsConfig `json:"metrics"`

	// Distributed tracing
	Tracing TracingConfig `json:"tracing"`

	// Outbound notification delivery
	Notifications NotificationsConfig `json:"notifications"`

	// Security configuration
	Security SecurityConfig `json:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" env:"SECUPOINTS_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" env:"SECUPOINTS_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" env:"SECUPOINTS_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" env:"SECUPOINTS_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" env:"SECUPOINTS_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" env:"SECUPOINTS_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" env:"SECUPOINTS_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" env:"SECUPOINTS_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds storage adapter configuration
type StorageConfig struct {
	Adapter string       `json:"adapter" env:"SECUPOINTS_STORAGE_ADAPTER"`
	Redis   redis.Config `json:"redis,omitempty"`
	SQL     sqlx.Config  `json:"sql,omitempty"`
	File    FileConfig   `json:"file,omitempty"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" env:"SECUPOINTS_STORAGE_FILE_PATH"`
}

// RulesConfig locates the YAML rule catalog and controls hot reload.
type RulesConfig struct {
	Path           string        `json:"path" env:"SECUPOINTS_RULES_PATH"`
	ReloadInterval time.Duration `json:"reload_interval" env:"SECUPOINTS_RULES_RELOAD_INTERVAL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" env:"SECUPOINTS_LOG_LEVEL"`
	Format     string            `json:"format" env:"SECUPOINTS_LOG_FORMAT"`
	Output     string            `json:"output" env:"SECUPOINTS_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" env:"SECUPOINTS_METRICS_ENABLED"`
	Address       string `json:"address" env:"SECUPOINTS_METRICS_ADDR"`
	Path          string `json:"path" env:"SECUPOINTS_METRICS_PATH"`
	Namespace     string `json:"namespace" env:"SECUPOINTS_METRICS_NAMESPACE"`
	CollectSystem bool   `json:"collect_system" env:"SECUPOINTS_METRICS_COLLECT_SYSTEM"`
}

// TracingConfig configures the OTLP/HTTP span exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" env:"SECUPOINTS_TRACING_ENABLED"`
	Endpoint    string  `json:"endpoint" env:"SECUPOINTS_TRACING_ENDPOINT"`
	Insecure    bool    `json:"insecure" env:"SECUPOINTS_TRACING_INSECURE"`
	ServiceName string  `json:"service_name" env:"SECUPOINTS_TRACING_SERVICE_NAME"`
	SampleRatio float64 `json:"sample_ratio" env:"SECUPOINTS_TRACING_SAMPLE_RATIO"`
}

// NotificationsConfig configures the webhook sink for events and
// side-effect notifications.
type NotificationsConfig struct {
	WebhookEndpoints []string      `json:"webhook_endpoints,omitempty" env:"SECUPOINTS_WEBHOOK_ENDPOINTS"`
	WebhookSecret    string        `json:"webhook_secret,omitempty" env:"SECUPOINTS_WEBHOOK_SECRET"`
	Timeout          time.Duration `json:"timeout" env:"SECUPOINTS_WEBHOOK_TIMEOUT"`
	ForwardEvents    bool          `json:"forward_events" env:"SECUPOINTS_WEBHOOK_FORWARD_EVENTS"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" env:"SECUPOINTS_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty"`
	APIKeys         []string        `json:"api_keys,omitempty" env:"SECUPOINTS_SECURITY_API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" env:"SECUPOINTS_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" env:"SECUPOINTS_SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" env:"SECUPOINTS_SECURITY_RATE_LIMIT_CLEANUP"`
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load from environment variables
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return errors.New("config file path must not traverse directories")
	}

	if !strings.HasSuffix(strings.ToLower(cleanPath), ".json") {
		return errors.New("config file must have .json extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	// Validate the path for security
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Environment variables override file values
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres, ""),
			File: FileConfig{
				Path: "./data/secupoints.json",
			},
		},
		Rules: RulesConfig{
			Path:           "./configs/rules.yaml",
			ReloadInterval: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			Address:       ":9090",
			Path:          "/metrics",
			Namespace:     "secupoints",
			CollectSystem: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "secupoints",
			SampleRatio: 1,
		},
		Notifications: NotificationsConfig{
			Timeout: 2 * time.Second,
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var p problems
	if c.Environment == "" {
		p.addf("environment cannot be empty")
	}

	sections := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"storage", c.Storage.Validate},
		{"rules", c.Rules.Validate},
		{"logging", c.Logging.Validate},
		{"metrics", c.Metrics.Validate},
		{"tracing", c.Tracing.Validate},
		{"notifications", c.Notifications.Validate},
		{"security", c.Security.Validate},
	}
	for _, s := range sections {
		if err := s.fn(); err != nil {
			p.addf("%s config: %v", s.name, err)
		}
	}
	return p.err()
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "[REDACTED]"
	}
	if cfg.Notifications.WebhookSecret != "" {
		cfg.Notifications.WebhookSecret = "[REDACTED]"
	}
	if len(cfg.Security.APIKeys) > 0 {
		cfg.Security.APIKeys = []string{"[REDACTED]"}
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
