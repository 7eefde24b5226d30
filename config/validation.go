package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"secupoints/adapters/sqlx"
)

var (
	storageAdapters = []string{"memory", "redis", "sql", "file"}
	sqlDrivers      = []sqlx.Driver{sqlx.DriverPostgres, sqlx.DriverMySQL, sqlx.DriverSQLite}
	logLevels       = []string{"debug", "info", "warn", "error"}
	logFormats      = []string{"json", "text"}
	logOutputs      = []string{"stdout", "stderr"}
)

// problems collects validation messages for one section.
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p *problems) oneOf(field, value string, allowed []string) {
	if !slices.Contains(allowed, value) {
		p.addf("%s must be one of: %s", field, strings.Join(allowed, ", "))
	}
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return errors.New(strings.Join(p, "; "))
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var p problems
	if s.Address == "" {
		p.addf("address cannot be empty")
	}
	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"read_timeout", s.ReadTimeout},
		{"write_timeout", s.WriteTimeout},
		{"idle_timeout", s.IdleTimeout},
		{"read_header_timeout", s.ReadHeaderTimeout},
		{"shutdown_timeout", s.ShutdownTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			p.addf("%s must be positive", t.name)
		}
	}
	return p.err()
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	var p problems
	p.oneOf("adapter", s.Adapter, storageAdapters)

	switch s.Adapter {
	case "file":
		if err := s.File.Validate(); err != nil {
			p.addf("file config: %v", err)
		}
	case "redis":
		if s.Redis.Addr == "" {
			p.addf("redis config: addr cannot be empty")
		}
	case "sql":
		if !slices.Contains(sqlDrivers, s.SQL.Driver) {
			p.addf("sql config: driver must be one of: %s, %s, %s", sqlx.DriverPostgres, sqlx.DriverMySQL, sqlx.DriverSQLite)
		}
		if s.SQL.DSN == "" {
			p.addf("sql config: dsn cannot be empty")
		}
	}
	return p.err()
}

// Validate validates file storage configuration
func (f *FileConfig) Validate() error {
	if f.Path == "" {
		return errors.New("path cannot be empty")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var p problems
	p.oneOf("level", l.Level, logLevels)
	p.oneOf("format", l.Format, logFormats)
	p.oneOf("output", l.Output, logOutputs)
	return p.err()
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	var p problems
	if m.Enabled && m.Address == "" {
		p.addf("address cannot be empty when metrics are enabled")
	}
	if m.Enabled && m.Path == "" {
		p.addf("path cannot be empty when metrics are enabled")
	}
	return p.err()
}

// Validate validates the rule catalog source
func (r *RulesConfig) Validate() error {
	var p problems
	if strings.TrimSpace(r.Path) == "" {
		p.addf("path cannot be empty")
	}
	if r.ReloadInterval < 0 {
		p.addf("reload_interval cannot be negative")
	}
	return p.err()
}

// Validate validates tracing configuration
func (t *TracingConfig) Validate() error {
	var p problems
	if t.Enabled && t.Endpoint == "" {
		p.addf("endpoint cannot be empty when tracing is enabled")
	}
	if t.Enabled && t.ServiceName == "" {
		p.addf("service_name cannot be empty when tracing is enabled")
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		p.addf("sample_ratio must be within [0, 1]")
	}
	return p.err()
}

// Validate validates webhook delivery settings
func (n *NotificationsConfig) Validate() error {
	var p problems
	for i, ep := range n.WebhookEndpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			p.addf("webhook_endpoints[%d] must be an http(s) URL", i)
		}
	}
	if len(n.WebhookEndpoints) > 0 && n.Timeout <= 0 {
		p.addf("timeout must be positive when webhooks are configured")
	}
	return p.err()
}

// Validate validates security settings.
func (s *SecurityConfig) Validate() error {
	var p problems
	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			p.addf("rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.BurstSize <= 0 {
			p.addf("rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			p.addf("api_keys[%d] is empty", i)
		}
	}
	return p.err()
}
