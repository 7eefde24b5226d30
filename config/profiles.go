package config

import (
	"fmt"
	"time"

	"secupoints/adapters/sqlx"
)

// LoadProfile returns the defaults for a named deployment profile. The
// result is not validated: production connection strings and keys arrive
// later through LoadSecretsFromEnv.
func LoadProfile(name string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Profile = name

	switch name {
	case "development":
		cfg.Environment = EnvDevelopment
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
		cfg.Rules.ReloadInterval = 5 * time.Second
	case "testing":
		cfg.Environment = EnvTesting
		cfg.Server.Address = ":0"
		cfg.Logging.Level = "warn"
		cfg.Storage.Adapter = "memory"
	case "staging":
		cfg.Environment = EnvStaging
		cfg.Storage.Adapter = "redis"
		cfg.Metrics.Enabled = true
		cfg.Tracing.Enabled = true
		cfg.Tracing.SampleRatio = 0.5
		cfg.Rules.ReloadInterval = 30 * time.Second
	case "production":
		cfg.Environment = EnvProduction
		cfg.Server.CORSOrigin = ""
		cfg.Storage.Adapter = "sql"
		cfg.Storage.SQL = sqlx.DefaultConfig(sqlx.DriverPostgres, "")
		cfg.Metrics.Enabled = true
		cfg.Tracing.Enabled = true
		cfg.Tracing.Insecure = false
		cfg.Tracing.SampleRatio = 0.1
		cfg.Security.EnableRateLimit = true
		cfg.Security.RateLimit.RequestsPerMinute = 600
		cfg.Security.RateLimit.BurstSize = 50
		cfg.Rules.ReloadInterval = time.Minute
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}

	return cfg, nil
}
