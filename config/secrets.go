package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretNotFound is returned when a secret store has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore resolves secrets by key.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from process environment variables.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (s *EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

func (s *EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	return v
}

// Secret keys read by LoadSecrets.
const (
	SecretSQLDSN        = "SECUPOINTS_SQL_DSN"
	SecretRedisPassword = "SECUPOINTS_REDIS_PASSWORD"
	SecretWebhookSecret = "SECUPOINTS_WEBHOOK_SECRET"
	SecretAPIKeys       = "SECUPOINTS_API_KEYS"
)

// LoadSecretsFromEnv fills connection strings and keys from the environment.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	return c.LoadSecrets(ctx, NewEnvironmentSecretStore())
}

// LoadSecrets fills connection strings and keys from store. Values already
// present in c are kept when the store has none. The storage adapter's
// credentials are required.
func (c *Config) LoadSecrets(ctx context.Context, store SecretStore) error {
	c.Storage.SQL.DSN = store.GetWithDefault(ctx, SecretSQLDSN, c.Storage.SQL.DSN)
	c.Storage.Redis.Password = store.GetWithDefault(ctx, SecretRedisPassword, c.Storage.Redis.Password)
	c.Notifications.WebhookSecret = store.GetWithDefault(ctx, SecretWebhookSecret, c.Notifications.WebhookSecret)

	if keys := store.GetWithDefault(ctx, SecretAPIKeys, ""); keys != "" {
		c.Security.APIKeys = c.Security.APIKeys[:0]
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Security.APIKeys = append(c.Security.APIKeys, k)
			}
		}
	}

	if c.Storage.Adapter == "sql" && c.Storage.SQL.DSN == "" {
		return fmt.Errorf("load secrets: %w: %s", ErrSecretNotFound, SecretSQLDSN)
	}
	return nil
}
