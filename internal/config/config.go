// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dhawalhost/dirsync/pkg/database"
	"github.com/go-playground/validator/v10"
)

// SyncConfig controls when and how runs execute.
type SyncConfig struct {
	// Enabled turns the scheduler and the remote directories on.
	Enabled       bool
	Cron          string        `validate:"required"`
	RetryAttempts int           `validate:"min=1,max=10"`
	RetryBackoff  time.Duration `validate:"min=0"`
	Concurrency   int           `validate:"min=1,max=64"`
	UserTimeout   time.Duration `validate:"gt=0"`
}

// HTTPConfig holds the API listener and the outbound client timeout.
type HTTPConfig struct {
	Addr    string        `validate:"required"`
	Timeout time.Duration `validate:"gt=0"`
}

// KeycloakConfig points at the internal directory.
type KeycloakConfig struct {
	URL           string `validate:"omitempty,url"`
	Realm         string
	ClientID      string
	AdminUsername string
	AdminPassword string
	DefaultRole   string
}

// EngineConfig points at the external directory.
type EngineConfig struct {
	URL       string `validate:"omitempty,url"`
	Login     string
	Password  string
	App       string
	RateLimit float64 `validate:"min=0"`
}

// RedisConfig selects the status cache. An empty Addr keeps state in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"min=0"`
}

// WebhookConfig lists event delivery targets.
type WebhookConfig struct {
	URLs   []string `validate:"dive,url"`
	Secret string
}

type Config struct {
	LogLevel     string `validate:"oneof=debug info warn error"`
	OTLPEndpoint string
	Sync         SyncConfig
	HTTP         HTTPConfig
	Keycloak     KeycloakConfig
	Engine       EngineConfig
	Database     database.Config
	Redis        RedisConfig
	Webhooks     WebhookConfig
}

// Load reads configuration from environment variables.
// It fails fast with clear errors for missing required values. Remote
// settings are only required while synchronization is enabled.
func Load() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		LogLevel:     strings.ToLower(l.str("LOG_LEVEL", "info")),
		OTLPEndpoint: l.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Sync: SyncConfig{
			Enabled:       l.boolean("SYNC_ENABLED", true),
			Cron:          l.str("SYNC_CRON", "*/30 * * * *"),
			RetryAttempts: l.integer("SYNC_RETRY_ATTEMPTS", 3),
			RetryBackoff:  l.duration("SYNC_RETRY_BACKOFF", time.Minute),
			Concurrency:   l.integer("SYNC_CONCURRENCY", 8),
			UserTimeout:   l.duration("SYNC_USER_TIMEOUT", 30*time.Second),
		},
		HTTP: HTTPConfig{
			Addr:    l.str("HTTP_ADDR", ":8090"),
			Timeout: l.duration("HTTP_TIMEOUT", 30*time.Second),
		},
		Keycloak: KeycloakConfig{
			URL:           strings.TrimRight(l.str("KEYCLOAK_URL", ""), "/"),
			Realm:         l.str("KEYCLOAK_REALM", ""),
			ClientID:      l.str("KEYCLOAK_CLIENT_ID", "admin-cli"),
			AdminUsername: l.str("KEYCLOAK_ADMIN_USERNAME", ""),
			AdminPassword: l.str("KEYCLOAK_ADMIN_PASSWORD", ""),
			DefaultRole:   l.str("KEYCLOAK_DEFAULT_ROLE", ""),
		},
		Engine: EngineConfig{
			URL:       strings.TrimRight(l.str("ENGINE_URL", ""), "/"),
			Login:     l.str("ENGINE_LOGIN", ""),
			Password:  l.str("ENGINE_PASSWORD", ""),
			App:       l.str("ENGINE_APP", ""),
			RateLimit: l.number("ENGINE_RATE_LIMIT", 0),
		},
		Database: database.Config{
			Host:     l.str("DB_HOST", ""),
			Port:     l.integer("DB_PORT", 5432),
			User:     l.str("DB_USER", ""),
			Password: l.str("DB_PASSWORD", ""),
			DBName:   l.str("DB_NAME", "postgres"),
			SSLMode:  l.str("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     l.str("REDIS_ADDR", ""),
			Password: l.str("REDIS_PASSWORD", ""),
			DB:       l.integer("REDIS_DB", 0),
		},
		Webhooks: WebhookConfig{
			URLs:   l.list("WEBHOOK_URLS"),
			Secret: l.str("WEBHOOK_SECRET", ""),
		},
	}
	if cfg.Keycloak.DefaultRole == "" && cfg.Keycloak.Realm != "" {
		cfg.Keycloak.DefaultRole = "default-roles-" + strings.ToLower(cfg.Keycloak.Realm)
	}

	if cfg.Sync.Enabled {
		l.require(
			"KEYCLOAK_URL", "KEYCLOAK_REALM", "KEYCLOAK_ADMIN_USERNAME", "KEYCLOAK_ADMIN_PASSWORD",
			"ENGINE_URL", "ENGINE_LOGIN", "ENGINE_PASSWORD", "ENGINE_APP",
			"DB_HOST", "DB_USER", "DB_PASSWORD",
		)
	}
	if len(l.missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", l.missing)
	}
	if len(l.invalid) > 0 {
		return nil, errors.Join(l.invalid...)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loader reads variables and collects every problem instead of stopping at
// the first one.
type loader struct {
	missing []string
	invalid []error
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	raw := l.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		l.invalid = append(l.invalid, fmt.Errorf("invalid %s %q: must be an integer", key, raw))
		return def
	}
	return v
}

func (l *loader) number(key string, def float64) float64 {
	raw := l.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.invalid = append(l.invalid, fmt.Errorf("invalid %s %q: must be a number", key, raw))
		return def
	}
	return v
}

func (l *loader) boolean(key string, def bool) bool {
	raw := l.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		l.invalid = append(l.invalid, fmt.Errorf("invalid %s %q: must be true or false", key, raw))
		return def
	}
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	raw := l.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		l.invalid = append(l.invalid, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (l *loader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(l.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (l *loader) require(keys ...string) {
	for _, key := range keys {
		if l.str(key, "") == "" {
			l.missing = append(l.missing, key)
		}
	}
}
