package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ehr/clinvault/internal/platform/keys"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	MasterEncryptionKey string        `mapstructure:"MASTER_ENCRYPTION_KEY"`
	KeyTTL              time.Duration `mapstructure:"KEY_TTL"`
	KeyActiveRecheck    time.Duration `mapstructure:"KEY_ACTIVE_RECHECK"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL         string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	MaxBodyBytes        int64         `mapstructure:"MAX_BODY_BYTES"`
	EventBuffer         int           `mapstructure:"EVENT_BUFFER"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MASTER_ENCRYPTION_KEY", "KEY_TTL", "KEY_ACTIVE_RECHECK",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "LOG_LEVEL", "MAX_BODY_BYTES", "EVENT_BUFFER",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. Only DATABASE_URL is checked here; Validate
// covers the settings the server needs.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KEY_TTL", "0s")
	v.SetDefault("KEY_ACTIVE_RECHECK", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MAX_BODY_BYTES", 1<<20)
	v.SetDefault("EVENT_BUFFER", 64)

	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Level returns the zerolog level named by LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks the settings the server cannot start without. An
// invalid master key is reported as keys.ErrInvalidMasterSecret.
func (c *Config) Validate() error {
	if c.MasterEncryptionKey == "" {
		return fmt.Errorf("MASTER_ENCRYPTION_KEY is required: %w", keys.ErrInvalidMasterSecret)
	}
	if _, err := keys.DecodeMasterSecret(c.MasterEncryptionKey); err != nil {
		return fmt.Errorf("MASTER_ENCRYPTION_KEY: %w", err)
	}
	if c.KeyTTL < 0 {
		return fmt.Errorf("KEY_TTL must not be negative, got %s", c.KeyTTL)
	}
	if c.KeyActiveRecheck < 0 {
		return fmt.Errorf("KEY_ACTIVE_RECHECK must not be negative, got %s", c.KeyActiveRecheck)
	}

	if !c.IsDev() {
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
		if c.AuthJWKSURL != "" && c.AuthIssuer == "" {
			return errors.New("AUTH_ISSUER is required with AUTH_JWKS_URL")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return errors.New("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	}

	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	return nil
}
