package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var knownWeakTokens = []string{
	"change-me", "changeme", "secret", "token", "admin", "password",
}

type Config struct {
	Port           int    `env:"PORT" envDefault:"8080"`
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL,required"`
	RedisURL       string `env:"REDIS_URL,required"`
	APIToken       string `env:"API_TOKEN,required"`

	SessionID   string `env:"SESSION_ID" envDefault:"default"`
	AutoStart   bool   `env:"AUTO_START" envDefault:"true"`
	PairPhone   string `env:"PAIR_PHONE"`
	DeviceName  string `env:"DEVICE_NAME" envDefault:"PsicoAgenda"`
	CountryCode string `env:"DEFAULT_COUNTRY_CODE" envDefault:"54"`

	MaxReconnectAttempts      int `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBaseDelaySeconds int `env:"RECONNECT_BASE_DELAY_SECONDS" envDefault:"5"`

	SweepIntervalSeconds int `env:"SWEEP_INTERVAL_SECONDS" envDefault:"30"`
	SweepBatchSize       int `env:"SWEEP_BATCH_SIZE" envDefault:"20"`
	SweepItemDelayMS     int `env:"SWEEP_ITEM_DELAY_MS" envDefault:"1000"`
	BulkSendDelayMS      int `env:"BULK_SEND_DELAY_MS" envDefault:"1000"`
	ClaimTimeoutSeconds  int `env:"CLAIM_TIMEOUT_SECONDS" envDefault:"300"`

	SendRateLimitPerMin int `env:"SEND_RATE_LIMIT_PER_MIN" envDefault:"30"`
	APIRateLimitPerMin  int `env:"API_RATE_LIMIT_PER_MIN" envDefault:"120"`

	CredentialsEncryptionKey string `env:"CREDENTIALS_ENCRYPTION_KEY"`
	TemplatesFile            string `env:"TEMPLATES_FILE"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelaySeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) SweepItemDelay() time.Duration {
	return time.Duration(c.SweepItemDelayMS) * time.Millisecond
}

func (c *Config) BulkSendDelay() time.Duration {
	return time.Duration(c.BulkSendDelayMS) * time.Millisecond
}

func (c *Config) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutSeconds) * time.Second
}

func (c *Config) Validate(isProduction bool) error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite3, got %q", c.DatabaseDriver)
	}

	if c.SessionID == "" {
		return fmt.Errorf("SESSION_ID must not be empty")
	}
	if c.CountryCode == "" || strings.Trim(c.CountryCode, "0123456789") != "" {
		return fmt.Errorf("DEFAULT_COUNTRY_CODE must contain digits only, got %q", c.CountryCode)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.ReconnectBaseDelaySeconds <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY_SECONDS must be > 0")
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be > 0")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be > 0")
	}
	if c.CredentialsEncryptionKey != "" {
		key, err := hex.DecodeString(c.CredentialsEncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("CREDENTIALS_ENCRYPTION_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
		}
	}

	if isProduction {
		if err := validateToken("API_TOKEN", c.APIToken); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.CredentialsEncryptionKey == "" {
			log.Warn().Msg("CREDENTIALS_ENCRYPTION_KEY is empty in production: session credentials are stored unencrypted")
		}
		if c.DatabaseDriver == "sqlite3" {
			log.Warn().Msg("DATABASE_DRIVER=sqlite3 in production: credentials are not shared across instances")
		}
	}

	return nil
}

func validateToken(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: server gen-token)", name)
	}
	for _, weak := range knownWeakTokens {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong token in production", name)
		}
	}
	return nil
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
