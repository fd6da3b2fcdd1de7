package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("durations convert from their units", func(t *testing.T) {
		cfg := &Config{
			ReconnectBaseDelaySeconds: 5,
			SweepIntervalSeconds:      30,
			SweepItemDelayMS:          250,
			BulkSendDelayMS:           1000,
			ClaimTimeoutSeconds:       300,
		}
		assert.Equal(t, 5*time.Second, cfg.ReconnectBaseDelay())
		assert.Equal(t, 30*time.Second, cfg.SweepInterval())
		assert.Equal(t, 250*time.Millisecond, cfg.SweepItemDelay())
		assert.Equal(t, time.Second, cfg.BulkSendDelay())
		assert.Equal(t, 5*time.Minute, cfg.ClaimTimeout())
	})
}

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("API_TOKEN", "test-token")
		os.Unsetenv("PORT")
		os.Unsetenv("SESSION_ID")
		os.Unsetenv("DEFAULT_COUNTRY_CODE")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres", cfg.DatabaseDriver)
		assert.Equal(t, "default", cfg.SessionID)
		assert.Equal(t, "54", cfg.CountryCode)
		assert.Equal(t, 5, cfg.MaxReconnectAttempts)
		assert.Equal(t, 5, cfg.ReconnectBaseDelaySeconds)
		assert.Equal(t, 30, cfg.SweepIntervalSeconds)
		assert.Equal(t, 20, cfg.SweepBatchSize)
		assert.True(t, cfg.AutoStart)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("loads custom values", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "file:test.db")
		t.Setenv("DATABASE_DRIVER", "sqlite3")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("API_TOKEN", "test-token")
		t.Setenv("PORT", "3000")
		t.Setenv("MAX_RECONNECT_ATTEMPTS", "3")
		t.Setenv("AUTO_START", "false")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, "sqlite3", cfg.DatabaseDriver)
		assert.Equal(t, 3, cfg.MaxReconnectAttempts)
		assert.False(t, cfg.AutoStart)
	})

	t.Run("fails when API_TOKEN is missing", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://localhost/test")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("API_TOKEN", "")
		os.Unsetenv("API_TOKEN")

		_, err := Load()
		assert.Error(t, err)
	})
}

func validConfig() *Config {
	return &Config{
		DatabaseDriver:            "postgres",
		APIToken:                  "0123456789abcdef0123456789abcdef",
		RedisURL:                  "rediss://localhost:6379",
		SessionID:                 "default",
		CountryCode:               "54",
		MaxReconnectAttempts:      5,
		ReconnectBaseDelaySeconds: 5,
		SweepIntervalSeconds:      30,
		SweepBatchSize:            20,
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate(true))
	})

	t.Run("rejects unknown driver", func(t *testing.T) {
		cfg := validConfig()
		cfg.DatabaseDriver = "mysql"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non numeric country code", func(t *testing.T) {
		cfg := validConfig()
		cfg.CountryCode = "+54"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects malformed encryption key", func(t *testing.T) {
		cfg := validConfig()
		cfg.CredentialsEncryptionKey = "abcd"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("accepts 64 hex encryption key", func(t *testing.T) {
		cfg := validConfig()
		cfg.CredentialsEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("rejects short token in production only", func(t *testing.T) {
		cfg := validConfig()
		cfg.APIToken = "short"
		assert.NoError(t, cfg.Validate(false))
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("rejects zero sweep batch", func(t *testing.T) {
		cfg := validConfig()
		cfg.SweepBatchSize = 0
		assert.Error(t, cfg.Validate(false))
	})
}
