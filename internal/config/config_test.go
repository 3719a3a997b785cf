package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.NotEmpty(t, cfg.Server.Host)
	assert.NotZero(t, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.NotZero(t, cfg.Database.MaxOpenConns)
	assert.NotZero(t, cfg.Database.ConnMaxLifetime)
	assert.True(t, cfg.Security.RateLimiting.Enabled)
	assert.NotZero(t, cfg.Fallback.CircuitBreaker.MaxFailures)
	require.NoError(t, cfg.Validate())
}

func TestConfig_AutomationDefaults(t *testing.T) {
	a := GetDefaultConfig().Automation

	assert.Equal(t, 2, a.Dispatchers)
	assert.Equal(t, 1024, a.QueueSize)
	assert.Equal(t, 8, a.MaxConcurrency)
	assert.Equal(t, 3, a.MaxCascadeDepth)
	assert.Equal(t, 15*time.Second, a.ActionTimeout)
	assert.Equal(t, 5*time.Second, a.WebhookTimeout)
	assert.Equal(t, 3, a.Retry.MaxAttempts)
	assert.True(t, a.Scanner.Enabled)
	assert.Equal(t, time.Hour, a.Scanner.Interval)
}

func TestLoadFrom_MergesFileOverDefaults(t *testing.T) {
	yaml := []byte(`
server:
  port: 9090
database:
  driver: sqlite
  name: ./data/test.db
automation:
  queue_size: 16
  max_cascade_depth: 5
  webhook_timeout: 2s
  scanner:
    interval: 15m
security:
  rate_limiting:
    requests_per_minute: 30
`)
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(yaml)))

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "untouched keys keep defaults")
	assert.Equal(t, "./data/test.db", cfg.Database.ConnectionString())
	assert.Equal(t, 16, cfg.Automation.QueueSize)
	assert.Equal(t, 8, cfg.Automation.MaxConcurrency)
	assert.Equal(t, 5, cfg.Automation.MaxCascadeDepth)
	assert.Equal(t, 2*time.Second, cfg.Automation.WebhookTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Automation.Scanner.Interval)
	assert.Equal(t, 30, cfg.Security.RateLimiting.RequestsPerMinute)
	assert.Equal(t, 100, cfg.Security.RateLimiting.Burst)
}

func TestLoadFrom_SecretsFromEnv(t *testing.T) {
	t.Setenv("BIDTRACK_OPENAI_API_KEY", "sk-env")
	t.Setenv("BIDTRACK_WEBHOOK_SECRET", "whsec")

	v := viper.New()
	BindEnv(v)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.AI.OpenAI.APIKey)
	assert.Equal(t, "whsec", cfg.Webhook.DefaultSecret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"scanner too frequent", func(c *Config) { c.Automation.Scanner.Interval = time.Second }, "scanner.interval"},
		{"scanner disabled ignores interval", func(c *Config) {
			c.Automation.Scanner.Enabled = false
			c.Automation.Scanner.Interval = 0
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	d := GetDefaultConfig().Database
	assert.Equal(t, "host=localhost user=postgres password=password dbname=bidtrack port=5432 sslmode=disable TimeZone=UTC", d.ConnectionString())

	d.DSN = "postgres://x"
	assert.Equal(t, "postgres://x", d.ConnectionString())
}

func TestConfigureLogger(t *testing.T) {
	logger := logrus.New()
	lc := LogConfig{Level: "debug", Format: "text", Output: "file", FilePath: filepath.Join(t.TempDir(), "logs", "app.log"), MaxSize: 1}
	require.NoError(t, ConfigureLogger(logger, lc))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	require.NoError(t, ConfigureLogger(logger, LogConfig{Level: "nope"}))
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
