package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	Automation AutomationConfig `mapstructure:"automation"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	AI         AIConfig         `mapstructure:"ai"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn"`    // 设置后忽略 host/port 等字段
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ConnectionString 生成驱动可用的 DSN
func (d DatabaseConfig) ConnectionString() string {
	if d.DSN != "" {
		return d.DSN
	}
	if strings.EqualFold(d.Driver, "sqlite") {
		if d.Name == "" {
			return "bidtrack.db"
		}
		return d.Name
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslmode)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`
}

type MonitoringConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`     // 明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio"` // 0.0~1.0
	ServiceName string  `mapstructure:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitingConfig 事件入口按项目限流
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type AutomationConfig struct {
	Dispatchers     int           `mapstructure:"dispatchers"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	MaxCascadeDepth int           `mapstructure:"max_cascade_depth"`
	ActionTimeout   time.Duration `mapstructure:"action_timeout"`
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
	AITimeout       time.Duration `mapstructure:"ai_timeout"`
	Retry           RetryConfig   `mapstructure:"retry"`
	RecorderRetries int           `mapstructure:"recorder_retries"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Scanner         ScannerConfig `mapstructure:"scanner"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type ScannerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type WebhookConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	DefaultSecret string `mapstructure:"default_secret"`
}

type AIConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MaxFailures     int           `mapstructure:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests"`
}

// 敏感项允许直接从环境变量读取
var envBindings = map[string]string{
	"database.dsn":           "BIDTRACK_DATABASE_DSN",
	"database.password":      "BIDTRACK_DATABASE_PASSWORD",
	"ai.openai.api_key":      "BIDTRACK_OPENAI_API_KEY",
	"webhook.default_secret": "BIDTRACK_WEBHOOK_SECRET",
}

// BindEnv registers the environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("bidtrack")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}

// Load reads the global viper instance on top of the defaults.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom 在默认值之上合并 v 中的配置
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查无法自动纠正的配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Automation.Scanner.Enabled && c.Automation.Scanner.Interval < time.Minute {
		return fmt.Errorf("automation.scanner.interval must be at least 1m, got %s", c.Automation.Scanner.Interval)
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "bidtrack",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/bidtrack.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "bidtrack",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
		Automation: AutomationConfig{
			Dispatchers:     2,
			QueueSize:       1024,
			MaxConcurrency:  8,
			MaxCascadeDepth: 3,
			ActionTimeout:   15 * time.Second,
			WebhookTimeout:  5 * time.Second,
			AITimeout:       10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			},
			RecorderRetries: 3,
			ShutdownTimeout: 20 * time.Second,
			Scanner: ScannerConfig{
				Enabled:  true,
				Interval: time.Hour,
			},
		},
		Webhook: WebhookConfig{
			UserAgent: "Bidtrack-Webhooks/1.0",
		},
		AI: AIConfig{
			OpenAI: OpenAIConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.3,
				MaxTokens:   800,
				Timeout:     30 * time.Second,
			},
		},
		Fallback: FallbackConfig{
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
	}
}
