package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Resend   ResendConfig   `yaml:"resend"`
	Brevo    BrevoConfig    `yaml:"brevo"`
	SES      SESConfig      `yaml:"ses"`
	Email    EmailConfig    `yaml:"email"`
	Worker   WorkerConfig   `yaml:"worker"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Cron     CronConfig     `yaml:"cron"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection settings. Redis backs the
// distributed lock and the rate limiter; when URL is empty the engine falls
// back to Postgres advisory locks and in-process rate windows.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ResendConfig holds Resend API configuration.
type ResendConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DailyLimit     int    `yaml:"daily_limit"`
}

// Timeout returns the configured timeout as a duration.
func (c ResendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BrevoConfig holds Brevo API configuration.
type BrevoConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DailyLimit     int    `yaml:"daily_limit"`
}

// Timeout returns the configured timeout as a duration.
func (c BrevoConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES configuration. Requests are signed with SigV4
// against the classic form-encoded SES API.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DailyLimit     int    `yaml:"daily_limit"`
}

// Timeout returns the configured timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EmailConfig holds sender defaults applied when the caller omits them.
type EmailConfig struct {
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
}

// WorkerConfig tunes the queue worker tick.
type WorkerConfig struct {
	BatchSize          int `yaml:"batch_size"`
	Concurrency        int `yaml:"concurrency"`
	MaxPerMinute       int `yaml:"max_per_minute"`
	TickSeconds        int `yaml:"tick_seconds"`
	SoftDeadlineSecs   int `yaml:"soft_deadline_seconds"`
	LockTTLSeconds     int `yaml:"lock_ttl_seconds"`
	ClaimDeadlineSecs  int `yaml:"claim_deadline_seconds"`
	DefaultMaxAttempts int `yaml:"default_max_attempts"`
}

// TickInterval returns how often the standalone worker daemon runs a tick.
func (c WorkerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// SoftDeadline returns the per-tick soft deadline.
func (c WorkerConfig) SoftDeadline() time.Duration {
	return time.Duration(c.SoftDeadlineSecs) * time.Second
}

// LockTTL returns the distributed lock TTL. Must exceed the soft deadline
// so a crashed worker's rows are reaped rather than double-processed.
func (c WorkerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// ClaimDeadline returns how long a claimed row stays in_flight before
// ReapStuck demotes it.
func (c WorkerConfig) ClaimDeadline() time.Duration {
	return time.Duration(c.ClaimDeadlineSecs) * time.Second
}

// MonitorConfig tunes the health monitor tick. CleanupHourUTC is a pointer
// so 0 (midnight) stays distinguishable from unset.
type MonitorConfig struct {
	TickSeconds          int  `yaml:"tick_seconds"`
	HistoryRetentionDays int  `yaml:"history_retention_days"`
	LogRetentionDays     int  `yaml:"log_retention_days"`
	CleanupHourUTC       *int `yaml:"cleanup_hour_utc"`
}

// TickInterval returns how often the standalone monitor loop runs.
func (c MonitorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// CleanupHour returns the UTC hour of the daily retention pass, 02:00 when
// unset.
func (c MonitorConfig) CleanupHour() int {
	if c.CleanupHourUTC == nil {
		return 2
	}
	return *c.CleanupHourUTC
}

// CronConfig guards the externally-triggered tick endpoints.
type CronConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			// Missing config file is fine: everything can come from env.
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Resend.BaseURL == "" {
		c.Resend.BaseURL = "https://api.resend.com"
	}
	if c.Resend.TimeoutSeconds == 0 {
		c.Resend.TimeoutSeconds = 30
	}
	if c.Resend.DailyLimit == 0 {
		c.Resend.DailyLimit = 100
	}
	if c.Brevo.BaseURL == "" {
		c.Brevo.BaseURL = "https://api.brevo.com"
	}
	if c.Brevo.TimeoutSeconds == 0 {
		c.Brevo.TimeoutSeconds = 30
	}
	if c.Brevo.DailyLimit == 0 {
		c.Brevo.DailyLimit = 300
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.SES.TimeoutSeconds == 0 {
		c.SES.TimeoutSeconds = 30
	}
	if c.SES.DailyLimit == 0 {
		c.SES.DailyLimit = 100
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 100
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 10
	}
	if c.Worker.MaxPerMinute == 0 {
		c.Worker.MaxPerMinute = 10
	}
	if c.Worker.TickSeconds == 0 {
		c.Worker.TickSeconds = 120
	}
	if c.Worker.SoftDeadlineSecs == 0 {
		c.Worker.SoftDeadlineSecs = 240
	}
	if c.Worker.LockTTLSeconds == 0 {
		c.Worker.LockTTLSeconds = 300
	}
	if c.Worker.ClaimDeadlineSecs == 0 {
		c.Worker.ClaimDeadlineSecs = 120
	}
	if c.Worker.DefaultMaxAttempts == 0 {
		c.Worker.DefaultMaxAttempts = 5
	}
	if c.Monitor.TickSeconds == 0 {
		c.Monitor.TickSeconds = 300
	}
	if c.Monitor.HistoryRetentionDays == 0 {
		c.Monitor.HistoryRetentionDays = 90
	}
	if c.Monitor.LogRetentionDays == 0 {
		c.Monitor.LogRetentionDays = 30
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		cfg.Resend.APIKey = v
	}
	if v := os.Getenv("BREVO_API_KEY"); v != "" {
		cfg.Brevo.APIKey = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Email.From = v
	}
	if v := os.Getenv("EMAIL_FROM_NAME"); v != "" {
		cfg.Email.FromName = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Cron.Secret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	return cfg, nil
}
