package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the notification pipeline.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Database      DatabaseConfig      `yaml:"database"`
	HomeURL       string              `yaml:"home_url"`
	Schedules     SchedulesConfig     `yaml:"schedules"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Mailer        MailerConfig        `yaml:"mailer"`
	Engine        EngineConfig        `yaml:"engine"`
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

// RedisConfig holds the shared keyspace used by the batch store and delay queue.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DatabaseConfig holds the Postgres directory connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ScheduleConfig holds the timing for one notification category, in
// milliseconds as stored in the environment.
type ScheduleConfig struct {
	FirstDelayMs int64 `yaml:"first_delay_ms"`
	ThrottleMs   int64 `yaml:"throttle_ms"`
}

// FirstDelay returns the configured first delay as a duration.
func (c ScheduleConfig) FirstDelay() time.Duration {
	return time.Duration(c.FirstDelayMs) * time.Millisecond
}

// Throttle returns the configured throttle as a duration.
func (c ScheduleConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleMs) * time.Millisecond
}

// SchedulesConfig holds per-category schedules.
type SchedulesConfig struct {
	DocChange ScheduleConfig `yaml:"doc_change"`
	Comment   ScheduleConfig `yaml:"comment"`
}

// SenderConfig identifies the From/Reply-To addresses on outgoing mail.
// DocNotificationsFrom and DocNotificationsReplyTo default to Email.
type SenderConfig struct {
	Name                    string `yaml:"name"`
	Email                   string `yaml:"email"`
	DocNotificationsFrom    string `yaml:"doc_notifications_from"`
	DocNotificationsReplyTo string `yaml:"doc_notifications_reply_to"`
}

// NotificationsConfig holds notification sender identity.
type NotificationsConfig struct {
	Sender SenderConfig `yaml:"sender"`
}

// SESConfig holds AWS SES transport configuration.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SendGridConfig holds SendGrid transport configuration.
type SendGridConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// MailerConfig selects and configures the email transport.
type MailerConfig struct {
	Transport string         `yaml:"transport"` // "ses", "sendgrid" or "devnull"
	SES       SESConfig      `yaml:"ses"`
	SendGrid  SendGridConfig `yaml:"sendgrid"`
}

// EngineConfig holds batched-jobs engine worker settings.
type EngineConfig struct {
	NumWorkers          int   `yaml:"num_workers"`
	PollIntervalMs      int64 `yaml:"poll_interval_ms"`
	MaxBatch            int   `yaml:"max_batch"`
	VisibilityTimeoutMs int64 `yaml:"visibility_timeout_ms"`
}

// PollInterval returns the worker poll interval as a duration.
func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// VisibilityTimeout returns the claim visibility timeout as a duration.
func (c EngineConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutMs) * time.Millisecond
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
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
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.HomeURL == "" {
		c.HomeURL = "http://localhost:8080"
	}
	if c.Schedules.DocChange.FirstDelayMs == 0 {
		c.Schedules.DocChange.FirstDelayMs = 60_000
	}
	if c.Schedules.DocChange.ThrottleMs == 0 {
		c.Schedules.DocChange.ThrottleMs = 300_000
	}
	if c.Schedules.Comment.FirstDelayMs == 0 {
		c.Schedules.Comment.FirstDelayMs = 30_000
	}
	if c.Schedules.Comment.ThrottleMs == 0 {
		c.Schedules.Comment.ThrottleMs = 180_000
	}
	if c.Notifications.Sender.DocNotificationsFrom == "" {
		c.Notifications.Sender.DocNotificationsFrom = c.Notifications.Sender.Email
	}
	if c.Notifications.Sender.DocNotificationsReplyTo == "" {
		c.Notifications.Sender.DocNotificationsReplyTo = c.Notifications.Sender.Email
	}
	if c.Mailer.Transport == "" {
		c.Mailer.Transport = "devnull"
	}
	if c.Mailer.SES.Region == "" {
		c.Mailer.SES.Region = "us-east-1"
	}
	if c.Mailer.SendGrid.BaseURL == "" {
		c.Mailer.SendGrid.BaseURL = "https://api.sendgrid.com/v3"
	}
	if c.Engine.NumWorkers == 0 {
		c.Engine.NumWorkers = 4
	}
	if c.Engine.PollIntervalMs == 0 {
		c.Engine.PollIntervalMs = 250
	}
	if c.Engine.MaxBatch == 0 {
		c.Engine.MaxBatch = 500
	}
	if c.Engine.VisibilityTimeoutMs == 0 {
		c.Engine.VisibilityTimeoutMs = 120_000
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("HOME_URL"); v != "" {
		cfg.HomeURL = v
	}
	if v := os.Getenv("MAIL_TRANSPORT"); v != "" {
		cfg.Mailer.Transport = v
	}
	if v := os.Getenv("SES_ACCESS_KEY"); v != "" {
		cfg.Mailer.SES.AccessKey = v
	}
	if v := os.Getenv("SES_SECRET_KEY"); v != "" {
		cfg.Mailer.SES.SecretKey = v
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		cfg.Mailer.SES.Region = v
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.Mailer.SendGrid.APIKey = v
	}
	if v := os.Getenv("NOTIFICATIONS_SENDER_EMAIL"); v != "" {
		if cfg.Notifications.Sender.DocNotificationsFrom == cfg.Notifications.Sender.Email {
			cfg.Notifications.Sender.DocNotificationsFrom = v
		}
		if cfg.Notifications.Sender.DocNotificationsReplyTo == cfg.Notifications.Sender.Email {
			cfg.Notifications.Sender.DocNotificationsReplyTo = v
		}
		cfg.Notifications.Sender.Email = v
	}
	for _, ov := range []struct {
		env string
		dst *int64
	}{
		{"SCHEDULE_DOC_CHANGE_FIRST_DELAY_MS", &cfg.Schedules.DocChange.FirstDelayMs},
		{"SCHEDULE_DOC_CHANGE_THROTTLE_MS", &cfg.Schedules.DocChange.ThrottleMs},
		{"SCHEDULE_COMMENT_FIRST_DELAY_MS", &cfg.Schedules.Comment.FirstDelayMs},
		{"SCHEDULE_COMMENT_THROTTLE_MS", &cfg.Schedules.Comment.ThrottleMs},
	} {
		if v := os.Getenv(ov.env); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ov.env, err)
			}
			*ov.dst = ms
		}
	}

	return cfg, nil
}
