package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Redis      RedisConfig                `yaml:"redis"`
	Workers    WorkerConfig               `yaml:"workers"`
	Scheduler  SchedulerConfig            `yaml:"scheduler"`
	Sender     SenderConfig               `yaml:"sender"`
	SMTP       SMTPConfig                 `yaml:"smtp"`
	SendGrid   SendGridConfig             `yaml:"sendgrid"`
	Mailgun    MailgunConfig              `yaml:"mailgun"`
	SES        SESConfig                  `yaml:"ses"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Templates  TemplatesConfig            `yaml:"templates"`
	Logging    LoggingConfig              `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	LinkBase string `yaml:"link_base"` // public app URL for verification/reset links
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// RedisConfig holds queue store connection configuration
type RedisConfig struct {
	URL string `yaml:"url"`
}

// WorkerConfig holds dispatch worker pool configuration
type WorkerConfig struct {
	Count                  int `yaml:"count"`
	DrainTimeoutSeconds    int `yaml:"drain_timeout_seconds"`
	MaxAttempts            int `yaml:"max_attempts"`
	BaseRetryDelaySeconds  int `yaml:"base_retry_delay_seconds"`
	PendingTimeoutSeconds  int `yaml:"pending_timeout_seconds"`
	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds"`
	RateWaitMaxSeconds     int `yaml:"rate_wait_max_seconds"`
}

// DrainTimeout returns the shutdown drain window as a duration
func (c WorkerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// BaseRetryDelay returns the retry backoff anchor as a duration
func (c WorkerConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelaySeconds) * time.Second
}

// PendingTimeout returns the redelivery idle threshold as a duration
func (c WorkerConfig) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutSeconds) * time.Second
}

// DispatchTimeout returns the per-send ceiling as a duration
func (c WorkerConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// RateWaitMax returns the rate-gate wait budget as a duration
func (c WorkerConfig) RateWaitMax() time.Duration {
	return time.Duration(c.RateWaitMaxSeconds) * time.Second
}

// SchedulerConfig holds the parked-job promoter configuration
type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds"`
}

// Tick returns the promotion poll interval as a duration
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// SenderConfig holds the envelope sender identity and routing default
type SenderConfig struct {
	FromAddress     string `yaml:"from_address"`
	FromName        string `yaml:"from_name"`
	DefaultProvider string `yaml:"default_provider"`
}

// SMTPConfig holds SMTP relay configuration
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SendGridConfig holds SendGrid API configuration
type SendGridConfig struct {
	APIKey  string `yaml:"api_key"`
	Enabled bool   `yaml:"enabled"`
}

// MailgunConfig holds Mailgun API configuration
type MailgunConfig struct {
	APIKey  string `yaml:"api_key"`
	Domain  string `yaml:"domain"`
	Enabled bool   `yaml:"enabled"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Enabled   bool   `yaml:"enabled"`
}

// RateLimitConfig overrides one provider's token bucket. Map keys in the
// rate_limits section are provider names: smtp, sendgrid, mailgun, aws_ses.
type RateLimitConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// TemplatesConfig holds template rendering configuration. An empty
// directory serves the built-in template set only.
type TemplatesConfig struct {
	Directory string `yaml:"directory"`
}

// LoggingConfig holds log output configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file. A missing file is not an
// error: defaults plus environment overrides carry the configuration.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		// env-only deployment
	default:
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = 3
	}
	if cfg.Workers.DrainTimeoutSeconds == 0 {
		cfg.Workers.DrainTimeoutSeconds = 30
	}
	if cfg.Workers.MaxAttempts == 0 {
		cfg.Workers.MaxAttempts = 3
	}
	if cfg.Workers.BaseRetryDelaySeconds == 0 {
		cfg.Workers.BaseRetryDelaySeconds = 60
	}
	if cfg.Workers.PendingTimeoutSeconds == 0 {
		cfg.Workers.PendingTimeoutSeconds = 60
	}
	if cfg.Workers.DispatchTimeoutSeconds == 0 {
		cfg.Workers.DispatchTimeoutSeconds = 30
	}
	if cfg.Workers.RateWaitMaxSeconds == 0 {
		cfg.Workers.RateWaitMaxSeconds = 30
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 1
	}
	if cfg.Sender.FromAddress == "" {
		cfg.Sender.FromAddress = "noreply@example.com"
	}
	if cfg.Sender.FromName == "" {
		cfg.Sender.FromName = "Email Service"
	}
	if cfg.Sender.DefaultProvider == "" {
		cfg.Sender.DefaultProvider = "smtp"
	}
	if cfg.SMTP.Host == "" {
		cfg.SMTP.Host = "localhost"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 1025
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	// WORKER_CONCURRENCY is the older name for the same knob.
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Count = n
		}
	} else if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Count = n
		}
	}
	if from := os.Getenv("FROM_EMAIL"); from != "" {
		cfg.Sender.FromAddress = from
	}
	if kind := os.Getenv("DEFAULT_PROVIDER"); kind != "" {
		cfg.Sender.DefaultProvider = kind
	}
	if name := os.Getenv("FROM_NAME"); name != "" {
		cfg.Sender.FromName = name
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTP.Host = host
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = n
		}
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTP.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTP.Password = pass
	}

	// An API key in the environment enables its provider.
	if apiKey := os.Getenv("SENDGRID_API_KEY"); apiKey != "" {
		cfg.SendGrid.APIKey = apiKey
		cfg.SendGrid.Enabled = true
	}
	if apiKey := os.Getenv("MAILGUN_API_KEY"); apiKey != "" {
		cfg.Mailgun.APIKey = apiKey
		cfg.Mailgun.Enabled = true
	}
	if domain := os.Getenv("MAILGUN_DOMAIN"); domain != "" {
		cfg.Mailgun.Domain = domain
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
		cfg.SES.Enabled = true
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}

	if base := os.Getenv("APP_BASE_URL"); base != "" {
		cfg.Server.LinkBase = base
	}
	if dir := os.Getenv("TEMPLATE_DIRECTORY"); dir != "" {
		cfg.Templates.Directory = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}
