// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	TLS      TLSConfig      `yaml:"tls"`
	Store    StoreConfig    `yaml:"store"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds inbound SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Domain         string `yaml:"domain"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxViolations  int    `yaml:"max_violations"`
}

// TLSConfig holds the STARTTLS certificate chain and private key paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DeliveryConfig holds the outbound delivery pipeline configuration.
type DeliveryConfig struct {
	Transport           string      `yaml:"transport"`
	Workers             int         `yaml:"workers"`
	PollIntervalSeconds int         `yaml:"poll_interval_seconds"`
	MaxAttempts         int         `yaml:"max_attempts"`
	RetryBaseSeconds    int         `yaml:"retry_base_seconds"`
	RetryMultiplier     int         `yaml:"retry_multiplier"`
	TrackingDomain      string      `yaml:"tracking_domain"`
	Relay               RelayConfig `yaml:"relay"`
	SES                 SESConfig   `yaml:"ses"`
}

// RelayConfig holds the outbound SMTP smarthost configuration.
type RelayConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SESConfig holds AWS SES v2 credentials for the ses transport.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// PollInterval returns the delivery worker poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Delivery.PollIntervalSeconds) * time.Second
}

// RetryBase returns the first retry delay of the delivery backoff schedule.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Delivery.RetryBaseSeconds) * time.Second
}

// EffectiveTrackingDomain returns the platform-wide tracking domain, falling
// back to the server domain when none is configured.
func (c *Config) EffectiveTrackingDomain() string {
	if c.Delivery.TrackingDomain != "" {
		return c.Delivery.TrackingDomain
	}
	return c.SMTP.Domain
}

// SESConfigured returns true if the ses transport has a region set.
func (c *Config) SESConfigured() bool {
	return c.Delivery.SES.Region != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Domain = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxViolations = 10
	c.Store.Path = "cuttlefish.db"
	c.Delivery.Transport = "stdout"
	c.Delivery.Workers = 4
	c.Delivery.PollIntervalSeconds = 5
	c.Delivery.MaxAttempts = 8
	c.Delivery.RetryBaseSeconds = 60
	c.Delivery.RetryMultiplier = 2
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_DOMAIN"); v != "" {
		c.SMTP.Domain = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_VIOLATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxViolations = n
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("DELIVERY_TRANSPORT"); v != "" {
		c.Delivery.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("DELIVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.Workers = n
		}
	}
	if v := os.Getenv("DELIVERY_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.MaxAttempts = n
		}
	}
	if v := os.Getenv("DELIVERY_RETRY_BASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.RetryBaseSeconds = n
		}
	}
	if v := os.Getenv("DELIVERY_RETRY_MULTIPLIER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.RetryMultiplier = n
		}
	}
	if v := os.Getenv("TRACKING_DOMAIN"); v != "" {
		c.Delivery.TrackingDomain = v
	}

	if v := os.Getenv("RELAY_ADDR"); v != "" {
		c.Delivery.Relay.Addr = v
	}
	if v := os.Getenv("RELAY_USERNAME"); v != "" {
		c.Delivery.Relay.Username = v
	}
	if v := os.Getenv("RELAY_PASSWORD"); v != "" {
		c.Delivery.Relay.Password = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.Delivery.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Delivery.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Delivery.SES.SecretAccessKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
