/*
Package config loads the service configuration.

PURPOSE:
  Three layers, later wins:
    1. built-in defaults
    2. optional YAML file (-config flag)
    3. environment variables (a .env file is loaded into the environment by
       cmd/server before Load runs)

ENVIRONMENT:
  HTTP_PORT, DB_PATH, PUBLIC_BASE_URL, JWT_SECRET, JWT_ISSUER, REDIS_URL,
  KAFKA_BROKERS (comma separated), KAFKA_TOPIC, OUTBOX_POLL_SECONDS,
  OUTBOX_BATCH_SIZE, LOG_LEVEL, ALLOWED_ORIGINS (comma separated),
  RATE_LIMIT_CLICK, RATE_LIMIT_LEAD, RATE_LIMIT_CONVERSION, RATE_LIMIT_WEBHOOK
  (requests per minute)

EXAMPLE FILE:
  service:
    http_port: 8080
    public_base_url: https://go.matchpay.io
  storage:
    db_path: ./data/matchpay.db
  kafka:
    brokers: [localhost:9092]
    topic: matchpay.events
  rate_limits:
    click: 120
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RateLimits struct {
	Click      int
	Lead       int
	Conversion int
	Webhook    int
}

type Config struct {
	HTTPPort        int
	PublicBaseURL   string
	AllowedOrigins  []string
	LogLevel        string
	ShutdownTimeout time.Duration

	DBPath string

	JWTSecret string
	JWTIssuer string

	RedisURL   string
	RateLimits RateLimits

	KafkaBrokers       []string
	KafkaTopic         string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
}

type configFile struct {
	Service struct {
		HTTPPort       int      `yaml:"http_port"`
		PublicBaseURL  string   `yaml:"public_base_url"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		LogLevel       string   `yaml:"log_level"`
	} `yaml:"service"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		JWTIssuer string `yaml:"jwt_issuer"`
	} `yaml:"auth"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Outbox struct {
		PollSeconds int `yaml:"poll_seconds"`
		BatchSize   int `yaml:"batch_size"`
	} `yaml:"outbox"`
	RateLimits struct {
		Click      int `yaml:"click"`
		Lead       int `yaml:"lead"`
		Conversion int `yaml:"conversion"`
		Webhook    int `yaml:"webhook"`
	} `yaml:"rate_limits"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:        8080,
		PublicBaseURL:   "http://localhost:8080",
		AllowedOrigins:  []string{"*"},
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		DBPath:          "./data/matchpay.db",
		JWTIssuer:       "matchpay",
		RateLimits: RateLimits{
			Click:      120,
			Lead:       40,
			Conversion: 60,
			Webhook:    300,
		},
		KafkaTopic:         "matchpay.events",
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    100,
	}
}

// Load applies the YAML file at path (if any) and the environment over the
// defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			var f configFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
			cfg.applyFile(f)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(f configFile) {
	if f.Service.HTTPPort > 0 {
		c.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.PublicBaseURL != "" {
		c.PublicBaseURL = f.Service.PublicBaseURL
	}
	if len(f.Service.AllowedOrigins) > 0 {
		c.AllowedOrigins = f.Service.AllowedOrigins
	}
	if f.Service.LogLevel != "" {
		c.LogLevel = f.Service.LogLevel
	}
	if f.Storage.DBPath != "" {
		c.DBPath = f.Storage.DBPath
	}
	if f.Auth.JWTSecret != "" {
		c.JWTSecret = f.Auth.JWTSecret
	}
	if f.Auth.JWTIssuer != "" {
		c.JWTIssuer = f.Auth.JWTIssuer
	}
	if f.Redis.URL != "" {
		c.RedisURL = f.Redis.URL
	}
	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	if f.Kafka.Topic != "" {
		c.KafkaTopic = f.Kafka.Topic
	}
	if f.Outbox.PollSeconds > 0 {
		c.OutboxPollInterval = time.Duration(f.Outbox.PollSeconds) * time.Second
	}
	if f.Outbox.BatchSize > 0 {
		c.OutboxBatchSize = f.Outbox.BatchSize
	}
	if f.RateLimits.Click > 0 {
		c.RateLimits.Click = f.RateLimits.Click
	}
	if f.RateLimits.Lead > 0 {
		c.RateLimits.Lead = f.RateLimits.Lead
	}
	if f.RateLimits.Conversion > 0 {
		c.RateLimits.Conversion = f.RateLimits.Conversion
	}
	if f.RateLimits.Webhook > 0 {
		c.RateLimits.Webhook = f.RateLimits.Webhook
	}
}

// applyEnv overrides c from the environment. Malformed numbers are errors.
func (c *Config) applyEnv() error {
	var env envReader
	c.HTTPPort = env.int("HTTP_PORT", c.HTTPPort)
	c.DBPath = envString("DB_PATH", c.DBPath)
	c.PublicBaseURL = envString("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.AllowedOrigins = envList("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.JWTSecret = envString("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = envString("JWT_ISSUER", c.JWTIssuer)
	c.RedisURL = envString("REDIS_URL", c.RedisURL)
	c.KafkaBrokers = envList("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = envString("KAFKA_TOPIC", c.KafkaTopic)
	c.OutboxPollInterval = time.Duration(env.int("OUTBOX_POLL_SECONDS", int(c.OutboxPollInterval/time.Second))) * time.Second
	c.OutboxBatchSize = env.int("OUTBOX_BATCH_SIZE", c.OutboxBatchSize)
	c.RateLimits.Click = env.int("RATE_LIMIT_CLICK", c.RateLimits.Click)
	c.RateLimits.Lead = env.int("RATE_LIMIT_LEAD", c.RateLimits.Lead)
	c.RateLimits.Conversion = env.int("RATE_LIMIT_CONVERSION", c.RateLimits.Conversion)
	c.RateLimits.Webhook = env.int("RATE_LIMIT_WEBHOOK", c.RateLimits.Webhook)
	return errors.Join(env.errs...)
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: http port %d out of range", c.HTTPPort)
	}
	if c.DBPath == "" {
		return errors.New("config: db path is required")
	}
	if c.OutboxBatchSize <= 0 {
		return errors.New("config: outbox batch size must be positive")
	}
	if c.OutboxPollInterval <= 0 {
		return errors.New("config: outbox poll interval must be positive")
	}
	for name, v := range map[string]int{
		"click": c.RateLimits.Click, "lead": c.RateLimits.Lead,
		"conversion": c.RateLimits.Conversion, "webhook": c.RateLimits.Webhook,
	} {
		if v <= 0 {
			return fmt.Errorf("config: %s rate limit must be positive", name)
		}
	}
	return nil
}

// OutboxEnabled reports whether a broker is configured for the relay.
func (c Config) OutboxEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// envReader collects parse errors across variables so Load reports all of
// them at once.
type envReader struct {
	errs []error
}

func (e *envReader) int(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not an integer", name, raw))
		return fallback
	}
	return v
}

func envString(name, fallback string) string {
	if raw := os.Getenv(name); raw != "" {
		return raw
	}
	return fallback
}

func envList(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
