// Package config loads service configuration from an optional YAML file
// with environment variable overrides. Env always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`

	Auth struct {
		Mode       string `yaml:"mode"` // dev | hmac
		HMACSecret string `yaml:"hmacSecret"`
	} `yaml:"auth"`

	Dispatcher struct {
		Interval    time.Duration `yaml:"interval"`
		BatchSize   int           `yaml:"batchSize"`
		Concurrency int           `yaml:"concurrency"`
		MaxAttempts int           `yaml:"maxAttempts"`
		BackoffBase time.Duration `yaml:"backoffBase"`
		SendTimeout time.Duration `yaml:"sendTimeout"`
		RateRPS     float64       `yaml:"rateRps"`
		RateBurst   int           `yaml:"rateBurst"`
	} `yaml:"dispatcher"`

	Inbound struct {
		Tolerance time.Duration `yaml:"tolerance"`
		// Sources maps a source name (path segment) to its shared secret.
		Sources map[string]string `yaml:"sources"`
	} `yaml:"inbound"`
}

// Default returns the configuration used when no file and no env are present.
func Default() Config {
	var c Config
	c.Port = "8080"
	c.Auth.Mode = "dev"
	c.Dispatcher.Interval = 3 * time.Second
	c.Dispatcher.BatchSize = 50
	c.Dispatcher.Concurrency = 8
	c.Dispatcher.MaxAttempts = 5
	c.Dispatcher.BackoffBase = 30 * time.Second
	c.Dispatcher.SendTimeout = 5 * time.Second
	c.Dispatcher.RateRPS = 0 // unlimited
	c.Dispatcher.RateBurst = 1
	c.Inbound.Tolerance = 300 * time.Second
	return c
}

// Load reads path (when non-empty and present) over the defaults, then
// applies env overrides.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyEnv()
	if c.Dispatcher.BatchSize <= 0 {
		c.Dispatcher.BatchSize = 50
	}
	if c.Dispatcher.Concurrency <= 0 {
		c.Dispatcher.Concurrency = 1
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		c.Dispatcher.MaxAttempts = 5
	}
	// non-positive durations would stall or panic the dispatcher ticker
	if c.Dispatcher.Interval <= 0 {
		c.Dispatcher.Interval = 3 * time.Second
	}
	if c.Dispatcher.SendTimeout <= 0 {
		c.Dispatcher.SendTimeout = 5 * time.Second
	}
	if c.Dispatcher.BackoffBase <= 0 {
		c.Dispatcher.BackoffBase = 30 * time.Second
	}
	if c.Inbound.Tolerance <= 0 {
		c.Inbound.Tolerance = 300 * time.Second
	}
	return c, nil
}

// FromEnv is Load with the config path taken from WEBHOOK_CONFIG.
func FromEnv() (Config, error) {
	path := os.Getenv("WEBHOOK_CONFIG")
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("WEBHOOK_CONFIG: %w", err)
		}
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	setStr(&c.Port, "PORT")
	setStr(&c.DatabaseURL, "DATABASE_URL")
	setStr(&c.RedisURL, "REDIS_URL")
	setStr(&c.Auth.Mode, "AUTH_MODE")
	setStr(&c.Auth.HMACSecret, "AUTH_HMAC_SECRET")
	setDur(&c.Dispatcher.Interval, "WEBHOOK_INTERVAL")
	setInt(&c.Dispatcher.BatchSize, "WEBHOOK_BATCH_SIZE")
	setInt(&c.Dispatcher.Concurrency, "WEBHOOK_CONCURRENCY")
	setInt(&c.Dispatcher.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS")
	setDur(&c.Dispatcher.BackoffBase, "WEBHOOK_BACKOFF_BASE")
	setDur(&c.Dispatcher.SendTimeout, "WEBHOOK_SEND_TIMEOUT")
	setFloat(&c.Dispatcher.RateRPS, "WEBHOOK_RATE_RPS")
	setInt(&c.Dispatcher.RateBurst, "WEBHOOK_RATE_BURST")
	setDur(&c.Inbound.Tolerance, "INBOUND_TOLERANCE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
