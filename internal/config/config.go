package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server      ServerConfig     `json:"server"`
	Lemur       LemurConfig      `json:"lemur"`
	Throttle    ThrottleConfig   `json:"throttle"`
	Redis       RedisConfig      `json:"redis"`
	Database    DatabaseConfig   `json:"database"`
	Submissions SubmissionConfig `json:"submissions"`
	Download    DownloadConfig   `json:"download"`
	Jobs        JobsConfig       `json:"jobs"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
	MaxUploadMB int64  `json:"max_upload_mb"`
}

type LemurConfig struct {
	Endpoint          string        `json:"endpoint"`
	TimeoutSeconds    int           `json:"timeout_seconds"`
	Concurrency       int           `json:"concurrency"`
	BatchSize         int           `json:"batch_size"`
	RequestsPerSecond float64       `json:"requests_per_second"` // 0 disables local pacing
	CircuitBreaker    BreakerConfig `json:"circuit_breaker"`
}

type BreakerConfig struct {
	MaxFailures    int `json:"max_failures"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

type ThrottleConfig struct {
	RemainingThreshold int `json:"remaining_threshold"`
	ExtraWaitSeconds   int `json:"extra_wait_seconds"`
	MaxWaitSeconds     int `json:"max_wait_seconds"` // 0 means no cap
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"` // empty keeps jobs in memory
}

type SubmissionConfig struct {
	RequestsPerMinute int    `json:"requests_per_minute"`
	Algorithm         string `json:"algorithm"` // "fixed_window" (redis) or "token_bucket" (in-process)
}

type DownloadConfig struct {
	TokenSecret string `json:"token_secret"`
	TTLMinutes  int    `json:"ttl_minutes"`
}

type JobsConfig struct {
	RetentionHours         int `json:"retention_hours"` // 0 keeps finished jobs forever
	CleanupIntervalMinutes int `json:"cleanup_interval_minutes"`
}

func (j JobsConfig) Retention() time.Duration {
	return time.Duration(j.RetentionHours) * time.Hour
}

func (j JobsConfig) CleanupInterval() time.Duration {
	return time.Duration(j.CleanupIntervalMinutes) * time.Minute
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

func (l LemurConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

func (t ThrottleConfig) ExtraWait() time.Duration {
	return time.Duration(t.ExtraWaitSeconds) * time.Second
}

func (t ThrottleConfig) MaxWait() time.Duration {
	return time.Duration(t.MaxWaitSeconds) * time.Second
}

func (d DownloadConfig) TTL() time.Duration {
	return time.Duration(d.TTLMinutes) * time.Minute
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Environment: "development",
			MaxUploadMB: 32,
		},
		Lemur: LemurConfig{
			Endpoint:       "https://api.assemblyai.com/lemur/v3/generate/task",
			TimeoutSeconds: 120,
			Concurrency:    10,
			CircuitBreaker: BreakerConfig{
				MaxFailures:    20,
				TimeoutSeconds: 30,
			},
		},
		Throttle: ThrottleConfig{
			RemainingThreshold: 10,
			ExtraWaitSeconds:   1,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Submissions: SubmissionConfig{
			RequestsPerMinute: 30,
			Algorithm:         "fixed_window",
		},
		Download: DownloadConfig{
			TTLMinutes: 24 * 60,
		},
		Jobs: JobsConfig{
			RetentionHours:         72,
			CleanupIntervalMinutes: 30,
		},
	}
}

// Load reads the json file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(file, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Environment, "ENVIRONMENT")
	setString(&c.Lemur.Endpoint, "LEMUR_ENDPOINT")
	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.Download.TokenSecret, "DOWNLOAD_TOKEN_SECRET")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_ADDR: %w", err)
		}
		c.Redis.Host = host
		c.Redis.Port = port
		c.Redis.Enabled = true
	}

	if v := os.Getenv("LEMUR_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LEMUR_CONCURRENCY: %w", err)
		}
		c.Lemur.Concurrency = n
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Lemur.Endpoint == "" {
		return errors.New("lemur endpoint is required")
	}
	if c.Lemur.Concurrency <= 0 {
		return fmt.Errorf("lemur concurrency must be positive, got %d", c.Lemur.Concurrency)
	}
	if c.Lemur.BatchSize < 0 {
		return fmt.Errorf("lemur batch size must not be negative, got %d", c.Lemur.BatchSize)
	}
	if c.Lemur.RequestsPerSecond < 0 {
		return errors.New("lemur requests per second must not be negative")
	}
	if c.Throttle.RemainingThreshold < 0 {
		return errors.New("throttle threshold must not be negative")
	}
	if c.Jobs.RetentionHours > 0 && c.Jobs.CleanupIntervalMinutes <= 0 {
		return errors.New("jobs cleanup interval must be positive when retention is set")
	}
	switch c.Submissions.Algorithm {
	case "", "fixed_window", "token_bucket":
	default:
		return fmt.Errorf("unknown submission rate limit algorithm: %s", c.Submissions.Algorithm)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
