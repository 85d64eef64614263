// Package config loads logocheck's settings: env vars first (spec §6.4),
// with an optional YAML file overlay for operators who prefer a file,
// following domkeeper's struct + defaults() idiom.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the orchestrator needs at startup.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
	SessionTTL    time.Duration `yaml:"session_ttl"`

	DetectorURL     string        `yaml:"detector_url"`
	DetectorTimeout time.Duration `yaml:"detector_timeout"`
	ConfidenceThreshold float64   `yaml:"confidence_threshold"`

	StoreRoot string `yaml:"store_root"`

	WorkerConcurrency int `yaml:"worker_concurrency"`
	RetryMaxAttempts  int `yaml:"retry_max_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMultiplier   float64       `yaml:"retry_multiplier"`

	ArchiveThreshold int `yaml:"archive_threshold"`

	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	StaleWindow     time.Duration `yaml:"stale_window"`

	TempSweepPeriod time.Duration `yaml:"temp_sweep_period"`
	TempAge         time.Duration `yaml:"temp_age"`
	BatchSweepPeriod time.Duration `yaml:"batch_sweep_period"`
	BatchAge         time.Duration `yaml:"batch_age"`
	PendingAgeCap    time.Duration `yaml:"pending_age_cap"`
	SessionSweepPeriod time.Duration `yaml:"session_sweep_period"`

	SMTPHost string `yaml:"smtp_host"`
	SMTPPort string `yaml:"smtp_port"`
	SMTPUser string `yaml:"smtp_user"`
	SMTPPass string `yaml:"smtp_pass"`
	SMTPFrom string `yaml:"smtp_from"`

	LogLevel string `yaml:"log_level"`
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == "" {
		c.Port = "8090"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.DetectorTimeout <= 0 {
		c.DetectorTimeout = 10 * time.Second
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.StoreRoot == "" {
		c.StoreRoot = "data"
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = boundedNumCPU()
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 1 * time.Second
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = 2
	}
	if c.ArchiveThreshold <= 0 {
		c.ArchiveThreshold = 300
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
	if c.StaleWindow <= 0 {
		c.StaleWindow = 2 * c.HeartbeatPeriod
	}
	if c.TempSweepPeriod <= 0 {
		c.TempSweepPeriod = 30 * time.Minute
	}
	if c.TempAge <= 0 {
		c.TempAge = 30 * time.Minute
	}
	if c.BatchSweepPeriod <= 0 {
		c.BatchSweepPeriod = 1 * time.Hour
	}
	if c.BatchAge <= 0 {
		c.BatchAge = 24 * time.Hour
	}
	if c.PendingAgeCap <= 0 {
		c.PendingAgeCap = 72 * time.Hour
	}
	if c.SessionSweepPeriod <= 0 {
		c.SessionSweepPeriod = 15 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// boundedNumCPU is the Open Question decision for the default worker pool
// size: runtime.NumCPU() bounded to [2,16].
func boundedNumCPU() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	if n > 16 {
		return 16
	}
	return n
}

// Load builds a Config from an optional YAML file overlay (yamlPath may be
// empty) followed by environment variables, which always win. Mirrors
// cmd/chrc/main.go's env(key, def) helper, generalized into a struct loader.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{}
	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Host = env("HOST", cfg.Host)
	cfg.Port = env("PORT", cfg.Port)
	cfg.AdminUsername = env("ADMIN_USERNAME", cfg.AdminUsername)
	cfg.AdminPassword = env("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.SessionTTL = envDuration("SESSION_DURATION_SECONDS", cfg.SessionTTL)
	cfg.DetectorURL = env("DETECTOR_URL", cfg.DetectorURL)
	cfg.DetectorTimeout = envDuration("DETECTOR_TIMEOUT_SECONDS", cfg.DetectorTimeout)
	cfg.ConfidenceThreshold = envFloat("CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold)
	cfg.StoreRoot = env("STORE_ROOT", cfg.StoreRoot)
	cfg.WorkerConcurrency = envInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.ArchiveThreshold = envInt("ARCHIVE_THRESHOLD", cfg.ArchiveThreshold)
	cfg.SMTPHost = env("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = env("SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPUser = env("SMTP_USER", cfg.SMTPUser)
	cfg.SMTPPass = env("SMTP_PASS", cfg.SMTPPass)
	cfg.SMTPFrom = env("SMTP_FROM", cfg.SMTPFrom)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)

	cfg.defaults()
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
