package config

import (
	"os"
	"testing"
	"time"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		os.Setenv(k, v)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoad_DefaultsWhenNoOverlayOrEnv(t *testing.T) {
	withEnv(t, map[string]string{
		"HOST": "", "PORT": "", "ADMIN_USERNAME": "", "ADMIN_PASSWORD": "",
		"DETECTOR_URL": "", "STORE_ROOT": "",
	})
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != "8090" {
		t.Fatalf("host/port defaults: %+v", cfg)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("SessionTTL default: %v", cfg.SessionTTL)
	}
	if cfg.ConfidenceThreshold != 0.5 {
		t.Fatalf("ConfidenceThreshold default: %v", cfg.ConfidenceThreshold)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryMultiplier != 2 {
		t.Fatalf("retry defaults: attempts=%d multiplier=%v", cfg.RetryMaxAttempts, cfg.RetryMultiplier)
	}
	if cfg.WorkerConcurrency < 2 || cfg.WorkerConcurrency > 16 {
		t.Fatalf("WorkerConcurrency out of bounds: %d", cfg.WorkerConcurrency)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		"HOST":                  "127.0.0.1",
		"PORT":                  "9999",
		"ADMIN_USERNAME":        "root",
		"ADMIN_PASSWORD":        "hunter2",
		"DETECTOR_URL":          "https://detector.internal",
		"WORKER_CONCURRENCY":    "7",
		"CONFIDENCE_THRESHOLD":  "0.75",
		"SESSION_DURATION_SECONDS": "120",
	})
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != "9999" {
		t.Fatalf("host/port: %+v", cfg)
	}
	if cfg.AdminUsername != "root" || cfg.AdminPassword != "hunter2" {
		t.Fatalf("admin creds: %+v", cfg)
	}
	if cfg.DetectorURL != "https://detector.internal" {
		t.Fatalf("DetectorURL: %s", cfg.DetectorURL)
	}
	if cfg.WorkerConcurrency != 7 {
		t.Fatalf("WorkerConcurrency: %d", cfg.WorkerConcurrency)
	}
	if cfg.ConfidenceThreshold != 0.75 {
		t.Fatalf("ConfidenceThreshold: %v", cfg.ConfidenceThreshold)
	}
	if cfg.SessionTTL != 120*time.Second {
		t.Fatalf("SessionTTL: %v", cfg.SessionTTL)
	}
}

func TestLoad_YAMLOverlayThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := os.WriteFile(path, []byte("host: 10.0.0.5\nport: \"7000\"\nadmin_username: yaml-admin\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	withEnv(t, map[string]string{"PORT": "7001"})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "10.0.0.5" {
		t.Fatalf("expected YAML value to apply when env is unset, got %s", cfg.Host)
	}
	if cfg.Port != "7001" {
		t.Fatalf("expected env to win over YAML, got %s", cfg.Port)
	}
	if cfg.AdminUsername != "yaml-admin" {
		t.Fatalf("expected YAML admin_username to apply, got %s", cfg.AdminUsername)
	}
}
