package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_PORT", "INACTIVITY_THRESHOLD_MS", "TRACKER_REDIS_ADDR", "RUNNER_SHARED_SECRET"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.HTTPPort != 8080 || cfg.InternalPort != 8081 {
		t.Fatalf("unexpected ports: %d %d", cfg.HTTPPort, cfg.InternalPort)
	}
	if cfg.InactivityThreshold != 15*time.Minute {
		t.Fatalf("unexpected inactivity threshold: %v", cfg.InactivityThreshold)
	}
	if cfg.TrackerRedisAddr != "" {
		t.Fatalf("expected in-process tracker by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("INACTIVITY_THRESHOLD_MS", "1000")
	t.Setenv("TRACKER_SIZE", "not-a-number")
	t.Setenv("RUNNER_SHARED_SECRET", "s3cret")

	cfg := Load()
	if cfg.HTTPPort != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTPPort)
	}
	if cfg.InactivityThreshold != time.Second {
		t.Fatalf("expected 1s, got %v", cfg.InactivityThreshold)
	}
	if cfg.TrackerSize != 10000 {
		t.Fatalf("invalid ints fall back to the default, got %d", cfg.TrackerSize)
	}
	if cfg.RunnerSharedSecret != "s3cret" {
		t.Fatalf("unexpected secret %q", cfg.RunnerSharedSecret)
	}
}
