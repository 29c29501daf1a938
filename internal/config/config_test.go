package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CIVIKA_JWT_SECRET", "access")
	t.Setenv("CIVIKA_JWT_REFRESH_SECRET", "refresh")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl: %v", cfg.Auth.AccessTTL)
	}
	if cfg.Auth.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected refresh ttl: %v", cfg.Auth.RefreshTTL)
	}
	if cfg.Auth.MaxFailedAttempts != 5 || cfg.Auth.LockoutDuration != 15*time.Minute {
		t.Fatalf("unexpected lockout policy: %d / %v", cfg.Auth.MaxFailedAttempts, cfg.Auth.LockoutDuration)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.IsProduction() {
		t.Fatalf("default environment must not be production")
	}
}

func TestLoadFileThenEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
environment: production
listen_addr: ":9000"
auth:
  access_secret: file-access
  refresh_secret: file-refresh
  access_ttl: 5m
  lockout_duration: 1h
http:
  allowed_origins: ["https://civika.it"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CIVIKA_LISTEN_ADDR", ":9100")
	t.Setenv("CIVIKA_MAX_FAILED_ATTEMPTS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production environment")
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("env should override file, got %q", cfg.ListenAddr)
	}
	if cfg.Auth.AccessTTL != 5*time.Minute || cfg.Auth.LockoutDuration != time.Hour {
		t.Fatalf("durations not decoded: %v %v", cfg.Auth.AccessTTL, cfg.Auth.LockoutDuration)
	}
	if cfg.Auth.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unset keys must keep defaults, got %v", cfg.Auth.RefreshTTL)
	}
	if cfg.Auth.MaxFailedAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.Auth.MaxFailedAttempts)
	}
	if len(cfg.HTTP.AllowedOrigins) != 1 || cfg.HTTP.AllowedOrigins[0] != "https://civika.it" {
		t.Fatalf("unexpected origins: %v", cfg.HTTP.AllowedOrigins)
	}
}

func TestLoadRejectsBadEnvDuration(t *testing.T) {
	t.Setenv("CIVIKA_ACCESS_TTL", "fifteen")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}

func TestValidateSecrets(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing secrets error")
	}
	cfg.Auth.AccessSecret = "same"
	cfg.Auth.RefreshSecret = "same"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected identical secrets to be rejected")
	}
	cfg.Auth.RefreshSecret = "different"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
