// Package config loads service configuration.
// Sources in priority order: environment variables, YAML file, defaults.
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

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all service configuration.
type Config struct {
	Environment string         `yaml:"environment"`
	ListenAddr  string         `yaml:"listen_addr"`
	GRPCAddr    string         `yaml:"grpc_addr"`
	Database    DatabaseConfig `yaml:"database"`
	Auth        AuthConfig     `yaml:"auth"`
	HTTP        HTTPConfig     `yaml:"http"`
	Log         LogConfig      `yaml:"log"`
	// DevAdmin, when set, bootstraps a super_admin account at startup.
	DevAdmin DevAdminConfig `yaml:"dev_admin"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

type AuthConfig struct {
	AccessSecret          string        `yaml:"access_secret"`
	RefreshSecret         string        `yaml:"refresh_secret"`
	Issuer                string        `yaml:"issuer"`
	Audience              string        `yaml:"audience"`
	AccessTTL             time.Duration `yaml:"access_ttl"`
	RefreshTTL            time.Duration `yaml:"refresh_ttl"`
	MaxFailedAttempts     int           `yaml:"max_failed_attempts"`
	LockoutDuration       time.Duration `yaml:"lockout_duration"`
	RefreshCookiePath     string        `yaml:"refresh_cookie_path"`
	RevokeSessionsOnReuse bool          `yaml:"revoke_sessions_on_reuse"`
}

type HTTPConfig struct {
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	RateBurst      int      `yaml:"rate_burst"`
	RatePerSecond  int      `yaml:"rate_per_second"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DevAdminConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// Default returns configuration with the production lifetimes and lockout policy.
func Default() Config {
	return Config{
		Environment: EnvDevelopment,
		ListenAddr:  ":8080",
		GRPCAddr:    ":9090",
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:            "civika.it",
			Audience:          "civika.it",
			AccessTTL:         15 * time.Minute,
			RefreshTTL:        7 * 24 * time.Hour,
			MaxFailedAttempts: 5,
			LockoutDuration:   15 * time.Minute,
			RefreshCookiePath: "/api/auth/refresh",
		},
		HTTP: HTTPConfig{
			MaxBodyBytes:  1 << 20,
			RateBurst:     10,
			RatePerSecond: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path (if any), then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether cookies must be marked Secure.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// Validate checks settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.AccessSecret) == "" {
		errs = append(errs, errors.New("auth.access_secret is required"))
	}
	if strings.TrimSpace(c.Auth.RefreshSecret) == "" {
		errs = append(errs, errors.New("auth.refresh_secret is required"))
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, errors.New("auth.access_secret and auth.refresh_secret must differ"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth token lifetimes must be positive"))
	}
	if c.Auth.MaxFailedAttempts <= 0 {
		errs = append(errs, errors.New("auth.max_failed_attempts must be positive"))
	}
	if c.Auth.LockoutDuration <= 0 {
		errs = append(errs, errors.New("auth.lockout_duration must be positive"))
	}
	if !strings.HasPrefix(c.Auth.RefreshCookiePath, "/") {
		errs = append(errs, errors.New("auth.refresh_cookie_path must be absolute"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("CIVIKA_ENV", &c.Environment)
	setString("CIVIKA_LISTEN_ADDR", &c.ListenAddr)
	setString("CIVIKA_GRPC_ADDR", &c.GRPCAddr)
	setString("CIVIKA_PG_DSN", &c.Database.DSN)
	setString("CIVIKA_JWT_SECRET", &c.Auth.AccessSecret)
	setString("CIVIKA_JWT_REFRESH_SECRET", &c.Auth.RefreshSecret)
	setString("CIVIKA_JWT_ISSUER", &c.Auth.Issuer)
	setString("CIVIKA_JWT_AUDIENCE", &c.Auth.Audience)
	setString("CIVIKA_LOG_LEVEL", &c.Log.Level)
	setString("CIVIKA_LOG_FORMAT", &c.Log.Format)
	setString("CIVIKA_DEV_ADMIN_EMAIL", &c.DevAdmin.Email)
	setString("CIVIKA_DEV_ADMIN_PASSWORD", &c.DevAdmin.Password)

	durations := map[string]*time.Duration{
		"CIVIKA_ACCESS_TTL":       &c.Auth.AccessTTL,
		"CIVIKA_REFRESH_TTL":      &c.Auth.RefreshTTL,
		"CIVIKA_LOCKOUT_DURATION": &c.Auth.LockoutDuration,
	}
	for key, dst := range durations {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v := strings.TrimSpace(getenv("CIVIKA_MAX_FAILED_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CIVIKA_MAX_FAILED_ATTEMPTS: %w", err)
		}
		c.Auth.MaxFailedAttempts = n
	}
	if v := strings.TrimSpace(getenv("CIVIKA_REVOKE_SESSIONS_ON_REUSE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CIVIKA_REVOKE_SESSIONS_ON_REUSE: %w", err)
		}
		c.Auth.RevokeSessionsOnReuse = b
	}
	if v := strings.TrimSpace(getenv("CIVIKA_ALLOWED_ORIGINS")); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.HTTP.AllowedOrigins = origins
	}
	return nil
}
