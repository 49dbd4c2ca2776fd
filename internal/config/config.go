// Package config loads process configuration for cmd/portal from an optional
// config file, a .env file and PORTAL_-prefixed environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	portalauth "github.com/MrEthical07/portalauth"
)

// Config is the process configuration. Environment variables override the config
// file, which overrides defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	// DevMode runs against an in-process provider, Redis and SQLite database.
	DevMode bool `mapstructure:"dev_mode"`

	ProviderURL string `mapstructure:"provider_url"`
	AnonKey     string `mapstructure:"anon_key"`
	JWTSecret   string `mapstructure:"jwt_secret"`

	RedisAddr     string `mapstructure:"redis_addr"`
	CredentialKey string `mapstructure:"credential_key"`

	DatabaseDSN      string        `mapstructure:"database_dsn"`
	ProfileCacheSize int           `mapstructure:"profile_cache_size"`
	ProfileCacheTTL  time.Duration `mapstructure:"profile_cache_ttl"`

	AdminEmail      string        `mapstructure:"admin_email"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	PendingWait     time.Duration `mapstructure:"pending_wait"`
	AuditEnabled    bool          `mapstructure:"audit_enabled"`

	// SignInMaxAttempts failed sign-ins per SignInWindow are allowed per email and
	// client address. Zero disables limiting. Needs Redis.
	SignInMaxAttempts int           `mapstructure:"signin_max_attempts"`
	SignInWindow      time.Duration `mapstructure:"signin_window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("dev_mode", false)
	v.SetDefault("provider_url", "")
	v.SetDefault("anon_key", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("credential_key", "portal:credential")
	v.SetDefault("database_dsn", "")
	v.SetDefault("profile_cache_size", 256)
	v.SetDefault("profile_cache_ttl", "5m")
	v.SetDefault("admin_email", "")
	v.SetDefault("refresh_interval", "1h")
	v.SetDefault("provider_timeout", "10s")
	v.SetDefault("pending_wait", "2s")
	v.SetDefault("audit_enabled", true)
	v.SetDefault("signin_max_attempts", 5)
	v.SetDefault("signin_window", "15m")
}

// Load reads path when set (any format Viper supports), otherwise an optional .env
// in the working directory, then applies PORTAL_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		_ = v.ReadInConfig() // a missing .env is fine
	}

	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("config: listen_addr must be set")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: log_format must be json or text, got %q", c.LogFormat)
	}
	if c.ProfileCacheSize < 0 || c.ProfileCacheTTL < 0 {
		return errors.New("config: profile cache size and ttl must be >= 0")
	}
	if c.SignInMaxAttempts < 0 || (c.SignInMaxAttempts > 0 && c.SignInWindow <= 0) {
		return errors.New("config: signin_max_attempts must be >= 0 and signin_window > 0 when set")
	}
	if c.PendingWait < 0 {
		return errors.New("config: pending_wait must be >= 0")
	}

	if c.DevMode {
		return nil
	}
	missing := make([]string, 0, 4)
	for key, val := range map[string]string{
		"provider_url": c.ProviderURL,
		"anon_key":     c.AnonKey,
		"jwt_secret":   c.JWTSecret,
		"database_dsn": c.DatabaseDSN,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("config: %s required outside dev mode", strings.Join(missing, ", "))
	}
	return nil
}

// Portal maps the process settings onto the library configuration.
func (c *Config) Portal() portalauth.Config {
	cfg := portalauth.DefaultConfig()
	cfg.AdminEmail = c.AdminEmail
	if c.RefreshInterval > 0 {
		cfg.RefreshInterval = c.RefreshInterval
	}
	cfg.ProviderTimeout = c.ProviderTimeout
	cfg.Audit.Enabled = c.AuditEnabled
	return cfg
}

// Logger builds a slog logger writing to w in the configured format and level.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}
