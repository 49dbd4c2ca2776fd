package portalauth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Config configures an [Orchestrator] and its [Guard]. It is copied at Build and
// treated as immutable afterwards.
type Config struct {
	// AdminEmail is the designated administrator address whose effective role is
	// always forced to SuperRole. Empty disables the override.
	AdminEmail string
	// SuperRole is the role that satisfies every authorization check.
	SuperRole string
	// Roles lists the known role names besides SuperRole.
	Roles []string

	RefreshInterval time.Duration
	// ProviderTimeout bounds each resolution's provider and profile calls. Zero
	// leaves timeouts to the provider.
	ProviderTimeout       time.Duration
	RoleCorrectionTimeout time.Duration

	Guard   GuardConfig
	Audit   AuditConfig
	Metrics MetricsConfig
}

/*
====================================
GUARD CONFIG
====================================
*/

// GuardConfig configures route authorization.
type GuardConfig struct {
	SignInPath  string
	LandingPath string
	// RedirectParam is the sign-in query parameter carrying the originally requested
	// path.
	RedirectParam string
	// PrivilegedRoutes are path families restricted to a fixed role set regardless
	// of a user's allow-list.
	PrivilegedRoutes []PrivilegedRoute
}

// PrivilegedRoute restricts every path starting with Prefix to Roles.
type PrivilegedRoute struct {
	Prefix string
	Roles  []string
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig configures the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultRoles are the role names known to a default configuration.
var DefaultRoles = []string{
	"admin",
	"management",
	"safety",
	"fleet",
	"sales",
	"salesFranco",
	"salesFreek",
	"salesX",
}

// DefaultConfig returns the reference configuration: hourly refresh, "superAdmin"
// super-role, sign-in at /login and a management-only /management section.
func DefaultConfig() Config {
	return Config{
		SuperRole:             "superAdmin",
		Roles:                 append([]string(nil), DefaultRoles...),
		RefreshInterval:       time.Hour,
		RoleCorrectionTimeout: 5 * time.Second,
		Guard: GuardConfig{
			SignInPath:    "/login",
			LandingPath:   "/",
			RedirectParam: "redirect",
			PrivilegedRoutes: []PrivilegedRoute{
				{Prefix: "/management", Roles: []string{"management", "admin"}},
			},
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Roles = append([]string(nil), cfg.Roles...)
	out.Guard.PrivilegedRoutes = make([]PrivilegedRoute, 0, len(cfg.Guard.PrivilegedRoutes))
	for _, pr := range cfg.Guard.PrivilegedRoutes {
		out.Guard.PrivilegedRoutes = append(out.Guard.PrivilegedRoutes, PrivilegedRoute{
			Prefix: pr.Prefix,
			Roles:  append([]string(nil), pr.Roles...),
		})
	}
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SuperRole) == "" {
		return errors.New("SuperRole must be set")
	}
	if email := strings.TrimSpace(c.AdminEmail); email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return fmt.Errorf("AdminEmail is not a valid address: %w", err)
		}
	}

	if c.RefreshInterval <= 0 {
		return errors.New("RefreshInterval must be > 0")
	}
	if c.ProviderTimeout < 0 {
		return errors.New("ProviderTimeout must be >= 0")
	}
	if c.RoleCorrectionTimeout <= 0 {
		return errors.New("RoleCorrectionTimeout must be > 0")
	}

	if err := c.Guard.validate(); err != nil {
		return err
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}

func (g *GuardConfig) validate() error {
	if !strings.HasPrefix(g.SignInPath, "/") {
		return errors.New("Guard SignInPath must be an absolute path")
	}
	if !strings.HasPrefix(g.LandingPath, "/") {
		return errors.New("Guard LandingPath must be an absolute path")
	}
	if g.SignInPath == g.LandingPath {
		return errors.New("Guard SignInPath and LandingPath must differ")
	}
	if strings.TrimSpace(g.RedirectParam) == "" {
		return errors.New("Guard RedirectParam must be set")
	}
	for _, pr := range g.PrivilegedRoutes {
		if !strings.HasPrefix(pr.Prefix, "/") || pr.Prefix == "/" {
			return fmt.Errorf("Guard privileged prefix %q must be an absolute sub-path", pr.Prefix)
		}
		if len(pr.Roles) == 0 {
			return fmt.Errorf("Guard privileged prefix %q declares no roles", pr.Prefix)
		}
	}
	return nil
}
