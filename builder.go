package portalauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrEthical07/portalauth/role"
	"github.com/MrEthical07/portalauth/session"
)

// Builder assembles an [Orchestrator]. A Builder can be used for one Build.
type Builder struct {
	config Config

	provider  SessionProvider
	profiles  ProfileStore
	store     *session.Store
	logger    *slog.Logger
	auditSink AuditSink

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithProvider(p SessionProvider) *Builder {
	b.provider = p
	return b
}

func (b *Builder) WithProfiles(ps ProfileStore) *Builder {
	b.profiles = ps
	return b
}

// WithStore injects the Session Store shared with readers. Build creates one when
// none is given.
func (b *Builder) WithStore(st *session.Store) *Builder {
	b.store = st
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink sets the audit destination. Events are only delivered when
// Config.Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a live, not yet started
// Orchestrator.
func (b *Builder) Build() (*Orchestrator, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.provider == nil {
		return nil, errors.New("session provider required")
	}
	if b.profiles == nil {
		return nil, errors.New("profile store required")
	}

	// -------- ROLES --------
	roles, err := role.NewRegistry(cfg.SuperRole, cfg.Roles...)
	if err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}

	store := b.store
	if store == nil {
		store = session.NewStore()
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		config:     cfg,
		provider:   b.provider,
		profiles:   b.profiles,
		store:      store,
		roles:      roles,
		logger:     logger,
		metrics:    NewMetrics(cfg.Metrics),
		adminEmail: normalizeEmail(cfg.AdminEmail),
		evSignal:   make(chan struct{}, 1),
		now:        timeNow,
	}
	o.audit = newAuditDispatcher(cfg.Audit, b.auditSink, func(r any) {
		logger.Error("audit sink panicked", slog.String("panic", panicMessage(r)))
	})

	// -------- GUARD --------
	guard, err := NewGuard(cfg.Guard, roles)
	if err != nil {
		o.audit.Close()
		return nil, err
	}
	guard.store = store
	guard.refresher = o
	guard.metrics = o.metrics
	guard.audit = o.audit
	o.guard = guard

	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	o.live.Store(true)

	b.built = true
	return o, nil
}
