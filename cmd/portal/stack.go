package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	portalauth "github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/credential"
	"github.com/MrEthical07/portalauth/internal/config"
	"github.com/MrEthical07/portalauth/internal/rate"
	"github.com/MrEthical07/portalauth/jwt"
	"github.com/MrEthical07/portalauth/password"
	"github.com/MrEthical07/portalauth/profile"
	"github.com/MrEthical07/portalauth/provider/hosted"
	"github.com/MrEthical07/portalauth/provider/memprovider"
)

const devAdminEmail = "admin@portal.local"

// devAccount is seeded into the in-process provider and profile table in dev mode.
type devAccount struct {
	email    string
	password string
	profile  portalauth.Profile
}

var devAccounts = []devAccount{
	{
		email:    devAdminEmail,
		password: "admin-password",
		profile:  portalauth.Profile{DisplayName: "Portal Admin", Role: "admin"},
	},
	{
		email:    "management@portal.local",
		password: "management-password",
		profile:  portalauth.Profile{DisplayName: "Management", Role: "management"},
	},
	{
		email:    "fleet@portal.local",
		password: "fleet-password",
		profile: portalauth.Profile{
			DisplayName:         "Fleet Desk",
			Role:                "fleet",
			AllowedPagePrefixes: []string{"/fleet"},
		},
	},
}

// stack is the wired orchestrator with everything it owns.
type stack struct {
	orch    *portalauth.Orchestrator
	limiter *rate.Limiter
	closers []func()
}

func (s *stack) Close() {
	if s.orch != nil {
		s.orch.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildStack(ctx context.Context, c *config.Config, logger *slog.Logger) (_ *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	portalCfg := c.Portal()
	if c.DevMode && portalCfg.AdminEmail == "" {
		portalCfg.AdminEmail = devAdminEmail
	}

	rdb, err := redisClient(c, s)
	if err != nil {
		return nil, err
	}
	var creds credential.Store = credential.NewMemoryStore()
	if rdb != nil {
		creds = credential.NewRedisStore(rdb, c.CredentialKey)
		if c.SignInMaxAttempts > 0 {
			s.limiter, err = rate.New(rdb, rate.Config{
				MaxAttempts: c.SignInMaxAttempts,
				Window:      c.SignInWindow,
				PerIP:       true,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	dsn := c.DatabaseDSN
	if dsn == "" && c.DevMode {
		dsn = ":memory:"
	}
	sqlStore, err := profile.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { _ = sqlStore.Close() })
	if err := sqlStore.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	var provider portalauth.SessionProvider
	if c.DevMode {
		provider, err = devProvider(ctx, c, creds, sqlStore, logger)
	} else {
		provider, err = hostedProvider(c, creds, logger, s)
	}
	if err != nil {
		return nil, err
	}

	var profiles portalauth.ProfileStore = sqlStore
	if c.ProfileCacheSize > 0 && c.ProfileCacheTTL > 0 {
		profiles = profile.NewCache(sqlStore, c.ProfileCacheSize, c.ProfileCacheTTL)
	}

	s.orch, err = portalauth.New().
		WithConfig(portalCfg).
		WithProvider(provider).
		WithProfiles(profiles).
		WithLogger(logger).
		WithAuditSink(auditSink(c, logger)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return s, nil
}

// auditSink follows the log format: JSON lines on stderr, or the text logger.
func auditSink(c *config.Config, logger *slog.Logger) portalauth.AuditSink {
	if c.LogFormat == "text" {
		return portalauth.NewSlogSink(logger.With(slog.String("component", "audit")))
	}
	return portalauth.NewJSONWriterSink(os.Stderr)
}

// redisClient connects to RedisAddr, or to an in-process miniredis in dev mode. It
// returns nil when neither applies.
func redisClient(c *config.Config, s *stack) (*redis.Client, error) {
	addr := c.RedisAddr
	if addr == "" && c.DevMode {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start miniredis: %w", err)
		}
		s.closers = append(s.closers, mr.Close)
		addr = mr.Addr()
	}
	if addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	s.closers = append(s.closers, func() { _ = rdb.Close() })
	return rdb, nil
}

func hostedProvider(c *config.Config, creds credential.Store, logger *slog.Logger, s *stack) (*hosted.Provider, error) {
	tokens, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.MethodHS256,
		Secret:        []byte(c.JWTSecret),
	})
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}
	p, err := hosted.New(hosted.Config{
		BaseURL:     c.ProviderURL,
		APIKey:      c.AnonKey,
		Tokens:      tokens,
		Credentials: creds,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, p.Close)
	return p, nil
}

// devProvider returns an in-process provider with the dev accounts and their
// profiles seeded.
func devProvider(ctx context.Context, c *config.Config, creds credential.Store, profiles *profile.SQLStore, logger *slog.Logger) (*memprovider.Provider, error) {
	secret := c.JWTSecret
	if secret == "" {
		secret = uuid.NewString() + uuid.NewString()
	}
	tokens, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.MethodHS256,
		Secret:        []byte(secret),
		Issuer:        "portal-dev",
	})
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}
	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		return nil, err
	}
	p, err := memprovider.New(tokens, hasher, creds)
	if err != nil {
		return nil, err
	}

	for _, acct := range devAccounts {
		userID, err := p.AddAccount(acct.email, acct.password)
		if err != nil {
			if errors.Is(err, memprovider.ErrDuplicateAccount) {
				continue
			}
			return nil, fmt.Errorf("seed %s: %w", acct.email, err)
		}
		prof := acct.profile
		prof.UserID = userID
		prof.Email = acct.email
		if err := profiles.Upsert(ctx, prof); err != nil {
			return nil, fmt.Errorf("seed profile %s: %w", acct.email, err)
		}
		logger.Info("dev account seeded", slog.String("email", acct.email), slog.String("role", prof.Role))
	}
	return p, nil
}
