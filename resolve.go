package portalauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrEthical07/portalauth/session"
)

// resolve runs one full resolution: fetch the session, refresh it, join it with the
// profile and commit the result. Every failure commits no user.
func (o *Orchestrator) resolve(ctx context.Context, trigger Trigger) {
	token, ok := o.begin()
	if !ok {
		return
	}

	start := time.Now()
	user, err := o.lookup(ctx, trigger)
	o.metrics.Observe(MetricResolveLatency, time.Since(start))

	o.finish(ctx, token, trigger, user, err)
}

func (o *Orchestrator) lookup(ctx context.Context, trigger Trigger) (*ApplicationUser, error) {
	cctx, cancel := o.callContext(ctx)
	defer cancel()

	sess, err := o.provider.GetSession(cctx)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	sess, err = o.provider.RefreshSession(cctx)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("refresh session: %w", ErrNoSession)
	}

	return o.userFromSession(cctx, sess, trigger)
}

// applyEvent resolves the user carried by a provider event under the token claimed
// when the event arrived.
func (o *Orchestrator) applyEvent(p *pendingEvent) {
	ctx, cancel := o.callContext(o.baseCtx)
	defer cancel()

	var (
		user *ApplicationUser
		err  error
	)
	if p.event.Session != nil && !p.event.Session.Expired(o.now()) {
		user, err = o.userFromSession(ctx, p.event.Session, TriggerEvent)
	}

	o.logger.Debug("session event",
		slog.String("kind", p.event.Kind.String()),
		slog.Bool("has_session", p.event.Session != nil),
	)
	o.finish(ctx, p.token, TriggerEvent, user, err)
}

// finish commits the outcome of a resolution and records it.
func (o *Orchestrator) finish(ctx context.Context, token session.Token, trigger Trigger, user *ApplicationUser, err error) {
	if err != nil {
		user = nil
	}

	committed, live := o.commit(token, user)
	if !live {
		return
	}

	if err != nil {
		level := slog.LevelWarn
		if isCanceled(err) {
			level = slog.LevelDebug
		}
		o.metrics.Inc(MetricResolveFailure)
		o.logger.Log(ctx, level, "session resolution failed",
			slog.String("trigger", string(trigger)),
			slog.Bool("committed", committed),
			slog.Any("err", err),
		)
	}
	if !committed {
		o.metrics.Inc(MetricResolveSuperseded)
		return
	}

	switch {
	case err != nil:
		o.emitAudit(ctx, AuditEvent{
			EventType: AuditSessionCleared,
			Trigger:   trigger,
			Success:   false,
			Error:     err.Error(),
		})
	case user == nil:
		o.metrics.Inc(MetricResolveEmpty)
	default:
		o.metrics.Inc(MetricResolveSuccess)
		o.emitAudit(ctx, AuditEvent{
			EventType: AuditSessionResolved,
			Trigger:   trigger,
			UserID:    user.ID,
			Email:     user.Email,
			Role:      user.RoleName,
			SessionID: user.SessionID,
			Success:   true,
		})
	}
}

/*
====================================
ROLE MAPPING
====================================
*/

// userFromSession joins sess with its profile. The stored role is used verbatim
// except for the administrator address, whose role is always the super-role.
func (o *Orchestrator) userFromSession(ctx context.Context, sess *Session, trigger Trigger) (*ApplicationUser, error) {
	if sess == nil || strings.TrimSpace(sess.UserID) == "" {
		return nil, fmt.Errorf("session without user id: %w", ErrNoSession)
	}

	prof, err := o.profiles.GetProfile(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", sess.UserID, err)
	}

	email := normalizeEmail(sess.Email)
	if email == "" {
		email = normalizeEmail(prof.Email)
	}

	roleName := strings.TrimSpace(prof.Role)
	if o.adminEmail != "" && email == o.adminEmail {
		super := o.roles.SuperName()
		if roleName != super {
			o.metrics.Inc(MetricRoleOverride)
			o.logger.Info("administrator role override",
				slog.String("user_id", sess.UserID),
				slog.String("stored_role", roleName),
				slog.String("trigger", string(trigger)),
			)
			o.emitAudit(ctx, AuditEvent{
				EventType: AuditRoleOverride,
				Trigger:   trigger,
				UserID:    sess.UserID,
				Email:     email,
				Role:      super,
				Success:   true,
				Metadata:  map[string]string{"stored_role": roleName},
			})
			o.correctRole(sess.UserID, email)
		}
		roleName = super
	}

	return &ApplicationUser{
		ID:                  sess.UserID,
		Email:               email,
		DisplayName:         prof.DisplayName,
		Role:                o.roles.Parse(roleName),
		RoleName:            roleName,
		AllowedPagePrefixes: append([]string(nil), prof.AllowedPagePrefixes...),
		SessionID:           sess.ID,
		ResolvedAt:          o.now().UTC(),
	}, nil
}

// correctRole writes the super-role back to the administrator's profile on a
// tracked goroutine. At most one correction runs at a time. Failures are logged and
// counted only.
func (o *Orchestrator) correctRole(userID, email string) {
	if !o.correcting.CompareAndSwap(false, true) {
		return
	}

	started := o.goBackground(func(ctx context.Context) {
		defer o.correcting.Store(false)

		cctx, cancel := context.WithTimeout(ctx, o.config.RoleCorrectionTimeout)
		defer cancel()

		super := o.roles.SuperName()
		ev := AuditEvent{
			EventType: AuditRoleCorrected,
			UserID:    userID,
			Email:     email,
			Role:      super,
		}
		if err := o.profiles.UpdateRole(cctx, userID, super); err != nil {
			o.metrics.Inc(MetricRoleCorrectionFailure)
			o.logger.Warn("stored role correction failed",
				slog.String("user_id", userID),
				slog.Any("err", err),
			)
			ev.Error = err.Error()
			o.emitAudit(ctx, ev)
			return
		}
		o.logger.Info("stored role corrected", slog.String("user_id", userID))
		ev.Success = true
		o.emitAudit(ctx, ev)
	})
	if !started {
		o.correcting.Store(false)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
