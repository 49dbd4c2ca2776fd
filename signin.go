package portalauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// SignIn authenticates with the provider and resolves the signed-in user. Provider
// errors such as [ErrInvalidCredentials] are returned as is; a session without a
// profile returns an error matching [ErrProfileNotFound] and leaves no user.
func (o *Orchestrator) SignIn(ctx context.Context, creds Credentials) (*ApplicationUser, error) {
	token, ok := o.begin()
	if !ok {
		return nil, ErrOrchestratorClosed
	}

	cctx, cancel := o.callContext(ctx)
	defer cancel()

	email := normalizeEmail(creds.Email)
	sess, err := o.provider.SignIn(cctx, Credentials{Email: email, Password: creds.Password})
	if err == nil && sess == nil {
		err = fmt.Errorf("sign in: %w", ErrNoSession)
	}
	if err != nil {
		o.abandon(token)
		o.signInFailed(ctx, email, err)
		return nil, err
	}

	user, err := o.userFromSession(cctx, sess, TriggerSignIn)
	if err != nil {
		user = nil
	}
	committed, live := o.commit(token, user)
	if !live {
		return nil, ErrOrchestratorClosed
	}
	if !committed {
		o.metrics.Inc(MetricResolveSuperseded)
	}
	if err != nil {
		o.signInFailed(ctx, email, err)
		return nil, err
	}

	o.metrics.Inc(MetricSignInSuccess)
	o.logger.Info("signed in",
		slog.String("user_id", user.ID),
		slog.String("role", user.RoleName),
	)
	o.emitAudit(ctx, AuditEvent{
		EventType: AuditSignIn,
		Trigger:   TriggerSignIn,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.RoleName,
		SessionID: user.SessionID,
		Success:   true,
	})
	return user, nil
}

func (o *Orchestrator) signInFailed(ctx context.Context, email string, err error) {
	o.metrics.Inc(MetricSignInFailure)

	level := slog.LevelWarn
	if errors.Is(err, ErrInvalidCredentials) {
		level = slog.LevelInfo
	}
	o.logger.Log(ctx, level, "sign in failed", slog.Any("err", err))
	o.emitAudit(ctx, AuditEvent{
		EventType: AuditSignIn,
		Trigger:   TriggerSignIn,
		Email:     email,
		Success:   false,
		Error:     err.Error(),
	})
}

// SignOut ends the session. The store holds no user afterwards even when the
// provider call fails; that failure is returned wrapped in [ErrSignOutPartial].
func (o *Orchestrator) SignOut(ctx context.Context) error {
	if !o.Live() {
		return ErrOrchestratorClosed
	}

	prev := o.store.User()
	o.clearUser()

	cctx, cancel := o.callContext(ctx)
	remoteErr := o.provider.SignOut(cctx)
	cancel()

	// Resolutions started before this point are now stale.
	o.clearUser()

	ev := AuditEvent{
		EventType: AuditSignOut,
		Trigger:   TriggerSignOut,
		Success:   remoteErr == nil,
	}
	if prev != nil {
		ev.UserID = prev.ID
		ev.Email = prev.Email
		ev.SessionID = prev.SessionID
	}

	if remoteErr != nil {
		o.metrics.Inc(MetricSignOutPartial)
		o.logger.Warn("provider sign out failed; local state cleared", slog.Any("err", remoteErr))
		ev.Error = remoteErr.Error()
		o.emitAudit(ctx, ev)
		return fmt.Errorf("%w: %w", ErrSignOutPartial, remoteErr)
	}

	o.metrics.Inc(MetricSignOut)
	o.emitAudit(ctx, ev)
	return nil
}

func (o *Orchestrator) clearUser() {
	if token, ok := o.begin(); ok {
		o.commit(token, nil)
	}
}
