package memprovider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	portalauth "github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/credential"
	"github.com/MrEthical07/portalauth/jwt"
	"github.com/MrEthical07/portalauth/password"
)

// Op names a provider operation passed to a [Hook].
type Op string

const (
	OpSignIn     Op = "sign_in"
	OpSignOut    Op = "sign_out"
	OpGetSession Op = "get_session"
	OpRefresh    Op = "refresh_session"
)

// Hook runs at the start of every operation. A non-nil error fails the operation;
// for OpSignOut it fails only the remote part, local credentials are still cleared.
// A Hook may block to simulate a slow provider.
type Hook func(ctx context.Context, op Op) error

// ErrDuplicateAccount is returned by AddAccount for an email already registered.
var ErrDuplicateAccount = errors.New("account already exists")

type account struct {
	userID       string
	email        string
	passwordHash string
}

// Provider is an in-memory [portalauth.SessionProvider]. Client-held credentials
// live in a [credential.Store]; issued refresh tokens and accounts live in memory.
type Provider struct {
	tokens *jwt.Manager
	hasher *password.Hasher
	creds  credential.Store

	// refreshMu serializes load, rotate and save of the stored refresh token.
	refreshMu sync.Mutex

	mu        sync.Mutex
	accounts  map[string]account
	refresh   map[string]string
	hook      Hook
	listeners map[uint64]func(portalauth.SessionEvent)
	nextID    uint64
}

// New returns a Provider that signs access tokens with tokens and keeps the
// client credential in creds. tokens must be able to issue.
func New(tokens *jwt.Manager, hasher *password.Hasher, creds credential.Store) (*Provider, error) {
	if !tokens.CanIssue() {
		return nil, jwt.ErrSigningDisabled
	}
	if hasher == nil {
		return nil, errors.New("memprovider: nil password hasher")
	}
	if creds == nil {
		creds = credential.NewMemoryStore()
	}
	return &Provider{
		tokens:    tokens,
		hasher:    hasher,
		creds:     creds,
		accounts:  make(map[string]account),
		refresh:   make(map[string]string),
		listeners: make(map[uint64]func(portalauth.SessionEvent)),
	}, nil
}

// SetHook installs h, replacing any previous hook. nil removes it.
func (p *Provider) SetHook(h Hook) {
	p.mu.Lock()
	p.hook = h
	p.mu.Unlock()
}

// AddAccount registers an account and returns its user id.
func (p *Provider) AddAccount(email, plain string) (string, error) {
	email = normalizeEmail(email)
	if email == "" {
		return "", errors.New("memprovider: email required")
	}
	hash, err := p.hasher.Hash(plain)
	if err != nil {
		return "", fmt.Errorf("memprovider: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[email]; exists {
		return "", ErrDuplicateAccount
	}
	userID := uuid.NewString()
	p.accounts[email] = account{userID: userID, email: email, passwordHash: hash}
	return userID, nil
}

/*
====================================
SESSION PROVIDER
====================================
*/

func (p *Provider) SignIn(ctx context.Context, creds portalauth.Credentials) (*portalauth.Session, error) {
	if err := p.runHook(ctx, OpSignIn); err != nil {
		return nil, err
	}

	email := normalizeEmail(creds.Email)
	p.mu.Lock()
	acct, ok := p.accounts[email]
	p.mu.Unlock()
	if !ok {
		return nil, portalauth.ErrInvalidCredentials
	}
	match, err := p.hasher.Verify(creds.Password, acct.passwordHash)
	if err != nil || !match {
		return nil, portalauth.ErrInvalidCredentials
	}

	sess, err := p.issue(ctx, acct, uuid.NewString())
	if err != nil {
		return nil, err
	}
	p.emit(portalauth.SessionEvent{Kind: portalauth.EventSignedIn, Session: sess})
	return sess, nil
}

// SignOut clears the client credential before and after revoking the refresh
// token, so a failing hook still leaves nothing behind locally.
func (p *Provider) SignOut(ctx context.Context) error {
	current, loadErr := p.creds.Load(ctx)
	if errors.Is(loadErr, credential.ErrNotFound) {
		loadErr = nil
	}
	clearErr := p.creds.Clear(ctx)

	remoteErr := p.runHook(ctx, OpSignOut)
	if remoteErr == nil && loadErr != nil {
		// The refresh token could not be read, so it stays valid.
		remoteErr = fmt.Errorf("%w: load credentials: %w", portalauth.ErrProviderUnavailable, loadErr)
	}
	if remoteErr == nil && current.RefreshToken != "" {
		p.mu.Lock()
		delete(p.refresh, current.RefreshToken)
		p.mu.Unlock()
	}

	if err := p.creds.Clear(ctx); err != nil && clearErr == nil {
		clearErr = err
	}
	p.emit(portalauth.SessionEvent{Kind: portalauth.EventSignedOut})

	return errors.Join(remoteErr, clearErr)
}

// GetSession returns the stored session, expired or not, or nil when none is held.
func (p *Provider) GetSession(ctx context.Context) (*portalauth.Session, error) {
	if err := p.runHook(ctx, OpGetSession); err != nil {
		return nil, err
	}

	tokens, err := p.creds.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", portalauth.ErrProviderUnavailable, err)
	}

	claims, err := p.tokens.ParseAllowExpired(tokens.AccessToken)
	if err != nil {
		// Unreadable material is discarded.
		_ = p.creds.Clear(ctx)
		return nil, nil
	}
	return sessionFrom(claims, tokens), nil
}

// RefreshSession rotates the stored refresh token and issues a new access token.
func (p *Provider) RefreshSession(ctx context.Context) (*portalauth.Session, error) {
	if err := p.runHook(ctx, OpRefresh); err != nil {
		return nil, err
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	tokens, err := p.creds.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) || (err == nil && tokens.RefreshToken == "") {
		return nil, portalauth.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", portalauth.ErrProviderUnavailable, err)
	}

	p.mu.Lock()
	email, ok := p.refresh[tokens.RefreshToken]
	acct, known := p.accounts[email]
	if ok {
		delete(p.refresh, tokens.RefreshToken)
	}
	p.mu.Unlock()
	if !ok || !known {
		_ = p.creds.Clear(ctx)
		p.emit(portalauth.SessionEvent{Kind: portalauth.EventSignedOut})
		return nil, portalauth.ErrNoSession
	}

	sess, err := p.issue(ctx, acct, tokens.SessionID)
	if err != nil {
		return nil, err
	}
	p.emit(portalauth.SessionEvent{Kind: portalauth.EventTokenRefreshed, Session: sess})
	return sess, nil
}

func (p *Provider) OnSessionChange(fn func(portalauth.SessionEvent)) func() {
	if fn == nil {
		return func() {}
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// Invalidate revokes every refresh token of email and, when the stored credential
// belongs to that account, clears it and emits a signed-out event.
func (p *Provider) Invalidate(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	p.mu.Lock()
	for token, owner := range p.refresh {
		if owner == email {
			delete(p.refresh, token)
		}
	}
	p.mu.Unlock()

	tokens, err := p.creds.Load(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil
		}
		return err
	}
	claims, err := p.tokens.ParseAllowExpired(tokens.AccessToken)
	if err == nil && normalizeEmail(claims.Email) != email {
		return nil
	}
	if err := p.creds.Clear(ctx); err != nil {
		return err
	}
	p.emit(portalauth.SessionEvent{Kind: portalauth.EventSignedOut})
	return nil
}

/*
====================================
HELPERS
====================================
*/

func (p *Provider) issue(ctx context.Context, acct account, sessionID string) (*portalauth.Session, error) {
	access, expiresAt, err := p.tokens.Issue(acct.userID, acct.email, sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := newRefreshToken()
	if err != nil {
		return nil, err
	}

	tokens := credential.Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		SessionID:    sessionID,
	}
	if err := p.creds.Save(ctx, tokens); err != nil {
		return nil, fmt.Errorf("%w: %w", portalauth.ErrProviderUnavailable, err)
	}

	p.mu.Lock()
	p.refresh[refreshToken] = acct.email
	p.mu.Unlock()

	return &portalauth.Session{
		ID:           sessionID,
		UserID:       acct.userID,
		Email:        acct.email,
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func (p *Provider) runHook(ctx context.Context, op Op) error {
	p.mu.Lock()
	h := p.hook
	p.mu.Unlock()
	if h == nil {
		return ctx.Err()
	}
	return h(ctx, op)
}

// emit delivers ev synchronously, outside the lock, in registration order.
func (p *Provider) emit(ev portalauth.SessionEvent) {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(portalauth.SessionEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func sessionFrom(claims *jwt.Claims, tokens credential.Tokens) *portalauth.Session {
	id := claims.SessionID
	if id == "" {
		id = tokens.SessionID
	}
	return &portalauth.Session{
		ID:           id,
		UserID:       claims.Subject,
		Email:        claims.Email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    claims.ExpiresAtTime(),
		Metadata:     claims.UserMetadata,
	}
}

func newRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
