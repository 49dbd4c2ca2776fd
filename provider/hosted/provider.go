package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	portalauth "github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/credential"
	"github.com/MrEthical07/portalauth/jwt"
)

const (
	defaultHTTPTimeout   = 10 * time.Second
	defaultRefreshMargin = 30 * time.Second
	maxResponseBytes     = 1 << 20
)

// Config configures a [Provider].
type Config struct {
	// BaseURL is the project URL; endpoints live under /auth/v1.
	BaseURL string
	// APIKey is the public (anon) key sent as the apikey header.
	APIKey string
	// Tokens verifies access tokens. It needs only verification keys.
	Tokens *jwt.Manager
	// Credentials holds the client credential. Defaults to an in-memory store.
	Credentials credential.Store
	HTTPClient  *http.Client
	// RefreshMargin is how long before access-token expiry the session is refreshed
	// in the background.
	RefreshMargin time.Duration
	Logger        *slog.Logger
}

// Provider is a [portalauth.SessionProvider] for a hosted GoTrue-compatible auth
// API.
type Provider struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	creds  credential.Store
	logger *slog.Logger
	now    func() time.Time

	refreshMu sync.Mutex

	mu        sync.Mutex
	current   credential.Tokens
	timer     *time.Timer
	closed    bool
	listeners map[uint64]func(portalauth.SessionEvent)
	nextID    uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg, loads any stored credential and starts watching the credential
// store for changes made by other processes.
func New(cfg Config) (*Provider, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("hosted: invalid base url %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("hosted: api key required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("hosted: token verifier required")
	}
	if cfg.RefreshMargin < 0 {
		return nil, errors.New("hosted: refresh margin must be >= 0")
	}
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = defaultRefreshMargin
	}

	p := &Provider{
		cfg:       cfg,
		base:      base,
		client:    cfg.HTTPClient,
		creds:     cfg.Credentials,
		logger:    cfg.Logger,
		now:       time.Now,
		listeners: make(map[uint64]func(portalauth.SessionEvent)),
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if p.creds == nil {
		p.creds = credential.NewMemoryStore()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if tokens, err := p.creds.Load(p.ctx); err == nil {
		p.mu.Lock()
		p.current = tokens
		p.scheduleLocked(tokens.ExpiresAt)
		p.mu.Unlock()
	}

	changes, err := p.creds.Watch(p.ctx)
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("hosted: watch credentials: %w", err)
	}
	p.wg.Add(1)
	go p.watch(changes)

	return p, nil
}

// Close stops the refresh timer and the credential watch. Stored credentials are
// left in place.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

/*
====================================
SESSION PROVIDER
====================================
*/

func (p *Provider) SignIn(ctx context.Context, creds portalauth.Credentials) (*portalauth.Session, error) {
	body := map[string]string{
		"email":    strings.TrimSpace(creds.Email),
		"password": creds.Password,
	}
	status, raw, err := p.post(ctx, "/auth/v1/token", url.Values{"grant_type": {"password"}}, "", body)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusUnprocessableEntity:
		return nil, portalauth.ErrInvalidCredentials
	default:
		return nil, remoteError(status, raw)
	}

	sess, err := p.accept(ctx, raw)
	if err != nil {
		return nil, err
	}
	p.emit(portalauth.SessionEvent{Kind: portalauth.EventSignedIn, Session: sess})
	return sess, nil
}

// SignOut clears the stored credential before and after the remote logout call,
// even when that call fails.
func (p *Provider) SignOut(ctx context.Context) error {
	tokens, loadErr := p.creds.Load(ctx)
	if errors.Is(loadErr, credential.ErrNotFound) {
		loadErr = nil
	}
	if loadErr != nil || tokens.AccessToken == "" {
		p.mu.Lock()
		if p.current.AccessToken != "" {
			tokens = p.current
		}
		p.mu.Unlock()
	}
	clearErr := p.forget(ctx)

	var remoteErr error
	if tokens.AccessToken == "" && loadErr != nil {
		// Nothing to revoke with; the remote session may still be live.
		remoteErr = fmt.Errorf("%w: load credentials: %w", portalauth.ErrProviderUnavailable, loadErr)
	}
	if tokens.AccessToken != "" {
		status, raw, err := p.post(ctx, "/auth/v1/logout", url.Values{"scope": {"local"}}, tokens.AccessToken, nil)
		switch {
		case err != nil:
			remoteErr = err
		case status == http.StatusNoContent || status == http.StatusOK:
		case status == http.StatusUnauthorized || status == http.StatusNotFound:
			// Already gone remotely.
		default:
			remoteErr = remoteError(status, raw)
		}
	}

	if err := p.forget(ctx); err != nil && clearErr == nil {
		clearErr = err
	}
	p.emit(portalauth.SessionEvent{Kind: portalauth.EventSignedOut})

	if clearErr != nil {
		clearErr = fmt.Errorf("clear credentials: %w", clearErr)
	}
	return errors.Join(remoteErr, clearErr)
}

// GetSession returns the stored session without a network call. An expired session
// is returned as is; unreadable material is discarded.
func (p *Provider) GetSession(ctx context.Context) (*portalauth.Session, error) {
	tokens, err := p.creds.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", portalauth.ErrProviderUnavailable, err)
	}

	claims, err := p.cfg.Tokens.ParseAllowExpired(tokens.AccessToken)
	if err != nil {
		p.logger.Warn("discarding unverifiable stored session", slog.Any("err", err))
		_ = p.forget(ctx)
		return nil, nil
	}
	return sessionFrom(claims, tokens), nil
}

// RefreshSession exchanges the stored refresh token. A rejected token clears the
// credential and returns [portalauth.ErrNoSession].
func (p *Provider) RefreshSession(ctx context.Context) (*portalauth.Session, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	tokens, err := p.creds.Load(ctx)
	if errors.Is(err, credential.ErrNotFound) || (err == nil && tokens.RefreshToken == "") {
		return nil, portalauth.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", portalauth.ErrProviderUnavailable, err)
	}

	body := map[string]string{"refresh_token": tokens.RefreshToken}
	status, raw, err := p.post(ctx, "/auth/v1/token", url.Values{"grant_type": {"refresh_token"}}, "", body)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		_ = p.forget(ctx)
		p.emit(portalauth.SessionEvent{Kind: portalauth.EventSignedOut})
		return nil, fmt.Errorf("%w: refresh rejected: %s", portalauth.ErrNoSession, errorMessage(raw))
	default:
		return nil, remoteError(status, raw)
	}

	sess, err := p.accept(ctx, raw)
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

/*
====================================
TOKEN HANDLING
====================================
*/

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// accept verifies a token response, stores it and rebuilds the session from the
// verified claims.
func (p *Provider) accept(ctx context.Context, raw []byte) (*portalauth.Session, error) {
	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %w", portalauth.ErrProviderUnavailable, err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token response without tokens", portalauth.ErrProviderUnavailable)
	}

	claims, err := p.cfg.Tokens.Parse(resp.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: access token rejected: %w", portalauth.ErrProviderUnavailable, err)
	}
	if resp.User.ID != "" && resp.User.ID != claims.Subject {
		return nil, fmt.Errorf("%w: token subject does not match user", portalauth.ErrProviderUnavailable)
	}
	if claims.Email == "" {
		claims.Email = resp.User.Email
	}

	tokens := credential.Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    claims.ExpiresAtTime(),
		SessionID:    claims.SessionID,
	}

	// current is updated first so the watch loop recognises our own write.
	p.mu.Lock()
	p.current = tokens
	p.scheduleLocked(tokens.ExpiresAt)
	p.mu.Unlock()

	if err := p.creds.Save(ctx, tokens); err != nil {
		return nil, fmt.Errorf("%w: store credentials: %w", portalauth.ErrProviderUnavailable, err)
	}
	return sessionFrom(claims, tokens), nil
}

func (p *Provider) forget(ctx context.Context) error {
	p.mu.Lock()
	p.current = credential.Tokens{}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.creds.Clear(ctx)
}

// scheduleLocked arms the background refresh RefreshMargin before expiresAt.
func (p *Provider) scheduleLocked(expiresAt time.Time) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.closed || expiresAt.IsZero() {
		return
	}
	wait := expiresAt.Add(-p.cfg.RefreshMargin).Sub(p.now())
	if wait < 0 {
		wait = 0
	}
	p.timer = time.AfterFunc(wait, func() { p.onExpiry(expiresAt) })
}

func (p *Provider) onExpiry(expiresAt time.Time) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	timeout := p.client.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	_, err := p.RefreshSession(ctx)
	switch {
	case err == nil, errors.Is(err, portalauth.ErrNoSession):
		// Both paths already emitted an event.
	case p.now().Before(expiresAt):
		p.logger.Warn("background session refresh failed; retrying at expiry", slog.Any("err", err))
		p.mu.Lock()
		if !p.closed && p.current.ExpiresAt.Equal(expiresAt) {
			p.timer = time.AfterFunc(expiresAt.Sub(p.now()), func() { p.onExpiry(expiresAt) })
		}
		p.mu.Unlock()
	default:
		p.logger.Warn("session expired", slog.Any("err", err))
		p.emit(portalauth.SessionEvent{Kind: portalauth.EventExpired})
	}
}

// watch turns credential store changes made elsewhere into StorageChanged events.
func (p *Provider) watch(changes <-chan struct{}) {
	defer p.wg.Done()

	for range changes {
		tokens, err := p.creds.Load(p.ctx)
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			p.logger.Warn("reload credentials failed", slog.Any("err", err))
			continue
		}

		p.mu.Lock()
		same := tokens.AccessToken == p.current.AccessToken
		if !same {
			p.current = tokens
			p.scheduleLocked(tokens.ExpiresAt)
		}
		p.mu.Unlock()
		if same {
			continue
		}

		var sess *portalauth.Session
		if !tokens.Empty() {
			if claims, err := p.cfg.Tokens.ParseAllowExpired(tokens.AccessToken); err == nil {
				sess = sessionFrom(claims, tokens)
			}
		}
		p.emit(portalauth.SessionEvent{Kind: portalauth.EventStorageChanged, Session: sess})
	}
}

/*
====================================
TRANSPORT
====================================
*/

func (p *Provider) post(ctx context.Context, path string, query url.Values, bearer string, body any) (int, []byte, error) {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), payload)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer == "" {
		bearer = p.cfg.APIKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", portalauth.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %w", portalauth.ErrProviderUnavailable, err)
	}
	return resp.StatusCode, raw, nil
}

func remoteError(status int, raw []byte) error {
	return fmt.Errorf("%w: status %d: %s", portalauth.ErrProviderUnavailable, status, errorMessage(raw))
}

// errorMessage extracts the human-readable part of an auth API error body.
func errorMessage(raw []byte) string {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "unreadable error body"
	}
	for _, s := range []string{body.ErrorDescription, body.Msg, body.Message, body.Error} {
		if s != "" {
			return s
		}
	}
	return "no error message"
}

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
