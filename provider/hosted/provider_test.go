package hosted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	portalauth "github.com/MrEthical07/portalauth"
	"github.com/MrEthical07/portalauth/credential"
	"github.com/MrEthical07/portalauth/jwt"
)

const (
	testAPIKey = "anon-test-key"
	testSecret = "hosted-test-secret-0123456789abcdef"
)

// fakeAuthAPI implements the password grant, refresh grant and logout endpoints.
type fakeAuthAPI struct {
	tokens *jwt.Manager

	mu            sync.Mutex
	passwords     map[string]string
	userIDs       map[string]string
	refresh       map[string]string
	logoutStatus  int
	refreshStatus int
	logoutCalls   int
	refreshCalls  int
}

func newFakeAuthAPI(t *testing.T, ttl time.Duration) (*fakeAuthAPI, *httptest.Server) {
	t.Helper()

	api := &fakeAuthAPI{
		tokens:    newManager(t, testSecret, ttl),
		passwords: map[string]string{"fleet@example.com": "depot-password"},
		userIDs:   map[string]string{"fleet@example.com": "user-fleet"},
		refresh:   make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", api.token)
	mux.HandleFunc("POST /auth/v1/logout", api.logout)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAuthAPI) token(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != testAPIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "no api key"})
		return
	}

	var body struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var email string
	switch r.URL.Query().Get("grant_type") {
	case "password":
		if want, ok := a.passwords[body.Email]; !ok || want != body.Password {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Invalid login credentials",
			})
			return
		}
		email = body.Email
	case "refresh_token":
		a.refreshCalls++
		if a.refreshStatus != 0 {
			writeJSON(w, a.refreshStatus, map[string]string{"msg": "refresh unavailable"})
			return
		}
		owner, ok := a.refresh[body.RefreshToken]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Invalid Refresh Token: Refresh Token Not Found",
			})
			return
		}
		delete(a.refresh, body.RefreshToken)
		email = owner
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	access, expiresAt, err := a.tokens.Issue(a.userIDs[email], email, uuid.NewString(), nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": err.Error()})
		return
	}
	refresh := uuid.NewString()
	a.refresh[refresh] = email

	resp := map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    int64(time.Until(expiresAt).Seconds()),
		"expires_at":    expiresAt.Unix(),
		"refresh_token": refresh,
		"user":          map[string]string{"id": a.userIDs[email], "email": email},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *fakeAuthAPI) logout(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.logoutCalls++
	status := a.logoutStatus
	a.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]string{"msg": "logout failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *fakeAuthAPI) revokeAll() {
	a.mu.Lock()
	a.refresh = make(map[string]string)
	a.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newManager(t *testing.T, secret string, ttl time.Duration) *jwt.Manager {
	t.Helper()
	m, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.MethodHS256,
		Secret:        []byte(secret),
		AccessTTL:     ttl,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func newTestProvider(t *testing.T, baseURL string, creds credential.Store, margin time.Duration) *Provider {
	t.Helper()
	p, err := New(Config{
		BaseURL:       baseURL,
		APIKey:        testAPIKey,
		Tokens:        newManager(t, testSecret, time.Hour),
		Credentials:   creds,
		RefreshMargin: margin,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

type eventLog struct {
	mu     sync.Mutex
	events []portalauth.SessionEvent
	signal chan struct{}
}

func newEventLog() *eventLog {
	return &eventLog{signal: make(chan struct{}, 64)}
}

func (l *eventLog) record(ev portalauth.SessionEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// waitKind blocks until an event of kind has been recorded and returns the first one.
func (l *eventLog) waitKind(t *testing.T, kind portalauth.EventKind, timeout time.Duration) portalauth.SessionEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		l.mu.Lock()
		for _, ev := range l.events {
			if ev.Kind == kind {
				l.mu.Unlock()
				return ev
			}
		}
		l.mu.Unlock()

		select {
		case <-l.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestSignInVerifiesAndStores(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeAuthAPI(t, time.Hour)
	creds := credential.NewMemoryStore()
	p := newTestProvider(t, srv.URL, creds, 0)

	log := newEventLog()
	defer p.OnSessionChange(log.record)()

	sess, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if sess.UserID != "user-fleet" || sess.Email != "fleet@example.com" || sess.ID == "" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Expired(time.Now()) {
		t.Fatal("fresh session reported expired")
	}
	log.waitKind(t, portalauth.EventSignedIn, time.Second)

	stored, err := creds.Load(ctx)
	if err != nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if stored.AccessToken != sess.AccessToken || stored.RefreshToken != sess.RefreshToken {
		t.Fatal("stored credential does not match session")
	}

	got, err := p.GetSession(ctx)
	if err != nil || got == nil {
		t.Fatalf("GetSession = %v, %v", got, err)
	}
	if got.UserID != sess.UserID || got.ID != sess.ID {
		t.Fatalf("GetSession returned %+v, want %+v", got, sess)
	}
}

func TestSignInFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("bad password", func(t *testing.T) {
		_, srv := newFakeAuthAPI(t, time.Hour)
		p := newTestProvider(t, srv.URL, nil, 0)
		_, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "wrong"})
		if !errors.Is(err, portalauth.ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "upstream down"})
		}))
		defer srv.Close()
		p := newTestProvider(t, srv.URL, nil, 0)
		_, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"})
		if !errors.Is(err, portalauth.ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		p := newTestProvider(t, url, nil, 0)
		_, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"})
		if !errors.Is(err, portalauth.ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
	})

	t.Run("unverifiable token", func(t *testing.T) {
		api, srv := newFakeAuthAPI(t, time.Hour)
		api.tokens = newManager(t, "a-different-secret-0123456789abcdef", time.Hour)
		creds := credential.NewMemoryStore()
		p := newTestProvider(t, srv.URL, creds, 0)

		_, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"})
		if !errors.Is(err, portalauth.ErrProviderUnavailable) {
			t.Fatalf("expected ErrProviderUnavailable, got %v", err)
		}
		if _, err := creds.Load(ctx); !errors.Is(err, credential.ErrNotFound) {
			t.Fatalf("unverified token was stored: %v", err)
		}
	})
}

func TestRefreshRotatesAndRejects(t *testing.T) {
	ctx := context.Background()
	api, srv := newFakeAuthAPI(t, time.Hour)
	creds := credential.NewMemoryStore()
	p := newTestProvider(t, srv.URL, creds, 0)

	if _, err := p.RefreshSession(ctx); !errors.Is(err, portalauth.ErrNoSession) {
		t.Fatalf("refresh without session: expected ErrNoSession, got %v", err)
	}

	first, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	log := newEventLog()
	defer p.OnSessionChange(log.record)()

	second, err := p.RefreshSession(ctx)
	if err != nil {
		t.Fatalf("RefreshSession failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if second.UserID != first.UserID {
		t.Fatalf("refresh changed user: %s -> %s", first.UserID, second.UserID)
	}
	log.waitKind(t, portalauth.EventTokenRefreshed, time.Second)

	api.revokeAll()
	if _, err := p.RefreshSession(ctx); !errors.Is(err, portalauth.ErrNoSession) {
		t.Fatalf("revoked refresh: expected ErrNoSession, got %v", err)
	}
	if _, err := creds.Load(ctx); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("rejected refresh left credential behind: %v", err)
	}
	log.waitKind(t, portalauth.EventSignedOut, time.Second)
}

func TestRefreshUnavailableKeepsCredential(t *testing.T) {
	ctx := context.Background()
	api, srv := newFakeAuthAPI(t, time.Hour)
	creds := credential.NewMemoryStore()
	p := newTestProvider(t, srv.URL, creds, 0)

	if _, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	api.mu.Lock()
	api.refreshStatus = http.StatusServiceUnavailable
	api.mu.Unlock()

	if _, err := p.RefreshSession(ctx); !errors.Is(err, portalauth.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if _, err := creds.Load(ctx); err != nil {
		t.Fatalf("transient failure cleared credential: %v", err)
	}
}

func TestSignOutClearsWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	api, srv := newFakeAuthAPI(t, time.Hour)
	creds := credential.NewMemoryStore()
	p := newTestProvider(t, srv.URL, creds, 0)

	if _, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	api.mu.Lock()
	api.logoutStatus = http.StatusInternalServerError
	api.mu.Unlock()

	log := newEventLog()
	defer p.OnSessionChange(log.record)()

	err := p.SignOut(ctx)
	if !errors.Is(err, portalauth.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if _, err := creds.Load(ctx); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("credential survived failed sign-out: %v", err)
	}
	if sess, err := p.GetSession(ctx); sess != nil || err != nil {
		t.Fatalf("GetSession after sign-out = %v, %v", sess, err)
	}
	log.waitKind(t, portalauth.EventSignedOut, time.Second)

	api.mu.Lock()
	calls := api.logoutCalls
	api.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one logout call, got %d", calls)
	}
}

func TestSignOutWithoutSessionSkipsRemote(t *testing.T) {
	api, srv := newFakeAuthAPI(t, time.Hour)
	p := newTestProvider(t, srv.URL, nil, 0)

	if err := p.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.logoutCalls != 0 {
		t.Fatalf("expected no logout call, got %d", api.logoutCalls)
	}
}

// flakyLoadStore fails Load while failLoad is set.
type flakyLoadStore struct {
	credential.Store
	failLoad atomic.Bool
}

func (s *flakyLoadStore) Load(ctx context.Context) (credential.Tokens, error) {
	if s.failLoad.Load() {
		return credential.Tokens{}, fmt.Errorf("%w: i/o timeout", credential.ErrRedisUnavailable)
	}
	return s.Store.Load(ctx)
}

func TestSignOutRevokesHeldTokenWhenLoadFails(t *testing.T) {
	ctx := context.Background()
	api, srv := newFakeAuthAPI(t, time.Hour)
	creds := &flakyLoadStore{Store: credential.NewMemoryStore()}
	p := newTestProvider(t, srv.URL, creds, 0)

	if _, err := p.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	creds.failLoad.Store(true)

	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	api.mu.Lock()
	calls := api.logoutCalls
	api.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected the held token to be revoked remotely, got %d logout calls", calls)
	}

	creds.failLoad.Store(false)
	if _, err := creds.Load(ctx); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("credential survived sign-out: %v", err)
	}
}

func TestSignOutReportsUnrevokedSessionWhenLoadFails(t *testing.T) {
	ctx := context.Background()
	api, srv := newFakeAuthAPI(t, time.Hour)
	creds := &flakyLoadStore{Store: credential.NewMemoryStore()}
	creds.failLoad.Store(true)
	p := newTestProvider(t, srv.URL, creds, 0)

	err := p.SignOut(ctx)
	if !errors.Is(err, portalauth.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if !errors.Is(err, credential.ErrRedisUnavailable) {
		t.Fatalf("expected the load failure to be carried, got %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.logoutCalls != 0 {
		t.Fatalf("expected no logout call without a token, got %d", api.logoutCalls)
	}
}

func TestGetSessionDiscardsUnverifiableCredential(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeAuthAPI(t, time.Hour)
	creds := credential.NewMemoryStore()
	if err := creds.Save(ctx, credential.Tokens{AccessToken: "not-a-jwt", RefreshToken: "r"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	p := newTestProvider(t, srv.URL, creds, 0)

	sess, err := p.GetSession(ctx)
	if sess != nil || err != nil {
		t.Fatalf("GetSession = %v, %v", sess, err)
	}
	if _, err := creds.Load(ctx); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("unverifiable credential kept: %v", err)
	}
}

func TestBackgroundRefreshBeforeExpiry(t *testing.T) {
	_, srv := newFakeAuthAPI(t, 3*time.Second)
	p := newTestProvider(t, srv.URL, nil, 2*time.Second)

	log := newEventLog()
	defer p.OnSessionChange(log.record)()

	if _, err := p.SignIn(context.Background(), portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	ev := log.waitKind(t, portalauth.EventTokenRefreshed, 3*time.Second)
	if ev.Session == nil || ev.Session.UserID != "user-fleet" {
		t.Fatalf("unexpected refreshed session %+v", ev.Session)
	}
}

func TestBackgroundRefreshFailureEmitsExpired(t *testing.T) {
	api, srv := newFakeAuthAPI(t, 2*time.Second)
	p := newTestProvider(t, srv.URL, nil, 2*time.Second)

	log := newEventLog()
	defer p.OnSessionChange(log.record)()

	api.mu.Lock()
	api.refreshStatus = http.StatusServiceUnavailable
	api.mu.Unlock()

	if _, err := p.SignIn(context.Background(), portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	ev := log.waitKind(t, portalauth.EventExpired, 5*time.Second)
	if ev.Session != nil {
		t.Fatalf("expired event carried a session: %+v", ev.Session)
	}
}

func TestSharedRedisCredentialEmitsStorageChanged(t *testing.T) {
	mr := miniredis.RunT(t)
	newStore := func() *credential.RedisStore {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return credential.NewRedisStore(client, "portal:test:credential")
	}

	_, srv := newFakeAuthAPI(t, time.Hour)
	a := newTestProvider(t, srv.URL, newStore(), 0)
	b := newTestProvider(t, srv.URL, newStore(), 0)

	log := newEventLog()
	defer b.OnSessionChange(log.record)()

	ctx := context.Background()
	sess, err := a.SignIn(ctx, portalauth.Credentials{Email: "fleet@example.com", Password: "depot-password"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	ev := log.waitKind(t, portalauth.EventStorageChanged, 2*time.Second)
	if ev.Session == nil || ev.Session.UserID != sess.UserID {
		t.Fatalf("unexpected storage event session %+v", ev.Session)
	}

	got, err := b.GetSession(ctx)
	if err != nil || got == nil || got.ID != sess.ID {
		t.Fatalf("peer GetSession = %+v, %v", got, err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tokens := newManager(t, testSecret, time.Hour)
	cases := []Config{
		{BaseURL: "", APIKey: testAPIKey, Tokens: tokens},
		{BaseURL: "not a url", APIKey: testAPIKey, Tokens: tokens},
		{BaseURL: "https://auth.example.com", APIKey: " ", Tokens: tokens},
		{BaseURL: "https://auth.example.com", APIKey: testAPIKey},
		{BaseURL: "https://auth.example.com", APIKey: testAPIKey, Tokens: tokens, RefreshMargin: -time.Second},
	}
	for i, cfg := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if _, err := New(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	cases := map[string]string{
		`{"error":"invalid_grant","error_description":"Invalid login credentials"}`: "Invalid login credentials",
		`{"code":500,"msg":"database down"}`:                                        "database down",
		`{"message":"rate limited"}`:                                                "rate limited",
		`{}`:                                                                        "no error message",
		`<html>`:                                                                    "unreadable error body",
	}
	for raw, want := range cases {
		if got := errorMessage([]byte(raw)); got != want {
			t.Errorf("errorMessage(%s) = %q, want %q", raw, got, want)
		}
	}
}
