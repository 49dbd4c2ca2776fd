package portalauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type hold struct {
	entered chan struct{}
	release chan struct{}
}

type fakeProvider struct {
	mu          sync.Mutex
	session     *Session
	accounts    map[string]*Session
	getErr      error
	refreshErr  error
	signOutErr  error
	refreshHold *hold
	listeners   map[int]func(SessionEvent)
	nextID      int

	getCalls     atomic.Int32
	refreshCalls atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		accounts:  map[string]*Session{},
		listeners: map[int]func(SessionEvent){},
	}
}

func testSession(userID, email string) *Session {
	return &Session{
		ID:           "sess-" + userID,
		UserID:       userID,
		Email:        email,
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func (p *fakeProvider) setSession(s *Session) {
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
}

func (p *fakeProvider) addAccount(password string, s *Session) {
	p.mu.Lock()
	p.accounts[s.Email+"\x00"+password] = s
	p.mu.Unlock()
}

// holdNextRefresh makes the next RefreshSession block until release is closed. The
// session it returns is read before blocking.
func (p *fakeProvider) holdNextRefresh() *hold {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	p.mu.Lock()
	p.refreshHold = h
	p.mu.Unlock()
	return h
}

func (p *fakeProvider) SignIn(_ context.Context, creds Credentials) (*Session, error) {
	p.mu.Lock()
	s, ok := p.accounts[creds.Email+"\x00"+creds.Password]
	if ok {
		p.session = s
	}
	p.mu.Unlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return s, nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	p.session = nil
	err := p.signOutErr
	p.mu.Unlock()
	return err
}

func (p *fakeProvider) GetSession(context.Context) (*Session, error) {
	p.getCalls.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.getErr
}

func (p *fakeProvider) RefreshSession(context.Context) (*Session, error) {
	p.refreshCalls.Add(1)

	p.mu.Lock()
	s, err, h := p.session, p.refreshErr, p.refreshHold
	p.refreshHold = nil
	p.mu.Unlock()

	if h != nil {
		close(h.entered)
		<-h.release
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

func (p *fakeProvider) OnSessionChange(fn func(SessionEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakeProvider) emit(ev SessionEvent) {
	p.mu.Lock()
	fns := make([]func(SessionEvent), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *fakeProvider) listenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

type fakeProfiles struct {
	mu        sync.Mutex
	profiles  map[string]Profile
	getErr    error
	updateErr error
	updates   chan string
}

func newFakeProfiles(profiles ...Profile) *fakeProfiles {
	f := &fakeProfiles{
		profiles: map[string]Profile{},
		updates:  make(chan string, 16),
	}
	for _, p := range profiles {
		f.profiles[p.UserID] = p
	}
	return f
}

func (f *fakeProfiles) setErr(err error) {
	f.mu.Lock()
	f.getErr = err
	f.mu.Unlock()
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Profile{}, f.getErr
	}
	p, ok := f.profiles[userID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	p.AllowedPagePrefixes = append([]string(nil), p.AllowedPagePrefixes...)
	return p, nil
}

func (f *fakeProfiles) UpdateRole(_ context.Context, userID, role string) error {
	f.mu.Lock()
	err := f.updateErr
	if err == nil {
		p := f.profiles[userID]
		p.Role = role
		f.profiles[userID] = p
	}
	f.mu.Unlock()

	select {
	case f.updates <- userID + "=" + role:
	default:
	}
	return err
}

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTestOrchestrator(t *testing.T, p SessionProvider, ps ProfileStore, mutate func(*Config)) *Orchestrator {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AdminEmail = "admin@example.com"
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := New().
		WithConfig(cfg).
		WithProvider(p).
		WithProfiles(ps).
		WithLogger(discardLogger()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
