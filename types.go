package portalauth

import (
	"context"
	"time"

	"github.com/MrEthical07/portalauth/session"
)

// ApplicationUser is the resolved view of who is signed in and what they may see.
type ApplicationUser = session.User

// Credentials are the sign-in form inputs.
type Credentials struct {
	Email    string
	Password string
}

// Session is a live credential issued by the identity provider. The core only
// observes it.
type Session struct {
	ID           string
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Metadata     map[string]string
}

// Expired reports whether s is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

// EventKind classifies a provider session change.
type EventKind uint8

const (
	EventSignedIn EventKind = iota + 1
	EventSignedOut
	EventTokenRefreshed
	EventExpired
	EventUserUpdated
	// EventStorageChanged reports a credential change made by another process.
	EventStorageChanged
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventSignedOut:
		return "signed_out"
	case EventTokenRefreshed:
		return "token_refreshed"
	case EventExpired:
		return "expired"
	case EventUserUpdated:
		return "user_updated"
	case EventStorageChanged:
		return "storage_changed"
	default:
		return "unknown"
	}
}

// SessionEvent is pushed by a provider whenever its session changes. Session is nil
// when no session remains.
type SessionEvent struct {
	Kind    EventKind
	Session *Session
}

// SessionProvider is the identity provider boundary.
//
// GetSession returns (nil, nil) when no session exists. RefreshSession fails with
// [ErrNoSession] when there is nothing to refresh. SignOut must clear client-held
// credential material before and after the remote call, even when the remote call
// fails. OnSessionChange returns an unsubscribe function; callbacks must not block.
type SessionProvider interface {
	SignIn(ctx context.Context, creds Credentials) (*Session, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	OnSessionChange(fn func(SessionEvent)) (unsubscribe func())
}

// Profile is the organisation-level record for an account.
type Profile struct {
	UserID              string
	Email               string
	DisplayName         string
	Role                string
	AllowedPagePrefixes []string
}

// ProfileStore looks up and corrects organisation profiles. GetProfile returns an
// error matching [ErrProfileNotFound] when no record exists for userID.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	UpdateRole(ctx context.Context, userID, role string) error
}

// Trigger names what started a resolution.
type Trigger string

const (
	TriggerInitialize Trigger = "initialize"
	TriggerEvent      Trigger = "event"
	TriggerTick       Trigger = "tick"
	TriggerManual     Trigger = "manual"
	TriggerGuard      Trigger = "guard"
	TriggerSignIn     Trigger = "sign_in"
	TriggerSignOut    Trigger = "sign_out"
)
