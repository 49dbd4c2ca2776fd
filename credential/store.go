package credential

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no credential is stored.
var ErrNotFound = errors.New("credential not found")

// Tokens is the stored credential material.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	SessionID    string    `json:"session_id,omitempty"`
}

// Empty reports whether t carries no token at all.
func (t Tokens) Empty() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

// Store persists one credential.
type Store interface {
	Load(ctx context.Context) (Tokens, error)
	Save(ctx context.Context, tokens Tokens) error
	Clear(ctx context.Context) error
	// Watch delivers a signal after every change until ctx is done, then closes the
	// channel. Signals may be coalesced.
	Watch(ctx context.Context) (<-chan struct{}, error)
}
