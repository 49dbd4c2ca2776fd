package session

import (
	"time"

	"github.com/MrEthical07/portalauth/role"
)

// User is the resolved application user: provider identity joined with the
// organisation profile. A published User is never modified; a new resolution
// replaces it wholesale.
type User struct {
	ID                  string
	Email               string
	DisplayName         string
	Role                role.ID
	RoleName            string
	AllowedPagePrefixes []string
	SessionID           string
	ResolvedAt          time.Time
}

// HasAllowList reports whether navigation is restricted to AllowedPagePrefixes.
func (u *User) HasAllowList() bool {
	return u != nil && len(u.AllowedPagePrefixes) > 0
}

// Prefixes returns a copy of the allow-list.
func (u *User) Prefixes() []string {
	if u == nil || len(u.AllowedPagePrefixes) == 0 {
		return nil
	}
	out := make([]string, len(u.AllowedPagePrefixes))
	copy(out, u.AllowedPagePrefixes)
	return out
}

func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.AllowedPagePrefixes = u.Prefixes()
	return &out
}

// State is one published snapshot of a [Store].
type State struct {
	User    *User
	Loading bool
	// Version increases by one on every publication.
	Version uint64
}

// Authenticated reports whether a user is resolved and no resolution is pending.
func (s State) Authenticated() bool {
	return !s.Loading && s.User != nil
}
