package portalauth

import (
	"errors"

	"github.com/MrEthical07/portalauth/role"
)

var (
	// ErrProviderUnavailable reports a network or provider-side failure.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	// ErrNoSession reports that the provider holds no live session to act on.
	ErrNoSession = errors.New("no session")
	// ErrInvalidCredentials is returned by sign-in for rejected credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrProfileNotFound reports a valid session without an organisation profile.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrSignOutPartial is returned when local state was cleared but the provider's
	// sign-out call failed; the remote session may still be live.
	ErrSignOutPartial = errors.New("sign-out incomplete: remote session may still be live")
	// ErrOrchestratorClosed is returned by operations after Close.
	ErrOrchestratorClosed = errors.New("orchestrator closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")
	// ErrUnknownRole is returned when a route declares an unregistered role.
	ErrUnknownRole = role.ErrUnknownRole
)
