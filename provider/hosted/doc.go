// Package hosted is a portalauth.SessionProvider backed by a hosted,
// GoTrue-compatible auth REST API.
//
// Sign-in uses the password grant, refresh uses the refresh-token grant and
// sign-out calls the logout endpoint. Access tokens returned by the API are
// verified locally with a jwt.Manager holding the project's verification key
// before anything is stored; the session handed to the orchestrator is built from
// the verified claims, never from the unverified user object in the response.
//
// Credentials live in a credential.Store. With a shared store (Redis) several
// portal processes observe each other's sign-in and sign-out through
// StorageChanged events.
//
// # Background refresh
//
// The provider arms a timer RefreshMargin before the access token expires and
// refreshes in the background. A rejected refresh clears the credential and emits
// SignedOut. A transport failure is retried once at expiry; if that also fails the
// provider emits Expired with no session.
//
// # What this package must NOT do
//
//   - Decide authorization. It reports sessions; roles come from the profile store.
//   - Keep credentials after SignOut, even when the logout call fails.
//   - Trust tokens it could not verify.
package hosted
