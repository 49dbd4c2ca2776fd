// Package middleware adapts a portalauth.Guard to net/http.
//
// # Guards
//
//   - [Protect] enforces a Requirement on every request.
//   - [Authenticated] requires only a signed-in user.
//   - [RequireRoles] declares roles by name and panics on unknown names at
//     route-table construction time.
//
// Each guard checks the current session state, never blocks on the identity
// provider unless [WithPendingWait] is set, and injects the resolved user into the
// request context for [UserFromContext].
//
// # Responses
//
//   - Pending: the placeholder handler when configured, else 503 with Retry-After.
//   - Unauthenticated: 303 to the sign-in URL carrying the requested path.
//   - Forbidden: 303 to the landing path, or 403 when the landing path itself is
//     forbidden.
//
// # What this package must NOT do
//
//   - Make authorization decisions itself (delegates to Guard).
//   - Call the identity provider or the profile store.
//   - Render protected content before the guard authorizes it.
package middleware
