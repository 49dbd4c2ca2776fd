// Package portalauth is the session and authorization core of an internal operations
// portal. It turns an identity provider's asynchronous session lifecycle into one
// resolved [ApplicationUser] and decides, per navigation, whether that user may view a
// route.
//
// # Components
//
//   - [Orchestrator] resolves the current user on start, on every provider session
//     event, on a periodic refresh tick and on demand ([Orchestrator.RefreshAuth]),
//     and is the only writer of the [session.Store].
//   - [Guard] maps (store state, requested path, required roles) to a [Decision]:
//     pending, unauthenticated, authorized or forbidden.
//   - [SessionProvider] and [ProfileStore] are the narrow boundaries to the hosted
//     identity service and the organisation user table.
//
// # Failure semantics
//
// Resolution fails closed: any provider or profile error resolves to "no user", is
// logged, counted, and audited, and is never returned to callers of Initialize or
// RefreshAuth. Only [Orchestrator.SignIn] and [Orchestrator.SignOut] return errors.
//
// # What this package must NOT do
//
//   - Hold global mutable state; every Orchestrator owns its store, metrics and audit
//     dispatcher.
//   - Import concrete provider, profile, Redis or SQL packages.
//   - Write to the session store after [Orchestrator.Close].
package portalauth
