// Package session holds the process-wide authentication state of a portal: the
// resolved [User] (or none) and a loading flag, published as immutable [State]
// snapshots by a [Store].
//
// # Single writer
//
// Exactly one component, the portalauth Orchestrator, writes to a Store. Readers (the
// authorization guard, HTTP handlers, UI subscribers) call [Store.State] without
// locking and always observe a fully formed snapshot.
//
// # Resolution tokens
//
// Every resolution takes a [Token] from [Store.Begin] before it suspends on the
// identity provider. [Store.Commit] publishes the result only if no resolution with a
// newer token has committed first, so a slow, stale resolution can never overwrite a
// newer one. The loading flag stays set while any resolution is in flight.
//
// # What this package must NOT do
//
//   - Talk to the identity provider, profile store, Redis, or the network.
//   - Import portalauth (no upward imports).
//   - Make authorization decisions.
package session
