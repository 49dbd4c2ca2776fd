// Package memprovider is an in-memory identity provider for tests and local
// development.
//
// Accounts are registered with [Provider.AddAccount] and their passwords stored as
// Argon2id hashes. Sign-in issues a signed access token and an opaque rotating
// refresh token; both are kept in a [credential.Store] exactly as a browser client
// would keep them, so sharing a Redis-backed store between processes shares the
// session.
//
// Events are delivered synchronously on the calling goroutine. A [Hook] can fail or
// block any operation to exercise races and outages.
package memprovider
