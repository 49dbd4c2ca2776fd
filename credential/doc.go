// Package credential persists the credential material a signed-in portal holds on the
// client side: the current access token, refresh token and expiry.
//
// Two stores are provided. [MemoryStore] keeps tokens in process memory.
// [RedisStore] keeps them in Redis so several portal processes (or a restarted one)
// share one sign-in, and publishes a notification on every change so that other
// processes observe sign-in and sign-out made elsewhere.
//
// # What this package must NOT do
//
//   - Interpret or verify tokens (providers do that).
//   - Import portalauth.
package credential
