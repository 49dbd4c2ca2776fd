// Package rate limits failed sign-in attempts with Redis fixed-window counters.
//
// # Window semantics
//
// INCR plus EXPIRE on the first failure. Keys:
//   - <prefix>:email:<normalized email>
//   - <prefix>:ip:<client address> (when PerIP is set)
//
// # What this package must NOT do
//
//   - Talk to the identity provider.
//   - Decide what to do when Redis is down; callers choose to fail open or closed.
package rate
