// Package role provides the closed role vocabulary used by portalauth authorization
// checks: a [Registry] mapping role names to stable bit positions and a [Set] bitmask
// for membership tests.
//
// # Super-role
//
// The registry reserves the highest bit for the super-role. The super-role satisfies
// every requirement; callers check it with [Registry.IsSuper] before any set test.
//
// # Unknown roles
//
// Names that were not registered parse to [Unknown]. Unknown never belongs to a [Set],
// so a user with an unrecognised stored role can only pass checks that declare no
// role requirement.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import portalauth, session, or jwt.
//   - Mutate a registry after construction.
package role
