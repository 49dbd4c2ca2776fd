// Package internal holds the portal binary's private building blocks.
//
// # Sub-packages
//
//   - config: viper-backed settings for cmd/portal
//   - rate: Redis-backed sign-in attempt limiting
//
// # What this package must NOT do
//
//   - Export types that appear in the public portalauth API.
//   - Be imported by any package outside this module.
package internal
