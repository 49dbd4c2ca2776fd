// Package profile stores the organisation profiles that the portal joins with
// provider sessions: role, display name and page allow-list per user id.
//
// SQLStore works against Postgres (via pgx) or SQLite (via modernc.org/sqlite)
// depending on the DSN. The schema lives in embedded SQL migrations applied by
// EnsureSchema with golang-migrate. Cache wraps any portalauth.ProfileStore with an expiring
// LRU so repeated resolutions do not hit the database.
package profile
