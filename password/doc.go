// Package password hashes and verifies account passwords with Argon2id.
//
// Hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The in-memory identity provider stores only these strings, never plaintext.
// [Hasher.NeedsRehash] reports hashes produced with weaker parameters than the
// current configuration.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Import any other portalauth package.
//   - Log plaintext passwords.
package password
