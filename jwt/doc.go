// Package jwt issues and verifies the access tokens a portal identity provider hands
// out. Claims follow the hosted-auth convention: the subject is the account id and the
// token carries the e-mail address and the provider session id.
//
// [Manager.Parse] verifies signature, algorithm, issuer, audience and expiry.
// [Manager.ParseAllowExpired] verifies everything except expiry and is used to restore
// a persisted session that is about to be refreshed.
package jwt
