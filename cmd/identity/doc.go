// Package identity defines the Identity Provider contract consumed by the session
// manager and ships a GoTrue-compatible HTTP implementation.
//
// The provider owns credential verification and token minting; this package only
// carries sessions, persists the current one on disk, refreshes it on expiry and
// publishes auth-change events as a stream.
package identity
