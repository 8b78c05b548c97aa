// Package password holds the local password policy.
//
// The identity provider stores and verifies passwords. This package only
// rejects new passwords that would fail or are trivially guessable before they
// are sent, so users get an immediate, specific message.
package password
