// Package authapi exposes the session manager as a small local control API.
//
// Every route lives under /v1 and speaks JSON. Errors carry a stable code and
// a message that is safe to show end users.
package authapi
