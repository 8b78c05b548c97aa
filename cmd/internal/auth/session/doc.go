// Package session owns "who is signed in" for the GearHub agent.
//
// Manager is the only writer of State. Every transition replaces the snapshot
// atomically and bumps the generation when the signed-in identity changes;
// background loads (profile, analytics, unread count, realtime channel) carry
// the generation they were issued under and are dropped when it is stale.
//
// Explicit operations go through retry.Do with per-operation policies. Restore
// and provider-driven changes never fail: errors there mean "no session".
package session
