// Package realtime delivers per-identity notification events to the session
// agent.
//
// A Bridge keeps at most one open Channel, scoped to the current identity. The
// Channel reads from a Transport subscription: WSTransport talks the v1
// realtime protocol to a notification gateway over WebSocket, MemoryTransport
// reads from an in-process Hub. Gateway serves the same protocol from a Hub so
// local clients can mirror the agent's notifications.
package realtime
