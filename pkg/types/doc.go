// Package types defines shared Go types used by both the client and server.
// These are the canonical in-memory representations of relayed events,
// separate from the Socket.IO / Engine.IO wire format.
package types
