// Package transport is the Engine.IO server of the relay.
//
// It accepts websocket and HTTP long-polling clients speaking Engine.IO v4
// (and v3 when allowed), performs the handshake, keeps the heartbeat and the
// polling to websocket upgrade, and hands every message packet to a Handler.
// Each session owns a bounded outbound queue; Send only enqueues, so a slow
// recipient never stalls a broadcast. A full queue is reported as
// ErrQueueFull and the caller evicts the session.
//
// Server is an http.Handler; mount it under the Socket.IO path.
package transport
