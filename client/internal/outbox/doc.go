// Package outbox buffers events for the relay and keeps a connection alive.
//
// Push is non-blocking: events go into a bounded channel and, when it is
// full, the oldest queued event is evicted so the newest is kept.
//
// Run dials a Session, flushes the buffer to it and forwards every incoming
// event to the receive callback. When the session ends it reconnects with
// truncated exponential backoff (1s to 60s, ±25% jitter). A reconnect is a
// new connection: events the server relayed while the client was away are
// not replayed.
package outbox
