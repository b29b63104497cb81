// Package cluster bridges relay nodes over core NATS.
//
// Every event a node receives from one of its own connections is published
// to the configured subject wrapped in an Envelope carrying the node id.
// Each node subscribes to the same subject and hands envelopes from other
// nodes to its Sink, which dispatches them to local connections. Delivery is
// at-most-once; nothing is persisted or replayed.
package cluster
