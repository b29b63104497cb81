// Package relay implements the per-connection state machine of the event
// relay and composes the registry and dispatcher behind the transport
// callbacks.
//
//	OnOpen     -> connecting (v3 clients go straight to open)
//	CONNECT /  -> ack, registry.Register, open
//	EVENT      -> dispatcher.Dispatch to every registered connection
//	OnClose    -> registry.Unregister, closed (terminal)
//
// Malformed frames are counted and dropped; they never close a connection
// and are never broadcast. Only the default namespace "/" is served; a
// CONNECT to any other namespace is answered with CONNECT_ERROR.
package relay
