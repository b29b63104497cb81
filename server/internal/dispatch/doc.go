// Package dispatch broadcasts one received event to every registered
// connection.
//
// The event is encoded once as a Socket.IO EVENT packet and offered to each
// id of a registry snapshot through Transport.Send, which only enqueues onto
// the recipient's bounded queue. A recipient whose send fails is unregistered
// and evicted; the others are unaffected.
//
// Whether the origin receives its own event is a Policy, switchable at
// runtime.
package dispatch
