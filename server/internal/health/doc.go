// Package health serves the standard gRPC health checking protocol
// (grpc.health.v1.Health) for orchestrators that probe over gRPC.
//
// The server reports SERVING for the empty service name and for
// ServiceName while the relay accepts connections. Shutdown flips both to
// NOT_SERVING before stopping, so Watch streams observe the transition.
package health
