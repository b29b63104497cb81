// Package api implements the admin HTTP API of the relay server.
//
// New(registry, metrics, dispatcher, node) returns a chi router serving:
//
//	GET /api/v1/health            status, node, live connections, uptime, policy
//	GET /api/v1/connections       every registered connection, oldest first
//	GET /api/v1/connections/{id}  one connection; 404 if unknown
//	GET /api/v1/stats             relay counters and the broadcast policy
//
// All endpoints respond with Content-Type: application/json; chi answers 405
// for other methods. RequestLogger is the access-log middleware shared with
// the Socket.IO endpoint.
package api
