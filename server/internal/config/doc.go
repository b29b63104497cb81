// Package config loads the relay server configuration.
//
// Load(path) starts from Defaults, overlays the optional YAML file, then the
// FACERELAY_* environment variables (plus NATS_URL), and validates the
// result. Watch(ctx, path, fn) reloads the file on change; the server applies
// logging.level and relay.echo_to_sender from a reload, other keys need a
// restart.
//
// Sections:
//   - server: http_port (7777), grpc_port (0 = off), path, cors_origin, allow_eio3
//   - engineio: ping_interval, ping_timeout, upgrade_timeout, max_payload, send_queue
//   - relay: echo_to_sender (default true)
//   - cluster: nats_url (empty = single node), subject
//   - logging: level, service
package config
