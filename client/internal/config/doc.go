// Package config loads the relay client configuration from an optional YAML
// file, with FACERELAY_SERVER_URL and FACERELAY_LOG_LEVEL overriding it.
//
// Example:
//
//	client:
//	  server_url: http://localhost:7777
//	  path: /socket.io/
//	  buffer_size: 1000
//	  dial_timeout: 10s
//	  log_level: info
package config
