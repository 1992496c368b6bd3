// Package config loads and validates the canal-gateway YAML configuration.
//
// Environment variables in ${VAR_NAME} form are expanded before parsing.
// Duration fields are given as strings ("45s", "2m") and parsed into
// time.Duration at load time.
//
// Example:
//
//	server:
//	  http_addr: ":4000"
//	database:
//	  path: /var/lib/canal/gateway.db
//	bus:
//	  url: nats://localhost:4222
//	gateway:
//	  handshake_timeout: "10s"
//	  heartbeat_timeout: "45s"
//	logging:
//	  level: info
//	  format: json
package config
