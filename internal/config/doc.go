// Package config handles configuration loading for pilot-gateway.
//
// # Overview
//
// The gateway runs with no file at all: Default supplies every value and
// the deployment environment overrides the few that differ per host. A
// config file, YAML or TOML by extension, tunes everything else.
//
// # Environment
//
//	AGENT_URL         upstream agent websocket (IFLOW_URL is accepted too)
//	MCP_HTTP_URL      browser tool backend (MCP Streamable HTTP)
//	PORT              HTTP listen port, default 8082
//	TIMEOUT           task timeout in seconds, default 300
//	PILOT_JWT_SECRET  HMAC secret for client tokens
//
// File values can also reference the environment:
//
//	auth:
//	  jwt_secret: "${PILOT_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  backoff_base: "500ms"
//	  backoff_max: "30s"
//	  keepalive_interval: "15s"
//	  keepalive_timeout: "45s"
//	tasks:
//	  timeout: "5m"
//
// # Validation
//
// Validate reports every invalid field in one joined error. Backoff jitter
// must stay below 1 so reconnect delays keep growing until the cap.
package config
