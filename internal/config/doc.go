// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	reasoning:
//	  api_key: "${GOOGLE_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	workers:
//	  invoke_timeout: "60s"
//
// # Example
//
//	server:
//	  http_addr: "localhost:8080"
//	database:
//	  path: "~/.local/share/coven/relay.db"
//	sessions:
//	  backend: "sqlite"        # sqlite | mongo | memory
//	  history_limit: 6
//	discovery:
//	  backend: "dir"           # dir | gcs
//	  dir: "./workers"
//	  watch: true
//	workers:
//	  defaults:
//	    - name: "quickchart-server"
//	      command: "node"
//	      args: ["node_modules/@gongrzhe/quickchart-mcp-server/build/index.js"]
//	reasoning:
//	  provider: "gemini"       # gemini | openai
//	  api_key: "${GOOGLE_API_KEY}"
//	  max_iterations: 10
//	content_api:
//	  base_url: "${ADMIN_API_URL}"
//	  api_key: "${DIGITAL_CONTENT_API_KEY}"
//	  missing_metadata: "allow"  # allow | deny
//	sources:
//	  base_url: "${BASE_URL}"
//	audit:
//	  sinks: ["store", "log"]
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//	mcp:
//	  enabled: true
//	logging:
//	  level: "info"
//	  format: "text"
//
// Every field not shown has a default applied after parsing; Validate reports
// the first inconsistency.
package config
