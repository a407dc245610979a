// Package config handles configuration loading for pinn-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PINN_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/pinn/gateway.yaml
//  3. ~/.config/pinn/gateway.yaml
//
// Files ending in .toml are read as TOML; anything else is YAML. Both use
// the same keys. A .env file next to the working directory is loaded before
// the config so its values are visible to expansion.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${PINN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50061"   # gRPC health and reflection
//	  http_addr: "0.0.0.0:8090"    # REST API, /ws and health checks
//
//	database:
//	  driver: sqlite               # memory | sqlite | redis | postgres | mongo
//	  path: "~/.local/share/pinn/gateway.db"
//	  url: ""                      # redis://, postgres:// or mongodb:// URL
//	  prefix: "pinn:"              # redis key prefix
//	  database: "pinn"             # mongo database
//
//	auth:
//	  jwt_secret: "${PINN_JWT_SECRET}"   # empty disables auth
//
//	sessions:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  write_timeout: "10s"
//	  send_buffer: 256
//	  rate_limit: 20               # inbound messages per second, 0 = off
//	  rate_burst: 20
//
//	executor:
//	  tick: "500ms"                # pause between scripted progress reports
//
//	tailscale:
//	  enabled: false
//	  hostname: "pinn"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: info                  # debug | info | warn | error
//	  format: text                 # text | json
//
// With tailscale enabled only the ports of server.grpc_addr and
// server.http_addr are used, on the tailnet (50061 and 80 when unset).
package config
