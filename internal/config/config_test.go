// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "0.0.0.0:50061"
  http_addr: "0.0.0.0:8090"

database:
  driver: sqlite
  path: "./pinn.db"

sessions:
  heartbeat_interval: "15s"
  heartbeat_timeout: "45s"
  write_timeout: "5s"
  send_buffer: 64
  rate_limit: 10
  rate_burst: 5

executor:
  tick: "250ms"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50061" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50061")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8090")
	}
	if cfg.Database.Path != "./pinn.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./pinn.db")
	}
	if cfg.Sessions.HeartbeatInterval != 15*time.Second {
		t.Errorf("Sessions.HeartbeatInterval = %v, want 15s", cfg.Sessions.HeartbeatInterval)
	}
	if cfg.Sessions.HeartbeatTimeout != 45*time.Second {
		t.Errorf("Sessions.HeartbeatTimeout = %v, want 45s", cfg.Sessions.HeartbeatTimeout)
	}
	if cfg.Sessions.WriteTimeout != 5*time.Second {
		t.Errorf("Sessions.WriteTimeout = %v, want 5s", cfg.Sessions.WriteTimeout)
	}
	if cfg.Sessions.SendBuffer != 64 || cfg.Sessions.RateLimit != 10 || cfg.Sessions.RateBurst != 5 {
		t.Errorf("Sessions = %+v, want send_buffer 64, rate_limit 10, rate_burst 5", cfg.Sessions)
	}
	if cfg.Executor.Tick != 250*time.Millisecond {
		t.Errorf("Executor.Tick = %v, want 250ms", cfg.Executor.Tick)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
grpc_addr = "127.0.0.1:50061"
http_addr = "127.0.0.1:8090"

[database]
driver = "redis"
url = "redis://localhost:6379/0"
prefix = "pinn:"

[sessions]
heartbeat_interval = "10s"
heartbeat_timeout = "30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "redis" || cfg.Database.URL != "redis://localhost:6379/0" {
		t.Errorf("Database = %+v, want redis driver and url", cfg.Database)
	}
	if cfg.Database.Prefix != "pinn:" {
		t.Errorf("Database.Prefix = %q, want %q", cfg.Database.Prefix, "pinn:")
	}
	if cfg.Sessions.HeartbeatInterval != 10*time.Second {
		t.Errorf("Sessions.HeartbeatInterval = %v, want 10s", cfg.Sessions.HeartbeatInterval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "127.0.0.1:50061"
  http_addr: "127.0.0.1:8090"
database:
  path: "./pinn.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Sessions.HeartbeatInterval != 30*time.Second || cfg.Sessions.HeartbeatTimeout != 90*time.Second {
		t.Errorf("heartbeat = %v/%v, want 30s/90s", cfg.Sessions.HeartbeatInterval, cfg.Sessions.HeartbeatTimeout)
	}
	if cfg.Sessions.SendBuffer != 256 {
		t.Errorf("Sessions.SendBuffer = %d, want 256", cfg.Sessions.SendBuffer)
	}
	if cfg.Executor.Tick != 500*time.Millisecond {
		t.Errorf("Executor.Tick = %v, want 500ms", cfg.Executor.Tick)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("PINN_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("PINN_TEST_PG", "postgres://pinn@localhost/pinn")

	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "127.0.0.1:50061"
  http_addr: "127.0.0.1:8090"
database:
  driver: postgres
  url: "${PINN_TEST_PG}"
auth:
  jwt_secret: "${PINN_TEST_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Database.URL != "postgres://pinn@localhost/pinn" {
		t.Errorf("Database.URL = %q, want expanded value", cfg.Database.URL)
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	got := expandEnvVars("secret: ${PINN_DEFINITELY_NOT_SET_123}")
	if got != "secret: " {
		t.Errorf("expandEnvVars() = %q, want %q", got, "secret: ")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
		{
			name: "bad duration",
			content: `
server: {grpc_addr: "a:1", http_addr: "a:2"}
database: {path: x.db}
sessions: {heartbeat_interval: "soon"}
`,
			wantErr: "heartbeat_interval",
		},
		{
			name: "negative tick",
			content: `
server: {grpc_addr: "a:1", http_addr: "a:2"}
database: {path: x.db}
executor: {tick: "-1s"}
`,
			wantErr: "tick must be positive",
		},
		{
			name: "missing grpc addr",
			content: `
server: {http_addr: "a:2"}
database: {path: x.db}
`,
			wantErr: "server.grpc_addr is required",
		},
		{
			name: "tailscale without hostname",
			content: `
tailscale: {enabled: true}
database: {path: x.db}
`,
			wantErr: "tailscale.hostname is required",
		},
		{
			name: "sqlite without path",
			content: `
server: {grpc_addr: "a:1", http_addr: "a:2"}
`,
			wantErr: "database.path is required",
		},
		{
			name: "redis without url",
			content: `
server: {grpc_addr: "a:1", http_addr: "a:2"}
database: {driver: redis}
`,
			wantErr: "database.url is required for the redis driver",
		},
		{
			name: "unknown driver",
			content: `
server: {grpc_addr: "a:1", http_addr: "a:2"}
database: {driver: cassandra}
`,
			wantErr: "not supported",
		},
		{
			name: "short secret",
			content: `
server: {grpc_addr: "a:1", http_addr: "a:2"}
database: {path: x.db}
auth: {jwt_secret: "short"}
`,
			wantErr: "at least 32 bytes",
		},
		{
			name: "timeout not above interval",
			content: `
server: {grpc_addr: "a:1", http_addr: "a:2"}
database: {path: x.db}
sessions: {heartbeat_interval: "30s", heartbeat_timeout: "30s"}
`,
			wantErr: "heartbeat_timeout must exceed",
		},
		{
			name: "bad log format",
			content: `
server: {grpc_addr: "a:1", http_addr: "a:2"}
database: {path: x.db}
logging: {format: xml}
`,
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "gateway.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default("/tmp/pinn.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "/tmp/pinn.db" {
		t.Errorf("Database = %+v, want sqlite at /tmp/pinn.db", cfg.Database)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty", cfg.Auth.JWTSecret)
	}
}
