// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
database:
  path: "./relay.db"
discovery:
  dir: "./workers"
`

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:9090"
  shutdown_timeout: "3s"

database:
  path: "./test.db"

sessions:
  backend: "mongo"
  history_limit: 12
  mongo:
    uri: "mongodb://localhost:27017"

discovery:
  backend: "gcs"
  bucket: "workers-bucket"
  prefix: "generated/"

workers:
  handshake_timeout: "5s"
  invoke_timeout: "45s"
  connect_concurrency: 8
  runners:
    ".ts": "deno"
  defaults:
    - name: "quickchart-server"
      command: "node"
      args: ["node_modules/@gongrzhe/quickchart-mcp-server/build/index.js"]

reasoning:
  provider: "openai"
  model: "gpt-4o"
  temperature: 0.2
  max_iterations: 4
  timeout: "30s"

content_api:
  base_url: "https://admin.example.com"
  missing_metadata: "deny"

audit:
  sinks: ["log"]

logging:
  level: "debug"
  format: "json"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 3s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Sessions.Backend != SessionsMongo || cfg.Sessions.HistoryLimit != 12 {
		t.Errorf("unexpected sessions config %+v", cfg.Sessions)
	}
	if cfg.Sessions.Mongo.Database != "coven_relay" {
		t.Errorf("Sessions.Mongo.Database = %q, want default", cfg.Sessions.Mongo.Database)
	}
	if cfg.Discovery.Bucket != "workers-bucket" || cfg.Discovery.Prefix != "generated/" {
		t.Errorf("unexpected discovery config %+v", cfg.Discovery)
	}
	if cfg.Workers.HandshakeTimeout != 5*time.Second || cfg.Workers.InvokeTimeout != 45*time.Second {
		t.Errorf("unexpected worker timeouts %v %v", cfg.Workers.HandshakeTimeout, cfg.Workers.InvokeTimeout)
	}
	if cfg.Workers.Runners[".ts"] != "deno" {
		t.Errorf("Workers.Runners = %v", cfg.Workers.Runners)
	}
	if len(cfg.Workers.Defaults) != 1 || cfg.Workers.Defaults[0].Command != "node" {
		t.Errorf("Workers.Defaults = %+v", cfg.Workers.Defaults)
	}
	if cfg.Reasoning.Temperature == nil || *cfg.Reasoning.Temperature != 0.2 {
		t.Errorf("Reasoning.Temperature = %v, want 0.2", cfg.Reasoning.Temperature)
	}
	if cfg.Reasoning.MaxIterations != 4 || cfg.Reasoning.Timeout != 30*time.Second {
		t.Errorf("unexpected reasoning config %+v", cfg.Reasoning)
	}
	if cfg.ContentAPI.MissingMetadata != "deny" {
		t.Errorf("ContentAPI.MissingMetadata = %q", cfg.ContentAPI.MissingMetadata)
	}
	if len(cfg.Audit.Sinks) != 1 || cfg.Audit.Sinks[0] != AuditSinkLog {
		t.Errorf("Audit.Sinks = %v", cfg.Audit.Sinks)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"server.http_addr", cfg.Server.HTTPAddr, "localhost:8080"},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10 * time.Second},
		{"server.replay_ttl", cfg.Server.ReplayTTL, 10 * time.Minute},
		{"sessions.backend", cfg.Sessions.Backend, SessionsSQLite},
		{"sessions.history_limit", cfg.Sessions.HistoryLimit, 6},
		{"discovery.backend", cfg.Discovery.Backend, DiscoveryDir},
		{"discovery.debounce", cfg.Discovery.Debounce, 500 * time.Millisecond},
		{"workers.handshake_timeout", cfg.Workers.HandshakeTimeout, 30 * time.Second},
		{"workers.invoke_timeout", cfg.Workers.InvokeTimeout, 60 * time.Second},
		{"workers.connect_concurrency", cfg.Workers.ConnectConcurrency, 4},
		{"reasoning.provider", cfg.Reasoning.Provider, "gemini"},
		{"reasoning.max_iterations", cfg.Reasoning.MaxIterations, 10},
		{"content_api.missing_metadata", cfg.ContentAPI.MissingMetadata, "allow"},
		{"audit.queue_size", cfg.Audit.QueueSize, 256},
		{"auth.user_header", cfg.Auth.UserHeader, "email"},
		{"mcp.enabled", cfg.MCP.Enabled, false},
		{"mcp.session_idle", cfg.MCP.SessionIdle, 30 * time.Minute},
		{"logging.level", cfg.Logging.Level, "info"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(cfg.Audit.Sinks) != 2 {
		t.Errorf("Audit.Sinks = %v, want store and log", cfg.Audit.Sinks)
	}
	if cfg.Reasoning.Temperature != nil {
		t.Errorf("Reasoning.Temperature should stay unset")
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_API_KEY", "secret-key")
	t.Setenv("RELAY_TEST_DIR", "/srv/workers")

	cfg, err := Parse([]byte(`
database:
  path: "./relay.db"
discovery:
  dir: "${RELAY_TEST_DIR}"
reasoning:
  api_key: "${RELAY_TEST_API_KEY}"
content_api:
  api_key: "${RELAY_TEST_UNSET_VAR}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Reasoning.APIKey != "secret-key" {
		t.Errorf("Reasoning.APIKey = %q, want %q", cfg.Reasoning.APIKey, "secret-key")
	}
	if cfg.Discovery.Dir != "/srv/workers" {
		t.Errorf("Discovery.Dir = %q", cfg.Discovery.Dir)
	}
	if cfg.ContentAPI.APIKey != "" {
		t.Errorf("unset variables should expand to empty, got %q", cfg.ContentAPI.APIKey)
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte(minimalConfig + `
workers:
  invoke_timeout: "soon"
`))
	if err == nil || !strings.Contains(err.Error(), "workers.invoke_timeout") {
		t.Errorf("expected invoke_timeout parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing database for sqlite sessions",
			yaml:    "discovery:\n  dir: ./w\n",
			wantErr: "database.path",
		},
		{
			name:    "memory sessions and log audit need no database",
			yaml:    "sessions:\n  backend: memory\naudit:\n  sinks: [log]\ndiscovery:\n  dir: ./w\n",
			wantErr: "",
		},
		{
			name:    "mongo without uri",
			yaml:    minimalConfig + "sessions:\n  backend: mongo\n",
			wantErr: "sessions.mongo.uri",
		},
		{
			name:    "dir backend without dir",
			yaml:    "database:\n  path: x.db\n",
			wantErr: "discovery.dir",
		},
		{
			name:    "gcs without bucket",
			yaml:    "database:\n  path: x.db\ndiscovery:\n  backend: gcs\n",
			wantErr: "discovery.bucket",
		},
		{
			name:    "watch on gcs",
			yaml:    "database:\n  path: x.db\ndiscovery:\n  backend: gcs\n  bucket: b\n  watch: true\n",
			wantErr: "discovery.watch",
		},
		{
			name:    "unknown provider",
			yaml:    minimalConfig + "reasoning:\n  provider: oracle\n",
			wantErr: "reasoning.provider",
		},
		{
			name:    "bad missing metadata policy",
			yaml:    minimalConfig + "content_api:\n  missing_metadata: maybe\n",
			wantErr: "content_api.missing_metadata",
		},
		{
			name:    "default worker without command",
			yaml:    minimalConfig + "workers:\n  defaults:\n    - name: x\n",
			wantErr: "workers.defaults[0]",
		},
		{
			name:    "runner extension without dot",
			yaml:    minimalConfig + "workers:\n  runners:\n    py: python3\n",
			wantErr: "workers.runners",
		},
		{
			name:    "unknown audit sink",
			yaml:    minimalConfig + "audit:\n  sinks: [kafka]\n",
			wantErr: "audit.sinks",
		},
		{
			name:    "tailscale without hostname",
			yaml:    minimalConfig + "tailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
