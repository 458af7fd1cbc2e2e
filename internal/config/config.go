// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing, and defaults

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Workers    WorkersConfig    `yaml:"workers"`
	Reasoning  ReasoningConfig  `yaml:"reasoning"`
	ContentAPI ContentAPIConfig `yaml:"content_api"`
	Sources    SourcesConfig    `yaml:"sources"`
	Audit      AuditConfig      `yaml:"audit"`
	Auth       AuthConfig       `yaml:"auth"`
	MCP        MCPConfig        `yaml:"mcp"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`
	ReplayTTL       time.Duration `yaml:"-"` // how long query responses are kept for retried request IDs

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
	ReplayTTLRaw       string `yaml:"replay_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`     // Serve HTTPS on :443 with Tailscale certs
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds the SQLite database used for audit records and,
// with the sqlite session backend, conversation turns.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Session store backends.
const (
	SessionsSQLite = "sqlite"
	SessionsMongo  = "mongo"
	SessionsMemory = "memory"
)

// SessionsConfig selects where conversation turns are kept
type SessionsConfig struct {
	Backend      string      `yaml:"backend"`
	HistoryLimit int         `yaml:"history_limit"`
	Mongo        MongoConfig `yaml:"mongo"`
}

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Discovery backends.
const (
	DiscoveryDir = "dir"
	DiscoveryGCS = "gcs"
)

// DiscoveryConfig selects where worker artifacts are listed from
type DiscoveryConfig struct {
	Backend         string        `yaml:"backend"`
	Dir             string        `yaml:"dir"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	CredentialsFile string        `yaml:"credentials_file"`
	SpoolDir        string        `yaml:"spool_dir"`
	Watch           bool          `yaml:"watch"`
	Debounce        time.Duration `yaml:"-"`

	DebounceRaw string `yaml:"debounce"`
}

// DefaultWorkerConfig describes an always-available worker
type DefaultWorkerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// WorkersConfig holds worker process settings
type WorkersConfig struct {
	HandshakeTimeout   time.Duration         `yaml:"-"`
	InvokeTimeout      time.Duration         `yaml:"-"`
	ConnectConcurrency int                   `yaml:"connect_concurrency"`
	Runners            map[string]string     `yaml:"runners"` // extension -> interpreter
	Env                map[string]string     `yaml:"env"`
	Defaults           []DefaultWorkerConfig `yaml:"defaults"`

	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	InvokeTimeoutRaw    string `yaml:"invoke_timeout"`
}

// ReasoningConfig holds reasoning engine settings
type ReasoningConfig struct {
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Temperature   *float32      `yaml:"temperature"`
	SystemPrompt  string        `yaml:"system_prompt"`
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// ContentAPIConfig holds the content catalogue endpoint
type ContentAPIConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	MissingMetadata string        `yaml:"missing_metadata"` // allow | deny
	Timeout         time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// SourcesConfig holds settings for source references in answers
type SourcesConfig struct {
	BaseURL string `yaml:"base_url"`
}

// Audit sink names.
const (
	AuditSinkStore = "store"
	AuditSinkLog   = "log"
)

// AuditConfig holds audit sink settings
type AuditConfig struct {
	Sinks     []string `yaml:"sinks"`
	QueueSize int      `yaml:"queue_size"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret  string   `yaml:"jwt_secret"`
	UserHeader string   `yaml:"user_header"`
	AdminUsers []string `yaml:"admin_users"`
}

// MCPConfig controls the MCP endpoint that re-exposes worker capabilities
type MCPConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SessionIdle time.Duration `yaml:"-"`

	SessionIdleRaw string `yaml:"session_idle"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, completes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills every optional field left empty.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.ReplayTTL == 0 {
		c.Server.ReplayTTL = 10 * time.Minute
	}

	if c.Sessions.Backend == "" {
		c.Sessions.Backend = SessionsSQLite
	}
	if c.Sessions.HistoryLimit == 0 {
		c.Sessions.HistoryLimit = 6
	}
	if c.Sessions.Mongo.Database == "" {
		c.Sessions.Mongo.Database = "coven_relay"
	}
	if c.Sessions.Mongo.Collection == "" {
		c.Sessions.Mongo.Collection = "sessions"
	}

	if c.Discovery.Backend == "" {
		c.Discovery.Backend = DiscoveryDir
	}
	if c.Discovery.Debounce == 0 {
		c.Discovery.Debounce = 500 * time.Millisecond
	}

	if c.Workers.HandshakeTimeout == 0 {
		c.Workers.HandshakeTimeout = 30 * time.Second
	}
	if c.Workers.InvokeTimeout == 0 {
		c.Workers.InvokeTimeout = 60 * time.Second
	}
	if c.Workers.ConnectConcurrency == 0 {
		c.Workers.ConnectConcurrency = 4
	}

	if c.Reasoning.Provider == "" {
		c.Reasoning.Provider = "gemini"
	}
	if c.Reasoning.MaxIterations == 0 {
		c.Reasoning.MaxIterations = 10
	}
	if c.Reasoning.Timeout == 0 {
		c.Reasoning.Timeout = 2 * time.Minute
	}

	if c.ContentAPI.MissingMetadata == "" {
		c.ContentAPI.MissingMetadata = "allow"
	}
	if c.ContentAPI.Timeout == 0 {
		c.ContentAPI.Timeout = 15 * time.Second
	}

	if c.Audit.Sinks == nil {
		c.Audit.Sinks = []string{AuditSinkStore, AuditSinkLog}
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 256
	}

	if c.Auth.UserHeader == "" {
		c.Auth.UserHeader = "email"
	}

	if c.MCP.SessionIdle == 0 {
		c.MCP.SessionIdle = 30 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	needsDatabase := c.Sessions.Backend == SessionsSQLite
	for _, s := range c.Audit.Sinks {
		switch s {
		case AuditSinkStore:
			needsDatabase = true
		case AuditSinkLog:
		default:
			return fmt.Errorf("audit.sinks: unknown sink %q (want store or log)", s)
		}
	}
	if needsDatabase && c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Sessions.Backend {
	case SessionsSQLite, SessionsMemory:
	case SessionsMongo:
		if c.Sessions.Mongo.URI == "" {
			return fmt.Errorf("sessions.mongo.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("sessions.backend: unknown backend %q", c.Sessions.Backend)
	}
	if c.Sessions.HistoryLimit < 0 {
		return fmt.Errorf("sessions.history_limit must not be negative")
	}

	switch c.Discovery.Backend {
	case DiscoveryDir:
		if c.Discovery.Dir == "" {
			return fmt.Errorf("discovery.dir is required for the dir backend")
		}
	case DiscoveryGCS:
		if c.Discovery.Bucket == "" {
			return fmt.Errorf("discovery.bucket is required for the gcs backend")
		}
		if c.Discovery.Watch {
			return fmt.Errorf("discovery.watch is only supported by the dir backend")
		}
	default:
		return fmt.Errorf("discovery.backend: unknown backend %q", c.Discovery.Backend)
	}

	for i, d := range c.Workers.Defaults {
		if d.Name == "" || d.Command == "" {
			return fmt.Errorf("workers.defaults[%d]: name and command are required", i)
		}
	}
	for ext := range c.Workers.Runners {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("workers.runners: extension %q must start with a dot", ext)
		}
	}
	if c.Workers.ConnectConcurrency < 0 {
		return fmt.Errorf("workers.connect_concurrency must not be negative")
	}

	switch c.Reasoning.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("reasoning.provider: unknown provider %q", c.Reasoning.Provider)
	}
	if c.Reasoning.MaxIterations < 0 {
		return fmt.Errorf("reasoning.max_iterations must not be negative")
	}

	switch c.ContentAPI.MissingMetadata {
	case "allow", "deny":
	default:
		return fmt.Errorf("content_api.missing_metadata must be allow or deny, got %q", c.ContentAPI.MissingMetadata)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"server.replay_ttl", cfg.Server.ReplayTTLRaw, &cfg.Server.ReplayTTL},
		{"discovery.debounce", cfg.Discovery.DebounceRaw, &cfg.Discovery.Debounce},
		{"workers.handshake_timeout", cfg.Workers.HandshakeTimeoutRaw, &cfg.Workers.HandshakeTimeout},
		{"workers.invoke_timeout", cfg.Workers.InvokeTimeoutRaw, &cfg.Workers.InvokeTimeout},
		{"reasoning.timeout", cfg.Reasoning.TimeoutRaw, &cfg.Reasoning.Timeout},
		{"content_api.timeout", cfg.ContentAPI.TimeoutRaw, &cfg.ContentAPI.Timeout},
		{"mcp.session_idle", cfg.MCP.SessionIdleRaw, &cfg.MCP.SessionIdle},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
