// ABOUTME: Client subcommands that talk to a running relay over its HTTP API
// ABOUTME: Also issues JWTs and writes a starter config interactively

package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
)

// defaultTokenTTL is how long issued tokens stay valid.
const defaultTokenTTL = 30 * 24 * time.Hour

// apiClient calls a running relay using the local config for its address and
// credentials.
type apiClient struct {
	baseURL    string
	token      string // JWT mode
	userHeader string // header mode
	user       string
}

// newAPIClient resolves the relay URL and how to identify the caller.
// COVEN_RELAY_URL overrides the configured address; in JWT mode the token
// comes from COVEN_RELAY_TOKEN or the token file next to the config.
func newAPIClient(cfg *config.Config, configPath string) (*apiClient, error) {
	c := &apiClient{baseURL: os.Getenv("COVEN_RELAY_URL")}
	if c.baseURL == "" {
		if cfg.Tailscale.Enabled {
			c.baseURL = "http://" + cfg.Tailscale.Hostname
		} else {
			c.baseURL = "http://" + cfg.Server.HTTPAddr
		}
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")

	if cfg.Auth.JWTSecret != "" {
		c.token = os.Getenv("COVEN_RELAY_TOKEN")
		if c.token == "" {
			data, err := os.ReadFile(filepath.Join(filepath.Dir(configPath), "token"))
			if err != nil {
				return nil, fmt.Errorf("reading token file (run coven-relay token first): %w", err)
			}
			c.token = strings.TrimSpace(string(data))
		}
		return c, nil
	}

	c.userHeader = cfg.Auth.UserHeader
	c.user = os.Getenv("COVEN_RELAY_USER")
	if c.user == "" {
		c.user = os.Getenv("USER")
	}
	if c.user == "" {
		return nil, errors.New("set COVEN_RELAY_USER to identify yourself to the relay")
	}
	return c, nil
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.user != "" {
		req.Header.Set(c.userHeader, c.user)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// loadClient loads the config and builds an API client from it.
func loadClient() (*apiClient, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newAPIClient(cfg, configPath)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	client := &apiClient{baseURL: "http://" + cfg.Server.HTTPAddr}
	if env := os.Getenv("COVEN_RELAY_URL"); env != "" {
		client.baseURL = strings.TrimRight(env, "/")
	}

	for _, path := range []string{"/health", "/health/ready"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if path == "/health" && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
		}
		if path == "/health" {
			fmt.Println("healthy")
			continue
		}
		fmt.Println(strings.TrimSpace(string(body)))
	}
	return nil
}

func runCapabilities(ctx context.Context) error {
	client, err := loadClient()
	if err != nil {
		return err
	}
	var resp struct {
		Capabilities []string `json:"capabilities"`
	}
	if _, err := client.do(ctx, http.MethodGet, "/api/capabilities", nil, &resp); err != nil {
		return err
	}
	if len(resp.Capabilities) == 0 {
		fmt.Println("no capabilities registered")
		return nil
	}
	for _, name := range resp.Capabilities {
		fmt.Println(name)
	}
	return nil
}

func runWorkers(ctx context.Context) error {
	client, err := loadClient()
	if err != nil {
		return err
	}
	var resp struct {
		Workers []struct {
			Identity     string   `json:"identity"`
			Artifact     string   `json:"artifact"`
			Default      bool     `json:"default"`
			Capabilities []string `json:"capabilities"`
		} `json:"workers"`
	}
	if _, err := client.do(ctx, http.MethodGet, "/api/workers", nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, w := range resp.Workers {
		cyan.Print(w.Identity)
		if w.Default {
			gray.Print(" (default)")
		} else if w.Artifact != "" {
			gray.Printf(" %s", w.Artifact)
		}
		fmt.Println()
		fmt.Printf("  %s\n", strings.Join(w.Capabilities, ", "))
	}
	return nil
}

// singleArg returns the one positional argument a command takes.
func singleArg(args []string, what string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("expected exactly one %s", what)
	}
	return args[0], nil
}

func runProvision(ctx context.Context, args []string) error {
	artifact, err := singleArg(args, "artifact path")
	if err != nil {
		return err
	}
	client, err := loadClient()
	if err != nil {
		return err
	}
	var resp struct {
		Message string `json:"message"`
	}
	if _, err := client.do(ctx, http.MethodPost, "/api/workers", map[string]string{"artifact": artifact}, &resp); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ %s\n", resp.Message)
	return nil
}

func runDeprovision(ctx context.Context, args []string) error {
	name, err := singleArg(args, "worker name")
	if err != nil {
		return err
	}
	client, err := loadClient()
	if err != nil {
		return err
	}
	var resp struct {
		Message string `json:"message"`
	}
	escaped := (&url.URL{Path: name}).EscapedPath()
	if _, err := client.do(ctx, http.MethodDelete, "/api/workers/"+escaped, nil, &resp); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("✓ %s\n", resp.Message)
	return nil
}

// tokenArgs holds the parsed flags of the token command.
type tokenArgs struct {
	subject string
	admin   bool
	ttl     time.Duration
}

// parseTokenArgs supports both "--flag value" and "--flag=value" formats.
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject" || arg == "-s":
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", arg)
			}
			out.subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			out.subject = strings.TrimPrefix(arg, "--subject=")
		case arg == "--admin":
			out.admin = true
		case arg == "--ttl":
			if i+1 >= len(args) {
				return out, fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return out, fmt.Errorf("parsing --ttl: %w", err)
			}
			out.ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return out, fmt.Errorf("parsing --ttl: %w", err)
			}
			out.ttl = d
		case strings.HasPrefix(arg, "-"):
			return out, fmt.Errorf("unknown flag: %s", arg)
		default:
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	out.subject = strings.TrimSpace(out.subject)
	if out.subject == "" {
		return out, errors.New("--subject flag is required")
	}
	if out.ttl <= 0 {
		return out, errors.New("--ttl must be positive")
	}
	return out, nil
}

// runToken issues a token signed with the configured secret and saves it
// next to the config for the other client commands.
func runToken(args []string) error {
	ta, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	role := ""
	if ta.admin {
		role = auth.RoleAdmin
	}
	token, err := verifier.Generate(ta.subject, role, ta.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token: %s\n", tokenPath)
	fmt.Printf("  Subject: %s\n", ta.subject)
	if ta.admin {
		fmt.Printf("  Role:    %s\n", auth.RoleAdmin)
	}
	fmt.Printf("  Expires: %s\n", time.Now().Add(ta.ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println()
	fmt.Println(token)
	return nil
}

// initAnswers collects what runInit asks for.
type initAnswers struct {
	HTTPAddr         string
	DBPath           string
	SessionsBackend  string
	MongoURI         string
	DiscoveryBackend string
	DiscoveryDir     string
	Bucket           string
	Prefix           string
	Provider         string
	ContentAPIURL    string
	SourcesURL       string
	JWTSecret        string
	TailscaleEnabled bool
	TSHostname       string
	TSAuthKey        string
	TSFunnel         bool
	LogLevel         string
	LogFormat        string
}

// renderConfig produces the YAML written by runInit. API keys are left as
// ${VAR} references so they can live in .env.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", a.SessionsBackend)
	cfg.WriteString("  history_limit: 6\n")
	if a.SessionsBackend == config.SessionsMongo {
		cfg.WriteString("  mongo:\n")
		fmt.Fprintf(&cfg, "    uri: %q\n", a.MongoURI)
	}
	cfg.WriteString("\n")

	cfg.WriteString("discovery:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", a.DiscoveryBackend)
	if a.DiscoveryBackend == config.DiscoveryGCS {
		fmt.Fprintf(&cfg, "  bucket: %q\n", a.Bucket)
		fmt.Fprintf(&cfg, "  prefix: %q\n", a.Prefix)
		cfg.WriteString("  credentials_file: \"${GOOGLE_APPLICATION_CREDENTIALS}\"\n")
	} else {
		fmt.Fprintf(&cfg, "  dir: %q\n", a.DiscoveryDir)
		cfg.WriteString("  watch: true\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("workers:\n")
	cfg.WriteString("  invoke_timeout: \"60s\"\n")
	cfg.WriteString("  defaults:\n")
	cfg.WriteString("    - name: \"quickchart-server\"\n")
	cfg.WriteString("      command: \"node\"\n")
	cfg.WriteString("      args: [\"node_modules/@gongrzhe/quickchart-mcp-server/build/index.js\"]\n")
	cfg.WriteString("\n")

	cfg.WriteString("reasoning:\n")
	fmt.Fprintf(&cfg, "  provider: %q\n", a.Provider)
	if a.Provider == "openai" {
		cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
	} else {
		cfg.WriteString("  api_key: \"${GOOGLE_API_KEY}\"\n")
	}
	cfg.WriteString("  max_iterations: 10\n")
	cfg.WriteString("\n")

	cfg.WriteString("content_api:\n")
	fmt.Fprintf(&cfg, "  base_url: %q\n", a.ContentAPIURL)
	cfg.WriteString("  api_key: \"${DIGITAL_CONTENT_API_KEY}\"\n")
	cfg.WriteString("  missing_metadata: \"allow\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("sources:\n")
	fmt.Fprintf(&cfg, "  base_url: %q\n", a.SourcesURL)
	cfg.WriteString("\n")

	cfg.WriteString("audit:\n")
	cfg.WriteString("  sinks: [\"store\", \"log\"]\n")
	cfg.WriteString("\n")

	if a.JWTSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.JWTSecret)
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.TSFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)

	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

// generateSecret returns a random base64 JWT secret.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Storage Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path (audit log)", filepath.Join(defaultDataPath, "relay.db"))
	a.SessionsBackend = prompt(reader, "Session backend (sqlite/mongo/memory)", config.SessionsSQLite)
	if a.SessionsBackend == config.SessionsMongo {
		a.MongoURI = prompt(reader, "MongoDB URI", "mongodb://localhost:27017")
	}

	fmt.Println("\n--- Worker Discovery ---")
	a.DiscoveryBackend = prompt(reader, "Discovery backend (dir/gcs)", config.DiscoveryDir)
	if a.DiscoveryBackend == config.DiscoveryGCS {
		a.Bucket = prompt(reader, "Bucket name", "")
		a.Prefix = prompt(reader, "Object prefix", "generated_mcp_servers/")
	} else {
		a.DiscoveryDir = prompt(reader, "Worker directory", filepath.Join(defaultDataPath, "workers"))
	}

	fmt.Println("\n--- Reasoning Engine ---")
	a.Provider = prompt(reader, "Provider (gemini/openai)", "gemini")

	fmt.Println("\n--- Content Catalogue ---")
	a.ContentAPIURL = prompt(reader, "Content API base URL", "${ADMIN_API_URL}")
	a.SourcesURL = prompt(reader, "Portal base URL for source links", "${BASE_URL}")

	fmt.Println("\n--- Authentication ---")
	if isYes(prompt(reader, "Require JWTs (otherwise the email header is trusted)?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.JWTSecret = secret
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = isYes(prompt(reader, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TSHostname = prompt(reader, "Tailscale hostname", "coven-relay")
		a.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TSFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// 0600 since the file may hold the JWT secret.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nPut API keys in .env (GOOGLE_API_KEY, DIGITAL_CONTENT_API_KEY, ...), then:")
	if a.JWTSecret != "" {
		fmt.Println("  coven-relay token --subject you@example.com --admin")
	}
	fmt.Println("  coven-relay serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
