// ABOUTME: Gateway orchestrator that wires the worker pool, authorization gate and conversation loop
// ABOUTME: Owns the HTTP server, the discovery watcher, and the shutdown order of every component

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"google.golang.org/api/option"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/audit"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/contentapi"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/discovery"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/mcp"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/worker"
)

// replayCacheSize bounds the number of remembered query responses.
const replayCacheSize = 1024

// Version is reported to MCP clients. Set by the binary at startup.
var Version = "dev"

// Gateway orchestrates the coven-relay server components.
type Gateway struct {
	config       *config.Config
	pool         *packs.Pool
	conversation *conversation.Service
	events       *conversation.Broadcaster
	audit        *audit.Async
	engine       llm.Engine
	watcher      *discovery.DirSource // nil unless discovery.watch is set
	replays      *dedupe.Cache[QueryResponse]
	mcpServer    *mcp.Server // nil unless mcp.enabled is set
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// closers release stores and clients in reverse order of creation
	closers  []namedCloser
	stopOnce sync.Once
	stopErrs []error
}

type namedCloser struct {
	name string
	c    io.Closer
}

// components carries what New builds before the Gateway exists, so a
// failure part way through can release it.
type components struct {
	closers []namedCloser
}

func (c *components) add(name string, closer io.Closer) {
	c.closers = append(c.closers, namedCloser{name: name, c: closer})
}

func (c *components) closeAll(logger *slog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].c.Close(); err != nil {
			logger.Warn("close failed", "component", c.closers[i].name, "error", err)
		}
	}
}

// initStores opens the session store and, when the store audit sink is
// configured, the SQLite audit store.
func initStores(ctx context.Context, cfg *config.Config, comps *components) (store.SessionStore, store.AuditStore, error) {
	var sqlStore *store.SQLiteStore
	openSQLite := func() (*store.SQLiteStore, error) {
		if sqlStore != nil {
			return sqlStore, nil
		}
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("COVEN_RELAY_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		comps.add("sqlite store", s)
		sqlStore = s
		return s, nil
	}

	var sessions store.SessionStore
	switch cfg.Sessions.Backend {
	case config.SessionsMongo:
		m, err := store.NewMongoSessionStore(ctx, cfg.Sessions.Mongo.URI, cfg.Sessions.Mongo.Database, cfg.Sessions.Mongo.Collection)
		if err != nil {
			return nil, nil, err
		}
		comps.add("mongo store", m)
		sessions = m
	case config.SessionsMemory:
		sessions = store.NewMemoryStore()
	default:
		s, err := openSQLite()
		if err != nil {
			return nil, nil, err
		}
		sessions = s
	}

	var auditStore store.AuditStore
	if slices.Contains(cfg.Audit.Sinks, config.AuditSinkStore) {
		s, err := openSQLite()
		if err != nil {
			return nil, nil, err
		}
		auditStore = s
	}
	return sessions, auditStore, nil
}

// initAudit builds the asynchronous audit pipeline from the configured sinks.
func initAudit(cfg *config.Config, auditStore store.AuditStore, logger *slog.Logger) *audit.Async {
	var sinks audit.Multi
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case config.AuditSinkStore:
			sinks = append(sinks, audit.NewStoreSink(auditStore))
		case config.AuditSinkLog:
			sinks = append(sinks, audit.NewLogSink(logger))
		}
	}
	if len(sinks) == 0 {
		logger.Warn("no audit sinks configured - credentialed invocations are not recorded")
	}
	return audit.NewAsync(sinks, cfg.Audit.QueueSize, logger)
}

// initSource opens the discovery backend. The returned DirSource is non-nil
// only when the directory should be watched.
func initSource(ctx context.Context, cfg *config.Config, comps *components, logger *slog.Logger) (discovery.Source, *discovery.DirSource, error) {
	switch cfg.Discovery.Backend {
	case config.DiscoveryGCS:
		var opts []option.ClientOption
		if cfg.Discovery.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Discovery.CredentialsFile))
		}
		src, err := discovery.NewGCSSource(ctx, cfg.Discovery.Bucket, logger, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bucket: %w", err)
		}
		comps.add("gcs source", src)
		return src, nil, nil
	default:
		src, err := discovery.NewDirSource(cfg.Discovery.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening discovery dir: %w", err)
		}
		if cfg.Discovery.Watch {
			return src, src, nil
		}
		return src, nil, nil
	}
}

// envList flattens an env map into sorted KEY=VALUE entries.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

// defaultWorkers converts configured default workers into pool entries.
func defaultWorkers(cfg *config.Config) []packs.DefaultWorker {
	out := make([]packs.DefaultWorker, 0, len(cfg.Workers.Defaults))
	for _, d := range cfg.Workers.Defaults {
		out = append(out, packs.DefaultWorker{
			Name: d.Name,
			Spec: worker.LaunchSpec{
				Command: d.Command,
				Args:    d.Args,
				Env:     envList(d.Env),
			},
		})
	}
	return out
}

// initAuthorizer builds the authorization gate. Without a content API the
// gate still admits default workers; content-bound invocations fail.
func initAuthorizer(cfg *config.Config, sink audit.Sink, logger *slog.Logger) (*gate.Authorizer, error) {
	policy, err := gate.ParsePolicy(cfg.ContentAPI.MissingMetadata)
	if err != nil {
		return nil, err
	}

	gateCfg := gate.Config{
		Audit:           sink,
		MissingMetadata: policy,
		SourceBaseURL:   cfg.Sources.BaseURL,
		Logger:          logger,
	}
	if cfg.ContentAPI.BaseURL != "" {
		client, err := contentapi.New(contentapi.Config{
			BaseURL: cfg.ContentAPI.BaseURL,
			APIKey:  cfg.ContentAPI.APIKey,
			Timeout: cfg.ContentAPI.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating content API client: %w", err)
		}
		gateCfg.Metadata = client
		gateCfg.Credentials = client
	} else {
		logger.Warn("content_api.base_url not set - only default workers can be invoked")
	}
	return gate.NewAuthorizer(gateCfg), nil
}

// authConfig selects JWT mode when a secret is configured, header mode otherwise.
func authConfig(cfg *config.Config, logger *slog.Logger) (auth.Config, error) {
	ac := auth.Config{
		UserHeader: cfg.Auth.UserHeader,
		AdminUsers: cfg.Auth.AdminUsers,
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret not set - trusting the user header", "header", cfg.Auth.UserHeader)
		return ac, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return ac, fmt.Errorf("creating JWT verifier: %w", err)
	}
	ac.Verifier = verifier
	logger.Info("HTTP auth middleware enabled (JWT)")
	return ac, nil
}

// New creates a new Gateway instance with the given configuration.
// Workers are not connected until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	comps := &components{}
	gw, err := build(ctx, cfg, logger, comps)
	if err != nil {
		comps.closeAll(logger)
		return nil, err
	}
	return gw, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, comps *components) (*Gateway, error) {
	sessions, auditStore, err := initStores(ctx, cfg, comps)
	if err != nil {
		return nil, err
	}

	source, watcher, err := initSource(ctx, cfg, comps, logger.With("component", "discovery"))
	if err != nil {
		return nil, err
	}

	auditSink := initAudit(cfg, auditStore, logger.With("component", "audit"))
	comps.add("audit", auditSink)

	connector := worker.NewMCPConnector(cfg.Workers.HandshakeTimeout, logger.With("component", "worker"))
	pool := packs.NewPool(packs.PoolConfig{
		Source:             source,
		Connector:          connector,
		Prefix:             cfg.Discovery.Prefix,
		SpoolDir:           cfg.Discovery.SpoolDir,
		Runners:            cfg.Workers.Runners,
		Env:                envList(cfg.Workers.Env),
		Defaults:           defaultWorkers(cfg),
		ConnectConcurrency: cfg.Workers.ConnectConcurrency,
		Logger:             logger.With("component", "pool"),
	})
	router := packs.NewRouter(packs.RouterConfig{
		Logger:  logger.With("component", "router"),
		Timeout: cfg.Workers.InvokeTimeout,
	})

	authorizer, err := initAuthorizer(cfg, auditSink, logger)
	if err != nil {
		return nil, err
	}

	engine, err := llm.NewEngine(ctx, llm.Config{
		Provider:     cfg.Reasoning.Provider,
		Model:        cfg.Reasoning.Model,
		APIKey:       cfg.Reasoning.APIKey,
		BaseURL:      cfg.Reasoning.BaseURL,
		Temperature:  cfg.Reasoning.Temperature,
		SystemPrompt: cfg.Reasoning.SystemPrompt,
		Logger:       logger.With("component", "llm"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating reasoning engine: %w", err)
	}
	comps.add("reasoning engine", engine)

	events := conversation.NewBroadcaster(logger)
	convService := conversation.New(conversation.Config{
		Sessions:      sessions,
		Engine:        engine,
		Pool:          pool,
		Router:        router,
		Authorizer:    authorizer,
		Events:        events,
		HistoryLimit:  cfg.Sessions.HistoryLimit,
		MaxIterations: cfg.Reasoning.MaxIterations,
		EngineTimeout: cfg.Reasoning.Timeout,
		Logger:        logger,
	})

	ac, err := authConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	replays := dedupe.New[QueryResponse](cfg.Server.ReplayTTL, replayCacheSize)
	comps.add("replay cache", replays)

	var mcpServer *mcp.Server
	if cfg.MCP.Enabled {
		mcpServer, err = mcp.NewServer(mcp.Config{
			Backend:     convService,
			Logger:      logger,
			Version:     Version,
			SessionIdle: cfg.MCP.SessionIdle,
		})
		if err != nil {
			return nil, fmt.Errorf("creating MCP endpoint: %w", err)
		}
	}

	gw := &Gateway{
		config:       cfg,
		pool:         pool,
		conversation: convService,
		events:       events,
		audit:        auditSink,
		engine:       engine,
		watcher:      watcher,
		replays:      replays,
		mcpServer:    mcpServer,
		logger:       logger.With("component", "gateway"),
		closers:      comps.closers,
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(ac),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Ends open event streams so Shutdown does not wait on them.
	gw.httpServer.RegisterOnShutdown(events.Close)
	return gw, nil
}

// Run connects workers, starts the HTTP server and blocks until the context
// is canceled. Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.pool.Populate(ctx); err != nil {
		g.logger.Error("initial worker populate failed", "error", err)
	}
	g.logger.Info("workers ready", "capabilities", len(g.conversation.ListCapabilities()))

	if g.watcher != nil {
		go g.watch(ctx)
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		g.shutdownComponents()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// watch repopulates the pool whenever the discovery directory changes.
func (g *Gateway) watch(ctx context.Context) {
	err := g.watcher.Watch(ctx, g.config.Discovery.Debounce, func() {
		g.logger.Info("discovery dir changed, repopulating workers")
		if err := g.pool.Populate(ctx); err != nil {
			g.logger.Error("repopulate failed", "error", err)
		}
	})
	if err != nil {
		g.logger.Error("discovery watcher stopped", "error", err)
	}
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting relay", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks funnel, HTTPS or plain HTTP.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener serves TLS with cert_file/key_file when given,
// otherwise with Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if tsCfg.CertFile != "" && tsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tailscale TLS cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else {
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		tlsCfg.GetCertificate = lc.GetCertificate
	}

	g.logger.Info("enabling HTTPS on tailscale :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// shutdownComponents stops everything except the HTTP server. Only the
// first call does any work.
func (g *Gateway) shutdownComponents() []error {
	g.stopOnce.Do(func() {
		if g.tsnetServer != nil {
			g.stopErrs = appendCloseError(g.stopErrs, "tailscale shutdown", g.tsnetServer.Close())
		}
		g.events.Close()
		g.pool.Close()
		for i := len(g.closers) - 1; i >= 0; i-- {
			g.stopErrs = appendCloseError(g.stopErrs, g.closers[i].name+" close", g.closers[i].c.Close())
		}
	})
	return g.stopErrs
}

// Shutdown stops the HTTP server, disconnects workers, flushes audit
// records and closes stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = append(errs, g.shutdownComponents()...)
	if dropped := g.audit.Dropped(); dropped > 0 {
		g.logger.Warn("audit records dropped", "count", dropped)
	}

	return errors.Join(errs...)
}
