// Package server is the HTTP face of the proxy: the gin engine, auth and
// rate-limit middleware, the two proxy endpoints, and the admin API. One
// Server owns the durable store, the observability fanout, the policy
// manager, and the upstream registry for its lifetime.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/gatebox-dev/gatebox/internal/auth"
	"github.com/gatebox-dev/gatebox/internal/config"
	"github.com/gatebox-dev/gatebox/internal/constant"
	"github.com/gatebox-dev/gatebox/internal/fanout"
	"github.com/gatebox-dev/gatebox/internal/obs"
	"github.com/gatebox-dev/gatebox/internal/policy"
	"github.com/gatebox-dev/gatebox/internal/policy/builtin"
	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/internal/store"
	"github.com/gatebox-dev/gatebox/internal/upstream"
)

// ProviderSelector picks the upstream provider serving a model. The upstream
// registry implements it; tests substitute scripted providers.
type ProviderSelector interface {
	ForModel(model string) upstream.Provider
}

// Server is the HTTP server and the owner of everything request handling
// touches.
type Server struct {
	config     *config.Config
	jwtManager *auth.JWTManager
	engine     *gin.Engine
	httpServer *http.Server
	watcher    *config.Watcher

	db        *store.Store
	policies  *policy.Manager
	providers ProviderSelector
	fan       *fanout.Fanout
	meter     *obs.MeterSetup
	metrics   *obs.PipelineMetrics

	// options
	version        string
	requestTimeout time.Duration
	streamTimeout  time.Duration
	fanoutGrace    time.Duration

	// lastPolicySource is only touched from NewServer and the config
	// watcher callback, which never overlap.
	lastPolicySource config.Policy
}

// ServerOption defines a functional option for Server configuration.
type ServerOption func(*Server)

// WithDefault applies the default server options.
func WithDefault() ServerOption {
	return func(s *Server) {
		s.version = "dev"
		s.requestTimeout = time.Duration(constant.DefaultRequestTimeout) * time.Second
		s.streamTimeout = time.Duration(constant.DefaultKeepaliveTimeout) * time.Second
		s.fanoutGrace = 2 * time.Second
	}
}

func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithProviders substitutes upstream provider selection, primarily for tests.
func WithProviders(sel ProviderSelector) ServerOption {
	return func(s *Server) {
		s.providers = sel
	}
}

// WithRequestTimeout overrides the per-transaction deadline.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithStreamTimeout overrides the streaming inactivity deadline.
func WithStreamTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.streamTimeout = d
		}
	}
}

// WithMetrics injects pre-built metric instruments instead of the
// config-driven exporter setup.
func WithMetrics(m *obs.PipelineMetrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer wires a server from configuration: durable store, fanout sinks,
// policy source, upstream registry, and metrics. The returned server is ready
// for Start; tests drive its router directly.
func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	allOpts := append([]ServerOption{WithDefault()}, opts...)

	s := &Server{
		config:   cfg,
		policies: policy.NewManager(),
	}
	for _, opt := range allOpts {
		opt(s)
	}

	s.jwtManager = auth.NewJWTManager(cfg.GetJWTSecret())
	if cfg.GetUserToken() == "" {
		apiKey, err := s.jwtManager.GenerateAPIKey("user")
		if err != nil {
			return nil, fmt.Errorf("generate user API key: %w", err)
		}
		if err := cfg.SetUserToken(apiKey); err != nil {
			return nil, fmt.Errorf("save user token: %w", err)
		}
		logrus.Infof("Generated user API token: %s", apiKey)
	}

	baseDir := filepath.Dir(cfg.ConfigFile)
	db, err := store.Open(store.DefaultConfig(baseDir))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db

	if s.fan, err = s.buildFanout(baseDir); err != nil {
		db.Close()
		return nil, err
	}

	if s.providers == nil {
		s.providers = upstream.NewRegistry(
			providerConfig(cfg.GetUpstream(upstream.ProviderOpenAI)),
			providerConfig(cfg.GetUpstream(upstream.ProviderAnthropic)),
		)
	}

	if s.metrics == nil {
		mcfg := cfg.GetMetrics()
		meter, err := obs.NewMeterSetup(context.Background(), obs.Config{
			Exporter: mcfg.Exporter,
			Endpoint: mcfg.Endpoint,
		})
		if err != nil {
			s.closeWiring()
			return nil, fmt.Errorf("metrics setup: %w", err)
		}
		s.meter = meter
		s.metrics = meter.Metrics()
	}

	if err := s.loadPolicy(); err != nil {
		s.closeWiring()
		return nil, err
	}
	s.policies.OnSwap(func(inst *policy.Instance) {
		s.metrics.RecordPolicyEvent(context.Background(), "info")
	})

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.setupConfigWatcher()

	return s, nil
}

func providerConfig(up config.Upstream) upstream.ProviderConfig {
	return upstream.ProviderConfig{BaseURL: up.BaseURL, APIKey: up.APIKey}
}

// closeWiring releases the collaborators NewServer built before a later
// wiring step failed.
func (s *Server) closeWiring() {
	if s.fan != nil {
		_ = s.fan.Close(0)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// buildFanout assembles the sink set from configuration. The durable store
// sink is always present; stdout echoing follows the debug flag, the JSONL
// file sink the record mode, and the redis sink its enabled flag.
func (s *Server) buildFanout(baseDir string) (*fanout.Fanout, error) {
	sinks := []fanout.Sink{fanout.NewStoreSink(s.db.Records)}
	if s.config.GetDebug() {
		sinks = append(sinks, fanout.NewStdoutSink(nil))
	}
	if mode := fanout.FileMode(s.config.GetRecordMode()); mode != "" && mode != fanout.FileModeOff {
		fileSink, err := fanout.NewFileSink(constant.GetRecordsDir(baseDir), mode)
		if err != nil {
			return nil, fmt.Errorf("records sink: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	if rc := s.config.GetRedis(); rc.Enabled {
		redisSink, err := fanout.NewRedisSinkFromAddr(context.Background(), rc.Addr, rc.Password, rc.DB)
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		sinks = append(sinks, redisSink)
	}
	return fanout.New(sinks), nil
}

// loadPolicy resolves the configured policy source. An unreadable policy file
// fails startup; an empty store table falls back to passthrough so the proxy
// comes up permissive rather than dead.
func (s *Server) loadPolicy() error {
	pol := s.config.GetPolicy()
	s.lastPolicySource = pol
	switch pol.Source {
	case config.PolicySourceStore:
		err := s.policies.UseStore(s.db.Policies)
		if errors.Is(err, policy.ErrNoActivePolicy) {
			logrus.Info("No enabled policy in store, starting with passthrough")
			_, err = s.policies.Swap(builtin.PolicyPassthrough, nil, policy.SourceDefault)
		}
		return err
	default:
		if pol.Path != "" {
			return s.policies.UseFile(pol.Path)
		}
		_, err := s.policies.Swap(builtin.PolicyPassthrough, nil, policy.SourceDefault)
		return err
	}
}

// setupConfigWatcher initializes the configuration hot-reload watcher.
func (s *Server) setupConfigWatcher() {
	watcher, err := config.NewWatcher(s.config)
	if err != nil {
		logrus.Warnf("Config hot reload unavailable: %v", err)
		return
	}
	s.watcher = watcher
	watcher.OnChange(func(cfg *config.Config) {
		s.applyPolicySource(cfg)
	})
}

// applyPolicySource re-resolves the policy source after a config reload.
// Listen address, sink set, and JWT secret changes take effect on restart.
func (s *Server) applyPolicySource(cfg *config.Config) {
	pol := cfg.GetPolicy()
	if pol == s.lastPolicySource {
		return
	}
	s.lastPolicySource = pol

	var err error
	switch pol.Source {
	case config.PolicySourceStore:
		err = s.policies.UseStore(s.db.Policies)
	default:
		if pol.Path == "" {
			return
		}
		err = s.policies.UseFile(pol.Path)
	}
	if err != nil {
		logrus.Errorf("Policy source change rejected, keeping previous policy: %v", err)
	}
}

// setupMiddleware configures server-wide middleware.
func (s *Server) setupMiddleware() {
	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		err := &protocol.InternalError{Err: fmt.Errorf("%v", recovered)}
		logrus.Errorf("Panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, protocol.NewErrorResponse(err))
	}))
	if s.config.GetDebug() {
		s.engine.Use(requestLogger())
	}
}

// setupRoutes configures server routes.
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	// Proxy endpoints, OpenAI and Anthropic wire formats.
	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware(), s.rateLimitMiddleware())
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.POST("/messages", s.handleMessages)
	}

	// Admin and introspection API.
	api := s.engine.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.GET("/policy", s.handleGetPolicy)
		api.PUT("/policy", s.handlePutPolicy)
		api.GET("/transactions", s.handleListTransactions)
		api.GET("/transactions/:id/records", s.handleTransactionRecords)
		api.GET("/version", s.handleVersion)
	}
}

// Start starts the hot-reload watchers and the HTTP listener. It blocks until
// the listener fails or Stop shuts it down.
func (s *Server) Start() error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logrus.Warnf("Config hot reload unavailable: %v", err)
		}
	}
	if pol := s.config.GetPolicy(); pol.Source == config.PolicySourceFile && pol.Path != "" {
		if err := s.policies.Watch(); err != nil {
			logrus.Warnf("Policy hot reload unavailable: %v", err)
		}
	}

	addr := s.config.ListenAddr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	logrus.Infof("Gatebox listening on %s", addr)
	logrus.Infof("OpenAI endpoint:    http://%s/v1/chat/completions", addr)
	logrus.Infof("Anthropic endpoint: http://%s/v1/messages", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and releases everything it owns: watchers
// first so nothing reloads mid-shutdown, then the listener, then sinks,
// metrics, and the store.
func (s *Server) Stop(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logrus.Debugf("Config watcher stop: %v", err)
		}
	}
	if err := s.policies.Close(); err != nil {
		logrus.Debugf("Policy watcher stop: %v", err)
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if cerr := s.fan.Close(s.fanoutGrace); cerr != nil {
		logrus.Warnf("Fanout close: %v", cerr)
	}
	if s.meter != nil {
		if merr := s.meter.Shutdown(ctx); merr != nil {
			logrus.Warnf("Metrics shutdown: %v", merr)
		}
	}
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// GetRouter returns the gin engine for testing purposes.
func (s *Server) GetRouter() *gin.Engine {
	return s.engine
}

// Store exposes the durable store, primarily for the CLI and tests.
func (s *Server) Store() *store.Store {
	return s.db
}
