package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/capability"
	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/session"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/transport"
)

// Server is a build server bound to one connection
type Server struct {
	transport transport.Transport
	name      string
	version   string

	// Providers
	workspace         WorkspaceProvider
	reloader          ReloadProvider
	sources           SourcesProvider
	inverseSources    InverseSourcesProvider
	dependencySources DependencySourcesProvider
	dependencyModules DependencyModulesProvider
	resources         ResourcesProvider
	cleanCache        CleanCacheProvider
	compiler          CompileProvider
	tester            TestProvider
	runner            RunProvider
	debugger          DebugProvider

	capabilities protocol.BuildServerCapabilities
	gate         *capability.Gate
	targets      *capability.TargetIndex

	session         *session.Session
	client          *protocol.InitializeBuildParams
	clientLock      sync.RWMutex
	maxParallel     int
	shutdownTimeout time.Duration

	changes        *TargetChangeBatcher
	changeInterval time.Duration

	// In-flight build requests
	reporters    map[*TaskReporter]struct{}
	reportersMu  sync.Mutex
	draining     bool
	inflight     sync.WaitGroup
	shutdownOnce sync.Once

	exitCode int
	exited   chan struct{}
	exitOnce sync.Once

	recorder Recorder
	logger   Logger
}

// Logger defines the interface for logging
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// DefaultLogger writes structured text logs to stderr; stdout is reserved
// for the protocol when serving over stdio
type DefaultLogger struct {
	adapter *logging.LegacyAdapter
}

// NewDefaultLogger creates a new default logger
func NewDefaultLogger() *DefaultLogger {
	logger := logging.New(nil, logging.NewTextFormatter()).WithFields(
		logging.String("component", "bsp-server"),
	)
	logger.SetLevel(logging.InfoLevel)
	return &DefaultLogger{adapter: logging.NewLegacyAdapter(logger)}
}

func (l *DefaultLogger) Debug(msg string, args ...interface{}) { l.adapter.Debug(msg, args...) }
func (l *DefaultLogger) Info(msg string, args ...interface{})  { l.adapter.Info(msg, args...) }
func (l *DefaultLogger) Warn(msg string, args ...interface{})  { l.adapter.Warn(msg, args...) }
func (l *DefaultLogger) Error(msg string, args ...interface{}) { l.adapter.Error(msg, args...) }

// WithContext returns a logger tagging entries with the request id and
// originId carried by ctx
func (l *DefaultLogger) WithContext(ctx context.Context) Logger {
	return &DefaultLogger{adapter: l.adapter.ForRequest(ctx)}
}

// loggerFor returns the request scoped logger when the configured logger
// supports one
func (s *Server) loggerFor(ctx context.Context) Logger {
	if l, ok := s.logger.(interface {
		WithContext(ctx context.Context) Logger
	}); ok {
		return l.WithContext(ctx)
	}
	return s.logger
}

// Recorder receives server events for metrics
type Recorder interface {
	TaskStarted(dataKind string)
	TaskFinished(dataKind string, status protocol.StatusCode, duration time.Duration)
	CapabilityRejected(method, capability string)
	DiagnosticsPublished(count int)
	SessionTransition(from, to string)
}

type nopRecorder struct{}

func (nopRecorder) TaskStarted(string)                                      {}
func (nopRecorder) TaskFinished(string, protocol.StatusCode, time.Duration) {}
func (nopRecorder) CapabilityRejected(string, string)                       {}
func (nopRecorder) DiagnosticsPublished(int)                                {}
func (nopRecorder) SessionTransition(string, string)                        {}

// ServerOption defines options for creating a server
type ServerOption func(*Server)

// WithName sets the server display name
func WithName(name string) ServerOption {
	return func(s *Server) {
		s.name = name
	}
}

// WithVersion sets the server version
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithWorkspaceProvider sets the provider of workspace/buildTargets. If it
// also implements SourcesProvider, InverseSourcesProvider or ReloadProvider
// those are installed too unless set explicitly.
func WithWorkspaceProvider(provider WorkspaceProvider) ServerOption {
	return func(s *Server) {
		s.workspace = provider
	}
}

// WithReloadProvider enables workspace/reload
func WithReloadProvider(provider ReloadProvider) ServerOption {
	return func(s *Server) {
		s.reloader = provider
		s.capabilities.CanReload = true
	}
}

// WithSourcesProvider sets the provider of buildTarget/sources
func WithSourcesProvider(provider SourcesProvider) ServerOption {
	return func(s *Server) {
		s.sources = provider
	}
}

// WithInverseSourcesProvider enables textDocument/inverseSources
func WithInverseSourcesProvider(provider InverseSourcesProvider) ServerOption {
	return func(s *Server) {
		s.inverseSources = provider
		s.capabilities.InverseSourcesProvider = true
	}
}

// WithDependencySourcesProvider enables buildTarget/dependencySources
func WithDependencySourcesProvider(provider DependencySourcesProvider) ServerOption {
	return func(s *Server) {
		s.dependencySources = provider
		s.capabilities.DependencySourcesProvider = true
	}
}

// WithDependencyModulesProvider enables buildTarget/dependencyModules
func WithDependencyModulesProvider(provider DependencyModulesProvider) ServerOption {
	return func(s *Server) {
		s.dependencyModules = provider
		s.capabilities.DependencyModulesProvider = true
	}
}

// WithResourcesProvider enables buildTarget/resources
func WithResourcesProvider(provider ResourcesProvider) ServerOption {
	return func(s *Server) {
		s.resources = provider
		s.capabilities.ResourcesProvider = true
	}
}

// WithCleanCacheProvider sets the provider of buildTarget/cleanCache
func WithCleanCacheProvider(provider CleanCacheProvider) ServerOption {
	return func(s *Server) {
		s.cleanCache = provider
	}
}

// languageProvider advertises languages. An empty list is sent as [] and
// serves only targets that declare no language.
func languageProvider(languages []string) *protocol.LanguageProvider {
	return &protocol.LanguageProvider{LanguageIDs: append([]string{}, languages...)}
}

// WithCompileProvider enables buildTarget/compile for targets in languages.
// Without languages only targets declaring no language are compiled.
func WithCompileProvider(provider CompileProvider, languages ...string) ServerOption {
	return func(s *Server) {
		s.compiler = provider
		s.capabilities.CompileProvider = languageProvider(languages)
	}
}

// WithTestProvider enables buildTarget/test for targets in languages
func WithTestProvider(provider TestProvider, languages ...string) ServerOption {
	return func(s *Server) {
		s.tester = provider
		s.capabilities.TestProvider = languageProvider(languages)
	}
}

// WithRunProvider enables buildTarget/run for targets in languages
func WithRunProvider(provider RunProvider, languages ...string) ServerOption {
	return func(s *Server) {
		s.runner = provider
		s.capabilities.RunProvider = languageProvider(languages)
	}
}

// WithDebugProvider enables debugSession/debug for targets in languages
func WithDebugProvider(provider DebugProvider, languages ...string) ServerOption {
	return func(s *Server) {
		s.debugger = provider
		s.capabilities.DebugProvider = languageProvider(languages)
	}
}

// WithBuildTargetChangedProvider advertises buildTarget/didChange
// notifications
func WithBuildTargetChangedProvider(enabled bool) ServerOption {
	return func(s *Server) {
		s.capabilities.BuildTargetChangedProvider = enabled
	}
}

// WithTargetChangeBatching advertises buildTarget/didChange and collects
// target changes, including those found by workspace/reload, into one
// notification per interval. Pending changes are flushed before the
// build/shutdown response.
func WithTargetChangeBatching(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.capabilities.BuildTargetChangedProvider = true
		s.changeInterval = interval
	}
}

// WithMaxParallelTargets bounds how many targets of one request are built
// concurrently
func WithMaxParallelTargets(n int) ServerOption {
	return func(s *Server) {
		s.maxParallel = n
	}
}

// WithShutdownTimeout bounds how long build/shutdown waits for cancelled
// requests to return
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithRecorder installs a metrics recorder
func WithRecorder(recorder Recorder) ServerOption {
	return func(s *Server) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStructuredLogger sets a structured logger
func WithStructuredLogger(logger logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = &DefaultLogger{adapter: logging.NewLegacyAdapter(logger)}
	}
}

// New creates a build server on t and registers its handlers
func New(t transport.Transport, options ...ServerOption) *Server {
	server := &Server{
		transport:       t,
		name:            "go-bsp-server",
		version:         "1.0.0",
		maxParallel:     4,
		shutdownTimeout: 5 * time.Second,
		reporters:       make(map[*TaskReporter]struct{}),
		exitCode:        1,
		exited:          make(chan struct{}),
		recorder:        nopRecorder{},
		logger:          NewDefaultLogger(),
		targets:         capability.NewTargetIndex(),
	}

	for _, option := range options {
		option(server)
	}

	if server.sources == nil {
		if p, ok := server.workspace.(SourcesProvider); ok {
			server.sources = p
		}
	}
	if server.inverseSources == nil {
		if p, ok := server.workspace.(InverseSourcesProvider); ok {
			server.inverseSources = p
			server.capabilities.InverseSourcesProvider = true
		}
	}
	if server.reloader == nil {
		if p, ok := server.workspace.(ReloadProvider); ok {
			server.reloader = p
			server.capabilities.CanReload = true
		}
	}

	if server.changeInterval > 0 && server.capabilities.BuildTargetChangedProvider {
		server.changes = NewTargetChangeBatcher(server, server.logger, server.changeInterval)
	}

	server.gate = capability.NewGate(server.capabilities, server.targets)
	server.session = session.New()
	server.session.OnTransition(func(from, to session.State) {
		server.logger.Debug("Session %s -> %s", from, to)
		server.recorder.SessionTransition(from.String(), to.String())
	})

	// Lifecycle
	server.handle(protocol.MethodBuildInitialize, server.handleInitialize)
	server.handleNotification(protocol.MethodBuildInitialized, server.handleInitialized)
	server.handle(protocol.MethodBuildShutdown, server.handleShutdown)
	server.handleNotification(protocol.MethodBuildExit, server.handleExit)

	// Workspace and target queries
	server.handle(protocol.MethodWorkspaceBuildTargets, server.handleBuildTargets)
	server.handle(protocol.MethodWorkspaceReload, server.handleReload)
	server.handle(protocol.MethodBuildTargetSources, server.handleSources)
	server.handle(protocol.MethodTextDocumentInverseSources, server.handleInverseSources)
	server.handle(protocol.MethodBuildTargetDependencySources, server.handleDependencySources)
	server.handle(protocol.MethodBuildTargetDependencyModules, server.handleDependencyModules)
	server.handle(protocol.MethodBuildTargetResources, server.handleResources)
	server.handle(protocol.MethodBuildTargetCleanCache, server.handleCleanCache)

	// Actions
	server.handle(protocol.MethodBuildTargetCompile, server.handleCompile)
	server.handle(protocol.MethodBuildTargetTest, server.handleTest)
	server.handle(protocol.MethodBuildTargetRun, server.handleRun)
	server.handle(protocol.MethodDebugSession, server.handleDebugSession)
	server.handle(protocol.MethodDebugSessionStart, server.handleDebugSession)

	return server
}

// handle registers a request handler behind session admission and the
// capability gate
func (s *Server) handle(method string, h transport.RequestHandler) {
	s.transport.RegisterRequestHandler(method, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		if err := s.session.AdmitRequest(method); err != nil {
			s.loggerFor(ctx).Warn("Rejected method=%s: %v", method, err)
			return nil, err
		}
		if err := s.gate.Check(method, params); err != nil {
			if rule, ok := capability.Lookup(method); ok {
				s.recorder.CapabilityRejected(method, rule.Capability)
			}
			s.loggerFor(ctx).Warn("Rejected method=%s: %v", method, err)
			return nil, err
		}
		result, err := h(ctx, params)
		switch {
		case err == nil, bsperrors.IsCancelled(err):
		case bsperrors.IsClientFault(err):
			s.loggerFor(ctx).Debug("Refused method=%s: %v", method, err)
		default:
			s.loggerFor(ctx).Error("Failed method=%s: %v", method, err)
		}
		return result, err
	})
}

// handleNotification registers a notification handler behind session
// admission. Inadmissible notifications are logged and dropped.
func (s *Server) handleNotification(method string, h transport.NotificationHandler) {
	s.transport.RegisterNotificationHandler(method, func(ctx context.Context, params json.RawMessage) error {
		if err := s.session.AdmitNotification(method); err != nil {
			s.logger.Warn("Dropped notification %s: %v", method, err)
			return nil
		}
		return h(ctx, params)
	})
}

// Start initializes the transport and serves until the connection ends or
// the client sends build/exit
func (s *Server) Start(ctx context.Context) error {
	if err := s.transport.Initialize(ctx); err != nil {
		return bsperrors.TransportError("server", "initialization", err).
			WithContext(&bsperrors.Context{
				Component: "Server",
				Operation: "Start",
				Timestamp: time.Now(),
			}).
			WithDetail(fmt.Sprintf("Transport type: %T", s.transport))
	}

	s.logger.Info("Server %s %s starting", s.name, s.version)
	if s.changes != nil {
		s.changes.Start(ctx)
		defer s.changes.Stop()
	}
	err := s.transport.Start(ctx)

	// the connection is gone; nothing can be reported anymore
	s.reportersMu.Lock()
	s.draining = true
	for r := range s.reporters {
		r.cancel()
	}
	s.reportersMu.Unlock()
	s.inflight.Wait()

	if s.session.State() != session.Exited {
		s.logger.Warn("Connection closed in state %s", s.session.State())
	}
	return err
}

// Stop closes the connection without the shutdown handshake
func (s *Server) Stop() error {
	return s.transport.Stop(context.Background())
}

// Done is closed once the client sent build/exit
func (s *Server) Done() <-chan struct{} {
	return s.exited
}

// ExitCode is 0 after a clean shutdown followed by exit, 1 otherwise
func (s *Server) ExitCode() int {
	s.reportersMu.Lock()
	defer s.reportersMu.Unlock()
	return s.exitCode
}

// State returns the session state
func (s *Server) State() session.State {
	return s.session.State()
}

// Capabilities returns the capabilities advertised in the initialize result
func (s *Server) Capabilities() protocol.BuildServerCapabilities {
	return s.capabilities
}

// ClientInfo returns the client's initialize parameters, or nil before
// initialize
func (s *Server) ClientInfo() *protocol.InitializeBuildParams {
	s.clientLock.RLock()
	defer s.clientLock.RUnlock()
	return s.client
}

func (s *Server) notify(method string, params interface{}) error {
	return s.notifyContext(context.Background(), method, params)
}

func (s *Server) notifyContext(ctx context.Context, method string, params interface{}) error {
	if err := s.transport.SendNotification(ctx, method, params); err != nil {
		s.logger.Debug("Failed to send %s: %v", method, err)
		return err
	}
	return nil
}

// createRequestContext creates error context for request handling
func (s *Server) createRequestContext(ctx context.Context, method string) *bsperrors.Context {
	return &bsperrors.Context{
		RequestID: logging.RequestIDFromContext(ctx),
		Method:    method,
		OriginID:  logging.OriginIDFromContext(ctx),
		State:     s.session.State().String(),
		Component: "Server",
		Operation: method,
		Timestamp: time.Now(),
	}
}

// decodeParams parses request parameters with structured errors
func (s *Server) decodeParams(ctx context.Context, params json.RawMessage, target interface{}, method string) error {
	if len(params) == 0 || string(params) == "null" {
		return bsperrors.MissingParameter("params").WithContext(s.createRequestContext(ctx, method))
	}
	if err := json.Unmarshal(params, target); err != nil {
		return bsperrors.InvalidParameter("params", string(params), fmt.Sprintf("%T", target)).
			WithContext(s.createRequestContext(ctx, method)).
			WithDetail(err.Error())
	}
	return nil
}

// requireProvider checks if a provider is configured and returns structured error
func (s *Server) requireProvider(ctx context.Context, providerType string, configured bool, method string) error {
	if !configured {
		return bsperrors.ProviderNotConfigured(providerType).
			WithContext(s.createRequestContext(ctx, method))
	}
	return nil
}

// Lifecycle handlers

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.session.BeginInitialize(); err != nil {
		return nil, bsperrors.OutOfOrder(protocol.MethodBuildInitialize, s.session.State().String())
	}

	var initParams protocol.InitializeBuildParams
	if err := s.decodeParams(ctx, params, &initParams, protocol.MethodBuildInitialize); err != nil {
		s.session.InitializeFailed()
		return nil, err
	}
	if s.workspace == nil {
		s.session.InitializeFailed()
		return nil, bsperrors.ProviderNotConfigured("workspace").
			WithContext(s.createRequestContext(ctx, protocol.MethodBuildInitialize))
	}

	s.logger.Info("Initializing connection with client: %s %s (bsp %s)",
		initParams.DisplayName, initParams.Version, initParams.BspVersion)
	if initParams.BspVersion != "" && initParams.BspVersion != protocol.Version {
		s.logger.Warn("Client speaks bsp %s, server %s", initParams.BspVersion, protocol.Version)
	}

	s.clientLock.Lock()
	s.client = &initParams
	s.clientLock.Unlock()

	if err := s.refreshTargets(ctx); err != nil {
		s.logger.Warn("Initial target load failed: %v", err)
	}

	result := &protocol.InitializeBuildResult{
		DisplayName:  s.name,
		Version:      s.version,
		BspVersion:   protocol.Version,
		Capabilities: s.capabilities,
	}

	if err := s.session.InitializeSucceeded(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleInitialized(ctx context.Context, params json.RawMessage) error {
	if err := s.session.MarkInitialized(); err != nil {
		s.logger.Warn("Ignoring build/initialized: %v", err)
		return nil
	}
	s.logger.Info("Connection initialized")
	return nil
}

func (s *Server) handleShutdown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.changes != nil && s.session.State() == session.Initialized {
		s.changes.Stop()
	}
	if err := s.session.BeginShutdown(); err != nil {
		return nil, bsperrors.OutOfOrder(protocol.MethodBuildShutdown, s.session.State().String())
	}
	s.shutdownOnce.Do(s.drain)
	return nil, nil
}

// drain cancels every in-flight build request, finishes its open tasks as
// cancelled and waits for the handlers to return
func (s *Server) drain() {
	s.reportersMu.Lock()
	s.draining = true
	reporters := make([]*TaskReporter, 0, len(s.reporters))
	for r := range s.reporters {
		reporters = append(reporters, r)
	}
	s.reportersMu.Unlock()

	for _, r := range reporters {
		r.cancel()
		if n := r.Close(protocol.StatusCancelled, "Cancelled by shutdown"); n > 0 {
			s.logger.Info("Shutdown cancelled %d open tasks originId=%s", n, r.originID)
		}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Shutdown timed out after %v waiting for %d requests", s.shutdownTimeout, len(reporters))
	}
}

func (s *Server) handleExit(ctx context.Context, params json.RawMessage) error {
	clean := s.session.Exit()

	s.reportersMu.Lock()
	if clean {
		s.exitCode = 0
	} else {
		s.exitCode = 1
	}
	s.reportersMu.Unlock()

	if !clean {
		s.logger.Warn("%v", bsperrors.ProtocolViolation("build/exit received before build/shutdown"))
	}
	s.exitOnce.Do(func() { close(s.exited) })
	return s.transport.Stop(ctx)
}

// beginRequest registers a build request so shutdown can cancel it. It
// fails once shutdown has started.
func (s *Server) beginRequest(ctx context.Context, method, originID string) (context.Context, *TaskReporter, error) {
	ctx, cancel := context.WithCancel(ctx)
	if originID != "" {
		ctx = logging.ContextWithOriginID(ctx, originID)
	}
	r := newTaskReporter(ctx, s, originID, cancel)

	s.reportersMu.Lock()
	defer s.reportersMu.Unlock()
	if s.draining {
		cancel()
		return nil, nil, bsperrors.OutOfOrder(method, s.session.State().String())
	}
	s.reporters[r] = struct{}{}
	s.inflight.Add(1)
	return ctx, r, nil
}

func (s *Server) endRequest(r *TaskReporter) {
	s.reportersMu.Lock()
	delete(s.reporters, r)
	s.reportersMu.Unlock()
	r.cancel()
	s.inflight.Done()
}
