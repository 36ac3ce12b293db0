package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/capability"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/diagnostics"
	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/session"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/tasktree"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/transport"
)

// Logger defines the interface for logging
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Handlers are called for server notifications after the client has applied
// them to its task tree and diagnostics store. Any of them may be nil. They
// run on the transport's read loop and must not block.
type Handlers struct {
	TaskStart      func(protocol.TaskStartParams)
	TaskProgress   func(protocol.TaskProgressParams)
	TaskFinish     func(protocol.TaskFinishParams)
	Diagnostics    func(protocol.PublishDiagnosticsParams)
	LogMessage     func(protocol.LogMessageParams)
	ShowMessage    func(protocol.ShowMessageParams)
	TargetsChanged func([]protocol.BuildTargetEvent)
}

// Client is a build client bound to one connection
type Client struct {
	transport transport.Transport
	name      string
	version   string
	rootURI   protocol.URI
	languages []string
	dataKind  string
	data      interface{}

	session *session.Session
	targets *capability.TargetIndex

	mu     sync.RWMutex
	gate   *capability.Gate
	server *protocol.InitializeBuildResult

	tasks       *tasktree.Tree
	diagnostics *diagnostics.Store
	handlers    Handlers

	shutdownTimeout time.Duration
	newOriginID     func() string

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	runErr    error

	logger Logger
}

// Option configures a client
type Option func(*Client)

// WithName sets the client display name
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
	}
}

// WithVersion sets the client version
func WithVersion(version string) Option {
	return func(c *Client) {
		c.version = version
	}
}

// WithRootURI sets the workspace root sent in build/initialize
func WithRootURI(uri protocol.URI) Option {
	return func(c *Client) {
		c.rootURI = uri
	}
}

// WithLanguageIDs declares the languages the client supports. The server
// only returns targets in these languages; none means no filter.
func WithLanguageIDs(languages ...string) Option {
	return func(c *Client) {
		c.languages = append([]string(nil), languages...)
	}
}

// WithInitializeData attaches a build-tool specific payload to
// build/initialize
func WithInitializeData(dataKind string, data interface{}) Option {
	return func(c *Client) {
		c.dataKind = dataKind
		c.data = data
	}
}

// WithHandlers installs notification callbacks
func WithHandlers(h Handlers) Option {
	return func(c *Client) {
		c.handlers = h
	}
}

// WithShutdownTimeout bounds the shutdown request sent by Close
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.shutdownTimeout = d
	}
}

// WithOriginIDGenerator replaces the UUID generator used for requests sent
// without an originId
func WithOriginIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if gen != nil {
			c.newOriginID = gen
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithStructuredLogger sets a structured logger
func WithStructuredLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewLegacyAdapter(logger)
	}
}

// New creates a build client on t
func New(t transport.Transport, options ...Option) *Client {
	structured := logging.New(nil, logging.NewTextFormatter()).WithFields(
		logging.String("component", "bsp-client"),
	)

	c := &Client{
		transport:       t,
		name:            "go-bsp-client",
		version:         "1.0.0",
		session:         session.New(),
		targets:         capability.NewTargetIndex(),
		tasks:           tasktree.New(),
		diagnostics:     diagnostics.NewStore(),
		shutdownTimeout: 5 * time.Second,
		newOriginID:     uuid.NewString,
		done:            make(chan struct{}),
		logger:          logging.NewLegacyAdapter(structured),
	}
	for _, option := range options {
		option(c)
	}

	t.RegisterNotificationHandler(protocol.MethodBuildTaskStart, c.handleTaskStart)
	t.RegisterNotificationHandler(protocol.MethodBuildTaskProgress, c.handleTaskProgress)
	t.RegisterNotificationHandler(protocol.MethodBuildTaskFinish, c.handleTaskFinish)
	t.RegisterNotificationHandler(protocol.MethodBuildPublishDiagnostics, c.handlePublishDiagnostics)
	t.RegisterNotificationHandler(protocol.MethodBuildLogMessage, c.handleLogMessage)
	t.RegisterNotificationHandler(protocol.MethodBuildShowMessage, c.handleShowMessage)
	t.RegisterNotificationHandler(protocol.MethodBuildTargetDidChange, c.handleDidChange)

	return c
}

// Start initializes the transport and runs its read loop in the background
// until the connection closes. It returns once the loop is running.
func (c *Client) Start(ctx context.Context) error {
	if err := c.transport.Initialize(ctx); err != nil {
		return fmt.Errorf("transport initialization failed: %w", err)
	}

	c.startOnce.Do(func() {
		go func() {
			err := c.transport.Start(ctx)
			// tasks still open when the connection ends have an unknown outcome
			if open := c.tasks.Terminate(); len(open) > 0 {
				c.logger.Warn("Connection closed with %d open tasks", len(open))
			}
			c.runErr = err
			close(c.done)
		}()
	})
	return nil
}

// Done is closed when the connection has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error the read loop ended with, once Done is closed
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.runErr
	default:
		return nil
	}
}

// Connect starts the transport and performs the handshake
func (c *Client) Connect(ctx context.Context) (*protocol.InitializeBuildResult, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c.Initialize(ctx)
}

// Initialize sends build/initialize and, once answered, build/initialized.
// The server's capabilities are fixed for the rest of the session.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeBuildResult, error) {
	if err := c.session.BeginInitialize(); err != nil {
		return nil, bsperrors.OutOfOrder(protocol.MethodBuildInitialize, c.session.State().String())
	}

	params := &protocol.InitializeBuildParams{
		DisplayName: c.name,
		Version:     c.version,
		BspVersion:  protocol.Version,
		RootURI:     c.rootURI,
		Capabilities: protocol.BuildClientCapabilities{
			LanguageIDs: c.languages,
		},
	}
	if params.Capabilities.LanguageIDs == nil {
		params.Capabilities.LanguageIDs = []string{}
	}
	if c.data != nil {
		kind, raw, err := protocol.EncodeData(c.dataKind, c.data)
		if err != nil {
			c.session.InitializeFailed()
			return nil, err
		}
		params.DataKind, params.Data = kind, raw
	}

	c.logger.Debug("Sending initialize as %s %s", c.name, c.version)
	raw, err := c.transport.SendRequest(ctx, protocol.MethodBuildInitialize, params)
	if err != nil {
		c.session.InitializeFailed()
		return nil, fmt.Errorf("initialize request failed: %w", err)
	}

	var result protocol.InitializeBuildResult
	if err := parseResult(raw, &result); err != nil {
		c.session.InitializeFailed()
		return nil, fmt.Errorf("failed to parse initialize result: %w", err)
	}
	if result.BspVersion != "" && result.BspVersion != protocol.Version {
		c.logger.Warn("Server speaks bsp %s, client %s", result.BspVersion, protocol.Version)
	}

	c.mu.Lock()
	c.server = &result
	c.gate = capability.NewGate(result.Capabilities, c.targets)
	c.mu.Unlock()

	if err := c.session.InitializeSucceeded(); err != nil {
		return nil, err
	}
	if err := c.transport.SendNotification(ctx, protocol.MethodBuildInitialized, &protocol.InitializedBuildParams{}); err != nil {
		return nil, fmt.Errorf("failed to send initialized notification: %w", err)
	}
	if err := c.session.MarkInitialized(); err != nil {
		return nil, err
	}

	c.logger.Info("Connected to %s %s (bsp %s)", result.DisplayName, result.Version, result.BspVersion)
	return &result, nil
}

// Shutdown sends build/shutdown. The server finishes its open tasks before
// answering.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.session.BeginShutdown(); err != nil {
		return bsperrors.OutOfOrder(protocol.MethodBuildShutdown, c.session.State().String())
	}
	if _, err := c.transport.SendRequest(ctx, protocol.MethodBuildShutdown, nil); err != nil {
		return fmt.Errorf("shutdown request failed: %w", err)
	}
	return nil
}

// Exit sends build/exit and closes the connection. Exit without a preceding
// Shutdown is allowed but makes the server exit with a failure code.
func (c *Client) Exit(ctx context.Context) error {
	if !c.session.Exit() {
		c.logger.Warn("Exit sent without shutdown")
	}
	err := c.transport.SendNotification(ctx, protocol.MethodBuildExit, nil)
	if stopErr := c.transport.Stop(ctx); err == nil {
		err = stopErr
	}
	c.tasks.Terminate()
	return err
}

// Close ends the session politely when possible: shutdown followed by exit
// for an initialized session, a plain disconnect otherwise
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
		defer cancel()

		switch c.session.State() {
		case session.Initialized:
			if shutdownErr := c.Shutdown(ctx); shutdownErr != nil {
				c.logger.Warn("Shutdown failed: %v", shutdownErr)
			}
			err = c.Exit(ctx)
		case session.ShuttingDown:
			err = c.Exit(ctx)
		default:
			err = c.transport.Stop(ctx)
			c.tasks.Terminate()
		}
	})
	return err
}

// State returns the client's view of the session state
func (c *Client) State() session.State {
	return c.session.State()
}

// ServerInfo returns the initialize result, or nil before the handshake
func (c *Client) ServerInfo() *protocol.InitializeBuildResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Capabilities returns the server's capabilities
func (c *Client) Capabilities() protocol.BuildServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.server == nil {
		return protocol.BuildServerCapabilities{}
	}
	return c.server.Capabilities
}

// Supports reports whether the server advertised the capability method
// needs
func (c *Client) Supports(method string) bool {
	c.mu.RLock()
	gate := c.gate
	c.mu.RUnlock()
	if gate == nil {
		return false
	}
	return gate.Supports(method)
}

// Tasks returns the task tree built from the server's task notifications
func (c *Client) Tasks() *tasktree.Tree {
	return c.tasks
}

// Diagnostics returns the diagnostics published by the server
func (c *Client) Diagnostics() *diagnostics.Store {
	return c.diagnostics
}

// Targets returns the targets of the last workspace/buildTargets answer
func (c *Client) Targets() []protocol.BuildTarget {
	return c.targets.All()
}

// admit checks that the session is initialized and that the server
// advertised what method needs for targets
func (c *Client) admit(method string, targets []protocol.BuildTargetIdentifier) error {
	if err := c.session.AdmitRequest(method); err != nil {
		return err
	}
	c.mu.RLock()
	gate := c.gate
	c.mu.RUnlock()
	if gate == nil {
		return bsperrors.ServerNotInitialized(method, c.session.State().String())
	}
	return gate.CheckTargets(method, targets)
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := c.transport.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := parseResult(raw, result); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

// originID returns id, or a fresh one when id is empty
func (c *Client) originID(id string) string {
	if id != "" {
		return id
	}
	return c.newOriginID()
}

// Workspace and target queries

// BuildTargets lists the workspace's targets and caches them for the
// language checks of later requests
func (c *Client) BuildTargets(ctx context.Context) ([]protocol.BuildTarget, error) {
	if err := c.admit(protocol.MethodWorkspaceBuildTargets, nil); err != nil {
		return nil, err
	}
	var result protocol.WorkspaceBuildTargetsResult
	if err := c.call(ctx, protocol.MethodWorkspaceBuildTargets, nil, &result); err != nil {
		return nil, fmt.Errorf("build targets request failed: %w", err)
	}
	c.targets.Replace(result.Targets)
	return result.Targets, nil
}

// Reload asks the server to re-read its build definition
func (c *Client) Reload(ctx context.Context) error {
	if err := c.admit(protocol.MethodWorkspaceReload, nil); err != nil {
		return err
	}
	if err := c.call(ctx, protocol.MethodWorkspaceReload, nil, nil); err != nil {
		return fmt.Errorf("reload request failed: %w", err)
	}
	return nil
}

// Sources returns the sources of targets
func (c *Client) Sources(ctx context.Context, targets ...protocol.BuildTargetIdentifier) ([]protocol.SourcesItem, error) {
	if err := c.admit(protocol.MethodBuildTargetSources, targets); err != nil {
		return nil, err
	}
	var result protocol.SourcesResult
	if err := c.call(ctx, protocol.MethodBuildTargetSources, &protocol.SourcesParams{Targets: nonNil(targets)}, &result); err != nil {
		return nil, fmt.Errorf("sources request failed: %w", err)
	}
	return result.Items, nil
}

// InverseSources returns the targets a document belongs to
func (c *Client) InverseSources(ctx context.Context, document protocol.URI) ([]protocol.BuildTargetIdentifier, error) {
	if err := c.admit(protocol.MethodTextDocumentInverseSources, nil); err != nil {
		return nil, err
	}
	var result protocol.InverseSourcesResult
	params := &protocol.InverseSourcesParams{TextDocument: protocol.TextDocumentIdentifier{URI: document}}
	if err := c.call(ctx, protocol.MethodTextDocumentInverseSources, params, &result); err != nil {
		return nil, fmt.Errorf("inverse sources request failed: %w", err)
	}
	return result.Targets, nil
}

// DependencySources returns the sources of the targets' dependencies
func (c *Client) DependencySources(ctx context.Context, targets ...protocol.BuildTargetIdentifier) ([]protocol.DependencySourcesItem, error) {
	if err := c.admit(protocol.MethodBuildTargetDependencySources, targets); err != nil {
		return nil, err
	}
	var result protocol.DependencySourcesResult
	if err := c.call(ctx, protocol.MethodBuildTargetDependencySources, &protocol.DependencySourcesParams{Targets: nonNil(targets)}, &result); err != nil {
		return nil, fmt.Errorf("dependency sources request failed: %w", err)
	}
	return result.Items, nil
}

// DependencyModules returns the modules the targets depend on
func (c *Client) DependencyModules(ctx context.Context, targets ...protocol.BuildTargetIdentifier) ([]protocol.DependencyModulesItem, error) {
	if err := c.admit(protocol.MethodBuildTargetDependencyModules, targets); err != nil {
		return nil, err
	}
	var result protocol.DependencyModulesResult
	if err := c.call(ctx, protocol.MethodBuildTargetDependencyModules, &protocol.DependencyModulesParams{Targets: nonNil(targets)}, &result); err != nil {
		return nil, fmt.Errorf("dependency modules request failed: %w", err)
	}
	return result.Items, nil
}

// Resources returns the resources of targets
func (c *Client) Resources(ctx context.Context, targets ...protocol.BuildTargetIdentifier) ([]protocol.ResourcesItem, error) {
	if err := c.admit(protocol.MethodBuildTargetResources, targets); err != nil {
		return nil, err
	}
	var result protocol.ResourcesResult
	if err := c.call(ctx, protocol.MethodBuildTargetResources, &protocol.ResourcesParams{Targets: nonNil(targets)}, &result); err != nil {
		return nil, fmt.Errorf("resources request failed: %w", err)
	}
	return result.Items, nil
}

// CleanCache asks the server to drop cached outputs of targets
func (c *Client) CleanCache(ctx context.Context, targets ...protocol.BuildTargetIdentifier) (*protocol.CleanCacheResult, error) {
	if err := c.admit(protocol.MethodBuildTargetCleanCache, targets); err != nil {
		return nil, err
	}
	var result protocol.CleanCacheResult
	if err := c.call(ctx, protocol.MethodBuildTargetCleanCache, &protocol.CleanCacheParams{Targets: nonNil(targets)}, &result); err != nil {
		return nil, fmt.Errorf("clean cache request failed: %w", err)
	}
	return &result, nil
}

// Actions

// Compile compiles targets. An empty OriginID is filled in; the result and
// every notification the request causes carry it. Cancelling ctx cancels
// the request, which then resolves with StatusCancelled.
func (c *Client) Compile(ctx context.Context, params protocol.CompileParams) (*protocol.CompileResult, error) {
	params.OriginID = c.originID(params.OriginID)
	params.Targets = nonNil(params.Targets)
	if err := c.admit(protocol.MethodBuildTargetCompile, params.Targets); err != nil {
		return nil, err
	}

	var result protocol.CompileResult
	err := c.call(ctx, protocol.MethodBuildTargetCompile, &params, &result)
	if err != nil {
		if bsperrors.IsCancelled(err) {
			return &protocol.CompileResult{OriginID: params.OriginID, StatusCode: protocol.StatusCancelled}, nil
		}
		return nil, fmt.Errorf("compile request failed: %w", err)
	}
	return &result, nil
}

// Test runs the tests of targets; see Compile for originId and cancellation
func (c *Client) Test(ctx context.Context, params protocol.TestParams) (*protocol.TestResult, error) {
	params.OriginID = c.originID(params.OriginID)
	params.Targets = nonNil(params.Targets)
	if err := c.admit(protocol.MethodBuildTargetTest, params.Targets); err != nil {
		return nil, err
	}

	var result protocol.TestResult
	err := c.call(ctx, protocol.MethodBuildTargetTest, &params, &result)
	if err != nil {
		if bsperrors.IsCancelled(err) {
			return &protocol.TestResult{OriginID: params.OriginID, StatusCode: protocol.StatusCancelled}, nil
		}
		return nil, fmt.Errorf("test request failed: %w", err)
	}
	return &result, nil
}

// Run runs one target; see Compile for originId and cancellation
func (c *Client) Run(ctx context.Context, params protocol.RunParams) (*protocol.RunResult, error) {
	params.OriginID = c.originID(params.OriginID)
	if err := c.admit(protocol.MethodBuildTargetRun, []protocol.BuildTargetIdentifier{params.Target}); err != nil {
		return nil, err
	}

	var result protocol.RunResult
	err := c.call(ctx, protocol.MethodBuildTargetRun, &params, &result)
	if err != nil {
		if bsperrors.IsCancelled(err) {
			return &protocol.RunResult{OriginID: params.OriginID, StatusCode: protocol.StatusCancelled}, nil
		}
		return nil, fmt.Errorf("run request failed: %w", err)
	}
	return &result, nil
}

// StartDebugSession asks the server for a debug adapter for targets
func (c *Client) StartDebugSession(ctx context.Context, params protocol.DebugSessionParams) (*protocol.DebugSessionAddress, error) {
	params.Targets = nonNil(params.Targets)
	if err := c.admit(protocol.MethodDebugSession, params.Targets); err != nil {
		return nil, err
	}

	var result protocol.DebugSessionAddress
	if err := c.call(ctx, protocol.MethodDebugSession, &params, &result); err != nil {
		return nil, fmt.Errorf("debug session request failed: %w", err)
	}
	return &result, nil
}

// Notification handlers

func (c *Client) handleTaskStart(ctx context.Context, params json.RawMessage) error {
	var p protocol.TaskStartParams
	if err := parseParams(params, &p); err != nil {
		return err
	}
	c.logTaskError(protocol.MethodBuildTaskStart, c.tasks.Start(p))
	if c.handlers.TaskStart != nil {
		c.handlers.TaskStart(p)
	}
	return nil
}

func (c *Client) handleTaskProgress(ctx context.Context, params json.RawMessage) error {
	var p protocol.TaskProgressParams
	if err := parseParams(params, &p); err != nil {
		return err
	}
	c.logTaskError(protocol.MethodBuildTaskProgress, c.tasks.Progress(p))
	if c.handlers.TaskProgress != nil {
		c.handlers.TaskProgress(p)
	}
	return nil
}

func (c *Client) handleTaskFinish(ctx context.Context, params json.RawMessage) error {
	var p protocol.TaskFinishParams
	if err := parseParams(params, &p); err != nil {
		return err
	}
	c.logTaskError(protocol.MethodBuildTaskFinish, c.tasks.Finish(p))
	if c.handlers.TaskFinish != nil {
		c.handlers.TaskFinish(p)
	}
	return nil
}

// logTaskError reports a malformed task event. The tree has attached what
// it could, so the session carries on.
func (c *Client) logTaskError(method string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, tasktree.ErrTerminated) {
		c.logger.Debug("Ignoring %s after disconnect: %v", method, err)
		return
	}
	c.logger.Warn("Malformed %s: %v", method, err)
}

func (c *Client) handlePublishDiagnostics(ctx context.Context, params json.RawMessage) error {
	var p protocol.PublishDiagnosticsParams
	if err := parseParams(params, &p); err != nil {
		return err
	}
	c.diagnostics.Apply(p)
	if c.handlers.Diagnostics != nil {
		c.handlers.Diagnostics(p)
	}
	return nil
}

func (c *Client) handleLogMessage(ctx context.Context, params json.RawMessage) error {
	var p protocol.LogMessageParams
	if err := parseParams(params, &p); err != nil {
		return err
	}
	c.logger.Debug("[server %s] %s", p.Type, p.Message)
	if c.handlers.LogMessage != nil {
		c.handlers.LogMessage(p)
	}
	return nil
}

func (c *Client) handleShowMessage(ctx context.Context, params json.RawMessage) error {
	var p protocol.ShowMessageParams
	if err := parseParams(params, &p); err != nil {
		return err
	}
	if c.handlers.ShowMessage != nil {
		c.handlers.ShowMessage(p)
	}
	return nil
}

func (c *Client) handleDidChange(ctx context.Context, params json.RawMessage) error {
	var p protocol.DidChangeBuildTarget
	if err := parseParams(params, &p); err != nil {
		return err
	}
	for _, change := range p.Changes {
		if change.Kind == protocol.BuildTargetDeleted {
			c.diagnostics.ClearTarget(change.Target.URI)
		}
	}
	if c.handlers.TargetsChanged != nil {
		c.handlers.TargetsChanged(p.Changes)
	}
	return nil
}

// Utility functions

func parseResult(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return errors.New("empty result")
	}
	return json.Unmarshal(raw, target)
}

func parseParams(params json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(params, target); err != nil {
		return bsperrors.InvalidParameter("params", string(params), fmt.Sprintf("%T", target)).WithDetail(err.Error())
	}
	return nil
}

func nonNil(targets []protocol.BuildTargetIdentifier) []protocol.BuildTargetIdentifier {
	if targets == nil {
		return []protocol.BuildTargetIdentifier{}
	}
	return targets
}
