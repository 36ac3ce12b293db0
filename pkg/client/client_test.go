package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/diagnostics"
	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/server"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/session"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/tasktree"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/transport"
)

var (
	appTarget = protocol.BuildTarget{
		ID:           protocol.BuildTargetIdentifier{URI: "file:///ws/app"},
		DisplayName:  "app",
		Tags:         []string{protocol.TagApplication},
		Capabilities: protocol.BuildTargetCapabilities{CanCompile: true, CanTest: true, CanRun: true},
		LanguageIDs:  []string{"scala"},
	}
	toolsTarget = protocol.BuildTarget{
		ID:           protocol.BuildTargetIdentifier{URI: "file:///ws/tools"},
		DisplayName:  "tools",
		Tags:         []string{protocol.TagLibrary},
		Capabilities: protocol.BuildTargetCapabilities{CanCompile: true},
		LanguageIDs:  []string{"go"},
	}
)

func testTransportConfig(grace time.Duration) transport.TransportConfig {
	config := transport.DefaultTransportConfig(transport.TransportTypePipe)
	config.Features.EnableReliability = false
	config.Features.EnableObservability = false
	config.Performance.CancelGracePeriod = grace
	return config
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newServerPair connects a client to a server over an in-memory pipe. The
// client is started, not initialized.
func newServerPair(t *testing.T, serverOpts []server.ServerOption, clientOpts ...Option) (*Client, *server.Server) {
	t.Helper()

	clientT, serverT, err := transport.NewPipe(testTransportConfig(time.Second))
	require.NoError(t, err)

	serverOpts = append([]server.ServerOption{server.WithStructuredLogger(logging.NewNop())}, serverOpts...)
	srv := server.New(serverT, serverOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Start(ctx)
	}()

	clientOpts = append([]Option{WithStructuredLogger(logging.NewNop()), WithRootURI("file:///ws")}, clientOpts...)
	c := New(clientT, clientOpts...)
	require.NoError(t, c.Start(ctx))

	t.Cleanup(func() {
		_ = c.Close()
		_ = srv.Stop()
		cancel()
		<-c.Done()
		<-served
	})
	return c, srv
}

// rawPeer is a hand-driven server end for exercising the client against
// traffic a well-behaved server never produces
type rawPeer struct {
	transport.Transport
	shutdowns atomic.Int32
	exits     atomic.Int32
}

func newRawPair(t *testing.T, grace time.Duration, caps protocol.BuildServerCapabilities, clientOpts ...Option) (*Client, *rawPeer) {
	t.Helper()

	clientT, serverT, err := transport.NewPipe(testTransportConfig(grace))
	require.NoError(t, err)

	peer := &rawPeer{Transport: serverT}
	serverT.RegisterRequestHandler(protocol.MethodBuildInitialize, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return &protocol.InitializeBuildResult{
			DisplayName:  "raw",
			Version:      "0.0.1",
			BspVersion:   protocol.Version,
			Capabilities: caps,
		}, nil
	})
	serverT.RegisterNotificationHandler(protocol.MethodBuildInitialized, func(ctx context.Context, params json.RawMessage) error {
		return nil
	})
	serverT.RegisterRequestHandler(protocol.MethodBuildShutdown, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		peer.shutdowns.Add(1)
		return nil, nil
	})
	serverT.RegisterNotificationHandler(protocol.MethodBuildExit, func(ctx context.Context, params json.RawMessage) error {
		peer.exits.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = serverT.Start(ctx)
	}()

	clientOpts = append([]Option{WithStructuredLogger(logging.NewNop())}, clientOpts...)
	c := New(clientT, clientOpts...)
	require.NoError(t, c.Start(ctx))

	t.Cleanup(func() {
		_ = c.Close()
		_ = serverT.Stop(context.Background())
		cancel()
		<-c.Done()
		<-served
	})
	return c, peer
}

func (p *rawPeer) send(t *testing.T, method string, params interface{}) {
	t.Helper()
	require.NoError(t, p.SendNotification(context.Background(), method, params))
}

// errCode extracts the code of a locally raised or remote error
func errCode(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	if bspErr, ok := bsperrors.AsBSPError(err); ok {
		return bspErr.Code()
	}
	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr), "expected a coded error, got %v", err)
	return int(rpcErr.Code)
}

func warning(line int, message string) protocol.Diagnostic {
	return protocol.Diagnostic{
		Range:    protocol.Range{Start: protocol.Position{Line: line}, End: protocol.Position{Line: line, Character: 10}},
		Severity: protocol.SeverityWarning,
		Message:  message,
	}
}

func okCompile(ctx context.Context, task *server.Task, args []string) (protocol.StatusCode, error) {
	return protocol.StatusOK, nil
}

func TestConnect(t *testing.T) {
	c, srv := newServerPair(t, []server.ServerOption{
		server.WithName("test-server"),
		server.WithVersion("1.2.3"),
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
		server.WithCompileProvider(server.CompileFunc(okCompile), "scala"),
	}, WithName("ide"), WithLanguageIDs("scala"))

	assert.Nil(t, c.ServerInfo())
	assert.False(t, c.Supports(protocol.MethodBuildTargetCompile))

	result, err := c.Initialize(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "test-server", result.DisplayName)
	assert.Equal(t, "1.2.3", result.Version)
	assert.Equal(t, protocol.Version, result.BspVersion)

	assert.Equal(t, session.Initialized, c.State())
	assert.Equal(t, result, c.ServerInfo())
	assert.True(t, c.Supports(protocol.MethodBuildTargetCompile))
	assert.False(t, c.Supports(protocol.MethodBuildTargetRun))
	require.NotNil(t, c.Capabilities().CompileProvider)

	require.Eventually(t, func() bool {
		return srv.State() == session.Initialized
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, srv.ClientInfo())
	assert.Equal(t, "ide", srv.ClientInfo().DisplayName)
	assert.Equal(t, []string{"scala"}, srv.ClientInfo().Capabilities.LanguageIDs)
	assert.Equal(t, protocol.URI("file:///ws"), srv.ClientInfo().RootURI)
}

func TestRequestsRefusedBeforeInitialize(t *testing.T) {
	c, _ := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
	})

	_, err := c.BuildTargets(testContext(t))
	assert.Equal(t, bsperrors.CodeServerNotInitialized, errCode(t, err))

	_, err = c.Compile(testContext(t), protocol.CompileParams{Targets: []protocol.BuildTargetIdentifier{appTarget.ID}})
	assert.Equal(t, bsperrors.CodeServerNotInitialized, errCode(t, err))

	assert.Error(t, c.Shutdown(testContext(t)))
	assert.Equal(t, session.Uninitialized, c.State())
}

func TestInitializeTwice(t *testing.T) {
	c, _ := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
	})

	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	_, err = c.Initialize(testContext(t))
	assert.Equal(t, bsperrors.CodeInvalidRequest, errCode(t, err))
	assert.Equal(t, session.Initialized, c.State())
}

func TestInitializeFailureAllowsRetry(t *testing.T) {
	clientT, serverT, err := transport.NewPipe(testTransportConfig(time.Second))
	require.NoError(t, err)

	var attempts atomic.Int32
	serverT.RegisterRequestHandler(protocol.MethodBuildInitialize, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		if attempts.Add(1) == 1 {
			return nil, bsperrors.MissingParameter("rootUri")
		}
		return &protocol.InitializeBuildResult{DisplayName: "raw", BspVersion: protocol.Version}, nil
	})
	serverT.RegisterNotificationHandler(protocol.MethodBuildInitialized, func(ctx context.Context, params json.RawMessage) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = serverT.Start(ctx) }()
	defer func() { _ = serverT.Stop(context.Background()) }()

	c := New(clientT, WithStructuredLogger(logging.NewNop()))
	require.NoError(t, c.Start(ctx))
	defer func() { _ = c.Close() }()

	_, err = c.Initialize(testContext(t))
	assert.Equal(t, bsperrors.CodeInvalidParams, errCode(t, err))
	assert.Equal(t, session.Uninitialized, c.State())

	_, err = c.Initialize(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, session.Initialized, c.State())
}

func TestCompileAggregatesTasksAndDiagnostics(t *testing.T) {
	document := protocol.URI("file:///ws/app/Main.scala")
	compile := server.CompileFunc(func(ctx context.Context, task *server.Task, args []string) (protocol.StatusCode, error) {
		if err := task.PublishDiagnostics(document, []protocol.Diagnostic{warning(3, "unused import")}, true); err != nil {
			return protocol.StatusError, err
		}
		if err := task.PublishDiagnostics(document, []protocol.Diagnostic{warning(9, "deprecated")}, false); err != nil {
			return protocol.StatusError, err
		}
		child, err := task.StartChild("Compiling sources", "", nil)
		if err != nil {
			return protocol.StatusError, err
		}
		if err := child.Progress("halfway", 1, 2, "files"); err != nil {
			return protocol.StatusError, err
		}
		return protocol.StatusOK, child.Finish(protocol.StatusOK, "", "", nil)
	})

	var finished []protocol.TaskFinishParams
	var mu sync.Mutex
	c, _ := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
		server.WithCompileProvider(compile, "scala"),
	}, WithOriginIDGenerator(func() string { return "minted" }), WithHandlers(Handlers{
		TaskFinish: func(p protocol.TaskFinishParams) {
			mu.Lock()
			defer mu.Unlock()
			finished = append(finished, p)
		},
	}))
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	result, err := c.Compile(testContext(t), protocol.CompileParams{Targets: []protocol.BuildTargetIdentifier{appTarget.ID}})
	require.NoError(t, err)
	assert.Equal(t, "minted", result.OriginID)
	assert.Equal(t, protocol.StatusOK, result.StatusCode)

	tasks := c.Tasks().ByOrigin("minted")
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, tasktree.Finished, task.State)
		assert.Equal(t, protocol.StatusOK, task.Status)
		assert.False(t, task.Orphan)
	}

	roots := c.Tasks().Roots()
	require.Len(t, roots, 1)
	require.Len(t, roots[0].Children, 1)
	child, ok := c.Tasks().Get(roots[0].Children[0])
	require.True(t, ok)
	assert.Equal(t, []string{roots[0].ID}, child.Parents)
	assert.Equal(t, tasktree.Progress{Completed: 2, Total: 2, Unit: "files"}, child.Progress)

	key := diagnostics.Key{Document: document, Target: appTarget.ID.URI}
	diags := c.Diagnostics().Get(key)
	require.Len(t, diags, 2)
	assert.Equal(t, "unused import", diags[0].Message)
	assert.Equal(t, "deprecated", diags[1].Message)
	assert.Equal(t, "minted", c.Diagnostics().OriginOf(key))
	assert.Equal(t, 2, c.Diagnostics().Target(appTarget.ID.URI).Warnings)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, finished, 2)
}

func TestCompileKeepsCallerOriginID(t *testing.T) {
	c, _ := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
		server.WithCompileProvider(server.CompileFunc(okCompile), "scala"),
	}, WithOriginIDGenerator(func() string {
		t.Error("generator must not be used when an originId is given")
		return ""
	}))
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	result, err := c.Compile(testContext(t), protocol.CompileParams{
		Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
		OriginID: "mine",
	})
	require.NoError(t, err)
	assert.Equal(t, "mine", result.OriginID)
	assert.Len(t, c.Tasks().ByOrigin("mine"), 1)
}

func TestCapabilityCheckedBeforeSending(t *testing.T) {
	c, srv := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget, toolsTarget)),
		server.WithCompileProvider(server.CompileFunc(okCompile), "scala"),
	})
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	_, err = c.Run(testContext(t), protocol.RunParams{Target: appTarget.ID})
	assert.Equal(t, bsperrors.CodeMethodNotFound, errCode(t, err))
	assert.True(t, bsperrors.IsBSPError(err), "refused locally")

	_, err = c.Test(testContext(t), protocol.TestParams{Targets: []protocol.BuildTargetIdentifier{appTarget.ID}})
	assert.Equal(t, bsperrors.CodeMethodNotFound, errCode(t, err))

	_, err = c.CleanCache(testContext(t), appTarget.ID)
	assert.Equal(t, bsperrors.CodeMethodNotFound, errCode(t, err))

	// language checks need the target list
	targets, err := c.BuildTargets(testContext(t))
	require.NoError(t, err)
	assert.Len(t, targets, 2)
	assert.Len(t, c.Targets(), 2)

	_, err = c.Compile(testContext(t), protocol.CompileParams{Targets: []protocol.BuildTargetIdentifier{toolsTarget.ID}})
	assert.Equal(t, bsperrors.CodeMethodNotFound, errCode(t, err))
	assert.Empty(t, c.Tasks().Roots())

	_, err = c.Compile(testContext(t), protocol.CompileParams{Targets: []protocol.BuildTargetIdentifier{appTarget.ID}})
	require.NoError(t, err)
	assert.Equal(t, session.Initialized, srv.State())
}

func TestQueries(t *testing.T) {
	workspace := server.NewStaticWorkspace()
	workspace.RegisterTarget(appTarget, protocol.SourceItem{URI: "file:///ws/app/src/", Kind: protocol.SourceItemDirectory})
	c, _ := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(workspace),
		server.WithSourcesProvider(workspace),
		server.WithInverseSourcesProvider(workspace),
		server.WithReloadProvider(workspace),
	})
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	items, err := c.Sources(testContext(t), appTarget.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, appTarget.ID, items[0].Target)

	owners, err := c.InverseSources(testContext(t), "file:///ws/app/src/Main.scala")
	require.NoError(t, err)
	assert.Equal(t, []protocol.BuildTargetIdentifier{appTarget.ID}, owners)

	require.NoError(t, c.Reload(testContext(t)))

	_, err = c.DependencySources(testContext(t), appTarget.ID)
	assert.Equal(t, bsperrors.CodeMethodNotFound, errCode(t, err))
	_, err = c.DependencyModules(testContext(t), appTarget.ID)
	assert.Equal(t, bsperrors.CodeMethodNotFound, errCode(t, err))
	_, err = c.Resources(testContext(t), appTarget.ID)
	assert.Equal(t, bsperrors.CodeMethodNotFound, errCode(t, err))
}

type debugFunc func(ctx context.Context, params *protocol.DebugSessionParams) (*protocol.DebugSessionAddress, error)

func (f debugFunc) StartDebugSession(ctx context.Context, params *protocol.DebugSessionParams) (*protocol.DebugSessionAddress, error) {
	return f(ctx, params)
}

func TestStartDebugSession(t *testing.T) {
	debug := debugFunc(func(ctx context.Context, params *protocol.DebugSessionParams) (*protocol.DebugSessionAddress, error) {
		return &protocol.DebugSessionAddress{URI: "tcp://127.0.0.1:5005"}, nil
	})
	c, _ := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
		server.WithDebugProvider(debug, "scala"),
	})
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	addr, err := c.StartDebugSession(testContext(t), protocol.DebugSessionParams{Targets: []protocol.BuildTargetIdentifier{appTarget.ID}})
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:5005", addr.URI)
}

func TestCancelledCompileResolvesCancelled(t *testing.T) {
	started := make(chan struct{})
	compile := server.CompileFunc(func(ctx context.Context, task *server.Task, args []string) (protocol.StatusCode, error) {
		close(started)
		<-ctx.Done()
		return protocol.StatusCancelled, nil
	})
	c, _ := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
		server.WithCompileProvider(compile, "scala"),
	})
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := c.Compile(ctx, protocol.CompileParams{
		Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
		OriginID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", result.OriginID)
	assert.Equal(t, protocol.StatusCancelled, result.StatusCode)
}

func TestUnansweredCancelResolvesCancelled(t *testing.T) {
	caps := protocol.BuildServerCapabilities{
		CompileProvider: &protocol.LanguageProvider{LanguageIDs: []string{"scala"}},
	}
	c, peer := newRawPair(t, 50*time.Millisecond, caps)

	release := make(chan struct{})
	defer close(release)
	received := make(chan struct{})
	peer.RegisterRequestHandler(protocol.MethodBuildTargetCompile, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		close(received)
		<-release
		return nil, nil
	})

	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-received
		cancel()
	}()

	result, err := c.Run(ctx, protocol.RunParams{Target: appTarget.ID})
	assert.Equal(t, bsperrors.CodeMethodNotFound, errCode(t, err), "no run provider")
	assert.Nil(t, result)

	compiled, err := c.Compile(ctx, protocol.CompileParams{Targets: []protocol.BuildTargetIdentifier{appTarget.ID}})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCancelled, compiled.StatusCode)
	assert.NotEmpty(t, compiled.OriginID)
}

func TestMalformedTaskEventsBecomeRoots(t *testing.T) {
	c, peer := newRawPair(t, time.Second, protocol.BuildServerCapabilities{})
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	peer.send(t, protocol.MethodBuildTaskStart, &protocol.TaskStartParams{TaskID: protocol.TaskID{ID: "root"}})
	peer.send(t, protocol.MethodBuildTaskStart, &protocol.TaskStartParams{TaskID: protocol.TaskID{ID: "stray", Parents: []string{"missing"}}})
	peer.send(t, protocol.MethodBuildTaskFinish, &protocol.TaskFinishParams{TaskID: protocol.TaskID{ID: "ghost"}, Status: protocol.StatusError})
	peer.send(t, protocol.MethodBuildTaskFinish, &protocol.TaskFinishParams{TaskID: protocol.TaskID{ID: "root"}, Status: protocol.StatusOK})
	peer.send(t, protocol.MethodBuildTaskProgress, &protocol.TaskProgressParams{TaskID: protocol.TaskID{ID: "root"}, Message: "late"})
	// notifications are applied in order, so the marker lands last
	peer.send(t, protocol.MethodBuildTaskStart, &protocol.TaskStartParams{TaskID: protocol.TaskID{ID: "marker"}})

	require.Eventually(t, func() bool {
		_, ok := c.Tasks().Get("marker")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	roots := c.Tasks().Roots()
	require.Len(t, roots, 4)

	stray, ok := c.Tasks().Get("stray")
	require.True(t, ok)
	assert.True(t, stray.Orphan)
	assert.Equal(t, tasktree.Running, stray.State)

	ghost, ok := c.Tasks().Get("ghost")
	require.True(t, ok)
	assert.True(t, ghost.Orphan)
	assert.Equal(t, protocol.StatusError, ghost.Status)

	root, _ := c.Tasks().Get("root")
	assert.NotEqual(t, "late", root.Message)
	assert.Equal(t, protocol.StatusOK, root.Status)
}

func TestCloseMarksOpenTasksUnknown(t *testing.T) {
	c, peer := newRawPair(t, time.Second, protocol.BuildServerCapabilities{})
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	peer.send(t, protocol.MethodBuildTaskStart, &protocol.TaskStartParams{TaskID: protocol.TaskID{ID: "t1"}})
	require.Eventually(t, func() bool { return c.Tasks().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Equal(t, session.Exited, c.State())
	assert.Equal(t, int32(1), peer.shutdowns.Load())

	task, ok := c.Tasks().Get("t1")
	require.True(t, ok)
	assert.Equal(t, tasktree.Unknown, task.State)
	assert.True(t, c.Tasks().Terminated())

	// a second close is a no-op
	assert.NoError(t, c.Close())
}

func TestCloseAfterShutdown(t *testing.T) {
	c, srv := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
	})
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(testContext(t)))
	assert.Equal(t, session.ShuttingDown, c.State())

	_, err = c.BuildTargets(testContext(t))
	assert.Equal(t, bsperrors.CodeInvalidRequest, errCode(t, err))

	require.NoError(t, c.Close())
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit")
	}
	assert.Equal(t, 0, srv.ExitCode())
}

func TestExitWithoutShutdown(t *testing.T) {
	c, srv := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
	})
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)

	require.NoError(t, c.Exit(testContext(t)))
	assert.Equal(t, session.Exited, c.State())

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit")
	}
	assert.Equal(t, 1, srv.ExitCode())
}

func TestServerNotifications(t *testing.T) {
	var (
		mu      sync.Mutex
		logs    []string
		shown   []string
		changes []protocol.BuildTargetEvent
	)
	c, srv := newServerPair(t, []server.ServerOption{
		server.WithWorkspaceProvider(server.NewStaticWorkspace(appTarget)),
		server.WithBuildTargetChangedProvider(true),
	}, WithHandlers(Handlers{
		LogMessage: func(p protocol.LogMessageParams) {
			mu.Lock()
			defer mu.Unlock()
			logs = append(logs, p.Message)
		},
		ShowMessage: func(p protocol.ShowMessageParams) {
			mu.Lock()
			defer mu.Unlock()
			shown = append(shown, p.Message)
		},
		TargetsChanged: func(events []protocol.BuildTargetEvent) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, events...)
		},
	}))
	_, err := c.Initialize(testContext(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return srv.State() == session.Initialized
	}, 2*time.Second, 10*time.Millisecond)

	document := protocol.URI("file:///ws/app/Main.scala")
	require.NoError(t, srv.PublishDiagnostics(document, appTarget.ID, []protocol.Diagnostic{warning(1, "w")}, true))
	require.NoError(t, srv.LogMessage(protocol.MessageInfo, "indexing"))
	require.NoError(t, srv.ShowMessage(protocol.MessageWarning, "slow build"))
	require.NoError(t, srv.NotifyBuildTargetsChanged([]protocol.BuildTargetEvent{
		{Target: appTarget.ID, Kind: protocol.BuildTargetDeleted},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"indexing"}, logs)
	assert.Equal(t, []string{"slow build"}, shown)
	assert.Equal(t, protocol.BuildTargetDeleted, changes[0].Kind)

	// diagnostics of a deleted target are dropped
	assert.Empty(t, c.Diagnostics().Document(document))
}
