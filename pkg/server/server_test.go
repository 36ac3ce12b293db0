package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/session"
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
	libTarget = protocol.BuildTarget{
		ID:           protocol.BuildTargetIdentifier{URI: "file:///ws/lib"},
		DisplayName:  "lib",
		Tags:         []string{protocol.TagLibrary},
		Capabilities: protocol.BuildTargetCapabilities{CanCompile: true, CanTest: true},
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

// event is a notification the client received, or a marker the test
// recorded between notifications
type event struct {
	method string
	params json.RawMessage
}

type harness struct {
	t      *testing.T
	client transport.Transport
	server *Server

	mu     sync.Mutex
	events []event

	stopped  chan struct{}
	serveErr error
}

var clientNotifications = []string{
	protocol.MethodBuildTaskStart,
	protocol.MethodBuildTaskProgress,
	protocol.MethodBuildTaskFinish,
	protocol.MethodBuildLogMessage,
	protocol.MethodBuildShowMessage,
	protocol.MethodBuildPublishDiagnostics,
	protocol.MethodBuildTargetDidChange,
}

func testTransportConfig() transport.TransportConfig {
	config := transport.DefaultTransportConfig(transport.TransportTypePipe)
	config.Features.EnableReliability = false
	config.Features.EnableObservability = false
	config.Performance.CancelGracePeriod = time.Second
	return config
}

// newHarness serves a Server over an in-memory pipe and records every
// notification the client side receives
func newHarness(t *testing.T, options ...ServerOption) *harness {
	t.Helper()

	clientT, serverT, err := transport.NewPipe(testTransportConfig())
	require.NoError(t, err)

	h := &harness{t: t, client: clientT, stopped: make(chan struct{})}
	for _, method := range clientNotifications {
		method := method
		clientT.RegisterNotificationHandler(method, func(ctx context.Context, params json.RawMessage) error {
			h.record(method, params)
			return nil
		})
	}

	options = append([]ServerOption{WithStructuredLogger(logging.NewNop())}, options...)
	h.server = New(serverT, options...)

	ctx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		_ = clientT.Start(ctx)
	}()
	go func() {
		defer close(h.stopped)
		h.serveErr = h.server.Start(ctx)
	}()

	t.Cleanup(func() {
		_ = clientT.Stop(context.Background())
		_ = h.server.Stop()
		cancel()
		<-clientDone
		select {
		case <-h.stopped:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func (h *harness) record(method string, params json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event{method: method, params: append(json.RawMessage(nil), params...)})
}

func (h *harness) snapshot() []event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event(nil), h.events...)
}

func (h *harness) call(method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.callContext(ctx, method, params, result)
}

func (h *harness) callContext(ctx context.Context, method string, params, result interface{}) error {
	raw, err := h.client.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if result != nil {
		return json.Unmarshal(raw, result)
	}
	return nil
}

func (h *harness) notify(method string, params interface{}) {
	require.NoError(h.t, h.client.SendNotification(context.Background(), method, params))
}

// initialize runs the handshake and waits until the server saw
// build/initialized
func (h *harness) initialize(languages ...string) *protocol.InitializeBuildResult {
	h.t.Helper()

	var result protocol.InitializeBuildResult
	require.NoError(h.t, h.call(protocol.MethodBuildInitialize, &protocol.InitializeBuildParams{
		DisplayName:  "ide",
		Version:      "1.0.0",
		BspVersion:   protocol.Version,
		RootURI:      "file:///ws",
		Capabilities: protocol.BuildClientCapabilities{LanguageIDs: languages},
	}, &result))
	h.notify(protocol.MethodBuildInitialized, &protocol.InitializedBuildParams{})

	require.Eventually(h.t, func() bool {
		return h.server.State() == session.Initialized
	}, 2*time.Second, 5*time.Millisecond)
	return &result
}

func (h *harness) methods() []string {
	var out []string
	for _, e := range h.snapshot() {
		out = append(out, e.method)
	}
	return out
}

func (h *harness) taskEvents() []event {
	var out []event
	for _, e := range h.snapshot() {
		switch e.method {
		case protocol.MethodBuildTaskStart, protocol.MethodBuildTaskProgress, protocol.MethodBuildTaskFinish:
			out = append(out, e)
		}
	}
	return out
}

func decodeEvents[T any](t *testing.T, events []event, method string) []T {
	t.Helper()
	var out []T
	for _, e := range events {
		if e.method != method {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(e.params, &v), method)
		out = append(out, v)
	}
	return out
}

func rpcCode(t *testing.T, err error) protocol.ErrorCode {
	t.Helper()
	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr), "expected a JSON-RPC error, got %v", err)
	return rpcErr.Code
}

func warning(line int, message string) protocol.Diagnostic {
	return protocol.Diagnostic{
		Range:    protocol.Range{Start: protocol.Position{Line: line}, End: protocol.Position{Line: line, Character: 10}},
		Severity: protocol.SeverityWarning,
		Message:  message,
	}
}

func TestInitializeHandshake(t *testing.T) {
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		return protocol.StatusOK, nil
	})
	h := newHarness(t,
		WithName("sbt"),
		WithVersion("1.9.0"),
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
	)

	assert.Equal(t, session.Uninitialized, h.server.State())
	result := h.initialize("scala")

	assert.Equal(t, "sbt", result.DisplayName)
	assert.Equal(t, "1.9.0", result.Version)
	assert.Equal(t, protocol.Version, result.BspVersion)
	require.NotNil(t, result.Capabilities.CompileProvider)
	assert.Equal(t, []string{"scala"}, result.Capabilities.CompileProvider.LanguageIDs)
	assert.Nil(t, result.Capabilities.TestProvider)
	assert.Nil(t, result.Capabilities.RunProvider)

	client := h.server.ClientInfo()
	require.NotNil(t, client)
	assert.Equal(t, "ide", client.DisplayName)
	assert.Equal(t, protocol.URI("file:///ws"), client.RootURI)
}

func TestInitializeWithoutWorkspace(t *testing.T) {
	h := newHarness(t)

	err := h.call(protocol.MethodBuildInitialize, &protocol.InitializeBuildParams{DisplayName: "ide"}, nil)
	assert.Equal(t, protocol.MethodNotFound, rpcCode(t, err))
	assert.Equal(t, session.Uninitialized, h.server.State())
}

func TestInitializeMissingParams(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace()))

	err := h.call(protocol.MethodBuildInitialize, nil, nil)
	assert.Equal(t, protocol.InvalidParams, rpcCode(t, err))

	// a failed initialize can be retried
	h.initialize()
}

func TestRequestsBeforeInitialize(t *testing.T) {
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		t.Error("compile must not run before initialize")
		return protocol.StatusOK, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
	)

	err := h.call(protocol.MethodWorkspaceBuildTargets, nil, nil)
	assert.Equal(t, protocol.ServerNotInitialized, rpcCode(t, err))

	err = h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID},
	}, nil)
	assert.Equal(t, protocol.ServerNotInitialized, rpcCode(t, err))

	// initialize answered but initialized not yet sent
	require.NoError(t, h.call(protocol.MethodBuildInitialize, &protocol.InitializeBuildParams{DisplayName: "ide"}, nil))
	assert.Equal(t, session.Initializing, h.server.State())
	err = h.call(protocol.MethodWorkspaceBuildTargets, nil, nil)
	assert.Equal(t, protocol.ServerNotInitialized, rpcCode(t, err))

	assert.Empty(t, h.taskEvents())
}

func TestNotificationsBeforeInitializeAreDropped(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(appTarget)))

	h.notify(protocol.MethodBuildInitialized, &protocol.InitializedBuildParams{})

	// a request after the notification is processed after it
	err := h.call(protocol.MethodWorkspaceBuildTargets, nil, nil)
	assert.Equal(t, protocol.ServerNotInitialized, rpcCode(t, err))
	assert.Equal(t, session.Uninitialized, h.server.State())

	h.initialize()
}

func TestSecondInitializeRejected(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(appTarget)))
	h.initialize()

	err := h.call(protocol.MethodBuildInitialize, &protocol.InitializeBuildParams{DisplayName: "ide"}, nil)
	assert.Equal(t, protocol.InvalidRequest, rpcCode(t, err))
	assert.Equal(t, session.Initialized, h.server.State())
}

// Scenario A
func TestCompileReportsTasksAndResult(t *testing.T) {
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		err := task.PublishDiagnostics("file:///ws/app/Main.scala", []protocol.Diagnostic{
			warning(3, "unused import"),
			warning(9, "deprecated method"),
		}, true)
		return protocol.StatusOK, err
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
	)

	init := h.initialize("scala")
	require.NotNil(t, init.Capabilities.CompileProvider)
	assert.Equal(t, []string{"scala"}, init.Capabilities.CompileProvider.LanguageIDs)

	var result protocol.CompileResult
	require.NoError(t, h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
		OriginID: "o1",
	}, &result))

	assert.Equal(t, "o1", result.OriginID)
	assert.Equal(t, protocol.StatusOK, result.StatusCode)

	events := h.snapshot()
	starts := decodeEvents[protocol.TaskStartParams](t, events, protocol.MethodBuildTaskStart)
	finishes := decodeEvents[protocol.TaskFinishParams](t, events, protocol.MethodBuildTaskFinish)
	require.Len(t, starts, 1)
	require.Len(t, finishes, 1)

	assert.Equal(t, starts[0].TaskID.ID, finishes[0].TaskID.ID)
	assert.Empty(t, starts[0].TaskID.Parents)
	assert.Equal(t, protocol.DataKindCompileTask, starts[0].DataKind)
	payload, err := starts[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, &protocol.CompileTask{Target: appTarget.ID}, payload)

	assert.Equal(t, protocol.StatusOK, finishes[0].Status)
	assert.Equal(t, protocol.DataKindCompileReport, finishes[0].DataKind)
	payload, err = finishes[0].Payload()
	require.NoError(t, err)
	report, ok := payload.(*protocol.CompileReport)
	require.True(t, ok)
	assert.Equal(t, appTarget.ID, report.Target)
	assert.Equal(t, "o1", report.OriginID)
	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, 2, report.Warnings)
	assert.NotNil(t, report.Time)

	assert.Equal(t, []string{
		protocol.MethodBuildTaskStart,
		protocol.MethodBuildPublishDiagnostics,
		protocol.MethodBuildTaskFinish,
	}, h.methods())
}

// Scenario B
func TestRunWithoutRunProvider(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(appTarget)))
	init := h.initialize()
	assert.Nil(t, init.Capabilities.RunProvider)

	err := h.call(protocol.MethodBuildTargetRun, &protocol.RunParams{
		Target:   appTarget.ID,
		OriginID: "o2",
	}, nil)
	assert.Equal(t, protocol.MethodNotFound, rpcCode(t, err))
	assert.Empty(t, h.snapshot())
}

func TestTestWithoutTestProvider(t *testing.T) {
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		return protocol.StatusOK, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
	)
	h.initialize()

	err := h.call(protocol.MethodBuildTargetTest, &protocol.TestParams{
		Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
		OriginID: "o3",
	}, nil)
	assert.Equal(t, protocol.MethodNotFound, rpcCode(t, err))
	assert.Empty(t, h.taskEvents())
}

func TestProviderWithoutLanguages(t *testing.T) {
	untyped := protocol.BuildTarget{
		ID:           protocol.BuildTargetIdentifier{URI: "file:///ws/scripts"},
		Capabilities: protocol.BuildTargetCapabilities{CanCompile: true},
	}
	var compiled []protocol.BuildTargetIdentifier
	var mu sync.Mutex
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget, untyped)),
		WithCompileProvider(CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
			mu.Lock()
			defer mu.Unlock()
			compiled = append(compiled, task.Target())
			return protocol.StatusOK, nil
		})),
	)
	init := h.initialize()

	raw, err := json.Marshal(init.Capabilities.CompileProvider)
	require.NoError(t, err)
	assert.JSONEq(t, `{"languageIds":[]}`, string(raw))

	err = h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID},
	}, nil)
	assert.Equal(t, protocol.MethodNotFound, rpcCode(t, err))

	require.NoError(t, h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets: []protocol.BuildTargetIdentifier{untyped.ID},
	}, nil))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []protocol.BuildTargetIdentifier{untyped.ID}, compiled)
}

func TestCompileLanguageNotServed(t *testing.T) {
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		t.Error("compile must not run for an unsupported language")
		return protocol.StatusOK, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget, toolsTarget)),
		WithCompileProvider(compiled, "scala"),
	)
	h.initialize()

	err := h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID, toolsTarget.ID},
	}, nil)
	assert.Equal(t, protocol.MethodNotFound, rpcCode(t, err))
	assert.Empty(t, h.taskEvents())
}

// Scenario C
func TestConcurrentCompilesKeepPerTaskOrder(t *testing.T) {
	release := make(chan struct{})
	var running sync.WaitGroup
	running.Add(2)

	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		running.Done()
		<-release
		for i := int64(1); i <= 5; i++ {
			if err := task.Progress("compiling", i, 5, "files"); err != nil {
				return protocol.StatusError, err
			}
		}
		return protocol.StatusOK, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget, libTarget)),
		WithCompileProvider(compiled, "scala"),
	)
	h.initialize()

	results := make([]protocol.CompileResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, target := range []protocol.BuildTarget{appTarget, libTarget} {
		wg.Add(1)
		go func(i int, target protocol.BuildTarget) {
			defer wg.Done()
			errs[i] = h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
				Targets:  []protocol.BuildTargetIdentifier{target.ID},
				OriginID: target.DisplayName,
			}, &results[i])
		}(i, target)
	}

	running.Wait()
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, protocol.StatusOK, results[i].StatusCode)
	}
	assert.Equal(t, "app", results[0].OriginID)
	assert.Equal(t, "lib", results[1].OriginID)

	// per task: start, then progress, then exactly one finish
	phase := make(map[string]int)
	for _, e := range h.taskEvents() {
		var head struct {
			TaskID   protocol.TaskID `json:"taskId"`
			OriginID string          `json:"originId"`
		}
		require.NoError(t, json.Unmarshal(e.params, &head))
		id := head.TaskID.ID

		switch e.method {
		case protocol.MethodBuildTaskStart:
			assert.Equal(t, 0, phase[id], "start must come first")
			phase[id] = 1
		case protocol.MethodBuildTaskProgress:
			assert.Equal(t, 1, phase[id], "progress between start and finish")
		case protocol.MethodBuildTaskFinish:
			assert.Equal(t, 1, phase[id], "single finish after start")
			phase[id] = 2
		}
	}
	require.Len(t, phase, 2)
	for id, p := range phase {
		assert.Equal(t, 2, p, id)
	}
}

// Scenario D
func TestShutdownCancelsOpenTasksBeforeResponding(t *testing.T) {
	started := make(chan struct{})
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		close(started)
		<-ctx.Done()
		return protocol.StatusCancelled, ctx.Err()
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
	)
	h.initialize()

	compileDone := make(chan protocol.CompileResult, 1)
	go func() {
		var result protocol.CompileResult
		if err := h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
			Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
			OriginID: "o4",
		}, &result); err != nil {
			t.Errorf("compile: %v", err)
		}
		compileDone <- result
	}()

	<-started
	require.NoError(t, h.call(protocol.MethodBuildShutdown, nil, nil))
	h.record("shutdown-response", nil)

	events := h.snapshot()
	finishAt, responseAt := -1, -1
	for i, e := range events {
		switch e.method {
		case protocol.MethodBuildTaskFinish:
			var finish protocol.TaskFinishParams
			require.NoError(t, json.Unmarshal(e.params, &finish))
			assert.Equal(t, protocol.StatusCancelled, finish.Status)
			assert.Equal(t, "o4", finish.OriginID)
			finishAt = i
		case "shutdown-response":
			responseAt = i
		}
	}
	require.NotEqual(t, -1, finishAt, "open task was not finished")
	assert.Less(t, finishAt, responseAt)

	select {
	case result := <-compileDone:
		assert.Equal(t, protocol.StatusCancelled, result.StatusCode)
		assert.Equal(t, "o4", result.OriginID)
	case <-time.After(3 * time.Second):
		t.Fatal("compile did not resolve after shutdown")
	}

	// the target task is finished only once
	finishes := decodeEvents[protocol.TaskFinishParams](t, h.snapshot(), protocol.MethodBuildTaskFinish)
	assert.Len(t, finishes, 1)
	assert.Equal(t, session.ShuttingDown, h.server.State())
}

func TestRequestsAfterShutdown(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(appTarget)))
	h.initialize()

	require.NoError(t, h.call(protocol.MethodBuildShutdown, nil, nil))

	err := h.call(protocol.MethodWorkspaceBuildTargets, nil, nil)
	assert.Equal(t, protocol.InvalidRequest, rpcCode(t, err))

	// repeated shutdown is answered again
	assert.NoError(t, h.call(protocol.MethodBuildShutdown, nil, nil))
}

func TestExitAfterShutdown(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(appTarget)))
	h.initialize()

	require.NoError(t, h.call(protocol.MethodBuildShutdown, nil, nil))
	h.notify(protocol.MethodBuildExit, nil)

	select {
	case <-h.server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit")
	}
	select {
	case <-h.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after exit")
	}
	assert.Equal(t, 0, h.server.ExitCode())
	assert.Equal(t, session.Exited, h.server.State())
}

func TestExitWithoutShutdown(t *testing.T) {
	tests := []struct {
		name       string
		initialize bool
	}{
		{name: "before initialize", initialize: false},
		{name: "while initialized", initialize: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(appTarget)))
			if tt.initialize {
				h.initialize()
			}

			h.notify(protocol.MethodBuildExit, nil)

			select {
			case <-h.server.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("server did not exit")
			}
			<-h.stopped
			assert.Equal(t, 1, h.server.ExitCode())
			assert.Equal(t, session.Exited, h.server.State())
		})
	}
}

func TestCancelledCompileResolvesCancelled(t *testing.T) {
	started := make(chan struct{})
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		close(started)
		<-ctx.Done()
		return protocol.StatusError, ctx.Err()
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
	)
	h.initialize()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	var result protocol.CompileResult
	require.NoError(t, h.callContext(ctx, protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
		OriginID: "o5",
	}, &result))
	assert.Equal(t, protocol.StatusCancelled, result.StatusCode)
	assert.Equal(t, "o5", result.OriginID)

	finishes := decodeEvents[protocol.TaskFinishParams](t, h.snapshot(), protocol.MethodBuildTaskFinish)
	require.Len(t, finishes, 1)
	assert.Equal(t, protocol.StatusCancelled, finishes[0].Status)
}

func TestCompileFailureIsAStatus(t *testing.T) {
	tests := []struct {
		name    string
		compile CompileFunc
	}{
		{
			name: "error",
			compile: func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
				return 0, errors.New("scalac exited with 1")
			},
		},
		{
			name: "status",
			compile: func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
				return protocol.StatusError, nil
			},
		},
		{
			name: "panic",
			compile: func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
				panic("compiler crashed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t,
				WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
				WithCompileProvider(tt.compile, "scala"),
			)
			h.initialize()

			var result protocol.CompileResult
			require.NoError(t, h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
				Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
				OriginID: "o6",
			}, &result))
			assert.Equal(t, protocol.StatusError, result.StatusCode)

			finishes := decodeEvents[protocol.TaskFinishParams](t, h.snapshot(), protocol.MethodBuildTaskFinish)
			require.Len(t, finishes, 1)
			assert.Equal(t, protocol.StatusError, finishes[0].Status)

			// the server keeps serving
			require.NoError(t, h.call(protocol.MethodWorkspaceBuildTargets, nil, nil))
		})
	}
}

func TestCompileStatusFoldsAcrossTargets(t *testing.T) {
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		if task.Target() == libTarget.ID {
			return protocol.StatusError, nil
		}
		return protocol.StatusOK, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget, libTarget)),
		WithCompileProvider(compiled, "scala"),
		WithMaxParallelTargets(1),
	)
	h.initialize()

	var result protocol.CompileResult
	require.NoError(t, h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID, libTarget.ID},
	}, &result))
	assert.Equal(t, protocol.StatusError, result.StatusCode)

	finishes := decodeEvents[protocol.TaskFinishParams](t, h.snapshot(), protocol.MethodBuildTaskFinish)
	assert.Len(t, finishes, 2)
}

func TestFoldStatus(t *testing.T) {
	tests := []struct {
		in   []protocol.StatusCode
		want protocol.StatusCode
	}{
		{nil, protocol.StatusOK},
		{[]protocol.StatusCode{protocol.StatusOK, protocol.StatusOK}, protocol.StatusOK},
		{[]protocol.StatusCode{protocol.StatusOK, protocol.StatusCancelled}, protocol.StatusCancelled},
		{[]protocol.StatusCode{protocol.StatusCancelled, protocol.StatusError}, protocol.StatusError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, foldStatus(tt.in), "%v", tt.in)
	}
}

func TestOriginIDPropagation(t *testing.T) {
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		assert.Equal(t, "o7", logging.OriginIDFromContext(ctx))

		sub, err := task.StartChild("resolving dependencies", "", nil)
		if err != nil {
			return protocol.StatusError, err
		}
		_ = sub.Progress("resolving", 1, -1, "")
		_ = sub.Log(protocol.MessageInfo, "resolved 12 modules")
		_ = sub.Finish(protocol.StatusOK, "", "", nil)

		_ = task.Show(protocol.MessageWarning, "slow build")
		_ = task.Reporter().LogMessage(protocol.MessageLog, "cache hit")
		_ = task.PublishDiagnostics("file:///ws/app/Main.scala", []protocol.Diagnostic{warning(1, "w")}, true)
		return protocol.StatusOK, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
	)
	h.initialize()

	require.NoError(t, h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
		OriginID: "o7",
	}, nil))

	events := h.snapshot()
	require.Len(t, events, 9)
	for _, e := range events {
		var head struct {
			OriginID string `json:"originId"`
		}
		require.NoError(t, json.Unmarshal(e.params, &head))
		assert.Equal(t, "o7", head.OriginID, e.method)
	}

	starts := decodeEvents[protocol.TaskStartParams](t, events, protocol.MethodBuildTaskStart)
	require.Len(t, starts, 2)
	assert.Equal(t, []string{starts[0].TaskID.ID}, starts[1].TaskID.Parents)
}

func TestTestReportsCases(t *testing.T) {
	tested := TestFunc(func(ctx context.Context, task *Task, params *protocol.TestParams) (protocol.StatusCode, error) {
		location := &protocol.Location{URI: "file:///ws/app/MainSpec.scala"}
		for _, name := range []string{"adds", "subtracts"} {
			tc, err := task.StartTestCase(name, location)
			if err != nil {
				return protocol.StatusError, err
			}
			if err := tc.Pass(); err != nil {
				return protocol.StatusError, err
			}
		}
		tc, err := task.StartTestCase("divides", location)
		if err != nil {
			return protocol.StatusError, err
		}
		_ = tc.Fail("division by zero")
		return protocol.StatusError, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithTestProvider(tested, "scala"),
	)
	init := h.initialize()
	require.NotNil(t, init.Capabilities.TestProvider)

	var result protocol.TestResult
	require.NoError(t, h.call(protocol.MethodBuildTargetTest, &protocol.TestParams{
		Targets:  []protocol.BuildTargetIdentifier{appTarget.ID},
		OriginID: "o8",
	}, &result))
	assert.Equal(t, protocol.StatusError, result.StatusCode)
	assert.Equal(t, "o8", result.OriginID)

	events := h.snapshot()
	starts := decodeEvents[protocol.TaskStartParams](t, events, protocol.MethodBuildTaskStart)
	finishes := decodeEvents[protocol.TaskFinishParams](t, events, protocol.MethodBuildTaskFinish)
	require.Len(t, starts, 4)
	require.Len(t, finishes, 4)

	assert.Equal(t, protocol.DataKindTestTask, starts[0].DataKind)
	suite := starts[0].TaskID.ID
	for _, s := range starts[1:] {
		assert.Equal(t, protocol.DataKindTestStart, s.DataKind)
		assert.Equal(t, []string{suite}, s.TaskID.Parents)
	}

	payload, err := finishes[2].Payload()
	require.NoError(t, err)
	failed, ok := payload.(*protocol.TestFinish)
	require.True(t, ok)
	assert.Equal(t, "divides", failed.DisplayName)
	assert.Equal(t, protocol.TestFailed, failed.Status)
	assert.Equal(t, protocol.StatusError, finishes[2].Status)

	last := finishes[3]
	assert.Equal(t, suite, last.TaskID.ID)
	assert.Equal(t, protocol.DataKindTestReport, last.DataKind)
	payload, err = last.Payload()
	require.NoError(t, err)
	report, ok := payload.(*protocol.TestReport)
	require.True(t, ok)
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, "o8", report.OriginID)
}

func TestRunRequest(t *testing.T) {
	var seen *protocol.RunParams
	ran := RunFunc(func(ctx context.Context, task *Task, params *protocol.RunParams) (protocol.StatusCode, error) {
		seen = params
		return protocol.StatusOK, task.Log(protocol.MessageLog, "hello")
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithRunProvider(ran, "scala"),
	)
	h.initialize()

	var result protocol.RunResult
	require.NoError(t, h.call(protocol.MethodBuildTargetRun, &protocol.RunParams{
		Target:    appTarget.ID,
		OriginID:  "o9",
		Arguments: []string{"--port", "8080"},
	}, &result))
	assert.Equal(t, protocol.StatusOK, result.StatusCode)
	require.NotNil(t, seen)
	assert.Equal(t, []string{"--port", "8080"}, seen.Arguments)

	assert.Equal(t, []string{
		protocol.MethodBuildTaskStart,
		protocol.MethodBuildLogMessage,
		protocol.MethodBuildTaskFinish,
	}, h.methods())
}

func TestBuildTargetsFilteredByClientLanguages(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(appTarget, libTarget, toolsTarget)))
	h.initialize("go")

	var result protocol.WorkspaceBuildTargetsResult
	require.NoError(t, h.call(protocol.MethodWorkspaceBuildTargets, nil, &result))
	require.Len(t, result.Targets, 1)
	assert.Equal(t, toolsTarget.ID, result.Targets[0].ID)
}

func TestBuildTargetsUnfiltered(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(toolsTarget, appTarget, libTarget)))
	h.initialize()

	var result protocol.WorkspaceBuildTargetsResult
	require.NoError(t, h.call(protocol.MethodWorkspaceBuildTargets, nil, &result))
	require.Len(t, result.Targets, 3)
	assert.Equal(t, appTarget.ID, result.Targets[0].ID)
	assert.Equal(t, libTarget.ID, result.Targets[1].ID)
	assert.Equal(t, toolsTarget.ID, result.Targets[2].ID)
}

func TestSourcesAndInverseSources(t *testing.T) {
	ws := NewStaticWorkspace()
	ws.RegisterTarget(appTarget,
		protocol.SourceItem{URI: "file:///ws/app/src", Kind: protocol.SourceItemDirectory},
	)
	ws.RegisterTarget(libTarget,
		protocol.SourceItem{URI: "file:///ws/lib/Lib.scala", Kind: protocol.SourceItemFile},
	)
	h := newHarness(t,
		WithWorkspaceProvider(ws),
		WithInverseSourcesProvider(ws),
	)
	init := h.initialize()
	assert.True(t, init.Capabilities.InverseSourcesProvider)

	var sources protocol.SourcesResult
	require.NoError(t, h.call(protocol.MethodBuildTargetSources, &protocol.SourcesParams{
		Targets: []protocol.BuildTargetIdentifier{libTarget.ID, {URI: "file:///ws/missing"}},
	}, &sources))
	require.Len(t, sources.Items, 2)
	assert.Equal(t, protocol.URI("file:///ws/lib/Lib.scala"), sources.Items[0].Sources[0].URI)
	assert.Empty(t, sources.Items[1].Sources)

	var inverse protocol.InverseSourcesResult
	require.NoError(t, h.call(protocol.MethodTextDocumentInverseSources, &protocol.InverseSourcesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ws/app/src/Main.scala"},
	}, &inverse))
	assert.Equal(t, []protocol.BuildTargetIdentifier{appTarget.ID}, inverse.Targets)

	require.NoError(t, h.call(protocol.MethodTextDocumentInverseSources, &protocol.InverseSourcesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ws/app/srcgen/Gen.scala"},
	}, &inverse))
	assert.Empty(t, inverse.Targets)
}

// targetsOnly hides every optional provider a workspace implements.
type targetsOnly struct{ WorkspaceProvider }

func TestOptionalQueriesRequireCapability(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(targetsOnly{NewStaticWorkspace(appTarget)}))
	h.initialize()

	targets := []protocol.BuildTargetIdentifier{appTarget.ID}
	for method, params := range map[string]interface{}{
		protocol.MethodTextDocumentInverseSources:   &protocol.InverseSourcesParams{},
		protocol.MethodBuildTargetDependencySources: &protocol.DependencySourcesParams{Targets: targets},
		protocol.MethodBuildTargetDependencyModules: &protocol.DependencyModulesParams{Targets: targets},
		protocol.MethodBuildTargetResources:         &protocol.ResourcesParams{Targets: targets},
		protocol.MethodWorkspaceReload:              nil,
	} {
		err := h.call(method, params, nil)
		assert.Equal(t, protocol.MethodNotFound, rpcCode(t, err), method)
	}

	err := h.call(protocol.MethodBuildTargetCleanCache, &protocol.CleanCacheParams{Targets: targets}, nil)
	assert.Equal(t, protocol.MethodNotFound, rpcCode(t, err))
}

func TestWorkspaceProviderInstallsOptionalProviders(t *testing.T) {
	ws := NewStaticWorkspace()
	ws.RegisterTarget(appTarget, protocol.SourceItem{URI: "file:///ws/app/src/", Kind: protocol.SourceItemDirectory})
	h := newHarness(t, WithWorkspaceProvider(ws))
	init := h.initialize()
	assert.True(t, init.Capabilities.InverseSourcesProvider)
	assert.True(t, init.Capabilities.CanReload)

	var inverse protocol.InverseSourcesResult
	require.NoError(t, h.call(protocol.MethodTextDocumentInverseSources, &protocol.InverseSourcesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ws/app/src/Main.scala"},
	}, &inverse))
	assert.Equal(t, []protocol.BuildTargetIdentifier{appTarget.ID}, inverse.Targets)

	require.NoError(t, h.call(protocol.MethodWorkspaceReload, nil, nil))
}

func TestExplicitProviderWinsOverWorkspace(t *testing.T) {
	var called bool
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithInverseSourcesProvider(inverseSourcesFunc(func(ctx context.Context, doc protocol.TextDocumentIdentifier) ([]protocol.BuildTargetIdentifier, error) {
			called = true
			return nil, nil
		})),
	)
	h.initialize()

	require.NoError(t, h.call(protocol.MethodTextDocumentInverseSources, &protocol.InverseSourcesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ws/app/src/Main.scala"},
	}, nil))
	assert.True(t, called)
}

type inverseSourcesFunc func(ctx context.Context, doc protocol.TextDocumentIdentifier) ([]protocol.BuildTargetIdentifier, error)

func (f inverseSourcesFunc) InverseSources(ctx context.Context, doc protocol.TextDocumentIdentifier) ([]protocol.BuildTargetIdentifier, error) {
	return f(ctx, doc)
}

func TestReloadRefreshesTargets(t *testing.T) {
	ws := NewStaticWorkspace(appTarget)
	ws.SetLoader(func(ctx context.Context) ([]protocol.BuildTarget, error) {
		return []protocol.BuildTarget{appTarget, libTarget}, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(ws),
		WithReloadProvider(ws),
	)
	init := h.initialize()
	assert.True(t, init.Capabilities.CanReload)

	require.NoError(t, h.call(protocol.MethodWorkspaceReload, nil, nil))

	var result protocol.WorkspaceBuildTargetsResult
	require.NoError(t, h.call(protocol.MethodWorkspaceBuildTargets, nil, &result))
	assert.Len(t, result.Targets, 2)
}

func TestReloadFailure(t *testing.T) {
	ws := NewStaticWorkspace(appTarget)
	ws.SetLoader(func(ctx context.Context) ([]protocol.BuildTarget, error) {
		return nil, errors.New("build.sbt: syntax error")
	})
	h := newHarness(t, WithWorkspaceProvider(ws), WithReloadProvider(ws))
	h.initialize()

	err := h.call(protocol.MethodWorkspaceReload, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reload")
}

func TestMalformedParams(t *testing.T) {
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		return protocol.StatusOK, nil
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
	)
	h.initialize()

	err := h.call(protocol.MethodBuildTargetCompile, map[string]interface{}{"targets": "app"}, nil)
	assert.Equal(t, protocol.InvalidParams, rpcCode(t, err))
	assert.Empty(t, h.taskEvents())
}

func TestUnsolicitedNotifications(t *testing.T) {
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithBuildTargetChangedProvider(true),
	)

	changes := []protocol.BuildTargetEvent{{Target: appTarget.ID, Kind: protocol.BuildTargetChanged}}
	assert.Error(t, h.server.NotifyBuildTargetsChanged(changes))
	assert.Error(t, h.server.LogMessage(protocol.MessageInfo, "too early"))

	h.initialize()
	require.NoError(t, h.server.NotifyBuildTargetsChanged(changes))
	require.NoError(t, h.server.ShowMessage(protocol.MessageInfo, "indexing"))
	require.NoError(t, h.server.PublishDiagnostics("file:///ws/app/Main.scala", appTarget.ID, nil, true))

	require.Eventually(t, func() bool { return len(h.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	events := h.snapshot()
	didChange := decodeEvents[protocol.DidChangeBuildTarget](t, events, protocol.MethodBuildTargetDidChange)
	require.Len(t, didChange, 1)
	assert.Equal(t, changes, didChange[0].Changes)

	diags := decodeEvents[protocol.PublishDiagnosticsParams](t, events, protocol.MethodBuildPublishDiagnostics)
	require.Len(t, diags, 1)
	assert.NotNil(t, diags[0].Diagnostics)
	assert.Empty(t, diags[0].OriginID)
}

func TestDidChangeRequiresCapability(t *testing.T) {
	h := newHarness(t, WithWorkspaceProvider(NewStaticWorkspace(appTarget)))
	h.initialize()

	err := h.server.NotifyBuildTargetsChanged([]protocol.BuildTargetEvent{{Target: appTarget.ID}})
	assert.Error(t, err)
}

type countingRecorder struct {
	mu          sync.Mutex
	started     int
	finished    map[protocol.StatusCode]int
	rejected    []string
	diagnostics int
	transitions []string
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{finished: make(map[protocol.StatusCode]int)}
}

func (r *countingRecorder) TaskStarted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) TaskFinished(_ string, status protocol.StatusCode, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[status]++
}

func (r *countingRecorder) CapabilityRejected(method, capability string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, method+":"+capability)
}

func (r *countingRecorder) DiagnosticsPublished(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics += n
}

func (r *countingRecorder) SessionTransition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from+"->"+to)
}

func TestRecorder(t *testing.T) {
	rec := newCountingRecorder()
	compiled := CompileFunc(func(ctx context.Context, task *Task, args []string) (protocol.StatusCode, error) {
		return protocol.StatusOK, task.PublishDiagnostics("file:///ws/app/Main.scala",
			[]protocol.Diagnostic{warning(1, "a"), warning(2, "b")}, true)
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithCompileProvider(compiled, "scala"),
		WithRecorder(rec),
	)
	h.initialize()

	require.NoError(t, h.call(protocol.MethodBuildTargetCompile, &protocol.CompileParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID},
	}, nil))
	_ = h.call(protocol.MethodBuildTargetTest, &protocol.TestParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID},
	}, nil)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.finished[protocol.StatusOK])
	assert.Equal(t, 2, rec.diagnostics)
	assert.Equal(t, []string{"buildTarget/test:testProvider"}, rec.rejected)
	assert.Equal(t, []string{"uninitialized->initializing", "initializing->initialized"}, rec.transitions)
}

type sourcesFunc func(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.SourcesItem, error)

func (f sourcesFunc) Sources(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.SourcesItem, error) {
	return f(ctx, targets)
}

func TestCancelledQueryAnswersRequestCancelled(t *testing.T) {
	started := make(chan struct{})
	sources := sourcesFunc(func(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.SourcesItem, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithSourcesProvider(sources),
	)
	h.initialize()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := h.callContext(ctx, protocol.MethodBuildTargetSources, &protocol.SourcesParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.RequestCancelled, rpcCode(t, err))
}

func TestProviderFailureIsAServerError(t *testing.T) {
	sources := sourcesFunc(func(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.SourcesItem, error) {
		return nil, errors.New("index corrupt")
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithSourcesProvider(sources),
	)
	h.initialize()

	err := h.call(protocol.MethodBuildTargetSources, &protocol.SourcesParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID},
	}, nil)
	require.Error(t, err)
	assert.NotEqual(t, protocol.RequestCancelled, rpcCode(t, err))
	assert.Contains(t, err.Error(), "index corrupt")
}

// logBuffer collects log output written from server goroutines
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRejectedRequestIsLoggedWithRequestID(t *testing.T) {
	var logs logBuffer
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithStructuredLogger(logging.New(&logs, logging.NewJSONFormatter())),
	)
	h.initialize()

	err := h.call(protocol.MethodBuildTargetRun, &protocol.RunParams{Target: appTarget.ID}, nil)
	assert.Equal(t, protocol.MethodNotFound, rpcCode(t, err))

	var rejected map[string]interface{}
	for _, line := range bytes.Split([]byte(logs.String()), []byte("\n")) {
		var entry map[string]interface{}
		if json.Unmarshal(line, &entry) == nil && entry["method"] == protocol.MethodBuildTargetRun {
			rejected = entry
		}
	}
	require.NotNil(t, rejected, logs.String())
	assert.NotEmpty(t, rejected["request_id"])
	assert.Contains(t, rejected["message"], "Rejected")
}

func TestFailedRequestsLoggedBySide(t *testing.T) {
	var logs logBuffer
	logger := logging.New(&logs, logging.NewTextFormatter())
	logger.SetLevel(logging.DebugLevel)
	sources := sourcesFunc(func(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.SourcesItem, error) {
		return nil, errors.New("index corrupt")
	})
	h := newHarness(t,
		WithWorkspaceProvider(NewStaticWorkspace(appTarget)),
		WithSourcesProvider(sources),
		WithStructuredLogger(logger),
	)
	h.initialize()

	require.Error(t, h.call(protocol.MethodBuildTargetSources, &protocol.SourcesParams{
		Targets: []protocol.BuildTargetIdentifier{appTarget.ID},
	}, nil))
	require.Error(t, h.call(protocol.MethodBuildTargetSources, nil, nil))

	output := logs.String()
	assert.Contains(t, output, "Failed method=buildTarget/sources")
	assert.Contains(t, output, "Refused method=buildTarget/sources")
}
