package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// startPair connects two pipe transports and runs both read loops until the
// test ends.
func startPair(t *testing.T, config TransportConfig) (client, server Transport) {
	t.Helper()

	client, server, err := NewPipe(config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, tr := range []Transport{client, server} {
		wg.Add(1)
		go func(tr Transport) {
			defer wg.Done()
			_ = tr.Start(ctx)
		}(tr)
	}

	t.Cleanup(func() {
		_ = client.Stop(context.Background())
		_ = server.Stop(context.Background())
		cancel()
		wg.Wait()
	})
	return client, server
}

func testConfig() TransportConfig {
	config := DefaultTransportConfig(TransportTypePipe)
	config.Performance.CancelGracePeriod = 200 * time.Millisecond
	return config
}

func TestNewTransport_Validation(t *testing.T) {
	config := DefaultTransportConfig(TransportTypeSocket)
	_, err := NewTransport(config)
	assert.Error(t, err, "socket without a connection")

	config = DefaultTransportConfig(TransportTypeStdio)
	config.Framing = "xml"
	_, err = NewTransport(config)
	assert.Error(t, err)

	_, err = NewTransport(DefaultTransportConfig(TransportTypePipe))
	assert.Error(t, err, "pipes are created in pairs")

	_, err = NewTransport(TransportConfig{Type: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnsupportedTransportType)

	config = DefaultTransportConfig(TransportTypeStdio)
	r, w := io.Pipe()
	defer r.Close()
	config.Reader = r
	config.Writer = w
	tr, err := NewTransport(config)
	require.NoError(t, err)
	assert.NoError(t, tr.Initialize(context.Background()))
}

func TestPipe_RequestResponse(t *testing.T) {
	client, server := startPair(t, testConfig())

	server.RegisterRequestHandler(protocol.MethodWorkspaceBuildTargets, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return protocol.WorkspaceBuildTargetsResult{Targets: []protocol.BuildTarget{{
			ID:          protocol.BuildTargetIdentifier{URI: "file:///ws/app"},
			LanguageIDs: []string{"go"},
		}}}, nil
	})

	raw, err := client.SendRequest(context.Background(), protocol.MethodWorkspaceBuildTargets, nil)
	require.NoError(t, err)

	var result protocol.WorkspaceBuildTargetsResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Targets, 1)
	assert.Equal(t, protocol.URI("file:///ws/app"), result.Targets[0].ID.URI)
}

func TestPipe_NullResult(t *testing.T) {
	client, server := startPair(t, testConfig())

	server.RegisterRequestHandler(protocol.MethodBuildShutdown, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, nil
	})

	raw, err := client.SendRequest(context.Background(), protocol.MethodBuildShutdown, nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}

func TestPipe_ErrorResponses(t *testing.T) {
	client, server := startPair(t, testConfig())

	server.RegisterRequestHandler(protocol.MethodBuildTargetTest, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, bsperrors.CapabilityRequired("testProvider", protocol.MethodBuildTargetTest)
	})
	server.RegisterRequestHandler(protocol.MethodBuildTargetRun, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		panic("provider exploded")
	})

	_, err := client.SendRequest(context.Background(), protocol.MethodBuildTargetTest, nil)
	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.MethodNotFound, rpcErr.Code)
	assert.NotNil(t, rpcErr.Data)

	_, err = client.SendRequest(context.Background(), "buildTarget/unknown", nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.MethodNotFound, rpcErr.Code)

	_, err = client.SendRequest(context.Background(), protocol.MethodBuildTargetRun, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.InternalError, rpcErr.Code)
}

func TestPipe_NotificationsInOrder(t *testing.T) {
	client, server := startPair(t, testConfig())

	const count = 50
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	server.RegisterNotificationHandler(protocol.MethodBuildLogMessage, func(ctx context.Context, params json.RawMessage) error {
		var msg protocol.LogMessageParams
		if err := json.Unmarshal(params, &msg); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Message)
		if len(seen) == count {
			close(done)
		}
		return nil
	})

	var want []string
	for i := 0; i < count; i++ {
		msg := string(rune('a'+i%26)) + string(rune('0'+i/26))
		want = append(want, msg)
		require.NoError(t, client.SendNotification(context.Background(), protocol.MethodBuildLogMessage,
			protocol.LogMessageParams{Type: protocol.MessageInfo, Message: msg}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications were not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestPipe_ConcurrentRequests(t *testing.T) {
	client, server := startPair(t, testConfig())

	release := make(chan struct{})
	server.RegisterRequestHandler(protocol.MethodBuildTargetCompile, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		// blocks until a second request has been handled
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return protocol.CompileResult{StatusCode: protocol.StatusOK}, nil
	})
	server.RegisterRequestHandler(protocol.MethodWorkspaceBuildTargets, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		close(release)
		return protocol.WorkspaceBuildTargetsResult{}, nil
	})

	compileDone := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), protocol.MethodBuildTargetCompile, protocol.CompileParams{})
		compileDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := client.SendRequest(context.Background(), protocol.MethodWorkspaceBuildTargets, nil)
	require.NoError(t, err)

	select {
	case err := <-compileDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("compile did not complete")
	}
}

func TestPipe_CancelRequest(t *testing.T) {
	client, server := startPair(t, testConfig())

	started := make(chan struct{})
	handlerCancelled := make(chan struct{})
	server.RegisterRequestHandler(protocol.MethodBuildTargetSources, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		close(started)
		<-ctx.Done()
		close(handlerCancelled)
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.SendRequest(ctx, protocol.MethodBuildTargetSources, protocol.SourcesParams{})
	require.Error(t, err)

	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr), "the server's own answer arrives within the grace period")
	assert.Equal(t, protocol.RequestCancelled, rpcErr.Code)
	assert.True(t, bsperrors.IsCancelled(err))

	select {
	case <-handlerCancelled:
	case <-time.After(time.Second):
		t.Fatal("server handler context was not cancelled")
	}
}

func TestPipe_CancelGraceExpires(t *testing.T) {
	config := testConfig()
	config.Performance.CancelGracePeriod = 30 * time.Millisecond
	client, server := startPair(t, config)

	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	server.RegisterRequestHandler(protocol.MethodBuildTargetSources, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		close(started)
		<-unblock
		return protocol.SourcesResult{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.SendRequest(ctx, protocol.MethodBuildTargetSources, protocol.SourcesParams{})
	require.Error(t, err)
	assert.True(t, bsperrors.IsCancelled(err))
	assert.True(t, bsperrors.IsCode(err, bsperrors.CodeRequestCancelled))
}

func TestPipe_ConnectionClosed(t *testing.T) {
	client, server := startPair(t, testConfig())

	started := make(chan struct{})
	server.RegisterRequestHandler(protocol.MethodBuildTargetCompile, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	go func() {
		<-started
		_ = server.Stop(context.Background())
	}()

	_, err := client.SendRequest(context.Background(), protocol.MethodBuildTargetCompile, protocol.CompileParams{})
	require.Error(t, err)
	assert.True(t, bsperrors.IsCode(err, bsperrors.CodeConnectionClosed), "got %v", err)
}

func TestStdioTransport_RawLines(t *testing.T) {
	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	defer outReader.Close()

	config := DefaultTransportConfig(TransportTypeStdio)
	config.Framing = FramingLine
	config.Reader = inReader
	config.Writer = outWriter
	tr, err := NewTransport(config)
	require.NoError(t, err)

	tr.RegisterRequestHandler(protocol.MethodBuildInitialize, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p protocol.InitializeBuildParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return protocol.InitializeBuildResult{DisplayName: "echo-" + p.DisplayName, BspVersion: protocol.Version}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startDone := make(chan error, 1)
	go func() { startDone <- tr.Start(ctx) }()

	lines := bufio.NewReader(outReader)
	readLine := func() map[string]interface{} {
		line, err := lines.ReadBytes('\n')
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &msg))
		return msg
	}

	_, err = inWriter.Write([]byte(`{"jsonrpc":"2.0","id":7,"method":"build/initialize","params":{"displayName":"ide","rootUri":"file:///ws"}}` + "\n"))
	require.NoError(t, err)
	resp := readLine()
	assert.Equal(t, float64(7), resp["id"])
	assert.Equal(t, "echo-ide", resp["result"].(map[string]interface{})["displayName"])

	_, err = inWriter.Write([]byte("{not json\n"))
	require.NoError(t, err)
	resp = readLine()
	assert.Nil(t, resp["id"])
	assert.Equal(t, float64(protocol.ParseError), resp["error"].(map[string]interface{})["code"])

	require.NoError(t, inWriter.Close())
	select {
	case err := <-startDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return at end of input")
	}
}

func TestStreamTransport_StartTwice(t *testing.T) {
	client, server, err := NewPipe(testConfig())
	require.NoError(t, err)
	defer client.Stop(context.Background())

	done := make(chan error, 1)
	go func() { done <- server.Start(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	err = server.Start(context.Background())
	assert.Error(t, err)

	require.NoError(t, server.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestSocketTransport(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	serverReady := make(chan Transport, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		tr, err := NewSocketTransport(conn, DefaultTransportConfig(TransportTypeSocket))
		if err != nil {
			_ = conn.Close()
			return
		}
		tr.RegisterRequestHandler(protocol.MethodWorkspaceReload, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			return nil, nil
		})
		serverReady <- tr
		_ = tr.Start(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, "tcp", listener.Addr().String(), DefaultTransportConfig(TransportTypeSocket))
	require.NoError(t, err)
	go func() { _ = client.Start(context.Background()) }()

	server := <-serverReady
	defer server.Stop(context.Background())
	defer client.Stop(context.Background())

	raw, err := client.SendRequest(ctx, protocol.MethodWorkspaceReload, nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	_, err = Dial(ctx, "tcp", "127.0.0.1:1", DefaultTransportConfig(TransportTypeSocket))
	assert.Error(t, err)
}
