package bsp

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/client"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/server"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/transport"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/workspace"
)

// Version represents the current version of the SDK
const Version = "0.1.0"

// ProtocolVersion is the protocol version spoken by clients and servers
const ProtocolVersion = protocol.Version

// These exports provide direct access to the core SDK components
var (
	// NewClient creates a client over a transport
	NewClient = client.New

	// NewServer creates a build server over a transport
	NewServer = server.New

	// Launch starts a build server process and connects a client to it
	Launch = client.Launch

	// NewPipe creates two connected in-memory transports
	NewPipe = transport.NewPipe

	// NewTransport creates a stdio or socket transport
	NewTransport = transport.NewTransport

	// Dial connects a socket transport
	Dial = transport.Dial

	// DefaultTransportConfig returns the default configuration of a transport type
	DefaultTransportConfig = transport.DefaultTransportConfig

	// OpenWorkspace loads a static workspace definition file
	OpenWorkspace = workspace.Open
)

// Client options
var (
	WithClientName        = client.WithName
	WithClientVersion     = client.WithVersion
	WithRootURI           = client.WithRootURI
	WithLanguageIDs       = client.WithLanguageIDs
	WithHandlers          = client.WithHandlers
	WithClientLogger      = client.WithStructuredLogger
	WithOriginIDGenerator = client.WithOriginIDGenerator
)

// Server options
var (
	WithServerName                 = server.WithName
	WithServerVersion              = server.WithVersion
	WithWorkspaceProvider          = server.WithWorkspaceProvider
	WithSourcesProvider            = server.WithSourcesProvider
	WithInverseSourcesProvider     = server.WithInverseSourcesProvider
	WithReloadProvider             = server.WithReloadProvider
	WithCompileProvider            = server.WithCompileProvider
	WithTestProvider               = server.WithTestProvider
	WithRunProvider                = server.WithRunProvider
	WithDebugProvider              = server.WithDebugProvider
	WithBuildTargetChangedProvider = server.WithBuildTargetChangedProvider
	WithRecorder                   = server.WithRecorder
	WithServerLogger               = server.WithStructuredLogger
)

// ServeStdio serves a build server over the process's standard streams
// until the client exits or the streams close. It returns the exit code the
// process should end with.
func ServeStdio(ctx context.Context, options ...server.ServerOption) (int, error) {
	t, err := transport.NewTransport(transport.DefaultTransportConfig(transport.TransportTypeStdio))
	if err != nil {
		return 1, fmt.Errorf("failed to create stdio transport: %w", err)
	}
	srv := server.New(t, options...)
	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		return 1, err
	}
	return srv.ExitCode(), nil
}

// LaunchConnection starts the build server a connection file describes,
// from the workspace root, and connects a client to it. The client declares
// the connection's languages unless options say otherwise.
func LaunchConnection(ctx context.Context, conn *workspace.Connection, root string, stderr io.Writer, options ...client.Option) (*client.Process, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	opts := append([]client.Option{
		client.WithLanguageIDs(conn.Languages...),
		client.WithRootURI(workspace.FileURI(root)),
	}, options...)
	return client.Launch(ctx, conn.Argv, root, stderr, opts...)
}
