// Package bsp is a Go implementation of the Build Server Protocol, the
// JSON-RPC protocol editors and IDEs use to query and drive build tools.
//
// This package is the root of the SDK and re-exports the most used parts of
// the sub-packages:
//
//   - pkg/protocol: message catalog, identifiers and the data/dataKind union
//   - pkg/session: the connection lifecycle state machine
//   - pkg/capability: capability and language gating of requests
//   - pkg/tasktree: the task progress hierarchy reconstructed from notifications
//   - pkg/diagnostics: diagnostics with reset and append semantics
//   - pkg/server: the build server runtime
//   - pkg/client: the client runtime
//   - pkg/transport: stdio, socket and in-memory transports
//   - pkg/workspace: static workspace definitions and .bsp connection files
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Writing a Build Server
//
// A server is a set of providers. Only the workspace provider is required;
// every other provider enables the matching capability:
//
//	ws, _, err := bsp.OpenWorkspace("workspace.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	code, err := bsp.ServeStdio(ctx,
//	    bsp.WithServerName("my-build"),
//	    bsp.WithWorkspaceProvider(ws),
//	    bsp.WithSourcesProvider(ws),
//	    bsp.WithCompileProvider(compiler, "go"),
//	)
//	os.Exit(code)
//
// A compile provider reports through the task it is handed: progress,
// subtasks and diagnostics all carry the originId of the request.
//
//	func (c *compiler) Compile(ctx context.Context, task *server.Task, args []string) (protocol.StatusCode, error) {
//	    _ = task.Progress("parsing", 1, 2, "files")
//	    _ = task.PublishDiagnostics(uri, diags, true)
//	    return protocol.StatusOK, nil
//	}
//
// # Writing a Client
//
// Clients launch the server described by a connection file and go through
// the initialize handshake before sending any other request:
//
//	conns, _ := workspace.Discover(root)
//	conn, ok := workspace.Select(conns, "go")
//	p, err := bsp.LaunchConnection(ctx, conn, root, os.Stderr)
//	if _, err := p.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close(5 * time.Second)
//
//	result, err := p.Compile(ctx, protocol.CompileParams{Targets: ids})
//
// The client checks capabilities before sending, aggregates task
// notifications into p.Tasks() and diagnostics into p.Diagnostics().
// Cancelling the context of Compile, Test or Run yields a result with
// StatusCancelled.
package bsp
