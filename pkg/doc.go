// Package pkg holds the building blocks of the Build Server Protocol SDK.
//
// A build server and its client exchange JSON-RPC 2.0 messages over stdio
// or a socket. The server answers workspace queries and runs compile, test
// and run requests as trees of tasks, reporting progress and diagnostics
// through notifications tagged with the originId of the request that
// caused them.
//
// # Server Implementation
//
//	import (
//	    "context"
//	    bsp "github.com/ajitpratap0/bsp-sdk-go"
//	    "github.com/ajitpratap0/bsp-sdk-go/pkg/server"
//	)
//
//	func main() {
//	    ws := server.NewStaticWorkspace(targets...)
//	    code, err := bsp.ServeStdio(context.Background(),
//	        bsp.WithServerName("my-build"),
//	        bsp.WithWorkspaceProvider(ws),
//	        bsp.WithCompileProvider(compiler, "go"),
//	    )
//	    if err != nil {
//	        // Handle error
//	    }
//	    os.Exit(code)
//	}
//
// # Client Usage
//
//	p, err := bsp.LaunchConnection(ctx, conn, root, os.Stderr)
//	if err != nil {
//	    // Handle error
//	}
//	defer p.Close(5 * time.Second)
//	if _, err := p.Initialize(ctx); err != nil {
//	    // Handle error
//	}
//	result, err := p.Compile(ctx, protocol.CompileParams{Targets: ids})
//
// # Sub-packages
//
//   - protocol: message catalog, parameter and result types, data kinds
//   - capability: capability negotiation and request gating
//   - session: the initialize/shutdown/exit state machine
//   - tasktree: the task progress DAG a client rebuilds from notifications
//   - diagnostics: per-document diagnostics with reset and append
//   - errors: JSON-RPC error codes and typed SDK errors
//   - transport: framed JSON-RPC over stdio, sockets and pipes
//   - server, client: the two ends of a session
//   - workspace: build definition files and .bsp connection discovery
//   - logging, observability: structured logs, traces and metrics
//   - utils: test helpers shared across packages
package pkg
