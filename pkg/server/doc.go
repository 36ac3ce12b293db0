// Package server implements the server side of the Build Server Protocol.
//
// A Server is bound to one transport and owns the session of that
// connection. It answers build/initialize with the capabilities derived from
// the providers it was configured with, rejects requests the session or the
// capabilities do not admit, and reports the work of compile, test and run
// requests as a tree of tasks.
//
// # Providers
//
// Every feature is backed by a provider interface. Configuring a provider
// both installs the handler and advertises the capability:
//
//	srv := server.New(t,
//		server.WithName("gobuild"),
//		server.WithWorkspaceProvider(workspace),
//		server.WithCompileProvider(compiler, "go"),
//		server.WithTestProvider(tester, "go"),
//	)
//
// Requests for an unadvertised capability, or for targets whose languages
// the provider does not serve, fail with a method-not-found error before any
// provider code runs and without emitting task notifications.
//
// # Task reporting
//
// For compile, test and run requests the server opens one task per target
// and hands it to the provider:
//
//	func (c *compiler) Compile(ctx context.Context, task *server.Task, args []string) (protocol.StatusCode, error) {
//		sub, err := task.StartChild("resolving", "", nil)
//		if err != nil {
//			return protocol.StatusError, err
//		}
//		_ = sub.Progress("resolving", 1, 3, "modules")
//		_ = sub.Finish(protocol.StatusOK, "", "", nil)
//		_ = task.PublishDiagnostics("file:///ws/main.go", diags, true)
//		return protocol.StatusOK, nil
//	}
//
// Every notification caused by the request carries its originId. The
// target task is finished by the server with a compile or test report once
// the provider returns; a task is finished exactly once.
//
// # Lifecycle
//
// Requests other than build/initialize are answered with
// ServerNotInitialized until the client sent build/initialized.
// build/shutdown cancels in-flight requests and finishes their open tasks as
// cancelled before it is answered. build/exit closes the connection; ExitCode
// is 0 only when exit followed shutdown.
//
//	go func() { _ = srv.Start(ctx) }()
//	<-srv.Done()
//	os.Exit(srv.ExitCode())
package server
