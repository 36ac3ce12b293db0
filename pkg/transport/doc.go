// Package transport provides a configuration-driven transport layer for the
// build server protocol.
//
// Messages are JSON-RPC 2.0 envelopes carried over a byte stream. The stream
// can be the process's standard streams, a socket or an in-memory pipe.
//
// # Supported Transport Types
//
// Stdio:
//   - Reads os.Stdin and writes os.Stdout, the usual way a client launches a build server
//   - Log output must go elsewhere, stdout belongs to the protocol
//
// Socket:
//   - Wraps a net.Conn, see NewSocketTransport and Dial
//   - Suited to long-running build servers shared by several tools
//
// Pipe:
//   - NewPipe returns two connected transports
//   - Used to embed a server in-process and in tests
//
// # Framing
//
// FramingHeader (the default) precedes each message with a Content-Length
// header block. FramingLine writes one message per line.
//
// # Usage
//
//	config := transport.DefaultTransportConfig(transport.TransportTypeStdio)
//	config.Logger = logger
//	t, err := transport.NewTransport(config)
//	if err != nil {
//	    return err
//	}
//	t.RegisterRequestHandler(protocol.MethodWorkspaceBuildTargets, handler)
//	go t.Start(ctx)
//
// # Concurrency and Cancellation
//
// Incoming requests run concurrently, at most Performance.MaxConcurrency at a
// time. Incoming notifications are handled one at a time in arrival order.
// Responses are matched to requests by id only.
//
// A $/cancelRequest notification cancels the context of the matching
// in-flight request. When the context passed to SendRequest is cancelled the
// transport sends $/cancelRequest itself and waits up to
// Performance.CancelGracePeriod for the peer's answer before failing the call
// with a RequestCancelled error.
//
// # Middleware System
//
// The transport layer uses a composable middleware system:
//
//   - ReliabilityMiddleware: retries of read-only queries, circuit breaker
//   - ObservabilityMiddleware: per-method counters, durations and debug logging
//   - Custom middleware can be added by implementing the Middleware interface
//
// Middleware is automatically applied based on configuration:
//
//	config.Features.EnableReliability = true    // Adds retry and circuit breaker
//	config.Features.EnableObservability = true  // Adds metrics and logging
//
// # Handler Types
//
//   - RequestHandler: Processes incoming request messages and returns a result
//   - NotificationHandler: Processes incoming notification messages (one-way)
//   - ErrorHandler: Processes transport-level errors
package transport
