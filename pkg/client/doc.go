// Package client provides the client side of the build server protocol.
//
// A Client connects an editor or other tool to a build server. It keeps its
// own view of the session lifecycle and refuses to send requests the session
// state or the server's advertised capabilities do not allow, so most
// protocol mistakes surface as local errors carrying the same codes a server
// would answer with.
//
// # Connecting
//
//	t, err := transport.NewTransport(transport.DefaultTransportConfig(transport.TransportTypeStdio))
//	if err != nil {
//	    return err
//	}
//	c := client.New(t,
//	    client.WithName("my-editor"),
//	    client.WithRootURI("file:///home/me/project"),
//	    client.WithLanguageIDs("scala", "java"),
//	)
//	if _, err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//
// Launch starts a server from its command line and connects to its
// standard streams; NewStdioClient covers the reverse case of a client
// launched by its server.
//
// # Requests
//
// Compile, Test and Run fill in an originId when the caller leaves it
// empty. Every task and diagnostic notification the request causes carries
// the same id. Cancelling the request's context sends $/cancelRequest; the
// call then returns a result with StatusCancelled rather than an error.
//
// Language checks against a provider's languageIds use the targets of the
// last BuildTargets call. Targets the client has not seen are let through.
//
// # Notifications
//
// Task notifications are folded into a tasktree.Tree and diagnostics into a
// diagnostics.Store, available through Tasks and Diagnostics. Malformed task
// events are logged and kept as root tasks. When the connection ends every
// task still open is marked Unknown.
//
// Handlers receives each notification after it has been applied.
package client
