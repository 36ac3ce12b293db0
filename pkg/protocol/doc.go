// Package protocol defines the message catalog of the build server protocol.
//
// The protocol is a JSON-RPC 2.0 dialect that lets a development client drive
// an arbitrary build tool. This package holds the Go shapes of every request,
// result and notification together with the JSON-RPC envelopes that carry them.
//
// # Package Organization
//
//   - jsonrpc.go: JSON-RPC envelopes, error codes and the cancellation notification
//   - bsp.go: method names, the initialize handshake and server capabilities
//   - types.go: build targets, task ids and the protocol enumerations
//   - requests.go: parameters and results of client requests
//   - notifications.go: server notifications, including task progress
//   - lsp.go: positions, ranges and diagnostics shared with the language server protocol
//   - data.go: the dataKind/data extension union
//
// # Message Flow
//
//  1. The client sends build/initialize with its supported languages
//  2. The server answers with the capabilities it commits to
//  3. The client sends build/initialized; only now may other requests flow
//  4. Requests run, with build/taskStart, build/taskProgress and build/taskFinish
//     notifications reporting long running work tagged with the request's originId
//  5. The client sends build/shutdown, waits for the answer, then build/exit
//
// # Extension Payloads
//
// Many messages carry a dataKind string next to an opaque data value. DecodeData
// turns a known kind into its typed payload and keeps anything else as
// *UnknownData so it can be forwarded untouched.
//
// Initialize request:
//
//	{
//	    "jsonrpc": "2.0",
//	    "id": 1,
//	    "method": "build/initialize",
//	    "params": {
//	        "displayName": "editor",
//	        "version": "1.0.0",
//	        "bspVersion": "2.1.0",
//	        "rootUri": "file:///workspace",
//	        "capabilities": {"languageIds": ["go"]}
//	    }
//	}
package protocol
