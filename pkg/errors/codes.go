package errors

// JSON-RPC 2.0 standard error codes
const (
	// CodeParseError indicates invalid JSON was received
	CodeParseError int = -32700

	// CodeInvalidRequest indicates the JSON sent is not a valid Request object,
	// or a request arrived in a session state that does not admit it
	CodeInvalidRequest int = -32600

	// CodeMethodNotFound indicates the method does not exist or is not
	// supported under the negotiated capabilities
	CodeMethodNotFound int = -32601

	// CodeInvalidParams indicates invalid method parameter(s)
	CodeInvalidParams int = -32602

	// CodeInternalError indicates an internal JSON-RPC error
	CodeInternalError int = -32603
)

// Build protocol error codes. They live in the implementation defined server
// error range (-32000 to -32099) except for request cancellation, which shares
// its value with the language server protocol.
const (
	CodeServerError          int = -32000 // A provider failed to serve the request
	CodeUnknownError         int = -32001 // No better code applies
	CodeServerNotInitialized int = -32002 // Request received before the handshake completed

	CodeTransportError    int = -32010 // Generic transport error
	CodeConnectionClosed  int = -32011 // The peer closed the connection
	CodeRequestTimeout    int = -32012 // No response within the configured deadline
	CodeTransportNotReady int = -32013 // Transport used before Initialize/Start

	CodeRequestCancelled int = -32800 // The client cancelled the request
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request object", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method not supported", CategoryCapability, SeverityError},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryValidation, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal JSON-RPC error", CategoryInternal, SeverityError},

	CodeServerError:          {CodeServerError, "ServerError", "Build server error", CategoryProvider, SeverityError},
	CodeUnknownError:         {CodeUnknownError, "UnknownError", "Unknown error", CategoryInternal, SeverityError},
	CodeServerNotInitialized: {CodeServerNotInitialized, "ServerNotInitialized", "Server not initialized", CategoryLifecycle, SeverityError},

	CodeTransportError:    {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError},
	CodeConnectionClosed:  {CodeConnectionClosed, "ConnectionClosed", "Connection closed", CategoryTransport, SeverityError},
	CodeRequestTimeout:    {CodeRequestTimeout, "RequestTimeout", "Request timed out", CategoryTimeout, SeverityError},
	CodeTransportNotReady: {CodeTransportNotReady, "TransportNotReady", "Transport not ready", CategoryTransport, SeverityError},

	CodeRequestCancelled: {CodeRequestCancelled, "RequestCancelled", "Request cancelled", CategoryCancelled, SeverityInfo},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// ListErrorCodes returns all registered error codes
func ListErrorCodes() []ErrorCodeInfo {
	codes := make([]ErrorCodeInfo, 0, len(errorCodeRegistry))
	for _, info := range errorCodeRegistry {
		codes = append(codes, info)
	}
	return codes
}

// IsStandardJSONRPCCode checks if a code is in the range reserved by JSON-RPC
func IsStandardJSONRPCCode(code int) bool {
	return code >= -32768 && code <= -32000
}

// IsServerErrorCode checks if a code is in the implementation defined range
func IsServerErrorCode(code int) bool {
	return code >= -32099 && code <= -32000
}
