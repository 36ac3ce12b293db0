package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// ErrorCode represents standard JSON-RPC 2.0 error codes
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	MethodNotFound ErrorCode = -32601
	InvalidParams  ErrorCode = -32602
	InternalError  ErrorCode = -32603
)

// Error codes reserved by the build protocol. They share the implementation
// defined range of JSON-RPC with the language server protocol.
const (
	// UnknownErrorCode is used when no better code applies
	UnknownErrorCode ErrorCode = -32001
	// ServerNotInitialized is returned for requests received before the
	// initialize handshake completed
	ServerNotInitialized ErrorCode = -32002
	// RequestCancelled is returned when a request was cancelled by the client
	RequestCancelled ErrorCode = -32800
)

// MethodCancelRequest is the notification used to cancel an in-flight request
const MethodCancelRequest = "$/cancelRequest"

// CancelParams identifies the request to cancel
type CancelParams struct {
	ID interface{} `json:"id"`
}

// JSONRPCMessage represents a JSON-RPC 2.0 message
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a new JSON-RPC 2.0 request
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewResponse creates a new JSON-RPC 2.0 success response
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:      id,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response
func NewErrorResponse(id interface{}, code ErrorCode, message string, data interface{}) (*Response, error) {
	var dataJSON interface{}
	if data != nil {
		var err error
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
		dataJSON = json.RawMessage(dataBytes)
	}

	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}, nil
}

// Notification represents a JSON-RPC 2.0 notification
type Notification struct {
	JSONRPCMessage
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewNotification creates a new JSON-RPC 2.0 notification
func NewNotification(method string, params interface{}) (*Notification, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return &Notification{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface so protocol errors can travel through
// ordinary Go error returns.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc: code %d, message: %s", e.Code, e.Message)
}

// IDKey normalizes a JSON-RPC id into a map key. Numeric ids decoded from
// JSON arrive as float64 and are rendered without a fractional part.
func IDKey(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// IsRequest checks if a raw JSON message is a JSON-RPC 2.0 request
func IsRequest(data []byte) bool {
	var msg struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
		Method  string      `json:"method"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	return msg.JSONRPC == JSONRPCVersion && msg.ID != nil && msg.Method != ""
}

// IsResponse checks if a raw JSON message is a JSON-RPC 2.0 response
func IsResponse(data []byte) bool {
	var msg struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      interface{}     `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	// A null result is still a result: shutdown answers with one.
	return msg.JSONRPC == JSONRPCVersion && msg.ID != nil && (len(msg.Result) > 0 || msg.Error != nil)
}

// IsNotification checks if a raw JSON message is a JSON-RPC 2.0 notification
func IsNotification(data []byte) bool {
	var msg struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
		Method  string      `json:"method"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	return msg.JSONRPC == JSONRPCVersion && msg.ID == nil && msg.Method != ""
}
