package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// ToJSONRPCResponse converts any error to a JSON-RPC error response
func ToJSONRPCResponse(err error, requestID interface{}) (*protocol.Response, error) {
	if err == nil {
		return nil, fmt.Errorf("cannot create error response from nil error")
	}

	rpcErr := ToJSONRPCError(err)
	return protocol.NewErrorResponse(requestID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

// ToJSONRPCError converts any error to a JSON-RPC error object. Errors that
// are not BSPErrors become internal errors. Any error wrapping context
// cancellation maps to RequestCancelled.
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	if bspErr, ok := AsBSPError(err); ok {
		if bspErr.Code() != CodeRequestCancelled && errors.Is(err, context.Canceled) {
			return &protocol.Error{
				Code:    protocol.RequestCancelled,
				Message: bspErr.Message(),
			}
		}
		return &protocol.Error{
			Code:    protocol.ErrorCode(bspErr.Code()),
			Message: bspErr.Message(),
			Data:    bspErr.Data(),
		}
	}

	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	if errors.Is(err, context.Canceled) {
		return &protocol.Error{
			Code:    protocol.RequestCancelled,
			Message: "Request cancelled",
		}
	}

	return &protocol.Error{
		Code:    protocol.InternalError,
		Message: err.Error(),
	}
}

// FromJSONRPCError converts a JSON-RPC error received from the peer to a BSPError
func FromJSONRPCError(rpcErr *protocol.Error) BSPError {
	if rpcErr == nil {
		return nil
	}

	code := int(rpcErr.Code)
	err := NewError(code, rpcErr.Message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
	if rpcErr.Data != nil {
		err = err.WithData(rpcErr.Data)
	}

	return err
}

// WrapProtocolError attaches method and request id context to an error
func WrapProtocolError(err error, method string, requestID interface{}) BSPError {
	if err == nil {
		return nil
	}

	ctx := &Context{
		Method:    method,
		RequestID: protocol.IDKey(requestID),
	}

	if bspErr, ok := AsBSPError(err); ok {
		return bspErr.WithContext(ctx)
	}

	return WrapError(
		err,
		CodeInternalError,
		fmt.Sprintf("Error processing %s", method),
		CategoryInternal,
		SeverityError,
	).WithContext(ctx)
}

// ConvertStandardError converts common Go errors to BSPErrors
func ConvertStandardError(err error) BSPError {
	if err == nil {
		return nil
	}

	if bspErr, ok := AsBSPError(err); ok {
		return bspErr
	}

	if errors.Is(err, context.Canceled) {
		return RequestCancelled("request")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, CodeRequestTimeout, "Request timed out", CategoryTimeout, SeverityError)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return WrapError(err, CodeParseError, "Invalid JSON", CategoryProtocol, SeverityError)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return WrapError(err, CodeInvalidParams, "Invalid parameter type", CategoryValidation, SeverityError)
	}

	return WrapError(err, CodeInternalError, "Internal error", CategoryInternal, SeverityError)
}

// CreateParseError creates a standardized parse error
func CreateParseError(details string) BSPError {
	message := "Parse error"
	if details != "" {
		message = fmt.Sprintf("Parse error: %s", details)
	}

	return NewError(CodeParseError, message, CategoryProtocol, SeverityError).WithDetail(details)
}

// CreateInvalidParamsError creates a standardized invalid params error
func CreateInvalidParamsError(method string, requestID interface{}, details string) BSPError {
	message := "Invalid method parameters"
	if details != "" {
		message = fmt.Sprintf("Invalid method parameters: %s", details)
	}

	return NewError(
		CodeInvalidParams,
		message,
		CategoryValidation,
		SeverityError,
	).WithContext(&Context{
		Method:    method,
		RequestID: protocol.IDKey(requestID),
	}).WithDetail(details)
}

// CreateInternalError creates a standardized internal error
func CreateInternalError(operation string, cause error) BSPError {
	message := "Internal error"
	if operation != "" {
		message = fmt.Sprintf("Internal error during %s", operation)
	}

	err := WrapError(cause, CodeInternalError, message, CategoryInternal, SeverityError)
	if operation != "" {
		err = err.WithContext(&Context{Operation: operation})
	}
	return err
}

// IsRetryableError reports whether an error may succeed when retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if bspErr, ok := AsBSPError(err); ok {
		if data, ok := bspErr.Data().(*TransportErrorData); ok {
			return data.Retryable
		}

		switch bspErr.Category() {
		case CategoryTimeout:
			return true
		case CategoryCancelled, CategoryCapability, CategoryLifecycle, CategoryValidation:
			return false
		}

		switch bspErr.Code() {
		case CodeTransportError, CodeRequestTimeout:
			return true
		}
		return false
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether an error represents a cancelled request
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if bspErr, ok := AsBSPError(err); ok {
		return bspErr.Code() == CodeRequestCancelled
	}
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == protocol.RequestCancelled
	}
	return false
}
