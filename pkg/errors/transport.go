package errors

import (
	"fmt"
	"time"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport string        `json:"transport"`
	Operation string        `json:"operation,omitempty"`
	Connected bool          `json:"connected"`
	Retryable bool          `json:"retryable"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

func reasonOf(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// TransportError creates a generic transport error
func TransportError(transport, operation string, cause error) BSPError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Retryable: true,
		Reason:    reasonOf(cause),
	})
}

// StreamTransportError creates an error for stream (stdio, socket, pipe)
// transport failures. These are not retryable: a broken stream stays broken.
func StreamTransportError(transport, operation string, cause error) BSPError {
	message := fmt.Sprintf("%s transport error during %s", transport, operation)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Connected: true,
		Retryable: false,
		Reason:    reasonOf(cause),
	})
}

// ConnectionClosed reports that the peer went away while a request was pending
func ConnectionClosed(transport string, cause error) BSPError {
	return WrapError(
		cause,
		CodeConnectionClosed,
		fmt.Sprintf("%s connection closed", transport),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Connected: false,
		Retryable: false,
		Reason:    reasonOf(cause),
	})
}

// RequestTimeout reports that no response arrived in time
func RequestTimeout(method, requestID string, timeout time.Duration) BSPError {
	return NewError(
		CodeRequestTimeout,
		fmt.Sprintf("Request %s (%s) timed out after %v", requestID, method, timeout),
		CategoryTimeout,
		SeverityError,
	).WithData(&TransportErrorData{
		Operation: method,
		Connected: true,
		Retryable: true,
		Timeout:   timeout,
	}).WithContext(&Context{Method: method, RequestID: requestID, Timestamp: time.Now()})
}

// TransportNotInitialized creates an error for using a transport before Initialize
func TransportNotInitialized(transport string) BSPError {
	return NewError(
		CodeTransportNotReady,
		fmt.Sprintf("%s transport not initialized", transport),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{Transport: transport})
}

// TransportAlreadyRunning creates an error for a second Start
func TransportAlreadyRunning(transport string) BSPError {
	return NewError(
		CodeTransportNotReady,
		fmt.Sprintf("%s transport already running", transport),
		CategoryTransport,
		SeverityWarning,
	).WithData(&TransportErrorData{Transport: transport, Connected: true})
}

// InvalidTransportConfiguration creates an error for bad transport settings
func InvalidTransportConfiguration(transport, parameter, reason string) BSPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Invalid %s transport configuration: %s %s", transport, parameter, reason),
		CategoryValidation,
		SeverityError,
	).WithData(&ParameterErrorData{
		Parameter: parameter,
		Reason:    reason,
	})
}

// MessageTooLarge creates an error for frames exceeding the configured limit
func MessageTooLarge(transport string, size, maxSize int64) BSPError {
	return NewError(
		CodeInvalidRequest,
		fmt.Sprintf("%s message of %d bytes exceeds limit of %d bytes", transport, size, maxSize),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{Transport: transport, Connected: true})
}
