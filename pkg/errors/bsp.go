package errors

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// LifecycleErrorData describes a message that arrived in the wrong session state
type LifecycleErrorData struct {
	Method   string `json:"method"`
	State    string `json:"state"`
	Expected string `json:"expected,omitempty"`
}

// CapabilityErrorData describes a request outside the negotiated capabilities
type CapabilityErrorData struct {
	Capability        string   `json:"capability"`
	Method            string   `json:"method,omitempty"`
	Supported         bool     `json:"supported"`
	Target            string   `json:"target,omitempty"`
	TargetLanguages   []string `json:"targetLanguages,omitempty"`
	ProviderLanguages []string `json:"providerLanguages,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// ProviderErrorData contains structured data for provider-related errors
type ProviderErrorData struct {
	ProviderType string `json:"provider_type"`
	Operation    string `json:"operation,omitempty"`
	Configured   bool   `json:"configured"`
	Reason       string `json:"reason,omitempty"`
}

// CancellationErrorData identifies a cancelled request
type CancellationErrorData struct {
	Method    string `json:"method,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	OriginID  string `json:"origin_id,omitempty"`
}

// Lifecycle errors

// ServerNotInitialized rejects a request received before build/initialized
func ServerNotInitialized(method, state string) BSPError {
	return NewError(
		CodeServerNotInitialized,
		fmt.Sprintf("Server not initialized: %s received in state %s", method, state),
		CategoryLifecycle,
		SeverityError,
	).WithData(&LifecycleErrorData{
		Method:   method,
		State:    state,
		Expected: "build/initialize",
	})
}

// OutOfOrder rejects a message that the current session state does not admit
func OutOfOrder(method, state string) BSPError {
	return NewError(
		CodeInvalidRequest,
		fmt.Sprintf("Request out of order: %s not allowed in state %s", method, state),
		CategoryLifecycle,
		SeverityError,
	).WithData(&LifecycleErrorData{
		Method: method,
		State:  state,
	})
}

// InvalidTransition reports an illegal session state change
func InvalidTransition(from, to string) BSPError {
	return NewError(
		CodeInvalidRequest,
		fmt.Sprintf("Invalid session transition from %s to %s", from, to),
		CategoryLifecycle,
		SeverityError,
	).WithData(&LifecycleErrorData{
		State:    from,
		Expected: to,
	})
}

// ProtocolViolation reports a peer that broke the protocol contract
func ProtocolViolation(reason string) BSPError {
	return NewError(
		CodeInvalidRequest,
		fmt.Sprintf("Protocol violation: %s", reason),
		CategoryProtocol,
		SeverityWarning,
	)
}

// Capability errors

// MethodNotFound rejects a method the server does not implement
func MethodNotFound(method string) BSPError {
	return NewError(
		CodeMethodNotFound,
		fmt.Sprintf("Method not found: %s", method),
		CategoryProtocol,
		SeverityError,
	).WithContext(&Context{Method: method})
}

// CapabilityRequired rejects a request whose capability was not advertised
func CapabilityRequired(capability, method string) BSPError {
	return NewError(
		CodeMethodNotFound,
		fmt.Sprintf("Method not supported: %s requires capability %s", method, capability),
		CategoryCapability,
		SeverityError,
	).WithData(&CapabilityErrorData{
		Capability: capability,
		Method:     method,
		Supported:  false,
		Reason:     "capability not advertised",
	})
}

// LanguageNotSupported rejects a request for a target whose languages are
// disjoint from the languages the capability was advertised for
func LanguageNotSupported(capability, method, target string, targetLanguages, providerLanguages []string) BSPError {
	return ForTarget(NewError(
		CodeMethodNotFound,
		fmt.Sprintf("Method not supported: %s for target %s (languages [%s], supported [%s])",
			method, target, strings.Join(targetLanguages, ", "), strings.Join(providerLanguages, ", ")),
		CategoryCapability,
		SeverityError,
	).WithData(&CapabilityErrorData{
		Capability:        capability,
		Method:            method,
		Supported:         false,
		Target:            target,
		TargetLanguages:   targetLanguages,
		ProviderLanguages: providerLanguages,
		Reason:            "language not supported",
	}), protocol.URI(target))
}

// Cancellation

// RequestCancelled reports a request cancelled by the client
func RequestCancelled(method string) BSPError {
	return NewError(
		CodeRequestCancelled,
		fmt.Sprintf("Request cancelled: %s", method),
		CategoryCancelled,
		SeverityInfo,
	).WithData(&CancellationErrorData{Method: method})
}

// Provider errors

// ProviderNotConfigured creates an error for missing providers
func ProviderNotConfigured(providerType string) BSPError {
	return NewError(
		CodeMethodNotFound,
		fmt.Sprintf("%s provider not configured", providerType),
		CategoryProvider,
		SeverityError,
	).WithData(&ProviderErrorData{
		ProviderType: providerType,
		Configured:   false,
	})
}

// ProviderError wraps a failure returned by a provider
func ProviderError(providerType, operation string, cause error) BSPError {
	message := fmt.Sprintf("%s provider error", providerType)
	if operation != "" {
		message = fmt.Sprintf("%s provider error during %s", providerType, operation)
	}
	reason := ""
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
		reason = cause.Error()
	}

	return WrapError(
		cause,
		CodeServerError,
		message,
		CategoryProvider,
		SeverityError,
	).WithData(&ProviderErrorData{
		ProviderType: providerType,
		Operation:    operation,
		Configured:   true,
		Reason:       reason,
	})
}

// UnknownTarget rejects a request naming a target the server does not know
func UnknownTarget(uri string) BSPError {
	return ForTarget(NewError(
		CodeInvalidParams,
		fmt.Sprintf("Unknown build target: %s", uri),
		CategoryNotFound,
		SeverityError,
	).WithData(map[string]interface{}{"target": uri}), protocol.URI(uri))
}
