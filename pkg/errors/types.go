// Package errors provides structured error handling for the build protocol SDK.
// Every error carries a JSON-RPC code so it can be returned to the peer, plus a
// category and severity so callers can tell ordering violations, capability
// violations, cancellation and execution failures apart.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// Category classifies an error by which side of the connection caused it
type Category string

const (
	// Client faults: the peer broke the protocol contract
	CategoryValidation Category = "validation"
	CategoryCapability Category = "capability"
	CategoryLifecycle  Category = "lifecycle"
	CategoryProtocol   Category = "protocol"
	CategoryNotFound   Category = "not_found"

	// Server side and connection failures
	CategoryTransport Category = "transport"
	CategoryProvider  Category = "provider"
	CategoryInternal  Category = "internal"
	CategoryTimeout   Category = "timeout"
	CategoryCancelled Category = "cancelled"
)

// ClientFault reports whether errors of the category are caused by a peer
// that sent something the session could not accept
func (c Category) ClientFault() bool {
	switch c {
	case CategoryValidation, CategoryCapability, CategoryLifecycle, CategoryProtocol, CategoryNotFound:
		return true
	}
	return false
}

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records the request an error belongs to
type Context struct {
	RequestID  string                 `json:"request_id,omitempty"`
	Method     string                 `json:"method,omitempty"`
	OriginID   string                 `json:"origin_id,omitempty"`
	State      string                 `json:"state,omitempty"`
	Target     protocol.URI           `json:"target,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Component  string                 `json:"component,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
}

// BSPError defines the interface for all SDK errors
type BSPError interface {
	error

	// Code returns the JSON-RPC error code
	Code() int
	// Message returns a human-readable error message
	Message() string
	// Details returns detailed technical description for debugging
	Details() string
	// Data returns the payload sent as the JSON-RPC error data
	Data() interface{}
	Category() Category
	Severity() Severity
	Context() *Context

	// WithContext returns a copy carrying ctx
	WithContext(ctx *Context) BSPError
	// WithDetail returns a copy with detail appended to the details
	WithDetail(detail string) BSPError
	// WithData returns a copy carrying data
	WithData(data interface{}) BSPError

	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

type bspError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func newError(cause error, code int, category Category, severity Severity, message string) *bspError {
	return &bspError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    cause,
		context:  &Context{Timestamp: time.Now()},
	}
}

// NewError creates a BSPError
func NewError(code int, message string, category Category, severity Severity) BSPError {
	return newError(nil, code, category, severity, message)
}

// NewErrorf creates a BSPError with a formatted message
func NewErrorf(code int, category Category, severity Severity, format string, args ...interface{}) BSPError {
	return newError(nil, code, category, severity, fmt.Sprintf(format, args...))
}

// WrapError creates a BSPError caused by err
func WrapError(err error, code int, message string, category Category, severity Severity) BSPError {
	return newError(err, code, category, severity, message)
}

// WrapErrorf creates a BSPError caused by err with a formatted message
func WrapErrorf(err error, code int, category Category, severity Severity, format string, args ...interface{}) BSPError {
	return newError(err, code, category, severity, fmt.Sprintf(format, args...))
}

func (e *bspError) Error() string {
	if e.details != "" {
		return e.message + ": " + e.details
	}
	return e.message
}

func (e *bspError) Code() int          { return e.code }
func (e *bspError) Message() string    { return e.message }
func (e *bspError) Details() string    { return e.details }
func (e *bspError) Data() interface{}  { return e.data }
func (e *bspError) Category() Category { return e.category }
func (e *bspError) Severity() Severity { return e.severity }
func (e *bspError) Context() *Context  { return e.context }
func (e *bspError) Unwrap() error      { return e.cause }

func (e *bspError) clone() *bspError {
	c := *e
	return &c
}

// WithContext keeps the target already recorded when ctx names none
func (e *bspError) WithContext(ctx *Context) BSPError {
	c := e.clone()
	if ctx != nil && ctx.Target == "" && e.context != nil && e.context.Target != "" {
		scoped := *ctx
		scoped.Target = e.context.Target
		ctx = &scoped
	}
	c.context = ctx
	return c
}

func (e *bspError) WithDetail(detail string) BSPError {
	c := e.clone()
	if c.details != "" {
		c.details += "; " + detail
	} else {
		c.details = detail
	}
	return c
}

func (e *bspError) WithData(data interface{}) BSPError {
	c := e.clone()
	c.data = data
	return c
}

func (e *bspError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"name":     GetErrorCodeName(e.code),
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}
	if e.details != "" {
		result["details"] = e.details
	}
	if e.data != nil {
		result["data"] = e.data
	}
	if e.context != nil {
		result["context"] = e.context
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}
	return result
}

func (e *bspError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// AsBSPError extracts a BSPError from anywhere in the error chain
func AsBSPError(err error) (BSPError, bool) {
	if err == nil {
		return nil, false
	}
	var bspErr BSPError
	if errors.As(err, &bspErr) {
		return bspErr, true
	}
	return nil, false
}

// IsBSPError checks if an error is a BSPError
func IsBSPError(err error) bool {
	_, ok := AsBSPError(err)
	return ok
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	bspErr, ok := AsBSPError(err)
	return ok && bspErr.Category() == category
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code int) bool {
	bspErr, ok := AsBSPError(err)
	return ok && bspErr.Code() == code
}

// ForTarget returns err with its context naming target
func ForTarget(err BSPError, target protocol.URI) BSPError {
	ctx := Context{Timestamp: time.Now()}
	if c := err.Context(); c != nil {
		ctx = *c
	}
	ctx.Target = target
	return err.WithContext(&ctx)
}

// IsClientFault reports whether err was caused by the peer breaking the
// protocol: requests out of order, missing capabilities or bad params
func IsClientFault(err error) bool {
	bspErr, ok := AsBSPError(err)
	return ok && bspErr.Category().ClientFault()
}

// StatusOf maps the outcome of building one target to the status reported
// in its task finish: nil is Ok, cancellation is Cancelled, anything else
// is Error
func StatusOf(err error) protocol.StatusCode {
	switch {
	case err == nil:
		return protocol.StatusOK
	case IsCancelled(err):
		return protocol.StatusCancelled
	default:
		return protocol.StatusError
	}
}
