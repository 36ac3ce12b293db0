package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// Transport defines the core interface for build protocol transports.
type Transport interface {
	// Initialize prepares the transport for use
	Initialize(ctx context.Context) error

	// SendRequest sends a request and waits for its response. A JSON-RPC
	// error response is returned as a *protocol.Error.
	SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	SendNotification(ctx context.Context, method string, params interface{}) error

	// Handler registration
	RegisterRequestHandler(method string, handler RequestHandler)
	RegisterNotificationHandler(method string, handler NotificationHandler)

	// Lifecycle management. Start blocks until the peer disconnects, Stop is
	// called or the context is cancelled.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Message handling
	HandleResponse(response *protocol.Response)
	HandleRequest(ctx context.Context, request *protocol.Request) (*protocol.Response, error)
	HandleNotification(ctx context.Context, notification *protocol.Notification) error

	// Utilities
	GenerateID() string
	Cleanup()
}

// RequestHandler handles incoming requests. Params are the raw JSON params.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationHandler handles incoming notifications
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// ErrorHandler handles transport errors that cannot be returned to a caller
type ErrorHandler func(err error)

// TransportType identifies the base transport implementation
type TransportType string

const (
	TransportTypeStdio  TransportType = "stdio"
	TransportTypeSocket TransportType = "socket"
	TransportTypePipe   TransportType = "pipe"
)

// TransportConfig is the unified configuration for all transports
type TransportConfig struct {
	// Type of transport to create
	Type TransportType `json:"type"`

	// Framing of messages on the stream
	Framing FramingType `json:"framing"`

	// Custom streams for stdio, defaulting to os.Stdin and os.Stdout
	Reader io.Reader `json:"-"`
	Writer io.Writer `json:"-"`

	// Connection for socket transports
	Conn net.Conn `json:"-"`

	// Logger receives transport diagnostics. Defaults to a no-op logger.
	Logger logging.Logger `json:"-"`

	// Feature configuration
	Features FeatureConfig `json:"features"`

	// Component configurations
	Reliability   ReliabilityConfig   `json:"reliability"`
	Observability ObservabilityConfig `json:"observability"`
	Performance   PerformanceConfig   `json:"performance"`
}

// FeatureConfig controls which middleware are enabled
type FeatureConfig struct {
	EnableReliability   bool `json:"enable_reliability"`
	EnableObservability bool `json:"enable_observability"`
}

// ReliabilityConfig for retry and resilience. Retries only apply to
// read-only query methods; build actions are never replayed.
type ReliabilityConfig struct {
	MaxRetries         int                  `json:"max_retries"`
	InitialRetryDelay  time.Duration        `json:"initial_retry_delay"`
	MaxRetryDelay      time.Duration        `json:"max_retry_delay"`
	RetryBackoffFactor float64              `json:"retry_backoff_factor"`
	CircuitBreaker     CircuitBreakerConfig `json:"circuit_breaker"`
}

// CircuitBreakerConfig for circuit breaker pattern
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// ObservabilityConfig for metrics and logging
type ObservabilityConfig struct {
	EnableMetrics bool   `json:"enable_metrics"`
	EnableLogging bool   `json:"enable_logging"`
	LogLevel      string `json:"log_level"`
	MetricsPrefix string `json:"metrics_prefix"`
}

// PerformanceConfig for performance tuning
type PerformanceConfig struct {
	// MaxMessageSize bounds a single frame in bytes, 0 means unlimited
	MaxMessageSize int64 `json:"max_message_size"`
	// MaxConcurrency bounds concurrently running request handlers
	MaxConcurrency int `json:"max_concurrency"`
	// RequestTimeout bounds outgoing requests without a deadline, 0 disables it
	RequestTimeout time.Duration `json:"request_timeout"`
	// CancelGracePeriod is how long a cancelled request waits for the peer's
	// own answer before resolving locally
	CancelGracePeriod time.Duration `json:"cancel_grace_period"`
}

// Errors
var (
	ErrUnsupportedMethod        = errors.New("unsupported method")
	ErrUnsupportedTransportType = errors.New("unsupported transport type")
)

// NewTransport creates a new transport with the specified configuration
func NewTransport(config TransportConfig) (Transport, error) {
	if err := validateTransportConfig(config); err != nil {
		return nil, err
	}

	var base Transport
	var err error

	switch config.Type {
	case TransportTypeStdio:
		base, err = newStdioTransport(config)
	case TransportTypeSocket:
		base, err = newSocketTransport(config)
	default:
		return nil, ErrUnsupportedTransportType
	}

	if err != nil {
		return nil, err
	}

	return applyMiddleware(base, config), nil
}

// applyMiddleware wraps a base transport with the configured middleware chain
func applyMiddleware(base Transport, config TransportConfig) Transport {
	builder := NewMiddlewareBuilder(config)
	return ChainMiddleware(builder.Build()...).Wrap(base)
}

// validateTransportConfig validates the transport configuration
func validateTransportConfig(config TransportConfig) error {
	if err := validateFraming(config); err != nil {
		return err
	}

	switch config.Type {
	case TransportTypeStdio:
		return nil
	case TransportTypeSocket:
		if config.Conn == nil {
			return bsperrors.InvalidTransportConfiguration(string(config.Type), "conn",
				"a connection is required for socket transports")
		}
		return nil
	case TransportTypePipe:
		return errors.New("pipe transports are created in pairs with NewPipe")
	default:
		return ErrUnsupportedTransportType
	}
}

func validateFraming(config TransportConfig) error {
	switch config.Framing {
	case "", FramingHeader, FramingLine:
		return nil
	default:
		return bsperrors.InvalidTransportConfiguration(string(config.Type), "framing",
			fmt.Sprintf("unknown framing %q", config.Framing))
	}
}

// BaseTransport provides common functionality for all transport implementations.
// It handles request/response correlation, handler registration, cancellation
// of in-flight requests and ID generation.
type BaseTransport struct {
	sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	nextID               int64
	pendingRequests      map[string]chan *protocol.Response
	inflight             map[string]context.CancelFunc
	requestIDPrefix      string
	logger               logging.Logger
}

// NewBaseTransport creates a new BaseTransport
func NewBaseTransport() *BaseTransport {
	return &BaseTransport{
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		nextID:               1,
		pendingRequests:      make(map[string]chan *protocol.Response),
		inflight:             make(map[string]context.CancelFunc),
		requestIDPrefix:      "req",
		logger:               logging.NewNop(),
	}
}

// SetLogger replaces the transport logger
func (t *BaseTransport) SetLogger(logger logging.Logger) {
	if logger == nil {
		return
	}
	t.Lock()
	defer t.Unlock()
	t.logger = logger
}

// Logger returns the transport logger
func (t *BaseTransport) Logger() logging.Logger {
	t.RLock()
	defer t.RUnlock()
	return t.logger
}

// HandleRequest tracks the request for cancellation and runs its handler.
func (t *BaseTransport) HandleRequest(ctx context.Context, request *protocol.Request) (*protocol.Response, error) {
	ctx, release := t.trackRequest(ctx, request.ID)
	defer release()
	return t.handleTrackedRequest(ctx, request)
}

// trackRequest derives a cancellable context for an incoming request and
// registers it under the request id until release is called.
func (t *BaseTransport) trackRequest(ctx context.Context, id interface{}) (context.Context, func()) {
	key := protocol.IDKey(id)
	ctx, cancel := context.WithCancel(ctx)
	ctx = logging.ContextWithRequestID(ctx, key)

	t.Lock()
	t.inflight[key] = cancel
	t.Unlock()

	return ctx, func() {
		t.Lock()
		delete(t.inflight, key)
		t.Unlock()
		cancel()
	}
}

// handleTrackedRequest runs the handler with panic recovery and converts its
// outcome into a response.
func (t *BaseTransport) handleTrackedRequest(ctx context.Context, request *protocol.Request) (resp *protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.Logger().Error("Panic in request handler",
				logging.String("method", request.Method),
				logging.Any("id", request.ID),
				logging.Any("panic", r))
			resp = errorResponse(request.ID, &protocol.Error{
				Code:    protocol.InternalError,
				Message: fmt.Sprintf("Internal server error processing %s", request.Method),
			})
			err = nil
		}
	}()

	t.RLock()
	handler, ok := t.requestHandlers[request.Method]
	t.RUnlock()

	if !ok {
		return errorResponse(request.ID, bsperrors.ToJSONRPCError(bsperrors.MethodNotFound(request.Method))), nil
	}

	result, handlerErr := handler(ctx, request.Params)
	if handlerErr != nil {
		return errorResponse(request.ID, bsperrors.ToJSONRPCError(handlerErr)), nil
	}

	resultBytes, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return errorResponse(request.ID, &protocol.Error{
			Code:    protocol.InternalError,
			Message: fmt.Sprintf("failed to marshal result: %v", marshalErr),
		}), nil
	}

	return &protocol.Response{
		JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
		ID:             request.ID,
		Result:         resultBytes,
	}, nil
}

func errorResponse(id interface{}, rpcErr *protocol.Error) *protocol.Response {
	return &protocol.Response{
		JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
		ID:             id,
		Error:          rpcErr,
	}
}

// CancelRequest cancels the context of an in-flight incoming request.
// It reports whether a matching request was found.
func (t *BaseTransport) CancelRequest(id interface{}) bool {
	key := protocol.IDKey(id)
	t.RLock()
	cancel, ok := t.inflight[key]
	t.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every in-flight incoming request
func (t *BaseTransport) CancelAll() {
	t.RLock()
	defer t.RUnlock()
	for _, cancel := range t.inflight {
		cancel()
	}
}

// HandleResponse delivers a response to the request waiting for it
func (t *BaseTransport) HandleResponse(response *protocol.Response) {
	key := protocol.IDKey(response.ID)
	t.Lock()
	ch, ok := t.pendingRequests[key]
	if ok {
		delete(t.pendingRequests, key)
	}
	t.Unlock()

	if !ok {
		t.Logger().Debug("Dropping response for unknown request", logging.String("id", key))
		return
	}
	ch <- response
}

// HandleNotification processes an incoming notification with panic recovery.
// $/cancelRequest is consumed here and cancels the matching request.
func (t *BaseTransport) HandleNotification(ctx context.Context, notification *protocol.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error processing notification %s: %v", notification.Method, r)
		}
	}()

	if notification.Method == protocol.MethodCancelRequest {
		var params protocol.CancelParams
		if err := json.Unmarshal(notification.Params, &params); err != nil {
			return bsperrors.CreateInvalidParamsError(notification.Method, nil, err.Error())
		}
		if !t.CancelRequest(params.ID) {
			t.Logger().Debug("Cancel for unknown request", logging.String("id", protocol.IDKey(params.ID)))
		}
		return nil
	}

	t.RLock()
	handler, ok := t.notificationHandlers[notification.Method]
	t.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, notification.Method)
	}

	return handler(ctx, notification.Params)
}

// registerPending creates the channel a response for id will be delivered on
func (t *BaseTransport) registerPending(id string) chan *protocol.Response {
	ch := make(chan *protocol.Response, 1)
	t.Lock()
	t.pendingRequests[id] = ch
	t.Unlock()
	return ch
}

func (t *BaseTransport) removePending(id string) {
	t.Lock()
	delete(t.pendingRequests, id)
	t.Unlock()
}

// WaitForResponse registers id and waits for its response
func (t *BaseTransport) WaitForResponse(ctx context.Context, id string) (*protocol.Response, error) {
	ch := t.registerPending(id)

	select {
	case response, ok := <-ch:
		if !ok {
			return nil, bsperrors.ConnectionClosed("base", nil)
		}
		return response, nil
	case <-ctx.Done():
		t.removePending(id)
		return nil, ctx.Err()
	}
}

// RegisterRequestHandler registers a handler for incoming requests
func (t *BaseTransport) RegisterRequestHandler(method string, handler RequestHandler) {
	t.Lock()
	defer t.Unlock()
	t.requestHandlers[method] = handler
}

// RegisterNotificationHandler registers a handler for incoming notifications
func (t *BaseTransport) RegisterNotificationHandler(method string, handler NotificationHandler) {
	t.Lock()
	defer t.Unlock()
	t.notificationHandlers[method] = handler
}

// GetNextID returns the next unique ID
func (t *BaseTransport) GetNextID() int64 {
	t.Lock()
	defer t.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

// GenerateID generates a unique request ID
func (t *BaseTransport) GenerateID() string {
	return fmt.Sprintf("%s_%d", t.requestIDPrefix, t.GetNextID())
}

// Cleanup cancels in-flight requests and fails every pending outgoing request
func (t *BaseTransport) Cleanup() {
	t.Lock()
	defer t.Unlock()

	for _, cancel := range t.inflight {
		cancel()
	}
	for _, ch := range t.pendingRequests {
		close(ch)
	}
	t.pendingRequests = make(map[string]chan *protocol.Response)
}

// DefaultTransportConfig returns a transport configuration with sensible defaults
func DefaultTransportConfig(transportType TransportType) TransportConfig {
	return TransportConfig{
		Type:    transportType,
		Framing: FramingHeader,
		Features: FeatureConfig{
			EnableReliability:   true,
			EnableObservability: true,
		},
		Reliability: ReliabilityConfig{
			MaxRetries:         2,
			InitialRetryDelay:  200 * time.Millisecond,
			MaxRetryDelay:      5 * time.Second,
			RetryBackoffFactor: 2.0,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			EnableLogging: true,
			LogLevel:      "info",
			MetricsPrefix: "bsp_transport",
		},
		Performance: PerformanceConfig{
			MaxMessageSize:    64 << 20,
			MaxConcurrency:    32,
			CancelGracePeriod: 2 * time.Second,
		},
	}
}
