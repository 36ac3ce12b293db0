package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/transport"
)

// ObservabilityConfig configures the enhanced observability middleware
type ObservabilityConfig struct {
	// Tracing configuration
	EnableTracing bool
	TracingConfig TracingConfig

	// Metrics configuration
	EnableMetrics bool
	MetricsConfig MetricsConfig

	// Feature flags
	CaptureRequestPayload bool // Capture outgoing request payloads in spans
	RecordPanics          bool // Record handler panics as span events
}

// EnhancedObservabilityMiddleware traces every build protocol message as a
// bsp.<method> span and records it in Prometheus
type EnhancedObservabilityMiddleware struct {
	config  ObservabilityConfig
	tracer  *TracingProvider
	metrics MetricsProvider
	owned   bool
}

// NewEnhancedObservabilityMiddleware creates the middleware and the
// providers the configuration enables. The providers are shut down with the
// wrapped transport.
func NewEnhancedObservabilityMiddleware(config ObservabilityConfig) (*EnhancedObservabilityMiddleware, error) {
	m := &EnhancedObservabilityMiddleware{config: config, owned: true}

	if config.EnableTracing {
		t, err := NewTracingProvider(config.TracingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracing provider: %w", err)
		}
		m.tracer = t
	}

	if config.EnableMetrics {
		p, err := NewMetricsProvider(config.MetricsConfig)
		if err != nil {
			if m.tracer != nil {
				_ = m.tracer.Shutdown(context.Background())
			}
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		m.metrics = p
	}

	return m, nil
}

// NewObservabilityMiddlewareWithProviders builds the middleware on existing
// providers, either of which may be nil. The caller keeps ownership of them.
func NewObservabilityMiddlewareWithProviders(tracer *TracingProvider, metrics MetricsProvider) *EnhancedObservabilityMiddleware {
	return &EnhancedObservabilityMiddleware{
		config: ObservabilityConfig{
			EnableTracing: tracer != nil,
			EnableMetrics: metrics != nil,
		},
		tracer:  tracer,
		metrics: metrics,
	}
}

// Tracer returns the tracing provider, nil when tracing is off
func (m *EnhancedObservabilityMiddleware) Tracer() *TracingProvider {
	return m.tracer
}

// Metrics returns the metrics provider, nil when metrics are off. It can
// be passed to server.WithRecorder.
func (m *EnhancedObservabilityMiddleware) Metrics() MetricsProvider {
	return m.metrics
}

// Wrap implements the transport.Middleware interface
func (m *EnhancedObservabilityMiddleware) Wrap(next transport.Transport) transport.Transport {
	return &observabilityTransport{Transport: next, middleware: m}
}

// observabilityTransport instruments outgoing calls directly and incoming
// ones by wrapping handlers as they are registered
type observabilityTransport struct {
	transport.Transport
	middleware *EnhancedObservabilityMiddleware
}

func (ot *observabilityTransport) tracing() bool {
	return ot.middleware.config.EnableTracing && ot.middleware.tracer != nil
}

func (ot *observabilityTransport) metering() bool {
	return ot.middleware.config.EnableMetrics && ot.middleware.metrics != nil
}

// Unwrap returns the wrapped transport
func (ot *observabilityTransport) Unwrap() transport.Transport {
	return ot.Transport
}

// SendRequest sends a request inside a client span
func (ot *observabilityTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var span trace.Span
	if ot.tracing() {
		ctx, span = ot.middleware.tracer.StartMethodSpan(ctx, method, trace.SpanKindClient, originAttrs(originOfParams(params))...)
		defer span.End()

		if ot.middleware.config.CaptureRequestPayload && params != nil {
			if payload, err := json.Marshal(params); err == nil {
				span.SetAttributes(attribute.String("rpc.request.payload", string(payload)))
			}
		}
	}

	start := time.Now()
	result, err := ot.Transport.SendRequest(ctx, method, params)
	duration := time.Since(start)

	if ot.metering() {
		ot.middleware.metrics.RecordRequest(ctx, method, statusOf(err), duration)
		if err != nil && !bsperrors.IsCancelled(err) {
			ot.middleware.metrics.RecordError(method, errorType(err))
		}
	}
	if span != nil {
		endSpan(span, duration, err)
	}
	return result, err
}

// SendNotification sends a notification inside a client span
func (ot *observabilityTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	var span trace.Span
	if ot.tracing() {
		ctx, span = ot.middleware.tracer.StartMethodSpan(ctx, method, trace.SpanKindProducer,
			append(originAttrs(originOfParams(params)), attribute.Bool("rpc.notification", true))...)
		defer span.End()
	}

	start := time.Now()
	err := ot.Transport.SendNotification(ctx, method, params)
	duration := time.Since(start)

	if ot.metering() {
		ot.middleware.metrics.RecordNotification(ctx, method, statusOf(err), duration)
	}
	if span != nil {
		endSpan(span, duration, err)
	}
	return err
}

// RegisterRequestHandler registers handler wrapped in a server span
func (ot *observabilityTransport) RegisterRequestHandler(method string, handler transport.RequestHandler) {
	ot.Transport.RegisterRequestHandler(method, func(ctx context.Context, params json.RawMessage) (result interface{}, err error) {
		var span trace.Span
		if ot.tracing() {
			ctx, span = ot.middleware.tracer.StartMethodSpan(ctx, method, trace.SpanKindServer, originAttrs(originOfRaw(params))...)
			defer span.End()
			if ot.middleware.config.RecordPanics {
				defer func() {
					if r := recover(); r != nil {
						span.RecordError(fmt.Errorf("panic: %v", r))
						span.SetStatus(codes.Error, "panic occurred")
						panic(r)
					}
				}()
			}
		}

		start := time.Now()
		result, err = handler(ctx, params)
		duration := time.Since(start)

		if ot.metering() {
			ot.middleware.metrics.RecordIncomingRequest(ctx, method, statusOf(err), duration)
			if err != nil && !bsperrors.IsCancelled(err) {
				ot.middleware.metrics.RecordError(method, errorType(err))
			}
		}
		if span != nil {
			endSpan(span, duration, err)
		}
		return result, err
	})
}

// RegisterNotificationHandler registers handler wrapped in a consumer span
func (ot *observabilityTransport) RegisterNotificationHandler(method string, handler transport.NotificationHandler) {
	ot.Transport.RegisterNotificationHandler(method, func(ctx context.Context, params json.RawMessage) error {
		var span trace.Span
		if ot.tracing() {
			ctx, span = ot.middleware.tracer.StartMethodSpan(ctx, method, trace.SpanKindConsumer,
				append(originAttrs(originOfRaw(params)), attribute.Bool("rpc.notification", true))...)
			defer span.End()
		}

		start := time.Now()
		err := handler(ctx, params)
		duration := time.Since(start)

		if ot.metering() {
			ot.middleware.metrics.RecordIncomingNotification(ctx, method, statusOf(err), duration)
		}
		if span != nil {
			endSpan(span, duration, err)
		}
		return err
	})
}

// Stop stops the transport, then the providers the middleware created
func (ot *observabilityTransport) Stop(ctx context.Context) error {
	err := ot.Transport.Stop(ctx)
	if !ot.middleware.owned {
		return err
	}

	if ot.middleware.tracer != nil {
		if shutdownErr := ot.middleware.tracer.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	if ot.middleware.metrics != nil {
		if shutdownErr := ot.middleware.metrics.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}

func endSpan(span trace.Span, duration time.Duration, err error) {
	span.SetAttributes(attribute.Float64("rpc.duration_ms", float64(duration)/float64(time.Millisecond)))
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	if code, ok := errorCode(err); ok {
		span.SetAttributes(attribute.Int("rpc.error.code", code))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func originAttrs(originID string) []attribute.KeyValue {
	if originID == "" {
		return nil
	}
	return []attribute.KeyValue{AttrOriginID.String(originID)}
}

// originOfParams returns the originId of typed outgoing params
func originOfParams(params interface{}) string {
	switch p := params.(type) {
	case *protocol.CompileParams:
		return p.OriginID
	case *protocol.TestParams:
		return p.OriginID
	case *protocol.RunParams:
		return p.OriginID
	case *protocol.TaskStartParams:
		return p.OriginID
	case *protocol.TaskProgressParams:
		return p.OriginID
	case *protocol.TaskFinishParams:
		return p.OriginID
	case *protocol.PublishDiagnosticsParams:
		return p.OriginID
	case *protocol.LogMessageParams:
		return p.OriginID
	case *protocol.ShowMessageParams:
		return p.OriginID
	case json.RawMessage:
		return originOfRaw(p)
	case []byte:
		return originOfRaw(p)
	default:
		return ""
	}
}

// originOfRaw returns the originId field of raw params, if any
func originOfRaw(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var envelope struct {
		OriginID string `json:"originId"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil {
		return ""
	}
	return envelope.OriginID
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case bsperrors.IsCancelled(err):
		return "cancelled"
	default:
		return "error"
	}
}

func errorCode(err error) (int, bool) {
	if bspErr, ok := bsperrors.AsBSPError(err); ok {
		return bspErr.Code(), true
	}
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return int(rpcErr.Code), true
	}
	return 0, false
}

// errorType names the failure for the error counter
func errorType(err error) string {
	if code, ok := errorCode(err); ok {
		return bsperrors.GetErrorCodeName(code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	return "UnknownError"
}
