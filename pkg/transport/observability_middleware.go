package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// ObservabilityMiddleware keeps in-process per-method counters and logs
// traffic through the transport logger.
type ObservabilityMiddleware struct {
	config  ObservabilityConfig
	metrics *transportMetrics
	logger  logging.Logger
}

// NewObservabilityMiddleware creates a new observability middleware
func NewObservabilityMiddleware(config ObservabilityConfig, logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ObservabilityMiddleware{
		config:  config,
		metrics: newTransportMetrics(config.MetricsPrefix),
		logger:  logger.WithFields(logging.String("component", "ObservabilityMiddleware")),
	}
}

// Wrap implements the Middleware interface
func (om *ObservabilityMiddleware) Wrap(transport Transport) Transport {
	return &observabilityTransport{
		middlewareTransport: middlewareTransport{next: transport},
		middleware:          om,
	}
}

// observabilityTransport wraps a transport with observability features
type observabilityTransport struct {
	middlewareTransport
	middleware *ObservabilityMiddleware
}

func (ot *observabilityTransport) debug(msg string, fields ...logging.Field) {
	if ot.middleware.config.EnableLogging {
		ot.middleware.logger.Debug(msg, fields...)
	}
}

func (ot *observabilityTransport) record(stats map[string]*methodStats, method string, start time.Time, err error) {
	if !ot.middleware.config.EnableMetrics {
		return
	}
	ot.middleware.metrics.stats(stats, method).observe(time.Since(start), err)
}

// SendRequest wraps the underlying SendRequest with observability
func (ot *observabilityTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	start := time.Now()
	ot.debug("Sending request", logging.String("method", method))

	result, err := ot.middlewareTransport.SendRequest(ctx, method, params)

	ot.record(ot.middleware.metrics.requests, method, start, err)
	if err != nil {
		ot.debug("Request failed", logging.String("method", method),
			logging.Duration("duration", time.Since(start)), logging.ErrorField(err))
	} else {
		ot.debug("Request succeeded", logging.String("method", method),
			logging.Duration("duration", time.Since(start)))
	}
	return result, err
}

// SendNotification wraps the underlying SendNotification with observability
func (ot *observabilityTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	start := time.Now()
	err := ot.middlewareTransport.SendNotification(ctx, method, params)

	ot.record(ot.middleware.metrics.notifications, method, start, err)
	if err != nil {
		ot.debug("Notification failed", logging.String("method", method), logging.ErrorField(err))
	}
	return err
}

// Start wraps the underlying Start with observability
func (ot *observabilityTransport) Start(ctx context.Context) error {
	ot.debug("Starting transport")
	ot.middleware.metrics.setTransportState("running")

	err := ot.middlewareTransport.Start(ctx)

	ot.middleware.metrics.setTransportState("stopped")
	if err != nil {
		ot.debug("Transport stopped with error", logging.ErrorField(err))
	} else {
		ot.debug("Transport stopped")
	}
	return err
}

// HandleRequest wraps the underlying HandleRequest with observability
func (ot *observabilityTransport) HandleRequest(ctx context.Context, request *protocol.Request) (*protocol.Response, error) {
	start := time.Now()
	response, err := ot.middlewareTransport.HandleRequest(ctx, request)

	if err == nil && response != nil && response.Error != nil {
		err = response.Error
	}
	ot.record(ot.middleware.metrics.incomingRequests, request.Method, start, err)
	return response, err
}

// HandleNotification wraps the underlying HandleNotification with observability
func (ot *observabilityTransport) HandleNotification(ctx context.Context, notification *protocol.Notification) error {
	start := time.Now()
	err := ot.middlewareTransport.HandleNotification(ctx, notification)
	ot.record(ot.middleware.metrics.incomingNotifications, notification.Method, start, err)
	return err
}

// GetMetrics returns the current metrics snapshot
func (ot *observabilityTransport) GetMetrics() *TransportMetricsSnapshot {
	if ot.middleware.config.EnableMetrics {
		return ot.middleware.metrics.snapshot()
	}
	return nil
}

// MetricsReporter is implemented by transports that keep in-process metrics
type MetricsReporter interface {
	GetMetrics() *TransportMetricsSnapshot
}

// transportMetrics holds per-method transport metrics
type transportMetrics struct {
	prefix string

	requests              map[string]*methodStats
	notifications         map[string]*methodStats
	incomingRequests      map[string]*methodStats
	incomingNotifications map[string]*methodStats

	transportState string

	mu sync.RWMutex
}

func newTransportMetrics(prefix string) *transportMetrics {
	return &transportMetrics{
		prefix:                prefix,
		requests:              make(map[string]*methodStats),
		notifications:         make(map[string]*methodStats),
		incomingRequests:      make(map[string]*methodStats),
		incomingNotifications: make(map[string]*methodStats),
		transportState:        "stopped",
	}
}

func (tm *transportMetrics) setTransportState(state string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.transportState = state
}

// stats gets or creates the stats for a method
func (tm *transportMetrics) stats(group map[string]*methodStats, method string) *methodStats {
	tm.mu.RLock()
	if s, exists := group[method]; exists {
		tm.mu.RUnlock()
		return s
	}
	tm.mu.RUnlock()

	tm.mu.Lock()
	defer tm.mu.Unlock()
	// Double-check after acquiring write lock
	if s, exists := group[method]; exists {
		return s
	}
	s := &methodStats{}
	group[method] = s
	return s
}

// methodStats counts outcomes for one method
type methodStats struct {
	total     atomic.Int64
	success   atomic.Int64
	errors    atomic.Int64
	cancelled atomic.Int64
	durations durationTracker
}

func (s *methodStats) observe(duration time.Duration, err error) {
	s.total.Add(1)
	switch {
	case err == nil:
		s.success.Add(1)
	case bsperrors.IsCancelled(err):
		s.cancelled.Add(1)
	default:
		s.errors.Add(1)
	}
	s.durations.observe(duration)
}

func (s *methodStats) snapshot() MethodMetrics {
	count, total, min, max, avg := s.durations.stats()
	return MethodMetrics{
		Total:     s.total.Load(),
		Success:   s.success.Load(),
		Errors:    s.errors.Load(),
		Cancelled: s.cancelled.Load(),
		Duration: DurationMetrics{
			Count: count,
			Total: total,
			Min:   min,
			Max:   max,
			Avg:   avg,
		},
	}
}

// durationTracker tracks duration statistics
type durationTracker struct {
	count   atomic.Int64
	totalNs atomic.Int64
	minNs   atomic.Int64
	maxNs   atomic.Int64
	mu      sync.Mutex
}

func (dt *durationTracker) observe(duration time.Duration) {
	nanos := duration.Nanoseconds()

	dt.count.Add(1)
	dt.totalNs.Add(nanos)

	dt.mu.Lock()
	if current := dt.minNs.Load(); current == 0 || nanos < current {
		dt.minNs.Store(nanos)
	}
	if current := dt.maxNs.Load(); nanos > current {
		dt.maxNs.Store(nanos)
	}
	dt.mu.Unlock()
}

func (dt *durationTracker) stats() (count int64, total, min, max, avg time.Duration) {
	c := dt.count.Load()
	if c == 0 {
		return 0, 0, 0, 0, 0
	}

	totalNs := dt.totalNs.Load()
	return c, time.Duration(totalNs), time.Duration(dt.minNs.Load()), time.Duration(dt.maxNs.Load()), time.Duration(totalNs / c)
}

// TransportMetricsSnapshot represents a point-in-time view of transport metrics
type TransportMetricsSnapshot struct {
	Prefix                string                   `json:"prefix"`
	TransportState        string                   `json:"transport_state"`
	Requests              map[string]MethodMetrics `json:"requests"`
	Notifications         map[string]MethodMetrics `json:"notifications"`
	IncomingRequests      map[string]MethodMetrics `json:"incoming_requests"`
	IncomingNotifications map[string]MethodMetrics `json:"incoming_notifications"`
}

// MethodMetrics represents metrics for a specific method
type MethodMetrics struct {
	Total     int64           `json:"total"`
	Success   int64           `json:"success"`
	Errors    int64           `json:"errors"`
	Cancelled int64           `json:"cancelled"`
	Duration  DurationMetrics `json:"duration"`
}

// DurationMetrics represents duration statistics
type DurationMetrics struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

func (tm *transportMetrics) snapshot() *TransportMetricsSnapshot {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	collect := func(group map[string]*methodStats) map[string]MethodMetrics {
		out := make(map[string]MethodMetrics, len(group))
		for method, s := range group {
			out[method] = s.snapshot()
		}
		return out
	}

	return &TransportMetricsSnapshot{
		Prefix:                tm.prefix,
		TransportState:        tm.transportState,
		Requests:              collect(tm.requests),
		Notifications:         collect(tm.notifications),
		IncomingRequests:      collect(tm.incomingRequests),
		IncomingNotifications: collect(tm.incomingNotifications),
	}
}

// String provides a human-readable representation of the metrics
func (snapshot *TransportMetricsSnapshot) String() string {
	return fmt.Sprintf("TransportMetrics{state=%s, requests=%d methods, notifications=%d methods, incoming_requests=%d methods, incoming_notifications=%d methods}",
		snapshot.TransportState,
		len(snapshot.Requests),
		len(snapshot.Notifications),
		len(snapshot.IncomingRequests),
		len(snapshot.IncomingNotifications))
}

// Metrics returns the in-process metrics of the first observability
// middleware in t's chain, or nil when there is none.
func Metrics(t Transport) *TransportMetricsSnapshot {
	for t != nil {
		if r, ok := t.(MetricsReporter); ok {
			return r.GetMetrics()
		}
		u, ok := t.(interface{ Unwrap() Transport })
		if !ok {
			return nil
		}
		t = u.Unwrap()
	}
	return nil
}
