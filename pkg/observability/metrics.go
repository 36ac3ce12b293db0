package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// HTTP endpoint
	ListenAddr  string // Address of the metrics server (default: :9090)
	MetricsPath string // HTTP path for the metrics endpoint (default: /metrics)

	// Metric options
	Namespace        string    // Prometheus namespace (default: bsp)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Latency buckets in milliseconds

	// Labels to add to all metrics
	ConstLabels prometheus.Labels

	// Registry receives the collectors. A private registry is created when
	// nil, so several providers can coexist in one process.
	Registry *prometheus.Registry
}

// MetricsProvider records build protocol traffic and server events. It
// satisfies the server's Recorder interface.
type MetricsProvider interface {
	// JSON-RPC traffic
	RecordRequest(ctx context.Context, method, status string, duration time.Duration)
	RecordNotification(ctx context.Context, method, status string, duration time.Duration)
	RecordIncomingRequest(ctx context.Context, method, status string, duration time.Duration)
	RecordIncomingNotification(ctx context.Context, method, status string, duration time.Duration)
	RecordError(method, errorType string)

	// Server events
	TaskStarted(dataKind string)
	TaskFinished(dataKind string, status protocol.StatusCode, duration time.Duration)
	CapabilityRejected(method, capability string)
	DiagnosticsPublished(count int)
	SessionTransition(from, to string)

	// Exposition
	Gatherer() prometheus.Gatherer
	Handler() http.Handler

	// Management
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config   MetricsConfig
	registry *prometheus.Registry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	// Traffic
	requestDuration      *prometheus.HistogramVec
	requestTotal         *prometheus.CounterVec
	notificationTotal    *prometheus.CounterVec
	incomingDuration     *prometheus.HistogramVec
	incomingRequestTotal *prometheus.CounterVec
	incomingNotifyTotal  *prometheus.CounterVec
	errorTotal           *prometheus.CounterVec

	// Tasks
	taskStarted  *prometheus.CounterVec
	taskFinished *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	tasksOpen    prometheus.Gauge

	// Session
	capabilityRejected   *prometheus.CounterVec
	diagnosticsPublished prometheus.Counter
	sessionState         *prometheus.GaugeVec
	sessionTransitions   *prometheus.CounterVec
}

var sessionStates = []string{"uninitialized", "initializing", "initialized", "shutting_down", "exited"}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "bsp"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":9090"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}
	}

	labels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		labels[k] = v
	}
	if config.ServiceName != "" {
		labels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		labels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		labels["environment"] = config.Environment
	}
	config.ConstLabels = labels

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	provider := &PrometheusMetricsProvider{
		config:   config,
		registry: registry,
	}
	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	provider.SessionTransition("", "uninitialized")
	return provider, nil
}

func (p *PrometheusMetricsProvider) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

func (p *PrometheusMetricsProvider) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		Buckets:     p.config.HistogramBuckets,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

// initializeMetrics creates all metric collectors
func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.requestDuration = p.histogramVec("request_duration_milliseconds",
		"Duration of outgoing requests in milliseconds", "method", "status")
	p.requestTotal = p.counterVec("request_total",
		"Total number of outgoing requests", "method", "status")
	p.notificationTotal = p.counterVec("notification_total",
		"Total number of outgoing notifications", "method", "status")

	p.incomingDuration = p.histogramVec("incoming_request_duration_milliseconds",
		"Time spent handling incoming requests in milliseconds", "method", "status")
	p.incomingRequestTotal = p.counterVec("incoming_request_total",
		"Total number of incoming requests", "method", "status")
	p.incomingNotifyTotal = p.counterVec("incoming_notification_total",
		"Total number of incoming notifications", "method", "status")

	p.errorTotal = p.counterVec("error_total",
		"Total number of failed requests by error type", "method", "type")

	p.taskStarted = p.counterVec("task_started_total",
		"Tasks started, by data kind", "data_kind")
	p.taskFinished = p.counterVec("task_finished_total",
		"Tasks finished, by data kind and status", "data_kind", "status")
	p.taskDuration = p.histogramVec("task_duration_milliseconds",
		"Task durations in milliseconds", "data_kind", "status")
	p.tasksOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "tasks_open",
		Help:        "Tasks started and not yet finished",
		ConstLabels: p.config.ConstLabels,
	})

	p.capabilityRejected = p.counterVec("capability_rejected_total",
		"Requests rejected because a capability was not advertised", "method", "capability")
	p.diagnosticsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "diagnostics_published_total",
		Help:        "Diagnostics sent to the client",
		ConstLabels: p.config.ConstLabels,
	})
	p.sessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "session_state",
		Help:        "Current session state (1 for the active state)",
		ConstLabels: p.config.ConstLabels,
	}, []string{"state"})
	p.sessionTransitions = p.counterVec("session_transitions_total",
		"Session state transitions", "from", "to")
}

// registerMetrics registers all metrics with the registry
func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.requestDuration,
		p.requestTotal,
		p.notificationTotal,
		p.incomingDuration,
		p.incomingRequestTotal,
		p.incomingNotifyTotal,
		p.errorTotal,
		p.taskStarted,
		p.taskFinished,
		p.taskDuration,
		p.tasksOpen,
		p.capabilityRejected,
		p.diagnosticsPublished,
		p.sessionState,
		p.sessionTransitions,
	}

	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RecordRequest records an outgoing request
func (p *PrometheusMetricsProvider) RecordRequest(ctx context.Context, method, status string, duration time.Duration) {
	p.requestDuration.WithLabelValues(method, status).Observe(milliseconds(duration))
	p.requestTotal.WithLabelValues(method, status).Inc()
}

// RecordNotification records an outgoing notification
func (p *PrometheusMetricsProvider) RecordNotification(ctx context.Context, method, status string, duration time.Duration) {
	p.notificationTotal.WithLabelValues(method, status).Inc()
}

// RecordIncomingRequest records a handled request
func (p *PrometheusMetricsProvider) RecordIncomingRequest(ctx context.Context, method, status string, duration time.Duration) {
	p.incomingDuration.WithLabelValues(method, status).Observe(milliseconds(duration))
	p.incomingRequestTotal.WithLabelValues(method, status).Inc()
}

// RecordIncomingNotification records a handled notification
func (p *PrometheusMetricsProvider) RecordIncomingNotification(ctx context.Context, method, status string, duration time.Duration) {
	p.incomingNotifyTotal.WithLabelValues(method, status).Inc()
}

// RecordError counts a failed request by error type
func (p *PrometheusMetricsProvider) RecordError(method, errorType string) {
	p.errorTotal.WithLabelValues(method, errorType).Inc()
}

// TaskStarted counts a task start
func (p *PrometheusMetricsProvider) TaskStarted(dataKind string) {
	p.taskStarted.WithLabelValues(kindLabel(dataKind)).Inc()
	p.tasksOpen.Inc()
}

// TaskFinished counts a task finish
func (p *PrometheusMetricsProvider) TaskFinished(dataKind string, status protocol.StatusCode, duration time.Duration) {
	kind := kindLabel(dataKind)
	p.taskFinished.WithLabelValues(kind, status.String()).Inc()
	p.taskDuration.WithLabelValues(kind, status.String()).Observe(milliseconds(duration))
	p.tasksOpen.Dec()
}

// CapabilityRejected counts a request refused by the capability gate
func (p *PrometheusMetricsProvider) CapabilityRejected(method, capability string) {
	p.capabilityRejected.WithLabelValues(method, capability).Inc()
}

// DiagnosticsPublished counts published diagnostics
func (p *PrometheusMetricsProvider) DiagnosticsPublished(count int) {
	p.diagnosticsPublished.Add(float64(count))
}

// SessionTransition moves the session state gauge
func (p *PrometheusMetricsProvider) SessionTransition(from, to string) {
	for _, state := range sessionStates {
		value := 0.0
		if state == to {
			value = 1
		}
		p.sessionState.WithLabelValues(state).Set(value)
	}
	if from != "" {
		p.sessionTransitions.WithLabelValues(from, to).Inc()
	}
}

func kindLabel(dataKind string) string {
	if dataKind == "" {
		return "none"
	}
	return dataKind
}

// Gatherer returns the registry the provider reports to
func (p *PrometheusMetricsProvider) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Handler serves the provider's metrics in the Prometheus exposition format
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Start serves the metrics endpoint on ListenAddr until Shutdown
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return errors.New("metrics server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, p.Handler())

	p.listener = ln
	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := p.server
	go func() {
		_ = srv.Serve(ln)
	}()
	return nil
}

// Addr returns the address the metrics server listens on, or "" before
// Start
func (p *PrometheusMetricsProvider) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.listener = nil
	p.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
