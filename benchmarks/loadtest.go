// Package benchmarks drives in-process build sessions under load
package benchmarks

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/client"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/server"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/tasktree"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/transport"
)

// LoadTestConfig configures load testing parameters
type LoadTestConfig struct {
	// Number of concurrent build sessions, each with its own server
	Sessions int

	// Number of requests per session
	RequestsPerSession int

	// Request rate limit across all sessions (requests per second, 0 = unlimited)
	RateLimit int

	// Test duration (0 = run until all requests complete)
	Duration time.Duration

	// Ramp up period for gradual load increase
	RampUpTime time.Duration

	// Mix of operations to perform
	OperationMix OperationMix

	// Workspace shape served by every session
	Targets        int
	FilesPerTarget int

	// Reporting interval
	ReportInterval time.Duration
	Logger         logging.Logger
}

// OperationMix defines the distribution of different operations
type OperationMix struct {
	Compile      float64
	Test         float64
	BuildTargets float64
	Sources      float64
}

// LoadTestResult contains the results of a load test
type LoadTestResult struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalDuration      time.Duration

	// Notifications the clients received while the test ran
	TaskEvents  int64
	Diagnostics int64

	// Latency statistics (in milliseconds)
	MinLatency float64
	MaxLatency float64
	AvgLatency float64
	P50Latency float64
	P90Latency float64
	P95Latency float64
	P99Latency float64

	RequestsPerSecond float64

	ErrorCounts      map[string]int64
	OperationMetrics map[string]*OperationMetrics
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count      int64
	Successful int64
	Failed     int64
	TotalTime  time.Duration
	MinTime    time.Duration
	MaxTime    time.Duration

	mu        sync.Mutex
	latencies []time.Duration
}

// LoadTester runs build sessions against in-process servers. Every build
// request carries its own originId, and a request only counts as
// successful when the result and the task notifications echo it back.
type LoadTester struct {
	config LoadTestConfig

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	taskEvents         int64
	diagnostics        int64
	originSeq          int64
	errorCounts        sync.Map
	operationMetrics   sync.Map

	startTime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// session is one connected client and the server behind it
type session struct {
	client  *client.Client
	server  *server.Server
	targets []protocol.BuildTargetIdentifier
}

// NewLoadTester creates a new load tester
func NewLoadTester(config LoadTestConfig) *LoadTester {
	if config.ReportInterval == 0 {
		config.ReportInterval = 5 * time.Second
	}
	if config.Sessions <= 0 {
		config.Sessions = 1
	}
	if config.Targets <= 0 {
		config.Targets = 4
	}
	if config.FilesPerTarget <= 0 {
		config.FilesPerTarget = 8
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}

	mix := &config.OperationMix
	total := mix.Compile + mix.Test + mix.BuildTargets + mix.Sources
	if total == 0 {
		*mix = OperationMix{Compile: 50, Test: 20, BuildTargets: 20, Sources: 10}
		total = 100
	}
	mix.Compile /= total
	mix.Test /= total
	mix.BuildTargets /= total
	mix.Sources /= total

	return &LoadTester{
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Run executes the load test
func (lt *LoadTester) Run(ctx context.Context) (*LoadTestResult, error) {
	sessions := make([]*session, 0, lt.config.Sessions)
	defer func() {
		for _, s := range sessions {
			s.close()
		}
	}()
	for i := 0; i < lt.config.Sessions; i++ {
		s, err := lt.connect(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("failed to start session %d: %w", i, err)
		}
		sessions = append(sessions, s)
	}

	lt.startTime = time.Now()
	go lt.reportProgress()
	defer lt.stop()

	rateLimiter := lt.createRateLimiter()

	runCtx := ctx
	if lt.config.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, lt.config.Duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	for i, s := range sessions {
		s := s
		g.Go(func() error {
			lt.runSession(gctx, s, rateLimiter)
			return nil
		})

		if lt.config.RampUpTime > 0 && i < len(sessions)-1 {
			time.Sleep(lt.config.RampUpTime / time.Duration(len(sessions)-1))
		}
	}
	_ = g.Wait()

	return lt.calculateResults(), nil
}

func (lt *LoadTester) stop() {
	lt.stopOnce.Do(func() { close(lt.stopCh) })
}

// connect serves a synthetic workspace over a pipe and initializes a
// client against it
func (lt *LoadTester) connect(ctx context.Context, id int) (*session, error) {
	config := transport.DefaultTransportConfig(transport.TransportTypePipe)
	config.Features.EnableReliability = false
	config.Features.EnableObservability = false
	clientT, serverT, err := transport.NewPipe(config)
	if err != nil {
		return nil, err
	}

	ws := server.NewStaticWorkspace()
	targets := make([]protocol.BuildTargetIdentifier, 0, lt.config.Targets)
	for i := 0; i < lt.config.Targets; i++ {
		target := protocol.BuildTarget{
			ID:           protocol.BuildTargetIdentifier{URI: protocol.URI(fmt.Sprintf("file:///load/%d/t%d", id, i))},
			DisplayName:  fmt.Sprintf("t%d", i),
			Capabilities: protocol.BuildTargetCapabilities{CanCompile: true, CanTest: true},
			LanguageIDs:  []string{"go"},
		}
		ws.RegisterTarget(target, protocol.SourceItem{URI: target.ID.URI + "/", Kind: protocol.SourceItemDirectory})
		targets = append(targets, target.ID)
	}

	files := lt.config.FilesPerTarget
	srv := server.New(serverT,
		server.WithName(fmt.Sprintf("load-server-%d", id)),
		server.WithStructuredLogger(logging.NewNop()),
		server.WithWorkspaceProvider(ws),
		server.WithSourcesProvider(ws),
		server.WithCompileProvider(server.CompileFunc(func(ctx context.Context, task *server.Task, args []string) (protocol.StatusCode, error) {
			return compileFiles(ctx, task, files)
		}), "go"),
		server.WithTestProvider(server.TestFunc(func(ctx context.Context, task *server.Task, params *protocol.TestParams) (protocol.StatusCode, error) {
			return testFiles(ctx, task, files)
		}), "go"),
	)
	go func() { _ = srv.Start(context.Background()) }()

	c := client.New(clientT,
		client.WithName(fmt.Sprintf("load-client-%d", id)),
		client.WithStructuredLogger(logging.NewNop()),
		client.WithLanguageIDs("go"),
		client.WithHandlers(client.Handlers{
			TaskStart:   func(protocol.TaskStartParams) { atomic.AddInt64(&lt.taskEvents, 1) },
			TaskFinish:  func(protocol.TaskFinishParams) { atomic.AddInt64(&lt.taskEvents, 1) },
			Diagnostics: func(protocol.PublishDiagnosticsParams) { atomic.AddInt64(&lt.diagnostics, 1) },
		}),
	)
	if _, err := c.Connect(ctx); err != nil {
		_ = srv.Stop()
		return nil, err
	}
	return &session{client: c, server: srv, targets: targets}, nil
}

func (s *session) close() {
	_ = s.client.Close()
	select {
	case <-s.server.Done():
	case <-time.After(5 * time.Second):
		_ = s.server.Stop()
	}
}

// compileFiles reports one progress step and one diagnostics batch per
// synthetic source file
func compileFiles(ctx context.Context, task *server.Task, files int) (protocol.StatusCode, error) {
	for i := 0; i < files; i++ {
		if ctx.Err() != nil {
			return protocol.StatusCancelled, nil
		}
		doc := protocol.URI(fmt.Sprintf("%s/f%d.go", task.Target().URI, i))
		var diags []protocol.Diagnostic
		if i%4 == 0 {
			diags = append(diags, protocol.Diagnostic{
				Range:    protocol.Range{Start: protocol.Position{Line: i}, End: protocol.Position{Line: i, Character: 4}},
				Severity: protocol.SeverityWarning,
				Message:  "unused import",
			})
		}
		if err := task.PublishDiagnostics(doc, diags, true); err != nil {
			return protocol.StatusError, err
		}
		_ = task.Progress("compiling", int64(i+1), int64(files), "files")
	}
	return protocol.StatusOK, nil
}

func testFiles(ctx context.Context, task *server.Task, files int) (protocol.StatusCode, error) {
	for i := 0; i < files; i++ {
		tc, err := task.StartTestCase(fmt.Sprintf("Test%d", i), nil)
		if tc == nil {
			return protocol.StatusError, err
		}
		if ctx.Err() != nil {
			_ = tc.Complete(protocol.TestCancelled, "")
			return protocol.StatusCancelled, nil
		}
		_ = tc.Pass()
	}
	return protocol.StatusOK, nil
}

// runSession runs a single session's workload
func (lt *LoadTester) runSession(ctx context.Context, s *session, rateLimiter <-chan struct{}) {
	for count := 0; lt.config.RequestsPerSession <= 0 || count < lt.config.RequestsPerSession; count++ {
		if rateLimiter != nil {
			select {
			case <-rateLimiter:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-lt.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		lt.executeOperation(ctx, s, lt.selectOperation())
	}
}

// selectOperation chooses an operation based on the configured mix
func (lt *LoadTester) selectOperation() string {
	r := rand.Float64()
	mix := lt.config.OperationMix
	switch {
	case r < mix.Compile:
		return "Compile"
	case r < mix.Compile+mix.Test:
		return "Test"
	case r < mix.Compile+mix.Test+mix.BuildTargets:
		return "BuildTargets"
	default:
		return "Sources"
	}
}

func (lt *LoadTester) nextOrigin() string {
	return fmt.Sprintf("load-%d", atomic.AddInt64(&lt.originSeq, 1))
}

// executeOperation performs a single operation and records metrics
func (lt *LoadTester) executeOperation(ctx context.Context, s *session, operation string) {
	start := time.Now()
	target := s.targets[rand.Intn(len(s.targets))]
	var err error

	atomic.AddInt64(&lt.totalRequests, 1)

	switch operation {
	case "Compile":
		origin := lt.nextOrigin()
		var result *protocol.CompileResult
		result, err = s.client.Compile(ctx, protocol.CompileParams{Targets: []protocol.BuildTargetIdentifier{target}, OriginID: origin})
		if err == nil {
			err = checkOrigin(s.client, origin, result.OriginID, result.StatusCode)
		}

	case "Test":
		origin := lt.nextOrigin()
		var result *protocol.TestResult
		result, err = s.client.Test(ctx, protocol.TestParams{Targets: []protocol.BuildTargetIdentifier{target}, OriginID: origin})
		if err == nil {
			err = checkOrigin(s.client, origin, result.OriginID, result.StatusCode)
		}

	case "BuildTargets":
		var targets []protocol.BuildTarget
		targets, err = s.client.BuildTargets(ctx)
		if err == nil && len(targets) != len(s.targets) {
			err = fmt.Errorf("expected %d targets, got %d", len(s.targets), len(targets))
		}

	case "Sources":
		_, err = s.client.Sources(ctx, target)
	}

	if ctx.Err() != nil {
		// the run ended mid-request
		atomic.AddInt64(&lt.totalRequests, -1)
		return
	}

	lt.getOperationMetrics(operation).recordOperation(time.Since(start), err)
	if err != nil {
		atomic.AddInt64(&lt.failedRequests, 1)
		lt.recordError(err)
	} else {
		atomic.AddInt64(&lt.successfulRequests, 1)
	}
}

// checkOrigin verifies that the result and every task of the request
// carry its originId, and that those tasks are all finished
func checkOrigin(c *client.Client, origin, echoed string, status protocol.StatusCode) error {
	if echoed != origin {
		return fmt.Errorf("originId mismatch: sent %s, result carried %q", origin, echoed)
	}
	if status != protocol.StatusOK {
		return fmt.Errorf("build finished with status %s", status)
	}
	tasks := c.Tasks().ByOrigin(origin)
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks reported for %s", origin)
	}
	for _, task := range tasks {
		if task.State != tasktree.Finished {
			return fmt.Errorf("task %s still %s after the result", task.ID, task.State)
		}
	}
	return nil
}

func (lt *LoadTester) getOperationMetrics(operation string) *OperationMetrics {
	v, _ := lt.operationMetrics.LoadOrStore(operation, &OperationMetrics{})
	metrics, _ := v.(*OperationMetrics)
	return metrics
}

func (m *OperationMetrics) recordOperation(duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Count++
	m.TotalTime += duration

	if err != nil {
		m.Failed++
	} else {
		m.Successful++
	}

	if m.MinTime == 0 || duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}

	m.latencies = append(m.latencies, duration)
}

func (lt *LoadTester) recordError(err error) {
	v, _ := lt.errorCounts.LoadOrStore(err.Error(), new(int64))
	count, _ := v.(*int64)
	atomic.AddInt64(count, 1)
}

// createRateLimiter creates a rate limiter channel
func (lt *LoadTester) createRateLimiter() <-chan struct{} {
	if lt.config.RateLimit <= 0 {
		return nil
	}

	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(lt.config.RateLimit))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				select {
				case ch <- struct{}{}:
				case <-lt.stopCh:
					return
				}
			case <-lt.stopCh:
				return
			}
		}
	}()

	return ch
}

// reportProgress periodically logs test progress
func (lt *LoadTester) reportProgress() {
	ticker := time.NewTicker(lt.config.ReportInterval)
	defer ticker.Stop()

	lastRequests := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			currentRequests := atomic.LoadInt64(&lt.totalRequests)
			now := time.Now()
			rps := float64(currentRequests-lastRequests) / now.Sub(lastTime).Seconds()

			lt.config.Logger.Info("Load test progress",
				logging.Int("requests", int(currentRequests)),
				logging.String("rate", fmt.Sprintf("%.1f/s", rps)),
				logging.Int("successful", int(atomic.LoadInt64(&lt.successfulRequests))),
				logging.Int("failed", int(atomic.LoadInt64(&lt.failedRequests))),
				logging.Int("task_events", int(atomic.LoadInt64(&lt.taskEvents))))

			lastRequests = currentRequests
			lastTime = now

		case <-lt.stopCh:
			return
		}
	}
}

// calculateResults computes the final test results
func (lt *LoadTester) calculateResults() *LoadTestResult {
	duration := time.Since(lt.startTime)
	total := atomic.LoadInt64(&lt.totalRequests)

	result := &LoadTestResult{
		TotalRequests:      total,
		SuccessfulRequests: atomic.LoadInt64(&lt.successfulRequests),
		FailedRequests:     atomic.LoadInt64(&lt.failedRequests),
		TotalDuration:      duration,
		TaskEvents:         atomic.LoadInt64(&lt.taskEvents),
		Diagnostics:        atomic.LoadInt64(&lt.diagnostics),
		RequestsPerSecond:  float64(total) / duration.Seconds(),
		ErrorCounts:        make(map[string]int64),
		OperationMetrics:   make(map[string]*OperationMetrics),
	}

	lt.errorCounts.Range(func(key, value interface{}) bool {
		errStr, _ := key.(string)
		count, _ := value.(*int64)
		result.ErrorCounts[errStr] = atomic.LoadInt64(count)
		return true
	})

	var all []time.Duration
	lt.operationMetrics.Range(func(key, value interface{}) bool {
		opName, _ := key.(string)
		metrics, _ := value.(*OperationMetrics)
		result.OperationMetrics[opName] = metrics
		metrics.mu.Lock()
		all = append(all, metrics.latencies...)
		metrics.mu.Unlock()
		return true
	})

	if len(all) > 0 {
		slices.Sort(all)
		var sum time.Duration
		for _, d := range all {
			sum += d
		}
		result.MinLatency = millis(all[0])
		result.MaxLatency = millis(all[len(all)-1])
		result.AvgLatency = millis(sum / time.Duration(len(all)))
		result.P50Latency = millis(percentileDuration(all, 50))
		result.P90Latency = millis(percentileDuration(all, 90))
		result.P95Latency = millis(percentileDuration(all, 95))
		result.P99Latency = millis(percentileDuration(all, 99))
	}

	return result
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func percentileDuration(sorted []time.Duration, percentile float64) time.Duration {
	index := int(math.Ceil(float64(len(sorted))*percentile/100.0)) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// PrintResults writes load test results in a readable format
func (r *LoadTestResult) PrintResults(w io.Writer) {
	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Total Duration: %s\n", r.TotalDuration)
	fmt.Fprintf(w, "Total Requests: %d\n", r.TotalRequests)
	if r.TotalRequests > 0 {
		fmt.Fprintf(w, "Successful: %d (%.1f%%)\n", r.SuccessfulRequests,
			float64(r.SuccessfulRequests)/float64(r.TotalRequests)*100)
		fmt.Fprintf(w, "Failed: %d (%.1f%%)\n", r.FailedRequests,
			float64(r.FailedRequests)/float64(r.TotalRequests)*100)
	}
	fmt.Fprintf(w, "Requests/sec: %.2f\n", r.RequestsPerSecond)
	fmt.Fprintf(w, "Task notifications: %d, diagnostics batches: %d\n", r.TaskEvents, r.Diagnostics)

	fmt.Fprintln(w, "\nLatency Statistics (ms):")
	fmt.Fprintf(w, "  Min: %.2f\n", r.MinLatency)
	fmt.Fprintf(w, "  Avg: %.2f\n", r.AvgLatency)
	fmt.Fprintf(w, "  P50: %.2f\n", r.P50Latency)
	fmt.Fprintf(w, "  P90: %.2f\n", r.P90Latency)
	fmt.Fprintf(w, "  P95: %.2f\n", r.P95Latency)
	fmt.Fprintf(w, "  P99: %.2f\n", r.P99Latency)
	fmt.Fprintf(w, "  Max: %.2f\n", r.MaxLatency)

	if len(r.OperationMetrics) > 0 {
		fmt.Fprintln(w, "\nOperation Breakdown:")
		ops := make([]string, 0, len(r.OperationMetrics))
		for op := range r.OperationMetrics {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			m := r.OperationMetrics[op]
			fmt.Fprintf(w, "  %s:\n", op)
			fmt.Fprintf(w, "    Count: %d\n", m.Count)
			fmt.Fprintf(w, "    Success Rate: %.1f%%\n", float64(m.Successful)/float64(m.Count)*100)
			fmt.Fprintf(w, "    Avg Time: %.2fms\n", millis(m.TotalTime)/float64(m.Count))
		}
	}

	if len(r.ErrorCounts) > 0 {
		fmt.Fprintln(w, "\nError Summary:")
		for err, count := range r.ErrorCounts {
			fmt.Fprintf(w, "  %s: %d\n", err, count)
		}
	}
}
