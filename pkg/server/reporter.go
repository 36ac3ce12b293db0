package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/diagnostics"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/tasktree"
)

// TaskReporter emits the notifications caused by one request. Every task,
// log message and diagnostic it emits carries the request's originId.
type TaskReporter struct {
	server   *Server
	originID string
	cancel   context.CancelFunc
	// notifications outlive cancellation of the request they belong to
	sendCtx context.Context

	mu     sync.Mutex
	open   []*Task
	closed bool
	diags  *diagnostics.Store
}

func newTaskReporter(ctx context.Context, s *Server, originID string, cancel context.CancelFunc) *TaskReporter {
	return &TaskReporter{
		server:   s,
		originID: originID,
		cancel:   cancel,
		sendCtx:  context.WithoutCancel(ctx),
		diags:    diagnostics.NewStore(),
	}
}

func (r *TaskReporter) notify(method string, params interface{}) error {
	return r.server.notifyContext(r.sendCtx, method, params)
}

// OriginID returns the originId of the request being reported on
func (r *TaskReporter) OriginID() string {
	return r.originID
}

// StartTask opens a task. parent may be nil for a root task.
func (r *TaskReporter) StartTask(parent *Task, message, dataKind string, data interface{}) (*Task, error) {
	var target protocol.BuildTargetIdentifier
	if parent != nil {
		target = parent.target
	}
	return r.start(parent, target, message, dataKind, data)
}

func (r *TaskReporter) start(parent *Task, target protocol.BuildTargetIdentifier, message, dataKind string, data interface{}) (*Task, error) {
	kind, raw, err := protocol.EncodeData(dataKind, data)
	if err != nil {
		return nil, err
	}

	id := protocol.TaskID{ID: uuid.NewString()}
	if parent != nil {
		id.Parents = []string{parent.id.ID}
	}
	task := &Task{reporter: r, id: id, kind: kind, target: target, parent: parent, started: time.Now()}

	// locked before it becomes visible so no event can overtake the start
	task.mu.Lock()
	defer task.mu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, tasktree.ErrTerminated
	}
	r.open = append(r.open, task)
	r.mu.Unlock()

	r.server.recorder.TaskStarted(kind)
	return task, r.notify(protocol.MethodBuildTaskStart, &protocol.TaskStartParams{
		TaskID:    id,
		OriginID:  r.originID,
		EventTime: task.started.UnixMilli(),
		Message:   message,
		DataKind:  kind,
		Data:      raw,
	})
}

func (r *TaskReporter) remove(task *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.open {
		if t == task {
			r.open = append(r.open[:i], r.open[i+1:]...)
			return
		}
	}
}

// OpenTasks returns the number of tasks not yet finished
func (r *TaskReporter) OpenTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Close finishes every open task with status, newest first, and refuses
// new tasks afterwards. It returns how many tasks it finished.
func (r *TaskReporter) Close(status protocol.StatusCode, message string) int {
	r.mu.Lock()
	r.closed = true
	open := append([]*Task(nil), r.open...)
	r.mu.Unlock()

	n := 0
	for i := len(open) - 1; i >= 0; i-- {
		if open[i].Finish(status, message, "", nil) == nil {
			n++
		}
	}
	return n
}

// LogMessage sends build/logMessage not tied to a task
func (r *TaskReporter) LogMessage(typ protocol.MessageType, message string) error {
	return r.notify(protocol.MethodBuildLogMessage, &protocol.LogMessageParams{
		Type:     typ,
		OriginID: r.originID,
		Message:  message,
	})
}

// ShowMessage sends build/showMessage not tied to a task
func (r *TaskReporter) ShowMessage(typ protocol.MessageType, message string) error {
	return r.notify(protocol.MethodBuildShowMessage, &protocol.ShowMessageParams{
		Type:     typ,
		OriginID: r.originID,
		Message:  message,
	})
}

// PublishDiagnostics sends build/publishDiagnostics for a document of target
func (r *TaskReporter) PublishDiagnostics(document protocol.URI, target protocol.BuildTargetIdentifier, diags []protocol.Diagnostic, reset bool) error {
	params := protocol.PublishDiagnosticsParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: document},
		BuildTarget:  target,
		OriginID:     r.originID,
		Diagnostics:  diags,
		Reset:        reset,
	}
	if params.Diagnostics == nil {
		params.Diagnostics = []protocol.Diagnostic{}
	}
	r.diags.Apply(params)
	r.server.recorder.DiagnosticsPublished(len(diags))
	return r.notify(protocol.MethodBuildPublishDiagnostics, &params)
}

// Summary counts the diagnostics published for target during this request
func (r *TaskReporter) Summary(target protocol.BuildTargetIdentifier) diagnostics.Summary {
	return r.diags.Target(target.URI)
}

// Task is an open unit of work. Its events are emitted in call order and it
// finishes exactly once.
type Task struct {
	reporter *TaskReporter
	id       protocol.TaskID
	kind     string
	target   protocol.BuildTargetIdentifier
	parent   *Task
	started  time.Time

	mu       sync.Mutex
	finished bool
	status   protocol.StatusCode
	tests    testCounts
}

type testCounts struct {
	passed, failed, ignored, cancelled, skipped int
}

// ID returns the task identifier
func (t *Task) ID() protocol.TaskID {
	return t.id
}

// Target returns the build target the task works on
func (t *Task) Target() protocol.BuildTargetIdentifier {
	return t.target
}

// OriginID returns the originId stamped on the task's events
func (t *Task) OriginID() string {
	return t.reporter.originID
}

// Reporter returns the reporter that owns the task
func (t *Task) Reporter() *TaskReporter {
	return t.reporter
}

// Finished reports whether the task has finished
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Progress sends build/taskProgress. total and progress are omitted when
// negative.
func (t *Task) Progress(message string, progress, total int64, unit string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return tasktree.ErrTaskFinished
	}

	params := &protocol.TaskProgressParams{
		TaskID:    t.id,
		OriginID:  t.reporter.originID,
		EventTime: time.Now().UnixMilli(),
		Message:   message,
		Unit:      unit,
	}
	if progress >= 0 {
		params.Progress = &progress
	}
	if total >= 0 {
		params.Total = &total
	}
	return t.reporter.notify(protocol.MethodBuildTaskProgress, params)
}

// StartChild opens a subtask
func (t *Task) StartChild(message, dataKind string, data interface{}) (*Task, error) {
	if t.Finished() {
		return nil, tasktree.ErrTaskFinished
	}
	return t.reporter.StartTask(t, message, dataKind, data)
}

// Finish sends build/taskFinish. A second call returns
// tasktree.ErrTaskFinished and sends nothing.
func (t *Task) Finish(status protocol.StatusCode, message, dataKind string, data interface{}) error {
	kind, raw, err := protocol.EncodeData(dataKind, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return tasktree.ErrTaskFinished
	}
	t.finished = true
	t.status = status
	t.reporter.remove(t)

	t.reporter.server.recorder.TaskFinished(t.kind, status, time.Since(t.started))
	return t.reporter.notify(protocol.MethodBuildTaskFinish, &protocol.TaskFinishParams{
		TaskID:    t.id,
		OriginID:  t.reporter.originID,
		EventTime: time.Now().UnixMilli(),
		Message:   message,
		Status:    status,
		DataKind:  kind,
		Data:      raw,
	})
}

// Status returns the finish status, or zero while the task is open
func (t *Task) Status() protocol.StatusCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Log sends build/logMessage attributed to the task
func (t *Task) Log(typ protocol.MessageType, message string) error {
	id := t.id
	return t.reporter.notify(protocol.MethodBuildLogMessage, &protocol.LogMessageParams{
		Type:     typ,
		Task:     &id,
		OriginID: t.reporter.originID,
		Message:  message,
	})
}

// Show sends build/showMessage attributed to the task
func (t *Task) Show(typ protocol.MessageType, message string) error {
	id := t.id
	return t.reporter.notify(protocol.MethodBuildShowMessage, &protocol.ShowMessageParams{
		Type:     typ,
		Task:     &id,
		OriginID: t.reporter.originID,
		Message:  message,
	})
}

// PublishDiagnostics publishes diagnostics of a document for the task's
// target
func (t *Task) PublishDiagnostics(document protocol.URI, diags []protocol.Diagnostic, reset bool) error {
	return t.reporter.PublishDiagnostics(document, t.target, diags, reset)
}

// TestCase is a single test reported under a test task
type TestCase struct {
	*Task
	suite       *Task
	displayName string
	location    *protocol.Location
}

// StartTestCase opens a child task for one test case
func (t *Task) StartTestCase(displayName string, location *protocol.Location) (*TestCase, error) {
	child, err := t.StartChild(displayName, protocol.DataKindTestStart, &protocol.TestStart{
		DisplayName: displayName,
		Location:    location,
	})
	if child == nil {
		return nil, err
	}
	return &TestCase{Task: child, suite: t, displayName: displayName, location: location}, err
}

// Pass finishes the test case as passed
func (c *TestCase) Pass() error {
	return c.Complete(protocol.TestPassed, "")
}

// Fail finishes the test case as failed
func (c *TestCase) Fail(message string) error {
	return c.Complete(protocol.TestFailed, message)
}

// Complete finishes the test case with a test status
func (c *TestCase) Complete(status protocol.TestStatus, message string) error {
	err := c.Task.Finish(testStatusCode(status), message, protocol.DataKindTestFinish, &protocol.TestFinish{
		DisplayName: c.displayName,
		Message:     message,
		Status:      status,
		Location:    c.location,
	})
	if err != nil {
		return err
	}

	c.suite.mu.Lock()
	defer c.suite.mu.Unlock()
	switch status {
	case protocol.TestPassed:
		c.suite.tests.passed++
	case protocol.TestFailed:
		c.suite.tests.failed++
	case protocol.TestIgnored:
		c.suite.tests.ignored++
	case protocol.TestCancelled:
		c.suite.tests.cancelled++
	case protocol.TestSkipped:
		c.suite.tests.skipped++
	}
	return nil
}

func testStatusCode(status protocol.TestStatus) protocol.StatusCode {
	switch status {
	case protocol.TestFailed:
		return protocol.StatusError
	case protocol.TestCancelled:
		return protocol.StatusCancelled
	default:
		return protocol.StatusOK
	}
}

func (t *Task) testReport(originID string, elapsed time.Duration) *protocol.TestReport {
	t.mu.Lock()
	counts := t.tests
	t.mu.Unlock()

	ms := elapsed.Milliseconds()
	return &protocol.TestReport{
		OriginID:  originID,
		Target:    t.target,
		Passed:    counts.passed,
		Failed:    counts.failed,
		Ignored:   counts.ignored,
		Cancelled: counts.cancelled,
		Skipped:   counts.skipped,
		Time:      &ms,
	}
}
