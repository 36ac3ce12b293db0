// Package tasktree aggregates build/taskStart, build/taskProgress and
// build/taskFinish notifications into a forest of tasks.
//
// Tasks live in an arena indexed by task id. Parent links come from the start
// event; child lists are derived from them. A task may have several parents
// and is then a child of each.
//
// The tree never rejects an event outright. Malformed events (a finish
// without a start, a start naming an unknown parent) are applied on a best
// effort basis and reported through an *EventError so the caller can log
// them.
package tasktree

import (
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// State is the lifecycle of a task in the tree
type State int

const (
	// Running tasks have started and not finished
	Running State = iota
	// Finished tasks received their finish event
	Finished
	// Unknown tasks were still open when the session ended
	Unknown
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Progress is the last known progress of a task
type Progress struct {
	Completed int64
	// Total is zero when unknown
	Total int64
	Unit  string
}

// Task is a snapshot of one task record
type Task struct {
	ID       string
	Parents  []string
	Children []string
	OriginID string
	State    State
	// Status is only meaningful once State is Finished
	Status   protocol.StatusCode
	Message  string
	Progress Progress

	// StartKind/StartData hold the start payload, FinishKind/FinishData the
	// report carried by the finish event
	StartKind  string
	StartData  protocol.RawData
	FinishKind string
	FinishData protocol.RawData

	// Orphan is set when the task was attached as a root because its parents
	// could not be resolved, or because it finished without starting
	Orphan bool

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the time between start and finish, or zero when the task
// is not finished
func (t Task) Duration() time.Duration {
	if t.FinishedAt.IsZero() || t.StartedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Payload decodes the start payload
func (t Task) Payload() (interface{}, error) {
	return protocol.DecodeData(t.StartKind, t.StartData)
}

// Report decodes the finish payload
func (t Task) Report() (interface{}, error) {
	return protocol.DecodeData(t.FinishKind, t.FinishData)
}

type record struct {
	task     Task
	parents  []int
	children []int
}

// Tree is safe for concurrent use
type Tree struct {
	mu         sync.RWMutex
	records    []*record
	index      map[string]int
	roots      []int
	terminated bool
	now        func() time.Time
}

// Option configures a Tree
type Option func(*Tree)

// WithClock overrides the clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// New creates an empty tree
func New(opts ...Option) *Tree {
	t := &Tree{
		index: make(map[string]int),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tree) eventTime(ms int64) time.Time {
	if ms > 0 {
		return time.UnixMilli(ms)
	}
	return t.now()
}

func (t *Tree) add(task Task, parents []int) int {
	idx := len(t.records)
	rec := &record{task: task, parents: parents}
	t.records = append(t.records, rec)
	t.index[task.ID] = idx
	if len(parents) == 0 {
		t.roots = append(t.roots, idx)
	}
	for _, p := range parents {
		t.records[p].children = append(t.records[p].children, idx)
	}
	return idx
}

// Start records a build/taskStart event
func (t *Tree) Start(p protocol.TaskStartParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := p.TaskID.ID
	if t.terminated {
		return eventErr(ErrTerminated, id, "start ignored")
	}
	if _, exists := t.index[id]; exists {
		return eventErr(ErrDuplicateTask, id, "start ignored")
	}

	var parents []int
	var missing []string
	seen := make(map[int]struct{}, len(p.TaskID.Parents))
	for _, pid := range p.TaskID.Parents {
		pidx, ok := t.index[pid]
		if !ok || t.records[pidx].task.State != Running {
			missing = append(missing, pid)
			continue
		}
		if _, dup := seen[pidx]; dup {
			continue
		}
		seen[pidx] = struct{}{}
		parents = append(parents, pidx)
	}

	t.add(Task{
		ID:        id,
		Parents:   append([]string(nil), p.TaskID.Parents...),
		OriginID:  p.OriginID,
		State:     Running,
		Message:   p.Message,
		StartKind: p.DataKind,
		StartData: p.Data,
		Orphan:    len(missing) > 0 && len(parents) == 0,
		StartedAt: t.eventTime(p.EventTime),
	}, parents)

	if len(missing) > 0 {
		return eventErr(ErrUnknownParent, id, "parents %v", missing)
	}
	return nil
}

// Progress records a build/taskProgress event. Progress never moves
// backwards and never exceeds a known total.
func (t *Tree) Progress(p protocol.TaskProgressParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := p.TaskID.ID
	if t.terminated {
		return eventErr(ErrTerminated, id, "progress ignored")
	}
	idx, ok := t.index[id]
	if !ok {
		return eventErr(ErrUnknownTask, id, "progress ignored")
	}
	task := &t.records[idx].task
	if task.State != Running {
		return eventErr(ErrTaskFinished, id, "progress ignored")
	}

	if p.Message != "" {
		task.Message = p.Message
	}
	if p.Unit != "" {
		task.Progress.Unit = p.Unit
	}
	if p.Total != nil && *p.Total > 0 {
		task.Progress.Total = *p.Total
	}
	if p.Progress != nil && *p.Progress > task.Progress.Completed {
		task.Progress.Completed = *p.Progress
	}
	if task.Progress.Total > 0 && task.Progress.Completed > task.Progress.Total {
		task.Progress.Completed = task.Progress.Total
	}
	return nil
}

// Finish records a build/taskFinish event. Only the first finish of a task
// counts. A finish without a start is kept as a finished root.
func (t *Tree) Finish(p protocol.TaskFinishParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := p.TaskID.ID
	if t.terminated {
		return eventErr(ErrTerminated, id, "finish ignored")
	}
	at := t.eventTime(p.EventTime)

	idx, ok := t.index[id]
	if !ok {
		t.add(Task{
			ID:         id,
			Parents:    append([]string(nil), p.TaskID.Parents...),
			OriginID:   p.OriginID,
			State:      Finished,
			Status:     p.Status,
			Message:    p.Message,
			FinishKind: p.DataKind,
			FinishData: p.Data,
			Orphan:     true,
			FinishedAt: at,
		}, nil)
		return eventErr(ErrUnknownTask, id, "finish without start recorded as root")
	}

	task := &t.records[idx].task
	if task.State != Running {
		return eventErr(ErrTaskFinished, id, "second finish ignored")
	}
	task.State = Finished
	task.Status = p.Status
	if p.Message != "" {
		task.Message = p.Message
	}
	task.FinishKind = p.DataKind
	task.FinishData = p.Data
	task.FinishedAt = at
	if task.OriginID == "" {
		task.OriginID = p.OriginID
	}
	if task.Progress.Total > 0 && p.Status == protocol.StatusOK {
		task.Progress.Completed = task.Progress.Total
	}
	return nil
}

// Terminate ends the session for the tree: every open task is marked Unknown
// and later events are ignored. It returns the ids it marked.
func (t *Tree) Terminate() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return nil
	}
	t.terminated = true

	var open []string
	at := t.now()
	for _, rec := range t.records {
		if rec.task.State == Running {
			rec.task.State = Unknown
			rec.task.FinishedAt = at
			open = append(open, rec.task.ID)
		}
	}
	return open
}

// Terminated reports whether Terminate has been called
func (t *Tree) Terminated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.terminated
}

func (t *Tree) snapshot(idx int) Task {
	rec := t.records[idx]
	task := rec.task
	task.Parents = append([]string(nil), rec.task.Parents...)
	task.Children = make([]string, 0, len(rec.children))
	for _, c := range rec.children {
		task.Children = append(task.Children, t.records[c].task.ID)
	}
	return task
}

func (t *Tree) collect(indices []int) []Task {
	out := make([]Task, 0, len(indices))
	for _, idx := range indices {
		out = append(out, t.snapshot(idx))
	}
	return out
}

// Get returns a snapshot of one task
func (t *Tree) Get(id string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[id]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(idx), true
}

// Children returns the direct children of a task in start order
func (t *Tree) Children(id string) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.collect(t.records[idx].children)
}

// Parents returns the resolved parents of a task
func (t *Tree) Parents(id string) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.collect(t.records[idx].parents)
}

// Roots returns the tasks without resolved parents in start order
func (t *Tree) Roots() []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collect(t.roots)
}

// Open returns every running task
func (t *Tree) Open() []Task {
	return t.filter(func(task *Task) bool { return task.State == Running })
}

// ByOrigin returns every task attributed to originID
func (t *Tree) ByOrigin(originID string) []Task {
	return t.filter(func(task *Task) bool { return task.OriginID == originID })
}

func (t *Tree) filter(keep func(*Task) bool) []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Task
	for idx, rec := range t.records {
		if keep(&rec.task) {
			out = append(out, t.snapshot(idx))
		}
	}
	return out
}

// Len returns the number of recorded tasks
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Counts returns the number of tasks per state
func (t *Tree) Counts() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[State]int, 3)
	for _, rec := range t.records {
		counts[rec.task.State]++
	}
	return counts
}

// Node is one entry of a rendered forest. A task with several parents
// appears once under each of them.
type Node struct {
	Task     Task
	Children []*Node
}

// Forest renders the tree from its roots. Children are ordered by start
// time, ties broken by id.
func (t *Tree) Forest() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var build func(idx int, path map[int]bool) *Node
	build = func(idx int, path map[int]bool) *Node {
		node := &Node{Task: t.snapshot(idx)}
		path[idx] = true
		children := append([]int(nil), t.records[idx].children...)
		t.sortIndices(children)
		for _, c := range children {
			if path[c] {
				continue
			}
			node.Children = append(node.Children, build(c, path))
		}
		delete(path, idx)
		return node
	}

	roots := append([]int(nil), t.roots...)
	t.sortIndices(roots)
	forest := make([]*Node, 0, len(roots))
	for _, r := range roots {
		forest = append(forest, build(r, map[int]bool{}))
	}
	return forest
}

func (t *Tree) sortIndices(indices []int) {
	sort.SliceStable(indices, func(i, j int) bool {
		a, b := t.records[indices[i]].task, t.records[indices[j]].task
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})
}

// Walk visits every node of the forest depth first
func Walk(forest []*Node, fn func(node *Node, depth int)) {
	var walk func(nodes []*Node, depth int)
	walk = func(nodes []*Node, depth int) {
		for _, n := range nodes {
			fn(n, depth)
			walk(n.Children, depth+1)
		}
	}
	walk(forest, 0)
}
