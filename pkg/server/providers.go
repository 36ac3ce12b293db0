package server

import (
	"context"
	"sort"
	"sync"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// WorkspaceProvider lists the build targets of the workspace. Every server
// needs one.
type WorkspaceProvider interface {
	BuildTargets(ctx context.Context) ([]protocol.BuildTarget, error)
}

// ReloadProvider re-reads the build definition on workspace/reload
type ReloadProvider interface {
	Reload(ctx context.Context) error
}

// SourcesProvider answers buildTarget/sources
type SourcesProvider interface {
	Sources(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.SourcesItem, error)
}

// InverseSourcesProvider answers textDocument/inverseSources
type InverseSourcesProvider interface {
	InverseSources(ctx context.Context, document protocol.TextDocumentIdentifier) ([]protocol.BuildTargetIdentifier, error)
}

// DependencySourcesProvider answers buildTarget/dependencySources
type DependencySourcesProvider interface {
	DependencySources(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.DependencySourcesItem, error)
}

// DependencyModulesProvider answers buildTarget/dependencyModules
type DependencyModulesProvider interface {
	DependencyModules(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.DependencyModulesItem, error)
}

// ResourcesProvider answers buildTarget/resources
type ResourcesProvider interface {
	Resources(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.ResourcesItem, error)
}

// CleanCacheProvider answers buildTarget/cleanCache
type CleanCacheProvider interface {
	CleanCache(ctx context.Context, targets []protocol.BuildTargetIdentifier) (*protocol.CleanCacheResult, error)
}

// CompileProvider compiles one target. The server opens a compile task for
// the target before calling Compile and closes it with a compile report
// afterwards; the provider reports progress, diagnostics and subtasks
// through task. A returned error is logged to the client and yields
// StatusError.
type CompileProvider interface {
	Compile(ctx context.Context, task *Task, arguments []string) (protocol.StatusCode, error)
}

// TestProvider runs the tests of one target. Test cases are reported with
// task.StartTestCase.
type TestProvider interface {
	Test(ctx context.Context, task *Task, params *protocol.TestParams) (protocol.StatusCode, error)
}

// RunProvider runs one target
type RunProvider interface {
	Run(ctx context.Context, task *Task, params *protocol.RunParams) (protocol.StatusCode, error)
}

// DebugProvider starts a debug adapter for the given targets
type DebugProvider interface {
	StartDebugSession(ctx context.Context, params *protocol.DebugSessionParams) (*protocol.DebugSessionAddress, error)
}

// StaticWorkspace is a WorkspaceProvider and SourcesProvider over a fixed
// set of targets. It is mostly useful for tests and for servers whose build
// definition is loaded once.
type StaticWorkspace struct {
	mu      sync.RWMutex
	targets map[protocol.URI]protocol.BuildTarget
	sources map[protocol.URI][]protocol.SourceItem
	loader  func(ctx context.Context) ([]protocol.BuildTarget, error)
}

// NewStaticWorkspace creates a workspace holding targets
func NewStaticWorkspace(targets ...protocol.BuildTarget) *StaticWorkspace {
	w := &StaticWorkspace{
		targets: make(map[protocol.URI]protocol.BuildTarget),
		sources: make(map[protocol.URI][]protocol.SourceItem),
	}
	for _, t := range targets {
		w.targets[t.ID.URI] = t
	}
	return w
}

// SetLoader installs the function Reload uses to replace the targets
func (w *StaticWorkspace) SetLoader(loader func(ctx context.Context) ([]protocol.BuildTarget, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loader = loader
}

// RegisterTarget adds or replaces a target
func (w *StaticWorkspace) RegisterTarget(target protocol.BuildTarget, sources ...protocol.SourceItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets[target.ID.URI] = target
	if len(sources) > 0 {
		w.sources[target.ID.URI] = append([]protocol.SourceItem(nil), sources...)
	}
}

// SetSources replaces the sources registered for target
func (w *StaticWorkspace) SetSources(target protocol.BuildTargetIdentifier, sources ...protocol.SourceItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(sources) == 0 {
		delete(w.sources, target.URI)
		return
	}
	w.sources[target.URI] = append([]protocol.SourceItem(nil), sources...)
}

// RemoveTarget deletes a target and reports whether it existed
func (w *StaticWorkspace) RemoveTarget(id protocol.BuildTargetIdentifier) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.targets[id.URI]
	delete(w.targets, id.URI)
	delete(w.sources, id.URI)
	return ok
}

// BuildTargets returns every target ordered by URI
func (w *StaticWorkspace) BuildTargets(ctx context.Context) ([]protocol.BuildTarget, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	targets := make([]protocol.BuildTarget, 0, len(w.targets))
	for _, t := range w.targets {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].ID.URI < targets[j].ID.URI
	})
	return targets, nil
}

// Sources returns the registered sources of targets. Unknown targets yield
// an item with no sources.
func (w *StaticWorkspace) Sources(ctx context.Context, targets []protocol.BuildTargetIdentifier) ([]protocol.SourcesItem, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	items := make([]protocol.SourcesItem, 0, len(targets))
	for _, id := range targets {
		items = append(items, protocol.SourcesItem{
			Target:  id,
			Sources: append([]protocol.SourceItem{}, w.sources[id.URI]...),
		})
	}
	return items, nil
}

// InverseSources returns the targets listing document as a source
func (w *StaticWorkspace) InverseSources(ctx context.Context, document protocol.TextDocumentIdentifier) ([]protocol.BuildTargetIdentifier, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []protocol.BuildTargetIdentifier
	for uri, items := range w.sources {
		for _, item := range items {
			if item.URI == document.URI || (item.Kind == protocol.SourceItemDirectory && hasPrefix(string(document.URI), string(item.URI))) {
				out = append(out, protocol.BuildTargetIdentifier{URI: uri})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

// Reload replaces the targets using the loader, if one is set
func (w *StaticWorkspace) Reload(ctx context.Context) error {
	w.mu.RLock()
	loader := w.loader
	w.mu.RUnlock()
	if loader == nil {
		return nil
	}

	targets, err := loader(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets = make(map[protocol.URI]protocol.BuildTarget, len(targets))
	for _, t := range targets {
		w.targets[t.ID.URI] = t
	}
	for uri := range w.sources {
		if _, ok := w.targets[uri]; !ok {
			delete(w.sources, uri)
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) == 0 || len(s) < len(prefix) {
		return false
	}
	if s[:len(prefix)] != prefix {
		return false
	}
	return len(s) == len(prefix) || prefix[len(prefix)-1] == '/' || s[len(prefix)] == '/'
}

// CompileFunc adapts a function to CompileProvider
type CompileFunc func(ctx context.Context, task *Task, arguments []string) (protocol.StatusCode, error)

// Compile calls f
func (f CompileFunc) Compile(ctx context.Context, task *Task, arguments []string) (protocol.StatusCode, error) {
	return f(ctx, task, arguments)
}

// TestFunc adapts a function to TestProvider
type TestFunc func(ctx context.Context, task *Task, params *protocol.TestParams) (protocol.StatusCode, error)

// Test calls f
func (f TestFunc) Test(ctx context.Context, task *Task, params *protocol.TestParams) (protocol.StatusCode, error) {
	return f(ctx, task, params)
}

// RunFunc adapts a function to RunProvider
type RunFunc func(ctx context.Context, task *Task, params *protocol.RunParams) (protocol.StatusCode, error)

// Run calls f
func (f RunFunc) Run(ctx context.Context, task *Task, params *protocol.RunParams) (protocol.StatusCode, error) {
	return f(ctx, task, params)
}
