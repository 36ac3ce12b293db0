package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/capability"
	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/tasktree"
)

// refreshTargets reloads the target index the capability gate resolves
// languages against
func (s *Server) refreshTargets(ctx context.Context) error {
	targets, err := s.workspace.BuildTargets(ctx)
	if err != nil {
		return err
	}
	s.targets.Replace(targets)
	return nil
}

// providerError wraps a provider failure. A failure caused by the request
// being cancelled answers RequestCancelled instead.
func (s *Server) providerError(ctx context.Context, provider, operation, method string, err error) bsperrors.BSPError {
	if ctx.Err() != nil || bsperrors.IsCancelled(err) {
		return bsperrors.RequestCancelled(method).WithContext(s.createRequestContext(ctx, method))
	}
	return bsperrors.ProviderError(provider, operation, err).WithContext(s.createRequestContext(ctx, method))
}

func (s *Server) clientLanguages() []string {
	s.clientLock.RLock()
	defer s.clientLock.RUnlock()
	if s.client == nil {
		return nil
	}
	return s.client.Capabilities.LanguageIDs
}

// Workspace and target queries

func (s *Server) handleBuildTargets(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.refreshTargets(ctx); err != nil {
		return nil, s.providerError(ctx, "workspace", "BuildTargets", protocol.MethodWorkspaceBuildTargets, err)
	}

	targets := capability.FilterByLanguage(s.targets.All(), s.clientLanguages())
	if targets == nil {
		targets = []protocol.BuildTarget{}
	}
	return &protocol.WorkspaceBuildTargetsResult{Targets: targets}, nil
}

func (s *Server) handleReload(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireProvider(ctx, "reload", s.reloader != nil, protocol.MethodWorkspaceReload); err != nil {
		return nil, err
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return nil, s.providerError(ctx, "reload", "Reload", protocol.MethodWorkspaceReload, err)
	}
	prev := capability.FilterByLanguage(s.targets.All(), s.clientLanguages())
	if err := s.refreshTargets(ctx); err != nil {
		s.logger.Warn("Target refresh after reload failed: %v", err)
		return nil, nil
	}
	if !s.capabilities.BuildTargetChangedProvider {
		return nil, nil
	}
	next := capability.FilterByLanguage(s.targets.All(), s.clientLanguages())
	events := DiffTargets(prev, next)
	if len(events) == 0 {
		return nil, nil
	}
	if s.changes != nil {
		if err := s.QueueBuildTargetChanges(events...); err != nil {
			s.logger.Warn("Failed to queue target changes after reload: %v", err)
		}
		return nil, nil
	}
	if err := s.notifyContext(ctx, protocol.MethodBuildTargetDidChange, &protocol.DidChangeBuildTarget{Changes: events}); err != nil {
		s.logger.Warn("Failed to send target changes after reload: %v", err)
	}
	return nil, nil
}

func (s *Server) handleSources(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireProvider(ctx, "sources", s.sources != nil, protocol.MethodBuildTargetSources); err != nil {
		return nil, err
	}
	var p protocol.SourcesParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodBuildTargetSources); err != nil {
		return nil, err
	}

	items, err := s.sources.Sources(ctx, p.Targets)
	if err != nil {
		return nil, s.providerError(ctx, "sources", "Sources", protocol.MethodBuildTargetSources, err)
	}
	if items == nil {
		items = []protocol.SourcesItem{}
	}
	return &protocol.SourcesResult{Items: items}, nil
}

func (s *Server) handleInverseSources(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.InverseSourcesParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodTextDocumentInverseSources); err != nil {
		return nil, err
	}

	targets, err := s.inverseSources.InverseSources(ctx, p.TextDocument)
	if err != nil {
		return nil, s.providerError(ctx, "inverseSources", "InverseSources", protocol.MethodTextDocumentInverseSources, err).
			WithDetail(fmt.Sprintf("Document: %s", p.TextDocument.URI))
	}
	if targets == nil {
		targets = []protocol.BuildTargetIdentifier{}
	}
	return &protocol.InverseSourcesResult{Targets: targets}, nil
}

func (s *Server) handleDependencySources(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.DependencySourcesParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodBuildTargetDependencySources); err != nil {
		return nil, err
	}

	items, err := s.dependencySources.DependencySources(ctx, p.Targets)
	if err != nil {
		return nil, s.providerError(ctx, "dependencySources", "DependencySources", protocol.MethodBuildTargetDependencySources, err)
	}
	if items == nil {
		items = []protocol.DependencySourcesItem{}
	}
	return &protocol.DependencySourcesResult{Items: items}, nil
}

func (s *Server) handleDependencyModules(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.DependencyModulesParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodBuildTargetDependencyModules); err != nil {
		return nil, err
	}

	items, err := s.dependencyModules.DependencyModules(ctx, p.Targets)
	if err != nil {
		return nil, s.providerError(ctx, "dependencyModules", "DependencyModules", protocol.MethodBuildTargetDependencyModules, err)
	}
	if items == nil {
		items = []protocol.DependencyModulesItem{}
	}
	return &protocol.DependencyModulesResult{Items: items}, nil
}

func (s *Server) handleResources(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.ResourcesParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodBuildTargetResources); err != nil {
		return nil, err
	}

	items, err := s.resources.Resources(ctx, p.Targets)
	if err != nil {
		return nil, s.providerError(ctx, "resources", "Resources", protocol.MethodBuildTargetResources, err)
	}
	if items == nil {
		items = []protocol.ResourcesItem{}
	}
	return &protocol.ResourcesResult{Items: items}, nil
}

func (s *Server) handleCleanCache(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.requireProvider(ctx, "cleanCache", s.cleanCache != nil, protocol.MethodBuildTargetCleanCache); err != nil {
		return nil, err
	}
	var p protocol.CleanCacheParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodBuildTargetCleanCache); err != nil {
		return nil, err
	}

	result, err := s.cleanCache.CleanCache(ctx, p.Targets)
	if err != nil {
		return nil, s.providerError(ctx, "cleanCache", "CleanCache", protocol.MethodBuildTargetCleanCache, err)
	}
	return result, nil
}

// Actions

// targetJob builds one target under its own task
type targetJob func(ctx context.Context, task *Task) (protocol.StatusCode, error)

// runTargets opens a task per target, runs job for each with bounded
// parallelism and folds the outcomes into one status. Execution failures
// and cancellation become statuses; they are never returned as errors.
func (s *Server) runTargets(ctx context.Context, r *TaskReporter, targets []protocol.BuildTargetIdentifier,
	start func(target protocol.BuildTargetIdentifier) (string, string, interface{}),
	job targetJob,
	report func(task *Task, status protocol.StatusCode, elapsed time.Duration) (string, interface{}),
) protocol.StatusCode {
	statuses := make([]protocol.StatusCode, len(targets))

	var g errgroup.Group
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			statuses[i] = s.runTarget(ctx, r, target, start, job, report)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return protocol.StatusCancelled
	}
	return foldStatus(statuses)
}

func (s *Server) runTarget(ctx context.Context, r *TaskReporter, target protocol.BuildTargetIdentifier,
	start func(target protocol.BuildTargetIdentifier) (string, string, interface{}),
	job targetJob,
	report func(task *Task, status protocol.StatusCode, elapsed time.Duration) (string, interface{}),
) (status protocol.StatusCode) {
	if ctx.Err() != nil {
		return protocol.StatusCancelled
	}

	message, kind, payload := start(target)
	task, err := r.start(nil, target, message, kind, payload)
	if task == nil {
		s.loggerFor(ctx).Warn("Could not start task for target=%s: %v", target.URI, err)
		return protocol.StatusCancelled
	}
	began := time.Now()

	defer func() {
		if p := recover(); p != nil {
			s.loggerFor(ctx).Error("Panic building target=%s: %v", target.URI, p)
			_ = task.Log(protocol.MessageError, fmt.Sprintf("internal error: %v", p))
			status = protocol.StatusError
		}
		if ctx.Err() != nil && status != protocol.StatusError {
			status = protocol.StatusCancelled
		}
		reportKind, reportData := report(task, status, time.Since(began))
		if err := task.Finish(status, "", reportKind, reportData); err != nil && !errors.Is(err, tasktree.ErrTaskFinished) {
			s.loggerFor(ctx).Debug("Finishing task=%s: %v", task.id.ID, err)
		}
		if task.Status() != 0 && task.Status() != status {
			// finished elsewhere, typically by shutdown
			status = task.Status()
		}
	}()

	status, err = job(ctx, task)
	if err != nil {
		if st := bsperrors.StatusOf(err); st == protocol.StatusCancelled {
			return st
		}
		_ = task.Log(protocol.MessageError, err.Error())
		return protocol.StatusError
	}
	if status == 0 {
		status = protocol.StatusOK
	}
	return status
}

// foldStatus is Error if any target failed, else Cancelled if any was
// cancelled, else Ok
func foldStatus(statuses []protocol.StatusCode) protocol.StatusCode {
	result := protocol.StatusOK
	for _, st := range statuses {
		switch st {
		case protocol.StatusError:
			return protocol.StatusError
		case protocol.StatusCancelled:
			result = protocol.StatusCancelled
		}
	}
	return result
}

func (s *Server) handleCompile(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.CompileParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodBuildTargetCompile); err != nil {
		return nil, err
	}

	ctx, r, err := s.beginRequest(ctx, protocol.MethodBuildTargetCompile, p.OriginID)
	if err != nil {
		return nil, err
	}
	defer s.endRequest(r)

	status := s.runTargets(ctx, r, p.Targets,
		func(target protocol.BuildTargetIdentifier) (string, string, interface{}) {
			return fmt.Sprintf("Compiling %s", target), protocol.DataKindCompileTask, &protocol.CompileTask{Target: target}
		},
		func(ctx context.Context, task *Task) (protocol.StatusCode, error) {
			return s.compiler.Compile(ctx, task, p.Arguments)
		},
		func(task *Task, status protocol.StatusCode, elapsed time.Duration) (string, interface{}) {
			sum := r.Summary(task.target)
			ms := elapsed.Milliseconds()
			return protocol.DataKindCompileReport, &protocol.CompileReport{
				Target:   task.target,
				OriginID: p.OriginID,
				Errors:   sum.Errors,
				Warnings: sum.Warnings,
				Time:     &ms,
			}
		},
	)

	return &protocol.CompileResult{OriginID: p.OriginID, StatusCode: status}, nil
}

func (s *Server) handleTest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.TestParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodBuildTargetTest); err != nil {
		return nil, err
	}

	ctx, r, err := s.beginRequest(ctx, protocol.MethodBuildTargetTest, p.OriginID)
	if err != nil {
		return nil, err
	}
	defer s.endRequest(r)

	status := s.runTargets(ctx, r, p.Targets,
		func(target protocol.BuildTargetIdentifier) (string, string, interface{}) {
			return fmt.Sprintf("Testing %s", target), protocol.DataKindTestTask, &protocol.TestTask{Target: target}
		},
		func(ctx context.Context, task *Task) (protocol.StatusCode, error) {
			return s.tester.Test(ctx, task, &p)
		},
		func(task *Task, status protocol.StatusCode, elapsed time.Duration) (string, interface{}) {
			return protocol.DataKindTestReport, task.testReport(p.OriginID, elapsed)
		},
	)

	return &protocol.TestResult{OriginID: p.OriginID, StatusCode: status}, nil
}

func (s *Server) handleRun(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.RunParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodBuildTargetRun); err != nil {
		return nil, err
	}

	ctx, r, err := s.beginRequest(ctx, protocol.MethodBuildTargetRun, p.OriginID)
	if err != nil {
		return nil, err
	}
	defer s.endRequest(r)

	status := s.runTargets(ctx, r, []protocol.BuildTargetIdentifier{p.Target},
		func(target protocol.BuildTargetIdentifier) (string, string, interface{}) {
			return fmt.Sprintf("Running %s", target), "", nil
		},
		func(ctx context.Context, task *Task) (protocol.StatusCode, error) {
			return s.runner.Run(ctx, task, &p)
		},
		func(*Task, protocol.StatusCode, time.Duration) (string, interface{}) {
			return "", nil
		},
	)

	return &protocol.RunResult{OriginID: p.OriginID, StatusCode: status}, nil
}

func (s *Server) handleDebugSession(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p protocol.DebugSessionParams
	if err := s.decodeParams(ctx, params, &p, protocol.MethodDebugSession); err != nil {
		return nil, err
	}

	addr, err := s.debugger.StartDebugSession(ctx, &p)
	if err != nil {
		return nil, s.providerError(ctx, "debug", "StartDebugSession", protocol.MethodDebugSession, err)
	}
	return addr, nil
}
