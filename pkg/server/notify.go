package server

import (
	"fmt"
	"time"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/session"
)

// requireInitialized checks if the session accepts server notifications
func (s *Server) requireInitialized(operation string) error {
	if state := s.session.State(); state != session.Initialized {
		return bsperrors.ServerNotInitialized(operation, state.String()).
			WithContext(&bsperrors.Context{
				Component: "Server",
				Operation: operation,
				State:     state.String(),
				Timestamp: time.Now(),
			})
	}
	return nil
}

// NotifyBuildTargetsChanged sends buildTarget/didChange. The server must
// have advertised buildTargetChangedProvider.
func (s *Server) NotifyBuildTargetsChanged(changes []protocol.BuildTargetEvent) error {
	if err := s.requireInitialized(protocol.MethodBuildTargetDidChange); err != nil {
		return err
	}
	if err := s.gate.Check(protocol.MethodBuildTargetDidChange, nil); err != nil {
		return err
	}
	return s.notify(protocol.MethodBuildTargetDidChange, &protocol.DidChangeBuildTarget{Changes: changes})
}

// QueueBuildTargetChanges hands changes to the batcher installed by
// WithTargetChangeBatching, or sends them at once without one.
func (s *Server) QueueBuildTargetChanges(changes ...protocol.BuildTargetEvent) error {
	if len(changes) == 0 {
		return nil
	}
	if s.changes == nil {
		return s.NotifyBuildTargetsChanged(changes)
	}
	if err := s.requireInitialized(protocol.MethodBuildTargetDidChange); err != nil {
		return err
	}
	dropped := 0
	for _, c := range changes {
		if !s.changes.Queue(c) {
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("target change queue full, dropped %d of %d events", dropped, len(changes))
	}
	return nil
}

// LogMessage sends an unsolicited build/logMessage
func (s *Server) LogMessage(typ protocol.MessageType, message string) error {
	if err := s.requireInitialized(protocol.MethodBuildLogMessage); err != nil {
		return err
	}
	return s.notify(protocol.MethodBuildLogMessage, &protocol.LogMessageParams{Type: typ, Message: message})
}

// ShowMessage sends an unsolicited build/showMessage
func (s *Server) ShowMessage(typ protocol.MessageType, message string) error {
	if err := s.requireInitialized(protocol.MethodBuildShowMessage); err != nil {
		return err
	}
	return s.notify(protocol.MethodBuildShowMessage, &protocol.ShowMessageParams{Type: typ, Message: message})
}

// PublishDiagnostics sends unsolicited diagnostics, for instance from a
// background build
func (s *Server) PublishDiagnostics(document protocol.URI, target protocol.BuildTargetIdentifier, diags []protocol.Diagnostic, reset bool) error {
	if err := s.requireInitialized(protocol.MethodBuildPublishDiagnostics); err != nil {
		return err
	}
	if diags == nil {
		diags = []protocol.Diagnostic{}
	}
	s.recorder.DiagnosticsPublished(len(diags))
	return s.notify(protocol.MethodBuildPublishDiagnostics, &protocol.PublishDiagnosticsParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: document},
		BuildTarget:  target,
		Diagnostics:  diags,
		Reset:        reset,
	})
}
