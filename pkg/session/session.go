// Package session implements the lifecycle of a build protocol connection.
//
// A connection moves through
//
//	Uninitialized -> Initializing -> Initialized -> ShuttingDown -> Exited
//
// Initializing is the window between a successful build/initialize response
// and the client's build/initialized notification. Only after both has the
// session reached Initialized.
//
// The same Session type is used on both ends: the server uses it to admit
// incoming traffic, the client to refuse to send out-of-order messages.
package session

import (
	"errors"
	"fmt"
	"sync"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// State is a lifecycle state
type State int

const (
	Uninitialized State = iota
	Initializing
	Initialized
	ShuttingDown
	Exited
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case ShuttingDown:
		return "shutting_down"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for a transition the current state does
// not allow
var ErrInvalidTransition = errors.New("invalid session transition")

// TransitionFunc observes a state change
type TransitionFunc func(from, to State)

// Session holds the lifecycle state of one connection. All methods are safe
// for concurrent use; transitions are serialized.
type Session struct {
	// transitionMu serializes transitions together with their observers
	transitionMu sync.Mutex

	mu                 sync.RWMutex
	state              State
	initializeInFlight bool
	observers          []TransitionFunc
	logger             logging.Logger
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger used to report transitions
func WithLogger(logger logging.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a session in the Uninitialized state
func New(opts ...Option) *Session {
	s := &Session{
		state:  Uninitialized,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsInitialized reports whether the handshake has completed
func (s *Session) IsInitialized() bool {
	return s.State() == Initialized
}

// OnTransition registers an observer called after every state change, in
// transition order. Observers must not trigger transitions themselves.
func (s *Session) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// AdmitRequest decides whether a request for method may be processed in the
// current state. The returned error is suitable as the request's response.
func (s *Session) AdmitRequest(method string) error {
	s.mu.RLock()
	state, inFlight := s.state, s.initializeInFlight
	s.mu.RUnlock()

	if method == protocol.MethodBuildInitialize {
		if state == Uninitialized && !inFlight {
			return nil
		}
		return bsperrors.OutOfOrder(method, state.String())
	}

	switch state {
	case Uninitialized, Initializing:
		return bsperrors.ServerNotInitialized(method, state.String())
	case Initialized:
		return nil
	case ShuttingDown:
		if method == protocol.MethodBuildShutdown {
			return nil
		}
		return bsperrors.OutOfOrder(method, state.String())
	default:
		return bsperrors.OutOfOrder(method, state.String())
	}
}

// AdmitNotification decides whether a notification for method may be
// processed. A rejected notification is logged and dropped by the caller;
// notifications never get a response. build/exit is admitted in every state
// before Exited, since exit without shutdown must be observable.
func (s *Session) AdmitNotification(method string) error {
	state := s.State()

	if method == protocol.MethodBuildExit {
		if state == Exited {
			return bsperrors.OutOfOrder(method, state.String())
		}
		return nil
	}

	switch state {
	case Initializing:
		if method == protocol.MethodBuildInitialized {
			return nil
		}
		return bsperrors.ServerNotInitialized(method, state.String())
	case Uninitialized:
		return bsperrors.ServerNotInitialized(method, state.String())
	case Initialized:
		if method == protocol.MethodBuildInitialized {
			return bsperrors.OutOfOrder(method, state.String())
		}
		return nil
	default:
		return bsperrors.OutOfOrder(method, state.String())
	}
}

// BeginInitialize marks an initialize request as being processed
func (s *Session) BeginInitialize() error {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Uninitialized || s.initializeInFlight {
		return fmt.Errorf("%w: initialize while %s", ErrInvalidTransition, s.state)
	}
	s.initializeInFlight = true
	return nil
}

// InitializeSucceeded records a successful initialize response
func (s *Session) InitializeSucceeded() error {
	s.mu.Lock()
	if !s.initializeInFlight {
		s.mu.Unlock()
		return fmt.Errorf("%w: no initialize in flight", ErrInvalidTransition)
	}
	s.initializeInFlight = false
	s.mu.Unlock()
	return s.transition(Uninitialized, Initializing)
}

// InitializeFailed records a failed initialize response. The session stays
// Uninitialized and a new initialize may be attempted.
func (s *Session) InitializeFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializeInFlight = false
}

// MarkInitialized records the build/initialized notification
func (s *Session) MarkInitialized() error {
	return s.transition(Initializing, Initialized)
}

// BeginShutdown records a build/shutdown request. A repeated shutdown is not
// an error.
func (s *Session) BeginShutdown() error {
	if s.State() == ShuttingDown {
		return nil
	}
	return s.transition(Initialized, ShuttingDown)
}

// Exit records build/exit and reports whether it followed a shutdown. The
// session is Exited afterwards whatever the prior state.
func (s *Session) Exit() (clean bool) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	from := s.state
	if from == Exited {
		s.mu.Unlock()
		return false
	}
	s.state = Exited
	s.initializeInFlight = false
	observers := append([]TransitionFunc(nil), s.observers...)
	s.mu.Unlock()

	clean = from == ShuttingDown
	if !clean {
		s.logger.Warn("Exit without shutdown", logging.String("state", from.String()))
	}
	s.notify(observers, from, Exited)
	return clean
}

// transition moves from -> to if the session is in from
func (s *Session) transition(from, to State) error {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	if s.state != from {
		cur := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidTransition, from, cur)
	}
	if !isAllowedTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	observers := append([]TransitionFunc(nil), s.observers...)
	s.mu.Unlock()

	s.notify(observers, from, to)
	return nil
}

func (s *Session) notify(observers []TransitionFunc, from, to State) {
	s.logger.Debug("Session transition", logging.String("from", from.String()), logging.String("to", to.String()))
	for _, fn := range observers {
		fn(from, to)
	}
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case Uninitialized:
		return to == Initializing || to == Exited
	case Initializing:
		return to == Initialized || to == Exited
	case Initialized:
		return to == ShuttingDown || to == Exited
	case ShuttingDown:
		return to == Exited
	default:
		return false
	}
}
