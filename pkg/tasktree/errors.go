package tasktree

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTask is returned when a task id is started twice
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrUnknownParent is returned when a start names a parent that is not
	// open. The task is still recorded.
	ErrUnknownParent = errors.New("unknown or finished parent")
	// ErrUnknownTask is returned for progress or finish of a task never started
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskFinished is returned for events after a task's finish
	ErrTaskFinished = errors.New("task already finished")
	// ErrTerminated is returned for events after Terminate
	ErrTerminated = errors.New("task tree terminated")
)

// EventError describes a malformed task event. The tree has already applied
// whatever part of the event it could; callers log it and carry on.
type EventError struct {
	Kind   error
	TaskID string
	Msg    string
}

func (e *EventError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %q", e.Kind.Error(), e.TaskID)
	}
	return fmt.Sprintf("%s: %q: %s", e.Kind.Error(), e.TaskID, e.Msg)
}

func (e *EventError) Unwrap() error { return e.Kind }

func eventErr(kind error, id string, format string, args ...any) error {
	return &EventError{Kind: kind, TaskID: id, Msg: fmt.Sprintf(format, args...)}
}
