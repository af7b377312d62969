package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownService indicates a service tag without a workflow definition.
	ErrUnknownService = errors.New("workflow: unknown service")
	// ErrInvalidStatus indicates a status that is not part of the service workflow.
	ErrInvalidStatus = errors.New("workflow: invalid status")
	// ErrBackwardTransition indicates a move to an earlier workflow step.
	ErrBackwardTransition = errors.New("workflow: backward transition")
	// ErrTooManySkipped indicates a forward jump beyond MaxForwardJump.
	ErrTooManySkipped = errors.New("workflow: too many steps skipped")
)

// TransitionError carries the denial decision for a rejected status change.
type TransitionError struct {
	Service  string
	From     string
	To       string
	Decision Decision
}

// Error implements error.
func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("workflow: %s %q -> %q denied: %s", e.Service, e.From, e.To, e.Decision.Reason)
}

// Unwrap exposes the sentinel matching the decision kind.
func (e *TransitionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Decision.Kind.sentinel()
}
