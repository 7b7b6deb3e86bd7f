package action

import (
	"errors"
	"fmt"
)

var (
	ErrNameCollision     = errors.New("action name collision")
	ErrInvalidDescriptor = errors.New("invalid action descriptor")
	ErrNotFound          = errors.New("action not found")
	ErrArgumentMismatch  = errors.New("action argument mismatch")
	ErrHandlerFailure    = errors.New("action handler failed")
)

// HandlerError wraps whatever a handler reported.
//
// It matches both ErrHandlerFailure and the underlying cause with errors.Is.
type HandlerError struct {
	Action string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("action %s: %v", e.Action, e.Err)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandlerFailure, e.Err} }

func mismatch(name, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrArgumentMismatch, name, fmt.Sprintf(format, args...))
}
