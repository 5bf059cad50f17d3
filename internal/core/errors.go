package core

import (
	"errors"
	"fmt"
)

// ErrNoSession is the normal, expected outcome of asking a process for a
// live connection it does not hold (e.g. a stateless API worker). Callers
// fall back to the task store.
var ErrNoSession = errors.New("no live session for node")

// ErrInvalidTransition marks a deployment operation that is illegal in the
// record's current state (e.g. cancelling a finished deployment).
var ErrInvalidTransition = errors.New("illegal deployment state transition")

// ErrDeploymentClosed marks a node event arriving for a deployment that no
// longer accepts events. The caller drops and logs it.
var ErrDeploymentClosed = errors.New("deployment no longer accepts events")

// ValidationError is a precondition failure surfaced to the operator, not a
// system fault. No deployment row exists after one is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is an operator-facing precondition error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// WaitingError halts deployment creation because a pre-deploy hook asked for
// operator input. No deployment row exists; Prompt is shown to the operator.
type WaitingError struct {
	Prompt string
}

func (e *WaitingError) Error() string {
	return "pre-deploy hook is waiting for operator input: " + e.Prompt
}
