package service

import (
	"errors"
	"fmt"
)

var (
	ErrNoInstanceAvailable = errors.New("no instance available")
	ErrProvisionTimedOut   = errors.New("instance provisioning timed out")
	ErrExecutionTimedOut   = errors.New("workflow execution timed out")
	ErrExecutionFailed     = errors.New("workflow execution failed")
	ErrEmptyOutputs        = errors.New("workflow returned no outputs")
	ErrNoArtifacts         = errors.New("no artifacts downloaded")
	ErrUnknownStyle        = errors.New("unknown style")

	ErrRunNotFound      = errors.New("run not found")
	ErrRunNotCancelable = errors.New("run cannot be canceled")
	ErrRunNotComplete   = errors.New("run not complete")
	ErrRunCanceled      = errors.New("run canceled")
)

// ExecutionError is returned when every attempt of a workflow run failed.
// It matches both ErrExecutionFailed and the last attempt's error.
type ExecutionError struct {
	Attempts int
	Last     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("workflow execution failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Last}
}
