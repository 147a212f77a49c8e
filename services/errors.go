package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidScheduleExpression = errors.New("invalid schedule expression")
	ErrPreconditionFailed        = errors.New("precondition failed")
	ErrUnsupportedRuntime        = errors.New("unsupported runtime")
	ErrBadPayload                = errors.New("bad payload")
	ErrDuplicateExecution        = errors.New("execution already exists")
	ErrExecutionNotFound         = errors.New("execution not found")
	ErrRunnerTimeout             = errors.New("runner timed out")
)

// RunnerError is an infrastructure failure reported by a runner, with the
// status code that should be recorded on the failed execution.
type RunnerError struct {
	StatusCode int
	Message    string
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner error (%d): %s", e.StatusCode, e.Message)
}
