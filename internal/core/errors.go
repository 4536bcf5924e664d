package core

import (
	"errors"
	"fmt"
	"strings"
)

// errors on building a DAG.
var (
	ErrCycle              = errors.New("a cyclic dependency occurred")
	ErrDuplicateTaskID    = errors.New("task id already exists in the DAG")
	ErrMissingStartDate   = errors.New("task is missing a start date")
	ErrSelfDependency     = errors.New("task cannot depend on itself")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvalidSchedule    = errors.New("invalid schedule")
	ErrInvalidKey         = errors.New("key must be 1-250 characters of alphanumerics, dashes, dots and underscores")
	ErrInvalidTriggerRule = errors.New("invalid trigger rule")
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidPattern     = errors.New("invalid task pattern")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// DefinitionError is fatal to loading one DAG. It never escapes the
// loader as a crash; the loader records it against the source path.
type DefinitionError struct {
	DAGID  string
	TaskID string
	Err    error
}

func (e *DefinitionError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("dag %q task %q: %v", e.DAGID, e.TaskID, e.Err)
	}
	return fmt.Sprintf("dag %q: %v", e.DAGID, e.Err)
}

func (e *DefinitionError) Unwrap() error { return e.Err }

// ErrorList collects multiple errors found while building DAGs.
type ErrorList []error

func (e ErrorList) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ErrorList) Unwrap() []error {
	if len(e) == 0 {
		return nil
	}
	return append([]error(nil), e...)
}

// ErrOrNil returns nil for an empty list.
func (e ErrorList) ErrOrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
