package taskmodel

import (
	"errors"
	"fmt"
)

// Code classifies an error at a component boundary so callers can
// errors.As instead of string-matching (spec.md §7, SPEC_FULL.md §7).
type Code int

const (
	CodeTransient Code = iota
	CodeVersionConflict
	CodeSpawn
	CodeConsistency
	CodeAdmission
	CodeInvalidState
)

func (c Code) String() string {
	switch c {
	case CodeTransient:
		return "transient"
	case CodeVersionConflict:
		return "version_conflict"
	case CodeSpawn:
		return "spawn"
	case CodeConsistency:
		return "consistency"
	case CodeAdmission:
		return "admission"
	case CodeInvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

// TaskError wraps an underlying cause with a classification code.
type TaskError struct {
	Code Code
	Op   string
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func newErr(code Code, op string, err error) *TaskError {
	return &TaskError{Code: code, Op: op, Err: err}
}

// InvalidStateError is raised synchronously when a caller attempts to
// transition a task to an unrecognized label (spec.md §7).
func InvalidStateError(op string, s State) error {
	return newErr(CodeInvalidState, op, fmt.Errorf("%q is not a valid task state", s))
}

// VersionConflictError signals the caller's optimistic-locked write lost a
// race against a concurrent writer (spec.md §4.8, §7).
func VersionConflictError(op string, err error) error {
	return newErr(CodeVersionConflict, op, err)
}

// TransientStoreError signals a retryable store failure; the Main Loop must
// never abort on one of these (spec.md §7).
func TransientStoreError(op string, err error) error {
	return newErr(CodeTransient, op, err)
}

// ConsistencyError is fatal: it indicates lost state and requires operator
// attention (spec.md §7, §4.4).
func ConsistencyError(op string, err error) error {
	return newErr(CodeConsistency, op, err)
}

// AdmissionError signals the Runner Group could not start a runner this
// tick: no idle workers fit any runnable task, or the concurrent-runner
// cap is already at MAX_CONCURRENT_RUNNERS (spec.md §4.4). The Main Loop
// treats this as "nothing to do this tick", not a failure.
func AdmissionError(op string, err error) error {
	return newErr(CodeAdmission, op, err)
}

// IsCode reports whether err (or something it wraps) is a *TaskError with
// the given code.
func IsCode(err error, code Code) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Code == code
}
