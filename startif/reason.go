package startif

import (
	"fmt"
	"runtime/debug"

	"git.tatikoma.dev/corpix/startif/errors"
)

var (
	// Normal is the reason of a condition-driven stop.
	Normal = errors.New("normal")
	// Completed is the reason of a worker returning on its own without error.
	Completed = errors.New("completed")
	// Shutdown is the graceful teardown reason.
	Shutdown = errors.New("shutdown")
	// Kill is the forced teardown reason.
	Kill = errors.New("kill")
)

var (
	ErrNoPredicate     = errors.New("predicate is required")
	ErrNoSpec          = errors.New("worker spec is required")
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrNilHandle       = errors.New("worker factory returned no handle")
	ErrTerminated      = errors.New("controller terminated")
)

// IsBenign reports whether a worker exit reason is absorbed
// instead of being propagated as a controller fault.
func IsBenign(reason error) bool {
	return reason == nil ||
		errors.Is(reason, Normal) ||
		errors.Is(reason, Completed)
}

type Failure uint8

const (
	FailureNone Failure = iota
	FailureStart
	FailureStop
	FailureWorker
	FailurePredicate
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureStart:
		return "start"
	case FailureStop:
		return "stop"
	case FailureWorker:
		return "worker"
	case FailurePredicate:
		return "predicate"
	default:
		return fmt.Sprintf("failure(%d)", uint8(f))
	}
}

// Termination is the outcome of a terminated controller.
type Termination struct {
	Reason  error
	Failure Failure
}

type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Recover converts a recovered panic value into *PanicError.
// Use it as: defer func() { err = Recover(recover(), err) }().
func Recover(r any, err error) error {
	if r == nil {
		return err
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}
