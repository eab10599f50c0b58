package startif

import (
	"context"
)

type (
	void = struct{}

	// Predicate reports whether the worker should be running.
	// It is called from the controller loop and must return promptly.
	Predicate func() bool

	// WorkerSpec creates workers. ID must be stable, the controller
	// exposes it as its own identity.
	WorkerSpec interface {
		ID() string
		Create(ctx context.Context) (Handle, error)
	}

	// Handle is a live worker.
	//
	// Done is closed once the worker has exited, after which Reason
	// returns the exit reason. Stop asks the worker to exit with the
	// given reason and blocks until its teardown is complete, a non-nil
	// result means the teardown itself failed. Stop on an exited worker
	// returns nil.
	Handle interface {
		Done() <-chan void
		Reason() error
		Stop(reason error) error
	}
)
