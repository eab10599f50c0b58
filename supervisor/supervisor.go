// Package supervisor runs groups of tasks which fail together.
package supervisor

import (
	"context"

	"git.tatikoma.dev/corpix/startif/errors"
)

type (
	void = struct{}

	Context       = context.Context
	ContextCancel = context.CancelCauseFunc
	Cause         = error

	// Super is a cancellable group which may be attached to a Runner.
	Super interface {
		Cancel(cause Cause)
		Wait(ctx Context) error
	}
)

var Canceled = errors.New("supervisor canceled")

func New(ctx Context) *Runner {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Runner{
		Context: ctx,
		cancel:  cancel,
		tasks:   Tasks{},
	}
}
