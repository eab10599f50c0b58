package worker

import (
	"context"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/startif"
)

type (
	Func func(ctx context.Context) error

	// FuncSpec runs Run in its own goroutine.
	//
	// Init, when set, runs synchronously during creation and its error is
	// the start failure. Run returning nil is a benign exit, an error or a
	// panic is a fault. Run must return once its context is canceled, the
	// cause of the cancellation is the stop reason.
	FuncSpec struct {
		Name string
		Init Func
		Run  Func
	}

	FuncHandle struct {
		handle
		cancel context.CancelCauseFunc
		result error
	}
)

func (s FuncSpec) ID() string { return s.Name }

func (s FuncSpec) Create(ctx context.Context) (startif.Handle, error) {
	if s.Run == nil {
		return nil, errors.Errorf("worker %q has no run function", s.Name)
	}

	h := &FuncHandle{}
	h.init()
	logger := log.Ctx(ctx).With().
		Str("worker", s.Name).
		Str("instance", h.instance).
		Logger()
	ctx = logger.WithContext(ctx)

	if s.Init != nil {
		err := call(ctx, s.Init)
		if err != nil {
			return nil, err
		}
	}

	ctx, h.cancel = context.WithCancelCause(ctx)
	go h.run(ctx, s.Run)

	logger.Debug().Msg("worker running")
	return h, nil
}

func call(ctx context.Context, fn Func) (err error) {
	defer func() { err = startif.Recover(recover(), err) }()
	return fn(ctx)
}

func (h *FuncHandle) run(ctx context.Context, fn Func) {
	defer h.cancel(nil)

	err := call(ctx, fn)
	h.mu.Lock()
	h.result = err
	h.mu.Unlock()

	reason := err
	if stop := h.stopReason(); stop != nil {
		reason = stop
	} else if reason == nil {
		reason = startif.Completed
	}
	log.Ctx(ctx).Debug().AnErr("reason", reason).Msg("worker returned")
	h.exited(reason)
}

// Stop cancels the run context with reason and waits for Run to return.
// Returning nil, a context error or reason itself counts as a clean stop.
func (h *FuncHandle) Stop(reason error) error {
	if !h.requestStop(reason) {
		<-h.done
		return nil
	}
	h.cancel(reason)
	<-h.done

	h.mu.Lock()
	err := h.result
	h.mu.Unlock()
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, reason):
		return nil
	default:
		return err
	}
}
