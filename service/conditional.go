// Package service wires controllers, health and metrics into application
// services.
package service

import (
	"context"
	"os"
	"sync"
	"syscall"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/startif"
	"git.tatikoma.dev/corpix/startif/supervisor"
)

type (
	ConditionalConfig struct {
		Controller startif.Config
		BackOff    supervisor.NewBackOff
	}

	// Conditional keeps a controller running, constructing a new one
	// after each faulty termination.
	Conditional struct {
		cfg     ConditionalConfig
		closers []func() error

		mu       sync.Mutex
		ctx      context.Context
		ctrl     *startif.Controller
		draining bool
		wg       sync.WaitGroup
	}
)

func NewConditional(cfg ConditionalConfig, closers ...func() error) *Conditional {
	if cfg.BackOff == nil {
		cfg.BackOff = supervisor.ExponentialBackOff(DefaultRestartInitial, DefaultRestartMax)
	}
	return &Conditional{
		cfg:     cfg,
		closers: closers,
	}
}

func (c *Conditional) Name() string  { return c.cfg.Controller.Spec.ID() }
func (c *Conditional) Enabled() bool { return true }

// Controller returns the current controller, nil between restarts.
func (c *Conditional) Controller() *startif.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl
}

func (c *Conditional) Run(ctx context.Context, ready *sync.WaitGroup) error {
	var once sync.Once
	markReady := func() { once.Do(ready.Done) }
	defer markReady()

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	run := func(ctx context.Context) error {
		ctrl, err := startif.New(ctx, c.cfg.Controller)
		markReady()
		if err != nil {
			return err
		}

		c.set(ctrl)
		defer c.set(nil)

		// workers see Shutdown whatever the runner was canceled with
		runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		defer cancel(nil)
		stop := context.AfterFunc(ctx, func() {
			log.Ctx(ctx).Debug().
				AnErr("cause", context.Cause(ctx)).
				Str("service", c.Name()).
				Msg("runner canceled, shutting down")
			cancel(startif.Shutdown)
		})
		defer stop()

		err = ctrl.Run(runCtx)
		if errors.Is(err, startif.Shutdown) {
			return nil
		}
		return err
	}

	err := supervisor.Restart(c.Name(), run, c.cfg.BackOff)(ctx)
	c.drain()
	return err
}

// drain waits for pending checks, no new ones are started afterwards.
func (c *Conditional) drain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Conditional) set(ctrl *startif.Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctrl = ctrl
}

// Check asks the current controller to evaluate its predicate without
// waiting for the next tick. It does not block.
func (c *Conditional) Check() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining || c.ctrl == nil || c.ctx == nil {
		return
	}

	ctrl, ctx := c.ctrl, c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := ctrl.Check(ctx)
		if err != nil && !errors.Is(err, startif.ErrTerminated) && ctx.Err() == nil {
			log.Ctx(ctx).Warn().Err(err).Str("service", c.Name()).Msg("check failed")
		}
	}()
}

func (c *Conditional) Signal(sig os.Signal) {
	if sig == syscall.SIGUSR1 {
		c.Check()
	}
}

func (c *Conditional) Close() error {
	c.drain()

	var errs []error
	for _, closer := range c.closers {
		errs = append(errs, closer())
	}
	err := errors.Join(errs...)
	if err != nil {
		return errors.Wrapf(err, "failed to close %s", c.Name())
	}
	return nil
}
