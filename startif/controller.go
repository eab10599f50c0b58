// Package startif keeps a single worker alive only while a predicate holds.
//
// A Controller evaluates its predicate on construction and then on every
// tick, starting the worker when the predicate turns true and stopping it
// when it turns false. A worker exiting with a non-benign reason terminates
// the controller with that same reason, restarting it is the caller's job.
package startif

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
)

type State string

const (
	StateStopped    State = "stopped"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

const (
	eventStart     = "start"
	eventStop      = "stop"
	eventExit      = "exit"
	eventTerminate = "terminate"
)

var DefaultInterval = time.Second

type (
	Config struct {
		Predicate Predicate
		Spec      WorkerSpec
		// Interval between predicate checks, DefaultInterval if zero.
		Interval time.Duration
		Observer Observer
	}

	Controller struct {
		cfg      Config
		ctx      context.Context
		log      *log.Logger
		fsm      *fsm.FSM
		handle   Handle
		requests chan request
		done     chan void

		mu      sync.RWMutex
		current Handle
		term    Termination
	}

	// workerFault is returned by stop when the worker had already
	// exited with a non-benign reason.
	workerFault struct{ reason error }

	requestKind uint8
	request     struct {
		kind   requestKind
		reason error
		reply  chan void
	}
)

func (f workerFault) Error() string { return "worker failed: " + f.reason.Error() }

const (
	requestCheck requestKind = iota
	requestTerminate
)

// New evaluates the predicate and, when it holds, creates the worker
// before returning. A worker start failure is returned as is and leaves
// nothing running.
//
// Values carried by ctx (the logger in particular) are inherited by the
// controller and passed to the worker factory, its cancellation is not:
// use Run or Terminate to stop the controller.
func New(ctx context.Context, cfg Config) (*Controller, error) {
	c, err := newController(ctx, cfg)
	if err != nil {
		return nil, err
	}

	failure := FailurePredicate
	want, err := c.evaluate()
	if err == nil && want {
		failure = FailureStart
		err = c.start()
	}
	if err != nil {
		c.log.Error().Err(err).Msg("controller failed to start")
		c.finish(err, failure)
		return nil, err
	}

	c.log.Info().
		Str("state", string(c.State())).
		Dur("interval", c.cfg.Interval).
		Msg("controller started")
	c.emit(Event{Kind: EventStarted})

	go c.loop()
	return c, nil
}

func newController(ctx context.Context, cfg Config) (*Controller, error) {
	switch {
	case cfg.Predicate == nil:
		return nil, ErrNoPredicate
	case cfg.Spec == nil:
		return nil, ErrNoSpec
	case cfg.Interval < 0:
		return nil, ErrInvalidInterval
	case cfg.Interval == 0:
		cfg.Interval = DefaultInterval
	}

	logger := log.Ctx(ctx).With().Str("controller", cfg.Spec.ID()).Logger()
	c := &Controller{
		cfg:      cfg,
		ctx:      logger.WithContext(context.WithoutCancel(ctx)),
		log:      &logger,
		requests: make(chan request),
		done:     make(chan void),
	}
	c.fsm = fsm.NewFSM(
		string(StateStopped),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateStopped)}, Dst: string(StateRunning)},
			{Name: eventStop, Src: []string{string(StateRunning)}, Dst: string(StateStopped)},
			{Name: eventExit, Src: []string{string(StateRunning)}, Dst: string(StateStopped)},
			{
				Name: eventTerminate,
				Src:  []string{string(StateStopped), string(StateRunning)},
				Dst:  string(StateTerminated),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug().
					Str("event", e.Event).
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("state changed")
			},
		},
	)
	return c, nil
}

func (c *Controller) ID() string            { return c.cfg.Spec.ID() }
func (c *Controller) State() State          { return State(c.fsm.Current()) }
func (c *Controller) Done() <-chan struct{} { return c.done }

// Worker returns the handle of the running worker.
func (c *Controller) Worker() (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.current != nil
}

// Termination is the zero value until the controller is terminated.
func (c *Controller) Termination() Termination {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.term
}

// Check evaluates the predicate now and applies the transition before
// returning. It does not move the next scheduled tick.
func (c *Controller) Check(ctx context.Context) error {
	req := request{kind: requestCheck, reply: make(chan void)}
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		return c.terminated()
	case c.requests <- req:
	}
	<-req.reply

	select {
	case <-c.done:
		return c.terminated()
	default:
		return nil
	}
}

// Terminate stops the worker, if any, forwarding reason to it and waits
// for the controller to finish. The returned terminal reason is reason
// itself unless stopping the worker failed. A nil reason means Shutdown.
func (c *Controller) Terminate(reason error) error {
	if reason == nil {
		reason = Shutdown
	}
	req := request{kind: requestTerminate, reason: reason, reply: make(chan void)}
	select {
	case c.requests <- req:
		<-req.reply
	case <-c.done:
	}
	return c.Termination().Reason
}

// Wait blocks until the controller terminates and returns its terminal
// reason, or the cause of ctx if it is done first.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		return c.Termination().Reason
	}
}

// Run waits for the controller to terminate. When ctx is done first the
// controller is terminated with the cause of ctx, plain cancellation
// translates to Shutdown.
func (c *Controller) Run(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Termination().Reason
	case <-ctx.Done():
		reason := context.Cause(ctx)
		if reason == context.Canceled {
			reason = Shutdown
		}
		return c.Terminate(reason)
	}
}

func (c *Controller) terminated() error {
	return errors.Chain(ErrTerminated, c.Termination().Reason)
}

func (c *Controller) loop() {
	timer := time.NewTimer(c.cfg.Interval)
	defer timer.Stop()

	for {
		// worker exits take precedence over anything already pending
		h := c.handle
		select {
		case <-exited(h):
			if c.exit(h) {
				return
			}
			continue
		default:
		}

		select {
		case <-exited(h):
			if c.exit(h) {
				return
			}
		case <-timer.C:
			if c.tick() {
				return
			}
			timer.Reset(c.cfg.Interval)
		case req := <-c.requests:
			switch req.kind {
			case requestCheck:
				done := c.tick()
				close(req.reply)
				if done {
					return
				}
			case requestTerminate:
				c.log.Info().Err(req.reason).Msg("terminating controller")
				c.finish(req.reason, FailureNone)
				close(req.reply)
				return
			}
		}
	}
}

func exited(h Handle) <-chan void {
	if h == nil {
		return nil
	}
	return h.Done()
}

// tick applies one transition, it returns true if the controller has
// been terminated as a result.
func (c *Controller) tick() bool {
	want, err := c.evaluate()
	if err != nil {
		c.log.Error().Err(err).Msg("predicate failed")
		c.finish(err, FailurePredicate)
		return true
	}

	running := c.handle != nil
	switch {
	case want && !running:
		err = c.start()
		if err != nil {
			c.log.Error().Err(err).Msg("failed to start worker")
			c.finish(err, FailureStart)
			return true
		}
	case !want && running:
		err = c.stop(Normal)
		var fault workerFault
		switch {
		case errors.As(err, &fault):
			c.log.Error().Err(fault.reason).Msg("worker failed")
			c.finish(fault.reason, FailureWorker)
			return true
		case err != nil:
			c.log.Error().Err(err).Msg("failed to stop worker")
			c.finish(err, FailureStop)
			return true
		}
	}
	return false
}

// exit handles the worker h having exited on its own.
func (c *Controller) exit(h Handle) bool {
	if h == nil || h != c.handle {
		return false
	}

	reason := h.Reason()
	if reason == nil {
		reason = Completed
	}
	c.set(nil)
	c.transition(eventExit)

	if !IsBenign(reason) {
		c.log.Error().Err(reason).Msg("worker failed")
		c.finish(reason, FailureWorker)
		return true
	}

	c.log.Info().AnErr("reason", reason).Msg("worker exited")
	c.emit(Event{Kind: EventWorkerExited, Reason: reason})
	return false
}

func (c *Controller) evaluate() (want bool, err error) {
	defer func() { err = Recover(recover(), err) }()
	return c.cfg.Predicate(), nil
}

func (c *Controller) create() (h Handle, err error) {
	defer func() { err = Recover(recover(), err) }()
	return c.cfg.Spec.Create(c.ctx)
}

func (c *Controller) start() error {
	h, err := c.create()
	if err != nil {
		return err
	}
	if h == nil {
		return ErrNilHandle
	}

	c.set(h)
	c.transition(eventStart)
	c.log.Info().Msg("worker started")
	c.emit(Event{Kind: EventWorkerStarted})
	return nil
}

// stop stops the current worker. The handle is released even when the
// worker fails to stop, the error is returned to be escalated. A worker
// found already exited with a fault yields workerFault.
func (c *Controller) stop(reason error) error {
	h := c.handle

	var err error
	select {
	case <-h.Done():
		exited := h.Reason()
		if !IsBenign(exited) {
			c.set(nil)
			c.transition(eventExit)
			return workerFault{reason: exited}
		}
		c.log.Debug().AnErr("reason", exited).Msg("worker already exited")
	default:
		c.log.Info().AnErr("reason", reason).Msg("stopping worker")
		err = halt(h, reason)
	}

	c.set(nil)
	c.transition(eventStop)
	if err != nil {
		return err
	}
	c.emit(Event{Kind: EventWorkerStopped, Reason: reason})
	return nil
}

func halt(h Handle, reason error) (err error) {
	defer func() { err = Recover(recover(), err) }()
	return h.Stop(reason)
}

// finish stops a running worker with reason and marks the controller
// terminated. A worker that fails to stop, or that already exited with a
// fault, replaces the reason.
func (c *Controller) finish(reason error, failure Failure) {
	if c.handle != nil {
		err := c.stop(reason)
		var fault workerFault
		switch {
		case errors.As(err, &fault):
			reason, failure = fault.reason, FailureWorker
		case err != nil:
			reason, failure = err, FailureStop
		}
	}

	c.mu.Lock()
	c.term = Termination{Reason: reason, Failure: failure}
	c.mu.Unlock()
	c.transition(eventTerminate)

	evt := c.log.Info()
	if failure != FailureNone {
		evt = c.log.Error()
	}
	evt.Err(reason).Str("failure", failure.String()).Msg("controller terminated")
	c.emit(Event{Kind: EventTerminated, Reason: reason, Failure: failure})

	close(c.done)
}

func (c *Controller) set(h Handle) {
	c.handle = h
	c.mu.Lock()
	c.current = h
	c.mu.Unlock()
}

func (c *Controller) transition(event string) {
	err := c.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		c.log.Warn().Err(err).Str("event", event).Msg("unexpected state transition")
	}
}

func (c *Controller) emit(e Event) {
	if c.cfg.Observer == nil {
		return
	}
	e.Time = time.Now()
	e.ID = c.ID()
	c.cfg.Observer(e)
}
