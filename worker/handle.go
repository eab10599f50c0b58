package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"git.tatikoma.dev/corpix/startif/startif"
)

type void = struct{}

// handle is the part shared by every worker kind: exit bookkeeping and
// the instance id used to correlate logs of a single incarnation.
type handle struct {
	instance string
	done     chan void
	once     sync.Once
	mu       sync.Mutex
	reason   error
	stopping error
}

func (h *handle) init() {
	h.instance = uuid.NewString()
	h.done = make(chan void)
}

func (h *handle) Instance() string      { return h.instance }
func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Reason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// exited records the exit reason once and releases Done waiters.
func (h *handle) exited(reason error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.reason = reason
		h.mu.Unlock()
		close(h.done)
	})
}

// requestStop marks the handle as stopping with reason, it reports false
// if the worker has already exited or a stop is in flight.
func (h *handle) requestStop(reason error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	if h.stopping != nil {
		return false
	}
	h.stopping = reason
	return true
}

func (h *handle) stopReason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// StopReason returns the reason the worker was asked to stop with,
// nil while it is expected to keep running.
// Workers use it to tell startif.Shutdown from startif.Kill.
func StopReason(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

var _ startif.Handle = new(FuncHandle)
var _ startif.Handle = new(ExecHandle)
