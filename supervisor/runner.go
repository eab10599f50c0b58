package supervisor

import (
	"context"
	"sync"

	"git.tatikoma.dev/corpix/startif/errors"
)

// Runner cancels all of its tasks as soon as one of them fails, the
// failure becomes the cause of the runner context.
type Runner struct {
	Context
	cancel ContextCancel
	tasks  Tasks
	childs []Super
	wg     sync.WaitGroup
	sync.Mutex
}

func (r *Runner) Cancel(cause Cause) {
	if cause == nil {
		cause = Canceled
	}

	r.Lock()
	r.cancel(cause)
	childs := append([]Super(nil), r.childs...)
	r.Unlock()

	for _, child := range childs {
		child.Cancel(cause)
	}
}

// Attach ties the lifetime of child to r: a failing child fails r and
// canceling r cancels the child.
func (r *Runner) Attach(child Super, opts ...TaskOption) {
	r.Lock()
	defer r.Unlock()
	r.childs = append(r.childs, child)

	r.run(func(ctx Context) error {
		err := child.Wait(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, Canceled) {
			return nil
		}
		return err
	}, opts)
}

func (r *Runner) Run(j Job, opts ...TaskOption) {
	r.Lock()
	defer r.Unlock()

	r.run(j, opts)
}

func (r *Runner) run(j Job, opts []TaskOption) {
	select {
	case <-r.Done():
		// skip new tasks if we are done
		return
	default:
	}

	task := &Task{
		ctx:  r.Context,
		fn:   j,
		done: make(chan void),
	}
	for _, opt := range opts {
		opt(task)
	}
	r.tasks[task] = void{}

	r.wg.Add(1)
	go r.runTask(task)
}

func (r *Runner) runTask(task *Task) {
	defer r.wg.Done()
	defer close(task.done)

	err := task.call()

	r.Lock()
	delete(r.tasks, task)
	r.Unlock()

	if err != nil {
		r.Cancel(&Error{
			Err:  err,
			task: task,
		})
	}
}

// Len is the number of running tasks.
func (r *Runner) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.tasks)
}

// Wait blocks until r is canceled and all of its tasks returned.
func (r *Runner) Wait(ctx Context) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-r.Done():
		err := context.Cause(r)
		r.wg.Wait() // wait for runner to drain
		return err
	}
}

var _ Super = new(Runner)
