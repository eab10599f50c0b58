package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

var (
	ErrClosing = fmt.Errorf("pool is closing")

	DefaultConfig = Config{
		Size:    runtime.NumCPU(),
		Backlog: 1,
	}
)

type (
	// Pool runs workloads on a fixed set of goroutines, so a workload
	// that never returns holds one worker instead of piling up goroutines.
	Pool[T any] struct {
		closeCh chan void
		jobs    chan *Job[T]
		wg      sync.WaitGroup
		cfg     Config
		once    sync.Once
	}

	Config struct {
		Size    int
		Backlog int
	}
	Job[T any] struct {
		Ctx      context.Context
		Fn       Workload[T]
		ResultCh chan Result[T]
	}
	Workload[T any] func(ctx context.Context) (T, error)

	Result[T any] struct {
		Val T
		Err error
	}

	void = struct{}
)

func (p *Pool[T]) workersRun() {
	p.wg.Add(p.cfg.Size)
	for range p.cfg.Size {
		go p.worker()
	}
}

func recovered(r any) error {
	switch v := r.(type) {
	case error:
		return v
	default:
		return fmt.Errorf("%v", r)
	}
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case job := <-p.jobs:
			p.workerRunJob(job)
		}
	}
}

func (p *Pool[T]) workerRunJob(job *Job[T]) {
	defer func() {
		if r := recover(); r != nil {
			job.ResultCh <- Result[T]{Err: recovered(r)}
		}
	}()

	select {
	case <-job.Ctx.Done():
		// caller is gone, skip
		job.ResultCh <- Result[T]{Err: context.Cause(job.Ctx)}
		return
	default:
	}

	res, err := job.Fn(job.Ctx)
	job.ResultCh <- Result[T]{Val: res, Err: err}
}

func (p *Pool[T]) Job(ctx context.Context, fn Workload[T]) *Job[T] {
	return &Job[T]{
		Fn:  fn,
		Ctx: ctx,
		// buffered so workers never block on an abandoned job
		ResultCh: make(chan Result[T], 1),
	}
}

// RunContext submits fn and waits for its result. The wait is abandoned
// when ctx is done, fn keeps its worker until it returns.
func (p *Pool[T]) RunContext(ctx context.Context, fn Workload[T]) (T, error) {
	var zero T
	job := p.Job(ctx, fn)
	select {
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	case <-p.closeCh:
		return zero, ErrClosing
	case p.jobs <- job:
		select {
		case <-ctx.Done():
			return zero, context.Cause(ctx)
		case <-p.closeCh:
			return zero, ErrClosing
		case r := <-job.ResultCh:
			return r.Val, r.Err
		}
	}
}

func (p *Pool[T]) Run(fn Workload[T]) (T, error) {
	return p.RunContext(context.Background(), fn)
}

func (p *Pool[T]) Size() int    { return p.cfg.Size }
func (p *Pool[T]) Backlog() int { return p.cfg.Backlog }

// Close stops the workers and waits for running workloads to return.
func (p *Pool[T]) Close() {
	p.once.Do(func() { close(p.closeCh) })
	p.wg.Wait()
}

func New[T any](c Config) *Pool[T] {
	if c.Size <= 0 {
		c.Size = DefaultConfig.Size
	}
	if c.Backlog < 0 {
		c.Backlog = 0
	}
	p := &Pool[T]{
		cfg:     c,
		closeCh: make(chan void),
		jobs:    make(chan *Job[T], c.Backlog),
	}
	p.workersRun()
	return p
}
