package service

import (
	"context"
	"sync/atomic"
	"time"

	"git.tatikoma.dev/corpix/startif/config"
	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/pool"
	"git.tatikoma.dev/corpix/startif/postgres"
	"git.tatikoma.dev/corpix/startif/predicate"
	"git.tatikoma.dev/corpix/startif/sqlite"
	"git.tatikoma.dev/corpix/startif/startif"
	"git.tatikoma.dev/corpix/startif/supervisor"
	"git.tatikoma.dev/corpix/startif/watcher"
	"git.tatikoma.dev/corpix/startif/worker"
)

const (
	DefaultRestartInitial = config.DefaultRestartInitial
	DefaultRestartMax     = config.DefaultRestartMax
	DefaultConnectTimeout = 10 * time.Second
	DefaultReloadDebounce = 100 * time.Millisecond
)

type Deps struct {
	Watcher  *watcher.Watcher
	Pool     *pool.Pool[bool]
	Observer startif.Observer
}

// NewConditionalFromConfig builds the worker spec and predicate of w,
// opening the databases its condition needs.
func NewConditionalFromConfig(ctx context.Context, w config.Worker, deps Deps) (*Conditional, error) {
	var current atomic.Pointer[Conditional]
	check := func() {
		if c := current.Load(); c != nil {
			c.Check()
		}
	}
	ctx = withService(ctx, w.Name)

	p, closers, err := newPredicate(ctx, w.Condition, deps.Watcher, check)
	if err != nil {
		closeAll(closers)
		return nil, errors.Wrapf(err, "failed to build condition of %q", w.Name)
	}
	if w.Condition.Negate {
		p = predicate.Not(p)
	}
	if w.Condition.Timeout > 0 && deps.Pool != nil {
		p = predicate.Bounded(ctx, deps.Pool, w.Condition.Timeout.Duration(), w.Condition.Fallback, p)
	}

	c := NewConditional(ConditionalConfig{
		Controller: startif.Config{
			Predicate: p,
			Spec: &worker.ExecSpec{
				Name:            w.Name,
				Path:            w.Command[0],
				Args:            w.Command[1:],
				Env:             w.Env,
				Dir:             w.Dir,
				GracefulTimeout: w.GracefulTimeout.Duration(),
			},
			Interval: w.Interval.Duration(),
			Observer: deps.Observer,
		},
		BackOff: supervisor.ExponentialBackOff(w.Restart.Initial.Duration(), w.Restart.Max.Duration()),
	}, closers...)
	current.Store(c)
	return c, nil
}

func newPredicate(
	ctx context.Context,
	cond config.Condition,
	w *watcher.Watcher,
	check func(),
) (startif.Predicate, []func() error, error) {
	switch {
	case cond.Static != nil:
		return predicate.Static(*cond.Static), nil, nil
	case cond.Env != "":
		return predicate.Env(cond.Env), nil, nil
	case cond.File != "":
		f, err := predicate.NewFile(ctx, w, predicate.FileConfig{
			Path:     cond.File,
			OnChange: func(bool) { check() },
		})
		if err != nil {
			return nil, nil, err
		}
		return f.Predicate(), []func() error{f.Close}, nil
	case cond.Sqlite != nil:
		connectCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
		db, err := sqlite.NewClient(connectCtx, cond.Sqlite.DSN, sqlite.PragmaQueryOnly)
		if err != nil {
			return nil, nil, err
		}
		flag := sqlite.NewFlag(ctx, db, sqlite.FlagConfig{
			Query:   cond.Sqlite.Query,
			Args:    cond.Sqlite.Args,
			Timeout: cond.Sqlite.Timeout.Duration(),
		})
		return flag.Predicate(), []func() error{db.Close}, nil
	case cond.Postgres != nil:
		db, err := postgres.NewClient(cond.Postgres.DSN, DefaultConnectTimeout)
		if err != nil {
			return nil, nil, err
		}
		flag := postgres.NewFlag(ctx, db, postgres.FlagConfig{
			Query:   cond.Postgres.Query,
			Args:    cond.Postgres.Args,
			Timeout: cond.Postgres.Timeout.Duration(),
		})
		return flag.Predicate(), []func() error{closePool(db)}, nil
	case cond.Rollout != nil:
		db, err := postgres.NewClient(cond.Rollout.DSN, DefaultConnectTimeout)
		if err != nil {
			return nil, nil, err
		}
		rollout := postgres.NewRollout(ctx, db, postgres.RolloutConfig{
			Query:   cond.Rollout.Query.Query,
			Args:    cond.Rollout.Args,
			Key:     cond.Rollout.Key,
			Timeout: cond.Rollout.Timeout.Duration(),
		})
		return rollout.Predicate(), []func() error{closePool(db)}, nil
	default:
		return nil, nil, errors.New("condition has no source")
	}
}

func closePool(db *postgres.Pool) func() error {
	return func() error {
		db.Close()
		return nil
	}
}

func closeAll(closers []func() error) {
	for _, closer := range closers {
		errors.Log(closer(), "failed to release condition resources")
	}
}

func withService(ctx context.Context, name string) context.Context {
	return log.Ctx(ctx).With().Str("service", name).Logger().WithContext(ctx)
}
