package predicate

import (
	"context"
	"sync/atomic"
	"time"

	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/pool"
	"git.tatikoma.dev/corpix/startif/startif"
)

// Bounded evaluates p on the pool with a deadline. A timed out or
// panicking evaluation yields the last successful value, fallback
// before the first one.
func Bounded(
	ctx context.Context,
	workers *pool.Pool[bool],
	timeout time.Duration,
	fallback bool,
	p startif.Predicate,
) startif.Predicate {
	var last atomic.Bool
	last.Store(fallback)
	eval := func(context.Context) (bool, error) { return p(), nil }

	return func() bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		v, err := workers.RunContext(ctx, eval)
		if err != nil {
			v = last.Load()
			log.Ctx(ctx).Warn().
				Err(err).
				Bool("value", v).
				Msg("predicate evaluation failed, using last value")
			return v
		}
		last.Store(v)
		return v
	}
}
