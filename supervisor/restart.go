package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"git.tatikoma.dev/corpix/startif/log"
)

type (
	NewBackOff func() backoff.BackOff

	RestartOption func(*restartOptions)

	restartOptions struct {
		resetAfter time.Duration
	}
)

// DefaultResetAfter is how long a job must run before its failure is
// treated as the first one again.
const DefaultResetAfter = time.Minute

// RestartResetAfter sets the run duration after which the back-off is
// reset, zero disables resets.
func RestartResetAfter(d time.Duration) RestartOption {
	return func(o *restartOptions) { o.resetAfter = d }
}

// ExponentialBackOff never gives up on its own, restarts end only with
// the runner context.
func ExponentialBackOff(initial, maxInterval time.Duration) NewBackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// Restart re-runs job after every error with a delay taken from a
// back-off created per call of the returned job. The back-off is reset
// once job has run for DefaultResetAfter. It returns when job returns
// nil, when ctx is done or, with the last job error, when the back-off
// stops.
func Restart(name string, job Job, newBackOff NewBackOff, opts ...RestartOption) Job {
	o := restartOptions{resetAfter: DefaultResetAfter}
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx Context) error {
		var (
			l        = log.Ctx(ctx).With().Str("task", name).Logger()
			b        = newBackOff()
			restarts = 0
		)
		for {
			started := time.Now()
			err := job(ctx)
			if err == nil {
				return nil
			}
			select {
			case <-ctx.Done():
				l.Debug().Err(err).Msg("task stopped")
				return nil
			default:
			}

			if o.resetAfter > 0 && time.Since(started) >= o.resetAfter {
				l.Debug().Dur("ran", time.Since(started)).Msg("task ran long enough, resetting back-off")
				b.Reset()
			}

			delay := b.NextBackOff()
			if delay == backoff.Stop {
				l.Error().Err(err).Int("restarts", restarts).Msg("task failed, giving up")
				return err
			}
			restarts++
			l.Warn().
				Err(err).
				Dur("delay", delay).
				Int("restarts", restarts).
				Msg("task failed, restarting")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}
