package app

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/supervisor"
)

// clean reports whether the supervisor stopped without a task failure.
func clean(err error) bool {
	return err == nil || errors.Is(err, supervisor.Canceled)
}

// Watchdog forwards signals to services until the supervisor is done or a
// stop signal arrives, then waits for services to stop. Task failures and
// a second stop signal exit with status 1.
func (a *App[C]) Watchdog(ctx *cli.Context) {
	sigs := a.self.Signals()
	sgids := GroupSignals(a.self)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)
	defer signal.Stop(sigCh)

	exit := make(chan error, 1)
	go func() {
		exit <- a.Runtime.Super.Wait(context.Background())
	}()

watchdog:
	for {
		select {
		case <-ctx.Done():
			break watchdog
		case err := <-exit:
			if clean(err) {
				log.Warn().Msg("supervisor has been canceled, exiting")
				return
			}
			log.Error().
				Err(err).
				Msg("supervisor has been shutdown, exiting")
			os.Exit(1)
		case sig := <-sigCh:
			log.Info().
				Str("signal", sig.String()).
				Stringer("group", sgids[sig]).
				Msg("received signal")
			switch sgids[sig] {
			case SignalGroupNotify:
				a.self.Notify(sig)
			case SignalGroupStop:
				log.Warn().Msg("shutting down supervisor")
				a.Runtime.Super.Cancel(nil)
				break watchdog
			default:
				log.Warn().
					Str("signal", sig.String()).
					Msg("unsupported signal, ignoring")
			}
		}
	}
	log.Warn().
		Str("timeout", a.stopTimeout.String()).
		Msg("shutting down...")

	timeout := time.NewTimer(a.stopTimeout)
	defer timeout.Stop()

	select {
	case err := <-exit:
		if !clean(err) {
			log.Error().
				Err(err).
				Msg("supervisor got error, exiting")
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Warn().
			Msgf("received signal: %v, forcing exit", sig)
		os.Exit(1)
	case <-timeout.C:
		log.Fatal().
			Err(errors.Errorf("timed out waiting all components to stop, forcing exit")).
			Msg("exiting")
	}

	log.Warn().Msg("exiting")
}

