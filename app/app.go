package app

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/supervisor"
)

type (
	void = struct{}

	Context  = cli.Context
	Super    = supervisor.Runner
	Command  = cli.Command
	Commands = []*Command

	Config interface {
		FromFile(path string) error
	}

	// LevelConfig is implemented by configs carrying a log level, it is
	// applied unless a log level flag is set.
	LevelConfig interface {
		LogLevel() string
	}

	Application[C Config] interface {
		Configure(path string) (C, error)
		Signals(...SignalGroup) Signals
		Flags() Flags
		Commands() Commands
		Services() Services
		Notify(Signal)
		Ready() <-chan void
		Watchdog(*cli.Context)
		Init(*Runtime)
		PreRun(*cli.Context) error
		Run(*cli.Context) error
		Exec(args []string) error
		Error(error)
		Close() error
	}

	App[C Config] struct {
		Config C
		self   Application[C]
		*Runtime
		ready       chan void
		readyWg     sync.WaitGroup
		stopTimeout time.Duration
	}

	Service interface {
		Name() string
		Enabled() bool
		Run(context.Context, *sync.WaitGroup) error
		Signal(os.Signal)
		Close() error
	}
	Services = []Service
)

const (
	DefaultStopTimeout = 10 * time.Second
)

func (a *App[C]) Configure(path string) (C, error) {
	log.Ctx(a.Runtime.Super).
		Info().
		Str("config", path).
		Msg("loading config")

	var c C
	typ := reflect.TypeOf((*C)(nil)).Elem()
	if typ.Kind() == reflect.Pointer {
		c = reflect.New(typ.Elem()).Interface().(C)
	}
	err := c.FromFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "failed to load config from %q", path)
	}
	a.Config = c
	return c, nil
}

func (*App[C]) Signals(sgids ...SignalGroup) Signals {
	if len(sgids) == 0 {
		sgids = SignalGroups
	}

	var sigs Signals
	for _, sgid := range sgids {
		sigs = append(sigs, DefaultSignals[sgid]...)
	}
	return sigs
}

func (*App[C]) Flags() Flags {
	return Flags{
		&PathFlag{
			Name:    FlagConfig,
			Aliases: []string{"c"},
			Usage:   "configuration file path",
			Value:   "config.json",
		},
		&StringFlag{
			Name:  FlagLogLevel,
			Usage: "log level (trace, debug, info, warn, error), overrides the config",
		},
		&BoolFlag{
			Name:  FlagVerbose,
			Usage: "set debug log level",
			Value: false,
		},
		&BoolFlag{
			Name:     FlagDebug,
			Usage:    "set trace log level",
			Value:    false,
			Category: "debug",
		},
	}
}

func (*App[C]) Commands() Commands {
	return nil
}

func (a *App[C]) Services() Services {
	return nil
}

func (a *App[C]) Notify(sig Signal) {
	for _, service := range a.self.Services() {
		service.Signal(sig)
	}
}

func (a *App[C]) Ready() <-chan void {
	return a.ready
}

func (a *App[C]) Init(r *Runtime) {
	r.Cli.Flags = a.self.Flags()
	r.Cli.Commands = a.self.Commands()
	r.Cli.Before = a.self.PreRun
	r.Cli.Action = a.self.Run
}

func (a *App[C]) PreRun(ctx *cli.Context) error {
	path := ctx.Path(FlagConfig)
	if path != "" {
		c, err := a.self.Configure(path)
		if err != nil {
			return err
		}
		a.Config = c
	}

	level, err := a.logLevel(ctx, path != "")
	if err != nil {
		return err
	}
	log.SetLevel(level)

	for key, value := range map[string]any{
		FlagConfig:   path,
		FlagVerbose:  ctx.Bool(FlagVerbose),
		FlagDebug:    ctx.Bool(FlagDebug),
		FlagLogLevel: level.String(),
	} {
		err = MetaRegister(key, value)
		if err != nil {
			return err
		}
	}
	return nil
}

// logLevel resolves the log level from flags, then from the config when
// it implements LevelConfig.
func (a *App[C]) logLevel(ctx *cli.Context, configured bool) (log.Level, error) {
	switch {
	case ctx.Bool(FlagDebug):
		return log.TraceLevel, nil
	case ctx.Bool(FlagVerbose):
		return log.DebugLevel, nil
	case ctx.IsSet(FlagLogLevel):
		return log.ParseLevel(ctx.String(FlagLogLevel))
	}

	lc, ok := any(a.Config).(LevelConfig)
	if !ok || !configured {
		return log.InfoLevel, nil
	}
	level, err := log.ParseLevel(lc.LogLevel())
	if err != nil {
		return level, errors.Wrap(err, "failed to parse config log level")
	}
	return level, nil
}

func (a *App[C]) runService(srv Service) error {
	ctx := log.Ctx(a.Super).
		With().
		Str("service", srv.Name()).
		Logger().
		WithContext(a.Super)

	log.Ctx(ctx).Info().Msg("running...")
	defer log.Ctx(ctx).Warn().Msg("stopped")

	defer errors.LogCallErrCtx(ctx, srv.Close, "failed to close service")
	return srv.Run(ctx, &a.readyWg)
}

func (a *App[C]) Run(ctx *cli.Context) error {
	a.Super.Run(a.Watcher.Run, supervisor.TaskName("watcher"))

	for _, srv := range a.self.Services() {
		if !srv.Enabled() {
			continue
		}

		a.readyWg.Add(1)
		a.Super.Run(func(ctx context.Context) error {
			return a.runService(srv)
		}, supervisor.TaskName(srv.Name()))
	}
	go func() {
		a.readyWg.Wait()
		close(a.ready)
	}()

	a.self.Watchdog(ctx)

	return nil
}

func (a *App[C]) Exec(args []string) error {
	return a.Runtime.Run(args)
}

func (a *App[C]) Error(err error) {
	Error(err)
}

func (a *App[C]) Close() error {
	return a.Runtime.Close()
}

func newAppWithRuntime[C Config](r *Runtime) *App[C] {
	return &App[C]{
		Runtime:     r,
		ready:       make(chan void),
		stopTimeout: DefaultStopTimeout,
	}
}

// New creates an App with the provided runtime.
// It is expected that caller invoke Init on self.
func New[C Config](r *Runtime, self Application[C]) *App[C] {
	a := newAppWithRuntime[C](r)
	a.self = self
	return a
}

func Error(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
