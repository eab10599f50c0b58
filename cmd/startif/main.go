package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"git.tatikoma.dev/corpix/startif/app"
	"git.tatikoma.dev/corpix/startif/config"
	"git.tatikoma.dev/corpix/startif/dump"
	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/metrics"
	"git.tatikoma.dev/corpix/startif/pool"
	"git.tatikoma.dev/corpix/startif/rpc"
	"git.tatikoma.dev/corpix/startif/service"
)

const (
	FlagAddr    = "addr"
	FlagService = "service"
	FlagTimeout = "timeout"

	DefaultConfigPath    = "startif.yaml"
	DefaultStatusTimeout = 5 * time.Second
)

type Startif struct {
	*app.App[*config.Config]
	services app.Services
	pool     *pool.Pool[bool]
}

func (s *Startif) Flags() app.Flags {
	return app.FlagSet(s.App.Flags(), app.FlagConfig, DefaultConfigPath)
}

func (s *Startif) Commands() app.Commands {
	return app.Commands{
		{
			Name:  "status",
			Usage: "query health of a running instance",
			Flags: app.Flags{
				&app.StringFlag{
					Name:  FlagAddr,
					Usage: "health endpoint address, health.listen of the config if empty",
				},
				&app.StringFlag{
					Name:  FlagService,
					Usage: "worker name, overall status if empty",
				},
				&app.DurationFlag{
					Name:  FlagTimeout,
					Usage: "request timeout",
					Value: DefaultStatusTimeout,
				},
			},
			Action: s.Status,
		},
		{
			Name:  "config",
			Usage: "configuration tools",
			Subcommands: app.Commands{
				{
					Name:  "dump",
					Usage: "print configuration with defaults applied",
					Action: func(ctx *cli.Context) error {
						_, err := fmt.Fprintln(ctx.App.Writer, dump.Sdump(s.Config))
						return err
					},
				},
			},
		},
	}
}

func (s *Startif) Services() app.Services {
	return s.services
}

func (s *Startif) Run(ctx *cli.Context) error {
	err := s.build(ctx.Context)
	if err != nil {
		return err
	}
	return s.App.Run(ctx)
}

func (s *Startif) build(ctx context.Context) error {
	cfg := s.Config
	if cfg == nil || len(cfg.Workers) == 0 {
		return errors.New("no workers configured")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	ids := make([]string, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		ids = append(ids, w.Name)
	}
	health := rpc.NewHealth(ids...)

	events := service.NewEvents()
	events.Subscribe("health", health.Observe)
	events.Subscribe("metrics", m.Observe)

	s.pool = pool.New[bool](pool.Config{
		Size:    cfg.Pool.Size,
		Backlog: cfg.Pool.Backlog,
	})

	services := app.Services{events}
	for _, w := range cfg.Workers {
		c, err := service.NewConditionalFromConfig(ctx, w, service.Deps{
			Watcher:  s.Watcher,
			Pool:     s.pool,
			Observer: events.Observer(),
		})
		if err != nil {
			for _, srv := range services {
				errors.Log(srv.Close(), "failed to close service")
			}
			return err
		}
		services = append(services, c)
	}
	s.services = append(services, service.NewHealth(cfg.Health, health, registry, s.Watcher))

	evt := log.Info().
		Int("workers", len(cfg.Workers)).
		Int("pool", s.pool.Size())
	for k, v := range app.MetaAll() {
		evt = evt.Interface(k, v)
	}
	evt.Msg("services configured")
	return nil
}

func (s *Startif) Status(ctx *cli.Context) error {
	addr := ctx.String(FlagAddr)
	if addr == "" && s.Config != nil {
		addr = s.Config.Health.Listen
	}
	if addr == "" {
		addr = config.DefaultHealthListen
	}

	tlsCfg, err := s.clientTLS()
	if err != nil {
		return err
	}
	conn, err := rpc.NewClientConn(tlsCfg, *log.Ctx(ctx.Context), addr)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %q", addr)
	}
	defer errors.LogCallErr(conn.Close, "failed to close connection")

	reqCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration(FlagTimeout))
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(reqCtx, &grpc_health_v1.HealthCheckRequest{
		Service: ctx.String(FlagService),
	})
	switch {
	case rpc.ErrIsNotFound(err):
		return errors.Errorf("unknown service %q", ctx.String(FlagService))
	case rpc.ErrIsUnavailable(err):
		return errors.Wrapf(err, "instance at %q is not reachable", addr)
	case err != nil:
		return errors.Wrap(err, "health check failed")
	}

	buf, err := protojson.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.App.Writer, string(buf))
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return cli.Exit("", 1)
	}
	return nil
}

func (s *Startif) clientTLS() (*tls.Config, error) {
	if s.Config == nil || s.Config.Health.TLS == nil {
		return nil, nil
	}
	t := s.Config.Health.TLS
	cm, err := rpc.NewCertificateManager(t.Cert, t.Key)
	if err != nil {
		return nil, err
	}
	return rpc.NewTLSConfig(t.CA, cm)
}

func (s *Startif) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return s.App.Close()
}

func main() {
	r, err := app.NewRuntime(context.Background())
	if err != nil {
		app.Error(err)
	}
	r.Cli.Name = "startif"
	r.Cli.Usage = "run workers while their conditions hold"

	s := &Startif{}
	s.App = app.New[*config.Config](r, s)
	s.Init(r)
	defer errors.LogCallErr(s.Close, "failed to close application")

	err = s.Exec(os.Args)
	if err != nil {
		s.Error(err)
	}
}
