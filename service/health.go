package service

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"git.tatikoma.dev/corpix/startif/config"
	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/metrics"
	"git.tatikoma.dev/corpix/startif/rpc"
	"git.tatikoma.dev/corpix/startif/watcher"
)

const DefaultShutdownTimeout = 5 * time.Second

// Health serves the gRPC health protocol for every controller and,
// when configured, an HTTP gateway with /healthz and /metrics.
type Health struct {
	cfg      config.Health
	health   *rpc.Health
	gatherer prometheus.Gatherer
	watcher  *watcher.Watcher

	mu          sync.Mutex
	addr        net.Addr
	gatewayAddr net.Addr
}

func NewHealth(cfg config.Health, health *rpc.Health, gatherer prometheus.Gatherer, w *watcher.Watcher) *Health {
	return &Health{
		cfg:      cfg,
		health:   health,
		gatherer: gatherer,
		watcher:  w,
	}
}

func (h *Health) Name() string  { return "health" }
func (h *Health) Enabled() bool { return h.cfg.Enabled }

// Addrs are the gRPC and gateway listen addresses, known once Run
// reported readiness.
func (h *Health) Addrs() (rpcAddr net.Addr, gatewayAddr net.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr, h.gatewayAddr
}

func (h *Health) tlsConfig(ctx context.Context) (*tls.Config, func() error, error) {
	if h.cfg.TLS == nil {
		return nil, nil, nil
	}
	cm, err := rpc.NewCertificateManager(h.cfg.TLS.Cert, h.cfg.TLS.Key)
	if err != nil {
		return nil, nil, err
	}
	tc, err := rpc.NewTLSConfig(h.cfg.TLS.CA, cm)
	if err != nil {
		return nil, nil, err
	}
	if h.watcher == nil {
		return tc, nil, nil
	}

	reload := func(watcher.Event) {
		err := cm.Reload()
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to reload certificate, keeping previous")
			return
		}
		log.Ctx(ctx).Info().Msg("certificate reloaded")
	}
	var unwatchers []func() error
	for _, name := range []string{h.cfg.TLS.Cert, h.cfg.TLS.Key} {
		unwatch, err := h.watcher.Watch(name, watcher.WithDebounce(DefaultReloadDebounce)(reload), watcher.WithModifyFilter())
		if err != nil {
			return nil, nil, err
		}
		unwatchers = append(unwatchers, unwatch)
	}
	return tc, func() error {
		for _, unwatch := range unwatchers {
			errors.Log(unwatch(), "failed to unwatch certificate")
		}
		return nil
	}, nil
}

func (h *Health) Run(ctx context.Context, ready *sync.WaitGroup) error {
	var once sync.Once
	markReady := func() { once.Do(ready.Done) }
	defer markReady()

	tc, unwatch, err := h.tlsConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to configure tls")
	}
	if unwatch != nil {
		defer unwatch()
	}

	lis, err := net.Listen("tcp", h.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %q", h.cfg.Listen)
	}
	srv := rpc.NewServer(tc, *log.Ctx(ctx))
	h.health.Register(srv)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(lis) }()
	log.Ctx(ctx).Info().Str("addr", lis.Addr().String()).Msg("health server listening")
	h.mu.Lock()
	h.addr = lis.Addr()
	h.mu.Unlock()

	var gw *rpc.Gateway
	if h.cfg.Gateway != "" {
		gw, err = rpc.NewGateway(rpc.GatewayConfig{
			Health: h.health.Client(),
			Handlers: map[string]http.Handler{
				"/metrics": metrics.Handler(h.gatherer),
			},
		})
		if err != nil {
			srv.Stop()
			return errors.Wrap(err, "failed to create gateway")
		}
		glis, err := net.Listen("tcp", h.cfg.Gateway)
		if err != nil {
			srv.Stop()
			return errors.Wrapf(err, "failed to listen on %q", h.cfg.Gateway)
		}
		go func() { errCh <- gw.Serve(glis) }()
		h.mu.Lock()
		h.gatewayAddr = glis.Addr()
		h.mu.Unlock()
		log.Ctx(ctx).Info().Str("addr", glis.Addr().String()).Msg("health gateway listening")
	}
	markReady()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	h.health.Shutdown()
	if gw != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
		errors.LogCtx(ctx, gw.Shutdown(shutdownCtx), "failed to shutdown gateway")
		cancel()
	}
	srv.GracefulStop()
	return err
}

func (h *Health) Signal(os.Signal) {}
func (h *Health) Close() error     { return nil }
