package rpc

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	gruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"git.tatikoma.dev/corpix/startif/log"
)

const (
	DefaultGatewayMaxHeaderBytes    = http.DefaultMaxHeaderBytes
	DefaultGatewayReadHeaderTimeout = 5 * time.Second
)

type (
	GatewayMux = gruntime.ServeMux

	GatewayConfig struct {
		Prefix string
		// Health enables GET /healthz?service=<name>.
		Health healthpb.HealthClient
		// Handlers are mounted by path for GET requests, /metrics for example.
		Handlers          map[string]http.Handler
		ReadHeaderTimeout time.Duration
		MaxHeaderBytes    int
	}

	// Gateway serves the health service and auxiliary handlers over HTTP.
	Gateway struct {
		mux    http.Handler
		server *http.Server
		prefix string
	}
)

func GatewayErrorHandler(ctx context.Context, mux *gruntime.ServeMux, marshaler gruntime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	st, _ := status.FromError(err)
	var respErr error
	switch st.Code() {
	case codes.Unavailable:
		respErr = status.Error(codes.Unavailable, "not serving")
	case codes.NotFound:
		respErr = status.Errorf(codes.NotFound, "unknown service %q", r.URL.Query().Get("service"))
	default:
		log.Ctx(ctx).Error().
			Str("path", r.URL.Path).
			Err(err).
			Msg("gateway error")
		respErr = status.Error(codes.Internal, "internal error")
	}

	gruntime.DefaultHTTPErrorHandler(ctx, mux, marshaler, w, r, respErr)
}

// Register mounts the gateway on mux under its prefix.
func (g *Gateway) Register(mux *http.ServeMux) {
	prefix := g.prefix
	mux.Handle(prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trimmed := strings.TrimPrefix(r.URL.Path, prefix)
		r.URL.Path = "/" + strings.TrimPrefix(trimmed, "/")
		g.mux.ServeHTTP(w, r)
	}))
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) Serve(l net.Listener) error {
	err := g.server.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func (g *Gateway) Close() error {
	return g.server.Close()
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	cfg = cfg.Defaults()
	mux := NewGatewayMux(cfg)

	for path, handler := range cfg.Handlers {
		err := mux.HandlePath(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			handler.ServeHTTP(w, r)
		})
		if err != nil {
			return nil, err
		}
	}

	return &Gateway{
		mux:    mux,
		prefix: cfg.Prefix,
		server: &http.Server{
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
			Handler:           mux,
		},
	}, nil
}

func NewGatewayMux(cfg GatewayConfig) *GatewayMux {
	opts := []gruntime.ServeMuxOption{
		gruntime.WithErrorHandler(GatewayErrorHandler),
	}
	if cfg.Health != nil {
		opts = append(opts, gruntime.WithHealthzEndpoint(cfg.Health))
	}
	return gruntime.NewServeMux(opts...)
}

func (cfg GatewayConfig) Defaults() GatewayConfig {
	if cfg.Prefix == "" {
		cfg.Prefix = "/"
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = DefaultGatewayReadHeaderTimeout
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = DefaultGatewayMaxHeaderBytes
	}
	return cfg
}
