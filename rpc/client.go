package rpc

import (
	"crypto/tls"
	"time"

	grpclog "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"git.tatikoma.dev/corpix/startif/log"
)

// NewClientConn dials target in plaintext when tlsCfg is nil.
func NewClientConn(tlsCfg *tls.Config, l log.Logger, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}

	return grpc.NewClient(
		target,
		append([]grpc.DialOption{
			grpc.WithTransportCredentials(creds),
			grpc.WithDisableServiceConfig(),
			grpc.WithChainUnaryInterceptor(grpclog.UnaryClientInterceptor(
				LoggerInterceptor(l),
				grpclog.WithLogOnEvents(grpclog.StartCall, grpclog.FinishCall),
			)),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  1 * time.Second,
					Multiplier: 1.5,
					Jitter:     0.2,
					MaxDelay:   10 * time.Second,
				},
				MinConnectTimeout: 20 * time.Second,
			}),
		}, opts...)...,
	)
}
