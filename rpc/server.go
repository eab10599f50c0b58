package rpc

import (
	"context"
	"crypto/tls"

	grpclog "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
)

func recoveryHandler(ctx context.Context, p any) error {
	return errors.RpcCodeCtx(ctx, errors.Errorf("panic in rpc handler: %v", p), codes.Internal, "internal error")
}

// NewServer serves plaintext when tlsCfg is nil.
func NewServer(tlsCfg *tls.Config, l log.Logger, opts ...grpc.ServerOption) *grpc.Server {
	logger := LoggerInterceptor(l)
	recoverer := recovery.WithRecoveryHandlerContext(recoveryHandler)

	creds := insecure.NewCredentials()
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}

	return grpc.NewServer(append([]grpc.ServerOption{
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			grpclog.UnaryServerInterceptor(logger),
			recovery.UnaryServerInterceptor(recoverer),
		),
		grpc.ChainStreamInterceptor(
			grpclog.StreamServerInterceptor(logger),
			recovery.StreamServerInterceptor(recoverer),
		),
	}, opts...)...)
}
