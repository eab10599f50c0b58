package rpc

import (
	"context"

	grpclog "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/rs/zerolog"
)

var levels = map[grpclog.Level]zerolog.Level{
	grpclog.LevelDebug: zerolog.DebugLevel,
	grpclog.LevelInfo:  zerolog.InfoLevel,
	grpclog.LevelWarn:  zerolog.WarnLevel,
	grpclog.LevelError: zerolog.ErrorLevel,
}

// LoggerInterceptor adapts l to the grpc logging middleware, unknown
// levels are logged as info.
func LoggerInterceptor(l zerolog.Logger) grpclog.Logger {
	l = l.With().Str("component", "grpc").Logger()
	return grpclog.LoggerFunc(func(_ context.Context, lvl grpclog.Level, msg string, fields ...any) {
		level, ok := levels[lvl]
		if !ok {
			level = zerolog.InfoLevel
		}
		l.WithLevel(level).Fields(fields).Msg(msg)
	})
}
