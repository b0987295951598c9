package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/astro-web3/gateway-authz/pkg/logger"
)

// NewRouter returns the service path prefix and the handler serving it.
func NewRouter(handler *Handler) (string, http.Handler) {
	mux := http.NewServeMux()

	mux.Handle(CheckProcedure, connect.NewUnaryHandler(
		CheckProcedure,
		handler.Check,
		connect.WithInterceptors(
			recoveryInterceptor(),
			loggingInterceptor(),
		),
	))

	return ServicePath, mux
}

func recoveryInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "panic recovered", slog.Any("panic", r))
					resp = nil
					err = connect.NewError(connect.CodeInternal, fmt.Errorf("panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}

func loggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)

			if err != nil && connect.CodeOf(err) != connect.CodeUnauthenticated {
				logger.ErrorContext(ctx, "request failed",
					slog.String("method", req.Spec().Procedure),
					slog.Duration("duration", duration),
					slog.String("error", err.Error()),
				)
			} else {
				logger.InfoContext(ctx, "request completed",
					slog.String("method", req.Spec().Procedure),
					slog.Duration("duration", duration),
				)
			}

			return resp, err
		}
	}
}
