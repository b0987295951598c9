package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/astro-web3/gateway-authz/internal/config"
	httptransport "github.com/astro-web3/gateway-authz/internal/transport/http"
	"github.com/astro-web3/gateway-authz/pkg/logger"
	"github.com/astro-web3/gateway-authz/pkg/otel"
)

const shutdownTimeoutSeconds = 10

func main() {
	cfg := config.MustLoad()

	srv, err := httptransport.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx := context.Background()

	serverErrChan := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "Starting HTTP server",
			slog.String("addr", cfg.Server.Addr),
			slog.String("mode", cfg.Server.Mode),
			slog.String("transport", cfg.RPC.Transport),
		)
		if listenErr := srv.ListenAndServe(); listenErr != nil &&
			!errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "Server failed", slog.String("error", listenErr.Error()))
			serverErrChan <- listenErr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.InfoContext(ctx, "Shutting down server...")
	case serverErr := <-serverErrChan:
		logger.ErrorContext(ctx, "Server error, shutting down", slog.String("error", serverErr.Error()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownTimeoutSeconds*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.ErrorContext(shutdownCtx, "Server forced to shutdown", slog.String("error", shutdownErr.Error()))
	} else {
		logger.InfoContext(shutdownCtx, "Server stopped gracefully")
	}

	if shutdownErr := otel.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.ErrorContext(shutdownCtx, "Failed to shutdown tracer provider", slog.String("error", shutdownErr.Error()))
	}
}
