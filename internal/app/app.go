// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/acceltop-web/internal/config"
	"github.com/skobkin/acceltop-web/internal/httpserver"
	"github.com/skobkin/acceltop-web/internal/procscan"
	"github.com/skobkin/acceltop-web/internal/sampler"
)

const shutdownTimeout = 10 * time.Second

// ErrBackendFatal wraps an unrecoverable backend failure that stopped the
// application.
var ErrBackendFatal = errors.New("backend failure")

// Run bootstraps the application lifecycle.
func Run(parent context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	onFatal := func(err error) {
		appLogger.Error("backend reported a fatal error", "err", err)
		cancel(fmt.Errorf("%w: %w", ErrBackendFatal, err))
	}

	registry, err := NewRegistry(cfg, baseLogger, onFatal)
	if err != nil {
		return fmt.Errorf("build backend registry: %w", err)
	}
	appLogger.Info("backends configured", "backends", cfg.Backends, "device_mask", fmt.Sprintf("%#x", uint64(cfg.DeviceMask)))

	var resolver sampler.ProcessResolver
	if cfg.Proc.Enable {
		procResolver, err := procscan.NewResolver(cfg.Proc, cfg.ProcRoot, baseLogger)
		if err != nil {
			appLogger.Warn("process resolver unavailable", "err", err)
		} else {
			resolver = procResolver
			defer func() {
				if err := procResolver.Close(); err != nil {
					appLogger.Warn("process resolver close", "err", err)
				}
			}()
		}
	}

	samplerManager, err := sampler.NewManager(cfg.SampleInterval, registry, cfg.DeviceMask, resolver, baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
	}()

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- samplerManager.Run(samplerCtx)
	}()

	srv := httpserver.New(cfg, baseLogger, samplerManager)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			samplerCancel()
			if err != nil {
				return err
			}
			if samplerErrCh != nil {
				if samplerErr := <-samplerErrCh; samplerErr != nil && !errors.Is(samplerErr, context.Canceled) {
					return samplerErr
				}
			}
			return nil
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			cause := context.Cause(ctx)
			appLogger.Info("shutdown initiated", "reason", cause)

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			samplerCancel()
			if samplerErrCh != nil {
				if samplerErr := <-samplerErrCh; samplerErr != nil && !errors.Is(samplerErr, context.Canceled) {
					return samplerErr
				}
			}

			appLogger.Info("shutdown complete")
			if errors.Is(cause, ErrBackendFatal) {
				return cause
			}
			return nil
		}
	}
}
