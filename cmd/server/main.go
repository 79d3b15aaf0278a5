package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/marketplace-chat/internal/app"
	"github.com/suPer8Hu/marketplace-chat/internal/config"
	"github.com/suPer8Hu/marketplace-chat/internal/logging"
	"github.com/suPer8Hu/marketplace-chat/internal/otelutil"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otelutil.Init(ctx, "marketplace-chat-server", cfg.OtelStdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing init failed")
	}

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close backends")
		}
	}()

	// websockets are long-lived, so only the header read is bounded
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("env", cfg.Env).
			Str("store", cfg.StoreBackend).
			Str("queue", cfg.QueueBackend).
			Msg("starting chat server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// with the in-memory queue nothing else would drain jobs
	if a.MemQueue != nil {
		g.Go(func() error {
			logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("running in-process workers")
			a.Pool().Run(gctx, a.MemQueue.Deliveries(), cfg.WorkerConcurrency)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return shutdownTracing(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return
	}
	logger.Info().Msg("server stopped")
}
