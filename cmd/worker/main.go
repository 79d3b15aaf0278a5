package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/marketplace-chat/internal/app"
	"github.com/suPer8Hu/marketplace-chat/internal/config"
	"github.com/suPer8Hu/marketplace-chat/internal/logging"
	"github.com/suPer8Hu/marketplace-chat/internal/otelutil"
	"github.com/suPer8Hu/marketplace-chat/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	if cfg.QueueBackend == "memory" {
		logger.Fatal().Msg("QUEUE_BACKEND=memory runs workers inside the server; nothing to consume here")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otelutil.Init(ctx, "marketplace-chat-worker", cfg.OtelStdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing init failed")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// the app publisher carries retries and delivery reschedules
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	//  strict concurrency control
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, logging.Component(logger, "rabbitmq"))
	if err != nil {
		logger.Fatal().Err(err).Msg("rabbit consumer")
	}
	defer consumer.Close()

	deliveries, err := consumer.Deliveries(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("consume")
	}

	logger.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", cfg.WorkerConcurrency).Msg("worker started")
	a.Pool().Run(ctx, deliveries, cfg.WorkerConcurrency)
	logger.Info().Msg("worker stopped")
}
