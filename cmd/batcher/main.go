package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/example/crm-delivery/internal/app"
	"github.com/example/crm-delivery/internal/common"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("receipt-batcher")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	a, err := app.New(ctx, cfg, logger, cfg.ServiceName)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise dependencies")
	}
	defer a.Close()

	logger.Info().
		Str("topic", cfg.ReceiptTopic).
		Int("batch_size", cfg.ReceiptBatchSize).
		Dur("flush_interval", cfg.ReceiptFlushInterval).
		Msg("receipt batcher started")
	if err := a.ReceiptBatcher().Consume(ctx, a.Bus, cfg.ReceiptTopic); err != nil {
		logger.Error().Err(err).Msg("receipt batcher stopped")
	}
}
