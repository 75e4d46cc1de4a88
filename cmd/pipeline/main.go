// Command pipeline runs the campaign API, the message sender and the receipt
// batcher in one process over a shared bus.
package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/example/crm-delivery/internal/app"
	"github.com/example/crm-delivery/internal/common"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("crm-pipeline")
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

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.SendWorker().Run(ctx, a.Bus, cfg.SendTopic); err != nil {
			logger.Error().Err(err).Msg("message sender stopped")
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.ReceiptBatcher().Consume(ctx, a.Bus, cfg.ReceiptTopic); err != nil {
			logger.Error().Err(err).Msg("receipt batcher stopped")
			cancel()
		}
	}()

	if err := app.Serve(ctx, cfg.HTTPPort, a.APIRouter(), logger); err != nil {
		logger.Error().Err(err).Msg("campaign api stopped")
		cancel()
	}
	wg.Wait()
}
