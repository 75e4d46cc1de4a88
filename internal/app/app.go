// Package app assembles the pipeline's stores, bus and stages from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/crm-delivery/internal/bus"
	"github.com/example/crm-delivery/internal/campaign"
	"github.com/example/crm-delivery/internal/common"
	"github.com/example/crm-delivery/internal/receipt"
	"github.com/example/crm-delivery/internal/segment"
	"github.com/example/crm-delivery/internal/sender"
	"github.com/example/crm-delivery/internal/storage/memory"
	"github.com/example/crm-delivery/internal/storage/postgres"
	"github.com/example/crm-delivery/internal/webhook"
)

var (
	_ campaign.Store           = (*memory.Store)(nil)
	_ campaign.Store           = (*postgres.Store)(nil)
	_ segment.ConditionMatcher = (*postgres.Store)(nil)
)

// App holds the shared dependencies of one process.
type App struct {
	Config *common.Config
	Logger zerolog.Logger
	Store  campaign.Store
	Bus    bus.Bus

	closers []func()
}

// New opens the configured store and bus. groupID names the Kafka consumer
// group and is ignored by the other bus drivers.
func New(ctx context.Context, cfg *common.Config, logger zerolog.Logger, groupID string) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	store, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	b, err := OpenBus(ctx, cfg, logger, groupID)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Bus = b
	a.closers = append(a.closers, func() {
		if err := b.Close(); err != nil {
			logger.Error().Err(err).Msg("close bus")
		}
	})
	return a, nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func connectBackOff(ctx context.Context) backoff.BackOffContext {
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(op, ctx)
}

// OpenStore returns the configured store and a function releasing it.
func OpenStore(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (campaign.Store, func(), error) {
	switch cfg.StoreDriver {
	case common.StoreMemory:
		logger.Warn().Msg("using in-memory store, state is lost on exit")
		return memory.New(), func() {}, nil
	case common.StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL must be provided for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		err = backoff.RetryNotify(func() error {
			return pool.Ping(ctx)
		}, connectBackOff(ctx), func(err error, wait time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", wait).Msg("postgres not ready")
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := postgres.MustStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// OpenBus returns the configured transport.
func OpenBus(ctx context.Context, cfg *common.Config, logger zerolog.Logger, groupID string) (bus.Bus, error) {
	switch cfg.BusDriver {
	case common.BusMemory:
		return bus.NewMemory(0, logger), nil
	case common.BusKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS must be provided for the kafka bus")
		}
		return bus.NewKafka(cfg.KafkaBrokers, groupID, logger), nil
	case common.BusRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		err := backoff.RetryNotify(func() error {
			return client.Ping(ctx).Err()
		}, connectBackOff(ctx), func(err error, wait time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", wait).Msg("redis not ready")
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return bus.NewRedis(client, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

// NewVendor returns the HTTP vendor when an endpoint is configured and the
// simulation otherwise.
func NewVendor(cfg *common.Config) sender.VendorClient {
	if cfg.VendorEndpoint != "" {
		return &sender.HTTPVendor{
			Endpoint: cfg.VendorEndpoint,
			APIKey:   cfg.VendorAPIKey,
			Client:   &http.Client{Timeout: cfg.VendorTimeout},
		}
	}
	return sender.NewSimulatedVendor(cfg.VendorSuccessRate, cfg.VendorMinLatency, cfg.VendorMaxLatency, time.Now().UnixNano())
}

// APIRouter serves the campaign API and the receipt webhook.
func (a *App) APIRouter() http.Handler {
	logger := a.Logger
	enqueuer := campaign.NewEnqueuer(a.Store, a.Bus, a.Config.SendTopic, logger)
	svc := campaign.NewService(a.Store, segment.NewAudience(a.Store, logger), enqueuer, logger)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	campaign.NewHandler(svc, logger).Mount(r)
	(&webhook.Server{
		Store:    a.Store,
		Statuses: &campaign.StatusEngine{Messages: a.Store, Campaigns: a.Store},
		Logger:   logger,
	}).Mount(r)
	return r
}

func (a *App) SendWorker() *sender.Worker {
	return sender.NewWorker(a.Store, a.Store, NewVendor(a.Config), a.Bus, sender.Options{
		ReceiptTopic:  a.Config.ReceiptTopic,
		VendorTimeout: a.Config.VendorTimeout,
		RateLimit:     a.Config.VendorRateLimit,
		Concurrency:   a.Config.SendConcurrency,
	}, a.Logger)
}

func (a *App) ReceiptBatcher() *receipt.Batcher {
	return receipt.NewStoreBatcher(a.Store, receipt.Options{
		BatchSize:     a.Config.ReceiptBatchSize,
		FlushInterval: a.Config.ReceiptFlushInterval,
	}, a.Logger)
}

// Serve runs h on port until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, port int, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
