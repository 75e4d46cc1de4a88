// Package receipt buffers delivery receipts and applies them to message
// state in bulk, recomputing the status of every campaign a flush touched.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/crm-delivery/internal/bus"
	"github.com/example/crm-delivery/internal/campaign"
	"github.com/example/crm-delivery/internal/model"
)

// ErrFlushInProgress is returned by Flush when another flush holds the lock.
var ErrFlushInProgress = errors.New("flush already in progress")

var (
	flushCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipt_batcher_flushes_total",
		Help: "Receipt batch flushes, by result",
	}, []string{"result"})
	flushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "receipt_batcher_flush_size",
		Help:    "Receipts applied per flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	bufferedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "receipt_batcher_buffered",
		Help: "Receipts waiting for the next flush",
	})
)

// Recomputer is the status engine surface the batcher drives.
type Recomputer interface {
	Recompute(ctx context.Context, campaignID string) (model.CampaignStatus, error)
}

type Store interface {
	ApplyReceipts(ctx context.Context, receipts []model.Receipt) error
	CampaignIDsForVendorMessages(ctx context.Context, vendorMessageIDs []string) ([]string, error)
}

type Options struct {
	// BatchSize triggers an early flush once this many receipts are buffered.
	BatchSize int
	// FlushInterval is the period of the timed flush.
	FlushInterval time.Duration
}

// Batcher accumulates receipts and flushes them when the buffer reaches
// BatchSize or every FlushInterval, whichever comes first. At most one flush
// runs at a time. Receipts drained by a flush that then fails are dropped.
type Batcher struct {
	store    Store
	statuses Recomputer
	opts     Options
	logger   zerolog.Logger

	mu     sync.Mutex
	buffer []model.Receipt

	flushMu sync.Mutex
	kick    chan struct{}
}

func NewBatcher(store Store, statuses Recomputer, opts Options, logger zerolog.Logger) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 3 * time.Second
	}
	return &Batcher{
		store:    store,
		statuses: statuses,
		opts:     opts,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// NewStoreBatcher wires a batcher to a campaign store and its status engine.
func NewStoreBatcher(store campaign.Store, opts Options, logger zerolog.Logger) *Batcher {
	return NewBatcher(store, &campaign.StatusEngine{Messages: store, Campaigns: store}, opts, logger)
}

// Push buffers r. Reaching the batch size signals Run to flush early.
func (b *Batcher) Push(r model.Receipt) {
	b.mu.Lock()
	b.buffer = append(b.buffer, r)
	n := len(b.buffer)
	b.mu.Unlock()
	bufferedGauge.Set(float64(n))

	if n >= b.opts.BatchSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// HandlePayload is the delivery:receipts subscriber. Malformed payloads and
// receipts without a vendor message id or terminal status are logged and
// dropped.
func (b *Batcher) HandlePayload(_ context.Context, payload []byte) error {
	var r model.Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode delivery receipt")
		return nil
	}
	if r.VendorMessageID == "" || !r.Status.Terminal() {
		b.logger.Warn().Str("vendor_message_id", r.VendorMessageID).Str("status", string(r.Status)).Msg("dropping invalid delivery receipt")
		return nil
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	b.Push(r)
	return nil
}

// Buffered reports how many receipts are waiting.
func (b *Batcher) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Flush drains the buffer and applies it. It returns the number of receipts
// drained, or ErrFlushInProgress without touching the buffer when another
// flush is running.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	if !b.flushMu.TryLock() {
		flushCounter.WithLabelValues("skipped").Inc()
		return 0, ErrFlushInProgress
	}
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.buffer
	b.buffer = nil
	b.mu.Unlock()
	bufferedGauge.Set(0)

	if len(batch) == 0 {
		return 0, nil
	}
	flushSize.Observe(float64(len(batch)))

	if err := b.apply(ctx, batch); err != nil {
		flushCounter.WithLabelValues("error").Inc()
		b.logger.Error().Err(err).Int("receipts", len(batch)).Msg("receipt flush failed, batch dropped")
		return len(batch), err
	}
	flushCounter.WithLabelValues("ok").Inc()
	return len(batch), nil
}

func (b *Batcher) apply(ctx context.Context, batch []model.Receipt) error {
	if err := b.store.ApplyReceipts(ctx, batch); err != nil {
		return fmt.Errorf("apply receipts: %w", err)
	}

	ids := make([]string, 0, len(batch))
	for _, r := range batch {
		ids = append(ids, r.VendorMessageID)
	}
	campaignIDs, err := b.store.CampaignIDsForVendorMessages(ctx, ids)
	if err != nil {
		return fmt.Errorf("load affected campaigns: %w", err)
	}

	for _, id := range campaignIDs {
		status, err := b.statuses.Recompute(ctx, id)
		if err != nil {
			b.logger.Error().Err(err).Str("campaign_id", id).Msg("failed to recompute campaign status")
			continue
		}
		b.logger.Debug().Str("campaign_id", id).Str("status", string(status)).Msg("campaign status recomputed")
	}
	b.logger.Info().Int("receipts", len(batch)).Int("campaigns", len(campaignIDs)).Msg("receipt batch applied")
	return nil
}

// Run flushes on the interval and on size signals until ctx is done, then
// performs a final flush with a fresh context.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := b.Flush(shutdownCtx); err != nil && !errors.Is(err, ErrFlushInProgress) {
				return err
			}
			return nil
		case <-ticker.C:
			b.flushLogged(ctx)
		case <-b.kick:
			b.flushLogged(ctx)
		}
	}
}

func (b *Batcher) flushLogged(ctx context.Context) {
	if _, err := b.Flush(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) {
		b.logger.Debug().Err(err).Msg("flush returned error")
	}
}

// Consume subscribes to topic and runs the flush loop until ctx is done.
// The flush loop is stopped only once Subscribe has returned, so the final
// flush covers every receipt the subscriber delivered.
func (b *Batcher) Consume(ctx context.Context, sub bus.Subscriber, topic string) error {
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(runCtx) }()

	subErr := sub.Subscribe(ctx, topic, b.HandlePayload)
	stopRun()
	return errors.Join(subErr, <-runErr)
}
