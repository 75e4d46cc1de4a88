package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/example/crm-delivery/internal/bus"
	"github.com/example/crm-delivery/internal/common"
	"github.com/example/crm-delivery/internal/model"
)

const (
	// NamePlaceholder is replaced with the customer's name at send time.
	NamePlaceholder = "{name}"
	// FallbackName is used when the customer cannot be looked up.
	FallbackName = "Customer"
)

var (
	jobCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sender_jobs_total",
		Help: "Send jobs processed, by outcome",
	}, []string{"status"})
	vendorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sender_vendor_latency_seconds",
		Help:    "Latency of vendor dispatch calls",
		Buckets: prometheus.DefBuckets,
	})
)

type CustomerLookup interface {
	GetCustomer(ctx context.Context, id string) (model.Customer, error)
}

type OutcomeRecorder interface {
	RecordSendOutcome(ctx context.Context, messageID string, outcome model.SendOutcome) error
}

type Options struct {
	ReceiptTopic  string
	VendorTimeout time.Duration
	// RateLimit caps vendor dispatches per second; zero disables the limit.
	RateLimit   float64
	Concurrency int
}

// Worker consumes campaign:send batches. Each job is personalized,
// dispatched once, recorded on its message and announced as a receipt.
// Failures are isolated per job and never retried.
type Worker struct {
	customers    CustomerLookup
	messages     OutcomeRecorder
	vendor       VendorClient
	publisher    bus.Publisher
	receiptTopic string
	timeout      time.Duration
	limiter      *rate.Limiter
	concurrency  int
	tracer       trace.Tracer
	logger       zerolog.Logger
	now          func() time.Time
}

func NewWorker(customers CustomerLookup, messages OutcomeRecorder, vendor VendorClient, publisher bus.Publisher, opts Options, logger zerolog.Logger) *Worker {
	w := &Worker{
		customers:    customers,
		messages:     messages,
		vendor:       vendor,
		publisher:    publisher,
		receiptTopic: opts.ReceiptTopic,
		timeout:      opts.VendorTimeout,
		concurrency:  opts.Concurrency,
		tracer:       otel.Tracer("sender"),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if w.timeout <= 0 {
		w.timeout = 3 * time.Second
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return w
}

// Run consumes topic until ctx is done.
func (w *Worker) Run(ctx context.Context, sub bus.Subscriber, topic string) error {
	if w.vendor == nil {
		return errors.New("sender requires a vendor client")
	}
	return sub.Subscribe(ctx, topic, w.HandlePayload)
}

// HandlePayload decodes one campaign:send batch and processes it. Malformed
// payloads are logged and dropped.
func (w *Worker) HandlePayload(ctx context.Context, payload []byte) error {
	var jobs []model.SendJob
	if err := json.Unmarshal(payload, &jobs); err != nil {
		jobCounter.WithLabelValues("malformed").Inc()
		w.logger.Error().Err(err).Msg("failed to decode send batch")
		return nil
	}
	w.ProcessBatch(ctx, jobs)
	return nil
}

// ProcessBatch handles every job in jobs, up to the configured concurrency,
// and returns the receipts that were produced.
func (w *Worker) ProcessBatch(ctx context.Context, jobs []model.SendJob) []model.Receipt {
	receipts := make([]model.Receipt, len(jobs))
	ok := make([]bool, len(jobs))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for i, job := range jobs {
		if ctx.Err() != nil {
			w.logger.Warn().Int("remaining", len(jobs)-i).Msg("send batch interrupted, remaining jobs stay pending")
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, job model.SendJob) {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := w.Process(ctx, job)
			if err != nil {
				w.logger.Error().Err(err).Str("message_id", job.MessageID).Msg("send job incomplete")
			}
			if r.VendorMessageID != "" {
				receipts[i], ok[i] = r, true
			}
		}(i, job)
	}
	wg.Wait()

	out := receipts[:0]
	for i, r := range receipts {
		if ok[i] {
			out = append(out, r)
		}
	}
	return out
}

// Process sends one job. The returned receipt is set whenever the vendor was
// called; err reports a failed write or publish after that point. A job whose
// context is already done is left untouched, so its message stays PENDING.
func (w *Worker) Process(ctx context.Context, job model.SendJob) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		jobCounter.WithLabelValues("cancelled").Inc()
		return model.Receipt{}, fmt.Errorf("send job %s not started: %w", job.MessageID, err)
	}
	ctx, span := w.tracer.Start(ctx, "send-message")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", job.MessageID))
	logger := common.WithContext(ctx, w.logger).With().Str("message_id", job.MessageID).Logger()

	if job.MessageID == "" {
		jobCounter.WithLabelValues("malformed").Inc()
		return model.Receipt{}, errors.New("send job without messageId")
	}

	name := w.customerName(ctx, job.CustomerID, logger)
	text := strings.ReplaceAll(job.Text, NamePlaceholder, name)

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			jobCounter.WithLabelValues("error").Inc()
			return model.Receipt{}, fmt.Errorf("wait for vendor slot: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		jobCounter.WithLabelValues("cancelled").Inc()
		return model.Receipt{}, fmt.Errorf("send job %s not started: %w", job.MessageID, err)
	}

	result, err := w.dispatch(ctx, job, text, logger)
	if err != nil {
		jobCounter.WithLabelValues("cancelled").Inc()
		return model.Receipt{}, fmt.Errorf("send job %s interrupted: %w", job.MessageID, err)
	}
	// The vendor has answered; finish bookkeeping even if shutdown starts now.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()

	status := model.MessageFailed
	if result.Success {
		status = model.MessageSent
	}
	span.SetAttributes(attribute.String("message.status", string(status)))

	now := w.now()
	outcome := model.SendOutcome{
		VendorMessageID: result.VendorMessageID,
		Status:          status,
		Text:            text,
	}
	if result.Success {
		outcome.DeliveredAt = &now
	}
	receipt := model.Receipt{
		VendorMessageID: result.VendorMessageID,
		Status:          status,
		ReceivedAt:      now,
	}

	var errs []error
	if err := w.messages.RecordSendOutcome(ctx, job.MessageID, outcome); err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("failed to record send outcome")
		errs = append(errs, fmt.Errorf("record outcome: %w", err))
	}
	if err := bus.PublishJSON(ctx, w.publisher, w.receiptTopic, receipt.VendorMessageID, receipt); err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("failed to publish delivery receipt")
		errs = append(errs, fmt.Errorf("publish receipt: %w", err))
	}

	if len(errs) > 0 {
		jobCounter.WithLabelValues("error").Inc()
		return receipt, errors.Join(errs...)
	}
	jobCounter.WithLabelValues(strings.ToLower(string(status))).Inc()
	return receipt, nil
}

func (w *Worker) customerName(ctx context.Context, customerID string, logger zerolog.Logger) string {
	if w.customers == nil || customerID == "" {
		return FallbackName
	}
	c, err := w.customers.GetCustomer(ctx, customerID)
	if err != nil {
		logger.Debug().Err(err).Str("customer_id", customerID).Msg("customer lookup failed, using fallback name")
		return FallbackName
	}
	if c.Name == "" {
		return FallbackName
	}
	return c.Name
}

// dispatch calls the vendor under the configured timeout. Vendor errors and
// timeouts become a failed result with a locally generated message id so the
// outcome can still be tracked by receipt. It returns an error only when ctx
// itself ended during the call, in which case nothing should be recorded.
func (w *Worker) dispatch(ctx context.Context, job model.SendJob, text string, logger zerolog.Logger) (DispatchResult, error) {
	dctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	result, err := w.vendor.Dispatch(dctx, DispatchRequest{
		MessageID:  job.MessageID,
		CustomerID: job.CustomerID,
		Text:       text,
	})
	vendorLatency.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		return DispatchResult{}, ctx.Err()
	}
	if err != nil {
		var permanent *backoff.PermanentError
		logger.Warn().Err(err).Bool("permanent", errors.As(err, &permanent)).Msg("vendor dispatch failed")
		result = DispatchResult{Success: false, VendorMessageID: result.VendorMessageID}
	}
	if result.VendorMessageID == "" {
		result.VendorMessageID = "local-" + uuid.NewString()
	}
	return result, nil
}
