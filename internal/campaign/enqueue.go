package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/crm-delivery/internal/bus"
	"github.com/example/crm-delivery/internal/common"
	"github.com/example/crm-delivery/internal/model"
)

var enqueuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campaign_messages_enqueued_total",
	Help: "Messages created for campaigns, by outcome",
}, []string{"status"})

type EnqueueResult struct {
	Created   int  `json:"createdCount"`
	Published bool `json:"published"`
}

// Enqueuer creates one PENDING message per customer and hands the created
// messages to the send worker as a single batch.
type Enqueuer struct {
	messages  MessageStore
	publisher bus.Publisher
	topic     string
	logger    zerolog.Logger
	now       func() time.Time
}

func NewEnqueuer(messages MessageStore, publisher bus.Publisher, topic string, logger zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		messages:  messages,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists messages for customerIDs and publishes their send jobs.
// The template is stored verbatim; personalization happens at send time.
// Individual insert failures, duplicates included, are skipped. A failed
// publish is logged and leaves the created messages PENDING.
func (e *Enqueuer) Enqueue(ctx context.Context, campaignID string, customerIDs []string, template string) (EnqueueResult, error) {
	logger := common.WithContext(ctx, e.logger).With().Str("campaign_id", campaignID).Logger()

	jobs := make([]model.SendJob, 0, len(customerIDs))
	for _, customerID := range customerIDs {
		if err := ctx.Err(); err != nil {
			return EnqueueResult{Created: len(jobs)}, err
		}
		msg, err := e.messages.CreateMessage(ctx, model.Message{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			CustomerID: customerID,
			Text:       template,
			Status:     model.MessagePending,
			CreatedAt:  e.now(),
		})
		if err != nil {
			if errors.Is(err, model.ErrDuplicate) {
				enqueuedCounter.WithLabelValues("duplicate").Inc()
				logger.Debug().Str("customer_id", customerID).Msg("message already exists, skipping")
			} else {
				enqueuedCounter.WithLabelValues("error").Inc()
				logger.Error().Err(err).Str("customer_id", customerID).Msg("failed to create message")
			}
			continue
		}
		enqueuedCounter.WithLabelValues("created").Inc()
		jobs = append(jobs, model.SendJob{
			MessageID:  msg.ID,
			CustomerID: msg.CustomerID,
			Text:       msg.Text,
		})
	}

	result := EnqueueResult{Created: len(jobs)}
	if len(jobs) == 0 {
		return result, nil
	}

	if err := bus.PublishJSON(ctx, e.publisher, e.topic, campaignID, jobs); err != nil {
		logger.Error().Err(err).Int("jobs", len(jobs)).Msg("failed to publish send jobs, messages stay pending")
		return result, nil
	}
	result.Published = true
	logger.Info().Int("jobs", len(jobs)).Msg("send jobs published")
	return result, nil
}
