package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/crm-delivery/internal/model"
	"github.com/example/crm-delivery/internal/segment"
)

type CreateRequest struct {
	Title           string   `json:"title"`
	SegmentID       string   `json:"segmentId,omitempty"`
	MessageTemplate string   `json:"messageTemplate"`
	CustomerIDs     []string `json:"customerIds"`
	Intent          string   `json:"intent,omitempty"`
	OwnerID         string   `json:"-"`
}

type CreateResult struct {
	Campaign model.Campaign `json:"campaign"`
	Queued   int            `json:"queued"`
}

type Stats struct {
	CampaignID   string               `json:"campaignId"`
	Status       model.CampaignStatus `json:"status"`
	AudienceSize int                  `json:"audienceSize"`
	model.MessageCounts
}

type Service struct {
	store    Store
	audience *segment.Audience
	enqueuer *Enqueuer
	tracer   trace.Tracer
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, audience *segment.Audience, enqueuer *Enqueuer, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		audience: audience,
		enqueuer: enqueuer,
		tracer:   otel.Tracer("campaign"),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a pending campaign and enqueues its messages. When no
// explicit customer ids are given the audience is resolved from the segment.
// Delivery outcomes are only observable afterwards through Stats.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ctx, span := s.tracer.Start(ctx, "create-campaign")
	defer span.End()

	if err := validateCreate(req); err != nil {
		return CreateResult{}, err
	}

	customerIDs := req.CustomerIDs
	if req.SegmentID != "" {
		seg, err := s.store.GetSegment(ctx, req.SegmentID)
		if err != nil {
			return CreateResult{}, notFound("segment", req.SegmentID, err)
		}
		if len(customerIDs) == 0 {
			customerIDs, err = s.audience.Resolve(ctx, seg.Expression)
			if err != nil {
				return CreateResult{}, fmt.Errorf("resolve audience: %w", err)
			}
		}
	}

	c := model.Campaign{
		ID:              uuid.NewString(),
		Title:           strings.TrimSpace(req.Title),
		SegmentID:       req.SegmentID,
		OwnerID:         req.OwnerID,
		MessageTemplate: strings.TrimSpace(req.MessageTemplate),
		CustomerIDs:     customerIDs,
		AudienceSize:    len(customerIDs),
		Intent:          strings.TrimSpace(req.Intent),
		Status:          model.CampaignPending,
		CreatedAt:       s.now(),
	}
	span.SetAttributes(attribute.String("campaign.id", c.ID), attribute.Int("campaign.audience_size", c.AudienceSize))

	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return CreateResult{}, fmt.Errorf("create campaign: %w", err)
	}

	res, err := s.enqueuer.Enqueue(ctx, c.ID, customerIDs, c.MessageTemplate)
	if err != nil {
		return CreateResult{Campaign: c, Queued: res.Created}, fmt.Errorf("enqueue messages: %w", err)
	}
	return CreateResult{Campaign: c, Queued: res.Created}, nil
}

// Stats reports the campaign's status next to message counts recomputed from
// the store.
func (s *Service) Stats(ctx context.Context, campaignID string) (Stats, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Stats{}, notFound("campaign", campaignID, err)
	}
	counts, err := s.store.CountMessages(ctx, campaignID)
	if err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	return Stats{
		CampaignID:    c.ID,
		Status:        c.Status,
		AudienceSize:  c.AudienceSize,
		MessageCounts: counts,
	}, nil
}

// Preview resolves expression without creating anything.
func (s *Service) Preview(ctx context.Context, expression string) ([]string, error) {
	return s.audience.Resolve(ctx, expression)
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if strings.TrimSpace(req.MessageTemplate) == "" {
		return &ValidationError{Field: "messageTemplate", Reason: "is required"}
	}
	if len(req.CustomerIDs) == 0 && req.SegmentID == "" {
		return &ValidationError{Field: "customerIds", Reason: "customerIds or segmentId is required"}
	}
	for _, id := range req.CustomerIDs {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Field: "customerIds", Reason: "must not contain empty ids"}
		}
	}
	return nil
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
