package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/crm-delivery/internal/common"
	"github.com/example/crm-delivery/internal/model"
)

type ReceiptWriter interface {
	ApplyReceipt(ctx context.Context, receipt model.Receipt) (model.Message, error)
}

type StatusRecomputer interface {
	Recompute(ctx context.Context, campaignID string) (model.CampaignStatus, error)
}

// Server accepts vendor delivery receipts and writes them straight to the
// message, bypassing the receipt batcher. Last write wins.
type Server struct {
	Store ReceiptWriter
	// Statuses is optional; when set the owning campaign is recomputed after
	// each write.
	Statuses StatusRecomputer
	Logger   zerolog.Logger
	Now      func() time.Time
}

var (
	receiptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_receipts_total",
		Help: "Total vendor delivery receipts received",
	}, []string{"status"})
)

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	s.Mount(r)
	return r
}

func (s *Server) Mount(r chi.Router) {
	r.Post("/v1/delivery/receipt", s.handle)
}

type receiptPayload struct {
	VendorMessageID string `json:"vendorMessageId"`
	Status          string `json:"status"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "delivery-receipt")
	defer span.End()

	var payload receiptPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}

	receipt, err := s.normalize(payload)
	if err != nil {
		s.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("vendor_message.id", receipt.VendorMessageID))

	msg, err := s.Store.ApplyReceipt(ctx, receipt)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.respondErr(ctx, w, status, err)
		return
	}

	if s.Statuses != nil {
		if _, err := s.Statuses.Recompute(ctx, msg.CampaignID); err != nil {
			logger := common.WithContext(ctx, s.Logger)
			logger.Error().Err(err).Str("campaign_id", msg.CampaignID).Msg("failed to recompute campaign status")
		}
	}

	receiptCounter.WithLabelValues(strings.ToLower(string(receipt.Status))).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"message": msg,
	})
}

func (s *Server) normalize(payload receiptPayload) (model.Receipt, error) {
	vendorID := strings.TrimSpace(payload.VendorMessageID)
	if vendorID == "" {
		return model.Receipt{}, errors.New("vendorMessageId missing")
	}
	status := model.MessageStatus(strings.ToUpper(strings.TrimSpace(payload.Status)))
	if !status.Terminal() {
		return model.Receipt{}, fmt.Errorf("status %q must be SENT or FAILED", payload.Status)
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	return model.Receipt{VendorMessageID: vendorID, Status: status, ReceivedAt: now}, nil
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Int("status", status).Msg("webhook handler error")
	receiptCounter.WithLabelValues("error").Inc()
	http.Error(w, err.Error(), status)
}
