package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/crm-delivery/internal/common"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Total number of campaign API requests",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "Latency of campaign API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Mount registers the campaign routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/v1/campaigns", h.create)
	r.Get("/v1/campaigns/{id}/stats", h.stats)
	r.Post("/v1/segments/preview", h.preview)
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer observe("create", start)

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(r.Context(), w, "create", http.StatusBadRequest, err)
		return
	}
	req.OwnerID = r.Header.Get("x-user-id")

	res, err := h.svc.Create(r.Context(), req)
	if err != nil {
		h.respondErr(r.Context(), w, "create", statusFor(err), err)
		return
	}

	reqCounter.WithLabelValues("create", "created").Inc()
	writeJSON(w, http.StatusCreated, map[string]any{
		"campaign": res.Campaign,
		"queued":   res.Queued,
		"msg":      "Messages are queued",
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer observe("stats", start)

	stats, err := h.svc.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(r.Context(), w, "stats", statusFor(err), err)
		return
	}
	reqCounter.WithLabelValues("stats", "ok").Inc()
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer observe("preview", start)

	var req struct {
		Expression string `json:"expression"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(r.Context(), w, "preview", http.StatusBadRequest, err)
		return
	}
	ids, err := h.svc.Preview(r.Context(), req.Expression)
	if err != nil {
		h.respondErr(r.Context(), w, "preview", http.StatusInternalServerError, err)
		return
	}
	reqCounter.WithLabelValues("preview", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"audienceSize": len(ids),
		"customerIds":  ids,
	})
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, route string, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Int("status", status).Str("route", route).Msg("campaign handler failed")
	reqCounter.WithLabelValues(route, http.StatusText(status)).Inc()
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func observe(route string, start time.Time) {
	requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
