package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/crm-delivery/internal/campaign"
	"github.com/example/crm-delivery/internal/model"
	"github.com/example/crm-delivery/internal/storage/memory"
)

func newServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateCampaign(ctx, model.Campaign{ID: "camp", Status: model.CampaignPending}))
	_, err := store.CreateMessage(ctx, model.Message{ID: "m1", CampaignID: "camp", CustomerID: "c1", Status: model.MessagePending})
	require.NoError(t, err)
	require.NoError(t, store.RecordSendOutcome(ctx, "m1", model.SendOutcome{VendorMessageID: "v1", Status: model.MessagePending}))

	srv := &Server{
		Store:    store,
		Statuses: &campaign.StatusEngine{Messages: store, Campaigns: store},
		Logger:   zerolog.Nop(),
	}
	return srv, store
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/delivery/receipt", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReceiptStatusCodes(t *testing.T) {
	cases := map[string]struct {
		body string
		code int
	}{
		"sent":           {body: `{"vendorMessageId":"v1","status":"SENT"}`, code: http.StatusOK},
		"lowercase":      {body: `{"vendorMessageId":"v1","status":"failed"}`, code: http.StatusOK},
		"unknown vendor": {body: `{"vendorMessageId":"v9","status":"SENT"}`, code: http.StatusNotFound},
		"missing id":     {body: `{"status":"SENT"}`, code: http.StatusBadRequest},
		"pending":        {body: `{"vendorMessageId":"v1","status":"PENDING"}`, code: http.StatusBadRequest},
		"malformed":      {body: `{`, code: http.StatusBadRequest},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv, _ := newServer(t)
			rec := post(srv.Router(), tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestReceiptLastWriteWins(t *testing.T) {
	srv, store := newServer(t)
	first := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)
	h := srv.Router()

	srv.Now = func() time.Time { return first }
	require.Equal(t, http.StatusOK, post(h, `{"vendorMessageId":"v1","status":"SENT"}`).Code)
	srv.Now = func() time.Time { return second }
	require.Equal(t, http.StatusOK, post(h, `{"vendorMessageId":"v1","status":"SENT"}`).Code)

	msg, ok := store.GetMessage("m1")
	require.True(t, ok)
	require.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, second, *msg.DeliveredAt)

	c, err := store.GetCampaign(context.Background(), "camp")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, c.Status)

	require.Equal(t, http.StatusOK, post(h, `{"vendorMessageId":"v1","status":"FAILED"}`).Code)
	msg, _ = store.GetMessage("m1")
	assert.Equal(t, model.MessageFailed, msg.Status)
}
