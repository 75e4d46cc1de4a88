//go:build integration

package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/crm-delivery/internal/model"
	"github.com/example/crm-delivery/internal/segment"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/storage/postgres/
func newIntegrationStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))

	store, err := MustStore(pool)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	// Migrate twice to check the schema is idempotent.
	require.NoError(t, store.Migrate(ctx))
	return store, pool
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func createCampaign(t *testing.T, store *Store, audience int) string {
	t.Helper()
	id := uniqueID("camp")
	require.NoError(t, store.CreateCampaign(context.Background(), model.Campaign{
		ID:              id,
		Title:           "integration",
		MessageTemplate: "Hi {name}",
		AudienceSize:    audience,
		Status:          model.CampaignPending,
		CreatedAt:       time.Now().UTC(),
	}))
	return id
}

func createMessage(t *testing.T, store *Store, campaignID, customerID string) string {
	t.Helper()
	msg, err := store.CreateMessage(context.Background(), model.Message{
		ID:         uniqueID("msg"),
		CampaignID: campaignID,
		CustomerID: customerID,
		Text:       "Hi {name}",
		Status:     model.MessagePending,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	return msg.ID
}

func TestStoreCampaignLifecycle(t *testing.T) {
	store, _ := newIntegrationStore(t)
	ctx := context.Background()
	campID := createCampaign(t, store, 2)

	err := store.CreateCampaign(ctx, model.Campaign{ID: campID, Title: "again", MessageTemplate: "x", Status: model.CampaignPending})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	c, err := store.GetCampaign(ctx, campID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPending, c.Status)
	assert.Equal(t, 2, c.AudienceSize)

	_, err = store.GetCampaign(ctx, uniqueID("missing"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	changed, err := store.AdvanceCampaignStatus(ctx, campID, model.CampaignCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.AdvanceCampaignStatus(ctx, campID, model.CampaignInProgress)
	require.NoError(t, err)
	assert.False(t, changed, "status never moves backwards")

	c, err = store.GetCampaign(ctx, campID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, c.Status)
}

func TestStoreMessageOutcomesAndReceipts(t *testing.T) {
	store, _ := newIntegrationStore(t)
	ctx := context.Background()
	campID := createCampaign(t, store, 3)

	m1 := createMessage(t, store, campID, "cust-1")
	m2 := createMessage(t, store, campID, "cust-2")
	createMessage(t, store, campID, "cust-3")

	_, err := store.CreateMessage(ctx, model.Message{ID: uniqueID("msg"), CampaignID: campID, CustomerID: "cust-1", Text: "x", Status: model.MessagePending})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	v1, v2 := uniqueID("v"), uniqueID("v")
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordSendOutcome(ctx, m1, model.SendOutcome{VendorMessageID: v1, Status: model.MessageSent, Text: "Hi Asha", DeliveredAt: &first}))
	require.NoError(t, store.RecordSendOutcome(ctx, m2, model.SendOutcome{VendorMessageID: v2, Status: model.MessageFailed}))

	err = store.RecordSendOutcome(ctx, uniqueID("missing"), model.SendOutcome{VendorMessageID: uniqueID("v"), Status: model.MessageSent})
	assert.ErrorIs(t, err, model.ErrNotFound)

	counts, err := store.CountMessages(ctx, campID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageCounts{Total: 3, Pending: 1, Sent: 1, Failed: 1}, counts)

	later := first.Add(time.Hour)
	require.NoError(t, store.ApplyReceipts(ctx, []model.Receipt{
		{VendorMessageID: v1, Status: model.MessageSent, ReceivedAt: later},
		{VendorMessageID: v2, Status: model.MessageSent, ReceivedAt: later},
		{VendorMessageID: uniqueID("unknown"), Status: model.MessageSent, ReceivedAt: later},
	}))

	ids, err := store.CampaignIDsForVendorMessages(ctx, []string{v1, v2, uniqueID("unknown")})
	require.NoError(t, err)
	assert.Equal(t, []string{campID}, ids)

	counts, err = store.CountMessages(ctx, campID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageCounts{Total: 3, Pending: 1, Sent: 2}, counts)

	// The batch path keeps the first delivery time.
	msg, err := store.ApplyReceipt(ctx, model.Receipt{VendorMessageID: v1, Status: model.MessageFailed, ReceivedAt: later})
	require.NoError(t, err)
	assert.Equal(t, model.MessageFailed, msg.Status)
	require.NotNil(t, msg.DeliveredAt)
	assert.True(t, first.Equal(*msg.DeliveredAt))
	assert.Equal(t, "Hi Asha", msg.Text)

	// The single-receipt path is last write wins.
	latest := later.Add(time.Hour)
	msg, err = store.ApplyReceipt(ctx, model.Receipt{VendorMessageID: v1, Status: model.MessageSent, ReceivedAt: latest})
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, msg.Status)
	require.NotNil(t, msg.DeliveredAt)
	assert.True(t, latest.Equal(*msg.DeliveredAt))

	_, err = store.ApplyReceipt(ctx, model.Receipt{VendorMessageID: uniqueID("unknown"), Status: model.MessageSent})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStoreVendorIDIsUnique(t *testing.T) {
	store, _ := newIntegrationStore(t)
	ctx := context.Background()
	campID := createCampaign(t, store, 2)
	m1 := createMessage(t, store, campID, "cust-1")
	m2 := createMessage(t, store, campID, "cust-2")

	v := uniqueID("v")
	require.NoError(t, store.RecordSendOutcome(ctx, m1, model.SendOutcome{VendorMessageID: v, Status: model.MessageSent}))
	err := store.RecordSendOutcome(ctx, m2, model.SendOutcome{VendorMessageID: v, Status: model.MessageSent})
	assert.ErrorIs(t, err, model.ErrDuplicate)
}

func TestStoreMatchCustomersAgreesWithResolve(t *testing.T) {
	store, pool := newIntegrationStore(t)
	ctx := context.Background()

	prefix := uniqueID("cust")
	customers := []model.Customer{
		{ID: prefix + "-a", Name: "Asha", TotalSpending: 1200, CountVisits: 2},
		{ID: prefix + "-b", Name: "Ben", TotalSpending: 900, CountVisits: 5},
		{ID: prefix + "-c", Name: "Chen", TotalSpending: 1500, CountVisits: 1},
	}
	for _, c := range customers {
		_, err := pool.Exec(ctx,
			`INSERT INTO customers (id, name, total_spending, count_visits, last_active_at) VALUES ($1, $2, $3, $4, now())`,
			c.ID, c.Name, c.TotalSpending, c.CountVisits)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM customers WHERE id LIKE $1`, prefix+"%")
	})

	got, err := store.GetCustomer(ctx, prefix+"-a")
	require.NoError(t, err)
	assert.Equal(t, "Asha", got.Name)
	_, err = store.GetCustomer(ctx, prefix+"-z")
	assert.ErrorIs(t, err, model.ErrNotFound)

	expressions := []string{
		"totalSpending > 1000 AND countVisits < 3",
		"totalSpending > 1000 OR countVisits >= 5",
		"countVisits = 2",
		"totalSpending = NaN",
		"countVisits != nan",
		"name = 'Ben'",
		"totalSpending = abc",
	}
	for _, expr := range expressions {
		t.Run(expr, func(t *testing.T) {
			matched, err := store.MatchCustomers(ctx, segment.Parse(expr))
			require.NoError(t, err)
			var ours []string
			for _, id := range matched {
				if strings.HasPrefix(id, prefix) {
					ours = append(ours, id)
				}
			}
			assert.ElementsMatch(t, segment.Resolve(expr, customers), ours)
		})
	}
}
