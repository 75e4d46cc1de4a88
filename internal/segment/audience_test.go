package segment_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/crm-delivery/internal/model"
	"github.com/example/crm-delivery/internal/segment"
	"github.com/example/crm-delivery/internal/storage/memory"
)

func TestAudienceResolveFromStore(t *testing.T) {
	store := memory.New()
	store.PutCustomer(model.Customer{ID: "a", TotalSpending: 1200, CountVisits: 2})
	store.PutCustomer(model.Customer{ID: "b", TotalSpending: 900, CountVisits: 5})
	store.PutCustomer(model.Customer{ID: "c", TotalSpending: 1500, CountVisits: 1})

	audience := segment.NewAudience(store, zerolog.Nop())
	ids, err := audience.Resolve(context.Background(), "totalSpending > 1000 AND countVisits < 3")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
}

type fakeMatcher struct {
	got segment.Expression
}

func (f *fakeMatcher) ListCustomers(context.Context) ([]model.Customer, error) {
	return nil, errors.New("should not be listed")
}

func (f *fakeMatcher) MatchCustomers(_ context.Context, expr segment.Expression) ([]string, error) {
	f.got = expr
	return []string{"z"}, nil
}

func TestAudiencePrefersConditionMatcher(t *testing.T) {
	store := &fakeMatcher{}
	audience := segment.NewAudience(store, zerolog.Nop())

	ids, err := audience.Resolve(context.Background(), "countVisits >= 4 AND junk")
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, ids)
	require.Len(t, store.got.Conditions, 1)
	assert.Equal(t, []string{"junk"}, store.got.Dropped)
}

type failingLister struct{}

func (failingLister) ListCustomers(context.Context) ([]model.Customer, error) {
	return nil, errors.New("boom")
}

func TestAudienceListError(t *testing.T) {
	_, err := segment.NewAudience(failingLister{}, zerolog.Nop()).Resolve(context.Background(), "")
	assert.Error(t, err)
}
