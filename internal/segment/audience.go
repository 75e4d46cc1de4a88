package segment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/crm-delivery/internal/model"
)

// CustomerLister is the minimal store surface the audience service needs.
type CustomerLister interface {
	ListCustomers(ctx context.Context) ([]model.Customer, error)
}

// ConditionMatcher is implemented by stores that can evaluate an expression
// natively. The result must equal filtering ListCustomers with Match.
type ConditionMatcher interface {
	MatchCustomers(ctx context.Context, expr Expression) ([]string, error)
}

// Resolve returns the ids of all customers matching expression.
func Resolve(expression string, customers []model.Customer) []string {
	return Parse(expression).filter(customers)
}

func (e Expression) filter(customers []model.Customer) []string {
	ids := make([]string, 0, len(customers))
	for _, c := range customers {
		if e.Match(c) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

type Audience struct {
	store  CustomerLister
	logger zerolog.Logger
}

func NewAudience(store CustomerLister, logger zerolog.Logger) *Audience {
	return &Audience{store: store, logger: logger}
}

// Resolve computes the audience for expression against the backing store.
func (a *Audience) Resolve(ctx context.Context, expression string) ([]string, error) {
	expr := Parse(expression)
	if len(expr.Dropped) > 0 {
		a.logger.Debug().Strs("dropped", expr.Dropped).Str("expression", expression).Msg("ignoring unrecognized expression tokens")
	}

	if m, ok := a.store.(ConditionMatcher); ok {
		ids, err := m.MatchCustomers(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("match customers: %w", err)
		}
		return ids, nil
	}

	customers, err := a.store.ListCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return expr.filter(customers), nil
}
