package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/example/crm-delivery/internal/segment"
)

func TestWhereClause(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		wantSQL    string
		wantArgs   []any
	}{
		{
			name:       "empty",
			expression: "",
			wantSQL:    "TRUE",
		},
		{
			name:       "single",
			expression: "totalSpending > 1000",
			wantSQL:    "total_spending > $1",
			wantArgs:   []any{float64(1000)},
		},
		{
			name:       "pairwise nesting",
			expression: "totalSpending > 1000 AND countVisits < 3 OR countVisits != 7",
			wantSQL:    "((total_spending > $1) AND (count_visits < $2)) OR (count_visits <> $3)",
			wantArgs:   []any{float64(1000), float64(3), float64(7)},
		},
		{
			name:       "date",
			expression: "lastActiveAt >= 2024-01-02",
			wantSQL:    "last_active_at >= $1",
			wantArgs:   []any{time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		},
		{
			name:       "mismatched value kinds",
			expression: "countVisits = many OR totalSpending != lots",
			wantSQL:    "(FALSE) OR (TRUE)",
		},
		{
			name:       "NaN is not a number",
			expression: "totalSpending = NaN OR countVisits != nan",
			wantSQL:    "(FALSE) OR (TRUE)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sql, args := whereClause(segment.Parse(tc.expression))
			assert.Equal(t, tc.wantSQL, sql)
			assert.Equal(t, tc.wantArgs, args)
		})
	}
}
