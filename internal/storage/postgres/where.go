package postgres

import (
	"fmt"

	"github.com/example/crm-delivery/internal/segment"
)

var fieldColumns = map[segment.Field]string{
	segment.FieldTotalSpending: "total_spending",
	segment.FieldCountVisits:   "count_visits",
	segment.FieldLastActiveAt:  "last_active_at",
}

// whereClause renders expr as a SQL predicate with the same pairwise
// left-to-right nesting segment.Expression.Match uses.
func whereClause(expr segment.Expression) (string, []any) {
	if expr.Empty() {
		return "TRUE", nil
	}
	var args []any
	sql := conditionSQL(expr.Conditions[0], &args)
	for _, cond := range expr.Conditions[1:] {
		sql = fmt.Sprintf("(%s) %s (%s)", sql, cond.Join, conditionSQL(cond, &args))
	}
	return sql, args
}

func conditionSQL(cond segment.Condition, args *[]any) string {
	column, ok := fieldColumns[cond.Field]
	if !ok {
		return "FALSE"
	}

	var value any
	switch {
	case cond.Field == segment.FieldLastActiveAt && cond.Value.Kind == segment.KindTime:
		value = cond.Value.Time
	case cond.Field != segment.FieldLastActiveAt && cond.Value.Kind == segment.KindNumber:
		value = cond.Value.Num
	default:
		if cond.Op == segment.OpNE {
			return "TRUE"
		}
		return "FALSE"
	}

	op := string(cond.Op)
	if cond.Op == segment.OpNE {
		op = "<>"
	}
	*args = append(*args, value)
	return fmt.Sprintf("%s %s $%d", column, op, len(*args))
}
