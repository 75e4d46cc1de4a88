package segment

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/example/crm-delivery/internal/model"
)

type Field string

const (
	FieldTotalSpending Field = "totalSpending"
	FieldCountVisits   Field = "countVisits"
	FieldLastActiveAt  Field = "lastActiveAt"
)

func (f Field) known() bool {
	switch f {
	case FieldTotalSpending, FieldCountVisits, FieldLastActiveAt:
		return true
	}
	return false
}

type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
	OpNE  Operator = "!="
	OpGT  Operator = ">"
	OpLT  Operator = "<"
	OpEQ  Operator = "="
)

// operators is ordered so that two-character operators are tried first.
var operators = []Operator{OpGTE, OpLTE, OpNE, OpGT, OpLT, OpEQ}

type Connector string

const (
	And Connector = "AND"
	Or  Connector = "OR"
)

type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
	KindTime
)

type Value struct {
	Kind ValueKind
	Num  float64
	Time time.Time
	Str  string
}

// Condition is one `<field><op><value>` term. Join is the connector that
// combines it with everything to its left; it is ignored on the first
// condition.
type Condition struct {
	Field Field
	Op    Operator
	Value Value
	Join  Connector
}

// Expression is a parsed segment rule. Dropped lists the tokens that did not
// form a recognized condition; they take no part in matching.
type Expression struct {
	Conditions []Condition
	Dropped    []string
}

// Empty reports whether the expression selects every customer.
func (e Expression) Empty() bool {
	return len(e.Conditions) == 0
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse turns a flat rule expression such as
// "totalSpending > 1000 AND countVisits < 3" into ordered conditions.
// Connectors are AND/OR in any case. There is no precedence and no
// parenthesization.
func Parse(expression string) Expression {
	var expr Expression
	join := And
	for _, tok := range tokenize(expression) {
		if tok.connector != "" {
			join = tok.connector
			continue
		}
		cond, ok := parseCondition(tok.text)
		if !ok {
			expr.Dropped = append(expr.Dropped, tok.text)
			continue
		}
		cond.Join = join
		expr.Conditions = append(expr.Conditions, cond)
	}
	return expr
}

type token struct {
	text      string
	connector Connector
}

func tokenize(expression string) []token {
	words := strings.Fields(expression)
	var (
		tokens  []token
		current []string
	)
	closeCurrent := func() {
		if len(current) > 0 {
			tokens = append(tokens, token{text: strings.Join(current, " ")})
			current = nil
		}
	}
	for i, w := range words {
		switch strings.ToUpper(w) {
		case string(And), string(Or):
			closeCurrent()
			tokens = append(tokens, token{connector: Connector(strings.ToUpper(w))})
			continue
		}
		// "totalSpending > 1500 countVisits < 3" reads as an AND.
		if len(current) > 0 && endsWithDigit(current[len(current)-1]) &&
			hasOperator(strings.Join(current, " ")) && startsCondition(words[i:]) {
			closeCurrent()
			tokens = append(tokens, token{connector: And})
		}
		current = append(current, w)
	}
	closeCurrent()
	return tokens
}

func endsWithDigit(s string) bool {
	return s != "" && unicode.IsDigit(rune(s[len(s)-1]))
}

func hasOperator(s string) bool {
	return strings.ContainsAny(s, "<>=!")
}

// startsCondition reports whether words begin with an identifier immediately
// followed by an operator, either in the same word or the next one.
func startsCondition(words []string) bool {
	ident, rest := splitIdent(words[0])
	if ident == "" || unicode.IsDigit(rune(ident[0])) {
		return false
	}
	if rest == "" && len(words) > 1 {
		rest = words[1]
	}
	_, _, ok := matchOperator(rest)
	return ok
}

func splitIdent(s string) (string, string) {
	i := 0
	for i < len(s) && (s[i] == '_' || unicode.IsLetter(rune(s[i])) || unicode.IsDigit(rune(s[i]))) {
		i++
	}
	return s[:i], s[i:]
}

func matchOperator(s string) (Operator, string, bool) {
	for _, op := range operators {
		if strings.HasPrefix(s, string(op)) {
			return op, s[len(op):], true
		}
	}
	return "", s, false
}

func parseCondition(text string) (Condition, bool) {
	ident, rest := splitIdent(strings.TrimSpace(text))
	if ident == "" {
		return Condition{}, false
	}
	op, rest, ok := matchOperator(strings.TrimLeft(rest, " "))
	if !ok {
		return Condition{}, false
	}
	raw := strings.TrimSpace(rest)
	if raw == "" {
		return Condition{}, false
	}
	field := Field(ident)
	if !field.known() {
		return Condition{}, false
	}
	value, ok := coerce(field, raw)
	if !ok {
		return Condition{}, false
	}
	return Condition{Field: field, Op: op, Value: value}, true
}

func coerce(field Field, raw string) (Value, bool) {
	raw = stripQuotes(raw)
	if field == FieldLastActiveAt {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return Value{Kind: KindTime, Time: t}, true
			}
		}
		return Value{}, false
	}
	// NaN stays a string so that it never equals or orders against a number.
	if n, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(n) {
		return Value{Kind: KindNumber, Num: n}, true
	}
	return Value{Kind: KindString, Str: raw}, true
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Match evaluates the expression against c, folding conditions pairwise from
// left to right. An empty expression matches everything.
func (e Expression) Match(c model.Customer) bool {
	if len(e.Conditions) == 0 {
		return true
	}
	result := e.Conditions[0].Match(c)
	for _, cond := range e.Conditions[1:] {
		if cond.Join == Or {
			result = result || cond.Match(c)
		} else {
			result = result && cond.Match(c)
		}
	}
	return result
}

// Match evaluates a single condition. A value whose kind does not fit the
// field never compares equal or ordered to it.
func (cond Condition) Match(c model.Customer) bool {
	var cmp int
	switch cond.Field {
	case FieldTotalSpending:
		if cond.Value.Kind != KindNumber {
			return cond.Op == OpNE
		}
		cmp = compareFloat(c.TotalSpending, cond.Value.Num)
	case FieldCountVisits:
		if cond.Value.Kind != KindNumber {
			return cond.Op == OpNE
		}
		cmp = compareFloat(float64(c.CountVisits), cond.Value.Num)
	case FieldLastActiveAt:
		if cond.Value.Kind != KindTime {
			return cond.Op == OpNE
		}
		cmp = c.LastActiveAt.Compare(cond.Value.Time)
	default:
		return false
	}
	switch cond.Op {
	case OpGT:
		return cmp > 0
	case OpLT:
		return cmp < 0
	case OpGTE:
		return cmp >= 0
	case OpLTE:
		return cmp <= 0
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
