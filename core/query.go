package core

import (
	"fmt"
	"time"
)

// Collections that badge criteria and history reads may target.
const (
	CollectionPointTxn     = "PointTxn"
	CollectionAlert        = "Alert"
	CollectionRemediation  = "Remediation"
	CollectionRescanResult = "RescanResult"
	CollectionAward        = "Award"
)

// TimestampField is the record field that time windows apply to.
const TimestampField = "timestamp"

// FilterOp is a comparison applied by a Filter.
type FilterOp string

const (
	OpEq    FilterOp = "=="
	OpNe    FilterOp = "!="
	OpLt    FilterOp = "<"
	OpGt    FilterOp = ">"
	OpLte   FilterOp = "<="
	OpGte   FilterOp = ">="
	OpIn    FilterOp = "IN"
	OpNotIn FilterOp = "NOT IN"
)

// ParseFilterOp validates an operator token.
func ParseFilterOp(s string) (FilterOp, error) {
	switch op := FilterOp(s); op {
	case OpEq, OpNe, OpLt, OpGt, OpLte, OpGte, OpIn, OpNotIn:
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Filter is one `<field> <op> <value>` predicate. Value is one of nil, bool,
// int64, float64, string, time.Time or []any.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

// Query selects records of one collection. Filters are ANDed. A non-zero
// TimeField restricts records to [From, To).
type Query struct {
	Collection string
	Filters    []Filter
	TimeField  string
	From       time.Time
	To         time.Time
}

// Match reports whether a flat record satisfies the query.
func (q Query) Match(record map[string]any) bool {
	for _, f := range q.Filters {
		if !f.Match(record[f.Field]) {
			return false
		}
	}
	if q.TimeField != "" {
		ts, ok := record[q.TimeField].(time.Time)
		if !ok {
			return false
		}
		if !q.From.IsZero() && ts.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && !ts.Before(q.To) {
			return false
		}
	}
	return true
}

// Match applies the filter to a single field value.
func (f Filter) Match(v any) bool {
	switch f.Op {
	case OpEq:
		return equalValues(v, f.Value)
	case OpNe:
		return !equalValues(v, f.Value)
	case OpIn:
		return inValues(v, f.Value)
	case OpNotIn:
		return !inValues(v, f.Value)
	}
	c, ok := CompareValues(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpLt:
		return c < 0
	case OpGt:
		return c > 0
	case OpLte:
		return c <= 0
	case OpGte:
		return c >= 0
	}
	return false
}

func inValues(v, set any) bool {
	list, ok := set.([]any)
	if !ok {
		return equalValues(v, set)
	}
	for _, item := range list {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := CompareValues(a, b); ok {
		return c == 0
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

// CompareValues orders two scalars of compatible kinds. The boolean result is
// false when the kinds cannot be ordered against each other.
func CompareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ToFloat exposes numeric coercion for aggregate sums.
func ToFloat(v any) (float64, bool) { return toFloat(v) }

// Aggregate is the result of folding matching rows.
type Aggregate struct {
	Count    int64
	Distinct int64
	Sum      float64
}

// AggregateRows applies q to rows in process. Distinct and Sum are computed
// over field; empty field leaves them zero.
func AggregateRows(rows []map[string]any, q Query, field string) Aggregate {
	var agg Aggregate
	seen := map[string]struct{}{}
	for _, row := range rows {
		if !q.Match(row) {
			continue
		}
		agg.Count++
		if field == "" {
			continue
		}
		v, ok := row[field]
		if !ok || v == nil {
			continue
		}
		seen[fmt.Sprint(v)] = struct{}{}
		if f, ok := toFloat(v); ok {
			agg.Sum += f
		}
	}
	agg.Distinct = int64(len(seen))
	return agg
}
