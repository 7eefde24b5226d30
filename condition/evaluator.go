package condition

import (
	"fmt"
	"strings"
	"time"

	"secupoints/core"
)

// Evaluator decides conditions against one Context. It is cheap to build
// and holds no state beyond the context, so build one per evaluation pass.
type Evaluator struct {
	ctx Context
}

// NewEvaluator returns an Evaluator over ctx.
func NewEvaluator(ctx Context) *Evaluator {
	return &Evaluator{ctx: ctx}
}

var _ Visitor = (*Evaluator)(nil)

// Evaluate parses and evaluates a single condition.
func (e *Evaluator) Evaluate(src string) (bool, error) {
	expr, err := Parse(src)
	if err != nil {
		return false, err
	}
	return e.EvaluateExpr(expr)
}

// EvaluateExpr evaluates a pre-compiled condition.
func (e *Evaluator) EvaluateExpr(expr Expr) (bool, error) {
	return expr.Accept(e)
}

// EvaluateAll combines several conditions. An empty list is true for both
// And and Or. Evaluation stops at the first error.
func (e *Evaluator) EvaluateAll(conds []string, op LogicalOp) (bool, error) {
	exprs := make([]Expr, 0, len(conds))
	for _, c := range conds {
		expr, err := Parse(c)
		if err != nil {
			return false, err
		}
		exprs = append(exprs, expr)
	}
	return e.EvaluateAllExpr(exprs, op)
}

// EvaluateAllExpr is EvaluateAll over compiled conditions.
func (e *Evaluator) EvaluateAllExpr(exprs []Expr, op LogicalOp) (bool, error) {
	if len(exprs) == 0 {
		return true, nil
	}
	switch op {
	case And, Or:
	default:
		return false, fmt.Errorf("unsupported logical operator %q", op)
	}
	for _, expr := range exprs {
		ok, err := expr.Accept(e)
		if err != nil {
			return false, err
		}
		if op == And && !ok {
			return false, nil
		}
		if op == Or && ok {
			return true, nil
		}
	}
	return op == And, nil
}

func (e *Evaluator) VisitLogical(l *Logical) (bool, error) {
	return e.EvaluateAllExpr(l.Terms, l.Op)
}

func (e *Evaluator) VisitExists(x *Exists) (bool, error) {
	present := false
	if v, err := e.ctx.resolveParts(x.Target.Path); err == nil {
		present = !v.IsNull()
	}
	if x.Negated {
		return !present, nil
	}
	return present, nil
}

func (e *Evaluator) VisitComparison(c *Comparison) (bool, error) {
	left, err := e.ctx.resolveParts(c.Left.Path)
	if err != nil {
		return false, err
	}
	right := e.operand(c.Right)
	return Compare(left, c.Op, right), nil
}

func (e *Evaluator) VisitTemporal(t *Temporal) (bool, error) {
	later, err := e.timestamp(t.Later)
	if err != nil {
		return false, err
	}
	earlier, err := e.timestamp(t.Earlier)
	if err != nil {
		return false, err
	}
	if later == nil || earlier == nil {
		return false, nil
	}
	delta := later.Sub(*earlier).Seconds()
	return Compare(Float(delta), t.Op, Float(t.ThresholdSeconds())), nil
}

// timestamp resolves ref to a time. A Null field yields nil; anything that
// is neither a time nor a parseable timestamp string is a reference error.
func (e *Evaluator) timestamp(ref *Ref) (*time.Time, error) {
	v, err := e.ctx.resolveParts(ref.Path)
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, nil
	}
	if ts, ok := asTime(v); ok {
		return &ts, nil
	}
	return nil, core.ReferenceError(ref.String(), "value of kind "+v.Kind().String()+" is not a timestamp")
}

// operand resolves the right-hand side. A bare name bound in the context is
// substituted by its value; a dotted path whose root is bound is resolved;
// anything else is the literal text.
func (e *Evaluator) operand(o Operand) Value {
	switch n := o.(type) {
	case *Literal:
		return n.Value
	case *ListLit:
		items := make([]Value, len(n.Items))
		for i, item := range n.Items {
			items[i] = e.operand(item)
		}
		return List(items...)
	case *Ref:
		if v, err := e.ctx.resolveParts(n.Path); err == nil {
			return v
		}
		return String(n.String())
	}
	return Null()
}

// Compare applies op to two values. With a Null operand only == and != are
// meaningful; every other operator is false. Kinds that cannot be ordered
// against each other compare false.
func Compare(left Value, op Operator, right Value) bool {
	if left.IsNull() || right.IsNull() {
		switch op {
		case OpEq:
			return left.IsNull() && right.IsNull()
		case OpNe:
			return !(left.IsNull() && right.IsNull())
		}
		return false
	}
	switch op {
	case OpEq:
		return Equal(left, right)
	case OpNe:
		return !Equal(left, right)
	case OpIn:
		return contains(right, left)
	case OpNotIn:
		return !contains(right, left)
	}
	c, ok := order(left, right)
	if !ok {
		return false
	}
	switch op {
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

// Equal reports deep equality; ints and floats compare numerically and a
// timestamp string equals the time it denotes.
func Equal(a, b Value) bool {
	if c, ok := order(a, b); ok {
		return c == 0
	}
	switch {
	case a.kind == KindNull || b.kind == KindNull:
		return a.kind == b.kind
	case a.kind == KindBool && b.kind == KindBool:
		return a.b == b.b
	case a.kind == KindList && b.kind == KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case a.kind == KindRecord && b.kind == KindRecord:
		if len(a.rec) != len(b.rec) {
			return false
		}
		for k, av := range a.rec {
			bv, ok := b.rec[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func contains(set, item Value) bool {
	switch set.kind {
	case KindList:
		for _, v := range set.list {
			if Equal(v, item) {
				return true
			}
		}
		return false
	case KindString:
		s, ok := item.Str()
		return ok && strings.Contains(set.s, s)
	case KindRecord:
		s, ok := item.Str()
		if !ok {
			return false
		}
		_, found := set.rec[s]
		return found
	}
	return false
}

func order(a, b Value) (int, bool) {
	if af, ok := a.Number(); ok {
		bf, ok := b.Number()
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
	if a.kind == KindTime || b.kind == KindTime {
		at, ok := asTime(a)
		if !ok {
			return 0, false
		}
		bt, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	if a.kind == KindString && b.kind == KindString {
		return strings.Compare(a.s, b.s), true
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asTime(v Value) (time.Time, bool) {
	switch v.kind {
	case KindTime:
		return v.t, true
	case KindString:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, v.s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// Evaluate is a convenience for one-off checks.
func Evaluate(ctx map[string]any, src string) (bool, error) {
	return NewEvaluator(NewContext(ctx)).Evaluate(src)
}
