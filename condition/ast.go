package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a parsed condition. The concrete types are *Comparison,
// *Temporal, *Exists and *Logical.
type Expr interface {
	Accept(v Visitor) (bool, error)
	String() string
	isExpr()
}

// Visitor evaluates each expression variant.
type Visitor interface {
	VisitComparison(*Comparison) (bool, error)
	VisitTemporal(*Temporal) (bool, error)
	VisitExists(*Exists) (bool, error)
	VisitLogical(*Logical) (bool, error)
}

// Operator is a comparison operator.
type Operator string

const (
	OpEq    Operator = "=="
	OpNe    Operator = "!="
	OpLt    Operator = "<"
	OpGt    Operator = ">"
	OpLte   Operator = "<="
	OpGte   Operator = ">="
	OpIn    Operator = "IN"
	OpNotIn Operator = "NOT IN"
)

// LogicalOp joins sub-expressions.
type LogicalOp string

const (
	And LogicalOp = "AND"
	Or  LogicalOp = "OR"
)

// Unit is a temporal threshold unit.
type Unit string

const (
	Second Unit = "second"
	Minute Unit = "minute"
	Hour   Unit = "hour"
	Day    Unit = "day"
)

var unitSeconds = map[Unit]float64{Second: 1, Minute: 60, Hour: 3600, Day: 86400}

// ParseUnit accepts singular or plural unit names, case-insensitively.
func ParseUnit(s string) (Unit, bool) {
	u := Unit(strings.TrimSuffix(strings.ToLower(s), "s"))
	_, ok := unitSeconds[u]
	return u, ok
}

// Seconds converts n units to seconds.
func (u Unit) Seconds(n float64) float64 { return n * unitSeconds[u] }

// Ref is a dotted path such as Alert.first_seen or current_user.
type Ref struct {
	Path []string
}

func (r *Ref) Root() string { return r.Path[0] }
func (r *Ref) String() string { return strings.Join(r.Path, ".") }
func (r *Ref) Dotted() bool { return len(r.Path) > 1 }
func (r *Ref) operandString() string { return r.String() }

// Operand is the right-hand side of a comparison: *Literal, *Ref or *ListLit.
type Operand interface {
	operandString() string
}

// Literal is a constant written in the condition.
type Literal struct {
	Value Value
}

func (l *Literal) operandString() string { return l.Value.literal() }

// ListLit is a bracketed list of operands.
type ListLit struct {
	Items []Operand
}

func (l *ListLit) operandString() string {
	parts := make([]string, len(l.Items))
	for i, item := range l.Items {
		parts[i] = item.operandString()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Comparison is `<ref> <op> <operand>`.
type Comparison struct {
	Left  *Ref
	Op    Operator
	Right Operand
}

func (c *Comparison) Accept(v Visitor) (bool, error) { return v.VisitComparison(c) }
func (c *Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right.operandString())
}
func (*Comparison) isExpr() {}

// Temporal is `(<later> - <earlier>) <op> <n> <unit>`.
type Temporal struct {
	Later     *Ref
	Earlier   *Ref
	Op        Operator
	Threshold float64
	Unit      Unit
}

func (t *Temporal) Accept(v Visitor) (bool, error) { return v.VisitTemporal(t) }
func (t *Temporal) String() string {
	return fmt.Sprintf("(%s - %s) %s %s %ss", t.Later, t.Earlier, t.Op,
		strconv.FormatFloat(t.Threshold, 'f', -1, 64), t.Unit)
}
func (*Temporal) isExpr() {}

// ThresholdSeconds returns the threshold converted to seconds.
func (t *Temporal) ThresholdSeconds() float64 { return t.Unit.Seconds(t.Threshold) }

// Exists is `<ref> EXISTS` or `<ref> NOT EXISTS`.
type Exists struct {
	Target  *Ref
	Negated bool
}

func (e *Exists) Accept(v Visitor) (bool, error) { return v.VisitExists(e) }
func (e *Exists) String() string {
	if e.Negated {
		return e.Target.String() + " NOT EXISTS"
	}
	return e.Target.String() + " EXISTS"
}
func (*Exists) isExpr() {}

// Logical joins two or more expressions with AND or OR.
type Logical struct {
	Op    LogicalOp
	Terms []Expr
}

func (l *Logical) Accept(v Visitor) (bool, error) { return v.VisitLogical(l) }
func (l *Logical) String() string {
	parts := make([]string, len(l.Terms))
	for i, t := range l.Terms {
		if inner, ok := t.(*Logical); ok && inner.Op != l.Op {
			parts[i] = "(" + t.String() + ")"
			continue
		}
		parts[i] = t.String()
	}
	return strings.Join(parts, " "+string(l.Op)+" ")
}
func (*Logical) isExpr() {}

// Dump renders an expression tree one node per line, indented by depth.
func Dump(e Expr) string {
	var b strings.Builder
	dump(&b, e, 0)
	return b.String()
}

func dump(b *strings.Builder, e Expr, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n := e.(type) {
	case *Comparison:
		fmt.Fprintf(b, "%sComparison %s\n", indent, n.Op)
		fmt.Fprintf(b, "%s  ref %s\n", indent, n.Left)
		dumpOperand(b, n.Right, depth+1)
	case *Temporal:
		fmt.Fprintf(b, "%sTemporal %s %ss\n", indent, n.Op, strconv.FormatFloat(n.ThresholdSeconds(), 'f', -1, 64))
		fmt.Fprintf(b, "%s  ref %s\n", indent, n.Later)
		fmt.Fprintf(b, "%s  ref %s\n", indent, n.Earlier)
	case *Exists:
		kw := "EXISTS"
		if n.Negated {
			kw = "NOT EXISTS"
		}
		fmt.Fprintf(b, "%sExists %s\n", indent, kw)
		fmt.Fprintf(b, "%s  ref %s\n", indent, n.Target)
	case *Logical:
		fmt.Fprintf(b, "%sLogical %s\n", indent, n.Op)
		for _, t := range n.Terms {
			dump(b, t, depth+1)
		}
	}
}

func dumpOperand(b *strings.Builder, o Operand, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n := o.(type) {
	case *Literal:
		fmt.Fprintf(b, "%sliteral %s %s\n", indent, n.Value.Kind(), n.Value.literal())
	case *Ref:
		fmt.Fprintf(b, "%sref %s\n", indent, n)
	case *ListLit:
		fmt.Fprintf(b, "%slist %d\n", indent, len(n.Items))
		for _, item := range n.Items {
			dumpOperand(b, item, depth+1)
		}
	}
}
