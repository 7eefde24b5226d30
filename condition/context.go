package condition

import (
	"strings"

	"secupoints/core"
)

// Context is the named bag of entities and scalars visible to one evaluation
// pass, e.g. Alert, Remediation, RescanResult, current_user, current_time.
type Context struct {
	entities map[string]Value
}

// NewContext normalizes every entry with FromAny.
func NewContext(m map[string]any) Context {
	entities := make(map[string]Value, len(m))
	for k, v := range m {
		entities[k] = FromAny(v)
	}
	return Context{entities: entities}
}

// With returns a copy of the context with name bound to v.
func (c Context) With(name string, v any) Context {
	entities := make(map[string]Value, len(c.entities)+1)
	for k, e := range c.entities {
		entities[k] = e
	}
	entities[name] = FromAny(v)
	return Context{entities: entities}
}

// Lookup returns a top-level binding.
func (c Context) Lookup(name string) (Value, bool) {
	v, ok := c.entities[name]
	return v, ok
}

// Exists reports whether name is bound to a non-null value.
func (c Context) Exists(name string) bool {
	v, ok := c.entities[name]
	return ok && !v.IsNull()
}

// Names returns the bound names in no particular order.
func (c Context) Names() []string {
	out := make([]string, 0, len(c.entities))
	for k := range c.entities {
		out = append(out, k)
	}
	return out
}

// Resolve walks a dotted path. The root must be bound, otherwise a
// reference error is returned; any missing node below the root yields Null.
func (c Context) Resolve(path string) (Value, error) {
	return c.resolveParts(strings.Split(path, "."))
}

func (c Context) resolveParts(parts []string) (Value, error) {
	root, ok := c.entities[parts[0]]
	if !ok {
		return Null(), core.ReferenceError(strings.Join(parts, "."), "entity "+parts[0]+" not found in context")
	}
	return walk(root, parts[1:]), nil
}

func walk(v Value, path []string) Value {
	cur := v
	for _, name := range path {
		if cur.IsNull() {
			return Null()
		}
		next, ok := cur.Field(name)
		if !ok {
			return Null()
		}
		cur = next
	}
	return cur
}

// ResolveExpr resolves a dotted path if its root is bound and returns Null
// otherwise. A bare name bound in the context yields its value, like a bare
// operand in a condition; any other bare name is a string literal.
// Used for recipients, evidence references and side-effect targets.
func (c Context) ResolveExpr(expr string) Value {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Null()
	}
	if !strings.Contains(expr, ".") {
		if v, ok := c.Lookup(expr); ok {
			return v
		}
		return String(expr)
	}
	v, err := c.Resolve(expr)
	if err != nil {
		return Null()
	}
	return v
}
