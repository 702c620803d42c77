// Package condition evaluates the edge and gate expression language.
//
// Expressions compare dotted context paths against literals:
//
//	review.score >= 70 && review.verdict != "reject"
//	draft.approved == true || !(loop.done == null)
//
// A path that does not resolve yields Absent, which compares false against
// everything except the null literal. Evaluation never mutates its input.
package condition

import (
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

type sentinel string

// Absent is the value of a path that does not resolve.
const Absent sentinel = "<absent>"

// Null is the value of the null literal.
const Null sentinel = "<null>"

// Expr is a compiled expression.
type Expr struct {
	source string
	root   node
}

// Compile parses expression. Malformed input fails with INVALID_EXPRESSION.
func Compile(expression string) (*Expr, error) {
	root, err := parse(expression)
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidExpression, err.Error()).
			WithDetail("expression", expression)
	}
	return &Expr{source: expression, root: root}, nil
}

// Check reports whether expression is well formed.
func Check(expression string) error {
	_, err := Compile(expression)
	return err
}

// MustCompile is like Compile but panics on error.
func MustCompile(expression string) *Expr {
	e, err := Compile(expression)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string {
	return e.source
}

// Eval evaluates the expression against env.
func (e *Expr) Eval(env map[string]interface{}) bool {
	return truthy(e.root.eval(env))
}

// Evaluate compiles and evaluates expression against env.
func Evaluate(expression string, env map[string]interface{}) (bool, error) {
	e, err := Compile(expression)
	if err != nil {
		return false, err
	}
	return e.Eval(env), nil
}

func (l *literal) eval(map[string]interface{}) interface{} {
	return l.value
}

func (p *pathRef) eval(env map[string]interface{}) interface{} {
	v, ok := core.Lookup(env, p.path)
	if !ok {
		return Absent
	}
	return v
}

func (n *notExpr) eval(env map[string]interface{}) interface{} {
	return !truthy(n.operand.eval(env))
}

func (l *logicalExpr) eval(env map[string]interface{}) interface{} {
	left := truthy(l.left.eval(env))
	if l.and {
		return left && truthy(l.right.eval(env))
	}
	return left || truthy(l.right.eval(env))
}

func (c *compareExpr) eval(env map[string]interface{}) interface{} {
	left := c.left.eval(env)
	right := c.right.eval(env)

	if left == Absent || right == Absent {
		other := right
		if right == Absent {
			other = left
		}
		if c.op == tokEq {
			return other == Null
		}
		return false
	}

	if left == Null || right == Null || left == nil || right == nil {
		leftNull := left == Null || left == nil
		rightNull := right == Null || right == nil
		switch c.op {
		case tokEq:
			return leftNull && rightNull
		case tokNeq:
			return leftNull != rightNull
		default:
			return false
		}
	}

	if lf, ok := toFloat(left); ok {
		rf, ok := toFloat(right)
		if !ok {
			return c.op == tokNeq
		}
		switch c.op {
		case tokEq:
			return lf == rf
		case tokNeq:
			return lf != rf
		case tokLt:
			return lf < rf
		case tokLte:
			return lf <= rf
		case tokGt:
			return lf > rf
		case tokGte:
			return lf >= rf
		}
	}

	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return c.op == tokNeq
		}
		switch c.op {
		case tokEq:
			return ls == rs
		case tokNeq:
			return ls != rs
		case tokLt:
			return ls < rs
		case tokLte:
			return ls <= rs
		case tokGt:
			return ls > rs
		case tokGte:
			return ls >= rs
		}
	}

	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		if !ok {
			return c.op == tokNeq
		}
		switch c.op {
		case tokEq:
			return lb == rb
		case tokNeq:
			return lb != rb
		default:
			return false
		}
	}

	return false
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Number converts a decoded numeric value to float64.
func Number(v interface{}) (float64, bool) {
	return toFloat(v)
}
