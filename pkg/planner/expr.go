package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/convert"
	"github.com/orneryd/nornicexec/pkg/storage"
)

// Condition operators.
const (
	OpEq      = "="
	OpNe      = "!="
	OpLt      = "<"
	OpLe      = "<="
	OpGt      = ">"
	OpGe      = ">="
	OpIn      = "in"
	OpIsNull  = "isNull"
	OpNotNull = "notNull"
)

// expr computes a value in a command context.
type expr func(ctx *command.Context) (any, error)

// compileExpr turns a descriptor value into an expr.
func compileExpr(v any) (expr, error) {
	switch val := v.(type) {
	case string:
		if len(val) > 1 && val[0] == '$' {
			name := val[1:]
			return func(ctx *command.Context) (any, error) {
				v, _ := ctx.Variable(name)
				return v, nil
			}, nil
		}
	case []any:
		items := make([]expr, len(val))
		for i, item := range val {
			e, err := compileExpr(item)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return func(ctx *command.Context) (any, error) {
			out := make([]any, len(items))
			for i, e := range items {
				v, err := e(ctx)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		}, nil
	case map[string]any:
		return compileArithmetic(val)
	}
	return func(*command.Context) (any, error) { return v, nil }, nil
}

func compileArithmetic(m map[string]any) (expr, error) {
	if len(m) != 1 {
		return nil, fmt.Errorf("%w: expression map needs exactly one operator, got %d", ErrInvalidStep, len(m))
	}
	var op string
	var args any
	for op, args = range m {
	}
	switch op {
	case "add", "sub", "mul":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
	list, ok := args.([]any)
	if !ok || len(list) != 2 {
		return nil, fmt.Errorf("%w: %s takes two operands", ErrInvalidStep, op)
	}
	left, err := compileExpr(list[0])
	if err != nil {
		return nil, err
	}
	right, err := compileExpr(list[1])
	if err != nil {
		return nil, err
	}
	return func(ctx *command.Context) (any, error) {
		a, err := left(ctx)
		if err != nil {
			return nil, err
		}
		b, err := right(ctx)
		if err != nil {
			return nil, err
		}
		return arithmetic(op, a, b)
	}, nil
}

// arithmetic keeps integers integral and falls back to float64.
func arithmetic(op string, a, b any) (any, error) {
	if convert.IsInteger(a) && convert.IsInteger(b) {
		x, _ := convert.ToInt64(a)
		y, _ := convert.ToInt64(b)
		switch op {
		case "add":
			return x + y, nil
		case "sub":
			return x - y, nil
		default:
			return x * y, nil
		}
	}
	x, ok1 := convert.Numeric(a)
	y, ok2 := convert.Numeric(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: non-numeric operands %v and %v", op, a, b)
	}
	switch op {
	case "add":
		return x + y, nil
	case "sub":
		return x - y, nil
	default:
		return x * y, nil
	}
}

// comparator validates op and returns the comparison it names.
func comparator(op string) (func(left, right any) bool, error) {
	ordered := func(want func(int) bool) func(l, r any) bool {
		return func(l, r any) bool {
			if l == nil || r == nil {
				return false
			}
			return want(convert.Compare(l, r))
		}
	}
	switch op {
	case OpEq, "==":
		return convert.Equal, nil
	case OpNe, "<>":
		return func(l, r any) bool { return !convert.Equal(l, r) }, nil
	case OpLt:
		return ordered(func(c int) bool { return c < 0 }), nil
	case OpLe:
		return ordered(func(c int) bool { return c <= 0 }), nil
	case OpGt:
		return ordered(func(c int) bool { return c > 0 }), nil
	case OpGe:
		return ordered(func(c int) bool { return c >= 0 }), nil
	case OpIn:
		return func(l, r any) bool {
			list, ok := r.([]any)
			if !ok {
				return convert.Equal(l, r)
			}
			for _, item := range list {
				if convert.Equal(l, item) {
					return true
				}
			}
			return false
		}, nil
	case OpIsNull:
		return func(l, _ any) bool { return l == nil }, nil
	case OpNotNull:
		return func(l, _ any) bool { return l != nil }, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

// plain turns node ids into strings so they compare with string literals.
func plain(v any) any {
	if id, ok := v.(storage.NodeID); ok {
		return string(id)
	}
	return v
}

// describeValue renders a descriptor value for plan output.
func describeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if strings.HasPrefix(val, "$") {
			return val
		}
		return "'" + val + "'"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = describeValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "(" + strings.Trim(describeValue(val[k]), "[]") + ")"
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(val)
	}
}
