// Package aggregate provides the accumulators used by grouping steps.
//
// A Context folds a stream of rows into one final value. It is created when
// the first row of a group arrives, receives Apply once per row of that group,
// and is read with FinalValue when the group completes. FinalValue can be
// called any number of times and always returns the same value.
//
// Order-insensitive functions (count, sum over integers, min, max,
// countDistinct, collect up to ordering) yield the same final value for any
// arrival order. first and last depend on arrival order; the step feeding them
// is responsible for delivering rows in the required order.
//
// Example:
//
//	sum, _ := aggregate.New(aggregate.Spec{Function: aggregate.Sum, Property: "amount"})
//	for _, row := range rows {
//		if err := sum.Apply(row, cctx); err != nil {
//			return err
//		}
//	}
//	total := sum.FinalValue()
package aggregate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/convert"
	"github.com/orneryd/nornicexec/pkg/result"
)

// ErrUnknownFunction is returned by New for an unsupported function name.
var ErrUnknownFunction = errors.New("unknown aggregate function")

// Function names.
const (
	Count         = "count"
	Sum           = "sum"
	Avg           = "avg"
	Min           = "min"
	Max           = "max"
	First         = "first"
	Last          = "last"
	Collect       = "collect"
	CountDistinct = "countDistinct"
)

// Context accumulates rows of one group.
type Context interface {
	Apply(row *result.Result, ctx *command.Context) error
	FinalValue() any
}

// Spec describes one aggregate column.
type Spec struct {
	// Function is one of the function name constants (case-insensitive).
	Function string `yaml:"function" json:"function"`
	// Property is the input property. Empty or "*" counts rows for count.
	Property string `yaml:"property,omitempty" json:"property,omitempty"`
	// Alias is the output property name; defaults to function(property).
	Alias string `yaml:"as,omitempty" json:"as,omitempty"`
}

// Name returns the output property name.
func (s Spec) Name() string {
	if s.Alias != "" {
		return s.Alias
	}
	prop := s.Property
	if prop == "" {
		prop = "*"
	}
	return s.Function + "(" + prop + ")"
}

// New creates a fresh accumulator for spec.
func New(spec Spec) (Context, error) {
	in := input{property: spec.Property}
	switch strings.ToLower(spec.Function) {
	case "count":
		return &countContext{input: in}, nil
	case "sum":
		return &sumContext{input: in}, nil
	case "avg":
		return &avgContext{sumContext: sumContext{input: in}}, nil
	case "min":
		return &extremeContext{input: in, want: -1}, nil
	case "max":
		return &extremeContext{input: in, want: 1}, nil
	case "first":
		return &firstContext{input: in}, nil
	case "last":
		return &lastContext{input: in}, nil
	case "collect":
		return &collectContext{input: in}, nil
	case "countdistinct":
		return &distinctContext{input: in, seen: make(map[uint64][]any)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, spec.Function)
	}
}

// input extracts the aggregated value from a row and checks interruption.
type input struct {
	property string
}

func (in input) value(row *result.Result, ctx *command.Context) (any, error) {
	if ctx != nil {
		if err := ctx.CheckInterrupt(); err != nil {
			return nil, err
		}
	}
	if in.property == "" || in.property == "*" || row == nil {
		return nil, nil
	}
	return row.Property(in.property), nil
}

func (in input) countsRows() bool {
	return in.property == "" || in.property == "*"
}

type countContext struct {
	input
	n int64
}

func (c *countContext) Apply(row *result.Result, ctx *command.Context) error {
	v, err := c.value(row, ctx)
	if err != nil {
		return err
	}
	if c.countsRows() || v != nil {
		c.n++
	}
	return nil
}

func (c *countContext) FinalValue() any { return c.n }

// sumContext keeps integer sums exact and switches to float64 once a
// non-integer arrives or the int64 sum would overflow.
type sumContext struct {
	input
	ints    int64
	floats  float64
	isFloat bool
	seen    bool
}

func (c *sumContext) add(v any) error {
	f, ok := convert.Numeric(v)
	if !ok {
		return fmt.Errorf("sum: non-numeric value %v (%T)", v, v)
	}
	c.seen = true
	if convert.IsInteger(v) {
		n, _ := convert.ToInt64(v)
		if sum, ok := addInt64(c.ints, n); ok && (n >= 0) == (f >= 0) {
			c.ints = sum
			return nil
		}
	}
	// non-integers, and integers that would overflow int64, continue in float64
	c.isFloat = true
	c.floats += f
	return nil
}

// addInt64 adds a and b, reporting false on overflow.
func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

func (c *sumContext) Apply(row *result.Result, ctx *command.Context) error {
	v, err := c.value(row, ctx)
	if err != nil || v == nil {
		return err
	}
	return c.add(v)
}

func (c *sumContext) FinalValue() any {
	if !c.seen {
		return nil
	}
	if c.isFloat {
		return c.floats + float64(c.ints)
	}
	return c.ints
}

type avgContext struct {
	sumContext
	n int64
}

func (c *avgContext) Apply(row *result.Result, ctx *command.Context) error {
	v, err := c.value(row, ctx)
	if err != nil || v == nil {
		return err
	}
	if err := c.add(v); err != nil {
		return fmt.Errorf("avg: %w", err)
	}
	c.n++
	return nil
}

func (c *avgContext) FinalValue() any {
	if c.n == 0 {
		return nil
	}
	total, _ := convert.ToFloat64(c.sumContext.FinalValue())
	return total / float64(c.n)
}

// extremeContext tracks min (want -1) or max (want 1) under convert.Compare,
// which orders NaN above every number.
type extremeContext struct {
	input
	want int
	best any
}

func (c *extremeContext) Apply(row *result.Result, ctx *command.Context) error {
	v, err := c.value(row, ctx)
	if err != nil || v == nil {
		return err
	}
	if c.best == nil || convert.Compare(v, c.best) == c.want {
		c.best = v
	}
	return nil
}

func (c *extremeContext) FinalValue() any { return c.best }

type firstContext struct {
	input
	v   any
	set bool
}

func (c *firstContext) Apply(row *result.Result, ctx *command.Context) error {
	v, err := c.value(row, ctx)
	if err != nil || c.set || v == nil {
		return err
	}
	c.v, c.set = v, true
	return nil
}

func (c *firstContext) FinalValue() any { return c.v }

type lastContext struct {
	input
	v any
}

func (c *lastContext) Apply(row *result.Result, ctx *command.Context) error {
	v, err := c.value(row, ctx)
	if err != nil || v == nil {
		return err
	}
	c.v = v
	return nil
}

func (c *lastContext) FinalValue() any { return c.v }

type collectContext struct {
	input
	items []any
}

func (c *collectContext) Apply(row *result.Result, ctx *command.Context) error {
	v, err := c.value(row, ctx)
	if err != nil || v == nil {
		return err
	}
	c.items = append(c.items, v)
	return nil
}

func (c *collectContext) FinalValue() any {
	out := make([]any, len(c.items))
	copy(out, c.items)
	return out
}

// distinctContext buckets values by xxh3 digest and resolves collisions
// with convert.Equal.
type distinctContext struct {
	input
	seen map[uint64][]any
	n    int64
}

func (c *distinctContext) Apply(row *result.Result, ctx *command.Context) error {
	v, err := c.value(row, ctx)
	if err != nil || v == nil {
		return err
	}
	h := convert.Hash(v)
	for _, existing := range c.seen[h] {
		if convert.Equal(existing, v) {
			return nil
		}
	}
	c.seen[h] = append(c.seen[h], v)
	c.n++
	return nil
}

func (c *distinctContext) FinalValue() any { return c.n }
