package exec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/convert"
	"github.com/orneryd/nornicexec/pkg/result"
)

// Predicate decides whether a row passes a filter.
type Predicate func(row *result.Result, ctx *command.Context) (bool, error)

// Mapper turns an input row into an output row.
type Mapper func(row *result.Result, ctx *command.Context) (*result.Result, error)

// Valuer computes a value from the command context.
type Valuer func(ctx *command.Context) (any, error)

// Condition is a loop condition evaluated against the command context.
type Condition func(ctx *command.Context) (bool, error)

// ============================================================================
// FilterStep
// ============================================================================

// FilterStep passes through the upstream rows accepted by a predicate.
type FilterStep struct {
	baseStep
	desc string
	pred Predicate
}

// NewFilterStep creates a filter. desc is shown in plan output.
func NewFilterStep(desc string, pred Predicate) *FilterStep {
	return &FilterStep{desc: desc, pred: pred}
}

func (s *FilterStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	return s.stream(ctx, func() (*result.Result, error) {
		for {
			ok, err := up.HasNext()
			if err != nil || !ok {
				return nil, err
			}
			row, err := up.Next()
			if err != nil {
				return nil, err
			}
			keep, err := s.pred(row, ctx)
			if err != nil {
				return nil, fmt.Errorf("filter %s: %w", s.desc, err)
			}
			if keep {
				return row, nil
			}
			result.Release(row)
			if err := ctx.CheckInterrupt(); err != nil {
				return nil, err
			}
		}
	}, up.Close), nil
}

func (s *FilterStep) PrettyPrint(depth, indent int) string {
	return s.line(depth, indent, "FILTER ITEMS WHERE", s.desc)
}

func (s *FilterStep) ToResult() *result.Result {
	r := s.describe("FilterStep", s.PrettyPrint(0, 0))
	r.SetProperty("condition", s.desc)
	return r
}

// ============================================================================
// ProjectionStep
// ============================================================================

// ProjectionStep maps every upstream row through a Mapper.
type ProjectionStep struct {
	baseStep
	desc string
	fn   Mapper
}

// NewProjectionStep creates a projection. desc is shown in plan output.
func NewProjectionStep(desc string, fn Mapper) *ProjectionStep {
	return &ProjectionStep{desc: desc, fn: fn}
}

// NewFieldsProjection keeps only the named properties, in the style of
// "SELECT a, b AS c". Keys are output names, values are input names.
func NewFieldsProjection(fields map[string]string) *ProjectionStep {
	names := make([]string, 0, len(fields))
	for out := range fields {
		names = append(names, out)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, out := range names {
		if in := fields[out]; in != out {
			parts[i] = in + " AS " + out
		} else {
			parts[i] = out
		}
	}
	return NewProjectionStep(strings.Join(parts, ", "), func(row *result.Result, _ *command.Context) (*result.Result, error) {
		projected := result.NewResult()
		for _, out := range names {
			if v, ok := row.GetProperty(fields[out]); ok {
				projected.SetProperty(out, v)
			}
		}
		return projected, nil
	})
}

func (s *ProjectionStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	return s.stream(ctx, func() (*result.Result, error) {
		ok, err := up.HasNext()
		if err != nil || !ok {
			return nil, err
		}
		row, err := up.Next()
		if err != nil {
			return nil, err
		}
		out, err := s.fn(row, ctx)
		if err == nil && out == nil {
			err = ErrNilRow
		}
		if err != nil {
			return nil, fmt.Errorf("projection %s: %w", s.desc, err)
		}
		return out, nil
	}, up.Close), nil
}

func (s *ProjectionStep) PrettyPrint(depth, indent int) string {
	return s.line(depth, indent, "CALCULATE PROJECTIONS", s.desc)
}

func (s *ProjectionStep) ToResult() *result.Result {
	r := s.describe("ProjectionStep", s.PrettyPrint(0, 0))
	r.SetProperty("projection", s.desc)
	return r
}

// ============================================================================
// SkipStep / LimitStep
// ============================================================================

// SkipStep discards the first n upstream rows.
type SkipStep struct {
	baseStep
	n int64
}

// NewSkipStep creates a skip.
func NewSkipStep(n int64) *SkipStep { return &SkipStep{n: n} }

func (s *SkipStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	skipped := int64(0)
	return s.stream(ctx, func() (*result.Result, error) {
		for {
			ok, err := up.HasNext()
			if err != nil || !ok {
				return nil, err
			}
			row, err := up.Next()
			if err != nil {
				return nil, err
			}
			if skipped >= s.n {
				return row, nil
			}
			skipped++
			result.Release(row)
		}
	}, up.Close), nil
}

func (s *SkipStep) PrettyPrint(depth, indent int) string {
	return s.line(depth, indent, fmt.Sprintf("SKIP (%d)", s.n))
}

func (s *SkipStep) ToResult() *result.Result {
	r := s.describe("SkipStep", s.PrettyPrint(0, 0))
	r.SetProperty("skip", s.n)
	return r
}

// LimitStep stops after n rows and closes its upstream as soon as the limit
// is reached.
type LimitStep struct {
	baseStep
	n int64
}

// NewLimitStep creates a limit.
func NewLimitStep(n int64) *LimitStep { return &LimitStep{n: n} }

func (s *LimitStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	served := int64(0)
	return s.stream(ctx, func() (*result.Result, error) {
		if served >= s.n {
			return nil, nil
		}
		ok, err := up.HasNext()
		if err != nil || !ok {
			return nil, err
		}
		row, err := up.Next()
		if err != nil {
			return nil, err
		}
		served++
		return row, nil
	}, up.Close), nil
}

func (s *LimitStep) PrettyPrint(depth, indent int) string {
	return s.line(depth, indent, fmt.Sprintf("LIMIT (%d)", s.n))
}

func (s *LimitStep) ToResult() *result.Result {
	r := s.describe("LimitStep", s.PrettyPrint(0, 0))
	r.SetProperty("limit", s.n)
	return r
}

// ============================================================================
// OrderByStep
// ============================================================================

// OrderItem is one sort key.
type OrderItem struct {
	Property   string `yaml:"property" json:"property"`
	Descending bool   `yaml:"desc,omitempty" json:"desc,omitempty"`
}

func (o OrderItem) String() string {
	if o.Descending {
		return o.Property + " DESC"
	}
	return o.Property + " ASC"
}

// OrderByStep materializes its upstream and emits it sorted. The sort is
// stable; missing properties sort as nil, which is lowest.
type OrderByStep struct {
	baseStep
	items []OrderItem
}

// NewOrderByStep creates a sort over items, most significant first.
func NewOrderByStep(items ...OrderItem) *OrderByStep {
	return &OrderByStep{items: items}
}

func (s *OrderByStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	var sorted []*result.Result
	loaded := false
	return s.stream(ctx, func() (*result.Result, error) {
		if !loaded {
			loaded = true
			rows, err := Drain(up)
			if err != nil {
				return nil, err
			}
			sort.SliceStable(rows, func(i, j int) bool {
				return s.less(rows[i], rows[j])
			})
			sorted = rows
		}
		if len(sorted) == 0 {
			return nil, nil
		}
		row := sorted[0]
		sorted = sorted[1:]
		return row, nil
	}, up.Close), nil
}

func (s *OrderByStep) less(a, b *result.Result) bool {
	for _, item := range s.items {
		c := convert.Compare(a.Property(item.Property), b.Property(item.Property))
		if c == 0 {
			continue
		}
		if item.Descending {
			return c > 0
		}
		return c < 0
	}
	return false
}

func (s *OrderByStep) PrettyPrint(depth, indent int) string {
	parts := make([]string, len(s.items))
	for i, item := range s.items {
		parts[i] = item.String()
	}
	return s.line(depth, indent, "ORDER BY "+strings.Join(parts, ", "))
}

func (s *OrderByStep) ToResult() *result.Result {
	r := s.describe("OrderByStep", s.PrettyPrint(0, 0))
	items := make([]any, len(s.items))
	for i, item := range s.items {
		items[i] = item.String()
	}
	r.SetProperty("items", items)
	return r
}

// ============================================================================
// UnwindStep
// ============================================================================

// UnwindStep emits one copy of each upstream row per element of a list
// property, with the property replaced by the element. Rows whose property is
// not a list pass through unchanged; rows with an empty list are dropped.
type UnwindStep struct {
	baseStep
	property string
}

// NewUnwindStep creates an unwind over property.
func NewUnwindStep(property string) *UnwindStep {
	return &UnwindStep{property: property}
}

func (s *UnwindStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	var (
		current *result.Result
		items   []any
	)
	return s.stream(ctx, func() (*result.Result, error) {
		for len(items) == 0 {
			ok, err := up.HasNext()
			if err != nil || !ok {
				return nil, err
			}
			row, err := up.Next()
			if err != nil {
				return nil, err
			}
			list, isList := toItems(row.Property(s.property))
			if !isList {
				return row, nil
			}
			current, items = row, list
		}
		out := current.Copy()
		out.SetProperty(s.property, items[0])
		items = items[1:]
		return out, nil
	}, up.Close), nil
}

func (s *UnwindStep) PrettyPrint(depth, indent int) string {
	return s.line(depth, indent, "UNWIND "+s.property)
}

func (s *UnwindStep) ToResult() *result.Result {
	r := s.describe("UnwindStep", s.PrettyPrint(0, 0))
	r.SetProperty("property", s.property)
	return r
}

// toItems flattens a list-like value. The boolean reports whether v was a
// list at all.
func toItems(v any) ([]any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case []any:
		return val, true
	case []*result.Result:
		out := make([]any, len(val))
		for i, r := range val {
			out[i] = r
		}
		return out, true
	case string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// ============================================================================
// LetStep / ReturnStep / EmptyStep
// ============================================================================

// LetStep binds a variable in the command context when the step starts, then
// passes upstream rows through.
type LetStep struct {
	baseStep
	name  string
	desc  string
	value Valuer
}

// NewLetStep creates a binding of name to the value computed by value.
func NewLetStep(name, desc string, value Valuer) *LetStep {
	return &LetStep{name: name, desc: desc, value: value}
}

func (s *LetStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.value(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("let %s: %w", s.name, err), up.Close())
	}
	ctx.SetVariable(s.name, v)
	return s.stream(ctx, passThrough(up), up.Close), nil
}

func (s *LetStep) PrettyPrint(depth, indent int) string {
	return s.line(depth, indent, fmt.Sprintf("LET %s = %s", s.name, s.desc))
}

func (s *LetStep) ToResult() *result.Result {
	r := s.describe("LetStep", s.PrettyPrint(0, 0))
	r.SetProperty("variable", s.name)
	r.SetProperty("expression", s.desc)
	return r
}

// ReturnStep marks an early return from the enclosing procedure body.
//
// When started it flags the command context as returned, so an enclosing
// loop stops after the current iteration. With a value it emits that single
// value as a row; without one it passes upstream rows through.
type ReturnStep struct {
	baseStep
	desc  string
	value Valuer
}

// NewReturnStep creates a return. value may be nil.
func NewReturnStep(desc string, value Valuer) *ReturnStep {
	return &ReturnStep{desc: desc, value: value}
}

func (s *ReturnStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	ctx.MarkReturned()
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	if s.value == nil {
		return s.stream(ctx, passThrough(up), up.Close), nil
	}
	if err := up.Close(); err != nil {
		return nil, err
	}
	v, err := s.value(ctx)
	if err != nil {
		return nil, fmt.Errorf("return: %w", err)
	}
	it := NewIteratorResultSet(NewSliceIterator(v))
	return s.stream(ctx, passThrough(it), it.Close), nil
}

func (s *ReturnStep) PrettyPrint(depth, indent int) string {
	if s.desc == "" {
		return s.line(depth, indent, "RETURN")
	}
	return s.line(depth, indent, "RETURN "+s.desc)
}

func (s *ReturnStep) ToResult() *result.Result {
	r := s.describe("ReturnStep", s.PrettyPrint(0, 0))
	if s.desc != "" {
		r.SetProperty("expression", s.desc)
	}
	return r
}

// EmptyStep produces no rows. It drains its upstream for side effects.
type EmptyStep struct {
	baseStep
}

// NewEmptyStep creates an empty step.
func NewEmptyStep() *EmptyStep { return &EmptyStep{} }

func (s *EmptyStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	return s.stream(ctx, func() (*result.Result, error) {
		_, err := Drain(up)
		return nil, err
	}, up.Close), nil
}

func (s *EmptyStep) PrettyPrint(depth, indent int) string {
	return s.line(depth, indent, "EMPTY")
}

func (s *EmptyStep) ToResult() *result.Result {
	return s.describe("EmptyStep", s.PrettyPrint(0, 0))
}

// passThrough pulls rows from up unchanged.
func passThrough(up ResultSet) pullFunc {
	return func() (*result.Result, error) {
		ok, err := up.HasNext()
		if err != nil || !ok {
			return nil, err
		}
		return up.Next()
	}
}
