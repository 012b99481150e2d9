// Package result provides the row model that flows through execution plans.
//
// A Result is a mutable mapping from property name to value. Values are
// dynamically typed: scalars, nested *Result values, slices, or references to
// stored graph entities (storage.NodeID). No validation of value shape happens
// here; type enforcement belongs to the schema layer.
//
// Rows come in two kinds, selected at construction time:
//
//   - KindInternal: a plain property bag, every name is an ordinary property.
//   - KindTraverse: produced by graph traversals. The reserved name "$depth"
//     (matched case-insensitively) is routed to a dedicated depth field
//     instead of the property map.
//
// Example:
//
//	row := result.NewTraverseResult()
//	row.SetProperty("name", "Alice")
//	row.SetProperty("$DEPTH", 2)      // sets the depth field
//	row.SetProperty("$depth", "deep") // silently dropped: not numeric
//
//	d, _ := row.GetProperty("$depth") // 2
//
// Ownership:
//
//	A Result is owned by the pipeline stage holding it until it is handed
//	downstream, and by the caller once it leaves the plan. Results are not
//	safe for concurrent mutation.
package result

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/nornicexec/pkg/convert"
)

// DepthProperty is the reserved synthetic property exposing traversal depth.
const DepthProperty = "$depth"

// Kind tags which property-access rules a Result follows.
type Kind uint8

const (
	// KindInternal is an ordinary row.
	KindInternal Kind = iota
	// KindTraverse is a row produced by a traversal; it carries a depth.
	KindTraverse
)

func (k Kind) String() string {
	switch k {
	case KindTraverse:
		return "traverse"
	default:
		return "internal"
	}
}

// Result is a named-property row.
type Result struct {
	kind     Kind
	props    map[string]any
	depth    int
	hasDepth bool
	pooled   bool
}

// NewResult creates an empty ordinary row.
func NewResult() *Result {
	return &Result{kind: KindInternal, props: make(map[string]any, 8)}
}

// NewTraverseResult creates an empty traversal row with no depth set.
func NewTraverseResult() *Result {
	return &Result{kind: KindTraverse, props: make(map[string]any, 8)}
}

// FromMap creates an ordinary row holding a copy of props.
func FromMap(props map[string]any) *Result {
	r := &Result{kind: KindInternal, props: make(map[string]any, len(props))}
	for k, v := range props {
		r.props[k] = v
	}
	return r
}

// Kind returns the row kind.
func (r *Result) Kind() Kind {
	return r.kind
}

// isDepth is the single dispatch check for the reserved name.
func (r *Result) isDepth(name string) bool {
	return r.kind == KindTraverse && strings.EqualFold(name, DepthProperty)
}

// SetProperty replaces the value stored under name, creating the slot if absent.
//
// On traversal rows, writes to "$depth" with a numeric value set the depth
// (floats are truncated) and non-numeric writes are dropped.
func (r *Result) SetProperty(name string, value any) {
	if r.isDepth(name) {
		if f, ok := convert.Numeric(value); ok {
			r.depth = int(f)
			r.hasDepth = true
		}
		return
	}
	if r.props == nil {
		r.props = make(map[string]any, 8)
	}
	r.props[name] = value
}

// GetProperty returns the value stored under name and whether it is set.
// On traversal rows "$depth" reports the depth field.
func (r *Result) GetProperty(name string) (any, bool) {
	if r.isDepth(name) {
		if !r.hasDepth {
			return nil, false
		}
		return r.depth, true
	}
	v, ok := r.props[name]
	return v, ok
}

// Property is GetProperty without the presence flag.
func (r *Result) Property(name string) any {
	v, _ := r.GetProperty(name)
	return v
}

// HasProperty reports whether name is set.
func (r *Result) HasProperty(name string) bool {
	_, ok := r.GetProperty(name)
	return ok
}

// RemoveProperty deletes name. On traversal rows removing "$depth" clears
// the depth field.
func (r *Result) RemoveProperty(name string) {
	if r.isDepth(name) {
		r.depth = 0
		r.hasDepth = false
		return
	}
	delete(r.props, name)
}

// Depth returns the traversal depth, if one was set.
func (r *Result) Depth() (int, bool) {
	return r.depth, r.hasDepth
}

// SetDepth sets the traversal depth. It is a no-op on ordinary rows, where
// "$depth" has no special meaning.
func (r *Result) SetDepth(depth int) {
	if r.kind != KindTraverse {
		return
	}
	r.depth = depth
	r.hasDepth = true
}

// PropertyNames returns the stored property names in sorted order.
// The depth field of traversal rows is not included.
func (r *Result) PropertyNames() []string {
	names := make([]string, 0, len(r.props))
	for k := range r.props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of stored properties.
func (r *Result) Len() int {
	return len(r.props)
}

// ToMap returns a copy of the properties. Nested rows are converted
// recursively. Traversal rows include "$depth" when set.
func (r *Result) ToMap() map[string]any {
	out := make(map[string]any, len(r.props)+1)
	for k, v := range r.props {
		out[k] = toPlain(v)
	}
	if r.kind == KindTraverse && r.hasDepth {
		out[DepthProperty] = r.depth
	}
	return out
}

func toPlain(v any) any {
	switch val := v.(type) {
	case *Result:
		if val == nil {
			return nil
		}
		return val.ToMap()
	case []*Result:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toPlain(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toPlain(item)
		}
		return out
	}
	return v
}

// Copy returns a shallow copy with the same kind and depth.
func (r *Result) Copy() *Result {
	c := &Result{
		kind:     r.kind,
		props:    make(map[string]any, len(r.props)),
		depth:    r.depth,
		hasDepth: r.hasDepth,
	}
	for k, v := range r.props {
		c.props[k] = v
	}
	return c
}

// String renders the row as {a: 1, b: x}, properties sorted by name.
func (r *Result) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range r.PropertyNames() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", name, r.props[name])
	}
	if r.kind == KindTraverse && r.hasDepth {
		if len(r.props) > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %d", DepthProperty, r.depth)
	}
	sb.WriteByte('}')
	return sb.String()
}
