package match

import (
	"fmt"
	"slices"
	"strings"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/convert"
	"github.com/orneryd/nornicexec/pkg/exec"
	"github.com/orneryd/nornicexec/pkg/pattern"
	"github.com/orneryd/nornicexec/pkg/result"
	"github.com/orneryd/nornicexec/pkg/storage"
)

// RIDProperty is the property holding the node id on traversal rows.
const RIDProperty = "@rid"

// Order is the visiting order of a traversal.
type Order string

const (
	// BreadthFirst visits all nodes at depth d before any at depth d+1.
	BreadthFirst Order = "breadth_first"
	// DepthFirst follows each branch to its end before backtracking.
	DepthFirst Order = "depth_first"
)

// TraverseStep walks the graph from the node each upstream row references
// and emits one traversal row per reached node: the node's properties, its
// id under "@rid", and its hop count as the row depth ("$depth").
//
// The start node itself is depth 0. A node is visited at most once per start.
// Nodes failing Item.Where are neither emitted nor expanded. Rows at a depth
// below Item.MinDepth are expanded but not emitted.
//
// Example:
//
//	plan.Chain(
//		exec.NewFetchFromIndexStep(idx, index.AllAscending),
//		match.NewTraverseStep(engine, "", pattern.PathItem{Types: []string{"KNOWS"}, MaxDepth: 2}, match.BreadthFirst),
//	)
//	// + TRAVERSE -[:KNOWS*0..2]-> FROM rid (breadth_first)
type TraverseStep struct {
	exec.Base
	engine storage.Engine
	source string
	item   pattern.PathItem
	order  Order
}

// NewTraverseStep creates a traversal. source names the upstream property
// holding the start node id and defaults to "rid". A zero MaxDepth is
// unbounded; MinDepth defaults to 0.
func NewTraverseStep(engine storage.Engine, source string, item pattern.PathItem, order Order) *TraverseStep {
	if source == "" {
		source = exec.RIDProperty
	}
	if item.Direction == "" {
		item.Direction = pattern.Out
	}
	if item.MaxDepth == 0 {
		item.MaxDepth = pattern.Unbounded
	}
	if order == "" {
		order = BreadthFirst
	}
	return &TraverseStep{engine: engine, source: source, item: item, order: order}
}

type visit struct {
	id    storage.NodeID
	depth int
}

func (s *TraverseStep) ProduceResults(ctx *command.Context) (exec.ResultSet, error) {
	switch s.order {
	case BreadthFirst, DepthFirst:
	default:
		return nil, fmt.Errorf("traverse: unknown order %q", s.order)
	}
	up, err := s.Upstream(ctx)
	if err != nil {
		return nil, err
	}

	var (
		pending []visit
		seen    map[storage.NodeID]bool
		visits  int
	)
	pull := func() (*result.Result, error) {
		for {
			// skipped rows and nodes never reach Stream's per-row check
			if visits++; visits%ctx.InterruptInterval() == 0 {
				if err := ctx.CheckInterrupt(); err != nil {
					return nil, err
				}
			}
			if len(pending) == 0 {
				ok, err := up.HasNext()
				if err != nil || !ok {
					return nil, err
				}
				row, err := up.Next()
				if err != nil {
					return nil, err
				}
				start, ok := asNodeID(row.Property(s.source))
				if !ok {
					continue
				}
				pending = []visit{{id: start}}
				seen = map[storage.NodeID]bool{start: true}
			}

			var v visit
			if s.order == BreadthFirst {
				v, pending = pending[0], pending[1:]
			} else {
				v, pending = pending[len(pending)-1], pending[:len(pending)-1]
			}

			node, err := s.engine.GetNode(v.id)
			if err != nil {
				return nil, fmt.Errorf("traverse %s: %w", v.id, err)
			}
			if !wherePasses(node, s.item.Where) {
				continue
			}
			if s.item.MaxDepth == pattern.Unbounded || v.depth < s.item.MaxDepth {
				ns, err := neighbors(s.engine, v.id, s.item.Direction, s.item.Types)
				if err != nil {
					return nil, err
				}
				var children []visit
				for _, n := range ns {
					if !seen[n] {
						seen[n] = true
						children = append(children, visit{id: n, depth: v.depth + 1})
					}
				}
				if s.order == DepthFirst {
					slices.Reverse(children)
				}
				pending = append(pending, children...)
			}
			if v.depth < s.item.MinDepth {
				continue
			}
			return traverseRow(node, v.depth), nil
		}
	}
	return s.Stream(ctx, pull, up.Close), nil
}

func traverseRow(node *storage.Node, depth int) *result.Result {
	r := result.NewTraverseResult()
	for k, v := range node.Properties {
		r.SetProperty(k, v)
	}
	r.SetProperty(RIDProperty, node.ID)
	r.SetDepth(depth)
	return r
}

func wherePasses(node *storage.Node, where map[string]any) bool {
	for k, v := range where {
		if !convert.Equal(node.Properties[k], v) {
			return false
		}
	}
	return true
}

func (s *TraverseStep) arrow() string {
	item := s.item
	var b strings.Builder
	if item.Direction == pattern.In {
		b.WriteString("<")
	}
	b.WriteString("-[")
	if len(item.Types) > 0 {
		b.WriteString(":" + strings.Join(item.Types, "|"))
	}
	fmt.Fprintf(&b, "*%d..", item.MinDepth)
	if item.MaxDepth != pattern.Unbounded {
		fmt.Fprint(&b, item.MaxDepth)
	}
	b.WriteString("]-")
	if item.Direction == pattern.Out {
		b.WriteString(">")
	}
	return b.String()
}

func (s *TraverseStep) PrettyPrint(depth, indent int) string {
	return s.Line(depth, indent, fmt.Sprintf("TRAVERSE %s FROM %s (%s)", s.arrow(), s.source, s.order))
}

func (s *TraverseStep) ToResult() *result.Result {
	r := s.Describe("TraverseStep", "TRAVERSE "+s.arrow())
	r.SetProperty("source", s.source)
	r.SetProperty("order", string(s.order))
	r.SetProperty("minDepth", s.item.MinDepth)
	r.SetProperty("maxDepth", s.item.MaxDepth)
	return r
}
