// Package match evaluates structural queries against a storage.Engine.
//
// MatchStep binds every alias of a pattern.Pattern to a stored node, walking
// the pattern in the order pattern.Schedule picks and backtracking lazily:
// only as much of the graph is explored as the rows pulled so far require.
// TraverseStep walks outward from a start node and emits one traversal row
// per reached node, carrying its depth.
//
// Rows produced by MatchStep bind each alias to a storage.NodeID. An optional
// alias with no matching node is bound to nil; the row is still produced.
//
// Example:
//
//	p, _ := pattern.Build(pattern.Declaration{
//		Aliases: []pattern.AliasDecl{{Alias: "a", Labels: []string{"Person"}}, {Alias: "b"}},
//		Paths:   []pattern.PathDecl{{From: "a", Item: pattern.PathItem{Types: []string{"KNOWS"}}, To: "b"}},
//	})
//	plan := exec.NewPlan()
//	plan.Chain(match.NewMatchStep(p, engine))
//	rs, _ := plan.Start(command.New(ctx))
//	// {a: alice, b: bob}, {a: bob, b: carol}, ...
package match

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/convert"
	"github.com/orneryd/nornicexec/pkg/exec"
	"github.com/orneryd/nornicexec/pkg/pattern"
	"github.com/orneryd/nornicexec/pkg/pool"
	"github.com/orneryd/nornicexec/pkg/result"
	"github.com/orneryd/nornicexec/pkg/storage"
)

// MatchStep produces one row per way of binding the pattern's aliases.
//
// Upstream rows seed the match: an alias already present in the upstream row
// as a node id is treated as bound, and the upstream properties are carried
// into every produced row. With no previous step the match runs once from an
// empty seed.
type MatchStep struct {
	exec.Base
	pattern  *pattern.Pattern
	engine   storage.Engine
	schedule []pattern.Traversal
}

// NewMatchStep creates a match over p. Degree centrality is computed if p
// has not been scored yet.
func NewMatchStep(p *pattern.Pattern, engine storage.Engine) *MatchStep {
	if p.Strategy() == "" {
		_ = p.ComputeCentrality(pattern.Degree)
	}
	return &MatchStep{pattern: p, engine: engine}
}

// Pattern returns the matched pattern.
func (s *MatchStep) Pattern() *pattern.Pattern { return s.pattern }

// Schedule returns the traversal order, computing it on first use from
// label cardinalities.
func (s *MatchStep) Schedule(ctx context.Context) ([]pattern.Traversal, error) {
	if s.schedule != nil {
		return s.schedule, nil
	}
	estimates := make(map[string]int64)
	for _, n := range s.pattern.Nodes() {
		if n.Optional || len(n.Labels) == 0 {
			continue
		}
		count, err := storage.CountNodesWithLabel(ctx, s.engine, n.Labels[0])
		if err != nil {
			return nil, fmt.Errorf("estimating %s: %w", n.Alias, err)
		}
		estimates[n.Alias] = count
	}
	schedule, err := s.pattern.Schedule(estimates)
	if err != nil {
		return nil, err
	}
	s.schedule = schedule
	return schedule, nil
}

func (s *MatchStep) ProduceResults(ctx *command.Context) (exec.ResultSet, error) {
	schedule, err := s.Schedule(ctx.Context())
	if err != nil {
		return nil, err
	}
	if err := ctx.CheckInterrupt(); err != nil {
		return nil, err
	}
	up, err := s.Upstream(ctx)
	if err != nil {
		return nil, err
	}
	seeded := s.Previous() != nil

	var failure error
	seq := func(yield func(*result.Result) bool) {
		m := newMatcher(s, schedule, ctx)
		if !seeded {
			_ = m.reset(result.NewResult())
			m.run(0, yield)
			failure = m.err
			return
		}
		for {
			ok, err := up.HasNext()
			if err != nil || !ok {
				failure = err
				return
			}
			seed, err := up.Next()
			if err != nil {
				failure = err
				return
			}
			if err := m.reset(seed); err != nil {
				failure = err
				return
			}
			if _, cont := m.run(0, yield); !cont {
				failure = m.err
				return
			}
		}
	}
	next, stop := iter.Pull(iter.Seq[*result.Result](seq))

	return s.Stream(ctx, func() (*result.Result, error) {
		r, ok := next()
		if !ok {
			return nil, failure
		}
		return r, nil
	}, func() error {
		stop()
		return up.Close()
	}), nil
}

func (s *MatchStep) PrettyPrint(depth, indent int) string {
	details := strings.Split(s.pattern.String(), "\n")
	return s.Line(depth, indent, "MATCH", details...)
}

func (s *MatchStep) ToResult() *result.Result {
	r := s.Describe("MatchStep", "MATCH")
	r.SetProperty("pattern", s.pattern.String())
	r.SetProperty("aliases", s.pattern.Aliases())
	r.SetProperty("startCandidates", s.pattern.StartCandidates())
	r.SetProperty("strategy", string(s.pattern.Strategy()))
	return r
}

// ============================================================================
// matcher
// ============================================================================

type reached struct {
	id    storage.NodeID
	depth int
}

// matcher holds the bindings of one backtracking search.
type matcher struct {
	step     *MatchStep
	schedule []pattern.Traversal
	ctx      *command.Context
	nodes    map[storage.NodeID]*storage.Node

	seed    *result.Result
	bound   []bool
	binding []storage.NodeID // "" is an absent optional alias
	depths  []any            // per edge, nil when unset
	visits  int              // nodes expanded, for batched interrupt checks
	err     error
}

func newMatcher(s *MatchStep, schedule []pattern.Traversal, ctx *command.Context) *matcher {
	return &matcher{
		step:     s,
		schedule: schedule,
		ctx:      ctx,
		nodes:    make(map[storage.NodeID]*storage.Node),
		bound:    make([]bool, len(s.pattern.Nodes())),
		binding:  make([]storage.NodeID, len(s.pattern.Nodes())),
		depths:   make([]any, s.pattern.NumEdges()),
	}
}

// reset prepares a search from seed, pre-binding aliases the seed carries.
func (m *matcher) reset(seed *result.Result) error {
	m.seed = seed
	for i, n := range m.step.pattern.Nodes() {
		m.bound[i], m.binding[i] = false, ""
		v, ok := seed.GetProperty(n.Alias)
		if !ok || v == nil {
			continue
		}
		id, ok := asNodeID(v)
		if !ok {
			return fmt.Errorf("match: seed binds %s to %T, want a node id", n.Alias, v)
		}
		m.bound[i], m.binding[i] = true, id
	}
	for i := range m.depths {
		m.depths[i] = nil
	}
	return nil
}

// run extends the bindings from schedule position i. It reports whether any
// complete row was yielded below this point and whether to keep searching.
func (m *matcher) run(i int, yield func(*result.Result) bool) (produced, cont bool) {
	if i == len(m.schedule) {
		return true, yield(m.row())
	}
	t := m.schedule[i]
	if t.IsRoot() {
		return m.root(i, t.To, yield)
	}
	return m.hop(i, t, yield)
}

func (m *matcher) root(i, to int, yield func(*result.Result) bool) (bool, bool) {
	if m.bound[to] {
		ok, err := m.accept(to, m.binding[to])
		if err != nil {
			m.err = err
			return false, false
		}
		if !ok {
			return false, true
		}
		return m.run(i+1, yield)
	}

	candidates, err := m.candidates(to)
	if err != nil {
		m.err = err
		return false, false
	}
	produced := false
	for _, id := range candidates {
		if err := m.ctx.CheckInterrupt(); err != nil {
			m.err = err
			return produced, false
		}
		ok, err := m.accept(to, id)
		if err != nil {
			m.err = err
			return produced, false
		}
		if !ok {
			continue
		}
		m.bound[to], m.binding[to] = true, id
		p, cont := m.run(i+1, yield)
		m.bound[to], m.binding[to] = false, ""
		produced = produced || p
		if !cont {
			return produced, false
		}
	}
	return produced, true
}

func (m *matcher) hop(i int, t pattern.Traversal, yield func(*result.Result) bool) (bool, bool) {
	edge := m.step.pattern.Edges()[t.Edge]
	item := edge.Item
	dir := item.Direction
	if !t.Outbound {
		dir = dir.Reverse()
	}
	target := m.step.pattern.Nodes()[t.To]

	from := m.binding[t.From]
	if from == "" {
		// The walk starts at an absent optional alias.
		if m.bound[t.To] {
			return m.run(i+1, yield)
		}
		return m.absent(i, t, yield)
	}

	reach, err := m.expand(from, dir, item)
	if err != nil {
		m.err = err
		return false, false
	}

	if m.bound[t.To] {
		want := m.binding[t.To]
		if want == "" {
			return m.run(i+1, yield)
		}
		for _, r := range reach {
			if r.id == want {
				m.depths[t.Edge] = r.depth
				p, cont := m.run(i+1, yield)
				m.depths[t.Edge] = nil
				return p, cont
			}
		}
		return false, true
	}

	produced := false
	for _, r := range reach {
		if err := m.ctx.CheckInterrupt(); err != nil {
			m.err = err
			return produced, false
		}
		ok, err := m.accept(t.To, r.id)
		if err != nil {
			m.err = err
			return produced, false
		}
		if !ok {
			continue
		}
		m.bound[t.To], m.binding[t.To] = true, r.id
		m.depths[t.Edge] = r.depth
		p, cont := m.run(i+1, yield)
		m.bound[t.To], m.binding[t.To] = false, ""
		m.depths[t.Edge] = nil
		produced = produced || p
		if !cont {
			return produced, false
		}
	}
	if !produced && target.Optional {
		return m.absent(i, t, yield)
	}
	return produced, true
}

// absent binds an optional alias to nil and continues.
func (m *matcher) absent(i int, t pattern.Traversal, yield func(*result.Result) bool) (bool, bool) {
	m.bound[t.To], m.binding[t.To] = true, ""
	p, cont := m.run(i+1, yield)
	m.bound[t.To] = false
	return p, cont
}

// candidates lists start nodes for a root alias: the first label's members,
// or every node.
func (m *matcher) candidates(i int) ([]storage.NodeID, error) {
	n := m.step.pattern.Nodes()[i]
	var nodes []*storage.Node
	var err error
	if len(n.Labels) > 0 {
		nodes, err = m.step.engine.GetNodesByLabel(n.Labels[0])
	} else {
		nodes, err = m.step.engine.AllNodes()
	}
	if err != nil {
		return nil, err
	}
	out := make([]storage.NodeID, len(nodes))
	for j, node := range nodes {
		m.nodes[node.ID] = node
		out[j] = node.ID
	}
	return out, nil
}

// frontierPool recycles the per-depth node lists of variable-length expansion.
var frontierPool = pool.NewSlicePool[storage.NodeID](64)

// expand returns the nodes reachable from id along item, with their hop
// count. Single hops return neighbors in edge order; variable-length items
// search breadth-first and report each node at its shortest depth.
func (m *matcher) expand(id storage.NodeID, dir pattern.Direction, item pattern.PathItem) ([]reached, error) {
	var out []reached
	seen := map[storage.NodeID]bool{id: true}
	frontier := append(frontierPool.Get(), id)
	if item.MinDepth == 0 {
		out = append(out, reached{id: id, depth: 0})
	}
	for depth := 1; len(frontier) > 0 && (item.MaxDepth == pattern.Unbounded || depth <= item.MaxDepth); depth++ {
		next := frontierPool.Get()
		for _, cur := range frontier {
			if m.visits++; m.visits%m.ctx.InterruptInterval() == 0 {
				if err := m.ctx.CheckInterrupt(); err != nil {
					return nil, err
				}
			}
			ns, err := neighbors(m.step.engine, cur, dir, item.Types)
			if err != nil {
				return nil, err
			}
			for _, n := range ns {
				if seen[n] {
					continue
				}
				seen[n] = true
				next = append(next, n)
				if depth >= item.MinDepth {
					out = append(out, reached{id: n, depth: depth})
				}
			}
		}
		frontierPool.Put(frontier)
		frontier = next
	}
	frontierPool.Put(frontier)

	if len(item.Where) == 0 {
		return out, nil
	}
	kept := out[:0]
	for _, r := range out {
		ok, err := m.matches(r.id, item.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// accept reports whether node id satisfies alias i's labels and filter.
func (m *matcher) accept(i int, id storage.NodeID) (bool, error) {
	n := m.step.pattern.Nodes()[i]
	node, err := m.node(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, l := range n.Labels {
		if !node.HasLabel(l) {
			return false, nil
		}
	}
	return m.matches(id, n.Where)
}

// matches checks property equalities. Values may refer to bound aliases
// ("$matched.a.city") or to context variables ("$limit").
func (m *matcher) matches(id storage.NodeID, where map[string]any) (bool, error) {
	if len(where) == 0 {
		return true, nil
	}
	node, err := m.node(id)
	if err != nil {
		return false, err
	}
	for prop, want := range where {
		v, err := m.resolve(want)
		if err != nil {
			return false, err
		}
		if !convert.Equal(node.Properties[prop], v) {
			return false, nil
		}
	}
	return true, nil
}

func (m *matcher) resolve(v any) (any, error) {
	s, ok := v.(string)
	if !ok || len(s) < 2 || s[0] != '$' {
		return v, nil
	}
	if alias, prop, ok := pattern.ParseMatched(s); ok {
		i, _ := m.step.pattern.NodeIndex(alias)
		id := m.binding[i]
		if id == "" {
			return nil, nil
		}
		if prop == "" {
			return string(id), nil
		}
		node, err := m.node(id)
		if err != nil {
			return nil, err
		}
		return node.Properties[prop], nil
	}
	val, _ := m.ctx.Variable(s[1:])
	return val, nil
}

func (m *matcher) node(id storage.NodeID) (*storage.Node, error) {
	if n, ok := m.nodes[id]; ok {
		return n, nil
	}
	n, err := m.step.engine.GetNode(id)
	if err != nil {
		return nil, err
	}
	m.nodes[id] = n
	return n, nil
}

// row renders the current bindings on top of the seed.
func (m *matcher) row() *result.Result {
	r := m.seed.Copy()
	for i, n := range m.step.pattern.Nodes() {
		if m.bound[i] && m.binding[i] != "" {
			r.SetProperty(n.Alias, m.binding[i])
		} else {
			r.SetProperty(n.Alias, nil)
		}
	}
	for i, e := range m.step.pattern.Edges() {
		if e.Item.DepthAlias != "" {
			r.SetProperty(e.Item.DepthAlias, m.depths[i])
		}
	}
	return r
}

// ============================================================================
// Helpers
// ============================================================================

// neighbors lists the nodes one hop from id, following edges of the given
// types (any type when empty), deduplicated in edge order.
func neighbors(engine storage.Engine, id storage.NodeID, dir pattern.Direction, types []string) ([]storage.NodeID, error) {
	var out []storage.NodeID
	seen := make(map[storage.NodeID]bool)
	add := func(edges []*storage.Edge, outgoing bool) {
		for _, e := range edges {
			if !typeMatches(e.Type, types) {
				continue
			}
			n := e.EndNode
			if !outgoing {
				n = e.StartNode
			}
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	if dir == pattern.Out || dir == pattern.Both {
		edges, err := engine.GetOutgoingEdges(id)
		if err != nil {
			return nil, err
		}
		add(edges, true)
	}
	if dir == pattern.In || dir == pattern.Both {
		edges, err := engine.GetIncomingEdges(id)
		if err != nil {
			return nil, err
		}
		add(edges, false)
	}
	return out, nil
}

func typeMatches(t string, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// asNodeID accepts the shapes a node reference takes in a row.
func asNodeID(v any) (storage.NodeID, bool) {
	switch id := v.(type) {
	case storage.NodeID:
		return id, id != ""
	case string:
		return storage.NodeID(id), id != ""
	}
	return "", false
}

// Property reads "alias.prop" from a row whose alias is bound to a node id.
// A path without a dot reads the row property directly. Unbound aliases and
// missing properties read as nil.
func Property(engine storage.Engine, r *result.Result, path string) (any, error) {
	alias, prop, ok := strings.Cut(path, ".")
	v := r.Property(alias)
	if !ok {
		return v, nil
	}
	id, isNode := asNodeID(v)
	if !isNode {
		if nested, ok := v.(*result.Result); ok {
			return nested.Property(prop), nil
		}
		return nil, nil
	}
	node, err := engine.GetNode(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return node.Properties[prop], nil
}
