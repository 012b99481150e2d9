package pattern

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnschedulable is returned when no valid start node remains, either
// because every candidate waits on an undefined alias or because aliases
// depend on each other in a cycle.
var ErrUnschedulable = errors.New("pattern cannot be evaluated")

// Traversal is one step of a match schedule.
//
// A root step (Edge == -1) binds To from scratch. An edge step walks Edge
// from the already-bound From node to To; Outbound reports whether that is
// the edge's declared direction. When To is already bound the step only
// checks that the edge holds.
type Traversal struct {
	Edge     int
	Outbound bool
	From     int
	To       int
}

// IsRoot reports whether the step binds a start node.
func (t Traversal) IsRoot() bool { return t.Edge < 0 }

// Schedule returns the order in which the matcher binds aliases and checks
// edges.
//
// Start nodes are tried in this order: aliases with a cardinality estimate,
// cheapest first; then the remaining mandatory aliases by centrality. Each
// pass takes the first unvisited start whose dependencies are bound and
// walks depth-first from it. Edges into an optional node are always walked
// from the mandatory side; walking on from an optional node only happens
// along chains made entirely of optional nodes.
//
// Every edge appears exactly once. Every mandatory alias is bound by a root
// step or by an edge step. Optional aliases are bound by edge steps only.
func (p *Pattern) Schedule(estimates map[string]int64) ([]Traversal, error) {
	starts := p.startOrder(estimates)

	s := &scheduler{
		p:         p,
		visited:   make([]bool, len(p.nodes)),
		scheduled: make([]bool, len(p.edges)),
		pending:   make([]map[string]struct{}, len(p.nodes)),
	}
	for i, n := range p.nodes {
		s.pending[i] = make(map[string]struct{}, len(n.DependsOn))
		for _, d := range n.DependsOn {
			s.pending[i][d] = struct{}{}
		}
	}

	for !s.done(starts) {
		start := -1
		for _, i := range starts {
			if !s.visited[i] && len(s.pending[i]) == 0 {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("%w: undefined alias or circular dependency among %s",
				ErrUnschedulable, strings.Join(s.unresolved(), ", "))
		}
		s.out = append(s.out, Traversal{Edge: -1, From: -1, To: start, Outbound: true})
		s.visit(start)
	}
	return s.out, nil
}

func (p *Pattern) startOrder(estimates map[string]int64) []int {
	var estimated, rest []int
	for _, i := range p.mandatoryByCentrality() {
		if _, ok := estimates[p.nodes[i].Alias]; ok {
			estimated = append(estimated, i)
		} else {
			rest = append(rest, i)
		}
	}
	sort.SliceStable(estimated, func(a, b int) bool {
		return estimates[p.nodes[estimated[a]].Alias] < estimates[p.nodes[estimated[b]].Alias]
	})
	return append(estimated, rest...)
}

type scheduler struct {
	p         *Pattern
	visited   []bool
	scheduled []bool
	pending   []map[string]struct{}
	out       []Traversal
	edges     int
}

// done reports whether every edge is scheduled and every start visited.
func (s *scheduler) done(starts []int) bool {
	if s.edges < len(s.scheduled) {
		return false
	}
	for _, i := range starts {
		if !s.visited[i] {
			return false
		}
	}
	return true
}

func (s *scheduler) unresolved() []string {
	var out []string
	for i, n := range s.p.nodes {
		if !s.visited[i] {
			out = append(out, n.Alias)
		}
	}
	return out
}

func (s *scheduler) add(edge int, outbound bool) {
	e := s.p.edges[edge]
	t := Traversal{Edge: edge, Outbound: outbound, From: e.Out, To: e.In}
	if !outbound {
		t.From, t.To = e.In, e.Out
	}
	s.scheduled[edge] = true
	s.edges++
	s.out = append(s.out, t)
}

func (s *scheduler) visit(i int) {
	s.visited[i] = true
	alias := s.p.nodes[i].Alias
	for _, deps := range s.pending {
		delete(deps, alias)
	}

	node := s.p.nodes[i]
	type candidate struct {
		edge     int
		outbound bool
	}
	var candidates []candidate
	for _, id := range node.Out {
		candidates = append(candidates, candidate{id, true})
	}
	for _, id := range node.In {
		if s.p.edges[id].Item.IsBidirectional() {
			candidates = append(candidates, candidate{id, false})
		}
	}

	for _, c := range candidates {
		e := s.p.edges[c.edge]
		next := e.In
		if !c.outbound {
			next = e.Out
		}
		if len(s.pending[next]) > 0 {
			continue
		}
		if s.visited[next] {
			if !s.scheduled[c.edge] {
				dir := c.outbound
				if node.Optional || e.Item.IsBidirectional() {
					dir = !c.outbound
				}
				s.add(c.edge, dir)
			}
			continue
		}
		if !node.Optional || s.optionalChain(c.edge, make(map[int]bool)) {
			s.add(c.edge, c.outbound)
			s.visit(next)
		}
	}
}

// optionalChain reports whether edge joins two optional nodes and every
// edge leaving its target does too.
func (s *scheduler) optionalChain(edge int, seen map[int]bool) bool {
	if seen[edge] {
		return true
	}
	seen[edge] = true
	e := s.p.edges[edge]
	if !s.p.nodes[e.Out].Optional || !s.p.nodes[e.In].Optional {
		return false
	}
	for _, next := range s.p.nodes[e.In].Out {
		if !s.optionalChain(next, seen) {
			return false
		}
	}
	return true
}
