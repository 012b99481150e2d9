package pattern

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// ErrUnknownStrategy is returned for an unrecognised centrality strategy.
var ErrUnknownStrategy = errors.New("unknown centrality strategy")

// Strategy selects how node centrality is scored.
type Strategy string

const (
	// Degree counts incident edges. Edges to optional neighbors count half,
	// since they never narrow the search.
	Degree Strategy = "degree"
	// Closeness scores nodes by the inverse of their summed hop distance to
	// every other node, ignoring edge direction.
	Closeness Strategy = "closeness"
	// Betweenness scores nodes by how many shortest paths pass through them.
	Betweenness Strategy = "betweenness"
)

// ParseStrategy maps a configuration value to a Strategy. The empty string
// selects Degree.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case "", Degree:
		return Degree, nil
	case Closeness:
		return Closeness, nil
	case Betweenness:
		return Betweenness, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Strategy returns the strategy used by the last ComputeCentrality call.
func (p *Pattern) Strategy() Strategy { return p.strategy }

// ComputeCentrality scores every node over the finished graph. It must run
// after the last AddEdge; the pattern is read-only afterwards.
//
// Example:
//
//	p.ComputeCentrality(pattern.Betweenness)
//	for _, n := range p.Nodes() {
//		fmt.Println(n.Alias, n.Centrality)
//	}
func (p *Pattern) ComputeCentrality(s Strategy) error {
	var scores map[int64]float64
	switch s {
	case Degree, "":
		s = Degree
		scores = p.degree()
	case Closeness:
		g := p.undirected()
		scores = network.Closeness(g, path.DijkstraAllPaths(g))
	case Betweenness:
		scores = network.Betweenness(p.undirected())
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	for i, n := range p.nodes {
		v := scores[int64(i)]
		if math.IsInf(v, 0) || math.IsNaN(v) {
			v = 0
		}
		n.Centrality = v
	}
	p.strategy = s
	return nil
}

func (p *Pattern) degree() map[int64]float64 {
	scores := make(map[int64]float64, len(p.nodes))
	for i, n := range p.nodes {
		var d float64
		for _, ids := range [][]int{n.Out, n.In} {
			for _, id := range ids {
				if p.nodes[p.edges[id].neighbor(i)].Optional {
					d += 0.5
				} else {
					d++
				}
			}
		}
		scores[int64(i)] = d
	}
	return scores
}

// undirected projects the pattern onto a simple undirected graph keyed by
// arena index. Self-loops and parallel edges collapse away.
func (p *Pattern) undirected() *simple.UndirectedGraph {
	g := simple.NewUndirectedGraph()
	for i := range p.nodes {
		g.AddNode(simple.Node(int64(i)))
	}
	for _, e := range p.edges {
		if e.Out == e.In {
			continue
		}
		g.SetEdge(g.NewEdge(simple.Node(int64(e.Out)), simple.Node(int64(e.In))))
	}
	return g
}

// StartCandidates returns the mandatory aliases ordered by centrality,
// highest first, ties broken by alias. Optional aliases are never start
// points.
func (p *Pattern) StartCandidates() []string {
	idx := p.mandatoryByCentrality()
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = p.nodes[n].Alias
	}
	return out
}

func (p *Pattern) mandatoryByCentrality() []int {
	var idx []int
	for i, n := range p.nodes {
		if !n.Optional {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return p.before(idx[a], idx[b])
	})
	return idx
}

// before orders nodes by centrality desc, then alias.
func (p *Pattern) before(a, b int) bool {
	na, nb := p.nodes[a], p.nodes[b]
	if na.Centrality != nb.Centrality {
		return na.Centrality > nb.Centrality
	}
	return na.Alias < nb.Alias
}
