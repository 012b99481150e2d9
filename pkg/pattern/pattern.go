// Package pattern builds the in-memory graph of a structural (MATCH-style)
// query and decides the order in which the matcher should walk it.
//
// A Pattern is an arena: nodes and edges live in flat slices and refer to
// each other by index, so there are no ownership cycles between a node and
// the edges touching it. A node is one query alias; an edge is one declared
// path item between two aliases, directed from its declaration's left side
// (Out) to its right side (In).
//
// Lifecycle:
//
//  1. Build (or AddNode/AddEdge) creates nodes and edges.
//  2. ComputeCentrality scores every node over the finished graph.
//  3. StartCandidates and Schedule read the scored graph.
//
// After step 2 the pattern is read-only and may be read concurrently.
//
// Example:
//
//	p, err := pattern.Build(pattern.Declaration{
//		Aliases: []pattern.AliasDecl{
//			{Alias: "a", Labels: []string{"Person"}},
//			{Alias: "b"},
//			{Alias: "c", Optional: true},
//		},
//		Paths: []pattern.PathDecl{
//			{From: "a", Item: pattern.PathItem{Types: []string{"KNOWS"}}, To: "b"},
//			{From: "b", Item: pattern.PathItem{Types: []string{"OWNS"}}, To: "c"},
//		},
//	})
//	p.ComputeCentrality(pattern.Degree)
//	fmt.Println(p.StartCandidates()) // [b a]
package pattern

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors
var (
	ErrUnknownAlias   = errors.New("unknown alias")
	ErrDuplicateAlias = errors.New("duplicate alias")
	ErrInvalidAlias   = errors.New("invalid alias")
	ErrInvalidDepth   = errors.New("invalid depth range")
	ErrInvalidPath    = errors.New("invalid path item")
)

// Direction is the edge direction a path item follows, relative to its
// declaration.
type Direction string

const (
	// Out follows edges from the left alias to the right alias.
	Out Direction = "out"
	// In follows edges pointing at the left alias.
	In Direction = "in"
	// Both follows edges either way.
	Both Direction = "both"
)

// Reverse returns the direction seen from the other end of the item.
func (d Direction) Reverse() Direction {
	switch d {
	case Out:
		return In
	case In:
		return Out
	default:
		return d
	}
}

// PathItem is the declared relationship between two aliases.
//
// A zero MinDepth and MaxDepth mean a single hop. A MaxDepth of -1 means
// unbounded. Where holds property equalities the reached node must satisfy
// in addition to the target alias' own filter.
type PathItem struct {
	Direction  Direction      `yaml:"direction,omitempty" json:"direction,omitempty"`
	Types      []string       `yaml:"types,omitempty" json:"types,omitempty"`
	MinDepth   int            `yaml:"minDepth,omitempty" json:"minDepth,omitempty"`
	MaxDepth   int            `yaml:"maxDepth,omitempty" json:"maxDepth,omitempty"`
	DepthAlias string         `yaml:"depthAlias,omitempty" json:"depthAlias,omitempty"`
	Where      map[string]any `yaml:"where,omitempty" json:"where,omitempty"`
}

// Unbounded is the MaxDepth of a path item with no upper limit.
const Unbounded = -1

// normalize fills defaults and validates depths.
func (it PathItem) normalize() (PathItem, error) {
	if it.Direction == "" {
		it.Direction = Out
	}
	switch it.Direction {
	case Out, In, Both:
	default:
		return it, fmt.Errorf("%w: direction %q", ErrInvalidPath, it.Direction)
	}
	if it.MinDepth == 0 && it.MaxDepth == 0 {
		it.MinDepth, it.MaxDepth = 1, 1
	}
	if it.MinDepth < 0 || (it.MaxDepth != Unbounded && it.MaxDepth < it.MinDepth) {
		return it, fmt.Errorf("%w: %d..%d", ErrInvalidDepth, it.MinDepth, it.MaxDepth)
	}
	return it, nil
}

// IsVariableLength reports whether the item may span more than one hop (or
// none).
func (it PathItem) IsVariableLength() bool {
	return it.MinDepth != 1 || it.MaxDepth != 1
}

// IsBidirectional reports whether the matcher may walk the item from either
// end. Only single-hop items can be flipped.
func (it PathItem) IsBidirectional() bool {
	return !it.IsVariableLength()
}

// String renders the item in arrow form, e.g. -[:KNOWS*1..3]->.
func (it PathItem) String() string {
	var b strings.Builder
	if it.Direction == In {
		b.WriteString("<")
	}
	b.WriteString("-[")
	if len(it.Types) > 0 {
		b.WriteString(":" + strings.Join(it.Types, "|"))
	}
	if it.IsVariableLength() {
		b.WriteString(fmt.Sprintf("*%d..", it.MinDepth))
		if it.MaxDepth != Unbounded {
			b.WriteString(fmt.Sprint(it.MaxDepth))
		}
	}
	b.WriteString("]-")
	if it.Direction == Out {
		b.WriteString(">")
	}
	return b.String()
}

// Node is one alias of the pattern.
type Node struct {
	Alias  string
	Labels []string
	Where  map[string]any

	// Out and In hold indexes into the pattern's edge arena.
	Out []int
	In  []int

	Centrality float64
	Optional   bool

	// DependsOn lists aliases that must be bound before this one can be
	// reached.
	DependsOn []string
}

// Edge is one declared path item. Out and In index the node arena.
type Edge struct {
	ID   int
	Out  int
	In   int
	Item PathItem
}

// Pattern is the arena of nodes and edges for one query.
type Pattern struct {
	nodes       []*Node
	edges       []*Edge
	aliasToNode map[string]int
	strategy    Strategy
}

// New returns an empty pattern.
func New() *Pattern {
	return &Pattern{aliasToNode: make(map[string]int)}
}

// AddNode returns the index of alias' node, creating it when absent.
func (p *Pattern) AddNode(alias string) int {
	if i, ok := p.aliasToNode[alias]; ok {
		return i
	}
	i := len(p.nodes)
	p.nodes = append(p.nodes, &Node{Alias: alias})
	p.aliasToNode[alias] = i
	return i
}

// AddEdge records item from one alias to another in both endpoints'
// adjacency and returns 1, the number of edges added. Both aliases must
// already exist. Duplicate edges are kept: two items between the same pair
// are two independent constraints.
func (p *Pattern) AddEdge(from string, item PathItem, to string) (int, error) {
	out, ok := p.aliasToNode[from]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAlias, from)
	}
	in, ok := p.aliasToNode[to]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAlias, to)
	}
	item, err := item.normalize()
	if err != nil {
		return 0, err
	}
	e := &Edge{ID: len(p.edges), Out: out, In: in, Item: item}
	p.edges = append(p.edges, e)
	p.nodes[out].Out = append(p.nodes[out].Out, e.ID)
	p.nodes[in].In = append(p.nodes[in].In, e.ID)
	return 1, nil
}

// SetOptional marks alias as non-mandatory.
func (p *Pattern) SetOptional(alias string) error {
	i, ok := p.aliasToNode[alias]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlias, alias)
	}
	p.nodes[i].Optional = true
	return nil
}

// Node returns the node for alias.
func (p *Pattern) Node(alias string) (*Node, bool) {
	i, ok := p.aliasToNode[alias]
	if !ok {
		return nil, false
	}
	return p.nodes[i], true
}

// NodeIndex returns the arena index of alias.
func (p *Pattern) NodeIndex(alias string) (int, bool) {
	i, ok := p.aliasToNode[alias]
	return i, ok
}

// Nodes returns the node arena in creation order.
func (p *Pattern) Nodes() []*Node { return p.nodes }

// Edges returns the edge arena in creation order.
func (p *Pattern) Edges() []*Edge { return p.edges }

// NumEdges returns the number of edges.
func (p *Pattern) NumEdges() int { return len(p.edges) }

// Aliases returns every alias in creation order.
func (p *Pattern) Aliases() []string {
	out := make([]string, len(p.nodes))
	for i, n := range p.nodes {
		out[i] = n.Alias
	}
	return out
}

// String renders one line per edge, plus a line per isolated node.
func (p *Pattern) String() string {
	var lines []string
	for _, e := range p.edges {
		lines = append(lines, fmt.Sprintf("(%s)%s(%s)", p.label(e.Out), e.Item, p.label(e.In)))
	}
	for i, n := range p.nodes {
		if len(n.Out) == 0 && len(n.In) == 0 {
			lines = append(lines, "("+p.label(i)+")")
		}
	}
	return strings.Join(lines, "\n")
}

func (p *Pattern) label(i int) string {
	n := p.nodes[i]
	s := n.Alias
	for _, l := range n.Labels {
		s += ":" + l
	}
	if n.Optional {
		s += "?"
	}
	return s
}

// neighbor returns the node at the other end of e from node i.
func (e *Edge) neighbor(i int) int {
	if e.Out == i {
		return e.In
	}
	return e.Out
}

// DisjointPatterns splits the pattern into its connected components. Each
// component is a fresh pattern carrying copies of the nodes and edges it
// contains; components are ordered by their first node's creation index.
func (p *Pattern) DisjointPatterns() []*Pattern {
	component := make([]int, len(p.nodes))
	for i := range component {
		component[i] = -1
	}
	count := 0
	for start := range p.nodes {
		if component[start] >= 0 {
			continue
		}
		queue := []int{start}
		component[start] = count
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			n := p.nodes[cur]
			for _, ids := range [][]int{n.Out, n.In} {
				for _, id := range ids {
					next := p.edges[id].neighbor(cur)
					if component[next] < 0 {
						component[next] = count
						queue = append(queue, next)
					}
				}
			}
		}
		count++
	}

	parts := make([]*Pattern, count)
	for i := range parts {
		parts[i] = New()
	}
	for i, n := range p.nodes {
		part := parts[component[i]]
		part.nodes = append(part.nodes, &Node{
			Alias:      n.Alias,
			Labels:     n.Labels,
			Where:      n.Where,
			Centrality: n.Centrality,
			Optional:   n.Optional,
			DependsOn:  n.DependsOn,
		})
		part.aliasToNode[n.Alias] = len(part.nodes) - 1
	}
	for _, e := range p.edges {
		part := parts[component[e.Out]]
		out := part.aliasToNode[p.nodes[e.Out].Alias]
		in := part.aliasToNode[p.nodes[e.In].Alias]
		ne := &Edge{ID: len(part.edges), Out: out, In: in, Item: e.Item}
		part.edges = append(part.edges, ne)
		part.nodes[out].Out = append(part.nodes[out].Out, ne.ID)
		part.nodes[in].In = append(part.nodes[in].In, ne.ID)
	}
	for _, part := range parts {
		part.strategy = p.strategy
	}
	return parts
}

// ============================================================================
// Declarations
// ============================================================================

// AliasDecl declares one alias.
type AliasDecl struct {
	Alias     string         `yaml:"alias" json:"alias"`
	Labels    []string       `yaml:"labels,omitempty" json:"labels,omitempty"`
	Where     map[string]any `yaml:"where,omitempty" json:"where,omitempty"`
	Optional  bool           `yaml:"optional,omitempty" json:"optional,omitempty"`
	DependsOn []string       `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
}

// PathDecl declares one path item between two aliases.
type PathDecl struct {
	From string   `yaml:"from" json:"from"`
	Item PathItem `yaml:",inline" json:"item"`
	To   string   `yaml:"to" json:"to"`
}

// Declaration is what a compiler hands over for one structural query.
type Declaration struct {
	Aliases []AliasDecl `yaml:"aliases" json:"aliases"`
	Paths   []PathDecl  `yaml:"paths" json:"paths"`
}

// MatchedPrefix marks a Where value that refers to another alias' property,
// as in "$matched.a.city". Such references add an implicit dependency.
const MatchedPrefix = "$matched."

// Build creates the pattern for decl. Aliases are created first, then one
// edge per path item, so the edge count always equals len(decl.Paths).
// Malformed declarations fail immediately.
func Build(decl Declaration) (*Pattern, error) {
	p := New()
	for _, a := range decl.Aliases {
		if a.Alias == "" || strings.HasPrefix(a.Alias, "$") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAlias, a.Alias)
		}
		if _, ok := p.aliasToNode[a.Alias]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAlias, a.Alias)
		}
		n := p.nodes[p.AddNode(a.Alias)]
		n.Labels = a.Labels
		n.Where = a.Where
		n.Optional = a.Optional
		n.DependsOn = append([]string(nil), a.DependsOn...)
	}

	for _, n := range p.nodes {
		for _, ref := range references(n.Where) {
			if !contains(n.DependsOn, ref) {
				n.DependsOn = append(n.DependsOn, ref)
			}
		}
		for _, dep := range n.DependsOn {
			if _, ok := p.aliasToNode[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownAlias, n.Alias, dep)
			}
		}
		sort.Strings(n.DependsOn)
	}

	total := 0
	for _, path := range decl.Paths {
		added, err := p.AddEdge(path.From, path.Item, path.To)
		if err != nil {
			return nil, err
		}
		total += added
	}
	if total != len(decl.Paths) {
		return nil, fmt.Errorf("%w: built %d of %d edges", ErrInvalidPath, total, len(decl.Paths))
	}
	return p, nil
}

// references returns the aliases named by $matched values in where.
func references(where map[string]any) []string {
	var out []string
	for _, v := range where {
		s, ok := v.(string)
		if !ok {
			continue
		}
		alias, _, ok := ParseMatched(s)
		if ok && !contains(out, alias) {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// ParseMatched splits "$matched.alias.prop" into alias and property. The
// property is empty for "$matched.alias".
func ParseMatched(s string) (alias, prop string, ok bool) {
	rest, found := strings.CutPrefix(s, MatchedPrefix)
	if !found || rest == "" {
		return "", "", false
	}
	alias, prop, _ = strings.Cut(rest, ".")
	return alias, prop, alias != ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
