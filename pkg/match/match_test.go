package match

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/exec"
	"github.com/orneryd/nornicexec/pkg/index"
	"github.com/orneryd/nornicexec/pkg/pattern"
	"github.com/orneryd/nornicexec/pkg/result"
	"github.com/orneryd/nornicexec/pkg/storage"
)

// social builds:
//
//	alice -KNOWS-> bob -KNOWS-> carol -KNOWS-> dave
//	alice -WORKS_AT-> acme <-WORKS_AT- carol
func social(t *testing.T) *storage.MemoryEngine {
	t.Helper()
	e := storage.NewMemoryEngine()
	t.Cleanup(func() { e.Close() })
	person := func(id, name, city string) *storage.Node {
		return &storage.Node{ID: storage.NodeID(id), Labels: []string{"Person"}, Properties: map[string]any{"name": name, "city": city}}
	}
	require.NoError(t, storage.BulkCreate(e,
		[]*storage.Node{
			person("alice", "Alice", "Lyon"),
			person("bob", "Bob", "Oslo"),
			person("carol", "Carol", "Lyon"),
			person("dave", "Dave", "Rome"),
			{ID: "acme", Labels: []string{"Company"}, Properties: map[string]any{"name": "Acme"}},
		},
		[]*storage.Edge{
			{ID: "e1", StartNode: "alice", EndNode: "bob", Type: "KNOWS"},
			{ID: "e2", StartNode: "bob", EndNode: "carol", Type: "KNOWS"},
			{ID: "e3", StartNode: "carol", EndNode: "dave", Type: "KNOWS"},
			{ID: "e4", StartNode: "alice", EndNode: "acme", Type: "WORKS_AT"},
			{ID: "e5", StartNode: "carol", EndNode: "acme", Type: "WORKS_AT"},
		},
	))
	return e
}

func build(t *testing.T, decl pattern.Declaration) *pattern.Pattern {
	t.Helper()
	p, err := pattern.Build(decl)
	require.NoError(t, err)
	return p
}

func typed(types ...string) pattern.PathItem { return pattern.PathItem{Types: types} }

func run(t *testing.T, ctx *command.Context, steps ...exec.Step) []*result.Result {
	t.Helper()
	plan := exec.NewPlan()
	require.NoError(t, plan.Chain(steps...))
	rs, err := plan.Start(ctx)
	require.NoError(t, err)
	rows, err := exec.Drain(rs)
	require.NoError(t, err)
	return rows
}

func newCtx() *command.Context { return command.New(context.Background()) }

// bindings renders each row as alias values in alias order.
func bindings(rows []*result.Result, aliases ...string) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		for _, a := range aliases {
			v := r.Property(a)
			if id, ok := v.(storage.NodeID); ok {
				v = string(id)
			}
			out[i] = append(out[i], v)
		}
	}
	return out
}

// ============================================================================
// MatchStep
// ============================================================================

func TestMatchStep_SingleHop(t *testing.T) {
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a", Labels: []string{"Person"}}, {Alias: "b"}},
		Paths:   []pattern.PathDecl{{From: "a", Item: typed("KNOWS"), To: "b"}},
	})
	rows := run(t, newCtx(), NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{{"alice", "bob"}, {"bob", "carol"}, {"carol", "dave"}}, bindings(rows, "a", "b"))
}

func TestMatchStep_IncomingDirection(t *testing.T) {
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "c", Labels: []string{"Company"}}, {Alias: "p"}},
		Paths:   []pattern.PathDecl{{From: "c", Item: pattern.PathItem{Direction: pattern.In, Types: []string{"WORKS_AT"}}, To: "p"}},
	})
	rows := run(t, newCtx(), NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{{"acme", "alice"}, {"acme", "carol"}}, bindings(rows, "c", "p"))
}

func TestMatchStep_OptionalAliasBindsNil(t *testing.T) {
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a", Labels: []string{"Person"}}, {Alias: "c", Optional: true}},
		Paths:   []pattern.PathDecl{{From: "a", Item: typed("WORKS_AT"), To: "c"}},
	})
	rows := run(t, newCtx(), NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{
		{"alice", "acme"},
		{"bob", nil},
		{"carol", "acme"},
		{"dave", nil},
	}, bindings(rows, "a", "c"))
	assert.True(t, rows[1].HasProperty("c"), "absent optional alias is present as nil")
}

func TestMatchStep_OptionalFallsBackWhenLaterCheckFails(t *testing.T) {
	// c must also be known by a; no company qualifies, so c is nil rather
	// than the row being dropped.
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a", Labels: []string{"Person"}, Where: map[string]any{"name": "Alice"}}, {Alias: "c", Optional: true}},
		Paths: []pattern.PathDecl{
			{From: "a", Item: typed("WORKS_AT"), To: "c"},
			{From: "a", Item: typed("KNOWS"), To: "c"},
		},
	})
	rows := run(t, newCtx(), NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{{"alice", nil}}, bindings(rows, "a", "c"))
}

func TestMatchStep_VariableLengthWithDepthAlias(t *testing.T) {
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a", Where: map[string]any{"name": "Alice"}}, {Alias: "b"}},
		Paths: []pattern.PathDecl{{From: "a", To: "b", Item: pattern.PathItem{
			Types: []string{"KNOWS"}, MinDepth: 1, MaxDepth: 3, DepthAlias: "hops",
		}}},
	})
	rows := run(t, newCtx(), NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{{"bob", 1}, {"carol", 2}, {"dave", 3}}, bindings(rows, "b", "hops"))
}

func TestMatchStep_ZeroLengthIncludesStart(t *testing.T) {
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a", Where: map[string]any{"name": "Carol"}}, {Alias: "b"}},
		Paths:   []pattern.PathDecl{{From: "a", To: "b", Item: pattern.PathItem{Types: []string{"KNOWS"}, MinDepth: 0, MaxDepth: pattern.Unbounded}}},
	})
	rows := run(t, newCtx(), NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{{"carol"}, {"dave"}}, bindings(rows, "b"))
}

func TestMatchStep_CycleIsChecked(t *testing.T) {
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a"}, {Alias: "b"}, {Alias: "c"}, {Alias: "x", Labels: []string{"Company"}}},
		Paths: []pattern.PathDecl{
			{From: "a", Item: typed("KNOWS"), To: "b"},
			{From: "b", Item: typed("KNOWS"), To: "c"},
			{From: "a", Item: typed("WORKS_AT"), To: "x"},
			{From: "c", Item: typed("WORKS_AT"), To: "x"},
		},
	})
	rows := run(t, newCtx(), NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{{"alice", "bob", "carol", "acme"}}, bindings(rows, "a", "b", "c", "x"))
}

func TestMatchStep_MatchedReference(t *testing.T) {
	p := build(t, pattern.Declaration{Aliases: []pattern.AliasDecl{
		{Alias: "a", Labels: []string{"Person"}, Where: map[string]any{"name": "Alice"}},
		{Alias: "b", Labels: []string{"Person"}, Where: map[string]any{"city": "$matched.a.city"}},
	}})
	rows := run(t, newCtx(), NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{{"alice", "alice"}, {"alice", "carol"}}, bindings(rows, "a", "b"))
}

func TestMatchStep_ParameterReference(t *testing.T) {
	p := build(t, pattern.Declaration{Aliases: []pattern.AliasDecl{
		{Alias: "a", Labels: []string{"Person"}, Where: map[string]any{"name": "$who"}},
	}})
	ctx := command.New(context.Background(), command.WithParams(map[string]any{"who": "Dave"}))
	rows := run(t, ctx, NewMatchStep(p, social(t)))
	assert.Equal(t, [][]any{{"dave"}}, bindings(rows, "a"))
}

func TestMatchStep_SeededByUpstream(t *testing.T) {
	idx := index.NewBTreeIndex("Person.name")
	idx.Put("Bob", "bob")
	idx.Put("Alice", "alice")

	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a"}, {Alias: "b"}},
		Paths:   []pattern.PathDecl{{From: "a", Item: typed("KNOWS"), To: "b"}},
	})
	rows := run(t, newCtx(),
		exec.NewFetchFromIndexStep(idx, index.AllAscending),
		exec.NewFieldsProjection(map[string]string{"a": exec.RIDProperty, "name": exec.KeyProperty}),
		NewMatchStep(p, social(t)),
	)
	assert.Equal(t, [][]any{{"Alice", "alice", "bob"}, {"Bob", "bob", "carol"}}, bindings(rows, "name", "a", "b"))
}

// countingEngine counts adjacency reads.
type countingEngine struct {
	storage.Engine
	outgoing int
}

func (c *countingEngine) GetOutgoingEdges(id storage.NodeID) ([]*storage.Edge, error) {
	c.outgoing++
	return c.Engine.GetOutgoingEdges(id)
}

func TestMatchStep_Lazy(t *testing.T) {
	engine := &countingEngine{Engine: social(t)}
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a", Labels: []string{"Person"}}, {Alias: "b"}},
		Paths:   []pattern.PathDecl{{From: "a", Item: typed("KNOWS"), To: "b"}},
	})
	plan := exec.NewPlan()
	require.NoError(t, plan.Chain(NewMatchStep(p, engine)))
	rs, err := plan.Start(newCtx())
	require.NoError(t, err)

	r, err := rs.Next()
	require.NoError(t, err)
	assert.Equal(t, storage.NodeID("bob"), r.Property("b"))
	assert.Equal(t, 1, engine.outgoing, "only the first start node was expanded")
	require.NoError(t, rs.Close())
	require.NoError(t, rs.Close())
}

func TestMatchStep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cctx := command.New(ctx)
	p := build(t, pattern.Declaration{Aliases: []pattern.AliasDecl{{Alias: "a", Labels: []string{"Person"}}}})
	plan := exec.NewPlan()
	require.NoError(t, plan.Chain(NewMatchStep(p, social(t))))
	rs, err := plan.Start(cctx)
	require.NoError(t, err)

	_, err = rs.Next()
	require.NoError(t, err)
	cancel()
	_, err = rs.Next()
	assert.True(t, command.IsCancellation(err))
	require.NoError(t, rs.Close())
}

func TestMatchStep_Unschedulable(t *testing.T) {
	p := build(t, pattern.Declaration{Aliases: []pattern.AliasDecl{
		{Alias: "a", DependsOn: []string{"b"}},
		{Alias: "b", DependsOn: []string{"a"}},
	}})
	plan := exec.NewPlan()
	require.NoError(t, plan.Chain(NewMatchStep(p, social(t))))
	_, err := plan.Start(newCtx())
	assert.ErrorIs(t, err, pattern.ErrUnschedulable)
}

func TestMatchStep_Describe(t *testing.T) {
	p := build(t, pattern.Declaration{
		Aliases: []pattern.AliasDecl{{Alias: "a", Labels: []string{"Person"}}, {Alias: "b", Optional: true}},
		Paths:   []pattern.PathDecl{{From: "a", Item: typed("KNOWS"), To: "b"}},
	})
	step := NewMatchStep(p, social(t))
	assert.Equal(t, "+ MATCH\n  (a:Person)-[:KNOWS]->(b?)", step.PrettyPrint(0, 2))

	r := step.ToResult()
	assert.Equal(t, "MatchStep", r.Property("name"))
	assert.Equal(t, []string{"a"}, r.Property("startCandidates"))
	assert.Equal(t, "degree", r.Property("strategy"))
}

func TestProperty(t *testing.T) {
	engine := social(t)
	row := result.FromMap(map[string]any{
		"a":      storage.NodeID("alice"),
		"ghost":  storage.NodeID("nobody"),
		"nested": result.FromMap(map[string]any{"x": 1}),
		"n":      5,
	})
	for path, want := range map[string]any{
		"a.name":     "Alice",
		"a.missing":  nil,
		"ghost.name": nil,
		"nested.x":   1,
		"n":          5,
		"n.x":        nil,
	} {
		got, err := Property(engine, row, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
}

// ============================================================================
// TraverseStep
// ============================================================================

func startAt(ids ...string) exec.Step {
	idx := index.NewBTreeIndex("start")
	for i, id := range ids {
		idx.Put(i, id)
	}
	return exec.NewFetchFromIndexStep(idx, index.AllAscending)
}

func traversed(rows []*result.Result) (ids []string, depths []int) {
	for _, r := range rows {
		ids = append(ids, string(r.Property(RIDProperty).(storage.NodeID)))
		d, _ := r.Depth()
		depths = append(depths, d)
	}
	return ids, depths
}

func TestTraverseStep_BreadthFirst(t *testing.T) {
	step := NewTraverseStep(social(t), "", pattern.PathItem{}, BreadthFirst)
	ids, depths := traversed(run(t, newCtx(), startAt("alice"), step))
	assert.Equal(t, []string{"alice", "bob", "acme", "carol", "dave"}, ids)
	assert.Equal(t, []int{0, 1, 1, 2, 3}, depths)
}

func TestTraverseStep_DepthFirst(t *testing.T) {
	step := NewTraverseStep(social(t), "", pattern.PathItem{}, DepthFirst)
	ids, depths := traversed(run(t, newCtx(), startAt("alice"), step))
	assert.Equal(t, []string{"alice", "bob", "carol", "dave", "acme"}, ids)
	assert.Equal(t, []int{0, 1, 2, 3, 1}, depths)
}

func TestTraverseStep_DepthBounds(t *testing.T) {
	step := NewTraverseStep(social(t), "", pattern.PathItem{Types: []string{"KNOWS"}, MinDepth: 1, MaxDepth: 2}, BreadthFirst)
	rows := run(t, newCtx(), startAt("alice", "carol"), step)
	ids, depths := traversed(rows)
	assert.Equal(t, []string{"bob", "carol", "dave"}, ids)
	assert.Equal(t, []int{1, 2, 1}, depths)

	assert.Equal(t, "Bob", rows[0].Property("name"), "node properties are copied")
	assert.Equal(t, 1, rows[0].Property("$DEPTH"), "depth reads through the reserved name")
	assert.Equal(t, result.KindTraverse, rows[0].Kind())
}

func TestTraverseStep_WhereStopsExpansion(t *testing.T) {
	step := NewTraverseStep(social(t), "", pattern.PathItem{Where: map[string]any{"city": "Lyon"}}, BreadthFirst)
	ids, _ := traversed(run(t, newCtx(), startAt("alice"), step))
	assert.Equal(t, []string{"alice"}, ids)
}

func TestTraverseStep_IncomingFromMatchBinding(t *testing.T) {
	p := build(t, pattern.Declaration{Aliases: []pattern.AliasDecl{{Alias: "c", Labels: []string{"Company"}}}})
	engine := social(t)
	step := NewTraverseStep(engine, "c", pattern.PathItem{Direction: pattern.In, MinDepth: 1}, BreadthFirst)
	ids, depths := traversed(run(t, newCtx(), NewMatchStep(p, engine), step))
	assert.Equal(t, []string{"alice", "carol", "bob"}, ids)
	assert.Equal(t, []int{1, 1, 2}, depths)
}

// cancellingEngine cancels its context on the nth GetNode.
type cancellingEngine struct {
	storage.Engine
	cancel  context.CancelFunc
	at      int
	lookups int
}

func (c *cancellingEngine) GetNode(id storage.NodeID) (*storage.Node, error) {
	if c.lookups++; c.lookups == c.at {
		c.cancel()
	}
	return c.Engine.GetNode(id)
}

func TestTraverseStep_CancelledWhileSkipping(t *testing.T) {
	const length = 500
	chain := storage.NewMemoryEngine()
	t.Cleanup(func() { chain.Close() })
	for i := 0; i < length; i++ {
		require.NoError(t, chain.CreateNode(&storage.Node{ID: storage.NodeID(fmt.Sprintf("n%03d", i))}))
		if i > 0 {
			require.NoError(t, chain.CreateEdge(&storage.Edge{
				ID:        storage.EdgeID(fmt.Sprintf("e%03d", i)),
				StartNode: storage.NodeID(fmt.Sprintf("n%03d", i-1)),
				EndNode:   storage.NodeID(fmt.Sprintf("n%03d", i)),
				Type:      "NEXT",
			}))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := &cancellingEngine{Engine: chain, cancel: cancel, at: 10}
	plan := exec.NewPlan()
	require.NoError(t, plan.Chain(
		startAt("n000"),
		NewTraverseStep(engine, "", pattern.PathItem{MinDepth: length - 1}, BreadthFirst),
	))
	rs, err := plan.Start(command.New(ctx, command.WithInterruptInterval(4)))
	require.NoError(t, err)

	_, err = rs.HasNext()
	assert.True(t, command.IsCancellation(err))
	assert.Less(t, engine.lookups, 20, "traversal stopped soon after cancellation")
	require.NoError(t, rs.Close())
}

func TestTraverseStep_Describe(t *testing.T) {
	step := NewTraverseStep(social(t), "", pattern.PathItem{Types: []string{"KNOWS"}, MaxDepth: 2}, "")
	assert.Equal(t, "+ TRAVERSE -[:KNOWS*0..2]-> FROM rid (breadth_first)", step.PrettyPrint(0, 2))
	r := step.ToResult()
	assert.Equal(t, "TraverseStep", r.Property("name"))
	assert.Equal(t, 2, r.Property("maxDepth"))
}

func TestTraverseStep_UnknownOrder(t *testing.T) {
	plan := exec.NewPlan()
	require.NoError(t, plan.Chain(startAt("alice"), NewTraverseStep(social(t), "", pattern.PathItem{}, "sideways")))
	_, err := plan.Start(newCtx())
	assert.Error(t, err)
}
