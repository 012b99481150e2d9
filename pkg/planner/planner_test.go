package planner

import (
	"context"
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

const people = `
nodes:
  - {id: alice, labels: [Person], properties: {name: Alice, age: 31, city: Lyon}}
  - {id: bob,   labels: [Person], properties: {name: Bob, age: 25, city: Oslo}}
  - {id: carol, labels: [Person], properties: {name: Carol, age: 42, city: Lyon}}
  - {id: dave,  labels: [Person], properties: {name: Dave, city: Rome}}
edges:
  - {from: alice, to: bob, type: KNOWS}
  - {from: bob, to: carol, type: KNOWS}
  - {from: carol, to: dave, type: KNOWS}
indexes:
  - {label: Person, property: age}
  - {label: Person, property: city}
`

// graph loads the people fixture and builds its indexes in memory.
func graph(t *testing.T) Deps {
	t.Helper()
	f, err := storage.ParseFixture([]byte(people))
	require.NoError(t, err)
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	require.NoError(t, f.Apply(store))

	reg := index.NewRegistry()
	for _, decl := range f.Indexes {
		idx := index.NewBTreeIndex(decl.Name)
		nodes, err := store.GetNodesByLabel(decl.Label)
		require.NoError(t, err)
		for _, n := range nodes {
			idx.Put(n.Properties[decl.Property], string(n.ID))
		}
		require.NoError(t, reg.Register(idx))
	}
	return Deps{Storage: store, Indexes: reg, RetryAttempts: 5, MaxWhileIterations: 100}
}

func parse(t *testing.T, doc string) *QuerySpec {
	t.Helper()
	q, err := ParseQuery([]byte(doc))
	require.NoError(t, err)
	return q
}

func runQuery(t *testing.T, q *QuerySpec, deps Deps) []*result.Result {
	t.Helper()
	plan, err := Build(q, deps)
	require.NoError(t, err)
	rs, err := plan.Start(command.New(context.Background(), command.WithParams(q.Params)))
	require.NoError(t, err)
	rows, err := exec.Drain(rs)
	require.NoError(t, err)
	return rows
}

// column collects one property from every row.
func column(rows []*result.Result, prop string) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = plain(r.Property(prop))
	}
	return out
}

// ============================================================================
// Descriptor parsing
// ============================================================================

func TestParseQuery(t *testing.T) {
	t.Run("unknown field", func(t *testing.T) {
		_, err := ParseQuery([]byte("steps:\n  - kind: limit\n    cnt: 3\n"))
		assert.ErrorIs(t, err, ErrInvalidStep)
	})

	t.Run("no steps", func(t *testing.T) {
		_, err := ParseQuery([]byte("name: empty\n"))
		assert.ErrorIs(t, err, ErrInvalidStep)
	})

	t.Run("text is canonical", func(t *testing.T) {
		a := parse(t, "steps: [{kind: limit, count: 3}]")
		b := parse(t, "name: other\nsteps:\n  - count: 3\n    kind: limit\n")
		assert.Equal(t, a.Text(), b.Text())
		assert.Contains(t, a.Text(), "kind: limit")
	})
}

func TestLoadQuery_Missing(t *testing.T) {
	_, err := LoadQuery(t.TempDir() + "/missing.yaml")
	assert.Error(t, err)
}

func TestCondition_String(t *testing.T) {
	tests := []struct {
		cond Condition
		want string
	}{
		{Condition{Property: "key", Op: OpGe, Value: 30}, "key >= 30"},
		{Condition{Variable: "i", Op: OpLt, Value: 3}, "$i < 3"},
		{Condition{Property: "rid.name", Op: OpEq, Value: "$who"}, "rid.name = $who"},
		{Condition{Property: "key", Op: OpIsNull}, "key IS NULL"},
		{Condition{Property: "city", Op: OpIn, Value: []any{"Lyon", "Oslo"}}, "city in ['Lyon', 'Oslo']"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cond.String())
	}
}

// ============================================================================
// Select plans
// ============================================================================

func TestBuild_IndexFilterProject(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
steps:
  - {kind: fetchIndex, index: Person.age}
  - kind: filter
    where: {property: key, op: ">=", value: $min}
  - kind: project
    fields: {name: rid.name, age: key}
params: {min: 30}
`)
	plan, err := Build(q, deps)
	require.NoError(t, err)
	assert.Equal(t, exec.KindSelect, plan.Kind())
	assert.Equal(t, []string{"Person.age"}, plan.Indexes())
	assert.Contains(t, plan.PrettyPrint(0, 2), "key >= $min")

	rows := runQuery(t, q, deps)
	assert.Equal(t, []any{"Alice", "Carol"}, column(rows, "name"))
	require.Len(t, rows, 2)
	assert.EqualValues(t, 31, rows[0].Property("age"))
	assert.EqualValues(t, 42, rows[1].Property("age"))
}

func TestBuild_Directions(t *testing.T) {
	deps := graph(t)
	names := func(dir string) []any {
		q := parse(t, `
steps:
  - {kind: fetchIndex, index: Person.age, direction: "`+dir+`"}
  - {kind: project, fields: {name: rid.name}}
`)
		return column(runQuery(t, q, deps), "name")
	}
	assert.Equal(t, []any{"Bob", "Alice", "Carol"}, names("asc"))
	assert.Equal(t, []any{"Carol", "Alice", "Bob"}, names("desc"))
	assert.Equal(t, []any{"Dave"}, names("null"))
}

func TestBuild_SkipLimitOrderBy(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
steps:
  - {kind: fetchIndex, index: Person.city}
  - {kind: project, fields: {name: rid.name, city: key}}
  - {kind: orderBy, by: [{property: city, desc: true}, {property: name}]}
  - {kind: skip, count: 1}
  - {kind: limit, count: 2}
`)
	rows := runQuery(t, q, deps)
	assert.Equal(t, []any{"Bob", "Alice"}, column(rows, "name"))
}

func TestBuild_Aggregate(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
steps:
  - {kind: fetchIndex, index: Person.city}
  - kind: aggregate
    groupBy: [key]
    aggregates: [{function: count, as: n}]
  - {kind: orderBy, by: [{property: key}]}
`)
	rows := runQuery(t, q, deps)
	assert.Equal(t, []any{"Lyon", "Oslo", "Rome"}, column(rows, "key"))
	assert.Equal(t, []any{int64(2), int64(1), int64(1)}, column(rows, "n"))
}

func TestBuild_Unwind(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
steps:
  - {kind: fetchIndex, index: Person.city}
  - kind: aggregate
    groupBy: [key]
    aggregates: [{function: collect, property: rid, as: ids}]
  - {kind: filter, where: {property: key, op: "=", value: Lyon}}
  - {kind: unwind, property: ids}
`)
	rows := runQuery(t, q, deps)
	assert.ElementsMatch(t, []any{"alice", "carol"}, column(rows, "ids"))
}

func TestBuild_Match(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
params: {who: Alice}
steps:
  - kind: match
    pattern:
      aliases:
        - {alias: a, labels: [Person], where: {name: $who}}
        - {alias: b}
      paths:
        - {from: a, to: b, types: [KNOWS], minDepth: 1, maxDepth: 2, depthAlias: hops}
  - kind: project
    fields: {friend: b.name, hops: hops}
  - kind: orderBy
    by: [{property: hops}, {property: friend}]
`)
	rows := runQuery(t, q, deps)
	assert.Equal(t, []any{"Bob", "Carol"}, column(rows, "friend"))
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0].Property("hops"))
	assert.EqualValues(t, 2, rows[1].Property("hops"))
}

type countingCompiler struct {
	texts []string
}

func (c *countingCompiler) CompilePattern(text string, decl pattern.Declaration) (*pattern.Pattern, error) {
	c.texts = append(c.texts, text)
	p, err := pattern.Build(decl)
	if err != nil {
		return nil, err
	}
	return p, p.ComputeCentrality(pattern.Degree)
}

func TestBuild_MatchUsesCompiler(t *testing.T) {
	deps := graph(t)
	compiler := &countingCompiler{}
	deps.Patterns = compiler
	q := parse(t, `
steps:
  - kind: match
    pattern:
      aliases: [{alias: a, labels: [Person]}, {alias: b}]
      paths: [{from: a, to: b, types: [KNOWS]}]
`)
	_, err := Build(q, deps)
	require.NoError(t, err)
	_, err = Build(q, deps)
	require.NoError(t, err)

	require.Len(t, compiler.texts, 2)
	assert.Equal(t, compiler.texts[0], compiler.texts[1])
	assert.Contains(t, compiler.texts[0], "KNOWS")
}

func TestBuild_Traverse(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
steps:
  - {kind: fetchIndex, index: Person.age}
  - {kind: filter, where: {property: rid, op: "=", value: alice}}
  - kind: traverse
    path: {types: [KNOWS], minDepth: 1, maxDepth: 2}
    order: depth_first
`)
	rows := runQuery(t, q, deps)
	assert.Equal(t, []any{"Bob", "Carol"}, column(rows, "name"))
}

// ============================================================================
// Loops
// ============================================================================

func TestBuild_ForEachOverParam(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
params: {ids: [carol, alice]}
steps:
  - kind: forEach
    variable: x
    in: ids
    body:
      - {kind: fetchIndex, index: Person.age}
      - {kind: filter, where: {property: rid, op: "=", value: $x}}
      - {kind: project, fields: {who: rid.name}}
`)
	plan, err := Build(q, deps)
	require.NoError(t, err)
	assert.Equal(t, exec.KindForEach, plan.Kind())
	assert.False(t, plan.ContainsReturn())

	rows := runQuery(t, q, deps)
	assert.Equal(t, []any{"Carol", "Alice"}, column(rows, "who"))
}

func TestBuild_ForEachReturnStopsLoop(t *testing.T) {
	q := parse(t, `
steps:
  - kind: forEach
    variable: x
    items: [1, 2, 3]
    body:
      - {kind: return, value: {mul: [$x, 10]}}
`)
	plan, err := Build(q, Deps{})
	require.NoError(t, err)
	assert.True(t, plan.ContainsReturn())
	assert.Contains(t, plan.PrettyPrint(0, 2), "RETURN mul($x, 10)")

	rows := runQuery(t, q, Deps{})
	require.Len(t, rows, 1)
	assert.EqualValues(t, 10, rows[0].Property(exec.ValueProperty))
}

func TestBuild_While(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
steps:
  - {kind: let, variable: i, value: 0}
  - kind: while
    where: {variable: i, op: "<", value: 3}
    body:
      - {kind: fetchIndex, index: Person.age}
      - {kind: limit, count: 1}
      - {kind: let, variable: i, value: {add: [$i, 1]}}
`)
	plan, err := Build(q, deps)
	require.NoError(t, err)
	assert.Equal(t, exec.KindForEach, plan.Kind())
	text := plan.PrettyPrint(0, 2)
	assert.Contains(t, text, "LET i = 0")
	assert.Contains(t, text, "WHILE $i < 3")
	assert.Contains(t, text, "LET i = add($i, 1)")

	rows := runQuery(t, q, deps)
	assert.Len(t, rows, 3)
}

func TestBuild_WhileIterationLimit(t *testing.T) {
	deps := graph(t)
	deps.MaxWhileIterations = 2
	q := parse(t, `
steps:
  - {kind: let, variable: i, value: 0}
  - kind: while
    where: {variable: i, op: "<", value: 10}
    body:
      - {kind: fetchIndex, index: Person.age}
      - {kind: limit, count: 1}
      - {kind: let, variable: i, value: {add: [$i, 1]}}
`)
	plan, err := Build(q, deps)
	require.NoError(t, err)
	rs, err := plan.Start(command.New(context.Background()))
	require.NoError(t, err)
	_, err = exec.Drain(rs)
	assert.ErrorIs(t, err, exec.ErrIterationLimit)
}

func TestBuild_Retry(t *testing.T) {
	deps := graph(t)
	q := parse(t, `
steps:
  - kind: retry
    body:
      - {kind: fetchIndex, index: Person.age, direction: desc}
      - {kind: limit, count: 1}
      - {kind: project, fields: {name: rid.name}}
    else:
      - {kind: return, value: fallback}
`)
	plan, err := Build(q, deps)
	require.NoError(t, err)
	assert.Equal(t, exec.KindRetry, plan.Kind())
	text := plan.PrettyPrint(0, 2)
	assert.Contains(t, text, "RETRY (5)")
	assert.Contains(t, text, "ELSE")

	rows := runQuery(t, q, deps)
	assert.Equal(t, []any{"Carol"}, column(rows, "name"))
}

// ============================================================================
// Errors
// ============================================================================

func TestBuild_Errors(t *testing.T) {
	deps := graph(t)
	tests := []struct {
		name    string
		doc     string
		wantErr error
		wantMsg string
	}{
		{"unknown kind", `steps: [{kind: bogus}]`, ErrUnknownStep, "steps[0] bogus"},
		{"unknown operator", `steps: [{kind: filter, where: {property: a, op: "~", value: 1}}]`, ErrUnknownOperator, "steps[0] filter"},
		{"missing index", `steps: [{kind: fetchIndex, index: Nope.x}]`, index.ErrIndexNotFound, "Nope.x"},
		{"bad direction", `steps: [{kind: fetchIndex, index: Person.age, direction: sideways}]`, ErrInvalidStep, "sideways"},
		{"negative limit", `steps: [{kind: limit, count: -1}]`, ErrInvalidStep, "negative"},
		{"unknown arithmetic", `steps: [{kind: let, variable: v, value: {pow: [2, 3]}}]`, ErrUnknownOperator, "pow"},
		{"arity", `steps: [{kind: let, variable: v, value: {add: [1]}}]`, ErrInvalidStep, "two operands"},
		{"match without pattern", `steps: [{kind: match}]`, ErrInvalidStep, "pattern"},
		{"unknown alias", `steps: [{kind: match, pattern: {aliases: [{alias: a}], paths: [{from: a, to: z}]}}]`, pattern.ErrUnknownAlias, "z"},
		{"bad order", `steps: [{kind: traverse, order: sideways}]`, ErrInvalidStep, "sideways"},
		{"nested body", `steps: [{kind: forEach, variable: x, items: [1], body: [{kind: nope}]}]`, ErrUnknownStep, "steps[0].body[0] nope"},
		{"while without variable", `steps: [{kind: while, where: {property: a, op: "=", value: 1}}]`, ErrInvalidStep, "where.variable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(parse(t, tt.doc), deps)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestBuild_NoStorage(t *testing.T) {
	_, err := Build(parse(t, `steps: [{kind: traverse}]`), Deps{})
	assert.ErrorIs(t, err, ErrInvalidStep)
	_, err = Build(parse(t, `steps: [{kind: fetchIndex, index: x}]`), Deps{})
	assert.ErrorIs(t, err, ErrInvalidStep)
}

// ============================================================================
// Expressions
// ============================================================================

func TestArithmetic(t *testing.T) {
	v, err := arithmetic("add", 1, int64(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = arithmetic("mul", 1.5, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	v, err = arithmetic("sub", 10, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	_, err = arithmetic("add", "a", 1)
	assert.Error(t, err)
}

func TestComparator(t *testing.T) {
	lt, err := comparator(OpLt)
	require.NoError(t, err)
	assert.True(t, lt(1, 2))
	assert.False(t, lt(nil, 2))
	assert.False(t, lt(1, nil))

	in, err := comparator(OpIn)
	require.NoError(t, err)
	assert.True(t, in("b", []any{"a", "b"}))
	assert.False(t, in("c", []any{"a", "b"}))

	ne, err := comparator("<>")
	require.NoError(t, err)
	assert.True(t, ne(1, 2))

	notNull, err := comparator(OpNotNull)
	require.NoError(t, err)
	assert.False(t, notNull(nil, nil))

	_, err = comparator("like")
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestCompileExpr_Variables(t *testing.T) {
	ctx := command.New(context.Background(), command.WithParams(map[string]any{"p": 2}))
	ctx.SetVariable("v", 5)

	e, err := compileExpr([]any{"$v", "$p", "$missing", "lit", map[string]any{"add": []any{"$v", "$p"}}})
	require.NoError(t, err)
	got, err := e(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{5, 2, nil, "lit", int64(7)}, got)
}

func TestStatement(t *testing.T) {
	build := Statement(parse(t, `steps: [{kind: limit, count: 1}]`), Deps{})
	plan, err := build(command.New(context.Background()))
	require.NoError(t, err)
	assert.Len(t, plan.Steps(), 1)
}
