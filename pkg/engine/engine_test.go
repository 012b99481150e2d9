package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/config"
	"github.com/orneryd/nornicexec/pkg/exec"
	"github.com/orneryd/nornicexec/pkg/index"
	"github.com/orneryd/nornicexec/pkg/metrics"
	"github.com/orneryd/nornicexec/pkg/planner"
	"github.com/orneryd/nornicexec/pkg/result"
	"github.com/orneryd/nornicexec/pkg/storage"
)

const people = `
nodes:
  - {id: alice, labels: [Person], properties: {name: Alice, age: 31}}
  - {id: bob,   labels: [Person], properties: {name: Bob, age: 25}}
  - {id: carol, labels: [Person], properties: {name: Carol, age: 42}}
  - {id: dave,  labels: [Person], properties: {name: Dave}}
edges:
  - {from: alice, to: bob, type: KNOWS}
  - {from: bob, to: carol, type: KNOWS}
indexes:
  - {label: Person, property: age}
`

const byAge = `
steps:
  - {kind: fetchIndex, index: Person.age}
  - {kind: project, fields: {name: rid.name}}
`

const friends = `
steps:
  - kind: match
    pattern:
      aliases: [{alias: a, labels: [Person], where: {name: Alice}}, {alias: b}]
      paths: [{from: a, to: b, types: [KNOWS]}]
  - {kind: project, fields: {friend: b.name}}
`

// recordingSink keeps every reported statement.
type recordingSink struct {
	mu      sync.Mutex
	entries []metrics.QueryMetrics
}

func (s *recordingSink) Record(m metrics.QueryMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, m)
}

func (s *recordingSink) all() []metrics.QueryMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.QueryMetrics(nil), s.entries...)
}

func newEngine(t *testing.T, cfg *config.Config) (*Engine, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { store.Close() })
	e, err := New(cfg, store, WithSink(sink))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	f, err := storage.ParseFixture([]byte(people))
	require.NoError(t, err)
	require.NoError(t, e.LoadFixture(f))
	return e, sink
}

func query(t *testing.T, doc string) *planner.QuerySpec {
	t.Helper()
	q, err := planner.ParseQuery([]byte(doc))
	require.NoError(t, err)
	return q
}

func names(rows []*result.Result, prop string) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r.Property(prop)
	}
	return out
}

// ============================================================================
// Execution
// ============================================================================

func TestExecute_Query(t *testing.T) {
	e, sink := newEngine(t, nil)

	rs, err := e.Execute(context.Background(), e.Query(query(t, byAge)))
	require.NoError(t, err)
	rows, err := exec.Drain(rs)
	require.NoError(t, err)
	assert.Equal(t, []any{"Bob", "Alice", "Carol"}, names(rows, "name"))

	pp, ok := rs.(exec.PlanProvider)
	require.True(t, ok)
	assert.Equal(t, []string{"Person.age"}, pp.ExecutionPlan().Indexes())

	// closing after exhaustion does not report twice
	require.NoError(t, rs.Close())

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].Rows)
	assert.Equal(t, "descriptor", entries[0].Language)
	assert.Equal(t, "ok", entries[0].Status())
	assert.Contains(t, entries[0].Statement, "fetchIndex")
}

func TestExecute_CloseEarlyReportsOnce(t *testing.T) {
	e, sink := newEngine(t, nil)

	rs, err := e.Execute(context.Background(), e.Query(query(t, byAge)))
	require.NoError(t, err)
	ok, err := rs.HasNext()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = rs.Next()
	require.NoError(t, err)

	require.NoError(t, rs.Close())
	require.NoError(t, rs.Close())

	ok, err = rs.HasNext()
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = rs.Next()
	assert.ErrorIs(t, err, exec.ErrNoMoreRows)

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Rows)
}

func TestExecute_Params(t *testing.T) {
	e, _ := newEngine(t, nil)
	q := query(t, `
params: {min: 30}
steps:
  - {kind: fetchIndex, index: Person.age}
  - {kind: filter, where: {property: key, op: ">", value: $min}}
  - {kind: project, fields: {name: rid.name}}
`)
	rs, err := e.Execute(context.Background(), e.Query(q))
	require.NoError(t, err)
	rows, err := exec.Drain(rs)
	require.NoError(t, err)
	assert.Equal(t, []any{"Alice", "Carol"}, names(rows, "name"))
}

func TestExecute_BuildError(t *testing.T) {
	e, sink := newEngine(t, nil)
	boom := errors.New("boom")

	_, err := e.Execute(context.Background(), Statement{
		Text:  "broken",
		Build: func(*command.Context) (*exec.Plan, error) { return nil, boom },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "broken", ee.Statement)
	assert.Contains(t, err.Error(), `executing "broken"`)

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].Status())
}

func TestExecute_PlanningError(t *testing.T) {
	e, _ := newEngine(t, nil)
	_, err := e.Execute(context.Background(), e.Query(query(t, `steps: [{kind: fetchIndex, index: Missing.x}]`)))
	assert.ErrorIs(t, err, index.ErrIndexNotFound)
}

func TestExecute_NoPlan(t *testing.T) {
	e, sink := newEngine(t, nil)
	_, err := e.Execute(context.Background(), Statement{Text: "nothing"})
	assert.ErrorIs(t, err, ErrNoPlan)
	assert.Len(t, sink.all(), 1)
}

func TestExecute_Cancelled(t *testing.T) {
	e, sink := newEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rs, err := e.Execute(ctx, e.Query(query(t, byAge)))
	if err == nil {
		_, err = exec.Drain(rs)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, command.ErrCancelled)
	assert.True(t, command.IsCancellation(err))

	var ee *ExecutionError
	assert.True(t, errors.As(err, &ee))
	assert.Len(t, sink.all(), 1)
}

func TestExecute_Timeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Execution.QueryTimeout = time.Millisecond
	e, _ := newEngine(t, cfg)

	build := planner.Statement(query(t, byAge), planner.Deps{Storage: e.Storage(), Indexes: e.Indexes()})
	rs, err := e.Execute(context.Background(), Statement{
		Text: "slow",
		Build: func(ctx *command.Context) (*exec.Plan, error) {
			time.Sleep(20 * time.Millisecond)
			return build(ctx)
		},
	})
	if err == nil {
		_, err = exec.Drain(rs)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, command.ErrTimeout)
}

func TestExecute_InterruptedIsLoggedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := storage.NewMemoryEngine()
	defer store.Close()
	e, err := New(nil, store, WithLogger(logger))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Execute(ctx, Statement{
		Text: "cancelled",
		Build: func(ctx *command.Context) (*exec.Plan, error) {
			return nil, ctx.CheckInterrupt()
		},
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "level=INFO msg=\"statement interrupted\"")
	assert.Contains(t, buf.String(), "component=engine")
}

// ============================================================================
// Explain and patterns
// ============================================================================

func TestExplain(t *testing.T) {
	e, sink := newEngine(t, nil)
	text, err := e.Explain(context.Background(), e.Query(query(t, byAge)))
	require.NoError(t, err)
	assert.Contains(t, text, "FETCH FROM INDEX Person.age")
	assert.Contains(t, text, "rid.name AS name")
	assert.Empty(t, sink.all(), "explain does not execute")

	_, err = e.Explain(context.Background(), Statement{})
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestCompilePattern_Cached(t *testing.T) {
	e, _ := newEngine(t, nil)
	q := query(t, friends)

	for i := 0; i < 3; i++ {
		rs, err := e.Execute(context.Background(), e.Query(q))
		require.NoError(t, err)
		rows, err := exec.Drain(rs)
		require.NoError(t, err)
		assert.Equal(t, []any{"Bob"}, names(rows, "friend"))
	}

	stats := e.PatternCacheStats()
	assert.Equal(t, uint64(1), stats.Compiles)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, 1, stats.Size)
}

func TestCompilePattern_CacheDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cache.Enabled = false
	e, _ := newEngine(t, cfg)
	q := query(t, friends)

	for i := 0; i < 2; i++ {
		_, err := e.Explain(context.Background(), e.Query(q))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, e.PatternCacheStats().Size)
}

func TestCompilePattern_UnknownStrategy(t *testing.T) {
	cfg := config.DefaultConfig()
	e, _ := newEngine(t, cfg)
	cfg.Execution.Centrality = "pagerank"

	_, err := e.Explain(context.Background(), e.Query(query(t, friends)))
	assert.Error(t, err)
}

// ============================================================================
// Lifecycle and storage
// ============================================================================

func TestNew_Validation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "tape"
	_, err := New(cfg, storage.NewMemoryEngine())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(nil, nil)
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	e, sink := newEngine(t, nil)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Execute(context.Background(), e.Query(query(t, byAge)))
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.Len(t, sink.all(), 1)

	// the caller still owns a store passed to New
	_, err = e.Storage().GetNode("alice")
	assert.NoError(t, err)
}

func TestLoadFixture_DuplicateIndex(t *testing.T) {
	e, _ := newEngine(t, nil)
	_, err := e.BuildIndex(storage.IndexDecl{Name: "Person.age", Label: "Person", Property: "age"})
	assert.ErrorIs(t, err, index.ErrIndexExists)
}

func TestOpen_Memory(t *testing.T) {
	e, err := Open(nil)
	require.NoError(t, err)
	defer e.Close()
	_, ok := e.Storage().(*storage.MemoryEngine)
	assert.True(t, ok)
}

func TestOpen_AppliesOptionsOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "badger"
	cfg.Storage.InMemory = true

	applied := 0
	counting := Option(func(*options) { applied++ })
	reg := index.NewRegistry()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	e, err := Open(cfg, counting, WithIndexes(reg), WithLogger(logger))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 1, applied)
	assert.Same(t, reg, e.Indexes())
	assert.Equal(t, 1, strings.Count(buf.String(), "engine opened"))
}

func TestOpen_BadgerInMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "badger"
	cfg.Storage.InMemory = true

	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	f, err := storage.ParseFixture([]byte(people))
	require.NoError(t, err)
	require.NoError(t, e.LoadFixture(f))

	idx, err := e.Indexes().Get("Person.age")
	require.NoError(t, err)
	_, persisted := idx.(*index.BadgerIndex)
	assert.True(t, persisted)

	rs, err := e.Execute(context.Background(), e.Query(query(t, byAge)))
	require.NoError(t, err)
	rows, err := exec.Drain(rs)
	require.NoError(t, err)
	assert.Equal(t, []any{"Bob", "Alice", "Carol"}, names(rows, "name"))

	rs, err = e.Execute(context.Background(), e.Query(query(t, `
steps:
  - {kind: fetchIndex, index: Person.age, direction: "null"}
  - {kind: project, fields: {name: rid.name}}
`)))
	require.NoError(t, err)
	rows, err = exec.Drain(rs)
	require.NoError(t, err)
	assert.Equal(t, []any{"Dave"}, names(rows, "name"))
}

func TestOpen_BadgerOnDisk(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "badger"
	cfg.Storage.DataDir = t.TempDir()

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Storage().CreateNode(&storage.Node{ID: "x", Labels: []string{"Thing"}}))
	require.NoError(t, e.Close())

	e, err = Open(cfg)
	require.NoError(t, err)
	defer e.Close()
	n, err := e.Storage().GetNode("x")
	require.NoError(t, err)
	assert.Equal(t, []string{"Thing"}, n.Labels)
}
