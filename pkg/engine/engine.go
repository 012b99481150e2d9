// Package engine runs statements end to end.
//
// An Engine owns the graph storage, the named indexes, the compiled pattern
// cache and the metrics sink. Execute turns a Statement into a running plan
// and hands back a lazy result set; the statement is reported to the sink
// exactly once, when that set is exhausted, closed or fails.
//
// Example:
//
//	eng, err := engine.Open(config.LoadFromEnv(), engine.WithSink(sink))
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	rs, err := eng.Execute(ctx, engine.Statement{
//		Text:     "MATCH (a:Person)-[:KNOWS]->(b)",
//		Language: "pattern",
//		Build:    buildPlan,
//	})
//	if err != nil {
//		return err
//	}
//	rows, err := exec.Drain(rs)
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orneryd/nornicexec/pkg/cache"
	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/config"
	"github.com/orneryd/nornicexec/pkg/exec"
	"github.com/orneryd/nornicexec/pkg/index"
	"github.com/orneryd/nornicexec/pkg/logging"
	"github.com/orneryd/nornicexec/pkg/metrics"
	"github.com/orneryd/nornicexec/pkg/pattern"
	"github.com/orneryd/nornicexec/pkg/planner"
	"github.com/orneryd/nornicexec/pkg/pool"
	"github.com/orneryd/nornicexec/pkg/result"
	"github.com/orneryd/nornicexec/pkg/storage"
)

// Common errors
var (
	ErrNoPlan       = errors.New("statement has no plan builder")
	ErrEngineClosed = errors.New("engine is closed")
)

// Statement is one unit of work: its text for reporting and caching, and a
// builder for its execution plan.
type Statement struct {
	Text     string
	Language string
	Params   map[string]any
	Build    func(ctx *command.Context) (*exec.Plan, error)
}

// ExecutionError wraps every failure of a statement. Cancellation and timeout
// stay detectable with errors.Is(err, command.ErrCancelled) and
// errors.Is(err, command.ErrTimeout).
type ExecutionError struct {
	Statement string
	Elapsed   time.Duration
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %q (after %s): %v", e.Statement, e.Elapsed.Round(time.Microsecond), e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Engine executes statements against one graph.
type Engine struct {
	cfg      *config.Config
	store    storage.Engine
	ownStore bool
	indexes  *index.Registry
	patterns *cache.Cache[*pattern.Pattern]
	sink     metrics.Sink
	logger   *slog.Logger
	closed   bool
}

// options collects what Option values set, resolved once per constructor.
type options struct {
	sink    metrics.Sink
	logger  *slog.Logger
	indexes *index.Registry
}

// Option configures an Engine.
type Option func(*options)

// WithSink sets where finished statements are reported.
func WithSink(sink metrics.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithIndexes replaces the index registry.
func WithIndexes(reg *index.Registry) Option {
	return func(o *options) { o.indexes = reg }
}

func resolveOptions(opts []Option) options {
	o := options{sink: metrics.NopSink{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.indexes == nil {
		o.indexes = index.NewRegistry()
	}
	return o
}

// New creates an engine over an existing store. The caller keeps ownership
// of store.
func New(cfg *config.Config, store storage.Engine, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newEngine(cfg, store, resolveOptions(opts))
}

func newEngine(cfg *config.Config, store storage.Engine, o options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: nil storage")
	}
	e := &Engine{
		cfg:     cfg,
		store:   store,
		indexes: o.indexes,
		sink:    o.sink,
		logger:  logging.Component(o.logger, "engine"),
	}

	e.patterns = cache.New[*pattern.Pattern](cfg.Cache.Size, cfg.Cache.TTL)
	e.patterns.SetEnabled(cfg.Cache.Enabled)

	pool.Configure(pool.PoolConfig{Enabled: cfg.Memory.PoolEnabled, MaxSize: cfg.Memory.PoolMaxSize})
	return e, nil
}

// Open creates the store described by cfg.Storage and an engine that owns it.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)

	var store storage.Engine
	switch cfg.Storage.Backend {
	case "badger":
		b, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			InMemory:   cfg.Storage.InMemory,
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     newBadgerLogger(logging.Component(o.logger, "badger")),
		})
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		store = b
	default:
		store = storage.NewMemoryEngine()
	}

	e, err := newEngine(cfg, store, o)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.ownStore = true
	e.logger.Info("engine opened", "config", cfg.String())
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Storage returns the graph store.
func (e *Engine) Storage() storage.Engine { return e.store }

// Indexes returns the index registry.
func (e *Engine) Indexes() *index.Registry { return e.indexes }

// PatternCacheStats reports the compiled pattern cache statistics.
func (e *Engine) PatternCacheStats() cache.Stats { return e.patterns.Stats() }

// Close releases the store if the engine opened it. Safe to call twice.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.ownStore {
		return e.store.Close()
	}
	return nil
}

// ============================================================================
// Data loading
// ============================================================================

// LoadFixture writes the fixture's graph into the store and builds the
// indexes it declares.
func (e *Engine) LoadFixture(f *storage.Fixture) error {
	if err := f.Apply(e.store); err != nil {
		return err
	}
	for _, decl := range f.Indexes {
		if _, err := e.BuildIndex(decl); err != nil {
			return err
		}
	}
	e.logger.Info("fixture loaded", "nodes", len(f.Nodes), "edges", len(f.Edges), "indexes", len(f.Indexes))
	return nil
}

// BuildIndex indexes decl.Property over the nodes labelled decl.Label and
// registers the result under decl.Name. Nodes without the property go under
// the null key. On a badger store the index is persisted next to the graph;
// otherwise it lives in memory.
func (e *Engine) BuildIndex(decl storage.IndexDecl) (index.Index, error) {
	nodes, err := e.store.GetNodesByLabel(decl.Label)
	if err != nil {
		return nil, fmt.Errorf("building index %s: %w", decl.Name, err)
	}

	var idx index.Index
	if b, ok := e.store.(*storage.BadgerEngine); ok {
		bi := index.NewBadgerIndex(b.DB(), decl.Name)
		for _, n := range nodes {
			if err := bi.Put(n.Properties[decl.Property], string(n.ID)); err != nil {
				return nil, fmt.Errorf("building index %s: %w", decl.Name, err)
			}
		}
		idx = bi
	} else {
		bt := index.NewBTreeIndex(decl.Name)
		for _, n := range nodes {
			bt.Put(n.Properties[decl.Property], string(n.ID))
		}
		idx = bt
	}

	if err := e.indexes.Register(idx); err != nil {
		return nil, err
	}
	e.logger.Debug("index built", "index", decl.Name, "entries", len(nodes))
	return idx, nil
}

// ============================================================================
// Compilation
// ============================================================================

// CompilePattern builds and scores the pattern for decl, reusing an earlier
// compile of the same text when the cache holds one. Patterns are read-only
// once compiled and may be shared by concurrent executions.
func (e *Engine) CompilePattern(text string, decl pattern.Declaration) (*pattern.Pattern, error) {
	strategy, err := pattern.ParseStrategy(e.cfg.Execution.Centrality)
	if err != nil {
		return nil, err
	}
	return e.patterns.GetOrCompile(e.patterns.Key(text, nil), func() (*pattern.Pattern, error) {
		p, err := pattern.Build(decl)
		if err != nil {
			return nil, err
		}
		if err := p.ComputeCentrality(strategy); err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Query turns a descriptor into a statement planned against this engine's
// storage, indexes and pattern cache.
func (e *Engine) Query(q *planner.QuerySpec) Statement {
	return Statement{
		Text:     q.Text(),
		Language: "descriptor",
		Params:   q.Params,
		Build: planner.Statement(q, planner.Deps{
			Storage:            e.store,
			Indexes:            e.indexes,
			Patterns:           e,
			RetryAttempts:      e.cfg.Execution.RetryAttempts,
			MaxWhileIterations: e.cfg.Execution.MaxWhileIterations,
		}),
	}
}

// ============================================================================
// Execution
// ============================================================================

// Execute builds the statement's plan and starts it under the configured
// timeout. The returned set must be closed (or drained) by the caller.
func (e *Engine) Execute(ctx context.Context, st Statement) (exec.ResultSet, error) {
	rec := metrics.NewRecorder(e.sink, metrics.NewQueryMetrics(st.Text, st.Language))
	fail := func(err error, cancel context.CancelFunc) (exec.ResultSet, error) {
		if cancel != nil {
			cancel()
		}
		err = e.wrap(st, rec, err)
		e.finish(rec, 0, err)
		return nil, err
	}

	if e.closed {
		return fail(ErrEngineClosed, nil)
	}
	if st.Build == nil {
		return fail(ErrNoPlan, nil)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.Execution.QueryTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Execution.QueryTimeout)
	}
	cctx := e.commandContext(runCtx, st)

	plan, err := st.Build(cctx)
	if err != nil {
		return fail(err, cancel)
	}
	rs, err := plan.Start(cctx)
	if err != nil {
		return fail(errors.Join(err, plan.Close()), cancel)
	}
	return &resultSet{inner: rs, plan: plan, engine: e, st: st, rec: rec, cancel: cancel}, nil
}

// Explain builds the statement's plan without running it and renders it.
func (e *Engine) Explain(ctx context.Context, st Statement) (string, error) {
	if st.Build == nil {
		return "", ErrNoPlan
	}
	plan, err := st.Build(e.commandContext(ctx, st))
	if err != nil {
		return "", err
	}
	return plan.PrettyPrint(0, 2), nil
}

func (e *Engine) commandContext(ctx context.Context, st Statement) *command.Context {
	return command.New(ctx,
		command.WithParams(st.Params),
		command.WithInterruptInterval(e.cfg.Execution.InterruptInterval),
		command.WithProfiling(e.cfg.Execution.Profiling),
	)
}

func (e *Engine) wrap(st Statement, rec *metrics.Recorder, err error) error {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecutionError{Statement: st.Text, Elapsed: time.Since(rec.Metrics().StartTime), Err: err}
}

func (e *Engine) finish(rec *metrics.Recorder, rows int64, err error) {
	if !rec.Finish(rows, err) {
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, command.ErrCancelled), errors.Is(err, command.ErrTimeout):
		e.logger.Info("statement interrupted", "statement", rec.Metrics().Statement, "error", err)
	default:
		e.logger.Warn("statement failed", "statement", rec.Metrics().Statement, "error", err)
	}
}

// resultSet reports the statement when it ends and releases the timeout.
type resultSet struct {
	inner  exec.ResultSet
	plan   *exec.Plan
	engine *Engine
	st     Statement
	rec    *metrics.Recorder
	cancel context.CancelFunc
	rows   int64
	done   bool
}

func (rs *resultSet) HasNext() (bool, error) {
	if rs.done {
		return false, nil
	}
	ok, err := rs.inner.HasNext()
	if err != nil {
		return false, rs.fail(err)
	}
	if !ok {
		rs.finishWith(nil)
	}
	return ok, nil
}

func (rs *resultSet) Next() (*result.Result, error) {
	if rs.done {
		return nil, exec.ErrNoMoreRows
	}
	r, err := rs.inner.Next()
	if err != nil {
		if errors.Is(err, exec.ErrNoMoreRows) {
			rs.finishWith(nil)
			return nil, err
		}
		return nil, rs.fail(err)
	}
	rs.rows++
	return r, nil
}

func (rs *resultSet) Close() error {
	err := rs.inner.Close()
	rs.finishWith(nil)
	if err != nil {
		return rs.engine.wrap(rs.st, rs.rec, err)
	}
	return nil
}

// ExecutionPlan exposes the running plan.
func (rs *resultSet) ExecutionPlan() *exec.Plan { return rs.plan }

// QueryStats forwards the plan statistics.
func (rs *resultSet) QueryStats() map[string]int64 {
	if sp, ok := rs.inner.(exec.StatsProvider); ok {
		return sp.QueryStats()
	}
	return map[string]int64{"rows": rs.rows}
}

func (rs *resultSet) fail(err error) error {
	err = rs.engine.wrap(rs.st, rs.rec, err)
	rs.inner.Close()
	rs.finishWith(err)
	return err
}

func (rs *resultSet) finishWith(err error) {
	if rs.done {
		return
	}
	rs.done = true
	rs.cancel()
	rs.engine.finish(rs.rec, rs.rows, err)
}

// ============================================================================
// Badger logging
// ============================================================================

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
