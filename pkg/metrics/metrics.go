// Package metrics records one QueryMetrics entry per executed statement.
//
// A Sink receives the entry when the statement's result set is exhausted,
// closed, or fails, whichever comes first. Sinks must be safe for concurrent
// use: independent queries report from their own goroutines.
//
// Example:
//
//	sink := metrics.NewMultiSink(
//		metrics.NewPrometheusSink("nornicexec"),
//		metrics.NewLogSink(slog.Default()),
//	)
//	sink.Record(metrics.QueryMetrics{Statement: "MATCH ...", Language: "pattern", Rows: 3})
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueryMetrics describes one finished statement.
type QueryMetrics struct {
	ID        uuid.UUID
	Statement string
	Language  string
	StartTime time.Time
	Elapsed   time.Duration
	Rows      int64
	Err       error
}

// NewQueryMetrics starts an entry with a fresh id.
func NewQueryMetrics(statement, language string) QueryMetrics {
	return QueryMetrics{
		ID:        uuid.New(),
		Statement: statement,
		Language:  language,
		StartTime: time.Now(),
	}
}

// Status is "ok", or "error" when Err is set.
func (m QueryMetrics) Status() string {
	if m.Err != nil {
		return "error"
	}
	return "ok"
}

// Sink receives finished statements.
type Sink interface {
	Record(m QueryMetrics)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Record(QueryMetrics) {}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

// NewMultiSink drops nil sinks.
func NewMultiSink(sinks ...Sink) MultiSink {
	out := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (ms MultiSink) Record(m QueryMetrics) {
	for _, s := range ms {
		s.Record(m)
	}
}

// ============================================================================
// Prometheus
// ============================================================================

// PrometheusSink exports query counts, durations and row counts.
//
// Each sink owns its registry so several engines (or tests) can coexist in
// one process. Serve it with promhttp.HandlerFor(sink.Registry(), ...).
type PrometheusSink struct {
	registry *prometheus.Registry
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	rows     *prometheus.CounterVec
}

// NewPrometheusSink creates a sink whose metric names start with namespace.
func NewPrometheusSink(namespace string) *PrometheusSink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusSink{
		registry: reg,
		queries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of executed statements",
			},
			[]string{"language", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Statement execution time in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"language"},
		),
		rows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_rows_total",
				Help:      "Total number of rows returned",
			},
			[]string{"language"},
		),
	}
}

// Registry returns the registry the sink's collectors live in.
func (p *PrometheusSink) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusSink) Record(m QueryMetrics) {
	p.queries.WithLabelValues(m.Language, m.Status()).Inc()
	p.duration.WithLabelValues(m.Language).Observe(m.Elapsed.Seconds())
	p.rows.WithLabelValues(m.Language).Add(float64(m.Rows))
}

// ============================================================================
// Logging
// ============================================================================

// LogSink writes one structured line per statement. Failures log at Warn,
// successes at Debug.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink uses slog.Default when logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "metrics")}
}

func (l *LogSink) Record(m QueryMetrics) {
	attrs := []slog.Attr{
		slog.String("id", m.ID.String()),
		slog.String("language", m.Language),
		slog.String("statement", m.Statement),
		slog.Duration("elapsed", m.Elapsed),
		slog.Int64("rows", m.Rows),
	}
	level := slog.LevelDebug
	if m.Err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", m.Err.Error()))
	}
	l.logger.LogAttrs(context.Background(), level, "query finished", attrs...)
}

// ============================================================================
// Recorder
// ============================================================================

// Recorder guarantees a statement is reported once, however many of its
// completion paths fire.
type Recorder struct {
	once sync.Once
	sink Sink
	m    QueryMetrics
}

// NewRecorder starts timing m.
func NewRecorder(sink Sink, m QueryMetrics) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	if m.StartTime.IsZero() {
		m.StartTime = time.Now()
	}
	return &Recorder{sink: sink, m: m}
}

// Finish records the statement with its row count and outcome. Only the
// first call has an effect; it reports whether this call recorded.
func (r *Recorder) Finish(rows int64, err error) bool {
	recorded := false
	r.once.Do(func() {
		r.m.Rows = rows
		r.m.Err = err
		r.m.Elapsed = time.Since(r.m.StartTime)
		r.sink.Record(r.m)
		recorded = true
	})
	return recorded
}

// Metrics returns the entry as it currently stands.
func (r *Recorder) Metrics() QueryMetrics { return r.m }
