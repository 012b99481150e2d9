package exec

import (
	"fmt"
	"strings"
	"time"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/result"
)

// Step is one stage of an execution plan.
//
// ProduceResults is lazy: it returns a ResultSet that pulls from the previous
// step only as rows are requested. Steps check the command context for
// interruption at least once per produced row.
//
// The previous-step link is a back-reference used for pulling and for
// diagnostics. Ownership of steps belongs to the Plan.
type Step interface {
	ProduceResults(ctx *command.Context) (ResultSet, error)
	SetPrevious(prev Step)
	Previous() Step
	// PrettyPrint renders the step with depth*indent leading spaces.
	PrettyPrint(depth, indent int) string
	// ToResult describes the step's shape (type and parameters) as a row.
	ToResult() *result.Result
	// Indexes lists the index names the step consults.
	Indexes() []string
	Close() error
}

// ReturnAware is implemented by loop constructs that can report whether their
// body may exit the enclosing procedure early.
type ReturnAware interface {
	ContainsReturn() bool
}

// StepStats are the profiling counters of one step. Cost includes the time
// spent pulling from upstream steps.
type StepStats struct {
	Rows int64
	Cost time.Duration
}

// baseStep carries the state common to every step.
type baseStep struct {
	prev     Step
	last     ResultSet
	profiled bool
	stats    StepStats
}

func (b *baseStep) SetPrevious(prev Step) { b.prev = prev }

func (b *baseStep) Previous() Step { return b.prev }

func (b *baseStep) Indexes() []string { return nil }

// Stats returns the profiling counters collected so far.
func (b *baseStep) Stats() StepStats { return b.stats }

// Close closes the last result set the step produced.
func (b *baseStep) Close() error {
	rs := b.last
	b.last = nil
	return closeSet(rs)
}

// upstream starts the previous step, or returns an empty set for a source
// position in the chain.
func (b *baseStep) upstream(ctx *command.Context) (ResultSet, error) {
	if b.prev == nil {
		return emptyResultSet(), nil
	}
	return b.prev.ProduceResults(ctx)
}

// stream wraps pull with the per-row interrupt check and profiling, and
// remembers the set so Close can release it.
func (b *baseStep) stream(ctx *command.Context, pull pullFunc, release func() error) ResultSet {
	checked := func() (*result.Result, error) {
		if err := ctx.CheckInterrupt(); err != nil {
			return nil, err
		}
		return pull()
	}
	if ctx.Profiling() {
		b.profiled = true
		inner := checked
		checked = func() (*result.Result, error) {
			start := time.Now()
			r, err := inner()
			b.stats.Cost += time.Since(start)
			if r != nil {
				b.stats.Rows++
			}
			return r, err
		}
	}
	rs := newStreamResultSet(checked, release)
	b.last = rs
	return rs
}

// line renders the step's header line plus any detail lines.
func (b *baseStep) line(depth, indent int, title string, details ...string) string {
	pad := strings.Repeat(" ", depth*indent)
	var sb strings.Builder
	sb.WriteString(pad)
	sb.WriteString("+ ")
	sb.WriteString(title)
	if b.profiled {
		fmt.Fprintf(&sb, " (rows=%d, cost=%s)", b.stats.Rows, b.stats.Cost)
	}
	for _, d := range details {
		sb.WriteString("\n")
		sb.WriteString(pad)
		sb.WriteString("  ")
		sb.WriteString(d)
	}
	return sb.String()
}

// describe builds the common part of ToResult.
func (b *baseStep) describe(name, description string) *result.Result {
	r := result.NewResult()
	r.SetProperty("name", name)
	r.SetProperty("description", description)
	if b.profiled {
		r.SetProperty("rows", b.stats.Rows)
		r.SetProperty("cost", b.stats.Cost.Nanoseconds())
	}
	return r
}

// Base gives steps defined in other packages the plumbing the built-in steps
// use. Embed it and implement ProduceResults, PrettyPrint and ToResult.
//
// Example:
//
//	type scanStep struct {
//		exec.Base
//	}
//
//	func (s *scanStep) ProduceResults(ctx *command.Context) (exec.ResultSet, error) {
//		up, err := s.Upstream(ctx)
//		...
//		return s.Stream(ctx, pull, up.Close), nil
//	}
type Base struct {
	baseStep
}

// Upstream starts the previous step, or returns an empty set when the step
// is first in its chain.
func (b *Base) Upstream(ctx *command.Context) (ResultSet, error) {
	return b.upstream(ctx)
}

// Stream turns pull into a lazy result set. pull returns nil at end of
// stream. The set checks for interruption before every pull, records
// profiling counters, and calls release exactly once.
func (b *Base) Stream(ctx *command.Context, pull func() (*result.Result, error), release func() error) ResultSet {
	return b.stream(ctx, pull, release)
}

// Line renders a PrettyPrint header with optional detail lines.
func (b *Base) Line(depth, indent int, title string, details ...string) string {
	return b.line(depth, indent, title, details...)
}

// Describe builds a ToResult row carrying name, description and, when
// profiled, the counters.
func (b *Base) Describe(name, description string) *result.Result {
	return b.describe(name, description)
}
