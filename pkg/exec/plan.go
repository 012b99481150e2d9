package exec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/result"
)

// PlanKind is the closed set of plan shapes.
type PlanKind int

const (
	// KindSelect is an ordinary row-producing chain.
	KindSelect PlanKind = iota
	// KindForEach wraps an iteration construct.
	KindForEach
	// KindRetry wraps a retry-on-conflict construct.
	KindRetry
)

// String returns the plan type name used in plan descriptions.
func (k PlanKind) String() string {
	switch k {
	case KindForEach:
		return "ForEachExecutionPlan"
	case KindRetry:
		return "RetryExecutionPlan"
	default:
		return "SelectExecutionPlan"
	}
}

// Plan is an ordered chain of steps. The last step's output is the plan's
// output.
//
// The step order is fixed once the plan is sealed, which happens on the
// first Start. PrettyPrint, ToResult and Indexes are pure projections of the
// chain and may be called at any time.
//
// Example:
//
//	plan := exec.NewPlan()
//	plan.Chain(exec.NewFetchFromIndexStep(idx, index.AllDescending))
//	plan.Chain(exec.NewLimitStep(3))
//	fmt.Println(plan.PrettyPrint(0, 2))
//	// + FETCH FROM INDEX Person.age (DESC)
//	// + LIMIT (3)
type Plan struct {
	kind   PlanKind
	steps  []Step
	sealed bool
}

// NewPlan creates an empty select plan.
func NewPlan() *Plan {
	return &Plan{kind: KindSelect}
}

// NewForEachPlan creates a plan wrapping an iteration construct.
func NewForEachPlan() *Plan {
	return &Plan{kind: KindForEach}
}

// NewRetryPlan creates a plan wrapping a retry construct.
func NewRetryPlan() *Plan {
	return &Plan{kind: KindRetry}
}

// Kind returns the plan kind.
func (p *Plan) Kind() PlanKind { return p.kind }

// Chain appends steps, linking each to its predecessor.
func (p *Plan) Chain(steps ...Step) error {
	if p.sealed {
		return ErrPlanSealed
	}
	for _, s := range steps {
		if n := len(p.steps); n > 0 {
			s.SetPrevious(p.steps[n-1])
		}
		p.steps = append(p.steps, s)
	}
	return nil
}

// Seal fixes the step order.
func (p *Plan) Seal() { p.sealed = true }

// Steps returns the steps in declaration order.
func (p *Plan) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Start seals the plan and starts pulling from its last step. The returned
// set implements PlanProvider and StatsProvider.
func (p *Plan) Start(ctx *command.Context) (ResultSet, error) {
	p.sealed = true
	if err := ctx.CheckInterrupt(); err != nil {
		return nil, err
	}
	var rs ResultSet
	if len(p.steps) == 0 {
		rs = emptyResultSet()
	} else {
		var err error
		if rs, err = p.steps[len(p.steps)-1].ProduceResults(ctx); err != nil {
			return nil, err
		}
	}
	return &planResultSet{ResultSet: rs, plan: p, started: time.Now()}, nil
}

// Close closes every step, last first.
func (p *Plan) Close() error {
	var errs []error
	for i := len(p.steps) - 1; i >= 0; i-- {
		if err := p.steps[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PrettyPrint renders one block per step, with depth*indent leading spaces.
// Loop steps render their body plans at depth+1.
func (p *Plan) PrettyPrint(depth, indent int) string {
	lines := make([]string, len(p.steps))
	for i, s := range p.steps {
		lines[i] = s.PrettyPrint(depth, indent)
	}
	return strings.Join(lines, "\n")
}

// ToResult describes the plan's shape: its type, its steps as nested rows,
// and its pretty-printed form.
func (p *Plan) ToResult() *result.Result {
	r := result.NewResult()
	r.SetProperty("type", p.kind.String())
	steps := make([]*result.Result, len(p.steps))
	for i, s := range p.steps {
		steps[i] = s.ToResult()
	}
	r.SetProperty("steps", steps)
	r.SetProperty("prettyPrint", p.PrettyPrint(0, 2))
	return r
}

// Indexes returns the sorted set of index names consulted anywhere in the
// chain, nested bodies included.
func (p *Plan) Indexes() []string {
	var names []string
	for _, s := range p.steps {
		names = mergeNames(names, s.Indexes())
	}
	return names
}

// ContainsReturn reports whether the loop construct this plan wraps can exit
// the enclosing procedure early.
//
// Only directly owned steps are inspected. A for-each plan forwards to its
// first ForEachStep or WhileStep, a retry plan to its first RetryStep,
// ForEachStep or WhileStep; a plan with no such step, and every select plan,
// reports false.
func (p *Plan) ContainsReturn() bool {
	for _, s := range p.steps {
		switch step := s.(type) {
		case *ForEachStep:
			if p.kind != KindSelect {
				return step.ContainsReturn()
			}
		case *WhileStep:
			if p.kind != KindSelect {
				return step.ContainsReturn()
			}
		case *RetryStep:
			if p.kind == KindRetry {
				return step.ContainsReturn()
			}
		}
	}
	return false
}

// containsReturnStep reports whether the chain holds a ReturnStep, directly
// or inside a nested loop body.
func (p *Plan) containsReturnStep() bool {
	for _, s := range p.steps {
		switch step := s.(type) {
		case *ReturnStep:
			return true
		case ReturnAware:
			if step.ContainsReturn() {
				return true
			}
		}
	}
	return false
}

// Profile returns the per-step profiling counters, keyed by step position and
// type, for steps that implement it.
func (p *Plan) Profile() map[string]StepStats {
	out := make(map[string]StepStats)
	for i, s := range p.steps {
		if ps, ok := s.(interface{ Stats() StepStats }); ok {
			out[fmt.Sprintf("%02d:%T", i, s)] = ps.Stats()
		}
	}
	return out
}

// mergeNames returns the sorted union of a and b.
func mergeNames(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// planResultSet is the set returned by Plan.Start.
type planResultSet struct {
	ResultSet
	plan    *Plan
	started time.Time
	rows    int64
}

func (rs *planResultSet) Next() (*result.Result, error) {
	r, err := rs.ResultSet.Next()
	if err == nil {
		rs.rows++
	}
	return r, err
}

// ExecutionPlan returns the plan that produced the set.
func (rs *planResultSet) ExecutionPlan() *Plan { return rs.plan }

// QueryStats reports the rows served so far, the number of steps and the
// elapsed time in milliseconds.
func (rs *planResultSet) QueryStats() map[string]int64 {
	return map[string]int64{
		"rows":      rs.rows,
		"steps":     int64(len(rs.plan.steps)),
		"elapsedMs": time.Since(rs.started).Milliseconds(),
	}
}
