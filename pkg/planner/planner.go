package planner

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/exec"
	"github.com/orneryd/nornicexec/pkg/index"
	"github.com/orneryd/nornicexec/pkg/match"
	"github.com/orneryd/nornicexec/pkg/pattern"
	"github.com/orneryd/nornicexec/pkg/result"
	"github.com/orneryd/nornicexec/pkg/storage"
)

// PatternCompiler compiles pattern declarations, typically through a cache.
// text identifies the declaration.
type PatternCompiler interface {
	CompilePattern(text string, decl pattern.Declaration) (*pattern.Pattern, error)
}

// Deps are the collaborators plan building needs.
type Deps struct {
	Storage storage.Engine
	Indexes *index.Registry
	// Patterns compiles match patterns; nil builds them uncached with
	// degree centrality.
	Patterns PatternCompiler
	// RetryAttempts applies to retry steps that do not set attempts.
	RetryAttempts int
	// MaxWhileIterations applies to while steps that do not set a bound.
	MaxWhileIterations int
}

// Build assembles the plan for q.
//
// The plan kind follows the first loop construct among the top-level steps:
// a forEach or while makes a for-each plan, a retry a retry plan; otherwise
// it is a select plan.
func Build(q *QuerySpec, deps Deps) (*exec.Plan, error) {
	b := &builder{deps: deps}
	plan := newPlan(q.Steps)
	if err := b.chain(plan, q.Steps, "steps"); err != nil {
		return nil, err
	}
	return plan, nil
}

// Statement adapts q to the engine's plan-builder signature.
func Statement(q *QuerySpec, deps Deps) func(*command.Context) (*exec.Plan, error) {
	return func(*command.Context) (*exec.Plan, error) {
		return Build(q, deps)
	}
}

func newPlan(steps []StepSpec) *exec.Plan {
	for _, s := range steps {
		switch s.Kind {
		case KindForEach, KindWhile:
			return exec.NewForEachPlan()
		case KindRetry:
			return exec.NewRetryPlan()
		}
	}
	return exec.NewPlan()
}

type builder struct {
	deps Deps
}

func (b *builder) chain(plan *exec.Plan, specs []StepSpec, path string) error {
	for i, s := range specs {
		step, err := b.step(s, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return fmt.Errorf("%s[%d] %s: %w", path, i, s.Kind, err)
		}
		if err := plan.Chain(step); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) body(specs []StepSpec, path string) (*exec.Plan, error) {
	plan := exec.NewPlan()
	if err := b.chain(plan, specs, path); err != nil {
		return nil, err
	}
	return plan, nil
}

func (b *builder) step(s StepSpec, path string) (exec.Step, error) {
	switch s.Kind {
	case KindFetchIndex:
		return b.fetchIndex(s)
	case KindMatch:
		return b.match(s)
	case KindTraverse:
		return b.traverse(s)
	case KindFilter:
		return b.filter(s)
	case KindProject:
		return b.project(s)
	case KindSkip:
		if s.Count < 0 {
			return nil, fmt.Errorf("%w: negative count", ErrInvalidStep)
		}
		return exec.NewSkipStep(s.Count), nil
	case KindLimit:
		if s.Count < 0 {
			return nil, fmt.Errorf("%w: negative count", ErrInvalidStep)
		}
		return exec.NewLimitStep(s.Count), nil
	case KindOrderBy:
		if len(s.By) == 0 {
			return nil, fmt.Errorf("%w: orderBy needs at least one item", ErrInvalidStep)
		}
		return exec.NewOrderByStep(s.By...), nil
	case KindAggregate:
		if len(s.Aggregates) == 0 {
			return nil, fmt.Errorf("%w: aggregate needs at least one function", ErrInvalidStep)
		}
		return exec.NewAggregateStep(s.GroupBy, s.Aggregates...), nil
	case KindUnwind:
		if s.Property == "" {
			return nil, fmt.Errorf("%w: unwind needs a property", ErrInvalidStep)
		}
		return exec.NewUnwindStep(s.Property), nil
	case KindLet:
		return b.let(s)
	case KindForEach:
		return b.forEach(s, path)
	case KindWhile:
		return b.while(s, path)
	case KindRetry:
		return b.retry(s, path)
	case KindReturn:
		return b.ret(s)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStep, s.Kind)
}

// ============================================================================
// Sources
// ============================================================================

func (b *builder) fetchIndex(s StepSpec) (exec.Step, error) {
	if b.deps.Indexes == nil {
		return nil, fmt.Errorf("%w: no index registry", ErrInvalidStep)
	}
	idx, err := b.deps.Indexes.Get(s.Index)
	if err != nil {
		return nil, err
	}
	var dir index.Direction
	switch strings.ToLower(s.Direction) {
	case "", "asc":
		dir = index.AllAscending
	case "desc":
		dir = index.AllDescending
	case "null":
		dir = index.NullKey
	default:
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidStep, s.Direction)
	}
	return exec.NewFetchFromIndexStep(idx, dir), nil
}

func (b *builder) match(s StepSpec) (exec.Step, error) {
	if s.Pattern == nil {
		return nil, fmt.Errorf("%w: match needs a pattern", ErrInvalidStep)
	}
	if b.deps.Storage == nil {
		return nil, fmt.Errorf("%w: no storage", ErrInvalidStep)
	}
	var p *pattern.Pattern
	var err error
	if b.deps.Patterns != nil {
		text, merr := yaml.Marshal(s.Pattern)
		if merr != nil {
			return nil, merr
		}
		p, err = b.deps.Patterns.CompilePattern(string(text), *s.Pattern)
	} else if p, err = pattern.Build(*s.Pattern); err == nil {
		err = p.ComputeCentrality(pattern.Degree)
	}
	if err != nil {
		return nil, err
	}
	return match.NewMatchStep(p, b.deps.Storage), nil
}

func (b *builder) traverse(s StepSpec) (exec.Step, error) {
	if b.deps.Storage == nil {
		return nil, fmt.Errorf("%w: no storage", ErrInvalidStep)
	}
	var item pattern.PathItem
	if s.Path != nil {
		item = *s.Path
	}
	switch order := match.Order(s.Order); order {
	case "", match.BreadthFirst, match.DepthFirst:
		return match.NewTraverseStep(b.deps.Storage, s.From, item, order), nil
	default:
		return nil, fmt.Errorf("%w: traversal order %q", ErrInvalidStep, s.Order)
	}
}

// ============================================================================
// Row transforms
// ============================================================================

// property reads a possibly dotted path from row, resolving node ids.
func (b *builder) property(row *result.Result, path string) (any, error) {
	if b.deps.Storage == nil {
		return plain(row.Property(path)), nil
	}
	v, err := match.Property(b.deps.Storage, row, path)
	return plain(v), err
}

func (b *builder) filter(s StepSpec) (exec.Step, error) {
	if s.Where == nil || s.Where.Property == "" {
		return nil, fmt.Errorf("%w: filter needs where.property", ErrInvalidStep)
	}
	cond := *s.Where
	cmp, err := comparator(cond.Op)
	if err != nil {
		return nil, err
	}
	value, err := compileExpr(cond.Value)
	if err != nil {
		return nil, err
	}
	return exec.NewFilterStep(cond.String(), func(row *result.Result, ctx *command.Context) (bool, error) {
		left, err := b.property(row, cond.Property)
		if err != nil {
			return false, err
		}
		right, err := value(ctx)
		if err != nil {
			return false, err
		}
		return cmp(left, plain(right)), nil
	}), nil
}

func (b *builder) project(s StepSpec) (exec.Step, error) {
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("%w: project needs fields", ErrInvalidStep)
	}
	names := make([]string, 0, len(s.Fields))
	for out := range s.Fields {
		names = append(names, out)
	}
	sort.Strings(names)

	nested := false
	parts := make([]string, len(names))
	for i, out := range names {
		in := s.Fields[out]
		nested = nested || strings.Contains(in, ".")
		if in == out {
			parts[i] = out
		} else {
			parts[i] = in + " AS " + out
		}
	}
	if !nested {
		return exec.NewFieldsProjection(s.Fields), nil
	}

	fields := s.Fields
	return exec.NewProjectionStep(strings.Join(parts, ", "), func(row *result.Result, _ *command.Context) (*result.Result, error) {
		out := result.NewResult()
		for _, name := range names {
			v, err := b.property(row, fields[name])
			if err != nil {
				return nil, err
			}
			out.SetProperty(name, v)
		}
		return out, nil
	}), nil
}

// ============================================================================
// Control flow
// ============================================================================

func (b *builder) let(s StepSpec) (exec.Step, error) {
	if s.Variable == "" {
		return nil, fmt.Errorf("%w: let needs a variable", ErrInvalidStep)
	}
	value, err := compileExpr(s.Value)
	if err != nil {
		return nil, err
	}
	return exec.NewLetStep(s.Variable, describeValue(s.Value), exec.Valuer(value)), nil
}

func (b *builder) forEach(s StepSpec, path string) (exec.Step, error) {
	if s.Variable == "" {
		return nil, fmt.Errorf("%w: forEach needs a variable", ErrInvalidStep)
	}
	body, err := b.body(s.Body, path+".body")
	if err != nil {
		return nil, err
	}
	if s.In != "" {
		return exec.NewForEachVarStep(s.Variable, s.In, body), nil
	}
	return exec.NewForEachStep(s.Variable, s.Items, body), nil
}

func (b *builder) while(s StepSpec, path string) (exec.Step, error) {
	if s.Where == nil || s.Where.Variable == "" {
		return nil, fmt.Errorf("%w: while needs where.variable", ErrInvalidStep)
	}
	cond := *s.Where
	cmp, err := comparator(cond.Op)
	if err != nil {
		return nil, err
	}
	value, err := compileExpr(cond.Value)
	if err != nil {
		return nil, err
	}
	body, err := b.body(s.Body, path+".body")
	if err != nil {
		return nil, err
	}
	limit := s.MaxIterations
	if limit == 0 {
		limit = b.deps.MaxWhileIterations
	}
	return exec.NewWhileStep(cond.String(), func(ctx *command.Context) (bool, error) {
		left, _ := ctx.Variable(cond.Variable)
		right, err := value(ctx)
		if err != nil {
			return false, err
		}
		return cmp(plain(left), plain(right)), nil
	}, body, limit), nil
}

func (b *builder) retry(s StepSpec, path string) (exec.Step, error) {
	body, err := b.body(s.Body, path+".body")
	if err != nil {
		return nil, err
	}
	attempts := s.Attempts
	if attempts == 0 {
		attempts = b.deps.RetryAttempts
	}
	step := exec.NewRetryStep(body, attempts)
	if len(s.Else) > 0 || s.ElseFail {
		elsePlan, err := b.body(s.Else, path+".else")
		if err != nil {
			return nil, err
		}
		step.WithElse(elsePlan, s.ElseFail)
	}
	return step, nil
}

func (b *builder) ret(s StepSpec) (exec.Step, error) {
	if s.Value == nil {
		return exec.NewReturnStep("", nil), nil
	}
	value, err := compileExpr(s.Value)
	if err != nil {
		return nil, err
	}
	return exec.NewReturnStep(describeValue(s.Value), exec.Valuer(value)), nil
}
