package exec

import (
	"errors"
	"fmt"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/result"
)

// bodyLoop streams the rows of repeated body executions. next starts the
// following iteration and returns nil when the loop is over.
type bodyLoop struct {
	ctx     *command.Context
	next    func() (ResultSet, *command.Context, error)
	current ResultSet
	scope   *command.Context
	over    bool
}

func (l *bodyLoop) pull() (*result.Result, error) {
	for !l.over {
		if l.current != nil {
			ok, err := l.current.HasNext()
			if err != nil {
				return nil, err
			}
			if ok {
				return l.current.Next()
			}
			err = l.current.Close()
			l.current = nil
			if err != nil {
				return nil, err
			}
			if l.scope.Returned() {
				l.ctx.MarkReturned()
				l.over = true
				break
			}
		}
		if err := l.ctx.CheckInterrupt(); err != nil {
			return nil, err
		}
		rs, scope, err := l.next()
		if err != nil {
			return nil, err
		}
		if rs == nil {
			l.over = true
			break
		}
		l.current, l.scope = rs, scope
	}
	return nil, nil
}

func (l *bodyLoop) close() error {
	l.over = true
	rs := l.current
	l.current = nil
	return closeSet(rs)
}

// drainPrevious runs a predecessor of a statement-like step for its side
// effects.
func drainPrevious(prev Step, ctx *command.Context) error {
	if prev == nil {
		return nil
	}
	up, err := prev.ProduceResults(ctx)
	if err != nil {
		return err
	}
	_, err = Drain(up)
	return err
}

// ============================================================================
// ForEachStep
// ============================================================================

// ForEachStep runs a body plan once per item of a collection, binding the
// item to a loop variable in a child scope. It streams the body rows of every
// iteration. If an iteration reaches a return, the loop ends after that
// iteration's rows and the enclosing scope is marked returned.
//
// The collection is either a literal list or the value of a variable; a
// non-list value is iterated as a single item and nil as no items.
type ForEachStep struct {
	baseStep
	variable  string
	sourceVar string
	items     []any
	body      *Plan
}

// NewForEachStep iterates items.
func NewForEachStep(variable string, items []any, body *Plan) *ForEachStep {
	return &ForEachStep{variable: variable, items: items, body: body}
}

// NewForEachVarStep iterates the value of the variable sourceVar.
func NewForEachVarStep(variable, sourceVar string, body *Plan) *ForEachStep {
	return &ForEachStep{variable: variable, sourceVar: sourceVar, body: body}
}

// Body returns the loop body plan.
func (s *ForEachStep) Body() *Plan { return s.body }

// ContainsReturn reports whether the body contains a return, directly or
// through a nested loop.
func (s *ForEachStep) ContainsReturn() bool {
	return s.body.containsReturnStep()
}

func (s *ForEachStep) collection(ctx *command.Context) []any {
	if s.sourceVar == "" {
		return s.items
	}
	v, _ := ctx.Variable(s.sourceVar)
	if v == nil {
		return nil
	}
	if items, ok := toItems(v); ok {
		return items
	}
	return []any{v}
}

func (s *ForEachStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	if err := drainPrevious(s.prev, ctx); err != nil {
		return nil, err
	}
	items := s.collection(ctx)
	i := 0
	loop := &bodyLoop{ctx: ctx}
	loop.next = func() (ResultSet, *command.Context, error) {
		if i >= len(items) {
			return nil, nil, nil
		}
		scope := ctx.Child()
		scope.SetVariable(s.variable, items[i])
		i++
		rs, err := s.body.Start(scope)
		if err != nil {
			return nil, nil, fmt.Errorf("for each %s iteration %d: %w", s.variable, i, err)
		}
		return rs, scope, nil
	}
	return s.stream(ctx, loop.pull, loop.close), nil
}

func (s *ForEachStep) source() string {
	if s.sourceVar != "" {
		return s.sourceVar
	}
	return fmt.Sprintf("%v", s.items)
}

func (s *ForEachStep) PrettyPrint(depth, indent int) string {
	head := s.line(depth, indent, fmt.Sprintf("FOR EACH %s IN %s", s.variable, s.source()))
	return head + "\n" + s.body.PrettyPrint(depth+1, indent)
}

func (s *ForEachStep) ToResult() *result.Result {
	r := s.describe("ForEachStep", fmt.Sprintf("FOR EACH %s IN %s", s.variable, s.source()))
	r.SetProperty("variable", s.variable)
	r.SetProperty("source", s.source())
	r.SetProperty("body", s.body.ToResult())
	return r
}

func (s *ForEachStep) Indexes() []string { return s.body.Indexes() }

func (s *ForEachStep) Close() error {
	return errors.Join(s.baseStep.Close(), s.body.Close())
}

// ============================================================================
// WhileStep
// ============================================================================

// WhileStep runs a body plan while a condition holds, in the enclosing scope
// so the body can update the variables the condition reads. It stops after
// an iteration that reaches a return, and fails with ErrIterationLimit when
// the condition still holds after maxIterations iterations (0 means no bound).
type WhileStep struct {
	baseStep
	desc          string
	cond          Condition
	body          *Plan
	maxIterations int
}

// NewWhileStep creates a while loop. desc describes the condition.
func NewWhileStep(desc string, cond Condition, body *Plan, maxIterations int) *WhileStep {
	return &WhileStep{desc: desc, cond: cond, body: body, maxIterations: maxIterations}
}

// Body returns the loop body plan.
func (s *WhileStep) Body() *Plan { return s.body }

// ContainsReturn reports whether the body contains a return, directly or
// through a nested loop.
func (s *WhileStep) ContainsReturn() bool {
	return s.body.containsReturnStep()
}

func (s *WhileStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	if err := drainPrevious(s.prev, ctx); err != nil {
		return nil, err
	}
	n := 0
	loop := &bodyLoop{ctx: ctx}
	loop.next = func() (ResultSet, *command.Context, error) {
		ok, err := s.cond(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("while %s: %w", s.desc, err)
		}
		if !ok {
			return nil, nil, nil
		}
		if s.maxIterations > 0 && n >= s.maxIterations {
			return nil, nil, fmt.Errorf("%w: while %s ran %d times", ErrIterationLimit, s.desc, n)
		}
		n++
		rs, err := s.body.Start(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("while %s iteration %d: %w", s.desc, n, err)
		}
		return rs, ctx, nil
	}
	return s.stream(ctx, loop.pull, loop.close), nil
}

func (s *WhileStep) PrettyPrint(depth, indent int) string {
	head := s.line(depth, indent, "WHILE "+s.desc)
	return head + "\n" + s.body.PrettyPrint(depth+1, indent)
}

func (s *WhileStep) ToResult() *result.Result {
	r := s.describe("WhileStep", "WHILE "+s.desc)
	r.SetProperty("condition", s.desc)
	r.SetProperty("maxIterations", s.maxIterations)
	r.SetProperty("body", s.body.ToResult())
	return r
}

func (s *WhileStep) Indexes() []string { return s.body.Indexes() }

func (s *WhileStep) Close() error {
	return errors.Join(s.baseStep.Close(), s.body.Close())
}

// ============================================================================
// RetryStep
// ============================================================================

// RetryStep executes a body plan and re-executes it when it fails with a
// conflict (command.ErrConflict), up to attempts times in total.
//
// Each attempt is fully materialized before any row is emitted, so a
// consumer never sees rows of a failed attempt. When every attempt conflicts,
// the optional else plan runs; the conflict is rethrown when there is no else
// plan or when elseFail is set. Other failures, including cancellation, are
// never retried.
type RetryStep struct {
	baseStep
	body     *Plan
	attempts int
	elsePlan *Plan
	elseFail bool
}

// NewRetryStep creates a retry construct. attempts below 1 are treated as 1.
func NewRetryStep(body *Plan, attempts int) *RetryStep {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryStep{body: body, attempts: attempts}
}

// WithElse sets the plan run after the last conflicting attempt.
func (s *RetryStep) WithElse(elsePlan *Plan, fail bool) *RetryStep {
	s.elsePlan = elsePlan
	s.elseFail = fail
	return s
}

// Body returns the retried plan.
func (s *RetryStep) Body() *Plan { return s.body }

// ContainsReturn reports whether the body or the else plan contains a return.
func (s *RetryStep) ContainsReturn() bool {
	if s.body.containsReturnStep() {
		return true
	}
	return s.elsePlan != nil && s.elsePlan.containsReturnStep()
}

// run executes p in a child scope and materializes its rows.
func (s *RetryStep) run(p *Plan, ctx *command.Context) (*InternalResultSet, error) {
	scope := ctx.Child()
	rs, err := p.Start(scope)
	if err != nil {
		return nil, err
	}
	rows, err := Drain(rs)
	if err != nil {
		return nil, err
	}
	if scope.Returned() {
		ctx.MarkReturned()
	}
	return NewInternalResultSet(rows...), nil
}

func (s *RetryStep) execute(ctx *command.Context) (*InternalResultSet, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := ctx.CheckInterrupt(); err != nil {
			return nil, err
		}
		out, err := s.run(s.body, ctx)
		if err == nil {
			return out, nil
		}
		if !command.IsConflict(err) || command.IsCancellation(err) {
			return nil, err
		}
		lastErr = err
	}
	exhausted := fmt.Errorf("retry: %d attempts failed: %w", s.attempts, lastErr)
	if s.elsePlan == nil {
		return nil, exhausted
	}
	out, err := s.run(s.elsePlan, ctx)
	if err != nil {
		return nil, errors.Join(exhausted, err)
	}
	if s.elseFail {
		out.Close()
		return nil, exhausted
	}
	return out, nil
}

func (s *RetryStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	if err := drainPrevious(s.prev, ctx); err != nil {
		return nil, err
	}
	var out *InternalResultSet
	return s.stream(ctx, func() (*result.Result, error) {
		if out == nil {
			var err error
			if out, err = s.execute(ctx); err != nil {
				return nil, err
			}
		}
		ok, _ := out.HasNext()
		if !ok {
			return nil, nil
		}
		return out.Next()
	}, func() error {
		if out == nil {
			return nil
		}
		return out.Close()
	}), nil
}

func (s *RetryStep) PrettyPrint(depth, indent int) string {
	head := s.line(depth, indent, fmt.Sprintf("RETRY (%d)", s.attempts))
	text := head + "\n" + s.body.PrettyPrint(depth+1, indent)
	if s.elsePlan != nil {
		pad := s.line(depth, indent, "ELSE")
		if s.elseFail {
			pad = s.line(depth, indent, "ELSE AND FAIL")
		}
		text += "\n" + pad + "\n" + s.elsePlan.PrettyPrint(depth+1, indent)
	}
	return text
}

func (s *RetryStep) ToResult() *result.Result {
	r := s.describe("RetryStep", fmt.Sprintf("RETRY (%d)", s.attempts))
	r.SetProperty("attempts", s.attempts)
	r.SetProperty("body", s.body.ToResult())
	if s.elsePlan != nil {
		r.SetProperty("else", s.elsePlan.ToResult())
		r.SetProperty("elseFail", s.elseFail)
	}
	return r
}

func (s *RetryStep) Indexes() []string {
	names := s.body.Indexes()
	if s.elsePlan != nil {
		names = mergeNames(names, s.elsePlan.Indexes())
	}
	return names
}

func (s *RetryStep) Close() error {
	err := errors.Join(s.baseStep.Close(), s.body.Close())
	if s.elsePlan != nil {
		err = errors.Join(err, s.elsePlan.Close())
	}
	return err
}
