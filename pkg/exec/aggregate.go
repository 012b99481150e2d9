package exec

import (
	"fmt"
	"strings"

	"github.com/orneryd/nornicexec/pkg/aggregate"
	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/convert"
	"github.com/orneryd/nornicexec/pkg/result"
)

// AggregateStep groups its upstream by a list of properties and folds each
// group through one aggregation context per aggregate column.
//
// Groups are emitted in the order their first row arrived. Without grouping
// properties an empty input still yields one row (count 0, sum nil), as in
// SQL.
type AggregateStep struct {
	baseStep
	groupBy    []string
	aggregates []aggregate.Spec
}

// NewAggregateStep creates a grouping step.
func NewAggregateStep(groupBy []string, aggregates ...aggregate.Spec) *AggregateStep {
	return &AggregateStep{groupBy: groupBy, aggregates: aggregates}
}

type group struct {
	key  []any
	accs []aggregate.Context
}

func (s *AggregateStep) newGroup(key []any) (*group, error) {
	g := &group{key: key, accs: make([]aggregate.Context, len(s.aggregates))}
	for i, spec := range s.aggregates {
		acc, err := aggregate.New(spec)
		if err != nil {
			return nil, err
		}
		g.accs[i] = acc
	}
	return g, nil
}

func (s *AggregateStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	for _, spec := range s.aggregates {
		if _, err := aggregate.New(spec); err != nil {
			return nil, err
		}
	}
	up, err := s.upstream(ctx)
	if err != nil {
		return nil, err
	}
	var out []*result.Result
	loaded := false
	return s.stream(ctx, func() (*result.Result, error) {
		if !loaded {
			loaded = true
			groups, err := s.fold(up, ctx)
			if err != nil {
				return nil, err
			}
			out = s.emit(groups)
		}
		if len(out) == 0 {
			return nil, nil
		}
		row := out[0]
		out = out[1:]
		return row, nil
	}, up.Close), nil
}

// fold consumes the upstream. Group keys are bucketed by xxh3 digest and
// compared with convert.Equal inside a bucket.
func (s *AggregateStep) fold(up ResultSet, ctx *command.Context) ([]*group, error) {
	var ordered []*group
	buckets := make(map[uint64][]*group)
	for {
		ok, err := up.HasNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		row, err := up.Next()
		if err != nil {
			return nil, err
		}
		key := make([]any, len(s.groupBy))
		for i, prop := range s.groupBy {
			key[i] = row.Property(prop)
		}
		h := convert.Hash(key...)
		var g *group
		for _, candidate := range buckets[h] {
			if sameKey(candidate.key, key) {
				g = candidate
				break
			}
		}
		if g == nil {
			if g, err = s.newGroup(key); err != nil {
				return nil, err
			}
			buckets[h] = append(buckets[h], g)
			ordered = append(ordered, g)
		}
		for i, acc := range g.accs {
			if err := acc.Apply(row, ctx); err != nil {
				return nil, fmt.Errorf("aggregate %s: %w", s.aggregates[i].Name(), err)
			}
		}
	}
	if len(ordered) == 0 && len(s.groupBy) == 0 {
		g, err := s.newGroup(nil)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, g)
	}
	return ordered, nil
}

func (s *AggregateStep) emit(groups []*group) []*result.Result {
	out := make([]*result.Result, 0, len(groups))
	for _, g := range groups {
		row := result.NewResult()
		for i, prop := range s.groupBy {
			row.SetProperty(prop, g.key[i])
		}
		for i, spec := range s.aggregates {
			row.SetProperty(spec.Name(), g.accs[i].FinalValue())
		}
		out = append(out, row)
	}
	return out
}

func sameKey(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !convert.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (s *AggregateStep) columns() string {
	parts := make([]string, len(s.aggregates))
	for i, spec := range s.aggregates {
		parts[i] = spec.Name()
	}
	return strings.Join(parts, ", ")
}

func (s *AggregateStep) PrettyPrint(depth, indent int) string {
	var details []string
	if len(s.groupBy) > 0 {
		details = append(details, "GROUP BY "+strings.Join(s.groupBy, ", "))
	}
	return s.line(depth, indent, "AGGREGATE "+s.columns(), details...)
}

func (s *AggregateStep) ToResult() *result.Result {
	r := s.describe("AggregateStep", s.PrettyPrint(0, 0))
	groupBy := make([]any, len(s.groupBy))
	for i, g := range s.groupBy {
		groupBy[i] = g
	}
	r.SetProperty("groupBy", groupBy)
	aggs := make([]any, len(s.aggregates))
	for i, spec := range s.aggregates {
		aggs[i] = spec.Name()
	}
	r.SetProperty("aggregates", aggs)
	return r
}
