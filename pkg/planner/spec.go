// Package planner turns declarative query descriptors into execution plans.
//
// A descriptor is a list of steps in pull order, written in YAML (or JSON):
//
//	name: friends-of-alice
//	steps:
//	  - kind: match
//	    pattern:
//	      aliases:
//	        - {alias: a, labels: [Person], where: {name: $who}}
//	        - {alias: b}
//	      paths:
//	        - {from: a, to: b, types: [KNOWS], minDepth: 1, maxDepth: 2, depthAlias: hops}
//	  - kind: project
//	    fields: {friend: b.name, hops: hops}
//	  - kind: orderBy
//	    by: [{property: hops}, {property: friend}]
//
// Values anywhere a descriptor takes one may be a literal, a "$name"
// variable or parameter reference, or a single-key arithmetic map such as
// {add: [$i, 1]}.
package planner

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicexec/pkg/aggregate"
	"github.com/orneryd/nornicexec/pkg/exec"
	"github.com/orneryd/nornicexec/pkg/pattern"
)

// Common errors
var (
	ErrUnknownStep     = errors.New("unknown step kind")
	ErrInvalidStep     = errors.New("invalid step")
	ErrUnknownOperator = errors.New("unknown operator")
)

// Step kinds.
const (
	KindFetchIndex = "fetchIndex"
	KindMatch      = "match"
	KindTraverse   = "traverse"
	KindFilter     = "filter"
	KindProject    = "project"
	KindSkip       = "skip"
	KindLimit      = "limit"
	KindOrderBy    = "orderBy"
	KindAggregate  = "aggregate"
	KindUnwind     = "unwind"
	KindLet        = "let"
	KindForEach    = "forEach"
	KindWhile      = "while"
	KindRetry      = "retry"
	KindReturn     = "return"
)

// QuerySpec is a complete query descriptor.
type QuerySpec struct {
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Steps  []StepSpec     `yaml:"steps" json:"steps"`
}

// StepSpec describes one step. Which fields apply depends on Kind.
type StepSpec struct {
	Kind string `yaml:"kind" json:"kind"`

	// fetchIndex
	Index     string `yaml:"index,omitempty" json:"index,omitempty"`
	Direction string `yaml:"direction,omitempty" json:"direction,omitempty"` // asc, desc or null

	// match
	Pattern *pattern.Declaration `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// traverse
	From  string            `yaml:"from,omitempty" json:"from,omitempty"`
	Path  *pattern.PathItem `yaml:"path,omitempty" json:"path,omitempty"`
	Order string            `yaml:"order,omitempty" json:"order,omitempty"`

	// filter, while
	Where *Condition `yaml:"where,omitempty" json:"where,omitempty"`

	// project
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`

	// skip, limit
	Count int64 `yaml:"count,omitempty" json:"count,omitempty"`

	// orderBy
	By []exec.OrderItem `yaml:"by,omitempty" json:"by,omitempty"`

	// aggregate
	GroupBy    []string         `yaml:"groupBy,omitempty" json:"groupBy,omitempty"`
	Aggregates []aggregate.Spec `yaml:"aggregates,omitempty" json:"aggregates,omitempty"`

	// unwind
	Property string `yaml:"property,omitempty" json:"property,omitempty"`

	// let, forEach, return
	Variable string `yaml:"variable,omitempty" json:"variable,omitempty"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`

	// forEach: Items or the variable named by In
	Items []any  `yaml:"items,omitempty" json:"items,omitempty"`
	In    string `yaml:"in,omitempty" json:"in,omitempty"`

	// forEach, while, retry
	Body []StepSpec `yaml:"body,omitempty" json:"body,omitempty"`

	// while
	MaxIterations int `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`

	// retry
	Attempts int        `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	Else     []StepSpec `yaml:"else,omitempty" json:"else,omitempty"`
	ElseFail bool       `yaml:"elseFail,omitempty" json:"elseFail,omitempty"`
}

// Condition compares a row property (filter) or a variable (while) with a
// value.
//
// Operators: =, !=, <, <=, >, >=, in, isNull, notNull. Ordering comparisons
// involving nil are false.
type Condition struct {
	Property string `yaml:"property,omitempty" json:"property,omitempty"`
	Variable string `yaml:"variable,omitempty" json:"variable,omitempty"`
	Op       string `yaml:"op" json:"op"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
}

func (c Condition) String() string {
	subject := c.Property
	if subject == "" {
		subject = "$" + c.Variable
	}
	switch c.Op {
	case OpIsNull:
		return subject + " IS NULL"
	case OpNotNull:
		return subject + " IS NOT NULL"
	}
	return fmt.Sprintf("%s %s %s", subject, c.Op, describeValue(c.Value))
}

// ParseQuery decodes a YAML or JSON descriptor. Unknown fields are errors.
func ParseQuery(data []byte) (*QuerySpec, error) {
	var q QuerySpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	if len(q.Steps) == 0 {
		return nil, fmt.Errorf("%w: query has no steps", ErrInvalidStep)
	}
	return &q, nil
}

// LoadQuery reads and parses the descriptor at path.
func LoadQuery(path string) (*QuerySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading query: %w", err)
	}
	q, err := ParseQuery(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return q, nil
}

// Text renders the descriptor canonically. It keys the pattern cache and
// labels the statement in metrics and logs.
func (q *QuerySpec) Text() string {
	data, err := yaml.Marshal(q.Steps)
	if err != nil {
		return q.Name
	}
	return string(data)
}
