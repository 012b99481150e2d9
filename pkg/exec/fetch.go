package exec

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/index"
	"github.com/orneryd/nornicexec/pkg/result"
)

// Row properties and variables set by FetchFromIndexStep.
const (
	KeyProperty     = "key"
	RIDProperty     = "rid"
	CurrentVariable = "$current"
)

// FetchFromIndexStep is a source step that streams an index scan.
//
// Every row carries the entry's key under "key" and its record id under
// "rid", and is bound to $current in the command context. The index stream is
// closed on exhaustion, on error, on cancellation and on Close, whichever
// comes first.
type FetchFromIndexStep struct {
	baseStep
	idx index.Index
	dir index.Direction
}

// NewFetchFromIndexStep creates a scan of idx in direction dir.
func NewFetchFromIndexStep(idx index.Index, dir index.Direction) *FetchFromIndexStep {
	return &FetchFromIndexStep{idx: idx, dir: dir}
}

func (s *FetchFromIndexStep) ProduceResults(ctx *command.Context) (ResultSet, error) {
	if s.prev != nil {
		// a source step runs its predecessor only for side effects
		up, err := s.prev.ProduceResults(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := Drain(up); err != nil {
			return nil, err
		}
	}
	if err := ctx.CheckInterrupt(); err != nil {
		return nil, err
	}
	stream, err := index.Open(ctx.Context(), s.idx, s.dir)
	if err != nil {
		return nil, fmt.Errorf("fetch from index %s: %w", s.idx.Name(), err)
	}
	return s.stream(ctx, func() (*result.Result, error) {
		entry, ok, err := stream.Next(ctx.Context())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, command.Interruption(err)
			}
			return nil, fmt.Errorf("fetch from index %s: %w", s.idx.Name(), err)
		}
		if !ok {
			return nil, nil
		}
		row := result.Acquire(result.KindInternal)
		row.SetProperty(KeyProperty, entry.Key)
		row.SetProperty(RIDProperty, entry.RID)
		ctx.SetVariable(CurrentVariable, row)
		return row, nil
	}, stream.Close), nil
}

func (s *FetchFromIndexStep) title() string {
	if s.dir == index.NullKey {
		return fmt.Sprintf("FETCH FROM INDEX %s (NULL KEYS)", s.idx.Name())
	}
	return fmt.Sprintf("FETCH FROM INDEX %s (%s)", s.idx.Name(), s.dir)
}

func (s *FetchFromIndexStep) PrettyPrint(depth, indent int) string {
	return s.line(depth, indent, s.title())
}

func (s *FetchFromIndexStep) ToResult() *result.Result {
	r := s.describe("FetchFromIndexStep", s.title())
	r.SetProperty("index", s.idx.Name())
	r.SetProperty("direction", s.dir.String())
	return r
}

func (s *FetchFromIndexStep) Indexes() []string {
	return []string{s.idx.Name()}
}
