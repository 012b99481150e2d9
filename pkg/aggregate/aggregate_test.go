package aggregate

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicexec/pkg/command"
	"github.com/orneryd/nornicexec/pkg/result"
)

func rowsOf(values ...any) []*result.Result {
	rows := make([]*result.Result, len(values))
	for i, v := range values {
		rows[i] = result.FromMap(map[string]any{"v": v})
	}
	return rows
}

func fold(t *testing.T, fn string, rows []*result.Result) any {
	t.Helper()
	agg, err := New(Spec{Function: fn, Property: "v"})
	require.NoError(t, err)
	cctx := command.New(context.Background())
	for _, r := range rows {
		require.NoError(t, agg.Apply(r, cctx))
	}
	return agg.FinalValue()
}

func reversed(rows []*result.Result) []*result.Result {
	out := make([]*result.Result, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r
	}
	return out
}

func TestAggregate_Functions(t *testing.T) {
	rows := rowsOf(3, int64(1), nil, 4, 1, 5.5)

	tests := []struct {
		fn   string
		want any
	}{
		{Count, int64(5)},
		{Sum, 14.5},
		{Avg, 2.9},
		{Min, int64(1)},
		{Max, 5.5},
		{First, 3},
		{Last, 5.5},
		{Collect, []any{3, int64(1), 4, 1, 5.5}},
		{CountDistinct, int64(4)},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			got := fold(t, tt.fn, rows)
			if f, ok := tt.want.(float64); ok {
				assert.InDelta(t, f, got, 1e-9)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAggregate_OrderInsensitive(t *testing.T) {
	rows := rowsOf(7, 2, 9, 2, 11, -3, 2)
	for _, fn := range []string{Count, Sum, Min, Max, CountDistinct} {
		t.Run(fn, func(t *testing.T) {
			assert.Equal(t, fold(t, fn, rows), fold(t, fn, reversed(rows)))
		})
	}
	assert.ElementsMatch(t, fold(t, Collect, rows), fold(t, Collect, reversed(rows)))
}

func TestAggregate_EmptyInput(t *testing.T) {
	assert.Equal(t, int64(0), fold(t, Count, nil))
	assert.Nil(t, fold(t, Sum, nil))
	assert.Nil(t, fold(t, Avg, nil))
	assert.Nil(t, fold(t, Min, nil))
	assert.Equal(t, []any{}, fold(t, Collect, nil))
}

func TestAggregate_IntegerSumStaysInteger(t *testing.T) {
	assert.Equal(t, int64(6), fold(t, Sum, rowsOf(1, 2, uint8(3))))
}

func TestAggregate_FinalValueRepeatable(t *testing.T) {
	agg, err := New(Spec{Function: "COLLECT", Property: "v"})
	require.NoError(t, err)
	for _, r := range rowsOf(1, 2) {
		require.NoError(t, agg.Apply(r, nil))
	}
	first := agg.FinalValue()
	first.([]any)[0] = "mutated"
	assert.Equal(t, []any{1, 2}, agg.FinalValue())
}

func TestAggregate_CountStar(t *testing.T) {
	agg, err := New(Spec{Function: Count})
	require.NoError(t, err)
	for _, r := range rowsOf(nil, nil, 1) {
		require.NoError(t, agg.Apply(r, nil))
	}
	assert.Equal(t, int64(3), agg.FinalValue())
	assert.Equal(t, "count(*)", Spec{Function: Count}.Name())
	assert.Equal(t, "total", Spec{Function: Sum, Property: "x", Alias: "total"}.Name())
}

func TestAggregate_Errors(t *testing.T) {
	_, err := New(Spec{Function: "median"})
	assert.ErrorIs(t, err, ErrUnknownFunction)

	agg, err := New(Spec{Function: Sum, Property: "v"})
	require.NoError(t, err)
	assert.Error(t, agg.Apply(result.FromMap(map[string]any{"v": "x"}), nil))
}

func TestAggregate_ApplyChecksInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agg, err := New(Spec{Function: Count})
	require.NoError(t, err)
	err = agg.Apply(result.NewResult(), command.New(ctx))
	assert.True(t, command.IsCancellation(err))
	assert.Equal(t, int64(0), agg.FinalValue())
}

func TestAggregate_ExtremesWithNaN(t *testing.T) {
	rows := rowsOf(2.0, math.NaN(), -1.0, 7)
	for _, in := range [][]*result.Result{rows, reversed(rows)} {
		assert.Equal(t, -1.0, fold(t, Min, in))
		assert.True(t, math.IsNaN(fold(t, Max, in).(float64)))
	}
}

func TestAggregate_SumOverflowFallsBackToFloat(t *testing.T) {
	got := fold(t, Sum, rowsOf(int64(math.MaxInt64), int64(math.MaxInt64), 1))
	assert.InEpsilon(t, 2*float64(math.MaxInt64), got, 1e-12)

	got = fold(t, Sum, rowsOf(uint64(math.MaxUint64), 1))
	assert.InEpsilon(t, float64(math.MaxUint64), got, 1e-12)

	assert.Equal(t, int64(math.MinInt64), fold(t, Sum, rowsOf(int64(math.MinInt64+1), -1)))
}
