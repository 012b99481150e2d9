package exec

import (
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicexec/pkg/result"
)

func row(props map[string]any) *result.Result {
	return result.FromMap(props)
}

// ============================================================================
// InternalResultSet
// ============================================================================

func TestInternalResultSet_AppendThenConsume(t *testing.T) {
	rs := NewInternalResultSet()
	want := []*result.Result{row(map[string]any{"n": 1}), row(map[string]any{"n": 2}), row(map[string]any{"n": 3})}
	for _, r := range want {
		require.NoError(t, rs.Add(r))
	}
	assert.Equal(t, 3, rs.Len())

	for _, r := range want {
		ok, err := rs.HasNext()
		require.NoError(t, err)
		require.True(t, ok)
		got, err := rs.Next()
		require.NoError(t, err)
		assert.Same(t, r, got)
	}

	ok, err := rs.HasNext()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = rs.Next()
	assert.ErrorIs(t, err, ErrNoMoreRows, "next after exhaustion is a protocol violation")
}

func TestInternalResultSet_FrozenAfterIteration(t *testing.T) {
	rs := NewInternalResultSet(row(map[string]any{"n": 1}))
	_, err := rs.HasNext()
	require.NoError(t, err)
	assert.ErrorIs(t, rs.Add(result.NewResult()), ErrResultSetFrozen)
}

func TestInternalResultSet_CloseIsIdempotent(t *testing.T) {
	for _, closes := range []int{1, 2, 5} {
		rs := NewInternalResultSet(row(map[string]any{"n": 1}))
		for i := 0; i < closes; i++ {
			require.NoError(t, rs.Close())
		}
		ok, err := rs.HasNext()
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = rs.Next()
		assert.ErrorIs(t, err, ErrNoMoreRows)
		assert.Equal(t, 0, rs.Len())
	}
}

// ============================================================================
// IteratorResultSet
// ============================================================================

func TestIteratorResultSet_WrapsNonRows(t *testing.T) {
	existing := row(map[string]any{"a": 1})
	rs := NewIteratorResultSet(NewSliceIterator(7, "x", existing, nil))

	rows, err := Drain(rs)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, []string{"value"}, rows[0].PropertyNames())
	assert.Equal(t, 7, rows[0].Property("value"))
	assert.Equal(t, "x", rows[1].Property("value"))
	assert.Same(t, existing, rows[2], "rows pass through unchanged")
	assert.True(t, rows[3].HasProperty("value"))
	assert.Nil(t, rows[3].Property("value"))
}

type countingIterator struct {
	*SliceIterator
	pulled int
}

func (c *countingIterator) Next() any {
	c.pulled++
	return c.SliceIterator.Next()
}

func TestIteratorResultSet_CloseLeavesSourceAlone(t *testing.T) {
	src := &countingIterator{SliceIterator: NewSliceIterator(1, 2, 3)}
	rs := NewIteratorResultSet(src)
	_, err := rs.Next()
	require.NoError(t, err)

	require.NoError(t, rs.Close())
	require.NoError(t, rs.Close())
	ok, _ := rs.HasNext()
	assert.False(t, ok)
	_, err = rs.Next()
	assert.ErrorIs(t, err, ErrNoMoreRows)

	assert.True(t, src.HasNext(), "the source keeps its own lifecycle")
	assert.Equal(t, 1, src.pulled)
}

func TestSeqIterator(t *testing.T) {
	stopped := false
	seq := iter.Seq[any](func(yield func(any) bool) {
		defer func() { stopped = true }()
		for i := 0; i < 3; i++ {
			if !yield(i) {
				return
			}
		}
	})

	it := NewSeqIterator(seq)
	rows, err := Drain(NewIteratorResultSet(it))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 2, rows[2].Property("value"))
	assert.True(t, stopped)
	assert.Nil(t, it.Next())

	it = NewSeqIterator(seq)
	assert.True(t, it.HasNext())
	assert.True(t, it.HasNext(), "HasNext does not consume")
	assert.Equal(t, 0, it.Next())
	it.Stop()
	it.Stop()
	assert.False(t, it.HasNext())
}

// ============================================================================
// streamResultSet
// ============================================================================

func TestStreamResultSet_ReleasesExactlyOnce(t *testing.T) {
	t.Run("exhaustion then close", func(t *testing.T) {
		released := 0
		n := 0
		rs := newStreamResultSet(func() (*result.Result, error) {
			if n == 2 {
				return nil, nil
			}
			n++
			return result.NewResult(), nil
		}, func() error { released++; return nil })

		rows, err := Drain(rs)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
		require.NoError(t, rs.Close())
		assert.Equal(t, 1, released)
	})

	t.Run("failure", func(t *testing.T) {
		released := 0
		boom := errors.New("boom")
		rs := newStreamResultSet(func() (*result.Result, error) {
			return nil, boom
		}, func() error { released++; return nil })

		ok, err := rs.HasNext()
		assert.False(t, ok)
		assert.ErrorIs(t, err, boom)
		ok, err = rs.HasNext()
		assert.False(t, ok)
		assert.NoError(t, err)
		require.NoError(t, rs.Close())
		assert.Equal(t, 1, released)
	})

	t.Run("early close stops pulling", func(t *testing.T) {
		released, pulled := 0, 0
		rs := newStreamResultSet(func() (*result.Result, error) {
			pulled++
			return result.NewResult(), nil
		}, func() error { released++; return nil })

		_, err := rs.Next()
		require.NoError(t, err)
		require.NoError(t, rs.Close())
		require.NoError(t, rs.Close())
		ok, _ := rs.HasNext()
		assert.False(t, ok)
		assert.Equal(t, 1, pulled)
		assert.Equal(t, 1, released)
	})
}
