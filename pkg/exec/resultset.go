// Package exec implements the pull-based execution model: result sets,
// execution steps and execution plans.
//
// Nothing is pushed. A consumer calls HasNext and Next on the ResultSet
// returned by Plan.Start; the last step pulls from its upstream step only as
// rows are requested, and so on back to the source step (an index scan, a
// pattern match, a loop). Only steps whose semantics require the whole input
// (order by, aggregate, retry) materialize their upstream.
//
// # ELI12
//
// Think of a line of people passing buckets. Nobody fills a bucket until the
// person at the end of the line holds out their hand. When they stop asking,
// the whole line stops.
//
// Example:
//
//	plan := exec.NewPlan()
//	plan.Chain(exec.NewFetchFromIndexStep(idx, index.AllAscending))
//	plan.Chain(exec.NewLimitStep(10))
//
//	rs, err := plan.Start(command.New(ctx))
//	if err != nil {
//		return err
//	}
//	defer rs.Close()
//	for {
//		ok, err := rs.HasNext()
//		if err != nil {
//			return err
//		}
//		if !ok {
//			break
//		}
//		row, _ := rs.Next()
//		fmt.Println(row)
//	}
package exec

import (
	"errors"
	"iter"

	"github.com/orneryd/nornicexec/pkg/result"
)

// Common errors
var (
	// ErrNoMoreRows is returned by Next when HasNext would report false.
	// It signals caller misuse, not end of data.
	ErrNoMoreRows = errors.New("no more rows")
	// ErrResultSetFrozen is returned by Add once iteration has begun.
	ErrResultSetFrozen = errors.New("result set is frozen: iteration has begun")
	// ErrPlanSealed is returned when steps are chained after execution started.
	ErrPlanSealed = errors.New("execution plan is sealed")
	// ErrIterationLimit is returned when a while loop exceeds its bound.
	ErrIterationLimit = errors.New("loop iteration limit exceeded")
	// ErrNilRow is returned when a row mapper produces no row.
	ErrNilRow = errors.New("mapper returned a nil row")
)

// ResultSet is a single-pass, forward-only cursor over rows.
//
// After Close, HasNext reports false and Next fails with ErrNoMoreRows.
// Close is idempotent and releases resources exactly once. A result set is
// owned by one consumer and is not safe for concurrent use.
type ResultSet interface {
	HasNext() (bool, error)
	Next() (*result.Result, error)
	Close() error
}

// PlanProvider is implemented by result sets that expose the plan that
// produced them.
type PlanProvider interface {
	ExecutionPlan() *Plan
}

// StatsProvider is implemented by result sets that expose execution
// statistics (metric name -> value).
type StatsProvider interface {
	QueryStats() map[string]int64
}

// Drain consumes rs fully and closes it.
func Drain(rs ResultSet) ([]*result.Result, error) {
	var rows []*result.Result
	for {
		ok, err := rs.HasNext()
		if err != nil {
			return rows, errors.Join(err, rs.Close())
		}
		if !ok {
			break
		}
		row, err := rs.Next()
		if err != nil {
			return rows, errors.Join(err, rs.Close())
		}
		rows = append(rows, row)
	}
	return rows, rs.Close()
}

// ============================================================================
// InternalResultSet
// ============================================================================

// InternalResultSet is a materialized result set.
//
// It has two phases. While building, Add appends rows. The first call to
// HasNext or Next freezes the set; Add then fails with ErrResultSetFrozen.
//
// Example:
//
//	rs := exec.NewInternalResultSet()
//	rs.Add(row1)
//	rs.Add(row2)
//	rows, _ := exec.Drain(rs) // [row1 row2]
type InternalResultSet struct {
	rows   []*result.Result
	pos    int
	frozen bool
	closed bool
}

// NewInternalResultSet creates an empty set in the building phase.
func NewInternalResultSet(rows ...*result.Result) *InternalResultSet {
	rs := &InternalResultSet{}
	rs.rows = append(rs.rows, rows...)
	return rs
}

// Add appends a row. Only valid before iteration begins.
func (rs *InternalResultSet) Add(r *result.Result) error {
	if rs.frozen || rs.closed {
		return ErrResultSetFrozen
	}
	rs.rows = append(rs.rows, r)
	return nil
}

// Len returns the number of rows not yet consumed.
func (rs *InternalResultSet) Len() int {
	return len(rs.rows) - rs.pos
}

func (rs *InternalResultSet) HasNext() (bool, error) {
	rs.frozen = true
	return !rs.closed && rs.pos < len(rs.rows), nil
}

func (rs *InternalResultSet) Next() (*result.Result, error) {
	if ok, _ := rs.HasNext(); !ok {
		return nil, ErrNoMoreRows
	}
	r := rs.rows[rs.pos]
	rs.rows[rs.pos] = nil
	rs.pos++
	return r, nil
}

// Close discards the stored rows.
func (rs *InternalResultSet) Close() error {
	rs.closed = true
	rs.frozen = true
	rs.rows = nil
	rs.pos = 0
	return nil
}

// ============================================================================
// IteratorResultSet
// ============================================================================

// Iterator is a generic lazy source of items.
type Iterator interface {
	HasNext() bool
	Next() any
}

// IteratorResultSet adapts an Iterator into a ResultSet.
//
// Items that already are rows pass through unchanged; any other item is
// wrapped into a fresh row under the property "value". Close does not close
// the source, which owns its own lifecycle.
type IteratorResultSet struct {
	src    Iterator
	closed bool
}

// ValueProperty is the property used to wrap non-row items.
const ValueProperty = "value"

// NewIteratorResultSet wraps src.
func NewIteratorResultSet(src Iterator) *IteratorResultSet {
	return &IteratorResultSet{src: src}
}

func (rs *IteratorResultSet) HasNext() (bool, error) {
	if rs.closed {
		return false, nil
	}
	return rs.src.HasNext(), nil
}

func (rs *IteratorResultSet) Next() (*result.Result, error) {
	if ok, _ := rs.HasNext(); !ok {
		return nil, ErrNoMoreRows
	}
	item := rs.src.Next()
	if r, ok := item.(*result.Result); ok {
		return r, nil
	}
	r := result.NewResult()
	r.SetProperty(ValueProperty, item)
	return r, nil
}

func (rs *IteratorResultSet) Close() error {
	rs.closed = true
	return nil
}

// SliceIterator iterates a fixed slice of items.
type SliceIterator struct {
	items []any
	pos   int
}

// NewSliceIterator creates an iterator over items.
func NewSliceIterator(items ...any) *SliceIterator {
	return &SliceIterator{items: items}
}

func (it *SliceIterator) HasNext() bool { return it.pos < len(it.items) }

func (it *SliceIterator) Next() any {
	if it.pos >= len(it.items) {
		return nil
	}
	v := it.items[it.pos]
	it.pos++
	return v
}

// SeqIterator adapts an iter.Seq into an Iterator. Call Stop when abandoning
// the iterator before exhaustion.
type SeqIterator struct {
	next    func() (any, bool)
	stop    func()
	peeked  any
	hasPeek bool
	done    bool
}

// NewSeqIterator wraps seq.
func NewSeqIterator(seq iter.Seq[any]) *SeqIterator {
	next, stop := iter.Pull(seq)
	return &SeqIterator{next: next, stop: stop}
}

func (it *SeqIterator) HasNext() bool {
	if it.hasPeek {
		return true
	}
	if it.done {
		return false
	}
	v, ok := it.next()
	if !ok {
		it.Stop()
		return false
	}
	it.peeked, it.hasPeek = v, true
	return true
}

func (it *SeqIterator) Next() any {
	if !it.HasNext() {
		return nil
	}
	v := it.peeked
	it.peeked, it.hasPeek = nil, false
	return v
}

// Stop releases the underlying pull iterator.
func (it *SeqIterator) Stop() {
	if it.done {
		return
	}
	it.done = true
	it.stop()
}

// ============================================================================
// streamResultSet
// ============================================================================

// pullFunc produces the next row, or nil at end of stream.
type pullFunc func() (*result.Result, error)

// streamResultSet is the lazy result set every step returns. It peeks one row
// ahead so HasNext is idempotent, releases upstream resources exactly once on
// exhaustion, failure or Close, and never pulls again afterwards.
type streamResultSet struct {
	pull     pullFunc
	release  func() error
	peeked   *result.Result
	done     bool
	closed   bool
	released bool
}

func newStreamResultSet(pull pullFunc, release func() error) *streamResultSet {
	return &streamResultSet{pull: pull, release: release}
}

func (rs *streamResultSet) HasNext() (bool, error) {
	if rs.closed || rs.done {
		return false, nil
	}
	if rs.peeked != nil {
		return true, nil
	}
	r, err := rs.pull()
	if err != nil {
		rs.done = true
		return false, errors.Join(err, rs.releaseOnce())
	}
	if r == nil {
		rs.done = true
		return false, rs.releaseOnce()
	}
	rs.peeked = r
	return true, nil
}

func (rs *streamResultSet) Next() (*result.Result, error) {
	ok, err := rs.HasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoMoreRows
	}
	r := rs.peeked
	rs.peeked = nil
	return r, nil
}

func (rs *streamResultSet) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	rs.peeked = nil
	return rs.releaseOnce()
}

func (rs *streamResultSet) releaseOnce() error {
	if rs.released || rs.release == nil {
		rs.released = true
		return nil
	}
	rs.released = true
	return rs.release()
}

// emptyResultSet returns a set that yields nothing.
func emptyResultSet() ResultSet {
	return newStreamResultSet(func() (*result.Result, error) { return nil, nil }, nil)
}

// closeSet closes rs if non-nil.
func closeSet(rs ResultSet) error {
	if rs == nil {
		return nil
	}
	return rs.Close()
}
