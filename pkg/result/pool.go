package result

import "github.com/orneryd/nornicexec/pkg/pool"

// Acquire returns an empty row of the given kind whose property map comes
// from the shared map pool. Pair with Release once the row is dropped.
func Acquire(kind Kind) *Result {
	return &Result{kind: kind, props: pool.GetMap(), pooled: true}
}

// Release hands the row's property map back to the pool. The row must not be
// used afterwards, and must not have been handed to anyone else: only the
// stage that owns a row may release it. Rows not created by Acquire are left
// untouched.
func Release(r *Result) {
	if r == nil || !r.pooled {
		return
	}
	pool.PutMap(r.props)
	r.props = nil
	r.hasDepth = false
	r.pooled = false
}
