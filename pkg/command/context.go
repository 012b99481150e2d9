// Package command provides the execution context passed to every step.
//
// The Context is the single channel for cooperative cancellation: it wraps a
// context.Context carrying the caller's deadline or cancel signal, and it
// binds query variables ($current, loop variables, parameters). Steps check
// it at row granularity through CheckInterrupt and stop producing rows as soon
// as it reports an error.
//
// Example:
//
//	cctx := command.New(ctx, command.WithParams(params))
//	for {
//		if err := cctx.CheckInterrupt(); err != nil {
//			return err // ErrCancelled or ErrTimeout
//		}
//		...
//	}
package command

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrCancelled reports that the caller cancelled the execution.
	ErrCancelled = errors.New("command cancelled")
	// ErrTimeout reports that the execution exceeded its deadline.
	ErrTimeout = errors.New("command timed out")
	// ErrConflict is the retryable failure class: a concurrent modification
	// conflict. Only the retry construct re-executes on it.
	ErrConflict = errors.New("concurrent modification conflict")
)

// DefaultInterruptInterval is how many rows a batch-oriented producer may
// emit between interrupt checks. Per-row producers check every row.
const DefaultInterruptInterval = 100

// Context is the per-execution command context.
//
// A Context and its children are owned by a single consumer; they are not
// safe for concurrent use.
type Context struct {
	ctx       context.Context
	parent    *Context
	vars      map[string]any
	params    map[string]any
	interval  int
	profiling bool
	returned  bool
}

// Option configures a Context.
type Option func(*Context)

// WithParams binds query parameters, resolvable as :name variables.
func WithParams(params map[string]any) Option {
	return func(c *Context) {
		c.params = params
	}
}

// WithInterruptInterval sets the batch interrupt interval.
func WithInterruptInterval(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.interval = n
		}
	}
}

// WithProfiling enables per-step row and time accounting.
func WithProfiling(enabled bool) Option {
	return func(c *Context) {
		c.profiling = enabled
	}
}

// New creates a root command context.
func New(ctx context.Context, opts ...Option) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &Context{
		ctx:      ctx,
		vars:     make(map[string]any),
		interval: DefaultInterruptInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Child creates a nested scope. Variables set on the child shadow the
// parent's; lookups fall back to the parent. Cancellation is shared.
func (c *Context) Child() *Context {
	return &Context{
		ctx:       c.ctx,
		parent:    c,
		vars:      make(map[string]any),
		interval:  c.interval,
		profiling: c.profiling,
	}
}

// Context returns the underlying context.Context.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Parent returns the enclosing scope, or nil for a root context.
func (c *Context) Parent() *Context {
	return c.parent
}

// InterruptInterval returns the batch interrupt interval.
func (c *Context) InterruptInterval() int {
	return c.interval
}

// Profiling reports whether per-step profiling is enabled.
func (c *Context) Profiling() bool {
	return c.profiling
}

// SetVariable binds name in this scope.
func (c *Context) SetVariable(name string, value any) {
	c.vars[name] = value
}

// Variable resolves name in this scope, then in enclosing scopes, then in the
// root parameters.
func (c *Context) Variable(name string) (any, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return c.Param(name)
}

// Param resolves a query parameter from the root context.
func (c *Context) Param(name string) (any, bool) {
	root := c
	for root.parent != nil {
		root = root.parent
	}
	v, ok := root.params[name]
	return v, ok
}

// MarkReturned records that a return statement was reached in this scope.
func (c *Context) MarkReturned() {
	c.returned = true
}

// Returned reports whether a return statement was reached in this scope.
func (c *Context) Returned() bool {
	return c.returned
}

// CheckInterrupt returns ErrCancelled or ErrTimeout once the underlying
// context is done, nil otherwise.
func (c *Context) CheckInterrupt() error {
	select {
	case <-c.ctx.Done():
		return Interruption(c.ctx.Err())
	default:
		return nil
	}
}

// Interruption maps a context error onto the command error taxonomy.
func Interruption(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
}

// IsCancellation reports whether err is a cancellation or timeout signal
// rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimeout)
}

// IsConflict reports whether err belongs to the retryable conflict class.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
