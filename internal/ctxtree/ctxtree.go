// Package ctxtree provides a hierarchically cancellable context object:
// a root with children, where cancelling one child never cancels its
// siblings and cancelling the root cancels every descendant. In this
// module each connection.Base creates its own root (derived from
// context.Background, not from any caller context) and takes one child
// per Establish for its workers.
package ctxtree

import "context"

// Context wraps a context.Context together with the CancelFunc that
// cancels it, so callers need not keep their own cancel funcs around.
// Children are not tracked; cancellation reaches them through
// context.WithCancel's parent link.
type Context struct {
	context.Context
	cancel context.CancelFunc
}

// New creates a root Context derived from context.Background().
func New() *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{Context: ctx, cancel: cancel}
}

// Child derives a new Context from c. Canceling the child has no effect
// on c or its other children; canceling c cascades to every descendant.
func (c *Context) Child() *Context {
	ctx, cancel := context.WithCancel(c.Context)
	return &Context{Context: ctx, cancel: cancel}
}

// Cancel cancels this context and every descendant derived from it.
// Safe to call more than once.
func (c *Context) Cancel() {
	c.cancel()
}
