package graph

import "context"

// Handler executes one node visit. The base handler of every chain is the
// node's Run wrapped with timeout enforcement; middlewares wrap it with
// cross-cutting behavior.
type Handler func(ctx context.Context, nc *NodeContext) (NodeResult, error)

// Middleware wraps node execution with behavior that applies across nodes:
// logging, metrics, retries, checkpointing, tracing.
//
// Middlewares registered on a runner compose in registration order, first
// registered outermost. A middleware may transform errors, but should wrap
// rather than replace them so the taxonomy stays classifiable; a middleware
// that recovers a failure reports the node as skipped by returning
// NodeResult{Skip: true} with a nil error.
type Middleware interface {
	// Name identifies the middleware in logs.
	Name() string

	// Around returns a handler that wraps next.
	Around(next Handler) Handler
}

// Chain composes middlewares onto a base handler. The first middleware in
// mws becomes the outermost wrapper; nil entries are ignored.
func Chain(base Handler, mws ...Middleware) Handler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = mws[i].Around(h)
	}
	return h
}

// MiddlewareFunc adapts a wrapping function to the Middleware interface.
//
//	audit := graph.NewMiddlewareFunc("audit", func(next graph.Handler) graph.Handler {
//	    return func(ctx context.Context, nc *graph.NodeContext) (graph.NodeResult, error) {
//	        res, err := next(ctx, nc)
//	        record(nc.Exec.RunID, nc.NodeID, err)
//	        return res, err
//	    }
//	})
type MiddlewareFunc struct {
	name   string
	around func(Handler) Handler
}

// NewMiddlewareFunc wraps around as a named Middleware.
func NewMiddlewareFunc(name string, around func(Handler) Handler) *MiddlewareFunc {
	return &MiddlewareFunc{name: name, around: around}
}

// Name implements Middleware.
func (m *MiddlewareFunc) Name() string { return m.name }

// Around implements Middleware.
func (m *MiddlewareFunc) Around(next Handler) Handler {
	if m.around == nil {
		return next
	}
	return m.around(next)
}
