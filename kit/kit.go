// Package kit holds the transport-agnostic plumbing shared by telemd's HTTP
// and MCP surfaces: the Endpoint abstraction, middleware chaining, and
// context value accessors for request correlation.
package kit

import "context"

// Endpoint is a transport-agnostic operation: decode happens at the edge,
// the endpoint only sees typed requests and returns typed responses.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left-to-right: the first middleware is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
