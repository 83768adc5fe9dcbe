// Package kit holds the transport-agnostic endpoint shape shared by the HTTP
// and MCP surfaces, plus the request-scoped context values they carry.
package kit

import "context"

// Endpoint is one operation of a service: a decoded request in, a response
// value out. The same Endpoint backs an HTTP route and an MCP tool.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(next Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
