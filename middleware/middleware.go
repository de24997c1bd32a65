// Package middleware wraps the service's method dispatch with cross-cutting behavior.
//
// A Middleware takes the next HandlerFunc and returns a new one (onion model):
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// Middlewares see InvokeMethod requests only. Failures they produce are ordinary error
// Responses whose ErrorType names the cause (TimeoutError, RateLimitError, PanicError).
package middleware

import (
	"context"

	"duplex-rpc/message"
)

// Remote error types produced by the middlewares of this package.
const (
	ErrorTypeTimeout   = "TimeoutError"
	ErrorTypeRateLimit = "RateLimitError"
	ErrorTypePanic     = "PanicError"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one. The first middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
