// Package middleware implements the onion-model middleware chain over the
// Commander's Task handlers.
//
// Middleware wraps a registered Task to add cross-cutting concerns (logging,
// timeout, rate limiting, retry) without modifying the handler itself.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
package middleware

import (
	"duplexrpc/commander"
	"duplexrpc/payload"
)

// HandlerFunc matches commander.Task's signature: both the business handler
// and every middleware-wrapped handler share it, so a Task can be registered
// directly in a Commander's handler table once wrapped.
type HandlerFunc func(c *commander.Commander, env payload.Envelope, service any) ([]byte, error)

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes multiple middlewares into a single middleware, built from
// right to left so the first middleware in the list is the outermost layer
// (executed first on the way in, last on the way out).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
