// Package middleware wraps request handlers in the onion model.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	execution: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// The same HandlerFunc shape is used on both sides of an exchange: a node wraps
// its service with it, and the typed client wraps its outbound call with it.
package middleware

import (
	"context"
	"errors"

	"mini-reqresp/message"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
)

type HandlerFunc func(ctx context.Context, req *message.Request) ([]byte, error)

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
