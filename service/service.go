// Package service defines the contract between the driver loop and the
// application code that answers requests.
//
// A Service is asked Ready before every Call. A nil error from Ready reserves
// capacity for exactly one Call, so a service can push back on its callers by
// blocking in Ready. An error from either method means the request gets no
// response.
package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"mini-reqresp/message"
	"mini-reqresp/middleware"
)

type Service interface {
	// Ready blocks until the service can accept one more Call.
	Ready(ctx context.Context) error
	Call(ctx context.Context, req *message.Request) ([]byte, error)
}

type funcService struct {
	h middleware.HandlerFunc
}

// Func adapts a handler into a Service that is always ready.
func Func(h middleware.HandlerFunc) Service {
	return &funcService{h: h}
}

func (s *funcService) Ready(ctx context.Context) error {
	return ctx.Err()
}

func (s *funcService) Call(ctx context.Context, req *message.Request) ([]byte, error) {
	return s.h(ctx, req)
}

type chained struct {
	Service
	call middleware.HandlerFunc
}

// Chain wraps the Call of svc in middlewares. Ready is left untouched.
//
// Admission wrappers built by Limit and RateLimit stay outermost: the
// middlewares go inside them, so a middleware that answers without calling
// next still returns the permit reserved by Ready.
func Chain(svc Service, middlewares ...middleware.Middleware) Service {
	if len(middlewares) == 0 {
		return svc
	}
	switch s := svc.(type) {
	case *limited:
		return &limited{Service: Chain(s.Service, middlewares...), permits: s.permits}
	case *rateLimited:
		return &rateLimited{Service: Chain(s.Service, middlewares...), limiter: s.limiter}
	}
	return &chained{
		Service: svc,
		call:    middleware.Chain(middlewares...)(svc.Call),
	}
}

func (c *chained) Call(ctx context.Context, req *message.Request) ([]byte, error) {
	return c.call(ctx, req)
}

// Echo answers every request with its own payload.
func Echo() Service {
	return Func(func(ctx context.Context, req *message.Request) ([]byte, error) {
		return req.Payload, nil
	})
}

// Prefix answers with prefix followed by the request payload.
func Prefix(prefix string) Service {
	return Func(func(ctx context.Context, req *message.Request) ([]byte, error) {
		resp := make([]byte, 0, len(prefix)+len(req.Payload))
		resp = append(resp, prefix...)
		return append(resp, req.Payload...), nil
	})
}

// Time ignores the payload and answers with the current unix time.
func Time() Service {
	return timeService(time.Now)
}

func timeService(now func() time.Time) Service {
	return Func(func(ctx context.Context, req *message.Request) ([]byte, error) {
		return []byte("Unix Time: " + strconv.FormatInt(now().Unix(), 10)), nil
	})
}

// ByName returns one of the built-in services: "echo", "time" or "prefix".
func ByName(name, prefix string) (Service, error) {
	switch name {
	case "echo":
		return Echo(), nil
	case "time":
		return Time(), nil
	case "prefix":
		return Prefix(prefix), nil
	default:
		return nil, fmt.Errorf("service: unknown service %q", name)
	}
}
