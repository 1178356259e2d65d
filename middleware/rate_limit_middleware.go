package middleware

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"

	"mini-reqresp/message"
)

// RateLimitMiddleware gives every remote peer its own token bucket of r requests
// per second with the given burst, so one noisy peer cannot starve the others.
// A request over the limit fails with ErrRateLimited right away.
func RateLimitMiddleware(r float64, burst int) Middleware {
	var (
		mu       sync.Mutex
		limiters = make(map[peer.ID]*rate.Limiter)
	)
	limiterFor := func(p peer.ID) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[p]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			limiters[p] = l
		}
		return l
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]byte, error) {
			if !limiterFor(req.Peer).Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
