package service

import (
	"context"

	"golang.org/x/time/rate"

	"mini-reqresp/message"
)

type limited struct {
	Service
	permits chan struct{}
}

// Limit bounds svc to n concurrent calls. Ready takes a permit and the Call it
// reserved gives it back when it returns.
func Limit(svc Service, n int) Service {
	if n <= 0 {
		n = 1
	}
	return &limited{Service: svc, permits: make(chan struct{}, n)}
}

func (l *limited) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.permits <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := l.Service.Ready(ctx); err != nil {
		l.release()
		return err
	}
	return nil
}

func (l *limited) Call(ctx context.Context, req *message.Request) ([]byte, error) {
	defer l.release()
	return l.Service.Call(ctx, req)
}

// InFlight reports the permits currently held.
func (l *limited) InFlight() int {
	return len(l.permits)
}

func (l *limited) release() {
	select {
	case <-l.permits:
	default:
	}
}

type rateLimited struct {
	Service
	limiter *rate.Limiter
}

// RateLimit makes Ready wait for a token from a bucket refilled at r per
// second with the given burst. Unlike the rate limit middleware it delays
// requests instead of rejecting them.
func RateLimit(svc Service, r float64, burst int) Service {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{Service: svc, limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (s *rateLimited) Ready(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.Service.Ready(ctx)
}
