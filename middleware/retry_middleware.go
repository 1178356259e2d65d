package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mini-reqresp/engine"
	"mini-reqresp/message"
	"mini-reqresp/transport"
)

// Retryable reports whether a failed call may succeed when sent again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, engine.ErrTimeout) ||
		errors.Is(err, transport.ErrPeerUnreachable) {
		return true
	}
	var f engine.OutboundFailure
	if errors.As(err, &f) {
		return f.Kind == engine.DialFailure || f.Kind == engine.ConnectionClosed
	}
	return false
}

// RetryMiddleware resends retryable failures up to maxRetries times, sleeping
// baseDelay, 2*baseDelay, 4*baseDelay... in between.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]byte, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !Retryable(err) {
					return resp, err
				}
				logger.Debug("retrying request",
					zap.Int("attempt", i+1),
					zap.Stringer("peer", req.Peer),
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
