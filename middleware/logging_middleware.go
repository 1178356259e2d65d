package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-reqresp/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.Stringer("id", req.ID),
				zap.Stringer("peer", req.Peer),
				zap.Int("request_size", len(req.Payload)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Info("request handled", append(fields, zap.Int("response_size", len(resp)))...)
			return resp, nil
		}
	}
}
