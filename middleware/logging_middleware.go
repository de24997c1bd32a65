package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every invocation with its duration; failed ones at Warn level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("rpc")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp != nil && resp.Failed() {
				logger.Warn("invocation failed",
					zap.String("operation", req.OperationName),
					zap.Int32("id", req.Id),
					zap.Duration("duration", duration),
					zap.String("errType", resp.ErrorType),
					zap.String("error", resp.ErrorMessage))
				return resp
			}
			logger.Debug("invocation",
				zap.String("operation", req.OperationName),
				zap.Int32("id", req.Id),
				zap.Duration("duration", duration))
			return resp
		}
	}
}
