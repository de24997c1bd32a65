package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"

	"go.uber.org/zap"
)

// RetryMiddleware re-runs an invocation whose response failed with one of the retryable error
// types, with exponential backoff starting at baseDelay. Use it only for methods that are safe
// to run twice, e.g. with the type a method reports for a temporary failure.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable ...string) Middleware {
	kinds := make(map[string]bool, len(retryable))
	for _, k := range retryable {
		kinds[k] = true
	}
	logger := zap.L().Named("retry")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || !resp.Failed() || !kinds[resp.ErrorType] {
					return resp
				}
				logger.Info("retrying invocation",
					zap.Int("attempt", i+1),
					zap.String("operation", req.OperationName),
					zap.String("errType", resp.ErrorType))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
