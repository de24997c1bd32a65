package middleware

import (
	"context"

	"duplex-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects invocations beyond r per second (token bucket with the given
// burst) with a RateLimitError response.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.ErrorResponse(req.Id, ErrorTypeRateLimit, "rate limit exceeded", "")
			}
			return next(ctx, req)
		}
	}
}
