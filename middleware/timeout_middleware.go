package middleware

import (
	"context"
	"fmt"
	"time"

	"duplex-rpc/message"
)

// TimeoutMiddleware answers with a TimeoutError response when the invocation takes longer than
// timeout. The method keeps running in the background; it sees the cancelled context and
// should give up on its own.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorResponse(req.Id, ErrorTypeTimeout,
					fmt.Sprintf("%s timed out after %v", req.OperationName, timeout), "")
			}
		}
	}
}
