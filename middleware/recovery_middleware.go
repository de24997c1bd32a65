package middleware

import (
	"context"
	"fmt"

	"duplex-rpc/message"

	"go.uber.org/zap"
)

// PanicError is what a recovered panic turns into.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string     { return fmt.Sprintf("panic: %v", e.Value) }
func (e *PanicError) ErrorType() string { return ErrorTypePanic }

// RecoveryMiddleware turns a panic of any inner handler into a PanicError response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", zap.String("operation", req.OperationName), zap.Any("panic", r), zap.Stack("stack"))
					err := &PanicError{Value: r}
					resp = message.ErrorResponse(req.Id, ErrorTypePanic, err.Error(), "")
				}
			}()
			return next(ctx, req)
		}
	}
}
