package server

import (
	"context"
	"fmt"
)

// Typed adapters turn ordinary functions into MethodFuncs:
//
//	Methods: map[string]server.MethodFunc{
//		"Calculate": server.Func2(func(ctx context.Context, a, b int32) (int32, error) { return a + b, nil }),
//		"Reset":     server.Proc0(calc.Reset),
//	}
//
// The parameter types must match the contract; a mismatch is reported as an ArgumentError.

func arg[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, fmt.Errorf("missing argument %d", i)
	}
	if args[i] == nil {
		return zero, nil
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("argument %d is %T, not %T", i, args[i], zero)
	}
	return v, nil
}

func Func0[R any](fn func(ctx context.Context) (R, error)) MethodFunc {
	return func(ctx context.Context, args []any) (any, error) {
		return fn(ctx)
	}
}

func Func1[A, R any](fn func(ctx context.Context, a A) (R, error)) MethodFunc {
	return func(ctx context.Context, args []any) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, &argumentError{err}
		}
		return fn(ctx, a)
	}
}

func Func2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) MethodFunc {
	return func(ctx context.Context, args []any) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, &argumentError{err}
		}
		b, err := arg[B](args, 1)
		if err != nil {
			return nil, &argumentError{err}
		}
		return fn(ctx, a, b)
	}
}

func Func3[A, B, C, R any](fn func(ctx context.Context, a A, b B, c C) (R, error)) MethodFunc {
	return func(ctx context.Context, args []any) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, &argumentError{err}
		}
		b, err := arg[B](args, 1)
		if err != nil {
			return nil, &argumentError{err}
		}
		c, err := arg[C](args, 2)
		if err != nil {
			return nil, &argumentError{err}
		}
		return fn(ctx, a, b, c)
	}
}

func Proc0(fn func(ctx context.Context) error) MethodFunc {
	return func(ctx context.Context, args []any) (any, error) {
		return nil, fn(ctx)
	}
}

func Proc1[A any](fn func(ctx context.Context, a A) error) MethodFunc {
	return func(ctx context.Context, args []any) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, &argumentError{err}
		}
		return nil, fn(ctx, a)
	}
}

func Proc2[A, B any](fn func(ctx context.Context, a A, b B) error) MethodFunc {
	return func(ctx context.Context, args []any) (any, error) {
		a, err := arg[A](args, 0)
		if err != nil {
			return nil, &argumentError{err}
		}
		b, err := arg[B](args, 1)
		if err != nil {
			return nil, &argumentError{err}
		}
		return nil, fn(ctx, a, b)
	}
}

type argumentError struct{ err error }

func (e *argumentError) Error() string     { return e.err.Error() }
func (e *argumentError) Unwrap() error     { return e.err }
func (e *argumentError) ErrorType() string { return ErrorTypeArgument }
