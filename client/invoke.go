package client

import (
	"context"
	"fmt"
)

// Invoke calls method name and returns its result as an R.
//
//	sum, err := client.Invoke[int32](ctx, c, "Calculate", 10, 20)
func Invoke[R any](ctx context.Context, c *Client, name string, args ...any) (R, error) {
	var zero R
	v, err := c.Call(ctx, name, args...)
	if err != nil || v == nil {
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("client: %s returned %T, not %T", name, v, zero)
	}
	return r, nil
}

// Do calls a method whose result is not needed.
func Do(ctx context.Context, c *Client, name string, args ...any) error {
	_, err := c.Call(ctx, name, args...)
	return err
}
