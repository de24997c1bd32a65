package main

import (
	"context"
	"time"

	"duplex-rpc/contract"
	"duplex-rpc/server"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

type TickArgs struct {
	Count int `json:"count"`
}

type divideByZero struct{}

func (divideByZero) Error() string     { return "division by zero" }
func (divideByZero) ErrorType() string { return "DivideByZero" }

// calculatorContract is shared by both sides of the demo.
var calculatorContract = contract.New("Calculator").
	Method("Calculate", contract.TypeOf[int32](), contract.TypeOf[int32](), contract.TypeOf[int32]()).
	Method("Divide", contract.TypeOf[int32](), contract.TypeOf[int32](), contract.TypeOf[int32]()).
	Method("Echo", contract.TypeOf[*wrapperspb.StringValue](), contract.TypeOf[*wrapperspb.StringValue]()).
	Event("Tick", contract.TypeOf[TickArgs]())

type calculator struct {
	tick *server.EventSource
}

func newCalculator() *calculator {
	return &calculator{tick: server.NewEventSource()}
}

func (c *calculator) implementation() server.Implementation {
	return server.Implementation{
		Methods: map[string]server.MethodFunc{
			"Calculate": server.Func2(func(ctx context.Context, a, b int32) (int32, error) { return a + b, nil }),
			"Divide": server.Func2(func(ctx context.Context, a, b int32) (int32, error) {
				if b == 0 {
					return 0, divideByZero{}
				}
				return a / b, nil
			}),
			"Echo": server.Func1(func(ctx context.Context, s *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
				return wrapperspb.String(server.ReceiverID(ctx) + ": " + s.GetValue()), nil
			}),
		},
		Events: map[string]*server.EventSource{"Tick": c.tick},
	}
}

// run raises Tick every interval until ctx is done.
func (c *calculator) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick.Raise(TickArgs{Count: n})
		}
	}
}
