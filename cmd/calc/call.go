package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"duplex-rpc/channel"
	"duplex-rpc/client"
	"duplex-rpc/codec"
	"duplex-rpc/config"
	"duplex-rpc/registry"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// runClient connects to the calculator, makes a few calls and prints ticks until it saw
// ticks of them (or ctx is done).
func runClient(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg registry.Registry, out io.Writer, ticks int) error {
	codecType, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return err
	}
	ser, err := codec.GetSerializer(cfg.Serializer)
	if err != nil {
		return err
	}

	receiverID := uuid.NewV4().String()
	conn, err := newOutputConnector(cfg, reg, receiverID, logger)
	if err != nil {
		return err
	}
	och := channel.NewOutputChannel(cfg.ChannelID, conn,
		channel.WithResponseReceiverID(receiverID),
		channel.WithOutputLogger(logger))
	c := client.New(calculatorContract, och,
		client.WithCallTimeout(cfg.Client.CallTimeout.Duration),
		client.WithCodec(codecType),
		client.WithSerializer(ser),
		client.WithLogger(logger))
	defer c.Close()

	got := make(chan TickArgs, 16)
	onTick := client.HandlerOf(func(a TickArgs) {
		select {
		case got <- a:
		default:
		}
	})
	// Registered locally now, subscribed remotely once the connection opens
	if err := c.Subscribe(ctx, "Tick", onTick); err != nil {
		return err
	}

	if err := och.OpenConnection(ctx); err != nil {
		return err
	}
	defer och.CloseConnection()

	sum, err := client.Invoke[int32](ctx, c, "Calculate", int32(10), int32(20))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Calculate(10, 20) = %d\n", sum)

	echo, err := client.Invoke[*wrapperspb.StringValue](ctx, c, "Echo", wrapperspb.String("hello"))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Echo = %s\n", echo.GetValue())

	_, err = c.Call(ctx, "Divide", int32(1), int32(0))
	var rpcErr *client.RPCError
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("Divide(1, 0): expected a remote error, got %v", err)
	}
	fmt.Fprintf(out, "Divide(1, 0) failed: %s\n", rpcErr.RemoteErrorType)

	for i := 0; i < ticks; i++ {
		select {
		case a := <-got:
			fmt.Fprintf(out, "Tick %d\n", a.Count)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.Unsubscribe(ctx, "Tick", onTick)
}
