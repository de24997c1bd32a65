package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"duplex-rpc/channel"
	"duplex-rpc/codec"
	"duplex-rpc/contract"
	"duplex-rpc/message"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type tickArgs struct {
	Count int `json:"count"`
}

var calculator = contract.New("Calculator").
	Method("Calculate", contract.TypeOf[int32](), contract.TypeOf[int32](), contract.TypeOf[int32]()).
	Method("Echo", contract.TypeOf[*wrapperspb.StringValue](), contract.TypeOf[*wrapperspb.StringValue]()).
	Method("Reset", contract.Void).
	Event("Tick", contract.TypeOf[tickArgs]()).
	Event("Ping", nil)

// fakeChannel is an in-memory Channel. Sent requests show up on sent; replies are injected
// with deliver.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	opened    []func(channel.ConnectionEvent)
	closing   []func(channel.ConnectionEvent)
	messages  []func(channel.MessageEvent) bool
	sent      chan *message.RPCMessage
	codec     codec.Codec
	// autoReply answers Subscribe/Unsubscribe requests when set
	autoReply func(req *message.RPCMessage) *message.RPCMessage
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: true, sent: make(chan *message.RPCMessage, 100), codec: &codec.BinaryCodec{}}
}

func (f *fakeChannel) SendMessage(payload []byte) error {
	f.mu.Lock()
	connected, reply := f.connected, f.autoReply
	f.mu.Unlock()
	if !connected {
		return channel.ErrNotConnected
	}
	req := &message.RPCMessage{}
	if err := f.codec.Decode(payload, req); err != nil {
		return err
	}
	f.sent <- req
	if reply != nil {
		if resp := reply(req); resp != nil {
			go f.deliver(resp)
		}
	}
	return nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) ResponseReceiverID() string { return "fake" }

func (f *fakeChannel) OnConnectionOpened(fn func(channel.ConnectionEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, fn)
	return func() {}
}

func (f *fakeChannel) OnConnectionClosing(fn func(channel.ConnectionEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closing = append(f.closing, fn)
	return func() {}
}

func (f *fakeChannel) InterceptMessages(fn func(channel.MessageEvent) bool) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, fn)
	return func() {}
}

func (f *fakeChannel) deliver(msg *message.RPCMessage) {
	data, _ := f.codec.Encode(msg)
	f.mu.Lock()
	handlers := append([]func(channel.MessageEvent) bool{}, f.messages...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h(channel.MessageEvent{Message: data}) {
			return
		}
	}
}

func (f *fakeChannel) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	var handlers []func(channel.ConnectionEvent)
	if connected {
		handlers = append(handlers, f.opened...)
	} else {
		handlers = append(handlers, f.closing...)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(channel.ConnectionEvent{})
	}
}

func (f *fakeChannel) next(t *testing.T) *message.RPCMessage {
	t.Helper()
	select {
	case m := <-f.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request")
		return nil
	}
}

func (f *fakeChannel) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case m := <-f.sent:
		t.Fatalf("unexpected request %v %s", m.Kind, m.OperationName)
	case <-time.After(50 * time.Millisecond):
	}
}

func acceptSubscriptions(req *message.RPCMessage) *message.RPCMessage {
	if req.Kind == message.KindSubscribeEvent || req.Kind == message.KindUnsubscribeEvent {
		return message.NewResponse(req.Id, nil)
	}
	return nil
}

func newTestClient(ch Channel, options ...Option) *Client {
	return New(calculator, ch, append([]Option{WithLogger(zap.NewNop())}, options...)...)
}

func TestConcurrentCallsOutOfOrder(t *testing.T) {
	const n = 20
	ch := newFakeChannel()
	c := newTestClient(ch)
	ser := codec.AutoSerializer{}
	int32Type := contract.TypeOf[int32]()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(a int32) {
			defer wg.Done()
			sum, err := Invoke[int32](context.Background(), c, "Calculate", a, int32(1000))
			if err != nil {
				errs <- err
				return
			}
			if sum != a+1000 {
				errs <- errors.New("mismatched response")
			}
		}(int32(i))
	}

	reqs := make([]*message.RPCMessage, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, ch.next(t))
	}
	// Answer in reverse order of arrival
	for i := n - 1; i >= 0; i-- {
		req := reqs[i]
		a, _ := ser.Unmarshal(req.SerializedParams[0], int32Type)
		b, _ := ser.Unmarshal(req.SerializedParams[1], int32Type)
		ret, _ := ser.Marshal(a.(int32)+b.(int32), int32Type)
		ch.deliver(message.NewResponse(req.Id, ret))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", c.Pending())
	}
}

func TestCallTimeout(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(ch, WithCallTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.Call(context.Background(), "Reset")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect timeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Operation != "Reset" {
		t.Fatalf("unexpected error %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("timed out before the deadline")
	}
	if c.Pending() != 0 {
		t.Fatal("timed out call must be removed from the pending table")
	}

	// A late response is ignored
	req := ch.next(t)
	ch.deliver(message.NewResponse(req.Id, nil))
}

func TestContextCancellation(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(ch)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "Reset"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect context deadline, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatal("cancelled call must be removed from the pending table")
	}
}

func TestConnectionLossFailsPendingCalls(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(ch)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Call(context.Background(), "Reset")
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		ch.next(t)
	}
	ch.setConnected(false)
	for i := 0; i < 3; i++ {
		if err := <-errs; err != ErrConnectionBroken {
			t.Fatalf("expect ErrConnectionBroken, got %v", err)
		}
	}

	if _, err := c.Call(context.Background(), "Reset"); err != channel.ErrNotConnected {
		t.Fatalf("expect ErrNotConnected on a closed channel, got %v", err)
	}
}

func TestUnknownMethodAndArity(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(ch)
	if _, err := c.Call(context.Background(), "Divide", 1, 2); !errors.Is(err, contract.ErrUnknownOperation) {
		t.Fatalf("expect unknown operation, got %v", err)
	}
	if _, err := c.Call(context.Background(), "Calculate", int32(1)); err == nil {
		t.Fatal("expect arity error")
	}
	if _, err := c.Call(context.Background(), "Calculate", "one", "two"); err == nil {
		t.Fatal("expect type error")
	}
	ch.expectNothing(t)
}

func TestRemoteErrorIsRPCError(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(ch)
	go func() {
		req := ch.next(t)
		ch.deliver(message.ErrorResponse(req.Id, "DivideByZero", "division by zero", "at Calculate"))
	}()
	_, err := c.Call(context.Background(), "Calculate", int32(1), int32(0))
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expect *RPCError, got %v", err)
	}
	if rpcErr.RemoteErrorType != "DivideByZero" || rpcErr.Message != "division by zero" || rpcErr.RemoteErrorDetails != "at Calculate" {
		t.Fatalf("unexpected error fields %+v", rpcErr)
	}
}

func TestNilArgumentUsesDeclaredType(t *testing.T) {
	ch := newFakeChannel()
	c := newTestClient(ch)
	go func() {
		req := ch.next(t)
		if req.SerializedParams[0] != nil {
			t.Errorf("nil proto argument should be sent as an absent payload")
		}
		ch.deliver(message.NewResponse(req.Id, nil))
	}()
	v, err := Invoke[*wrapperspb.StringValue](context.Background(), c, "Echo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("expect typed nil result, got %v", v)
	}
}

func TestIdempotentSubscribe(t *testing.T) {
	ch := newFakeChannel()
	ch.autoReply = acceptSubscriptions
	c := newTestClient(ch)

	var mu sync.Mutex
	var got []int
	h := HandlerOf(func(a tickArgs) {
		mu.Lock()
		got = append(got, a.Count)
		mu.Unlock()
	})

	for i := 0; i < 2; i++ {
		if err := c.Subscribe(context.Background(), "Tick", h); err != nil {
			t.Fatal(err)
		}
	}
	if req := ch.next(t); req.Kind != message.KindSubscribeEvent || req.OperationName != "Tick" {
		t.Fatalf("expect SubscribeEvent Tick, got %v %s", req.Kind, req.OperationName)
	}
	ch.expectNothing(t)
	if c.Subscribed("Tick") != 1 {
		t.Fatalf("expect 1 handler, got %d", c.Subscribed("Tick"))
	}

	payload, _ := codec.AutoSerializer{}.Marshal(tickArgs{Count: 5}, contract.TypeOf[tickArgs]())
	ch.deliver(&message.RPCMessage{Kind: message.KindRaiseEvent, OperationName: "Tick", SerializedParams: [][]byte{payload}})
	c.Wait()
	mu.Lock()
	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("expect exactly one delivery of count 5, got %v", got)
	}
	mu.Unlock()

	// Unsubscribing the only handler tells the service
	if err := c.Unsubscribe(context.Background(), "Tick", h); err != nil {
		t.Fatal(err)
	}
	if req := ch.next(t); req.Kind != message.KindUnsubscribeEvent {
		t.Fatalf("expect UnsubscribeEvent, got %v", req.Kind)
	}
	if err := c.Unsubscribe(context.Background(), "Tick", h); err != nil {
		t.Fatal(err)
	}
	ch.expectNothing(t)
}

func TestSecondHandlerDoesNotResubscribe(t *testing.T) {
	ch := newFakeChannel()
	ch.autoReply = acceptSubscriptions
	c := newTestClient(ch)

	h1 := NewEventHandler(func(Event) {})
	h2 := NewEventHandler(func(Event) {})
	c.Subscribe(context.Background(), "Ping", h1)
	c.Subscribe(context.Background(), "Ping", h2)
	ch.next(t)
	ch.expectNothing(t)

	c.Unsubscribe(context.Background(), "Ping", h1)
	ch.expectNothing(t)
	c.Unsubscribe(context.Background(), "Ping", h2)
	if req := ch.next(t); req.Kind != message.KindUnsubscribeEvent {
		t.Fatalf("expect UnsubscribeEvent after the last handler, got %v", req.Kind)
	}
}

func TestResubscribeOnReconnect(t *testing.T) {
	ch := newFakeChannel()
	ch.autoReply = acceptSubscriptions
	c := newTestClient(ch)

	c.Subscribe(context.Background(), "Tick", NewEventHandler(func(Event) {}))
	ch.next(t)

	ch.setConnected(false)
	ch.setConnected(true)
	req := ch.next(t)
	if req.Kind != message.KindSubscribeEvent || req.OperationName != "Tick" {
		t.Fatalf("expect a fresh SubscribeEvent Tick, got %v %s", req.Kind, req.OperationName)
	}
	ch.expectNothing(t)
}

func TestFailedRemoteSubscribeKeepsLocalHandler(t *testing.T) {
	ch := newFakeChannel()
	ch.autoReply = func(req *message.RPCMessage) *message.RPCMessage {
		return message.ErrorResponse(req.Id, "UnknownOperationError", "no such event", "")
	}
	c := newTestClient(ch)

	delivered := make(chan struct{}, 1)
	if err := c.Subscribe(context.Background(), "Ping", NewEventHandler(func(Event) { delivered <- struct{}{} })); err != nil {
		t.Fatalf("local subscription must succeed, got %v", err)
	}
	ch.deliver(&message.RPCMessage{Kind: message.KindRaiseEvent, OperationName: "Ping"})
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("event not delivered to the local handler")
	}
}

func TestPanickingEventHandler(t *testing.T) {
	ch := newFakeChannel()
	ch.autoReply = acceptSubscriptions
	c := newTestClient(ch)

	var mu sync.Mutex
	calls := 0
	c.Subscribe(context.Background(), "Ping", NewEventHandler(func(Event) { panic("boom") }))
	c.Subscribe(context.Background(), "Ping", NewEventHandler(func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	ch.next(t)

	ch.deliver(&message.RPCMessage{Kind: message.KindRaiseEvent, OperationName: "Ping"})
	ch.deliver(&message.RPCMessage{Kind: message.KindRaiseEvent, OperationName: "Ping"})
	c.Wait()
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("a panicking handler must not stop the others, got %d calls", calls)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := newTestClient(newFakeChannel())
	if err := c.Subscribe(context.Background(), "Tock", NewEventHandler(func(Event) {})); !errors.Is(err, contract.ErrUnknownOperation) {
		t.Fatalf("expect unknown operation, got %v", err)
	}
	if err := c.Subscribe(context.Background(), "Tick", nil); err == nil {
		t.Fatal("expect error for nil handler")
	}
}
