// Package client is the calling side of the RPC layer.
//
// A Client sits on one output channel. Every call gets a unique id; the response carrying the
// same id is routed back to the waiting caller, so many goroutines can share one channel:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ output channel ──→ Service
//	goroutine-3 ──Call(id=3)──┘
//
//	channel dispatcher: ←── Response(id=2) → pending[2] ← response → goroutine-2 wakes up
//
// Events pushed by the service are delivered on the client's own dispatcher, so a slow event
// handler never delays the delivery of responses.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/channel"
	"duplex-rpc/codec"
	"duplex-rpc/contract"
	"duplex-rpc/dispatch"
	"duplex-rpc/message"

	"go.uber.org/zap"
)

// NoTimeout makes a call wait until its response arrives, its context is done or the
// connection is lost. It is the default.
const NoTimeout time.Duration = 0

var (
	// ErrConnectionBroken fails every pending call when the connection closes.
	ErrConnectionBroken = errors.New("client: connection broken")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("client: call timed out")
)

// TimeoutError reports a call that got no response within the configured call timeout.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("client: %s timed out after %v", e.Operation, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RPCError is a failure reported by the service: the method returned an error, panicked, or
// the request named something the service does not know.
type RPCError struct {
	Message            string
	RemoteErrorType    string
	RemoteErrorDetails string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc: remote %s: %s", e.RemoteErrorType, e.Message)
}

// Channel is the part of channel.OutputChannel the client uses.
type Channel interface {
	SendMessage(payload []byte) error
	IsConnected() bool
	ResponseReceiverID() string
	OnConnectionOpened(fn func(channel.ConnectionEvent)) (remove func())
	InterceptMessages(fn func(channel.MessageEvent) bool) (remove func())
	OnConnectionClosing(fn func(channel.ConnectionEvent)) (remove func())
}

// ------------------- Options -------------------

type Options struct {
	CallTimeout time.Duration // NoTimeout by default
	CodecType   codec.CodecType
	Serializer  codec.Serializer
	Logger      *zap.Logger
}

func DefaultOptions() *Options {
	return &Options{
		CallTimeout: NoTimeout,
		CodecType:   codec.CodecTypeBinary,
		Serializer:  codec.AutoSerializer{},
	}
}

type Option func(*Options)

func WithCallTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.CallTimeout = timeout
	}
}

func WithCodec(t codec.CodecType) Option {
	return func(opts *Options) {
		opts.CodecType = t
	}
}

func WithSerializer(s codec.Serializer) Option {
	return func(opts *Options) {
		opts.Serializer = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = l
	}
}

// ------------------- Client -------------------

// remoteEvent is the client-side state of one contract event.
type remoteEvent struct {
	desc *contract.EventDesc

	// subMu serializes subscribe/unsubscribe of this event including the remote request, so
	// the service always ends up in the state of the last local change.
	subMu sync.Mutex

	mu       sync.Mutex
	handlers []EventHandler
}

func (e *remoteEvent) snapshot() []EventHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EventHandler(nil), e.handlers...)
}

type Client struct {
	contract   *contract.Contract
	ch         Channel
	opts       *Options
	codec      codec.Codec
	logger     *zap.Logger
	dispatcher *dispatch.Queue // Event delivery

	seq     atomic.Int32
	mu      sync.Mutex
	pending map[int32]chan *message.RPCMessage // A closed channel means the connection broke

	events map[string]*remoteEvent
	detach []func()
}

// New creates a client for the service described by c, talking over ch. The client does not
// own ch: opening and closing the connection stays with the caller.
func New(c *contract.Contract, ch Channel, options ...Option) *Client {
	opts := DefaultOptions()
	for _, o := range options {
		o(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	logger := opts.Logger.Named("rpc-client").With(zap.String("service", c.Name()))

	cl := &Client{
		contract:   c,
		ch:         ch,
		opts:       opts,
		codec:      codec.GetCodec(opts.CodecType),
		logger:     logger,
		dispatcher: dispatch.NewQueue(logger),
		pending:    make(map[int32]chan *message.RPCMessage),
		events:     make(map[string]*remoteEvent),
	}
	for _, name := range c.Events() {
		desc, _ := c.LookupEvent(name)
		cl.events[name] = &remoteEvent{desc: desc}
	}
	cl.detach = []func(){
		// Replies and the connection loss bypass the channel dispatcher: a call made from a
		// channel event handler still completes
		ch.InterceptMessages(cl.onMessage),
		ch.OnConnectionClosing(func(channel.ConnectionEvent) { cl.failPending() }),
		ch.OnConnectionOpened(func(channel.ConnectionEvent) {
			// Requests wait for responses delivered by the very dispatcher running this handler
			go cl.resubscribe()
		}),
	}
	return cl
}

// Close detaches the client from its channel and fails the calls still waiting.
// The channel itself stays open.
func (c *Client) Close() {
	for _, remove := range c.detach {
		remove()
	}
	c.failPending()
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call invokes method name with args, serialized by the declared parameter types, and returns
// the result decoded by the declared return type (nil for void methods).
//
// Errors: *contract.UnknownOperationError for undeclared methods, channel.ErrNotConnected,
// *TimeoutError, ErrConnectionBroken, the context's error, or *RPCError for failures
// reported by the service.
func (c *Client) Call(ctx context.Context, name string, args ...any) (any, error) {
	desc, err := c.contract.LookupMethod(name)
	if err != nil {
		return nil, err
	}
	if len(args) != len(desc.ParamTypes) {
		return nil, fmt.Errorf("client: %s expects %d arguments, got %d", name, len(desc.ParamTypes), len(args))
	}

	params := make([][]byte, len(args))
	for i, a := range args {
		if params[i], err = c.opts.Serializer.Marshal(a, desc.ParamTypes[i]); err != nil {
			return nil, fmt.Errorf("client: %s argument %d: %w", name, i, err)
		}
	}

	resp, err := c.request(ctx, &message.RPCMessage{
		Kind:             message.KindInvokeMethod,
		OperationName:    name,
		SerializedParams: params,
	})
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, &RPCError{
			Message:            resp.ErrorMessage,
			RemoteErrorType:    resp.ErrorType,
			RemoteErrorDetails: resp.ErrorDetails,
		}
	}
	if desc.IsVoid() {
		return nil, nil
	}
	ret, err := c.opts.Serializer.Unmarshal(resp.SerializedReturn, desc.ReturnType)
	if err != nil {
		return nil, fmt.Errorf("client: %s result: %w", name, err)
	}
	return ret, nil
}

// request sends msg under a fresh id and waits for the matching response.
func (c *Client) request(ctx context.Context, msg *message.RPCMessage) (*message.RPCMessage, error) {
	id := c.nextID()
	msg.Id = id

	data, err := c.codec.Encode(msg)
	if err != nil {
		return nil, err
	}

	// Register BEFORE sending, the response may overtake the return of SendMessage
	done := make(chan *message.RPCMessage, 1)
	c.mu.Lock()
	c.pending[id] = done
	c.mu.Unlock()

	if err := c.ch.SendMessage(data); err != nil {
		c.removePending(id)
		return nil, err
	}

	var timeout <-chan time.Time
	if c.opts.CallTimeout > 0 {
		timer := time.NewTimer(c.opts.CallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp, ok := <-done:
		if !ok {
			return nil, ErrConnectionBroken
		}
		return resp, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-timeout:
		c.removePending(id)
		c.logger.Warn("call timed out", zap.String("operation", msg.OperationName), zap.Int32("id", id))
		return nil, &TimeoutError{Operation: msg.OperationName, Timeout: c.opts.CallTimeout}
	}
}

// nextID skips 0, which marks pushed events.
func (c *Client) nextID() int32 {
	for {
		if id := c.seq.Add(1); id != 0 {
			return id
		}
	}
}

func (c *Client) removePending(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending releases every waiting call with ErrConnectionBroken.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int32]chan *message.RPCMessage)
	c.mu.Unlock()

	for _, done := range pending {
		close(done)
	}
	if len(pending) > 0 {
		c.logger.Warn("connection lost, failed pending calls", zap.Int("calls", len(pending)))
	}
}

// onMessage runs on the channel's receive path and must not block. Responses complete their
// call right here; events are handed to the client's own dispatcher.
func (c *Client) onMessage(ev channel.MessageEvent) bool {
	msg := &message.RPCMessage{}
	if err := c.codec.Decode(ev.Message, msg); err != nil {
		c.logger.Warn("dropping undecodable message", zap.Error(err))
		return true
	}

	switch msg.Kind {
	case message.KindResponse:
		c.mu.Lock()
		done, ok := c.pending[msg.Id]
		delete(c.pending, msg.Id)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response without pending call", zap.Int32("id", msg.Id))
			return true
		}
		done <- msg // buffered, never blocks

	case message.KindRaiseEvent:
		c.dispatcher.Post(func() { c.deliverEvent(msg) })

	default:
		c.logger.Warn("unexpected message kind", zap.Stringer("kind", msg.Kind))
	}
	return true
}
