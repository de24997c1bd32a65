// Package server implements the service side of the RPC layer: method dispatch, the middleware
// chain, event subscriptions and graceful shutdown.
//
// Request processing pipeline:
//
//	InputChannel MessageReceived (per-receiver dispatcher)
//	  → Codec.Decode
//	  → InvokeMethod: go handleRequest (parallel processing)
//	      → Middleware Chain → businessHandler (MethodFunc) → Codec.Encode → SendResponseMessage
//	  → SubscribeEvent / UnsubscribeEvent: update the subscriber set inline, respond
//
// Events raised by the implementation are serialized once and pushed to every subscribed
// response receiver.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"duplex-rpc/channel"
	"duplex-rpc/codec"
	"duplex-rpc/contract"
	"duplex-rpc/message"
	"duplex-rpc/middleware"

	"go.uber.org/zap"
)

// Remote error types produced by the service itself. Errors returned by methods get their own
// type name, see ErrorTyper.
const (
	ErrorTypeUnknownOperation = "UnknownOperationError"
	ErrorTypeArgument         = "ArgumentError"
	ErrorTypeSerialization    = "SerializationError"
	ErrorTypePanic            = middleware.ErrorTypePanic
	ErrorTypeProtocol         = "ProtocolError"
)

var ErrAlreadyAttached = errors.New("server: service is already attached to a channel")

// ErrorTyper lets a method error choose the type name reported to the client. Without it the
// Go type of the error is used.
type ErrorTyper interface {
	ErrorType() string
}

// MethodFunc implements one contract method. args are decoded by the declared parameter
// types; the result must have the declared return type (or be nil for void methods).
type MethodFunc func(ctx context.Context, args []any) (any, error)

// Implementation is the explicit dispatch table of a service.
type Implementation struct {
	Methods map[string]MethodFunc
	Events  map[string]*EventSource
}

// Channel is the part of channel.InputChannel the service uses.
type Channel interface {
	SendResponseMessage(receiverID string, payload []byte) error
	OnMessageReceived(fn func(channel.MessageEvent)) (remove func())
	OnResponseReceiverDisconnected(fn func(channel.ConnectionEvent)) (remove func())
}

// ------------------- Options -------------------

type Options struct {
	CodecType   codec.CodecType
	Serializer  codec.Serializer
	Middlewares []middleware.Middleware // Applied in order: the first one is the outermost
	Logger      *zap.Logger
}

type Option func(*Options)

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

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(opts *Options) {
		opts.Middlewares = append(opts.Middlewares, mws...)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = l
	}
}

// ------------------- Service -------------------

type method struct {
	desc *contract.MethodDesc
	fn   MethodFunc
}

// Service dispatches requests of one input channel to an Implementation.
type Service struct {
	contract   *contract.Contract
	codec      codec.Codec
	serializer codec.Serializer
	logger     *zap.Logger
	methods    map[string]*method
	events     map[string]*serviceEvent
	handler    middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	mu     sync.Mutex
	ch     Channel
	detach []func()
	wg     sync.WaitGroup // Tracks in-flight invocations for Shutdown
}

// NewService checks impl against c and builds the dispatch tables. Every contract method and
// event needs an implementation, and impl must not contain names c does not declare.
func NewService(c *contract.Contract, impl Implementation, options ...Option) (*Service, error) {
	opts := &Options{CodecType: codec.CodecTypeBinary, Serializer: codec.AutoSerializer{}}
	for _, o := range options {
		o(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}

	s := &Service{
		contract:   c,
		codec:      codec.GetCodec(opts.CodecType),
		serializer: opts.Serializer,
		logger:     opts.Logger.Named("rpc-service").With(zap.String("service", c.Name())),
		methods:    make(map[string]*method),
		events:     make(map[string]*serviceEvent),
	}

	for _, name := range c.Methods() {
		fn, ok := impl.Methods[name]
		if !ok || fn == nil {
			return nil, fmt.Errorf("server: method %s of %s is not implemented", name, c.Name())
		}
		desc, _ := c.LookupMethod(name)
		s.methods[name] = &method{desc: desc, fn: fn}
	}
	for name := range impl.Methods {
		if _, ok := s.methods[name]; !ok {
			return nil, fmt.Errorf("server: method %s is not declared by %s", name, c.Name())
		}
	}
	for _, name := range c.Events() {
		src, ok := impl.Events[name]
		if !ok || src == nil {
			return nil, fmt.Errorf("server: event %s of %s has no source", name, c.Name())
		}
		desc, _ := c.LookupEvent(name)
		s.events[name] = &serviceEvent{desc: desc, source: src, subscribers: make(map[string]struct{})}
	}
	for name := range impl.Events {
		if _, ok := s.events[name]; !ok {
			return nil, fmt.Errorf("server: event %s is not declared by %s", name, c.Name())
		}
	}

	// Build the middleware chain once (not per request)
	s.handler = middleware.Chain(opts.Middlewares...)(s.businessHandler)
	return s, nil
}

// Attach starts serving requests arriving on ch and forwarding the implementation's events to
// the receivers that subscribed to them.
func (s *Service) Attach(ch Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		return ErrAlreadyAttached
	}
	s.ch = ch
	s.detach = append(s.detach,
		ch.OnMessageReceived(s.onMessage),
		ch.OnResponseReceiverDisconnected(func(ev channel.ConnectionEvent) {
			s.dropReceiver(ev.ResponseReceiverID)
		}),
	)
	for name, ev := range s.events {
		name := name
		s.detach = append(s.detach, ev.source.Subscribe(func(payload any) {
			s.broadcast(name, payload)
		}))
	}
	return nil
}

// Detach stops serving: channel handlers and event forwarding are removed and every
// subscriber set is cleared. Invocations still running finish, but their responses are
// dropped.
func (s *Service) Detach() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.ch = nil
	s.mu.Unlock()

	for _, remove := range detach {
		remove()
	}
	for _, ev := range s.events {
		ev.clear()
	}
}

// Shutdown detaches the service and waits for in-flight invocations until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.Detach()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: waiting for ongoing invocations: %w", ctx.Err())
	}
}

func (s *Service) attached() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// onMessage runs on the dispatcher of the sending receiver.
func (s *Service) onMessage(ev channel.MessageEvent) {
	req := &message.RPCMessage{}
	if err := s.codec.Decode(ev.Message, req); err != nil {
		s.logger.Warn("dropping undecodable request", zap.String("receiver", ev.ResponseReceiverID), zap.Error(err))
		return
	}

	switch req.Kind {
	case message.KindInvokeMethod:
		// Add under mu so that once Detach returns no invocation can join the wait group
		s.mu.Lock()
		if s.ch == nil {
			s.mu.Unlock()
			s.logger.Debug("dropping request after detach", zap.String("receiver", ev.ResponseReceiverID), zap.String("op", req.OperationName))
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		// Without `go`, a slow method would hold up every later request of this receiver
		go s.handleRequest(ev.ResponseReceiverID, req)

	case message.KindSubscribeEvent, message.KindUnsubscribeEvent:
		s.respond(ev.ResponseReceiverID, s.handleSubscription(ev.ResponseReceiverID, req))

	default:
		s.logger.Warn("unexpected request kind", zap.Stringer("kind", req.Kind), zap.String("receiver", ev.ResponseReceiverID))
		if req.Id != 0 {
			s.respond(ev.ResponseReceiverID, message.ErrorResponse(req.Id, ErrorTypeProtocol,
				fmt.Sprintf("unexpected message kind %v", req.Kind), ""))
		}
	}
}

// handleRequest runs one invocation through the middleware chain and sends the response.
func (s *Service) handleRequest(receiverID string, req *message.RPCMessage) {
	defer s.wg.Done()

	ctx := withReceiverID(context.Background(), receiverID)
	resp := s.handler(ctx, req)
	if resp == nil {
		resp = message.NewResponse(req.Id, nil)
	}
	// Preserve the request id so the client can match it
	resp.Id = req.Id
	resp.Kind = message.KindResponse
	s.respond(receiverID, resp)
}

func (s *Service) respond(receiverID string, resp *message.RPCMessage) {
	ch := s.attached()
	if ch == nil {
		s.logger.Debug("detached, dropping response", zap.String("receiver", receiverID), zap.Int32("id", resp.Id))
		return
	}
	data, err := s.codec.Encode(resp)
	if err != nil {
		s.logger.Error("failed to encode response", zap.String("operation", resp.OperationName), zap.Error(err))
		return
	}
	if err := ch.SendResponseMessage(receiverID, data); err != nil {
		s.logger.Warn("failed to send response", zap.String("receiver", receiverID), zap.Int32("id", resp.Id), zap.Error(err))
	}
}

// businessHandler is the core handler wrapped by the middleware chain.
//
// Flow: find method → check arity → Serializer.Unmarshal each argument by its declared type →
// MethodFunc → Serializer.Marshal the result by the declared return type
func (s *Service) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	m, ok := s.methods[req.OperationName]
	if !ok {
		err := &contract.UnknownOperationError{Kind: "method", Name: req.OperationName}
		return message.ErrorResponse(req.Id, ErrorTypeUnknownOperation, err.Error(), "")
	}
	if len(req.SerializedParams) != len(m.desc.ParamTypes) {
		return message.ErrorResponse(req.Id, ErrorTypeArgument,
			fmt.Sprintf("%s expects %d arguments, got %d", req.OperationName, len(m.desc.ParamTypes), len(req.SerializedParams)), "")
	}

	args := make([]any, len(req.SerializedParams))
	for i, p := range req.SerializedParams {
		v, err := s.serializer.Unmarshal(p, m.desc.ParamTypes[i])
		if err != nil {
			return message.ErrorResponse(req.Id, ErrorTypeArgument,
				fmt.Sprintf("%s argument %d: %v", req.OperationName, i, err), "")
		}
		args[i] = v
	}

	ret, err := s.invoke(ctx, m, args)
	if err != nil {
		return errorResponse(req.Id, err)
	}
	if m.desc.IsVoid() {
		return message.NewResponse(req.Id, nil)
	}
	data, err := s.serializer.Marshal(ret, m.desc.ReturnType)
	if err != nil {
		return message.ErrorResponse(req.Id, ErrorTypeSerialization,
			fmt.Sprintf("%s result: %v", req.OperationName, err), "")
	}
	return message.NewResponse(req.Id, data)
}

// invoke calls the method and turns a panic into an error.
func (s *Service) invoke(ctx context.Context, m *method, args []any) (ret any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("method panicked", zap.String("operation", m.desc.Name), zap.Any("panic", r), zap.Stack("stack"))
			err = &middleware.PanicError{Value: r}
		}
	}()
	return m.fn(ctx, args)
}

// errorResponse maps a method error to a failed Response.
func errorResponse(id int32, err error) *message.RPCMessage {
	errType := fmt.Sprintf("%T", err)
	var typer ErrorTyper
	if errors.As(err, &typer) {
		errType = typer.ErrorType()
	}
	return message.ErrorResponse(id, errType, err.Error(), fmt.Sprintf("%+v", err))
}

type receiverKey struct{}

func withReceiverID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, receiverKey{}, id)
}

// ReceiverID returns the response receiver a method is invoked for.
func ReceiverID(ctx context.Context) string {
	id, _ := ctx.Value(receiverKey{}).(string)
	return id
}
