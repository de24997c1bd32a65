package channel

import (
	"context"
	"sync"

	"duplex-rpc/dispatch"
	"duplex-rpc/protocol"
	"duplex-rpc/transport"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
)

type OutputOptions struct {
	// ResponseReceiverID identifies this session to the service. Generated when empty and kept
	// across reconnects.
	ResponseReceiverID string
	Logger             *zap.Logger
}

type OutputOption func(*OutputOptions)

func WithResponseReceiverID(id string) OutputOption {
	return func(opts *OutputOptions) {
		opts.ResponseReceiverID = id
	}
}

func WithOutputLogger(l *zap.Logger) OutputOption {
	return func(opts *OutputOptions) {
		opts.Logger = l
	}
}

// OutputChannel is the client side of a duplex session.
//
// Lifecycle:
//
//	Closed ──OpenConnection──→ Open ──CloseConnection / peer Close / I/O error──→ Closed
//
// ConnectionOpened and ConnectionClosed are raised once per Open→Closed round, on the
// channel's dispatcher. A closed channel can be opened again with the same receiver id.
type OutputChannel struct {
	channelID  string
	receiverID string
	connector  transport.OutputConnector
	logger     *zap.Logger
	dispatcher *dispatch.Queue

	opMu       sync.Mutex // Serializes open and close, never held while handlers run
	mu         sync.Mutex
	connected  bool
	generation uint64 // Bumped on every open and close, so callbacks of an old connection are ignored

	opened   handlerList[ConnectionEvent]
	closed   handlerList[ConnectionEvent]
	messages handlerList[MessageEvent]

	// Run on the I/O path, not on the dispatcher
	interceptors handlerList[*interception]
	closing      handlerList[ConnectionEvent]
}

type interception struct {
	ev       MessageEvent
	consumed bool
}

// NewOutputChannel creates a closed channel that talks to channelID through connector.
func NewOutputChannel(channelID string, connector transport.OutputConnector, options ...OutputOption) *OutputChannel {
	opts := &OutputOptions{}
	for _, o := range options {
		o(opts)
	}
	if opts.ResponseReceiverID == "" {
		opts.ResponseReceiverID = uuid.NewV4().String()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	logger := opts.Logger.Named("output-channel").With(
		zap.String("channel", channelID),
		zap.String("receiver", opts.ResponseReceiverID),
	)
	return &OutputChannel{
		channelID:  channelID,
		receiverID: opts.ResponseReceiverID,
		connector:  connector,
		logger:     logger,
		dispatcher: dispatch.NewQueue(logger),
	}
}

func (c *OutputChannel) ChannelID() string          { return c.channelID }
func (c *OutputChannel) ResponseReceiverID() string { return c.receiverID }

func (c *OutputChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnConnectionOpened registers fn and returns a function that removes it.
func (c *OutputChannel) OnConnectionOpened(fn func(ConnectionEvent)) (remove func()) {
	return c.opened.add(fn)
}

// OnConnectionClosed registers fn and returns a function that removes it.
// fn may call CloseConnection or OpenConnection.
func (c *OutputChannel) OnConnectionClosed(fn func(ConnectionEvent)) (remove func()) {
	return c.closed.add(fn)
}

// OnResponseMessageReceived registers fn for messages pushed by the service.
func (c *OutputChannel) OnResponseMessageReceived(fn func(MessageEvent)) (remove func()) {
	return c.messages.add(fn)
}

// InterceptMessages registers fn on the receive path. fn sees every message before it is
// queued for ResponseMessageReceived and consumes it by returning true. It runs on the
// connector's goroutine, so it must not block; it is how replies reach waiting callers even
// while a handler on the dispatcher is busy.
func (c *OutputChannel) InterceptMessages(fn func(MessageEvent) bool) (remove func()) {
	return c.interceptors.add(func(in *interception) {
		if !in.consumed && fn(in.ev) {
			in.consumed = true
		}
	})
}

// OnConnectionClosing registers fn to run synchronously when the connection goes down, before
// ConnectionClosed is queued. fn must not block and must not call OpenConnection or
// CloseConnection.
func (c *OutputChannel) OnConnectionClosing(fn func(ConnectionEvent)) (remove func()) {
	return c.closing.add(fn)
}

// OpenConnection opens the connector, sends the Open frame and starts receiving. Any failure
// undoes what was done so far and leaves the channel closed.
func (c *OutputChannel) OpenConnection(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	if err := c.connector.Open(ctx); err != nil {
		return &TransportError{Op: "open", Err: err}
	}
	if err := c.connector.Send(&protocol.Frame{Kind: protocol.FrameOpen, ReceiverID: c.receiverID}); err != nil {
		c.connector.Close()
		return &TransportError{Op: "send open", Err: err}
	}
	if err := c.connector.Receive(c.frameHandler(gen), c.closeHandler(gen)); err != nil {
		c.connector.Close()
		return &TransportError{Op: "receive", Err: err}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug("connection opened")
	ev := ConnectionEvent{ChannelID: c.channelID, ResponseReceiverID: c.receiverID}
	c.dispatcher.Post(func() { c.opened.raise(c.logger, "ConnectionOpened", ev) })
	return nil
}

// CloseConnection tells the service goodbye, tears the connector down and raises
// ConnectionClosed. Closing a closed channel is a no-op.
func (c *OutputChannel) CloseConnection() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil
	}

	if err := c.connector.Send(&protocol.Frame{Kind: protocol.FrameClose, ReceiverID: c.receiverID}); err != nil {
		c.logger.Warn("failed to notify the service about the close", zap.Error(err))
	}
	c.teardown(nil)
	return nil
}

// SendMessage sends payload as a Request frame. A failed send closes the channel.
func (c *OutputChannel) SendMessage(payload []byte) error {
	c.mu.Lock()
	connected, gen := c.connected, c.generation
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	err := c.connector.Send(&protocol.Frame{Kind: protocol.FrameRequest, ReceiverID: c.receiverID, Payload: payload})
	if err != nil {
		go c.closeGeneration(gen, err)
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// frameHandler runs on the connector's receive loop and only queues work.
func (c *OutputChannel) frameHandler(gen uint64) transport.FrameHandler {
	return func(f *protocol.Frame) bool {
		switch f.Kind {
		case protocol.FrameRequest:
			ev := MessageEvent{ChannelID: c.channelID, ResponseReceiverID: c.receiverID, Message: f.Payload}
			in := &interception{ev: ev}
			c.interceptors.raise(c.logger, "InterceptMessages", in)
			if in.consumed {
				return true
			}
			c.dispatcher.Post(func() { c.messages.raise(c.logger, "ResponseMessageReceived", ev) })
			return true
		case protocol.FrameClose:
			// Closing waits for this very loop, so it must happen elsewhere
			c.logger.Debug("service closed the connection")
			go c.closeGeneration(gen, nil)
			return false
		default:
			c.logger.Debug("ignoring frame", zap.Stringer("kind", f.Kind))
			return true
		}
	}
}

func (c *OutputChannel) closeHandler(gen uint64) transport.CloseHandler {
	return func(err error) {
		go c.closeGeneration(gen, err)
	}
}

// closeGeneration closes the channel if it is still on connection gen.
func (c *OutputChannel) closeGeneration(gen uint64, cause error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	current := c.connected && c.generation == gen
	c.mu.Unlock()
	if !current {
		return
	}
	if cause != nil {
		c.logger.Warn("connection lost", zap.Error(cause))
	}
	c.teardown(cause)
}

// teardown must be called with opMu held on a connected channel.
func (c *OutputChannel) teardown(cause error) {
	c.mu.Lock()
	c.connected = false
	c.generation++
	c.mu.Unlock()

	if err := c.connector.Close(); err != nil {
		c.logger.Debug("connector close", zap.Error(err))
	}

	c.logger.Debug("connection closed")
	ev := ConnectionEvent{ChannelID: c.channelID, ResponseReceiverID: c.receiverID, Err: cause}
	c.closing.raise(c.logger, "ConnectionClosing", ev)
	c.dispatcher.Post(func() { c.closed.raise(c.logger, "ConnectionClosed", ev) })
}

// Wait blocks until every event raised so far has been delivered. It must not be called from
// an event handler.
func (c *OutputChannel) Wait() {
	c.dispatcher.Wait()
}
