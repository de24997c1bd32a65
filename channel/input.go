package channel

import (
	"errors"
	"sort"
	"sync"
	"time"

	"duplex-rpc/dispatch"
	"duplex-rpc/protocol"
	"duplex-rpc/transport"

	"go.uber.org/zap"
)

type InputOptions struct {
	// InactivityTimeout disconnects receivers that sent nothing for this long. When zero the
	// connector's own value is used if it implements transport.InactivityReporter; otherwise
	// no inactivity detection happens.
	InactivityTimeout time.Duration
	Logger            *zap.Logger
}

type InputOption func(*InputOptions)

func WithInactivityTimeout(timeout time.Duration) InputOption {
	return func(opts *InputOptions) {
		opts.InactivityTimeout = timeout
	}
}

func WithInputLogger(l *zap.Logger) InputOption {
	return func(opts *InputOptions) {
		opts.Logger = l
	}
}

// receiver is one registered response receiver.
type receiver struct {
	id           string
	lastActivity time.Time
	queue        *dispatch.Queue // Connected → messages → Disconnected, in order
}

// InputChannel is the server side of duplex sessions: the registry of connected response
// receivers. It implements transport.InputHandler for its connector.
//
// Every way a receiver can go (Close frame, transport disconnect, inactivity, forced
// disconnect, StopListening) removes it from the registry under the lock first; only the
// caller that actually removed it raises ResponseReceiverDisconnected, so the event fires
// exactly once per session.
type InputChannel struct {
	channelID string
	connector transport.InputConnector
	timeout   time.Duration
	logger    *zap.Logger

	mu        sync.Mutex
	listening bool
	receivers map[string]*receiver
	sweep     *time.Timer // Armed only while receivers is non-empty
	sweepGen  uint64      // Invalidates a sweep that fired while being stopped

	connected    handlerList[ConnectionEvent]
	disconnected handlerList[ConnectionEvent]
	messages     handlerList[MessageEvent]
}

func NewInputChannel(channelID string, connector transport.InputConnector, options ...InputOption) *InputChannel {
	opts := &InputOptions{}
	for _, o := range options {
		o(opts)
	}
	if opts.InactivityTimeout == 0 {
		if r, ok := connector.(transport.InactivityReporter); ok {
			opts.InactivityTimeout = r.InactivityTimeout()
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &InputChannel{
		channelID: channelID,
		connector: connector,
		timeout:   opts.InactivityTimeout,
		logger:    opts.Logger.Named("input-channel").With(zap.String("channel", channelID)),
		receivers: make(map[string]*receiver),
	}
}

func (c *InputChannel) ChannelID() string { return c.channelID }

// OnResponseReceiverConnected registers fn and returns a function that removes it.
func (c *InputChannel) OnResponseReceiverConnected(fn func(ConnectionEvent)) (remove func()) {
	return c.connected.add(fn)
}

// OnResponseReceiverDisconnected registers fn and returns a function that removes it.
func (c *InputChannel) OnResponseReceiverDisconnected(fn func(ConnectionEvent)) (remove func()) {
	return c.disconnected.add(fn)
}

// OnMessageReceived registers fn for Request payloads sent by response receivers.
func (c *InputChannel) OnMessageReceived(fn func(MessageEvent)) (remove func()) {
	return c.messages.add(fn)
}

func (c *InputChannel) StartListening() error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	c.listening = true
	c.mu.Unlock()

	if err := c.connector.StartListening(c); err != nil {
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
		return &TransportError{Op: "listen", Err: err}
	}
	c.logger.Info("listening", zap.Duration("inactivityTimeout", c.timeout))
	return nil
}

// StopListening stops the connector and disconnects every receiver.
func (c *InputChannel) StopListening() error {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return nil
	}
	c.listening = false
	gone := make([]*receiver, 0, len(c.receivers))
	for _, r := range c.receivers {
		gone = append(gone, r)
	}
	c.receivers = make(map[string]*receiver)
	c.stopSweepLocked()
	c.mu.Unlock()

	err := c.connector.StopListening()
	for _, r := range gone {
		c.raiseDisconnected(r, nil)
	}
	c.logger.Info("stopped listening", zap.Int("disconnected", len(gone)))
	return err
}

func (c *InputChannel) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// ConnectedReceivers returns the ids of all connected response receivers, sorted.
func (c *InputChannel) ConnectedReceivers() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.receivers))
	for id := range c.receivers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// IsConnected reports whether receiverID is registered.
func (c *InputChannel) IsConnected(receiverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.receivers[receiverID]
	return ok
}

// SendResponseMessage sends payload to receiverID. A transport failure is taken as the
// receiver being gone: it is disconnected and a *TransportError returned.
func (c *InputChannel) SendResponseMessage(receiverID string, payload []byte) error {
	c.mu.Lock()
	_, ok := c.receivers[receiverID]
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	err := c.connector.SendResponse(receiverID, &protocol.Frame{Kind: protocol.FrameRequest, ReceiverID: receiverID, Payload: payload})
	if err == nil {
		return nil
	}
	c.logger.Warn("send failed, disconnecting receiver", zap.String("receiver", receiverID), zap.Error(err))
	if r := c.remove(receiverID); r != nil {
		if !errors.Is(err, transport.ErrUnknownReceiver) {
			c.closeConnection(receiverID)
		}
		c.raiseDisconnected(r, err)
	}
	return &TransportError{Op: "send", Err: err}
}

// DisconnectResponseReceiver forcibly closes the session of receiverID. Subscribers see the
// same ResponseReceiverDisconnected a natural disconnect raises.
func (c *InputChannel) DisconnectResponseReceiver(receiverID string) error {
	r := c.remove(receiverID)
	if r == nil {
		return ErrNotConnected
	}
	c.logger.Info("disconnecting receiver", zap.String("receiver", receiverID))
	c.closeConnection(receiverID)
	c.raiseDisconnected(r, nil)
	return nil
}

// HandleFrame is called by the connector for every inbound frame.
func (c *InputChannel) HandleFrame(f *protocol.Frame) {
	switch f.Kind {
	case protocol.FrameOpen:
		c.register(f.ReceiverID)

	case protocol.FrameRequest:
		// Register lazily: over HTTP a Request can overtake its Open
		r := c.register(f.ReceiverID)
		if r == nil {
			return
		}
		ev := MessageEvent{ChannelID: c.channelID, ResponseReceiverID: f.ReceiverID, Message: f.Payload}
		r.queue.Post(func() { c.messages.raise(c.logger, "MessageReceived", ev) })

	case protocol.FramePoll:
		c.mu.Lock()
		if r, ok := c.receivers[f.ReceiverID]; ok {
			r.lastActivity = time.Now()
		}
		c.mu.Unlock()

	case protocol.FrameClose:
		if r := c.remove(f.ReceiverID); r != nil {
			c.logger.Debug("receiver closed the connection", zap.String("receiver", f.ReceiverID))
			c.raiseDisconnected(r, nil)
		}

	default:
		c.logger.Warn("dropping frame of unknown kind", zap.String("receiver", f.ReceiverID))
	}
}

// HandleDisconnect is called by the connector when it lost a receiver on its own.
func (c *InputChannel) HandleDisconnect(receiverID string, err error) {
	if r := c.remove(receiverID); r != nil {
		c.logger.Debug("receiver disconnected", zap.String("receiver", receiverID), zap.Error(err))
		c.raiseDisconnected(r, err)
	}
}

// register returns the receiver for id, creating it (and raising Connected) when it is new.
// Activity is refreshed either way. Returns nil when the channel is not listening.
func (c *InputChannel) register(id string) *receiver {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return nil
	}
	now := time.Now()
	if r, ok := c.receivers[id]; ok {
		r.lastActivity = now
		c.mu.Unlock()
		return r
	}
	r := &receiver{id: id, lastActivity: now, queue: dispatch.NewQueue(c.logger)}
	c.receivers[id] = r
	c.armSweepLocked()
	c.mu.Unlock()

	c.logger.Debug("receiver connected", zap.String("receiver", id))
	ev := ConnectionEvent{ChannelID: c.channelID, ResponseReceiverID: id}
	r.queue.Post(func() { c.connected.raise(c.logger, "ResponseReceiverConnected", ev) })
	return r
}

// remove takes id out of the registry. Only the caller that gets a non-nil receiver may raise
// the disconnect.
func (c *InputChannel) remove(id string) *receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receivers[id]
	if !ok {
		return nil
	}
	delete(c.receivers, id)
	if len(c.receivers) == 0 {
		c.stopSweepLocked()
	}
	return r
}

func (c *InputChannel) raiseDisconnected(r *receiver, cause error) {
	ev := ConnectionEvent{ChannelID: c.channelID, ResponseReceiverID: r.id, Err: cause}
	r.queue.Post(func() { c.disconnected.raise(c.logger, "ResponseReceiverDisconnected", ev) })
}

func (c *InputChannel) closeConnection(id string) {
	if err := c.connector.CloseConnection(id); err != nil && !errors.Is(err, transport.ErrUnknownReceiver) {
		c.logger.Warn("closing receiver connection failed", zap.String("receiver", id), zap.Error(err))
	}
}

// sweepPeriod bounds detection to 1.5 × timeout.
func (c *InputChannel) sweepPeriod() time.Duration {
	return c.timeout / 2
}

func (c *InputChannel) armSweepLocked() {
	if c.timeout <= 0 || c.sweep != nil {
		return
	}
	c.sweepGen++
	gen := c.sweepGen
	c.sweep = time.AfterFunc(c.sweepPeriod(), func() { c.sweepInactive(gen) })
}

func (c *InputChannel) stopSweepLocked() {
	if c.sweep != nil {
		c.sweep.Stop()
		c.sweep = nil
	}
	c.sweepGen++
}

// sweepInactive disconnects every receiver that has been silent longer than the timeout and
// re-arms the timer while receivers remain.
func (c *InputChannel) sweepInactive(gen uint64) {
	c.mu.Lock()
	if !c.listening || gen != c.sweepGen {
		c.mu.Unlock()
		return
	}
	deadline := time.Now().Add(-c.timeout)
	var expired []*receiver
	for id, r := range c.receivers {
		if r.lastActivity.Before(deadline) {
			expired = append(expired, r)
			delete(c.receivers, id)
		}
	}
	c.sweep = nil
	if len(c.receivers) > 0 {
		c.armSweepLocked()
	}
	c.mu.Unlock()

	for _, r := range expired {
		c.logger.Info("receiver inactive, disconnecting", zap.String("receiver", r.id), zap.Duration("timeout", c.timeout))
		c.closeConnection(r.id)
		c.raiseDisconnected(r, nil)
	}
}
