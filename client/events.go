package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"duplex-rpc/message"

	"go.uber.org/zap"
)

// Event is one occurrence of a remote event. Payload is decoded by the event's declared type
// and is nil for events without payload.
type Event struct {
	Name    string
	Payload any
}

// EventHandler receives remote events. Handlers are compared with == to make subscribing
// idempotent, so implementations must be comparable (pointers are).
type EventHandler interface {
	HandleEvent(e Event)
}

type handlerFunc struct {
	fn func(Event)
}

func (h *handlerFunc) HandleEvent(e Event) { h.fn(e) }

// NewEventHandler wraps fn. Keep the returned handler to unsubscribe it later.
func NewEventHandler(fn func(Event)) EventHandler {
	return &handlerFunc{fn: fn}
}

// HandlerOf wraps a handler for events with payload type T. Events whose payload is not a T
// are logged and skipped by the client.
func HandlerOf[T any](fn func(T)) EventHandler {
	return NewEventHandler(func(e Event) {
		var payload T
		if e.Payload != nil {
			p, ok := e.Payload.(T)
			if !ok {
				panic(fmt.Sprintf("client: event %s payload is %T, handler expects %T", e.Name, e.Payload, payload))
			}
			payload = p
		}
		fn(payload)
	})
}

var errBadHandler = errors.New("client: event handler must be a non-nil comparable value")

func checkHandler(h EventHandler) error {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return errBadHandler
	}
	return nil
}

// Subscribe adds h to the local handlers of event name. The first handler of an event makes
// the service start pushing it. A failed remote subscription is logged only: the handler stays
// registered and the subscription is retried on the next reconnect. Subscribing a handler
// twice has no effect.
func (c *Client) Subscribe(ctx context.Context, name string, h EventHandler) error {
	ev, err := c.event(name)
	if err != nil {
		return err
	}
	if err := checkHandler(h); err != nil {
		return err
	}

	ev.subMu.Lock()
	defer ev.subMu.Unlock()

	ev.mu.Lock()
	for _, existing := range ev.handlers {
		if existing == h {
			ev.mu.Unlock()
			return nil
		}
	}
	first := len(ev.handlers) == 0
	ev.handlers = append(ev.handlers, h)
	ev.mu.Unlock()

	if first && c.ch.IsConnected() {
		if err := c.remoteSubscription(ctx, message.KindSubscribeEvent, name); err != nil {
			c.logger.Warn("remote subscribe failed, delivering locally only", zap.String("event", name), zap.Error(err))
		}
	}
	return nil
}

// Unsubscribe removes h. Removing the last handler makes the service stop pushing the event.
func (c *Client) Unsubscribe(ctx context.Context, name string, h EventHandler) error {
	ev, err := c.event(name)
	if err != nil {
		return err
	}
	if err := checkHandler(h); err != nil {
		return err
	}

	ev.subMu.Lock()
	defer ev.subMu.Unlock()

	ev.mu.Lock()
	removed := false
	for i, existing := range ev.handlers {
		if existing == h {
			ev.handlers = append(ev.handlers[:i:i], ev.handlers[i+1:]...)
			removed = true
			break
		}
	}
	last := removed && len(ev.handlers) == 0
	ev.mu.Unlock()

	if last && c.ch.IsConnected() {
		if err := c.remoteSubscription(ctx, message.KindUnsubscribeEvent, name); err != nil {
			c.logger.Warn("remote unsubscribe failed", zap.String("event", name), zap.Error(err))
		}
	}
	return nil
}

// Subscribed returns the number of local handlers of event name.
func (c *Client) Subscribed(name string) int {
	ev, err := c.event(name)
	if err != nil {
		return 0
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return len(ev.handlers)
}

func (c *Client) event(name string) (*remoteEvent, error) {
	if _, err := c.contract.LookupEvent(name); err != nil {
		return nil, err
	}
	return c.events[name], nil
}

func (c *Client) remoteSubscription(ctx context.Context, kind message.Kind, name string) error {
	resp, err := c.request(ctx, &message.RPCMessage{Kind: kind, OperationName: name})
	if err != nil {
		return err
	}
	if resp.Failed() {
		return &RPCError{Message: resp.ErrorMessage, RemoteErrorType: resp.ErrorType, RemoteErrorDetails: resp.ErrorDetails}
	}
	return nil
}

// resubscribe restores the service-side subscriptions after a (re)connect. The service forgot
// them when the previous connection went away.
func (c *Client) resubscribe() {
	for _, name := range c.contract.Events() {
		ev := c.events[name]
		ev.subMu.Lock()
		if len(ev.snapshot()) > 0 {
			if err := c.remoteSubscription(context.Background(), message.KindSubscribeEvent, name); err != nil {
				c.logger.Warn("resubscribe failed", zap.String("event", name), zap.Error(err))
			} else {
				c.logger.Debug("resubscribed", zap.String("event", name))
			}
		}
		ev.subMu.Unlock()
	}
}

// deliverEvent runs on the client's dispatcher.
func (c *Client) deliverEvent(msg *message.RPCMessage) {
	ev, ok := c.events[msg.OperationName]
	if !ok {
		c.logger.Warn("dropping unknown event", zap.String("event", msg.OperationName))
		return
	}
	handlers := ev.snapshot()
	if len(handlers) == 0 {
		return
	}

	e := Event{Name: msg.OperationName}
	if ev.desc.PayloadType != nil {
		var data []byte
		if len(msg.SerializedParams) > 0 {
			data = msg.SerializedParams[0]
		}
		payload, err := c.opts.Serializer.Unmarshal(data, ev.desc.PayloadType)
		if err != nil {
			c.logger.Warn("dropping event with undecodable payload", zap.String("event", msg.OperationName), zap.Error(err))
			return
		}
		e.Payload = payload
	}

	for _, h := range handlers {
		c.callHandler(h, e)
	}
}

func (c *Client) callHandler(h EventHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", zap.String("event", e.Name), zap.Any("panic", r))
		}
	}()
	h.HandleEvent(e)
}

// Wait blocks until the events received so far have been delivered to their handlers.
// It must not be called from an event handler.
func (c *Client) Wait() {
	c.dispatcher.Wait()
}
