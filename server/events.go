package server

import (
	"fmt"
	"sort"
	"sync"

	"duplex-rpc/contract"
	"duplex-rpc/message"

	"go.uber.org/zap"
)

// EventSource is the implementation side of a contract event. The implementation calls Raise;
// the attached Service forwards every raised payload to the subscribed receivers.
type EventSource struct {
	mu       sync.Mutex
	nextID   int
	handlers []sourceHandler
}

type sourceHandler struct {
	id int
	fn func(payload any)
}

func NewEventSource() *EventSource {
	return &EventSource{}
}

// Subscribe adds fn and returns the function that removes it.
func (e *EventSource) Subscribe(fn func(payload any)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, sourceHandler{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, h := range e.handlers {
			if h.id == id {
				e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
				return
			}
		}
	}
}

// Raise calls every handler with payload on the caller's goroutine. Use nil for events
// without payload.
func (e *EventSource) Raise(payload any) {
	e.mu.Lock()
	handlers := append([]sourceHandler(nil), e.handlers...)
	e.mu.Unlock()

	for _, h := range handlers {
		h.fn(payload)
	}
}

// Handlers returns the number of subscribed handlers.
func (e *EventSource) Handlers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// serviceEvent is the service-side state of one contract event: who wants it pushed.
type serviceEvent struct {
	desc   *contract.EventDesc
	source *EventSource

	mu          sync.Mutex
	subscribers map[string]struct{} // response receiver ids
}

func (e *serviceEvent) add(id string) {
	e.mu.Lock()
	e.subscribers[id] = struct{}{}
	e.mu.Unlock()
}

func (e *serviceEvent) remove(id string) {
	e.mu.Lock()
	delete(e.subscribers, id)
	e.mu.Unlock()
}

func (e *serviceEvent) clear() {
	e.mu.Lock()
	e.subscribers = make(map[string]struct{})
	e.mu.Unlock()
}

func (e *serviceEvent) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.subscribers))
	for id := range e.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// Subscribers returns the receivers subscribed to event name, sorted.
func (s *Service) Subscribers(name string) []string {
	ev, ok := s.events[name]
	if !ok {
		return nil
	}
	ids := ev.snapshot()
	sort.Strings(ids)
	return ids
}

// handleSubscription adds or removes the receiver; both are idempotent.
func (s *Service) handleSubscription(receiverID string, req *message.RPCMessage) *message.RPCMessage {
	ev, ok := s.events[req.OperationName]
	if !ok {
		err := &contract.UnknownOperationError{Kind: "event", Name: req.OperationName}
		return message.ErrorResponse(req.Id, ErrorTypeUnknownOperation, err.Error(), "")
	}
	if req.Kind == message.KindSubscribeEvent {
		ev.add(receiverID)
		s.logger.Debug("subscribed", zap.String("event", req.OperationName), zap.String("receiver", receiverID))
	} else {
		ev.remove(receiverID)
		s.logger.Debug("unsubscribed", zap.String("event", req.OperationName), zap.String("receiver", receiverID))
	}
	return message.NewResponse(req.Id, nil)
}

// dropReceiver removes receiverID from every subscriber set.
func (s *Service) dropReceiver(receiverID string) {
	for _, ev := range s.events {
		ev.remove(receiverID)
	}
}

// broadcast serializes payload once and pushes it to every subscriber of event name. A
// receiver that cannot be reached is considered gone and dropped from all events; the
// broadcast goes on.
func (s *Service) broadcast(name string, payload any) {
	ev := s.events[name]
	ids := ev.snapshot()
	if len(ids) == 0 {
		return
	}
	ch := s.attached()
	if ch == nil {
		return
	}

	msg := &message.RPCMessage{Kind: message.KindRaiseEvent, OperationName: name}
	if ev.desc.PayloadKind == contract.TypedPayload {
		data, err := s.serializer.Marshal(payload, ev.desc.PayloadType)
		if err != nil {
			s.logger.Error("failed to serialize event payload", zap.String("event", name), zap.Error(err))
			return
		}
		msg.SerializedParams = [][]byte{data}
	}
	data, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("event", name), zap.Error(err))
		return
	}

	for _, id := range ids {
		if err := ch.SendResponseMessage(id, data); err != nil {
			s.logger.Warn("event delivery failed, dropping subscriber", zap.String("event", name), zap.String("receiver", id), zap.Error(err))
			s.dropReceiver(id)
		}
	}
}

// Raise is a shortcut for raising event name of the implementation. It panics for events the
// service does not know, which is a programming error.
func (s *Service) Raise(name string, payload any) {
	ev, ok := s.events[name]
	if !ok {
		panic(fmt.Sprintf("server: unknown event %s", name))
	}
	ev.source.Raise(payload)
}
