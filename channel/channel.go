// Package channel builds duplex sessions on top of transport connectors.
//
// An OutputChannel is the client half: it owns one response receiver id, opens the connector,
// announces itself with an Open frame and raises events for the connection and for inbound
// messages. An InputChannel is the server half: it keeps the registry of connected response
// receivers, notices the ones that went silent and routes responses back to them.
//
//	OutputChannel ──Open/Request/Close──→ connector ══ network ══ connector ──→ InputChannel
//	OutputChannel ←──────── Request (responses, events) ═══════════════════════ InputChannel
//
// Event handlers never run on a connector's I/O goroutine. Each OutputChannel has one
// sequential dispatcher; each response receiver of an InputChannel has its own, so the events
// of one receiver arrive in order (Connected, messages, Disconnected) and a slow receiver
// does not hold up the others.
package channel

import (
	"errors"
	"fmt"
	"sync"

	"duplex-rpc/transport"

	"go.uber.org/zap"
)

var (
	ErrAlreadyConnected = errors.New("channel: already connected")
	ErrNotConnected     = errors.New("channel: not connected")
	ErrAlreadyListening = errors.New("channel: already listening")
	ErrNotListening     = errors.New("channel: not listening")
	// ErrDuplicateReceiver is what stream connectors reject a second session with when its
	// response receiver id is bound to another live connection.
	ErrDuplicateReceiver = transport.ErrDuplicateReceiver
)

// TransportError reports an I/O failure of the underlying connector. The channel that
// returned it is closed (output side) or has dropped the receiver (input side).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionEvent describes a session that was opened or closed.
type ConnectionEvent struct {
	ChannelID          string
	ResponseReceiverID string
	// Err is the reason a connection closed on its own; nil for opens and for local closes.
	Err error
}

// MessageEvent carries one inbound message.
type MessageEvent struct {
	ChannelID          string
	ResponseReceiverID string
	Message            []byte
}

// handlerList is an ordered set of event handlers. Raising takes a snapshot, so handlers may
// add or remove handlers (including themselves) while being called.
type handlerList[E any] struct {
	mu      sync.Mutex
	nextID  int
	entries []handlerEntry[E]
}

type handlerEntry[E any] struct {
	id int
	fn func(E)
}

// add registers fn and returns the function that removes it again.
func (l *handlerList[E]) add(fn func(E)) (remove func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, handlerEntry[E]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

func (l *handlerList[E]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// raise calls every handler with e. A panicking handler is logged and skipped; the remaining
// handlers still run.
func (l *handlerList[E]) raise(logger *zap.Logger, event string, e E) {
	l.mu.Lock()
	snapshot := make([]func(E), len(l.entries))
	for i, entry := range l.entries {
		snapshot[i] = entry.fn
	}
	l.mu.Unlock()

	for _, fn := range snapshot {
		callHandler(logger, event, fn, e)
	}
}

func callHandler[E any](logger *zap.Logger, event string, fn func(E), e E) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn(e)
}
