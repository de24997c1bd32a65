// Package transport implements the connectors that carry protocol frames between a duplex
// output channel (client side) and a duplex input channel (server side).
//
// Three carriers share one contract:
//
//	TCP        one long-lived socket per response receiver, frames back to back
//	WebSocket  one long-lived websocket per response receiver, one binary message per frame
//	HTTP       client POSTs frames and polls with GET ?id=<receiver>; the server queues
//	           outbound frames per receiver until the next poll
//
// Everything above this package (channels, RPC) only sees OutputConnector and InputConnector.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"duplex-rpc/protocol"

	"go.uber.org/zap"
)

var (
	ErrNotOpen           = errors.New("transport: connector is not open")
	ErrAlreadyOpen       = errors.New("transport: connector is already open")
	ErrNotListening      = errors.New("transport: connector is not listening")
	ErrAlreadyListening  = errors.New("transport: connector is already listening")
	ErrUnknownReceiver   = errors.New("transport: unknown response receiver")
	ErrDuplicateReceiver = errors.New("transport: response receiver id is already connected")
)

// SessionHeader carries the per-connector token an HTTP client sends with its frames. The
// server binds a receiver id to the token of its Open and rejects an Open with another token.
const SessionHeader = "X-Duplex-Session"

// FrameHandler receives inbound frames. Returning false stops the receive loop.
type FrameHandler func(frame *protocol.Frame) bool

// CloseHandler is called once when a receive loop ends for any reason other than a local Close:
// peer hang-up (err is io.EOF), I/O failure, or the server forgetting the receiver.
type CloseHandler func(err error)

// OutputConnector is the client-side half of a transport.
//
// The owner calls Open, sends the Open control frame, then starts Receive. Close tears the
// connection down and waits for the receive loop; it must not be called from inside a
// FrameHandler. A closed connector may be opened again.
type OutputConnector interface {
	Open(ctx context.Context) error
	Receive(onFrame FrameHandler, onClose CloseHandler) error
	Send(frame *protocol.Frame) error
	Close() error
	IsOpen() bool
}

// InputHandler consumes what an InputConnector receives. Both methods are called from the
// connector's I/O goroutines and must return quickly.
type InputHandler interface {
	HandleFrame(frame *protocol.Frame)
	// HandleDisconnect reports a receiver the transport lost on its own (EOF, I/O error).
	// It is not called for receivers closed through CloseConnection or StopListening.
	HandleDisconnect(receiverID string, err error)
}

// InputConnector is the server-side half of a transport.
type InputConnector interface {
	StartListening(handler InputHandler) error
	StopListening() error
	IsListening() bool
	SendResponse(receiverID string, frame *protocol.Frame) error
	CloseConnection(receiverID string) error
}

// InactivityReporter is implemented by connectors whose disconnects cannot be observed
// directly (HTTP polling). The input channel arms its inactivity timer with this value.
type InactivityReporter interface {
	InactivityTimeout() time.Duration
}

// ------------------- Client Options -------------------

type ClientOptions struct {
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration // stream carriers: send a Poll frame this often, 0 disables
	PollInterval      time.Duration // HTTP: delay between empty polls
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		DialTimeout:  5 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

type ClientOption func(*ClientOptions)

func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.DialTimeout = timeout
	}
}

func WithHeartbeat(interval time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.HeartbeatInterval = interval
	}
}

func WithPollInterval(interval time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.PollInterval = interval
	}
}

func WithHTTPClient(c *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = c
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = l
	}
}

func newClientOptions(name string, options []ClientOption) *ClientOptions {
	opts := DefaultClientOptions()
	for _, o := range options {
		o(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	opts.Logger = opts.Logger.Named(name)
	return opts
}

// ------------------- Server Options -------------------

type ServerOptions struct {
	InactivityTimeout  time.Duration // HTTP: a receiver that has not polled for this long is gone
	MaxPollBytes       int           // HTTP: upper bound of one poll response (one frame is always sent)
	MaxRequestBodySize int64
	ListenAddress      string // HTTP/WebSocket: run an own http.Server on this address
	CheckOrigin        func(r *http.Request) bool
	Logger             *zap.Logger
}

func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		InactivityTimeout:  30 * time.Second,
		MaxPollBytes:       1 << 20,
		MaxRequestBodySize: int64(protocol.HeaderSize + 0xFFFF + protocol.MaxBodySize),
	}
}

type ServerOption func(*ServerOptions)

func WithInactivityTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.InactivityTimeout = timeout
	}
}

func WithMaxPollBytes(n int) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxPollBytes = n
	}
}

func WithMaxRequestBodySize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestBodySize = size
	}
}

func WithListenAddress(addr string) ServerOption {
	return func(opts *ServerOptions) {
		opts.ListenAddress = addr
	}
}

func WithCheckOrigin(f func(r *http.Request) bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CheckOrigin = f
	}
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(opts *ServerOptions) {
		opts.Logger = l
	}
}

func newServerOptions(name string, options []ServerOption) *ServerOptions {
	opts := DefaultServerOptions()
	for _, o := range options {
		o(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	opts.Logger = opts.Logger.Named(name)
	return opts
}
