package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"duplex-rpc/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConn carries one frame per binary websocket message.
type wsConn struct {
	conn    *websocket.Conn
	sending sync.Mutex // gorilla/websocket allows one concurrent writer
}

func (c *wsConn) ReadFrame() (*protocol.Frame, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, &protocol.FormatError{Reason: "non-binary websocket message"}
	}
	return protocol.Unmarshal(data)
}

func (c *wsConn) WriteFrame(f *protocol.Frame) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, protocol.Marshal(f))
}

func (c *wsConn) Close() error          { return c.conn.Close() }
func (c *wsConn) RemoteAddr() string    { return c.conn.RemoteAddr().String() }
func (c *wsConn) MessageOriented() bool { return true }

// WebSocketClient is an OutputConnector over a websocket, for peers that can only reach the
// service through HTTP infrastructure but still want push delivery.
type WebSocketClient struct {
	*streamClient
	url string
}

// NewWebSocketClient creates a connector that dials url ("ws://host/path") on Open.
func NewWebSocketClient(url string, options ...ClientOption) *WebSocketClient {
	opts := newClientOptions("ws-client", options)
	c := &WebSocketClient{url: url}
	c.streamClient = newStreamClient(func(ctx context.Context) (frameConn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}, opts)
	return c
}

// WebSocketServer is an InputConnector that upgrades HTTP requests to websockets.
// Mount it on an existing mux, or set WithListenAddress to let StartListening run its own server.
type WebSocketServer struct {
	*streamServer
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
}

func NewWebSocketServer(options ...ServerOption) *WebSocketServer {
	opts := newServerOptions("ws-server", options)
	return &WebSocketServer{
		streamServer: newStreamServer(opts),
		upgrader:     websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.isListening() {
		http.Error(w, "not listening", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serve(&wsConn{conn: conn})
}

func (s *WebSocketServer) StartListening(handler InputHandler) error {
	if err := s.start(handler); err != nil {
		return err
	}
	if s.opts.ListenAddress == "" {
		return nil
	}
	l, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		s.stop()
		return err
	}
	s.listener = l
	s.server = &http.Server{Handler: s}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *WebSocketServer) StopListening() error {
	if !s.isListening() {
		return nil
	}
	var err error
	if s.server != nil {
		// Hijacked websocket conns are not tracked by http.Server; stop() closes them.
		err = s.server.Close()
		s.server = nil
	}
	s.stop()
	return err
}

func (s *WebSocketServer) IsListening() bool { return s.isListening() }

// Addr returns the address of the own listener, or "" when mounted elsewhere.
func (s *WebSocketServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *WebSocketServer) SendResponse(receiverID string, f *protocol.Frame) error {
	return s.sendResponse(receiverID, f)
}

func (s *WebSocketServer) CloseConnection(receiverID string) error {
	return s.closeConnection(receiverID)
}
