package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"

	"duplex-rpc/protocol"

	"go.uber.org/zap"
)

// tcpConn frames a net.Conn with protocol.Encode/Decode.
type tcpConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	sending sync.Mutex // concurrent senders share one conn, whole frames only
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *tcpConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.Decode(c.reader)
}

func (c *tcpConn) WriteFrame(f *protocol.Frame) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.Encode(c.conn, f)
}

func (c *tcpConn) Close() error          { return c.conn.Close() }
func (c *tcpConn) RemoteAddr() string    { return c.conn.RemoteAddr().String() }
func (c *tcpConn) MessageOriented() bool { return false }

// TCPClient is the socket variant of OutputConnector: one long-lived TCP stream per
// response receiver. Closing the stream is the disconnect signal.
type TCPClient struct {
	*streamClient
	address string
}

// NewTCPClient creates a connector that dials address on Open.
func NewTCPClient(address string, options ...ClientOption) *TCPClient {
	opts := newClientOptions("tcp-client", options)
	c := &TCPClient{address: address}
	c.streamClient = newStreamClient(func(ctx context.Context) (frameConn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return newTCPConn(conn), nil
	}, opts)
	return c
}

// Address returns the dialed address.
func (c *TCPClient) Address() string { return c.address }

// TCPServer is the socket variant of InputConnector.
//
//	Accept conn → serve (one goroutine per conn reads frames sequentially)
//	  → first frame binds the conn to its response receiver id
//	  → every frame is handed to the InputHandler
//	  → EOF / error → HandleDisconnect(receiverID)
type TCPServer struct {
	*streamServer
	address  string
	listener net.Listener
	shutdown atomic.Bool // Set during StopListening to suppress Accept errors
	acceptWG sync.WaitGroup
}

// NewTCPServer creates a connector that listens on address (e.g. "127.0.0.1:0").
func NewTCPServer(address string, options ...ServerOption) *TCPServer {
	opts := newServerOptions("tcp-server", options)
	return &TCPServer{streamServer: newStreamServer(opts), address: address}
}

func (s *TCPServer) StartListening(handler InputHandler) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	if err := s.start(handler); err != nil {
		listener.Close()
		return err
	}
	s.shutdown.Store(false)
	s.listener = listener

	s.acceptWG.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// acceptLoop runs one goroutine per connection.
func (s *TCPServer) acceptLoop(listener net.Listener) {
	defer s.acceptWG.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if !s.shutdown.Load() {
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		go s.serve(newTCPConn(conn))
	}
}

// StopListening closes the listener and every live connection.
// Set the shutdown flag BEFORE closing the listener so the Accept error is recognized as intentional.
func (s *TCPServer) StopListening() error {
	if !s.isListening() {
		return nil
	}
	s.shutdown.Store(true)
	err := s.listener.Close()
	s.acceptWG.Wait()
	s.stop()
	return err
}

func (s *TCPServer) IsListening() bool { return s.isListening() }

// Addr returns the bound listen address, useful when listening on port 0.
func (s *TCPServer) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

func (s *TCPServer) SendResponse(receiverID string, f *protocol.Frame) error {
	return s.sendResponse(receiverID, f)
}

func (s *TCPServer) CloseConnection(receiverID string) error {
	return s.closeConnection(receiverID)
}
