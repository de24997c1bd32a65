package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/protocol"

	"go.uber.org/zap"
)

// frameConn is a long-lived bidirectional frame stream: a TCP socket or a websocket.
type frameConn interface {
	ReadFrame() (*protocol.Frame, error)
	// WriteFrame must be safe for concurrent use; implementations serialize writes so
	// frames of different senders never interleave on the wire.
	WriteFrame(f *protocol.Frame) error
	Close() error
	RemoteAddr() string
	// MessageOriented is true when the carrier delimits frames itself (websocket messages).
	// A malformed frame is then dropped; on a byte stream it desynchronizes the stream and
	// the connection has to go.
	MessageOriented() bool
}

// ------------------- client side -------------------

// streamSession is one dialed connection of a streamClient.
type streamSession struct {
	conn      frameConn
	done      chan struct{} // closed when the read loop exits
	stop      chan struct{} // closed by Close to stop the heartbeat loop
	closed    atomic.Bool   // set by a local Close before the conn is torn down
	receiving atomic.Bool
}

// streamClient implements OutputConnector on top of a dial function.
type streamClient struct {
	dial   func(ctx context.Context) (frameConn, error)
	opts   *ClientOptions
	logger *zap.Logger

	mu         sync.Mutex
	sess       *streamSession
	receiverID atomic.Value // string; learned from outbound frames, used by heartbeats
}

func newStreamClient(dial func(ctx context.Context) (frameConn, error), opts *ClientOptions) *streamClient {
	return &streamClient{dial: dial, opts: opts, logger: opts.Logger}
}

func (c *streamClient) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrAlreadyOpen
	}

	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.sess = &streamSession{
		conn: conn,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	return nil
}

func (c *streamClient) Receive(onFrame FrameHandler, onClose CloseHandler) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotOpen
	}
	if !sess.receiving.CompareAndSwap(false, true) {
		return errors.New("transport: already receiving")
	}

	go c.recvLoop(sess, onFrame, onClose)
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(sess, c.opts.HeartbeatInterval)
	}
	return nil
}

// recvLoop runs in a dedicated goroutine, continuously reading frames from the connection.
// Reads must be sequential to parse frame boundaries, so there is exactly one reader.
func (c *streamClient) recvLoop(sess *streamSession, onFrame FrameHandler, onClose CloseHandler) {
	defer close(sess.done)

	var err error
	for {
		var f *protocol.Frame
		f, err = sess.conn.ReadFrame()
		if err != nil {
			if protocol.IsFormatError(err) && sess.conn.MessageOriented() {
				c.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			break
		}
		if f.Kind == protocol.FrameUnknown {
			c.logger.Warn("dropping frame of unknown kind", zap.String("receiver", f.ReceiverID))
			continue
		}
		if !onFrame(f) {
			err = io.EOF
			break
		}
	}

	if sess.closed.Load() {
		return // local Close, the owner already knows
	}
	sess.conn.Close()
	if onClose != nil {
		onClose(err)
	}
}

// heartbeatLoop sends periodic Poll frames so a server with an inactivity timer keeps the
// session alive. Heartbeat writes go through WriteFrame and therefore take the write lock.
func (c *streamClient) heartbeatLoop(sess *streamSession, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.stop:
			return
		case <-sess.done:
			return
		case <-ticker.C:
			id, _ := c.receiverID.Load().(string)
			if id == "" {
				continue
			}
			if err := sess.conn.WriteFrame(&protocol.Frame{Kind: protocol.FramePoll, ReceiverID: id}); err != nil {
				return // Connection broken, the read loop reports it
			}
		}
	}
}

func (c *streamClient) Send(f *protocol.Frame) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotOpen
	}
	if f.ReceiverID != "" {
		c.receiverID.Store(f.ReceiverID)
	}
	return sess.conn.WriteFrame(f)
}

func (c *streamClient) Close() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	sess.closed.Store(true)
	close(sess.stop)
	err := sess.conn.Close()
	if sess.receiving.Load() {
		<-sess.done
	}
	return err
}

func (c *streamClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// ------------------- server side -------------------

// serverConn is one accepted stream; it is bound to a response receiver by its first frame.
type serverConn struct {
	conn       frameConn
	receiverID string      // written once by the read loop under streamServer.mu
	evicted    atomic.Bool // closed by CloseConnection/StopListening, no disconnect report
}

// streamServer is the carrier-independent part of the TCP and WebSocket input connectors:
// receiver binding, duplicate detection and per-connection read loops.
type streamServer struct {
	opts   *ServerOptions
	logger *zap.Logger

	mu        sync.Mutex
	handler   InputHandler
	listening bool
	sessions  map[string]*serverConn // receiver id → bound connection
	conns     map[*serverConn]struct{}
	wg        sync.WaitGroup // Tracks read loops for StopListening
}

func newStreamServer(opts *ServerOptions) *streamServer {
	return &streamServer{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*serverConn),
		conns:    make(map[*serverConn]struct{}),
	}
}

func (s *streamServer) start(handler InputHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return ErrAlreadyListening
	}
	s.handler = handler
	s.listening = true
	return nil
}

// stop evicts every connection and waits for their read loops.
func (s *streamServer) stop() {
	s.mu.Lock()
	s.listening = false
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.sessions = make(map[string]*serverConn)
	s.mu.Unlock()

	for _, sc := range conns {
		sc.evicted.Store(true)
		sc.conn.Close()
	}
	s.wg.Wait()
}

func (s *streamServer) isListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// serve processes a single connection until it breaks. It runs a read loop in a single
// goroutine; the handler it feeds only queues work, so frames are never processed inline.
func (s *streamServer) serve(conn frameConn) {
	sc := &serverConn{conn: conn}

	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[sc] = struct{}{}
	handler := s.handler
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	var err error
	for {
		var f *protocol.Frame
		f, err = conn.ReadFrame()
		if err != nil {
			if protocol.IsFormatError(err) && conn.MessageOriented() {
				s.logger.Warn("dropping malformed frame", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
				continue
			}
			if protocol.IsFormatError(err) {
				s.logger.Warn("closing desynchronized stream", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
			}
			break
		}
		if f.Kind == protocol.FrameUnknown || f.ReceiverID == "" {
			s.logger.Warn("dropping frame", zap.Stringer("kind", f.Kind), zap.String("remote", conn.RemoteAddr()))
			continue
		}

		if sc.receiverID == "" {
			if err = s.bind(sc, f.ReceiverID); err != nil {
				s.logger.Error("rejecting connection", zap.String("receiver", f.ReceiverID), zap.String("remote", conn.RemoteAddr()), zap.Error(err))
				sc.evicted.Store(true)
				_ = conn.WriteFrame(&protocol.Frame{Kind: protocol.FrameClose, ReceiverID: f.ReceiverID})
				break
			}
		} else if f.ReceiverID != sc.receiverID {
			s.logger.Warn("dropping frame for foreign receiver", zap.String("receiver", f.ReceiverID), zap.String("bound", sc.receiverID))
			continue
		}

		if f.Kind == protocol.FrameClose {
			// The peer said goodbye. Free the id first so a reconnect right after the
			// handler's disconnect event is not rejected as a duplicate.
			sc.evicted.Store(true)
			s.unbind(sc)
			handler.HandleFrame(f)
			break
		}
		handler.HandleFrame(f)
	}

	conn.Close()
	s.mu.Lock()
	delete(s.conns, sc)
	bound := sc.receiverID != "" && s.sessions[sc.receiverID] == sc
	if bound {
		delete(s.sessions, sc.receiverID)
	}
	s.mu.Unlock()

	if bound && !sc.evicted.Load() {
		handler.HandleDisconnect(sc.receiverID, err)
	}
}

func (s *streamServer) bind(sc *serverConn, receiverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.sessions[receiverID]; ok && other != sc {
		return ErrDuplicateReceiver
	}
	s.sessions[receiverID] = sc
	sc.receiverID = receiverID
	return nil
}

func (s *streamServer) unbind(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.receiverID != "" && s.sessions[sc.receiverID] == sc {
		delete(s.sessions, sc.receiverID)
	}
}

func (s *streamServer) lookup(receiverID string) (*serverConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return nil, ErrNotListening
	}
	sc, ok := s.sessions[receiverID]
	if !ok {
		return nil, ErrUnknownReceiver
	}
	return sc, nil
}

func (s *streamServer) sendResponse(receiverID string, f *protocol.Frame) error {
	sc, err := s.lookup(receiverID)
	if err != nil {
		return err
	}
	if err := sc.conn.WriteFrame(f); err != nil {
		// The read loop notices the broken conn and reports the disconnect
		sc.conn.Close()
		return err
	}
	return nil
}

func (s *streamServer) closeConnection(receiverID string) error {
	s.mu.Lock()
	sc, ok := s.sessions[receiverID]
	if ok {
		delete(s.sessions, receiverID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownReceiver
	}

	sc.evicted.Store(true)
	// Best effort: tell the client before hanging up
	if err := sc.conn.WriteFrame(&protocol.Frame{Kind: protocol.FrameClose, ReceiverID: receiverID}); err != nil {
		s.logger.Debug("close notification failed", zap.String("receiver", receiverID), zap.Error(err))
	}
	return sc.conn.Close()
}
