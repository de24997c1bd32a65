package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"duplex-rpc/protocol"

	"go.uber.org/zap"
)

// receiverQueue buffers outbound frames of one response receiver between polls.
// Pushes (SendResponse) and polls run on independent goroutines.
type receiverQueue struct {
	session string // SessionHeader of the Open that bound the id, guarded by HTTPServer.mu

	mu     sync.Mutex
	frames [][]byte
}

func (q *receiverQueue) push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
}

// drain removes queued frames up to limit bytes. At least one frame is returned when the queue
// is not empty, so a frame larger than limit still gets through.
func (q *receiverQueue) drain(limit int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []byte
	n := 0
	for n < len(q.frames) {
		f := q.frames[n]
		if n > 0 && len(out)+len(f) > limit {
			break
		}
		out = append(out, f...)
		q.frames[n] = nil
		n++
	}
	q.frames = q.frames[n:]
	return out
}

// HTTPServer is the HTTP-polling variant of InputConnector.
//
// One URL serves everything:
//
//	GET  ?id=<receiver>   poll: returns queued frames (200, possibly empty) or 404 for unknown ids
//	POST <frame bytes>    Open / Close / Request / Poll control frame, 400 if malformed
//
// HTTP gives no disconnect signal, so the input channel detects silent clients with an
// inactivity timer; HTTPServer reports the timeout it was configured with through
// InactivityTimeout.
type HTTPServer struct {
	opts   *ServerOptions
	logger *zap.Logger

	mu        sync.Mutex
	handler   InputHandler
	listening bool
	queues    map[string]*receiverQueue
	server    *http.Server
	listener  net.Listener
}

func NewHTTPServer(options ...ServerOption) *HTTPServer {
	opts := newServerOptions("http-server", options)
	return &HTTPServer{
		opts:   opts,
		logger: opts.Logger,
		queues: make(map[string]*receiverQueue),
	}
}

func (s *HTTPServer) InactivityTimeout() time.Duration {
	return s.opts.InactivityTimeout
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	handler, listening := s.handler, s.listening
	s.mu.Unlock()
	if !listening {
		http.Error(w, "not listening", http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodGet {
		s.servePoll(w, r, handler)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, err := protocol.Unmarshal(body)
	if err != nil {
		s.logger.Warn("rejecting malformed frame", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.ReceiverID == "" || f.Kind == protocol.FrameUnknown {
		http.Error(w, "frame without receiver or of unknown kind", http.StatusBadRequest)
		return
	}

	switch f.Kind {
	case protocol.FrameOpen:
		if err := s.bind(f.ReceiverID, r.Header.Get(SessionHeader)); err != nil {
			s.logger.Error("rejecting connection", zap.String("receiver", f.ReceiverID), zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	case protocol.FrameRequest:
		// Requests may overtake the Open on separate HTTP connections: create lazily
		s.ensureQueue(f.ReceiverID)
	case protocol.FrameClose:
		s.mu.Lock()
		delete(s.queues, f.ReceiverID)
		s.mu.Unlock()
	case protocol.FramePoll:
		if !s.hasQueue(f.ReceiverID) {
			http.Error(w, "unknown receiver", http.StatusNotFound)
			return
		}
	}

	handler.HandleFrame(f)
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) servePoll(w http.ResponseWriter, r *http.Request, handler InputHandler) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	q, ok := s.queues[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown receiver", http.StatusNotFound)
		return
	}

	// The poll itself is the activity signal
	handler.HandleFrame(&protocol.Frame{Kind: protocol.FramePoll, ReceiverID: id})

	body := q.drain(s.opts.MaxPollBytes)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			s.logger.Warn("poll response write failed", zap.String("receiver", id), zap.Error(err))
		}
	}
}

func (s *HTTPServer) ensureQueue(id string) {
	s.mu.Lock()
	if _, ok := s.queues[id]; !ok {
		s.queues[id] = &receiverQueue{}
	}
	s.mu.Unlock()
}

// bind creates the queue of id if needed and ties it to session. An Open carrying another
// session while the id is still bound is a duplicate. Clients without a session are trusted.
func (s *HTTPServer) bind(id, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		q = &receiverQueue{}
		s.queues[id] = q
	}
	if q.session != "" && session != "" && q.session != session {
		return ErrDuplicateReceiver
	}
	if session != "" {
		q.session = session
	}
	return nil
}

func (s *HTTPServer) hasQueue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[id]
	return ok
}

func (s *HTTPServer) StartListening(handler InputHandler) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.handler = handler
	s.listening = true
	s.mu.Unlock()

	if s.opts.ListenAddress == "" {
		return nil
	}
	l, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		s.StopListening()
		return err
	}
	srv := &http.Server{Handler: s}
	s.mu.Lock()
	s.listener, s.server = l, srv
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *HTTPServer) StopListening() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listening = false
	s.queues = make(map[string]*receiverQueue)
	s.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (s *HTTPServer) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Addr returns the address of the own listener, or "" when mounted elsewhere.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SendResponse queues f for the receiver's next poll.
func (s *HTTPServer) SendResponse(receiverID string, f *protocol.Frame) error {
	s.mu.Lock()
	q, ok := s.queues[receiverID]
	listening := s.listening
	s.mu.Unlock()
	if !listening {
		return ErrNotListening
	}
	if !ok {
		return ErrUnknownReceiver
	}
	q.push(protocol.Marshal(f))
	return nil
}

// CloseConnection forgets the receiver. Its next poll gets 404, which the client treats as the
// server closing the session.
func (s *HTTPServer) CloseConnection(receiverID string) error {
	s.mu.Lock()
	_, ok := s.queues[receiverID]
	delete(s.queues, receiverID)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownReceiver
	}
	return nil
}

// Pending returns the number of frames queued for receiverID.
func (s *HTTPServer) Pending(receiverID string) int {
	s.mu.Lock()
	q, ok := s.queues[receiverID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
