package channel

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"duplex-rpc/protocol"
	"duplex-rpc/transport"

	"go.uber.org/zap"
)

// events records what a channel raised.
type events struct {
	mu     sync.Mutex
	counts map[string]int
	msgs   [][]byte
	ids    []string
	signal chan struct{}
}

func newEvents() *events {
	return &events{counts: make(map[string]int), signal: make(chan struct{}, 1000)}
}

func (e *events) hit(name string) {
	e.mu.Lock()
	e.counts[name]++
	e.mu.Unlock()
	e.signal <- struct{}{}
}

func (e *events) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[name]
}

func (e *events) waitCount(t *testing.T, name string, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for e.count(name) < n {
		select {
		case <-e.signal:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d × %s, got %d", n, name, e.count(name))
		}
	}
}

func watchOutput(ch *OutputChannel) *events {
	e := newEvents()
	ch.OnConnectionOpened(func(ConnectionEvent) { e.hit("opened") })
	ch.OnConnectionClosed(func(ConnectionEvent) { e.hit("closed") })
	ch.OnResponseMessageReceived(func(ev MessageEvent) {
		e.mu.Lock()
		e.msgs = append(e.msgs, ev.Message)
		e.mu.Unlock()
		e.hit("message")
	})
	return e
}

func watchInput(ch *InputChannel) *events {
	e := newEvents()
	ch.OnResponseReceiverConnected(func(ev ConnectionEvent) {
		e.mu.Lock()
		e.ids = append(e.ids, ev.ResponseReceiverID)
		e.mu.Unlock()
		e.hit("connected")
	})
	ch.OnResponseReceiverDisconnected(func(ConnectionEvent) { e.hit("disconnected") })
	ch.OnMessageReceived(func(ev MessageEvent) {
		e.mu.Lock()
		e.msgs = append(e.msgs, ev.Message)
		e.mu.Unlock()
		e.hit("message")
	})
	return e
}

func tcpPair(t *testing.T, inputOpts ...InputOption) (*InputChannel, func(...OutputOption) *OutputChannel) {
	t.Helper()
	nop := zap.NewNop()
	srv := transport.NewTCPServer("127.0.0.1:0", transport.WithServerLogger(nop))
	in := NewInputChannel("tcp://calc", srv, append([]InputOption{WithInputLogger(nop)}, inputOpts...)...)
	if err := in.StartListening(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { in.StopListening() })
	return in, func(opts ...OutputOption) *OutputChannel {
		cli := transport.NewTCPClient(srv.Addr(), transport.WithClientLogger(nop))
		return NewOutputChannel("tcp://calc", cli, append([]OutputOption{WithOutputLogger(nop)}, opts...)...)
	}
}

func TestRequestResponseOverTCP(t *testing.T) {
	in, newOut := tcpPair(t)
	inEv := watchInput(in)
	in.OnMessageReceived(func(ev MessageEvent) {
		in.SendResponseMessage(ev.ResponseReceiverID, append([]byte("echo:"), ev.Message...))
	})

	out := newOut(WithResponseReceiverID("client-1"))
	outEv := watchOutput(out)
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	outEv.waitCount(t, "opened", 1)
	inEv.waitCount(t, "connected", 1)

	for _, m := range []string{"a", "b", "c"} {
		if err := out.SendMessage([]byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	outEv.waitCount(t, "message", 3)
	outEv.mu.Lock()
	for i, want := range []string{"echo:a", "echo:b", "echo:c"} {
		if string(outEv.msgs[i]) != want {
			t.Errorf("message %d: expect %q, got %q", i, want, outEv.msgs[i])
		}
	}
	outEv.mu.Unlock()

	if got := in.ConnectedReceivers(); len(got) != 1 || got[0] != "client-1" {
		t.Fatalf("unexpected receivers %v", got)
	}

	if err := out.CloseConnection(); err != nil {
		t.Fatal(err)
	}
	if err := out.CloseConnection(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
	outEv.waitCount(t, "closed", 1)
	inEv.waitCount(t, "disconnected", 1)

	time.Sleep(50 * time.Millisecond)
	if outEv.count("closed") != 1 || inEv.count("disconnected") != 1 {
		t.Fatalf("close events must fire once: closed=%d disconnected=%d", outEv.count("closed"), inEv.count("disconnected"))
	}
	if out.IsConnected() || in.IsConnected("client-1") {
		t.Fatal("both sides should consider the session gone")
	}
}

func TestOutputChannelStateErrors(t *testing.T) {
	_, newOut := tcpPair(t)
	out := newOut()
	if out.ResponseReceiverID() == "" {
		t.Fatal("a receiver id should be generated")
	}
	if err := out.SendMessage([]byte("x")); err != ErrNotConnected {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer out.CloseConnection()
	if err := out.OpenConnection(context.Background()); err != ErrAlreadyConnected {
		t.Fatalf("expect ErrAlreadyConnected, got %v", err)
	}
}

func TestOpenFailureLeavesChannelClosed(t *testing.T) {
	// Grab a free port and release it so nothing listens there
	srv := transport.NewTCPServer("127.0.0.1:0", transport.WithServerLogger(zap.NewNop()))
	if err := srv.StartListening(nil); err != nil {
		t.Fatal(err)
	}
	addr := srv.Addr()
	srv.StopListening()

	out := NewOutputChannel("tcp://nowhere", transport.NewTCPClient(addr, transport.WithClientLogger(zap.NewNop())), WithOutputLogger(zap.NewNop()))
	ev := watchOutput(out)
	err := out.OpenConnection(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expect *TransportError, got %v", err)
	}
	if out.IsConnected() {
		t.Fatal("channel must stay closed after a failed open")
	}
	out.Wait()
	if ev.count("opened") != 0 || ev.count("closed") != 0 {
		t.Fatal("a failed open raises no events")
	}
}

func TestDisconnectResponseReceiverClosesClient(t *testing.T) {
	in, newOut := tcpPair(t)
	inEv := watchInput(in)
	out := newOut(WithResponseReceiverID("victim"))
	outEv := watchOutput(out)
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	inEv.waitCount(t, "connected", 1)

	if err := in.DisconnectResponseReceiver("victim"); err != nil {
		t.Fatal(err)
	}
	if err := in.DisconnectResponseReceiver("victim"); err != ErrNotConnected {
		t.Fatalf("expect ErrNotConnected on second disconnect, got %v", err)
	}
	outEv.waitCount(t, "closed", 1)
	inEv.waitCount(t, "disconnected", 1)

	time.Sleep(50 * time.Millisecond)
	if n := inEv.count("disconnected"); n != 1 {
		t.Fatalf("expect exactly one disconnect, got %d", n)
	}
	if err := in.SendResponseMessage("victim", []byte("late")); err != ErrNotConnected {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
}

func TestReopenKeepsReceiverID(t *testing.T) {
	in, newOut := tcpPair(t)
	inEv := watchInput(in)
	out := newOut()
	outEv := watchOutput(out)

	for round := 1; round <= 2; round++ {
		if err := out.OpenConnection(context.Background()); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		inEv.waitCount(t, "connected", round)
		if err := out.CloseConnection(); err != nil {
			t.Fatal(err)
		}
		inEv.waitCount(t, "disconnected", round)
	}
	outEv.waitCount(t, "closed", 2)
	if outEv.count("opened") != 2 {
		t.Fatalf("expect 2 opens, got %d", outEv.count("opened"))
	}
	inEv.mu.Lock()
	defer inEv.mu.Unlock()
	if inEv.ids[0] != out.ResponseReceiverID() || inEv.ids[1] != out.ResponseReceiverID() {
		t.Fatalf("receiver id changed across reconnects: %v", inEv.ids)
	}
}

func TestCloseFromClosedHandler(t *testing.T) {
	_, newOut := tcpPair(t)
	out := newOut()
	ev := newEvents()
	out.OnConnectionClosed(func(ConnectionEvent) {
		// Re-entrant close is a no-op
		if err := out.CloseConnection(); err != nil {
			t.Errorf("re-entrant close failed: %v", err)
		}
		ev.hit("closed")
	})
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	out.CloseConnection()
	ev.waitCount(t, "closed", 1)
	out.Wait()
	if ev.count("closed") != 1 {
		t.Fatalf("expect one close event, got %d", ev.count("closed"))
	}
}

func TestServerStopClosesClients(t *testing.T) {
	in, newOut := tcpPair(t)
	inEv := watchInput(in)
	out := newOut()
	outEv := watchOutput(out)
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	inEv.waitCount(t, "connected", 1)

	if err := in.StopListening(); err != nil {
		t.Fatal(err)
	}
	inEv.waitCount(t, "disconnected", 1)
	outEv.waitCount(t, "closed", 1)
	if len(in.ConnectedReceivers()) != 0 {
		t.Fatal("registry must be empty after StopListening")
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	in, newOut := tcpPair(t)
	in.OnMessageReceived(func(MessageEvent) { panic("boom") })
	inEv := watchInput(in)

	out := newOut()
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer out.CloseConnection()
	out.SendMessage([]byte("1"))
	out.SendMessage([]byte("2"))
	inEv.waitCount(t, "message", 2)
}

func TestInactivityTimeoutOverHTTP(t *testing.T) {
	nop := zap.NewNop()
	srv := transport.NewHTTPServer(transport.WithServerLogger(nop), transport.WithInactivityTimeout(100*time.Millisecond))
	hs := httptest.NewServer(srv)
	defer hs.Close()

	in := NewInputChannel("http://calc", srv, WithInputLogger(nop))
	inEv := watchInput(in)
	if err := in.StartListening(); err != nil {
		t.Fatal(err)
	}
	defer in.StopListening()

	// The client polls once and then goes quiet
	cli := transport.NewHTTPClient(hs.URL, transport.WithClientLogger(nop), transport.WithPollInterval(time.Hour))
	out := NewOutputChannel("http://calc", cli, WithOutputLogger(nop), WithResponseReceiverID("sleepy"))
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer out.CloseConnection()

	inEv.waitCount(t, "connected", 1)
	start := time.Now()
	inEv.waitCount(t, "disconnected", 1)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("inactivity detection too slow: %v", elapsed)
	}
	if in.IsConnected("sleepy") {
		t.Fatal("inactive receiver should be removed")
	}
	if srv.Pending("sleepy") != 0 {
		t.Fatal("the connector queue should be released")
	}

	time.Sleep(300 * time.Millisecond)
	if n := inEv.count("disconnected"); n != 1 {
		t.Fatalf("expect exactly one disconnect, got %d", n)
	}
}

func TestActiveHTTPClientStaysConnected(t *testing.T) {
	nop := zap.NewNop()
	srv := transport.NewHTTPServer(transport.WithServerLogger(nop), transport.WithInactivityTimeout(150*time.Millisecond))
	hs := httptest.NewServer(srv)
	defer hs.Close()

	in := NewInputChannel("http://calc", srv, WithInputLogger(nop))
	inEv := watchInput(in)
	in.OnMessageReceived(func(ev MessageEvent) {
		in.SendResponseMessage(ev.ResponseReceiverID, ev.Message)
	})
	if err := in.StartListening(); err != nil {
		t.Fatal(err)
	}
	defer in.StopListening()

	cli := transport.NewHTTPClient(hs.URL, transport.WithClientLogger(nop), transport.WithPollInterval(20*time.Millisecond))
	out := NewOutputChannel("http://calc", cli, WithOutputLogger(nop))
	outEv := watchOutput(out)
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(500 * time.Millisecond)
	if inEv.count("disconnected") != 0 {
		t.Fatal("a polling client must not be considered inactive")
	}
	if err := out.SendMessage([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	outEv.waitCount(t, "message", 1)

	out.CloseConnection()
	inEv.waitCount(t, "disconnected", 1)
}

// failingConnector accepts everything but fails every SendResponse.
type failingConnector struct {
	mu      sync.Mutex
	handler transport.InputHandler
	closed  []string
}

func (f *failingConnector) StartListening(h transport.InputHandler) error {
	f.handler = h
	return nil
}
func (f *failingConnector) StopListening() error { return nil }
func (f *failingConnector) IsListening() bool    { return f.handler != nil }
func (f *failingConnector) SendResponse(string, *protocol.Frame) error {
	return errors.New("broken pipe")
}
func (f *failingConnector) CloseConnection(id string) error {
	f.mu.Lock()
	f.closed = append(f.closed, id)
	f.mu.Unlock()
	return nil
}

func TestSendFailureDisconnectsReceiver(t *testing.T) {
	conn := &failingConnector{}
	in := NewInputChannel("fake", conn, WithInputLogger(zap.NewNop()))
	ev := watchInput(in)
	if err := in.StartListening(); err != nil {
		t.Fatal(err)
	}
	conn.handler.HandleFrame(&protocol.Frame{Kind: protocol.FrameOpen, ReceiverID: "r1"})
	ev.waitCount(t, "connected", 1)

	err := in.SendResponseMessage("r1", []byte("x"))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expect *TransportError, got %v", err)
	}
	ev.waitCount(t, "disconnected", 1)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.closed) != 1 || conn.closed[0] != "r1" {
		t.Fatalf("connector should be told to drop r1, got %v", conn.closed)
	}
}

func TestInputFrameHandling(t *testing.T) {
	conn := &failingConnector{}
	in := NewInputChannel("fake", conn, WithInputLogger(zap.NewNop()))
	ev := watchInput(in)

	// Frames before StartListening are ignored
	in.HandleFrame(&protocol.Frame{Kind: protocol.FrameOpen, ReceiverID: "early"})
	if in.IsConnected("early") {
		t.Fatal("not listening yet")
	}
	in.StartListening()

	h := conn.handler
	h.HandleFrame(&protocol.Frame{Kind: protocol.FrameRequest, ReceiverID: "lazy", Payload: []byte("m")})
	h.HandleFrame(&protocol.Frame{Kind: protocol.FrameOpen, ReceiverID: "lazy"})
	h.HandleFrame(&protocol.Frame{Kind: protocol.FramePoll, ReceiverID: "unknown"})
	ev.waitCount(t, "message", 1)
	if ev.count("connected") != 1 {
		t.Fatalf("Request then Open must connect once, got %d", ev.count("connected"))
	}

	h.HandleFrame(&protocol.Frame{Kind: protocol.FrameClose, ReceiverID: "lazy"})
	h.HandleDisconnect("lazy", errors.New("eof"))
	h.HandleFrame(&protocol.Frame{Kind: protocol.FrameClose, ReceiverID: "lazy"})
	ev.waitCount(t, "disconnected", 1)
	time.Sleep(30 * time.Millisecond)
	if n := ev.count("disconnected"); n != 1 {
		t.Fatalf("racing disconnect triggers must raise once, got %d", n)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.closed) != 0 {
		t.Fatal("a peer Close must not make the channel close the connection again")
	}
}

func TestInterceptedMessagesSkipDispatcher(t *testing.T) {
	in, newOut := tcpPair(t)
	in.OnMessageReceived(func(ev MessageEvent) {
		in.SendResponseMessage(ev.ResponseReceiverID, ev.Message)
	})

	out := newOut()
	outEv := watchOutput(out)
	release := make(chan struct{})
	defer close(release)
	out.OnConnectionOpened(func(ConnectionEvent) { <-release })

	intercepted := make(chan string, 10)
	out.InterceptMessages(func(ev MessageEvent) bool {
		if string(ev.Message) == "mine" {
			intercepted <- string(ev.Message)
			return true
		}
		return false
	})
	closing := make(chan struct{}, 1)
	out.OnConnectionClosing(func(ConnectionEvent) { closing <- struct{}{} })

	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The dispatcher is held by the opened handler, interception still runs
	if err := out.SendMessage([]byte("mine")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-intercepted:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not intercepted while the dispatcher was busy")
	}

	if err := in.DisconnectResponseReceiver(out.ResponseReceiverID()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-closing:
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectionClosing not raised while the dispatcher was busy")
	}

	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := out.SendMessage([]byte("theirs")); err != nil {
		t.Fatal(err)
	}
	release <- struct{}{}
	release <- struct{}{}
	outEv.waitCount(t, "message", 1)
	outEv.mu.Lock()
	defer outEv.mu.Unlock()
	if len(outEv.msgs) != 1 || string(outEv.msgs[0]) != "theirs" {
		t.Fatalf("expect only the unclaimed message, got %q", outEv.msgs)
	}
}
