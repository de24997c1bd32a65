package admin

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"duplex-rpc/channel"
	"duplex-rpc/transport"

	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

func call(t *testing.T, url, method string, args, reply any) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	return json2.DecodeClientResponse(resp.Body, reply)
}

func TestReceiversAndDisconnect(t *testing.T) {
	nop := zap.NewNop()
	srv := transport.NewTCPServer("127.0.0.1:0", transport.WithServerLogger(nop))
	in := channel.NewInputChannel("Calculator", srv, channel.WithInputLogger(nop))
	if err := in.StartListening(); err != nil {
		t.Fatal(err)
	}
	defer in.StopListening()

	hs := httptest.NewServer(NewHandler(in, nop))
	defer hs.Close()

	var reply ReceiversReply
	if err := call(t, hs.URL, "Admin.Receivers", &ReceiversArgs{}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.ChannelID != "Calculator" || !reply.Listening || len(reply.Receivers) != 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	out := channel.NewOutputChannel("Calculator", transport.NewTCPClient(srv.Addr(), transport.WithClientLogger(nop)),
		channel.WithResponseReceiverID("client-1"), channel.WithOutputLogger(nop))
	closed := make(chan struct{}, 1)
	out.OnConnectionClosed(func(channel.ConnectionEvent) { closed <- struct{}{} })
	if err := out.OpenConnection(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer out.CloseConnection()

	deadline := time.Now().Add(3 * time.Second)
	for !in.IsConnected("client-1") {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := call(t, hs.URL, "Admin.Receivers", &ReceiversArgs{}, &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Receivers) != 1 || reply.Receivers[0] != "client-1" {
		t.Fatalf("expect [client-1], got %v", reply.Receivers)
	}

	var dr DisconnectReply
	if err := call(t, hs.URL, "Admin.Disconnect", &DisconnectArgs{ReceiverID: "client-1"}, &dr); err != nil {
		t.Fatal(err)
	}
	if !dr.Disconnected {
		t.Fatal("expect disconnected=true")
	}
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("client was not told about the disconnect")
	}

	err := call(t, hs.URL, "Admin.Disconnect", &DisconnectArgs{ReceiverID: "client-1"}, &dr)
	if e, ok := err.(*json2.Error); !ok || e.Code != json2.E_BAD_PARAMS {
		t.Fatalf("expect bad params error for unknown receiver, got %v", err)
	}
	if err := call(t, hs.URL, "Admin.Disconnect", &DisconnectArgs{}, &dr); err == nil {
		t.Fatal("expect error for missing receiverId")
	}
}
