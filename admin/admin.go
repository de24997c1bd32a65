// Package admin exposes a JSON-RPC 2.0 endpoint for operating an input channel:
//
//	{"jsonrpc":"2.0","method":"Admin.Receivers","params":[{}],"id":1}
//	{"jsonrpc":"2.0","method":"Admin.Disconnect","params":[{"receiverId":"..."}],"id":2}
package admin

import (
	"errors"
	"net/http"

	"duplex-rpc/channel"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

// Channel is the part of channel.InputChannel the endpoint operates on.
type Channel interface {
	ChannelID() string
	IsListening() bool
	ConnectedReceivers() []string
	DisconnectResponseReceiver(receiverID string) error
}

type ReceiversArgs struct{}

type ReceiversReply struct {
	ChannelID string   `json:"channelId"`
	Listening bool     `json:"listening"`
	Receivers []string `json:"receivers"`
}

type DisconnectArgs struct {
	ReceiverID string `json:"receiverId"`
}

type DisconnectReply struct {
	Disconnected bool `json:"disconnected"`
}

// Admin is the JSON-RPC service registered as "Admin".
type Admin struct {
	ch     Channel
	logger *zap.Logger
}

func (a *Admin) Receivers(r *http.Request, args *ReceiversArgs, reply *ReceiversReply) error {
	reply.ChannelID = a.ch.ChannelID()
	reply.Listening = a.ch.IsListening()
	reply.Receivers = a.ch.ConnectedReceivers()
	if reply.Receivers == nil {
		reply.Receivers = []string{}
	}
	return nil
}

// Disconnect closes the connection of a receiver. The receiver goes through the same
// disconnect path as one that hung up by itself; an unknown receiver is an error.
func (a *Admin) Disconnect(r *http.Request, args *DisconnectArgs, reply *DisconnectReply) error {
	if args.ReceiverID == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "receiverId is required"}
	}
	if err := a.ch.DisconnectResponseReceiver(args.ReceiverID); err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "receiver " + args.ReceiverID + " is not connected"}
		}
		return err
	}
	a.logger.Info("receiver disconnected by admin", zap.String("receiver", args.ReceiverID), zap.String("remote", r.RemoteAddr))
	reply.Disconnected = true
	return nil
}

// NewHandler returns the JSON-RPC handler serving Admin for ch.
func NewHandler(ch Channel, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.L()
	}
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&Admin{ch: ch, logger: logger.Named("admin")}, "Admin"); err != nil {
		// Only fails when Admin has no exported methods of the right shape
		panic(err)
	}
	return s
}
