// Package message defines the RPC message exchanged between client and service.
//
// RPCMessage is the "envelope" for every call, subscription and pushed event. It gets serialized
// by the codec layer and carried as the payload of a protocol Request frame.
package message

import "fmt"

// Kind identifies what an RPCMessage asks for. The numeric values are part of the wire format.
type Kind byte

const (
	KindInvokeMethod     Kind = 10 // Client → Service: call OperationName with SerializedParams
	KindSubscribeEvent   Kind = 20 // Client → Service: start pushing OperationName to me
	KindUnsubscribeEvent Kind = 30 // Client → Service: stop pushing OperationName to me
	KindRaiseEvent       Kind = 40 // Service → Client: OperationName fired, payload in SerializedParams[0]
	KindResponse         Kind = 50 // Service → Client: result of the request with the same Id
)

func (k Kind) String() string {
	switch k {
	case KindInvokeMethod:
		return "InvokeMethod"
	case KindSubscribeEvent:
		return "SubscribeEvent"
	case KindUnsubscribeEvent:
		return "UnsubscribeEvent"
	case KindRaiseEvent:
		return "RaiseEvent"
	case KindResponse:
		return "Response"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInvokeMethod, KindSubscribeEvent, KindUnsubscribeEvent, KindRaiseEvent, KindResponse:
		return true
	}
	return false
}

// RPCMessage carries the data for a single RPC request, response or pushed event.
//
//   - On request:  Id is set, OperationName names the method or event, SerializedParams holds the arguments.
//   - On response: Id matches the request, SerializedReturn holds the result, Error* are set if the call failed.
//   - On event:    Id is 0, OperationName is the event, SerializedParams holds at most one payload.
type RPCMessage struct {
	Id               int32    `json:"id"`
	Kind             Kind     `json:"kind"`
	OperationName    string   `json:"op,omitempty"`
	SerializedParams [][]byte `json:"params,omitempty"`
	SerializedReturn []byte   `json:"ret,omitempty"`
	ErrorType        string   `json:"errType,omitempty"`
	ErrorMessage     string   `json:"errMsg,omitempty"`
	ErrorDetails     string   `json:"errDetails,omitempty"`
}

// Failed reports whether the message is a Response carrying a remote error.
func (m *RPCMessage) Failed() bool {
	return m.ErrorType != "" || m.ErrorMessage != ""
}

// NewResponse builds a successful Response for the request with the given id.
func NewResponse(id int32, ret []byte) *RPCMessage {
	return &RPCMessage{Id: id, Kind: KindResponse, SerializedReturn: ret}
}

// ErrorResponse builds a failed Response for the request with the given id.
func ErrorResponse(id int32, errType, errMsg, details string) *RPCMessage {
	return &RPCMessage{
		Id:           id,
		Kind:         KindResponse,
		ErrorType:    errType,
		ErrorMessage: errMsg,
		ErrorDetails: details,
	}
}
