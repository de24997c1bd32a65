package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"duplex-rpc/message"
)

// BinaryCodec is the compact wire form of message.RPCMessage.
//
// Layout (little-endian):
//
//	int32 Id | byte Kind | kind-specific fields
//
//	InvokeMethod, RaiseEvent:              string OperationName, params SerializedParams
//	SubscribeEvent, UnsubscribeEvent:      string OperationName
//	Response:                              payload SerializedReturn, string ErrorType,
//	                                       string ErrorMessage, string ErrorDetails
//
// string  = uint32 length + UTF-8 bytes
// payload = int32 length + bytes, length -1 means "absent" (nil)
// params  = int32 count + count payloads
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("BinaryCodec: invalid kind %d", msg.Kind)
	}

	w := &writer{buf: make([]byte, 0, 64)}
	w.int32(msg.Id)
	w.buf = append(w.buf, byte(msg.Kind))

	switch msg.Kind {
	case message.KindInvokeMethod, message.KindRaiseEvent:
		w.string(msg.OperationName)
		w.int32(int32(len(msg.SerializedParams)))
		for _, p := range msg.SerializedParams {
			w.payload(p)
		}
	case message.KindSubscribeEvent, message.KindUnsubscribeEvent:
		w.string(msg.OperationName)
	case message.KindResponse:
		w.payload(msg.SerializedReturn)
		w.string(msg.ErrorType)
		w.string(msg.ErrorMessage)
		w.string(msg.ErrorDetails)
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := &reader{buf: data}
	id := r.int32()
	kind := message.Kind(r.byte())
	if r.err == nil && !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, kind)
	}

	out := message.RPCMessage{Id: id, Kind: kind}
	switch kind {
	case message.KindInvokeMethod, message.KindRaiseEvent:
		out.OperationName = r.string()
		n := r.int32()
		if n < 0 || int64(n) > int64(len(r.buf)) {
			r.fail("bad parameter count")
			break
		}
		if n > 0 {
			out.SerializedParams = make([][]byte, n)
			for i := range out.SerializedParams {
				out.SerializedParams[i] = r.payload()
			}
		}
	case message.KindSubscribeEvent, message.KindUnsubscribeEvent:
		out.OperationName = r.string()
	case message.KindResponse:
		out.SerializedReturn = r.payload()
		out.ErrorType = r.string()
		out.ErrorMessage = r.string()
		out.ErrorDetails = r.string()
	}
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf))
	}
	*msg = out
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type writer struct {
	buf []byte
}

func (w *writer) int32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *writer) string(s string) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) payload(p []byte) {
	if p == nil {
		w.int32(-1)
		return
	}
	if len(p) > math.MaxInt32 {
		panic("BinaryCodec: payload too large")
	}
	w.int32(int32(len(p)))
	w.buf = append(w.buf, p...)
}

// reader consumes buf front to back and remembers the first error, so decode code reads
// like a straight list of fields.
type reader struct {
	buf []byte
	err error
}

func (r *reader) fail(reason string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformed, reason)
	}
	r.buf = nil
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.fail("truncated")
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *reader) string() string {
	b := r.take(4)
	if b == nil {
		return ""
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(r.buf)) {
		r.fail("string length out of range")
		return ""
	}
	return string(r.take(int(n)))
}

func (r *reader) payload() []byte {
	n := r.int32()
	if r.err != nil || n == -1 {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
