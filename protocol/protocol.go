// Package protocol implements the control frame envelope shared by every duplex transport.
//
// A duplex session is simulated with four control messages: Open, Close, Request and Poll.
// Each frame carries the response receiver id it belongs to, so the server side can route
// traffic per session even when the carrier (one HTTP request per frame) has no session of
// its own. The same byte layout is used on sockets, websockets and HTTP bodies; only the
// carrier differs.
//
// Frame format:
//
//	0      3  4  5    7         11
//	┌──────┬──┬──┬────┬─────────┬──────────────┬───────────────┐
//	│magic │v │fk│idLn│ bodyLen │ receiver id  │    body ...   │
//	│ dup  │01│  │u16 │ uint32  │ idLen bytes  │ bodyLen bytes │
//	└──────┴──┴──┴────┴─────────┴──────────────┴───────────────┘
//
// Frames are self-delimiting, so an HTTP poll response is simply several frames back to back.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic number bytes: "dup". Rejects peers that speak something else on the same port.
const (
	MagicNumber byte = 0x64 // 'd'
	MagicByte2  byte = 0x75 // 'u'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 11 // 3 (magic) + 1 (version) + 1 (kind) + 2 (idLen) + 4 (bodyLen)

	// MaxBodySize bounds a single frame body so a corrupted length cannot make us allocate gigabytes.
	MaxBodySize = 64 * 1024 * 1024
)

// FrameKind identifies the control message carried by a frame.
type FrameKind byte

const (
	FrameUnknown FrameKind = 0
	FrameOpen    FrameKind = 1 // Client → Server: a response receiver starts a session
	FrameClose   FrameKind = 2 // Either direction: the session is over
	FrameRequest FrameKind = 3 // Either direction: opaque payload for the session
	FramePoll    FrameKind = 4 // Client → Server: "anything for me?" (HTTP) or keepalive (sockets)
)

func (k FrameKind) String() string {
	switch k {
	case FrameOpen:
		return "open"
	case FrameClose:
		return "close"
	case FrameRequest:
		return "request"
	case FramePoll:
		return "poll"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Frame is one decoded control message.
type Frame struct {
	Kind       FrameKind
	ReceiverID string
	Payload    []byte // Only meaningful for FrameRequest
}

// FormatError reports a malformed or truncated frame. Receivers log it and drop the frame.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return "protocol: malformed frame: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol: malformed frame: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsFormatError reports whether err (or anything it wraps) is a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// Encode writes a complete frame (header + receiver id + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different sessions will interleave and corrupt the stream.
func Encode(w io.Writer, f *Frame) error {
	_, err := w.Write(Marshal(f))
	return err
}

// Marshal returns the wire form of f. It never fails for in-memory frames; a receiver id longer
// than 64 KiB is a programming error and panics.
func Marshal(f *Frame) []byte {
	if len(f.ReceiverID) > math.MaxUint16 {
		panic("protocol: receiver id too long")
	}
	buf := make([]byte, HeaderSize+len(f.ReceiverID)+len(f.Payload))

	// Magic number: 3 bytes of protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(f.Kind)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.ReceiverID)))
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(f.Payload)))

	n := copy(buf[HeaderSize:], f.ReceiverID)
	copy(buf[HeaderSize+n:], f.Payload)
	return buf
}

// Decode reads one complete frame from r.
//
// io.EOF is returned unchanged when the stream ends cleanly on a frame boundary, so read loops
// can tell an orderly hang-up from a broken one. Everything else that is wrong with the bytes
// comes back as a *FormatError. Unknown frame kinds are not an error: the frame is consumed and
// returned with Kind == FrameUnknown.
func Decode(r io.Reader) (*Frame, error) {
	// Step 1: Read the fixed header
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FormatError{Reason: "truncated header", Err: err}
		}
		return nil, err
	}

	// Step 2: Validate magic and version
	idLen, bodyLen, kind, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	// Step 3: Read exactly idLen + bodyLen bytes
	rest := make([]byte, idLen+bodyLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FormatError{Reason: "truncated body", Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}
	return buildFrame(kind, rest, idLen), nil
}

// Unmarshal decodes exactly one frame from data. Trailing bytes are a format error.
func Unmarshal(data []byte) (*Frame, error) {
	f, n, err := decodeBytes(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, &FormatError{Reason: fmt.Sprintf("%d trailing bytes", len(data)-n)}
	}
	return f, nil
}

// UnmarshalAll decodes a concatenation of frames, as returned by an HTTP poll.
func UnmarshalAll(data []byte) ([]*Frame, error) {
	var frames []*Frame
	for len(data) > 0 {
		f, n, err := decodeBytes(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		data = data[n:]
	}
	return frames, nil
}

// EncodeOpen returns an Open frame for receiverID.
func EncodeOpen(receiverID string) []byte {
	return Marshal(&Frame{Kind: FrameOpen, ReceiverID: receiverID})
}

// EncodeClose returns a Close frame for receiverID.
func EncodeClose(receiverID string) []byte {
	return Marshal(&Frame{Kind: FrameClose, ReceiverID: receiverID})
}

// EncodeRequest returns a Request frame carrying payload for receiverID.
func EncodeRequest(receiverID string, payload []byte) []byte {
	return Marshal(&Frame{Kind: FrameRequest, ReceiverID: receiverID, Payload: payload})
}

// EncodePoll returns a Poll frame for receiverID.
func EncodePoll(receiverID string) []byte {
	return Marshal(&Frame{Kind: FramePoll, ReceiverID: receiverID})
}

func decodeBytes(data []byte) (*Frame, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, &FormatError{Reason: "truncated header", Err: io.ErrUnexpectedEOF}
	}
	idLen, bodyLen, kind, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, 0, err
	}
	end := HeaderSize + idLen + bodyLen
	if len(data) < end {
		return nil, 0, &FormatError{Reason: "truncated body", Err: io.ErrUnexpectedEOF}
	}
	rest := bytes.Clone(data[HeaderSize:end])
	return buildFrame(kind, rest, idLen), end, nil
}

func parseHeader(h []byte) (idLen, bodyLen int, kind FrameKind, err error) {
	if h[0] != MagicNumber || h[1] != MagicByte2 || h[2] != MagicByte3 {
		return 0, 0, 0, &FormatError{Reason: fmt.Sprintf("invalid magic number: %x", h[0:3])}
	}
	if h[3] != Version {
		return 0, 0, 0, &FormatError{Reason: fmt.Sprintf("unsupported version: %d", h[3])}
	}
	idLen = int(binary.BigEndian.Uint16(h[5:7]))
	body := binary.BigEndian.Uint32(h[7:11])
	if body > MaxBodySize {
		return 0, 0, 0, &FormatError{Reason: fmt.Sprintf("body length %d exceeds limit", body)}
	}
	kind = FrameKind(h[4])
	switch kind {
	case FrameOpen, FrameClose, FrameRequest, FramePoll:
	default:
		kind = FrameUnknown
	}
	return idLen, int(body), kind, nil
}

func buildFrame(kind FrameKind, rest []byte, idLen int) *Frame {
	f := &Frame{Kind: kind, ReceiverID: string(rest[:idLen])}
	if len(rest) > idLen {
		f.Payload = rest[idLen:]
	}
	return f
}
