package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType identifies what a frame carries.
type MessageType uint8

const (
	// MessageRequest is a request frame (0x1): a call from a peer that
	// expects a response matched by invoke ID.
	MessageRequest MessageType = 0x1
	// MessageResponse is a response frame (0x2): the reply to a request,
	// carrying the same invoke ID and a status code.
	MessageResponse MessageType = 0x2
	// MessageHeartbeat is a keepalive frame (0xf): no body, no response.
	// It only refreshes the receiver's idle deadline.
	MessageHeartbeat MessageType = 0xf
)

// String returns the string representation of the MessageType.
func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "REQUEST"
	case MessageResponse:
		return "RESPONSE"
	case MessageHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN_MESSAGE_TYPE_%d", uint8(t))
	}
}

// Status is the outcome code carried in response frames. Request and
// heartbeat frames carry StatusNone.
type Status uint8

const (
	// StatusNone is the zero status used on frames that carry no outcome.
	StatusNone Status = 0x00
	// StatusOK (0x20): the call completed and the body holds the result.
	StatusOK Status = 0x20
	// StatusClientError (0x30): the request was unusable as sent.
	StatusClientError Status = 0x30
	// StatusBadRequest (0x34): the request body did not parse.
	StatusBadRequest Status = 0x34
	// StatusServerError (0x40): the call failed inside the server.
	StatusServerError Status = 0x40
	// StatusServerBusy (0x41): the server's worker queue was full.
	StatusServerBusy Status = 0x41
	// StatusServiceNotFound (0x42): no service is registered under the
	// requested name.
	StatusServiceNotFound Status = 0x42
)

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusOK:
		return "OK"
	case StatusClientError:
		return "CLIENT_ERROR"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusServerError:
		return "SERVER_ERROR"
	case StatusServerBusy:
		return "SERVER_BUSY"
	case StatusServiceNotFound:
		return "SERVICE_NOT_FOUND"
	default:
		return fmt.Sprintf("UNKNOWN_STATUS_%d", uint8(s))
	}
}

const (
	// Magic is the first two octets of every frame.
	Magic uint16 = 0xbabe

	// HeaderLen is the length of the fixed frame header: magic (2),
	// type (1), status (1), invoke ID (8), body length (4).
	HeaderLen = 16

	// DefaultMaxBodyBytes caps the declared body length a decoder will
	// accept unless configured otherwise.
	DefaultMaxBodyBytes uint32 = 4 << 20
)

// Header is the 16-octet header common to all frames.
type Header struct {
	Type     MessageType
	Status   Status
	InvokeID uint64
	BodyLen  uint32

	raw [HeaderLen]byte
}

// ReadHeader reads a frame header from r. It returns SignalIllegalMagic
// if the magic octets do not match and SignalIllegalType if the type
// octet is not a known MessageType. The body is left unread.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	if _, err := io.ReadFull(r, h.raw[:]); err != nil {
		return Header{}, err
	}

	if binary.BigEndian.Uint16(h.raw[0:2]) != Magic {
		return Header{}, SignalIllegalMagic
	}

	h.Type = MessageType(h.raw[2])
	switch h.Type {
	case MessageRequest, MessageResponse, MessageHeartbeat:
	default:
		return Header{}, SignalIllegalType
	}

	h.Status = Status(h.raw[3])
	h.InvokeID = binary.BigEndian.Uint64(h.raw[4:12])
	h.BodyLen = binary.BigEndian.Uint32(h.raw[12:16])

	return h, nil
}

// WriteTo serializes the frame header to w.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	binary.BigEndian.PutUint16(h.raw[0:2], Magic)
	h.raw[2] = byte(h.Type)
	h.raw[3] = byte(h.Status)
	binary.BigEndian.PutUint64(h.raw[4:12], h.InvokeID)
	binary.BigEndian.PutUint32(h.raw[12:16], h.BodyLen)

	n, err := w.Write(h.raw[:])
	return int64(n), err
}

// Frame is a fully formed outbound frame: a header plus the body bytes
// it declares. The frame owns its body buffer; call Release after the
// frame has been written (or will never be) to return the buffer to the
// pool.
type Frame struct {
	Header
	Body []byte

	released bool
}

// NewRequestFrame builds a request frame carrying body. The body bytes
// are copied into a pooled buffer owned by the frame.
func NewRequestFrame(invokeID uint64, body []byte) *Frame {
	return newFrame(MessageRequest, StatusNone, invokeID, body)
}

// NewResponseFrame builds a response frame for invokeID with the given
// status. The body bytes are copied into a pooled buffer owned by the
// frame.
func NewResponseFrame(invokeID uint64, status Status, body []byte) *Frame {
	return newFrame(MessageResponse, status, invokeID, body)
}

// NewHeartbeatFrame builds a bodyless keepalive frame.
func NewHeartbeatFrame() *Frame {
	return newFrame(MessageHeartbeat, StatusNone, 0, nil)
}

func newFrame(t MessageType, status Status, invokeID uint64, body []byte) *Frame {
	f := &Frame{
		Header: Header{
			Type:     t,
			Status:   status,
			InvokeID: invokeID,
			BodyLen:  uint32(len(body)),
		},
	}
	if len(body) > 0 {
		f.Body = getBuf(len(body))
		copy(f.Body, body)
	}
	return f
}

// WireSize returns the number of octets the frame occupies on the wire.
func (f *Frame) WireSize() int64 {
	return HeaderLen + int64(len(f.Body))
}

// WriteTo serializes the header followed by the body to w.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := f.Header.WriteTo(w)
	if err != nil {
		return n, err
	}
	if len(f.Body) > 0 {
		m, err := w.Write(f.Body)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Release returns the frame's body buffer to the pool. Releasing an
// already-released frame is a no-op.
func (f *Frame) Release() {
	if f.released {
		return
	}
	f.released = true
	putBuf(f.Body)
	f.Body = nil
}
