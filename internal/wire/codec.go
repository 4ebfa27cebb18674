package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Decoder turns a byte stream into decoded payloads. It owns nothing
// beyond the reader position; callers own the returned payloads.
type Decoder struct {
	r       io.Reader
	maxBody uint32
}

// NewDecoder wraps r. maxBody caps the declared body length of any
// frame; zero selects DefaultMaxBodyBytes.
func NewDecoder(r io.Reader, maxBody uint32) *Decoder {
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Decoder{r: r, maxBody: maxBody}
}

// ReadMessage reads one frame and returns its payload. Protocol
// violations surface as Signals; short reads surface as the underlying
// I/O error. A heartbeat returns HeartbeatPayload with any stray body
// octets discarded.
func (d *Decoder) ReadMessage() (Payload, error) {
	h, err := ReadHeader(d.r)
	if err != nil {
		return nil, err
	}
	if h.BodyLen > d.maxBody {
		return nil, SignalBodyTooLarge
	}

	switch h.Type {
	case MessageHeartbeat:
		if h.BodyLen > 0 {
			if _, err := io.CopyN(io.Discard, d.r, int64(h.BodyLen)); err != nil {
				return nil, err
			}
		}
		return HeartbeatPayload{}, nil

	case MessageRequest:
		body, err := d.readBody(h.BodyLen)
		if err != nil {
			return nil, err
		}
		return &RequestPayload{InvokeID: h.InvokeID, body: body}, nil

	case MessageResponse:
		body, err := d.readBody(h.BodyLen)
		if err != nil {
			return nil, err
		}
		return &ResponsePayload{InvokeID: h.InvokeID, Status: h.Status, body: body}, nil

	default:
		// ReadHeader rejects unknown types before we get here.
		return nil, SignalIllegalType
	}
}

func (d *Decoder) readBody(n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	body := getBuf(int(n))
	if _, err := io.ReadFull(d.r, body); err != nil {
		putBuf(body)
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ErrBadCall reports a request body that does not parse as a call.
var ErrBadCall = errors.New("wire: malformed call body")

// EncodeCall lays out a request body: a 2-octet big-endian length, the
// service name, then the opaque argument bytes.
func EncodeCall(service string, args []byte) ([]byte, error) {
	if service == "" {
		return nil, fmt.Errorf("%w: empty service name", ErrBadCall)
	}
	if len(service) > 0xffff {
		return nil, fmt.Errorf("%w: service name of %d bytes", ErrBadCall, len(service))
	}
	body := make([]byte, 2+len(service)+len(args))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(service)))
	copy(body[2:], service)
	copy(body[2+len(service):], args)
	return body, nil
}

// DecodeCall splits a request body into the service name and the
// argument bytes. The returned args slice aliases body.
func DecodeCall(body []byte) (service string, args []byte, err error) {
	if len(body) < 2 {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrBadCall, len(body))
	}
	n := int(binary.BigEndian.Uint16(body[0:2]))
	if n == 0 || len(body) < 2+n {
		return "", nil, fmt.Errorf("%w: name length %d in %d-byte body", ErrBadCall, n, len(body))
	}
	return string(body[2 : 2+n]), body[2+n:], nil
}
