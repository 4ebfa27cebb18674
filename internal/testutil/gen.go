// Package testutil builds wire-format test data shared by the
// transport and end-to-end tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freeCoder-ahl/Jupiter/internal/wire"
)

// PatternBody returns n bytes of a repeating pattern. Truncated or
// reordered copies show up as content mismatches rather than just
// length differences.
func PatternBody(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%23)
	}
	return b
}

// CallFrame builds a request frame carrying an encoded service call.
func CallFrame(t *testing.T, invokeID uint64, service string, args []byte) *wire.Frame {
	t.Helper()
	body, err := wire.EncodeCall(service, args)
	require.NoError(t, err)
	return wire.NewRequestFrame(invokeID, body)
}

// FrameBytes serializes f to a byte slice and releases it.
func FrameBytes(t *testing.T, f *wire.Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	f.Release()
	require.NoError(t, err)
	return buf.Bytes()
}

// HeaderBytes builds a raw frame header without validation, so tests
// can declare magic values and body lengths a well-behaved encoder
// never produces.
func HeaderBytes(magic uint16, typ wire.MessageType, invokeID uint64, bodyLen uint32) []byte {
	b := make([]byte, wire.HeaderLen)
	binary.BigEndian.PutUint16(b[0:2], magic)
	b[2] = byte(typ)
	binary.BigEndian.PutUint64(b[4:12], invokeID)
	binary.BigEndian.PutUint32(b[12:16], bodyLen)
	return b
}
