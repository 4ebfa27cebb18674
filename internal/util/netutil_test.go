package util

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsClosedConnError(t *testing.T) {
	assert.False(t, IsClosedConnError(nil))
	assert.False(t, IsClosedConnError(io.EOF))
	assert.True(t, IsClosedConnError(net.ErrClosed))
	assert.True(t, IsClosedConnError(fmt.Errorf("accept: %w", net.ErrClosed)))
	assert.False(t, IsClosedConnError(errors.New("use of closed network connection")))
}

func TestIsClosedConnErrorAfterClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = ln.Accept()
	require.Error(t, err)
	assert.True(t, IsClosedConnError(err))
}

func TestNextAcceptDelay(t *testing.T) {
	d := NextAcceptDelay(0)
	assert.Equal(t, 5*time.Millisecond, d)

	d = NextAcceptDelay(d)
	assert.Equal(t, 10*time.Millisecond, d)

	d = NextAcceptDelay(800 * time.Millisecond)
	assert.Equal(t, time.Second, d)

	d = NextAcceptDelay(time.Second)
	assert.Equal(t, time.Second, d)
}
