package transport

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wsPeer adapts a websocket connection to net.Conn so the rest of the
// transport can treat both listeners the same. Frames ride inside
// binary messages; message boundaries carry no meaning of their own.
type wsPeer struct {
	ws     *websocket.Conn
	reader io.Reader // current inbound message, nil between messages
}

// WrapWS wraps an upgraded or dialed websocket connection as a
// net.Conn carrying the binary frame protocol.
func WrapWS(ws *websocket.Conn) net.Conn {
	return &wsPeer{ws: ws}
}

func (p *wsPeer) Read(b []byte) (int, error) {
	for {
		if p.reader == nil {
			_, r, err := p.ws.NextReader()
			if err != nil {
				return 0, wsReadErr(err)
			}
			p.reader = r
		}
		n, err := p.reader.Read(b)
		if err == io.EOF {
			// Message exhausted; the next Read opens the next message.
			p.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (p *wsPeer) Write(b []byte) (int, error) {
	w, err := p.ws.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

func (p *wsPeer) Close() error { return p.ws.Close() }

func (p *wsPeer) LocalAddr() net.Addr { return p.ws.LocalAddr() }

func (p *wsPeer) RemoteAddr() net.Addr { return p.ws.RemoteAddr() }

func (p *wsPeer) SetReadDeadline(t time.Time) error { return p.ws.SetReadDeadline(t) }

func (p *wsPeer) SetWriteDeadline(t time.Time) error { return p.ws.SetWriteDeadline(t) }

func (p *wsPeer) SetDeadline(t time.Time) error {
	if err := p.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return p.ws.SetWriteDeadline(t)
}

// wsReadErr maps orderly websocket closure onto io.EOF so the decoder
// sees the same disconnect shape on both listeners.
func wsReadErr(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}
