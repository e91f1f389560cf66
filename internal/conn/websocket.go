package conn

import (
	"context"

	"github.com/gorilla/websocket"
)

// WSTransport dials websocket connections using gorilla/websocket.
type WSTransport struct {
	Dialer *websocket.Dialer
}

// NewWSTransport creates a transport using the default dialer.
func NewWSTransport() *WSTransport {
	return &WSTransport{Dialer: websocket.DefaultDialer}
}

// Dial opens a websocket connection to url, honoring ctx for the
// handshake deadline.
func (t *WSTransport) Dial(ctx context.Context, url string) (Conn, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	c, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
