// Package wscarrier adapts a *websocket.Conn into the Sink/MessageStream
// pair qmux needs to run a Mux, so a qmux connection can be tunneled
// over an ordinary WebSocket handshake instead of a raw TCP socket.
package wscarrier

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/qmuxio/qmux"
)

// Carrier wraps a *websocket.Conn to satisfy qmux.Sink and
// qmux.MessageStream. gorilla/websocket connections do not support
// concurrent writers, so SendMessage holds writeMu around every call.
type Carrier struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New wraps conn. The caller is responsible for completing the
// WebSocket handshake (via websocket.Upgrader or websocket.Dialer)
// before constructing a Carrier.
func New(conn *websocket.Conn) *Carrier {
	return &Carrier{conn: conn}
}

// SendMessage implements qmux.Sink.
func (c *Carrier) SendMessage(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// NextMessage implements qmux.MessageStream. Non-binary frames (text,
// ping, pong — gorilla/websocket answers ping/pong control frames
// itself and never surfaces them here) are reported as
// qmux.ErrNonBinaryMessage, which the Mux's reader loop logs and
// drops without shutting down.
func (c *Carrier) NextMessage() ([]byte, error) {
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch kind {
	case websocket.BinaryMessage:
		return data, nil
	case websocket.CloseMessage:
		return nil, errors.New("wscarrier: connection closed")
	default:
		return nil, qmux.ErrNonBinaryMessage
	}
}

// Close implements qmux.Sink. It is idempotent.
func (c *Carrier) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

var _ qmux.Sink = (*Carrier)(nil)
var _ qmux.MessageStream = (*Carrier)(nil)
