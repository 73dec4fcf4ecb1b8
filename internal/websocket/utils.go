package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait bounds silence on the channel; pings keep it open.
	readWait     = 90 * time.Second
	pingInterval = 30 * time.Second
)

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// ReadEnvelope reads and decodes one inbound frame with a read deadline.
func ReadEnvelope(conn *websocket.Conn, env *Envelope) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(env)
}

// IsNormalClose reports whether err is an orderly close from either side.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
