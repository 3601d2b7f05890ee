package pubsub

import (
	"time"

	"github.com/gorilla/websocket"
)

const DefaultWriteWait = 10 * time.Second

// WebSocket adapts a gorilla connection to Transport.
type WebSocket struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func NewWebSocket(conn *websocket.Conn, writeWait time.Duration) *WebSocket {
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	return &WebSocket{conn: conn, writeWait: writeWait}
}

func (w *WebSocket) Write(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebSocket) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeWait))
}

func (w *WebSocket) Close(reason string) error {
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(w.writeWait),
	)
	return w.conn.Close()
}
