// Package connection wraps nhooyr.io/websocket for the JSON frame protocol
// the relay and the agent-relay link share (internal/protocol). Every frame
// in this system's taxonomy is a single JSON object sent as one text
// message — there is no separate binary data channel — so this wrapper is
// narrower than a general-purpose WebSocket abstraction.
package connection

import (
	"context"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

// WS serializes writes to one underlying WebSocket connection so that a
// heartbeat sender and a broadcast fan-out can both write without racing.
type WS struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New wraps an accepted or dialed WebSocket connection.
func New(conn *websocket.Conn) *WS {
	return &WS{conn: conn}
}

// ReadRaw reads one frame's raw JSON bytes. Only text messages are valid on
// this protocol; anything else is a protocol error.
func (w *WS) ReadRaw(ctx context.Context) ([]byte, error) {
	msgType, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if msgType != websocket.MessageText {
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	return data, nil
}

// WriteRaw writes raw JSON bytes as a text message.
func (w *WS) WriteRaw(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the connection with a status code and reason, e.g. 4001
// "Invalid agent credentials" or 4004 "Agent not found" (spec.md §4.4).
func (w *WS) Close(code websocket.StatusCode, reason string) error {
	return w.conn.Close(code, reason)
}

// CloseNow closes the underlying TCP connection without a close handshake,
// used when a peer is being evicted and we don't need a clean goodbye.
func (w *WS) CloseNow() error {
	return w.conn.CloseNow()
}
