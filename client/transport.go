// Package client implements the client sync runtime of spec.md §4.10:
// a connection state machine, heartbeat, subscription replay, offline
// queue draining, and reconnect with backoff, generalized from the
// teacher's transport/ws.go hand-rolled WebSocket client shape onto
// coder/websocket, and from session/session.go's Sender interface
// onto a transport-agnostic Conn this package can fake in tests.
package client

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the minimal duplex byte-frame transport the runtime drives;
// a real deployment backs it with WSConn (below), tests back it with
// an in-memory fake.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a new Conn to the sync server.
type Dialer func(ctx context.Context) (Conn, error)

// WSConn adapts a coder/websocket connection to Conn, always framing
// as binary messages (this protocol's wire.Frame codec, not text
// JSON).
type WSConn struct {
	c *websocket.Conn
}

// DialWS returns a Dialer that connects to url using coder/websocket.
func DialWS(url string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		c, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(32 << 20)
		return &WSConn{c: c}, nil
	}
}

func (w *WSConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *WSConn) WriteFrame(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageBinary, data)
}

func (w *WSConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
