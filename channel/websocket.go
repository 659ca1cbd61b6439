// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeTimeout bounds the time spent sending a close frame.
const closeTimeout = time.Second

// Close codes reported by CloseWith and CloseCode. Codes at or above
// CodeMessageTooBig indicate an abnormal closure.
const (
	CodeNormal        = websocket.CloseNormalClosure
	CodeGoingAway     = websocket.CloseGoingAway
	CodeMessageTooBig = websocket.CloseMessageTooBig
)

// WebSocket constructs a message channel on conn. Each message is sent and
// received as a single text frame.
func WebSocket(conn *websocket.Conn) *WSChannel { return &WSChannel{conn: conn} }

// DialWebSocket connects to the WebSocket endpoint at url.
func DialWebSocket(ctx context.Context, url string) (*WSChannel, error) {
	conn, rsp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if rsp != nil && rsp.Body != nil {
		rsp.Body.Close()
	}
	return WebSocket(conn), nil
}

// Upgrade upgrades an HTTP request to a WebSocket message channel. On error,
// a response has already been written to w.
func Upgrade(w http.ResponseWriter, r *http.Request, u *websocket.Upgrader) (*WSChannel, error) {
	if u == nil {
		u = new(websocket.Upgrader)
	}
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return WebSocket(conn), nil
}

// A WSChannel sends and receives messages on a WebSocket connection.
type WSChannel struct {
	μ    sync.Mutex // serializes writers
	conn *websocket.Conn
}

// Send implements a method of the [Channel] interface.
func (c *WSChannel) Send(msg string) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Recv implements a method of the [Channel] interface.
// Binary frames are delivered as text.
func (c *WSChannel) Recv() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Close implements a method of the [Channel] interface.
// It sends a normal closure frame before closing the connection.
func (c *WSChannel) Close() error { return c.CloseWith("", CodeNormal) }

// CloseWith sends a close frame with the given reason and code, then closes
// the connection.
func (c *WSChannel) CloseWith(reason string, code int) error {
	msg := websocket.FormatCloseMessage(code, reason)

	// An error writing the close frame is ignored; the peer may already be
	// gone, and the connection is closed regardless.
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	return c.conn.Close()
}

// CloseCode reports the close code carried by err, if err reports a close
// frame received from the remote endpoint.
func CloseCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}
