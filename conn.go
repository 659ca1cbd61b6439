// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hubbub

import (
	"sync"

	"github.com/creachadair/hubbub/channel"
)

// A conn wraps a channel shared by concurrent senders. It implements the
// channel.Channel interface, so a conn can be stored in a registry.
type conn struct {
	ch   channel.Channel
	done chan struct{} // closed when the receive loop for ch exits

	// The root topic of the remote endpoint, if known. Guarded by the lock of
	// the node or hub that owns the conn.
	root string
	port int

	out sync.Mutex // must hold to send on ch
}

func newConn(ch channel.Channel) *conn {
	return &conn{ch: ch, done: make(chan struct{})}
}

func (c *conn) Send(msg string) error {
	c.out.Lock()
	defer c.out.Unlock()
	return c.ch.Send(msg)
}

func (c *conn) Recv() (string, error) { return c.ch.Recv() }

func (c *conn) Close() error { return c.ch.Close() }

func (c *conn) CloseWith(reason string, code int) error {
	return channel.CloseWith(c.ch, reason, code)
}
