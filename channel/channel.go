// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the Channel interface, which
// normalizes the transports hubbub nodes use to exchange messages.
//
// Two transport shapes are supported. A stream transport (such as TCP)
// delivers arbitrary chunks of bytes, so messages are framed by a trailing
// "*" delimiter. A message transport (such as WebSocket) has native framing,
// and each message is delivered intact.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Delimiter terminates each message on a stream transport.
const Delimiter = '*'

var (
	// ErrDelimiter is reported by Send on a stream transport for a message
	// that contains the frame delimiter.
	ErrDelimiter = errors.New("message contains frame delimiter")

	// ErrUnknownSocketType is reported by Adapt for a value that is not a
	// supported transport.
	ErrUnknownSocketType = errors.New("unknown socket type")
)

// A Channel is a reliable ordered stream of messages shared by two endpoints.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send a single message to the remote endpoint.
	Send(string) error

	// Receive the next available message from the channel. An error means
	// the channel has closed or failed, and no further messages will arrive.
	Recv() (string, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Closer is a Channel that can report a reason and code when closing.
type Closer interface {
	CloseWith(reason string, code int) error
}

// CloseWith closes ch, reporting reason and code to the remote endpoint if
// the transport supports it. Otherwise it is equivalent to ch.Close.
func CloseWith(ch Channel, reason string, code int) error {
	if c, ok := ch.(Closer); ok {
		return c.CloseWith(reason, code)
	}
	return ch.Close()
}

// Adapt wraps v as a Channel. It accepts a net.Conn (stream transport), a
// *websocket.Conn (message transport), or a value that is already a Channel.
// Any other value reports ErrUnknownSocketType.
func Adapt(v any) (Channel, error) {
	switch t := v.(type) {
	case Channel:
		return t, nil
	case *websocket.Conn:
		return WebSocket(t), nil
	case net.Conn:
		return Stream(t), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownSocketType, v)
}

// Stream constructs a stream channel on conn.
func Stream(conn net.Conn) *IOChannel { return IO(conn, conn) }

// DialStream connects to the stream transport at addr.
func DialStream(ctx context.Context, addr string) (*IOChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return Stream(conn), nil
}

// IO constructs a stream channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives "*"-delimited messages on a reader and a
// writer. Empty messages are never delivered.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [Channel] interface.
// It reports ErrDelimiter if msg contains the delimiter.
func (c *IOChannel) Send(msg string) error {
	if strings.IndexByte(msg, Delimiter) >= 0 {
		return ErrDelimiter
	}
	if _, err := c.w.WriteString(msg); err != nil {
		return err
	}
	if err := c.w.WriteByte(Delimiter); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [Channel] interface.
func (c *IOChannel) Recv() (string, error) {
	for {
		frag, err := c.r.ReadString(Delimiter)
		if err != nil {
			// A trailing fragment without a delimiter is incomplete.
			return "", err
		}
		if msg := frag[:len(frag)-1]; msg != "" {
			return msg, nil
		}
	}
}

// Close implements a method of the [Channel] interface.
func (c *IOChannel) Close() error { return c.c.Close() }

// Direct constructs a connected pair of in-memory channels. Messages sent to
// A are received by B and vice versa. Sends never block, so two endpoints
// may send to each other concurrently from their receive loops. Closing
// either end closes both directions; messages already sent remain available
// to the receiver.
func Direct() (A, B Channel) {
	a2b, b2a := newQueue(), newQueue()
	A = &direct{in: b2a, out: a2b}
	B = &direct{in: a2b, out: b2a}
	return
}

type direct struct {
	in, out *queue
}

// Send implements a method of the [Channel] interface.
func (d *direct) Send(msg string) error { return d.out.push(msg) }

// Recv implements a method of the [Channel] interface.
func (d *direct) Recv() (string, error) { return d.in.pop() }

// Close implements a method of the [Channel] interface.
func (d *direct) Close() error {
	err := d.out.close()
	d.in.close()
	return err
}

// A queue is an unbounded FIFO of messages.
type queue struct {
	μ      sync.Mutex
	msgs   []string
	closed bool
	ready  chan struct{} // buffered 1; signals that msgs or closed changed
}

func newQueue() *queue { return &queue{ready: make(chan struct{}, 1)} }

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) push(msg string) error {
	q.μ.Lock()
	defer q.μ.Unlock()
	if q.closed {
		return net.ErrClosed
	}
	q.msgs = append(q.msgs, msg)
	q.signal()
	return nil
}

func (q *queue) pop() (string, error) {
	for {
		q.μ.Lock()
		if len(q.msgs) != 0 {
			msg := q.msgs[0]
			q.msgs = q.msgs[1:]
			q.μ.Unlock()
			return msg, nil
		} else if q.closed {
			q.μ.Unlock()
			return "", net.ErrClosed
		}
		q.μ.Unlock()
		<-q.ready
	}
}

func (q *queue) close() error {
	q.μ.Lock()
	defer q.μ.Unlock()
	if q.closed {
		return net.ErrClosed
	}
	q.closed = true
	q.signal()
	return nil
}
