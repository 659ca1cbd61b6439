// Package peers provides support code for serving and testing hubbub nodes.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/creachadair/hubbub/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// RootQuery is the name of the URL query parameter a message-socket client
// uses to report its root topic when it connects.
const RootQuery = "rootTopic"

// An Accepter accepts inbound connections as channels.
type Accepter interface {
	Accept(context.Context) (channel.Channel, error)
}

// Loop accepts connections from acc and calls serve for each one in a
// goroutine. Loop continues until acc closes or ctx ends. Both [hubbub.Hub]
// and [hubbub.Node] have a Serve method suitable for use with Loop.
//
// When ctx terminates, the context passed to each serve call ends. Loop
// waits for running serve calls to exit before returning.
func Loop(ctx context.Context, acc Accepter, serve func(context.Context, channel.Channel) error) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			g.Wait()
			return err
		}
		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			return serve(sctx, ch)
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Accepted
// connections use the stream transport.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (channel.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Stream(conn), nil
}

// A RootServer serves a message-socket client that reported root as its
// root topic. [hubbub.Hub.ServeRoot] has this signature.
type RootServer func(ctx context.Context, ch channel.Channel, root string) error

// WebSocketHandler returns an http.Handler that upgrades each request to a
// WebSocket and calls serve with the resulting channel and the root topic
// reported by the client in the [RootQuery] parameter. A request without a
// root topic is rejected.
//
// If u == nil, a default upgrader is used that accepts requests from any
// origin.
func WebSocketHandler(serve RootServer, u *websocket.Upgrader) http.Handler {
	if u == nil {
		u = &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		root := r.URL.Query().Get(RootQuery)
		if root == "" {
			http.Error(w, fmt.Sprintf("missing %s parameter", RootQuery), http.StatusBadRequest)
			return
		}
		ch, err := channel.Upgrade(w, r, u)
		if err != nil {
			return // the upgrader has already replied
		}
		serve(r.Context(), ch, root)
	})
}

// WebSocketURL returns the URL a message-socket client uses to connect to
// the handler at addr (host:port) with the given root topic.
func WebSocketURL(addr, path, root string) string {
	return fmt.Sprintf("ws://%s%s?%s=%s", addr, path, RootQuery, root)
}
