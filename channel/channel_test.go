// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creachadair/hubbub/channel"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		if err := c.Send("ping"); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != "ping" {
			t.Errorf("Message: got %q, want ping", got)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(msg); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err == nil {
		t.Error("s.Close after c.Close did not report an error")
	}

	if err := c.Send("x"); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send("x"); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if msg, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %q", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if msg, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %q", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestDirectBuffered(t *testing.T) {
	c, s := channel.Direct()

	// Both ends can send without a receiver waiting.
	want := []string{"a", "b", "c"}
	for _, m := range want {
		if err := c.Send(m); err != nil {
			t.Fatalf("Send %q: %v", m, err)
		}
		if err := s.Send(m); err != nil {
			t.Fatalf("Send %q: %v", m, err)
		}
	}
	c.Close()

	// Messages sent before close are still delivered.
	for _, ch := range []channel.Channel{s, c} {
		var got []string
		for {
			msg, err := ch.Recv()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					t.Errorf("Recv: got %v, want %v", err, net.ErrClosed)
				}
				break
			}
			got = append(got, msg)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Messages (-want, +got):\n%s", diff)
		}
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestStreamFraming(t *testing.T) {
	input := "**alpha*{\"topic\":\"x/y\"}***beta*partial"
	ch := channel.IO(strings.NewReader(input), nopCloser{io.Discard})

	var got []string
	for {
		msg, err := ch.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, msg)
	}
	want := []string{"alpha", `{"topic":"x/y"}`, "beta"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Messages (-want, +got):\n%s", diff)
	}
}

func TestStreamSend(t *testing.T) {
	var buf bytes.Buffer
	ch := channel.IO(strings.NewReader(""), nopCloser{&buf})

	for _, m := range []string{"one", "two", ""} {
		if err := ch.Send(m); err != nil {
			t.Errorf("Send %q: %v", m, err)
		}
	}
	if err := ch.Send("a*b"); !errors.Is(err, channel.ErrDelimiter) {
		t.Errorf("Send with delimiter: got %v, want %v", err, channel.ErrDelimiter)
	}
	if got, want := buf.String(), "one*two**"; got != want {
		t.Errorf("Output: got %q, want %q", got, want)
	}
}

func TestStreamConn(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()

	srv := taskgroup.Go(func() error {
		conn, err := lst.Accept()
		if err != nil {
			return err
		}
		ch := channel.Stream(conn)
		defer ch.Close()
		for {
			msg, err := ch.Recv()
			if err != nil {
				return nil
			}
			if err := ch.Send("echo:" + msg); err != nil {
				return err
			}
		}
	})

	cli, err := channel.DialStream(t.Context(), lst.Addr().String())
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	for _, m := range []string{"a", "bb", "ccc"} {
		if err := cli.Send(m); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, err := cli.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if want := "echo:" + m; got != want {
			t.Errorf("Recv: got %q, want %q", got, want)
		}
	}
	cli.Close()
	if err := srv.Wait(); err != nil {
		t.Errorf("Server: %v", err)
	}
}

func TestWebSocket(t *testing.T) {
	codes := make(chan int, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := channel.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		defer ch.Close()
		for {
			msg, err := ch.Recv()
			if err != nil {
				code, _ := channel.CloseCode(err)
				codes <- code
				return
			}
			ch.Send(strings.ToUpper(msg))
		}
	}))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	cli, err := channel.DialWebSocket(t.Context(), url)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}

	// Message transports do not frame, so the delimiter is allowed.
	for _, m := range []string{"hello", "a*b"} {
		if err := cli.Send(m); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got, err := cli.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if want := strings.ToUpper(m); got != want {
			t.Errorf("Recv: got %q, want %q", got, want)
		}
	}

	if err := channel.CloseWith(cli, "going away", websocket.CloseGoingAway); err != nil {
		t.Errorf("CloseWith: %v", err)
	}
	if got := <-codes; got != websocket.CloseGoingAway {
		t.Errorf("Close code: got %d, want %d", got, websocket.CloseGoingAway)
	}
}

func TestAdapt(t *testing.T) {
	a, _ := channel.Direct()
	if got, err := channel.Adapt(a); err != nil || got != a {
		t.Errorf("Adapt(Channel): got (%v, %v), want (%v, nil)", got, err, a)
	}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	if got, err := channel.Adapt(c1); err != nil {
		t.Errorf("Adapt(net.Conn): unexpected error: %v", err)
	} else if _, ok := got.(*channel.IOChannel); !ok {
		t.Errorf("Adapt(net.Conn): got %T, want *channel.IOChannel", got)
	}

	for _, v := range []any{nil, "string", 17, struct{}{}} {
		if got, err := channel.Adapt(v); !errors.Is(err, channel.ErrUnknownSocketType) {
			t.Errorf("Adapt(%v): got (%v, %v), want %v", v, got, err, channel.ErrUnknownSocketType)
		}
	}
}
