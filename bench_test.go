// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hubbub_test

import (
	"context"
	"net"
	"testing"

	"github.com/creachadair/hubbub"
	"github.com/creachadair/hubbub/channel"
	"github.com/creachadair/hubbub/message"
	"github.com/creachadair/hubbub/peers"
	"github.com/creachadair/taskgroup"
)

func noop(context.Context, *message.Request) (any, error)       { return nil, nil }
func echo(_ context.Context, req *message.Request) (any, error) { return req.Params, nil }

func BenchmarkRequest(b *testing.B) {
	const payload = "fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?"

	b.Run("Relay-noop", func(b *testing.B) {
		hub, n := relayPair(b)
		hub.Local().Handle("X", noop)
		runBench(b, n, "hub", nil)
	})
	b.Run("Relay-echo", func(b *testing.B) {
		hub, n := relayPair(b)
		hub.Local().Handle("X", echo)
		runBench(b, n, "hub", payload)
	})

	b.Run("Direct-noop", func(b *testing.B) {
		loc := localLinked(b)
		loc.Node("svc/a").Handle("X", noop)
		runBench(b, loc.Node("svc/b"), "svc/a", nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := localLinked(b)
		loc.Node("svc/a").Handle("X", echo)
		runBench(b, loc.Node("svc/b"), "svc/a", payload)
	})

	b.Run("Stream-echo", func(b *testing.B) {
		hub := streamHub(b)
		hub.Local().Handle("X", echo)
		n, err := hubbub.NewNode("svc/bench", hubbub.Ports{})
		if err != nil {
			b.Fatal(err)
		}
		ch, err := channel.DialStream(b.Context(), hub.Ports().HubAddr())
		if err != nil {
			b.Fatal(err)
		}
		if err := n.Start(ch); err != nil {
			b.Fatal(err)
		}
		defer n.Stop()
		runBench(b, n, "hub", payload)
	})
}

func runBench(b *testing.B, n *hubbub.Node, root string, param any) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		_, err := n.Request(ctx, root, "X", param)
		if err != nil {
			b.Fatal(err)
		}
	}
}

// relayPair returns a hub and a started node connected to it, without
// direct links.
func relayPair(tb testing.TB) (*hubbub.Hub, *hubbub.Node) {
	tb.Helper()
	hub, err := hubbub.NewHub("hub", hubbub.Ports{})
	if err != nil {
		tb.Fatalf("NewHub: %v", err)
	}
	n, err := hubbub.NewNode("svc/bench", hubbub.Ports{})
	if err != nil {
		tb.Fatalf("NewNode: %v", err)
	}
	a, b := channel.Direct()
	hub.Attach(a)
	if err := n.Start(b); err != nil {
		tb.Fatalf("Start: %v", err)
	}
	tb.Cleanup(func() {
		if err := n.Stop(); err != nil {
			tb.Errorf("Node stop: %v", err)
		}
		if err := hub.Stop(); err != nil {
			tb.Errorf("Hub stop: %v", err)
		}
	})
	return hub, n
}

// localLinked returns a local network with nodes svc/a and svc/b, once they
// have opened direct links to each other.
func localLinked(tb testing.TB) *peers.Local {
	tb.Helper()
	loc, err := peers.NewLocal("hub", "svc/a", "svc/b")
	if err != nil {
		tb.Fatalf("NewLocal: %v", err)
	}
	tb.Cleanup(func() { loc.Stop() })
	for _, root := range loc.Roots() {
		n := loc.Node(root)
		waitFor(tb, func() bool { return len(n.Links()) == 1 })
	}
	return loc
}

// streamHub returns a hub serving the stream transport on a loopback port.
// The port is reported as the HubTCP port of the hub.
func streamHub(tb testing.TB) *hubbub.Hub {
	tb.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("Listen: %v", err)
	}
	hub, err := hubbub.NewHub("hub", hubbub.Ports{HubTCP: lst.Addr().(*net.TCPAddr).Port})
	if err != nil {
		tb.Fatalf("NewHub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), hub.Serve)
	})
	tb.Cleanup(func() {
		cancel()
		loop.Wait()
		hub.Stop()
	})
	return hub
}
