// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package hubbub implements a topic-addressed messaging fabric with
// publish/subscribe events and correlated request/response calls.
//
// A network consists of a [Hub] and any number of nodes. Each [Node] is
// identified by a root topic such as "svc/users". Nodes connect to the hub and
// register their root topics. The hub relays requests and responses between
// nodes, delivers published events to subscribers, and introduces registered
// nodes to each other so that they can open direct links.
//
// Messages are exchanged over a [channel.Channel]. The channel package
// provides a stream transport (TCP, with messages terminated by "*"), a
// message transport (WebSocket), and in-memory channels for testing.
//
// # Topics
//
// Topics are "/"-separated names. A subscription pattern may contain the
// wildcards "+", which matches exactly one segment, and "#", which matches
// all remaining segments. See the topic package for details.
//
// # Nodes
//
// To create a new, unstarted node:
//
//	n, err := hubbub.NewNode("svc/users", hubbub.Ports{ServiceTCP: 9001})
//
// To start the node, call the Start method with a channel connected to the
// hub. The node registers its root topic and becomes ready:
//
//	ch, err := channel.DialStream(ctx, ports.HubAddr())
//	...
//	if err := n.Start(ch); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//
// The node runs until [Node.Stop] is called or the hub connection closes.
// Call [Node.Wait] to wait for the node to exit and return its status.
// Operations attempted before the node is ready, or after its hub connection
// has closed, report [ErrNotReady].
//
// # Requests
//
// A request invokes a named command on the node with a given root topic. To
// define a command handler, use [Node.Handle]:
//
//	func lookup(ctx context.Context, req *message.Request) (any, error) {
//	   var name string
//	   if err := json.Unmarshal(req.Params[0], &name); err != nil {
//	      return nil, err
//	   }
//	   return users[name], nil
//	}
//
//	n.Handle("lookup", lookup)
//
// The handler package provides adapters for functions with typed parameters
// and results.
//
// To invoke a command on another node, use [Node.Request]:
//
//	res, err := n.Request(ctx, "svc/users", "lookup", "alice")
//
// Parameters are encoded as JSON, and the result is the JSON value reported
// by the remote handler. Errors reported by Request have concrete type
// [*CallError]. Requests are sent on a direct link to the target if one
// exists, and otherwise relayed by the hub. Each request waits at most the
// timeout set by [Node.SetTimeout], [DefaultTimeout] by default.
//
// Every node answers the [PingCommand]; see [Node.Ping].
//
// # Events
//
// To publish an event, use [Node.Publish]:
//
//	n.Publish("svc/users/created", user)
//
// To receive events, subscribe to a topic pattern:
//
//	sub, err := n.Subscribe("svc/+/created", func(ev *message.Event) { ... })
//
// The hub delivers a copy of each event for every matching pattern, and the
// topic of a delivered event is the pattern that matched it. Use [Node.Once]
// for a subscription that is removed after its first delivery.
//
// # Metrics
//
// Nodes and hubs maintain a collection of prometheus metrics while running.
// Use [Node.Metrics] or [Hub.Metrics] to obtain the registry. Metrics are
// shared among all nodes and hubs in the process.
package hubbub
