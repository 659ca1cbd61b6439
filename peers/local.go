// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/hubbub"
	"github.com/creachadair/hubbub/channel"
	"go.uber.org/multierr"
)

// Local is an in-memory hubbub network of a hub and a collection of nodes,
// suitable for testing. All connections, including direct links between
// nodes, use direct channels.
type Local struct {
	Hub *hubbub.Hub

	μ     sync.Mutex
	nodes map[string]*hubbub.Node
	ports map[int]*hubbub.Node // synthetic service port → node
}

// NewLocal creates a hub with the given root topic, and a started node for
// each of the specified roots. Each node registers with a distinct synthetic
// service port, so the hub announces the nodes to each other and they open
// direct links as they would over a network.
func NewLocal(hubRoot string, roots ...string) (*Local, error) {
	hub, err := hubbub.NewHub(hubRoot, hubbub.Ports{})
	if err != nil {
		return nil, err
	}
	loc := &Local{
		Hub:   hub,
		nodes: make(map[string]*hubbub.Node),
		ports: make(map[int]*hubbub.Node),
	}
	for _, root := range roots {
		if _, err := loc.Add(root); err != nil {
			loc.Stop()
			return nil, err
		}
	}
	return loc, nil
}

// Add creates and starts a new node with the given root topic, connected to
// the hub of loc.
func (loc *Local) Add(root string) (*hubbub.Node, error) {
	loc.μ.Lock()
	if _, ok := loc.nodes[root]; ok {
		loc.μ.Unlock()
		return nil, fmt.Errorf("duplicate root %q", root)
	}
	port := len(loc.ports) + 1
	n, err := hubbub.NewNode(root, hubbub.Ports{ServiceTCP: port})
	if err != nil {
		loc.μ.Unlock()
		return nil, err
	}
	loc.nodes[root] = n
	loc.ports[port] = n
	loc.μ.Unlock()

	n.SetDialer(loc.dial)
	hubSide, nodeSide := channel.Direct()
	loc.Hub.Attach(hubSide)
	if err := n.Start(nodeSide); err != nil {
		return nil, err
	}

	// The hub handles messages on a connection in order, so once the hub
	// answers a ping the node is registered and has been announced.
	if _, err := n.Ping(context.Background(), loc.Hub.Root()); err != nil {
		return nil, fmt.Errorf("ping hub: %w", err)
	}
	return n, nil
}

// dial implements the hubbub.Dialer interface by attaching one end of a
// direct channel to the node registered at port.
func (loc *Local) dial(_ context.Context, root string, port int) (channel.Channel, error) {
	loc.μ.Lock()
	n, ok := loc.ports[port]
	loc.μ.Unlock()
	if !ok || n.Root() != root {
		return nil, fmt.Errorf("no node %q at port %d", root, port)
	}
	a, b := channel.Direct()
	n.Attach(b)
	return a, nil
}

// Node returns the node with the given root topic, or nil.
func (loc *Local) Node(root string) *hubbub.Node {
	loc.μ.Lock()
	defer loc.μ.Unlock()
	return loc.nodes[root]
}

// Roots returns the root topics of the nodes in loc, in order.
func (loc *Local) Roots() []string {
	loc.μ.Lock()
	defer loc.μ.Unlock()
	out := make([]string, 0, len(loc.nodes))
	for root := range loc.nodes {
		out = append(out, root)
	}
	slices.Sort(out)
	return out
}

// Stop shuts down all the nodes and the hub, and blocks until they have
// exited.
func (loc *Local) Stop() error {
	loc.μ.Lock()
	nodes := make([]*hubbub.Node, 0, len(loc.nodes))
	for _, n := range loc.nodes {
		nodes = append(nodes, n)
	}
	loc.μ.Unlock()

	var err error
	for _, n := range nodes {
		err = multierr.Append(err, n.Stop())
	}
	return multierr.Append(err, loc.Hub.Stop())
}
