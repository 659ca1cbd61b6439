// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hubbub

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/hubbub/channel"
	"github.com/creachadair/hubbub/message"
	"github.com/creachadair/hubbub/registry"
	"github.com/creachadair/hubbub/topic"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// BeforeExit is the subtopic of the hub root on which the hub publishes an
// event when it begins to shut down.
const BeforeExit = "beforeExit"

// CodeRootConflict is the close code sent to a message-socket client whose
// root topic conflicts with one already registered.
const CodeRootConflict = 4000

// A Hub is the central relay of a hubbub network. Nodes connect to the hub
// and register their root topics; the hub relays requests and responses
// between them, delivers published events to subscribers, and introduces
// registered nodes to each other so they can open direct links.
//
// A hub has its own local node, with the same root topic as the hub, which
// answers requests addressed to the hub and can publish and subscribe like
// any other node. Use Local to obtain it.
type Hub struct {
	root  string
	ports Ports
	local *Node
	subs  *registry.Registry
	tasks *taskgroup.Group

	μ       sync.Mutex
	peers   map[string]*conn  // root → registered connection
	conns   mapset.Set[*conn] // all attached connections
	stopped bool
	log     *slog.Logger
	metrics *metrics
}

// NewHub constructs a hub with the given root topic and ports, and starts
// its local node.
func NewHub(root string, ports Ports) (*Hub, error) {
	local, err := NewNode(root, Ports{HTTP: ports.HTTP, HubTCP: ports.HubTCP})
	if err != nil {
		return nil, err
	}
	h := &Hub{
		root:    root,
		ports:   ports,
		local:   local,
		subs:    registry.New(),
		tasks:   taskgroup.New(nil),
		peers:   make(map[string]*conn),
		conns:   mapset.New[*conn](),
		log:     slog.Default().With("subsystem", "hub", "root", root),
		metrics: rootMetrics,
	}
	// The local node is claimed in the directory before it starts, so that
	// requests for the hub root can be relayed as soon as NewHub returns.
	hubSide, nodeSide := channel.Direct()
	h.attach(hubSide, root)
	if err := local.Start(nodeSide); err != nil {
		h.Stop()
		return nil, fmt.Errorf("start local node: %w", err)
	}
	return h, nil
}

// Root reports the root topic of h.
func (h *Hub) Root() string { return h.root }

// Ports reports the ports h was constructed with.
func (h *Hub) Ports() Ports { return h.ports }

// Local returns the local node of h.
func (h *Hub) Local() *Node { return h.local }

// Attach serves a peer connection on ch. The root topic of the peer is
// unknown until it registers. Attach does not block; the connection is
// served until ch closes or h stops.
func (h *Hub) Attach(ch channel.Channel) { h.attach(ch, "") }

// AttachRoot serves a connection on ch for a client whose root topic is
// already known, such as a message-socket client that reported its root when
// it connected. The client is recorded in the peer directory with port 0, so
// it is never announced to other nodes.
//
// If root conflicts with a root topic already registered, the connection is
// closed with [CodeRootConflict].
func (h *Hub) AttachRoot(ch channel.Channel, root string) { h.attach(ch, root) }

// Serve serves a peer connection on ch, as Attach, and blocks until ch
// closes or ctx ends. It is suitable for use with [peers.Loop].
func (h *Hub) Serve(ctx context.Context, ch channel.Channel) error {
	return h.wait(ctx, h.attach(ch, ""))
}

// ServeRoot serves a client connection on ch, as AttachRoot, and blocks
// until ch closes or ctx ends.
func (h *Hub) ServeRoot(ctx context.Context, ch channel.Channel, root string) error {
	return h.wait(ctx, h.attach(ch, root))
}

func (h *Hub) wait(ctx context.Context, c *conn) error {
	if c == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		c.Close()
		<-c.done
	case <-c.done:
	}
	return nil
}

func (h *Hub) attach(ch channel.Channel, root string) *conn {
	c := newConn(ch)
	h.μ.Lock()
	if h.stopped {
		h.μ.Unlock()
		c.CloseWith("hub is shutting down", channel.CodeGoingAway)
		return nil
	}
	h.conns.Add(c)
	if root != "" {
		if err := h.claimLocked(c, root); err != nil {
			h.conns.Remove(c)
			h.μ.Unlock()
			h.log.Warn("rejected client", "peer", root, "error", err)
			c.CloseWith(err.Error(), CodeRootConflict)
			return nil
		}
	}
	h.μ.Unlock()

	h.tasks.Go(func() error {
		defer close(c.done)
		for {
			data, err := c.Recv()
			if err != nil {
				h.detach(c, err)
				return nil
			}
			h.receive(c, data)
		}
	})
	return c
}

// claimLocked records c in the peer directory as root, with port 0.
func (h *Hub) claimLocked(c *conn, root string) error {
	if _, err := topic.ValidRoot(root); err != nil {
		return err
	}
	for known := range h.peers {
		if strings.HasPrefix(known, root) {
			return fmt.Errorf("root topic %q conflicts with %q", root, known)
		}
	}
	c.root = root
	h.peers[root] = c
	h.metrics.peers.Inc()
	return nil
}

// detach removes all the state for c when its connection closes.
func (h *Hub) detach(c *conn, err error) {
	c.Close()
	n := h.subs.Remove(c)

	h.μ.Lock()
	defer h.μ.Unlock()
	h.conns.Remove(c)
	if c.root != "" && h.peers[c.root] == c {
		delete(h.peers, c.root)
		h.metrics.peers.Dec()
	}
	if code, ok := channel.CloseCode(err); ok && code >= channel.CodeMessageTooBig {
		h.log.Error("connection closed with error", "peer", c.root, "code", code, "error", err)
	} else if !treatErrorAsSuccess(err) {
		h.log.Warn("connection failed", "peer", c.root, "error", err)
	} else {
		h.log.Debug("connection closed", "peer", c.root, "subscriptions", n)
	}
}

// receive handles a message from c. A request or response addressed to a
// registered root topic is relayed verbatim; anything else is handled by
// the hub.
func (h *Hub) receive(c *conn, data string) {
	if targ, _, ok := message.Route(data); ok {
		h.relay(targ, data)
		return
	}

	kind := message.Classify(data)
	h.metrics.received(kind)
	var err error
	switch kind {
	case message.KindEvent:
		var ev *message.Event
		if ev, err = message.ParseEvent(data); err == nil {
			err = h.publish(ev)
		}

	case message.KindSystem:
		var sys *message.System
		if sys, err = message.ParseSystem(data); err == nil {
			err = h.system(c, sys)
		}

	default:
		err = fmt.Errorf("undeliverable %v", kind)
	}
	if err != nil {
		h.metrics.msgDropped.Inc()
		h.log.Warn("discarding message", "peer", c.root, "kind", kind, "error", err)
	}
}

// relay forwards a directed message to the peer registered as targ.
func (h *Hub) relay(targ, data string) {
	h.μ.Lock()
	dst, ok := h.peers[targ]
	h.μ.Unlock()
	if !ok {
		h.metrics.msgDropped.Inc()
		h.log.Warn("discarding message", "target", targ, "error", ErrRelayTargetMissing)
		return
	}
	h.metrics.relayed.Inc()
	if err := dst.Send(data); err != nil {
		h.log.Warn("relay failed", "target", targ, "error", err)
	}
}

func (h *Hub) publish(ev *message.Event) error {
	if _, err := topic.Make(ev.Topic); err != nil {
		return err
	}
	nsent, err := h.subs.Publish(ev)
	h.metrics.published.Add(float64(nsent))
	if err != nil {
		h.log.Warn("event delivery failed", "topic", ev.Topic, "error", err)
	}
	return nil
}

// system handles a system message from c.
func (h *Hub) system(c *conn, sys *message.System) error {
	switch sys.Instruction {
	case message.Subscribe:
		p, err := topic.ParsePattern(sys.Topic)
		if err != nil {
			return err
		}
		h.subs.Subscribe(c, p)

	case message.Unsubscribe:
		h.subs.Unsubscribe(c, topic.Topic(sys.Topic))

	case message.Register:
		return h.register(c, sys.Root, sys.Port)

	default:
		return fmt.Errorf("unexpected %s from peer", sys.Instruction)
	}
	return nil
}

// register records c in the peer directory as root, then announces the new
// peer to every registered peer and every registered peer back to it. A
// registration for a root topic already in the directory is ignored.
func (h *Hub) register(c *conn, root string, port int) error {
	if _, err := topic.ValidRoot(root); err != nil {
		return err
	}
	type announce struct {
		to   *conn
		peer string
		msg  string
	}
	var out []announce

	h.μ.Lock()
	if _, ok := h.peers[root]; ok || c.root != "" {
		h.μ.Unlock()
		return nil // debounce
	}
	for known, kc := range h.peers {
		if kc.port == 0 || port == 0 {
			continue // not reachable by direct link
		}
		out = append(out,
			announce{to: kc, peer: known, msg: announceMessage(root, port)},
			announce{to: c, peer: root, msg: announceMessage(known, kc.port)},
		)
	}
	c.root, c.port = root, port
	h.peers[root] = c
	h.metrics.peers.Inc()
	h.μ.Unlock()

	h.log.Debug("registered peer", "peer", root, "port", port)
	for _, a := range out {
		if err := a.to.Send(a.msg); err != nil {
			h.log.Warn("announce failed", "peer", a.peer, "error", err)
		}
	}
	return nil
}

func announceMessage(root string, port int) string {
	return message.System{Instruction: message.Announce, Root: root, Port: port}.Encode()
}

// Peers returns a snapshot of the peer directory, mapping each registered
// root topic to its declared service port.
func (h *Hub) Peers() map[string]int {
	h.μ.Lock()
	defer h.μ.Unlock()
	out := make(map[string]int, len(h.peers))
	for root, c := range h.peers {
		out[root] = c.port
	}
	return out
}

// Roots reports the registered root topics, in order.
func (h *Hub) Roots() []string { return slices.Sorted(maps.Keys(h.Peers())) }

// Subscriptions returns the subscription registry of h.
func (h *Hub) Subscriptions() *registry.Registry { return h.subs }

// Shutdown performs the given stage of shutdown. At stage 0 the hub
// publishes an event to "<root>/beforeExit" so that nodes can prepare to
// exit, and returns once the event has been sent to its subscribers. At
// stage 1 and later the hub closes all connections and stops.
func (h *Hub) Shutdown(stage int) error {
	if stage != 0 {
		return h.Stop()
	}
	h.log.Info("shutting down", "stage", stage)
	if err := h.local.Publish(h.root+"/"+BeforeExit, nil); err != nil {
		return err
	}

	// The hub handles messages from its local node in order, so a ping
	// round trip means the event has been fanned out.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if _, err := h.local.Ping(ctx, h.root); err != nil {
		return fmt.Errorf("flush %s: %w", BeforeExit, err)
	}
	return nil
}

// shutdownFlushTimeout bounds how long Shutdown waits for the beforeExit
// event to be delivered.
const shutdownFlushTimeout = 5 * time.Second

// Stop closes all connections and stops the local node. It blocks until
// all connections have been released.
func (h *Hub) Stop() error {
	h.μ.Lock()
	h.stopped = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.μ.Unlock()

	var err error
	for _, c := range conns {
		if cerr := c.CloseWith("hub is shutting down", channel.CodeGoingAway); !treatErrorAsSuccess(cerr) {
			err = multierr.Append(err, cerr)
		}
	}
	err = multierr.Append(err, h.local.Stop())
	return multierr.Append(err, h.Wait())
}

// Wait blocks until all the connections of h have closed.
func (h *Hub) Wait() error {
	h.tasks.Wait()
	return nil
}

// Metrics returns the metrics collection for h. Metrics are shared among all
// nodes and hubs in the process.
func (h *Hub) Metrics() *prometheus.Registry { return h.metrics.reg }

// Logger sets the logger used by h and its local node for diagnostics. If
// log == nil, the default logger is used. Logger returns h to permit
// chaining.
func (h *Hub) Logger(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h.local.Logger(log)
	h.μ.Lock()
	defer h.μ.Unlock()
	h.log = log.With("subsystem", "hub", "root", h.root)
	return h
}
