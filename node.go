// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hubbub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/hubbub/channel"
	"github.com/creachadair/hubbub/message"
	"github.com/creachadair/hubbub/topic"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// PingCommand is the name of the command every node defines to answer
// [Node.Ping].
const PingCommand = "ping"

const (
	// DefaultTimeout is the default bound on a call to [Node.Request].
	DefaultTimeout = 30 * time.Second

	dialTimeout = 10 * time.Second
)

// A Handler processes a request from a remote node. A handler can obtain the
// node from its context argument using the ContextNode helper.
//
// The result reported by a handler is encoded as JSON and returned to the
// caller. By default, an error reported by a handler is returned to the
// caller with the text of the error as its message. A handler may return a
// value of concrete type message.ErrorData or *message.ErrorData to control
// the error code, message, and auxiliary error data.
type Handler func(context.Context, *message.Request) (any, error)

// An EventFunc is called for each event delivered to a subscription. The
// topic of the event is the pattern of the subscription.
type EventFunc func(*message.Event)

// A MessageLogger logs a message exchanged with a remote endpoint.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	Data string       // the message in wire format
	Kind message.Kind // the kind of the message
	Sent bool         // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v %s", m.dir(), m.Kind, m.Data)
}

// A Dialer opens a direct link to the node that registered root with the
// given service port.
type Dialer func(ctx context.Context, root string, port int) (channel.Channel, error)

// DialLocal is the default Dialer. It connects to the stream transport on the
// loopback interface at the given port.
func DialLocal(ctx context.Context, root string, port int) (channel.Channel, error) {
	return channel.DialStream(ctx, localAddr(port))
}

// A Subscription is a callback registered for events matching a pattern.
type Subscription struct {
	pattern topic.Topic
	fn      EventFunc
	once    bool
}

// Pattern reports the topic pattern of s.
func (s *Subscription) Pattern() topic.Topic { return s.pattern }

// Once reports whether s is removed after its first delivery.
func (s *Subscription) Once() bool { return s.once }

// A Pong reports the result of a successful [Node.Ping].
type Pong struct {
	Root    string        // the root topic that was pinged
	Reply   string        // the reply reported by the target
	Elapsed time.Duration // the round-trip time of the request
}

// A Node is a participant in a hubbub network, identified by its root topic.
//
// Call Start with a channel connected to the hub to start the node. Once
// started, a node runs until Stop is called or the hub connection closes.
// Use Wait to wait for the node to exit and report its status.
//
// Call Handle to add command handlers to the node. Use Request to invoke a
// command on another node, and Publish and Subscribe to exchange events.
// These methods are safe for concurrent use by multiple goroutines.
//
// When the hub announces another node, the node opens a direct link to it,
// and subsequent requests for that root topic are sent on the link rather
// than relayed through the hub.
type Node struct {
	root  string
	ports Ports
	tasks *taskgroup.Group

	μ sync.Mutex

	hub     *conn                           // the hub connection, once started
	ready   bool                            // whether the hub connection is open
	err     error                           // the error that stopped the node
	pending map[string]pending              // outbound requests pending responses
	subs    map[topic.Topic][]*Subscription // pattern → callbacks
	links   map[string]*conn                // root → direct link
	conns   mapset.Set[*conn]               // all direct links, for shutdown
	dialing mapset.Set[string]              // roots with a dial in flight
	cmds    map[string]Handler              // command → handler
	mlog    MessageLogger
	log     *slog.Logger
	dial    Dialer
	timeout time.Duration
	base    func() context.Context
	onExit  func(error)
	metrics *metrics
}

// NewNode constructs a new unstarted node with the given root topic. The
// service port of ports is reported to the hub when the node registers, so
// that other nodes can open direct links to it; a service port of 0 means the
// node does not accept direct links.
func NewNode(root string, ports Ports) (*Node, error) {
	if _, err := topic.ValidRoot(root); err != nil {
		return nil, err
	}
	n := &Node{
		root:    root,
		ports:   ports,
		tasks:   taskgroup.New(nil),
		pending: make(map[string]pending),
		subs:    make(map[topic.Topic][]*Subscription),
		links:   make(map[string]*conn),
		conns:   mapset.New[*conn](),
		dialing: mapset.New[string](),
		cmds:    make(map[string]Handler),
		log:     slog.Default().With("subsystem", "node", "root", root),
		dial:    DialLocal,
		timeout: DefaultTimeout,
		base:    context.Background,
		metrics: rootMetrics,
	}
	n.cmds[PingCommand] = n.handlePing
	return n, nil
}

// Root reports the root topic of n.
func (n *Node) Root() string { return n.root }

// Ports reports the ports n was constructed with.
func (n *Node) Ports() Ports { return n.ports }

// Start starts the node running on the given channel to the hub. It sends a
// registration for the root topic of n, and marks the node ready. Start does
// not block; call Wait to wait for the node to exit and report its status.
// A node can be started only once.
func (n *Node) Start(ch channel.Channel) error {
	n.μ.Lock()
	if n.hub != nil {
		n.μ.Unlock()
		panic("node is already started")
	}
	hub := newConn(ch)
	n.hub = hub
	n.μ.Unlock()

	n.tasks.Go(func() error {
		for {
			data, err := hub.Recv()
			if err != nil {
				n.fail(err)
				return nil
			}
			n.dispatch(hub, data)
		}
	})

	if err := n.send(hub, n.registration()); err != nil {
		hub.Close() // the receive loop reports the failure
		return fmt.Errorf("register %q: %w", n.root, err)
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	n.ready = n.err == nil
	if !n.ready {
		return ErrNotReady
	}
	n.log.Debug("registered with hub", "port", n.ports.ServiceTCP)
	return nil
}

func (n *Node) registration() string {
	return message.System{Instruction: message.Register, Root: n.root, Port: n.ports.ServiceTCP}.Encode()
}

// Ready reports whether n is connected to the hub.
func (n *Node) Ready() bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.ready
}

// Attach serves an inbound direct link from another node on ch. Attach does
// not block; the link is served until ch closes or n stops.
func (n *Node) Attach(ch channel.Channel) {
	c := newConn(ch)
	n.μ.Lock()
	n.conns.Add(c)
	n.μ.Unlock()
	n.serveLink(c)
}

// Serve serves an inbound direct link on ch, and blocks until ch closes or
// ctx ends. It is suitable for use with [peers.Loop].
func (n *Node) Serve(ctx context.Context, ch channel.Channel) error {
	c := newConn(ch)
	n.μ.Lock()
	n.conns.Add(c)
	n.μ.Unlock()
	n.serveLink(c)
	select {
	case <-ctx.Done():
		c.Close()
		<-c.done
	case <-c.done:
	}
	return nil
}

func (n *Node) serveLink(c *conn) {
	n.tasks.Go(func() error {
		defer close(c.done)
		for {
			data, err := c.Recv()
			if err != nil {
				n.dropLink(c, err)
				return nil
			}
			n.dispatch(c, data)
		}
	})
}

// dropLink removes the direct link c and fails any requests pending on it.
func (n *Node) dropLink(c *conn, err error) {
	c.Close()
	n.μ.Lock()
	defer n.μ.Unlock()
	n.conns.Remove(c)
	if c.root != "" && n.links[c.root] == c {
		delete(n.links, c.root)
		n.metrics.directLinks.Dec()
	}
	for id, p := range n.pending {
		if p.via == c {
			delete(n.pending, id)
			close(p.ch)
		}
	}
	if !treatErrorAsSuccess(err) {
		n.log.Warn("direct link failed", "peer", c.root, "error", err)
	}
}

// Links reports the root topics of the nodes to which n has direct links.
func (n *Node) Links() []string {
	n.μ.Lock()
	defer n.μ.Unlock()
	out := make([]string, 0, len(n.links))
	for root := range n.links {
		out = append(out, root)
	}
	slices.Sort(out)
	return out
}

// Stop closes the hub connection and all direct links, and terminates the
// node. It blocks until the node has exited and returns its status.
func (n *Node) Stop() error {
	n.μ.Lock()
	hub := n.hub
	links := make([]*conn, 0, len(n.conns))
	for c := range n.conns {
		links = append(links, c)
	}
	n.μ.Unlock()

	var err error
	if hub != nil {
		err = hub.Close()
	}
	for _, c := range links {
		err = multierr.Append(err, c.Close())
	}
	if err != nil {
		n.log.Debug("closing connections", "error", err)
	}
	return n.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until n terminates and reports the error that caused it to
// stop. If n is not running, or has stopped because of a closed channel,
// Wait returns nil; otherwise it returns the error from the hub connection.
func (n *Node) Wait() error {
	n.tasks.Wait()

	n.μ.Lock()
	defer n.μ.Unlock()
	if treatErrorAsSuccess(n.err) {
		return nil
	}
	return n.err
}

// fail marks the node not ready, closes all its connections, and terminates
// all pending requests.
func (n *Node) fail(err error) {
	n.μ.Lock()
	defer n.μ.Unlock()

	n.ready = false
	n.hub.Close()
	for c := range n.conns {
		c.Close()
	}
	for id, p := range n.pending {
		delete(n.pending, id)
		close(p.ch)
	}

	n.err = err
	if treatErrorAsSuccess(err) {
		n.log.Debug("hub connection closed")
	} else {
		n.log.Error("hub connection failed", "error", err)
	}
	if n.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		n.onExit(err)
	}
}

// Request sends a request for command to the node with the given root topic,
// and blocks until ctx ends, the timeout of n elapses, or a response is
// received. Each param is encoded as JSON. On success, Request returns the
// JSON-encoded result reported by the remote handler.
//
// If n has a direct link to root, the request is sent on the link; otherwise
// it is relayed by the hub. An error reported by Request has concrete type
// *CallError. If n is not connected to the hub, Request reports ErrNotReady.
func (n *Node) Request(ctx context.Context, root, command string, params ...any) (_ json.RawMessage, err error) {
	n.metrics.reqOut.Inc()
	defer func() {
		if err != nil {
			n.metrics.reqOutErr.Inc()
		}
	}()

	id := uuid.NewString()
	req, err := message.NewRequest(n.root, root, command, id, params...)
	if err != nil {
		return nil, callError(err)
	}

	n.μ.Lock()
	if !n.ready {
		n.μ.Unlock()
		return nil, callError(ErrNotReady)
	}
	via, ok := n.links[root]
	if !ok {
		via = n.hub
	}
	pc := make(chan *message.Response, 1)
	n.pending[id] = pending{ch: pc, via: via}
	timeout := n.timeout
	n.μ.Unlock()

	n.metrics.reqPending.Inc()
	defer n.metrics.reqPending.Dec()
	defer n.release(id)

	if err := n.send(via, req.Encode()); err != nil {
		return nil, callError(err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return nil, callError(ctx.Err())

	case rsp, ok := <-pc:
		if !ok {
			return nil, callError(ErrLinkClosed)
		} else if !rsp.Failed() {
			return rsp.Result, nil
		}
		ce := &CallError{Response: rsp}

		// Try to decode the error data, but if that fails use the raw value so
		// the caller has a way to debug.
		if err := ce.ErrorData.Decode(rsp.Err); err != nil {
			ce.Message = string(rsp.Err)
		}
		return nil, ce
	}
}

// release discards the pending state for the specified request id, if it is
// still present.
func (n *Node) release(id string) {
	n.μ.Lock()
	defer n.μ.Unlock()
	delete(n.pending, id)
}

// Ping sends a ping request to the node with the given root topic, and
// reports its reply and the elapsed time.
func (n *Node) Ping(ctx context.Context, root string) (Pong, error) {
	start := time.Now()
	res, err := n.Request(ctx, root, PingCommand)
	if err != nil {
		return Pong{}, err
	}
	pong := Pong{Root: root, Elapsed: time.Since(start)}
	if err := json.Unmarshal(res, &pong.Reply); err != nil {
		return Pong{}, fmt.Errorf("invalid ping reply: %w", err)
	}
	return pong, nil
}

func (n *Node) handlePing(_ context.Context, req *message.Request) (any, error) {
	return fmt.Sprintf("%s to %s to %s", req.Source, n.root, req.Source), nil
}

// Publish publishes an event with the given payload to topic. The topic
// must be a valid topic name without wildcards.
func (n *Node) Publish(t string, payload any) error { return n.PublishError(t, payload, nil) }

// PublishError publishes an event with the given payload and error value to
// topic. If errv is an error, it is reported as a message.ErrorData.
func (n *Node) PublishError(t string, payload, errv any) error {
	tp, err := topic.Make(t)
	if err != nil {
		return err
	} else if topic.IsWildcard(tp) {
		return fmt.Errorf("%w %q: cannot publish to a pattern", topic.ErrInvalidTopic, t)
	}
	ev, err := message.NewEvent(t, payload)
	if err != nil {
		return err
	}
	if e, ok := errv.(error); ok {
		errv = errorValue(e)
	}
	if ev.Err, err = message.Value(errv); err != nil {
		return fmt.Errorf("error value: %w", err)
	}
	hub, err := n.hubConn()
	if err != nil {
		return err
	}
	return n.send(hub, ev.Encode())
}

// Subscribe registers fn to be called for each event published to a topic
// matching pattern, and asks the hub to deliver those events.
func (n *Node) Subscribe(pattern string, fn EventFunc) (*Subscription, error) {
	return n.subscribe(pattern, fn, false)
}

// Once is as Subscribe, but the subscription is removed after its first
// delivery, and the hub is asked to stop delivering events for the pattern.
func (n *Node) Once(pattern string, fn EventFunc) (*Subscription, error) {
	return n.subscribe(pattern, fn, true)
}

func (n *Node) subscribe(pattern string, fn EventFunc, once bool) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("nil event callback")
	}
	p, err := topic.ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	hub, err := n.hubConn()
	if err != nil {
		return nil, err
	}
	sub := &Subscription{pattern: p, fn: fn, once: once}
	n.μ.Lock()
	n.subs[p] = append(n.subs[p], sub)
	n.μ.Unlock()

	if err := n.sendSystem(hub, message.Subscribe, string(p)); err != nil {
		n.removeSub(sub)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes sub, if it is registered, and asks the hub to stop
// delivering events for its pattern. The request to the hub is sent even if
// sub was not registered.
func (n *Node) Unsubscribe(sub *Subscription) error {
	n.removeSub(sub)
	hub, err := n.hubConn()
	if err != nil {
		return err
	}
	return n.sendSystem(hub, message.Unsubscribe, string(sub.pattern))
}

func (n *Node) removeSub(sub *Subscription) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.removeSubLocked(sub)
}

func (n *Node) removeSubLocked(sub *Subscription) {
	subs := slices.DeleteFunc(n.subs[sub.pattern], func(s *Subscription) bool { return s == sub })
	if len(subs) == 0 {
		delete(n.subs, sub.pattern)
	} else {
		n.subs[sub.pattern] = subs
	}
}

// Subscriptions reports the number of local subscriptions for pattern.
func (n *Node) Subscriptions(pattern string) int {
	n.μ.Lock()
	defer n.μ.Unlock()
	return len(n.subs[topic.Topic(pattern)])
}

func (n *Node) hubConn() (*conn, error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if !n.ready {
		return nil, ErrNotReady
	}
	return n.hub, nil
}

func (n *Node) sendSystem(c *conn, instr message.Instruction, t string) error {
	return n.send(c, message.System{Instruction: instr, Root: n.root, Topic: t}.Encode())
}

// unknownCommand is a placeholder handler for undefined commands.
func unknownCommand(_ context.Context, req *message.Request) (any, error) {
	return nil, fmt.Errorf("%w %q", ErrUnknownCommand, req.Command)
}

// Exec executes the (local) handler on n for the named command, if one
// exists, with the given parameters encoded as JSON. If no handler is
// defined, Exec reports ErrUnknownCommand; otherwise it returns the result
// of calling the handler encoded as JSON. Exec does not send any messages.
func (n *Node) Exec(ctx context.Context, command string, params ...any) (json.RawMessage, error) {
	n.μ.Lock()
	h, ok := n.cmds[command]
	n.μ.Unlock()
	if !ok {
		h = unknownCommand
	}
	req, err := message.NewRequest(n.root, n.root, command, uuid.NewString(), params...)
	if err != nil {
		return nil, err
	}
	v, err := h(context.WithValue(ctx, nodeContextKey{}, n), req)
	if err != nil {
		return nil, err
	}
	return message.Value(v)
}

// Handle registers a handler for the named command. It is safe to call this
// while the node is running. Handle returns n to permit chaining. It panics
// if name is empty or h is nil.
func (n *Node) Handle(name string, h Handler) *Node {
	if name == "" {
		panic("empty command name")
	} else if h == nil {
		panic(fmt.Sprintf("nil handler for command %q", name))
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	n.cmds[name] = h
	return n
}

// Unhandle removes the handler for the named command, if any. Unhandle
// returns n to permit chaining.
func (n *Node) Unhandle(name string) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	delete(n.cmds, name)
	return n
}

// Commands reports the names of the commands defined by n, in order.
func (n *Node) Commands() []string {
	n.μ.Lock()
	defer n.μ.Unlock()
	out := make([]string, 0, len(n.cmds))
	for name := range n.cmds {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the hub or a direct link, regardless of kind, including
// messages to be discarded.
//
// Passing a nil callback disables message logging. The logger is invoked
// synchronously with dispatch, prior to sending or handling a message.
func (n *Node) LogMessages(log MessageLogger) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.mlog = log
	return n
}

// Logger sets the logger used by n for diagnostics. If log == nil, the
// default logger is used.
func (n *Node) Logger(log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	n.log = log.With("subsystem", "node", "root", n.root)
	return n
}

// SetDialer sets the function used to open direct links to announced nodes.
// If d == nil, [DialLocal] is used.
func (n *Node) SetDialer(d Dialer) *Node {
	if d == nil {
		d = DialLocal
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	n.dial = d
	return n
}

// SetTimeout sets the maximum time a call to Request waits for a response.
// If d <= 0, requests wait until their context ends.
func (n *Node) SetTimeout(d time.Duration) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.timeout = d
	return n
}

// OnExit registers a callback to be invoked when the node's hub connection
// closes. The callback is executed synchronously during shutdown, with the
// same error value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (n *Node) OnExit(f func(error)) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.onExit = f
	return n
}

// NewContext registers a function that will be called to create a new base
// context for command handlers. If it is not set a background context is
// used.
func (n *Node) NewContext(base func() context.Context) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	if base == nil {
		n.base = context.Background
	} else {
		n.base = base
	}
	return n
}

// Metrics returns the metrics collection for n. Metrics are shared among all
// nodes and hubs in the process.
func (n *Node) Metrics() *prometheus.Registry { return n.metrics.reg }

// dispatch routes an inbound message received on c.
func (n *Node) dispatch(c *conn, data string) {
	kind := message.Classify(data)
	n.metrics.received(kind)
	n.μ.Lock()
	mlog := n.mlog
	n.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Data: data, Kind: kind, Sent: false})
	}

	var err error
	switch kind {
	case message.KindRequest:
		var req *message.Request
		if req, err = message.ParseRequest(data); err == nil {
			n.dispatchRequest(c, req)
		}

	case message.KindResponse:
		var rsp *message.Response
		if rsp, err = message.ParseResponse(data); err == nil {
			n.dispatchResponse(rsp)
		}

	case message.KindEvent:
		var ev *message.Event
		if ev, err = message.ParseEvent(data); err == nil {
			n.dispatchEvent(ev)
		}

	case message.KindSystem:
		var sys *message.System
		if sys, err = message.ParseSystem(data); err == nil {
			n.dispatchSystem(c, sys)
		}
	}
	if err != nil {
		n.metrics.msgDropped.Inc()
		n.log.Warn("discarding invalid message", "kind", kind, "error", err)
	}
}

// dispatchRequest runs the handler for req in a separate goroutine, and
// sends its response on c.
func (n *Node) dispatchRequest(c *conn, req *message.Request) {
	n.metrics.reqIn.Inc()

	n.μ.Lock()
	h, ok := n.cmds[req.Command]
	base := n.base
	n.μ.Unlock()
	if !ok {
		h = unknownCommand
	}

	n.metrics.reqActive.Inc()
	n.tasks.Go(func() error {
		defer n.metrics.reqActive.Dec()

		ctx := context.WithValue(base(), nodeContextKey{}, n)
		result, err := func() (_ any, err error) {
			// Ensure a panic out of the handler is turned into a graceful response.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return h(ctx, req)
		}()

		var errv any
		if err != nil {
			n.metrics.reqInErr.Inc()
			errv = errorValue(err)
		}
		rsp, err := message.NewResponse(req.Source, req.UUID, result, errv)
		if err != nil {
			n.metrics.reqInErr.Inc()
			rsp, _ = message.NewResponse(req.Source, req.UUID, nil, message.ErrorData{Message: err.Error()})
		}
		if err := n.send(c, rsp.Encode()); err != nil {
			n.log.Warn("sending response failed", "target", req.Source, "command", req.Command, "error", err)
		}
		return nil
	})
}

// dispatchResponse delivers rsp to its pending request. A response for an
// unknown request is discarded.
func (n *Node) dispatchResponse(rsp *message.Response) {
	n.μ.Lock()
	defer n.μ.Unlock()
	p, ok := n.pending[rsp.UUID]
	if !ok {
		return
	}
	delete(n.pending, rsp.UUID)
	p.ch <- rsp // buffered, does not block
	close(p.ch)
}

// dispatchEvent invokes the callbacks registered for the topic of ev, in
// order of registration. Once callbacks are removed before they are called.
func (n *Node) dispatchEvent(ev *message.Event) {
	p := topic.Topic(ev.Topic)

	n.μ.Lock()
	subs := slices.Clone(n.subs[p])
	var once []*Subscription
	for _, s := range subs {
		if s.once {
			once = append(once, s)
			n.removeSubLocked(s)
		}
	}
	hub := n.hub
	n.μ.Unlock()

	if len(subs) == 0 || hub == nil {
		n.metrics.msgDropped.Inc()
		return
	}
	for _, s := range subs {
		n.callEvent(s, ev)
	}
	for _, s := range once {
		if err := n.sendSystem(hub, message.Unsubscribe, string(s.pattern)); err != nil {
			n.log.Warn("unsubscribe failed", "pattern", s.pattern, "error", err)
		}
	}
}

func (n *Node) callEvent(s *Subscription, ev *message.Event) {
	defer func() {
		if x := recover(); x != nil {
			n.log.Error("event callback panicked (recovered)", "pattern", s.pattern, "panic", x)
		}
	}()
	s.fn(ev)
}

// dispatchSystem handles a system message received on c.
func (n *Node) dispatchSystem(c *conn, sys *message.System) {
	switch sys.Instruction {
	case message.Announce:
		n.announced(sys.Root, sys.Port)

	case message.Register:
		// A node that dialed us identifies itself on the link.
		if sys.Root == n.root || c == n.hub {
			return
		}
		n.μ.Lock()
		defer n.μ.Unlock()
		if _, ok := n.links[sys.Root]; ok || c.root != "" {
			return // debounce
		}
		c.root = sys.Root
		n.links[sys.Root] = c
		n.metrics.directLinks.Inc()
		n.log.Debug("accepted direct link", "peer", sys.Root)

	default:
		n.metrics.msgDropped.Inc()
		n.log.Debug("ignoring system message", "message", sys)
	}
}

// announced opens a direct link to root at port, unless one already exists
// or is being opened.
func (n *Node) announced(root string, port int) {
	if port == 0 || root == n.root {
		return
	}
	n.μ.Lock()
	if _, ok := n.links[root]; ok || n.dialing.Has(root) {
		n.μ.Unlock()
		return
	}
	n.dialing.Add(root)
	dial := n.dial
	n.μ.Unlock()

	n.tasks.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		ch, err := dial(ctx, root, port)

		n.μ.Lock()
		n.dialing.Remove(root)
		if err != nil {
			n.μ.Unlock()
			n.log.Warn("connecting to peer failed", "peer", root, "port", port, "error", err)
			return nil
		}
		c := newConn(ch)
		c.root = root
		n.conns.Add(c)
		if _, ok := n.links[root]; !ok {
			n.links[root] = c
			n.metrics.directLinks.Inc()
		}
		n.μ.Unlock()

		n.serveLink(c)
		if err := n.send(c, n.registration()); err != nil {
			n.log.Warn("registering with peer failed", "peer", root, "error", err)
			c.Close()
			return nil
		}
		n.log.Debug("opened direct link", "peer", root, "port", port)
		return nil
	})
}

func (n *Node) send(c *conn, msg string) error {
	n.metrics.msgSent.Inc()
	n.μ.Lock()
	mlog := n.mlog
	n.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Data: msg, Kind: message.Classify(msg), Sent: true})
	}
	return c.Send(msg)
}

type pending struct {
	ch  chan *message.Response // buffered 1
	via *conn                  // where the request was sent
}

type nodeContextKey struct{}

// ContextNode returns the Node associated with the given context, or nil if
// none is defined. The context passed to a command Handler has this value.
func ContextNode(ctx context.Context) *Node {
	if v := ctx.Value(nodeContextKey{}); v != nil {
		return v.(*Node)
	}
	return nil
}
