// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines the set of commands offered by a service with a
// given root topic, for use with a hubbub.Node. A Catalog lets callers and
// implementers of a service agree on its command names, and can be sent from
// one node to another so that a caller can discover what a service offers.
//
// # Usage
//
// Construct a new catalog for a root topic and add commands to it:
//
//	cat := catalog.New("svc/users", "lookup", "update")
//
// To associate a catalog with a specific node, use Bind. This creates a copy
// of the catalog sharing the same commands but a (possibly) different node:
//
//	cat2 := cat.Bind(n)
//
// On the node that implements the service, use Handle:
//
//	cat.Bind(server).
//	  Handle("lookup", handleLookup).
//	  Handle("update", handleUpdate)
//
// Note that Handle will panic if given a name not registered with the catalog.
//
// On a node that wants to call these commands, use Call:
//
//	res, err := cat.Bind(client).Call(ctx, "lookup", "alice")
//
// Every bound catalog also serves its own contents as the command named
// [Command], so a caller can discover the commands of a service:
//
//	cat, err := catalog.Fetch(ctx, client, "svc/users")
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/creachadair/hubbub"
	"github.com/creachadair/hubbub/message"
	"github.com/creachadair/mds/mapset"
)

// Command is the name of the command that reports the contents of a catalog.
const Command = "catalog"

// A Catalog associates a node with the set of command names offered by the
// service with a particular root topic.
type Catalog struct {
	node  *hubbub.Node
	root  string
	names mapset.Set[string]
}

// New creates a new unbound catalog for the service with the given root
// topic, offering the specified commands. It is safe to copy the resulting
// value; all copies share a reference to the same set of names.
func New(root string, names ...string) Catalog {
	return Catalog{root: root, names: mapset.New(names...)}
}

// Add adds the specified command names to c, and returns c to allow chaining.
//
// The names of a catalog are shared among all copies of it. It is not safe
// to call Add while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.names.Add(name)
	}
	return c
}

// Bind returns a copy of c bound to the specified node.
func (c Catalog) Bind(n *hubbub.Node) Catalog { return Catalog{node: n, root: c.root, names: c.names} }

// Node returns the node associated with c, or nil if c is unbound.
func (c Catalog) Node() *hubbub.Node { return c.node }

// Root reports the root topic of the service described by c.
func (c Catalog) Root() string { return c.root }

// Has reports whether name is a command offered by c.
func (c Catalog) Has(name string) bool { return c.names.Has(name) }

// Names returns the command names offered by c, in order.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c.names))
	for name := range c.names {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Call invokes the named command on the service described by c.
// Call will panic if c is not bound to a node.
func (c Catalog) Call(ctx context.Context, name string, params ...any) (json.RawMessage, error) {
	return c.node.Request(ctx, c.root, name, params...)
}

// Exec calls the handler for name on the local node.
// Exec will panic if c is not bound to a node.
func (c Catalog) Exec(ctx context.Context, name string, params ...any) (json.RawMessage, error) {
	return c.node.Exec(ctx, name, params...)
}

// Handle binds the specified command to the node associated with c, and
// returns c to permit chaining. The first call to Handle also binds
// [Command] to report the contents of c.
//
// Handle will panic if c is not bound to a node, or if name is not a command
// name known by the catalog.
func (c Catalog) Handle(name string, handler hubbub.Handler) Catalog {
	if !c.names.Has(name) {
		panic(fmt.Sprintf("command %q not known", name))
	}
	c.node.Handle(name, handler)
	c.node.Handle(Command, c.Handler)
	return c
}

// MarshalJSON encodes c as a JSON object giving its root and command names.
func (c Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCatalog{Root: c.root, Commands: c.Names()})
}

// UnmarshalJSON decodes data as a JSON catalog, replacing the contents of c.
// The node binding of c is not changed.
func (c *Catalog) UnmarshalJSON(data []byte) error {
	var w wireCatalog
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.root = w.Root
	c.names = mapset.New(w.Commands...)
	return nil
}

type wireCatalog struct {
	Root     string   `json:"root"`
	Commands []string `json:"commands"`
}

// Handler is a hubbub.Handler that reports the contents of the catalog.
func (c Catalog) Handler(_ context.Context, _ *message.Request) (any, error) { return c, nil }

// Fetch requests the catalog of the service at root, using n to send the
// request. The resulting catalog is bound to n.
func Fetch(ctx context.Context, n *hubbub.Node, root string) (Catalog, error) {
	res, err := n.Request(ctx, root, Command)
	if err != nil {
		return Catalog{}, err
	}
	var c Catalog
	if err := json.Unmarshal(res, &c); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog: %w", err)
	}
	return c.Bind(n), nil
}
