// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hubbub

import (
	"fmt"
	"net"
	"strconv"
)

// Ports are the port numbers negotiated for an application instance.
type Ports struct {
	HTTP       int // hub HTTP and WebSocket port
	HubTCP     int // hub stream transport port
	ServiceTCP int // this service's port for direct peer links
}

// IsHub reports whether p describes the hub itself, whose service port is
// the hub's own stream port.
func (p Ports) IsHub() bool { return p.ServiceTCP != 0 && p.ServiceTCP == p.HubTCP }

// HubAddr returns the local address of the hub's stream transport.
func (p Ports) HubAddr() string { return localAddr(p.HubTCP) }

// ServiceAddr returns the local address of this service's stream transport.
func (p Ports) ServiceAddr() string { return localAddr(p.ServiceTCP) }

// Allocate returns a copy of p in which each zero port is replaced by a
// free port on the loopback interface. To allocate ports for a hub, set
// ServiceTCP to HubTCP after allocation.
func (p Ports) Allocate() (Ports, error) {
	for _, port := range []*int{&p.HTTP, &p.HubTCP, &p.ServiceTCP} {
		if *port != 0 {
			continue
		}
		free, err := freePort()
		if err != nil {
			return p, fmt.Errorf("allocate port: %w", err)
		}
		*port = free
	}
	return p, nil
}

func localAddr(port int) string { return net.JoinHostPort("localhost", strconv.Itoa(port)) }

func freePort() (int, error) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer lst.Close()
	return lst.Addr().(*net.TCPAddr).Port, nil
}
