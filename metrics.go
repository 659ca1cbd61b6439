// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hubbub

import (
	"github.com/creachadair/hubbub/message"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics record node and hub activity counters.
type metrics struct {
	msgRecv     *prometheus.CounterVec // by message kind
	msgSent     prometheus.Counter
	msgDropped  prometheus.Counter
	reqIn       prometheus.Counter // number of inbound requests received
	reqInErr    prometheus.Counter // number of inbound requests reporting an error
	reqActive   prometheus.Gauge   // inbound
	reqOut      prometheus.Counter // number of outbound requests initiated
	reqOutErr   prometheus.Counter // number of outbound requests reporting an error
	reqPending  prometheus.Gauge   // outbound
	relayed     prometheus.Counter // directed messages passed through the hub
	published   prometheus.Counter // events delivered by hub fan-out
	peers       prometheus.Gauge   // entries in the hub's peer directory
	directLinks prometheus.Gauge   // direct peer links held by nodes

	reg *prometheus.Registry
}

var rootMetrics = newMetrics()

func newMetrics() *metrics {
	const ns = "hubbub"
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}
	m := &metrics{
		msgRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_received_total",
			Help:      "Messages received, by kind.",
		}, []string{"kind"}),
		msgSent:     counter("messages_sent_total", "Messages sent."),
		msgDropped:  counter("messages_dropped_total", "Messages received and discarded."),
		reqIn:       counter("requests_in_total", "Inbound requests received."),
		reqInErr:    counter("requests_in_failed_total", "Inbound requests resulting in errors."),
		reqActive:   gauge("requests_active", "Inbound requests currently active."),
		reqOut:      counter("requests_out_total", "Outbound requests sent."),
		reqOutErr:   counter("requests_out_failed_total", "Outbound requests resulting in errors."),
		reqPending:  gauge("requests_pending", "Outbound requests awaiting a response."),
		relayed:     counter("relayed_total", "Directed messages relayed by the hub."),
		published:   counter("events_published_total", "Events delivered by hub fan-out."),
		peers:       gauge("peers", "Peers registered in the hub directory."),
		directLinks: gauge("direct_links", "Direct peer links held by nodes."),
		reg:         prometheus.NewRegistry(),
	}
	m.reg.MustRegister(
		m.msgRecv, m.msgSent, m.msgDropped,
		m.reqIn, m.reqInErr, m.reqActive,
		m.reqOut, m.reqOutErr, m.reqPending,
		m.relayed, m.published, m.peers, m.directLinks,
	)
	return m
}

func (m *metrics) received(k message.Kind) { m.msgRecv.WithLabelValues(k.String()).Inc() }
