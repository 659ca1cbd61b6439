// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package registry implements the hub's subscription table, which maps
// topic patterns to the channels subscribed to them.
package registry

import (
	"sync"

	"github.com/creachadair/hubbub/channel"
	"github.com/creachadair/hubbub/message"
	"github.com/creachadair/hubbub/topic"
	"github.com/creachadair/mds/mapset"
	"go.uber.org/multierr"
)

// A Registry records the subscriptions of a collection of channels. A zero
// Registry is ready for use. It is safe for concurrent use by multiple
// goroutines.
//
// The registry maintains two tables that are kept mutually consistent: for
// each channel the set of patterns it subscribes to, and for each pattern the
// set of channels subscribed to it. A pattern is present in the second table
// only while at least one channel subscribes to it.
type Registry struct {
	μ        sync.Mutex
	byChan   map[channel.Channel]mapset.Set[topic.Topic]
	byTopic  map[topic.Topic]mapset.Set[channel.Channel]
	wildcard int // number of wildcard patterns in byTopic
}

// New constructs a new empty registry.
func New() *Registry { return new(Registry) }

func (r *Registry) initLocked() {
	if r.byChan == nil {
		r.byChan = make(map[channel.Channel]mapset.Set[topic.Topic])
		r.byTopic = make(map[topic.Topic]mapset.Set[channel.Channel])
	}
}

// Subscribe adds a subscription for ch to pattern. It reports whether this
// added a new subscription; subscribing twice to the same pattern has no
// further effect.
func (r *Registry) Subscribe(ch channel.Channel, pattern topic.Topic) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.initLocked()

	pats, ok := r.byChan[ch]
	if !ok {
		pats = mapset.New[topic.Topic]()
		r.byChan[ch] = pats
	}
	if pats.Has(pattern) {
		return false
	}
	pats.Add(pattern)

	subs, ok := r.byTopic[pattern]
	if !ok {
		subs = mapset.New[channel.Channel]()
		r.byTopic[pattern] = subs
		if topic.IsWildcard(pattern) {
			r.wildcard++
		}
	}
	subs.Add(ch)
	return true
}

// Unsubscribe removes the subscription of ch to pattern, if it exists, and
// reports whether it did.
func (r *Registry) Unsubscribe(ch channel.Channel, pattern topic.Topic) bool {
	r.μ.Lock()
	defer r.μ.Unlock()

	pats, ok := r.byChan[ch]
	if !ok || !pats.Has(pattern) {
		return false
	}
	pats.Remove(pattern)
	if len(pats) == 0 {
		delete(r.byChan, ch)
	}
	r.dropLocked(ch, pattern)
	return true
}

// Remove removes all the subscriptions of ch, and reports the number removed.
// This is used when a channel closes.
func (r *Registry) Remove(ch channel.Channel) int {
	r.μ.Lock()
	defer r.μ.Unlock()

	pats, ok := r.byChan[ch]
	if !ok {
		return 0
	}
	delete(r.byChan, ch)
	for p := range pats {
		r.dropLocked(ch, p)
	}
	return len(pats)
}

// dropLocked removes ch from the subscribers of pattern, and deletes the
// pattern entry if it has no remaining subscribers.
func (r *Registry) dropLocked(ch channel.Channel, pattern topic.Topic) {
	subs, ok := r.byTopic[pattern]
	if !ok {
		return
	}
	subs.Remove(ch)
	if len(subs) == 0 {
		delete(r.byTopic, pattern)
		if topic.IsWildcard(pattern) {
			r.wildcard--
		}
	}
}

// Topics returns the patterns subscribed to by ch, in no particular order.
func (r *Registry) Topics(ch channel.Channel) []topic.Topic {
	r.μ.Lock()
	defer r.μ.Unlock()
	var out []topic.Topic
	for p := range r.byChan[ch] {
		out = append(out, p)
	}
	return out
}

// Subscribers reports the number of channels subscribed to pattern.
func (r *Registry) Subscribers(pattern topic.Topic) int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.byTopic[pattern])
}

// Len reports the number of distinct patterns with at least one subscriber.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.byTopic)
}

type delivery struct {
	ch  channel.Channel
	msg string
}

// Publish delivers ev to every channel subscribed to a pattern matching the
// topic of ev, and reports the number of messages sent.
//
// The event is re-addressed to each matching pattern before delivery, so a
// channel subscribed to several matching patterns receives one copy per
// pattern. Sends are performed outside the lock; any errors are combined.
func (r *Registry) Publish(ev *message.Event) (int, error) {
	t := topic.Topic(ev.Topic)

	r.μ.Lock()
	var out []delivery
	add := func(pattern topic.Topic, subs mapset.Set[channel.Channel]) {
		msg := ev.Retarget(string(pattern)).Encode()
		for ch := range subs {
			out = append(out, delivery{ch: ch, msg: msg})
		}
	}
	if r.wildcard == 0 {
		if subs, ok := r.byTopic[t]; ok {
			add(t, subs)
		}
	} else {
		for p, subs := range r.byTopic {
			if topic.Match(p, t) {
				add(p, subs)
			}
		}
	}
	r.μ.Unlock()

	var nsent int
	var errs error
	for _, d := range out {
		if err := d.ch.Send(d.msg); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			nsent++
		}
	}
	return nsent, errs
}
