// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package events fans out connection lifecycle notifications from a
// registry.Registry to any number of subscribers, and drives
// exponential-backoff reconnection to a configured set of bootstrap
// nodes.
package events

import (
	"sync"

	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
)

// Kind tags which field of Event is populated.
type Kind int

const (
	Connect Kind = iota
	Disconnect
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is one connection lifecycle notification.
type Event struct {
	Kind Kind

	// Connect: the newly connected peer.
	Contact dht.Contact

	// Disconnect: the peer that was dropped and why.
	Peer   id.ID
	Reason registry.DisconnectReason
}

// subscriberBuffer is generous enough that a subscriber doing real work
// between receives won't make the registry's own goroutines block on
// delivering an event; a slow or wedged subscriber still can't stall
// the registry indefinitely; see Bus.Connect/Disconnect/Shutdown.
const subscriberBuffer = 32

// Bus implements registry.EventSink, copying every notification to each
// current subscriber. The zero value is not usable; construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Event
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a new listener, returning the channel it receives
// events on and a function to unregister it. Calling unsubscribe more
// than once is safe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	var closeOnce sync.Once

	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		for i, c := range b.subscribers {
			if c == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		closeOnce.Do(func() { close(ch) })
	}
	return ch, unsubscribe
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// A full buffer means a wedged or absent subscriber; drop
			// rather than block every other subscriber and the registry
			// goroutine that called us.
		}
	}
}

// Connect implements registry.EventSink.
func (b *Bus) Connect(contact dht.Contact) {
	b.publish(Event{Kind: Connect, Contact: contact})
}

// Disconnect implements registry.EventSink.
func (b *Bus) Disconnect(peer id.ID, reason registry.DisconnectReason) {
	b.publish(Event{Kind: Disconnect, Peer: peer, Reason: reason})
}

// Shutdown implements registry.EventSink.
func (b *Bus) Shutdown() {
	b.publish(Event{Kind: Shutdown})
}
