// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sender_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/snowycoder/wdht-go/pkg/identity"
	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	"github.com/snowycoder/wdht-go/pkg/transport/channel/memory"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
	"github.com/snowycoder/wdht-go/pkg/transport/rendezvous"
	sndpkg "github.com/snowycoder/wdht-go/pkg/transport/sender"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

func discardLogger() logging.Logger { return logging.New(io.Discard, 0) }

type deadSender struct{}

func (deadSender) Send(context.Context, dht.Contact, wire.Request) (wire.Response, error) {
	return wire.Response{}, fmt.Errorf("deadSender: no network in this test")
}
func (deadSender) WrapContact(nid id.ID) dht.Contact { return deadContact{id: nid} }

type deadContact struct{ id id.ID }

func (c deadContact) ID() id.ID { return c.id }

type node struct {
	id        id.ID
	dht       *dht.DHT
	registry  *registry.Registry
	connector *rendezvous.Connector
	sender    *sndpkg.Sender
}

func newNode(t *testing.T, network *memory.Network, fingerprint string) *node {
	t.Helper()
	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	selfID := ident.ID()
	d := dht.New(selfID, deadSender{}, discardLogger(), dht.DefaultConfig())
	r := registry.New(d, discardLogger(), registry.Config{}, nil)
	opener := memory.New(network, []byte(fingerprint))
	c := rendezvous.New(ident, opener, nil, r, discardLogger())
	s := sndpkg.New(r, c, discardLogger())
	return &node{id: selfID, dht: d, registry: r, connector: c, sender: s}
}

// connectDirect establishes a connection between a and b by having a
// dial and b accept in-process, the same shape pkg/bootstrap uses over
// HTTP but without the network hop.
func connectDirect(t *testing.T, ctx context.Context, a, b *node) {
	t.Helper()
	exchange := func(offer channel.SessionDescription) (channel.SessionDescription, error) {
		return b.connector.AcceptOffer(ctx, a.id, offer)
	}
	if _, err := a.connector.Dial(ctx, exchange); err != nil {
		t.Fatalf("connectDirect %s -> %s: %v", a.id.ShortHex(), b.id.ShortHex(), err)
	}
}

func TestSendReachesDirectlyConnectedPeer(t *testing.T) {
	network := memory.NewNetwork()
	a := newNode(t, network, "fp-a")
	b := newNode(t, network, "fp-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connectDirect(t, ctx, a, b)

	resp, err := a.sender.Send(ctx, a.sender.WrapContact(b.id), wire.Request{Kind: wire.FindNodes, Topic: b.id})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Kind != wire.FoundNodes {
		t.Errorf("resp.Kind = %v, want FoundNodes", resp.Kind)
	}
}

func TestSendConnectsThroughAnyMeshMember(t *testing.T) {
	network := memory.NewNetwork()
	a := newNode(t, network, "fp-a")
	b := newNode(t, network, "fp-b")
	c := newNode(t, network, "fp-c")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectDirect(t, ctx, a, b)
	connectDirect(t, ctx, b, c)

	if a.registry.Contains(c.id) {
		t.Fatalf("a should not be directly connected to c yet")
	}

	resp, err := a.sender.Send(ctx, a.sender.WrapContact(c.id), wire.Request{Kind: wire.FindNodes, Topic: c.id})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Kind != wire.FoundNodes {
		t.Errorf("resp.Kind = %v, want FoundNodes", resp.Kind)
	}
	if !a.registry.Contains(c.id) {
		t.Errorf("a should now be directly connected to c")
	}
}

func TestSendFailsForUnreachablePeer(t *testing.T) {
	network := memory.NewNetwork()
	a := newNode(t, network, "fp-a")
	unreachable := id.ID{9}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := a.sender.Send(ctx, a.sender.WrapContact(unreachable), wire.Request{Kind: wire.FindNodes, Topic: unreachable}); err == nil {
		t.Fatal("expected an error reaching an unconnected id with no mesh members at all")
	}
}
