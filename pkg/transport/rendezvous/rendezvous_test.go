// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rendezvous_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/snowycoder/wdht-go/pkg/identity"
	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	"github.com/snowycoder/wdht-go/pkg/transport/channel/memory"
	"github.com/snowycoder/wdht-go/pkg/transport/connection"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
	"github.com/snowycoder/wdht-go/pkg/transport/rendezvous"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

func discardLogger() logging.Logger { return logging.New(io.Discard, 0) }

// deadSender stands in for the real network search traffic these tests
// don't exercise: the dht only uses it to send a liveness probe on
// OnConnect, which these tests don't need to succeed.
type deadSender struct{}

func (deadSender) Send(context.Context, dht.Contact, wire.Request) (wire.Response, error) {
	return wire.Response{}, fmt.Errorf("deadSender: no network in this test")
}
func (deadSender) WrapContact(nid id.ID) dht.Contact { return deadContact{id: nid} }

type deadContact struct{ id id.ID }

func (c deadContact) ID() id.ID { return c.id }

type testConn struct{ net.Conn }

func (testConn) LocalFingerprint() []byte  { return nil }
func (testConn) RemoteFingerprint() []byte { return nil }

// node bundles everything one peer needs to take part in the mesh:
// its own dht/registry/connector triple plus a dedicated memory opener.
type node struct {
	id        id.ID
	identity  *identity.Identity
	dht       *dht.DHT
	registry  *registry.Registry
	connector *rendezvous.Connector
	opener    *memory.Opener
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
	return &node{id: selfID, identity: ident, dht: d, registry: r, connector: c, opener: opener}
}

// wireDirect links a and b with a plain multiplexed connection,
// standing in for a mesh link that already exists before the
// rendezvous flow under test begins (e.g. established during an
// earlier bootstrap).
func wireDirect(t *testing.T, a, b *node) {
	t.Helper()
	pa, pb := net.Pipe()
	connA := connection.New(b.id, testConn{pa}, a.registry, discardLogger())
	connB := connection.New(a.id, testConn{pb}, b.registry, discardLogger())
	if err := a.registry.Register(connA); err != nil {
		t.Fatalf("register a->b: %v", err)
	}
	if err := b.registry.Register(connB); err != nil {
		t.Fatalf("register b->a: %v", err)
	}
}

func TestConnectAllEstablishesConnectionThroughReferrer(t *testing.T) {
	network := memory.NewNetwork()
	a := newNode(t, network, "fp-a")
	b := newNode(t, network, "fp-b")
	c := newNode(t, network, "fp-c")

	// a and b are already connected, and so are c and a: c now reaches
	// b for the first time, relaying its offer through a.
	wireDirect(t, a, b)
	wireDirect(t, c, a)

	connCtoA, ok := c.registry.Lookup(a.id)
	if !ok {
		t.Fatalf("c has no connection to a")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := c.connector.ConnectAll(ctx, connCtoA, []id.ID{b.id})
	if len(results) != 1 {
		t.Fatalf("ConnectAll returned %d results, want 1", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("ConnectAll: %v", results[0].Err)
	}
	if results[0].Contact == nil || results[0].Contact.ID() != b.id {
		t.Fatalf("result contact = %v, want %v", results[0].Contact, b.id)
	}

	if !c.registry.Contains(b.id) {
		t.Errorf("c's registry does not contain a connection to b")
	}
	if !b.registry.Contains(c.id) {
		t.Errorf("b's registry does not contain a connection to c")
	}
}

func TestConnectAllDedupsConcurrentRequestsForSameTarget(t *testing.T) {
	network := memory.NewNetwork()
	a := newNode(t, network, "fp-a")
	b := newNode(t, network, "fp-b")
	c := newNode(t, network, "fp-c")

	wireDirect(t, a, b)
	wireDirect(t, c, a)

	connCtoA, ok := c.registry.Lookup(a.id)
	if !ok {
		t.Fatalf("c has no connection to a")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan []rendezvous.Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- c.connector.ConnectAll(ctx, connCtoA, []id.ID{b.id})
		}()
	}

	first := <-done
	second := <-done

	if first[0].Err != nil || second[0].Err != nil {
		t.Fatalf("ConnectAll errors: %v, %v", first[0].Err, second[0].Err)
	}
	if first[0].Contact.ID() != b.id || second[0].Contact.ID() != b.id {
		t.Errorf("both concurrent callers should resolve to b's id")
	}
}

func TestAcceptOfferRejectsMalformedOffer(t *testing.T) {
	network := memory.NewNetwork()
	b := newNode(t, network, "fp-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	someID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	_, err = b.connector.AcceptOffer(ctx, someID.ID(), channel.SessionDescription{SDP: "not-a-real-offer"})
	if err == nil {
		t.Fatalf("AcceptOffer should reject an offer it cannot decode")
	}
}
