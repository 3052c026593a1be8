// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rendezvous establishes new peer connections on top of an
// already-connected mesh: it turns a target id into a channel.Opener
// offer, relays that offer through an existing connection.Connection
// acting as referrer, runs the identity handshake over the resulting
// channel, and hands the finished connection to a registry.Registry.
// The same acceptance path also backs the registry's TryOffer hook and
// the bootstrap HTTP endpoint, which proposes offers with no referrer
// at all.
package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/snowycoder/wdht-go/pkg/identity"
	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	"github.com/snowycoder/wdht-go/pkg/transport/connection"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

// acceptTimeout bounds how long a passively accepted offer may take to
// complete its channel negotiation and identity handshake before the
// reserved connection slot is given back.
const acceptTimeout = 30 * time.Second

// Result is the outcome of connecting to one target id.
type Result struct {
	Contact dht.Contact
	Err     error
}

type pendingConnect struct {
	result Result
	done   chan struct{}
}

// contact is the minimal dht.Contact a freshly established connection
// can produce on its own.
type contact struct{ id id.ID }

func (c contact) ID() id.ID { return c.id }

// Connector drives both the active (offering) and passive (answering)
// sides of new-connection establishment. Construct with New, which
// wires itself into registry's TryOffer handling; callers otherwise
// only use ConnectAll and AcceptOffer.
type Connector struct {
	identity   *identity.Identity
	opener     channel.Opener
	iceServers []channel.ICEServer
	registry   *registry.Registry
	logger     logging.Logger

	mu         sync.Mutex
	connecting map[id.ID]*pendingConnect
}

// New constructs a Connector and installs it as reg's passive-offer
// handler.
func New(local *identity.Identity, opener channel.Opener, iceServers []channel.ICEServer, reg *registry.Registry, logger logging.Logger) *Connector {
	c := &Connector{
		identity:   local,
		opener:     opener,
		iceServers: iceServers,
		registry:   reg,
		logger:     logger,
		connecting: make(map[id.ID]*pendingConnect),
	}
	reg.TryOfferHook = c.tryOfferHook
	return c
}

// SelfID returns the id this connector presents to peers it dials or
// accepts offers from.
func (c *Connector) SelfID() id.ID {
	return c.identity.ID()
}

// ConnectAll establishes connections to every id in targets, relaying
// the offers through referrer in a single forward_offer call. Concurrent
// calls naming an id already being connected to share that attempt's
// outcome instead of racing a second one.
func (c *Connector) ConnectAll(ctx context.Context, referrer *connection.Connection, targets []id.ID) []Result {
	waiters := make([]*pendingConnect, len(targets))
	var toStart []id.ID

	c.mu.Lock()
	for i, target := range targets {
		if p, ok := c.connecting[target]; ok {
			waiters[i] = p
			continue
		}
		p := &pendingConnect{done: make(chan struct{})}
		c.connecting[target] = p
		waiters[i] = p
		toStart = append(toStart, target)
	}
	c.mu.Unlock()

	if len(toStart) > 0 {
		c.connectTo(ctx, referrer, toStart)
	}

	results := make([]Result, len(targets))
	for i, p := range waiters {
		<-p.done
		results[i] = p.result
	}
	return results
}

func (c *Connector) finish(target id.ID, res Result) {
	c.mu.Lock()
	p, ok := c.connecting[target]
	if ok {
		delete(c.connecting, target)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.result = res
	close(p.done)
}

type offeredChannel struct {
	target id.ID
	conn   channel.Conn
	offer  channel.SessionDescription
	err    error
}

// connectTo creates one active offer per target concurrently, bundles
// the successes into a single forward_offer request to referrer, then
// completes each returned answer concurrently.
func (c *Connector) connectTo(ctx context.Context, referrer *connection.Connection, targets []id.ID) {
	created := make([]offeredChannel, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target id.ID) {
			defer wg.Done()
			if !c.registry.AllocConnection() {
				created[i] = offeredChannel{target: target, err: fmt.Errorf("rendezvous: connection limit reached")}
				return
			}
			conn, offer, err := c.opener.CreateOffer(ctx, c.iceServers)
			if err != nil {
				c.registry.ReleaseConnection()
				created[i] = offeredChannel{target: target, err: err}
				return
			}
			created[i] = offeredChannel{target: target, conn: conn, offer: offer}
		}(i, target)
	}
	wg.Wait()

	var offers []wire.OfferTo
	var pending []offeredChannel
	for _, oc := range created {
		if oc.err != nil {
			c.finish(oc.target, Result{Err: oc.err})
			continue
		}
		offers = append(offers, wire.OfferTo{To: oc.target, Offer: oc.offer})
		pending = append(pending, oc)
	}
	if len(pending) == 0 {
		return
	}

	resp, err := referrer.SendRequest(ctx, wire.Request{Kind: wire.ForwardOffer, Offers: offers})
	if err != nil {
		for _, oc := range pending {
			c.registry.ReleaseConnection()
			c.finish(oc.target, Result{Err: err})
		}
		return
	}

	for i, oc := range pending {
		if i >= len(resp.Answers) {
			c.registry.ReleaseConnection()
			c.finish(oc.target, Result{Err: fmt.Errorf("rendezvous: no forwarded answer for %s", oc.target.ShortHex())})
			continue
		}
		ar := resp.Answers[i]
		if ar.Error != "" {
			c.registry.ReleaseConnection()
			c.finish(oc.target, Result{Err: fmt.Errorf("rendezvous: %s", ar.Error)})
			continue
		}
		if ar.Answer == nil {
			c.registry.ReleaseConnection()
			c.finish(oc.target, Result{Err: fmt.Errorf("rendezvous: empty answer for %s", oc.target.ShortHex())})
			continue
		}
		go c.completeActive(ctx, oc.target, oc.conn, *ar.Answer)
	}
}

func (c *Connector) completeActive(ctx context.Context, target id.ID, conn channel.Conn, answer channel.SessionDescription) {
	if err := c.opener.CompleteOffer(ctx, conn, answer); err != nil {
		c.registry.ReleaseConnection()
		c.finish(target, Result{Err: err})
		return
	}

	peerID, err := performHandshake(conn, c.identity)
	if err != nil {
		c.registry.ReleaseConnection()
		_ = conn.Close()
		c.finish(target, Result{Err: err})
		return
	}
	if peerID != target {
		c.registry.ReleaseConnection()
		_ = conn.Close()
		c.finish(target, Result{Err: fmt.Errorf("rendezvous: peer identity %s does not match requested %s", peerID.ShortHex(), target.ShortHex())})
		return
	}

	wrapped := connection.New(peerID, conn, c.registry, c.logger)
	if err := c.registry.Register(wrapped); err != nil {
		c.registry.ReleaseConnection()
		wrapped.ShutdownLocal()
		c.finish(target, Result{Err: err})
		return
	}
	c.finish(target, Result{Contact: contact{id: peerID}})
}

// AcceptOffer runs the passive side of connection establishment: accept
// the channel, handshake, and register it. from is the id the proposer
// claims; it must match what the handshake derives. Both the
// registry's TryOffer handling and the bootstrap HTTP endpoint (which
// has no referrer connection to relay through) call this directly.
func (c *Connector) AcceptOffer(ctx context.Context, from id.ID, offer channel.SessionDescription) (channel.SessionDescription, error) {
	if !c.registry.AllocConnection() {
		return channel.SessionDescription{}, fmt.Errorf("rendezvous: connection limit reached")
	}

	conn, answer, err := c.opener.Accept(ctx, c.iceServers, offer)
	if err != nil {
		c.registry.ReleaseConnection()
		return channel.SessionDescription{}, err
	}

	peerID, err := performHandshake(conn, c.identity)
	if err != nil {
		c.registry.ReleaseConnection()
		_ = conn.Close()
		return channel.SessionDescription{}, err
	}
	if peerID != from {
		c.registry.ReleaseConnection()
		_ = conn.Close()
		return channel.SessionDescription{}, fmt.Errorf("rendezvous: peer identity %s does not match proposer %s", peerID.ShortHex(), from.ShortHex())
	}

	wrapped := connection.New(peerID, conn, c.registry, c.logger)
	if err := c.registry.Register(wrapped); err != nil {
		c.registry.ReleaseConnection()
		wrapped.ShutdownLocal()
		return channel.SessionDescription{}, err
	}

	return answer, nil
}

// Dial creates an active offer and hands it to exchange to carry to a
// peer with no existing connection to relay through (the bootstrap
// HTTP endpoint, rather than another connection's forward_offer). On
// success it completes the channel, handshakes, and registers it. If
// the peer turns out to already be connected (a racing dial, or a
// retried bootstrap attempt), that is treated as success against the
// existing connection rather than an error, matching how a repeated
// bootstrap attempt against an already-known peer should behave.
func (c *Connector) Dial(ctx context.Context, exchange func(offer channel.SessionDescription) (channel.SessionDescription, error)) (dht.Contact, error) {
	if !c.registry.AllocConnection() {
		return nil, fmt.Errorf("rendezvous: connection limit reached")
	}

	conn, offer, err := c.opener.CreateOffer(ctx, c.iceServers)
	if err != nil {
		c.registry.ReleaseConnection()
		return nil, err
	}

	answer, err := exchange(offer)
	if err != nil {
		c.registry.ReleaseConnection()
		return nil, err
	}

	if err := c.opener.CompleteOffer(ctx, conn, answer); err != nil {
		c.registry.ReleaseConnection()
		return nil, err
	}

	peerID, err := performHandshake(conn, c.identity)
	if err != nil {
		c.registry.ReleaseConnection()
		_ = conn.Close()
		return nil, err
	}

	wrapped := connection.New(peerID, conn, c.registry, c.logger)
	if err := c.registry.Register(wrapped); err != nil {
		c.registry.ReleaseConnection()
		wrapped.ShutdownLocal()
		if c.registry.Contains(peerID) {
			return contact{id: peerID}, nil
		}
		return nil, err
	}

	return contact{id: peerID}, nil
}

func (c *Connector) tryOfferHook(from id.ID, offer channel.SessionDescription) (*channel.SessionDescription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout)
	defer cancel()
	answer, err := c.AcceptOffer(ctx, from, offer)
	if err != nil {
		return nil, err
	}
	return &answer, nil
}
