// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory implements channel.Opener over in-process net.Pipe
// connections, standing in for a real ICE/SCTP/DTLS negotiation in
// tests. Two openers sharing the same *Network can complete an
// offer/answer exchange without touching the network, matching
// spec.md's "capability set ... production and an in-memory one used
// for the tests".
package memory

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/snowycoder/wdht-go/pkg/transport/channel"
)

// Network is the shared rendezvous point between the offering and
// answering sides of an in-memory exchange. Every Opener created with
// the same Network can complete offers against each other.
type Network struct {
	mu     sync.Mutex
	offers map[string]chan net.Conn
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{offers: make(map[string]chan net.Conn)}
}

func (n *Network) register(corrID string) chan net.Conn {
	ch := make(chan net.Conn, 1)
	n.mu.Lock()
	n.offers[corrID] = ch
	n.mu.Unlock()
	return ch
}

func (n *Network) resolve(corrID string) (chan net.Conn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.offers[corrID]
	if ok {
		delete(n.offers, corrID)
	}
	return ch, ok
}

// Opener implements channel.Opener backed by a Network. fingerprint is
// the fixed "certificate fingerprint" this side presents; in the
// in-memory harness it is just an opaque byte string supplied by the
// test, standing in for what a real DTLS certificate would produce.
type Opener struct {
	network     *Network
	fingerprint []byte
}

// New constructs an Opener that registers and resolves offers on
// network, presenting fingerprint as its own.
func New(network *Network, fingerprint []byte) *Opener {
	return &Opener{network: network, fingerprint: fingerprint}
}

func randomID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func encodeSDP(corrID string, fingerprint []byte) string {
	return corrID + "|" + base64.StdEncoding.EncodeToString(fingerprint)
}

func decodeSDP(sdp string) (corrID string, fingerprint []byte, err error) {
	parts := strings.SplitN(sdp, "|", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("memory: malformed session description %q", sdp)
	}
	fp, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("memory: decode fingerprint: %w", err)
	}
	return parts[0], fp, nil
}

// conn adapts a net.Conn (one end of a net.Pipe) to channel.Conn, adding
// the two fingerprints captured during the offer/answer exchange.
type conn struct {
	net.Conn
	localFingerprint  []byte
	remoteFingerprint []byte
}

func (c *conn) LocalFingerprint() []byte  { return c.localFingerprint }
func (c *conn) RemoteFingerprint() []byte { return c.remoteFingerprint }

// pendingConn is returned by CreateOffer before the peer's answer has
// arrived; every method blocks until CompleteOffer supplies the
// underlying pipe end.
type pendingConn struct {
	ready      chan struct{}
	underlying *conn
}

func (p *pendingConn) wait() *conn {
	<-p.ready
	return p.underlying
}

func (p *pendingConn) Read(b []byte) (int, error)  { return p.wait().Read(b) }
func (p *pendingConn) Write(b []byte) (int, error) { return p.wait().Write(b) }
func (p *pendingConn) Close() error                { return p.wait().Close() }
func (p *pendingConn) LocalFingerprint() []byte     { return p.wait().LocalFingerprint() }
func (p *pendingConn) RemoteFingerprint() []byte    { return p.wait().RemoteFingerprint() }

// CreateOffer implements channel.Opener.
func (o *Opener) CreateOffer(ctx context.Context, ice []channel.ICEServer) (channel.Conn, channel.SessionDescription, error) {
	corrID := randomID()
	ch := o.network.register(corrID)

	pc := &pendingConn{ready: make(chan struct{})}

	go func() {
		select {
		case c := <-ch:
			pc.underlying = c.(*conn)
			close(pc.ready)
		case <-ctx.Done():
		}
	}()

	return pc, channel.SessionDescription{SDP: encodeSDP(corrID, o.fingerprint)}, nil
}

// Accept implements channel.Opener.
func (o *Opener) Accept(ctx context.Context, ice []channel.ICEServer, offer channel.SessionDescription) (channel.Conn, channel.SessionDescription, error) {
	corrID, remoteFP, err := decodeSDP(offer.SDP)
	if err != nil {
		return nil, channel.SessionDescription{}, err
	}

	ch, ok := o.network.resolve(corrID)
	if !ok {
		return nil, channel.SessionDescription{}, fmt.Errorf("memory: no pending offer %q", corrID)
	}

	serverSide, clientSide := net.Pipe()

	ch <- &conn{Conn: clientSide, localFingerprint: nil, remoteFingerprint: remoteFP}

	answer := &conn{Conn: serverSide, localFingerprint: o.fingerprint, remoteFingerprint: remoteFP}
	return answer, channel.SessionDescription{SDP: encodeSDP(corrID, o.fingerprint)}, nil
}

// CompleteOffer implements channel.Opener.
func (o *Opener) CompleteOffer(ctx context.Context, c channel.Conn, answer channel.SessionDescription) error {
	pc, ok := c.(*pendingConn)
	if !ok {
		return fmt.Errorf("memory: CompleteOffer called on a non-pending connection")
	}

	_, remoteFP, err := decodeSDP(answer.SDP)
	if err != nil {
		return err
	}

	underlying := pc.wait()
	underlying.remoteFingerprint = remoteFP
	underlying.localFingerprint = o.fingerprint
	return nil
}
