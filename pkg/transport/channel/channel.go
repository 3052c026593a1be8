// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package channel defines the abstract channel-creation primitive the
// core assumes: given a role and an optional remote offer, produce an
// ordered reliable byte-stream connection and an out-of-band fingerprint
// of each side's certificate. The ICE/SCTP/DTLS session itself is
// negotiated by pion/webrtc, not reimplemented here (see
// pkg/transport/channel/webrtc for the production Opener); this package
// only fixes the boundary types.
package channel

import (
	"context"
	"io"

	"github.com/pion/webrtc/v4"
)

// SessionDescription is the offer/answer exchanged out-of-band (over an
// existing connection, or over the HTTP bootstrap endpoint) to establish
// a new channel. It is pion's own wire type, used here only as data.
type SessionDescription = webrtc.SessionDescription

// ICEServer is the STUN/TURN configuration handed to an Opener, reusing
// pion's config shape rather than inventing an equivalent one.
type ICEServer = webrtc.ICEServer

// Role selects which side of the exchange a Create call plays.
type Role int

const (
	// Offerer creates the initial SessionDescription and waits for an
	// answer from the peer.
	Offerer Role = iota
	// Answerer receives a remote SessionDescription and produces the
	// matching answer.
	Answerer
)

// Conn is an established channel: an ordered, reliable byte stream plus
// the certificate fingerprint the remote side presented during
// negotiation, which the identity handshake (pkg/identity) binds to a
// signed proof of ownership.
type Conn interface {
	io.ReadWriteCloser

	// LocalFingerprint is this side's own certificate fingerprint, the
	// value the identity handshake signs to prove control of the
	// channel.
	LocalFingerprint() []byte

	// RemoteFingerprint is the fingerprint the remote side's
	// certificate presented during negotiation.
	RemoteFingerprint() []byte
}

// Opener is the channel-creation primitive the rendezvous connector and
// the bootstrap endpoint depend on. A production implementation adapts
// pion/webrtc's PeerConnection/DataChannel; tests use an in-memory pipe
// implementation that never touches the network.
type Opener interface {
	// CreateOffer starts an active (offering) channel and returns the
	// local SessionDescription to send to the peer. The returned Conn
	// only becomes usable once Accept has processed the peer's answer.
	CreateOffer(ctx context.Context, ice []ICEServer) (Conn, SessionDescription, error)

	// Accept processes a peer's offer and returns a passive (answering)
	// channel together with the local SessionDescription to send back.
	Accept(ctx context.Context, ice []ICEServer, offer SessionDescription) (Conn, SessionDescription, error)

	// CompleteOffer finishes a channel started with CreateOffer once the
	// peer's answer has arrived.
	CompleteOffer(ctx context.Context, conn Conn, answer SessionDescription) error
}
