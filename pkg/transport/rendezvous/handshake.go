// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rendezvous

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/snowycoder/wdht-go/pkg/identity"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
)

// handshakeMessage is exchanged, once in each direction, over a freshly
// opened channel before it is handed to a connection.Connection: each
// side proves control of its own certificate by signing the
// fingerprint the other side observed during negotiation.
type handshakeMessage struct {
	Identity []byte `json:"identity"`
	Proof    []byte `json:"proof"`
}

func writeHandshakeMessage(conn channel.Conn, msg handshakeMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rendezvous: marshal handshake: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

func readHandshakeMessage(r *bufio.Reader) (handshakeMessage, error) {
	var lenPrefix [4]byte
	if _, err := readFullInto(r, lenPrefix[:]); err != nil {
		return handshakeMessage{}, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > 64*1024 {
		return handshakeMessage{}, fmt.Errorf("rendezvous: handshake message too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := readFullInto(r, body); err != nil {
		return handshakeMessage{}, err
	}
	var msg handshakeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return handshakeMessage{}, fmt.Errorf("rendezvous: malformed handshake message: %w", err)
	}
	return msg, nil
}

func readFullInto(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// performHandshake proves local's identity to the peer at the other end
// of conn and verifies the peer's own proof, returning its derived Id.
// Both sides call this the same way; no offerer/answerer distinction is
// needed since each proof only binds to the fingerprint its own side
// observed. The send runs concurrently with the receive: conn is a
// synchronous duplex stream (a raw WebRTC data channel, or net.Pipe in
// tests), so two peers each writing-then-reading in sequence would
// deadlock waiting on each other's write to drain.
func performHandshake(conn channel.Conn, local *identity.Identity) (id.ID, error) {
	proof, err := local.CreateProof(conn.LocalFingerprint())
	if err != nil {
		return id.ID{}, fmt.Errorf("rendezvous: create proof: %w", err)
	}

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- writeHandshakeMessage(conn, handshakeMessage{Identity: local.ExportKey(), Proof: proof})
	}()

	remote, readErr := readHandshakeMessage(bufio.NewReader(conn))
	if writeErr := <-writeDone; writeErr != nil {
		return id.ID{}, fmt.Errorf("rendezvous: send handshake: %w", writeErr)
	}
	if readErr != nil {
		return id.ID{}, fmt.Errorf("rendezvous: receive handshake: %w", readErr)
	}

	peerID, err := identity.CheckProof(remote.Identity, conn.RemoteFingerprint(), remote.Proof)
	if err != nil {
		return id.ID{}, fmt.Errorf("rendezvous: invalid peer proof: %w", err)
	}
	return peerID, nil
}
