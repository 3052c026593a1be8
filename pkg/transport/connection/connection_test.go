// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connection_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	"github.com/snowycoder/wdht-go/pkg/transport/connection"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

// testConn adapts a net.Pipe end to channel.Conn for these tests; the
// fingerprints are unused here and only asserted on by the identity
// handshake, not by the connection multiplexer.
type testConn struct{ net.Conn }

func (testConn) LocalFingerprint() []byte  { return nil }
func (testConn) RemoteFingerprint() []byte { return nil }

func mustID(t *testing.T, b byte) id.ID {
	t.Helper()
	var raw [id.Len]byte
	raw[0] = b
	return id.FromBytes(raw[:])
}

func discardLogger() logging.Logger {
	return logging.New(io.Discard, 0)
}

type fakeHandler struct {
	mu         sync.Mutex
	onRequest  func(from id.ID, req wire.Request) wire.Response
	halfClosed bool
	shutdownCh chan connection.Reason
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{shutdownCh: make(chan connection.Reason, 1)}
}

func (h *fakeHandler) OnRequest(from id.ID, req wire.Request) wire.Response {
	if h.onRequest != nil {
		return h.onRequest(from, req)
	}
	return wire.Response{Kind: wire.Done}
}

func (h *fakeHandler) ForwardOffer(from id.ID, offers []wire.OfferTo) []wire.AnswerResult {
	out := make([]wire.AnswerResult, len(offers))
	for i := range offers {
		out[i] = wire.AnswerResult{Error: "not_found"}
	}
	return out
}

func (h *fakeHandler) TryOffer(from id.ID, offer channel.SessionDescription) (*channel.SessionDescription, error) {
	return nil, nil
}

func (h *fakeHandler) OnHalfClose(peer id.ID) {
	h.mu.Lock()
	h.halfClosed = true
	h.mu.Unlock()
}

func (h *fakeHandler) OnShutdown(peer id.ID, reason connection.Reason) {
	select {
	case h.shutdownCh <- reason:
	default:
	}
}

func newPipe(t *testing.T) (channel.Conn, channel.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return testConn{a}, testConn{b}
}

func TestSendRequestRoundTrip(t *testing.T) {
	serverID := mustID(t, 1)
	clientID := mustID(t, 2)

	clientConn, serverConn := newPipe(t)

	serverHandler := newFakeHandler()
	serverHandler.onRequest = func(from id.ID, req wire.Request) wire.Response {
		if req.Kind != wire.FindNodes {
			t.Errorf("server received kind %v, want FindNodes", req.Kind)
		}
		return wire.Response{Kind: wire.FoundNodes, Nodes: []id.ID{clientID}}
	}

	clientHandler := newFakeHandler()

	client := connection.New(serverID, clientConn, clientHandler, discardLogger())
	_ = connection.New(clientID, serverConn, serverHandler, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.SendRequest(ctx, wire.Request{Kind: wire.FindNodes, Topic: serverID})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.Kind != wire.FoundNodes || len(resp.Nodes) != 1 || resp.Nodes[0] != clientID {
		t.Errorf("resp = %+v, want FoundNodes[clientID]", resp)
	}
}

func TestHalfCloseFromBothSidesShutsDown(t *testing.T) {
	aID := mustID(t, 1)
	bID := mustID(t, 2)

	aConn, bConn := newPipe(t)

	aHandler := newFakeHandler()
	bHandler := newFakeHandler()

	a := connection.New(bID, aConn, aHandler, discardLogger())
	b := connection.New(aID, bConn, bHandler, discardLogger())

	a.OnContactLost()
	b.OnContactLost()

	select {
	case <-aHandler.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("side a never shut down after mutual half-close")
	}
	select {
	case <-bHandler.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("side b never shut down after mutual half-close")
	}
}

func TestOnContactLostRespectsDontCleanup(t *testing.T) {
	aID := mustID(t, 1)
	bID := mustID(t, 2)

	aConn, bConn := newPipe(t)

	aHandler := newFakeHandler()
	bHandler := newFakeHandler()

	a := connection.New(bID, aConn, aHandler, discardLogger())
	_ = connection.New(aID, bConn, bHandler, discardLogger())

	a.SetDontCleanup(true)
	a.OnContactLost()

	time.Sleep(50 * time.Millisecond)
	aHandler.mu.Lock()
	halfClosed := aHandler.halfClosed
	aHandler.mu.Unlock()
	if halfClosed {
		t.Errorf("OnContactLost half-closed a dont-cleanup connection")
	}
}
