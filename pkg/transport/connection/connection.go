// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package connection multiplexes request/response traffic with a single
// peer over one channel.Conn: outgoing calls are tagged with a
// correlation id and resolved against the matching reply, incoming
// requests are dispatched to a Handler, and either side can half-close
// the connection once it no longer needs to initiate requests.
package connection

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

// requestTimeout bounds how long a request can stay unanswered before the
// connection is considered dead, matching the original project's
// ten-minute liveness bound.
const requestTimeout = 10 * time.Minute

// maxFrameSize guards against a malformed or hostile peer claiming an
// unbounded frame length.
const maxFrameSize = 16 * 1024 * 1024

// Reason describes why a Connection was shut down.
type Reason int

const (
	ReasonConnectionLost Reason = iota
	ReasonTimeoutExpired
	ReasonSendFailure
	ReasonHalfCloseBoth
)

func (r Reason) String() string {
	switch r {
	case ReasonConnectionLost:
		return "connection lost"
	case ReasonTimeoutExpired:
		return "timeout expired"
	case ReasonSendFailure:
		return "send failed"
	case ReasonHalfCloseBoth:
		return "both sides half-closed"
	default:
		return "unknown"
	}
}

// ErrConnectionLost is returned by SendRequest when the connection is
// shut down before (or while) a reply is pending.
var ErrConnectionLost = errors.New("connection: connection lost")

// Handler is the application-level callback set a Connection dispatches
// incoming traffic to. registry.Registry is the production
// implementation; tests may supply a fake.
type Handler interface {
	// OnRequest serves a FindNodes/FindData/Insert/Remove request.
	OnRequest(from id.ID, req wire.Request) wire.Response

	// ForwardOffer relays each offer to the connection already open with
	// its target, returning one result per offer in the same order.
	ForwardOffer(from id.ID, offers []wire.OfferTo) []wire.AnswerResult

	// TryOffer attempts to accept a new incoming channel proposed on
	// behalf of from, returning the local answer.
	TryOffer(from id.ID, offer channel.SessionDescription) (*channel.SessionDescription, error)

	// OnHalfClose is called when this connection becomes half-closed
	// from our side, because the last reference to the peer held
	// outside the routing table was released.
	OnHalfClose(peer id.ID)

	// OnShutdown is called once, when the connection is fully closed.
	OnShutdown(peer id.ID, reason Reason)
}

// Connection is one multiplexed request/response session with a single
// peer. The zero value is not usable; construct with New.
type Connection struct {
	peerID  id.ID
	conn    channel.Conn
	handler Handler
	logger  logging.Logger

	writeMu sync.Mutex // serializes frame writes

	mu              sync.Mutex
	nextID          uint32
	pending         map[uint32]chan wire.Response
	dontCleanup     bool // true while this connection also backs a routing-table entry
	otherHalfClosed bool
	thisHalfClosed  bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps conn as a multiplexed Connection to peerID and starts its
// read loop. Incoming requests are dispatched to handler.
func New(peerID id.ID, conn channel.Conn, handler Handler, logger logging.Logger) *Connection {
	c := &Connection{
		peerID:  peerID,
		conn:    conn,
		handler: handler,
		logger:  logger.WithField("peer", peerID.ShortHex()),
		pending: make(map[uint32]chan wire.Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// PeerID returns the remote peer this connection talks to.
func (c *Connection) PeerID() id.ID { return c.peerID }

func (c *Connection) writeFrame(frame wire.Frame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("connection: marshal frame: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(body)
	return err
}

// SendRequest sends req and blocks for the matching reply, the context
// being cancelled, or the ten-minute liveness timeout, whichever comes
// first. A timeout or write failure shuts the connection down.
func (c *Connection) SendRequest(ctx context.Context, req wire.Request) (wire.Response, error) {
	c.mu.Lock()
	reqID := c.nextID
	c.nextID++
	replyCh := make(chan wire.Response, 1)
	c.pending[reqID] = replyCh
	c.mu.Unlock()

	if err := c.writeFrame(wire.Frame{ID: reqID, Request: &req}); err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		c.shutdown(ReasonSendFailure)
		return wire.Response{}, ErrConnectionLost
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return wire.Response{}, ctx.Err()
	case <-timer.C:
		c.shutdown(ReasonTimeoutExpired)
		return wire.Response{}, ErrConnectionLost
	case <-c.closed:
		return wire.Response{}, ErrConnectionLost
	}
}

func (c *Connection) sendResponse(reqID uint32, resp wire.Response) {
	if err := c.writeFrame(wire.Frame{ID: reqID, Response: &resp}); err != nil {
		c.logger.Warningf("connection: failed to send response: %v", err)
		c.shutdown(ReasonSendFailure)
	}
}

func (c *Connection) sendHalfClose() {
	if err := c.writeFrame(wire.Frame{Request: &wire.Request{Kind: wire.HalfClose}}); err != nil {
		c.logger.Warningf("connection: failed to send half-close: %v", err)
	}
}

// SetDontCleanup marks this connection as backing a live routing-table
// entry, preventing OnContactLost from closing it.
func (c *Connection) SetDontCleanup(v bool) {
	c.mu.Lock()
	c.dontCleanup = v
	c.mu.Unlock()
}

// OnContactLost is called when the last reference to this peer held
// outside the routing table is released. A connection marked with
// SetDontCleanup ignores it; otherwise the connection half-closes (or
// fully shuts down, if
// the peer had already done so) rather than staying open for requests
// that will never come.
func (c *Connection) OnContactLost() {
	c.mu.Lock()
	if c.dontCleanup {
		c.mu.Unlock()
		return
	}
	otherClosed := c.otherHalfClosed
	if !otherClosed {
		c.thisHalfClosed = true
	}
	c.mu.Unlock()

	if otherClosed {
		c.shutdown(ReasonHalfCloseBoth)
		return
	}
	c.handler.OnHalfClose(c.peerID)
	c.sendHalfClose()
}

func (c *Connection) handleHalfClose() {
	c.mu.Lock()
	c.otherHalfClosed = true
	shouldShutdown := c.thisHalfClosed
	c.mu.Unlock()

	if shouldShutdown {
		c.shutdown(ReasonHalfCloseBoth)
	}
}

func (c *Connection) shutdown(reason Reason) {
	c.closeOnce.Do(func() {
		c.logger.Debugf("connection: shutting down: %s", reason)
		c.closeLocal()
		c.handler.OnShutdown(c.peerID, reason)
	})
}

// ShutdownLocal closes the underlying channel and wakes up every pending
// SendRequest, without notifying the handler. Callers that already know
// the peer is gone and have already run their own disconnect bookkeeping
// (the connection registry's half-closed-slot reclaim, for one) use this
// instead of shutdown to avoid a duplicate OnShutdown callback.
func (c *Connection) ShutdownLocal() {
	c.closeOnce.Do(func() {
		c.logger.Debugf("connection: shutting down locally")
		c.closeLocal()
	})
}

func (c *Connection) closeLocal() {
	_ = c.conn.Close()
	close(c.closed)

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Connection) handleRequest(reqID uint32, req wire.Request) {
	switch req.Kind {
	case wire.FindNodes, wire.FindData, wire.Insert, wire.Remove:
		c.sendResponse(reqID, c.handler.OnRequest(c.peerID, req))
	case wire.ForwardOffer:
		results := c.handler.ForwardOffer(c.peerID, req.Offers)
		c.sendResponse(reqID, wire.Response{Kind: wire.ForwardAnswers, Answers: results})
	case wire.TryOffer:
		answer, err := c.handler.TryOffer(req.From, req.Offer)
		if err != nil {
			c.sendResponse(reqID, wire.Response{Kind: wire.OkAnswer, AnswerError: err.Error()})
			return
		}
		c.sendResponse(reqID, wire.Response{Kind: wire.OkAnswer, Answer: answer})
	case wire.HalfClose:
		c.handleHalfClose()
	default:
		c.sendResponse(reqID, wire.Response{Kind: wire.Error, Message: fmt.Sprintf("unsupported request kind %q", req.Kind)})
	}
}

func (c *Connection) handleResponse(reqID uint32, resp wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debugf("connection: response for unknown request id %d", reqID)
		return
	}
	ch <- resp
}

func (c *Connection) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		var lenPrefix [4]byte
		if _, err := readFull(r, lenPrefix[:]); err != nil {
			break
		}
		size := binary.BigEndian.Uint32(lenPrefix[:])
		if size > maxFrameSize {
			c.logger.Warningf("connection: frame of %d bytes exceeds the maximum of %d", size, maxFrameSize)
			break
		}

		body := make([]byte, size)
		if _, err := readFull(r, body); err != nil {
			break
		}

		var frame wire.Frame
		if err := json.Unmarshal(body, &frame); err != nil {
			c.logger.Warningf("connection: malformed frame: %v", err)
			break
		}

		switch {
		case frame.Request != nil:
			req := *frame.Request
			go c.handleRequest(frame.ID, req)
		case frame.Response != nil:
			c.handleResponse(frame.ID, *frame.Response)
		}
	}
	c.shutdown(ReasonConnectionLost)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
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
