// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry owns the process-wide set of active peer connections:
// admission control bounded by an optional connection limit, half-closed
// connection reuse when that limit is reached, same-id conflict
// resolution, and orderly shutdown.
package registry

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	"github.com/snowycoder/wdht-go/pkg/transport/connection"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

// DisconnectReason mirrors connection.Reason for events raised above the
// single-connection layer, plus the reasons that only make sense at
// registry scope.
type DisconnectReason int

const (
	DisconnectConnectionLost DisconnectReason = iota
	DisconnectTimeoutExpired
	DisconnectSendFail
	DisconnectHalfCloseBoth
	DisconnectHalfCloseReplace
	DisconnectShuttingDown
)

func fromConnectionReason(r connection.Reason) DisconnectReason {
	switch r {
	case connection.ReasonTimeoutExpired:
		return DisconnectTimeoutExpired
	case connection.ReasonSendFailure:
		return DisconnectSendFail
	case connection.ReasonHalfCloseBoth:
		return DisconnectHalfCloseBoth
	default:
		return DisconnectConnectionLost
	}
}

// HandshakeError is the typed outcome Register reports when admitting a
// freshly handshaken connection fails for a reason intrinsic to the
// handshake result itself, mirroring the original project's
// HandshakeError enum (narrowed to the one variant a Registry can
// observe: two connections claiming the same peer id).
type HandshakeError struct {
	peerID id.ID
}

// IdConflict constructs the HandshakeError Register returns when
// peerID already has an open connection, the Go equivalent of the
// original's HandshakeError::IdConflict(id) variant.
func IdConflict(peerID id.ID) *HandshakeError {
	return &HandshakeError{peerID: peerID}
}

// PeerID returns the id both connections claimed.
func (e *HandshakeError) PeerID() id.ID { return e.peerID }

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("registry: connection to %s already exists", e.peerID.ShortHex())
}

// Config bounds how many simultaneous connections a Registry admits.
type Config struct {
	// MaxConnections caps concurrent connections; zero means unbounded.
	MaxConnections uint64
}

// EventSink receives connection lifecycle notifications; pkg/transport/
// events.Bus implements this to fan them out to subscribers.
type EventSink interface {
	Connect(contact dht.Contact)
	Disconnect(peer id.ID, reason DisconnectReason)
	Shutdown()
}

type noopSink struct{}

func (noopSink) Connect(dht.Contact)                  {}
func (noopSink) Disconnect(id.ID, DisconnectReason) {}
func (noopSink) Shutdown()                            {}

// Registry is the single owner of every live connection.Connection, and
// implements connection.Handler so each Connection can dispatch
// application requests straight back through it to the DHT.
type Registry struct {
	config  Config
	dht     *dht.DHT
	logger  logging.Logger
	events  EventSink
	metrics metrics

	shuttingDown int32 // atomic bool

	connectionCount atomic.Int64
	halfClosedCount atomic.Int64

	mu              sync.Mutex
	connections     map[id.ID]*connection.Connection
	halfClosedOrder *list.List
	halfClosedElems map[id.ID]*list.Element

	// TryOfferHook supplies the passive-offer acceptance logic that
	// package rendezvous installs once it wraps this Registry; left nil,
	// TryOffer requests are rejected as not_found.
	TryOfferHook func(from id.ID, offer channel.SessionDescription) (*channel.SessionDescription, error)
}

// New constructs a Registry bounded by config, serving requests through
// dhtInstance. Pass nil events if no subscriber needs connection
// lifecycle notifications.
func New(dhtInstance *dht.DHT, logger logging.Logger, config Config, events EventSink) *Registry {
	if events == nil {
		events = noopSink{}
	}
	return &Registry{
		config:          config,
		dht:             dhtInstance,
		logger:          logger,
		events:          events,
		metrics:         newMetrics(),
		connections:     make(map[id.ID]*connection.Connection),
		halfClosedOrder: list.New(),
		halfClosedElems: make(map[id.ID]*list.Element),
	}
}

// Config returns the bounds this registry was constructed with.
func (r *Registry) Config() Config {
	return r.config
}

// ConnectionCount returns the number of allocated connection slots,
// including ones still mid-negotiation and half-closed ones awaiting
// eviction.
func (r *Registry) ConnectionCount() int {
	return int(r.connectionCount.Load())
}

// HalfClosedCount returns the number of connections currently kept
// alive only to be reused or evicted, not serving live traffic.
func (r *Registry) HalfClosedCount() int {
	return int(r.halfClosedCount.Load())
}

// ConnectedCount returns the number of fully active, non-half-closed
// connections.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections) - len(r.halfClosedElems)
}

// AllocConnection reserves a connection slot, evicting the oldest
// half-closed connection if the registry is already at its configured
// limit. It returns false if no slot could be freed, or the registry is
// shutting down.
func (r *Registry) AllocConnection() bool {
	if atomic.LoadInt32(&r.shuttingDown) != 0 {
		return false
	}
	if r.config.MaxConnections == 0 {
		r.connectionCount.Add(1)
		return true
	}

	if r.connectionCount.Add(1) <= int64(r.config.MaxConnections) {
		return true
	}
	r.connectionCount.Add(-1)

	// At the limit: try to reclaim the oldest half-closed connection.
	r.mu.Lock()
	elem := r.halfClosedOrder.Front()
	if elem == nil {
		r.mu.Unlock()
		return false
	}
	peerID := elem.Value.(id.ID)
	r.halfClosedOrder.Remove(elem)
	delete(r.halfClosedElems, peerID)
	conn, ok := r.connections[peerID]
	if ok {
		delete(r.connections, peerID)
	}
	r.mu.Unlock()

	r.halfClosedCount.Add(-1)
	if !ok {
		r.logger.Warningf("registry: half-closed connection %s was not present in connections", peerID.ShortHex())
		return true
	}

	r.dht.OnDisconnect(peerID)
	r.metrics.HalfClosedEvicted.Inc()
	r.events.Disconnect(peerID, DisconnectHalfCloseReplace)
	conn.ShutdownLocal()

	return true
}

// ReleaseConnection gives back a slot reserved by AllocConnection that
// was never turned into a registered connection (e.g. the handshake
// failed).
func (r *Registry) ReleaseConnection() {
	r.connectionCount.Add(-1)
}

// Register adds a newly handshaken connection to the registry. It
// returns an error if a connection to the same peer already exists
// (e.g. a racing bootstrap retry), in which case the caller must close
// its own connection and keep the existing one.
func (r *Registry) Register(conn *connection.Connection) error {
	peerID := conn.PeerID()

	r.mu.Lock()
	if _, exists := r.connections[peerID]; exists {
		r.mu.Unlock()
		return IdConflict(peerID)
	}
	r.connections[peerID] = conn
	r.mu.Unlock()

	conn.SetDontCleanup(r.dht.OnConnect(peerID))
	r.metrics.ConnectsTotal.Inc()
	r.events.Connect(dht.Contact(registryContact{id: peerID}))
	return nil
}

// Connections returns a snapshot of every currently open connection,
// usable as a candidate referrer set for reaching a peer not yet
// connected directly.
func (r *Registry) Connections() []*connection.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*connection.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// Lookup returns the active connection to peerID, if any.
func (r *Registry) Lookup(peerID id.ID) (*connection.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[peerID]
	return c, ok
}

// Contains reports whether a connection to peerID is already open.
func (r *Registry) Contains(peerID id.ID) bool {
	_, ok := r.Lookup(peerID)
	return ok
}

// OnRequest implements connection.Handler by forwarding directly to the
// DHT.
func (r *Registry) OnRequest(from id.ID, req wire.Request) wire.Response {
	return r.dht.OnRequest(from, req)
}

// ForwardOffer implements connection.Handler: relay each offer to the
// connection already open with its target.
func (r *Registry) ForwardOffer(from id.ID, offers []wire.OfferTo) []wire.AnswerResult {
	results := make([]wire.AnswerResult, len(offers))
	for i, o := range offers {
		target, ok := r.Lookup(o.To)
		if !ok {
			results[i] = wire.AnswerResult{Error: "not_found"}
			continue
		}
		resp, err := target.SendRequest(context.Background(), wire.Request{Kind: wire.TryOffer, From: from, Offer: o.Offer})
		if err != nil {
			results[i] = wire.AnswerResult{Error: "not_found"}
			continue
		}
		if resp.AnswerError != "" {
			results[i] = wire.AnswerResult{Error: resp.AnswerError}
			continue
		}
		results[i] = wire.AnswerResult{Answer: resp.Answer}
	}
	return results
}

// TryOffer implements connection.Handler. The caller (package
// rendezvous) is expected to overwrite this wiring in practice; the
// registry itself only reports whether a connection already exists,
// since establishing the new channel needs the identity handshake and
// channel.Opener that rendezvous owns.
func (r *Registry) TryOffer(from id.ID, offer channel.SessionDescription) (*channel.SessionDescription, error) {
	if r.Contains(from) {
		return nil, fmt.Errorf("already_connected")
	}
	if r.TryOfferHook == nil {
		return nil, fmt.Errorf("not_found")
	}
	return r.TryOfferHook(from, offer)
}

// OnHalfClose implements connection.Handler: record peerID as
// reclaimable the next time a slot is needed.
func (r *Registry) OnHalfClose(peerID id.ID) {
	r.mu.Lock()
	if _, exists := r.halfClosedElems[peerID]; !exists {
		elem := r.halfClosedOrder.PushBack(peerID)
		r.halfClosedElems[peerID] = elem
		r.halfClosedCount.Add(1)
	}
	r.mu.Unlock()
}

// OnShutdown implements connection.Handler: drop the connection and let
// the DHT and event subscribers know.
func (r *Registry) OnShutdown(peerID id.ID, reason connection.Reason) {
	r.mu.Lock()
	_, existed := r.connections[peerID]
	delete(r.connections, peerID)
	wasHalfClosed := false
	if elem, ok := r.halfClosedElems[peerID]; ok {
		r.halfClosedOrder.Remove(elem)
		delete(r.halfClosedElems, peerID)
		wasHalfClosed = true
	}
	r.mu.Unlock()

	if !existed {
		return
	}

	r.connectionCount.Add(-1)
	if wasHalfClosed {
		r.halfClosedCount.Add(-1)
	}

	r.dht.OnDisconnect(peerID)
	reason2 := fromConnectionReason(reason)
	r.metrics.DisconnectsTotal.WithLabelValues(reason2.String()).Inc()
	r.events.Disconnect(peerID, reason2)
}

// Shutdown closes every connection and marks the registry as no longer
// accepting new ones. Safe to call more than once.
func (r *Registry) Shutdown() {
	if !atomic.CompareAndSwapInt32(&r.shuttingDown, 0, 1) {
		return
	}

	r.mu.Lock()
	drained := make([]*connection.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		drained = append(drained, c)
	}
	r.connections = make(map[id.ID]*connection.Connection)
	r.halfClosedOrder.Init()
	r.halfClosedElems = make(map[id.ID]*list.Element)
	r.mu.Unlock()

	for _, c := range drained {
		r.dht.OnDisconnect(c.PeerID())
		r.metrics.DisconnectsTotal.WithLabelValues(DisconnectShuttingDown.String()).Inc()
		r.events.Disconnect(c.PeerID(), DisconnectShuttingDown)
	}
	r.events.Shutdown()
}

// registryContact is the minimal dht.Contact the registry can produce on
// its own, for the subset of events (Connect) that only need an id.
type registryContact struct{ id id.ID }

func (c registryContact) ID() id.ID { return c.id }
