// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dht wires identifier space, routing table, value storage, and
// iterative search together into the orchestrator every transport
// listener and application query goes through.
package dht

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/kademlia/ktree"
	"github.com/snowycoder/wdht-go/pkg/kademlia/search"
	"github.com/snowycoder/wdht-go/pkg/kademlia/storage"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/tracing"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

// Contact is the polymorphic handle search and the orchestrator pass
// around for a remote node; see search.Contact.
type Contact = search.Contact

// Sender is the transport-level dependency the orchestrator queries
// against, shared with the search package.
type Sender interface {
	search.Sender
}

// Config bounds the routing table and storage this DHT maintains, and
// tunes the iterative search's fan-out.
type Config struct {
	Routing           ktree.Config
	Storage           storage.Config
	SearchParallelism int // alpha: concurrent in-flight search requests
	FindDataLimit     int // max entries requested per FindData call
}

// DefaultConfig matches the original project's defaults.
func DefaultConfig() Config {
	return Config{
		Routing:           ktree.DefaultConfig(),
		Storage:           storage.DefaultConfig(),
		SearchParallelism: 2,
		FindDataLimit:     16,
	}
}

// DHT is a single node's view of the network: its routing table, its
// share of published values, and the transport it reaches peers
// through. The zero value is not usable; construct with New.
type DHT struct {
	config Config
	id     id.ID
	sender Sender
	logger logging.Logger
	tracer *tracing.Tracer

	treeMu sync.Mutex
	tree   *ktree.Tree

	store *storage.Storage // Storage is already safe for concurrent use
}

// New constructs a DHT rooted at self, reaching peers through sender.
func New(self id.ID, sender Sender, logger logging.Logger, config Config) *DHT {
	return &DHT{
		config: config,
		id:     self,
		sender: sender,
		logger: logger,
		tracer: tracing.NewTracer(nil),
		tree:   ktree.New(self, config.Routing),
		store:  storage.New(config.Storage),
	}
}

// WithTracer replaces the no-op tracer installed by New with t.
func (d *DHT) WithTracer(t *tracing.Tracer) *DHT {
	d.tracer = t
	return d
}

// ID returns this node's own routing Id.
func (d *DHT) ID() id.ID { return d.id }

// RoutingSize returns the number of contacts currently held in the
// routing table.
func (d *DHT) RoutingSize() uint64 {
	d.treeMu.Lock()
	defer d.treeMu.Unlock()
	return d.tree.Size()
}

// PeriodicRun evicts expired storage entries. Call it on a fixed
// interval (spec.md: every 10 seconds).
func (d *DHT) PeriodicRun() {
	d.store.PeriodicRun()
}

// pinger adapts Sender into ktree.Pinger: a best-effort, fire-and-forget
// liveness probe. A real failure surfaces later as a transport
// disconnect, which OnDisconnect turns into a tree removal; this probe
// only prompts that disconnect sooner.
type pinger struct {
	sender Sender
	logger logging.Logger
}

func (p *pinger) Ping(target id.ID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := p.sender.Send(ctx, p.sender.WrapContact(target), wire.Request{Kind: wire.FindNodes, Topic: target})
		if err != nil {
			p.logger.Debugf("dht: ping %s failed: %v", target.ShortHex(), err)
		}
	}()
}

func (d *DHT) closerBucket(target id.ID) []Contact {
	d.treeMu.Lock()
	nodes := d.tree.GetCloserN(target, d.config.Routing.BucketSize)
	d.treeMu.Unlock()

	contacts := make([]Contact, len(nodes))
	for i, n := range nodes {
		contacts[i] = d.sender.WrapContact(n)
	}
	return contacts
}

// QueryNodes returns the (up to bucket-size) closest known nodes to
// target, querying the network iteratively if the local routing table
// alone isn't enough.
func (d *DHT) QueryNodes(ctx context.Context, target id.ID) []Contact {
	span, ctx := d.tracer.StartSpanFromContext(ctx, "dht-query-nodes", d.logger)
	defer span.Finish()

	bucket := d.closerBucket(target)
	result := search.Search(ctx, d.logger, d.sender, d.id, target, d.config.Routing.BucketSize,
		search.Options{Parallelism: d.config.SearchParallelism}, search.ModeNodes, bucket)
	return result.CloserNodes
}

// QueryValue looks up topic, preferring a local copy before falling
// back to an iterative Data search.
func (d *DHT) QueryValue(ctx context.Context, topic id.ID) ([]storage.Entry, bool) {
	span, ctx := d.tracer.StartSpanFromContext(ctx, "dht-query-value", d.logger)
	defer span.Finish()

	if entries, ok := d.store.Get(topic); ok {
		return entries, true
	}

	bucket := d.closerBucket(topic)
	result := search.Search(ctx, d.logger, d.sender, d.id, topic, d.config.Routing.BucketSize,
		search.Options{Parallelism: d.config.SearchParallelism, Limit: d.config.FindDataLimit},
		search.ModeData, bucket)

	if result.DataFound == nil {
		return nil, false
	}

	entries := make([]storage.Entry, 0, len(result.DataFound))
	for publisher, data := range result.DataFound {
		entries = append(entries, storage.Entry{Publisher: publisher, Data: data})
	}
	return entries, true
}

// sendToAllAndCount fans a request out to every contact but self,
// counting the Done responses, matching the original project's
// "how many nodes actually stored it" return value.
func (d *DHT) sendToAllAndCount(ctx context.Context, contacts []Contact, req wire.Request) int {
	type result struct {
		id  id.ID
		ok  bool
		err error
	}

	var wg sync.WaitGroup
	resultCh := make(chan result, len(contacts))

	for _, c := range contacts {
		if c.ID() == d.id {
			continue
		}
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.sender.Send(ctx, c, req)
			resultCh <- result{id: c.ID(), ok: err == nil && resp.Kind == wire.Done, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	count := 0
	for r := range resultCh {
		switch {
		case r.err != nil:
			d.logger.Warningf("dht: transport error querying %s: %v", r.id.ShortHex(), r.err)
		case r.ok:
			count++
		default:
			d.logger.Warningf("dht: %s returned an unexpected response", r.id.ShortHex())
		}
	}
	return count
}

// Insert stores value under topic for lifetime, on this node (if it
// lands in the closest bucket) and on every peer in that bucket. It
// returns how many nodes, including this one, accepted the value.
func (d *DHT) Insert(ctx context.Context, topic id.ID, lifetime time.Duration, value []byte) (int, error) {
	span, ctx := d.tracer.StartSpanFromContext(ctx, "dht-insert", d.logger)
	defer span.Finish()

	if err := d.store.Validate(lifetime, value); err != nil {
		return 0, err
	}

	d.logger.Infof("dht: inserting %s into the network for %s", topic.ShortHex(), lifetime)

	nodes := d.QueryNodes(ctx, topic)

	count := 0
	for _, c := range nodes {
		if c.ID() == d.id {
			if err := d.store.Insert(topic, d.id, lifetime, value); err != nil {
				return count, err
			}
			count++
			break
		}
	}

	req := wire.Request{Kind: wire.Insert, Topic: topic, LifetimeSeconds: uint32(lifetime.Seconds()), Data: value}
	count += d.sendToAllAndCount(ctx, nodes, req)
	return count, nil
}

// Remove deletes topic's entry published by this node from every node
// in its closest bucket, returning how many nodes acknowledged.
func (d *DHT) Remove(ctx context.Context, topic id.ID) int {
	span, ctx := d.tracer.StartSpanFromContext(ctx, "dht-remove", d.logger)
	defer span.Finish()

	d.logger.Infof("dht: removing %s from the network", topic.ShortHex())

	nodes := d.QueryNodes(ctx, topic)

	count := 0
	for _, c := range nodes {
		if c.ID() == d.id {
			d.store.Remove(topic, d.id)
			count++
			break
		}
	}

	req := wire.Request{Kind: wire.Remove, Topic: topic}
	count += d.sendToAllAndCount(ctx, nodes, req)
	return count
}

// Bootstrap populates the routing table by querying progressively
// deeper pseudo-ids between this node and its closest known sibling,
// one per shared-prefix bit, the same fan-out as a server startup join.
func (d *DHT) Bootstrap(ctx context.Context) {
	nodes := d.QueryNodes(ctx, d.id)

	// nodes[0] is always self; the DHT is otherwise empty.
	var sibling Contact
	found := false
	for _, c := range nodes {
		if c.ID() != d.id {
			sibling = c
			found = true
			break
		}
	}
	if !found {
		return
	}

	maxLeadingZeros := int(d.id.Xor(sibling.ID()).LeadingZeros())

	var wg sync.WaitGroup
	for bucket := maxLeadingZeros - 1; bucket >= 0; bucket-- {
		bucket := bucket
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.QueryNodes(ctx, bootstrapTarget(d.id, bucket))
		}()
	}
	wg.Wait()
}

// bootstrapTarget builds a pseudo-id that shares exactly `bucket`
// leading bits with self but diverges on bit `bucket`, with the
// remaining bits randomized; querying it populates the bucket at that
// depth.
func bootstrapTarget(self id.ID, bucket int) id.ID {
	mask := id.CreateLeftMask(uint8(bucket + 1))
	flipped := self.Xor(id.Zero.SetBit(uint8(bucket))).And(mask)

	var randomTail [id.Len]byte
	_, _ = rand.Read(randomTail[:])
	tail := id.FromBytes(randomTail[:]).And(mask.Not())

	return flipped.Or(tail)
}

// OnConnect registers a newly connected peer in the routing table. It
// returns true if the peer was placed in its bucket or in that bucket's
// replacement cache, and false if it was rejected (it is this node, it
// is already known, the routing cap is reached, or both the bucket and
// its replacement cache are full).
func (d *DHT) OnConnect(remote id.ID) bool {
	d.logger.Infof("dht: connected %s", remote.ShortHex())
	d.treeMu.Lock()
	defer d.treeMu.Unlock()
	return d.tree.Insert(remote, &pinger{sender: d.sender, logger: d.logger})
}

// OnDisconnect removes a peer from the routing table.
func (d *DHT) OnDisconnect(remote id.ID) {
	d.logger.Infof("dht: disconnected %s", remote.ShortHex())
	d.treeMu.Lock()
	defer d.treeMu.Unlock()
	d.tree.Remove(remote)
}

// OnRequest serves an incoming wire request from sender, refreshing its
// routing table entry first as every request is evidence of liveness.
func (d *DHT) OnRequest(sender id.ID, req wire.Request) wire.Response {
	d.treeMu.Lock()
	d.tree.Refresh(sender)
	d.treeMu.Unlock()

	switch req.Kind {
	case wire.FindNodes:
		return d.handleFindNodes(sender, req.Topic)
	case wire.FindData:
		return d.handleFindData(sender, req.Topic, req.Limit)
	case wire.Insert:
		return d.handleInsert(sender, req.Topic, req.LifetimeSeconds, req.Data)
	case wire.Remove:
		d.store.Remove(req.Topic, sender)
		return wire.Response{Kind: wire.Done}
	default:
		return wire.Response{Kind: wire.Error, Message: fmt.Sprintf("unsupported request kind %q", req.Kind)}
	}
}

func (d *DHT) findCloserExcluding(topic, exclude id.ID) []id.ID {
	d.treeMu.Lock()
	found := d.tree.GetCloserN(topic, d.config.Routing.BucketSize)
	d.treeMu.Unlock()

	out := found[:0]
	for _, n := range found {
		if n != exclude {
			out = append(out, n)
		}
	}
	return out
}

func (d *DHT) handleFindNodes(sender, topic id.ID) wire.Response {
	found := d.findCloserExcluding(topic, sender)
	d.logger.Debugf("dht: find closer %s: %v", topic.ShortHex(), found)
	return wire.Response{Kind: wire.FoundNodes, Nodes: found}
}

func (d *DHT) handleFindData(sender, topic id.ID, limit int) wire.Response {
	entries, ok := d.store.Get(topic)
	if !ok {
		return d.handleFindNodes(sender, topic)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]wire.Entry, len(entries))
	for i, e := range entries {
		out[i] = wire.Entry{Publisher: e.Publisher, Data: e.Data}
	}
	d.logger.Debugf("dht: find data %s(%d): %d entries", topic.ShortHex(), limit, len(out))
	return wire.Response{Kind: wire.FoundData, Entries: out}
}

func (d *DHT) handleInsert(sender, topic id.ID, lifetimeSeconds uint32, data []byte) wire.Response {
	lifetime := time.Duration(lifetimeSeconds) * time.Second
	d.logger.Debugf("dht: insert %s %s -> %d bytes", topic.ShortHex(), lifetime, len(data))

	if err := d.store.Insert(topic, sender, lifetime, data); err != nil {
		d.logger.Errorf("dht: error inserting value: %v", err)
		return wire.Response{Kind: wire.Error, Message: err.Error()}
	}
	return wire.Response{Kind: wire.Done}
}
