// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package search implements the alpha-parallel iterative search used by
// the DHT orchestrator to find the closest known nodes to a target id,
// or to retrieve a published value.
package search

import (
	"context"
	"sort"
	"sync"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

// Contact is a polymorphic handle that resolves to an Id. Nodes's actual
// connection handle (or, for the local node itself, a marker value) is
// opaque to this package.
type Contact interface {
	ID() id.ID
}

// Sender is the transport-level dependency this package queries
// against: it can send a Request to a Contact and, given a bare Id
// discovered in a FoundNodes reply, wrap it into a Contact (which may
// lazily open a new connection via the rendezvous connector).
type Sender interface {
	Send(ctx context.Context, contact Contact, req wire.Request) (wire.Response, error)
	WrapContact(id id.ID) Contact
}

// Mode selects whether the search hunts for closer nodes only, or also
// collects the values published under the target.
type Mode int

const (
	// ModeNodes runs a pure node-discovery search.
	ModeNodes Mode = iota
	// ModeData additionally requests FindData and accumulates replies.
	ModeData
)

// Options configures a Search.
type Options struct {
	// Parallelism is alpha: the number of concurrent in-flight queries.
	Parallelism int
	// Limit bounds the number of entries requested per FindData call;
	// only meaningful in ModeData.
	Limit int
}

// Result is the outcome of a Search.
type Result struct {
	// CloserNodes is the final query window, in distance order, valid
	// in both modes (ModeData populates it only if no data was found).
	CloserNodes []Contact
	// DataFound holds the entries merged from FoundData replies, keyed
	// by publisher (a later reply from the same publisher overwrites an
	// earlier one). Non-nil only when at least one entry was found in
	// ModeData.
	DataFound map[id.ID][]byte
}

type queryState int

const (
	stateWaiting queryState = iota
	stateQuerying
	stateQueried
)

type queryEntry struct {
	state   queryState
	contact Contact
}

type selfContact struct{ id id.ID }

func (s selfContact) ID() id.ID { return s.id }

// Search runs the iterative alpha-parallel search described in the
// identifier/k-tree/search sections of the DHT design: seed a
// bucket-size window from firstBucket, query alpha contacts at a time,
// widen the window with any newly discovered closer contacts, and
// terminate once every window entry has replied.
func Search(ctx context.Context, logger logging.Logger, sender Sender, selfID, target id.ID, bucketSize int, opts Options, mode Mode, firstBucket []Contact) Result {
	queried := make(map[id.ID]bool, len(firstBucket)+1)
	for _, c := range firstBucket {
		queried[c.ID()] = true
	}
	queried[selfID] = true

	toQuery := make([]queryEntry, 0, len(firstBucket)+1)
	for _, c := range firstBucket {
		toQuery = append(toQuery, queryEntry{state: stateWaiting, contact: c})
	}
	toQuery = append(toQuery, queryEntry{state: stateQueried, contact: selfContact{id: selfID}})
	sortWindow(toQuery, target)

	dataEntries := make(map[id.ID][]byte)
	foundData := false

	type response struct {
		id   id.ID
		resp wire.Response
		err  error
	}

	var wg sync.WaitGroup
	resultCh := make(chan response, opts.Parallelism+1)

	startQuery := func() bool {
		for i := range toQuery {
			if toQuery[i].state != stateWaiting {
				continue
			}
			toQuery[i].state = stateQuerying
			contact := toQuery[i].contact

			var req wire.Request
			if mode == ModeData {
				req = wire.Request{Kind: wire.FindData, Topic: target, Limit: opts.Limit}
			} else {
				req = wire.Request{Kind: wire.FindNodes, Topic: target}
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := sender.Send(ctx, contact, req)
				select {
				case resultCh <- response{id: contact.ID(), resp: resp, err: err}:
				case <-ctx.Done():
				}
			}()
			return true
		}
		return false
	}

	inFlight := 0
	for inFlight < opts.Parallelism && startQuery() {
		inFlight++
	}

	for inFlight > 0 {
		var r response
		select {
		case r = <-resultCh:
		case <-ctx.Done():
			wg.Wait()
			return finishResult(toQuery, dataEntries, foundData)
		}
		inFlight--

		for i := range toQuery {
			if toQuery[i].contact.ID() == r.id {
				toQuery[i].state = stateQueried
				break
			}
		}

		if r.err != nil {
			logger.Debugf("search: error requesting from %s: %v", r.id.ShortHex(), r.err)
		} else {
			switch r.resp.Kind {
			case wire.FoundNodes:
				for _, nid := range r.resp.Nodes {
					if queried[nid] {
						continue
					}
					queried[nid] = true
					toQuery = append(toQuery, queryEntry{state: stateWaiting, contact: sender.WrapContact(nid)})
				}
				sortWindow(toQuery, target)
				if len(toQuery) > bucketSize {
					toQuery = toQuery[:bucketSize]
				}
			case wire.FoundData:
				if mode == ModeData {
					for _, e := range r.resp.Entries {
						dataEntries[e.Publisher] = e.Data
						foundData = true
					}
				} else {
					logger.Warningf("search: node %s returned data for a nodes-only query", r.id.ShortHex())
				}
			case wire.Error:
				logger.Warningf("search: node %s returned an error: %s", r.id.ShortHex(), r.resp.Message)
			default:
				logger.Warningf("search: node %s returned unexpected response kind %q", r.id.ShortHex(), r.resp.Kind)
			}
		}

		if allQueried(toQuery) {
			break
		}
		for inFlight < opts.Parallelism && startQuery() {
			inFlight++
		}
	}

	wg.Wait()
	return finishResult(toQuery, dataEntries, foundData)
}

func allQueried(entries []queryEntry) bool {
	for _, e := range entries {
		if e.state != stateQueried {
			return false
		}
	}
	return true
}

func sortWindow(entries []queryEntry, target id.ID) {
	sort.Slice(entries, func(i, j int) bool {
		di := target.Xor(entries[i].contact.ID())
		dj := target.Xor(entries[j].contact.ID())
		return di.Less(dj)
	})
}

func finishResult(entries []queryEntry, dataEntries map[id.ID][]byte, foundData bool) Result {
	if foundData {
		return Result{DataFound: dataEntries}
	}

	nodes := make([]Contact, len(entries))
	for i, e := range entries {
		nodes[i] = e.contact
	}
	return Result{CloserNodes: nodes}
}
