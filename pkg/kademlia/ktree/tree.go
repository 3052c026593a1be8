// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ktree

import (
	"sort"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
)

// Config bounds the shape of every bucket in a Tree, matching spec.md's
// routing.bucket_size/bucket_replacement_size/buckets_per_bit/
// max_routing_count.
type Config struct {
	BucketSize            int    // k: window size and per-bucket entry cap
	BucketReplacementSize int    // r: per-bucket replacement-cache cap
	BucketsPerBit         uint8  // b: sub-buckets per tree entry, 2^(b-1) of them
	MaxRoutingCount        *uint64 // optional cap on total routed entries
}

// DefaultConfig matches the original project's defaults: k=4, r=2, b=1,
// no cap on total routed entries.
func DefaultConfig() Config {
	return Config{
		BucketSize:            4,
		BucketReplacementSize: 2,
		BucketsPerBit:         1,
	}
}

// entry is one of the id.Bits slots of the tree, holding 2^(b-1) buckets.
type entry struct {
	buckets []Bucket
}

func newEntry(config Config) entry {
	return entry{buckets: make([]Bucket, 1<<(config.BucketsPerBit-1))}
}

// Tree is the fixed-size routing table: one entry per bit of distance
// from the local id, each entry holding one or more buckets selected by
// the bits immediately following the leading-zero run.
type Tree struct {
	self   id.ID
	config Config
	nodes  [id.Bits]entry
	size   uint64
}

// New constructs an empty Tree rooted at self.
func New(self id.ID, config Config) *Tree {
	t := &Tree{self: self, config: config}
	for i := range t.nodes {
		t.nodes[i] = newEntry(config)
	}
	return t
}

// Size returns the number of ids currently held by the tree, counting
// both bucket entries and replacement-cache candidates.
func (t *Tree) Size() uint64 { return t.size }

func (t *Tree) bucketIndex(candidate id.ID) (entryIndex, bucketIndex int) {
	nid := t.self.Xor(candidate)
	maxEntry := uint8(int(id.Bits) - int(t.config.BucketsPerBit))
	entryi := nid.LeadingZeros()
	if entryi > maxEntry {
		entryi = maxEntry
	}

	if t.config.BucketsPerBit == 1 {
		return int(entryi), 0
	}
	return int(entryi), int(nid.Bitslice(uint32(entryi)+1, t.config.BucketsPerBit-1))
}

func (t *Tree) bucket(candidate id.ID) *Bucket {
	ei, bi := t.bucketIndex(candidate)
	return &t.nodes[ei].buckets[bi]
}

// Has reports whether candidate is present anywhere in the tree.
func (t *Tree) Has(candidate id.ID) bool {
	return t.bucket(candidate).Has(candidate)
}

// Insert routes candidate into its bucket, pinging existing entries of
// that bucket if candidate only fit into the replacement cache. It
// rejects the local id and, once MaxRoutingCount is set and reached,
// every further candidate.
func (t *Tree) Insert(candidate id.ID, pinger Pinger) bool {
	if candidate == t.self {
		return false
	}
	if t.config.MaxRoutingCount != nil && t.size >= *t.config.MaxRoutingCount {
		return false
	}

	inserted := t.bucket(candidate).Insert(candidate, t.config.BucketSize, t.config.BucketReplacementSize, pinger)
	if inserted {
		t.size++
	}
	return inserted
}

// Remove evicts candidate from the tree, promoting a replacement-cache
// candidate into its slot if one is waiting. It reports whether
// candidate was found.
func (t *Tree) Remove(candidate id.ID) bool {
	removed := t.bucket(candidate).Remove(candidate)
	if removed {
		t.size--
	}
	return removed
}

// Refresh marks candidate as most-recently-seen within its bucket. It
// reports whether candidate was found among the bucket's entries.
func (t *Tree) Refresh(candidate id.ID) bool {
	return t.bucket(candidate).RefreshNode(candidate)
}

// nodeAggregator collects candidate ids up to a limit, in no particular
// order, then sorts and truncates them by distance to a target on
// Finish.
type nodeAggregator struct {
	nodes []id.ID
	limit int
}

func newNodeAggregator(limit int) *nodeAggregator {
	return &nodeAggregator{limit: limit}
}

func (a *nodeAggregator) isDone() bool { return len(a.nodes) >= a.limit }

func (a *nodeAggregator) addBucket(b *Bucket) {
	a.nodes = append(a.nodes, b.Entries...)
}

func (a *nodeAggregator) addEntry(e *entry) {
	for i := range e.buckets {
		a.addBucket(&e.buckets[i])
	}
}

func (a *nodeAggregator) finish(closerTo id.ID) []id.ID {
	sort.Slice(a.nodes, func(i, j int) bool {
		return closerTo.Xor(a.nodes[i]).Less(closerTo.Xor(a.nodes[j]))
	})
	if len(a.nodes) > a.limit {
		a.nodes = a.nodes[:a.limit]
	}
	return a.nodes
}

// GetCloserN returns up to size ids from the tree, ordered by increasing
// xor distance to closerTo. It starts from closerTo's own bucket, widens
// to the rest of its entry, then scans entries to the right (which cover
// exponentially smaller portions of the id space) followed by, only if
// needed, the single left neighbour entry or the remaining left side in
// reverse — the minimum amount of scanning that is guaranteed to surface
// the true closest ids.
func (t *Tree) GetCloserN(closerTo id.ID, size int) []id.ID {
	res := newNodeAggregator(size)
	entryi, bucketi := t.bucketIndex(closerTo)

	fentry := &t.nodes[entryi]
	res.addBucket(&fentry.buckets[bucketi])
	if res.isDone() {
		return res.finish(closerTo)
	}

	for i := range fentry.buckets {
		if i == bucketi {
			continue
		}
		res.addBucket(&fentry.buckets[i])
	}
	if res.isDone() {
		return res.finish(closerTo)
	}

	for i := entryi + 1; i < len(t.nodes); i++ {
		res.addEntry(&t.nodes[i])
		if res.isDone() {
			if entryi != 0 {
				res.addEntry(&t.nodes[entryi-1])
			}
			return res.finish(closerTo)
		}
	}

	for i := entryi - 1; i >= 0; i-- {
		res.addEntry(&t.nodes[i])
		if res.isDone() {
			break
		}
	}

	return res.finish(closerTo)
}
