// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ktree implements the k-bucket and k-tree routing table used by
// the DHT orchestrator to keep track of known and connected peers,
// organized by xor distance from the local id.
package ktree

import "github.com/snowycoder/wdht-go/pkg/kademlia/id"

// Pinger is notified to re-verify liveness of the existing entries of a
// bucket when a new id is pushed into its replacement cache. It is the
// caller's job to deduplicate concurrent pings to the same id; the
// bucket issues one ping per entry per insert, even if the same entry
// already has a ping in flight.
type Pinger interface {
	Ping(id id.ID)
}

// Bucket holds the routing-table entries for one distance class, plus a
// small replacement cache of candidates waiting for a slot to free up.
type Bucket struct {
	Entries          []id.ID
	ReplacementCache []id.ID
}

// Has reports whether candidate is present in either the entries or the
// replacement cache.
func (b *Bucket) Has(candidate id.ID) bool {
	for _, x := range b.Entries {
		if x == candidate {
			return true
		}
	}
	for _, x := range b.ReplacementCache {
		if x == candidate {
			return true
		}
	}
	return false
}

// RefreshNode moves candidate to the back of the entries list, marking
// it as most-recently-seen. It reports whether candidate was found.
func (b *Bucket) RefreshNode(candidate id.ID) bool {
	for i, x := range b.Entries {
		if x != candidate {
			continue
		}
		// rotate_right(1) on entries[i:]: move the found element to
		// the end, shifting the rest left by one.
		copy(b.Entries[i:], b.Entries[i+1:])
		b.Entries[len(b.Entries)-1] = candidate
		return true
	}
	return false
}

// Insert adds candidate to the bucket's entries if there is room, else
// to the replacement cache if there is room there, pinging every
// existing entry so a dead one can be evicted to make space. It reports
// whether candidate was accepted anywhere.
func (b *Bucket) Insert(candidate id.ID, bucketSize, replacementSize int, pinger Pinger) bool {
	if b.Has(candidate) {
		return false
	}

	if len(b.Entries) < bucketSize {
		b.Entries = append(b.Entries, candidate)
		return true
	}

	if len(b.ReplacementCache) < replacementSize {
		b.ReplacementCache = append(b.ReplacementCache, candidate)
		for _, x := range b.Entries {
			pinger.Ping(x)
		}
		return true
	}

	return false
}

// Remove deletes candidate from the entries (promoting the oldest
// replacement-cache candidate into its place, if any) or from the
// replacement cache. It reports whether candidate was found.
func (b *Bucket) Remove(candidate id.ID) bool {
	for i, x := range b.Entries {
		if x != candidate {
			continue
		}
		b.Entries = append(b.Entries[:i], b.Entries[i+1:]...)
		if len(b.ReplacementCache) > 0 {
			b.Entries = append(b.Entries, b.ReplacementCache[0])
			b.ReplacementCache = b.ReplacementCache[1:]
		}
		return true
	}

	for i, x := range b.ReplacementCache {
		if x != candidate {
			continue
		}
		b.ReplacementCache = append(b.ReplacementCache[:i], b.ReplacementCache[i+1:]...)
		return true
	}

	return false
}
