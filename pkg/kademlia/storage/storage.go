// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage implements the per-topic, multi-publisher value store
// with lifetime-ordered expiry that backs a node's share of the DHT's
// published data.
package storage

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
)

// Errors returned by Insert. They are sentinel values so callers can
// branch on them with errors.Is, matching this module's error
// conventions elsewhere.
var (
	ErrTooManyEntries = errors.New("storage: too many entries")
	ErrInvalidLifetime = errors.New("storage: invalid lifetime")
	ErrInvalidData     = errors.New("storage: invalid data")
)

// Config bounds what Storage will accept, matching spec.md's
// storage.max_size/max_lifetime/max_entries defaults.
type Config struct {
	MaxSize     int           // maximum entry payload size in bytes
	MaxLifetime time.Duration // maximum lifetime accepted by Insert
	MaxEntries  int           // maximum total entry count across all topics
}

// DefaultConfig matches the original project's defaults: 128 KiB entries,
// a one-hour lifetime cap, 1024 total entries.
func DefaultConfig() Config {
	return Config{
		MaxSize:     128 * 1024,
		MaxLifetime: 3600 * time.Second,
		MaxEntries:  1024,
	}
}

// Entry is one publisher's value under a topic.
type Entry struct {
	Publisher id.ID
	Data      []byte
}

// Storage is a topic -> entry-list map plus a lifetime-ordered min-heap
// of expiries. The zero value is not usable; construct with New. A
// Storage is safe for concurrent use: every method serializes on the
// Storage's own mutex.
type Storage struct {
	mu         sync.Mutex
	config     Config
	entryCount int
	topics     map[id.ID][]Entry
	deadlines  deadlineHeap
	now        func() time.Time
}

type deadlineRecord struct {
	deadline  time.Time
	topic     id.ID
	publisher id.ID
}

type deadlineHeap []deadlineRecord

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x interface{}) {
	*h = append(*h, x.(deadlineRecord))
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// New constructs a Storage bounded by config.
func New(config Config) *Storage {
	return &Storage{
		config: config,
		topics: make(map[id.ID][]Entry),
		now:    time.Now,
	}
}

// Get returns the entries published under topic, if any. The returned
// slice must not be mutated by the caller.
func (s *Storage) Get(topic id.ID) ([]Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.topics[topic]
	if !ok {
		return nil, false
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, true
}

// EntryCount returns the number of entries currently stored, summed
// across all topics.
func (s *Storage) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryCount
}

func checkEntry(config Config, lifetime time.Duration, data []byte) error {
	if len(data) > config.MaxSize {
		return ErrInvalidData
	}
	if lifetime > config.MaxLifetime {
		return ErrInvalidLifetime
	}
	return nil
}

// Validate reports whether lifetime and data would be accepted by
// Insert, without storing anything. Callers that need to fail fast
// before doing network work (a QueryNodes round-trip) call this first;
// Insert runs the same check again since nothing stops a caller from
// skipping Validate.
func (s *Storage) Validate(lifetime time.Duration, data []byte) error {
	return checkEntry(s.config, lifetime, data)
}

// Insert stores data as publisher's value for topic, replacing any
// existing entry from the same publisher under the same topic. It
// rejects data that is too large or a lifetime that exceeds the
// configured maximum, and fails closed if the store is already at
// MaxEntries.
func (s *Storage) Insert(topic, publisher id.ID, lifetime time.Duration, data []byte) error {
	if err := checkEntry(s.config, lifetime, data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(topic, publisher)

	if s.entryCount >= s.config.MaxEntries {
		return ErrTooManyEntries
	}

	deadline := s.now().Add(lifetime)

	s.topics[topic] = append(s.topics[topic], Entry{Publisher: publisher, Data: data})
	heap.Push(&s.deadlines, deadlineRecord{deadline: deadline, topic: topic, publisher: publisher})
	s.entryCount++

	return nil
}

// Remove deletes publisher's entry under topic, if present, along with
// its heap record. Removing a topic's last entry drops the topic key
// from the map.
func (s *Storage) Remove(topic, publisher id.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(topic, publisher)
}

func (s *Storage) removeLocked(topic, publisher id.ID) {
	entries, ok := s.topics[topic]
	if !ok {
		return
	}

	pos := -1
	for i, e := range entries {
		if e.Publisher == publisher {
			pos = i
			break
		}
	}
	if pos < 0 {
		return
	}

	entries = append(entries[:pos], entries[pos+1:]...)
	s.entryCount--

	if len(entries) == 0 {
		delete(s.topics, topic)
	} else {
		s.topics[topic] = entries
	}

	s.removeDeadlineLocked(topic, publisher)
}

func (s *Storage) removeDeadlineLocked(topic, publisher id.ID) {
	for i, rec := range s.deadlines {
		if rec.topic == topic && rec.publisher == publisher {
			heap.Remove(&s.deadlines, i)
			return
		}
	}
}

// PeriodicRun evicts every entry whose deadline has passed. It should be
// called on a fixed interval (spec.md: every 10 seconds).
func (s *Storage) PeriodicRun() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for len(s.deadlines) > 0 {
		top := s.deadlines[0]
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&s.deadlines)
		s.removeLocked(top.topic, top.publisher)
	}
}

// Err renders a storage error with its offending topic/publisher for
// logging, matching the original's "Removing topic: {topic} user: {user}"
// trace lines.
func Err(topic, publisher id.ID, err error) error {
	return fmt.Errorf("topic %s publisher %s: %w", topic.ShortHex(), publisher.ShortHex(), err)
}
