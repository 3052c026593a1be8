// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/kademlia/storage"
)

func mustID(b byte) id.ID {
	var i id.ID
	i[id.Len-1] = b
	return i
}

func TestInsertReplacesSamePublisher(t *testing.T) {
	s := storage.New(storage.DefaultConfig())
	topic := mustID(1)
	publisher := mustID(2)

	if err := s.Insert(topic, publisher, time.Minute, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(topic, publisher, time.Minute, []byte("v2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	entries, ok := s.Get(topic)
	if !ok {
		t.Fatalf("Get: topic not found")
	}
	if len(entries) != 1 {
		t.Fatalf("Get: got %d entries, want 1", len(entries))
	}
	if string(entries[0].Data) != "v2" {
		t.Errorf("Get: got %q, want %q", entries[0].Data, "v2")
	}
	if got := s.EntryCount(); got != 1 {
		t.Errorf("EntryCount() = %d, want 1", got)
	}
}

func TestInsertMultiplePublishersSameTopic(t *testing.T) {
	s := storage.New(storage.DefaultConfig())
	topic := mustID(1)

	for i := byte(0); i < 3; i++ {
		if err := s.Insert(topic, mustID(10+i), time.Minute, []byte{i}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	entries, ok := s.Get(topic)
	if !ok || len(entries) != 3 {
		t.Fatalf("Get: got %d entries (ok=%v), want 3", len(entries), ok)
	}
	if got := s.EntryCount(); got != 3 {
		t.Errorf("EntryCount() = %d, want 3", got)
	}
}

func TestInsertRejectsOversizeData(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.MaxSize = 4
	s := storage.New(cfg)

	err := s.Insert(mustID(1), mustID(2), time.Second, []byte("too big"))
	if !errors.Is(err, storage.ErrInvalidData) {
		t.Fatalf("Insert: got %v, want ErrInvalidData", err)
	}
}

func TestInsertRejectsExcessiveLifetime(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.MaxLifetime = time.Second
	s := storage.New(cfg)

	err := s.Insert(mustID(1), mustID(2), time.Hour, []byte("v"))
	if !errors.Is(err, storage.ErrInvalidLifetime) {
		t.Fatalf("Insert: got %v, want ErrInvalidLifetime", err)
	}
}

func TestInsertRejectsWhenFull(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.MaxEntries = 1
	s := storage.New(cfg)

	if err := s.Insert(mustID(1), mustID(2), time.Minute, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := s.Insert(mustID(3), mustID(4), time.Minute, []byte("v"))
	if !errors.Is(err, storage.ErrTooManyEntries) {
		t.Fatalf("Insert: got %v, want ErrTooManyEntries", err)
	}
}

func TestRemoveDropsEmptyTopic(t *testing.T) {
	s := storage.New(storage.DefaultConfig())
	topic, publisher := mustID(1), mustID(2)

	if err := s.Insert(topic, publisher, time.Minute, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.Remove(topic, publisher)

	if _, ok := s.Get(topic); ok {
		t.Errorf("Get: topic still present after Remove")
	}
	if got := s.EntryCount(); got != 0 {
		t.Errorf("EntryCount() = %d, want 0", got)
	}
}

func TestPeriodicRunExpiresEntries(t *testing.T) {
	s := storage.New(storage.DefaultConfig())
	topic, publisher := mustID(1), mustID(2)

	if err := s.Insert(topic, publisher, time.Second, []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)
	s.PeriodicRun()

	if _, ok := s.Get(topic); ok {
		t.Errorf("Get: expired topic still present")
	}
	if got := s.EntryCount(); got != 0 {
		t.Errorf("EntryCount() = %d, want 0", got)
	}
}

func TestPeriodicRunOnlyExpiresDue(t *testing.T) {
	s := storage.New(storage.DefaultConfig())
	early, late := mustID(1), mustID(2)
	publisher := mustID(3)

	if err := s.Insert(early, publisher, 0, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(late, publisher, time.Hour, []byte("v2")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	s.PeriodicRun()

	if _, ok := s.Get(early); ok {
		t.Errorf("Get(early): still present after expiry")
	}
	if _, ok := s.Get(late); !ok {
		t.Errorf("Get(late): expected entry to survive")
	}
	if got := s.EntryCount(); got != 1 {
		t.Errorf("EntryCount() = %d, want 1", got)
	}
}
