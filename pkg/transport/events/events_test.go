// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package events_test

import (
	"testing"
	"time"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/transport/events"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
)

type stubContact struct{ id id.ID }

func (c stubContact) ID() id.ID { return c.id }

func recvOrTimeout(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := events.New()
	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	peer := id.ID{1}
	bus.Connect(stubContact{id: peer})

	ev1 := recvOrTimeout(t, ch1)
	ev2 := recvOrTimeout(t, ch2)
	if ev1.Kind != events.Connect || ev1.Contact.ID() != peer {
		t.Errorf("ch1 got %+v", ev1)
	}
	if ev2.Kind != events.Connect || ev2.Contact.ID() != peer {
		t.Errorf("ch2 got %+v", ev2)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.New()
	ch, unsub := bus.Subscribe()
	unsub()

	bus.Shutdown()

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event after unsubscribe: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was not closed by unsubscribe")
	}
}

func TestBusDisconnectCarriesReason(t *testing.T) {
	bus := events.New()
	ch, unsub := bus.Subscribe()
	defer unsub()

	peer := id.ID{2}
	bus.Disconnect(peer, registry.DisconnectSendFail)

	ev := recvOrTimeout(t, ch)
	if ev.Kind != events.Disconnect || ev.Peer != peer || ev.Reason != registry.DisconnectSendFail {
		t.Errorf("got %+v", ev)
	}
}

func TestBusShutdownDelivered(t *testing.T) {
	bus := events.New()
	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Shutdown()

	ev := recvOrTimeout(t, ch)
	if ev.Kind != events.Shutdown {
		t.Errorf("got %+v, want Shutdown", ev)
	}
}
