// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dhtstats_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/snowycoder/wdht-go/pkg/dhtstats"
	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
)

func discardLogger() logging.Logger { return logging.New(io.Discard, 0) }

type deadSender struct{}

func (deadSender) Send(context.Context, dht.Contact, wire.Request) (wire.Response, error) {
	return wire.Response{}, fmt.Errorf("deadSender: no network in this test")
}
func (deadSender) WrapContact(nid id.ID) dht.Contact { return deadContact{id: nid} }

type deadContact struct{ id id.ID }

func (c deadContact) ID() id.ID { return c.id }

func TestHandleJSONReportsZeroState(t *testing.T) {
	selfID := id.ID{7}
	d := dht.New(selfID, deadSender{}, discardLogger(), dht.DefaultConfig())
	r := registry.New(d, discardLogger(), registry.Config{MaxConnections: 10}, nil)

	srv := dhtstats.New(d, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/status.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	var snap dhtstats.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID != selfID.ShortHex() {
		t.Errorf("ID = %q, want %q", snap.ID, selfID.ShortHex())
	}
	if snap.RoutingTableSize != 0 {
		t.Errorf("RoutingTableSize = %d, want 0", snap.RoutingTableSize)
	}
	if snap.ConnectionsLimit == nil || *snap.ConnectionsLimit != 10 {
		t.Errorf("ConnectionsLimit = %v, want 10", snap.ConnectionsLimit)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestHandleHTMLServesStatusPage(t *testing.T) {
	selfID := id.ID{3}
	d := dht.New(selfID, deadSender{}, discardLogger(), dht.DefaultConfig())
	r := registry.New(d, discardLogger(), registry.Config{}, nil)

	srv := dhtstats.New(d, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct == "" {
		t.Errorf("missing Content-Type header")
	}
	if len(body) == 0 {
		t.Errorf("empty HTML body")
	}
}
