// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sender is the production dht.Sender: it turns a bare id, as
// handed back from a FoundNodes reply, into an actual request/response
// round trip, connecting on demand through the mesh when no direct
// connection exists yet.
package sender

import (
	"context"
	"fmt"

	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/connection"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
	"github.com/snowycoder/wdht-go/pkg/transport/rendezvous"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

type contact struct{ id id.ID }

func (c contact) ID() id.ID { return c.id }

// Sender implements dht.Sender over a Registry and a rendezvous
// Connector.
type Sender struct {
	registry  *registry.Registry
	connector *rendezvous.Connector
	logger    logging.Logger
}

// New constructs a Sender that looks up connections in reg and, failing
// that, opens new ones through connector.
func New(reg *registry.Registry, connector *rendezvous.Connector, logger logging.Logger) *Sender {
	return &Sender{registry: reg, connector: connector, logger: logger}
}

// WrapContact implements dht.Sender; the wrapped value carries nothing
// but the id until Send actually needs a connection.
func (s *Sender) WrapContact(nid id.ID) dht.Contact {
	return contact{id: nid}
}

// Send delivers req to contact, reusing an existing connection if one
// is open, or connecting to it first if not.
func (s *Sender) Send(ctx context.Context, c dht.Contact, req wire.Request) (wire.Response, error) {
	target := c.ID()

	conn, ok := s.registry.Lookup(target)
	if !ok {
		var err error
		conn, err = s.connectTo(ctx, target)
		if err != nil {
			return wire.Response{}, err
		}
	}
	return conn.SendRequest(ctx, req)
}

// connectTo reaches target by relaying an offer through every currently
// connected peer in turn, stopping at the first one that can forward it
// successfully. There is no record of which peer originally reported
// target's id (dht.Sender.WrapContact receives only the bare id), so
// any mesh member able to relay to it is as good as another; a peer
// that cannot reach target simply fails that attempt and the next
// referrer is tried.
func (s *Sender) connectTo(ctx context.Context, target id.ID) (*connection.Connection, error) {
	for _, referrer := range s.registry.Connections() {
		results := s.connector.ConnectAll(ctx, referrer, []id.ID{target})
		if len(results) != 1 {
			continue
		}
		if results[0].Err != nil {
			s.logger.Debugf("sender: %s could not relay to %s: %v", referrer.PeerID().ShortHex(), target.ShortHex(), results[0].Err)
			continue
		}
		if conn, ok := s.registry.Lookup(target); ok {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("sender: no connected peer could relay to %s", target.ShortHex())
}
