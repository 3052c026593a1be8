// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dhtstats serves the node's one public status page: routing
// table size and connection counts, as JSON for tooling and as a small
// HTML page for a human pointing a browser at the node directly.
package dhtstats

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
)

// Snapshot is the current state of one node, as reported to both the
// JSON and HTML views.
type Snapshot struct {
	ID                string `json:"id"`
	RoutingTableSize  uint64 `json:"routingTableSize"`
	Connections       int    `json:"connections"`
	ConnectionsLimit  *int   `json:"connectionsLimit,omitempty"`
	Connected         int    `json:"connected"`
	HalfClosed        int    `json:"halfClosed"`
}

// Server serves Snapshot over HTTP, mirroring the same CORS policy
// (allow any origin, GET only) a debugging dashboard run from any
// origin needs.
type Server struct {
	dht      *dht.DHT
	registry *registry.Registry
	router   *mux.Router
}

// New constructs a Server reporting on d and r.
func New(d *dht.DHT, r *registry.Registry) *Server {
	s := &Server{dht: d, registry: r}
	router := mux.NewRouter()
	router.HandleFunc("/", s.handleHTML).Methods(http.MethodGet)
	router.HandleFunc("/status.json", s.handleJSON).Methods(http.MethodGet)
	s.router = router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", http.MethodGet)
	s.router.ServeHTTP(w, r)
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{
		ID:               s.dht.ID().ShortHex(),
		RoutingTableSize: s.dht.RoutingSize(),
		Connections:      s.registry.ConnectionCount(),
		Connected:        s.registry.ConnectedCount(),
		HalfClosed:       s.registry.HalfClosedCount(),
	}
	if max := s.registry.Config().MaxConnections; max != 0 {
		limit := int(max)
		snap.ConnectionsLimit = &limit
	}
	return snap
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}

const htmlTemplate = `<html>
<head>
  <title>WebDHT</title>
</head>
<body>
  <h1>Welcome to WebDHT!</h1>
  <h4>
    Id: %s<br>
    Routing table size: %d<br>
    Connections: %d/%s<br>
    Connected: %d<br>
    Half closed: %d
  </h4>
</body>
</html>
`

func (s *Server) handleHTML(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	limit := "inf"
	if snap.ConnectionsLimit != nil {
		limit = fmt.Sprintf("%d", *snap.ConnectionsLimit)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, htmlTemplate, snap.ID, snap.RoutingTableSize, snap.Connections, limit, snap.Connected, snap.HalfClosed)
}
