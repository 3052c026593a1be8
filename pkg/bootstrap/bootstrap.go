// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bootstrap exposes the one HTTP endpoint a node with no
// existing mesh connection uses to join: POST an offer, get an answer
// back. Every connection made this way is handed straight to the same
// rendezvous.Connector/registry.Registry pipeline a forwarded offer
// would use; the only thing special about this endpoint is that it has
// no referrer connection to relay through.
package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	"github.com/snowycoder/wdht-go/pkg/transport/rendezvous"
)

// maxBodyBytes caps a connect request body; a larger body is rejected
// as a malformed request.
const maxBodyBytes = 4 * 1024

// acceptTimeout bounds how long accepting a bootstrap offer may take,
// matching rendezvous's own passive-offer timeout.
const acceptTimeout = 30 * time.Second

// ConnectRequest is the body a joining node posts: its own id (which
// the identity handshake that follows must confirm) and its offer.
type ConnectRequest struct {
	ID    id.ID                      `json:"id"`
	Offer channel.SessionDescription `json:"offer"`
}

// ConnectResponse is either a successful answer or a human-readable
// failure description, never both.
type ConnectResponse struct {
	Answer *channel.SessionDescription `json:"answer,omitempty"`
	Error  string                      `json:"error,omitempty"`
}

// Server is the bootstrap HTTP endpoint. The zero value is not usable;
// construct with New.
type Server struct {
	connector          *rendezvous.Connector
	logger             logging.Logger
	corsAllowedOrigins []string
	router             *mux.Router
}

// New constructs a Server accepting offers through connector. origins
// lists the exact Origin header values (or "*") allowed to read the
// response across a CORS boundary, matching how a browser node reaches
// this endpoint to bootstrap into the mesh.
func New(connector *rendezvous.Connector, logger logging.Logger, corsAllowedOrigins []string) *Server {
	s := &Server{
		connector:          connector,
		logger:             logger,
		corsAllowedOrigins: corsAllowedOrigins,
	}
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleConnect).Methods(http.MethodPost)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.router.ServeHTTP(w, r)
}

// setCORSHeaders allows the exact request Origin through when it (or a
// wildcard entry) appears in corsAllowedOrigins, or when the origin
// matches this server's own host.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	hosts := append(append([]string{}, s.corsAllowedOrigins...), scheme+"://"+r.Host)
	for _, host := range hosts {
		if host == "*" || equalASCIIFold(origin, host) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", http.MethodPost)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			return
		}
	}
}

// equalASCIIFold reports whether s equals t under ASCII case folding,
// as RFC 4790 defines it for origin comparison.
func equalASCIIFold(s, t string) bool {
	for s != "" && t != "" {
		sr, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		tr, size := utf8.DecodeRuneInString(t)
		t = t[size:]
		if sr == tr {
			continue
		}
		if 'A' <= sr && sr <= 'Z' {
			sr += 'a' - 'A'
		}
		if 'A' <= tr && tr <= 'Z' {
			tr += 'a' - 'A'
		}
		if sr != tr {
			return false
		}
	}
	return s == t
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, http.StatusBadRequest, ConnectResponse{Error: "malformed connect request"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), acceptTimeout)
	defer cancel()

	answer, err := s.connector.AcceptOffer(ctx, req.ID, req.Offer)
	if err != nil {
		s.logger.Debugf("bootstrap: rejecting offer from %s: %v", req.ID.ShortHex(), err)
		s.writeResponse(w, http.StatusConflict, ConnectResponse{Error: err.Error()})
		return
	}

	s.writeResponse(w, http.StatusOK, ConnectResponse{Answer: &answer})
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, resp ConnectResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warningf("bootstrap: encode response: %v", err)
	}
}
