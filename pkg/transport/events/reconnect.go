// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/snowycoder/wdht-go/pkg/bootstrap"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
	"github.com/snowycoder/wdht-go/pkg/transport/rendezvous"
)

// initialBackoff and maxBackoff bound a bootstrap url's retry delay: it
// doubles after every failed attempt, capped at five minutes, the same
// schedule the reference reconnector uses.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 5 * time.Minute
)

// Reconnector keeps a node connected to a fixed list of bootstrap urls:
// it dials each once at startup and again, with exponential backoff,
// whenever the connection it produced is later reported lost.
type Reconnector struct {
	urls      []*url.URL
	connector *rendezvous.Connector
	client    *http.Client
	logger    logging.Logger

	mu        sync.Mutex
	idToIndex map[id.ID]int
}

// NewReconnector constructs a Reconnector and starts it: it immediately
// dials every url in urls and subscribes to bus for later Disconnect
// events, until ctx is cancelled or bus reports Shutdown. Initial is
// closed once the startup dial attempt against every url has finished
// (successfully or not); the caller can wait on it to know bootstrapping
// has settled, without blocking forever on a url that never answers.
func NewReconnector(ctx context.Context, urls []*url.URL, connector *rendezvous.Connector, bus *Bus, logger logging.Logger) (*Reconnector, <-chan struct{}) {
	r := &Reconnector{
		urls:      urls,
		connector: connector,
		client:    &http.Client{},
		logger:    logger,
		idToIndex: make(map[id.ID]int),
	}

	events, unsubscribe := bus.Subscribe()
	go r.run(ctx, events, unsubscribe)

	initial := make(chan struct{})
	var wg sync.WaitGroup
	for index, u := range urls {
		wg.Add(1)
		go func(index int, u *url.URL) {
			defer wg.Done()
			r.spawnConnector(ctx, u, index)
		}(index, u)
	}
	go func() {
		wg.Wait()
		close(initial)
	}()

	return r, initial
}

func (r *Reconnector) run(ctx context.Context, events <-chan Event, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case Shutdown:
				return
			case Disconnect:
				r.onDisconnect(ctx, ev)
			}
		}
	}
}

func (r *Reconnector) onDisconnect(ctx context.Context, ev Event) {
	switch ev.Reason {
	case registry.DisconnectConnectionLost, registry.DisconnectSendFail, registry.DisconnectTimeoutExpired:
	default:
		return
	}

	r.mu.Lock()
	index, tracked := r.idToIndex[ev.Peer]
	if tracked {
		delete(r.idToIndex, ev.Peer)
	}
	r.mu.Unlock()
	if !tracked {
		return
	}

	u := r.urls[index]
	r.logger.WithField("url", u.String()).Debugf("bootstrap connection lost, retrying")
	go r.spawnConnector(ctx, u, index)
}

// spawnConnector retries connecting to one bootstrap url until it
// succeeds or ctx is cancelled, doubling its wait after each failure.
func (r *Reconnector) spawnConnector(ctx context.Context, u *url.URL, index int) {
	wait := initialBackoff
	for {
		peerID, err := r.dialOnce(ctx, u)
		if err == nil {
			r.mu.Lock()
			r.idToIndex[peerID] = index
			r.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.WithField("url", u.String()).Debugf("bootstrap connect failed: %v; retrying in %s", err, wait)

		jitter := time.Duration(rand.Int63n(int64(time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait + jitter):
		}
		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

func (r *Reconnector) dialOnce(ctx context.Context, u *url.URL) (id.ID, error) {
	contact, err := r.connector.Dial(ctx, r.exchange(ctx, u))
	if err != nil {
		return id.ID{}, err
	}
	return contact.ID(), nil
}

// exchange POSTs a connect request to a bootstrap node's HTTP endpoint
// and decodes its answer, the same wire shape pkg/bootstrap serves.
func (r *Reconnector) exchange(ctx context.Context, u *url.URL) func(channel.SessionDescription) (channel.SessionDescription, error) {
	return func(offer channel.SessionDescription) (channel.SessionDescription, error) {
		body, err := json.Marshal(bootstrap.ConnectRequest{ID: r.connector.SelfID(), Offer: offer})
		if err != nil {
			return channel.SessionDescription{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return channel.SessionDescription{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return channel.SessionDescription{}, err
		}
		defer resp.Body.Close()

		var cr bootstrap.ConnectResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return channel.SessionDescription{}, err
		}
		if cr.Error != "" {
			return channel.SessionDescription{}, fmt.Errorf("bootstrap %s: %s", u, cr.Error)
		}
		if cr.Answer == nil {
			return channel.SessionDescription{}, fmt.Errorf("bootstrap %s: empty answer", u)
		}
		return *cr.Answer, nil
	}
}
