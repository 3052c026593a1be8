// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/snowycoder/wdht-go/pkg/bootstrap"
	"github.com/snowycoder/wdht-go/pkg/dhtstats"
	"github.com/snowycoder/wdht-go/pkg/identity"
	"github.com/snowycoder/wdht-go/pkg/kademlia/dht"
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/kademlia/ktree"
	"github.com/snowycoder/wdht-go/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
	wrtcchannel "github.com/snowycoder/wdht-go/pkg/transport/channel/webrtc"
	"github.com/snowycoder/wdht-go/pkg/transport/events"
	"github.com/snowycoder/wdht-go/pkg/transport/registry"
	"github.com/snowycoder/wdht-go/pkg/transport/rendezvous"
	"github.com/snowycoder/wdht-go/pkg/transport/sender"
	"github.com/snowycoder/wdht-go/pkg/transport/wire"
)

const (
	cleanerInterval = 10 * time.Second
	bootstrapWait   = 30 * time.Second
)

func (c *command) initStartCmd() (err error) {
	var (
		optionBind           string
		optionBootstrap      []string
		optionStunServers    []string
		optionMaxConnections uint64
		optionMaxRoutingSize uint64
		optionVerbosity      string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a wdht node",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			return runStart(cmd, startOptions{
				bind:           optionBind,
				bootstrap:      optionBootstrap,
				stunServers:    optionStunServers,
				maxConnections: optionMaxConnections,
				maxRoutingSize: optionMaxRoutingSize,
				verbosity:      optionVerbosity,
			})
		},
	}

	cmd.Flags().StringVar(&optionBind, "bind", "127.0.0.1:3141", "HTTP address serving the bootstrap and status endpoints")
	cmd.Flags().StringSliceVar(&optionBootstrap, "bootstrap", nil, "bootstrap node HTTP URL (repeatable)")
	cmd.Flags().StringSliceVar(&optionStunServers, "stun-server", nil, "STUN server as a multiaddr, e.g. /dns4/stun.l.google.com/udp/19302 (repeatable)")
	cmd.Flags().Uint64Var(&optionMaxConnections, "max-connections", 0, "maximum simultaneous transport connections (0 = unbounded)")
	cmd.Flags().Uint64Var(&optionMaxRoutingSize, "max-routing-count", 0, "maximum number of contacts kept in the routing table (0 = unbounded)")
	cmd.Flags().StringVar(&optionVerbosity, "verbosity", "info", "log verbosity: trace, debug, info, warning, error")

	c.root.AddCommand(cmd)
	return nil
}

type startOptions struct {
	bind           string
	bootstrap      []string
	stunServers    []string
	maxConnections uint64
	maxRoutingSize uint64
	verbosity      string
}

func runStart(cmd *cobra.Command, opts startOptions) error {
	logger := logging.New(os.Stderr, parseLevel(opts.verbosity))

	bootstrapURLs, err := parseBootstrapURLs(opts.bootstrap)
	if err != nil {
		return err
	}
	iceServers, err := parseStunServers(opts.stunServers)
	if err != nil {
		return err
	}

	ident, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("wdht: generate identity: %w", err)
	}
	logger.Infof("node id: %s", ident.ID())

	ktreeConfig := ktree.DefaultConfig()
	if opts.maxRoutingSize > 0 {
		max := opts.maxRoutingSize
		ktreeConfig.MaxRoutingCount = &max
	}
	dhtConfig := dht.DefaultConfig()
	dhtConfig.Routing = ktreeConfig

	bus := events.New()
	regConfig := registry.Config{MaxConnections: opts.maxConnections}

	// The DHT needs a Sender before it exists, and the production Sender
	// needs the registry and connector the DHT is itself a dependency
	// of; break the cycle the same way dht.New always has, by handing
	// the DHT a thin forwarding Sender and filling in the real one once
	// every piece is constructed.
	fwd := &forwardingSender{}
	d := dht.New(ident.ID(), fwd, logger.WithField("component", "dht"), dhtConfig)
	reg := registry.New(d, logger.WithField("component", "registry"), regConfig, bus)
	opener := wrtcchannel.New()
	connector := rendezvous.New(ident, opener, iceServers, reg, logger.WithField("component", "rendezvous"))
	fwd.set(sender.New(reg, connector, logger.WithField("component", "sender")))

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(reg.Metrics()...)

	bootstrapSrv := bootstrap.New(connector, logger.WithField("component", "bootstrap"), []string{"*"})
	statsSrv := dhtstats.New(d, reg)

	// POST / joins the mesh (pkg/bootstrap); GET / and GET /status.json
	// report this node's own state (pkg/dhtstats). Both are rooted at
	// the same path, so the root route dispatches by method instead of
	// giving either package its own sub-path.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodOptions {
			bootstrapSrv.ServeHTTP(w, r)
			return
		}
		statsSrv.ServeHTTP(w, r)
	})
	mux.Handle("/status.json", statsSrv)
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: opts.bind, Handler: mux}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go func() {
		logger.Infof("listening on %s", opts.bind)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
		}
	}()

	_, initial := events.NewReconnector(ctx, bootstrapURLs, connector, bus, logger.WithField("component", "reconnector"))

	if len(bootstrapURLs) > 0 {
		select {
		case <-initial:
			logger.Info("finished connecting to bootstrap nodes")
		case <-time.After(bootstrapWait):
			logger.Warning("timed out waiting for initial bootstrap connections, continuing anyway")
		}
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, bootstrapWait)
	d.Bootstrap(bootstrapCtx)
	bootstrapCancel()

	cleanerTicker := time.NewTicker(cleanerInterval)
	defer cleanerTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanerTicker.C:
				d.PeriodicRun()
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("received signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	reg.Shutdown()

	return nil
}

// forwardingSender breaks the construction cycle between dht.New
// (which needs a Sender) and the production sender.Sender (which needs
// the registry and rendezvous connector the DHT itself backs): dht.New
// gets a forwardingSender up front, and set installs the real one once
// every other piece exists, synchronously during startup and well
// before any search could reach the DHT.
type forwardingSender struct {
	inner dht.Sender
}

func (f *forwardingSender) set(s dht.Sender) {
	f.inner = s
}

func (f *forwardingSender) Send(ctx context.Context, c dht.Contact, req wire.Request) (wire.Response, error) {
	return f.inner.Send(ctx, c, req)
}

func (f *forwardingSender) WrapContact(nid id.ID) dht.Contact {
	return f.inner.WrapContact(nid)
}

func parseLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func parseBootstrapURLs(raw []string) ([]*url.URL, error) {
	urls := make([]*url.URL, 0, len(raw))
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("wdht: invalid bootstrap url %q: %w", s, err)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// parseStunServers turns each STUN multiaddr into a pion ICEServer,
// reading the host from whichever of /dns4, /dns6, /ip4, /ip6 it
// carries and the port from /udp or /tcp, defaulting to STUN's IANA
// port 3478 when no transport component is present.
func parseStunServers(raw []string) ([]channel.ICEServer, error) {
	servers := make([]channel.ICEServer, 0, len(raw))
	for _, s := range raw {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("wdht: invalid stun multiaddr %q: %w", s, err)
		}

		var host string
		for _, proto := range []int{ma.P_DNS4, ma.P_DNS6, ma.P_IP4, ma.P_IP6} {
			if v, err := addr.ValueForProtocol(proto); err == nil {
				host = v
				break
			}
		}
		if host == "" {
			return nil, fmt.Errorf("wdht: stun multiaddr %q has no dns4/dns6/ip4/ip6 component", s)
		}

		port := "3478"
		if v, err := addr.ValueForProtocol(ma.P_UDP); err == nil {
			port = v
		} else if v, err := addr.ValueForProtocol(ma.P_TCP); err == nil {
			port = v
		}

		servers = append(servers, channel.ICEServer{URLs: []string{fmt.Sprintf("stun:%s:%s", host, port)}})
	}
	return servers, nil
}
