// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("debug"); got != logrus.DebugLevel {
		t.Errorf("parseLevel(debug) = %v, want DebugLevel", got)
	}
	if got := parseLevel("not-a-level"); got != logrus.InfoLevel {
		t.Errorf("parseLevel(garbage) = %v, want InfoLevel fallback", got)
	}
}

func TestParseBootstrapURLs(t *testing.T) {
	urls, err := parseBootstrapURLs([]string{"https://example.com/bootstrap", "http://127.0.0.1:3141/"})
	if err != nil {
		t.Fatalf("parseBootstrapURLs: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("len(urls) = %d, want 2", len(urls))
	}
	if urls[0].Host != "example.com" {
		t.Errorf("urls[0].Host = %q, want example.com", urls[0].Host)
	}
}

func TestParseStunServersReadsHostAndPort(t *testing.T) {
	servers, err := parseStunServers([]string{"/dns4/stun.l.google.com/udp/19302"})
	if err != nil {
		t.Fatalf("parseStunServers: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("len(servers) = %d, want 1", len(servers))
	}
	want := "stun:stun.l.google.com:19302"
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != want {
		t.Errorf("servers[0].URLs = %v, want [%s]", servers[0].URLs, want)
	}
}

func TestParseStunServersDefaultsPort(t *testing.T) {
	servers, err := parseStunServers([]string{"/ip4/1.2.3.4"})
	if err != nil {
		t.Fatalf("parseStunServers: %v", err)
	}
	want := "stun:1.2.3.4:3478"
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != want {
		t.Errorf("servers[0].URLs = %v, want [%s]", servers[0].URLs, want)
	}
}

func TestParseStunServersRejectsMissingHost(t *testing.T) {
	if _, err := parseStunServers([]string{"/udp/19302"}); err == nil {
		t.Fatal("expected an error for a multiaddr with no host component")
	}
}
