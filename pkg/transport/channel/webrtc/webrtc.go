// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package webrtc implements channel.Opener over real pion/webrtc peer
// connections: one data channel per channel.Conn, detached to a raw
// io.ReadWriteCloser once it opens, with the DTLS certificate
// fingerprint pion negotiates lifted straight out of the exchanged SDP.
package webrtc

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v4"

	"github.com/snowycoder/wdht-go/pkg/transport/channel"
)

// dataChannelLabel is the single data channel every Opener.CreateOffer
// negotiates; this repo has no use for more than one stream per peer.
const dataChannelLabel = "wdht"

// Opener implements channel.Opener over pion's PeerConnection, with
// data channels detached to raw byte streams so the rest of the
// transport stack never touches pion's message-oriented API.
type Opener struct {
	api *webrtc.API
}

// New constructs an Opener. Every peer connection it creates detaches
// its data channel, which requires disabling pion's own message
// handling for that channel.
func New() *Opener {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	return &Opener{api: webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))}
}

// CreateOffer implements channel.Opener.
func (o *Opener) CreateOffer(ctx context.Context, ice []channel.ICEServer) (channel.Conn, channel.SessionDescription, error) {
	pc, err := o.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, channel.SessionDescription{}, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, fmt.Errorf("webrtc: create data channel: %w", err)
	}
	conn := newDataConn(pc, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, fmt.Errorf("webrtc: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, channel.SessionDescription{}, ctx.Err()
	}

	local := *pc.LocalDescription()
	fp, err := sdpFingerprint(local.SDP)
	if err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, err
	}
	conn.setLocalFingerprint(fp)

	return conn, local, nil
}

// Accept implements channel.Opener.
func (o *Opener) Accept(ctx context.Context, ice []channel.ICEServer, offer channel.SessionDescription) (channel.Conn, channel.SessionDescription, error) {
	pc, err := o.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, channel.SessionDescription{}, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	conn := newDataConn(pc, nil)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn.bind(dc)
	})

	remoteFP, err := sdpFingerprint(offer.SDP)
	if err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, err
	}
	conn.setRemoteFingerprint(remoteFP)

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, fmt.Errorf("webrtc: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, channel.SessionDescription{}, ctx.Err()
	}

	local := *pc.LocalDescription()
	localFP, err := sdpFingerprint(local.SDP)
	if err != nil {
		pc.Close()
		return nil, channel.SessionDescription{}, err
	}
	conn.setLocalFingerprint(localFP)

	return conn, local, nil
}

// CompleteOffer implements channel.Opener.
func (o *Opener) CompleteOffer(ctx context.Context, c channel.Conn, answer channel.SessionDescription) error {
	conn, ok := c.(*dataConn)
	if !ok {
		return fmt.Errorf("webrtc: CompleteOffer called with a foreign Conn")
	}
	remoteFP, err := sdpFingerprint(answer.SDP)
	if err != nil {
		return err
	}
	conn.setRemoteFingerprint(remoteFP)
	return conn.pc.SetRemoteDescription(answer)
}

// fingerprintRE matches the first a=fingerprint line of an SDP body;
// every m-line in a bundled offer/answer carries the same certificate
// fingerprint, so the first match is enough.
var fingerprintRE = regexp.MustCompile(`(?m)^a=fingerprint:\S+\s+([0-9A-Fa-f:]+)\s*$`)

// sdpFingerprint returns the certificate fingerprint exactly as it
// appears after the algorithm prefix on the SDP's a=fingerprint line:
// ASCII hex-with-colons, not decoded into raw digest bytes. That ASCII
// form is what gets signed and verified, so it has to round-trip
// byte-for-byte between the two peers rather than being re-derived
// from a decoded digest.
func sdpFingerprint(sdp string) ([]byte, error) {
	m := fingerprintRE.FindStringSubmatch(sdp)
	if m == nil {
		return nil, fmt.Errorf("webrtc: no a=fingerprint line in SDP")
	}
	return []byte(m[1]), nil
}

// dataConn adapts a pion PeerConnection and its single detached data
// channel to channel.Conn. The detached channel is only known once the
// channel opens (immediately for the offering side's own
// CreateDataChannel, asynchronously for the answering side's
// OnDataChannel callback), so reads and writes block until then.
type dataConn struct {
	pc *webrtc.PeerConnection

	mu                sync.Mutex
	localFP, remoteFP []byte

	ready sync.WaitGroup
	once  sync.Once
	rwc   datachannel.ReadWriteCloser
	bindErr error
}

func newDataConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *dataConn {
	c := &dataConn{pc: pc}
	c.ready.Add(1)
	if dc != nil {
		c.bind(dc)
	}
	return c
}

// bind wires dc's open event to detaching it into c.rwc. Called
// synchronously for an offered channel, asynchronously from
// OnDataChannel for an accepted one.
func (c *dataConn) bind(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		c.once.Do(func() {
			rwc, err := dc.Detach()
			c.rwc, c.bindErr = rwc, err
			c.ready.Done()
		})
	})
}

func (c *dataConn) stream() (datachannel.ReadWriteCloser, error) {
	c.ready.Wait()
	if c.bindErr != nil {
		return nil, c.bindErr
	}
	return c.rwc, nil
}

func (c *dataConn) Read(p []byte) (int, error) {
	rwc, err := c.stream()
	if err != nil {
		return 0, err
	}
	return rwc.Read(p)
}

func (c *dataConn) Write(p []byte) (int, error) {
	rwc, err := c.stream()
	if err != nil {
		return 0, err
	}
	return rwc.Write(p)
}

func (c *dataConn) Close() error {
	return c.pc.Close()
}

func (c *dataConn) setLocalFingerprint(fp []byte) {
	c.mu.Lock()
	c.localFP = fp
	c.mu.Unlock()
}

func (c *dataConn) setRemoteFingerprint(fp []byte) {
	c.mu.Lock()
	c.remoteFP = fp
	c.mu.Unlock()
}

func (c *dataConn) LocalFingerprint() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localFP
}

func (c *dataConn) RemoteFingerprint() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteFP
}
