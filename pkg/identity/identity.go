// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package identity implements a peer's cryptographic identity: a P-256
// ECDSA keypair, signing of a channel's certificate fingerprint to prove
// control of it, and derivation of a routing Id from the public key.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
)

// keyHashContext domain-separates the id-derivation hash from any other
// use of sha256 on the same public key bytes.
var keyHashContext = []byte("wdht.transport.identity")

// ErrInvalidSignature is returned by CheckProof when the presented
// signature does not verify against the claimed public key and
// fingerprint.
var ErrInvalidSignature = errors.New("identity: invalid signature")

// Identity is a node's long-lived keypair. The zero value is not usable;
// construct with Generate.
type Identity struct {
	key *ecdsa.PrivateKey
}

// Generate creates a fresh P-256 keypair.
func Generate() (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Identity{key: key}, nil
}

// ExportKey returns this identity's public key in SEC1 uncompressed
// point encoding, the form exchanged on the wire and hashed into an Id.
func (i *Identity) ExportKey() []byte {
	return elliptic.Marshal(elliptic.P256(), i.key.PublicKey.X, i.key.PublicKey.Y)
}

// ID derives this identity's routing Id from its own public key.
func (i *Identity) ID() id.ID {
	return computeID(i.ExportKey())
}

func computeID(pubKey []byte) id.ID {
	h := sha256.New()
	h.Write(keyHashContext)
	h.Write(pubKey)
	sum := h.Sum(nil)
	return id.FromBytes(sum[:id.Len])
}

// CreateProof signs fingerprint (this side's own certificate
// fingerprint, which the peer observes as its remote fingerprint during
// channel negotiation) proving this identity controls the local end of
// the handshake.
func (i *Identity) CreateProof(fingerprint []byte) ([]byte, error) {
	digest := sha256.Sum256(fingerprint)
	r, s, err := ecdsa.Sign(rand.Reader, i.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return encodeSignature(r, s), nil
}

// sigLen is the fixed-width encoding of one P-256 ECDSA signature: two
// 32-byte big-endian coordinates, matching the p256 crate's
// Signature::as_bytes used by the original project.
const sigLen = 64

func encodeSignature(r, s *big.Int) []byte {
	out := make([]byte, sigLen)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}

func decodeSignature(sig []byte) (r, s *big.Int, err error) {
	if len(sig) != sigLen {
		return nil, nil, fmt.Errorf("identity: signature must be %d bytes, got %d", sigLen, len(sig))
	}
	r = new(big.Int).SetBytes(sig[:32])
	s = new(big.Int).SetBytes(sig[32:])
	return r, s, nil
}

// CheckProof verifies that signature is a valid proof, by the holder of
// pubKey, over fingerprint, and derives that peer's Id from pubKey on
// success. pubKey is in the same SEC1 uncompressed encoding ExportKey
// produces.
func CheckProof(pubKey, fingerprint, signature []byte) (id.ID, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), pubKey)
	if x == nil {
		return id.ID{}, fmt.Errorf("identity: invalid public key encoding")
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	r, s, err := decodeSignature(signature)
	if err != nil {
		return id.ID{}, err
	}

	digest := sha256.Sum256(fingerprint)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return id.ID{}, ErrInvalidSignature
	}

	return computeID(pubKey), nil
}
