// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package identity_test

import (
	"testing"

	"github.com/snowycoder/wdht-go/pkg/identity"
)

func TestCreateAndCheckProof(t *testing.T) {
	local, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	fingerprint := []byte("fake certificate fingerprint")
	proof, err := local.CreateProof(fingerprint)
	if err != nil {
		t.Fatalf("CreateProof: %v", err)
	}

	gotID, err := identity.CheckProof(local.ExportKey(), fingerprint, proof)
	if err != nil {
		t.Fatalf("CheckProof: %v", err)
	}
	if gotID != local.ID() {
		t.Errorf("CheckProof id = %v, want %v", gotID, local.ID())
	}
}

func TestCheckProofRejectsWrongFingerprint(t *testing.T) {
	local, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	proof, err := local.CreateProof([]byte("fingerprint a"))
	if err != nil {
		t.Fatalf("CreateProof: %v", err)
	}

	_, err = identity.CheckProof(local.ExportKey(), []byte("fingerprint b"), proof)
	if err != identity.ErrInvalidSignature {
		t.Fatalf("CheckProof: got %v, want ErrInvalidSignature", err)
	}
}

func TestCheckProofRejectsWrongKey(t *testing.T) {
	local, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	fingerprint := []byte("fingerprint")
	proof, err := local.CreateProof(fingerprint)
	if err != nil {
		t.Fatalf("CreateProof: %v", err)
	}

	_, err = identity.CheckProof(other.ExportKey(), fingerprint, proof)
	if err != identity.ErrInvalidSignature {
		t.Fatalf("CheckProof: got %v, want ErrInvalidSignature", err)
	}
}

func TestIDDeterministicFromKey(t *testing.T) {
	local, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if local.ID() != local.ID() {
		t.Errorf("ID() is not stable across calls")
	}
}
