// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package id implements the fixed-width identifier type shared by every
// routing, storage and transport component: a 160-bit value with xor
// distance, bit-level extraction and the leading-zero-count used to
// place a peer in a routing bucket.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Len is the width of an Id in bytes (160 bits).
const Len = 20

// Bits is the width of an Id in bits.
const Bits = Len * 8

// ID is an immutable 160-bit identifier. The zero value is the all-zero
// id; values are small and cheap to copy by value.
type ID [Len]byte

// Zero is the identifier with every bit cleared.
var Zero = ID{}

// Max is the identifier with every bit set.
var Max = func() ID {
	var m ID
	for i := range m {
		m[i] = 0xFF
	}
	return m
}()

// FromBytes copies b into a new ID. It panics if len(b) != Len, since
// every caller in this module constructs ids from a fixed-size hash or
// wire field and a length mismatch is a programmer error, not a runtime
// condition to recover from.
func FromBytes(b []byte) ID {
	if len(b) != Len {
		panic(fmt.Sprintf("id: expected %d bytes, got %d", Len, len(b)))
	}
	var out ID
	copy(out[:], b)
	return out
}

// Random returns a cryptographically random identifier.
func Random() (ID, error) {
	var out ID
	if _, err := rand.Read(out[:]); err != nil {
		return ID{}, fmt.Errorf("id: random: %w", err)
	}
	return out, nil
}

// Bytes returns the identifier's underlying bytes as a new slice.
func (a ID) Bytes() []byte {
	out := make([]byte, Len)
	copy(out, a[:])
	return out
}

func bimapBytes(a, b ID, fn func(x, y byte) byte) ID {
	var res ID
	for i := range a {
		res[i] = fn(a[i], b[i])
	}
	return res
}

func mapBytes(a ID, fn func(x byte) byte) ID {
	var res ID
	for i := range a {
		res[i] = fn(a[i])
	}
	return res
}

// Xor returns a^b.
func (a ID) Xor(b ID) ID { return bimapBytes(a, b, func(x, y byte) byte { return x ^ y }) }

// And returns a&b.
func (a ID) And(b ID) ID { return bimapBytes(a, b, func(x, y byte) byte { return x & y }) }

// Or returns a|b.
func (a ID) Or(b ID) ID { return bimapBytes(a, b, func(x, y byte) byte { return x | y }) }

// Not returns ^a.
func (a ID) Not() ID { return mapBytes(a, func(x byte) byte { return ^x }) }

// Equal reports whether a and b hold the same bits.
func (a ID) Equal(b ID) bool { return a == b }

// Less orders ids lexicographically by byte, matching the derived Ord on
// the Rust side; it gives a total order suitable for use as a sorted-map
// or sorted-slice key but carries no topological meaning on its own.
func (a ID) Less(b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CreateLeftMask returns the identifier whose leftmost len bits are set
// and the rest are clear.
func CreateLeftMask(length uint8) ID {
	var res ID
	for i := 0; length > 0; i++ {
		if length >= 8 {
			res[i] = 0xFF
			length -= 8
		} else {
			res[i] = byte(0xFF << (8 - length))
			length = 0
		}
	}
	return res
}

// SetBit returns a copy of a with the given bit index set, where bit 0 is
// the most significant bit of the first byte.
func (a ID) SetBit(bit uint8) ID {
	res := a
	res[bit/8] |= 1 << (7 - (bit % 8))
	return res
}

// LeadingZeros counts the number of leading zero bits in a.
func (a ID) LeadingZeros() uint8 {
	var res uint8
	for _, x := range a {
		if x == 0 {
			res += 8
			continue
		}
		res += leadingZerosByte(x)
		break
	}
	return res
}

func leadingZerosByte(x byte) uint8 {
	var n uint8
	for mask := byte(0x80); mask != 0 && x&mask == 0; mask >>= 1 {
		n++
	}
	return n
}

// Bitslice extracts up to 8 contiguous bits starting at the given bit
// index (0 being the most significant bit of byte 0) and returns them
// right-aligned in the low bits of the result.
func (a ID) Bitslice(index uint32, length uint8) uint8 {
	entryi := index / 8
	bytei := uint8(index & 7)
	b := a[entryi]

	firstlen := length + bytei
	if firstlen > 8 {
		firstlen = 8
	}
	firstlen -= bytei
	secondlen := length - firstlen

	res := (b >> (8 - bytei - firstlen)) & ^(byte(0xFF) << firstlen)
	if secondlen == 0 {
		return res
	}

	byte2l := (bytei + length) - 8
	byte2 := a[entryi+1]
	return (res << secondlen) | ((byte2 & ^(byte(0xFF) >> byte2l)) >> (8 - secondlen))
}

// ShortHex renders the id as hex with leading zero nibbles trimmed, the
// way log lines identify peers without the visual noise of a full id.
func (a ID) ShortHex() string {
	full := hex.EncodeToString(a[:])
	trimmed := strings.TrimLeft(full, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// String implements fmt.Stringer using the full hex encoding.
func (a ID) String() string {
	return hex.EncodeToString(a[:])
}

// GoString implements fmt.GoStringer so %#v and debug dumps show the
// short form instead of a raw byte array.
func (a ID) GoString() string {
	return fmt.Sprintf("id.ID(%s)", a.ShortHex())
}
