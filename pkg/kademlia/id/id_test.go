// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package id

import "testing"

func TestOperations(t *testing.T) {
	var a, b ID
	for i := range a {
		a[i] = 1
	}

	if got := a.Xor(a); got != b {
		t.Errorf("a^a = %v, want zero", got)
	}
	if got := a.Xor(b); got != a {
		t.Errorf("a^b = %v, want a", got)
	}
	if got := b.Xor(a); got != a {
		t.Errorf("b^a = %v, want a", got)
	}

	if got := a.And(a); got != a {
		t.Errorf("a&a = %v, want a", got)
	}
	if got := a.And(b); got != b {
		t.Errorf("a&b = %v, want zero", got)
	}
	if got := b.And(a); got != b {
		t.Errorf("b&a = %v, want zero", got)
	}

	if got := a.Or(a); got != a {
		t.Errorf("a|a = %v, want a", got)
	}
	if got := a.Or(b); got != a {
		t.Errorf("a|b = %v, want a", got)
	}
	if got := b.Or(a); got != a {
		t.Errorf("b|a = %v, want a", got)
	}

	na := a.Not()
	if na[0] != ^a[0] {
		t.Errorf("(!a)[0] = %x, want %x", na[0], ^a[0])
	}
	if na[1] != ^a[1] {
		t.Errorf("(!a)[1] = %x, want %x", na[1], ^a[1])
	}

	nb := b.Not()
	if nb[0] != ^b[1] {
		// mirrors the (perhaps accidental) Rust assertion comparing
		// byte 0 of !b against byte 1 of b, which holds since b is
		// uniformly zero.
		t.Errorf("(!b)[0] = %x, want %x", nb[0], ^b[1])
	}
}

func TestCreateLeftMask(t *testing.T) {
	a := CreateLeftMask(8)
	if a[0] != 0xFF {
		t.Errorf("a[0] = %x, want 0xff", a[0])
	}
	if a[1] != 0x00 {
		t.Errorf("a[1] = %x, want 0x00", a[1])
	}

	a = CreateLeftMask(11)
	if a[0] != 0xFF {
		t.Errorf("a[0] = %x, want 0xff", a[0])
	}
	if a[1] != 0xE0 {
		t.Errorf("a[1] = %x, want 0xe0", a[1])
	}
}

func TestSetBit(t *testing.T) {
	a := Zero.SetBit(0)
	if a[0] != 0x80 || a[1] != 0 {
		t.Errorf("SetBit(0) = %x %x, want 0x80 0x00", a[0], a[1])
	}

	a = Zero.SetBit(1)
	if a[0] != 0x40 || a[1] != 0 {
		t.Errorf("SetBit(1) = %x %x, want 0x40 0x00", a[0], a[1])
	}

	a = Zero.SetBit(9)
	if a[0] != 0 || a[1] != 0x40 {
		t.Errorf("SetBit(9) = %x %x, want 0x00 0x40", a[0], a[1])
	}
}

func TestLeadingZeros(t *testing.T) {
	var a ID
	a[9] = 2
	if got, want := a.LeadingZeros(), uint8(9*8+6); got != want {
		t.Errorf("LeadingZeros() = %d, want %d", got, want)
	}

	a[0] = 1
	if got, want := a.LeadingZeros(), uint8(7); got != want {
		t.Errorf("LeadingZeros() = %d, want %d", got, want)
	}
}

func TestBitslice(t *testing.T) {
	var a ID
	a[3] = 0b11111111
	a[4] = 0b10101010
	a[5] = 0b01010101

	cases := []struct {
		index uint32
		len   uint8
		want  uint8
	}{
		{0, 4, 0},
		{24, 4, 0b1111},
		{23, 4, 0b0111},
		{4*8 + 1, 7, 0b0101010},
		{4*8 + 1, 8, 0b01010100},
		{4*8 + 2, 8, 0b10101001},
		{4*8 + 3, 8, 0b01010010},
		{4*8 + 3, 1, 0b0},
		{4*8 + 4, 1, 0b1},
		{3*8 + 4, 8, 0b11111010},
	}

	for _, c := range cases {
		if got := a.Bitslice(c.index, c.len); got != c.want {
			t.Errorf("Bitslice(%d, %d) = %#b, want %#b", c.index, c.len, got, c.want)
		}
	}
}

func TestShortHex(t *testing.T) {
	if got, want := Zero.ShortHex(), "0"; got != want {
		t.Errorf("ShortHex() = %q, want %q", got, want)
	}

	var a ID
	a[Len-1] = 0xAB
	if got, want := a.ShortHex(), "ab"; got != want {
		t.Errorf("ShortHex() = %q, want %q", got, want)
	}
}

func TestLess(t *testing.T) {
	a := Zero
	b := Zero.SetBit(0)
	if !a.Less(b) {
		t.Errorf("expected zero < b")
	}
	if b.Less(a) {
		t.Errorf("expected !(b < zero)")
	}
	if a.Less(a) {
		t.Errorf("expected !(a < a)")
	}
}

func TestRandomDistinct(t *testing.T) {
	a, err := Random()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Random()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("two random ids collided, vanishingly unlikely: %v == %v", a, b)
	}
}
