// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cpuidutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractBits(t *testing.T) {
	cases := []struct {
		name     string
		v        uint64
		lo, hi   uint
		expected uint64
	}{
		{"low byte", 0xABCD, 0, 7, 0xCD},
		{"high byte", 0xABCD, 8, 15, 0xAB},
		{"single bit set", 0b100, 2, 2, 1},
		{"single bit clear", 0b100, 1, 1, 0},
		{"full word", 0xFFFFFFFF, 0, 31, 0xFFFFFFFF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ExtractBits(tc.v, tc.lo, tc.hi))
		})
	}
}

func TestSetBits(t *testing.T) {
	v := SetBits(0, 4, 7, 0xF)
	assert.Equal(t, uint64(0xF0), v)

	v = SetBits(0xFF, 4, 7, 0x0)
	assert.Equal(t, uint64(0x0F), v)
}

func TestBitSet(t *testing.T) {
	assert.True(t, BitSet(0b1000, 3))
	assert.False(t, BitSet(0b1000, 2))
}

type fakeSource map[[2]uint32]Regs

func (f fakeSource) CPUID(leaf, subleaf uint32) Regs {
	if r, ok := f[[2]uint32{leaf, subleaf}]; ok {
		return r
	}
	return Regs{}
}

func TestVendorString(t *testing.T) {
	// "GenuineIntel" split EBX:EDX:ECX per the SDM's CPUID leaf 0 layout.
	src := fakeSource{
		{0, 0}: {EAX: 0x16, EBX: 0x756e6547, EDX: 0x49656e69, ECX: 0x6c65746e},
	}
	assert.Equal(t, "GenuineIntel", VendorString(src))
	assert.True(t, IsGenuineIntel(src))
}

func TestFamilyModelStepping(t *testing.T) {
	// EAX = stepping=5, model=0xA, family=0x6 (no extended bits)
	eax := uint32(0)
	eax = uint32(SetBits(uint64(eax), 0, 3, 5))
	eax = uint32(SetBits(uint64(eax), 4, 7, 0xA))
	eax = uint32(SetBits(uint64(eax), 8, 11, 0x6))
	src := fakeSource{{1, 0}: {EAX: eax}}

	family, model, stepping := FamilyModelStepping(src)
	assert.Equal(t, uint32(0x6), family)
	assert.Equal(t, uint32(0xA), model)
	assert.Equal(t, uint32(5), stepping)
}

func TestHypervisorPresent(t *testing.T) {
	src := fakeSource{{1, 0}: {ECX: 1 << 31}}
	assert.True(t, HypervisorPresent(src))

	src2 := fakeSource{{1, 0}: {ECX: 0}}
	assert.False(t, HypervisorPresent(src2))
}
