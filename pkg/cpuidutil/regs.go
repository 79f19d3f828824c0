// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cpuidutil

import "strings"

// Regs holds the four output registers of one CPUID invocation.
type Regs struct {
	EAX, EBX, ECX, EDX uint32
}

// Source issues a CPUID leaf/subleaf and returns the raw registers. The
// native implementation (CPUID) satisfies it; tests inject a synthetic
// table so topology decode can be exercised without real hardware.
type Source interface {
	CPUID(leaf, subleaf uint32) Regs
}

// NativeSource issues real CPUID instructions.
type NativeSource struct{}

func (NativeSource) CPUID(leaf, subleaf uint32) Regs { return CPUID(leaf, subleaf) }

// VendorString decodes the 12-character vendor string from leaf 0, the
// classic EBX:EDX:ECX ordering.
func VendorString(src Source) string {
	r := src.CPUID(0, 0)
	var b [12]byte
	put := func(off int, v uint32) {
		b[off+0] = byte(v)
		b[off+1] = byte(v >> 8)
		b[off+2] = byte(v >> 16)
		b[off+3] = byte(v >> 24)
	}
	put(0, r.EBX)
	put(4, r.EDX)
	put(8, r.ECX)
	return strings.TrimRight(string(b[:]), "\x00")
}

// IsGenuineIntel reports whether src identifies as a GenuineIntel part,
// the topology discovery fast-fail check.
func IsGenuineIntel(src Source) bool {
	return VendorString(src) == "GenuineIntel"
}

// FamilyModelStepping decodes CPUID leaf 1 EAX into (family, model, stepping),
// applying the extended-family/extended-model adjustment from the SDM.
func FamilyModelStepping(src Source) (family, model, stepping uint32) {
	r := src.CPUID(1, 0)
	baseFamily := ExtractBits32(r.EAX, 8, 11)
	baseModel := ExtractBits32(r.EAX, 4, 7)
	extFamily := ExtractBits32(r.EAX, 20, 27)
	extModel := ExtractBits32(r.EAX, 16, 19)
	stepping = ExtractBits32(r.EAX, 0, 3)

	family = baseFamily
	if baseFamily == 0xF {
		family = baseFamily + extFamily
	}
	model = baseModel
	if baseFamily == 0x6 || baseFamily == 0xF {
		model = (extModel << 4) | baseModel
	}
	return
}

// HypervisorPresent reports CPUID leaf 1 ECX bit 31, the hypervisor-present
// bit used by the virtualization adjustments to the GP counter count.
func HypervisorPresent(src Source) bool {
	r := src.CPUID(1, 0)
	return BitSet(uint64(r.ECX), 31)
}
