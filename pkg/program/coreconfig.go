// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package program

// CoreEventConfig is one IA32_PERFEVTSELx configuration: event select, unit mask, and the usual control bits.
type CoreEventConfig struct {
	Slot      int
	Event     uint8
	Umask     uint8
	USR       bool
	OS        bool
	Edge      bool
	Pin       bool
	APICInt   bool
	AnyThread bool
	Enable    bool
	Invert    bool
	CMask     uint8
	InTx      bool
	InTxCp    bool
}

// Encode packs the fields into the IA32_PERFEVTSELx bit layout.
func (c CoreEventConfig) Encode() uint64 {
	var v uint64
	v |= uint64(c.Event)
	v |= uint64(c.Umask) << 8
	v |= boolBit(c.USR) << 16
	v |= boolBit(c.OS) << 17
	v |= boolBit(c.Edge) << 18
	v |= boolBit(c.Pin) << 19
	v |= boolBit(c.APICInt) << 20
	v |= boolBit(c.AnyThread) << 21
	v |= boolBit(c.Enable) << 22
	v |= boolBit(c.Invert) << 23
	v |= uint64(c.CMask) << 24
	v |= boolBit(c.InTx) << 32
	v |= boolBit(c.InTxCp) << 33
	return v
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// FixedCounterConfig configures the fixed-function counters' shared
// control register.
type FixedCounterConfig struct {
	OS        [3]bool
	USR       [3]bool
	AnyThread [3]bool
	Enable    [3]bool
}

// Encode packs the three 4-bit fixed-counter control fields.
func (f FixedCounterConfig) Encode() uint64 {
	var v uint64
	for i := 0; i < 3; i++ {
		var field uint64
		if f.OS[i] {
			field |= 0x1
		}
		if f.USR[i] {
			field |= 0x2
		}
		if f.AnyThread[i] {
			field |= 0x4
		}
		if f.Enable[i] {
			field |= 0x8 // PMI bit folded into "enable" for this model
		}
		v |= field << (uint(i) * 4)
	}
	return v
}

// SidebandMSRs carries the optional side-band MSRs a core program may need.
type SidebandMSRs struct {
	OffcoreRsp0   *uint64
	OffcoreRsp1   *uint64
	LoadLatency   *uint64
	Frontend      *uint64
	PEBSEnableBit *uint8 // bit index into IA32_PEBS_ENABLE to set, if load-latency was programmed
}

// CoreProgram is everything one core's worker task needs to program:
// fixed counters, GP events, and the sideband MSRs some events require.
type CoreProgram struct {
	Fixed       FixedCounterConfig
	GP          []CoreEventConfig
	Sideband    SidebandMSRs
	TopDownSlot bool
	PerfMetrics bool
}

// globalEnableMask computes the atomic IA32_PERF_GLOBAL_CTRL value for a
// CoreProgram: every enabled fixed counter, every enabled GP counter, plus
// the optional topdown-slots/perf-metrics bits.
func (cp CoreProgram) globalEnableMask() uint64 {
	var mask uint64
	for i := 0; i < 3; i++ {
		if cp.Fixed.Enable[i] {
			mask |= 1 << (32 + i)
		}
	}
	for _, e := range cp.GP {
		if e.Enable {
			mask |= 1 << uint(e.Slot)
		}
	}
	if cp.TopDownSlot {
		mask |= 1 << 48
	}
	if cp.PerfMetrics {
		mask |= 1 << 49
	}
	return mask
}
