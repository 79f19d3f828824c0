// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import "github.com/antimetal/pcm/pkg/cpuidutil"

// levelTypeToDomain maps the CPUID leaf 0x1F/0x0B "level type" field
// (ECX[15:8] of the subleaf's output) onto our DomainType. Leaf 0x0B only
// ever reports types 1 (SMT) and 2 (Core); leaf 0x1F additionally reports
// the wider domains on parts with Module/Tile/Die/Socket hierarchy.
func levelTypeToDomain(levelType uint32) DomainType {
	switch levelType {
	case 1:
		return DomainLogical
	case 2:
		return DomainCore
	case 3:
		return DomainModule
	case 4:
		return DomainTile
	case 5:
		return DomainDie
	case 6:
		return DomainDieGroup
	case 7:
		return DomainSocket
	default:
		return DomainInvalid
	}
}

// ReadDomains walks CPUID leaf 0x1F subleaves, falling back to leaf 0x0B
// when 0x1F reports no valid subleaf 0. It stops at the
// first subleaf reporting level type 0 (invalid), the SDM's documented
// terminator.
func ReadDomains(src cpuidutil.Source) []Domain {
	if domains := readLeaf(src, 0x1F); len(domains) > 0 {
		return domains
	}
	return readLeaf(src, 0x0B)
}

func readLeaf(src cpuidutil.Source, leaf uint32) []Domain {
	var domains []Domain
	for subleaf := uint32(0); subleaf < 16; subleaf++ {
		regs := src.CPUID(leaf, subleaf)
		levelType := cpuidutil.ExtractBits32(regs.ECX, 8, 15)
		if levelType == 0 {
			break
		}
		shift := uint(cpuidutil.ExtractBits32(regs.EAX, 0, 4))
		domains = append(domains, Domain{Type: levelTypeToDomain(levelType), Shift: shift})
	}
	return domains
}

// PMUVersionInfo is the decode of CPUID leaf 0x0A.
type PMUVersionInfo struct {
	Version              uint32
	NumGPCounters        uint32
	GPCounterWidth       uint32
	NumFixedCounters     uint32
	FixedCounterWidth    uint32
}

// ReadPMUVersion decodes leaf 0x0A.
func ReadPMUVersion(src cpuidutil.Source) PMUVersionInfo {
	regs := src.CPUID(0x0A, 0)
	return PMUVersionInfo{
		Version:           cpuidutil.ExtractBits32(regs.EAX, 0, 7),
		NumGPCounters:     cpuidutil.ExtractBits32(regs.EAX, 8, 15),
		GPCounterWidth:    cpuidutil.ExtractBits32(regs.EAX, 16, 23),
		NumFixedCounters:  cpuidutil.ExtractBits32(regs.EDX, 0, 4),
		FixedCounterWidth: cpuidutil.ExtractBits32(regs.EDX, 5, 12),
	}
}

// HybridCoreType classifies a logical thread on a hybrid (Atom+Core) part,
// decoded from CPUID leaf 0x1A.
type HybridCoreType int

const (
	CoreTypeUnknown HybridCoreType = iota
	CoreTypeAtom
	CoreTypeCore
)

// ReadHybridCoreType decodes leaf 0x1A for the calling thread. Callers must
// pin to the target logical CPU first (leaf 0x1A is per-thread).
func ReadHybridCoreType(src cpuidutil.Source) (HybridCoreType, uint32) {
	regs := src.CPUID(0x1A, 0)
	coreType := cpuidutil.ExtractBits32(regs.EAX, 24, 31)
	nativeModel := cpuidutil.ExtractBits32(regs.EAX, 0, 23)

	switch coreType {
	case 0x20:
		return CoreTypeAtom, nativeModel
	case 0x40:
		return CoreTypeCore, nativeModel
	default:
		return CoreTypeUnknown, nativeModel
	}
}
