// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology discovers the thread/core/tile/module/die/socket tree
// from CPUID leaves 0x0B/0x1F and OS enumeration, and decodes each logical
// thread's APIC id into that hierarchy.
package topology

import "sort"

// DomainType identifies one level of the x2APIC topology hierarchy
// reported by CPUID leaf 0x1F (or, on older parts, leaf 0x0B).
type DomainType int

const (
	DomainInvalid DomainType = iota
	DomainLogical            // SMT / thread
	DomainCore
	DomainModule
	DomainTile
	DomainDie
	DomainDieGroup
	DomainSocket
)

// Domain is one decoded leaf 0x1F/0x0B subleaf: the level it describes and
// the x2APIC id shift width reported for it.
type Domain struct {
	Type  DomainType
	Shift uint // EAX[4:0]: x2APIC ID shift width for this level
}

// DecodedID holds the per-domain ids extracted from one APIC id.
type DecodedID struct {
	Thread, Core, Module, Tile, Die, DieGroup, Socket uint32
}

// DecodeAPICID maps an x2APIC id to (socket, die, tile, module, core,
// thread) using the recorded per-domain shift widths from leaf 0x1F/0x0B
//. Domains need not all be present; absent domains
// decode to 0.
//
// Domains are walked from narrowest to widest. Every level except the
// widest (topmost) extracts its id from the bits between the previous
// level's shift and its own shift. The topmost level has nothing above it
// to bound its id, so it is read directly at its own shift boundary — the
// point above which every remaining high bit belongs to it.
func DecodeAPICID(apicID uint32, domains []Domain) DecodedID {
	sorted := make([]Domain, len(domains))
	copy(sorted, domains)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Shift < sorted[j].Shift })

	var out DecodedID
	prevShift := uint(0)
	for i, d := range sorted {
		var id uint32
		if i == len(sorted)-1 {
			id = apicID >> d.Shift
		} else {
			width := d.Shift - prevShift
			mask := uint32(1)<<width - 1
			id = (apicID >> prevShift) & mask
		}
		assignDomain(&out, d.Type, id)
		prevShift = d.Shift
	}
	return out
}

func assignDomain(out *DecodedID, t DomainType, id uint32) {
	switch t {
	case DomainLogical:
		out.Thread = id
	case DomainCore:
		out.Core = id
	case DomainModule:
		out.Module = id
	case DomainTile:
		out.Tile = id
	case DomainDie:
		out.Die = id
	case DomainDieGroup:
		out.DieGroup = id
	case DomainSocket:
		out.Socket = id
	}
}
