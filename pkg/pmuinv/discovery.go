// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import (
	"fmt"

	"github.com/antimetal/pcm/pkg/register"
	"github.com/antimetal/pcm/pkg/transport"
)

// DiscoveryTableOffset is the byte offset, within the discovery BDF's PCI
// config space, of the uncore PMU discovery capability header. Used where
// hard-coding per-uarch addresses is unreliable: future PCIe Gen5 root
// complexes, PCU, some MDFs, some CXL endpoints.
const DiscoveryTableOffset = 0x100

// discoveryEntry mirrors one fixed-size record of the discovery table:
// box type, unit id, counter width, number of counters, and the base
// offset of its register block.
type discoveryEntry struct {
	BoxType    uint32
	UnitID     uint32
	NumCounters uint32
	CounterWidth uint32
	BaseOffset  uint32
}

const discoveryEntrySize = 16 // 4 u32 fields is 16B; padded to match hardware ABI alignment

// boxTypeToKind maps the discovery table's numeric box-type field onto a
// pmuinv.Kind. Unrecognized types are skipped rather than failing the
// whole walk, since the table legitimately advertises boxes this inventory
// doesn't model yet.
func boxTypeToKind(boxType uint32) (Kind, bool) {
	switch boxType {
	case 1:
		return KindCHA, true
	case 2:
		return KindIIO, true
	case 3:
		return KindIRP, true
	case 4:
		return KindIMC, true
	case 5:
		return KindM2M, true
	case 6:
		return KindUPI, true
	case 7:
		return KindM3UPI, true
	case 8:
		return KindPCU, true
	case 9:
		return KindUBOX, true
	case 10:
		return KindMDF, true
	case 11:
		return KindCXLCM, true
	case 12:
		return KindCXLDP, true
	case 13:
		return KindPCIeGen5, true
	default:
		return "", false
	}
}

// WalkDiscoveryTable reads the discovery capability table at a fixed
// config-space offset on bdf and constructs one UncorePMU per recognized
// box entry, all sharing bdf's PCI handle. Entries whose kind is set in
// disabled are skipped, letting a caller opt out of binding specific box
// types (e.g. a PCIe Gen5 root complex whose discovery binding is known
// unreliable on a given BIOS/kernel combination) without disabling the
// whole walk.
func WalkDiscoveryTable(handle *transport.PCIHandle, socket, die int, disabled map[Kind]bool) ([]*UncorePMU, error) {
	numEntries, err := handle.Read32(DiscoveryTableOffset)
	if err != nil {
		return nil, fmt.Errorf("pmuinv: discovery: read entry count: %w", err)
	}
	if numEntries == 0 || numEntries > 256 {
		return nil, fmt.Errorf("pmuinv: discovery: implausible entry count %d", numEntries)
	}

	var pmus []*UncorePMU
	for i := uint32(0); i < numEntries; i++ {
		entryOffset := DiscoveryTableOffset + 4 + i*discoveryEntrySize
		entry, err := readDiscoveryEntry(handle, entryOffset)
		if err != nil {
			return nil, fmt.Errorf("pmuinv: discovery: read entry %d: %w", i, err)
		}

		kind, ok := boxTypeToKind(entry.BoxType)
		if !ok || disabled[kind] {
			continue
		}

		gpControl := make([]register.HWRegister, entry.NumCounters)
		gpCounter := make([]register.HWRegister, entry.NumCounters)
		for c := uint32(0); c < entry.NumCounters; c++ {
			gpControl[c] = &register.PCIRegister{Handle: handle, Offset: entry.BaseOffset + c*8, Width: register.Width64}
			gpCounter[c] = &register.PCIRegister{Handle: handle, Offset: entry.BaseOffset + (entry.NumCounters+c)*8, Width: register.Width64}
		}

		pmu, err := NewUncorePMU(kind, socket, die, nil, gpControl, gpCounter)
		if err != nil {
			return nil, fmt.Errorf("pmuinv: discovery: build pmu for box type %d: %w", entry.BoxType, err)
		}
		pmu.BoundVia = "discovery"
		pmu.UnitID = entry.UnitID
		pmus = append(pmus, pmu)
	}

	return pmus, nil
}

func readDiscoveryEntry(handle *transport.PCIHandle, offset uint32) (discoveryEntry, error) {
	w0, err := handle.Read32(offset)
	if err != nil {
		return discoveryEntry{}, err
	}
	w1, err := handle.Read32(offset + 4)
	if err != nil {
		return discoveryEntry{}, err
	}
	w2, err := handle.Read32(offset + 8)
	if err != nil {
		return discoveryEntry{}, err
	}
	w3, err := handle.Read32(offset + 12)
	if err != nil {
		return discoveryEntry{}, err
	}
	return discoveryEntry{
		BoxType:      w0,
		UnitID:       w1,
		NumCounters:  w2,
		CounterWidth: w3 & 0xFF,
		BaseOffset:   w3 &^ 0xFF,
	}, nil
}
