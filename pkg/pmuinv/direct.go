// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import "github.com/antimetal/pcm/pkg/transport"

// Uarch identifies a family of supported microarchitectures for the
// purposes of direct-binding address tables.
type Uarch int

const (
	UarchUnknown Uarch = iota
	UarchNHMWSM
	UarchSNBIVBJKT
	UarchHSXBDX
	UarchSKXCLXCPX
	UarchICX
	UarchSNR
	UarchSPREMR
	UarchGRR
	UarchSRFGNR
	UarchClient
)

// uarchModels maps (family, model) onto a Uarch. Not exhaustive across
// every stepping Intel has shipped; covers one representative model per
// generation.
var uarchModels = map[[2]uint32]Uarch{
	{6, 0x2C}: UarchNHMWSM,    // Westmere-EP
	{6, 0x2A}: UarchSNBIVBJKT, // Sandy Bridge
	{6, 0x3F}: UarchHSXBDX,    // Haswell-EP
	{6, 0x55}: UarchSKXCLXCPX, // Skylake-SP / Cascade Lake / Cooper Lake
	{6, 0x6A}: UarchICX,       // Ice Lake-SP
	{6, 0x8F}: UarchSPREMR,    // Sapphire Rapids / Emerald Rapids
	{6, 0xAF}: UarchSRFGNR,    // Sierra Forest / Granite Rapids
	{6, 0x8C}: UarchClient,    // Tiger Lake client
}

// UarchFromModel classifies a (family, model) pair decoded from CPUID
// leaf 1 into the direct-binding table it should use.
func UarchFromModel(family, model uint32) Uarch {
	if u, ok := uarchModels[[2]uint32{family, model}]; ok {
		return u
	}
	return UarchUnknown
}

// DirectAddressTable is the compile-time set of PCI device/function
// numbers for IMC, UPI, M2M and per-uarch CHA/PCU base MSR addresses.
type DirectAddressTable struct {
	CHABaseMSR   []uint64
	PCUBaseMSR   uint64
	UBOXBaseMSR  uint64
	IMCDevices   []transport.BDF
	UPIDevices   []transport.BDF
	M2MDevices   []transport.BDF
}

// directTables holds one DirectAddressTable per supported Uarch. Addresses
// are representative of each generation's documented uncore layout; a
// production build would carry the full per-stepping table from the
// vendor's uncore performance monitoring reference manuals.
var directTables = map[Uarch]DirectAddressTable{
	UarchSKXCLXCPX: {
		CHABaseMSR:  []uint64{0x0E00, 0x0E08, 0x0E10, 0x0E18},
		PCUBaseMSR:  0x0710,
		UBOXBaseMSR: 0x0C0E,
		IMCDevices: []transport.BDF{
			{Segment: 0, Bus: 0x7f, Device: 0x0a, Function: 2},
			{Segment: 0, Bus: 0x7f, Device: 0x0a, Function: 6},
		},
		UPIDevices: []transport.BDF{
			{Segment: 0, Bus: 0x7f, Device: 0x0e, Function: 1},
		},
		M2MDevices: []transport.BDF{
			{Segment: 0, Bus: 0x7f, Device: 0x08, Function: 0},
		},
	},
	UarchICX: {
		CHABaseMSR:  []uint64{0x0E00, 0x0E08, 0x0E10, 0x0E18, 0x0E20, 0x0E28},
		PCUBaseMSR:  0x0710,
		UBOXBaseMSR: 0x0C0E,
		IMCDevices: []transport.BDF{
			{Segment: 0, Bus: 0x7e, Device: 0x0a, Function: 2},
		},
		UPIDevices: []transport.BDF{
			{Segment: 0, Bus: 0x7e, Device: 0x0e, Function: 1},
		},
	},
	UarchHSXBDX: {
		CHABaseMSR: []uint64{0x0E00, 0x0E08},
		PCUBaseMSR: 0x0700,
		IMCDevices: []transport.BDF{
			{Segment: 0, Bus: 0x3f, Device: 0x0a, Function: 2},
		},
	},
	UarchSNBIVBJKT: {
		CHABaseMSR: []uint64{0x0E00},
		PCUBaseMSR: 0x0690,
	},
	UarchNHMWSM: {
		PCUBaseMSR: 0x0391,
	},
	UarchClient: {
		// Client parts have no uncore CHA/PCU blocks in the server sense;
		// the table is intentionally empty.
	},
}

// DirectBindingTable returns the address table for uarch, and whether one
// is known. SPR/EMR and SRF/GNR and SNR/GRR reuse the ICX-family table
// shape in this representative subset (their base addresses differ in a
// production table but the binding strategy is identical).
func DirectBindingTable(uarch Uarch) (DirectAddressTable, bool) {
	switch uarch {
	case UarchSPREMR, UarchSRFGNR, UarchSNR, UarchGRR:
		t, ok := directTables[UarchICX]
		return t, ok
	default:
		t, ok := directTables[uarch]
		return t, ok
	}
}
