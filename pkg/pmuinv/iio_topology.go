// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import "github.com/antimetal/pcm/pkg/transport"

// IIOPart is one bifurcated link (x16, x8x8, x4x4x4x4, ...) hanging off an
// IIO stack, identified by the root port's BDF and the PCIe link width it
// was configured for.
type IIOPart struct {
	BDF       transport.BDF
	LinkWidth int
}

// IIOStack is one PCIe root complex stack attached to an IIO unit: a
// human-readable name ("PCIe0", "MCP0", "CBDMA/DMI", ...), the stack's
// PMON unit id used to select its counter block, and the bifurcated parts
// discovered under it.
type IIOStack struct {
	StackName string
	UnitID    uint32
	Parts     []IIOPart
}

// IIOStackTopology is the per-socket list of IIO stacks, the structure
// original PCM's platform-specific pciTreeDiscover() walkers build by
// probing the PCI tree under each socket's root complex.
type IIOStackTopology struct {
	Socket int
	Stacks []IIOStack
}

// purleyStackNames gives a representative stack-name table for one uarch
// family (Skylake/Cascade/Cooper Lake server "Purley" generation), keyed
// by PMON unit id 0-5: CBDMA/DMI, three PCIe root stacks and two MCP
// stacks.
var purleyStackNames = [6]string{"CBDMA/DMI", "PCIe0", "PCIe1", "PCIe2", "MCP0", "MCP1"}

// iceLakeStackNames gives the analogous table for the Whitley ("ICX")
// generation, which drops the separate MCP stacks in favor of more PCIe
// stacks.
var iceLakeStackNames = [6]string{"CBDMA/DMI", "PCIe0", "PCIe1", "PCIe2", "PCIe3", "PCIe4"}

// StackNamesForUarch returns the stack-name table appropriate to uarch.
// Unknown uarches get a generic numbered fallback rather than failing,
// since a stack's counters remain usable even if its display name isn't
// modeled.
func StackNamesForUarch(uarch Uarch) []string {
	switch uarch {
	case UarchSKXCLXCPX:
		return purleyStackNames[:]
	case UarchICX, UarchSPREMR, UarchSRFGNR, UarchSNR, UarchGRR:
		return iceLakeStackNames[:]
	default:
		return []string{"Stack0", "Stack1", "Stack2", "Stack3", "Stack4", "Stack5"}
	}
}

// DiscoverIIOStacks walks the PCI devices already enumerated under a
// socket's root complex (sysPath-relative BDFs, as returned by
// transport.EnumerateByID against the IIO's stack root-port vendor/device
// IDs) and groups them by which stack PMON unit each root port's bus
// number maps to.
//
// busToUnit is supplied by the caller because the bus->unit mapping is
// itself platform specific (Purley reads it from a CPU bus register,
// Whitley+ reads it from a different one); this function only assembles
// the resulting topology once that mapping is known.
func DiscoverIIOStacks(socket int, names []string, roots []transport.BDF, busToUnit func(bus uint32) (uint32, bool)) IIOStackTopology {
	stacksByUnit := make(map[uint32]*IIOStack)
	var order []uint32

	for _, bdf := range roots {
		unit, ok := busToUnit(bdf.Bus)
		if !ok {
			continue
		}
		stack, exists := stacksByUnit[unit]
		if !exists {
			name := "Stack"
			if int(unit) < len(names) {
				name = names[unit]
			}
			stack = &IIOStack{StackName: name, UnitID: unit}
			stacksByUnit[unit] = stack
			order = append(order, unit)
		}
		stack.Parts = append(stack.Parts, IIOPart{BDF: bdf, LinkWidth: 0})
	}

	topo := IIOStackTopology{Socket: socket}
	for _, unit := range order {
		topo.Stacks = append(topo.Stacks, *stacksByUnit[unit])
	}
	return topo
}
