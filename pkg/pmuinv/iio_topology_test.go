// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/pcm/pkg/transport"
)

func TestStackNamesForUarch(t *testing.T) {
	assert.Equal(t, purleyStackNames[:], StackNamesForUarch(UarchSKXCLXCPX))
	assert.Equal(t, iceLakeStackNames[:], StackNamesForUarch(UarchICX))
	assert.Len(t, StackNamesForUarch(UarchUnknown), 6)
}

func TestDiscoverIIOStacksGroupsByUnit(t *testing.T) {
	roots := []transport.BDF{
		{Segment: 0, Bus: 0x3a, Device: 0, Function: 0},
		{Segment: 0, Bus: 0x3a, Device: 1, Function: 0},
		{Segment: 0, Bus: 0x5c, Device: 0, Function: 0},
	}
	busToUnit := func(bus uint32) (uint32, bool) {
		switch bus {
		case 0x3a:
			return 1, true
		case 0x5c:
			return 2, true
		default:
			return 0, false
		}
	}

	topo := DiscoverIIOStacks(0, purleyStackNames[:], roots, busToUnit)
	require.Len(t, topo.Stacks, 2)
	assert.Equal(t, "PCIe0", topo.Stacks[0].StackName)
	assert.Len(t, topo.Stacks[0].Parts, 2)
	assert.Equal(t, "PCIe1", topo.Stacks[1].StackName)
	assert.Len(t, topo.Stacks[1].Parts, 1)
}

func TestDiscoverIIOStacksSkipsUnmappedBuses(t *testing.T) {
	roots := []transport.BDF{{Segment: 0, Bus: 0x99, Device: 0, Function: 0}}
	busToUnit := func(bus uint32) (uint32, bool) { return 0, false }

	topo := DiscoverIIOStacks(0, purleyStackNames[:], roots, busToUnit)
	assert.Empty(t, topo.Stacks)
}
