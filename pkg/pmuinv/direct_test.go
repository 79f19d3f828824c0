// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUarchFromModel(t *testing.T) {
	assert.Equal(t, UarchSKXCLXCPX, UarchFromModel(6, 0x55))
	assert.Equal(t, UarchICX, UarchFromModel(6, 0x6A))
	assert.Equal(t, UarchUnknown, UarchFromModel(6, 0xFF))
}

func TestDirectBindingTableKnownUarch(t *testing.T) {
	table, ok := DirectBindingTable(UarchSKXCLXCPX)
	assert.True(t, ok)
	assert.Len(t, table.CHABaseMSR, 4)
	assert.NotEmpty(t, table.IMCDevices)
}

func TestDirectBindingTableReusesICXFamily(t *testing.T) {
	sprTable, ok := DirectBindingTable(UarchSPREMR)
	assert.True(t, ok)
	icxTable, _ := DirectBindingTable(UarchICX)
	assert.Equal(t, icxTable, sprTable)
}

func TestDirectBindingTableUnknownUarch(t *testing.T) {
	_, ok := DirectBindingTable(UarchUnknown)
	assert.False(t, ok)
}
