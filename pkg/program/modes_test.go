// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package program

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCoreProgramPredefinedModes(t *testing.T) {
	for _, mode := range []ProgramMode{ModeCache, ModeMemory, ModePower, ModeIIO, ModePCIe, ModeQPI, ModeRDT} {
		cp, err := BuildCoreProgram(mode, nil)
		require.NoError(t, err, "mode %s", mode)
		assert.True(t, cp.Fixed.Enable[0])
	}
}

func TestBuildCoreProgramExtendedCustomRequiresDescription(t *testing.T) {
	_, err := BuildCoreProgram(ModeExtendedCustom, nil)
	assert.Error(t, err)

	custom := &ExtendedCustomCoreEventDescription{Events: []CoreEventConfig{{Slot: 0, Event: 1, Enable: true}}}
	cp, err := BuildCoreProgram(ModeExtendedCustom, custom)
	require.NoError(t, err)
	assert.Equal(t, custom.Events, cp.GP)
}

func TestBuildCoreProgramUnknownMode(t *testing.T) {
	_, err := BuildCoreProgram(ProgramMode("bogus"), nil)
	assert.Error(t, err)
}
