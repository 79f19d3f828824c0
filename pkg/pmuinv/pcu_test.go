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
)

func TestValidatePCUProfileRejectsUnsupportedUarch(t *testing.T) {
	err := ValidatePCUProfile(UarchNHMWSM, PCUProfileThree)
	assert.Error(t, err)

	err = ValidatePCUProfile(UarchNHMWSM, PCUProfileFour)
	assert.Error(t, err)
}

func TestValidatePCUProfileAllowsSupportedUarch(t *testing.T) {
	assert.NoError(t, ValidatePCUProfile(UarchSKXCLXCPX, PCUProfileThree))
	assert.NoError(t, ValidatePCUProfile(UarchICX, PCUProfileFour))
}

func TestValidatePCUProfileAllowsOneAndTwoEverywhere(t *testing.T) {
	assert.NoError(t, ValidatePCUProfile(UarchNHMWSM, PCUProfileOne))
	assert.NoError(t, ValidatePCUProfile(UarchNHMWSM, PCUProfileTwo))
}

func TestPCUProfileEventsRejectsUnsupported(t *testing.T) {
	_, err := PCUProfileEvents(UarchNHMWSM, PCUProfileThree)
	assert.Error(t, err)
}

func TestPCUProfileEventsReturnsSlots(t *testing.T) {
	events, err := PCUProfileEvents(UarchSKXCLXCPX, PCUProfileThree)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Slot)
	assert.Equal(t, 1, events[1].Slot)
}
