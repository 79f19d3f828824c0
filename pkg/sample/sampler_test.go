// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/pcm/pkg/pmuinv"
	"github.com/antimetal/pcm/pkg/program"
	"github.com/antimetal/pcm/pkg/register"
)

func newTestExtender(t *testing.T, initial uint64) *register.CounterWidthExtender {
	t.Helper()
	reg := register.NewVirtualRegister(initial)
	ext, err := register.NewCounterWidthExtender(reg, 48, time.Hour, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(ext.Stop)
	return ext
}

func newTestCoreSampler(t *testing.T, cpu int) *CoreSampler {
	t.Helper()
	return &CoreSampler{
		CPU:          cpu,
		InvariantTSC: register.NewVirtualRegister(1000),
		FixedCounters: []*register.CounterWidthExtender{
			newTestExtender(t, 500),
			newTestExtender(t, 900),
			newTestExtender(t, 950),
		},
		GPCounters: []register.HWRegister{
			newTestExtender(t, 10),
			newTestExtender(t, 20),
		},
		GlobalStatus:  register.NewVirtualRegister(0),
		GlobalOvfCtrl: register.NewVirtualRegister(0),
		CStateResidency: map[int]register.HWRegister{
			3: register.NewVirtualRegister(100),
			6: register.NewVirtualRegister(50),
		},
		SMICount: register.NewVirtualRegister(0),
	}
}

func newTestIMCPMU(t *testing.T, socket, die int) *pmuinv.UncorePMU {
	t.Helper()
	gpControl := []register.HWRegister{register.NewVirtualRegister(0), register.NewVirtualRegister(0)}
	gpCounter := []register.HWRegister{register.NewVirtualRegister(111), register.NewVirtualRegister(222)}
	pmu, err := pmuinv.NewUncorePMU(pmuinv.KindIMC, socket, die, register.NewVirtualRegister(0), gpControl, gpCounter)
	require.NoError(t, err)
	return pmu
}

func TestCoreSamplerRead(t *testing.T) {
	cs := newTestCoreSampler(t, 0)
	state, err := cs.read()
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), state.InvariantTSC)
	assert.Equal(t, uint64(500), state.InstructionsRetired)
	assert.Equal(t, uint64(900), state.UnhaltedCoreCycles)
	assert.Equal(t, uint64(950), state.UnhaltedRefCycles)
	assert.Equal(t, []uint64{10, 20}, state.GPCounters)
	assert.Equal(t, []bool{false, false}, state.Corrupted)
	assert.Equal(t, uint64(100), state.CStateResidency[3])
	assert.Equal(t, InvalidCounterValue, state.ThermalHeadroom)
}

func TestCoreSamplerReadThermalHeadroomInvalidWithoutValidBit(t *testing.T) {
	cs := newTestCoreSampler(t, 0)
	cs.ThermalHeadroom = register.NewVirtualRegister(0x2A << 16) // valid bit (31) clear
	state, err := cs.read()
	require.NoError(t, err)
	assert.Equal(t, InvalidCounterValue, state.ThermalHeadroom)
}

func TestCoreSamplerReadThermalHeadroomDecodesDigitalReadout(t *testing.T) {
	cs := newTestCoreSampler(t, 0)
	cs.ThermalHeadroom = register.NewVirtualRegister((1 << 31) | (0x2A << 16))
	state, err := cs.read()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2A), state.ThermalHeadroom)
}

func TestSocketSamplerRead(t *testing.T) {
	pmu := newTestIMCPMU(t, 0, 0)
	s := &SocketSampler{
		Socket:       0,
		ReferenceCPU: 0,
		PMUs:         []*pmuinv.UncorePMU{pmu},
	}

	state, upi, err := s.read()
	require.NoError(t, err)
	assert.Equal(t, uint64(111), state.IMCReads)
	assert.Equal(t, uint64(222), state.IMCWrites)
	assert.Equal(t, InvalidCounterValue, state.EnergyPackageUnits)
	assert.Empty(t, upi)
}

func TestSocketSamplerReadQoSMonitoringUnavailableBit(t *testing.T) {
	pmu := newTestIMCPMU(t, 0, 0)
	s := &SocketSampler{
		Socket:        0,
		ReferenceCPU:  0,
		PMUs:          []*pmuinv.UncorePMU{pmu},
		QoSMonitoring: register.NewVirtualRegister(1 << 62),
	}
	state, _, err := s.read()
	require.NoError(t, err)
	assert.Equal(t, InvalidCounterValue, state.QoSMonitoringData)
}

func TestSocketSamplerReadQoSMonitoringDecodesCounter(t *testing.T) {
	pmu := newTestIMCPMU(t, 0, 0)
	s := &SocketSampler{
		Socket:        0,
		ReferenceCPU:  0,
		PMUs:          []*pmuinv.UncorePMU{pmu},
		QoSMonitoring: register.NewVirtualRegister(12345),
	}
	state, _, err := s.read()
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), state.QoSMonitoringData)
}

func TestSocketSamplerReadUPILinks(t *testing.T) {
	gpControl := []register.HWRegister{register.NewVirtualRegister(0), register.NewVirtualRegister(0)}
	gpCounter := []register.HWRegister{register.NewVirtualRegister(7), register.NewVirtualRegister(9)}
	pmu, err := pmuinv.NewUncorePMU(pmuinv.KindUPI, 0, 2, register.NewVirtualRegister(0), gpControl, gpCounter)
	require.NoError(t, err)

	s := &SocketSampler{Socket: 0, ReferenceCPU: 0, PMUs: []*pmuinv.UncorePMU{pmu}}
	_, upi, err := s.read()
	require.NoError(t, err)
	require.Len(t, upi, 1)
	assert.Equal(t, 2, upi[0].Port)
	assert.Equal(t, uint64(7), upi[0].FlitsIn)
	assert.Equal(t, uint64(9), upi[0].FlitsOut)
}

func TestSocketSamplerReadIIOStackNamesResolveByUnitID(t *testing.T) {
	gpControl := []register.HWRegister{register.NewVirtualRegister(0)}
	gpCounter := []register.HWRegister{register.NewVirtualRegister(42)}
	pmu, err := pmuinv.NewUncorePMU(pmuinv.KindIIO, 0, 0, nil, gpControl, gpCounter)
	require.NoError(t, err)
	pmu.UnitID = 1

	s := &SocketSampler{
		Socket:       0,
		ReferenceCPU: 0,
		PMUs:         []*pmuinv.UncorePMU{pmu},
		StackNames:   pmuinv.StackNamesForUarch(pmuinv.UarchSKXCLXCPX),
	}
	state, _, err := s.read()
	require.NoError(t, err)
	require.Contains(t, state.IIOStackCounters, "PCIe0")
	assert.Equal(t, []uint64{42}, state.IIOStackCounters["PCIe0"])
}

func TestSocketSamplerReadIIOStackNameFallsBackWithoutTable(t *testing.T) {
	gpControl := []register.HWRegister{register.NewVirtualRegister(0)}
	gpCounter := []register.HWRegister{register.NewVirtualRegister(42)}
	pmu, err := pmuinv.NewUncorePMU(pmuinv.KindIIO, 0, 3, nil, gpControl, gpCounter)
	require.NoError(t, err)

	s := &SocketSampler{Socket: 0, ReferenceCPU: 0, PMUs: []*pmuinv.UncorePMU{pmu}}
	state, _, err := s.read()
	require.NoError(t, err)
	require.Contains(t, state.IIOStackCounters, "die3")
}

func TestSamplerGetAllCounterStates(t *testing.T) {
	pool, err := program.NewWorkerPool([]int{0, 1}, logr.Discard())
	require.NoError(t, err)
	defer pool.Close()

	cores := []*CoreSampler{newTestCoreSampler(t, 0), newTestCoreSampler(t, 1)}
	sockets := []*SocketSampler{{
		Socket:       0,
		ReferenceCPU: 0,
		PMUs:         []*pmuinv.UncorePMU{newTestIMCPMU(t, 0, 0)},
	}}

	s := NewSampler(pool, cores, sockets, logr.Discard())
	state, err := s.GetAllCounterStates(context.Background())
	require.NoError(t, err)

	require.Len(t, state.Cores, 2)
	require.Len(t, state.Sockets, 1)
	assert.Equal(t, uint64(500), state.Cores[0].InstructionsRetired)
	assert.Equal(t, uint64(111), state.Sockets[0].IMCReads)
}

func TestSamplerGetAllCounterStatesCanceledContext(t *testing.T) {
	pool, err := program.NewWorkerPool([]int{0}, logr.Discard())
	require.NoError(t, err)
	defer pool.Close()

	s := NewSampler(pool, nil, nil, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.GetAllCounterStates(ctx)
	assert.Error(t, err)
}
