// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/pcm/pkg/pmuinv"
	"github.com/antimetal/pcm/pkg/program"
	"github.com/antimetal/pcm/pkg/register"
)

// freezeAllMask is passed to UncorePMU.Freeze to freeze every counter slot
// in the block, matching the original tool's "freeze whole box" behavior
// used before a coherent multi-counter snapshot. Unfreeze writes
// unfreezeMask, the same values pkg/pcm passes to Engine.Program.
const (
	freezeAllMask = ^uint64(0)
	unfreezeMask  = uint64(0)
)

// CoreSampler holds the already-opened registers for one logical thread's
// programmed counters. Fixed counters are narrow hardware counters wrapped
// in a register.CounterWidthExtender by the caller so wraparound is
// corrected before the sampler ever sees the raw value. GP counters may
// instead be backed by a register.PerfRegister when the Linux perf
// pseudo-PMU owns them, which already returns a corrected 64-bit value.
type CoreSampler struct {
	CPU int

	InvariantTSC register.HWRegister

	FixedCounters []*register.CounterWidthExtender // index 0..2: instructions, core cycles, ref cycles
	GPCounters    []register.HWRegister

	GlobalStatus  register.HWRegister // IA32_PERF_GLOBAL_STATUS, read-only snapshot of overflow bits
	GlobalOvfCtrl register.HWRegister // IA32_PERF_GLOBAL_OVF_CTRL, written to clear overflow after the snapshot

	TopDownSlots register.HWRegister // PERF_METRICS, nil unless hardware TMA L1 is present

	CStateResidency map[int]register.HWRegister
	ThermalHeadroom register.HWRegister // nil if unavailable; yields InvalidCounterValue
	SMICount        register.HWRegister

	// L3Occupancy reads IA32_QM_CTR against this thread's assigned RMID;
	// nil unless RDT monitoring was programmed for this core.
	L3Occupancy register.HWRegister

	UserMSRs map[uint64]register.HWRegister
}

func (c *CoreSampler) read() (CoreCounterState, error) {
	out := CoreCounterState{}

	tsc, err := c.InvariantTSC.Read()
	if err != nil {
		return out, fmt.Errorf("sample: cpu %d: read invariant tsc: %w", c.CPU, err)
	}
	out.InvariantTSC = tsc

	if len(c.FixedCounters) > 0 {
		if v, err := c.FixedCounters[0].Read(); err == nil {
			out.InstructionsRetired = v
		} else {
			out.InstructionsRetired = InvalidCounterValue
		}
	}
	if len(c.FixedCounters) > 1 {
		if v, err := c.FixedCounters[1].Read(); err == nil {
			out.UnhaltedCoreCycles = v
		} else {
			out.UnhaltedCoreCycles = InvalidCounterValue
		}
	}
	if len(c.FixedCounters) > 2 {
		if v, err := c.FixedCounters[2].Read(); err == nil {
			out.UnhaltedRefCycles = v
		} else {
			out.UnhaltedRefCycles = InvalidCounterValue
		}
	}

	out.GPCounters = make([]uint64, len(c.GPCounters))
	out.Corrupted = make([]bool, len(c.GPCounters))
	for i, reg := range c.GPCounters {
		v, err := reg.Read()
		if err != nil {
			out.GPCounters[i] = InvalidCounterValue
			out.Corrupted[i] = true
			continue
		}
		out.GPCounters[i] = v
	}

	if c.TopDownSlots != nil {
		if raw, err := c.TopDownSlots.Read(); err == nil {
			out.TopDown = decodeTopDown(raw)
		}
	}

	if c.GlobalStatus != nil {
		// Overflow bits are consumed here only to keep the read/clear pair
		// atomic from this goroutine's perspective; CoreCounterState has no
		// overflow field of its own.
		if _, err := c.GlobalStatus.Read(); err != nil {
			return out, fmt.Errorf("sample: cpu %d: read global status: %w", c.CPU, err)
		}
	}
	if c.GlobalOvfCtrl != nil {
		// Clear any overflow bits latched since programming so the next
		// sampling interval starts from a known state.
		if err := c.GlobalOvfCtrl.Write(^uint64(0)); err != nil {
			return out, fmt.Errorf("sample: cpu %d: clear overflow: %w", c.CPU, err)
		}
	}

	out.CStateResidency = make(map[int]uint64, len(c.CStateResidency))
	for state, reg := range c.CStateResidency {
		if v, err := reg.Read(); err == nil {
			out.CStateResidency[state] = v
		} else {
			out.CStateResidency[state] = InvalidCounterValue
		}
	}

	if c.SMICount != nil {
		if v, err := c.SMICount.Read(); err == nil {
			out.SMICount = v
		} else {
			out.SMICount = InvalidCounterValue
		}
	} else {
		out.SMICount = InvalidCounterValue
	}

	if c.ThermalHeadroom != nil {
		if v, err := c.ThermalHeadroom.Read(); err == nil {
			out.ThermalHeadroom = decodeThermalReading(v)
		} else {
			out.ThermalHeadroom = InvalidCounterValue
		}
	} else {
		out.ThermalHeadroom = InvalidCounterValue
	}

	if c.L3Occupancy != nil {
		if v, err := c.L3Occupancy.Read(); err == nil {
			out.L3Occupancy = decodeQoSReading(v)
		} else {
			out.L3Occupancy = InvalidCounterValue
		}
	} else {
		out.L3Occupancy = InvalidCounterValue
	}

	if len(c.UserMSRs) > 0 {
		out.UserMSRs = make(map[uint64]uint64, len(c.UserMSRs))
		for msr, reg := range c.UserMSRs {
			if v, err := reg.Read(); err == nil {
				out.UserMSRs[msr] = v
			} else {
				out.UserMSRs[msr] = InvalidCounterValue
			}
		}
	}

	return out, nil
}

// decodeThermalReading extracts the digital thermal readout from an
// IA32_THERM_STATUS/IA32_PACKAGE_THERM_STATUS value, honoring bit 31
// ("reading valid") per the SDM: hardware clears it when the sensor
// hasn't produced a reading since the last reset.
func decodeThermalReading(raw uint64) uint64 {
	const validBit = 1 << 31
	if raw&validBit == 0 {
		return InvalidCounterValue
	}
	return (raw >> 16) & 0x7F
}

// decodeQoSReading extracts an IA32_QM_CTR counter value, honoring bits
// 62 (Unavailable) and 63 (Error) per the SDM: either one set means the
// RMID association or the monitoring hardware itself reports the
// reading as untrustworthy.
func decodeQoSReading(raw uint64) uint64 {
	const unavailableBit = 1 << 62
	const errorBit = 1 << 63
	if raw&(unavailableBit|errorBit) != 0 {
		return InvalidCounterValue
	}
	return raw &^ (unavailableBit | errorBit)
}

// decodeTopDown splits a PERF_METRICS read into the four level-1 TMA
// categories plus the level-2 breakdown. Each byte lane
// holds one category's 0-255 fraction of total slots, matching Intel's
// documented PERF_METRICS layout.
func decodeTopDown(raw uint64) TopDownSlots {
	lane := func(shift uint) uint64 { return (raw >> shift) & 0xFF }
	return TopDownSlots{
		Retiring:  lane(0),
		BadSpec:   lane(8),
		Frontend:  lane(16),
		Backend:   lane(24),
		HeavyOps:  lane(32),
		BrMispred: lane(40),
		FetchLat:  lane(48),
		MemBound:  lane(56),
	}
}

// SocketSampler holds the registers needed for one socket's reference-core
// uncore read: every UncorePMU bound to that socket, plus the scalar
// socket-wide registers (energy, power planes, memory channels, CXL, RDT
// occupancy/bandwidth, and user-requested raw MSR reads).
type SocketSampler struct {
	Socket       int
	ReferenceCPU int

	PMUs []*pmuinv.UncorePMU

	// StackNames is the per-uarch PCIe stack-name table (pmuinv.
	// StackNamesForUarch) used to label IIO/IRP boxes by their discovery
	// table UnitID instead of a bare die index; nil falls back to "dieN".
	StackNames []string

	EnergyPackage register.HWRegister
	EnergyDRAM    register.HWRegister
	PowerPlanes   map[string]register.HWRegister

	ChannelRaw map[int][]register.HWRegister

	QoSMonitoring register.HWRegister

	UserMSRs map[uint64]register.HWRegister
}

func (s *SocketSampler) freeze() error {
	for _, pmu := range s.PMUs {
		if err := pmu.Freeze(freezeAllMask); err != nil {
			return fmt.Errorf("sample: socket %d: freeze %s: %w", s.Socket, pmu.Kind, err)
		}
	}
	return nil
}

func (s *SocketSampler) unfreeze() error {
	for _, pmu := range s.PMUs {
		if err := pmu.Unfreeze(unfreezeMask); err != nil {
			return fmt.Errorf("sample: socket %d: unfreeze %s: %w", s.Socket, pmu.Kind, err)
		}
	}
	return nil
}

// read snapshots every uncore counter on the socket, dispatching each
// block's raw values into the UncoreCounterState field the block's Kind
// corresponds to. It also returns any UPI/QPI link flit counters
// discovered, which roll up at the system level rather than the
// per-socket state.
func (s *SocketSampler) read() (UncoreCounterState, []UPILinkFlitCount, error) {
	out := UncoreCounterState{
		EnergyPowerPlanes: map[string]uint64{},
		IIOStackCounters:  map[string][]uint64{},
		IRPStackCounters:  map[string][]uint64{},
		ChannelRaw:        map[int][]uint64{},
	}
	var upiLinks []UPILinkFlitCount

	for _, pmu := range s.PMUs {
		counters := make([]uint64, pmu.NumCounters())
		for i := range counters {
			v, err := pmu.ReadCounter(i)
			if err != nil {
				v = InvalidCounterValue
			}
			counters[i] = v
		}

		switch pmu.Kind {
		case pmuinv.KindIMC:
			if len(counters) > 0 {
				out.IMCReads = sentinelAdd(out.IMCReads, counters[0])
			}
			if len(counters) > 1 {
				out.IMCWrites = sentinelAdd(out.IMCWrites, counters[1])
			}
			out.ChannelRaw[pmu.Die] = counters
		case pmuinv.KindEDC:
			if len(counters) > 0 {
				out.PMMReads = sentinelAdd(out.PMMReads, counters[0])
			}
			if len(counters) > 1 {
				out.PMMWrites = sentinelAdd(out.PMMWrites, counters[1])
			}
			if len(counters) > 2 {
				out.NearMemoryHits = sentinelAdd(out.NearMemoryHits, counters[2])
			}
			if len(counters) > 3 {
				out.NearMemoryMisses = sentinelAdd(out.NearMemoryMisses, counters[3])
			}
		case pmuinv.KindUPI, pmuinv.KindM3UPI:
			for i := 0; i+1 < len(counters); i += 2 {
				upiLinks = append(upiLinks, UPILinkFlitCount{
					Port:     pmu.Die,
					Link:     i / 2,
					FlitsIn:  counters[i],
					FlitsOut: counters[i+1],
				})
			}
			if len(counters) > 0 {
				out.LinkFlitsIn = sentinelAdd(out.LinkFlitsIn, counters[0])
			}
			if len(counters) > 1 {
				out.LinkFlitsOut = sentinelAdd(out.LinkFlitsOut, counters[1])
			}
		case pmuinv.KindHA:
			if len(counters) > 0 {
				out.HomeAgentRequests = sentinelAdd(out.HomeAgentRequests, counters[0])
			}
			if len(counters) > 1 {
				out.HomeAgentRequestsLocal = sentinelAdd(out.HomeAgentRequestsLocal, counters[1])
			}
		case pmuinv.KindIIO:
			out.IIOStackCounters[s.stackName(pmu)] = counters
		case pmuinv.KindIRP:
			out.IRPStackCounters[s.stackName(pmu)] = counters
		case pmuinv.KindCXLCM, pmuinv.KindCXLDP:
			if len(counters) > 0 {
				out.CXLReadMem = sentinelAdd(out.CXLReadMem, counters[0])
			}
			if len(counters) > 1 {
				out.CXLWriteMem = sentinelAdd(out.CXLWriteMem, counters[1])
			}
			if len(counters) > 2 {
				out.CXLReadCache = sentinelAdd(out.CXLReadCache, counters[2])
			}
		case pmuinv.KindCHA, pmuinv.KindPCU, pmuinv.KindUBOX, pmuinv.KindMDF, pmuinv.KindM2M, pmuinv.KindIDXAccel, pmuinv.KindPCIeGen5:
			if fc, err := pmu.ReadFixedCounter(); err == nil {
				out.UncoreClocks = sentinelAdd(out.UncoreClocks, fc)
			}
		}
	}

	if s.EnergyPackage != nil {
		if v, err := s.EnergyPackage.Read(); err == nil {
			out.EnergyPackageUnits = v
		} else {
			out.EnergyPackageUnits = InvalidCounterValue
		}
	} else {
		out.EnergyPackageUnits = InvalidCounterValue
	}
	if s.EnergyDRAM != nil {
		if v, err := s.EnergyDRAM.Read(); err == nil {
			out.EnergyDRAMUnits = v
		} else {
			out.EnergyDRAMUnits = InvalidCounterValue
		}
	} else {
		out.EnergyDRAMUnits = InvalidCounterValue
	}
	for name, reg := range s.PowerPlanes {
		if v, err := reg.Read(); err == nil {
			out.EnergyPowerPlanes[name] = v
		} else {
			out.EnergyPowerPlanes[name] = InvalidCounterValue
		}
	}

	if s.QoSMonitoring != nil {
		if v, err := s.QoSMonitoring.Read(); err == nil {
			out.QoSMonitoringData = decodeQoSReading(v)
		} else {
			out.QoSMonitoringData = InvalidCounterValue
		}
	} else {
		out.QoSMonitoringData = InvalidCounterValue
	}

	if len(s.UserMSRs) > 0 {
		out.UserMSRs = make(map[uint64]uint64, len(s.UserMSRs))
		for msr, reg := range s.UserMSRs {
			if v, err := reg.Read(); err == nil {
				out.UserMSRs[msr] = v
			} else {
				out.UserMSRs[msr] = InvalidCounterValue
			}
		}
	}

	return out, upiLinks, nil
}

// stackName resolves an IIO/IRP box to its human-readable PCIe stack name
// (e.g. "PCIe0", "MCP0") via s.StackNames, indexed by the box's discovery
// table UnitID. Falls back to a die-qualified label when StackNames is nil
// or the unit id is out of range for it.
func (s *SocketSampler) stackName(pmu *pmuinv.UncorePMU) string {
	if int(pmu.UnitID) < len(s.StackNames) {
		return s.StackNames[pmu.UnitID]
	}
	return fmt.Sprintf("die%d", pmu.Die)
}

// Sampler drives the freeze / per-core read / per-socket reference-core
// read / unfreeze sequence across every programmed counter.
type Sampler struct {
	pool    *program.WorkerPool
	cores   []*CoreSampler
	sockets []*SocketSampler
	logger  logr.Logger
}

// NewSampler builds a Sampler over an already-programmed set of cores and
// sockets, dispatching per-core reads through pool so each read happens on
// its own pinned worker goroutine.
func NewSampler(pool *program.WorkerPool, cores []*CoreSampler, sockets []*SocketSampler, logger logr.Logger) *Sampler {
	return &Sampler{
		pool:    pool,
		cores:   cores,
		sockets: sockets,
		logger:  logger.WithName("sample"),
	}
}

// GetAllCounterStates freezes every socket's uncore PMUs, reads every core
// and every socket's reference core concurrently, unfreezes, and returns
// the combined snapshot. The freeze/unfreeze window bounds the skew
// between core and uncore reads; no further synchronization step is
// required.
func (s *Sampler) GetAllCounterStates(ctx context.Context) (SystemCounterState, error) {
	if err := ctx.Err(); err != nil {
		return SystemCounterState{}, err
	}

	for _, sock := range s.sockets {
		if err := sock.freeze(); err != nil {
			return SystemCounterState{}, err
		}
	}
	defer func() {
		for _, sock := range s.sockets {
			if err := sock.unfreeze(); err != nil {
				s.logger.Error(err, "unfreeze failed", "socket", sock.Socket)
			}
		}
	}()

	coreStates := make([]CoreCounterState, len(s.cores))
	coreErrs := make([]error, len(s.cores))
	var wg sync.WaitGroup
	for i, cs := range s.cores {
		i, cs := i, cs
		errCh, err := s.pool.Submit(cs.CPU, func() error {
			state, err := cs.read()
			coreStates[i] = state
			return err
		})
		if err != nil {
			return SystemCounterState{}, fmt.Errorf("sample: submit core %d: %w", cs.CPU, err)
		}
		wg.Add(1)
		go func(i int, errCh <-chan error) {
			defer wg.Done()
			coreErrs[i] = <-errCh
		}(i, errCh)
	}

	socketStates := make([]UncoreCounterState, len(s.sockets))
	socketErrs := make([]error, len(s.sockets))
	var upiLinks []UPILinkFlitCount
	var upiMu sync.Mutex
	for i, sock := range s.sockets {
		i, sock := i, sock
		errCh, err := s.pool.Submit(sock.ReferenceCPU, func() error {
			state, links, err := sock.read()
			socketStates[i] = state
			if err == nil {
				upiMu.Lock()
				upiLinks = append(upiLinks, links...)
				upiMu.Unlock()
			}
			return err
		})
		if err != nil {
			return SystemCounterState{}, fmt.Errorf("sample: submit socket %d: %w", sock.Socket, err)
		}
		wg.Add(1)
		go func(i int, errCh <-chan error) {
			defer wg.Done()
			socketErrs[i] = <-errCh
		}(i, errCh)
	}

	wg.Wait()

	for i, err := range coreErrs {
		if err != nil {
			return SystemCounterState{}, fmt.Errorf("sample: core %d: %w", s.cores[i].CPU, err)
		}
	}
	for i, err := range socketErrs {
		if err != nil {
			return SystemCounterState{}, fmt.Errorf("sample: socket %d: %w", s.sockets[i].Socket, err)
		}
	}

	return BuildSystemState(socketStates, coreStates, upiLinks), nil
}
