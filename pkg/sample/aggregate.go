// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample

// sentinelAdd adds two counter values, propagating InvalidCounterValue:
// if either operand is the sentinel, the sum is the sentinel.
func sentinelAdd(a, b uint64) uint64 {
	if a == InvalidCounterValue || b == InvalidCounterValue {
		return InvalidCounterValue
	}
	return a + b
}

func addGPCounters(a, b []uint64) []uint64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		var av, bv uint64
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		out[i] = sentinelAdd(av, bv)
	}
	return out
}

func addTopDown(a, b TopDownSlots) TopDownSlots {
	return TopDownSlots{
		Frontend:  sentinelAdd(a.Frontend, b.Frontend),
		BadSpec:   sentinelAdd(a.BadSpec, b.BadSpec),
		Backend:   sentinelAdd(a.Backend, b.Backend),
		Retiring:  sentinelAdd(a.Retiring, b.Retiring),
		MemBound:  sentinelAdd(a.MemBound, b.MemBound),
		FetchLat:  sentinelAdd(a.FetchLat, b.FetchLat),
		BrMispred: sentinelAdd(a.BrMispred, b.BrMispred),
		HeavyOps:  sentinelAdd(a.HeavyOps, b.HeavyOps),
	}
}

func addCStateMaps(a, b map[int]uint64) map[int]uint64 {
	out := make(map[int]uint64, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = sentinelAdd(out[k], v)
	}
	return out
}

// AddCore associatively combines two CoreCounterState values. The result's
// InvariantTSC is the sum, matching the original tool's "sum of per-core
// TSC" normalization convention for socket-level rollups.
func AddCore(a, b CoreCounterState) CoreCounterState {
	return CoreCounterState{
		InvariantTSC:        sentinelAdd(a.InvariantTSC, b.InvariantTSC),
		InstructionsRetired: sentinelAdd(a.InstructionsRetired, b.InstructionsRetired),
		UnhaltedCoreCycles:  sentinelAdd(a.UnhaltedCoreCycles, b.UnhaltedCoreCycles),
		UnhaltedRefCycles:   sentinelAdd(a.UnhaltedRefCycles, b.UnhaltedRefCycles),
		GPCounters:          addGPCounters(a.GPCounters, b.GPCounters),
		TopDown:             addTopDown(a.TopDown, b.TopDown),
		CStateResidency:     addCStateMaps(a.CStateResidency, b.CStateResidency),
		SMICount:            sentinelAdd(a.SMICount, b.SMICount),
		ThermalHeadroom:     sentinelAdd(a.ThermalHeadroom, b.ThermalHeadroom),
	}
}

// SumCores reduces a slice of per-thread states into one socket-level
// aggregate by repeated pairwise AddCore.
func SumCores(cores []CoreCounterState) CoreCounterState {
	if len(cores) == 0 {
		return CoreCounterState{}
	}
	acc := cores[0]
	for _, c := range cores[1:] {
		acc = AddCore(acc, c)
	}
	return acc
}

// AddUncore associatively combines two per-socket uncore states, the
// building block for a whole-system total.
func AddUncore(a, b UncoreCounterState) UncoreCounterState {
	out := UncoreCounterState{
		IMCReads:               sentinelAdd(a.IMCReads, b.IMCReads),
		IMCWrites:              sentinelAdd(a.IMCWrites, b.IMCWrites),
		PMMReads:               sentinelAdd(a.PMMReads, b.PMMReads),
		PMMWrites:              sentinelAdd(a.PMMWrites, b.PMMWrites),
		NearMemoryHits:         sentinelAdd(a.NearMemoryHits, b.NearMemoryHits),
		NearMemoryMisses:       sentinelAdd(a.NearMemoryMisses, b.NearMemoryMisses),
		LinkFlitsIn:            sentinelAdd(a.LinkFlitsIn, b.LinkFlitsIn),
		LinkFlitsOut:           sentinelAdd(a.LinkFlitsOut, b.LinkFlitsOut),
		LinkL0Cycles:           sentinelAdd(a.LinkL0Cycles, b.LinkL0Cycles),
		LinkL1Cycles:           sentinelAdd(a.LinkL1Cycles, b.LinkL1Cycles),
		HomeAgentRequests:      sentinelAdd(a.HomeAgentRequests, b.HomeAgentRequests),
		HomeAgentRequestsLocal: sentinelAdd(a.HomeAgentRequestsLocal, b.HomeAgentRequestsLocal),
		UncoreClocks:           sentinelAdd(a.UncoreClocks, b.UncoreClocks),
		EnergyPackageUnits:     sentinelAdd(a.EnergyPackageUnits, b.EnergyPackageUnits),
		EnergyDRAMUnits:        sentinelAdd(a.EnergyDRAMUnits, b.EnergyDRAMUnits),
		CXLReadMem:             sentinelAdd(a.CXLReadMem, b.CXLReadMem),
		CXLWriteMem:            sentinelAdd(a.CXLWriteMem, b.CXLWriteMem),
		CXLReadCache:           sentinelAdd(a.CXLReadCache, b.CXLReadCache),
		DRAMClocks:             sentinelAdd(a.DRAMClocks, b.DRAMClocks),
		HBMClocks:              sentinelAdd(a.HBMClocks, b.HBMClocks),
		QoSMonitoringData:      sentinelAdd(a.QoSMonitoringData, b.QoSMonitoringData),
	}
	out.EnergyPowerPlanes = addStringMaps(a.EnergyPowerPlanes, b.EnergyPowerPlanes)
	out.IIOStackCounters = addStackMaps(a.IIOStackCounters, b.IIOStackCounters)
	out.IRPStackCounters = addStackMaps(a.IRPStackCounters, b.IRPStackCounters)
	return out
}

func addStringMaps(a, b map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = sentinelAdd(out[k], v)
	}
	return out
}

func addStackMaps(a, b map[string][]uint64) map[string][]uint64 {
	out := make(map[string][]uint64, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = addGPCounters(out[k], v)
	}
	return out
}

// SumUncore reduces a slice of per-socket states into the system total
// by repeated pairwise AddUncore.
func SumUncore(sockets []UncoreCounterState) UncoreCounterState {
	if len(sockets) == 0 {
		return UncoreCounterState{}
	}
	acc := sockets[0]
	for _, s := range sockets[1:] {
		acc = AddUncore(acc, s)
	}
	return acc
}

// BuildSystemState assembles the final SystemCounterState: per-socket
// uncore states and per-core states pass through unaggregated (callers
// needing the sums use SumUncore/SumCores directly), with the system's
// QPI/UPI per-port flit counters appended.
func BuildSystemState(sockets []UncoreCounterState, cores []CoreCounterState, upiLinks []UPILinkFlitCount) SystemCounterState {
	return SystemCounterState{
		Sockets:  sockets,
		Cores:    cores,
		UPILinks: upiLinks,
	}
}
