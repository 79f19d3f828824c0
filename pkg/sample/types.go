// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sample implements the sampling engine: an atomic multi-socket
// freeze/read/unfreeze snapshot of every programmed counter, and the
// stateless aggregation and delta functions over the resulting states
// across the whole machine.
package sample

// InvalidCounterValue is the all-ones sentinel a corrupted or otherwise
// unavailable counter reads back as. The same sentinel value is reused
// for QoS/thermal readings this engine
// cannot obtain (PCM_INVALID_QOS_MONITORING_DATA / PCM_INVALID_THERMAL_
// HEADROOM in the original tool), since both situations mean "do not
// trust this field" and the delta/aggregation functions treat them
// identically.
const InvalidCounterValue uint64 = ^uint64(0)

// TopDownSlots is Intel TMA's four top-level buckets plus the L2
// breakdown.
type TopDownSlots struct {
	Frontend    uint64
	BadSpec     uint64
	Backend     uint64
	Retiring    uint64
	MemBound    uint64
	FetchLat    uint64
	BrMispred   uint64
	HeavyOps    uint64
}

// CoreCounterState is one logical thread's snapshot.
type CoreCounterState struct {
	InvariantTSC uint64

	InstructionsRetired uint64
	UnhaltedCoreCycles  uint64
	UnhaltedRefCycles   uint64

	GPCounters []uint64 // up to 8 general-purpose counters

	TopDown TopDownSlots

	CStateResidency map[int]uint64 // C-state index -> residency cycles

	SMICount        uint64
	ThermalHeadroom uint64 // InvalidCounterValue if unavailable

	// L3Occupancy is the RDT/CMT L3 cache occupancy in bytes for this
	// thread's currently-assigned RMID, InvalidCounterValue if RDT
	// monitoring isn't programmed for this core.
	L3Occupancy uint64

	UserMSRs map[uint64]uint64

	Corrupted []bool // parallel to GPCounters
}

// UncoreCounterState is one socket's snapshot.
type UncoreCounterState struct {
	IMCReads  uint64
	IMCWrites uint64

	PMMReads  uint64
	PMMWrites uint64

	NearMemoryHits   uint64
	NearMemoryMisses uint64

	LinkFlitsIn  uint64
	LinkFlitsOut uint64
	LinkL0Cycles uint64
	LinkL1Cycles uint64

	HomeAgentRequests      uint64
	HomeAgentRequestsLocal uint64

	UncoreClocks uint64

	EnergyPackageUnits uint64
	EnergyDRAMUnits    uint64
	EnergyPowerPlanes  map[string]uint64

	CXLReadMem   uint64
	CXLWriteMem  uint64
	CXLReadCache uint64

	DRAMClocks uint64
	HBMClocks  uint64

	IIOStackCounters map[string][]uint64 // stack name -> per-counter raw values
	IRPStackCounters map[string][]uint64

	ChannelRaw map[int][]uint64 // memory channel index -> raw counter values

	UserMSRs map[uint64]uint64

	// QoSMonitoringData is InvalidCounterValue when RDT/MBM monitoring is
	// unavailable for this socket.
	QoSMonitoringData uint64
}

// UPILinkFlitCount is one QPI/UPI port's per-link flit counters, rolled
// up at the system level.
type UPILinkFlitCount struct {
	Port  int
	Link  int
	FlitsIn  uint64
	FlitsOut uint64
}

// SystemCounterState is the whole-machine snapshot.
type SystemCounterState struct {
	Sockets []UncoreCounterState
	Cores   []CoreCounterState

	UPILinks []UPILinkFlitCount
}
