// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample

// sentinelSub returns after-before, wrapping on unsigned underflow the way
// a free-running hardware counter wraps, but returns 0 rather than a
// negative-looking huge value when either side is InvalidCounterValue —
// callers must not mistake a corrupted reading for a real delta.
func sentinelSub(before, after uint64) uint64 {
	if before == InvalidCounterValue || after == InvalidCounterValue {
		return 0
	}
	return after - before
}

// GetNumberOfEvents returns the delta between two GP counter reads for the
// same slot: 0 if either value is the corrupted-counter sentinel.
func GetNumberOfEvents(before, after CoreCounterState, slot int) uint64 {
	if slot >= len(before.GPCounters) || slot >= len(after.GPCounters) {
		return 0
	}
	return sentinelSub(before.GPCounters[slot], after.GPCounters[slot])
}

// GetInstructionsRetired, GetCycles, and GetRefCycles read out the three
// fixed-function counters' deltas.
func GetInstructionsRetired(before, after CoreCounterState) uint64 {
	return sentinelSub(before.InstructionsRetired, after.InstructionsRetired)
}

func GetCycles(before, after CoreCounterState) uint64 {
	return sentinelSub(before.UnhaltedCoreCycles, after.UnhaltedCoreCycles)
}

func GetRefCycles(before, after CoreCounterState) uint64 {
	return sentinelSub(before.UnhaltedRefCycles, after.UnhaltedRefCycles)
}

// GetInvariantTSC returns the elapsed invariant TSC between two states,
// the denominator for every derived-metric ratio (IPC, frequency, etc).
func GetInvariantTSC(before, after CoreCounterState) uint64 {
	return sentinelSub(before.InvariantTSC, after.InvariantTSC)
}

// GetSMICount returns the number of SMIs observed between two reads.
func GetSMICount(before, after CoreCounterState) uint64 {
	return sentinelSub(before.SMICount, after.SMICount)
}

// GetCStateResidency returns the delta residency (in TSC-equivalent
// cycles) for one C-state between two core reads.
func GetCStateResidency(before, after CoreCounterState, state int) uint64 {
	bv, ok := before.CStateResidency[state]
	if !ok {
		bv = InvalidCounterValue
	}
	av, ok := after.CStateResidency[state]
	if !ok {
		av = InvalidCounterValue
	}
	return sentinelSub(bv, av)
}

// GetIMCReads and GetIMCWrites return per-socket memory controller deltas.
func GetIMCReads(before, after UncoreCounterState) uint64 {
	return sentinelSub(before.IMCReads, after.IMCReads)
}

func GetIMCWrites(before, after UncoreCounterState) uint64 {
	return sentinelSub(before.IMCWrites, after.IMCWrites)
}

// GetPMMReads and GetPMMWrites return per-socket persistent-memory deltas.
func GetPMMReads(before, after UncoreCounterState) uint64 {
	return sentinelSub(before.PMMReads, after.PMMReads)
}

func GetPMMWrites(before, after UncoreCounterState) uint64 {
	return sentinelSub(before.PMMWrites, after.PMMWrites)
}

// GetConsumedEnergy returns the delta energy-status reading for a socket,
// still in raw MSR units; converting to joules needs the RAPL energy-unit
// scale factor, which is a topology-time constant outside this package.
func GetConsumedEnergy(before, after UncoreCounterState) uint64 {
	return sentinelSub(before.EnergyPackageUnits, after.EnergyPackageUnits)
}

func GetConsumedDRAMEnergy(before, after UncoreCounterState) uint64 {
	return sentinelSub(before.EnergyDRAMUnits, after.EnergyDRAMUnits)
}

// GetUPILinkFlits returns the delta in+out flit counts for one UPI link,
// matched between two system-level snapshots by port and link index.
func GetUPILinkFlits(before, after []UPILinkFlitCount, port, link int) (inFlits, outFlits uint64) {
	find := func(links []UPILinkFlitCount) (UPILinkFlitCount, bool) {
		for _, l := range links {
			if l.Port == port && l.Link == link {
				return l, true
			}
		}
		return UPILinkFlitCount{}, false
	}
	b, bok := find(before)
	a, aok := find(after)
	if !bok || !aok {
		return 0, 0
	}
	return sentinelSub(b.FlitsIn, a.FlitsIn), sentinelSub(b.FlitsOut, a.FlitsOut)
}
