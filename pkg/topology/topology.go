// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/pcm/pkg/cpuidutil"
)

// Entry is one logical thread's position in the topology tree.
type Entry struct {
	OSID           int // OS thread index, or -1 if offline
	ThreadID       uint32
	CoreID         uint32
	TileID         uint32
	ModuleID       uint32
	DieID          uint32
	DieGroupID     uint32
	SocketID       uint32
	NativeCPUModel uint32
	CoreType       HybridCoreType
}

// Topology is the decoded thread/core/tile/module/die/socket tree for the
// whole machine, plus the CPUID-derived PMU shape every thread shares.
type Topology struct {
	Entries    []Entry
	NumSockets int
	PMU        PMUVersionInfo
	Hybrid     bool
	Hypervisor bool
}

// APICIDReader returns the calling thread's x2APIC id. Production callers
// pin to a logical CPU (cpuidutil.PinToCPU) and then read CPUID leaf
// 0x0B/0x1F's EDX output; tests inject a fixed or table-driven reader.
type APICIDReader func(logicalCPU int) (uint32, error)

// Build discovers the full system topology: it validates the vendor,
// reads the PMU/hybrid CPUID leaves, decodes the domain shift table, and
// for every online CPU reported by onlineCPUs it reads and decodes an
// APIC id. ignoreArchPerfmon mirrors pcmconfig.Config.IgnoreArchPerfmon:
// when false, Build refuses to continue on a hypervisor that reports no
// architectural-perfmon CPUID leaf, since the PMU shape it would otherwise
// assume is almost certainly wrong.
func Build(src cpuidutil.Source, onlineCPUs []int, readAPICID APICIDReader, ignoreArchPerfmon bool, logger logr.Logger) (*Topology, error) {
	logger = logger.WithName("topology")

	if !cpuidutil.IsGenuineIntel(src) {
		return nil, fmt.Errorf("topology: not a GenuineIntel part")
	}

	domains := ReadDomains(src)
	if len(domains) == 0 {
		return nil, fmt.Errorf("topology: no usable leaf 0x1F/0x0B domains reported")
	}

	pmu := ReadPMUVersion(src)
	hv := cpuidutil.HypervisorPresent(src)
	family, model, stepping := cpuidutil.FamilyModelStepping(src)

	if pmu.Version == 0 {
		logger.V(1).Info("no architectural-perfmon CPUID leaf reported", "hypervisor", hv, "family", family, "model", model, "stepping", stepping)
		if hv && !ignoreArchPerfmon {
			return nil, fmt.Errorf("topology: hypervisor exposes no architectural-perfmon CPUID leaf (family=%#x model=%#x stepping=%#x); set IgnoreArchPerfmon to continue anyway", family, model, stepping)
		}
	}

	t := &Topology{PMU: pmu, Hypervisor: hv}

	rawSocketOrder := make([]uint32, 0)
	seenSocket := make(map[uint32]int) // apic socket id -> dense id

	for _, cpu := range onlineCPUs {
		apicID, err := readAPICID(cpu)
		if err != nil {
			logger.V(1).Info("failed to read APIC id, marking offline", "cpu", cpu, "error", err)
			t.Entries = append(t.Entries, Entry{OSID: -1})
			continue
		}

		decoded := DecodeAPICID(apicID, domains)

		denseSocket, ok := seenSocket[decoded.Socket]
		if !ok {
			denseSocket = len(rawSocketOrder)
			seenSocket[decoded.Socket] = denseSocket
			rawSocketOrder = append(rawSocketOrder, decoded.Socket)
		}

		entry := Entry{
			OSID:       cpu,
			ThreadID:   decoded.Thread,
			CoreID:     decoded.Core,
			TileID:     decoded.Tile,
			ModuleID:   decoded.Module,
			DieID:      decoded.Die,
			DieGroupID: decoded.DieGroup,
			SocketID:   uint32(denseSocket),
		}

		if hybridType, nativeModel := ReadHybridCoreType(src); hybridType != CoreTypeUnknown {
			entry.CoreType = hybridType
			entry.NativeCPUModel = nativeModel
			t.Hybrid = true
		}

		t.Entries = append(t.Entries, entry)
	}

	t.NumSockets = len(rawSocketOrder)
	return t, nil
}

// OnlineThreadCount returns the number of entries that made it online
// (OSID >= 0).
func (t *Topology) OnlineThreadCount() int {
	n := 0
	for _, e := range t.Entries {
		if e.OSID >= 0 {
			n++
		}
	}
	return n
}

// ThreadsOnSocket returns every online entry assigned to the given dense
// socket id.
func (t *Topology) ThreadsOnSocket(socket uint32) []Entry {
	var out []Entry
	for _, e := range t.Entries {
		if e.OSID >= 0 && e.SocketID == socket {
			out = append(out, e)
		}
	}
	return out
}

// LogTable emits one log line per online thread, recording its socket,
// die, core and thread placement alongside the PMU shape the whole
// machine shares. Intended for a one-shot startup dump, not per-sample
// logging.
func (t *Topology) LogTable(logger logr.Logger) {
	logger.Info("pmu shape", "version", t.PMU.Version, "gpCounters", t.PMU.NumGPCounters,
		"gpCounterWidth", t.PMU.GPCounterWidth, "fixedCounters", t.PMU.NumFixedCounters,
		"hybrid", t.Hybrid, "hypervisor", t.Hypervisor, "sockets", t.NumSockets)
	for _, e := range t.Entries {
		if e.OSID < 0 {
			continue
		}
		logger.Info("thread", "osid", e.OSID, "socket", e.SocketID, "die", e.DieID,
			"core", e.CoreID, "thread", e.ThreadID, "coreType", e.CoreType)
	}
}
