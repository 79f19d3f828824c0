// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pcm is the consumer-facing façade over the topology, PMU
// inventory, programming engine and sampling engine packages: New,
// Program, GetAllCounterStates, Cleanup, grounded on a performance
// manager coordinating a collector registry.
package pcm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/antimetal/pcm/pkg/cpuidutil"
	"github.com/antimetal/pcm/pkg/pcmconfig"
	"github.com/antimetal/pcm/pkg/pmuinv"
	"github.com/antimetal/pcm/pkg/program"
	"github.com/antimetal/pcm/pkg/register"
	"github.com/antimetal/pcm/pkg/sample"
	"github.com/antimetal/pcm/pkg/topology"
	"github.com/antimetal/pcm/pkg/transport"
)

const extenderWatchdogPeriod = time.Second

// Architectural MSR addresses the sampler reads directly; duplicated
// from pkg/program's constants, which that package does not export.
const (
	msrTSC               = 0x10
	msrPerfGlobalStatus  = 0x38E
	msrPerfGlobalOvfCtrl = 0x390
	msrFixedCtr0         = 0x309
	msrPMC0              = 0xC1
	msrPerfMetrics       = 0x329

	msrPkgEnergyStatus  = 0x611
	msrDRAMEnergyStatus = 0x619
	msrPP0EnergyStatus  = 0x639
	msrPP1EnergyStatus  = 0x641

	msrPQRAssoc = 0xC8F
)

// rdtRMID is the single RMID this engine assigns to every monitored core
// when programming RDT L3-occupancy/MBM monitoring. A richer scheme
// would assign one RMID per cgroup or per-application; this engine
// only needs a machine-wide reading.
const rdtRMID = 1

// mbmAffectedBySKZ4 reports whether uarch is subject to erratum SKZ4
// (Skylake-SP/Cascade Lake/Cooper Lake), under which IA32_QM_CTR
// bandwidth (EventID 1) readings drift and cannot be trusted without
// the BIOS/microcode workaround PCM's upstream documents. L3 occupancy
// (EventID 0) is unaffected and stays wired regardless.
func mbmAffectedBySKZ4(uarch pmuinv.Uarch) bool {
	return uarch == pmuinv.UarchSKXCLXCPX
}

// Options configures a new PCM instance.
type Options struct {
	Config pcmconfig.Config
	Logger logr.Logger

	// Mode selects one of the predefined programming profiles; Custom is
	// only consulted when Mode is program.ModeExtendedCustom.
	Mode   program.ProgramMode
	Custom *program.ExtendedCustomCoreEventDescription

	// PCUProfile selects which PCU event grouping to program on sockets
	// that expose a PCU uncore block. Zero value leaves the PCU
	// unprogrammed.
	PCUProfile pmuinv.PCUProfile

	// UserCoreMSRs and UserSocketMSRs let a caller request additional raw
	// MSR reads beyond the fixed set this package already wires, surfaced
	// in CoreCounterState.UserMSRs (per logical thread) and
	// UncoreCounterState.UserMSRs (once per socket's reference core).
	UserCoreMSRs   []uint64
	UserSocketMSRs []uint64
}

// PCM coordinates topology discovery, PMU inventory, the programming
// engine and the sampling engine behind a single handle, the way a
// performance manager coordinates a collector registry.
type PCM struct {
	logger     logr.Logger
	cfg        pcmconfig.Config
	mode       program.ProgramMode
	custom     *program.ExtendedCustomCoreEventDescription
	pcuProfile pmuinv.PCUProfile
	uarch      pmuinv.Uarch

	topo      *topology.Topology
	msr       map[int]*transport.MSRHandle
	inventory *pmuinv.InventoryBuilder

	pool    *program.WorkerPool
	engine  *program.Engine
	sampler *sample.Sampler

	extenders []*register.CounterWidthExtender
	perfRegs  []*register.PerfRegister

	userCoreMSRs   []uint64
	userSocketMSRs []uint64
}

// New discovers the machine's topology, opens one MSR handle per online
// core, and builds the per-socket uncore PMU inventory. It does not
// program any counters; call Program for that.
func New(opts Options) (*PCM, error) {
	logger := opts.Logger.WithName("pcm")
	cfg := opts.Config
	cfg.ApplyDefaults()

	topo, err := topology.BuildNative(cfg.IgnoreArchPerfmon, logger)
	if err != nil {
		return nil, fmt.Errorf("pcm: topology: %w", err)
	}
	if cfg.PrintTopology {
		topo.LogTable(logger)
	}

	msr := make(map[int]*transport.MSRHandle, len(topo.Entries))
	for _, e := range topo.Entries {
		if e.OSID < 0 {
			continue
		}
		h, err := transport.OpenMSR(e.OSID, cfg.HostDevPath, cfg.HostSysPath, logger)
		if err != nil {
			for _, opened := range msr {
				opened.Close()
			}
			return nil, fmt.Errorf("pcm: open msr for cpu %d: %w", e.OSID, err)
		}
		msr[e.OSID] = h
	}

	inv := pmuinv.NewInventoryBuilder(cfg, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	inv.DetectCloud(ctx)
	cancel()

	family, model, _ := cpuidutil.FamilyModelStepping(cpuidutil.NativeSource{})
	uarch := pmuinv.UarchFromModel(family, model)
	if table, ok := pmuinv.DirectBindingTable(uarch); ok {
		for socket := 0; socket < topo.NumSockets; socket++ {
			pmus, err := buildDirectCHAPMUs(table, socket, msr, topo)
			if err != nil {
				logger.V(1).Info("direct CHA binding unavailable", "socket", socket, "error", err)
				continue
			}
			inv.AddDirect(uarch, socket, 0, pmus)
		}
	}

	return &PCM{
		logger:         logger,
		cfg:            cfg,
		mode:           opts.Mode,
		custom:         opts.Custom,
		pcuProfile:     opts.PCUProfile,
		uarch:          uarch,
		topo:           topo,
		msr:            msr,
		inventory:      inv,
		userCoreMSRs:   opts.UserCoreMSRs,
		userSocketMSRs: opts.UserSocketMSRs,
	}, nil
}

// buildDirectCHAPMUs constructs one CHA (CBo) UncorePMU per entry in the
// uarch's direct address table, using a representative 2-control/2-counter
// register layout (base, base+1 for slot 0; base+2, base+3 for slot 1).
// The exact per-uarch offset spacing lives in Intel's uncore programming
// guides, which original_source/ does not carry; this layout is a
// documented placeholder (see DESIGN.md).
func buildDirectCHAPMUs(table pmuinv.DirectAddressTable, socket int, msr map[int]*transport.MSRHandle, topo *topology.Topology) ([]*pmuinv.UncorePMU, error) {
	refCPU := referenceCPUForSocket(topo, socket)
	h, ok := msr[refCPU]
	if !ok {
		return nil, fmt.Errorf("no msr handle for reference cpu %d", refCPU)
	}

	var pmus []*pmuinv.UncorePMU
	for i, base := range table.CHABaseMSR {
		gpControl := []register.HWRegister{
			&register.MSRRegister{Handle: h, MSR: base},
			&register.MSRRegister{Handle: h, MSR: base + 2},
		}
		gpCounter := []register.HWRegister{
			&register.MSRRegister{Handle: h, MSR: base + 1},
			&register.MSRRegister{Handle: h, MSR: base + 3},
		}
		pmu, err := pmuinv.NewUncorePMU(pmuinv.KindCHA, socket, i, nil, gpControl, gpCounter)
		if err != nil {
			return nil, err
		}
		pmus = append(pmus, pmu)
	}
	return pmus, nil
}

// nmiWatchdogActive reports whether the Linux perf NMI watchdog is
// currently enabled, per /proc/sys/kernel/nmi_watchdog. A watchdog in that
// state commandeers one GP counter per core, which CheckExclusivity and
// AvailableGPCounters must account for.
func (p *PCM) nmiWatchdogActive() bool {
	data, err := os.ReadFile(filepath.Join(p.cfg.HostProcPath, "sys/kernel/nmi_watchdog"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

func referenceCPUForSocket(topo *topology.Topology, socket int) int {
	for _, e := range topo.Entries {
		if e.OSID >= 0 && int(e.SocketID) == socket {
			return e.OSID
		}
	}
	return 0
}

// Program builds the configured core program, runs the exclusivity check
// and NMI-watchdog capture, programs every core and every direct-bound
// uncore PMU, and wires up the sampling engine.
func (p *PCM) Program() error {
	cp, err := program.BuildCoreProgram(p.mode, p.custom)
	if err != nil {
		return fmt.Errorf("pcm: build core program: %w", err)
	}

	engine, err := program.NewEngine(p.msr, p.logger)
	if err != nil {
		return fmt.Errorf("pcm: new engine: %w", err)
	}

	nativeGP := int(p.topo.PMU.NumGPCounters)
	if nativeGP == 0 {
		nativeGP = 4
	}
	watchdogSlot := -1
	if p.nmiWatchdogActive() {
		if err := engine.CaptureNMIWatchdog(p.cfg.HostProcPath, p.cfg.KeepNMIWatchdog); err != nil {
			return fmt.Errorf("pcm: nmi watchdog: %w", err)
		}
		if p.cfg.KeepNMIWatchdog {
			p.inventory.NMIWatchdogReservesOneGPCounter = true
			watchdogSlot = p.inventory.AvailableGPCounters(nativeGP)
		}
	}

	if err := engine.CheckExclusivity(p.topo.PMU.Version, len(cp.GP), watchdogSlot); err != nil {
		return fmt.Errorf("pcm: exclusivity check: %w", err)
	}

	cpus := make([]int, 0, len(p.msr))
	for cpu := range p.msr {
		cpus = append(cpus, cpu)
	}
	pool, err := program.NewWorkerPool(cpus, p.logger)
	if err != nil {
		return fmt.Errorf("pcm: new worker pool: %w", err)
	}

	uncorePMUs := p.inventory.PMUs()
	uncoreEvents := make(map[*pmuinv.UncorePMU][]pmuinv.EventConfig, len(uncorePMUs))
	for _, pmu := range uncorePMUs {
		if pmu.Kind == pmuinv.KindPCU && p.pcuProfile != 0 {
			events, err := pmuinv.PCUProfileEvents(p.uarch, p.pcuProfile)
			if err != nil {
				pool.Close()
				return fmt.Errorf("pcm: pcu profile: %w", err)
			}
			uncoreEvents[pmu] = events
			continue
		}
		uncoreEvents[pmu] = defaultUncoreEvents(pmu.NumCounters())
	}

	// When the perf transport owns the GP counters (the default; NoPerf
	// forces the direct-MSR path below instead), the engine must not also
	// write IA32_PERFEVTSELx for them: the kernel's perf subsystem and this
	// engine's direct MSR writes would otherwise fight over the same
	// counter slots. Fixed counters and uncore PMUs always stay direct.
	engineCP := cp
	if !p.cfg.NoPerf {
		engineCP.GP = nil
	}
	if err := engine.Program(engineCP, uncorePMUs, uncoreEvents, ^uint64(0), 0); err != nil {
		pool.Close()
		return fmt.Errorf("pcm: program: %w", err)
	}

	if p.mode == program.ModeRDT && !p.cfg.NoRDT && !p.cfg.UseResctrl {
		if err := p.programRDTAssociation(); err != nil {
			pool.Close()
			return fmt.Errorf("pcm: rdt association: %w", err)
		}
	}

	cores, err := p.buildCoreSamplers(cp)
	if err != nil {
		pool.Close()
		return err
	}
	sockets := p.buildSocketSamplers()

	p.pool = pool
	p.engine = engine
	p.sampler = sample.NewSampler(pool, cores, sockets, p.logger)
	return nil
}

// programRDTAssociation writes IA32_PQR_ASSOC on every monitored core,
// pinning it to rdtRMID so the next IA32_QM_CTR read (selected via
// IA32_QM_EVTSEL) reports that RMID's L3 occupancy and memory bandwidth.
func (p *PCM) programRDTAssociation() error {
	for _, h := range p.msr {
		if err := h.Write(msrPQRAssoc, uint64(rdtRMID)<<32); err != nil {
			return fmt.Errorf("cpu %d: write pqr_assoc: %w", h.CoreID(), err)
		}
	}
	return nil
}

func defaultUncoreEvents(n int) []pmuinv.EventConfig {
	events := make([]pmuinv.EventConfig, n)
	for i := range events {
		events[i] = pmuinv.EventConfig{Slot: i, EventSelect: 0x01}
	}
	return events
}

func (p *PCM) buildCoreSamplers(cp program.CoreProgram) ([]*sample.CoreSampler, error) {
	cores := make([]*sample.CoreSampler, 0, len(p.msr))
	for cpu, h := range p.msr {
		cs := &sample.CoreSampler{
			CPU:             cpu,
			InvariantTSC:    &register.MSRRegister{Handle: h, MSR: msrTSC},
			GlobalStatus:    &register.MSRRegister{Handle: h, MSR: msrPerfGlobalStatus},
			GlobalOvfCtrl:   &register.MSRRegister{Handle: h, MSR: msrPerfGlobalOvfCtrl},
			ThermalHeadroom: &register.MSRRegister{Handle: h, MSR: program.ThermStatusMSR(false)},
			SMICount:        &register.MSRRegister{Handle: h, MSR: program.SMICountMSR()},
			CStateResidency: map[int]register.HWRegister{},
		}

		for _, state := range []int{3, 6, 7} {
			if addr, ok := program.CStateMSR(state, false); ok {
				cs.CStateResidency[state] = &register.MSRRegister{Handle: h, MSR: addr}
			}
		}

		if p.topo.PMU.Version >= 4 {
			cs.TopDownSlots = &register.MSRRegister{Handle: h, MSR: msrPerfMetrics}
		}

		if p.mode == program.ModeRDT && !p.cfg.NoRDT {
			if p.cfg.UseResctrl {
				socket := socketForCPU(p.topo, cpu)
				cs.L3Occupancy = &register.ResctrlRegister{
					Path: filepath.Join(p.cfg.HostSysPath, "fs/resctrl/mon_data",
						fmt.Sprintf("mon_L3_%02d", socket), "llc_occupancy"),
				}
			} else {
				cs.L3Occupancy = &register.QMRegister{Handle: h, RMID: rdtRMID, EventID: 0}
			}
		}

		if len(p.userCoreMSRs) > 0 {
			cs.UserMSRs = make(map[uint64]register.HWRegister, len(p.userCoreMSRs))
			for _, addr := range p.userCoreMSRs {
				cs.UserMSRs[addr] = &register.MSRRegister{Handle: h, MSR: addr}
			}
		}

		for i := 0; i < 3; i++ {
			reg := &register.MSRRegister{Handle: h, MSR: msrFixedCtr0 + uint64(i)}
			ext, err := register.NewCounterWidthExtender(reg, 48, extenderWatchdogPeriod, p.logger)
			if err != nil {
				return nil, fmt.Errorf("pcm: fixed counter extender cpu %d: %w", cpu, err)
			}
			p.extenders = append(p.extenders, ext)
			cs.FixedCounters = append(cs.FixedCounters, ext)
		}

		if p.cfg.NoPerf {
			for _, gp := range cp.GP {
				reg := &register.MSRRegister{Handle: h, MSR: msrPMC0 + uint64(gp.Slot)}
				ext, err := register.NewCounterWidthExtender(reg, 48, extenderWatchdogPeriod, p.logger)
				if err != nil {
					return nil, fmt.Errorf("pcm: gp counter extender cpu %d slot %d: %w", cpu, gp.Slot, err)
				}
				p.extenders = append(p.extenders, ext)
				cs.GPCounters = append(cs.GPCounters, ext)
			}
		} else {
			regs, err := p.openPerfGPCounters(cpu, cp.GP)
			if err != nil {
				return nil, fmt.Errorf("pcm: perf gp counters cpu %d: %w", cpu, err)
			}
			cs.GPCounters = regs
		}

		cores = append(cores, cs)
	}
	return cores, nil
}

// openPerfGPCounters opens one perf_event_open leader plus group-follower
// events for cpu's GP counters, the Linux perf pseudo-PMU alternative to
// writing IA32_PERFEVTSELx/IA32_PERF_GLOBAL_CTRL directly: the kernel
// arbitrates exclusivity with other perf consumers and the counters come
// back already 64-bit, so no width extender is needed. Grouping them under
// one leader and enabling only the leader arms the whole set atomically.
func (p *PCM) openPerfGPCounters(cpu int, gp []program.CoreEventConfig) ([]register.HWRegister, error) {
	regs := make([]register.HWRegister, 0, len(gp))
	var leader *transport.PerfEvent
	for _, ev := range gp {
		config := uint64(ev.Event) | uint64(ev.Umask)<<8
		group := leader
		open := func(cfg uint64) (*transport.PerfEvent, error) {
			return transport.OpenPerfEvent(transport.PerfEventConfig{
				Type: unix.PERF_TYPE_RAW, Config: cfg, CPU: cpu, Pid: -1,
			}, group)
		}
		event, err := open(config)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", ev.Slot, err)
		}
		if leader == nil {
			leader = event
		}
		pr := register.NewPerfRegister(event, open)
		p.perfRegs = append(p.perfRegs, pr)
		regs = append(regs, pr)
	}
	if leader != nil {
		if err := leader.Enable(); err != nil {
			return nil, fmt.Errorf("enable group leader: %w", err)
		}
	}
	return regs, nil
}

// socketForCPU returns the dense socket id topo assigns to cpu's online
// entry, or 0 if not found.
func socketForCPU(topo *topology.Topology, cpu int) int {
	for _, e := range topo.Entries {
		if e.OSID == cpu {
			return int(e.SocketID)
		}
	}
	return 0
}

func (p *PCM) buildSocketSamplers() []*sample.SocketSampler {
	bySocket := map[int][]*pmuinv.UncorePMU{}
	for _, pmu := range p.inventory.PMUs() {
		bySocket[pmu.Socket] = append(bySocket[pmu.Socket], pmu)
	}

	sockets := make([]*sample.SocketSampler, 0, len(bySocket))
	for socket, pmus := range bySocket {
		refCPU := referenceCPUForSocket(p.topo, socket)
		h, ok := p.msr[refCPU]
		if !ok {
			sockets = append(sockets, &sample.SocketSampler{Socket: socket, ReferenceCPU: refCPU, PMUs: pmus})
			continue
		}

		ss := &sample.SocketSampler{
			Socket:        socket,
			ReferenceCPU:  refCPU,
			PMUs:          pmus,
			StackNames:    pmuinv.StackNamesForUarch(p.uarch),
			EnergyPackage: &register.MSRRegister{Handle: h, MSR: msrPkgEnergyStatus},
			EnergyDRAM:    &register.MSRRegister{Handle: h, MSR: msrDRAMEnergyStatus},
			PowerPlanes: map[string]register.HWRegister{
				"pp0": &register.MSRRegister{Handle: h, MSR: msrPP0EnergyStatus},
				"pp1": &register.MSRRegister{Handle: h, MSR: msrPP1EnergyStatus},
			},
		}

		if p.mode == program.ModeRDT && !p.cfg.NoRDT && (!mbmAffectedBySKZ4(p.uarch) || p.cfg.EnforceMBM) {
			if p.cfg.UseResctrl {
				ss.QoSMonitoring = &register.ResctrlRegister{
					Path: filepath.Join(p.cfg.HostSysPath, "fs/resctrl/mon_data",
						fmt.Sprintf("mon_L3_%02d", socket), "mbm_total_bytes"),
				}
			} else {
				ss.QoSMonitoring = &register.QMRegister{Handle: h, RMID: rdtRMID, EventID: 1}
			}
		}

		if len(p.userSocketMSRs) > 0 {
			ss.UserMSRs = make(map[uint64]register.HWRegister, len(p.userSocketMSRs))
			for _, addr := range p.userSocketMSRs {
				ss.UserMSRs[addr] = &register.MSRRegister{Handle: h, MSR: addr}
			}
		}

		sockets = append(sockets, ss)
	}
	return sockets
}

// GetAllCounterStates takes an atomic snapshot of every programmed
// counter. Program must have been called first.
func (p *PCM) GetAllCounterStates(ctx context.Context) (sample.SystemCounterState, error) {
	if p.sampler == nil {
		return sample.SystemCounterState{}, fmt.Errorf("pcm: Program has not been called")
	}
	return p.sampler.GetAllCounterStates(ctx)
}

// Cleanup resets every programmed register to its pre-Program state,
// stops the worker pool and width-extender watchdogs, and closes every
// MSR handle.
func (p *PCM) Cleanup() error {
	var firstErr error
	for _, ext := range p.extenders {
		ext.Stop()
	}
	for _, pr := range p.perfRegs {
		if err := pr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.engine != nil {
		if err := p.engine.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.engine.Close()
	}
	if p.pool != nil {
		p.pool.Close()
	}
	for cpu, h := range p.msr {
		if lastErr, ok := h.LastError(); ok {
			p.logger.V(1).Info("cpu had recent register access errors", "cpu", cpu, "lastError", lastErr)
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Topology returns the discovered machine topology.
func (p *PCM) Topology() *topology.Topology { return p.topo }
