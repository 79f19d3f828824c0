// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package program

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/pcm/pkg/pcmerrors"
	"github.com/antimetal/pcm/pkg/pmuinv"
	"github.com/antimetal/pcm/pkg/transport"
)

// ProgramMode selects one of the predefined programming profiles: default
// cache, extended-custom, per-socket memory, power, IIO, PCIe, QPI, RDT.
type ProgramMode string

const (
	ModeCache           ProgramMode = "cache"
	ModeExtendedCustom  ProgramMode = "extended_custom"
	ModeMemory          ProgramMode = "memory"
	ModePower           ProgramMode = "power"
	ModeIIO             ProgramMode = "iio"
	ModePCIe            ProgramMode = "pcie"
	ModeQPI             ProgramMode = "qpi"
	ModeRDT             ProgramMode = "rdt"
)

// Engine owns the per-core MSR handles, the worker pool, and the
// programmed state of every core and uncore PMU on the machine.
type Engine struct {
	logger logr.Logger
	pool   *WorkerPool
	msr    map[int]*transport.MSRHandle // cpu -> handle

	mu               sync.Mutex
	globalEnableMask uint64
	enableMaskSet    bool
	corrupted        map[int][]bool // cpu -> per-GP-slot corruption flags
	uncore           []*pmuinv.UncorePMU
	watchdogCaptured bool
	watchdogDisabled bool
	watchdogPath     string
}

// NewEngine constructs an Engine over the given per-cpu MSR handles. The
// caller retains ownership of the handles and is responsible for closing
// them once the Engine is no longer used.
func NewEngine(msrHandles map[int]*transport.MSRHandle, logger logr.Logger) (*Engine, error) {
	cpus := make([]int, 0, len(msrHandles))
	for cpu := range msrHandles {
		cpus = append(cpus, cpu)
	}
	pool, err := NewWorkerPool(cpus, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{
		logger:    logger.WithName("program"),
		pool:      pool,
		msr:       msrHandles,
		corrupted: make(map[int][]bool),
	}, nil
}

// CheckExclusivity reads IA32_PERF_GLOBAL_INUSE (PMU v4+) and every
// IA32_PERFEVTSELx on every core, failing with pcmerrors.KindPMUBusy if any
// slot is already in use by something other than the NMI watchdog.
func (e *Engine) CheckExclusivity(pmuVersion uint32, numGPCounters int, nmiWatchdogSlot int) error {
	return e.pool.SubmitAll(func(cpu int) error {
		handle := e.msr[cpu]

		if pmuVersion >= 4 {
			inUse, err := handle.Read(msrPerfGlobalInUse)
			if err != nil {
				return pcmerrors.MSRAccessDenied("program", -1, err)
			}
			for slot := 0; slot < numGPCounters; slot++ {
				if inUse&(1<<uint(slot)) != 0 && slot != nmiWatchdogSlot {
					return pcmerrors.PMUBusy("program", fmt.Sprintf("gp%d", slot))
				}
			}
			return nil
		}

		for slot := 0; slot < numGPCounters; slot++ {
			v, err := handle.Read(perfEvtSelMSR(slot))
			if err != nil {
				return pcmerrors.MSRAccessDenied("program", -1, err)
			}
			const enableBit = 1 << 22
			if v&enableBit != 0 && slot != nmiWatchdogSlot {
				return pcmerrors.PMUBusy("program", fmt.Sprintf("gp%d", slot))
			}
		}
		return nil
	})
}

// CaptureNMIWatchdog accounts for the kernel's in-progress NMI watchdog.
// When keep is false it disables the watchdog by writing 0 to
// hostProcPath's nmi_watchdog sysctl, freeing the GP counter it occupied
// for programming; Cleanup restores it to 1 afterwards. When keep is true
// the watchdog is left running and its GP counter stays reserved.
func (e *Engine) CaptureNMIWatchdog(hostProcPath string, keep bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchdogCaptured = true
	if keep {
		return nil
	}

	path := filepath.Join(hostProcPath, "sys/kernel/nmi_watchdog")
	if err := os.WriteFile(path, []byte("0"), 0644); err != nil {
		return fmt.Errorf("program: disable nmi watchdog: %w", err)
	}
	e.watchdogDisabled = true
	e.watchdogPath = path
	return nil
}

// Program dispatches per-core programming to the worker pool and then programs every supplied uncore PMU (step 5).
func (e *Engine) Program(cp CoreProgram, uncore []*pmuinv.UncorePMU, uncoreEvents map[*pmuinv.UncorePMU][]pmuinv.EventConfig, freezeMask, resetUnfreezeMask uint64) error {
	mask := cp.globalEnableMask()

	e.mu.Lock()
	if e.enableMaskSet && e.globalEnableMask != mask {
		e.mu.Unlock()
		return fmt.Errorf("program: global enable mask changed between Program calls (%#x != %#x)", e.globalEnableMask, mask)
	}
	e.globalEnableMask = mask
	e.enableMaskSet = true
	e.mu.Unlock()

	if err := e.pool.SubmitAll(func(cpu int) error {
		return e.programCore(cpu, cp, mask)
	}); err != nil {
		return err
	}

	for _, pmu := range uncore {
		if err := pmu.InitFreeze(freezeMask); err != nil {
			return fmt.Errorf("program: uncore %s socket %d: %w", pmu.Kind, pmu.Socket, err)
		}
		if err := pmu.Program(uncoreEvents[pmu]); err != nil {
			return fmt.Errorf("program: uncore %s socket %d: %w", pmu.Kind, pmu.Socket, err)
		}
		if err := pmu.ResetUnfreeze(resetUnfreezeMask); err != nil {
			return fmt.Errorf("program: uncore %s socket %d: %w", pmu.Kind, pmu.Socket, err)
		}
	}
	e.mu.Lock()
	e.uncore = append(e.uncore, uncore...)
	e.mu.Unlock()

	return nil
}

func (e *Engine) programCore(cpu int, cp CoreProgram, mask uint64) error {
	handle := e.msr[cpu]

	if err := handle.Write(msrPerfGlobalCtrl, 0); err != nil {
		return pcmerrors.MSRAccessDenied("program", -1, err)
	}
	if err := handle.Write(msrFixedCtrCtrl, cp.Fixed.Encode()); err != nil {
		return pcmerrors.MSRAccessDenied("program", -1, err)
	}
	for _, ev := range cp.GP {
		if err := handle.Write(perfEvtSelMSR(ev.Slot), ev.Encode()); err != nil {
			return pcmerrors.MSRAccessDenied("program", -1, err)
		}
	}

	if cp.Sideband.OffcoreRsp0 != nil {
		if err := handle.Write(msrOffcoreRsp0, *cp.Sideband.OffcoreRsp0); err != nil {
			return pcmerrors.MSRAccessDenied("program", -1, err)
		}
	}
	if cp.Sideband.OffcoreRsp1 != nil {
		if err := handle.Write(msrOffcoreRsp1, *cp.Sideband.OffcoreRsp1); err != nil {
			return pcmerrors.MSRAccessDenied("program", -1, err)
		}
	}
	if cp.Sideband.LoadLatency != nil {
		if err := handle.Write(msrLoadLatency, *cp.Sideband.LoadLatency); err != nil {
			return pcmerrors.MSRAccessDenied("program", -1, err)
		}
		if cp.Sideband.PEBSEnableBit != nil {
			if err := handle.Write(msrPEBSEnable, 1<<uint(*cp.Sideband.PEBSEnableBit)); err != nil {
				return pcmerrors.MSRAccessDenied("program", -1, err)
			}
		}
	}
	if cp.Sideband.Frontend != nil {
		if err := handle.Write(msrFrontend, *cp.Sideband.Frontend); err != nil {
			return pcmerrors.MSRAccessDenied("program", -1, err)
		}
	}

	if err := handle.Write(msrPerfGlobalCtrl, mask); err != nil {
		return pcmerrors.MSRAccessDenied("program", -1, err)
	}

	return e.verifyCore(cpu, handle, cp)
}

// verifyCore re-reads every programmed IA32_PERFEVTSELx and records a
// per-slot corruption flag where the readback diverges from the written
// value, ignoring the apic-int bit under perf.
func (e *Engine) verifyCore(cpu int, handle *transport.MSRHandle, cp CoreProgram) error {
	const apicIntBit = 1 << 20
	flags := make([]bool, len(cp.GP))
	for i, ev := range cp.GP {
		readback, err := handle.Read(perfEvtSelMSR(ev.Slot))
		if err != nil {
			return pcmerrors.MSRAccessDenied("program", -1, err)
		}
		want := ev.Encode()
		if (readback &^ apicIntBit) != (want &^ apicIntBit) {
			flags[i] = true
			e.logger.Info("detected external interference with programmed counter", "cpu", cpu, "slot", ev.Slot)
		}
	}
	e.mu.Lock()
	e.corrupted[cpu] = flags
	e.mu.Unlock()
	return nil
}

// Corrupted reports which GP slots (by index into the CoreProgram.GP slice
// most recently programmed) were found corrupted on cpu.
func (e *Engine) Corrupted(cpu int) []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]bool, len(e.corrupted[cpu]))
	copy(out, e.corrupted[cpu])
	return out
}

// Cleanup disables global counting on every core, resets every programmed
// uncore PMU to idle, and restores the NMI watchdog if CaptureNMIWatchdog
// disabled it.
func (e *Engine) Cleanup() error {
	err := e.pool.SubmitAll(func(cpu int) error {
		return e.msr[cpu].Write(msrPerfGlobalCtrl, 0)
	})

	e.mu.Lock()
	uncore := e.uncore
	e.uncore = nil
	e.enableMaskSet = false
	watchdogPath := ""
	if e.watchdogDisabled {
		watchdogPath = e.watchdogPath
		e.watchdogDisabled = false
	}
	e.mu.Unlock()

	for _, pmu := range uncore {
		if cerr := pmu.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}

	if watchdogPath != "" {
		if werr := os.WriteFile(watchdogPath, []byte("1"), 0644); werr != nil {
			e.logger.Info("failed to restore nmi watchdog", "error", werr)
			if err == nil {
				err = fmt.Errorf("program: restore nmi watchdog: %w", werr)
			}
		}
	}
	return err
}

// Close stops the engine's worker pool. It does not close the MSR
// handles, which the caller owns.
func (e *Engine) Close() {
	e.pool.Close()
}
