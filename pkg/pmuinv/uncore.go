// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pmuinv builds the per-socket inventory of uncore PMU blocks
// (CHA/CBO, IIO, IRP, M2M, IMC, PCU, UBOX, UPI, M3UPI, MDF, EDC, IDX
// accelerators, CXL, PCIe Gen5) by either direct per-uarch addressing or
// walking a PCI discovery capability table.
package pmuinv

import (
	"fmt"

	"github.com/antimetal/pcm/pkg/register"
)

// Kind names one uncore PMU block, matching the RawPMUConfigs keys.
type Kind string

const (
	KindCore       Kind = "core"
	KindAtom       Kind = "atom"
	KindCHA        Kind = "cha" // CHA/CBo
	KindIIO        Kind = "iio"
	KindIRP        Kind = "irp"
	KindIMC        Kind = "imc"
	KindM2M        Kind = "m2m"
	KindHA         Kind = "ha"
	KindUPI        Kind = "upi" // QPI/UPI
	KindM3UPI      Kind = "m3upi"
	KindPCU        Kind = "pcu"
	KindUBOX       Kind = "ubox"
	KindMDF        Kind = "mdf"
	KindCXLCM      Kind = "cxlcm"
	KindCXLDP      Kind = "cxldp"
	KindEDC        Kind = "edc"
	KindIDXAccel   Kind = "idx" // IAA/DSA/QAT
	KindPCIeGen5   Kind = "pciegen5"
)

// PMUState is the freeze/reset/configure/unfreeze state machine every
// UncorePMU passes through.
type PMUState int

const (
	StateIdle PMUState = iota
	StateFrozen
	StateConfigured
	StateRunning
)

// EventConfig is one general-purpose event-select + optional filter
// configuration to program onto an uncore counter slot.
type EventConfig struct {
	Slot       int
	EventSelect uint64
	Filter0    uint64
	Filter1    uint64
}

// UncorePMU is a small fixed register file for one hardware block on one
// socket/die: an optional unit-control register, N
// general-purpose control/counter register pairs, an optional fixed
// counter, and up to two filter registers.
type UncorePMU struct {
	Kind      Kind
	Socket    int
	Die       int
	BoundVia  string // "direct" or "discovery", surfaced by Status()

	// UnitID is the discovery table's PMON unit id for this box (0 for
	// direct-bound boxes, which don't carry one). For KindIIO/KindIRP it
	// indexes StackNamesForUarch's per-uarch stack-name table.
	UnitID uint32

	unitControl register.HWRegister // optional; nil if the block has none

	gpControl []register.HWRegister
	gpCounter []register.HWRegister

	fixedControl register.HWRegister // optional
	fixedCounter register.HWRegister // optional

	filter [2]register.HWRegister // optional

	state PMUState
}

// NewUncorePMU constructs an UncorePMU from already-opened registers. gp
// control/counter slices must be the same length (typically 2, 4 or 8,
// though this constructor does not itself enforce that — callers building
// from a discovery table may see other counts).
func NewUncorePMU(kind Kind, socket, die int, unitControl register.HWRegister, gpControl, gpCounter []register.HWRegister) (*UncorePMU, error) {
	if len(gpControl) != len(gpCounter) {
		return nil, fmt.Errorf("pmuinv: %s: mismatched control/counter register counts (%d vs %d)", kind, len(gpControl), len(gpCounter))
	}
	return &UncorePMU{
		Kind:        kind,
		Socket:      socket,
		Die:         die,
		unitControl: unitControl,
		gpControl:   gpControl,
		gpCounter:   gpCounter,
		state:       StateIdle,
	}, nil
}

// WithFixedCounter attaches an optional fixed-counter control/value pair.
func (p *UncorePMU) WithFixedCounter(control, counter register.HWRegister) *UncorePMU {
	p.fixedControl = control
	p.fixedCounter = counter
	return p
}

// WithFilters attaches up to two filter registers.
func (p *UncorePMU) WithFilters(f0, f1 register.HWRegister) *UncorePMU {
	p.filter[0] = f0
	p.filter[1] = f1
	return p
}

// NumCounters returns the number of general-purpose counter slots.
func (p *UncorePMU) NumCounters() int { return len(p.gpCounter) }

// State returns the PMU's current position in its state machine.
func (p *UncorePMU) State() PMUState { return p.state }

// InitFreeze freezes the block and resets its control registers, the
// entry point into programming.
func (p *UncorePMU) InitFreeze(freezeMask uint64) error {
	if p.unitControl != nil {
		if err := p.unitControl.Write(freezeMask); err != nil {
			return fmt.Errorf("pmuinv: %s: init freeze: %w", p.Kind, err)
		}
	}
	for i, ctrl := range p.gpControl {
		if err := ctrl.Write(0); err != nil {
			return fmt.Errorf("pmuinv: %s: reset control[%d]: %w", p.Kind, i, err)
		}
	}
	p.state = StateFrozen
	return nil
}

// Program writes every control register and filter, then rearms
// (frozen -> configured).
func (p *UncorePMU) Program(events []EventConfig) error {
	if p.state != StateFrozen {
		return fmt.Errorf("pmuinv: %s: Program called outside frozen state (state=%d)", p.Kind, p.state)
	}
	for _, e := range events {
		if e.Slot < 0 || e.Slot >= len(p.gpControl) {
			return fmt.Errorf("pmuinv: %s: event slot %d out of range (have %d)", p.Kind, e.Slot, len(p.gpControl))
		}
		if err := p.gpControl[e.Slot].Write(e.EventSelect); err != nil {
			return fmt.Errorf("pmuinv: %s: write control[%d]: %w", p.Kind, e.Slot, err)
		}
		if p.filter[0] != nil && e.Filter0 != 0 {
			if err := p.filter[0].Write(e.Filter0); err != nil {
				return fmt.Errorf("pmuinv: %s: write filter0: %w", p.Kind, err)
			}
		}
		if p.filter[1] != nil && e.Filter1 != 0 {
			if err := p.filter[1].Write(e.Filter1); err != nil {
				return fmt.Errorf("pmuinv: %s: write filter1: %w", p.Kind, err)
			}
		}
	}
	p.state = StateConfigured
	return nil
}

// ResetUnfreeze resets the counter values and unfreezes the block
// (configured -> running).
func (p *UncorePMU) ResetUnfreeze(resetUnfreezeMask uint64) error {
	for i, ctr := range p.gpCounter {
		if err := ctr.Write(0); err != nil {
			return fmt.Errorf("pmuinv: %s: reset counter[%d]: %w", p.Kind, i, err)
		}
	}
	if p.unitControl != nil {
		if err := p.unitControl.Write(resetUnfreezeMask); err != nil {
			return fmt.Errorf("pmuinv: %s: reset+unfreeze: %w", p.Kind, err)
		}
	}
	p.state = StateRunning
	return nil
}

// Freeze freezes a running block for a coherent read (running -> frozen).
func (p *UncorePMU) Freeze(freezeMask uint64) error {
	if p.unitControl != nil {
		if err := p.unitControl.Write(freezeMask); err != nil {
			return fmt.Errorf("pmuinv: %s: freeze: %w", p.Kind, err)
		}
	}
	p.state = StateFrozen
	return nil
}

// Unfreeze resumes counting after a Freeze (frozen -> running).
func (p *UncorePMU) Unfreeze(unfreezeMask uint64) error {
	if p.unitControl != nil {
		if err := p.unitControl.Write(unfreezeMask); err != nil {
			return fmt.Errorf("pmuinv: %s: unfreeze: %w", p.Kind, err)
		}
	}
	p.state = StateRunning
	return nil
}

// ReadCounter returns the current raw value of general-purpose counter i.
func (p *UncorePMU) ReadCounter(i int) (uint64, error) {
	if i < 0 || i >= len(p.gpCounter) {
		return 0, fmt.Errorf("pmuinv: %s: counter %d out of range", p.Kind, i)
	}
	return p.gpCounter[i].Read()
}

// ReadFixedCounter returns the fixed counter's value, if this block has one.
func (p *UncorePMU) ReadFixedCounter() (uint64, error) {
	if p.fixedCounter == nil {
		return 0, fmt.Errorf("pmuinv: %s: no fixed counter", p.Kind)
	}
	return p.fixedCounter.Read()
}

// Cleanup zeroes every control and counter register (running/any -> idle).
func (p *UncorePMU) Cleanup() error {
	for i, ctrl := range p.gpControl {
		if err := ctrl.Write(0); err != nil {
			return fmt.Errorf("pmuinv: %s: cleanup control[%d]: %w", p.Kind, i, err)
		}
	}
	for i, ctr := range p.gpCounter {
		if err := ctr.Write(0); err != nil {
			return fmt.Errorf("pmuinv: %s: cleanup counter[%d]: %w", p.Kind, i, err)
		}
	}
	if p.fixedControl != nil {
		if err := p.fixedControl.Write(0); err != nil {
			return fmt.Errorf("pmuinv: %s: cleanup fixed control: %w", p.Kind, err)
		}
	}
	p.state = StateIdle
	return nil
}
