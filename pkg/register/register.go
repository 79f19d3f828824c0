// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package register implements the transport-blind HWRegister abstraction:
// every programmed register, whatever backend it lives behind, is
// wrapped in one of these so the inventory and programming engine never
// branch on transport kind.
package register

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/antimetal/pcm/pkg/transport"
)

// HWRegister is an opaque handle to one 64-bit register with two
// operations, Read() and Write(uint64).
type HWRegister interface {
	Read() (uint64, error)
	Write(uint64) error
}

// MSRRegister addresses one MSR index on one logical CPU.
type MSRRegister struct {
	Handle *transport.MSRHandle
	MSR    uint64
}

func (r *MSRRegister) Read() (uint64, error)        { return r.Handle.Read(r.MSR) }
func (r *MSRRegister) Write(value uint64) error      { return r.Handle.Write(r.MSR, value) }
func (r *MSRRegister) String() string {
	return fmt.Sprintf("msr(cpu=%d, 0x%x)", r.Handle.CoreID(), r.MSR)
}

// Width of a PCI or MMIO register, in bits. Both transports only support
// naturally aligned 32/64-bit accesses.
type Width int

const (
	Width32 Width = 32
	Width64 Width = 64
)

// PCIRegister addresses one offset in a PCI function's configuration space.
type PCIRegister struct {
	Handle *transport.PCIHandle
	Offset uint32
	Width  Width
}

func (r *PCIRegister) Read() (uint64, error) {
	if r.Width == Width64 {
		return r.Handle.Read64(r.Offset)
	}
	v, err := r.Handle.Read32(r.Offset)
	return uint64(v), err
}

func (r *PCIRegister) Write(value uint64) error {
	if r.Width == Width64 {
		return r.Handle.Write64(r.Offset, value)
	}
	return r.Handle.Write32(r.Offset, uint32(value))
}

// MMIORegister addresses one offset inside a mapped physical page window.
type MMIORegister struct {
	Handle *transport.MMIOHandle
	Offset uint32
	Width  Width
}

func (r *MMIORegister) Read() (uint64, error) {
	if r.Width == Width64 {
		return r.Handle.Read64(r.Offset)
	}
	v, err := r.Handle.Read32(r.Offset)
	return uint64(v), err
}

func (r *MMIORegister) Write(value uint64) error {
	if r.Width == Width64 {
		return r.Handle.Write64(r.Offset, value)
	}
	return r.Handle.Write32(r.Offset, uint32(value))
}

// VirtualRegister is a software-only latched value, used for synthetic
// accelerator "events" that have no backing hardware counter.
type VirtualRegister struct {
	val atomic.Uint64
}

func NewVirtualRegister(initial uint64) *VirtualRegister {
	r := &VirtualRegister{}
	r.val.Store(initial)
	return r
}

func (r *VirtualRegister) Read() (uint64, error)   { return r.val.Load(), nil }
func (r *VirtualRegister) Write(value uint64) error { r.val.Store(value); return nil }

// PerfOpenFunc (re)opens the perf event backing a PerfRegister with a new
// config. It is supplied by the PMU inventory, which knows the PMU type and
// CPU this register is pinned to.
type PerfOpenFunc func(config uint64) (*transport.PerfEvent, error)

// PerfRegister addresses a counter opened through the Linux perf
// pseudo-PMU. Write rearms the event by closing and reopening it with
// the new config rather than writing a live register.
type PerfRegister struct {
	open   PerfOpenFunc
	event  *transport.PerfEvent
	nr     int
}

// NewPerfRegister wraps an already-open perf event. open is retained so a
// later Write can rearm it with a different event config.
func NewPerfRegister(event *transport.PerfEvent, open PerfOpenFunc) *PerfRegister {
	return &PerfRegister{event: event, open: open, nr: 1}
}

func (r *PerfRegister) Read() (uint64, error) {
	readings, err := r.event.ReadGroup(r.nr)
	if err != nil {
		return 0, err
	}
	if len(readings) == 0 {
		return 0, fmt.Errorf("perf register: empty group read")
	}
	return readings[0].Scale(), nil
}

// Write rearms the event with a new raw config.
func (r *PerfRegister) Write(config uint64) error {
	if r.event != nil {
		if err := r.event.Close(); err != nil {
			return fmt.Errorf("perf register: close before rearm: %w", err)
		}
	}
	ev, err := r.open(config)
	if err != nil {
		return fmt.Errorf("perf register: rearm: %w", err)
	}
	r.event = ev
	return nil
}

// Close releases the underlying perf event descriptor.
func (r *PerfRegister) Close() error {
	if r.event == nil {
		return nil
	}
	return r.event.Close()
}

// IA32_QM_EVTSEL/IA32_QM_CTR addresses, duplicated from pkg/program's
// unexported constants of the same value since an import would cycle
// (pkg/program already imports pkg/register).
const (
	msrQMEvtsel = 0xC8D
	msrQMCtr    = 0xC8E
)

// QMRegister reads one IA32_QM_CTR value for a fixed (RMID, EventID) pair
// by first selecting it via IA32_QM_EVTSEL on the same logical processor,
// per the SDM's RDT monitoring read protocol: a write-then-read pair
// rather than a free-running counter.
type QMRegister struct {
	Handle  *transport.MSRHandle
	RMID    uint32
	EventID uint8
}

func (r *QMRegister) Read() (uint64, error) {
	sel := uint64(r.EventID) | uint64(r.RMID)<<32
	if err := r.Handle.Write(msrQMEvtsel, sel); err != nil {
		return 0, fmt.Errorf("qm register: select rmid %d event %d: %w", r.RMID, r.EventID, err)
	}
	return r.Handle.Read(msrQMCtr)
}

func (r *QMRegister) Write(uint64) error {
	return fmt.Errorf("qm register: read-only")
}

// ResctrlRegister reads a single counter file under the kernel's resctrl
// filesystem (e.g. mon_data/mon_L3_00/llc_occupancy), the alternative to
// reading RDT monitoring MSRs directly when the kernel exposes resctrl.
type ResctrlRegister struct {
	Path string
}

func (r *ResctrlRegister) Read() (uint64, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return 0, fmt.Errorf("resctrl register: read %s: %w", r.Path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("resctrl register: parse %s: %w", r.Path, err)
	}
	return v, nil
}

// Write always fails: resctrl monitoring counters are kernel-maintained
// and not writable from userspace.
func (r *ResctrlRegister) Write(uint64) error {
	return fmt.Errorf("resctrl register: %s is read-only", r.Path)
}

func (r *ResctrlRegister) String() string { return fmt.Sprintf("resctrl(%s)", r.Path) }
