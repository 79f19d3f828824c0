// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/antimetal/pcm/pkg/register"
	"github.com/antimetal/pcm/pkg/transport"
)

// IDXMode selects how an accelerator's counters are accessed.
type IDXMode int

const (
	IDXModeMMIO IDXMode = iota
	IDXModePerf
)

// IDXFilter names the five per-counter accelerator filters: workqueue,
// engine, traffic-class, page-size, transfer-size.
type IDXFilter int

const (
	FilterWorkqueue IDXFilter = iota
	FilterEngine
	FilterTrafficClass
	FilterPageSize
	FilterTransferSize
)

// IDX_PMU is the IAA/DSA/QAT variant of UncorePMU: 8 counter control/value
// pairs, slots for 5 filter registers per counter, and a mode flag naming
// direct MMIO or the Linux perf pseudo-PMU. The mode is recorded only;
// NewIDXPMU builds MMIO registers whatever the mode.
type IDX_PMU struct { //nolint:stylecheck // name matches the accelerator data model term
	BDF    transport.BDF
	Socket int
	Mode   IDXMode

	control [8]register.HWRegister
	counter [8]register.HWRegister
	filters [8][5]register.HWRegister
}

// NewIDXPMU constructs an accelerator PMU from already-mapped MMIO
// registers at the given PMON base offset. It maps the 8 control/value
// pairs only; no filter register is mapped, so Program writes no filters
// on a PMU built this way.
func NewIDXPMU(bdf transport.BDF, socket int, mmio *transport.MMIOHandle, pmonBase uint32, mode IDXMode) *IDX_PMU {
	const (
		counterStride = 0x10
		controlOffset = 0x0
		counterOffset = 0x8
	)

	p := &IDX_PMU{BDF: bdf, Socket: socket, Mode: mode}
	for i := 0; i < 8; i++ {
		base := pmonBase + uint32(i)*counterStride
		p.control[i] = &register.MMIORegister{Handle: mmio, Offset: base + controlOffset, Width: register.Width64}
		p.counter[i] = &register.MMIORegister{Handle: mmio, Offset: base + counterOffset, Width: register.Width64}
	}
	return p
}

// Program writes the control register for counter i, then each value in
// filters to that filter's register; filters with no mapped register are
// skipped.
func (p *IDX_PMU) Program(i int, eventSelect uint64, filters map[IDXFilter]uint64) error {
	if i < 0 || i >= 8 {
		return fmt.Errorf("pmuinv: idx: counter %d out of range", i)
	}
	if err := p.control[i].Write(eventSelect); err != nil {
		return fmt.Errorf("pmuinv: idx: write control[%d]: %w", i, err)
	}
	for filter, value := range filters {
		if reg := p.filters[i][filter]; reg != nil {
			if err := reg.Write(value); err != nil {
				return fmt.Errorf("pmuinv: idx: write filter[%d][%d]: %w", i, filter, err)
			}
		}
	}
	return nil
}

// Read returns the raw value of counter i.
func (p *IDX_PMU) Read(i int) (uint64, error) {
	if i < 0 || i >= 8 {
		return 0, fmt.Errorf("pmuinv: idx: counter %d out of range", i)
	}
	return p.counter[i].Read()
}

// QATTelemetry is the QAT variant: it has no hardware counters, only a
// text "telemetry" sysfs file refreshed on demand and latched into virtual
// registers.
type QATTelemetry struct {
	mu          sync.RWMutex
	controlPath string
	values      map[string]uint64
}

// NewQATTelemetry opens the sysfs telemetry control file for one QAT
// device. The file is not read until the first Refresh.
func NewQATTelemetry(controlPath string) *QATTelemetry {
	return &QATTelemetry{controlPath: controlPath, values: make(map[string]uint64)}
}

// Refresh re-parses the telemetry file into the cached key->value map.
// Format: one "key: value" pair per line, matching the QAT driver's
// telemetry control node.
func (q *QATTelemetry) Refresh() error {
	f, err := os.Open(q.controlPath)
	if err != nil {
		return fmt.Errorf("pmuinv: qat telemetry: open %s: %w", q.controlPath, err)
	}
	defer f.Close()

	values := make(map[string]uint64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSpace(parts[1])
		val, err := strconv.ParseUint(valStr, 10, 64)
		if err != nil {
			continue
		}
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pmuinv: qat telemetry: scan %s: %w", q.controlPath, err)
	}

	q.mu.Lock()
	q.values = values
	q.mu.Unlock()
	return nil
}

// Register returns a VirtualRegister latched to the named telemetry value
// as of the last Refresh.
func (q *QATTelemetry) Register(key string) register.HWRegister {
	q.mu.RLock()
	v := q.values[key]
	q.mu.RUnlock()
	return register.NewVirtualRegister(v)
}

// Keys returns every telemetry key seen as of the last Refresh.
func (q *QATTelemetry) Keys() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	keys := make([]string, 0, len(q.values))
	for k := range q.values {
		keys = append(keys, k)
	}
	return keys
}
