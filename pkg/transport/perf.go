// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PerfEvent is one leaf counter opened through the Linux perf pseudo-PMU,
// the transport this library prefers over raw MSR programming whenever the
// running kernel exposes the needed event through a perf PMU type (so the
// kernel arbitrates exclusivity with other consumers instead of this
// library racing them over IA32_PERFEVTSELx).
type PerfEvent struct {
	mu       sync.Mutex
	fd       int
	groupFd  int // -1 if this is the group leader
	isLeader bool
	scale    float64
}

// PerfEventConfig describes one event to be opened via perf_event_open(2).
type PerfEventConfig struct {
	Type   uint32 // PERF_TYPE_RAW, PERF_TYPE_HARDWARE, or a discovered dynamic PMU type
	Config uint64 // raw event/umask encoding, or a PERF_COUNT_HW_* selector
	CPU    int    // target logical CPU; -1 for "any"
	Pid    int    // -1 for system-wide (requires CAP_PERFMON/CAP_SYS_ADMIN)
}

// OpenPerfEvent opens a single counter. When group is non-nil the new event
// joins group's group (sharing its freeze/unfreeze window); otherwise it
// becomes its own group leader.
func OpenPerfEvent(cfg PerfEventConfig, group *PerfEvent) (*PerfEvent, error) {
	attr := unix.PerfEventAttr{
		Type:   cfg.Type,
		Config: cfg.Config,
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeHv,
		Read_format: unix.PERF_FORMAT_GROUP | unix.PERF_FORMAT_TOTAL_TIME_ENABLED |
			unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	groupFd := -1
	if group != nil {
		groupFd = group.fd
		// Only the leader carries PerfBitDisabled; followers start
		// enabled implicitly when the leader is enabled.
		attr.Bits &^= unix.PerfBitDisabled
	}

	fd, err := unix.PerfEventOpen(&attr, cfg.Pid, cfg.CPU, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open(type=%d config=0x%x cpu=%d): %w", cfg.Type, cfg.Config, cfg.CPU, err)
	}

	return &PerfEvent{fd: fd, groupFd: groupFd, isLeader: group == nil}, nil
}

// Enable arms the event (and, if this is the group leader, every event in
// its group) for counting. Callers program an entire group, then Enable the
// leader once, mirroring the freeze/unfreeze semantics pkg/program applies
// to the direct-MSR path.
func (p *PerfEvent) Enable() error {
	return unix.IoctlSetInt(p.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Disable freezes the event (and its group, if this is the leader).
func (p *PerfEvent) Disable() error {
	return unix.IoctlSetInt(p.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Reset zeroes the event's count without closing it.
func (p *PerfEvent) Reset() error {
	return unix.IoctlSetInt(p.fd, unix.PERF_EVENT_IOC_RESET, 0)
}

// Close releases the kernel-side perf_event_open descriptor.
func (p *PerfEvent) Close() error {
	return unix.Close(p.fd)
}

// PerfReading is one event's raw count plus the enabled/running time
// fractions the kernel reports alongside it, needed to scale multiplexed
// (time-shared) counters back to an estimated full-period value.
type PerfReading struct {
	Value        uint64
	TimeEnabled  uint64
	TimeRunning  uint64
}

// ReadGroup reads every counter in this event's group in one syscall via
// PERF_FORMAT_GROUP, giving an atomic snapshot across the whole group —
// the perf-transport analogue of the freeze/read/unfreeze window the
// direct-MSR sampling engine performs explicitly.
func (p *PerfEvent) ReadGroup(n int) ([]PerfReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Layout: u64 nr; u64 time_enabled; u64 time_running; { u64 value; } * nr
	buf := make([]byte, 24+8*n)
	read, err := unix.Read(p.fd, buf)
	if err != nil {
		return nil, fmt.Errorf("perf group read: %w", err)
	}
	if read < 24 {
		return nil, fmt.Errorf("perf group read: short read (%d bytes)", read)
	}

	nr := binary.LittleEndian.Uint64(buf[0:8])
	timeEnabled := binary.LittleEndian.Uint64(buf[8:16])
	timeRunning := binary.LittleEndian.Uint64(buf[16:24])

	out := make([]PerfReading, 0, nr)
	for i := uint64(0); i < nr; i++ {
		off := 24 + int(i)*8
		if off+8 > read {
			break
		}
		out = append(out, PerfReading{
			Value:       binary.LittleEndian.Uint64(buf[off : off+8]),
			TimeEnabled: timeEnabled,
			TimeRunning: timeRunning,
		})
	}
	return out, nil
}

// Scale returns the multiplexing-corrected value: raw * (enabled/running).
// When running == 0 the event never got scheduled and the result is 0.
func (r PerfReading) Scale() uint64 {
	if r.TimeRunning == 0 {
		return 0
	}
	if r.TimeRunning >= r.TimeEnabled {
		return r.Value
	}
	return uint64(float64(r.Value) * float64(r.TimeEnabled) / float64(r.TimeRunning))
}
