// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package transport implements the four hardware backends this library
// programs counters through: MSR, PCI configuration space, MMIO, and the
// Linux perf pseudo-PMU. All
// four expose the same read/write contract to pkg/register so upper layers
// stay transport-blind.
package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/antimetal/pcm/pkg/pcmerrors"
	"github.com/antimetal/pcm/pkg/ringbuf"
)

// sharedMSR is the reference-counted device behind every clone of an
// MSRHandle for one logical CPU, grounded on the design note "A and B share
// R; lifetime = longest holder": every PMU mapped to the same logical core
// shares one open file descriptor and one mutex.
type sharedMSR struct {
	mu     sync.Mutex
	fd     int // -1 for the offline null-object
	cpu    int
	online bool
	refs   int32
	errs   *ringbuf.RingBuffer[error]
}

// MSRHandle is a clonable handle onto one logical CPU's MSR namespace
//. Cloning shares the underlying file descriptor and lock;
// closing the last clone closes the descriptor.
type MSRHandle struct {
	shared *sharedMSR
}

// OpenMSR acquires an exclusive-per-process endpoint onto cpu's MSR
// namespace. It returns an AccessDenied error if the OS refuses (missing
// msr driver, insufficient privilege, Secure Boot) and a null-object,
// always-successful handle when the core is offline — callers must check
// IsCoreOnline before trusting read results.
func OpenMSR(cpu int, devPath, sysPath string, logger logr.Logger) (*MSRHandle, error) {
	logger = logger.WithName("msr")

	online, err := isCPUOnline(cpu, sysPath)
	if err != nil {
		logger.V(1).Info("could not determine online state, assuming online", "cpu", cpu, "error", err)
		online = true
	}
	if !online {
		return &MSRHandle{shared: &sharedMSR{fd: -1, cpu: cpu, online: false, refs: 1,
			errs: mustRingBuffer(8)}}, nil
	}

	path := filepath.Join(devPath, "cpu", fmt.Sprintf("%d", cpu), "msr")
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		// Fallback device node layout used by some distros: /dev/msrN.
		altPath := filepath.Join(devPath, fmt.Sprintf("msr%d", cpu))
		fd, err = unix.Open(altPath, unix.O_RDWR, 0)
	}
	if err != nil {
		return nil, pcmerrors.AccessDenied("msr", fmt.Errorf("open msr for cpu %d: %w (is the msr kernel module loaded?)", cpu, err))
	}

	return &MSRHandle{shared: &sharedMSR{fd: fd, cpu: cpu, online: true, refs: 1, errs: mustRingBuffer(8)}}, nil
}

func mustRingBuffer(n int) *ringbuf.RingBuffer[error] {
	rb, _ := ringbuf.New[error](n)
	return rb
}

func isCPUOnline(cpu int, sysPath string) (bool, error) {
	if cpu == 0 {
		// cpu0 has no "online" sysfs file on most kernels; it cannot be
		// offlined.
		return true, nil
	}
	path := filepath.Join(sysPath, "devices", "system", "cpu", fmt.Sprintf("cpu%d", cpu), "online")
	data, err := os.ReadFile(path)
	if err != nil {
		return true, err
	}
	return len(data) > 0 && data[0] == '1', nil
}

// IsCoreOnline reports whether this handle maps to a real hardware
// endpoint (true) or is an offline null-object (false).
func (h *MSRHandle) IsCoreOnline() bool {
	return h.shared.online
}

// CoreID returns the logical CPU index this handle was opened for.
func (h *MSRHandle) CoreID() int {
	return h.shared.cpu
}

// Clone returns a new handle sharing this one's file descriptor and lock.
func (h *MSRHandle) Clone() *MSRHandle {
	h.shared.mu.Lock()
	h.shared.refs++
	h.shared.mu.Unlock()
	return &MSRHandle{shared: h.shared}
}

// Lock/Unlock let callers make a read-modify-write MSR sequence atomic
// across the handle's clones.
func (h *MSRHandle) Lock()   { h.shared.mu.Lock() }
func (h *MSRHandle) Unlock() { h.shared.mu.Unlock() }

// Read performs a serialized 8-byte read at the given MSR index. Offline
// handles return 0 without touching hardware.
func (h *MSRHandle) Read(msr uint64) (uint64, error) {
	if !h.shared.online {
		return 0, nil
	}
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()

	var buf [8]byte
	n, err := unix.Pread(h.shared.fd, buf[:], int64(msr))
	if err != nil || n != 8 {
		h.recordErr(err)
		return 0, pcmerrors.MSRAccessDenied("msr", -1, fmt.Errorf("read msr 0x%x on cpu %d: %w", msr, h.shared.cpu, err))
	}
	return leUint64(buf[:]), nil
}

// Write performs a serialized 8-byte write at the given MSR index. Offline
// handles silently succeed.
func (h *MSRHandle) Write(msr uint64, value uint64) error {
	if !h.shared.online {
		return nil
	}
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()

	var buf [8]byte
	leePutUint64(buf[:], value)
	n, err := unix.Pwrite(h.shared.fd, buf[:], int64(msr))
	if err != nil || n != 8 {
		h.recordErr(err)
		return pcmerrors.MSRAccessDenied("msr", -1, fmt.Errorf("write msr 0x%x on cpu %d: %w", msr, h.shared.cpu, err))
	}
	return nil
}

func (h *MSRHandle) recordErr(err error) {
	if err != nil {
		h.shared.errs.Push(err)
	}
}

// RecentErrors returns the last few read/write failures on this endpoint,
// for diagnostics surfaced by the programming/sampling engines.
func (h *MSRHandle) RecentErrors() []error {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	return h.shared.errs.GetAll()
}

// LastError returns the most recent read/write failure on this endpoint,
// if any, without allocating a copy of the whole history.
func (h *MSRHandle) LastError() (error, bool) {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	return h.shared.errs.Latest()
}

// Close releases this clone's reference; the file descriptor is closed
// once every clone has been closed.
func (h *MSRHandle) Close() error {
	h.shared.mu.Lock()
	h.shared.refs--
	refs := h.shared.refs
	fd := h.shared.fd
	h.shared.mu.Unlock()

	if refs > 0 || fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func leePutUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
