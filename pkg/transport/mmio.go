// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transport

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MMIOHandle maps a page-aligned window of physical memory through
// /dev/mem, used for the uncore blocks (PCU messaging mailbox, some IIO/IMC
// registers) reached via MMIO rather than MSR or PCI config space.
type MMIOHandle struct {
	base   uint64 // page-aligned physical base of the mapping
	offset uint64 // physAddr - base, added to every access
	size   int
	mem    []byte
	fd     int
}

const pageSize = 4096

// OpenMMIO maps length bytes of physical memory starting at physAddr.
// physAddr need not be page-aligned; the mapping is rounded down to the
// containing page and accesses are offset accordingly.
func OpenMMIO(physAddr uint64, length int, devPath string) (*MMIOHandle, error) {
	base := physAddr &^ (pageSize - 1)
	pageOffset := physAddr - base
	mapLen := int(pageOffset) + length
	mapLen = (mapLen + pageSize - 1) &^ (pageSize - 1)

	path := filepath.Join(devPath, "mem")
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, int64(base), mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmio: mmap 0x%x (len %d): %w", base, mapLen, err)
	}

	return &MMIOHandle{base: base, offset: pageOffset, size: length, mem: mem, fd: fd}, nil
}

// Close unmaps the window and closes /dev/mem.
func (h *MMIOHandle) Close() error {
	if err := unix.Munmap(h.mem); err != nil {
		unix.Close(h.fd)
		return fmt.Errorf("mmio: munmap: %w", err)
	}
	return unix.Close(h.fd)
}

func (h *MMIOHandle) slice(offset uint32, width int) ([]byte, error) {
	start := int(h.offset) + int(offset)
	if start < 0 || start+width > len(h.mem) {
		return nil, fmt.Errorf("mmio: offset 0x%x out of mapped range (size %d)", offset, h.size)
	}
	return h.mem[start : start+width], nil
}

// Read32 reads a 32-bit value at byte offset within the mapped window.
func (h *MMIOHandle) Read32(offset uint32) (uint32, error) {
	b, err := h.slice(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Read64 reads a 64-bit value at byte offset within the mapped window.
func (h *MMIOHandle) Read64(offset uint32) (uint64, error) {
	b, err := h.slice(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write32 writes a 32-bit value at byte offset within the mapped window.
func (h *MMIOHandle) Write32(offset uint32, value uint32) error {
	b, err := h.slice(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, value)
	return nil
}

// Write64 writes a 64-bit value at byte offset within the mapped window.
func (h *MMIOHandle) Write64(offset uint32, value uint64) error {
	b, err := h.slice(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, value)
	return nil
}
