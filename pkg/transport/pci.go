// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transport

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/antimetal/pcm/pkg/pcmerrors"
)

// BDF identifies a PCI function by segment/bus/device/function, the unit
// every uncore PMU block (CHA, IIO, IMC, UPI, ...) is discovered or
// hard-addressed at.
type BDF struct {
	Segment, Bus, Device, Function uint32
}

func (b BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", b.Segment, b.Bus, b.Device, b.Function)
}

// sharedPCI is the device-scoped handle shared by every register that maps
// into the same (segment,bus,device,function) config space. It is not
// internally locked — callers must not mutate the same register
// concurrently.
type sharedPCI struct {
	bdf  BDF
	fd   int
	refs int32
	mu   sync.Mutex // protects only refs/fd lifecycle, not reads/writes
}

// PCIHandle is a clonable handle onto one PCI function's configuration
// space.
type PCIHandle struct {
	shared *sharedPCI
}

// OpenPCI opens the (segment,bus,device,function) config-space file under
// /proc/bus/pci. It returns false,nil (not an error) when the BDF does not
// exist, so callers can distinguish an absent device from a real error.
func OpenPCI(bdf BDF, procPath string) (*PCIHandle, bool, error) {
	path := filepath.Join(procPath, "bus", "pci",
		fmt.Sprintf("%04x:%02x", bdf.Segment, bdf.Bus),
		fmt.Sprintf("%02x.%x", bdf.Device, bdf.Function))

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, pcmerrors.AccessDenied("pci", fmt.Errorf("open %s: %w", path, err))
	}
	return &PCIHandle{shared: &sharedPCI{bdf: bdf, fd: fd, refs: 1}}, true, nil
}

// BDF returns the device this handle addresses.
func (h *PCIHandle) BDF() BDF { return h.shared.bdf }

// Clone returns a new handle sharing this one's file descriptor.
func (h *PCIHandle) Clone() *PCIHandle {
	h.shared.mu.Lock()
	h.shared.refs++
	h.shared.mu.Unlock()
	return &PCIHandle{shared: h.shared}
}

// Close releases this clone's reference.
func (h *PCIHandle) Close() error {
	h.shared.mu.Lock()
	h.shared.refs--
	refs := h.shared.refs
	fd := h.shared.fd
	h.shared.mu.Unlock()
	if refs > 0 {
		return nil
	}
	return unix.Close(fd)
}

func (h *PCIHandle) warnMisaligned(offset uint32, width int) {
	if int(offset)%width != 0 {
		// Misalignment is a warning, not a failure: multi-byte accesses are
		// expected to be naturally aligned, but a misaligned one only warns.
		fmt.Fprintf(os.Stderr, "pcm: misaligned %d-bit PCI config access at %s+0x%x\n", width*8, h.shared.bdf, offset)
	}
}

// Read32 reads a 32-bit value at byte offset.
func (h *PCIHandle) Read32(offset uint32) (uint32, error) {
	h.warnMisaligned(offset, 4)
	var buf [4]byte
	n, err := unix.Pread(h.shared.fd, buf[:], int64(offset))
	if err != nil || n != 4 {
		return 0, fmt.Errorf("pci read32 %s+0x%x: %w", h.shared.bdf, offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Read64 reads a 64-bit value at byte offset.
func (h *PCIHandle) Read64(offset uint32) (uint64, error) {
	h.warnMisaligned(offset, 8)
	var buf [8]byte
	n, err := unix.Pread(h.shared.fd, buf[:], int64(offset))
	if err != nil || n != 8 {
		return 0, fmt.Errorf("pci read64 %s+0x%x: %w", h.shared.bdf, offset, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write32 writes a 32-bit value at byte offset.
func (h *PCIHandle) Write32(offset uint32, value uint32) error {
	h.warnMisaligned(offset, 4)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	n, err := unix.Pwrite(h.shared.fd, buf[:], int64(offset))
	if err != nil || n != 4 {
		return fmt.Errorf("pci write32 %s+0x%x: %w", h.shared.bdf, offset, err)
	}
	return nil
}

// Write64 writes a 64-bit value at byte offset.
func (h *PCIHandle) Write64(offset uint32, value uint64) error {
	h.warnMisaligned(offset, 8)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	n, err := unix.Pwrite(h.shared.fd, buf[:], int64(offset))
	if err != nil || n != 8 {
		return fmt.Errorf("pci write64 %s+0x%x: %w", h.shared.bdf, offset, err)
	}
	return nil
}

// EnumerateByID walks /sys/bus/pci/devices looking for functions whose
// vendor:device id match, returning their BDFs. No other package in this
// module calls it.
func EnumerateByID(sysPath string, vendor, device uint16) ([]BDF, error) {
	root := filepath.Join(sysPath, "bus", "pci", "devices")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("enumerate pci devices: %w", err)
	}

	var found []BDF
	for _, e := range entries {
		name := e.Name() // "0000:3f:0a.0"
		v, errV := readHexFile(filepath.Join(root, name, "vendor"))
		d, errD := readHexFile(filepath.Join(root, name, "device"))
		if errV != nil || errD != nil {
			continue
		}
		if uint16(v) != vendor || uint16(d) != device {
			continue
		}
		bdf, err := parseBDF(name)
		if err != nil {
			continue
		}
		found = append(found, bdf)
	}
	return found, nil
}

func readHexFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 32)
}

func parseBDF(name string) (BDF, error) {
	// "0000:3f:0a.0"
	var seg, bus, dev, fn uint32
	_, err := fmt.Sscanf(name, "%04x:%02x:%02x.%x", &seg, &bus, &dev, &fn)
	if err != nil {
		return BDF{}, err
	}
	return BDF{Segment: seg, Bus: bus, Device: dev, Function: fn}, nil
}

// MCFGBase reads the physical base address of the memory-mapped config
// space for the given segment group from the ACPI MCFG table. OpenPCI does
// not fall back to it, and no other package in this module calls it.
func MCFGBase(sysPath string, segment uint16) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(sysPath, "firmware", "acpi", "tables", "MCFG"))
	if err != nil {
		return 0, fmt.Errorf("read MCFG table: %w", err)
	}
	// ACPI MCFG: 44-byte header, followed by one 16-byte "configuration
	// space allocation structure" per segment group:
	//   u64 BaseAddress; u16 PCISegmentGroup; u8 StartBus; u8 EndBus; u32 Reserved
	const headerLen = 44
	const entryLen = 16
	for off := headerLen; off+entryLen <= len(data); off += entryLen {
		base := binary.LittleEndian.Uint64(data[off : off+8])
		seg := binary.LittleEndian.Uint16(data[off+8 : off+10])
		if seg == segment {
			return base, nil
		}
	}
	return 0, fmt.Errorf("no MCFG entry for segment %d", segment)
}
