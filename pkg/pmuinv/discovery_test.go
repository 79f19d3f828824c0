// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/pcm/pkg/transport"
)

func writeFakeDiscoveryDevice(t *testing.T, procPath string, bdf transport.BDF, entries [][4]uint32) string {
	t.Helper()
	dir := filepath.Join(procPath, "bus", "pci", fmt.Sprintf("%04x:%02x", bdf.Segment, bdf.Bus))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("%02x.%x", bdf.Device, bdf.Function))

	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint32(buf[DiscoveryTableOffset:], uint32(len(entries)))
	for i, e := range entries {
		off := DiscoveryTableOffset + 4 + i*discoveryEntrySize
		binary.LittleEndian.PutUint32(buf[off:], e[0])
		binary.LittleEndian.PutUint32(buf[off+4:], e[1])
		binary.LittleEndian.PutUint32(buf[off+8:], e[2])
		binary.LittleEndian.PutUint32(buf[off+12:], e[3])
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestWalkDiscoveryTable(t *testing.T) {
	procPath := t.TempDir()
	bdf := transport.BDF{Segment: 0, Bus: 0x7f, Device: 0x0e, Function: 1}

	// box type 1 = CHA, 4 counters, width 48, base offset 0x200
	// box type 99 = unrecognized, skipped
	entries := [][4]uint32{
		{1, 0, 4, (0x200 &^ 0xFF) | 48},
		{99, 1, 2, 0x300},
	}
	writeFakeDiscoveryDevice(t, procPath, bdf, entries)

	handle, ok, err := transport.OpenPCI(bdf, procPath)
	require.NoError(t, err)
	require.True(t, ok)
	defer handle.Close()

	pmus, err := WalkDiscoveryTable(handle, 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, pmus, 1)
	assert.Equal(t, KindCHA, pmus[0].Kind)
	assert.Equal(t, "discovery", pmus[0].BoundVia)
	assert.Equal(t, 4, pmus[0].NumCounters())
}

func TestWalkDiscoveryTableSkipsDisabledKind(t *testing.T) {
	procPath := t.TempDir()
	bdf := transport.BDF{Segment: 0, Bus: 0x7f, Device: 0x0e, Function: 3}

	entries := [][4]uint32{
		{1, 0, 4, (0x200 &^ 0xFF) | 48},
	}
	writeFakeDiscoveryDevice(t, procPath, bdf, entries)

	handle, ok, err := transport.OpenPCI(bdf, procPath)
	require.NoError(t, err)
	require.True(t, ok)
	defer handle.Close()

	pmus, err := WalkDiscoveryTable(handle, 0, 0, map[Kind]bool{KindCHA: true})
	require.NoError(t, err)
	assert.Empty(t, pmus)
}

func TestWalkDiscoveryTableRejectsImplausibleCount(t *testing.T) {
	procPath := t.TempDir()
	bdf := transport.BDF{Segment: 0, Bus: 0x7f, Device: 0x0e, Function: 2}
	dir := filepath.Join(procPath, "bus", "pci", fmt.Sprintf("%04x:%02x", bdf.Segment, bdf.Bus))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("%02x.%x", bdf.Device, bdf.Function))
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint32(buf[DiscoveryTableOffset:], 0)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	handle, ok, err := transport.OpenPCI(bdf, procPath)
	require.NoError(t, err)
	require.True(t, ok)
	defer handle.Close()

	_, err = WalkDiscoveryTable(handle, 0, 0, nil)
	assert.Error(t, err)
}

func TestBoxTypeToKind(t *testing.T) {
	k, ok := boxTypeToKind(4)
	assert.True(t, ok)
	assert.Equal(t, KindIMC, k)

	_, ok = boxTypeToKind(255)
	assert.False(t, ok)
}
