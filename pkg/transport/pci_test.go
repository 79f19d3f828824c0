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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakePCIDevice(t *testing.T, procPath string, bdf BDF) string {
	t.Helper()
	dir := filepath.Join(procPath, "bus", "pci",
		fmt.Sprintf("%04x:%02x", bdf.Segment, bdf.Bus))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, fmt.Sprintf("%02x.%x", bdf.Device, bdf.Function))
	require.NoError(t, os.WriteFile(path, make([]byte, 256), 0o644))
	return path
}

func TestOpenPCIMissingReturnsFalseNotError(t *testing.T) {
	procPath := t.TempDir()
	h, ok, err := OpenPCI(BDF{Segment: 0, Bus: 0x3f, Device: 0xa, Function: 0}, procPath)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, h)
}

func TestOpenPCIReadWrite(t *testing.T) {
	procPath := t.TempDir()
	bdf := BDF{Segment: 0, Bus: 0x3f, Device: 0xa, Function: 0}
	writeFakePCIDevice(t, procPath, bdf)

	h, ok, err := OpenPCI(bdf, procPath)
	require.NoError(t, err)
	require.True(t, ok)
	defer h.Close()

	assert.Equal(t, bdf, h.BDF())

	require.NoError(t, h.Write32(0x10, 0xDEADBEEF))
	v, err := h.Read32(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)

	require.NoError(t, h.Write64(0x20, 0x1122334455667788))
	v64, err := h.Read64(0x20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v64)
}

func TestPCIHandleCloneRefcount(t *testing.T) {
	procPath := t.TempDir()
	bdf := BDF{Segment: 0, Bus: 0, Device: 0, Function: 0}
	writeFakePCIDevice(t, procPath, bdf)

	h, ok, err := OpenPCI(bdf, procPath)
	require.NoError(t, err)
	require.True(t, ok)

	clone := h.Clone()
	assert.Equal(t, int32(2), h.shared.refs)
	assert.NoError(t, clone.Close())
	assert.Equal(t, int32(1), h.shared.refs)
	assert.NoError(t, h.Close())
}

func TestEnumerateByID(t *testing.T) {
	sysPath := t.TempDir()
	dev := filepath.Join(sysPath, "bus", "pci", "devices", "0000:3f:0a.0")
	require.NoError(t, os.MkdirAll(dev, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "vendor"), []byte("0x8086\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "device"), []byte("0x0cf4\n"), 0o644))

	found, err := EnumerateByID(sysPath, 0x8086, 0x0cf4)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, BDF{Segment: 0, Bus: 0x3f, Device: 0xa, Function: 0}, found[0])

	none, err := EnumerateByID(sysPath, 0x8086, 0xffff)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMCFGBase(t *testing.T) {
	sysPath := t.TempDir()
	dir := filepath.Join(sysPath, "firmware", "acpi", "tables")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	header := make([]byte, 44)
	entry := make([]byte, 16)
	binary.LittleEndian.PutUint64(entry[0:8], 0xB0000000)
	binary.LittleEndian.PutUint16(entry[8:10], 0)

	data := append(header, entry...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MCFG"), data, 0o644))

	base, err := MCFGBase(sysPath, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xB0000000), base)

	_, err = MCFGBase(sysPath, 1)
	assert.Error(t, err)
}
