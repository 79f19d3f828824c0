// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIsCPUOnline(t *testing.T) {
	sysPath := t.TempDir()

	// cpu0 is always online regardless of sysfs state.
	online, err := isCPUOnline(0, sysPath)
	require.NoError(t, err)
	assert.True(t, online)

	dir := filepath.Join(sysPath, "devices", "system", "cpu", "cpu3")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "online"), []byte("0\n"), 0o644))

	online, err = isCPUOnline(3, sysPath)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "online"), []byte("1\n"), 0o644))
	online, err = isCPUOnline(3, sysPath)
	require.NoError(t, err)
	assert.True(t, online)
}

func TestIsCPUOnlineMissingFileDefaultsOnline(t *testing.T) {
	sysPath := t.TempDir()
	online, err := isCPUOnline(7, sysPath)
	assert.Error(t, err)
	assert.True(t, online)
}

func TestOpenMSROfflineCore(t *testing.T) {
	sysPath := t.TempDir()
	devPath := t.TempDir()

	dir := filepath.Join(sysPath, "devices", "system", "cpu", "cpu2")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "online"), []byte("0"), 0o644))

	h, err := OpenMSR(2, devPath, sysPath, logr.Discard())
	require.NoError(t, err)
	defer h.Close()

	assert.False(t, h.IsCoreOnline())
	assert.Equal(t, 2, h.CoreID())

	v, err := h.Read(0x10)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	assert.NoError(t, h.Write(0x10, 0xFF))
}

func TestOpenMSRMissingDeviceIsAccessDenied(t *testing.T) {
	sysPath := t.TempDir()
	devPath := t.TempDir() // no cpu/N/msr file present

	_, err := OpenMSR(0, devPath, sysPath, logr.Discard())
	assert.Error(t, err)
}

func TestMSRHandleCloneSharesRefcount(t *testing.T) {
	sysPath := t.TempDir()
	devPath := t.TempDir()
	dir := filepath.Join(sysPath, "devices", "system", "cpu", "cpu1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "online"), []byte("0"), 0o644))

	h, err := OpenMSR(1, devPath, sysPath, logr.Discard())
	require.NoError(t, err)

	clone := h.Clone()
	assert.Equal(t, int32(2), h.shared.refs)

	assert.NoError(t, clone.Close())
	assert.Equal(t, int32(1), h.shared.refs)
	assert.NoError(t, h.Close())
}

func TestMSRHandleLastErrorTracksMostRecentFailure(t *testing.T) {
	sysPath := t.TempDir()
	devPath := t.TempDir()
	dir := filepath.Join(devPath, "cpu", "3")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "msr"), make([]byte, 4096), 0o644))

	h, err := OpenMSR(3, devPath, sysPath, logr.Discard())
	require.NoError(t, err)

	_, ok := h.LastError()
	assert.False(t, ok)

	// Force the next read to fail by closing the underlying fd out from
	// under the handle.
	require.NoError(t, unix.Close(h.shared.fd))

	_, err = h.Read(0x10)
	assert.Error(t, err)

	lastErr, ok := h.LastError()
	require.True(t, ok)
	assert.Error(t, lastErr)
}

func TestLeUint64RoundTrip(t *testing.T) {
	var buf [8]byte
	leePutUint64(buf[:], 0x0102030405060708)
	assert.Equal(t, uint64(0x0102030405060708), leUint64(buf[:]))
}
