// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pcm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/pcm/pkg/pcmconfig"
	"github.com/antimetal/pcm/pkg/pmuinv"
	"github.com/antimetal/pcm/pkg/topology"
	"github.com/antimetal/pcm/pkg/transport"
)

func TestDefaultUncoreEvents(t *testing.T) {
	events := defaultUncoreEvents(3)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i, e.Slot)
		assert.Equal(t, uint64(0x01), e.EventSelect)
	}
}

func TestReferenceCPUForSocket(t *testing.T) {
	topo := &topology.Topology{Entries: []topology.Entry{
		{OSID: -1, SocketID: 0},
		{OSID: 2, SocketID: 1},
		{OSID: 5, SocketID: 1},
	}}
	assert.Equal(t, 0, referenceCPUForSocket(topo, 0))
	assert.Equal(t, 2, referenceCPUForSocket(topo, 1))
}

func TestNMIWatchdogActive(t *testing.T) {
	procRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "sys", "kernel"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "sys", "kernel", "nmi_watchdog"), []byte("1\n"), 0o644))

	p := &PCM{cfg: pcmconfig.Config{HostProcPath: procRoot}}
	assert.True(t, p.nmiWatchdogActive())

	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "sys", "kernel", "nmi_watchdog"), []byte("0\n"), 0o644))
	assert.False(t, p.nmiWatchdogActive())
}

func TestNMIWatchdogActiveMissingFile(t *testing.T) {
	p := &PCM{cfg: pcmconfig.Config{HostProcPath: t.TempDir()}}
	assert.False(t, p.nmiWatchdogActive())
}

func fakeMSRHandles(t *testing.T, cpus []int) map[int]*transport.MSRHandle {
	t.Helper()
	sysPath := t.TempDir()
	devPath := t.TempDir()

	handles := make(map[int]*transport.MSRHandle, len(cpus))
	for _, cpu := range cpus {
		dir := filepath.Join(devPath, "cpu", fmt.Sprintf("%d", cpu))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "msr"), make([]byte, 4096), 0o644))

		h, err := transport.OpenMSR(cpu, devPath, sysPath, logr.Discard())
		require.NoError(t, err)
		handles[cpu] = h
	}
	return handles
}

func TestBuildDirectCHAPMUs(t *testing.T) {
	handles := fakeMSRHandles(t, []int{0})
	topo := &topology.Topology{Entries: []topology.Entry{{OSID: 0, SocketID: 0}}}
	table, ok := pmuinv.DirectBindingTable(pmuinv.UarchSKXCLXCPX)
	require.True(t, ok)

	pmus, err := buildDirectCHAPMUs(table, 0, handles, topo)
	require.NoError(t, err)
	assert.Len(t, pmus, len(table.CHABaseMSR))
	for _, pmu := range pmus {
		assert.Equal(t, pmuinv.KindCHA, pmu.Kind)
		assert.Equal(t, 2, pmu.NumCounters())
	}
}

func TestBuildDirectCHAPMUsMissingReferenceCPU(t *testing.T) {
	topo := &topology.Topology{Entries: []topology.Entry{{OSID: -1, SocketID: 0}}}
	table, ok := pmuinv.DirectBindingTable(pmuinv.UarchSKXCLXCPX)
	require.True(t, ok)

	_, err := buildDirectCHAPMUs(table, 0, map[int]*transport.MSRHandle{}, topo)
	assert.Error(t, err)
}
