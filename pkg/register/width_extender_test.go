// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package register

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounter simulates a free-running narrow hardware counter. Read()
// returns raw & mask, permitting callers to drive it past its wrap point.
type fakeCounter struct {
	mu  sync.Mutex
	raw uint64
}

func (f *fakeCounter) Read() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw, nil
}

func (f *fakeCounter) Write(v uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = v
	return nil
}

func (f *fakeCounter) set(v uint64) {
	f.mu.Lock()
	f.raw = v
	f.mu.Unlock()
}

func TestCounterWidthExtenderMonotonicAcrossWrap(t *testing.T) {
	const width = 32
	counter := &fakeCounter{raw: 0}

	ext, err := NewCounterWidthExtender(counter, width, time.Hour, logr.Discard())
	require.NoError(t, err)
	defer ext.Stop()

	v1, err := ext.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v1)

	counter.set(1 << 31)
	v2, err := ext.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<31), v2)

	// Wrap: raw counter overflows a 32-bit register and restarts near 0.
	counter.set(100)
	v3, err := ext.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<32)+100, v3)
	assert.Greater(t, v3, v2)

	// A second, smaller value after the wrap must still be monotonic
	// relative to v3 as long as it hasn't wrapped again.
	counter.set(200)
	v4, err := ext.Read()
	require.NoError(t, err)
	assert.Greater(t, v4, v3)
}

func TestCounterWidthExtenderWatchdogCatchesWrapBetweenReads(t *testing.T) {
	const width = 8 // small width, easy to wrap quickly in a test
	counter := &fakeCounter{raw: 0}

	ext, err := NewCounterWidthExtender(counter, width, 5*time.Millisecond, logr.Discard())
	require.NoError(t, err)
	defer ext.Stop()

	counter.set(0xF0)
	time.Sleep(20 * time.Millisecond)
	counter.set(0x10) // wraps past 0xFF while nobody called Read()

	time.Sleep(20 * time.Millisecond) // let the watchdog observe the wrap

	v, err := ext.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<width)+0x10, v)
}

func TestCounterWidthExtenderRejectsBadWidth(t *testing.T) {
	counter := &fakeCounter{}
	_, err := NewCounterWidthExtender(counter, 0, time.Second, logr.Discard())
	assert.Error(t, err)

	_, err = NewCounterWidthExtender(counter, 64, time.Second, logr.Discard())
	assert.Error(t, err)
}

func TestCounterWidthExtenderWriteFails(t *testing.T) {
	counter := &fakeCounter{}
	ext, err := NewCounterWidthExtender(counter, 32, time.Hour, logr.Discard())
	require.NoError(t, err)
	defer ext.Stop()

	assert.Error(t, ext.Write(1))
}

func TestCounterWidthExtenderStopIsIdempotent(t *testing.T) {
	counter := &fakeCounter{}
	ext, err := NewCounterWidthExtender(counter, 32, time.Hour, logr.Discard())
	require.NoError(t, err)

	ext.Stop()
	ext.Stop()
}
