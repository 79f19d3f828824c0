// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package cpuidutil

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinToCPU locks the calling goroutine to OS thread affinity cpu for the
// duration of fn, restoring the prior affinity mask afterwards. Topology
// discovery and per-core programming/sampling workers
// both need this to read/write per-logical-CPU
// state (APIC id, MSRs) from the right core.
func PinToCPU(cpu int, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var prior unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prior); err != nil {
		return fmt.Errorf("cpuidutil: get affinity: %w", err)
	}

	var target unix.CPUSet
	target.Set(cpu)
	if err := unix.SchedSetaffinity(0, &target); err != nil {
		return fmt.Errorf("cpuidutil: pin to cpu %d: %w", cpu, err)
	}
	defer unix.SchedSetaffinity(0, &prior)

	return fn()
}

// OnlineCPUs reports the logical CPUs the scheduler may currently place
// this process on, used as an offline/online sanity check alongside
// /sys/devices/system/cpu/online parsing in topology discovery.
func OnlineCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("cpuidutil: get affinity: %w", err)
	}
	var cpus []int
	want := set.Count()
	for i := 0; len(cpus) < want && i < 4096; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
