// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package topology

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/pcm/pkg/cpuidutil"
)

// NativeAPICIDReader reads the calling thread's x2APIC id by pinning to it
// and issuing CPUID leaf 0x1F (or 0x0B) subleaf 0, whose EDX output is the
// x2APIC id.
func NativeAPICIDReader(cpu int) (uint32, error) {
	var apicID uint32
	err := cpuidutil.PinToCPU(cpu, func() error {
		regs := cpuidutil.NativeSource{}.CPUID(0x1F, 0)
		if regs == (cpuidutil.Regs{}) {
			regs = cpuidutil.NativeSource{}.CPUID(0x0B, 0)
		}
		apicID = regs.EDX
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("topology: pin to cpu %d: %w", cpu, err)
	}
	return apicID, nil
}

// BuildNative discovers the topology of the machine this process is
// running on, using the real CPUID instruction and Linux CPU affinity.
func BuildNative(ignoreArchPerfmon bool, logger logr.Logger) (*Topology, error) {
	online, err := cpuidutil.OnlineCPUs()
	if err != nil {
		return nil, fmt.Errorf("topology: enumerate online cpus: %w", err)
	}
	return Build(cpuidutil.NativeSource{}, online, NativeAPICIDReader, ignoreArchPerfmon, logger)
}
