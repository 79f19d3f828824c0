// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pcmconfig centralizes every environment-variable knob the engine
// consumes into a single struct populated once at init, replacing
// the scattered getenv calls a prior implementation would have.
// Components receive a copy of the Config; they never call os.Getenv
// themselves.
package pcmconfig

import "os"

// Config is the process-wide configuration for the PMU engine. It is
// populated once by LoadConfigFromEnv (or ApplyDefaults for tests) and
// passed by value to every component that needs it.
type Config struct {
	// NoPerf forces direct core programming instead of the Linux perf
	// pseudo-PMU transport. PCM_NO_PERF.
	NoPerf bool
	// UseUncorePerf is parsed from PCM_USE_UNCORE_PERF, but no component
	// reads it: uncore PMUs are always programmed through direct register
	// access, never through the perf transport.
	UseUncorePerf bool
	// NoRDT disables RDT (L3 occupancy / MBM) metrics. PCM_NO_RDT.
	NoRDT bool
	// EnforceMBM overrides the SKX-SKZ4 erratum check that would
	// otherwise suppress memory-bandwidth monitoring. PCM_ENFORCE_MBM.
	EnforceMBM bool
	// KeepNMIWatchdog disables the automatic watchdog/unwatchdog dance
	// around programming. PCM_KEEP_NMI_WATCHDOG.
	KeepNMIWatchdog bool
	// NoAWSWorkaround disables the 3-GP-counter cap applied on AWS EC2
	// virtualized parts. PCM_NO_AWS_WORKAROUND.
	NoAWSWorkaround bool
	// IgnoreArchPerfmon forces topology discovery to continue on a
	// hypervisor lacking the architectural-perfmon CPUID leaf.
	// PCM_IGNORE_ARCH_PERFMON.
	IgnoreArchPerfmon bool
	// UseResctrl forces the resctrl RDT backend instead of RMID MSRs.
	// PCM_USE_RESCTRL.
	UseResctrl bool
	// NoPCIeGen5Discovery disables discovery-table binding for PCIe
	// Gen5 root complexes. PCM_NO_PCIE_GEN5_DISCOVERY.
	NoPCIeGen5Discovery bool
	// NoIMCDiscovery disables discovery-table binding for the memory
	// controller. PCM_NO_IMC_DISCOVERY.
	NoIMCDiscovery bool
	// NoUPILLDiscovery disables discovery-table binding for the UPI
	// link layer. PCM_NO_UPILL_DISCOVERY.
	NoUPILLDiscovery bool
	// PrintTopology emits the topology table to stderr on init.
	// PCM_PRINT_TOPOLOGY.
	PrintTopology bool

	// HostProcPath, HostSysPath, HostDevPath let the engine run inside a
	// container against a bind-mounted host /proc, /sys, /dev, mirroring
	// the familiar HOST_PROC/HOST_SYS/HOST_DEV overrides.
	HostProcPath string
	HostSysPath  string
	HostDevPath  string
}

// DefaultConfig returns the engine's zero-touch defaults.
func DefaultConfig() Config {
	return Config{
		HostProcPath: "/proc",
		HostSysPath:  "/sys",
		HostDevPath:  "/dev",
	}
}

// ApplyDefaults fills zero-valued path fields with their defaults. Boolean
// toggles default to false (off) and need no fixup.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.HostProcPath == "" {
		c.HostProcPath = defaults.HostProcPath
	}
	if c.HostSysPath == "" {
		c.HostSysPath = defaults.HostSysPath
	}
	if c.HostDevPath == "" {
		c.HostDevPath = defaults.HostDevPath
	}
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	return v != "" && v != "0" && v != "false"
}

// LoadConfigFromEnv builds a Config from environment toggles, applying
// host-path overrides (HOST_PROC/HOST_SYS/HOST_DEV) the way a
// container-aware collector manager does for containerized deployments.
func LoadConfigFromEnv() Config {
	c := Config{
		NoPerf:              envBool("PCM_NO_PERF"),
		UseUncorePerf:       envBool("PCM_USE_UNCORE_PERF"),
		NoRDT:               envBool("PCM_NO_RDT"),
		EnforceMBM:          envBool("PCM_ENFORCE_MBM"),
		KeepNMIWatchdog:     envBool("PCM_KEEP_NMI_WATCHDOG"),
		NoAWSWorkaround:     envBool("PCM_NO_AWS_WORKAROUND"),
		IgnoreArchPerfmon:   envBool("PCM_IGNORE_ARCH_PERFMON"),
		UseResctrl:          envBool("PCM_USE_RESCTRL"),
		NoPCIeGen5Discovery: envBool("PCM_NO_PCIE_GEN5_DISCOVERY"),
		NoIMCDiscovery:      envBool("PCM_NO_IMC_DISCOVERY"),
		NoUPILLDiscovery:    envBool("PCM_NO_UPILL_DISCOVERY"),
		PrintTopology:       envBool("PCM_PRINT_TOPOLOGY"),
		HostProcPath:        os.Getenv("HOST_PROC"),
		HostSysPath:         os.Getenv("HOST_SYS"),
		HostDevPath:         os.Getenv("HOST_DEV"),
	}
	c.ApplyDefaults()
	return c
}
