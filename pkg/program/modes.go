// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package program

import "fmt"

// ExtendedCustomCoreEventDescription lets a caller of ModeExtendedCustom
// supply raw event/umask pairs without hand-building a full CoreProgram.
type ExtendedCustomCoreEventDescription struct {
	Events []CoreEventConfig
}

// BuildCoreProgram constructs the CoreProgram for one of the predefined
// modes. ModeExtendedCustom requires a non-nil custom description; every
// other mode ignores it.
func BuildCoreProgram(mode ProgramMode, custom *ExtendedCustomCoreEventDescription) (CoreProgram, error) {
	switch mode {
	case ModeCache:
		return CoreProgram{
			Fixed: allFixedCountersEnabled(),
			GP: []CoreEventConfig{
				{Slot: 0, Event: 0x2E, Umask: 0x4F, USR: true, OS: true, Enable: true}, // LONGEST_LAT_CACHE.REFERENCE
				{Slot: 1, Event: 0x2E, Umask: 0x41, USR: true, OS: true, Enable: true}, // LONGEST_LAT_CACHE.MISS
				{Slot: 2, Event: 0xD0, Umask: 0x11, USR: true, OS: true, Enable: true}, // MEM_LOAD_RETIRED.L1_MISS
				{Slot: 3, Event: 0xD0, Umask: 0x21, USR: true, OS: true, Enable: true}, // MEM_LOAD_RETIRED.L2_MISS
			},
		}, nil

	case ModeMemory:
		return CoreProgram{
			Fixed: allFixedCountersEnabled(),
			GP: []CoreEventConfig{
				{Slot: 0, Event: 0xB0, Umask: 0x01, USR: true, OS: true, Enable: true}, // OFFCORE_REQUESTS.DEMAND_DATA_RD
			},
		}, nil

	case ModePower:
		return CoreProgram{
			Fixed: allFixedCountersEnabled(),
		}, nil

	case ModeIIO, ModePCIe, ModeQPI, ModeRDT:
		// These modes program uncore blocks exclusively; the core side
		// only needs the fixed counters (cycles/instructions/ref-cycles)
		// for normalization.
		return CoreProgram{Fixed: allFixedCountersEnabled()}, nil

	case ModeExtendedCustom:
		if custom == nil {
			return CoreProgram{}, fmt.Errorf("program: modes: %s requires an ExtendedCustomCoreEventDescription", mode)
		}
		return CoreProgram{
			Fixed: allFixedCountersEnabled(),
			GP:    custom.Events,
		}, nil

	default:
		return CoreProgram{}, fmt.Errorf("program: modes: unknown program mode %q", mode)
	}
}

func allFixedCountersEnabled() FixedCounterConfig {
	return FixedCounterConfig{
		OS:     [3]bool{true, true, true},
		USR:    [3]bool{true, true, true},
		Enable: [3]bool{true, true, true},
	}
}
