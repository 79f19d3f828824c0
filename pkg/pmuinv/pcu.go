// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import "fmt"

// PCUProfile selects one of the PCU's four predefined GP-counter event
// groupings. Profiles 3 and 4 add a "clipped frequency limit cycles" event
// that only some uarches implement.
type PCUProfile int

const (
	PCUProfileOne PCUProfile = iota + 1
	PCUProfileTwo
	PCUProfileThree
	PCUProfileFour
)

// pcuClippedFreqEventSelect is the event-select value for the PCU's
// clipped-frequency-limit-cycles event on the uarches that support it. The
// exact encoding is undocumented in the material this library was built
// from; this is a placeholder pending a verified value from Intel's
// uncore programming guide for each uarch (see DESIGN.md).
const pcuClippedFreqEventSelect uint64 = 0x2B

// pcuClippedFreqSupported lists the uarches whose PCU implements the
// clipped-frequency-limit-cycles event.
var pcuClippedFreqSupported = map[Uarch]bool{
	UarchSKXCLXCPX: true,
	UarchICX:       true,
}

// ValidatePCUProfile rejects combining PCUProfileThree or PCUProfileFour
// with an uarch that has no clipped-frequency-limit-cycles event, rather
// than silently programming an event-select the hardware does not
// implement.
func ValidatePCUProfile(uarch Uarch, profile PCUProfile) error {
	if profile != PCUProfileThree && profile != PCUProfileFour {
		return nil
	}
	if !pcuClippedFreqSupported[uarch] {
		return fmt.Errorf("pmuinv: PCU profile %d requires the clipped-frequency-limit-cycles event, unsupported on uarch %d", profile, uarch)
	}
	return nil
}

// PCUProfileEvents returns the GP-counter EventConfigs for profile, in PCU
// counter-slot order.
func PCUProfileEvents(uarch Uarch, profile PCUProfile) ([]EventConfig, error) {
	if err := ValidatePCUProfile(uarch, profile); err != nil {
		return nil, err
	}
	switch profile {
	case PCUProfileOne:
		return []EventConfig{{Slot: 0, EventSelect: 0x00}, {Slot: 1, EventSelect: 0x01}}, nil
	case PCUProfileTwo:
		return []EventConfig{{Slot: 0, EventSelect: 0x0B}, {Slot: 1, EventSelect: 0x0C}}, nil
	case PCUProfileThree:
		return []EventConfig{{Slot: 0, EventSelect: 0x09}, {Slot: 1, EventSelect: pcuClippedFreqEventSelect}}, nil
	case PCUProfileFour:
		return []EventConfig{{Slot: 0, EventSelect: 0x0A}, {Slot: 1, EventSelect: pcuClippedFreqEventSelect}}, nil
	default:
		return nil, fmt.Errorf("pmuinv: unknown PCU profile %d", profile)
	}
}
