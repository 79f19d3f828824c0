// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package program

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/antimetal/pcm/pkg/pmuinv"
)

// RawEventConfig is the YAML-friendly mirror of pmuinv.EventConfig, used to
// decode a user-supplied event table keyed by PMU kind.
type RawEventConfig struct {
	Slot        int    `yaml:"slot"`
	EventSelect uint64 `yaml:"event_select"`
	Filter0     uint64 `yaml:"filter0,omitempty"`
	Filter1     uint64 `yaml:"filter1,omitempty"`
}

func (r RawEventConfig) toEventConfig() pmuinv.EventConfig {
	return pmuinv.EventConfig{Slot: r.Slot, EventSelect: r.EventSelect, Filter0: r.Filter0, Filter1: r.Filter1}
}

// RawPMUConfigs is a document keyed by PMU kind ("core", "atom", "cha",
// "iio", "irp", "imc", "m2m", "ha", "upi", "m3upi", "pcu", "ubox", "mdf",
// "cxlcm", "cxldp", and so on), each value a list of event configs to
// program onto that kind's counter slots.
type RawPMUConfigs map[string][]RawEventConfig

// LoadRawPMUConfigsFromYAML reads a RawPMUConfigs document from path, in
// the style of intel-svr-info's metadata.yaml loading: strict decoding so
// a typo'd key fails loudly instead of silently programming nothing.
func LoadRawPMUConfigsFromYAML(path string) (RawPMUConfigs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("program: rawconfig: read %s: %w", path, err)
	}
	var cfg RawPMUConfigs
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("program: rawconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ToEventConfigs converts one kind's raw entries into pmuinv.EventConfig
// values ready for Engine.Program.
func (c RawPMUConfigs) ToEventConfigs(kind string) []pmuinv.EventConfig {
	raw := c[kind]
	out := make([]pmuinv.EventConfig, len(raw))
	for i, r := range raw {
		out[i] = r.toEventConfig()
	}
	return out
}

// Kinds returns every PMU kind named in the document.
func (c RawPMUConfigs) Kinds() []string {
	kinds := make([]string, 0, len(c))
	for k := range c {
		kinds = append(kinds, k)
	}
	return kinds
}
