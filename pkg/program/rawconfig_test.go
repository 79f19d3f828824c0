// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package program

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRawPMUConfigsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
cha:
  - slot: 0
    event_select: 65
    filter0: 1
imc:
  - slot: 0
    event_select: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadRawPMUConfigsFromYAML(path)
	require.NoError(t, err)

	events := cfg.ToEventConfigs("cha")
	require.Len(t, events, 1)
	assert.Equal(t, uint64(65), events[0].EventSelect)
	assert.Equal(t, uint64(1), events[0].Filter0)

	assert.ElementsMatch(t, []string{"cha", "imc"}, cfg.Kinds())
}

func TestLoadRawPMUConfigsFromYAMLMissingFile(t *testing.T) {
	_, err := LoadRawPMUConfigsFromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRawPMUConfigsFromYAMLStrictRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
cha:
  - slot: 0
    event_select: 1
    bogus_field: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadRawPMUConfigsFromYAML(path)
	assert.Error(t, err)
}
