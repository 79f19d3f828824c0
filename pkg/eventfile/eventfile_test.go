// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package eventfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	starts    []int
	fields    []string
	completed []Event
}

func (h *recordingHandler) LineStart(line int) {
	h.starts = append(h.starts, line)
}

func (h *recordingHandler) Field(line int, key string, value uint64) error {
	h.fields = append(h.fields, key)
	return nil
}

func (h *recordingHandler) LineComplete(line int, ev Event) {
	h.completed = append(h.completed, ev)
}

func TestParseDispatchesThreePhases(t *testing.T) {
	input := "hname=SKT_READS,vname=reads,ctr=0,ev_sel=0x04,umask=0x03,en=1\n"
	h := &recordingHandler{}
	require.NoError(t, Parse(strings.NewReader(input), h))

	assert.Equal(t, []int{1}, h.starts)
	assert.Equal(t, []string{"ctr", "ev_sel", "umask", "en"}, h.fields)
	require.Len(t, h.completed, 1)

	ev := h.completed[0]
	assert.Equal(t, "SKT_READS", ev.HName)
	assert.Equal(t, "reads", ev.VName)
	assert.Equal(t, uint64(0), ev.Ctr)
	assert.Equal(t, uint64(0x04), ev.EventSelect)
	assert.Equal(t, uint64(0x03), ev.Umask)
	assert.Equal(t, uint64(1), ev.Enable)
}

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	input := "\n# a comment\nctr=0,ev_sel=1\n"
	h := &recordingHandler{}
	require.NoError(t, Parse(strings.NewReader(input), h))
	assert.Len(t, h.completed, 1)
}

func TestParseCStyleLiterals(t *testing.T) {
	input := "ctr=010,ev_sel=0x2A,umask=42\n"
	h := &recordingHandler{}
	require.NoError(t, Parse(strings.NewReader(input), h))

	require.Len(t, h.completed, 1)
	ev := h.completed[0]
	assert.Equal(t, uint64(8), ev.Ctr)           // octal 010 == 8
	assert.Equal(t, uint64(42), ev.EventSelect)  // hex 0x2A == 42
	assert.Equal(t, uint64(42), ev.Umask)
}

func TestParseUnrecognizedFieldPreserved(t *testing.T) {
	input := "ctr=1,custom_flag=0x5\n"
	h := &recordingHandler{}
	require.NoError(t, Parse(strings.NewReader(input), h))

	require.Len(t, h.completed, 1)
	assert.Equal(t, uint64(5), h.completed[0].Unrecognized["custom_flag"])
}

func TestParseMalformedFieldErrors(t *testing.T) {
	h := &recordingHandler{}
	err := Parse(strings.NewReader("ctr\n"), h)
	assert.Error(t, err)
}

func TestParseFieldCallbackErrorAborts(t *testing.T) {
	input := "ctr=1,ev_sel=2\n"
	h := &abortingHandler{abortOn: "ev_sel"}
	err := Parse(strings.NewReader(input), h)
	assert.Error(t, err)
}

type abortingHandler struct {
	abortOn string
}

func (h *abortingHandler) LineStart(line int) {}
func (h *abortingHandler) Field(line int, key string, value uint64) error {
	if key == h.abortOn {
		return assert.AnError
	}
	return nil
}
func (h *abortingHandler) LineComplete(line int, ev Event) {}

func TestSerializeParseRoundTrip(t *testing.T) {
	original := Event{
		HName:       "SKT_READS",
		VName:       "reads",
		Ctr:         0,
		EventSelect: 0x04,
		Umask:       0x03,
		Enable:      1,
		Unit:        "bytes",
	}

	line := Serialize(original)

	h := &recordingHandler{}
	require.NoError(t, Parse(strings.NewReader(line+"\n"), h))
	require.Len(t, h.completed, 1)

	roundTripped := h.completed[0]
	assert.Equal(t, original.HName, roundTripped.HName)
	assert.Equal(t, original.VName, roundTripped.VName)
	assert.Equal(t, original.EventSelect, roundTripped.EventSelect)
	assert.Equal(t, original.Umask, roundTripped.Umask)
	assert.Equal(t, original.Enable, roundTripped.Enable)
	assert.Equal(t, original.Unit, roundTripped.Unit)
}
