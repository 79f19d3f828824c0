// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeAPICIDSyntheticLeaf1F(t *testing.T) {
	domains := []Domain{
		{Type: DomainLogical, Shift: 1},
		{Type: DomainCore, Shift: 4},
		{Type: DomainDie, Shift: 6},
		{Type: DomainSocket, Shift: 8},
	}

	apicIDs := []uint32{0x00, 0x01, 0x100, 0x101}
	wantSocket := []uint32{0, 0, 1, 1}
	wantCore := []uint32{0, 0, 0, 0}
	wantThread := []uint32{0, 1, 0, 1}

	for i, apicID := range apicIDs {
		decoded := DecodeAPICID(apicID, domains)
		assert.Equalf(t, wantSocket[i], decoded.Socket, "apicID=0x%x socket", apicID)
		assert.Equalf(t, wantCore[i], decoded.Core, "apicID=0x%x core", apicID)
		assert.Equalf(t, wantThread[i], decoded.Thread, "apicID=0x%x thread", apicID)
	}
}

func TestDecodeAPICIDSingleDomain(t *testing.T) {
	domains := []Domain{{Type: DomainSocket, Shift: 0}}
	decoded := DecodeAPICID(7, domains)
	assert.Equal(t, uint32(7), decoded.Socket)
}

func TestDecodeAPICIDEmptyDomains(t *testing.T) {
	decoded := DecodeAPICID(0xFF, nil)
	assert.Equal(t, DecodedID{}, decoded)
}
