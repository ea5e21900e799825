// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBodyFromHex(t *testing.T, data string) (*MethodCode, Token, error) {
	t.Helper()
	raw, err := hex.DecodeString(data)
	require.NoError(t, err, "Hex decoding failed")
	return decodeMethodBody(NewImageBuffer(raw), 0)
}

func TestDecodeMethodBodyTiny(t *testing.T) {
	mc, localTok, err := decodeBodyFromHex(t, "062a")
	require.NoError(t, err, "Error")

	assert.Equal(t, 1, mc.CodeSize, "Wrong code size")
	assert.Equal(t, 8, mc.MaxStack, "Tiny bodies have a fixed max stack")
	assert.Equal(t, []byte{0x2a}, mc.Code, "Wrong code bytes")
	assert.Equal(t, 0, mc.EH.Count(), "Tiny bodies have no EH")
	assert.Empty(t, mc.LocalVarBaseTypes, "Tiny bodies have no locals")
	assert.Equal(t, Token(0), localTok, "Tiny bodies have no local signature")

	r := NewILReader(mc, nil)
	assert.Equal(t, uint16(0x2a), r.ReadOpcode(), "Wrong opcode")
	assert.True(t, r.EndOfCode(), "Cursor must be at the end")
}

const fatBodyPrefix = "0b30" + "0200" + "08000000" + "01000011" + // fat header
	"000000000000002a" // 8 bytes of code

func TestDecodeMethodBodyFat(t *testing.T) {
	// Small EH section with one type-filtered clause.
	mc, localTok, err := decodeBodyFromHex(t, fatBodyPrefix+
		"01100000"+"0000"+"0000"+"04"+"0400"+"04"+"01000001")
	require.NoError(t, err, "Error")

	assert.Equal(t, 8, mc.CodeSize, "Wrong code size")
	assert.Equal(t, 2, mc.MaxStack, "Wrong max stack")
	assert.Equal(t, Token(0x11000001), localTok, "Wrong local signature token")
	require.Equal(t, 1, mc.EH.Count(), "Wrong EH clause count")

	clause := mc.EH.Clauses[0]
	assert.Equal(t, EHTypeFiltered, clause.Kind, "Wrong clause kind")
	assert.Equal(t, uint32(0), clause.TryOffset, "Wrong try offset")
	assert.Equal(t, uint32(4), clause.TryLength, "Wrong try length")
	assert.Equal(t, uint32(4), clause.HandlerOffset, "Wrong handler offset")
	assert.Equal(t, uint32(4), clause.HandlerLength, "Wrong handler length")
	assert.Equal(t, Token(0x01000001), clause.Param, "Wrong class token")
}

func TestDecodeMethodBodyFatEHSection(t *testing.T) {
	// Fat EH section with a finally clause and a user filter clause.
	mc, _, err := decodeBodyFromHex(t, fatBodyPrefix+
		"41340000"+
		"02000000"+"00000000"+"04000000"+"04000000"+"04000000"+"00000000"+
		"01000000"+"00000000"+"02000000"+"04000000"+"04000000"+"06000000")
	require.NoError(t, err, "Error")

	require.Equal(t, 2, mc.EH.Count(), "Wrong EH clause count")
	assert.Equal(t, EHFinally, mc.EH.Clauses[0].Kind, "Wrong first clause kind")
	assert.Nil(t, mc.EH.Clauses[0].Param, "Finally clauses have no parameter")
	assert.Equal(t, EHUserFiltered, mc.EH.Clauses[1].Kind, "Wrong second clause kind")
	assert.Equal(t, int32(6), mc.EH.Clauses[1].FilterOffset(), "Wrong filter offset")
}

func TestDecodeMethodBodyChainedSections(t *testing.T) {
	// Two small sections chained by the more-sections bit.
	mc, _, err := decodeBodyFromHex(t, fatBodyPrefix+
		"81100000"+"0200"+"0000"+"04"+"0400"+"04"+"00000000"+
		"01100000"+"0400"+"0000"+"04"+"0400"+"04"+"00000000")
	require.NoError(t, err, "Error")

	require.Equal(t, 2, mc.EH.Count(), "Both sections must be decoded")
	assert.Equal(t, EHFinally, mc.EH.Clauses[0].Kind, "Wrong first clause kind")
	assert.Equal(t, EHFault, mc.EH.Clauses[1].Kind, "Wrong second clause kind")
}

func TestDecodeMethodBodyClauseOutOfRange(t *testing.T) {
	// Handler range extends past the code end.
	_, _, err := decodeBodyFromHex(t, fatBodyPrefix+
		"01100000"+"0000"+"0000"+"04"+"0400"+"10"+"01000001")
	require.ErrorIs(t, err, ErrFormat, "Out-of-range clauses must be rejected")
}

func TestDecodeMethodBodyInvalidHeader(t *testing.T) {
	_, _, err := decodeBodyFromHex(t, "002a")
	require.ErrorIs(t, err, ErrFormat, "Invalid header byte must be rejected")

	// Fat header with truncated code
	_, _, err = decodeBodyFromHex(t, "0b30"+"0200"+"ff000000"+"00000000")
	require.ErrorIs(t, err, ErrFormat, "Truncated body must be rejected")
}

func TestEHTableFixParams(t *testing.T) {
	resolved := &struct{ name string }{"Exception"}
	table := &EHTable{Clauses: []EHClause{
		{Kind: EHTypeFiltered, Param: Token(0x01000001)},
		{Kind: EHTypeFiltered, Param: Token(0x01000002)},
		{Kind: EHUserFiltered, Param: int32(6)},
	}}

	table.FixParams(TokenMap{0x01000001: resolved})

	assert.Same(t, resolved, table.Clauses[0].Param, "Resolvable token must be replaced")
	assert.Equal(t, Token(0x01000002), table.Clauses[1].Param,
		"Unresolvable token must stay in place")
	assert.Equal(t, int32(6), table.Clauses[2].Param,
		"Filter offsets are not touched")
}
