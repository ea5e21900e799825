// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ilReaderFromHex(t *testing.T, data string, tokens TokenMap) *ILReader {
	t.Helper()
	code, err := hex.DecodeString(data)
	require.NoError(t, err, "Hex decoding failed")
	mc := &MethodCode{MaxStack: 8, CodeSize: len(code), Code: code, EH: &EHTable{}}
	return NewILReader(mc, tokens)
}

func TestILReaderSingleOpcode(t *testing.T) {
	r := ilReaderFromHex(t, "2a", nil) // ret

	assert.True(t, r.IsIL(), "Body must be present")
	assert.Equal(t, uint16(0x2a), r.ReadOpcode(), "Wrong opcode")
	assert.True(t, r.EndOfCode(), "Cursor must be at the end")
	assert.NoError(t, r.Err(), "Error")
}

func TestILReaderTwoByteOpcode(t *testing.T) {
	r := ilReaderFromHex(t, "fe160a", nil)

	assert.Equal(t, uint16(0xe116), r.ReadOpcode(), "Wrong extended opcode")
	assert.Equal(t, uint8(0x0a), r.ReadUint8(), "Wrong operand")
	assert.True(t, r.EndOfCode(), "Cursor must be at the end")
	require.NoError(t, r.Err(), "Error")
}

func TestILReaderSwitch(t *testing.T) {
	r := ilReaderFromHex(t, "450200000010000000f0ffffff", nil)

	assert.Equal(t, uint16(0x45), r.ReadOpcode(), "Wrong opcode")
	assert.Equal(t, []int32{16, -16}, r.ReadSwitch(), "Wrong switch targets")
	assert.True(t, r.EndOfCode(), "Cursor must be at the end")
	require.NoError(t, r.Err(), "Error")
}

func TestILReaderTokenResolved(t *testing.T) {
	foo := &struct{ name string }{"Foo"}
	// Token 0x0a000001 little-endian
	r := ilReaderFromHex(t, "0100000a", TokenMap{0x0a000001: foo})

	assert.Same(t, foo, r.ReadToken(), "Token must resolve through the map")
	assert.Equal(t, 4, r.Offset(), "Token operand is four bytes")
}

func TestILReaderTokenUnresolved(t *testing.T) {
	r := ilReaderFromHex(t, "0100000a", TokenMap{})

	assert.Equal(t, "167772161", r.ReadToken(),
		"Unresolved tokens degrade to their decimal form")
	require.NoError(t, r.Err(), "An unresolved token is not an error")
}

func TestILReaderOperands(t *testing.T) {
	r := ilReaderFromHex(t, "ff"+"1234"+"fecb"+"78563412"+"efcdab9078563412", nil)

	assert.Equal(t, int16(-1), r.ReadInt8(), "Wrong int8")
	assert.Equal(t, int32(0x3412), r.ReadUint16(), "Wrong uint16")
	assert.Equal(t, int32(-13314), r.ReadInt16(), "Wrong int16")
	assert.Equal(t, int32(0x12345678), r.ReadInt32(), "Wrong int32")
	assert.Equal(t, int64(0x1234567890abcdef), r.ReadInt64(), "Wrong int64")
	assert.True(t, r.EndOfCode(), "Cursor must be at the end")
	require.NoError(t, r.Err(), "Error")
}

func TestILReaderFloats(t *testing.T) {
	// 1.5 as float32, -2.25 as float64
	r := ilReaderFromHex(t, "0000c03f"+"00000000000002c0", nil)

	assert.Equal(t, float32(1.5), r.ReadFloat32(), "Wrong float32")
	assert.Equal(t, -2.25, r.ReadFloat64(), "Wrong float64")
	require.NoError(t, r.Err(), "Error")
}

func TestILReaderPastEnd(t *testing.T) {
	r := ilReaderFromHex(t, "2a", nil)

	r.ReadOpcode()
	r.ReadInt32()
	require.ErrorIs(t, r.Err(), ErrFormat, "Reads past the code end must fail")
	assert.Equal(t, int32(0), r.ReadInt32(), "Reads after a failure return zero")

	r.Reset()
	assert.NoError(t, r.Err(), "Reset must clear the sticky error")
	assert.Equal(t, uint16(0x2a), r.ReadOpcode(), "Reader must be reusable after Reset")
}

func TestILReaderEmptyBody(t *testing.T) {
	mc := &MethodCode{}
	r := NewILReader(mc, nil)

	assert.False(t, r.IsIL(), "No body present")
	assert.Equal(t, 0, r.CodeSize(), "Empty body has no code")
	assert.True(t, r.EndOfCode(), "Empty body is immediately consumed")
}
