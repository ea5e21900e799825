// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUncompressData(t *testing.T) {
	testCases := []struct {
		data     string
		expected uint32
		size     int
	}{
		// ECMA-335 II.23.2 worked examples
		{"03", 0x03, 1},
		{"7f", 0x7f, 1},
		{"8080", 0x80, 2},
		{"ae57", 0x2e57, 2},
		{"bfff", 0x3fff, 2},
		{"c0004000", 0x4000, 4},
		{"dfffffff", 0x1fffffff, 4},
	}

	for _, test := range testCases {
		t.Run(test.data, func(t *testing.T) {
			data, err := hex.DecodeString(test.data)
			require.NoError(t, err, "Hex decoding failed")

			value, n, err := uncompressData(data)
			require.NoError(t, err, "Error")
			assert.Equal(t, test.expected, value, "Wrong value")
			assert.Equal(t, test.size, n, "Wrong size")

			// Round-trip: re-encoding must reproduce the input bytes.
			encoded, err := compressData(value)
			require.NoError(t, err, "Encoding failed")
			assert.Equal(t, data, encoded, "Round-trip mismatch")
		})
	}
}

func TestUncompressDataInvalid(t *testing.T) {
	for _, data := range []string{"", "80", "c00040", "e0"} {
		t.Run(data, func(t *testing.T) {
			raw, err := hex.DecodeString(data)
			require.NoError(t, err, "Hex decoding failed")

			_, _, err = uncompressData(raw)
			require.ErrorIs(t, err, ErrFormat, "Truncated or invalid input must fail")
		})
	}
}

func TestCompressDataTooLarge(t *testing.T) {
	_, err := compressData(0x20000000)
	require.ErrorIs(t, err, ErrFormat, "Values beyond 2^29-1 are unrepresentable")
}

func TestUncompressSigned(t *testing.T) {
	testCases := []struct {
		data     string
		expected int32
	}{
		// ECMA-335 II.23.2 worked examples
		{"06", 3},
		{"7b", -3},
		{"8080", 64},
		{"01", -64},
		{"c0004000", 8192},
		{"8001", -8192},
		{"dffffffe", 268435455},
		{"c0000001", -268435456},
	}

	for _, test := range testCases {
		t.Run(test.data, func(t *testing.T) {
			data, err := hex.DecodeString(test.data)
			require.NoError(t, err, "Hex decoding failed")

			value, _, err := uncompressSigned(data)
			require.NoError(t, err, "Error")
			assert.Equal(t, test.expected, value, "Wrong value")
		})
	}
}

func TestUncompressToken(t *testing.T) {
	testCases := []struct {
		data     string
		expected Token
	}{
		// ECMA-335 II.23.2.8: the low two bits select the table
		{"49", 0x01000012}, // TypeRef row 0x12
		{"14", 0x02000005}, // TypeDef row 5
		{"1a", 0x1b000006}, // TypeSpec row 6
		{"8403", 0x72000100}, // BaseType row 0x100
	}

	for _, test := range testCases {
		t.Run(test.data, func(t *testing.T) {
			data, err := hex.DecodeString(test.data)
			require.NoError(t, err, "Hex decoding failed")

			tk, _, err := uncompressToken(data)
			require.NoError(t, err, "Error")
			assert.Equal(t, test.expected, tk, "Wrong token")
		})
	}
}

func TestTokenParts(t *testing.T) {
	tk := NewToken(tableMethodDef, 0x123456)
	assert.Equal(t, uint8(tableMethodDef), tk.Table(), "Wrong table tag")
	assert.Equal(t, uint32(0x123456), tk.Row(), "Wrong row")
	assert.Equal(t, "0x06123456", tk.String(), "Wrong formatting")
}
