// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import "fmt"

// Compressed integer codec for the ECMA-335 II.23.2 blob and signature
// encoding. Unsigned values occupy 1, 2 or 4 bytes selected by the top
// bits of the first byte; multi-byte forms are stored big-endian.

// uncompressData decodes one compressed unsigned integer from the start of
// b. It returns the value and the number of bytes consumed.
func uncompressData(b []byte) (uint32, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("%w: compressed integer truncated", ErrFormat)
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xc0 == 0x80:
		if len(b) < 2 {
			return 0, 0, fmt.Errorf("%w: compressed integer truncated", ErrFormat)
		}
		return uint32(b[0]&0x3f)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xe0 == 0xc0:
		if len(b) < 4 {
			return 0, 0, fmt.Errorf("%w: compressed integer truncated", ErrFormat)
		}
		return uint32(b[0]&0x1f)<<24 | uint32(b[1])<<16 |
			uint32(b[2])<<8 | uint32(b[3]), 4, nil
	}
	return 0, 0, fmt.Errorf("%w: invalid compressed integer lead byte %#02x",
		ErrFormat, b[0])
}

// compressData encodes value in the II.23.2 unsigned form. Values at or
// above 2^29 are not representable.
func compressData(value uint32) ([]byte, error) {
	switch {
	case value <= 0x7f:
		return []byte{byte(value)}, nil
	case value <= 0x3fff:
		return []byte{byte(value>>8) | 0x80, byte(value)}, nil
	case value <= 0x1fffffff:
		return []byte{byte(value>>24) | 0xc0, byte(value >> 16),
			byte(value >> 8), byte(value)}, nil
	}
	return nil, fmt.Errorf("%w: value %#x too large to compress", ErrFormat, value)
}

// uncompressSigned decodes one compressed signed integer: the unsigned
// form with the sign bit rotated into the lowest bit of the used width.
func uncompressSigned(b []byte) (int32, int, error) {
	raw, n, err := uncompressData(b)
	if err != nil {
		return 0, 0, err
	}
	widths := [5]uint{0, 7, 14, 0, 29}
	value := int32(raw >> 1)
	if raw&1 != 0 {
		value -= int32(1) << (widths[n] - 1)
	}
	return value, n, nil
}

// tokenTables is the fixed TypeDefOrRefOrSpec encoding table of
// ECMA-335 II.23.2.8: the low two bits of the compressed value select the
// metadata table, the rest is the row index.
var tokenTables = [4]uint8{tableTypeDef, tableTypeRef, tableTypeSpec, tableBaseType}

// uncompressToken decodes one compressed metadata token.
func uncompressToken(b []byte) (Token, int, error) {
	raw, n, err := uncompressData(b)
	if err != nil {
		return 0, 0, err
	}
	return NewToken(tokenTables[raw&3], raw>>2), n, nil
}
