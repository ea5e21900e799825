// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"
)

// stringHeap is the ECMA-335 II.24.2.3 #Strings heap: zero-terminated
// UTF-8 strings indexed by byte offset.
type stringHeap []byte

func (h stringHeap) lookup(offs uint32) (string, error) {
	if offs == 0 {
		return "", nil
	}
	if offs >= uint32(len(h)) {
		return "", fmt.Errorf("%w: string heap offset %#x beyond heap size %#x",
			ErrMetadata, offs, len(h))
	}
	end := bytes.IndexByte(h[offs:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at heap offset %#x",
			ErrMetadata, offs)
	}
	return string(h[offs : offs+uint32(end)]), nil
}

// blobHeap is the ECMA-335 II.24.2.4 #Blob heap: length-prefixed binary
// blobs indexed by byte offset. The length prefix uses the compressed
// unsigned encoding.
type blobHeap []byte

func (h blobHeap) lookup(offs uint32) ([]byte, error) {
	if offs >= uint32(len(h)) {
		return nil, fmt.Errorf("%w: blob heap offset %#x beyond heap size %#x",
			ErrMetadata, offs, len(h))
	}
	size, n, err := uncompressData(h[offs:])
	if err != nil {
		return nil, err
	}
	start := offs + uint32(n)
	if start+size > uint32(len(h)) {
		return nil, fmt.Errorf("%w: blob of %d bytes at heap offset %#x beyond heap size %#x",
			ErrMetadata, size, offs, len(h))
	}
	return h[start : start+size], nil
}

// guidHeap is the ECMA-335 II.24.2.5 #GUID heap: 16-byte entries indexed
// 1-based.
type guidHeap []byte

func (h guidHeap) lookup(index uint32) (uuid.UUID, error) {
	if index == 0 {
		return uuid.Nil, nil
	}
	offs := (index - 1) * 16
	if offs+16 > uint32(len(h)) {
		return uuid.Nil, fmt.Errorf("%w: GUID index %d beyond heap size %#x",
			ErrMetadata, index, len(h))
	}
	// The heap stores Windows GUID layout: the first three fields are
	// little-endian, the rest is a byte array. Swap into RFC 4122 order.
	var b [16]byte
	raw := h[offs : offs+16]
	binary.BigEndian.PutUint32(b[0:4], binary.LittleEndian.Uint32(raw[0:4]))
	binary.BigEndian.PutUint16(b[4:6], binary.LittleEndian.Uint16(raw[4:6]))
	binary.BigEndian.PutUint16(b[6:8], binary.LittleEndian.Uint16(raw[6:8]))
	copy(b[8:], raw[8:])
	return uuid.FromBytes(b[:])
}

// usHeap is the ECMA-335 II.24.2.4 #US heap holding user string literals:
// blob-encoded UTF-16LE strings with a trailing flag byte.
type usHeap []byte

// walk visits every non-empty user string in heap order. Heap offset 0 is
// the mandatory empty entry; zero padding between entries is skipped.
func (h usHeap) walk(visit func(offs uint32, s string)) error {
	for offs := uint32(1); offs < uint32(len(h)); {
		size, n, err := uncompressData(h[offs:])
		if err != nil {
			return err
		}
		start := offs + uint32(n)
		if start+size > uint32(len(h)) {
			return fmt.Errorf("%w: user string of %d bytes at heap offset %#x beyond heap size %#x",
				ErrMetadata, size, offs, len(h))
		}
		if size > 0 {
			visit(offs, decodeUTF16(h[start:start+size]))
		}
		offs = start + size
	}
	return nil
}

// decodeUTF16 converts a user string payload: UTF-16LE code units with an
// odd trailing flag byte that is not part of the text.
func decodeUTF16(blob []byte) string {
	units := make([]uint16, len(blob)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(blob[2*i:])
	}
	return string(utf16.Decode(units))
}
