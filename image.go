// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"encoding/binary"
	"fmt"
	"os"

	sha256 "github.com/minio/sha256-simd"
	"github.com/zeebo/xxh3"
)

// FileID is the 128-bit content identity of a loaded image, used as a
// stable cache key across processes.
type FileID [16]byte

// Hash32 returns a 32-bit hash of the FileID for use as an LRU key hash.
func (id FileID) Hash32() uint32 {
	return uint32(xxh3.Hash(id[:]))
}

func (id FileID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// ImageBuffer owns the raw bytes of a loaded PE file. The contents are
// immutable after load; every view handed out by the decoder borrows from
// this buffer and must not outlive it.
type ImageBuffer struct {
	data []byte
}

// LoadImage reads the file at path fully into an owned buffer.
func LoadImage(path string) (*ImageBuffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewImageBuffer(data), nil
}

// NewImageBuffer wraps an in-memory image. The buffer takes ownership of
// data; the caller must not modify it afterwards.
func NewImageBuffer(data []byte) *ImageBuffer {
	return &ImageBuffer{data: data}
}

// Len returns the image size in bytes.
func (b *ImageBuffer) Len() int {
	return len(b.data)
}

// FileID hashes the image contents into its 128-bit identity.
func (b *ImageBuffer) FileID() FileID {
	var id FileID
	sum := sha256.Sum256(b.data)
	copy(id[:], sum[:16])
	return id
}

// Bytes returns the n bytes starting at offset off without copying.
func (b *ImageBuffer) Bytes(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(b.data) {
		return nil, fmt.Errorf("%w: read of %d bytes at %#x beyond image size %#x",
			ErrFormat, n, off, len(b.data))
	}
	return b.data[off : off+n], nil
}

// Uint8 reads one byte at offset off.
func (b *ImageBuffer) Uint8(off int) (uint8, error) {
	d, err := b.Bytes(off, 1)
	if err != nil {
		return 0, err
	}
	return d[0], nil
}

// Uint16 reads one 16-bit little-endian integer at offset off.
func (b *ImageBuffer) Uint16(off int) (uint16, error) {
	d, err := b.Bytes(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(d), nil
}

// Uint32 reads one 32-bit little-endian integer at offset off.
func (b *ImageBuffer) Uint32(off int) (uint32, error) {
	d, err := b.Bytes(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d), nil
}

// Uint64 reads one 64-bit little-endian integer at offset off.
func (b *ImageBuffer) Uint64(off int) (uint64, error) {
	d, err := b.Bytes(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(d), nil
}
