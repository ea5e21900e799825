// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// doubleByteCodesOrigin is the numeric origin of the two-byte opcode
// space: a 0xFE prefix byte maps the second byte to
// doubleByteCodesOrigin<<8 + byte.
const doubleByteCodesOrigin = 0xE1

// ILReader is a sequential cursor over a decoded method body. It reads
// one- and two-byte opcodes and their inline operands, resolving metadata
// token operands through the caller-supplied token map.
//
// Errors stick: the first read past the end of the code records an
// ErrFormat failure, subsequent reads return zero values, and Err reports
// the failure. Reset clears both the position and the error.
type ILReader struct {
	mc     *MethodCode
	tokens TokenMap
	pos    int

	err error
}

// NewILReader constructs a reader over mc. The tokens map may be nil;
// token operands then fall back to their decimal string form.
func NewILReader(mc *MethodCode, tokens TokenMap) *ILReader {
	return &ILReader{mc: mc, tokens: tokens}
}

// IsIL reports whether the underlying method has an IL body.
func (r *ILReader) IsIL() bool {
	return r.mc.IsIL()
}

// MaxStack returns the declared operand stack depth.
func (r *ILReader) MaxStack() int {
	return r.mc.MaxStack
}

// CodeSize returns the IL code size in bytes.
func (r *ILReader) CodeSize() int {
	return r.mc.CodeSize
}

// EH returns the method's exception-handling clause table.
func (r *ILReader) EH() *EHTable {
	return r.mc.EH
}

// LocalVarTypes returns the local-variable base types in declaration
// order.
func (r *ILReader) LocalVarTypes() []BaseType {
	return r.mc.LocalVarBaseTypes
}

// Offset returns the current IL offset.
func (r *ILReader) Offset() int {
	return r.pos
}

// Reset rewinds the cursor to the start of the code and clears any
// sticky error.
func (r *ILReader) Reset() {
	r.pos = 0
	r.err = nil
}

// EndOfCode reports whether the cursor has consumed the whole body.
func (r *ILReader) EndOfCode() bool {
	return r.pos == r.mc.CodeSize
}

// Err returns the first failed read, if any.
func (r *ILReader) Err() error {
	return r.err
}

// need reserves n bytes at the cursor, recording an error when the read
// would pass the end of the code.
func (r *ILReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > r.mc.CodeSize {
		r.err = fmt.Errorf("%w: read of %d bytes at IL offset %#x beyond code size %#x",
			ErrFormat, n, r.pos, r.mc.CodeSize)
		return false
	}
	return true
}

// ReadOpcode reads the next IL opcode. Single-byte opcodes return as-is;
// a 0xFE prefix consumes the following byte and returns it offset into
// the extended range 0xE100..0xE1FF.
func (r *ILReader) ReadOpcode() uint16 {
	if !r.need(1) {
		return 0
	}
	op := uint16(r.mc.Code[r.pos])
	r.pos++
	if op == 0xFE {
		if !r.need(1) {
			return 0
		}
		op = doubleByteCodesOrigin<<8 + uint16(r.mc.Code[r.pos])
		r.pos++
	}
	return op
}

// ReadInt8 reads one signed byte, sign-extended to 16 bits.
func (r *ILReader) ReadInt8() int16 {
	if !r.need(1) {
		return 0
	}
	v := int16(int8(r.mc.Code[r.pos]))
	r.pos++
	return v
}

// ReadUint8 reads one unsigned byte.
func (r *ILReader) ReadUint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.mc.Code[r.pos]
	r.pos++
	return v
}

// ReadInt16 reads one signed 16-bit operand, sign-extended to 32 bits.
func (r *ILReader) ReadInt16() int32 {
	if !r.need(2) {
		return 0
	}
	v := int32(int16(binary.LittleEndian.Uint16(r.mc.Code[r.pos:])))
	r.pos += 2
	return v
}

// ReadUint16 reads one unsigned 16-bit operand, zero-extended to 32 bits.
func (r *ILReader) ReadUint16() int32 {
	if !r.need(2) {
		return 0
	}
	v := int32(binary.LittleEndian.Uint16(r.mc.Code[r.pos:]))
	r.pos += 2
	return v
}

// ReadInt32 reads one signed 32-bit operand.
func (r *ILReader) ReadInt32() int32 {
	if !r.need(4) {
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.mc.Code[r.pos:]))
	r.pos += 4
	return v
}

// ReadInt64 reads one signed 64-bit operand.
func (r *ILReader) ReadInt64() int64 {
	if !r.need(8) {
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.mc.Code[r.pos:]))
	r.pos += 8
	return v
}

// ReadFloat32 reads one little-endian IEEE-754 single.
func (r *ILReader) ReadFloat32() float32 {
	if !r.need(4) {
		return 0
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(r.mc.Code[r.pos:]))
	r.pos += 4
	return v
}

// ReadFloat64 reads one little-endian IEEE-754 double.
func (r *ILReader) ReadFloat64() float64 {
	if !r.need(8) {
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.mc.Code[r.pos:]))
	r.pos += 8
	return v
}

// ReadSwitch reads a switch operand: a 32-bit target count followed by
// that many signed branch deltas.
func (r *ILReader) ReadSwitch() []int32 {
	count := r.ReadInt32()
	if r.err != nil {
		return nil
	}
	if count < 0 || !r.need(int(count)*4) {
		if r.err == nil {
			r.err = fmt.Errorf("%w: invalid switch target count %d", ErrFormat, count)
		}
		return nil
	}
	targets := make([]int32, count)
	for i := range targets {
		targets[i] = r.ReadInt32()
	}
	return targets
}

// ReadToken reads a 32-bit metadata token operand and resolves it through
// the token map. Unresolved tokens degrade to their decimal string form
// so downstream code can display them uniformly.
func (r *ILReader) ReadToken() any {
	tk := Token(r.ReadInt32())
	if r.err != nil {
		return nil
	}
	if obj, ok := r.tokens[tk]; ok {
		return obj
	}
	return strconv.FormatUint(uint64(uint32(tk)), 10)
}
