// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Method header constants, ECMA-335 II.25.4.
const (
	corILMethodTinyFormat = 0x2
	corILMethodFatFormat  = 0x3
	corILMethodFormatMask = 0x3
	corILMethodMoreSects  = 0x8
	corILMethodInitLocals = 0x10

	// Method data section kinds, ECMA-335 II.25.4.5.
	corILMethodSectEHTable   = 0x01
	corILMethodSectFatFormat = 0x40
	corILMethodSectMoreSects = 0x80

	// EH clause flags, ECMA-335 II.25.4.6.
	corILExceptionClauseFilter  = 0x01
	corILExceptionClauseFinally = 0x02
	corILExceptionClauseFault   = 0x04
)

// MethodCode is the decoded body of one method. Code is nil for methods
// without IL (abstract, runtime-provided or native); for those CodeSize is
// zero and the remaining fields are empty.
//
// LocalVarBaseTypes and LocalVarDeclarators always have equal length and
// describe the local variables in declaration order.
type MethodCode struct {
	MaxStack int
	CodeSize int
	// Code holds the IL bytes, copied out of the image into an owned
	// buffer of exactly CodeSize bytes.
	Code []byte
	EH   *EHTable

	LocalVarBaseTypes   []BaseType
	LocalVarDeclarators []string
}

// IsIL reports whether the method has an IL body.
func (mc *MethodCode) IsIL() bool {
	return mc.Code != nil
}

// decodeMethodBody parses the tiny or fat IL method header at file
// position pos of img. It returns the decoded body and the local-variable
// signature token (zero when the method declares no locals).
func decodeMethodBody(img *ImageBuffer, pos int) (*MethodCode, Token, error) {
	first, err := img.Uint8(pos)
	if err != nil {
		return nil, 0, err
	}

	switch first & corILMethodFormatMask {
	case corILMethodTinyFormat:
		// Tiny header: code size in the upper 6 bits, fixed max stack
		// of 8, no locals and no EH sections.
		codeSize := int(first >> 2)
		code, err := img.Bytes(pos+1, codeSize)
		if err != nil {
			return nil, 0, err
		}
		mc := &MethodCode{
			MaxStack: 8,
			CodeSize: codeSize,
			Code:     append([]byte(nil), code...),
			EH:       &EHTable{},
		}
		return mc, 0, nil

	case corILMethodFatFormat:
		flags, err := img.Uint16(pos)
		if err != nil {
			return nil, 0, err
		}
		headerSize := int(flags>>12) * 4
		if headerSize < 12 {
			return nil, 0, fmt.Errorf("%w: fat method header of %d bytes", ErrFormat, headerSize)
		}
		maxStack, err := img.Uint16(pos + 2)
		if err != nil {
			return nil, 0, err
		}
		codeSize32, err := img.Uint32(pos + 4)
		if err != nil {
			return nil, 0, err
		}
		localTok, err := img.Uint32(pos + 8)
		if err != nil {
			return nil, 0, err
		}
		codeSize := int(codeSize32)
		code, err := img.Bytes(pos+headerSize, codeSize)
		if err != nil {
			return nil, 0, err
		}
		mc := &MethodCode{
			MaxStack: int(maxStack),
			CodeSize: codeSize,
			Code:     append([]byte(nil), code...),
			EH:       &EHTable{},
		}
		if flags&corILMethodMoreSects != 0 {
			err = decodeEHSections(img, pos+headerSize+codeSize, codeSize, mc.EH)
			if err != nil {
				return nil, 0, err
			}
		}
		log.Debugf("fat method body: %d IL bytes, max stack %d, %d EH clauses, locals %#x",
			codeSize, maxStack, mc.EH.Count(), localTok)
		return mc, Token(localTok), nil
	}
	return nil, 0, fmt.Errorf("%w: invalid method header byte %#02x", ErrFormat, first)
}

// decodeEHSections walks the method data sections following the code,
// collecting EH clauses. Sections start 4-byte aligned and chain through
// the more-sections bit.
func decodeEHSections(img *ImageBuffer, end, codeSize int, table *EHTable) error {
	sectPos := (end + 3) &^ 3
	for {
		kind, err := img.Uint8(sectPos)
		if err != nil {
			return err
		}

		var dataSize int
		if kind&corILMethodSectFatFormat != 0 {
			// Fat section: 3-byte data size, 24-byte clauses.
			word, err := img.Uint32(sectPos)
			if err != nil {
				return err
			}
			dataSize = int(word >> 8)
			if kind&corILMethodSectEHTable != 0 {
				n := (dataSize - 4) / 24
				for i := 0; i < n; i++ {
					base := sectPos + 4 + i*24
					var fields [6]uint32
					for j := range fields {
						if fields[j], err = img.Uint32(base + 4*j); err != nil {
							return err
						}
					}
					clause, err := makeEHClause(fields[0], fields[1], fields[2],
						fields[3], fields[4], fields[5], codeSize)
					if err != nil {
						return err
					}
					table.Clauses = append(table.Clauses, clause)
				}
			}
		} else {
			// Small section: 1-byte data size, 2 bytes padding,
			// 12-byte clauses.
			size8, err := img.Uint8(sectPos + 1)
			if err != nil {
				return err
			}
			dataSize = int(size8)
			if kind&corILMethodSectEHTable != 0 {
				n := (dataSize - 4) / 12
				for i := 0; i < n; i++ {
					base := sectPos + 4 + i*12
					flags, err := img.Uint16(base)
					if err != nil {
						return err
					}
					tryOffset, err := img.Uint16(base + 2)
					if err != nil {
						return err
					}
					tryLength, err := img.Uint8(base + 4)
					if err != nil {
						return err
					}
					handlerOffset, err := img.Uint16(base + 5)
					if err != nil {
						return err
					}
					handlerLength, err := img.Uint8(base + 7)
					if err != nil {
						return err
					}
					param, err := img.Uint32(base + 8)
					if err != nil {
						return err
					}
					clause, err := makeEHClause(uint32(flags), uint32(tryOffset),
						uint32(tryLength), uint32(handlerOffset),
						uint32(handlerLength), param, codeSize)
					if err != nil {
						return err
					}
					table.Clauses = append(table.Clauses, clause)
				}
			}
		}

		if kind&corILMethodSectMoreSects == 0 {
			return nil
		}
		sectPos = (sectPos + dataSize + 3) &^ 3
	}
}

// makeEHClause maps one raw clause to its record. The clause flags value
// is a small bitmap, but the defined values are mutually exclusive; the
// mapping mirrors that.
func makeEHClause(flags, tryOffset, tryLength, handlerOffset, handlerLength,
	param uint32, codeSize int) (EHClause, error) {
	clause := EHClause{
		TryOffset:     tryOffset,
		TryLength:     tryLength,
		HandlerOffset: handlerOffset,
		HandlerLength: handlerLength,
	}
	switch flags {
	case corILExceptionClauseFilter:
		clause.Kind = EHUserFiltered
		clause.Param = int32(param)
	case corILExceptionClauseFinally:
		clause.Kind = EHFinally
	case corILExceptionClauseFault:
		clause.Kind = EHFault
	default:
		clause.Kind = EHTypeFiltered
		clause.Param = Token(param)
	}
	if int(tryOffset)+int(tryLength) > codeSize ||
		int(handlerOffset)+int(handlerLength) > codeSize {
		return EHClause{}, fmt.Errorf("%w: EH clause range beyond code size %#x",
			ErrFormat, codeSize)
	}
	return clause, nil
}
