// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import "fmt"

// Token is an ECMA-335 metadata token: the high byte names the metadata
// table, the low 24 bits index a row in it (1-based). The decoder treats
// tokens as opaque identifiers unless it has to look one up.
type Token uint32

// table* variables are ECMA-335 II.22 defined Metadata table numbers
const (
	tableModule                 = 0x00
	tableTypeRef                = 0x01
	tableTypeDef                = 0x02
	tableFieldPtr               = 0x03
	tableField                  = 0x04
	tableMethodPtr              = 0x05
	tableMethodDef              = 0x06
	tableParam                  = 0x08
	tableInterfaceImpl          = 0x09
	tableMemberRef              = 0x0a
	tableConstant               = 0x0b
	tableCustomAttribute        = 0x0c
	tableFieldMarshal           = 0x0d
	tableDeclSecurity           = 0x0e
	tableClassLayout            = 0x0f
	tableFieldLayout            = 0x10
	tableStandAloneSig          = 0x11
	tableEventMap               = 0x12
	tableEvent                  = 0x14
	tablePropertyMap            = 0x15
	tableProperty               = 0x17
	tableMethodSemantics        = 0x18
	tableMethodImpl             = 0x19
	tableModuleRef              = 0x1a
	tableTypeSpec               = 0x1b
	tableImplMap                = 0x1c
	tableFieldRVA               = 0x1d
	tableAssembly               = 0x20
	tableAssemblyProcessor      = 0x21
	tableAssemblyOS             = 0x22
	tableAssemblyRef            = 0x23
	tableAssemblyRefProcessor   = 0x24
	tableAssemblyRefOS          = 0x25
	tableFile                   = 0x26
	tableExportedType           = 0x27
	tableManifestResource       = 0x28
	tableNestedClass            = 0x29
	tableGenericParam           = 0x2a
	tableMethodSpec             = 0x2b
	tableGenericParamConstraint = 0x2c

	// The user string pseudo-table. Tokens with this tag index the #US
	// heap directly instead of a row of a II.22 table.
	tableUserString = 0x70

	// mdtBaseType, used only by the compressed TypeDefOrRefOrSpec
	// encoding (ECMA-335 II.23.2.8).
	tableBaseType = 0x72
)

// NewToken builds a token from a table tag and a 1-based row index.
func NewToken(table uint8, row uint32) Token {
	return Token(uint32(table)<<24 | row&0xffffff)
}

// Table returns the metadata table tag held in the token's high byte.
func (t Token) Table() uint8 {
	return uint8(t >> 24)
}

// Row returns the 1-based row index held in the token's low 24 bits.
func (t Token) Row() uint32 {
	return uint32(t) & 0xffffff
}

func (t Token) String() string {
	return fmt.Sprintf("%#08x", uint32(t))
}

// TokenMap carries the caller's token-to-object associations. Values are
// opaque to the decoder: the ILReader and the EH fixup pass hand them back
// as-is. The map is the single canonical store; types reference each other
// through tokens, never through direct pointers.
type TokenMap map[Token]any
