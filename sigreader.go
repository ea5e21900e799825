// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"fmt"
	"strings"
)

// elemType* variables are the ECMA-335 II.23.1.16 element types appearing
// in signature blobs.
const (
	elemTypeEnd         = 0x00
	elemTypeVoid        = 0x01
	elemTypeBoolean     = 0x02
	elemTypeChar        = 0x03
	elemTypeI1          = 0x04
	elemTypeU1          = 0x05
	elemTypeI2          = 0x06
	elemTypeU2          = 0x07
	elemTypeI4          = 0x08
	elemTypeU4          = 0x09
	elemTypeI8          = 0x0a
	elemTypeU8          = 0x0b
	elemTypeR4          = 0x0c
	elemTypeR8          = 0x0d
	elemTypeString      = 0x0e
	elemTypePtr         = 0x0f
	elemTypeByRef       = 0x10
	elemTypeValueType   = 0x11
	elemTypeClass       = 0x12
	elemTypeVar         = 0x13
	elemTypeArray       = 0x14
	elemTypeGenericInst = 0x15
	elemTypeTypedByRef  = 0x16
	elemTypeI           = 0x18
	elemTypeU           = 0x19
	elemTypeFnPtr       = 0x1b
	elemTypeObject      = 0x1c
	elemTypeSZArray     = 0x1d
	elemTypeMVar        = 0x1e
	elemTypeCModReqd    = 0x1f
	elemTypeCModOpt     = 0x20
	elemTypeSentinel    = 0x41
	elemTypePinned      = 0x45
)

// sigCallConv* variables are the ECMA-335 II.23.2.3 calling convention
// bits carried in the first byte of a signature blob.
const (
	sigCallConvDefault      = 0x00
	sigCallConvVarArg       = 0x05
	sigCallConvField        = 0x06
	sigCallConvLocalSig     = 0x07
	sigCallConvMask         = 0x0f
	sigCallConvHasThis      = 0x20
	sigCallConvExplicitThis = 0x40
)

// TypeKind discriminates the semantic half of a parsed type.
type TypeKind uint8

const (
	// KindNone marks the absence of a base type.
	KindNone TypeKind = iota
	KindVoid
	KindBoolean
	KindChar
	KindI1
	KindU1
	KindI2
	KindU2
	KindI4
	KindU4
	KindI8
	KindU8
	KindR4
	KindR8
	KindI
	KindU
	KindString
	KindObject
	KindTypedRef
	// KindToken is an unresolved class or valuetype reference; the
	// token field carries the metadata token.
	KindToken
	// KindPointer is an unmanaged pointer. The pointee is not modeled:
	// Elem stays nil.
	KindPointer
)

var typeKindNames = [...]string{
	KindNone: "<none>", KindVoid: "Void", KindBoolean: "Boolean",
	KindChar: "Char", KindI1: "SByte", KindU1: "Byte", KindI2: "Int16",
	KindU2: "UInt16", KindI4: "Int32", KindU4: "UInt32", KindI8: "Int64",
	KindU8: "UInt64", KindR4: "Single", KindR8: "Double", KindI: "IntPtr",
	KindU: "UIntPtr", KindString: "String", KindObject: "Object",
	KindTypedRef: "TypedReference", KindToken: "<token>",
	KindPointer: "<pointer>",
}

func (k TypeKind) String() string {
	if int(k) < len(typeKindNames) {
		return typeKindNames[k]
	}
	return fmt.Sprintf("TypeKind(%d)", uint8(k))
}

// BaseType is the semantic half of a parsed type reference. The syntactic
// half, array ranks and byref markers, accumulates separately as a
// declarator string in the order the signature grammar produces them.
type BaseType struct {
	Kind TypeKind
	// Token is the class or valuetype token when Kind is KindToken.
	Token Token
	// Elem is the pointee when Kind is KindPointer; nil means unknown.
	Elem *BaseType
}

func (t BaseType) String() string {
	switch t.Kind {
	case KindToken:
		return t.Token.String()
	case KindPointer:
		if t.Elem != nil {
			return t.Elem.String() + "*"
		}
		return "<pointer>"
	}
	return t.Kind.String()
}

// primitiveKinds maps the simple element types to their TypeKind.
var primitiveKinds = map[uint32]TypeKind{
	elemTypeBoolean:    KindBoolean,
	elemTypeChar:       KindChar,
	elemTypeI1:         KindI1,
	elemTypeU1:         KindU1,
	elemTypeI2:         KindI2,
	elemTypeU2:         KindU2,
	elemTypeI4:         KindI4,
	elemTypeU4:         KindU4,
	elemTypeI8:         KindI8,
	elemTypeU8:         KindU8,
	elemTypeR4:         KindR4,
	elemTypeR8:         KindR8,
	elemTypeI:          KindI,
	elemTypeU:          KindU,
	elemTypeString:     KindString,
	elemTypeObject:     KindObject,
	elemTypeTypedByRef: KindTypedRef,
}

// sigReader is a stateful cursor over a borrowed signature byte slice.
// Errors stick: once a read fails, all further reads return zero values
// and Err reports the first failure.
type sigReader struct {
	sig []byte
	pos int

	err error
}

func newSigReader(sig []byte) *sigReader {
	return &sigReader{sig: sig}
}

func (sr *sigReader) Err() error {
	return sr.err
}

// ReadUnsigned decodes one compressed unsigned integer and advances.
func (sr *sigReader) ReadUnsigned() uint32 {
	if sr.err != nil {
		return 0
	}
	value, n, err := uncompressData(sr.sig[sr.pos:])
	if err != nil {
		sr.err = err
		return 0
	}
	sr.pos += n
	return value
}

// ReadSigned decodes one compressed signed integer and advances.
func (sr *sigReader) ReadSigned() int32 {
	if sr.err != nil {
		return 0
	}
	value, n, err := uncompressSigned(sr.sig[sr.pos:])
	if err != nil {
		sr.err = err
		return 0
	}
	sr.pos += n
	return value
}

// ReadToken decodes one compressed TypeDefOrRefOrSpec token and advances.
func (sr *sigReader) ReadToken() Token {
	if sr.err != nil {
		return 0
	}
	tk, n, err := uncompressToken(sr.sig[sr.pos:])
	if err != nil {
		sr.err = err
		return 0
	}
	sr.pos += n
	return tk
}

// MatchTag advances over the next compressed unsigned integer if it equals
// tag; otherwise the cursor stays put and MatchTag returns false. A
// truncated blob is a non-match, not an error: MatchTag is the speculative
// peek of the grammar.
func (sr *sigReader) MatchTag(tag uint32) bool {
	if sr.err != nil {
		return false
	}
	value, n, err := uncompressData(sr.sig[sr.pos:])
	if err != nil || value != tag {
		return false
	}
	sr.pos += n
	return true
}

// parseType consumes one Type production of the ECMA-335 II.23.2.12
// grammar. The semantic base type is returned; array rank markers are
// appended to decls in encounter order.
func (sr *sigReader) parseType(decls *strings.Builder) BaseType {
	tag := sr.ReadUnsigned()
	if sr.err != nil {
		return BaseType{}
	}
	if kind, ok := primitiveKinds[tag]; ok {
		return BaseType{Kind: kind}
	}
	switch tag {
	case elemTypeValueType, elemTypeClass:
		return BaseType{Kind: KindToken, Token: sr.ReadToken()}
	case elemTypePtr:
		// The pointee type is not consumed. Known gap inherited from
		// the grammar subset this decoder handles.
		return BaseType{Kind: KindPointer}
	case elemTypeFnPtr:
		sr.err = fmt.Errorf("%w: FNPTR in signature is not supported", ErrFormat)
		return BaseType{}
	case elemTypeArray:
		result := sr.parseType(decls)
		rank := int(sr.ReadSigned()) + 1
		// The size and bound lists are intentionally skipped.
		decls.WriteString("[")
		for i := 0; i < rank-1; i++ {
			decls.WriteString(",")
		}
		decls.WriteString("]")
		return result
	case elemTypeSZArray:
		decls.WriteString("[]")
		return sr.parseType(decls)
	}
	sr.err = fmt.Errorf("%w: unexpected element type %#x in signature", ErrFormat, tag)
	return BaseType{}
}

// missCustomMod consumes any CustomMod (CMOD_OPT/CMOD_REQD plus token)
// prefixes. The modifiers are discarded.
func (sr *sigReader) missCustomMod() {
	for {
		flag := sr.MatchTag(elemTypeCModOpt)
		if !flag {
			flag = sr.MatchTag(elemTypeCModReqd)
		}
		if !flag {
			return
		}
		sr.ReadToken()
	}
}
