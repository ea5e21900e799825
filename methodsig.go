// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"fmt"
	"strings"
)

// CallingConvention is the decoded calling convention bitfield of a method
// signature. Exactly one of CallStandard and CallVarArgs is set; CallHasThis
// and CallExplicitThis are modifiers.
type CallingConvention uint8

const (
	CallStandard     CallingConvention = 0x01
	CallVarArgs      CallingConvention = 0x02
	CallHasThis      CallingConvention = 0x20
	CallExplicitThis CallingConvention = 0x40
)

func (cc CallingConvention) String() string {
	var parts []string
	if cc&CallVarArgs != 0 {
		parts = append(parts, "VarArgs")
	} else {
		parts = append(parts, "Standard")
	}
	if cc&CallHasThis != 0 {
		parts = append(parts, "HasThis")
	}
	if cc&CallExplicitThis != 0 {
		parts = append(parts, "ExplicitThis")
	}
	return strings.Join(parts, "|")
}

// MethodSignature is a decoded ECMA-335 II.23.2.1 method signature.
//
// ParamBaseTypes and ParamDeclarators always have equal length and
// describe the raw parameter list in declaration order. When the
// convention carries CallExplicitThis, entry 0 describes the explicit
// `this` pointer and is excluded from ParamCount.
type MethodSignature struct {
	CallingConv CallingConvention

	// ParamCount is the number of declared parameters, excluding the
	// explicit `this` entry and anything past a vararg SENTINEL.
	ParamCount int

	ParamBaseTypes   []BaseType
	ParamDeclarators []string

	ReturnType       BaseType
	ReturnDeclarator string
}

// decodeMethodSignature decodes one MethodDefSig or MethodRefSig from the
// reader's current position. isMethodRef distinguishes the call-site form
// of a vararg signature; both forms decode identically up to the SENTINEL,
// beyond which the extra call-site types are not materialized.
func decodeMethodSignature(sr *sigReader, isMethodRef bool) (*MethodSignature, error) {
	// First byte of the signature carries the calling convention.
	firstByte := sr.ReadUnsigned()
	hasThis := firstByte&sigCallConvHasThis != 0
	explicitThis := firstByte&sigCallConvExplicitThis != 0
	varArg := firstByte&sigCallConvMask == sigCallConvVarArg

	ms := &MethodSignature{}
	if varArg {
		ms.CallingConv = CallVarArgs
	} else {
		ms.CallingConv = CallStandard
	}
	if hasThis {
		ms.CallingConv |= CallHasThis
	}
	if explicitThis {
		ms.CallingConv |= CallExplicitThis
	}

	rawParamCount := int(sr.ReadUnsigned())
	if sr.Err() != nil {
		return nil, sr.Err()
	}

	// RetType production
	sr.missCustomMod()
	switch {
	case sr.MatchTag(elemTypeVoid):
		ms.ReturnType = BaseType{Kind: KindVoid}
	case sr.MatchTag(elemTypeTypedByRef):
		ms.ReturnType = BaseType{Kind: KindTypedRef}
	default:
		isByRef := sr.MatchTag(elemTypeByRef)
		var decls strings.Builder
		ms.ReturnType = sr.parseType(&decls)
		if isByRef {
			decls.WriteString("&")
		}
		ms.ReturnDeclarator = decls.String()
	}

	// Cap the preallocation; a corrupt count still fails naturally when
	// the blob runs out.
	ms.ParamBaseTypes = make([]BaseType, 0, min(rawParamCount, 64))
	ms.ParamDeclarators = make([]string, 0, min(rawParamCount, 64))
	for i := 0; i < rawParamCount; i++ {
		if sr.MatchTag(elemTypeSentinel) {
			break
		}
		sr.missCustomMod()

		var base BaseType
		var decl string
		if sr.MatchTag(elemTypeTypedByRef) {
			base = BaseType{Kind: KindTypedRef}
		} else {
			isByRef := sr.MatchTag(elemTypeByRef)
			var decls strings.Builder
			base = sr.parseType(&decls)
			if isByRef {
				decls.WriteString("&")
			}
			decl = decls.String()
		}
		ms.ParamBaseTypes = append(ms.ParamBaseTypes, base)
		ms.ParamDeclarators = append(ms.ParamDeclarators, decl)

		if i > 0 || !explicitThis {
			ms.ParamCount++
		}
	}
	if sr.Err() != nil {
		return nil, fmt.Errorf("malformed method signature: %w", sr.Err())
	}
	return ms, nil
}

// DecodeMethodSignature decodes a raw signature blob.
func DecodeMethodSignature(sig []byte) (*MethodSignature, error) {
	return decodeMethodSignature(newSigReader(sig), false)
}

// Matches reports whether other declares the same calling convention and
// parameter list as ms. Token-typed parameters resolve through tokens; two
// token references match when they are the same token or when both resolve
// to the same object. With an unpopulated map, equality therefore holds
// only for primitive parameter types and identical tokens.
func (ms *MethodSignature) Matches(other *MethodSignature, tokens TokenMap) bool {
	if other == nil || ms.CallingConv != other.CallingConv {
		return false
	}
	if ms.ParamCount != other.ParamCount ||
		len(ms.ParamBaseTypes) != len(other.ParamBaseTypes) {
		return false
	}
	for i := range ms.ParamBaseTypes {
		if !baseTypesEqual(ms.ParamBaseTypes[i], other.ParamBaseTypes[i], tokens) {
			return false
		}
	}
	return true
}

func baseTypesEqual(a, b BaseType, tokens TokenMap) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind != KindToken {
		return true
	}
	if a.Token == b.Token {
		return true
	}
	ra, aok := tokens[a.Token]
	rb, bok := tokens[b.Token]
	return aok && bok && ra == rb
}
