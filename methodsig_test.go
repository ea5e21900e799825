// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSigFromHex(t *testing.T, data string) (*MethodSignature, error) {
	t.Helper()
	raw, err := hex.DecodeString(data)
	require.NoError(t, err, "Hex decoding failed")
	return DecodeMethodSignature(raw)
}

func TestDecodeMethodSignature(t *testing.T) {
	// HasThis, 2 params, returns void, param0 = I4, param1 = SZARRAY<String>
	ms, err := decodeSigFromHex(t, "200201081d0e")
	require.NoError(t, err, "Error")

	assert.Equal(t, CallStandard|CallHasThis, ms.CallingConv, "Wrong calling convention")
	assert.Equal(t, 2, ms.ParamCount, "Wrong parameter count")
	assert.Equal(t, []BaseType{{Kind: KindI4}, {Kind: KindString}},
		ms.ParamBaseTypes, "Wrong parameter base types")
	assert.Equal(t, []string{"", "[]"}, ms.ParamDeclarators, "Wrong parameter declarators")
	assert.Equal(t, BaseType{Kind: KindVoid}, ms.ReturnType, "Wrong return type")
}

func TestDecodeMethodSignatureReturnType(t *testing.T) {
	// Standard, 0 params, returns String[]
	ms, err := decodeSigFromHex(t, "00001d0e")
	require.NoError(t, err, "Error")

	assert.Equal(t, CallStandard, ms.CallingConv, "Wrong calling convention")
	assert.Equal(t, 0, ms.ParamCount, "Wrong parameter count")
	assert.Equal(t, BaseType{Kind: KindString}, ms.ReturnType, "Wrong return type")
	assert.Equal(t, "[]", ms.ReturnDeclarator, "Wrong return declarator")
}

func TestDecodeMethodSignatureByRefParam(t *testing.T) {
	// Standard, 1 param, returns void, param0 = I4&
	ms, err := decodeSigFromHex(t, "0001011008")
	require.NoError(t, err, "Error")

	require.Equal(t, 1, ms.ParamCount, "Wrong parameter count")
	assert.Equal(t, BaseType{Kind: KindI4}, ms.ParamBaseTypes[0], "Wrong base type")
	assert.Equal(t, "&", ms.ParamDeclarators[0], "Byref must append &")
}

func TestDecodeMethodSignatureTypedByRefParam(t *testing.T) {
	// Standard, 1 param, returns void, param0 = typedref
	ms, err := decodeSigFromHex(t, "00010116")
	require.NoError(t, err, "Error")

	assert.Equal(t, BaseType{Kind: KindTypedRef}, ms.ParamBaseTypes[0], "Wrong base type")
	assert.Equal(t, "", ms.ParamDeclarators[0], "Typedref has no declarators")
}

func TestDecodeMethodSignatureExplicitThis(t *testing.T) {
	// HasThis|ExplicitThis, 2 raw params, returns void,
	// param0 = the this pointer (Object), param1 = I4
	ms, err := decodeSigFromHex(t, "600201" + "1c" + "08")
	require.NoError(t, err, "Error")

	assert.Equal(t, CallStandard|CallHasThis|CallExplicitThis, ms.CallingConv,
		"Wrong calling convention")
	assert.Equal(t, 1, ms.ParamCount, "Explicit this must not be counted")
	assert.Len(t, ms.ParamBaseTypes, 2, "Explicit this stays in the raw arrays")
}

func TestDecodeMethodSignatureVarArgs(t *testing.T) {
	// VarArg call-site signature: 3 raw params, but a SENTINEL after the
	// first stops materialization.
	ms, err := decodeSigFromHex(t, "050301" + "08" + "41" + "0e" + "0e")
	require.NoError(t, err, "Error")

	assert.Equal(t, CallVarArgs, ms.CallingConv, "Wrong calling convention")
	assert.Equal(t, 1, ms.ParamCount, "Params past the sentinel must not count")
	assert.Len(t, ms.ParamBaseTypes, 1, "Wrong parameter array length")
	assert.Len(t, ms.ParamDeclarators, 1, "Parameter arrays must stay parallel")
}

func TestDecodeMethodSignatureInvalid(t *testing.T) {
	// Declared parameter missing from the blob
	_, err := decodeSigFromHex(t, "000201" + "08")
	require.ErrorIs(t, err, ErrFormat, "Truncated signature must fail")
}

func TestMethodSignatureMatches(t *testing.T) {
	intSig, err := decodeSigFromHex(t, "20020108" + "08")
	require.NoError(t, err, "Error")
	other, err := decodeSigFromHex(t, "20020108" + "08")
	require.NoError(t, err, "Error")
	stringSig, err := decodeSigFromHex(t, "2002010e" + "08")
	require.NoError(t, err, "Error")
	staticSig, err := decodeSigFromHex(t, "00020108" + "08")
	require.NoError(t, err, "Error")

	tokens := TokenMap{}
	assert.True(t, intSig.Matches(other, tokens), "Identical signatures must match")
	assert.False(t, intSig.Matches(stringSig, tokens), "Different param types must not match")
	assert.False(t, intSig.Matches(staticSig, tokens), "Different conventions must not match")
	assert.False(t, intSig.Matches(nil, tokens), "Nil never matches")
}

func TestMethodSignatureMatchesTokens(t *testing.T) {
	// HasThis, 1 param, void return, param0 = class TypeRef row 0x12
	a, err := decodeSigFromHex(t, "20010112" + "49")
	require.NoError(t, err, "Error")
	// Same shape via valuetype TypeDef row 5
	b, err := decodeSigFromHex(t, "20010111" + "14")
	require.NoError(t, err, "Error")

	assert.False(t, a.Matches(b, TokenMap{}),
		"Unresolvable tokens must not match")

	resolved := &struct{ name string }{"Foo"}
	tokens := TokenMap{0x01000012: resolved, 0x02000005: resolved}
	assert.True(t, a.Matches(b, tokens),
		"Tokens resolving to the same object must match")
}
