// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import "github.com/google/uuid"

// MdPair is one raw metadata enumeration entry: a token, the associated
// name, and table-specific auxiliary data. For type-refs Extra carries the
// resolution-scope token, for fields the name length; it is zero
// elsewhere.
type MdPair struct {
	Token Token
	Name  string
	Extra int64
}

// Module identifies the module of the loaded image.
type Module struct {
	Token Token
	Name  string
	// MVID is the module version identifier from the #GUID heap. It
	// differs between two builds of the same module.
	MVID uuid.UUID
}

// TypeDefProps is one row of the TypeDef table as surfaced by the backend.
type TypeDefProps struct {
	Token Token
	Name  string
	// Visibility holds the visibility bits of the type attributes
	// (ECMA-335 II.23.1.15).
	Visibility uint32
	// Superclass is the extends token, zero for interfaces and
	// System.Object itself.
	Superclass Token
	// EnclosedIn is the enclosing class token for nested types, zero
	// otherwise.
	EnclosedIn Token
}

// MethodDefProps carries the raw per-method properties: the name, the
// method body RVA (zero for abstract and runtime-provided methods), and
// the borrowed signature blob.
type MethodDefProps struct {
	Name      string
	RVA       uint32
	Signature []byte
}

// RawMemberRef is one MemberRef row with its undecoded signature blob.
type RawMemberRef struct {
	Token     Token
	Name      string
	Signature []byte
}

// RawTypeSpec is one TypeSpec row with its undecoded signature blob.
type RawTypeSpec struct {
	Token     Token
	Signature []byte
}

// Backend is the capability interface the loader depends on for metadata
// access. The default implementation is TableScope, a parser of the
// physical ECMA-335 II.24 metadata; alternative backends (a runtime's
// reflection facility, a test double) satisfy the same contract.
//
// All enumerations preserve metadata table order and return empty,
// non-nil slices when a table is absent or empty. After Close, every
// operation fails with ErrMetadata.
type Backend interface {
	UserStrings() ([]MdPair, error)
	AssemblyRefs() ([]MdPair, error)
	Module() (Module, error)
	ModuleToken() (Token, error)
	ModuleRefs() ([]MdPair, error)
	TypeDefs() ([]TypeDefProps, error)
	TypeRefs() ([]MdPair, error)
	Methods(class Token) ([]Token, error)
	MethodProps(method Token) (MethodDefProps, error)
	Fields(class Token) ([]MdPair, error)
	MemberRefs(class Token) ([]RawMemberRef, error)
	TypeSpecs() ([]RawTypeSpec, error)
	SigFromToken(tk Token) ([]byte, error)
	Close() error
}

// BackendOpener opens a metadata scope over a loaded image. It is the
// injection point for replacing the default TableScope backend.
type BackendOpener func(img *ImageBuffer) (Backend, error)
