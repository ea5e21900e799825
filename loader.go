// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// MethodProps is the fully decoded view of one method: its name, its
// decoded signature, and its body. Code is never nil; methods without IL
// get an empty MethodCode.
type MethodProps struct {
	Name      string
	Signature *MethodSignature
	Code      *MethodCode
}

// MemberRef is a decoded MemberRef row. Signature is nil when the
// referenced member is a field, detected by the leading FIELD
// calling-convention byte of the raw blob.
type MemberRef struct {
	Token     Token
	Name      string
	Signature *MethodSignature
}

// TypeSpec is a decoded TypeSpec row: the signature's semantic base type
// plus the accumulated declarator text.
type TypeSpec struct {
	Token    Token
	BaseType BaseType
	Decls    string
}

// Loader ties an image buffer, its PE section map and a metadata backend
// together and exposes the typed enumerators over the module's content.
//
// A Loader and every view derived from it belong to a single goroutine.
// Close releases the metadata backend and then the image; derived views
// must not be used afterwards.
type Loader struct {
	img     *ImageBuffer
	pe      *peFile
	backend Backend

	closed bool
}

// Open loads the PE file at path and opens the default TableScope
// metadata backend over it.
func Open(path string) (*Loader, error) {
	return OpenWithBackend(path, OpenTableScope)
}

// OpenWithBackend loads the PE file at path and opens the metadata
// backend produced by open over the loaded image.
func OpenWithBackend(path string, open BackendOpener) (*Loader, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return newLoader(img, open)
}

func newLoader(img *ImageBuffer, open BackendOpener) (*Loader, error) {
	p, err := parsePEFile(img)
	if err != nil {
		return nil, err
	}
	backend, err := open(img)
	if err != nil {
		return nil, err
	}
	log.Debugf("loaded image: %d bytes, %d code sections", img.Len(), len(p.code))
	return &Loader{img: img, pe: p, backend: backend}, nil
}

// Close releases the metadata backend and drops the image buffer. It must
// be called exactly once.
func (l *Loader) Close() error {
	if l.closed {
		return fmt.Errorf("%w: loader already closed", ErrMetadata)
	}
	l.closed = true
	err := l.backend.Close()
	l.img = nil
	l.pe = nil
	return err
}

// Image returns the loaded image buffer.
func (l *Loader) Image() *ImageBuffer {
	return l.img
}

// CodeSections returns the retained executable sections of the image.
func (l *Loader) CodeSections() []CodeSection {
	return l.pe.code
}

// RvaToFilePos translates rva through the code sections; the second
// return is false when no code section contains the address.
func (l *Loader) RvaToFilePos(rva uint32) (uint32, bool) {
	return l.pe.codeRvaToFilePos(rva)
}

// UserStrings enumerates the string literals of the module.
func (l *Loader) UserStrings() ([]MdPair, error) {
	return l.backend.UserStrings()
}

// AssemblyRefs enumerates the assemblies referenced by the module.
func (l *Loader) AssemblyRefs() ([]MdPair, error) {
	return l.backend.AssemblyRefs()
}

// Module returns the module identity.
func (l *Loader) Module() (Module, error) {
	return l.backend.Module()
}

// ModuleToken returns the module's own token.
func (l *Loader) ModuleToken() (Token, error) {
	return l.backend.ModuleToken()
}

// ModuleRefs enumerates the modules referenced by the module.
func (l *Loader) ModuleRefs() ([]MdPair, error) {
	return l.backend.ModuleRefs()
}

// TypeDefs enumerates the types defined in the module.
func (l *Loader) TypeDefs() ([]TypeDefProps, error) {
	return l.backend.TypeDefs()
}

// TypeRefs enumerates the types referenced by the module; Extra carries
// the resolution-scope token.
func (l *Loader) TypeRefs() ([]MdPair, error) {
	return l.backend.TypeRefs()
}

// Methods enumerates the method tokens of the given type.
func (l *Loader) Methods(class Token) ([]Token, error) {
	return l.backend.Methods(class)
}

// Fields enumerates the fields of the given type.
func (l *Loader) Fields(class Token) ([]MdPair, error) {
	return l.backend.Fields(class)
}

// MemberRefs enumerates the member references scoped to the given class
// token, decoding method signatures as it goes.
func (l *Loader) MemberRefs(class Token) ([]MemberRef, error) {
	raw, err := l.backend.MemberRefs(class)
	if err != nil {
		return nil, err
	}
	refs := make([]MemberRef, 0, len(raw))
	for _, r := range raw {
		ref := MemberRef{Token: r.Token, Name: r.Name}
		sr := newSigReader(r.Signature)
		if !sr.MatchTag(sigCallConvField) {
			// Not a field reference: the blob is a MethodRefSig.
			if ref.Signature, err = decodeMethodSignature(sr, true); err != nil {
				return nil, fmt.Errorf("member ref %v: %w", r.Token, err)
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// TypeSpecs enumerates the type specifications of the module with their
// signatures decoded.
func (l *Loader) TypeSpecs() ([]TypeSpec, error) {
	raw, err := l.backend.TypeSpecs()
	if err != nil {
		return nil, err
	}
	specs := make([]TypeSpec, 0, len(raw))
	for _, r := range raw {
		sr := newSigReader(r.Signature)
		var decls strings.Builder
		base := sr.parseType(&decls)
		if sr.Err() != nil {
			return nil, fmt.Errorf("type spec %v: %w", r.Token, sr.Err())
		}
		specs = append(specs, TypeSpec{Token: r.Token, BaseType: base, Decls: decls.String()})
	}
	return specs, nil
}

// GetMethodProps decodes the full view of one method: name, signature and
// body. A method whose RVA does not fall into a code section (native,
// abstract, runtime-provided) yields an empty body; that is not an error.
func (l *Loader) GetMethodProps(method Token) (*MethodProps, error) {
	raw, err := l.backend.MethodProps(method)
	if err != nil {
		return nil, err
	}
	props := &MethodProps{Name: raw.Name}
	if props.Signature, err = DecodeMethodSignature(raw.Signature); err != nil {
		return nil, fmt.Errorf("method %v: %w", method, err)
	}

	filePos, ok := l.pe.codeRvaToFilePos(raw.RVA)
	if !ok {
		props.Code = &MethodCode{}
		return props, nil
	}

	mc, localTok, err := decodeMethodBody(l.img, int(filePos))
	if err != nil {
		return nil, fmt.Errorf("method %v: %w", method, err)
	}
	if localTok != 0 {
		sig, err := l.backend.SigFromToken(localTok)
		if err != nil {
			return nil, fmt.Errorf("method %v locals: %w", method, err)
		}
		if err = decodeLocals(sig, mc); err != nil {
			return nil, fmt.Errorf("method %v locals: %w", method, err)
		}
	}
	props.Code = mc
	return props, nil
}

// decodeLocals parses an ECMA-335 II.23.2.6 LocalVarSig into the body's
// local-variable arrays.
func decodeLocals(sig []byte, mc *MethodCode) error {
	sr := newSigReader(sig)
	if conv := sr.ReadUnsigned(); conv != sigCallConvLocalSig {
		if sr.Err() != nil {
			return sr.Err()
		}
		return fmt.Errorf("%w: unexpected calling convention %#x in local signature",
			ErrFormat, conv)
	}
	count := int(sr.ReadUnsigned())
	mc.LocalVarBaseTypes = make([]BaseType, 0, min(count, 64))
	mc.LocalVarDeclarators = make([]string, 0, min(count, 64))
	for i := 0; i < count; i++ {
		isPinned := sr.MatchTag(elemTypePinned)
		isByRef := sr.MatchTag(elemTypeByRef)

		var decls strings.Builder
		base := sr.parseType(&decls)
		if isByRef {
			decls.WriteString("&")
		}
		if isPinned {
			// Recorded for tracing only; pinning does not affect the
			// decoded type.
			log.Debugf("local variable %d is pinned", i)
		}
		mc.LocalVarBaseTypes = append(mc.LocalVarBaseTypes, base)
		mc.LocalVarDeclarators = append(mc.LocalVarDeclarators, decls.String())
	}
	return sr.Err()
}
