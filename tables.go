// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// CLIHeader is the ECMA-335 II.25.3.3 CLI header
type CLIHeader struct {
	SizeOfHeader            uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                pe.DataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               pe.DataDirectory
	StrongNameSignature     pe.DataDirectory
	CodeManagerTable        pe.DataDirectory
	VTableFixups            pe.DataDirectory
	ExportAddressTableJumps pe.DataDirectory
	ManagedNativeHeader     pe.DataDirectory
}

// MetadataRoot is the ECMA-335 II.24.2.1 Metadata root (non-variable length header)
type MetadataRoot struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16
	Reserved     uint32
	Length       uint32
}

// StreamHeader is the ECMA-335 II.24.2.2 Stream header (non-variable length header)
type StreamHeader struct {
	Offset uint32
	Size   uint32
}

// index* variables are the index key types used as metadata table column
// values. These are internal to our code.
const (
	// Indexes to heap as defined in ECMA-335 II.24.2.[345]
	indexString = iota
	indexGUID
	indexBlob
	// Coded indexes as defined in ECMA-335 II.24.2.6
	indexResolutionScope
	indexTypeDefOrRef
	indexMethodDefOrRef
	indexMemberRefParent
	indexHasConstant
	indexHasCustomAttribute
	indexCustomAttributeType
	indexHasFieldMarshal
	indexHasDeclSecurity
	indexHasSemantics
	indexMemberForwarded
	indexImplementation
	// Indexes to ECMA-335 II.22 defined tables
	indexTypeDef
	indexField
	indexMethodDef
	indexParam
	indexEvent
	indexProperty
	indexModuleRef
	indexCount
)

// Coded index tag tables, ECMA-335 II.24.2.6.
var (
	resolutionScopeTables = [4]uint8{tableModule, tableModuleRef, tableAssemblyRef, tableTypeRef}
	typeDefOrRefTables    = [4]uint8{tableTypeDef, tableTypeRef, tableTypeSpec, 0}
	memberRefParentTables = [8]uint8{tableTypeDef, tableTypeRef, tableModuleRef,
		tableMethodDef, tableTypeSpec, 0, 0, 0}
)

func codedToken(tables []uint8, bits uint, value uint32) Token {
	row := value >> bits
	if row == 0 {
		return 0
	}
	return NewToken(tables[value&(1<<bits-1)], row)
}

// Visibility bits of the TypeAttributes flags, ECMA-335 II.23.1.15.
const (
	tdVisibilityMask   = 0x7
	tdNestedPublic     = 0x2
	tdNestedFamORAssem = 0x7
)

type moduleRow struct {
	nameIdx uint32
	guidIdx uint32
}

type typeRefRow struct {
	scope   Token
	nameIdx uint32
	nsIdx   uint32
}

type typeDefRow struct {
	flags      uint32
	nameIdx    uint32
	nsIdx      uint32
	extends    Token
	fieldList  uint32
	methodList uint32
}

type fieldRow struct {
	flags   uint16
	nameIdx uint32
	sigIdx  uint32
}

type methodDefRow struct {
	rva       uint32
	implFlags uint16
	flags     uint16
	nameIdx   uint32
	sigIdx    uint32
	paramList uint32
}

type memberRefRow struct {
	parent  Token
	nameIdx uint32
	sigIdx  uint32
}

// tableReader is a sequential cursor over the #~ stream with a sticky
// error, so that row parsing code can read column after column and check
// once per table.
type tableReader struct {
	data []byte
	pos  int

	err error
}

func (tr *tableReader) fail(format string, args ...any) {
	if tr.err == nil {
		tr.err = fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
	}
}

func (tr *tableReader) skip(n int) {
	if tr.err != nil {
		return
	}
	if tr.pos+n > len(tr.data) {
		tr.fail("table data truncated at %#x", tr.pos)
		return
	}
	tr.pos += n
}

func (tr *tableReader) uint16() uint16 {
	if tr.err != nil {
		return 0
	}
	if tr.pos+2 > len(tr.data) {
		tr.fail("table data truncated at %#x", tr.pos)
		return 0
	}
	v := binary.LittleEndian.Uint16(tr.data[tr.pos:])
	tr.pos += 2
	return v
}

func (tr *tableReader) uint32() uint32 {
	if tr.err != nil {
		return 0
	}
	if tr.pos+4 > len(tr.data) {
		tr.fail("table data truncated at %#x", tr.pos)
		return 0
	}
	v := binary.LittleEndian.Uint32(tr.data[tr.pos:])
	tr.pos += 4
	return v
}

// index reads one heap, table or coded index of the given encoded size.
func (tr *tableReader) index(size int) uint32 {
	switch size {
	case 2:
		return uint32(tr.uint16())
	case 4:
		return tr.uint32()
	}
	tr.fail("invalid index size %d", size)
	return 0
}

// TableScope is the default metadata Backend: a parser of the physical
// ECMA-335 II.24 metadata held in a loaded image. The needed tables are
// materialized once at open time; all enumerations serve from memory.
type TableScope struct {
	strings stringHeap
	blob    blobHeap
	us      usHeap
	guid    guidHeap

	rows       [64]uint32
	indexSizes [indexCount]int

	module       moduleRow
	typeRefs     []typeRefRow
	typeDefs     []typeDefRow
	fields       []fieldRow
	methods      []methodDefRow
	memberRefs   []memberRefRow
	standAlone   []uint32
	moduleRefs   []uint32
	typeSpecs    []uint32
	assemblyRefs []uint32
	nestedIn     map[uint32]uint32

	closed bool
}

var _ Backend = (*TableScope)(nil)

// OpenTableScope parses the CLI header, metadata root, stream headers and
// the #~ tables stream of img. The scope borrows from img and must be
// closed before the image is released.
func OpenTableScope(img *ImageBuffer) (Backend, error) {
	p, err := parsePEFile(img)
	if err != nil {
		return nil, err
	}
	if p.cli.VirtualAddress == 0 || p.cli.Size == 0 {
		return nil, fmt.Errorf("%w: image has no CLI header", ErrFormat)
	}

	ts := &TableScope{nestedIn: map[uint32]uint32{}}
	if err := ts.parseCLI(img, p); err != nil {
		return nil, err
	}
	return ts, nil
}

func roundUp(value, alignment uint32) uint32 {
	return (value + alignment - 1) &^ (alignment - 1)
}

func (ts *TableScope) parseCLI(img *ImageBuffer, p *peFile) error {
	cliOff, err := p.rvaRange(p.cli)
	if err != nil {
		return err
	}
	cliData, err := img.Bytes(int(cliOff), int(p.cli.Size))
	if err != nil {
		return err
	}

	// Read the data from ECMA-335 II.25.3.3 CLI header
	var cliHeader CLIHeader
	if err = binary.Read(bytes.NewReader(cliData), binary.LittleEndian, &cliHeader); err != nil {
		return fmt.Errorf("%w: short CLI header: %v", ErrFormat, err)
	}

	metaOff, err := p.rvaRange(cliHeader.MetaData)
	if err != nil {
		return err
	}
	metaData, err := img.Bytes(int(metaOff), int(cliHeader.MetaData.Size))
	if err != nil {
		return err
	}

	// Read and parse the data from ECMA-335 II.24.2.1 Metadata root
	r := bytes.NewReader(metaData)
	var metadataRoot MetadataRoot
	if err = binary.Read(r, binary.LittleEndian, &metadataRoot); err != nil {
		return fmt.Errorf("%w: short metadata root: %v", ErrFormat, err)
	}
	if metadataRoot.Signature != 0x424A5342 {
		return fmt.Errorf("%w: invalid metadata signature %#x",
			ErrFormat, metadataRoot.Signature)
	}
	if _, err = r.Seek(int64(roundUp(metadataRoot.Length, 4)+2), io.SeekCurrent); err != nil {
		return fmt.Errorf("%w: short metadata root: %v", ErrFormat, err)
	}

	var numStreams uint16
	if err = binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return fmt.Errorf("%w: short metadata root: %v", ErrFormat, err)
	}

	var tables []byte
	for i := uint16(0); i < numStreams; i++ {
		// Read and parse the ECMA-335 II.24.2.2 Stream header
		var hdr StreamHeader
		var nameBuf [32]byte
		if err = binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return fmt.Errorf("%w: short stream header: %v", ErrFormat, err)
		}
		name := nameBuf[:]
		for j := 0; j < len(name); j += 4 {
			block := nameBuf[j : j+4]
			if _, err = r.Read(block); err != nil {
				return fmt.Errorf("%w: short stream header: %v", ErrFormat, err)
			}
			if n := bytes.IndexByte(block, 0); n >= 0 {
				name = nameBuf[:j+n]
				break
			}
		}
		if hdr.Offset+hdr.Size > uint32(len(metaData)) {
			return fmt.Errorf("%w: stream %q of %d bytes at %#x beyond metadata size %#x",
				ErrFormat, name, hdr.Size, hdr.Offset, len(metaData))
		}
		stream := metaData[hdr.Offset : hdr.Offset+hdr.Size]
		switch string(name) {
		case "#Strings":
			// ECMA-335 II.24.2.3 #Strings heap
			ts.strings = stringHeap(stream)
		case "#US":
			// ECMA-335 II.24.2.4 #US heap
			ts.us = usHeap(stream)
		case "#Blob":
			// ECMA-335 II.24.2.4 #Blob heap
			ts.blob = blobHeap(stream)
		case "#GUID":
			// ECMA-335 II.24.2.5 #GUID heap
			ts.guid = guidHeap(stream)
		case "#~":
			// ECMA-335 II.24.2.6 #~ stream
			tables = stream
		}
	}
	if tables == nil {
		return fmt.Errorf("%w: image has no #~ tables stream", ErrFormat)
	}
	return ts.parseTables(tables)
}

// getHeapSize returns the heap index size depending if the heap is large
func getHeapSize(isLarge bool) int {
	if isLarge {
		return 4
	}
	return 2
}

// getIndexSize calculates the encoded index size given its tag bit size and
// indexed tables; refer to ECMA-335 II.24.2.6 portion about "coded index".
func (ts *TableScope) getIndexSize(tagBits int, indexes []uint) int {
	maxRows := uint32(0)
	for _, index := range indexes {
		if ts.rows[index] > maxRows {
			maxRows = ts.rows[index]
		}
	}
	if maxRows >= uint32(1<<(16-tagBits)) {
		return 4
	}
	return 2
}

func (ts *TableScope) parseTables(stream []byte) error {
	// Parse the ECMA-335 II.24.2.6 #~ stream

	var tablesHeader struct {
		Reserved0    uint32
		MajorVersion uint8
		MinorVersion uint8
		HeapSizes    uint8
		Reserved1    uint8
		Valid        uint64
		Sorted       uint64
		// Rows[] entry for each Valid bit
		// Tables
	}
	r := bytes.NewReader(stream)
	if err := binary.Read(r, binary.LittleEndian, &tablesHeader); err != nil {
		return fmt.Errorf("%w: short #~ header: %v", ErrFormat, err)
	}
	for i := 0; i < 64; i++ {
		if tablesHeader.Valid&(1<<i) == 0 {
			continue
		}
		if err := binary.Read(r, binary.LittleEndian, &ts.rows[i]); err != nil {
			return fmt.Errorf("%w: short #~ row counts: %v", ErrFormat, err)
		}
	}
	if ts.rows[tableModule] != 1 {
		return fmt.Errorf("%w: number of Modules (%d) is unexpected",
			ErrFormat, ts.rows[tableModule])
	}

	// Precalculate the column sizes we need to know
	ts.indexSizes[indexString] = getHeapSize(tablesHeader.HeapSizes&0x1 != 0)
	ts.indexSizes[indexGUID] = getHeapSize(tablesHeader.HeapSizes&0x2 != 0)
	ts.indexSizes[indexBlob] = getHeapSize(tablesHeader.HeapSizes&0x4 != 0)

	ts.indexSizes[indexResolutionScope] = ts.getIndexSize(2,
		[]uint{tableModule, tableModuleRef, tableAssemblyRef, tableTypeRef})
	ts.indexSizes[indexTypeDefOrRef] = ts.getIndexSize(2,
		[]uint{tableTypeDef, tableTypeRef, tableTypeSpec})
	ts.indexSizes[indexMethodDefOrRef] = ts.getIndexSize(1, []uint{tableMethodDef, tableMemberRef})
	ts.indexSizes[indexMemberRefParent] = ts.getIndexSize(3,
		[]uint{tableTypeDef, tableTypeRef, tableModuleRef, tableMethodDef, tableTypeSpec})
	ts.indexSizes[indexHasConstant] = ts.getIndexSize(2,
		[]uint{tableField, tableParam, tableProperty})
	ts.indexSizes[indexHasCustomAttribute] = ts.getIndexSize(5,
		[]uint{tableMethodDef, tableField, tableTypeRef, tableTypeDef, tableParam,
			tableInterfaceImpl, tableMemberRef, tableModule, tableDeclSecurity,
			tableProperty, tableEvent, tableStandAloneSig, tableModuleRef,
			tableTypeSpec, tableAssembly, tableAssemblyRef, tableFile, tableExportedType,
			tableManifestResource, tableGenericParam, tableGenericParamConstraint,
			tableMethodSpec})
	ts.indexSizes[indexCustomAttributeType] = ts.getIndexSize(3,
		[]uint{tableMethodDef, tableMemberRef})
	ts.indexSizes[indexHasFieldMarshal] = ts.getIndexSize(1, []uint{tableField, tableParam})
	ts.indexSizes[indexHasDeclSecurity] = ts.getIndexSize(2, []uint{tableTypeDef, tableMethodDef,
		tableAssembly})
	ts.indexSizes[indexHasSemantics] = ts.getIndexSize(1, []uint{tableEvent, tableProperty})
	ts.indexSizes[indexMemberForwarded] = ts.getIndexSize(1, []uint{tableField, tableMethodDef})
	ts.indexSizes[indexImplementation] = ts.getIndexSize(2, []uint{tableFile, tableAssemblyRef,
		tableExportedType})

	ts.indexSizes[indexTypeDef] = ts.getIndexSize(0, []uint{tableTypeDef})
	ts.indexSizes[indexField] = ts.getIndexSize(0, []uint{tableField})
	ts.indexSizes[indexMethodDef] = ts.getIndexSize(0, []uint{tableMethodDef})
	ts.indexSizes[indexParam] = ts.getIndexSize(0, []uint{tableParam})
	ts.indexSizes[indexEvent] = ts.getIndexSize(0, []uint{tableEvent})
	ts.indexSizes[indexProperty] = ts.getIndexSize(0, []uint{tableProperty})
	ts.indexSizes[indexModuleRef] = ts.getIndexSize(0, []uint{tableModuleRef})

	tr := &tableReader{data: stream, pos: len(stream) - r.Len()}

	// Each table follows in sequence. Materialize the ones we serve,
	// skip over the rest by row size.
	for tableIndex, rowCount := range ts.rows {
		if rowCount == 0 {
			continue
		}
		log.Debugf("metadata table %#x: %d rows", tableIndex, rowCount)

		var rowSize int
		switch tableIndex {
		case tableModule:
			ts.parseModule(tr)
		case tableTypeRef:
			ts.parseTypeRefs(tr)
		case tableTypeDef:
			ts.parseTypeDefs(tr)
		case tableFieldPtr:
			// Undocumented in ECMA.
			rowSize = ts.indexSizes[indexField]
		case tableField:
			ts.parseFields(tr)
		case tableMethodDef:
			ts.parseMethodDefs(tr)
		case tableParam:
			// an ECMA-335 II.22.33 Param table
			rowSize = 2 + 2 + ts.indexSizes[indexString]
		case tableInterfaceImpl:
			// an ECMA-335 II.22.23 InterfaceImpl table
			rowSize = ts.indexSizes[indexTypeDef] + ts.indexSizes[indexTypeDefOrRef]
		case tableMemberRef:
			ts.parseMemberRefs(tr)
		case tableConstant:
			// an ECMA-335 II.22.9 Constant table
			rowSize = 2 + ts.indexSizes[indexHasConstant] + ts.indexSizes[indexBlob]
		case tableCustomAttribute:
			// an ECMA-335 II.22.10 CustomAttribute table
			rowSize = ts.indexSizes[indexHasCustomAttribute] +
				ts.indexSizes[indexCustomAttributeType] +
				ts.indexSizes[indexBlob]
		case tableFieldMarshal:
			// an ECMA-335 II.22.17 FieldMarshal table
			rowSize = ts.indexSizes[indexHasFieldMarshal] + ts.indexSizes[indexBlob]
		case tableDeclSecurity:
			// an ECMA-335 II.22.11 DeclSecurity table
			rowSize = 2 + ts.indexSizes[indexHasDeclSecurity] + ts.indexSizes[indexBlob]
		case tableClassLayout:
			// an ECMA-335 II.22.8 ClassLayout table
			rowSize = 6 + ts.indexSizes[indexTypeDef]
		case tableFieldLayout:
			// an ECMA-335 II.22.16 FieldLayout table
			rowSize = 4 + ts.indexSizes[indexField]
		case tableStandAloneSig:
			ts.parseStandAloneSigs(tr)
		case tableEventMap:
			// an ECMA-335 II.22.12 EventMap table
			rowSize = ts.indexSizes[indexTypeDef] + ts.indexSizes[indexEvent]
		case tableEvent:
			// an ECMA-335 II.22.13 Event table
			rowSize = 2 + ts.indexSizes[indexString] + ts.indexSizes[indexTypeDefOrRef]
		case tablePropertyMap:
			// an ECMA-335 II.22.35 PropertyMap table
			rowSize = ts.indexSizes[indexTypeDef] + ts.indexSizes[indexProperty]
		case tableProperty:
			// an ECMA-335 II.22.34 Property table
			rowSize = 2 + ts.indexSizes[indexString] + ts.indexSizes[indexBlob]
		case tableMethodSemantics:
			// an ECMA-335 II.22.28 MethodSemantics table
			rowSize = 2 + ts.indexSizes[indexMethodDef] + ts.indexSizes[indexHasSemantics]
		case tableMethodImpl:
			// an ECMA-335 II.22.27 MethodImpl table
			rowSize = ts.indexSizes[indexTypeDef] + 2*ts.indexSizes[indexMethodDefOrRef]
		case tableModuleRef:
			ts.parseModuleRefs(tr)
		case tableTypeSpec:
			ts.parseTypeSpecs(tr)
		case tableImplMap:
			// an ECMA-335 II.22.22 ImplMap table
			rowSize = 2 + ts.indexSizes[indexMemberForwarded] + ts.indexSizes[indexString] +
				ts.indexSizes[indexModuleRef]
		case tableFieldRVA:
			// an ECMA-335 II.22.18 FieldRVA table
			rowSize = 4 + ts.indexSizes[indexField]
		case tableAssembly:
			// an ECMA-335 II.22.2 Assembly table
			rowSize = 16 + ts.indexSizes[indexBlob] + 2*ts.indexSizes[indexString]
		case tableAssemblyProcessor, tableAssemblyOS,
			tableAssemblyRefProcessor, tableAssemblyRefOS:
			// ECMA-335 II.22.3-7: should not be emitted into any PE file
			return fmt.Errorf("%w: metadata table %#x should not be in PE",
				ErrFormat, tableIndex)
		case tableAssemblyRef:
			ts.parseAssemblyRefs(tr)
		case tableFile:
			// an ECMA-335 II.22.19 File table
			rowSize = 4 + ts.indexSizes[indexBlob] + ts.indexSizes[indexString]
		case tableExportedType:
			// an ECMA-335 II.22.14 ExportedType table
			rowSize = 8 + 2*ts.indexSizes[indexString] + ts.indexSizes[indexImplementation]
		case tableManifestResource:
			// an ECMA-335 II.22.24 ManifestResource table
			rowSize = 8 + ts.indexSizes[indexString] + ts.indexSizes[indexImplementation]
		case tableNestedClass:
			ts.parseNestedClass(tr)
		default:
			// Tables beyond NestedClass are not needed by any consumer
			// of this scope and always follow the ones that are.
			if tableIndex > tableNestedClass {
				break
			}
			return fmt.Errorf("%w: metadata table %#x not implemented",
				ErrFormat, tableIndex)
		}
		if tableIndex > tableNestedClass {
			break
		}

		if rowSize != 0 {
			tr.skip(rowSize * int(rowCount))
		}
		if tr.err != nil {
			return fmt.Errorf("metadata table %#x parsing failed: %w", tableIndex, tr.err)
		}
	}
	return nil
}

// parseModule parses the ECMA-335 II.22.30 Module table
func (ts *TableScope) parseModule(tr *tableReader) {
	// Generation  a 2-byte value, reserved, shall be zero
	// Name        an index into the String heap
	// Mvid        an index into the Guid heap
	// EncID       an index into the Guid heap; reserved, shall be zero
	// EncBaseID   an index into the Guid heap; reserved, shall be zero
	tr.skip(2)
	ts.module.nameIdx = tr.index(ts.indexSizes[indexString])
	ts.module.guidIdx = tr.index(ts.indexSizes[indexGUID])
	tr.skip(2 * ts.indexSizes[indexGUID])
}

// parseTypeRefs parses the ECMA-335 II.22.38 TypeRef table
func (ts *TableScope) parseTypeRefs(tr *tableReader) {
	// ResolutionScope  a ResolutionScope (§II.24.2.6) coded index
	// TypeName         an index into the String heap
	// TypeNamespace    an index into the String heap
	ts.typeRefs = make([]typeRefRow, 0, ts.rows[tableTypeRef])
	for i := uint32(0); i < ts.rows[tableTypeRef]; i++ {
		scope := tr.index(ts.indexSizes[indexResolutionScope])
		nameIdx := tr.index(ts.indexSizes[indexString])
		nsIdx := tr.index(ts.indexSizes[indexString])
		ts.typeRefs = append(ts.typeRefs, typeRefRow{
			scope:   codedToken(resolutionScopeTables[:], 2, scope),
			nameIdx: nameIdx,
			nsIdx:   nsIdx,
		})
	}
}

// parseTypeDefs parses the ECMA-335 II.22.37 TypeDef table
func (ts *TableScope) parseTypeDefs(tr *tableReader) {
	// Flags          a 4-byte bitmask of type TypeAttributes, §II.23.1.15
	// TypeName       an index into the String heap
	// TypeNamespace  an index into the String heap
	// Extends        a TypeDefOrRef (§II.24.2.6) coded index
	// FieldList      an index into the Field table
	// MethodList     an index into the MethodDef table
	ts.typeDefs = make([]typeDefRow, 0, ts.rows[tableTypeDef])
	for i := uint32(0); i < ts.rows[tableTypeDef]; i++ {
		flags := tr.uint32()
		nameIdx := tr.index(ts.indexSizes[indexString])
		nsIdx := tr.index(ts.indexSizes[indexString])
		extends := tr.index(ts.indexSizes[indexTypeDefOrRef])
		fieldList := tr.index(ts.indexSizes[indexField])
		methodList := tr.index(ts.indexSizes[indexMethodDef])
		ts.typeDefs = append(ts.typeDefs, typeDefRow{
			flags:      flags,
			nameIdx:    nameIdx,
			nsIdx:      nsIdx,
			extends:    codedToken(typeDefOrRefTables[:], 2, extends),
			fieldList:  fieldList,
			methodList: methodList,
		})
	}
}

// parseFields parses the ECMA-335 II.22.15 Field table
func (ts *TableScope) parseFields(tr *tableReader) {
	// Flags      a 2-byte bitmask of type FieldAttributes, §II.23.1.5
	// Name       an index into the String heap
	// Signature  an index into the Blob heap
	ts.fields = make([]fieldRow, 0, ts.rows[tableField])
	for i := uint32(0); i < ts.rows[tableField]; i++ {
		flags := tr.uint16()
		nameIdx := tr.index(ts.indexSizes[indexString])
		sigIdx := tr.index(ts.indexSizes[indexBlob])
		ts.fields = append(ts.fields, fieldRow{flags: flags, nameIdx: nameIdx, sigIdx: sigIdx})
	}
}

// parseMethodDefs parses the ECMA-335 II.22.26 MethodDef table
func (ts *TableScope) parseMethodDefs(tr *tableReader) {
	// RVA        a 4-byte constant
	// ImplFlags  a 2-byte bitmask of type MethodImplAttributes, §II.23.1.10
	// Flags      a 2-byte bitmask of type MethodAttributes, §II.23.1.10
	// Name       an index into the String heap
	// Signature  an index into the Blob heap
	// ParamList  an index into the Param table
	ts.methods = make([]methodDefRow, 0, ts.rows[tableMethodDef])
	for i := uint32(0); i < ts.rows[tableMethodDef]; i++ {
		row := methodDefRow{
			rva:       tr.uint32(),
			implFlags: tr.uint16(),
			flags:     tr.uint16(),
			nameIdx:   tr.index(ts.indexSizes[indexString]),
			sigIdx:    tr.index(ts.indexSizes[indexBlob]),
			paramList: tr.index(ts.indexSizes[indexParam]),
		}
		ts.methods = append(ts.methods, row)
	}
}

// parseMemberRefs parses the ECMA-335 II.22.25 MemberRef table
func (ts *TableScope) parseMemberRefs(tr *tableReader) {
	// Class      a MemberRefParent (§II.24.2.6) coded index
	// Name       an index into the String heap
	// Signature  an index into the Blob heap
	ts.memberRefs = make([]memberRefRow, 0, ts.rows[tableMemberRef])
	for i := uint32(0); i < ts.rows[tableMemberRef]; i++ {
		parent := tr.index(ts.indexSizes[indexMemberRefParent])
		nameIdx := tr.index(ts.indexSizes[indexString])
		sigIdx := tr.index(ts.indexSizes[indexBlob])
		ts.memberRefs = append(ts.memberRefs, memberRefRow{
			parent:  codedToken(memberRefParentTables[:], 3, parent),
			nameIdx: nameIdx,
			sigIdx:  sigIdx,
		})
	}
}

// parseStandAloneSigs parses the ECMA-335 II.22.36 StandAloneSig table
func (ts *TableScope) parseStandAloneSigs(tr *tableReader) {
	// Signature  an index into the Blob heap
	ts.standAlone = make([]uint32, 0, ts.rows[tableStandAloneSig])
	for i := uint32(0); i < ts.rows[tableStandAloneSig]; i++ {
		ts.standAlone = append(ts.standAlone, tr.index(ts.indexSizes[indexBlob]))
	}
}

// parseModuleRefs parses the ECMA-335 II.22.31 ModuleRef table
func (ts *TableScope) parseModuleRefs(tr *tableReader) {
	// Name  an index into the String heap
	ts.moduleRefs = make([]uint32, 0, ts.rows[tableModuleRef])
	for i := uint32(0); i < ts.rows[tableModuleRef]; i++ {
		ts.moduleRefs = append(ts.moduleRefs, tr.index(ts.indexSizes[indexString]))
	}
}

// parseTypeSpecs parses the ECMA-335 II.22.39 TypeSpec table
func (ts *TableScope) parseTypeSpecs(tr *tableReader) {
	// Signature  an index into the Blob heap
	ts.typeSpecs = make([]uint32, 0, ts.rows[tableTypeSpec])
	for i := uint32(0); i < ts.rows[tableTypeSpec]; i++ {
		ts.typeSpecs = append(ts.typeSpecs, tr.index(ts.indexSizes[indexBlob]))
	}
}

// parseAssemblyRefs parses the ECMA-335 II.22.5 AssemblyRef table
func (ts *TableScope) parseAssemblyRefs(tr *tableReader) {
	// MajorVersion      a 2-byte constant
	// MinorVersion      a 2-byte constant
	// BuildNumber       a 2-byte constant
	// RevisionNumber    a 2-byte constant
	// Flags             a 4-byte bitmask of type AssemblyFlags, §II.23.1.2
	// PublicKeyOrToken  an index into the Blob heap
	// Name              an index into the String heap
	// Culture           an index into the String heap
	// HashValue         an index into the Blob heap
	ts.assemblyRefs = make([]uint32, 0, ts.rows[tableAssemblyRef])
	for i := uint32(0); i < ts.rows[tableAssemblyRef]; i++ {
		tr.skip(12)
		tr.index(ts.indexSizes[indexBlob])
		nameIdx := tr.index(ts.indexSizes[indexString])
		tr.index(ts.indexSizes[indexString])
		tr.index(ts.indexSizes[indexBlob])
		ts.assemblyRefs = append(ts.assemblyRefs, nameIdx)
	}
}

// parseNestedClass parses the ECMA-335 II.22.32 NestedClass table
func (ts *TableScope) parseNestedClass(tr *tableReader) {
	// NestedClass     an index into the TypeDef table
	// EnclosingClass  an index into the TypeDef table
	numTypeDefs := uint32(len(ts.typeDefs))
	for i := uint32(0); i < ts.rows[tableNestedClass]; i++ {
		nested := tr.index(ts.indexSizes[indexTypeDef])
		enclosing := tr.index(ts.indexSizes[indexTypeDef])
		if nested == 0 || nested > numTypeDefs ||
			enclosing == 0 || enclosing > numTypeDefs {
			tr.fail("invalid NestedClass row %d: indexes (%d/%d) vs. %d typedefs",
				i, nested, enclosing, numTypeDefs)
			return
		}
		ts.nestedIn[nested] = enclosing
	}
}

func fullTypeName(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "." + name
}

func (ts *TableScope) usable() error {
	if ts.closed {
		return fmt.Errorf("%w: scope is closed", ErrMetadata)
	}
	return nil
}

// rowOf validates that tk names a row of the wanted table and returns the
// 0-based row index.
func (ts *TableScope) rowOf(tk Token, table uint8) (uint32, error) {
	if tk.Table() != table {
		return 0, fmt.Errorf("%w: token %v does not name a table %#x row",
			ErrMetadata, tk, table)
	}
	row := tk.Row()
	if row == 0 || row > ts.rows[table] {
		return 0, fmt.Errorf("%w: token %v row out of range (table has %d rows)",
			ErrMetadata, tk, ts.rows[table])
	}
	return row - 1, nil
}

// UserStrings enumerates the #US heap in heap order.
func (ts *TableScope) UserStrings() ([]MdPair, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	pairs := make([]MdPair, 0, 16)
	err := ts.us.walk(func(offs uint32, s string) {
		pairs = append(pairs, MdPair{Token: NewToken(tableUserString, offs), Name: s})
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// AssemblyRefs enumerates the AssemblyRef table.
func (ts *TableScope) AssemblyRefs() ([]MdPair, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	pairs := make([]MdPair, 0, len(ts.assemblyRefs))
	for i, nameIdx := range ts.assemblyRefs {
		name, err := ts.strings.lookup(nameIdx)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, MdPair{
			Token: NewToken(tableAssemblyRef, uint32(i)+1),
			Name:  name,
		})
	}
	return pairs, nil
}

// Module returns the module identity from the Module table.
func (ts *TableScope) Module() (Module, error) {
	if err := ts.usable(); err != nil {
		return Module{}, err
	}
	name, err := ts.strings.lookup(ts.module.nameIdx)
	if err != nil {
		return Module{}, err
	}
	mvid, err := ts.guid.lookup(ts.module.guidIdx)
	if err != nil {
		return Module{}, err
	}
	return Module{Token: NewToken(tableModule, 1), Name: name, MVID: mvid}, nil
}

// ModuleToken returns the token of the module's single Module row.
func (ts *TableScope) ModuleToken() (Token, error) {
	if err := ts.usable(); err != nil {
		return 0, err
	}
	return NewToken(tableModule, 1), nil
}

// ModuleRefs enumerates the ModuleRef table.
func (ts *TableScope) ModuleRefs() ([]MdPair, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	pairs := make([]MdPair, 0, len(ts.moduleRefs))
	for i, nameIdx := range ts.moduleRefs {
		name, err := ts.strings.lookup(nameIdx)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, MdPair{
			Token: NewToken(tableModuleRef, uint32(i)+1),
			Name:  name,
		})
	}
	return pairs, nil
}

// TypeDefs enumerates the TypeDef table. The pseudo-type <Module> in row 1
// is included, matching the underlying table.
func (ts *TableScope) TypeDefs() ([]TypeDefProps, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	defs := make([]TypeDefProps, 0, len(ts.typeDefs))
	for i, row := range ts.typeDefs {
		name, err := ts.strings.lookup(row.nameIdx)
		if err != nil {
			return nil, err
		}
		ns, err := ts.strings.lookup(row.nsIdx)
		if err != nil {
			return nil, err
		}
		visibility := row.flags & tdVisibilityMask
		var enclosedIn Token
		if visibility >= tdNestedPublic && visibility <= tdNestedFamORAssem {
			if enclosing, ok := ts.nestedIn[uint32(i)+1]; ok {
				enclosedIn = NewToken(tableTypeDef, enclosing)
			}
		}
		defs = append(defs, TypeDefProps{
			Token:      NewToken(tableTypeDef, uint32(i)+1),
			Name:       fullTypeName(ns, name),
			Visibility: visibility,
			Superclass: row.extends,
			EnclosedIn: enclosedIn,
		})
	}
	return defs, nil
}

// TypeRefs enumerates the TypeRef table; Extra carries the
// resolution-scope token.
func (ts *TableScope) TypeRefs() ([]MdPair, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	pairs := make([]MdPair, 0, len(ts.typeRefs))
	for i, row := range ts.typeRefs {
		name, err := ts.strings.lookup(row.nameIdx)
		if err != nil {
			return nil, err
		}
		ns, err := ts.strings.lookup(row.nsIdx)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, MdPair{
			Token: NewToken(tableTypeRef, uint32(i)+1),
			Name:  fullTypeName(ns, name),
			Extra: int64(row.scope),
		})
	}
	return pairs, nil
}

// memberList resolves the [start, end) row range of a member-list column:
// the range runs to the next row's list start, or to the end of the member
// table for the last row.
func memberList(rows []typeDefRow, row uint32, pick func(typeDefRow) uint32,
	memberRows int) (uint32, uint32) {
	start := pick(rows[row])
	end := uint32(memberRows) + 1
	if int(row)+1 < len(rows) {
		end = pick(rows[row+1])
	}
	if start == 0 {
		start = end
	}
	return start, end
}

// Methods enumerates the method tokens of the given type in declaration
// order.
func (ts *TableScope) Methods(class Token) ([]Token, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	row, err := ts.rowOf(class, tableTypeDef)
	if err != nil {
		return nil, err
	}
	start, end := memberList(ts.typeDefs, row,
		func(r typeDefRow) uint32 { return r.methodList }, len(ts.methods))
	tokens := make([]Token, 0, end-start)
	for i := start; i < end; i++ {
		tokens = append(tokens, NewToken(tableMethodDef, i))
	}
	return tokens, nil
}

// MethodProps returns the name, body RVA and raw signature blob of the
// given method.
func (ts *TableScope) MethodProps(method Token) (MethodDefProps, error) {
	if err := ts.usable(); err != nil {
		return MethodDefProps{}, err
	}
	row, err := ts.rowOf(method, tableMethodDef)
	if err != nil {
		return MethodDefProps{}, err
	}
	md := ts.methods[row]
	name, err := ts.strings.lookup(md.nameIdx)
	if err != nil {
		return MethodDefProps{}, err
	}
	sig, err := ts.blob.lookup(md.sigIdx)
	if err != nil {
		return MethodDefProps{}, err
	}
	return MethodDefProps{Name: name, RVA: md.rva, Signature: sig}, nil
}

// Fields enumerates the fields of the given type; Extra carries the name
// length.
func (ts *TableScope) Fields(class Token) ([]MdPair, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	row, err := ts.rowOf(class, tableTypeDef)
	if err != nil {
		return nil, err
	}
	start, end := memberList(ts.typeDefs, row,
		func(r typeDefRow) uint32 { return r.fieldList }, len(ts.fields))
	pairs := make([]MdPair, 0, end-start)
	for i := start; i < end; i++ {
		name, err := ts.strings.lookup(ts.fields[i-1].nameIdx)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, MdPair{
			Token: NewToken(tableField, i),
			Name:  name,
			Extra: int64(len(name)),
		})
	}
	return pairs, nil
}

// MemberRefs enumerates the MemberRef rows whose parent is the given
// class token.
func (ts *TableScope) MemberRefs(class Token) ([]RawMemberRef, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	refs := make([]RawMemberRef, 0, 8)
	for i, row := range ts.memberRefs {
		if row.parent != class {
			continue
		}
		name, err := ts.strings.lookup(row.nameIdx)
		if err != nil {
			return nil, err
		}
		sig, err := ts.blob.lookup(row.sigIdx)
		if err != nil {
			return nil, err
		}
		refs = append(refs, RawMemberRef{
			Token:     NewToken(tableMemberRef, uint32(i)+1),
			Name:      name,
			Signature: sig,
		})
	}
	return refs, nil
}

// TypeSpecs enumerates the TypeSpec table with raw signature blobs.
func (ts *TableScope) TypeSpecs() ([]RawTypeSpec, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	specs := make([]RawTypeSpec, 0, len(ts.typeSpecs))
	for i, sigIdx := range ts.typeSpecs {
		sig, err := ts.blob.lookup(sigIdx)
		if err != nil {
			return nil, err
		}
		specs = append(specs, RawTypeSpec{
			Token:     NewToken(tableTypeSpec, uint32(i)+1),
			Signature: sig,
		})
	}
	return specs, nil
}

// SigFromToken returns the raw signature blob of any token whose table
// carries one.
func (ts *TableScope) SigFromToken(tk Token) ([]byte, error) {
	if err := ts.usable(); err != nil {
		return nil, err
	}
	var sigIdx uint32
	switch tk.Table() {
	case tableStandAloneSig:
		row, err := ts.rowOf(tk, tableStandAloneSig)
		if err != nil {
			return nil, err
		}
		sigIdx = ts.standAlone[row]
	case tableTypeSpec:
		row, err := ts.rowOf(tk, tableTypeSpec)
		if err != nil {
			return nil, err
		}
		sigIdx = ts.typeSpecs[row]
	case tableField:
		row, err := ts.rowOf(tk, tableField)
		if err != nil {
			return nil, err
		}
		sigIdx = ts.fields[row].sigIdx
	case tableMethodDef:
		row, err := ts.rowOf(tk, tableMethodDef)
		if err != nil {
			return nil, err
		}
		sigIdx = ts.methods[row].sigIdx
	case tableMemberRef:
		row, err := ts.rowOf(tk, tableMemberRef)
		if err != nil {
			return nil, err
		}
		sigIdx = ts.memberRefs[row].sigIdx
	default:
		return nil, fmt.Errorf("%w: token %v has no signature", ErrMetadata, tk)
	}
	return ts.blob.lookup(sigIdx)
}

// Close releases the scope. The scope borrows from the image buffer; after
// Close the buffer may be freed.
func (ts *TableScope) Close() error {
	if ts.closed {
		return fmt.Errorf("%w: scope already closed", ErrMetadata)
	}
	ts.closed = true
	ts.strings, ts.blob, ts.us, ts.guid = nil, nil, nil, nil
	ts.typeRefs, ts.typeDefs, ts.fields, ts.methods = nil, nil, nil, nil
	ts.memberRefs, ts.standAlone, ts.moduleRefs, ts.typeSpecs = nil, nil, nil, nil
	ts.assemblyRefs, ts.nestedIn = nil, nil
	return nil
}
