// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

// OptionalHeader32 is the IMAGE_OPTIONAL_HEADER32 without its Magic or DataDirectory
// https://learn.microsoft.com/en-us/windows/win32/api/winnt/ns-winnt-image_optional_header32
type OptionalHeader32 struct {
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

// OptionalHeader64 is the IMAGE_OPTIONAL_HEADER64 without its Magic or DataDirectory
// https://learn.microsoft.com/en-us/windows/win32/api/winnt/ns-winnt-image_optional_header64
type OptionalHeader64 struct {
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

// CodeSection maps one executable PE section's RVA range back to its
// position in the file.
type CodeSection struct {
	FilePos uint32
	RVA     uint32
	Length  uint32
}

// RvaToFilePos translates rva to a file position. The second return is
// false when rva does not fall into this section.
func (s CodeSection) RvaToFilePos(rva uint32) (uint32, bool) {
	if rva >= s.RVA && rva < s.RVA+s.Length {
		return s.FilePos + rva - s.RVA, true
	}
	return 0, false
}

// peFile holds the parsed PE container structure of one image: the file
// header, the raw section table, the CLI header data directory and the
// subset of sections holding executable code.
type peFile struct {
	nt       pe.FileHeader
	sections []pe.SectionHeader32
	cli      pe.DataDirectory
	code     []CodeSection

	peBase int64
}

func (p *peFile) parseMZ(img *ImageBuffer) error {
	// ECMA-335 II.25.2.1 "MS-DOS header": offset 0x3c holds a 4-byte
	// offset to the PE signature "PE\0\0".
	magic, err := img.Uint16(0)
	if err != nil {
		return err
	}
	if magic != 0x5a4d { // "MZ"
		return fmt.Errorf("%w: invalid MZ header: %#x", ErrFormat, magic)
	}
	signoff, err := img.Uint32(0x3c)
	if err != nil {
		return err
	}
	sign, err := img.Bytes(int(signoff), 4)
	if err != nil {
		return fmt.Errorf("%w: invalid PE offset: %#x", ErrFormat, signoff)
	}
	if !bytes.Equal(sign, []byte{'P', 'E', 0, 0}) {
		return fmt.Errorf("%w: invalid PE magic: %x", ErrFormat, sign)
	}
	p.peBase = int64(signoff) + 4
	return nil
}

func (p *peFile) parsePE(r io.ReadSeeker) error {
	// ECMA-335 II.25.2.2 "PE File header" defines this
	if _, err := r.Seek(p.peBase, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &p.nt); err != nil {
		return fmt.Errorf("%w: short PE file header: %v", ErrFormat, err)
	}

	// ECMA-335 requires IMAGE_FILE_MACHINE_I386 here, but images built
	// for a specific platform carry that platform's machine instead.
	switch p.nt.Machine {
	case pe.IMAGE_FILE_MACHINE_I386, pe.IMAGE_FILE_MACHINE_AMD64,
		pe.IMAGE_FILE_MACHINE_ARM64:
		// ok
	default:
		return fmt.Errorf("%w: unrecognized PE machine: %#x", ErrFormat, p.nt.Machine)
	}
	return nil
}

func (p *peFile) parseOptionalHeader(r io.ReadSeeker) error {
	// ECMA-335 II.25.2.3 "PE optional header" defines requirements for this header
	if _, err := r.Seek(p.peBase+int64(binary.Size(p.nt)), io.SeekStart); err != nil {
		return err
	}

	var magic uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("%w: short optional header: %v", ErrFormat, err)
	}

	// ECMA-335 II.25.2.3.1 requires always a PE32 (0x10b) header, but
	// 64-bit images carry a PE32+ header.
	var numDirectories uint32
	switch magic {
	case 0x10b: // PE32
		var opt32 OptionalHeader32
		if err := binary.Read(r, binary.LittleEndian, &opt32); err != nil {
			return fmt.Errorf("%w: short optional header: %v", ErrFormat, err)
		}
		numDirectories = opt32.NumberOfRvaAndSizes
	case 0x20b: // PE32+ (PE64)
		var opt64 OptionalHeader64
		if err := binary.Read(r, binary.LittleEndian, &opt64); err != nil {
			return fmt.Errorf("%w: short optional header: %v", ErrFormat, err)
		}
		numDirectories = opt64.NumberOfRvaAndSizes
	default:
		return fmt.Errorf("%w: invalid optional header magic: %x", ErrFormat, magic)
	}

	// ECMA-335 II.25.2.3.3 "PE header data directories" defines the data
	// directory indexes. Slot 14 is the "CLI Header" entry.
	ddSize := int64(binary.Size(pe.DataDirectory{}))
	if numDirectories >= 15 {
		if _, err := r.Seek(14*ddSize, io.SeekCurrent); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.cli); err != nil {
			return fmt.Errorf("%w: short data directories: %v", ErrFormat, err)
		}
	}

	// The section table begins right after the optional header,
	// regardless of how many directory entries it declares.
	sectionTable := p.peBase + int64(binary.Size(p.nt)) + int64(p.nt.SizeOfOptionalHeader)
	if _, err := r.Seek(sectionTable, io.SeekStart); err != nil {
		return err
	}
	p.sections = make([]pe.SectionHeader32, p.nt.NumberOfSections)
	if err := binary.Read(r, binary.LittleEndian, p.sections); err != nil {
		return fmt.Errorf("%w: short section table: %v", ErrFormat, err)
	}

	// Check section headers that they look sane to the extent we care
	for index, section := range p.sections {
		if section.VirtualSize >= 0x10000000 {
			return fmt.Errorf("%w: section %d, virtual size is huge (%#x)",
				ErrFormat, index, section.VirtualSize)
		}
		if section.VirtualAddress >= 0x10000000 {
			return fmt.Errorf("%w: section %d, relative virtual address (RVA) is huge (%#x)",
				ErrFormat, index, section.VirtualAddress)
		}
	}

	// Retain the sections holding executable code. The characteristics
	// are compared for exact equality, not masked.
	const codeCharacteristics = pe.IMAGE_SCN_CNT_CODE |
		pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	for _, section := range p.sections {
		if section.Characteristics == codeCharacteristics {
			p.code = append(p.code, CodeSection{
				FilePos: section.PointerToRawData,
				RVA:     section.VirtualAddress,
				Length:  section.VirtualSize,
			})
		}
	}
	return nil
}

// codeRvaToFilePos translates rva through the retained code sections. The
// first section containing rva wins; the second return is false when no
// code section contains it.
func (p *peFile) codeRvaToFilePos(rva uint32) (uint32, bool) {
	for _, s := range p.code {
		if pos, ok := s.RvaToFilePos(rva); ok {
			return pos, true
		}
	}
	return 0, false
}

// rvaRange translates the data directory dd to a file position using the
// full section table. Metadata streams live in whatever section the linker
// placed them in, so this lookup is not restricted to code sections.
func (p *peFile) rvaRange(dd pe.DataDirectory) (uint32, error) {
	for _, s := range p.sections {
		if dd.VirtualAddress >= s.VirtualAddress &&
			dd.VirtualAddress+dd.Size <= s.VirtualAddress+s.VirtualSize {
			return dd.VirtualAddress - s.VirtualAddress + s.PointerToRawData, nil
		}
	}
	return 0, fmt.Errorf("%w: unable to find section for data at %#x-%#x",
		ErrFormat, dd.VirtualAddress, dd.VirtualAddress+dd.Size)
}

// parsePEFile walks the PE container structure of img.
func parsePEFile(img *ImageBuffer) (*peFile, error) {
	p := &peFile{}
	r := bytes.NewReader(img.data)
	if err := p.parseMZ(img); err != nil {
		return nil, err
	}
	if err := p.parsePE(r); err != nil {
		return nil, err
	}
	if err := p.parseOptionalHeader(r); err != nil {
		return nil, err
	}
	return p, nil
}
