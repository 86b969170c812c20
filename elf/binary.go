// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"unicode"
)

const pageSize = 0x1000

func align(value uint64, alignment uint64) uint64 {
	if alignment == 0 {
		return value
	}
	r := value % alignment
	if r == 0 {
		return value
	}
	return value + alignment - r
}

// New creates an empty object model. A nil logger means slog.Default().
func New(class FileClass, machine MachineType, logger *slog.Logger) *Elf {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Elf{
		handler: NewDataHandler(0),
		log:     logger,
	}
	e.Class = class
	e.Endian = ELFDATA2LSB
	e.Machine = machine
	e.HeaderVersion = 1
	e.Version = 1
	e.headerSize = uint16(e.sizeElfHeader())
	e.progHdrEntrySize = uint16(e.sizeProgramHeader())
	e.secHdrEntrySize = uint16(e.sizeSectionHeader())
	return e
}

func (e *Elf) GetByteOrder() binary.ByteOrder {
	if e.Endian == ELFDATA2MSB {
		return binary.BigEndian
	} else {
		return binary.LittleEndian
	}
}

// DataHandler exposes the byte-range accounting companion of the model.
func (e *Elf) DataHandler() *DataHandler {
	return e.handler
}

// ImageBase is the lowest load bias over all PT_LOAD segments.
func (e *Elf) ImageBase() uint64 {
	base := uint64(math.MaxUint64)
	for _, segment := range e.Segments {
		if segment.Type == PT_LOAD {
			if segment.VAddr-segment.Offset < base {
				base = segment.VAddr - segment.Offset
			}
		}
	}
	return base
}

// VirtualSize is the page-aligned span of the loaded image.
func (e *Elf) VirtualSize() uint64 {
	var size uint64
	for _, segment := range e.Segments {
		if segment.Type == PT_LOAD {
			if end := segment.VAddr + segment.MemSize; end > size {
				size = end
			}
		}
	}
	return align(size, pageSize) - e.ImageBase()
}

func (e *Elf) Entrypoint() uint64 {
	return e.Entry
}

func (e *Elf) IsPIE() bool {
	return e.HasSegmentType(PT_INTERP) && e.Type == ET_DYN
}

func (e *Elf) HasNX() bool {
	stack, err := e.GetSegmentType(PT_GNU_STACK)
	if err != nil {
		return false
	}
	return !stack.Has(PF_X)
}

func (e *Elf) HasInterpreter() bool {
	return e.HasSegmentType(PT_INTERP) && e.interp != ""
}

func (e *Elf) Interpreter() (string, error) {
	if !e.HasInterpreter() {
		return "", fmt.Errorf("%w: interpreter", ErrNotFound)
	}
	return e.interp, nil
}

func (e *Elf) SetInterpreter(interp string) {
	e.interp = interp
}

// VirtualAddressToOffset maps a loaded virtual address back to its file
// offset through the enclosing PT_LOAD.
func (e *Elf) VirtualAddressToOffset(va uint64) (uint64, error) {
	for _, segment := range e.Segments {
		if segment.Type == PT_LOAD &&
			segment.VAddr <= va && va < segment.VAddr+segment.MemSize {
			base := segment.VAddr - segment.Offset
			return va - base, nil
		}
	}
	e.log.Debug("unmapped virtual address", "address", fmt.Sprintf("0x%x", va))
	return 0, fmt.Errorf("%w: virtual address 0x%x", ErrConversion, va)
}

// OffsetToVirtualAddress maps a file offset to the virtual address it
// loads at. With a non-zero slide the result is rebased onto it.
func (e *Elf) OffsetToVirtualAddress(offset uint64, slide uint64) uint64 {
	for _, segment := range e.Segments {
		if segment.Type == PT_LOAD &&
			segment.Offset <= offset && offset < segment.Offset+segment.FileSize {
			base := segment.VAddr - segment.Offset
			if slide > 0 {
				return (base - e.ImageBase()) + slide + offset
			}
			return base + offset
		}
	}
	if slide > 0 {
		return slide + offset
	}
	return e.ImageBase() + offset
}

func (e *Elf) SegmentFromVirtualAddress(va uint64) (*ProgramHeader, error) {
	for _, segment := range e.Segments {
		if segment.VAddr <= va && va < segment.VAddr+segment.MemSize {
			return segment, nil
		}
	}
	return nil, fmt.Errorf("%w: no segment maps address 0x%x", ErrNotFound, va)
}

func (e *Elf) SegmentFromOffset(offset uint64) (*ProgramHeader, error) {
	for _, segment := range e.Segments {
		if segment.Offset <= offset && offset < segment.Offset+segment.FileSize {
			return segment, nil
		}
	}
	return nil, fmt.Errorf("%w: no segment covers offset 0x%x", ErrNotFound, offset)
}

func (e *Elf) SectionFromOffset(offset uint64, skipNobits bool) (*SectionHeader, error) {
	for _, section := range e.Sections {
		if skipNobits && section.Type == SHT_NOBITS {
			continue
		}
		if section.Offset <= offset && offset < section.Offset+section.Size {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: no section covers offset 0x%x", ErrNotFound, offset)
}

func (e *Elf) SectionFromVirtualAddress(va uint64, skipNobits bool) (*SectionHeader, error) {
	for _, section := range e.Sections {
		if skipNobits && section.Type == SHT_NOBITS {
			continue
		}
		if section.Address != 0 &&
			section.Address <= va && va < section.Address+section.Size {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: no section maps address 0x%x", ErrNotFound, va)
}

func (e *Elf) HasSection(name string) bool {
	_, err := e.GetSection(name)
	return err == nil
}

func (e *Elf) GetSection(name string) (*SectionHeader, error) {
	for _, section := range e.Sections {
		if section.Name == name {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: section %q", ErrNotFound, name)
}

func (e *Elf) HasSectionWithOffset(offset uint64) bool {
	_, err := e.SectionFromOffset(offset, false)
	return err == nil
}

func (e *Elf) HasSectionWithVirtualAddress(va uint64) bool {
	_, err := e.SectionFromVirtualAddress(va, false)
	return err == nil
}

func (e *Elf) HasSectionType(t SectionHeaderType) bool {
	_, err := e.GetSectionType(t)
	return err == nil
}

func (e *Elf) GetSectionType(t SectionHeaderType) (*SectionHeader, error) {
	for _, section := range e.Sections {
		if section.Type == t {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: no section of type 0x%x", ErrNotFound, uint32(t))
}

func (e *Elf) TextSection() (*SectionHeader, error) {
	return e.GetSection(".text")
}

func (e *Elf) DynamicSection() (*SectionHeader, error) {
	return e.GetSectionType(SHT_DYNAMIC)
}

func (e *Elf) HashSection() (*SectionHeader, error) {
	for _, section := range e.Sections {
		if section.Type == SHT_HASH || section.Type == SHT_GNU_HASH {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: no SHT_HASH / SHT_GNU_HASH section", ErrNotFound)
}

func (e *Elf) StaticSymbolsSection() (*SectionHeader, error) {
	return e.GetSectionType(SHT_SYMTAB)
}

func (e *Elf) HasSegmentType(t ProgramHeaderType) bool {
	_, err := e.GetSegmentType(t)
	return err == nil
}

func (e *Elf) GetSegmentType(t ProgramHeaderType) (*ProgramHeader, error) {
	for _, segment := range e.Segments {
		if segment.Type == t {
			return segment, nil
		}
	}
	return nil, fmt.Errorf("%w: no segment of type 0x%x", ErrNotFound, uint32(t))
}

func (e *Elf) UseGnuHash() bool {
	return e.HasDynamicEntry(DT_GNU_HASH)
}

func (e *Elf) UseSysvHash() bool {
	return e.HasDynamicEntry(DT_HASH)
}

func (e *Elf) HasNotes() bool {
	return e.HasSegmentType(PT_NOTE) && len(e.Notes) > 0
}

// LastOffsetSection is the end of the last section's file range.
func (e *Elf) LastOffsetSection() uint64 {
	var last uint64
	for _, section := range e.Sections {
		if end := section.Offset + section.Size; end > last {
			last = end
		}
	}
	return last
}

// LastOffsetSegment is the end of the last segment's file range.
func (e *Elf) LastOffsetSegment() uint64 {
	var last uint64
	for _, segment := range e.Segments {
		if end := segment.Offset + segment.FileSize; end > last {
			last = end
		}
	}
	return last
}

// EOFOffset is the end of the on-disk image implied by the model: the
// furthest of section data, segment data, and both header tables.
func (e *Elf) EOFOffset() uint64 {
	var last uint64
	for _, section := range e.Sections {
		if section.Type == SHT_NOBITS {
			continue
		}
		if end := section.Offset + section.Size; end > last {
			last = end
		}
	}
	endSht := e.secHdrOffset + uint64(len(e.Sections))*uint64(e.sizeSectionHeader())
	endPht := e.progHdrOffset + uint64(len(e.Segments))*uint64(e.sizeProgramHeader())
	if endSht > last {
		last = endSht
	}
	if endPht > last {
		last = endPht
	}
	if end := e.LastOffsetSegment(); end > last {
		last = end
	}
	return last
}

// NextVirtualAddress is the first word-rounded virtual address past every
// segment.
func (e *Elf) NextVirtualAddress() uint64 {
	var va uint64
	for _, segment := range e.Segments {
		if end := segment.VAddr + segment.MemSize; end > va {
			va = end
		}
	}
	if e.Class == ELFCLASS32 {
		va = align(va, 4)
	} else {
		va = align(va, 8)
	}
	return va
}

// GetContentFromVirtualAddress copies up to size bytes starting at the
// given virtual address out of the enclosing segment.
func (e *Elf) GetContentFromVirtualAddress(va uint64, size uint64) ([]byte, error) {
	segment, err := e.SegmentFromVirtualAddress(va)
	if err != nil {
		return nil, err
	}
	offset := va - segment.VAddr
	if offset > uint64(len(segment.Data)) {
		return nil, fmt.Errorf("%w: address 0x%x beyond segment content", ErrConversion, va)
	}
	end := offset + size
	if end > uint64(len(segment.Data)) {
		end = uint64(len(segment.Data))
	}
	out := make([]byte, end-offset)
	copy(out, segment.Data[offset:end])
	return out, nil
}

// GetFunctionAddress returns the value of the STT_FUNC static symbol with
// the given name.
func (e *Elf) GetFunctionAddress(name string) (uint64, error) {
	for _, symbol := range e.StaticSymbols {
		if symbol.Type == STT_FUNC && symbol.Name == name {
			return symbol.Value, nil
		}
	}
	return 0, fmt.Errorf("%w: function %q", ErrNotFound, name)
}

// Strings collects the printable NUL-terminated runs of .rodata that are
// at least minSize characters long.
func (e *Elf) Strings(minSize int) []string {
	rodata, err := e.GetSection(".rodata")
	if err != nil {
		return nil
	}
	var list []string
	current := make([]rune, 0, 100)
	for _, b := range rodata.Data {
		c := rune(b)
		if c == 0 {
			if len(current) >= minSize {
				list = append(list, string(current))
			}
			current = current[:0]
			continue
		}
		if !unicode.IsPrint(c) || c > unicode.MaxASCII {
			current = current[:0]
			continue
		}
		current = append(current, c)
	}
	return list
}

func (e *Elf) HasOverlay() bool {
	return len(e.Overlay) > 0
}

// ShstrtabName is the name of the section-name string table, falling back
// to the conventional one when the index is out of range.
func (e *Elf) ShstrtabName() string {
	if int(e.secHdrStrIdx) < len(e.Sections) {
		return e.Sections[e.secHdrStrIdx].Name
	}
	return ".shstrtab"
}
