// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
)

func (e *Elf) readString(r io.ReadSeeker, idx int, offset uint64) (error, string) {
	if idx < 0 || idx >= len(e.Sections) {
		return nil, ""
	}
	if _, err := r.Seek(int64(e.Sections[idx].Offset+offset), io.SeekStart); err != nil {
		return err, ""
	}
	return readString(r)
}

// ReadELF populates a full object model from the raw image. A nil logger
// means slog.Default().
func ReadELF(r io.ReadSeeker, logger *slog.Logger) (error, *Elf) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Elf{log: logger}

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return err, nil
	}
	e.handler = NewDataHandler(uint64(size))
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err, nil
	}

	// Read main header
	if err := e.readElfHeader(r); err != nil {
		return err, nil
	}

	// Read program headers
	r.Seek(int64(e.progHdrOffset), io.SeekStart)
	for i := 0; i < int(e.progHdrCount); i++ {
		err, hdr := e.readProgramHeader(r)
		if err != nil {
			return err, nil
		}
		e.Segments = append(e.Segments, hdr)
		e.handler.Add(Node{Offset: hdr.Offset, Size: hdr.FileSize, Kind: NodeSegment})
		if hdr.Type == PT_INTERP && len(hdr.Data) > 0 {
			e.interp = strings.TrimRight(string(hdr.Data), "\x00")
		}
	}

	// Read section headers
	r.Seek(int64(e.secHdrOffset), io.SeekStart)
	for i := 0; i < int(e.secHdrCount); i++ {
		err, hdr := e.readSectionHeader(r)
		if err != nil {
			return err, nil
		}
		e.Sections = append(e.Sections, hdr)
		if hdr.Type.HasDataInFile() {
			e.handler.Add(Node{Offset: hdr.Offset, Size: hdr.Size, Kind: NodeSection})
		}
	}

	// Read shstrtab
	if e.secHdrStrIdx != SHN_UNDEF && int(e.secHdrStrIdx) < len(e.Sections) {
		for i := 0; i < len(e.Sections); i++ {
			hdr := e.Sections[i]
			err, s := e.readString(r, int(e.secHdrStrIdx), uint64(hdr.nameOffset))
			if err != nil {
				return err, nil
			}
			hdr.Name = s
		}
	}

	// Attach sections to the segments whose file range wraps them
	for _, segment := range e.Segments {
		for _, section := range e.Sections {
			if section.Type == SHT_NULL || !section.Type.HasDataInFile() {
				continue
			}
			if section.Offset >= segment.Offset &&
				section.Offset+section.Size <= segment.Offset+segment.FileSize {
				segment.sections = append(segment.sections, section)
			}
		}
	}

	// Read symbol tables
	for _, symtab := range e.Sections {
		if symtab.Type != SHT_SYMTAB && symtab.Type != SHT_DYNSYM {
			continue
		}
		if symtab.EntrySize == 0 {
			symtab.EntrySize = uint64(e.sizeSymbol())
		}
		symbolCount := symtab.Size / symtab.EntrySize
		r.Seek(int64(symtab.Offset), io.SeekStart)
		for i := 0; i < int(symbolCount); i++ {
			err, sym := e.readSymbol(r, symtab)
			if err != nil {
				return err, nil
			}
			if symtab.Type == SHT_SYMTAB {
				e.StaticSymbols = append(e.StaticSymbols, sym)
			} else {
				e.DynamicSymbols = append(e.DynamicSymbols, sym)
			}
		}
	}

	// Read the symbol version table; it runs parallel to the dynamic
	// symbols.
	if versym, err2 := e.GetSectionType(SHT_GNU_VERSYM); err2 == nil {
		vs := newDataStream(versym.Data, e.GetByteOrder(), e.Class == ELFCLASS64)
		for i := 0; i < len(e.DynamicSymbols); i++ {
			value := vs.ReadU16()
			if vs.Err() != nil {
				break
			}
			version := &SymbolVersion{Value: value}
			e.SymbolVersions = append(e.SymbolVersions, version)
			e.DynamicSymbols[i].Version = version
		}
	}

	// Read the dynamic table
	if err := e.readDynamicTable(r); err != nil {
		return err, nil
	}

	// Read relocations
	if err := e.readRelocations(r); err != nil {
		return err, nil
	}

	// Read notes
	for _, section := range e.Sections {
		if section.Type == SHT_NOTE {
			e.readNotes(section.Data)
		}
	}

	return nil, e
}

func (e *Elf) readDynamicTable(r io.ReadSeeker) error {
	dynamic, err := e.GetSectionType(SHT_DYNAMIC)
	if err != nil {
		return nil
	}

	var dynstr *SectionHeader
	if int(dynamic.Link) < len(e.Sections) && dynamic.Link != 0 {
		dynstr = e.Sections[dynamic.Link]
	}

	entrySize := uint64(e.sizeDynamicEntry())
	count := dynamic.Size / entrySize
	data := bytes.NewReader(dynamic.Data)
	for i := uint64(0); i < count; i++ {
		err, entry := e.readDynamicEntry(data)
		if err != nil {
			return err
		}

		switch entry.Tag {
		case DT_NEEDED, DT_SONAME:
			if dynstr != nil {
				err, s := e.readString(r, int(dynamic.Link), entry.Value)
				if err != nil {
					return err
				}
				entry.Name = s
			}
		case DT_RPATH, DT_RUNPATH:
			if dynstr != nil {
				err, s := e.readString(r, int(dynamic.Link), entry.Value)
				if err != nil {
					return err
				}
				if s != "" {
					entry.Paths = strings.Split(s, ":")
				}
			}
		}

		e.DynamicEntries = append(e.DynamicEntries, entry)
		if entry.Tag == DT_NULL {
			break
		}
	}

	// The *SZ tags may come after their array entry, so arrays resolve
	// once the whole table is parsed.
	for _, entry := range e.DynamicEntries {
		switch entry.Tag {
		case DT_INIT_ARRAY, DT_FINI_ARRAY, DT_PREINIT_ARRAY:
			e.readDynamicArray(entry)
		}
	}
	return nil
}

// readDynamicArray resolves the addresses stored behind a DT_*_ARRAY
// entry, using the matching *SZ tag for the length.
func (e *Elf) readDynamicArray(entry *DynamicEntry) {
	var sizeTag DynamicTag
	switch entry.Tag {
	case DT_INIT_ARRAY:
		sizeTag = DT_INIT_ARRAYSZ
	case DT_FINI_ARRAY:
		sizeTag = DT_FINI_ARRAYSZ
	case DT_PREINIT_ARRAY:
		sizeTag = DT_PREINIT_ARRAYSZ
	default:
		return
	}

	var byteSize uint64
	for _, other := range e.DynamicEntries {
		if other.Tag == sizeTag {
			byteSize = other.Value
		}
	}
	if byteSize == 0 {
		if section, err := e.SectionFromVirtualAddress(entry.Value, true); err == nil {
			byteSize = section.Size
		}
	}
	if byteSize == 0 {
		return
	}

	offset, err := e.VirtualAddressToOffset(entry.Value)
	if err != nil {
		e.log.Warn("dynamic array address is not mapped", "tag", entry.Tag)
		return
	}
	segment, err := e.SegmentFromOffset(offset)
	if err != nil {
		return
	}
	vs := newDataStream(segment.Data, e.GetByteOrder(), e.Class == ELFCLASS64)
	vs.SetPos(int(offset - segment.Offset))
	wordCount := int(byteSize) / 8
	if e.Class == ELFCLASS32 {
		wordCount = int(byteSize) / 4
	}
	for i := 0; i < wordCount; i++ {
		var value uint64
		if e.Class == ELFCLASS32 {
			value = uint64(vs.ReadU32())
		} else {
			value = vs.ReadU64()
		}
		if vs.Err() != nil {
			return
		}
		entry.Array = append(entry.Array, value)
	}
}

func (e *Elf) readRelocations(r io.ReadSeeker) error {
	jmprel := uint64(0)
	if entry, err := e.GetDynamicEntry(DT_JMPREL); err == nil {
		jmprel = entry.Value
	}

	for _, hdr := range e.Sections {
		if hdr.Type != SHT_REL && hdr.Type != SHT_RELA {
			continue
		}

		symbols := e.StaticSymbols
		if int(hdr.Link) < len(e.Sections) && e.Sections[hdr.Link].Type == SHT_DYNSYM {
			symbols = e.DynamicSymbols
		}

		var target *SectionHeader
		if hdr.Info != 0 && int(hdr.Info) < len(e.Sections) {
			target = e.Sections[hdr.Info]
		}

		purpose := RelocPurposeObject
		if hdr.Flags&SHF_ALLOC != 0 {
			if jmprel != 0 && hdr.Address == jmprel {
				purpose = RelocPurposePltGot
			} else {
				purpose = RelocPurposeDynamic
			}
		}

		isRela := hdr.Type == SHT_RELA
		entrySize := hdr.EntrySize
		if entrySize == 0 {
			continue
		}
		count := hdr.Size / entrySize
		data := bytes.NewReader(hdr.Data)
		for i := uint64(0); i < count; i++ {
			err, rel := e.readRelocation(data, isRela, symbols)
			if err != nil {
				return err
			}
			rel.Purpose = purpose
			if purpose == RelocPurposeObject {
				rel.Section = target
			}
			e.Relocations = append(e.Relocations, rel)
		}
	}
	return nil
}

// readNotes splits a SHT_NOTE payload into records.
func (e *Elf) readNotes(data []byte) {
	vs := newDataStream(data, e.GetByteOrder(), e.Class == ELFCLASS64)
	for {
		nameSize := vs.ReadU32()
		descSize := vs.ReadU32()
		noteType := vs.ReadU32()
		if vs.Err() != nil {
			return
		}
		name := ""
		if nameSize > 0 {
			raw := vs.take(int(align(uint64(nameSize), 4)))
			if raw == nil {
				return
			}
			name = strings.TrimRight(string(raw[:nameSize]), "\x00")
		}
		var desc []byte
		if descSize > 0 {
			raw := vs.take(int(align(uint64(descSize), 4)))
			if raw == nil {
				return
			}
			desc = append(desc, raw[:descSize]...)
		}
		e.Notes = append(e.Notes, &Note{Name: name, Type: noteType, Description: desc})
	}
}
