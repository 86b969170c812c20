// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"bytes"
	"io"
	"slices"
)

type stringTable struct {
	strings map[string]uint32
	pos     uint32
}

func newStringTable() stringTable {
	return stringTable{
		strings: make(map[string]uint32),
		pos:     1,
	}
}

func (t *stringTable) Add(s string) uint32 {
	if s == "" {
		return 0
	}
	if val, ok := t.strings[s]; ok {
		return val
	}
	sPos := t.pos
	t.pos += uint32(len(s)) + 1
	t.strings[s] = sPos
	return sPos
}

func (t *stringTable) ToData() []byte {
	data := make([]byte, t.pos)
	for s, i := range t.strings {
		data = slices.Replace(data, int(i), int(i)+len(s), []byte(s)...)
	}
	return data
}

// Write emits the image the model describes, honoring every offset the
// layout engine computed. Section bytes win over the segment bytes that
// cover the same range, so section-level edits always land.
func (e *Elf) Write(w io.Writer) error {
	e.syncShstrtab()
	e.syncDynamicSection()
	e.syncSymbolSections()
	e.syncInterpreter()

	buffer := make([]byte, e.EOFOffset())

	emit := func(offset uint64, data []byte) {
		if int(offset)+len(data) > len(buffer) {
			grown := make([]byte, int(offset)+len(data))
			copy(grown, buffer)
			buffer = grown
		}
		copy(buffer[offset:], data)
	}

	// Segment data, then section data on top
	for _, segment := range e.Segments {
		emit(segment.Offset, segment.Data)
	}
	for _, section := range e.Sections {
		if section.Type.HasDataInFile() && section.Type != SHT_NULL {
			emit(section.Offset, section.Data)
		}
	}

	// File header
	var head bytes.Buffer
	e.headerSize = uint16(e.sizeElfHeader())
	e.progHdrEntrySize = uint16(e.sizeProgramHeader())
	e.progHdrCount = uint16(len(e.Segments))
	e.secHdrEntrySize = uint16(e.sizeSectionHeader())
	e.secHdrCount = uint16(len(e.Sections))
	if err := e.writeElfHeader(&head); err != nil {
		return err
	}
	emit(0, head.Bytes())

	// Program header table
	var phdrs bytes.Buffer
	for _, segment := range e.Segments {
		if err := e.writeProgramHeader(&phdrs, segment); err != nil {
			return err
		}
	}
	emit(e.progHdrOffset, phdrs.Bytes())

	// Section header table
	var shdrs bytes.Buffer
	for _, section := range e.Sections {
		if err := e.writeSectionHeader(&shdrs, section); err != nil {
			return err
		}
	}
	emit(e.secHdrOffset, shdrs.Bytes())

	_, err := w.Write(buffer)
	return err
}

// syncShstrtab rebuilds the section-name string table so renamed or added
// sections serialize with a valid name offset. When the rebuilt table
// outgrows the old one, the old bytes stay and new names degrade to the
// empty string.
func (e *Elf) syncShstrtab() {
	if int(e.secHdrStrIdx) >= len(e.Sections) {
		return
	}
	shstrtab := e.Sections[e.secHdrStrIdx]

	table := newStringTable()
	for _, section := range e.Sections {
		table.Add(section.Name)
	}
	data := table.ToData()
	if uint64(len(data)) > shstrtab.Size {
		e.log.Warn("section name table overflow, keeping previous names")
		return
	}
	for _, section := range e.Sections {
		section.nameOffset = table.Add(section.Name)
	}
	padded := make([]byte, shstrtab.Size)
	copy(padded, data)
	shstrtab.Data = padded
}

// syncDynamicSection re-serializes the dynamic entries into the
// SHT_DYNAMIC section.
func (e *Elf) syncDynamicSection() {
	dynamic, err := e.GetSectionType(SHT_DYNAMIC)
	if err != nil {
		return
	}
	var buf bytes.Buffer
	for _, entry := range e.DynamicEntries {
		if err := e.writeDynamicEntry(&buf, entry); err != nil {
			return
		}
	}
	if uint64(buf.Len()) > dynamic.Size {
		e.log.Warn("dynamic table overflow, keeping previous bytes")
		return
	}
	data := make([]byte, dynamic.Size)
	copy(data, buf.Bytes())
	dynamic.Data = data
	e.syncSegmentsFromSection(dynamic)
}

// syncSymbolSections re-serializes both symbol tables and the version
// table into their sections, when they still fit.
func (e *Elf) syncSymbolSections() {
	sync := func(section *SectionHeader, symbols []*Symbol) {
		var buf bytes.Buffer
		for _, symbol := range symbols {
			if err := e.writeSymbol(&buf, symbol); err != nil {
				return
			}
		}
		if uint64(buf.Len()) > section.Size {
			e.log.Warn("symbol table overflow, keeping previous bytes", "section", section.Name)
			return
		}
		data := make([]byte, section.Size)
		copy(data, buf.Bytes())
		section.Data = data
		e.syncSegmentsFromSection(section)
	}

	if symtab, err := e.GetSectionType(SHT_SYMTAB); err == nil {
		sync(symtab, e.StaticSymbols)
	}
	if dynsym, err := e.GetSectionType(SHT_DYNSYM); err == nil {
		sync(dynsym, e.DynamicSymbols)
	}
	if versym, err := e.GetSectionType(SHT_GNU_VERSYM); err == nil {
		if uint64(2*len(e.SymbolVersions)) <= versym.Size {
			order := e.GetByteOrder()
			data := make([]byte, versym.Size)
			for i, version := range e.SymbolVersions {
				order.PutUint16(data[i*2:], version.Value)
			}
			versym.Data = data
			e.syncSegmentsFromSection(versym)
		}
	}
}

// syncInterpreter pushes the interpreter path back into PT_INTERP.
func (e *Elf) syncInterpreter() {
	if e.interp == "" {
		return
	}
	interp, err := e.GetSegmentType(PT_INTERP)
	if err != nil {
		return
	}
	raw := append([]byte(e.interp), 0)
	if uint64(len(raw)) > interp.FileSize {
		e.log.Warn("interpreter path does not fit in PT_INTERP")
		return
	}
	data := make([]byte, interp.FileSize)
	copy(data, raw)
	interp.Data = data
}
