// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// newTestBinary builds an ET_EXEC x86-64 model with one text and one data
// LOAD segment and a handful of sections, all consistent with the
// addressing duality invariant.
func newTestBinary() *Elf {
	e := New(ELFCLASS64, EM_X86_64, nil)
	e.Type = ET_EXEC
	e.Entry = 0x401040
	e.progHdrOffset = 0x40
	e.secHdrOffset = 0x3000
	e.handler = NewDataHandler(0x3200)

	text := &ProgramHeader{
		Type: PT_LOAD, Flags: PF_R | PF_X,
		Offset: 0, VAddr: 0x400000, PAddr: 0x400000,
		FileSize: 0x2000, MemSize: 0x2000, Align: 0x1000,
		Data: make([]byte, 0x2000),
	}
	data := &ProgramHeader{
		Type: PT_LOAD, Flags: PF_R | PF_W,
		Offset: 0x2000, VAddr: 0x403000, PAddr: 0x403000,
		FileSize: 0x800, MemSize: 0x1000, Align: 0x1000,
		Data: make([]byte, 0x800),
	}
	e.Segments = []*ProgramHeader{text, data}
	e.progHdrCount = 2

	sections := []*SectionHeader{
		{Name: "", Type: SHT_NULL},
		{Name: ".text", Type: SHT_PROGBITS, Flags: SHF_ALLOC | SHF_EXECINSTR,
			Address: 0x401000, Offset: 0x1000, Size: 0x400, AddrAlign: 16,
			Data: make([]byte, 0x400)},
		{Name: ".rodata", Type: SHT_PROGBITS, Flags: SHF_ALLOC,
			Address: 0x401400, Offset: 0x1400, Size: 0x200, AddrAlign: 8, Link: 1,
			Data: make([]byte, 0x200)},
		{Name: ".data", Type: SHT_PROGBITS, Flags: SHF_ALLOC | SHF_WRITE,
			Address: 0x403000, Offset: 0x2000, Size: 0x400, AddrAlign: 8, Link: 2,
			Data: make([]byte, 0x400)},
		{Name: ".shstrtab", Type: SHT_STRTAB,
			Offset: 0x2400, Size: 0x100, AddrAlign: 1,
			Data: make([]byte, 0x100)},
	}
	e.Sections = sections
	e.secHdrCount = uint16(len(sections))
	e.secHdrStrIdx = 4

	for _, s := range sections[1:] {
		kind := NodeSection
		e.handler.Add(Node{Offset: s.Offset, Size: s.Size, Kind: kind})
	}
	e.handler.Add(Node{Offset: text.Offset, Size: text.FileSize, Kind: NodeSegment})
	e.handler.Add(Node{Offset: data.Offset, Size: data.FileSize, Kind: NodeSegment})
	return e
}

func TestAddressingDuality(t *testing.T) {
	e := newTestBinary()
	assert.Equal(t, uint64(0x400000), e.ImageBase(), "imagebase")

	for _, offset := range []uint64{0, 0x100, 0x1fff, 0x2000, 0x27ff} {
		va := e.OffsetToVirtualAddress(offset, 0)
		back, err := e.VirtualAddressToOffset(va)
		assert.NoError(t, err, "offset 0x%x roundtrip", offset)
		assert.Equal(t, offset, back, "offset 0x%x roundtrip", offset)
	}

	_, err := e.VirtualAddressToOffset(0x10)
	assert.ErrorIs(t, err, ErrConversion, "unmapped address")
}

func TestExtendSectionBelowCut(t *testing.T) {
	e := newTestBinary()
	text, _ := e.GetSection(".text")
	e.StaticSymbols = append(e.StaticSymbols, &Symbol{Name: "main", Type: STT_FUNC, Value: 0x401040})

	err := e.ExtendSection(text, 0x100)
	assert.NoError(t, err)

	main, _ := e.GetStaticSymbol("main")
	assert.Equal(t, uint64(0x401040), main.Value, "symbol below the cut stays")
	assert.Equal(t, uint64(0x401040), e.Entry, "entrypoint below the cut stays")
	assert.Equal(t, uint64(0x500), text.Size, "section grows")
	assert.Len(t, text.Data, 0x500, "content padded")
}

func TestExtendSectionShiftsPastCut(t *testing.T) {
	e := newTestBinary()
	text, _ := e.GetSection(".text")
	e.StaticSymbols = append(e.StaticSymbols, &Symbol{Name: "late", Type: STT_FUNC, Value: 0x401500})
	oldShdrOffset := e.SectionHeadersOffset()

	err := e.ExtendSection(text, 0x100)
	assert.NoError(t, err)

	rodata, _ := e.GetSection(".rodata")
	assert.Equal(t, uint64(0x1500), rodata.Offset, "section past the cut shifts")
	assert.Equal(t, uint64(0x401500), rodata.Address, "address past the cut shifts")

	late, _ := e.GetStaticSymbol("late")
	assert.Equal(t, uint64(0x401600), late.Value, "symbol past the cut shifts")

	textSegment := e.Segments[0]
	assert.Equal(t, uint64(0x2100), textSegment.FileSize, "straddling segment absorbs the shift")
	assert.Equal(t, uint64(0x2100), textSegment.MemSize, "straddling segment absorbs the shift")

	dataSegment := e.Segments[1]
	assert.Equal(t, uint64(0x2100), dataSegment.Offset, "segment past the cut shifts")

	assert.Equal(t, oldShdrOffset+0x100, e.SectionHeadersOffset(), "shdr table shifts")
}

func TestExtendSectionEntrypointPastCut(t *testing.T) {
	e := newTestBinary()
	rodata, _ := e.GetSection(".rodata")
	e.Entry = 0x403100

	err := e.ExtendSection(rodata, 0x40)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x403140), e.Entry, "entrypoint past the cut shifts")
}

func TestRemoveSectionRepairsLinks(t *testing.T) {
	e := newTestBinary()
	text, _ := e.GetSection(".text")

	err := e.RemoveSection(text, false)
	assert.NoError(t, err)

	assert.Equal(t, 4, e.NumberofSections(), "section count decremented")
	assert.Equal(t, 3, e.SectionNameTableIdx(), "shstrtab index decremented")

	// .text was index 1: links of 1 reset to 0, links beyond decrement.
	rodata, _ := e.GetSection(".rodata")
	assert.Equal(t, uint32(0), rodata.Link, "link to the removed index resets")
	data, _ := e.GetSection(".data")
	assert.Equal(t, uint32(1), data.Link, "link past the removed index decrements")

	for _, segment := range e.Segments {
		assert.NotContains(t, segment.Sections(), text, "segment detached")
	}
	for _, s := range e.Sections {
		assert.NotEqual(t, ".text", s.Name, "section gone")
	}
}

func TestRemoveSectionClearsBytes(t *testing.T) {
	e := newTestBinary()
	rodata, _ := e.GetSection(".rodata")
	for i := range rodata.Data {
		rodata.Data[i] = 0xAA
	}

	err := e.RemoveSection(rodata, true)
	assert.NoError(t, err)
	for _, b := range rodata.Data {
		assert.Equal(t, byte(0), b, "content cleared")
	}
}

func TestAddSegment(t *testing.T) {
	e := newTestBinary()
	payload := []byte{0x90, 0x90, 0xC3}

	segment, err := e.AddSegment(&ProgramHeader{
		Type:  PT_LOAD,
		Flags: PF_R | PF_X,
		Data:  payload,
	}, 0)
	assert.NoError(t, err)

	assert.Equal(t, uint64(0), segment.Offset%pageSize, "page aligned")
	assert.Equal(t, uint64(pageSize), segment.FileSize, "content padded to a page")
	assert.NotZero(t, segment.VAddr, "virtual address assigned")
	assert.Equal(t, len(e.Segments), e.NumberofSegments(), "count tracks the list")
	assert.Equal(t, payload, segment.Data[:len(payload)], "payload at the front")
}

func TestAddSegmentWrongFileType(t *testing.T) {
	e := newTestBinary()
	e.Type = ET_CORE
	_, err := e.AddSegment(&ProgramHeader{Type: PT_LOAD}, 0)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestRemoveSegment(t *testing.T) {
	e := newTestBinary()
	data := e.Segments[1]
	err := e.RemoveSegment(data)
	assert.NoError(t, err)
	assert.Len(t, e.Segments, 1)
	assert.Equal(t, 1, e.NumberofSegments())
}

func TestShiftDynamicEntriesSentinel(t *testing.T) {
	// 32-bit class: 0xFFFFFFFF is the -1 sentinel and must not move.
	e := New(ELFCLASS32, EM_386, nil)
	e.Type = ET_EXEC
	e.DynamicEntries = []*DynamicEntry{
		{Tag: DT_INIT_ARRAY, Value: 0x400300, Array: []uint64{0x400500, 0xFFFFFFFF, 0x400600}},
		{Tag: DT_NULL},
	}

	e.shiftDynamicEntries(0x400500, 0x100)

	entry := e.DynamicEntries[0]
	assert.Equal(t, []uint64{0x400600, 0xFFFFFFFF, 0x400700}, entry.Array, "sentinel untouched")
}

func TestShiftDynamicEntriesAddressTags(t *testing.T) {
	e := newTestBinary()
	e.DynamicEntries = []*DynamicEntry{
		{Tag: DT_STRTAB, Value: 0x401400},
		{Tag: DT_SYMTAB, Value: 0x401000},
		{Tag: DT_RELASZ, Value: 0x60},
		{Tag: DT_NULL},
	}

	e.shiftDynamicEntries(0x401400, 0x100)

	strtab, _ := e.GetDynamicEntry(DT_STRTAB)
	assert.Equal(t, uint64(0x401500), strtab.Value, "address tag shifts")
	symtab, _ := e.GetDynamicEntry(DT_SYMTAB)
	assert.Equal(t, uint64(0x401000), symtab.Value, "address below cut stays")
	relasz, _ := e.GetDynamicEntry(DT_RELASZ)
	assert.Equal(t, uint64(0x60), relasz.Value, "size tag never shifts")
}

func TestRelocatePhdrTableV2(t *testing.T) {
	// Nine LOAD segments back to back, one of them bss-like: no cave for
	// v1, so the v2 relocator must trigger.
	e := New(ELFCLASS64, EM_X86_64, nil)
	e.Type = ET_EXEC
	e.progHdrOffset = 0x40
	e.secHdrOffset = 0x9400
	e.handler = NewDataHandler(0x9800)

	var bss *ProgramHeader
	for i := 0; i < 9; i++ {
		segment := &ProgramHeader{
			Type:     PT_LOAD,
			Flags:    PF_R,
			Offset:   uint64(i) * 0x1000,
			VAddr:    0x400000 + uint64(i)*0x1000,
			FileSize: 0x1000,
			MemSize:  0x1000,
			Align:    0x1000,
			Data:     make([]byte, 0x1000),
		}
		if i == 8 {
			segment.Offset = 0x8000
			segment.FileSize = 0x400
			segment.MemSize = 0x2000
			segment.Data = make([]byte, 0x400)
			bss = segment
		}
		e.Segments = append(e.Segments, segment)
	}
	e.progHdrCount = uint16(len(e.Segments))

	offset, err := e.RelocatePhdrTable()
	assert.NoError(t, err)

	assert.Equal(t, uint64(0x8000+0x2000), offset, "table lands after the expanded bss")
	assert.Equal(t, offset, e.ProgramHeadersOffset(), "header re-pointed")
	assert.Equal(t, uint64(0x2000), bss.FileSize, "bss tail materialized")

	idx := -1
	for i, segment := range e.Segments {
		if segment == bss {
			idx = i
			break
		}
	}
	wrapper := e.Segments[idx+1]
	assert.Equal(t, PT_LOAD, wrapper.Type, "a LOAD wraps the new table")
	assert.Equal(t, offset, wrapper.Offset, "wrapper starts at the new table")
	assert.Equal(t, PF_R, wrapper.Flags, "wrapper is read-only")
	assert.Equal(t, v2UserSegments, e.phdrReloc.NbSegments, "user slots reserved")
}

func TestRelocatePhdrTableIdempotent(t *testing.T) {
	e := newBssBinary()

	first, err := e.RelocatePhdrTable()
	assert.NoError(t, err)
	end := e.handler.End()
	segments := len(e.Segments)

	second, err := e.RelocatePhdrTable()
	assert.NoError(t, err)
	assert.Equal(t, first, second, "same offset on the second call")
	assert.Equal(t, end, e.handler.End(), "file does not grow further")
	assert.Equal(t, segments, len(e.Segments), "no extra segment")
}

// newBssBinary is a minimal ET_EXEC layout with a single bss-like LOAD,
// enough for the v2 relocator.
func newBssBinary() *Elf {
	e := New(ELFCLASS64, EM_X86_64, nil)
	e.Type = ET_EXEC
	e.progHdrOffset = 0x40
	e.secHdrOffset = 0x2400
	e.handler = NewDataHandler(0x2800)
	e.Segments = []*ProgramHeader{
		{Type: PT_LOAD, Flags: PF_R | PF_X, Offset: 0, VAddr: 0x400000,
			FileSize: 0x1000, MemSize: 0x1000, Align: 0x1000, Data: make([]byte, 0x1000)},
		{Type: PT_LOAD, Flags: PF_R | PF_W, Offset: 0x1000, VAddr: 0x401000,
			FileSize: 0x400, MemSize: 0x1000, Align: 0x1000, Data: make([]byte, 0x400)},
	}
	e.progHdrCount = 2
	return e
}

func TestRelocatePhdrTablePIE(t *testing.T) {
	e := newTestBinary()
	e.Type = ET_DYN
	oldShdr := e.SectionHeadersOffset()
	oldDataOffset := e.Segments[1].Offset

	offset, err := e.RelocatePhdrTable()
	assert.NoError(t, err)

	phdrSize := uint64(e.sizeProgramHeader())
	expectedFrom := uint64(0x40) + 2*phdrSize
	assert.Equal(t, expectedFrom, offset, "hole right after the current table")
	assert.Equal(t, int(0x1000/phdrSize)-2, e.phdrReloc.NbSegments, "advertised slots")
	assert.Equal(t, oldShdr+0x1000, e.SectionHeadersOffset(), "shdr table shifts")
	assert.Equal(t, oldDataOffset+0x1000, e.Segments[1].Offset, "segments past the hole shift")
}

func TestAddSegmentConsumesReservedSlots(t *testing.T) {
	e := newBssBinary()
	_, err := e.RelocatePhdrTable()
	assert.NoError(t, err)
	available := e.phdrReloc.NbSegments

	_, err = e.AddSegment(&ProgramHeader{Type: PT_LOAD, Flags: PF_R, Data: []byte{1, 2, 3}}, 0)
	assert.NoError(t, err)
	assert.Equal(t, available-1, e.phdrReloc.NbSegments, "one slot consumed")

	err = e.RemoveSegment(e.Segments[len(e.Segments)-1])
	assert.NoError(t, err)
	assert.Equal(t, available, e.phdrReloc.NbSegments, "slot returned")
}

func TestReplaceSegment(t *testing.T) {
	e := newTestBinary()
	original := e.Segments[1]
	replacement := &ProgramHeader{
		Type:  PT_LOAD,
		Flags: PF_R | PF_W,
		Data:  []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	placed, err := e.ReplaceSegment(replacement, original, 0)
	assert.NoError(t, err)

	assert.NotContains(t, e.Segments, original, "original voided")
	assert.Equal(t, uint64(0), placed.Offset%pageSize, "page aligned")
	assert.Equal(t, placed.Offset+placed.FileSize, e.SectionHeadersOffset(), "shdr table moved past it")
	assert.Equal(t, len(e.Segments), e.NumberofSegments())
}

func TestFixGotEntries(t *testing.T) {
	e := newTestBinary()
	got := &SectionHeader{
		Name: ".got.plt", Type: SHT_PROGBITS, Flags: SHF_ALLOC | SHF_WRITE,
		Address: 0x403000, Offset: 0x2000, Size: 0x20,
		Data: make([]byte, 0x20),
	}
	// Reuse .data's range for the GOT window.
	e.Sections[3] = got
	order := e.GetByteOrder()
	order.PutUint64(got.Data[0:], 0x401500)
	order.PutUint64(got.Data[8:], 0x401000)
	e.DynamicEntries = []*DynamicEntry{{Tag: DT_PLTGOT, Value: 0x403000}, {Tag: DT_NULL}}

	e.fixGotEntries(0x401400, 0x100)

	assert.Equal(t, uint64(0x401600), order.Uint64(got.Data[0:]), "slot past the cut rewritten")
	assert.Equal(t, uint64(0x401000), order.Uint64(got.Data[8:]), "slot below the cut stays")
}

func TestAddSectionNotLoaded(t *testing.T) {
	e := newTestBinary()
	payload := []byte{1, 2, 3, 4}
	oldShdrOffset := e.SectionHeadersOffset()

	section, err := e.AddSection(&SectionHeader{
		Name: ".comment", Type: SHT_PROGBITS, Data: payload,
	}, false)
	assert.NoError(t, err)

	assert.Equal(t, uint64(0x2800), section.Offset, "after the last file offset")
	assert.Zero(t, section.Address, "not mapped")
	assert.Equal(t, uint64(4), section.Size)
	assert.Equal(t, len(e.Sections), e.NumberofSections())
	assert.True(t, e.DataHandler().Has(section.Offset, section.Size, NodeSection))
	assert.Equal(t, oldShdrOffset+4, e.SectionHeadersOffset(), "shdr table pushed out")
}

func TestAddSectionLoaded(t *testing.T) {
	e := newTestBinary()
	payload := []byte{0x90, 0xC3}

	section, err := e.AddSection(&SectionHeader{
		Name: ".inject", Type: SHT_PROGBITS, Flags: SHF_ALLOC | SHF_EXECINSTR, Data: payload,
	}, true)
	assert.NoError(t, err)

	assert.NotZero(t, section.Address, "mapped at a fresh virtual address")
	segment, err2 := e.SegmentFromVirtualAddress(section.Address)
	assert.NoError(t, err2)
	assert.Equal(t, PT_LOAD, segment.Type, "wrapped in a LOAD segment")
	assert.True(t, segment.Has(PF_X), "executable flag carried over")
	assert.Contains(t, segment.Sections(), section)
	assert.Equal(t, payload, section.Data)
	assert.Equal(t, len(e.Sections), e.NumberofSections())
}
