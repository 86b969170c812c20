// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// newWritableBinary builds a minimal self-consistent ELF64 image:
// file header, one PT_LOAD wrapping the whole file, .text, .shstrtab,
// and the section header table at the tail.
func newWritableBinary() *Elf {
	e := New(ELFCLASS64, EM_X86_64, nil)
	e.Type = ET_EXEC
	e.Entry = 0x400100
	e.progHdrOffset = 0x40
	e.secHdrOffset = 0x140
	e.handler = NewDataHandler(0x200)

	load := &ProgramHeader{
		Type: PT_LOAD, Flags: PF_R | PF_X,
		Offset: 0, VAddr: 0x400000, PAddr: 0x400000,
		FileSize: 0x200, MemSize: 0x200, Align: 0x1000,
		Data: make([]byte, 0x200),
	}
	e.Segments = []*ProgramHeader{load}
	e.progHdrCount = 1

	text := &SectionHeader{
		Name: ".text", Type: SHT_PROGBITS, Flags: SHF_ALLOC | SHF_EXECINSTR,
		Address: 0x400100, Offset: 0x100, Size: 0x10, AddrAlign: 16,
		Data: []byte{0x55, 0x48, 0x89, 0xE5, 0x5D, 0xC3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	}
	shstrtab := &SectionHeader{
		Name: ".shstrtab", Type: SHT_STRTAB,
		Offset: 0x110, Size: 0x20, AddrAlign: 1,
		Data: make([]byte, 0x20),
	}
	e.Sections = []*SectionHeader{{Type: SHT_NULL}, text, shstrtab}
	e.secHdrCount = 3
	e.secHdrStrIdx = 2
	return e
}

func TestWriteReadRoundTrip(t *testing.T) {
	e := newWritableBinary()

	var buf bytes.Buffer
	assert.NoError(t, e.Write(&buf))
	assert.Equal(t, 0x200, buf.Len(), "image size implied by the model")

	err, parsed := ReadELF(bytes.NewReader(buf.Bytes()), nil)
	assert.NoError(t, err)

	assert.Equal(t, ELFCLASS64, parsed.Class)
	assert.Equal(t, ET_EXEC, parsed.Type)
	assert.Equal(t, EM_X86_64, parsed.Machine)
	assert.Equal(t, uint64(0x400100), parsed.Entry)
	assert.Len(t, parsed.Segments, 1)
	assert.Len(t, parsed.Sections, 3)

	text, err2 := parsed.GetSection(".text")
	assert.NoError(t, err2)
	assert.Equal(t, uint64(0x400100), text.Address)
	assert.Equal(t, e.Sections[1].Data, text.Data)

	assert.Equal(t, uint64(0x400000), parsed.Segments[0].VAddr)
	assert.Equal(t, uint64(0x200), parsed.DataHandler().End())
}

func TestWriteReflectsDynamicEdits(t *testing.T) {
	e := newWritableBinary()
	entrySize := uint64(e.sizeDynamicEntry())
	dynamic := &SectionHeader{
		Name: ".dynamic", Type: SHT_DYNAMIC,
		Offset: 0x120, Size: entrySize * 2, EntrySize: entrySize,
		Data: make([]byte, entrySize*2),
	}
	e.Sections = append(e.Sections[:2], dynamic, e.Sections[2])
	e.Sections[3].Offset = 0x140
	e.secHdrOffset = 0x160
	e.secHdrCount = 4
	e.secHdrStrIdx = 3
	e.DynamicEntries = []*DynamicEntry{
		{Tag: DT_DEBUG, Value: 0},
		{Tag: DT_NULL},
	}

	var buf bytes.Buffer
	assert.NoError(t, e.Write(&buf))

	err, parsed := ReadELF(bytes.NewReader(buf.Bytes()), nil)
	assert.NoError(t, err)
	assert.True(t, parsed.HasDynamicEntry(DT_DEBUG), "edited dynamic table serialized")
	assert.True(t, parsed.HasDynamicEntry(DT_NULL), "terminator kept")
}

func TestReadExtendedSectionNumbering(t *testing.T) {
	e := newWritableBinary()
	e.secHdrStrIdx = SHN_XINDEX

	var buf bytes.Buffer
	assert.NoError(t, e.Write(&buf))

	err, parsed := ReadELF(bytes.NewReader(buf.Bytes()), nil)
	assert.ErrorIs(t, err, ErrNotImplemented, "SHN_XINDEX input degrades to an error, not a panic")
	assert.Nil(t, parsed)
}
