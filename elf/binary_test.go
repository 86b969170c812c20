// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPIE(t *testing.T) {
	e := newTestBinary()
	assert.False(t, e.IsPIE(), "ET_EXEC is not PIE")

	e.Type = ET_DYN
	assert.False(t, e.IsPIE(), "no interpreter yet")

	e.Segments = append(e.Segments, &ProgramHeader{Type: PT_INTERP, Data: []byte("/lib64/ld-linux-x86-64.so.2\x00")})
	assert.True(t, e.IsPIE())
}

func TestHasNX(t *testing.T) {
	e := newTestBinary()
	assert.False(t, e.HasNX(), "no PT_GNU_STACK")

	stack := &ProgramHeader{Type: PT_GNU_STACK, Flags: PF_R | PF_W}
	e.Segments = append(e.Segments, stack)
	assert.True(t, e.HasNX())

	stack.Flags |= PF_X
	assert.False(t, e.HasNX(), "executable stack")
}

func TestInterpreter(t *testing.T) {
	e := newTestBinary()
	_, err := e.Interpreter()
	assert.ErrorIs(t, err, ErrNotFound)

	e.Segments = append(e.Segments, &ProgramHeader{Type: PT_INTERP, FileSize: 0x20, Data: make([]byte, 0x20)})
	e.SetInterpreter("/lib/ld-musl-x86_64.so.1")

	interp, err := e.Interpreter()
	assert.NoError(t, err)
	assert.Equal(t, "/lib/ld-musl-x86_64.so.1", interp)
	assert.True(t, e.HasInterpreter())
}

func TestVirtualSize(t *testing.T) {
	e := newTestBinary()
	// Highest PT_LOAD end is 0x403000+0x1000, already page aligned.
	assert.Equal(t, uint64(0x404000-0x400000), e.VirtualSize())
}

func TestNextVirtualAddress(t *testing.T) {
	e := newTestBinary()
	assert.Equal(t, uint64(0x404000), e.NextVirtualAddress())

	e.Segments[1].MemSize = 0x1001
	assert.Equal(t, uint64(0x404008), e.NextVirtualAddress(), "rounded to the word size")
}

func TestStrings(t *testing.T) {
	e := newTestBinary()
	rodata, _ := e.GetSection(".rodata")
	copy(rodata.Data, []byte("hello\x00ab\x00world!\x00\x01bad\xff\x00"))

	list := e.Strings(4)
	assert.Equal(t, []string{"hello", "world!"}, list)
}

func TestPatchAddress(t *testing.T) {
	e := newTestBinary()
	err := e.PatchAddress(0x401010, []byte{0xEB, 0xFE})
	assert.NoError(t, err)

	content, err := e.GetContentFromVirtualAddress(0x401010, 2)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0xEB, 0xFE}, content)

	err = e.PatchAddress(0x10, []byte{0x00})
	assert.ErrorIs(t, err, ErrNotFound, "unmapped address")
}

func TestPatchAddressValue(t *testing.T) {
	e := newTestBinary()
	err := e.PatchAddressValue(0x403000, 0xDEADBEEF, 4)
	assert.NoError(t, err)

	content, err := e.GetContentFromVirtualAddress(0x403000, 4)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, content)
}

func TestPatchAddressObjectFile(t *testing.T) {
	e := New(ELFCLASS64, EM_X86_64, nil)
	e.Type = ET_REL
	e.Sections = []*SectionHeader{
		{Name: ".text", Type: SHT_PROGBITS, Offset: 0x40, Size: 0x20, Data: make([]byte, 0x20)},
	}
	e.secHdrCount = 1

	err := e.PatchAddress(0x48, []byte{0xC3})
	assert.NoError(t, err)
	assert.Equal(t, byte(0xC3), e.Sections[0].Data[8], "patched by file offset")
}

func TestPatchPltGot(t *testing.T) {
	e := newTestBinary()
	symbol := &Symbol{Name: "puts", Type: STT_FUNC}
	e.AddPltGotRelocation(&Relocation{Address: 0x403010, IsRela: true, Symbol: symbol})

	err := e.PatchPltGotByName("puts", 0x414141)
	assert.NoError(t, err)

	content, err := e.GetContentFromVirtualAddress(0x403010, 8)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x41, 0x41, 0, 0, 0, 0, 0}, content)

	err = e.PatchPltGotByName("missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSectionLookups(t *testing.T) {
	e := newTestBinary()

	section, err := e.SectionFromOffset(0x1100, false)
	assert.NoError(t, err)
	assert.Equal(t, ".text", section.Name)

	section, err = e.SectionFromVirtualAddress(0x401450, false)
	assert.NoError(t, err)
	assert.Equal(t, ".rodata", section.Name)

	_, err = e.SectionFromOffset(0x10000, false)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, e.HasSection(".text"))
	assert.False(t, e.HasSection(".ghost"))
}

func TestSegmentLookups(t *testing.T) {
	e := newTestBinary()

	segment, err := e.SegmentFromVirtualAddress(0x403500)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x403000), segment.VAddr)

	segment, err = e.SegmentFromOffset(0x2100)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x2000), segment.Offset)

	_, err = e.SegmentFromVirtualAddress(0x1)
	assert.ErrorIs(t, err, ErrNotFound)
}
