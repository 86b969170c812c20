// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func addExceptionDirectory(p *PE, entries [][2]uint32) {
	data := p.Sections[2].Data // .data at RVA 0x3000
	for i, entry := range entries {
		record := data[i*exceptionEntrySize:]
		binary.LittleEndian.PutUint32(record, entry[0])
		binary.LittleEndian.PutUint32(record[4:], entry[1])
		binary.LittleEndian.PutUint32(record[8:], 0x5000)
	}
	dir, _ := p.DataDirectory(ExceptionTable)
	dir.RVA = 0x3000
	dir.Size = uint32(len(entries) * exceptionEntrySize)
}

func TestExceptionFunctions(t *testing.T) {
	p := newTestPE()
	addExceptionDirectory(p, [][2]uint32{
		{0x1000, 0x1080},
		{0x1080, 0x1100},
	})

	functions, err := p.ExceptionFunctions()
	assert.NoError(t, err)
	assert.Len(t, functions, 2)
	assert.Equal(t, uint64(0x1000), functions[0].Address)
	assert.Equal(t, uint64(0x80), functions[0].Size)
	assert.Equal(t, uint64(0x1080), functions[1].Address)
}

func TestExceptionFunctionsWrongMachine(t *testing.T) {
	p := newTestPE()
	addExceptionDirectory(p, [][2]uint32{{0x1000, 0x1080}})
	p.Header.Machine = IMAGE_FILE_MACHINE_ARM64

	_, err := p.ExceptionFunctions()
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestCtorFunctionsFromTLS(t *testing.T) {
	p := newTestPE()
	assert.Empty(t, p.CtorFunctions())

	p.SetTLS(TLS{Callbacks: []uint64{0x140001100, 0x140001200}})
	ctors := p.CtorFunctions()
	assert.Len(t, ctors, 2)
	assert.Equal(t, "tls_0", ctors[0].Name)
	assert.Equal(t, uint64(0x140001100), ctors[0].Address)
}

func TestFunctionsUnion(t *testing.T) {
	p := newTestPE()
	addExceptionDirectory(p, [][2]uint32{{0x1000, 0x1080}})
	p.SetExport(Export{Entries: []*ExportEntry{
		{Name: "exported", Address: 0x1080},
		{Name: "", Address: 0x1090},
	}})
	p.SetTLS(TLS{Callbacks: []uint64{0x2000}})

	functions := p.Functions()
	assert.Len(t, functions, 3)
	assert.Equal(t, uint64(0x1000), functions[0].Address)
	assert.Equal(t, "exported", functions[1].Name)
	assert.Equal(t, uint64(0x2000), functions[2].Address)
}
