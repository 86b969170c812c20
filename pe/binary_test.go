// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRVAToOffset(t *testing.T) {
	p := newTestPE()

	// .rdata: VA 0x2000, raw pointer 0x600.
	assert.Equal(t, uint64(0x650), p.RVAToOffset(0x2050))
	// .text start.
	assert.Equal(t, uint64(0x400), p.RVAToOffset(0x1000))
	// Outside every section: identity.
	assert.Equal(t, uint64(0x9000), p.RVAToOffset(0x9000))
}

func TestVAToOffset(t *testing.T) {
	p := newTestPE()
	assert.Equal(t, uint64(0x650), p.VAToOffset(0x140000000+0x2050))
}

func TestOffsetToVirtualAddress(t *testing.T) {
	p := newTestPE()
	assert.Equal(t, uint64(0x2050), p.OffsetToVirtualAddress(0x650, 0))
	assert.Equal(t, uint64(0x140002050), p.OffsetToVirtualAddress(0x650, 0x140000000))
	assert.Equal(t, uint64(0x9000), p.OffsetToVirtualAddress(0x9000, 0), "identity outside sections")
}

func TestSectionFromRVAAndOffset(t *testing.T) {
	p := newTestPE()

	section, err := p.SectionFromRVA(0x3010)
	assert.NoError(t, err)
	assert.Equal(t, ".data", section.Name)

	section, err = p.SectionFromOffset(0x700)
	assert.NoError(t, err)
	assert.Equal(t, ".rdata", section.Name)

	_, err = p.SectionFromRVA(0x9000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPatchAddressAuto(t *testing.T) {
	p := newTestPE()

	// A VA above the imagebase is rebased automatically.
	assert.NoError(t, p.PatchAddress(0x140001000, []byte{0xCC, 0xCC}, AddrAuto))
	assert.Equal(t, []byte{0xCC, 0xCC}, p.Sections[0].Data[:2])

	// A bare RVA passes through untouched.
	assert.NoError(t, p.PatchAddress(0x2000, []byte{0xAA}, AddrAuto))
	assert.Equal(t, byte(0xAA), p.Sections[1].Data[0])
}

func TestPatchAddressExplicit(t *testing.T) {
	p := newTestPE()

	assert.NoError(t, p.PatchAddress(0x3000, []byte{0x01}, AddrRVA))
	assert.Equal(t, byte(0x01), p.Sections[2].Data[0])

	assert.NoError(t, p.PatchAddressValue(0x140003008, 0xFEEDFACE, 4, AddrVA))
	content, err := p.GetContentFromVirtualAddress(0x3008, 4, AddrRVA)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0xCE, 0xFA, 0xED, 0xFE}, content)

	err = p.PatchAddress(0x9000, []byte{0}, AddrRVA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPredicates(t *testing.T) {
	p := newTestPE()
	assert.False(t, p.IsPIE())
	assert.False(t, p.HasNX())

	p.OptionalHeader.DLLCharacteristics |= IMAGE_DLL_CHARACTERISTICS_DYNAMIC_BASE
	p.OptionalHeader.DLLCharacteristics |= IMAGE_DLL_CHARACTERISTICS_NX_COMPAT
	assert.True(t, p.IsPIE())
	assert.True(t, p.HasNX())
}

func TestEntrypoint(t *testing.T) {
	p := newTestPE()
	p.OptionalHeader.AddressofEntrypoint = 0x1040
	assert.Equal(t, uint64(0x140001040), p.Entrypoint())
}

func TestVirtualSizeTracksSections(t *testing.T) {
	p := newTestPE()
	// Highest section end: 0x3000 + 0x200, aligned to 0x1000.
	assert.Equal(t, uint64(0x4000), p.VirtualSize())
}

func TestImports(t *testing.T) {
	p := newTestPE()
	assert.False(t, p.HasImports())

	kernel32 := p.AddLibrary("KERNEL32.dll")
	kernel32.AddEntry("ExitProcess")
	assert.True(t, p.HasImports())
	assert.True(t, p.HasImport("KERNEL32.dll"))
	assert.Equal(t, []string{"KERNEL32.dll"}, p.ImportedLibraries())

	entry, err := p.AddImportFunction("KERNEL32.dll", "CreateFileW")
	assert.NoError(t, err)
	assert.Equal(t, "CreateFileW", entry.Name)

	_, err = p.AddImportFunction("missing.dll", "X")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, p.RemoveLibrary("KERNEL32.dll"), ErrNotImplemented)
	p.RemoveAllLibraries()
	assert.False(t, p.HasImports())
}

func TestPredictFunctionRVA(t *testing.T) {
	p := newTestPE()
	kernel32 := p.AddLibrary("KERNEL32.dll")
	kernel32.AddEntry("ExitProcess")
	kernel32.AddEntry("CreateFileW")

	// One library: descriptors (2*20) + lookup table (3*8) = 64, plus
	// zero preceding IAT slots, first function at slot 0; the import
	// section lands at the next aligned VA (0x4000).
	assert.Equal(t, uint32(0x4000+64), p.PredictFunctionRVA("KERNEL32.dll", "ExitProcess"))
	assert.Equal(t, uint32(0x4000+64+8), p.PredictFunctionRVA("KERNEL32.dll", "CreateFileW"))
	assert.Zero(t, p.PredictFunctionRVA("KERNEL32.dll", "Missing"))
	assert.Zero(t, p.PredictFunctionRVA("missing.dll", "X"))
}

func TestHooks(t *testing.T) {
	p := newTestPE()
	kernel32 := p.AddLibrary("KERNEL32.dll")
	kernel32.AddEntry("ExitProcess")

	p.HookFunctionAnyLibrary("ExitProcess", 0x140001000)
	assert.Equal(t, uint64(0x140001000), p.Hooks()["KERNEL32.dll"]["ExitProcess"])

	p.HookFunction("user32.dll", "MessageBoxW", 0x140002000)
	assert.Equal(t, uint64(0x140002000), p.Hooks()["user32.dll"]["MessageBoxW"])
}

func TestTLSAndConfiguration(t *testing.T) {
	p := newTestPE()
	assert.False(t, p.HasTLS())
	p.SetTLS(TLS{Callbacks: []uint64{0x140001100}})
	assert.True(t, p.HasTLS())

	assert.False(t, p.HasConfiguration())
	_, err := p.LoadConfiguration()
	assert.ErrorIs(t, err, ErrNotFound)
	p.SetLoadConfiguration(LoadConfiguration{SecurityCookie: 0x1234})
	assert.True(t, p.HasConfiguration())
	config, err := p.LoadConfiguration()
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x1234), config.SecurityCookie)
}

func TestResources(t *testing.T) {
	p := newTestPE()
	_, err := p.Resources()
	assert.ErrorIs(t, err, ErrNotFound)

	p.SetResources(ResourceNode{Children: []*ResourceNode{{ID: 16}}})
	assert.True(t, p.HasResources())
	root, err := p.Resources()
	assert.NoError(t, err)
	assert.Len(t, root.Children, 1)
}
