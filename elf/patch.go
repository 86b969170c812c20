// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"fmt"
)

// PatchAddress copies the patch bytes at the given virtual address.
// Object files have no segments, so ET_REL resolves the address as a
// file offset into a section; everything else patches the enclosing
// segment.
func (e *Elf) PatchAddress(address uint64, patch []byte) error {
	if e.Type == ET_REL {
		section, err := e.SectionFromOffset(address, false)
		if err != nil {
			return err
		}
		offset := address - section.Offset
		if offset+uint64(len(patch)) > uint64(len(section.Data)) {
			grown := make([]byte, offset+uint64(len(patch)))
			copy(grown, section.Data)
			section.Data = grown
		}
		copy(section.Data[offset:], patch)
		return nil
	}

	segment, err := e.SegmentFromVirtualAddress(address)
	if err != nil {
		return err
	}
	offset := address - segment.VAddr
	if offset+uint64(len(patch)) > uint64(len(segment.Data)) {
		grown := make([]byte, offset+uint64(len(patch)))
		copy(grown, segment.Data)
		segment.Data = grown
	}
	copy(segment.Data[offset:], patch)
	return nil
}

// PatchAddressValue writes an integer of the given byte size at the
// virtual address using the binary's byte order.
func (e *Elf) PatchAddressValue(address uint64, value uint64, size uint64) error {
	if size > 8 {
		return fmt.Errorf("%w: invalid patch size %d", ErrNotImplemented, size)
	}
	raw := make([]byte, 8)
	e.GetByteOrder().PutUint64(raw, value)
	if e.Endian == ELFDATA2MSB {
		raw = raw[8-size:]
	} else {
		raw = raw[:size]
	}
	return e.PatchAddress(address, raw)
}

// PatchPltGot rewrites the GOT slot of the symbol's PLT/GOT relocation
// so the function resolves to the new address.
func (e *Elf) PatchPltGot(symbol *Symbol, address uint64) error {
	for _, relocation := range e.PltGotRelocations() {
		if relocation.HasSymbol() && relocation.Symbol == symbol {
			wordSize := uint64(8)
			if e.Class == ELFCLASS32 {
				wordSize = 4
			}
			return e.PatchAddressValue(relocation.Address, address, wordSize)
		}
	}
	return fmt.Errorf("%w: relocation for symbol %q", ErrNotFound, symbol.Name)
}

// PatchPltGotByName patches every dynamic symbol carrying the name.
func (e *Elf) PatchPltGotByName(name string, address uint64) error {
	patched := false
	for _, symbol := range e.DynamicSymbols {
		if symbol.Name == name {
			if err := e.PatchPltGot(symbol, address); err != nil {
				return err
			}
			patched = true
		}
	}
	if !patched {
		return fmt.Errorf("%w: symbol %q", ErrNotFound, name)
	}
	return nil
}
