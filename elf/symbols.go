// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"fmt"
	"slices"
)

func (s *Symbol) HasVersion() bool {
	return s.Version != nil
}

// IsExported: a bound, visible symbol attached to a section.
func (s *Symbol) IsExported() bool {
	return s.SectionIndex != SHN_UNDEF &&
		(s.Binding == STB_GLOBAL || s.Binding == STB_WEAK) &&
		s.Visibility() == STV_DEFAULT
}

// IsImported: referenced here, defined elsewhere.
func (s *Symbol) IsImported() bool {
	return s.SectionIndex == SHN_UNDEF && s.Name != ""
}

func (s *Symbol) Visibility() SymbolVisibility {
	return SymbolVisibility(s.Other & 0x3)
}

func (s *Symbol) SetVisibility(v SymbolVisibility) {
	s.Other = (s.Other &^ 0x3) | uint8(v)
}

func (s *Symbol) clone() *Symbol {
	out := *s
	return &out
}

// Symbols is the combined view: dynamic symbols first, then static ones.
func (e *Elf) Symbols() []*Symbol {
	out := make([]*Symbol, 0, len(e.DynamicSymbols)+len(e.StaticSymbols))
	out = append(out, e.DynamicSymbols...)
	out = append(out, e.StaticSymbols...)
	return out
}

func (e *Elf) ExportedSymbols() []*Symbol {
	var out []*Symbol
	for _, symbol := range e.Symbols() {
		if symbol.IsExported() {
			out = append(out, symbol)
		}
	}
	return out
}

func (e *Elf) ImportedSymbols() []*Symbol {
	var out []*Symbol
	for _, symbol := range e.Symbols() {
		if symbol.IsImported() {
			out = append(out, symbol)
		}
	}
	return out
}

func (e *Elf) HasStaticSymbol(name string) bool {
	_, err := e.GetStaticSymbol(name)
	return err == nil
}

func (e *Elf) GetStaticSymbol(name string) (*Symbol, error) {
	for _, symbol := range e.StaticSymbols {
		if symbol.Name == name {
			return symbol, nil
		}
	}
	return nil, fmt.Errorf("%w: symbol %q", ErrNotFound, name)
}

func (e *Elf) HasDynamicSymbol(name string) bool {
	_, err := e.GetDynamicSymbol(name)
	return err == nil
}

func (e *Elf) GetDynamicSymbol(name string) (*Symbol, error) {
	for _, symbol := range e.DynamicSymbols {
		if symbol.Name == name {
			return symbol, nil
		}
	}
	return nil, fmt.Errorf("%w: symbol %q", ErrNotFound, name)
}

func (e *Elf) AddStaticSymbol(symbol *Symbol) *Symbol {
	sym := symbol.clone()
	e.StaticSymbols = append(e.StaticSymbols, sym)
	return sym
}

// AddDynamicSymbol appends the symbol to the dynamic table. The version
// table grows in lockstep; a nil version means the global one.
func (e *Elf) AddDynamicSymbol(symbol *Symbol, version *SymbolVersion) *Symbol {
	sym := symbol.clone()
	if version == nil {
		version = GlobalVersion()
	} else {
		v := *version
		version = &v
	}
	sym.Version = version
	e.DynamicSymbols = append(e.DynamicSymbols, sym)
	e.SymbolVersions = append(e.SymbolVersions, version)
	return sym
}

// RemoveSymbol removes the name from both symbol tables.
func (e *Elf) RemoveSymbol(name string) error {
	errStatic := e.RemoveStaticSymbol(name)
	errDynamic := e.RemoveDynamicSymbol(name)
	if errStatic != nil && errDynamic != nil {
		return errDynamic
	}
	return nil
}

func (e *Elf) RemoveStaticSymbol(name string) error {
	for i, symbol := range e.StaticSymbols {
		if symbol.Name == name {
			e.StaticSymbols = slices.Delete(e.StaticSymbols, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: symbol %q", ErrNotFound, name)
}

// RemoveDynamicSymbol removes the symbol, the relocations bound to it,
// and its slot in the version table.
func (e *Elf) RemoveDynamicSymbol(name string) error {
	symbol, err := e.GetDynamicSymbol(name)
	if err != nil {
		return err
	}
	return e.removeDynamicSymbol(symbol)
}

func (e *Elf) removeDynamicSymbol(symbol *Symbol) error {
	idx := slices.Index(e.DynamicSymbols, symbol)
	if idx < 0 {
		return fmt.Errorf("%w: symbol %q", ErrNotFound, symbol.Name)
	}

	for _, purpose := range []RelocationPurpose{RelocPurposePltGot, RelocPurposeDynamic} {
		for i, relocation := range e.Relocations {
			if relocation.Purpose == purpose && relocation.Symbol == symbol {
				e.Relocations = slices.Delete(e.Relocations, i, i+1)
				break
			}
		}
	}

	if symbol.HasVersion() && idx < len(e.SymbolVersions) {
		e.SymbolVersions = slices.Delete(e.SymbolVersions, idx, idx+1)
	}

	e.DynamicSymbols = slices.Delete(e.DynamicSymbols, idx, idx+1)
	return nil
}

// ExportSymbol promotes the symbol into the exported surface of the
// binary: global binding, default visibility, attached to .text when it
// had no home section. A symbol unknown to the dynamic table is added to
// it first.
func (e *Elf) ExportSymbol(symbol *Symbol) *Symbol {
	sym, err := e.GetDynamicSymbol(symbol.Name)
	if err != nil {
		sym = e.AddDynamicSymbol(symbol, GlobalVersion())
	}

	textIdx := uint16(0)
	for i, section := range e.Sections {
		if section.Name == ".text" {
			textIdx = uint16(i)
			break
		}
	}

	if sym.Binding != STB_WEAK && sym.Binding != STB_GLOBAL {
		sym.Binding = STB_GLOBAL
	}
	if sym.Type == STT_NOTYPE {
		sym.Type = STT_COMMON
	}
	if sym.SectionIndex == SHN_UNDEF {
		sym.SectionIndex = textIdx
	}
	sym.SetVisibility(STV_DEFAULT)
	return sym
}

// ExportSymbolByName exports an existing symbol by name, optionally
// rebasing its value, or creates a fresh one.
func (e *Elf) ExportSymbolByName(name string, value uint64) *Symbol {
	if sym, err := e.GetDynamicSymbol(name); err == nil {
		if value > 0 {
			sym.Value = value
		}
		return e.ExportSymbol(sym)
	}
	if sym, err := e.GetStaticSymbol(name); err == nil {
		if value > 0 {
			sym.Value = value
		}
		return e.ExportSymbol(sym)
	}
	return e.ExportSymbol(&Symbol{
		Name:    name,
		Type:    STT_COMMON,
		Binding: STB_GLOBAL,
		Value:   value,
		Size:    0x10,
	})
}

// AddExportedFunction exports an STT_FUNC symbol at the address. An empty
// name falls back to func_<hex address>.
func (e *Elf) AddExportedFunction(address uint64, name string) *Symbol {
	if name == "" {
		name = fmt.Sprintf("func_%x", address)
	}

	if sym, err := e.GetDynamicSymbol(name); err == nil {
		sym.Type = STT_FUNC
		sym.Binding = STB_GLOBAL
		sym.SetVisibility(STV_DEFAULT)
		sym.Value = address
		return e.ExportSymbol(sym)
	}
	if sym, err := e.GetStaticSymbol(name); err == nil {
		sym.Type = STT_FUNC
		sym.Binding = STB_GLOBAL
		sym.SetVisibility(STV_DEFAULT)
		sym.Value = address
		return e.ExportSymbol(sym)
	}

	return e.ExportSymbol(&Symbol{
		Name:    name,
		Type:    STT_FUNC,
		Binding: STB_GLOBAL,
		Value:   address,
		Size:    0x10,
	})
}

// PermuteDynamicSymbols applies a permutation to the dynamic symbol
// table. A versioned symbol can only swap with another versioned one, so
// the version table stays index-aligned.
func (e *Elf) PermuteDynamicSymbols(permutation []int) {
	done := make(map[int]bool)
	for i := 0; i < len(permutation) && i < len(e.DynamicSymbols); i++ {
		j := permutation[i]
		if j == i || done[j] || j >= len(e.DynamicSymbols) {
			continue
		}
		a, b := e.DynamicSymbols[i], e.DynamicSymbols[j]
		if a.HasVersion() != b.HasVersion() {
			e.log.Error("can't apply permutation", "index", i)
			continue
		}
		if a.HasVersion() {
			e.SymbolVersions[i], e.SymbolVersions[j] = e.SymbolVersions[j], e.SymbolVersions[i]
		}
		e.DynamicSymbols[i], e.DynamicSymbols[j] = e.DynamicSymbols[j], e.DynamicSymbols[i]
		done[i] = true
		done[j] = true
	}
}

// Strip drops the static symbol table, clearing the SHT_SYMTAB section's
// bytes before removing it.
func (e *Elf) Strip() {
	e.StaticSymbols = nil
	if symtab, err := e.GetSectionType(SHT_SYMTAB); err == nil {
		if err := e.RemoveSection(symtab, true); err != nil {
			e.log.Warn("failed to remove symtab", "error", err)
		}
	}
}
