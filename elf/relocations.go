// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"fmt"
	"slices"
)

func (r *Relocation) HasSymbol() bool {
	return r.Symbol != nil
}

func (r *Relocation) clone() *Relocation {
	out := *r
	return &out
}

func (e *Elf) relocationsWithPurpose(purpose RelocationPurpose) []*Relocation {
	var out []*Relocation
	for _, relocation := range e.Relocations {
		if relocation.Purpose == purpose {
			out = append(out, relocation)
		}
	}
	return out
}

func (e *Elf) DynamicRelocations() []*Relocation {
	return e.relocationsWithPurpose(RelocPurposeDynamic)
}

func (e *Elf) PltGotRelocations() []*Relocation {
	return e.relocationsWithPurpose(RelocPurposePltGot)
}

func (e *Elf) ObjectRelocations() []*Relocation {
	return e.relocationsWithPurpose(RelocPurposeObject)
}

func (e *Elf) HasRelocations() bool {
	return len(e.Relocations) > 0
}

// resolveRelocationSymbol inserts the relocation's symbol into the
// dynamic table when it is not there yet and records its index in Info.
func (e *Elf) resolveRelocationSymbol(relocation *Relocation) {
	if relocation.Symbol == nil {
		return
	}
	inner, err := e.GetDynamicSymbol(relocation.Symbol.Name)
	if err != nil {
		inner = e.AddDynamicSymbol(relocation.Symbol, nil)
	}
	relocation.Info = uint32(slices.Index(e.DynamicSymbols, inner))
	relocation.Symbol = inner
}

// AddDynamicRelocation clones the relocation as a dynamic one and keeps
// the DT_RELSZ / DT_RELASZ accounting in sync.
func (e *Elf) AddDynamicRelocation(relocation *Relocation) *Relocation {
	newOne := relocation.clone()
	newOne.Purpose = RelocPurposeDynamic
	newOne.Arch = e.Machine
	e.Relocations = append(e.Relocations, newOne)

	e.resolveRelocationSymbol(newOne)

	tagSz, tagEnt := DT_RELSZ, DT_RELENT
	if newOne.IsRela {
		tagSz, tagEnt = DT_RELASZ, DT_RELAENT
	}
	if sz, err := e.GetDynamicEntry(tagSz); err == nil {
		if ent, err := e.GetDynamicEntry(tagEnt); err == nil {
			sz.Value += ent.Value
		}
	}
	return newOne
}

// AddPltGotRelocation clones the relocation as a PLT/GOT one and grows
// DT_PLTRELSZ by the concrete record size.
func (e *Elf) AddPltGotRelocation(relocation *Relocation) *Relocation {
	newOne := relocation.clone()
	newOne.Purpose = RelocPurposePltGot
	newOne.Arch = e.Machine
	e.Relocations = append(e.Relocations, newOne)

	e.resolveRelocationSymbol(newOne)

	if sz, err := e.GetDynamicEntry(DT_PLTRELSZ); err == nil {
		if e.HasDynamicEntry(DT_JMPREL) {
			sz.Value += uint64(e.sizeRelocation(newOne.IsRela))
		}
	}
	return newOne
}

// AddObjectRelocation clones the relocation as an object-file one bound
// to the given section.
func (e *Elf) AddObjectRelocation(relocation *Relocation, section *SectionHeader) (*Relocation, error) {
	if !slices.Contains(e.Sections, section) {
		e.log.Error("can't find section", "name", section.Name)
		return nil, fmt.Errorf("%w: section %q", ErrNotFound, section.Name)
	}
	newOne := relocation.clone()
	newOne.Purpose = RelocPurposeObject
	newOne.Arch = e.Machine
	newOne.Section = section
	e.Relocations = append(e.Relocations, newOne)
	return newOne, nil
}

// sizeRelocation is the on-disk size of one relocation record.
func (e *Elf) sizeRelocation(isRela bool) int {
	if e.Class == ELFCLASS64 {
		if isRela {
			return 24
		}
		return 16
	}
	if isRela {
		return 12
	}
	return 8
}

func (e *Elf) GetRelocationFromAddress(address uint64) (*Relocation, error) {
	for _, relocation := range e.Relocations {
		if relocation.Address == address {
			return relocation, nil
		}
	}
	return nil, fmt.Errorf("%w: relocation at 0x%x", ErrNotFound, address)
}

func (e *Elf) GetRelocationForSymbol(symbol *Symbol) (*Relocation, error) {
	for _, relocation := range e.Relocations {
		if relocation.Symbol == symbol {
			return relocation, nil
		}
	}
	return nil, fmt.Errorf("%w: relocation for symbol %q", ErrNotFound, symbol.Name)
}

func (e *Elf) GetRelocationForSymbolName(name string) (*Relocation, error) {
	for _, relocation := range e.Relocations {
		if relocation.HasSymbol() && relocation.Symbol.Name == name {
			return relocation, nil
		}
	}
	return nil, fmt.Errorf("%w: relocation for symbol %q", ErrNotFound, name)
}
