// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"fmt"
)

const importDescriptorSize = 20

func (p *PE) HasImport(name string) bool {
	_, err := p.GetImport(name)
	return err == nil
}

func (p *PE) GetImport(name string) (*Import, error) {
	for _, imp := range p.Imports {
		if imp.Name == name {
			return imp, nil
		}
	}
	return nil, fmt.Errorf("%w: library %q", ErrNotFound, name)
}

// AddLibrary registers an imported library.
func (p *PE) AddLibrary(name string) *Import {
	imp := &Import{Name: name}
	p.Imports = append(p.Imports, imp)
	p.hasImports = true
	return imp
}

// RemoveLibrary is not supported yet: dropping a descriptor invalidates
// every IAT-relative patch the binary may carry.
func (p *PE) RemoveLibrary(name string) error {
	return fmt.Errorf("%w: removing library %q", ErrNotImplemented, name)
}

func (p *PE) RemoveAllLibraries() {
	p.Imports = nil
	p.hasImports = false
}

func (imp *Import) AddEntry(name string) *ImportEntry {
	entry := &ImportEntry{Name: name}
	imp.Entries = append(imp.Entries, entry)
	return entry
}

func (imp *Import) GetEntry(name string) (*ImportEntry, error) {
	for _, entry := range imp.Entries {
		if entry.Name == name {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: function %q", ErrNotFound, name)
}

// AddImportFunction appends a function to an already-registered library.
func (p *PE) AddImportFunction(library string, function string) (*ImportEntry, error) {
	imp, err := p.GetImport(library)
	if err != nil {
		return nil, err
	}
	imp.AddEntry(function)
	return imp.GetEntry(function)
}

// PredictFunctionRVA computes where the function's IAT slot will land
// once the import section is rebuilt at the end of the image.
func (p *PE) PredictFunctionRVA(library string, function string) uint32 {
	imp, err := p.GetImport(library)
	if err != nil {
		p.log.Error("unable to find library", "library", library)
		return 0
	}

	// Some odd libraries define a function twice.
	count := 0
	for _, entry := range imp.Entries {
		if !entry.IsOrdinal && entry.Name == function {
			count++
		}
	}
	if count == 0 {
		p.log.Error("unable to find the function", "library", library, "function", function)
		return 0
	}
	if count > 1 {
		p.log.Error("function defined multiple times", "library", library, "function", function)
		return 0
	}

	ptrSize := uint32(8)
	if p.Type == PE32 {
		ptrSize = 4
	}

	// Import descriptors, plus the null terminator.
	address := uint32(len(p.Imports)+1) * importDescriptorSize

	// Lookup tables of every library.
	for _, other := range p.Imports {
		address += uint32(len(other.Entries)+1) * ptrSize
	}

	// IAT slots of the libraries before this one.
	for _, other := range p.Imports {
		if other.Name == library {
			break
		}
		address += uint32(len(other.Entries)+1) * ptrSize
	}

	// Slots of the functions before this one.
	for _, entry := range imp.Entries {
		if entry.Name == function {
			break
		}
		address += ptrSize
	}

	// The import section is assumed to land after every existing one.
	nextVA := uint64(p.OptionalHeader.SectionAlignment)
	for _, section := range p.Sections {
		if end := uint64(section.VirtualAddress) + uint64(section.VirtualSize); end > nextVA {
			nextVA = end
		}
	}
	nextVA = align(nextVA, uint64(p.OptionalHeader.SectionAlignment))

	return uint32(nextVA) + address
}

// HookFunction records a hook for an imported function; the builder
// consumes the table when rewriting the IAT.
func (p *PE) HookFunction(library string, function string, address uint64) {
	if p.hooks[library] == nil {
		p.hooks[library] = make(map[string]uint64)
	}
	p.hooks[library][function] = address
}

// HookFunctionAnyLibrary finds the library exporting the function and
// hooks it there.
func (p *PE) HookFunctionAnyLibrary(function string, address uint64) {
	for _, imp := range p.Imports {
		for _, entry := range imp.Entries {
			if entry.Name == function {
				p.HookFunction(imp.Name, function, address)
				return
			}
		}
	}
	p.log.Warn("unable to find library associated with function", "function", function)
}

// Hooks exposes the recorded hook table.
func (p *PE) Hooks() map[string]map[string]uint64 {
	return p.hooks
}

// ImportedLibraries lists the imported library names.
func (p *PE) ImportedLibraries() []string {
	var out []string
	for _, imp := range p.Imports {
		out = append(out, imp.Name)
	}
	return out
}

// ExportedFunctions lists the named export entries.
func (p *PE) ExportedFunctions() []*ExportEntry {
	var out []*ExportEntry
	for _, entry := range p.Export.Entries {
		if entry.Name != "" {
			out = append(out, entry)
		}
	}
	return out
}

// SetExport installs the export directory.
func (p *PE) SetExport(export Export) {
	p.Export = export
	p.hasExports = len(export.Entries) > 0
}

// ImportedFunctions lists every named imported function across all
// libraries.
func (p *PE) ImportedFunctions() []*ImportEntry {
	var out []*ImportEntry
	for _, imp := range p.Imports {
		for _, entry := range imp.Entries {
			if entry.Name != "" {
				out = append(out, entry)
			}
		}
	}
	return out
}
