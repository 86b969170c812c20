// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"fmt"
	"log/slog"
)

func align(value uint64, alignment uint64) uint64 {
	if alignment == 0 {
		return value
	}
	r := value % alignment
	if r == 0 {
		return value
	}
	return value + alignment - r
}

// New creates an empty PE32 or PE32+ model with the full directory table
// and the header slack accounting the section editor relies on. A nil
// logger means slog.Default().
func New(peType PEType, logger *slog.Logger) *PE {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PE{
		Type:  peType,
		log:   logger,
		hooks: make(map[string]map[string]uint64),
	}
	p.DosHeader.Magic = 0x5A4D
	p.DosHeader.AddressofNewExeheader = 0xF0
	p.Header.Signature = 0x4550
	p.OptionalHeader.Magic = peType
	p.OptionalHeader.SectionAlignment = 0x1000
	p.OptionalHeader.FileAlignment = 0x200
	p.OptionalHeader.NumberofRVAAndSize = uint32(numberofDataDirectories)

	optionalSize := pe32PlusOptionalSize
	if peType == PE32 {
		p.Header.Machine = IMAGE_FILE_MACHINE_I386
		p.Header.AddCharacteristic(IMAGE_FILE_32BIT_MACHINE)
		optionalSize = pe32OptionalSize
	} else {
		p.Header.Machine = IMAGE_FILE_MACHINE_AMD64
		p.Header.AddCharacteristic(IMAGE_FILE_LARGE_ADDRESS_AWARE)
	}
	p.Header.SizeofOptionalHeader = uint16(optionalSize + int(numberofDataDirectories)*dataDirectorySize)

	for i := DataDirectoryType(0); i < numberofDataDirectories; i++ {
		p.DataDirectories = append(p.DataDirectories, &DataDirectory{Type: i})
	}

	sizeofHeaders := int(p.DosHeader.AddressofNewExeheader) + peHeaderSize +
		optionalSize + int(numberofDataDirectories)*dataDirectorySize
	p.availableSectionsSpace = (0x200 - sizeofHeaders) / sectionHeaderSize

	p.OptionalHeader.SizeofHeaders = p.SizeofHeaders()
	p.OptionalHeader.SizeofImage = uint32(p.VirtualSize())
	return p
}

func (p *PE) optionalHeaderSize() int {
	if p.Type == PE32 {
		return pe32OptionalSize
	}
	return pe32PlusOptionalSize
}

func (p *PE) ImageBase() uint64 {
	return p.OptionalHeader.ImageBase
}

func (p *PE) Entrypoint() uint64 {
	return p.OptionalHeader.ImageBase + uint64(p.OptionalHeader.AddressofEntrypoint)
}

// VirtualSize is the aligned end of the loaded image.
func (p *PE) VirtualSize() uint64 {
	size := uint64(p.DosHeader.AddressofNewExeheader) + peHeaderSize + uint64(p.optionalHeaderSize())
	for _, section := range p.Sections {
		if end := uint64(section.VirtualAddress) + uint64(section.VirtualSize); end > size {
			size = end
		}
	}
	return align(size, uint64(p.OptionalHeader.SectionAlignment))
}

// SizeofHeaders is the aligned size of everything before the first
// section's content.
func (p *PE) SizeofHeaders() uint32 {
	size := uint64(p.DosHeader.AddressofNewExeheader) + peHeaderSize + uint64(p.optionalHeaderSize())
	size += uint64(len(p.DataDirectories)) * dataDirectorySize
	size += uint64(len(p.Sections)) * sectionHeaderSize
	return uint32(align(size, uint64(p.OptionalHeader.FileAlignment)))
}

func (p *PE) IsPIE() bool {
	return p.OptionalHeader.Has(IMAGE_DLL_CHARACTERISTICS_DYNAMIC_BASE)
}

func (p *PE) HasNX() bool {
	return p.OptionalHeader.Has(IMAGE_DLL_CHARACTERISTICS_NX_COMPAT)
}

// Data directories

func (p *PE) DataDirectory(index DataDirectoryType) (*DataDirectory, error) {
	if int(index) < len(p.DataDirectories) && p.DataDirectories[index] != nil {
		return p.DataDirectories[index], nil
	}
	return nil, fmt.Errorf("%w: data directory %d", ErrNotFound, index)
}

func (p *PE) HasDataDirectory(index DataDirectoryType) bool {
	_, err := p.DataDirectory(index)
	return err == nil
}

// Predicates

func (p *PE) HasImports() bool      { return p.hasImports }
func (p *PE) HasExports() bool      { return p.hasExports }
func (p *PE) HasTLS() bool          { return p.hasTLS }
func (p *PE) HasRelocations() bool  { return p.hasRelocations }
func (p *PE) HasDebug() bool        { return p.hasDebug }
func (p *PE) HasRichHeader() bool   { return p.hasRichHeader }
func (p *PE) HasSignatures() bool   { return len(p.Signatures) > 0 }
func (p *PE) HasOverlay() bool      { return len(p.Overlay) > 0 }
func (p *PE) IsReproducibleBuild() bool { return p.reproducible }

func (p *PE) HasResources() bool {
	return p.hasResources && (p.resources.IsData || len(p.resources.Children) > 0)
}

func (p *PE) HasExceptions() bool {
	dir, err := p.DataDirectory(ExceptionTable)
	return err == nil && dir.RVA > 0
}

func (p *PE) HasConfiguration() bool {
	return p.hasConfiguration
}

// Sub-object accessors

func (p *PE) TLS() *TLS {
	return &p.tls
}

func (p *PE) SetTLS(tls TLS) {
	p.tls = tls
	p.hasTLS = true
}

func (p *PE) RichHeader() *RichHeader {
	return &p.richHeader
}

func (p *PE) SetRichHeader(rich RichHeader) {
	p.richHeader = rich
	p.hasRichHeader = true
}

func (p *PE) LoadConfiguration() (*LoadConfiguration, error) {
	if !p.hasConfiguration {
		return nil, fmt.Errorf("%w: load configuration", ErrNotFound)
	}
	return &p.loadConfig, nil
}

func (p *PE) SetLoadConfiguration(config LoadConfiguration) {
	p.loadConfig = config
	p.hasConfiguration = true
}

func (p *PE) Resources() (*ResourceNode, error) {
	if !p.HasResources() {
		return nil, fmt.Errorf("%w: resources", ErrNotFound)
	}
	return &p.resources, nil
}

func (p *PE) SetResources(root ResourceNode) {
	p.resources = root
	p.hasResources = true
}

func (p *PE) SetOverlay(overlay []byte, offset uint64) {
	p.Overlay = overlay
	p.overlayOffset = offset
}

// Address translation

// RVAToOffset maps an RVA to its file offset through the hosting
// section; an RVA outside every section maps to itself.
func (p *PE) RVAToOffset(rva uint64) uint64 {
	var hosting *Section
	for _, section := range p.Sections {
		vsize := uint64(section.VirtualSize)
		if uint64(section.SizeofRawData) > vsize {
			vsize = uint64(section.SizeofRawData)
		}
		if rva >= uint64(section.VirtualAddress) && rva < uint64(section.VirtualAddress)+vsize {
			hosting = section
			break
		}
	}
	if hosting == nil {
		// Not within a section: assume the RVA equals the offset.
		return rva
	}

	sectionAlignment := uint64(p.OptionalHeader.SectionAlignment)
	fileAlignment := uint64(p.OptionalHeader.FileAlignment)
	if sectionAlignment < 0x1000 {
		sectionAlignment = fileAlignment
	}

	sectionVA := align(uint64(hosting.VirtualAddress), sectionAlignment)
	sectionOffset := align(uint64(hosting.PointertoRawData), fileAlignment)
	return (rva - sectionVA) + sectionOffset
}

func (p *PE) VAToOffset(va uint64) uint64 {
	return p.RVAToOffset(va - p.OptionalHeader.ImageBase)
}

// OffsetToVirtualAddress maps a file offset to an RVA (or onto slide).
func (p *PE) OffsetToVirtualAddress(offset uint64, slide uint64) uint64 {
	for _, section := range p.Sections {
		if offset >= uint64(section.PointertoRawData) &&
			offset < uint64(section.PointertoRawData)+uint64(section.SizeofRawData) {
			baseRVA := uint64(section.VirtualAddress) - uint64(section.PointertoRawData)
			if slide > 0 {
				return slide + baseRVA + offset
			}
			return baseRVA + offset
		}
	}
	if slide > 0 {
		return slide + offset
	}
	return offset
}

func (p *PE) SectionFromOffset(offset uint64) (*Section, error) {
	for _, section := range p.Sections {
		if offset >= uint64(section.PointertoRawData) &&
			offset < uint64(section.PointertoRawData)+uint64(section.SizeofRawData) {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: no section covers offset 0x%x", ErrNotFound, offset)
}

func (p *PE) SectionFromRVA(rva uint64) (*Section, error) {
	for _, section := range p.Sections {
		if rva >= uint64(section.VirtualAddress) &&
			rva < uint64(section.VirtualAddress)+uint64(section.VirtualSize) {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: no section maps RVA 0x%x", ErrNotFound, rva)
}

func (p *PE) HasSection(name string) bool {
	_, err := p.GetSection(name)
	return err == nil
}

func (p *PE) GetSection(name string) (*Section, error) {
	for _, section := range p.Sections {
		if section.Name == name {
			return section, nil
		}
	}
	return nil, fmt.Errorf("%w: section %q", ErrNotFound, name)
}

// ImportSection is the section hosting the import directory.
func (p *PE) ImportSection() (*Section, error) {
	if !p.hasImports {
		return nil, fmt.Errorf("%w: import directory", ErrNotFound)
	}
	dir, err := p.DataDirectory(ImportTable)
	if err != nil {
		return nil, err
	}
	if dir.Section == nil {
		return nil, fmt.Errorf("%w: import directory has no section", ErrNotFound)
	}
	return dir.Section, nil
}

// SetReproducibleBuild records that a reproducible-build debug entry
// (IMAGE_DEBUG_TYPE_REPRO) was seen.
func (p *PE) SetReproducibleBuild(value bool) {
	p.reproducible = value
}
