// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"fmt"
	"math"
	"slices"
)

// makeSpaceForNewSection pushes every section's raw content forward by
// one file-aligned section-header record, freeing a header slot.
func (p *PE) makeSpaceForNewSection() {
	shift := uint32(align(sectionHeaderSize, uint64(p.OptionalHeader.FileAlignment)))
	p.log.Debug("making space for a new section header", "shift", shift)

	for _, section := range p.Sections {
		section.PointertoRawData += shift
	}
	p.availableSectionsSpace++
}

// AddSection appends a section, claiming the given role. When a section
// already carries that role it loses it first; when the header has no
// slack left every section slides forward to make room.
func (p *PE) AddSection(section *Section, sectionType SectionType) (*Section, error) {
	if p.availableSectionsSpace < 0 {
		p.makeSpaceForNewSection()
		return p.AddSection(section, sectionType)
	}

	if len(p.Sections) >= math.MaxUint16 {
		return nil, ErrTooManySections
	}

	for _, existing := range p.Sections {
		if existing.IsType(sectionType) {
			existing.RemoveType(sectionType)
			break
		}
	}

	newOne := &Section{}
	*newOne = *section
	newOne.Data = slices.Clone(section.Data)
	newOne.Padding = slices.Clone(section.Padding)

	sectionSize := uint32(len(newOne.Data))
	sectionSizeAligned := uint32(align(uint64(sectionSize), uint64(p.OptionalHeader.FileAlignment)))
	virtualSize := sectionSize
	newOne.Data = append(newOne.Data, make([]byte, sectionSizeAligned-sectionSize)...)

	newSectionOffset := uint64(p.SizeofHeaders())
	for _, s := range p.Sections {
		if end := uint64(s.PointertoRawData) + uint64(s.SizeofRawData); end > newSectionOffset {
			newSectionOffset = end
		}
	}
	newSectionOffset = align(newSectionOffset, uint64(p.OptionalHeader.FileAlignment))
	p.log.Debug("new section offset", "offset", fmt.Sprintf("0x%x", newSectionOffset))

	newSectionVA := uint64(p.OptionalHeader.SectionAlignment)
	for _, s := range p.Sections {
		if end := uint64(s.VirtualAddress) + uint64(s.VirtualSize); end > newSectionVA {
			newSectionVA = end
		}
	}
	newSectionVA = align(newSectionVA, uint64(p.OptionalHeader.SectionAlignment))
	p.log.Debug("new section VA", "va", fmt.Sprintf("0x%x", newSectionVA))

	newOne.AddType(sectionType)

	if newOne.PointertoRawData == 0 {
		newOne.PointertoRawData = uint32(newSectionOffset)
	}
	if newOne.SizeofRawData == 0 {
		newOne.SizeofRawData = sectionSizeAligned
	}
	if newOne.VirtualAddress == 0 {
		newOne.VirtualAddress = uint32(newSectionVA)
	}
	if newOne.VirtualSize == 0 {
		newOne.VirtualSize = virtualSize
	}

	switch sectionType {
	case SectionTypeText:
		newOne.AddCharacteristic(IMAGE_SCN_CNT_CODE)
		newOne.AddCharacteristic(IMAGE_SCN_MEM_EXECUTE)
		newOne.AddCharacteristic(IMAGE_SCN_MEM_READ)
		p.OptionalHeader.BaseofCode = newOne.VirtualAddress
		p.OptionalHeader.SizeofCode = newOne.SizeofRawData

	case SectionTypeData:
		newOne.AddCharacteristic(IMAGE_SCN_CNT_INITIALIZED_DATA)
		newOne.AddCharacteristic(IMAGE_SCN_MEM_READ)
		newOne.AddCharacteristic(IMAGE_SCN_MEM_WRITE)
		if p.Type == PE32 {
			p.OptionalHeader.BaseofData = newOne.VirtualAddress
		}
		p.OptionalHeader.SizeofInitializedData = newOne.SizeofRawData

	case SectionTypeImport:
		newOne.AddCharacteristic(IMAGE_SCN_MEM_READ)
		newOne.AddCharacteristic(IMAGE_SCN_MEM_EXECUTE)
		newOne.AddCharacteristic(IMAGE_SCN_MEM_WRITE)
		if dir, err := p.DataDirectory(ImportTable); err == nil {
			dir.RVA = newOne.VirtualAddress
			dir.Size = newOne.SizeofRawData
			dir.Section = newOne
		}
		if iat, err := p.DataDirectory(IAT); err == nil {
			iat.RVA = 0
			iat.Size = 0
		}

	case SectionTypeRelocation:
		if dir, err := p.DataDirectory(BaseRelocationTable); err == nil {
			dir.RVA = newOne.VirtualAddress
			dir.Size = newOne.VirtualSize
			dir.Section = newOne
		}

	case SectionTypeResource:
		if dir, err := p.DataDirectory(ResourceTable); err == nil {
			dir.RVA = newOne.VirtualAddress
			dir.Size = uint32(len(newOne.Data))
			dir.Section = newOne
		}

	case SectionTypeTLS:
		if dir, err := p.DataDirectory(TLSTable); err == nil {
			dir.RVA = newOne.VirtualAddress
			dir.Size = uint32(len(newOne.Data))
			dir.Section = newOne
		}
	}

	p.availableSectionsSpace--
	p.Sections = append(p.Sections, newOne)

	p.Header.NumberofSections = uint16(len(p.Sections))
	p.OptionalHeader.SizeofImage = uint32(p.VirtualSize())
	p.OptionalHeader.SizeofHeaders = p.SizeofHeaders()
	return newOne, nil
}

// RemoveSection deletes the section. Interior sections leave no gap: the
// previous section absorbs their raw and virtual ranges so the image
// stays contiguous.
func (p *PE) RemoveSection(section *Section, clear bool) error {
	idx := -1
	for i, s := range p.Sections {
		if s == section || (s.Name == section.Name && s.PointertoRawData == section.PointertoRawData) {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.log.Error("unable to find section", "name", section.Name)
		return fmt.Errorf("%w: section %q", ErrNotFound, section.Name)
	}
	toRemove := p.Sections[idx]

	if idx > 0 && idx < len(p.Sections)-1 {
		previous := p.Sections[idx-1]
		rawGap := (uint64(toRemove.PointertoRawData) + uint64(toRemove.SizeofRawData)) -
			(uint64(previous.PointertoRawData) + uint64(previous.SizeofRawData))
		previous.SizeofRawData += uint32(rawGap)

		virtualGap := (uint64(toRemove.VirtualAddress) + uint64(toRemove.VirtualSize)) -
			(uint64(previous.VirtualAddress) + uint64(previous.VirtualSize))
		previous.VirtualSize += uint32(virtualGap)
	}

	if clear {
		for i := range toRemove.Data {
			toRemove.Data[i] = 0
		}
	}

	for _, dir := range p.DataDirectories {
		if dir.Section == toRemove {
			dir.Section = nil
		}
	}

	p.Sections = slices.Delete(p.Sections, idx, idx+1)
	p.availableSectionsSpace++

	p.Header.NumberofSections = uint16(len(p.Sections))
	p.OptionalHeader.SizeofHeaders = p.SizeofHeaders()
	p.OptionalHeader.SizeofImage = uint32(p.VirtualSize())
	return nil
}

func (p *PE) RemoveSectionByName(name string, clear bool) error {
	section, err := p.GetSection(name)
	if err != nil {
		p.log.Error("unable to find section", "name", name)
		return err
	}
	return p.RemoveSection(section, clear)
}
