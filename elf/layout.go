// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"fmt"
	"slices"
)

// AddSection appends a section to the model. A loaded section is wrapped
// in a fresh PT_LOAD placed by AddSegment at the page-aligned end of the
// file; without an address of its own it is mapped at NextVirtualAddress()
// plus that file offset. No existing PT_LOAD is extended. An unloaded
// section only claims file space past everything else.
func (e *Elf) AddSection(section *SectionHeader, loaded bool) (*SectionHeader, error) {
	newOne := &SectionHeader{}
	*newOne = *section
	newOne.Data = slices.Clone(section.Data)

	if loaded {
		segment := &ProgramHeader{
			Type:     PT_LOAD,
			Flags:    PF_R,
			VAddr:    newOne.Address,
			MemSize:  uint64(len(newOne.Data)),
			FileSize: uint64(len(newOne.Data)),
			Align:    pageSize,
			Data:     slices.Clone(newOne.Data),
		}
		if newOne.Flags&SHF_EXECINSTR != 0 {
			segment.Flags |= PF_X
		}
		if newOne.Flags&SHF_WRITE != 0 {
			segment.Flags |= PF_W
		}
		placed, err := e.AddSegment(segment, newOne.Address)
		if err != nil {
			return nil, err
		}
		newOne.Offset = placed.Offset
		newOne.Address = placed.VAddr
		newOne.Size = uint64(len(newOne.Data))
		placed.sections = append(placed.sections, newOne)
	} else {
		last := e.LastOffsetSection()
		if lastSeg := e.LastOffsetSegment(); lastSeg > last {
			last = lastSeg
		}
		newOne.Offset = last
		newOne.Size = uint64(len(newOne.Data))
		e.handler.MakeHole(newOne.Offset, newOne.Size)
		if e.secHdrOffset >= newOne.Offset {
			e.secHdrOffset += newOne.Size
		}
	}

	e.handler.Add(Node{Offset: newOne.Offset, Size: newOne.Size, Kind: NodeSection})
	e.Sections = append(e.Sections, newOne)
	e.secHdrCount = uint16(len(e.Sections))
	return newOne, nil
}

// RemoveSection removes the section by value equality, detaching it from
// every segment and repairing the link index of every survivor.
func (e *Elf) RemoveSection(section *SectionHeader, clear bool) error {
	idx := -1
	for i, s := range e.Sections {
		if s == section || (s.Name == section.Name && s.Offset == section.Offset && s.Size == section.Size) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: section %q", ErrNotFound, section.Name)
	}
	target := e.Sections[idx]

	for _, segment := range e.Segments {
		segment.sections = slices.DeleteFunc(segment.sections, func(s *SectionHeader) bool {
			return s == target
		})
	}

	for _, s := range e.Sections {
		if s.Link == uint32(idx) {
			s.Link = 0
			continue
		}
		if s.Link > uint32(idx) {
			s.Link--
		}
	}

	if clear {
		for i := range target.Data {
			target.Data[i] = 0
		}
	}

	e.handler.Remove(target.Offset, target.Size, NodeSection)

	e.Sections = slices.Delete(e.Sections, idx, idx+1)
	e.secHdrCount = uint16(len(e.Sections))
	if uint16(idx) < e.secHdrStrIdx {
		e.secHdrStrIdx--
	}
	return nil
}

func (e *Elf) RemoveSectionByName(name string, clear bool) error {
	section, err := e.GetSection(name)
	if err != nil {
		return err
	}
	return e.RemoveSection(section, clear)
}

// ExtendSection grows the section by size bytes, shifting everything at
// or past the cut and repairing every table that holds addresses.
func (e *Elf) ExtendSection(section *SectionHeader, size uint64) error {
	if !slices.Contains(e.Sections, section) {
		return fmt.Errorf("%w: section %q", ErrNotFound, section.Name)
	}

	fromOffset := section.Offset + section.Size
	fromAddress := section.Address + section.Size
	loaded := section.Address != 0
	shift := size

	e.handler.MakeHole(fromOffset, size)

	e.shiftSections(fromOffset, shift)
	e.shiftSegments(fromOffset, shift)

	// Segments straddling the cut absorb it instead of moving.
	for _, segment := range e.Segments {
		if segment.Offset+segment.FileSize >= fromOffset && fromOffset >= segment.Offset {
			if loaded {
				segment.MemSize += shift
			}
			segment.FileSize += shift
		}
	}

	section.Size += size
	section.Data = append(section.Data, make([]byte, size)...)

	e.secHdrOffset += shift

	if loaded {
		e.shiftDynamicEntries(fromAddress, shift)
		e.shiftSymbols(fromAddress, shift)
		e.shiftRelocations(fromAddress, shift)
		e.fixGotEntries(fromAddress, shift)

		if e.Entry >= fromAddress {
			e.Entry += shift
		}
	}
	return nil
}

// ExtendSegment grows a PT_LOAD (or PT_PHDR) segment in place.
func (e *Elf) ExtendSegment(segment *ProgramHeader, size uint64) error {
	if segment.Type != PT_LOAD && segment.Type != PT_PHDR {
		return fmt.Errorf("%w: extending segment of type 0x%x", ErrNotImplemented, uint32(segment.Type))
	}
	if !slices.Contains(e.Segments, segment) {
		return fmt.Errorf("%w: segment", ErrNotFound)
	}

	fromOffset := segment.Offset + segment.FileSize
	fromAddress := segment.VAddr + segment.MemSize
	shift := size

	e.handler.MakeHole(fromOffset, size)

	e.shiftSections(fromOffset, shift)
	e.shiftSegments(fromOffset, shift)

	segment.FileSize += shift
	segment.MemSize += shift
	segment.Data = append(segment.Data, make([]byte, size)...)

	e.secHdrOffset += shift

	e.shiftDynamicEntries(fromAddress, shift)
	e.shiftSymbols(fromAddress, shift)
	e.shiftRelocations(fromAddress, shift)
	e.fixGotEntries(fromAddress, shift)

	if e.Entry >= fromAddress {
		e.Entry += shift
	}
	return nil
}

// AddSegment places a segment at the end of the file. A zero base means
// the next free virtual address. Only ET_EXEC and ET_DYN layouts are
// understood.
func (e *Elf) AddSegment(segment *ProgramHeader, base uint64) (*ProgramHeader, error) {
	switch e.Type {
	case ET_EXEC, ET_DYN:
	default:
		return nil, fmt.Errorf("%w: adding a segment to a %d file", ErrNotImplemented, e.Type)
	}

	if base == 0 {
		base = e.NextVirtualAddress()
	}

	if e.phdrReloc.NbSegments == 0 {
		if _, err := e.RelocatePhdrTable(); err != nil {
			return nil, err
		}
	}
	e.phdrReloc.NbSegments--

	newOne := &ProgramHeader{}
	*newOne = *segment
	newOne.Data = slices.Clone(segment.Data)

	lastOffset := e.LastOffsetSection()
	if lastSeg := e.LastOffsetSegment(); lastSeg > lastOffset {
		lastOffset = lastSeg
	}
	lastOffsetAligned := align(lastOffset, pageSize)

	segmentSize := align(uint64(len(newOne.Data)), pageSize)
	newOne.Data = append(newOne.Data, make([]byte, segmentSize-uint64(len(newOne.Data)))...)

	newOne.Offset = lastOffsetAligned
	if newOne.VAddr == 0 {
		newOne.VAddr = base + lastOffsetAligned
	}
	newOne.PAddr = newOne.VAddr
	newOne.FileSize = segmentSize
	if newOne.MemSize < segmentSize {
		newOne.MemSize = segmentSize
	}
	if newOne.Align == 0 {
		newOne.Align = pageSize
	}

	e.handler.MakeHole(lastOffsetAligned, segmentSize)
	e.handler.Add(Node{Offset: newOne.Offset, Size: newOne.FileSize, Kind: NodeSegment})

	if e.secHdrOffset >= lastOffsetAligned {
		e.secHdrOffset += segmentSize
	}

	e.insertSegment(newOne)
	return newOne, nil
}

// insertSegment keeps segments of the same type adjacent, appending after
// the last one of the new segment's type.
func (e *Elf) insertSegment(segment *ProgramHeader) {
	idx := len(e.Segments)
	for i := len(e.Segments) - 1; i >= 0; i-- {
		if e.Segments[i].Type == segment.Type {
			idx = i + 1
			break
		}
	}
	e.Segments = slices.Insert(e.Segments, idx, segment)
	e.progHdrCount = uint16(len(e.Segments))
}

// ReplaceSegment voids the original segment and materializes the new one
// at the page-aligned end of the file. The PT_PHDR content is zeroed and
// the section header table moves past the new segment.
func (e *Elf) ReplaceSegment(newSegment *ProgramHeader, original *ProgramHeader, base uint64) (*ProgramHeader, error) {
	idx := slices.Index(e.Segments, original)
	if idx < 0 {
		return nil, fmt.Errorf("%w: segment to replace", ErrNotFound)
	}

	if base == 0 {
		base = e.NextVirtualAddress()
	}

	newOne := &ProgramHeader{}
	*newOne = *newSegment
	content := slices.Clone(newSegment.Data)

	e.handler.Add(Node{Offset: newOne.Offset, Size: newOne.FileSize, Kind: NodeSegment})

	lastOffset := e.LastOffsetSection()
	if lastSeg := e.LastOffsetSegment(); lastSeg > lastOffset {
		lastOffset = lastSeg
	}
	lastOffsetAligned := align(lastOffset, pageSize)
	newOne.Offset = lastOffsetAligned

	if newOne.VAddr == 0 {
		newOne.VAddr = base + lastOffsetAligned
	}
	newOne.PAddr = newOne.VAddr

	segmentSize := align(uint64(len(content)), pageSize)
	content = append(content, make([]byte, segmentSize-uint64(len(content)))...)

	newOne.FileSize = segmentSize
	newOne.MemSize = segmentSize
	if newOne.Align == 0 {
		newOne.Align = pageSize
	}

	e.handler.MakeHole(lastOffsetAligned, newOne.FileSize)
	newOne.Data = content

	if phdrSegment, err := e.GetSegmentType(PT_PHDR); err == nil {
		phdrSegment.Data = make([]byte, len(phdrSegment.Data))
	}

	e.handler.Remove(original.Offset, original.FileSize, NodeSegment)
	e.Segments = slices.Delete(e.Segments, idx, idx+1)

	e.secHdrOffset = newOne.Offset + newOne.FileSize

	e.Segments = append(e.Segments, newOne)
	e.progHdrCount = uint16(len(e.Segments))
	return newOne, nil
}

// RemoveSegment forgets the segment. When the PHDR table has already been
// relocated, the freed slot goes back to the reservation.
func (e *Elf) RemoveSegment(segment *ProgramHeader) error {
	idx := slices.Index(e.Segments, segment)
	if idx < 0 {
		return fmt.Errorf("%w: segment", ErrNotFound)
	}

	e.handler.Remove(segment.Offset, segment.FileSize, NodeSegment)
	if e.phdrReloc.NewOffset > 0 {
		e.phdrReloc.NbSegments++
	}
	e.Segments = slices.Delete(e.Segments, idx, idx+1)
	e.progHdrCount = uint16(len(e.Segments))
	return nil
}

// Shift primitives. Each one adds shift to every address or offset at or
// past the cut point.

func (e *Elf) shiftSections(from uint64, shift uint64) {
	e.log.Debug("shift sections", "from", from, "shift", shift)
	for _, section := range e.Sections {
		if section.Offset >= from {
			section.Offset += shift
			if section.Address > 0 {
				section.Address += shift
			}
		}
	}
}

func (e *Elf) shiftSegments(from uint64, shift uint64) {
	e.log.Debug("shift segments", "from", from, "shift", shift)
	for _, segment := range e.Segments {
		if segment.Offset >= from {
			segment.Offset += shift
			segment.VAddr += shift
			segment.PAddr += shift
		}
	}
}

// addressTags are the dynamic tags whose value is a virtual address.
var addressTags = []DynamicTag{
	DT_PLTGOT, DT_HASH, DT_GNU_HASH, DT_STRTAB, DT_SYMTAB,
	DT_RELA, DT_REL, DT_JMPREL, DT_INIT, DT_FINI,
	DT_VERSYM, DT_VERDEF, DT_VERNEED,
}

func (e *Elf) shiftDynamicEntries(from uint64, shift uint64) {
	e.log.Debug("shift dynamic entries", "from", from, "shift", shift)
	for _, entry := range e.DynamicEntries {
		switch entry.Tag {
		case DT_INIT_ARRAY, DT_FINI_ARRAY, DT_PREINIT_ARRAY:
			for i, address := range entry.Array {
				if address < from {
					continue
				}
				// Sentinel values (-1) stay untouched.
				if e.Class == ELFCLASS32 {
					if int32(address) > 0 {
						entry.Array[i] = address + shift
					}
				} else {
					if int64(address) > 0 {
						entry.Array[i] = address + shift
					}
				}
			}
			if entry.Value >= from {
				entry.Value += shift
			}
		default:
			if slices.Contains(addressTags, entry.Tag) && entry.Value >= from {
				entry.Value += shift
			}
		}
	}
}

func (e *Elf) shiftSymbols(from uint64, shift uint64) {
	e.log.Debug("shift symbols", "from", from, "shift", shift)
	for _, symbol := range e.Symbols() {
		if symbol.Value >= from {
			symbol.Value += shift
		}
	}
}

func (e *Elf) shiftRelocations(from uint64, shift uint64) {
	e.log.Debug("shift relocations", "machine", e.Machine, "from", from, "shift", shift)
	switch e.Machine {
	case EM_ARM:
		e.patchRelocations(from, shift, func(t uint32) bool {
			return t == uint32(R_ARM_RELATIVE) || t == uint32(R_ARM_ABS32) || t == uint32(R_ARM_IRELATIVE)
		})
	case EM_AARCH64:
		e.patchRelocations(from, shift, func(t uint32) bool {
			return t == uint32(R_AARCH64_RELATIVE) || t == uint32(R_AARCH64_ABS64) || t == uint32(R_AARCH64_IRELATIVE)
		})
	case EM_X86_64:
		e.patchRelocations(from, shift, func(t uint32) bool {
			return t == uint32(R_X86_64_RELATIVE) || t == uint32(R_X86_64_64) || t == uint32(R_X86_64_IRELATIVE)
		})
	case EM_386:
		e.patchRelocations(from, shift, func(t uint32) bool {
			return t == uint32(R_386_RELATIVE) || t == uint32(R_386_32) || t == uint32(R_386_IRELATIVE)
		})
	case EM_PPC:
		e.patchRelocations(from, shift, func(t uint32) bool {
			return t == uint32(R_PPC_RELATIVE) || t == uint32(R_PPC_ADDR32)
		})
	default:
		// PPC64 and RISC-V relocation layouts are not modeled yet.
		e.log.Debug("relocations for architecture not handled", "machine", e.Machine)
	}
}

// patchRelocations moves relocation addresses past the cut and rewrites
// the addend (or the in-place slot for REL records) of the types whose
// payload is itself an address.
func (e *Elf) patchRelocations(from uint64, shift uint64, addressBearing func(uint32) bool) {
	for _, relocation := range e.Relocations {
		if relocation.Address >= from {
			relocation.Address += shift
		}
		if !addressBearing(relocation.Type) {
			continue
		}
		if relocation.IsRela {
			if relocation.Addend >= int64(from) {
				relocation.Addend += int64(shift)
			}
		} else {
			e.patchImplicitAddend(relocation.Address, from, shift)
		}
	}
}

// patchImplicitAddend rewrites the word stored at a REL relocation's
// target when that word points past the cut.
func (e *Elf) patchImplicitAddend(address uint64, from uint64, shift uint64) {
	wordSize := uint64(8)
	if e.Class == ELFCLASS32 {
		wordSize = 4
	}
	raw, err := e.GetContentFromVirtualAddress(address, wordSize)
	if err != nil || uint64(len(raw)) < wordSize {
		e.log.Warn("can't rewrite relocation target", "address", fmt.Sprintf("0x%x", address))
		return
	}
	order := e.GetByteOrder()
	var value uint64
	if wordSize == 4 {
		value = uint64(order.Uint32(raw))
	} else {
		value = order.Uint64(raw)
	}
	if value < from {
		return
	}
	if err := e.PatchAddressValue(address, value+shift, wordSize); err != nil {
		e.log.Warn("can't rewrite relocation target", "address", fmt.Sprintf("0x%x", address))
	}
}

// fixGotEntries rewrites the GOT slots that point past the cut.
func (e *Elf) fixGotEntries(from uint64, shift uint64) {
	got, err := e.GetDynamicEntry(DT_PLTGOT)
	if err != nil {
		return
	}
	gotVA := got.Value
	section, err := e.SectionFromVirtualAddress(gotVA, true)
	if err != nil {
		e.log.Warn("can't find section hosting the GOT", "address", fmt.Sprintf("0x%x", gotVA))
		return
	}
	wordSize := 8
	if e.Class == ELFCLASS32 {
		wordSize = 4
	}
	order := e.GetByteOrder()
	data := section.Data
	for pos := 0; pos+wordSize <= len(data); pos += wordSize {
		var value uint64
		if wordSize == 4 {
			value = uint64(order.Uint32(data[pos:]))
		} else {
			value = order.Uint64(data[pos:])
		}
		if value == 0 || value < from {
			continue
		}
		value += shift
		if wordSize == 4 {
			order.PutUint32(data[pos:], uint32(value))
		} else {
			order.PutUint64(data[pos:], value)
		}
	}
	e.syncSegmentsFromSection(section)
}

// syncSegmentsFromSection copies a section's bytes back into every
// segment whose file range covers it, keeping both views of the image in
// agreement.
func (e *Elf) syncSegmentsFromSection(section *SectionHeader) {
	if section.Type == SHT_NOBITS {
		return
	}
	for _, segment := range e.Segments {
		if section.Offset >= segment.Offset &&
			section.Offset+section.Size <= segment.Offset+segment.FileSize {
			start := section.Offset - segment.Offset
			if start+section.Size <= uint64(len(segment.Data)) {
				copy(segment.Data[start:start+section.Size], section.Data)
			}
		}
	}
}
