// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"fmt"
)

// The minimum number of free slots a candidate cave must hold for the v1
// relocator to accept it.
const minPotentialSize = 2

// Number of user segments the v2 relocator reserves on top of the
// existing table.
const v2UserSegments = 10

// RelocatePhdrTable moves (or grows) the program-header table so that
// further AddSegment calls find a free slot. The PIE policy applies to
// ET_DYN binaries; the v1 and v2 policies are tried in order otherwise.
// All policies are idempotent: the first successful relocation is cached
// and returned thereafter.
func (e *Elf) RelocatePhdrTable() (uint64, error) {
	if e.Type == ET_DYN {
		offset, err := e.relocatePhdrTablePIE()
		if err == nil {
			return offset, nil
		}
		e.log.Error("can't relocate phdr table for this PIE binary", "error", err)
	}

	e.log.Debug("try v1 relocator")
	if offset, err := e.relocatePhdrTableV1(); err == nil {
		return offset, nil
	}
	e.log.Debug("try v2 relocator")
	if offset, err := e.relocatePhdrTableV2(); err == nil {
		return offset, nil
	}
	return 0, fmt.Errorf("%w: can't relocate the phdr table for this binary", ErrNotImplemented)
}

// relocatePhdrTablePIE reserves a fixed 0x1000-byte hole right after the
// current table. ET_DYN binaries tolerate the whole-image shift, and the
// page-sized hole keeps AArch64 ADRP relationships intact.
func (e *Elf) relocatePhdrTablePIE() (uint64, error) {
	if e.phdrReloc.NewOffset > 0 {
		// Already relocated.
		return e.phdrReloc.NewOffset, nil
	}

	phdrSize := uint64(e.sizeProgramHeader())
	from := e.progHdrOffset + phdrSize*uint64(len(e.Segments))

	const shift = uint64(0x1000)

	e.phdrReloc.NewOffset = from
	e.phdrReloc.NbSegments = int(shift/phdrSize) - len(e.Segments)

	e.handler.MakeHole(from, shift)

	e.secHdrOffset += shift

	e.shiftSections(from, shift)
	e.shiftSegments(from, shift)

	// Segments straddling the hole absorb it.
	for _, segment := range e.Segments {
		if segment.Offset+segment.FileSize >= from && from >= segment.Offset {
			segment.MemSize += shift
			segment.FileSize += shift
		}
	}

	e.shiftDynamicEntries(from, shift)
	e.shiftSymbols(from, shift)
	e.shiftRelocations(from, shift)
	e.fixGotEntries(from, shift)

	if e.Entry >= from {
		e.Entry += shift
	}
	return e.phdrReloc.NewOffset, nil
}

// relocatePhdrTableV1 finds the largest cave between two adjacent
// PT_LOAD segments, extends the lower one over it, and re-points PT_PHDR
// inside.
func (e *Elf) relocatePhdrTableV1() (uint64, error) {
	if e.phdrReloc.NewOffset > 0 {
		return e.phdrReloc.NewOffset, nil
	}

	phdrSize := uint64(e.sizeProgramHeader())

	var loadSegments []*ProgramHeader
	for _, segment := range e.Segments {
		if segment.Type == PT_LOAD {
			loadSegments = append(loadSegments, segment)
		}
	}

	// Take the two adjacent segments with the largest cave between them.
	var segToExtend, nextToExtend *ProgramHeader
	var potentialSize uint64
	for i := 0; i < len(loadSegments)-1; i++ {
		current := loadSegments[i]
		// bss-like segments have no on-disk tail to extend over.
		if current.MemSize != current.FileSize {
			e.log.Debug("skipping .bss like segment", "vaddr", current.VAddr)
			continue
		}
		adjacent := loadSegments[i+1]
		gap := adjacent.Offset - (current.Offset + current.FileSize)
		nbSegGap := gap / phdrSize
		if nbSegGap > potentialSize {
			segToExtend = current
			nextToExtend = adjacent
			potentialSize = nbSegGap
		}
	}

	if segToExtend == nil || nextToExtend == nil {
		e.log.Debug("can't find a suitable segment (v1)")
		return 0, fmt.Errorf("%w: no suitable inter-segment cave", ErrNotFound)
	}
	if potentialSize < minPotentialSize {
		e.log.Debug("the number of available segments is too small",
			"available", potentialSize, "needed", minPotentialSize)
		return 0, fmt.Errorf("%w: cave too small", ErrNotFound)
	}

	newPhdrOffset := segToExtend.Offset + segToExtend.FileSize
	delta := nextToExtend.Offset - (segToExtend.Offset + segToExtend.FileSize)
	nbSegments := int(delta/phdrSize) - len(e.Segments)
	if nbSegments < len(e.Segments) {
		e.log.Debug("the layout of this binary does not enable to relocate the segment table (v1)")
		return 0, fmt.Errorf("%w: cave too small", ErrNotFound)
	}

	e.phdrReloc.NewOffset = newPhdrOffset
	e.phdrReloc.NbSegments = nbSegments
	e.progHdrOffset = newPhdrOffset

	segToExtend.FileSize += delta
	segToExtend.MemSize += delta
	segToExtend.Data = append(segToExtend.Data, make([]byte, delta)...)

	if phdrSegment, err := e.GetSegmentType(PT_PHDR); err == nil {
		base := segToExtend.VAddr - segToExtend.Offset
		phdrSegment.Offset = newPhdrOffset
		phdrSegment.VAddr = base + phdrSegment.Offset
		phdrSegment.PAddr = phdrSegment.VAddr
		phdrSegment.Data = make([]byte, phdrSegment.FileSize)
	}
	return e.phdrReloc.NewOffset, nil
}

// relocatePhdrTableV2 handles the no-cave case: materialize the unique
// bss-like segment's zero tail on disk, put the table right after it, and
// wrap the table in a new read-only PT_LOAD with room for ten user
// segments.
func (e *Elf) relocatePhdrTableV2() (uint64, error) {
	if e.phdrReloc.NewOffset > 0 {
		return e.phdrReloc.NewOffset, nil
	}

	phdrSize := uint64(e.sizeProgramHeader())

	var bssSegment *ProgramHeader
	bssCount := 0
	for _, segment := range e.Segments {
		if segment.Type == PT_LOAD && segment.FileSize < segment.MemSize {
			bssSegment = segment
			bssCount++
		}
	}
	if bssCount != 1 || bssSegment == nil {
		e.log.Error("zero or more than 1 bss-like segment")
		return 0, fmt.Errorf("%w: need exactly one bss-like segment", ErrNotFound)
	}

	// The mapped bss area must read as zeroes, so its on-disk image is
	// expanded before anything lands after it.
	originalFileSize := bssSegment.FileSize
	newPhdrOffset := bssSegment.Offset + bssSegment.MemSize
	e.phdrReloc.NewOffset = newPhdrOffset
	e.progHdrOffset = newPhdrOffset

	deltaPa := bssSegment.MemSize - bssSegment.FileSize
	nbSegments := uint64(len(e.Segments)) + 1 + v2UserSegments

	e.phdrReloc.NbSegments = v2UserSegments
	e.handler.MakeHole(bssSegment.Offset+bssSegment.FileSize, deltaPa)
	bssSegment.FileSize = bssSegment.MemSize
	bssSegment.Data = append(bssSegment.Data, make([]byte, deltaPa)...)

	newSegment := &ProgramHeader{
		Type:     PT_LOAD,
		Flags:    PF_R,
		Offset:   newPhdrOffset,
		VAddr:    e.ImageBase() + newPhdrOffset,
		MemSize:  nbSegments * phdrSize,
		FileSize: nbSegments * phdrSize,
		Align:    0x1000,
		Data:     make([]byte, nbSegments*phdrSize),
	}
	newSegment.PAddr = newSegment.VAddr

	e.handler.Add(Node{Offset: newPhdrOffset, Size: nbSegments * phdrSize, Kind: NodeSegment})
	e.insertSegment(newSegment)

	if phdrSegment, err := e.GetSegmentType(PT_PHDR); err == nil {
		phdrSegment.Offset = newSegment.Offset
		phdrSegment.VAddr = newSegment.VAddr
		phdrSegment.PAddr = newSegment.PAddr
		phdrSegment.Data = make([]byte, phdrSegment.FileSize)
	}

	// Shift what lived past the original bss tail.
	from := bssSegment.Offset + originalFileSize
	shift := deltaPa + nbSegments*phdrSize
	e.secHdrOffset += shift

	for _, section := range e.Sections {
		if section.Offset >= from && section.Type != SHT_NOBITS {
			section.Offset += shift
			if section.Address > 0 {
				section.Address += shift
			}
		}
	}
	return e.phdrReloc.NewOffset, nil
}
