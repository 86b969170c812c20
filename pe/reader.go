// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
)

// ReadPE populates a model from the raw image, capturing the padding
// regions the authentihash assembler replays verbatim: the gap between
// the section table and the first section body, each section's tail up
// to its successor, and the overlay. A nil logger means slog.Default().
func ReadPE(r io.ReadSeeker, logger *slog.Logger) (error, *PE) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PE{
		log:   logger,
		hooks: make(map[string]map[string]uint64),
	}

	fileSize, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return err, nil
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err, nil
	}

	if err := binary.Read(r, binary.LittleEndian, &p.DosHeader); err != nil {
		return err, nil
	}
	if p.DosHeader.Magic != 0x5A4D {
		return errors.New("invalid DOS magic"), nil
	}

	stubSize := int64(p.DosHeader.AddressofNewExeheader) - dosHeaderSize
	if stubSize < 0 {
		return fmt.Errorf("%w: PE header overlaps the DOS header", ErrCorrupted), nil
	}
	p.DosStub = make([]byte, stubSize)
	if _, err := io.ReadFull(r, p.DosStub); err != nil {
		return err, nil
	}

	if err := binary.Read(r, binary.LittleEndian, &p.Header); err != nil {
		return err, nil
	}
	if p.Header.Signature != 0x4550 {
		return errors.New("invalid PE signature"), nil
	}

	var magic uint16
	pos, _ := r.Seek(0, io.SeekCurrent)
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return err, nil
	}
	r.Seek(pos, io.SeekStart)
	p.Type = PEType(magic)
	if p.Type != PE32 && p.Type != PE32Plus {
		return fmt.Errorf("%w: optional header magic 0x%x", ErrCorrupted, magic), nil
	}

	if err := p.readOptionalHeader(r); err != nil {
		return err, nil
	}

	dirCount := int(p.OptionalHeader.NumberofRVAAndSize)
	if dirCount > int(numberofDataDirectories) {
		dirCount = int(numberofDataDirectories)
	}
	for i := 0; i < dirCount; i++ {
		var rva, size uint32
		if err := binary.Read(r, binary.LittleEndian, &rva); err != nil {
			return err, nil
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return err, nil
		}
		p.DataDirectories = append(p.DataDirectories, &DataDirectory{
			Type: DataDirectoryType(i), RVA: rva, Size: size,
		})
	}

	for i := 0; i < int(p.Header.NumberofSections); i++ {
		err, section := p.readSectionHeader(r)
		if err != nil {
			return err, nil
		}
		p.Sections = append(p.Sections, section)
	}

	// The unstructured bytes between the section table and the first
	// section body participate in the authentihash.
	tableEnd, _ := r.Seek(0, io.SeekCurrent)
	firstContent := fileSize
	for _, section := range p.Sections {
		if section.SizeofRawData > 0 && int64(section.PointertoRawData) < firstContent {
			firstContent = int64(section.PointertoRawData)
		}
	}
	if firstContent > tableEnd {
		p.sectionOffsetPadding = make([]byte, firstContent-tableEnd)
		if _, err := io.ReadFull(r, p.sectionOffsetPadding); err != nil {
			return err, nil
		}
	}

	// Section bodies, each with its padding up to the next body.
	ordered := make([]*Section, len(p.Sections))
	copy(ordered, p.Sections)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PointertoRawData < ordered[j].PointertoRawData
	})

	lastEnd := int64(0)
	for i, section := range ordered {
		if section.SizeofRawData == 0 {
			continue
		}
		end := int64(section.PointertoRawData) + int64(section.SizeofRawData)
		if end > fileSize {
			return fmt.Errorf("%w: section %q extends past the file", ErrCorrupted, section.Name), nil
		}
		section.Data = make([]byte, section.SizeofRawData)
		if _, err := r.Seek(int64(section.PointertoRawData), io.SeekStart); err != nil {
			return err, nil
		}
		if _, err := io.ReadFull(r, section.Data); err != nil {
			return err, nil
		}

		// The gap up to the next section body is this section's padding;
		// whatever trails the last body belongs to the overlay instead.
		next := end
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].SizeofRawData > 0 {
				next = int64(ordered[j].PointertoRawData)
				break
			}
		}
		if next > end {
			section.Padding = make([]byte, next-end)
			if _, err := io.ReadFull(r, section.Padding); err != nil {
				return err, nil
			}
		}
		if e := int64(section.PointertoRawData) + int64(len(section.Data)) + int64(len(section.Padding)); e > lastEnd {
			lastEnd = e
		}
	}

	// Overlay: whatever trails the last section body.
	if lastEnd > 0 && lastEnd < fileSize {
		p.overlayOffset = uint64(lastEnd)
		p.Overlay = make([]byte, fileSize-lastEnd)
		if _, err := r.Seek(lastEnd, io.SeekStart); err != nil {
			return err, nil
		}
		if _, err := io.ReadFull(r, p.Overlay); err != nil {
			return err, nil
		}
	}

	// Bind directories to their hosting sections.
	for _, dir := range p.DataDirectories {
		if dir.RVA == 0 {
			continue
		}
		if section, err := p.SectionFromRVA(uint64(dir.RVA)); err == nil {
			dir.Section = section
		}
	}

	p.hasRelocations = p.HasDataDirectory(BaseRelocationTable) &&
		p.DataDirectories[BaseRelocationTable].RVA > 0
	p.hasDebug = p.HasDataDirectory(DebugTable) && p.DataDirectories[DebugTable].RVA > 0

	if err := p.readImports(); err != nil {
		p.log.Warn("failed to parse the import directory", "error", err)
	}

	sizeofHeaders := int(p.DosHeader.AddressofNewExeheader) + peHeaderSize +
		p.optionalHeaderSize() + dirCount*dataDirectorySize
	p.availableSectionsSpace = (0x200-sizeofHeaders)/sectionHeaderSize - len(p.Sections)

	return nil, p
}

// readImports walks the import descriptor table.
func (p *PE) readImports() error {
	dir, err := p.DataDirectory(ImportTable)
	if err != nil || dir.RVA == 0 {
		return nil
	}

	ptrSize := uint64(8)
	if p.Type == PE32 {
		ptrSize = 4
	}
	ordinalBit := uint64(1) << (ptrSize*8 - 1)

	for rva := uint64(dir.RVA); ; rva += importDescriptorSize {
		raw, err := p.GetContentFromVirtualAddress(rva, importDescriptorSize, AddrRVA)
		if err != nil || len(raw) < importDescriptorSize {
			return err
		}
		lookupRVA := binary.LittleEndian.Uint32(raw)
		timestamp := binary.LittleEndian.Uint32(raw[4:])
		forwarder := binary.LittleEndian.Uint32(raw[8:])
		nameRVA := binary.LittleEndian.Uint32(raw[12:])
		iatRVA := binary.LittleEndian.Uint32(raw[16:])
		if lookupRVA == 0 && nameRVA == 0 && iatRVA == 0 {
			break
		}

		imp := &Import{
			ImportLookupTableRVA:  lookupRVA,
			TimeDateStamp:         timestamp,
			ForwarderChain:        forwarder,
			ImportAddressTableRVA: iatRVA,
		}
		if name, err := p.readCString(uint64(nameRVA)); err == nil {
			imp.Name = name
		}

		tableRVA := uint64(lookupRVA)
		if tableRVA == 0 {
			tableRVA = uint64(iatRVA)
		}
		for slot := uint64(0); tableRVA != 0; slot++ {
			raw, err := p.GetContentFromVirtualAddress(tableRVA+slot*ptrSize, ptrSize, AddrRVA)
			if err != nil || uint64(len(raw)) < ptrSize {
				break
			}
			var value uint64
			if ptrSize == 4 {
				value = uint64(binary.LittleEndian.Uint32(raw))
			} else {
				value = binary.LittleEndian.Uint64(raw)
			}
			if value == 0 {
				break
			}
			entry := &ImportEntry{
				IATValue:   value,
				IATAddress: p.OptionalHeader.ImageBase + uint64(iatRVA) + slot*ptrSize,
			}
			if value&ordinalBit != 0 {
				entry.IsOrdinal = true
				entry.Ordinal = uint16(value)
			} else {
				entry.HintNameRVA = value
				if name, err := p.readCString(value + 2); err == nil {
					entry.Name = name
				}
			}
			imp.Entries = append(imp.Entries, entry)
		}

		p.Imports = append(p.Imports, imp)
	}

	p.hasImports = len(p.Imports) > 0
	return nil
}

func (p *PE) readCString(rva uint64) (string, error) {
	section, err := p.SectionFromRVA(rva)
	if err != nil {
		return "", err
	}
	offset := rva - uint64(section.VirtualAddress)
	out := make([]byte, 0, 16)
	for offset < uint64(len(section.Data)) {
		b := section.Data[offset]
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
		offset++
	}
	return "", fmt.Errorf("%w: unterminated string at RVA 0x%x", ErrCorrupted, rva)
}
