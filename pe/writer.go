// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
)

// Write emits the image the model describes, keeping every captured
// padding region byte for byte, the section bodies at their recorded
// offsets, and the overlay at the tail.
func (p *PE) Write(w io.Writer) error {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, &p.DosHeader); err != nil {
		return err
	}
	buf.Write(p.DosStub)

	p.Header.NumberofSections = uint16(len(p.Sections))
	if err := binary.Write(&buf, binary.LittleEndian, &p.Header); err != nil {
		return err
	}
	if err := p.writeOptionalHeader(&buf); err != nil {
		return err
	}
	for _, dir := range p.DataDirectories {
		binary.Write(&buf, binary.LittleEndian, dir.RVA)
		binary.Write(&buf, binary.LittleEndian, dir.Size)
	}
	for _, section := range p.Sections {
		if err := p.writeSectionHeader(&buf, section); err != nil {
			return err
		}
	}
	buf.Write(p.sectionOffsetPadding)

	ordered := make([]*Section, len(p.Sections))
	copy(ordered, p.Sections)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PointertoRawData < ordered[j].PointertoRawData
	})

	image := buf.Bytes()
	emit := func(offset uint64, data []byte) {
		end := int(offset) + len(data)
		if end > len(image) {
			grown := make([]byte, end)
			copy(grown, image)
			image = grown
		}
		copy(image[offset:], data)
	}

	for _, section := range ordered {
		if section.SizeofRawData == 0 {
			continue
		}
		emit(uint64(section.PointertoRawData), section.Data)
		emit(uint64(section.PointertoRawData)+uint64(len(section.Data)), section.Padding)
	}

	if len(p.Overlay) > 0 {
		offset := p.overlayOffset
		if offset == 0 {
			offset = uint64(len(image))
		}
		emit(offset, p.Overlay)
	}

	_, err := w.Write(image)
	return err
}
