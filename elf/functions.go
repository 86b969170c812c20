// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Function is a discovered function: an address and a best-effort size
// and name.
type Function struct {
	Name    string
	Address uint64
	Size    uint64
}

// Functions unions every discovery source, deduplicated by address.
func (e *Elf) Functions() []Function {
	byAddress := make(map[uint64]Function)
	insert := func(functions []Function) {
		for _, f := range functions {
			if _, ok := byAddress[f.Address]; !ok {
				byAddress[f.Address] = f
			}
		}
	}

	var fromSymbols []Function
	for _, symbol := range e.Symbols() {
		if symbol.Type == STT_FUNC && symbol.Value > 0 {
			fromSymbols = append(fromSymbols, Function{
				Name:    symbol.Name,
				Address: symbol.Value,
				Size:    symbol.Size,
			})
		}
	}

	insert(fromSymbols)
	insert(e.CtorFunctions())
	insert(e.DtorFunctions())
	insert(e.EhFrameFunctions())
	insert(e.ArmExidxFunctions())

	out := make([]Function, 0, len(byAddress))
	for _, f := range byAddress {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// torFunctions walks a DT_*_ARRAY entry, skipping the 0 and -1 slots the
// loader ignores.
func (e *Elf) torFunctions(tag DynamicTag) []Function {
	entry, err := e.GetDynamicEntry(tag)
	if err != nil {
		return nil
	}
	var out []Function
	for _, address := range entry.Array {
		if address == 0 ||
			uint32(address) == math.MaxUint32 ||
			address == math.MaxUint64 {
			continue
		}
		out = append(out, Function{Address: address})
	}
	return out
}

func (e *Elf) CtorFunctions() []Function {
	var out []Function
	for _, f := range e.torFunctions(DT_INIT_ARRAY) {
		f.Name = "__dt_init_array"
		out = append(out, f)
	}
	for _, f := range e.torFunctions(DT_PREINIT_ARRAY) {
		f.Name = "__dt_preinit_array"
		out = append(out, f)
	}
	if init, err := e.GetDynamicEntry(DT_INIT); err == nil {
		out = append(out, Function{Name: "__dt_init", Address: init.Value})
	}
	return out
}

func (e *Elf) DtorFunctions() []Function {
	var out []Function
	for _, f := range e.torFunctions(DT_FINI_ARRAY) {
		f.Name = "__dt_fini_array"
		out = append(out, f)
	}
	if fini, err := e.GetDynamicEntry(DT_FINI); err == nil {
		out = append(out, Function{Name: "__dt_fini", Address: fini.Value})
	}
	return out
}

// ArmExidxFunctions decodes the PREL31 entries of PT_ARM_EXIDX.
func (e *Elf) ArmExidxFunctions() []Function {
	exidx, err := e.GetSegmentType(PT_ARM_EXIDX)
	if err != nil {
		return nil
	}

	expandPrel31 := func(word uint32, base uint32) uint32 {
		offset := word & 0x7FFFFFFF
		if offset&0x40000000 != 0 {
			offset |= ^uint32(0x7FFFFFFF)
		}
		return base + offset
	}

	order := e.GetByteOrder()
	content := exidx.Data
	nbFunctions := len(content) / 8
	out := make([]Function, 0, nbFunctions)
	for i := 0; i < nbFunctions; i++ {
		firstWord := order.Uint32(content[i*8:])
		if firstWord&0x80000000 == 0 {
			address := expandPrel31(firstWord, uint32(exidx.VAddr)+uint32(i*8))
			out = append(out, Function{Address: uint64(address)})
		}
	}
	return out
}

// EhFrameFunctions walks the binary search table of .eh_frame_hdr,
// following each FDE back to its CIE to learn how program counters are
// encoded.
func (e *Elf) EhFrameFunctions() []Function {
	ehFrameSegment, err := e.GetSegmentType(PT_GNU_EH_FRAME)
	if err != nil {
		return nil
	}

	ehFrameAddr := ehFrameSegment.VAddr
	ehFrameRVA := ehFrameAddr - e.ImageBase()
	ehFrameOff, err := e.VirtualAddressToOffset(ehFrameAddr)
	if err != nil {
		e.log.Error("unable to resolve the PT_GNU_EH_FRAME address")
		return nil
	}

	var loadSegment *ProgramHeader
	for _, segment := range e.Segments {
		if segment.Type == PT_LOAD &&
			segment.VAddr <= ehFrameAddr && ehFrameAddr < segment.VAddr+segment.MemSize {
			loadSegment = segment
			break
		}
	}
	if loadSegment == nil {
		e.log.Error("unable to find the LOAD segment associated with PT_GNU_EH_FRAME")
		return nil
	}

	ehFrameOff -= loadSegment.Offset
	vs := newDataStream(loadSegment.Data, e.GetByteOrder(), e.Class == ELFCLASS64)
	vs.SetPos(int(ehFrameOff))

	version := vs.ReadU8()
	ehFramePtrEnc := vs.ReadU8()
	fdeCountEnc := vs.ReadU8()
	tableEnc := vs.ReadU8()
	if vs.Err() != nil {
		e.log.Warn("unable to read EH frame header")
		return nil
	}

	vs.ReadDwarfEncoded(ehFramePtrEnc)
	fdeCount := int64(-1)
	if fdeCountEnc != dwEncOmit {
		fdeCount = vs.ReadDwarfEncoded(fdeCountEnc)
	}

	if version != 1 {
		e.log.Warn("EH frame header version is not 1, structure may have been corrupted", "version", version)
	}
	if fdeCount < 0 {
		e.log.Warn("fde_count is corrupted (negative value)")
		fdeCount = 0
	}

	tableBias := tableEnc & 0xF0
	var out []Function

	for i := int64(0); i < fdeCount; i++ {
		initialLocation := uint32(vs.ReadDwarfEncoded(tableEnc))
		address := uint32(vs.ReadDwarfEncoded(tableEnc))
		if vs.Err() != nil {
			e.log.Warn("truncated EH frame binary search table", "entry", i)
			break
		}

		var bias uint64
		switch tableBias {
		case dwEncPcrel:
			bias = ehFrameRVA + uint64(vs.Pos())
		case dwEncDatarel:
			bias = ehFrameRVA
		case dwEncTextrel:
			e.log.Warn("EH encoding TEXTREL is not supported")
		case dwEncFuncrel:
			e.log.Warn("EH encoding FUNCREL is not supported")
		case dwEncAligned:
			e.log.Warn("EH encoding ALIGNED is not supported")
		default:
			e.log.Warn("EH encoding not supported", "encoding", fmt.Sprintf("0x%x", tableEnc))
		}
		initialLocation += uint32(bias)
		address += uint32(bias)

		savedPos := vs.Pos()

		// Follow the table entry to the FDE itself.
		vs.SetPos(int(ehFrameOff) + int(address) - int(bias))
		fdeLength := uint64(vs.ReadU32())
		if fdeLength == math.MaxUint32 {
			fdeLength = vs.ReadU64()
		}
		_ = fdeLength

		ciePointer := vs.ReadU32()
		if ciePointer == 0 || vs.Err() != nil {
			vs.SetPos(savedPos)
			continue
		}
		cieOffset := vs.Pos() - int(ciePointer) - 4

		fdePos := vs.Pos()
		var augmentationData uint8

		vs.SetPos(cieOffset)
		{
			cieLength := uint64(vs.ReadU32())
			if cieLength == math.MaxUint32 {
				cieLength = vs.ReadU64()
			}
			_ = cieLength

			cieID := vs.ReadU32()
			cieVersion := vs.ReadU8()
			if cieID != 0 {
				e.log.Warn("CIE ID is not 0", "id", cieID)
			}
			if cieVersion != 1 {
				e.log.Warn("CIE version is not 1", "version", cieVersion)
			}

			augmentation := vs.ReadString()
			if strings.Contains(augmentation, "eh") {
				if e.Class == ELFCLASS64 {
					vs.ReadU64()
				} else {
					vs.ReadU32()
				}
			}

			vs.ReadUleb128() // code alignment
			vs.ReadSleb128() // data alignment
			vs.ReadUleb128() // return address register
			if strings.ContainsRune(augmentation, 'z') {
				vs.ReadUleb128() // augmentation length
			}

			if len(augmentation) > 0 && augmentation[0] == 'z' {
				if strings.ContainsRune(augmentation, 'R') {
					augmentationData = vs.ReadU8()
				} else {
					e.log.Warn("augmentation string is not supported", "augmentation", augmentation)
				}
			}
		}

		vs.SetPos(fdePos)
		vs.ReadDwarfEncoded(augmentationData) // function begin, relative form
		size := vs.ReadDwarfEncoded(augmentationData)

		if vs.Err() != nil {
			e.log.Warn("corrupted FDE", "entry", i)
			vs.SetPos(savedPos)
			continue
		}

		out = append(out, Function{
			Address: uint64(initialLocation) + e.ImageBase(),
			Size:    uint64(size),
		})
		vs.SetPos(savedPos)
	}
	return out
}
