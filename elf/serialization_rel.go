// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"encoding/binary"
	"io"
)

type rel32 struct {
	Offset uint32
	Info   uint32
}

type rel64 struct {
	Offset uint64
	Info   uint64
}

type rela32 struct {
	Offset uint32
	Info   uint32
	Addend int32
}

type rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (e *Elf) readRelocation(r io.Reader, isRela bool, symbols []*Symbol) (error, *Relocation) {
	var err error
	var result Relocation
	result.IsRela = isRela
	result.Arch = e.Machine

	var symbolIndex int
	if e.Class == ELFCLASS64 {
		if isRela {
			var rel rela64
			if err = binary.Read(r, e.GetByteOrder(), &rel); err != nil {
				return err, nil
			}
			result.Address = rel.Offset
			symbolIndex = int(rel.Info >> 32)
			result.Type = uint32(rel.Info)
			result.Addend = rel.Addend
		} else {
			var rel rel64
			if err = binary.Read(r, e.GetByteOrder(), &rel); err != nil {
				return err, nil
			}
			result.Address = rel.Offset
			symbolIndex = int(rel.Info >> 32)
			result.Type = uint32(rel.Info)
		}
	} else {
		if isRela {
			var rel rela32
			if err = binary.Read(r, e.GetByteOrder(), &rel); err != nil {
				return err, nil
			}
			result.Address = uint64(rel.Offset)
			symbolIndex = int(rel.Info >> 8)
			result.Type = uint32(rel.Info & 0xFF)
			result.Addend = int64(rel.Addend)
		} else {
			var rel rel32
			if err = binary.Read(r, e.GetByteOrder(), &rel); err != nil {
				return err, nil
			}
			result.Address = uint64(rel.Offset)
			symbolIndex = int(rel.Info >> 8)
			result.Type = uint32(rel.Info & 0xFF)
		}
	}

	result.Info = uint32(symbolIndex)
	if symbolIndex > 0 && symbolIndex < len(symbols) {
		result.Symbol = symbols[symbolIndex]
	}
	return nil, &result
}

func (e *Elf) writeRelocation(w io.Writer, input *Relocation) error {
	if e.Class == ELFCLASS64 {
		if input.IsRela {
			var rel rela64

			rel.Offset = input.Address
			rel.Info = (uint64(input.Info) << 32) | uint64(input.Type)
			rel.Addend = input.Addend

			if err := binary.Write(w, e.GetByteOrder(), &rel); err != nil {
				return err
			}
		} else {
			var rel rel64

			rel.Offset = input.Address
			rel.Info = (uint64(input.Info) << 32) | uint64(input.Type)

			if err := binary.Write(w, e.GetByteOrder(), &rel); err != nil {
				return err
			}
		}
	} else {
		if input.IsRela {
			var rel rela32

			rel.Offset = uint32(input.Address)
			rel.Info = (uint32(input.Info) << 8) | (input.Type & 0xFF)
			rel.Addend = int32(input.Addend)

			if err := binary.Write(w, e.GetByteOrder(), &rel); err != nil {
				return err
			}
		} else {
			var rel rel32

			rel.Offset = uint32(input.Address)
			rel.Info = (uint32(input.Info) << 8) | (input.Type & 0xFF)

			if err := binary.Write(w, e.GetByteOrder(), &rel); err != nil {
				return err
			}
		}
	}

	return nil
}
