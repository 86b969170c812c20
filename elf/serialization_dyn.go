// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"encoding/binary"
	"io"
)

type dyn32 struct {
	Tag   int32
	Value uint32
}

type dyn64 struct {
	Tag   int64
	Value uint64
}

func (e *Elf) sizeDynamicEntry() int {
	if e.Class == ELFCLASS64 {
		return binary.Size(&dyn64{})
	} else {
		return binary.Size(&dyn32{})
	}
}

func (e *Elf) readDynamicEntry(r io.Reader) (error, *DynamicEntry) {
	var result DynamicEntry

	if e.Class == ELFCLASS64 {
		var d dyn64
		if err := binary.Read(r, e.GetByteOrder(), &d); err != nil {
			return err, nil
		}
		result.Tag = DynamicTag(d.Tag)
		result.Value = d.Value
	} else {
		var d dyn32
		if err := binary.Read(r, e.GetByteOrder(), &d); err != nil {
			return err, nil
		}
		result.Tag = DynamicTag(d.Tag)
		result.Value = uint64(d.Value)
	}

	return nil, &result
}

func (e *Elf) writeDynamicEntry(w io.Writer, input *DynamicEntry) error {
	if e.Class == ELFCLASS64 {
		var d dyn64

		d.Tag = int64(input.Tag)
		d.Value = input.Value

		if err := binary.Write(w, e.GetByteOrder(), &d); err != nil {
			return err
		}
	} else {
		var d dyn32

		d.Tag = int32(input.Tag)
		d.Value = uint32(input.Value)

		if err := binary.Write(w, e.GetByteOrder(), &d); err != nil {
			return err
		}
	}

	return nil
}
