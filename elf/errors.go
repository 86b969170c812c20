// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import "errors"

var (
	// ErrNotFound reports a lookup miss (section, segment, symbol,
	// dynamic entry, note).
	ErrNotFound = errors.New("not found")
	// ErrNotImplemented reports an operation on an unsupported variant,
	// such as adding a segment to a file that is neither ET_EXEC nor
	// ET_DYN.
	ErrNotImplemented = errors.New("not implemented")
	// ErrConversion reports a virtual address that no PT_LOAD maps.
	ErrConversion = errors.New("conversion error")
	// ErrCorrupted reports structurally invalid input. A negative FDE
	// count in the EH frame header is not reported through it:
	// EhFrameFunctions logs a warning and treats the count as zero.
	ErrCorrupted = errors.New("corrupted input")
)
