// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import "errors"

var (
	// ErrNotFound reports a lookup miss (section, directory, import).
	ErrNotFound = errors.New("not found")
	// ErrNotImplemented reports an operation on an unsupported variant,
	// such as exception entries for a non-x64 machine.
	ErrNotImplemented = errors.New("not implemented")
	// ErrCorrupted reports structurally invalid input.
	ErrCorrupted = errors.New("corrupted input")
	// ErrTooManySections reports that the section table reached the
	// format's uint16 limit.
	ErrTooManySections = errors.New("binary reached its maximum number of sections")
)
