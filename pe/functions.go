// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Function is a discovered function address with a best-effort size and
// name.
type Function struct {
	Name    string
	Address uint64
	Size    uint64
}

const exceptionEntrySize = 12 // RUNTIME_FUNCTION on x64

// ExceptionFunctions walks the x64 exception directory. Other machines
// have different unwind record layouts and are not modeled.
func (p *PE) ExceptionFunctions() ([]Function, error) {
	if !p.HasExceptions() {
		return nil, nil
	}
	if p.Header.Machine != IMAGE_FILE_MACHINE_AMD64 {
		return nil, fmt.Errorf("%w: exception entries for machine 0x%x", ErrNotImplemented, uint16(p.Header.Machine))
	}

	dir, err := p.DataDirectory(ExceptionTable)
	if err != nil {
		return nil, err
	}
	data, err := p.GetContentFromVirtualAddress(uint64(dir.RVA), uint64(dir.Size), AddrRVA)
	if err != nil {
		return nil, err
	}

	var out []Function
	count := len(data) / exceptionEntrySize
	for i := 0; i < count; i++ {
		record := data[i*exceptionEntrySize:]
		start := binary.LittleEndian.Uint32(record)
		end := binary.LittleEndian.Uint32(record[4:])
		f := Function{Address: uint64(start)}
		if end > start {
			f.Size = uint64(end - start)
		}
		out = append(out, f)
	}
	return out, nil
}

// CtorFunctions lists the TLS callbacks, which run before the
// entrypoint.
func (p *PE) CtorFunctions() []Function {
	if !p.hasTLS {
		return nil
	}
	var out []Function
	for i, callback := range p.tls.Callbacks {
		out = append(out, Function{
			Name:    fmt.Sprintf("tls_%d", i),
			Address: callback,
		})
	}
	return out
}

// Functions unions the exception directory, the named exports, and the
// TLS callbacks, deduplicated by address.
func (p *PE) Functions() []Function {
	byAddress := make(map[uint64]Function)
	insert := func(functions []Function) {
		for _, f := range functions {
			if _, ok := byAddress[f.Address]; !ok {
				byAddress[f.Address] = f
			}
		}
	}

	exceptions, err := p.ExceptionFunctions()
	if err != nil {
		p.log.Warn("can't walk the exception directory", "error", err)
	}
	insert(exceptions)

	var exported []Function
	for _, entry := range p.ExportedFunctions() {
		exported = append(exported, Function{Name: entry.Name, Address: uint64(entry.Address)})
	}
	insert(exported)
	insert(p.CtorFunctions())

	out := make([]Function, 0, len(byAddress))
	for _, f := range byAddress {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
