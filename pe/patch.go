// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"encoding/binary"
	"fmt"
)

// AddressType tells patching how to interpret an address.
type AddressType int

const (
	// AddrAuto subtracts the imagebase only when the address lies above
	// it. Ambiguous for small virtual addresses below the imagebase;
	// pass AddrVA or AddrRVA to be explicit.
	AddrAuto AddressType = iota
	AddrVA
	AddrRVA
)

func (p *PE) resolveRVA(address uint64, addrType AddressType) uint64 {
	rva := address
	if addrType == AddrVA || addrType == AddrAuto {
		delta := int64(address) - int64(p.OptionalHeader.ImageBase)
		if delta > 0 || addrType == AddrVA {
			rva -= p.OptionalHeader.ImageBase
		}
	}
	return rva
}

// PatchAddress copies the patch bytes into the section hosting the
// address.
func (p *PE) PatchAddress(address uint64, patch []byte, addrType AddressType) error {
	rva := p.resolveRVA(address, addrType)
	section, err := p.SectionFromRVA(rva)
	if err != nil {
		return err
	}
	offset := rva - uint64(section.VirtualAddress)
	if offset+uint64(len(patch)) > uint64(len(section.Data)) {
		return fmt.Errorf("%w: patch of %d bytes does not fit at RVA 0x%x", ErrCorrupted, len(patch), rva)
	}
	copy(section.Data[offset:], patch)
	return nil
}

// PatchAddressValue writes a little-endian integer of the given byte
// size at the address.
func (p *PE) PatchAddressValue(address uint64, value uint64, size uint64, addrType AddressType) error {
	if size > 8 {
		p.log.Error("invalid patch size", "size", size)
		return fmt.Errorf("%w: patch size %d", ErrNotImplemented, size)
	}
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, value)
	return p.PatchAddress(address, raw[:size], addrType)
}

// GetContentFromVirtualAddress copies up to size bytes at the address
// out of the hosting section.
func (p *PE) GetContentFromVirtualAddress(address uint64, size uint64, addrType AddressType) ([]byte, error) {
	rva := p.resolveRVA(address, addrType)
	section, err := p.SectionFromRVA(rva)
	if err != nil {
		return nil, err
	}
	offset := rva - uint64(section.VirtualAddress)
	if offset > uint64(len(section.Data)) {
		return nil, fmt.Errorf("%w: RVA 0x%x beyond section content", ErrCorrupted, rva)
	}
	end := offset + size
	if end > uint64(len(section.Data)) {
		end = uint64(len(section.Data))
	}
	out := make([]byte, end-offset)
	copy(out, section.Data[offset:end])
	return out, nil
}
