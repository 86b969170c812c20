// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"encoding/binary"
	"io"
	"strings"
)

type optionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeofCode                  uint32
	SizeofInitializedData       uint32
	SizeofUninitializedData     uint32
	AddressofEntrypoint         uint32
	BaseofCode                  uint32
	BaseofData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeofImage                 uint32
	SizeofHeaders               uint32
	Checksum                    uint32
	Subsystem                   uint16
	DLLCharacteristics          uint16
	SizeofStackReserve          uint32
	SizeofStackCommit           uint32
	SizeofHeapReserve           uint32
	SizeofHeapCommit            uint32
	LoaderFlags                 uint32
	NumberofRVAAndSize          uint32
}

type optionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeofCode                  uint32
	SizeofInitializedData       uint32
	SizeofUninitializedData     uint32
	AddressofEntrypoint         uint32
	BaseofCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeofImage                 uint32
	SizeofHeaders               uint32
	Checksum                    uint32
	Subsystem                   uint16
	DLLCharacteristics          uint16
	SizeofStackReserve          uint64
	SizeofStackCommit           uint64
	SizeofHeapReserve           uint64
	SizeofHeapCommit            uint64
	LoaderFlags                 uint32
	NumberofRVAAndSize          uint32
}

type sectionHeaderRaw struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeofRawData        uint32
	PointertoRawData     uint32
	PointertoRelocation  uint32
	PointertoLineNumbers uint32
	NumberofRelocations  uint16
	NumberofLineNumbers  uint16
	Characteristics      uint32
}

func (p *PE) readOptionalHeader(r io.Reader) error {
	opt := &p.OptionalHeader
	if p.Type == PE32 {
		var raw optionalHeader32
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return err
		}
		opt.Magic = PEType(raw.Magic)
		opt.MajorLinkerVersion = raw.MajorLinkerVersion
		opt.MinorLinkerVersion = raw.MinorLinkerVersion
		opt.SizeofCode = raw.SizeofCode
		opt.SizeofInitializedData = raw.SizeofInitializedData
		opt.SizeofUninitializedData = raw.SizeofUninitializedData
		opt.AddressofEntrypoint = raw.AddressofEntrypoint
		opt.BaseofCode = raw.BaseofCode
		opt.BaseofData = raw.BaseofData
		opt.ImageBase = uint64(raw.ImageBase)
		opt.SectionAlignment = raw.SectionAlignment
		opt.FileAlignment = raw.FileAlignment
		opt.MajorOperatingSystemVersion = raw.MajorOperatingSystemVersion
		opt.MinorOperatingSystemVersion = raw.MinorOperatingSystemVersion
		opt.MajorImageVersion = raw.MajorImageVersion
		opt.MinorImageVersion = raw.MinorImageVersion
		opt.MajorSubsystemVersion = raw.MajorSubsystemVersion
		opt.MinorSubsystemVersion = raw.MinorSubsystemVersion
		opt.Win32VersionValue = raw.Win32VersionValue
		opt.SizeofImage = raw.SizeofImage
		opt.SizeofHeaders = raw.SizeofHeaders
		opt.Checksum = raw.Checksum
		opt.Subsystem = raw.Subsystem
		opt.DLLCharacteristics = DLLCharacteristic(raw.DLLCharacteristics)
		opt.SizeofStackReserve = uint64(raw.SizeofStackReserve)
		opt.SizeofStackCommit = uint64(raw.SizeofStackCommit)
		opt.SizeofHeapReserve = uint64(raw.SizeofHeapReserve)
		opt.SizeofHeapCommit = uint64(raw.SizeofHeapCommit)
		opt.LoaderFlags = raw.LoaderFlags
		opt.NumberofRVAAndSize = raw.NumberofRVAAndSize
	} else {
		var raw optionalHeader64
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return err
		}
		opt.Magic = PEType(raw.Magic)
		opt.MajorLinkerVersion = raw.MajorLinkerVersion
		opt.MinorLinkerVersion = raw.MinorLinkerVersion
		opt.SizeofCode = raw.SizeofCode
		opt.SizeofInitializedData = raw.SizeofInitializedData
		opt.SizeofUninitializedData = raw.SizeofUninitializedData
		opt.AddressofEntrypoint = raw.AddressofEntrypoint
		opt.BaseofCode = raw.BaseofCode
		opt.ImageBase = raw.ImageBase
		opt.SectionAlignment = raw.SectionAlignment
		opt.FileAlignment = raw.FileAlignment
		opt.MajorOperatingSystemVersion = raw.MajorOperatingSystemVersion
		opt.MinorOperatingSystemVersion = raw.MinorOperatingSystemVersion
		opt.MajorImageVersion = raw.MajorImageVersion
		opt.MinorImageVersion = raw.MinorImageVersion
		opt.MajorSubsystemVersion = raw.MajorSubsystemVersion
		opt.MinorSubsystemVersion = raw.MinorSubsystemVersion
		opt.Win32VersionValue = raw.Win32VersionValue
		opt.SizeofImage = raw.SizeofImage
		opt.SizeofHeaders = raw.SizeofHeaders
		opt.Checksum = raw.Checksum
		opt.Subsystem = raw.Subsystem
		opt.DLLCharacteristics = DLLCharacteristic(raw.DLLCharacteristics)
		opt.SizeofStackReserve = raw.SizeofStackReserve
		opt.SizeofStackCommit = raw.SizeofStackCommit
		opt.SizeofHeapReserve = raw.SizeofHeapReserve
		opt.SizeofHeapCommit = raw.SizeofHeapCommit
		opt.LoaderFlags = raw.LoaderFlags
		opt.NumberofRVAAndSize = raw.NumberofRVAAndSize
	}
	return nil
}

func (p *PE) writeOptionalHeader(w io.Writer) error {
	opt := &p.OptionalHeader
	if p.Type == PE32 {
		raw := optionalHeader32{
			Magic:                       uint16(opt.Magic),
			MajorLinkerVersion:          opt.MajorLinkerVersion,
			MinorLinkerVersion:          opt.MinorLinkerVersion,
			SizeofCode:                  opt.SizeofCode,
			SizeofInitializedData:       opt.SizeofInitializedData,
			SizeofUninitializedData:     opt.SizeofUninitializedData,
			AddressofEntrypoint:         opt.AddressofEntrypoint,
			BaseofCode:                  opt.BaseofCode,
			BaseofData:                  opt.BaseofData,
			ImageBase:                   uint32(opt.ImageBase),
			SectionAlignment:            opt.SectionAlignment,
			FileAlignment:               opt.FileAlignment,
			MajorOperatingSystemVersion: opt.MajorOperatingSystemVersion,
			MinorOperatingSystemVersion: opt.MinorOperatingSystemVersion,
			MajorImageVersion:           opt.MajorImageVersion,
			MinorImageVersion:           opt.MinorImageVersion,
			MajorSubsystemVersion:       opt.MajorSubsystemVersion,
			MinorSubsystemVersion:       opt.MinorSubsystemVersion,
			Win32VersionValue:           opt.Win32VersionValue,
			SizeofImage:                 opt.SizeofImage,
			SizeofHeaders:               opt.SizeofHeaders,
			Checksum:                    opt.Checksum,
			Subsystem:                   opt.Subsystem,
			DLLCharacteristics:          uint16(opt.DLLCharacteristics),
			SizeofStackReserve:          uint32(opt.SizeofStackReserve),
			SizeofStackCommit:           uint32(opt.SizeofStackCommit),
			SizeofHeapReserve:           uint32(opt.SizeofHeapReserve),
			SizeofHeapCommit:            uint32(opt.SizeofHeapCommit),
			LoaderFlags:                 opt.LoaderFlags,
			NumberofRVAAndSize:          opt.NumberofRVAAndSize,
		}
		return binary.Write(w, binary.LittleEndian, &raw)
	}
	raw := optionalHeader64{
		Magic:                       uint16(opt.Magic),
		MajorLinkerVersion:          opt.MajorLinkerVersion,
		MinorLinkerVersion:          opt.MinorLinkerVersion,
		SizeofCode:                  opt.SizeofCode,
		SizeofInitializedData:       opt.SizeofInitializedData,
		SizeofUninitializedData:     opt.SizeofUninitializedData,
		AddressofEntrypoint:         opt.AddressofEntrypoint,
		BaseofCode:                  opt.BaseofCode,
		ImageBase:                   opt.ImageBase,
		SectionAlignment:            opt.SectionAlignment,
		FileAlignment:               opt.FileAlignment,
		MajorOperatingSystemVersion: opt.MajorOperatingSystemVersion,
		MinorOperatingSystemVersion: opt.MinorOperatingSystemVersion,
		MajorImageVersion:           opt.MajorImageVersion,
		MinorImageVersion:           opt.MinorImageVersion,
		MajorSubsystemVersion:       opt.MajorSubsystemVersion,
		MinorSubsystemVersion:       opt.MinorSubsystemVersion,
		Win32VersionValue:           opt.Win32VersionValue,
		SizeofImage:                 opt.SizeofImage,
		SizeofHeaders:               opt.SizeofHeaders,
		Checksum:                    opt.Checksum,
		Subsystem:                   opt.Subsystem,
		DLLCharacteristics:          uint16(opt.DLLCharacteristics),
		SizeofStackReserve:          opt.SizeofStackReserve,
		SizeofStackCommit:           opt.SizeofStackCommit,
		SizeofHeapReserve:           opt.SizeofHeapReserve,
		SizeofHeapCommit:            opt.SizeofHeapCommit,
		LoaderFlags:                 opt.LoaderFlags,
		NumberofRVAAndSize:          opt.NumberofRVAAndSize,
	}
	return binary.Write(w, binary.LittleEndian, &raw)
}

func (p *PE) readSectionHeader(r io.Reader) (error, *Section) {
	var raw sectionHeaderRaw
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return err, nil
	}
	section := &Section{
		Name:                 strings.TrimRight(string(raw.Name[:]), "\x00"),
		VirtualSize:          raw.VirtualSize,
		VirtualAddress:       raw.VirtualAddress,
		SizeofRawData:        raw.SizeofRawData,
		PointertoRawData:     raw.PointertoRawData,
		PointertoRelocation:  raw.PointertoRelocation,
		PointertoLineNumbers: raw.PointertoLineNumbers,
		NumberofRelocations:  raw.NumberofRelocations,
		NumberofLineNumbers:  raw.NumberofLineNumbers,
		Characteristics:      SectionCharacteristic(raw.Characteristics),
	}
	return nil, section
}

func (p *PE) writeSectionHeader(w io.Writer, section *Section) error {
	var raw sectionHeaderRaw
	copy(raw.Name[:], section.Name)
	raw.VirtualSize = section.VirtualSize
	raw.VirtualAddress = section.VirtualAddress
	raw.SizeofRawData = section.SizeofRawData
	raw.PointertoRawData = section.PointertoRawData
	raw.PointertoRelocation = section.PointertoRelocation
	raw.PointertoLineNumbers = section.PointertoLineNumbers
	raw.NumberofRelocations = section.NumberofRelocations
	raw.NumberofLineNumbers = section.NumberofLineNumbers
	raw.Characteristics = uint32(section.Characteristics)
	return binary.Write(w, binary.LittleEndian, &raw)
}
