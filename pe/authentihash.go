// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"sort"
)

// hashStream feeds little-endian fields into a digest in declaration
// order.
type hashStream struct {
	h hash.Hash
}

func (s *hashStream) writeU8(v uint8)   { s.h.Write([]byte{v}) }
func (s *hashStream) writeU16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); s.h.Write(b[:]) }
func (s *hashStream) writeU32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); s.h.Write(b[:]) }
func (s *hashStream) writeU64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); s.h.Write(b[:]) }
func (s *hashStream) write(v []byte)    { s.h.Write(v) }

// writeSized writes v as a 32- or 64-bit field depending on the image's
// pointer size.
func (s *hashStream) writeSized(v uint64, ptr64 bool) {
	if ptr64 {
		s.writeU64(v)
	} else {
		s.writeU32(uint32(v))
	}
}

func newHash(algorithm Algorithm) hash.Hash {
	switch algorithm {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	default:
		return nil
	}
}

// Authentihash reassembles the byte stream Authenticode digests and
// hashes it with the selected algorithm. The checksum field and the
// certificate table (directory entry and payload) never participate.
func (p *PE) Authentihash(algorithm Algorithm) []byte {
	h := newHash(algorithm)
	if h == nil {
		p.log.Warn("unsupported hash algorithm", "algorithm", int(algorithm))
		return nil
	}
	ptr64 := p.Type != PE32
	ios := &hashStream{h: h}

	// DOS header and stub
	dos := &p.DosHeader
	ios.writeU16(dos.Magic)
	ios.writeU16(dos.UsedBytesInTheLastPage)
	ios.writeU16(dos.FileSizeInPages)
	ios.writeU16(dos.NumberofRelocation)
	ios.writeU16(dos.HeaderSizeInParagraphs)
	ios.writeU16(dos.MinimumExtraParagraphs)
	ios.writeU16(dos.MaximumExtraParagraphs)
	ios.writeU16(dos.InitialRelativeSS)
	ios.writeU16(dos.InitialSP)
	ios.writeU16(dos.Checksum)
	ios.writeU16(dos.InitialIP)
	ios.writeU16(dos.InitialRelativeCS)
	ios.writeU16(dos.AddressofRelocationTable)
	ios.writeU16(dos.OverlayNumber)
	for _, v := range dos.Reserved {
		ios.writeU16(v)
	}
	ios.writeU16(dos.OEMID)
	ios.writeU16(dos.OEMInfo)
	for _, v := range dos.Reserved2 {
		ios.writeU16(v)
	}
	ios.writeU32(dos.AddressofNewExeheader)
	ios.write(p.DosStub)

	// PE header
	hdr := &p.Header
	ios.writeU32(hdr.Signature)
	ios.writeU16(uint16(hdr.Machine))
	ios.writeU16(hdr.NumberofSections)
	ios.writeU32(hdr.TimeDateStamp)
	ios.writeU32(hdr.PointertoSymbolTable)
	ios.writeU32(hdr.NumberofSymbols)
	ios.writeU16(hdr.SizeofOptionalHeader)
	ios.writeU16(uint16(hdr.Characteristics))

	// Optional header, checksum omitted
	opt := &p.OptionalHeader
	ios.writeU16(uint16(opt.Magic))
	ios.writeU8(opt.MajorLinkerVersion)
	ios.writeU8(opt.MinorLinkerVersion)
	ios.writeU32(opt.SizeofCode)
	ios.writeU32(opt.SizeofInitializedData)
	ios.writeU32(opt.SizeofUninitializedData)
	ios.writeU32(opt.AddressofEntrypoint)
	ios.writeU32(opt.BaseofCode)
	if p.Type == PE32 {
		ios.writeU32(opt.BaseofData)
	}
	ios.writeSized(opt.ImageBase, ptr64)
	ios.writeU32(opt.SectionAlignment)
	ios.writeU32(opt.FileAlignment)
	ios.writeU16(opt.MajorOperatingSystemVersion)
	ios.writeU16(opt.MinorOperatingSystemVersion)
	ios.writeU16(opt.MajorImageVersion)
	ios.writeU16(opt.MinorImageVersion)
	ios.writeU16(opt.MajorSubsystemVersion)
	ios.writeU16(opt.MinorSubsystemVersion)
	ios.writeU32(opt.Win32VersionValue)
	ios.writeU32(opt.SizeofImage)
	ios.writeU32(opt.SizeofHeaders)
	ios.writeU16(opt.Subsystem)
	ios.writeU16(uint16(opt.DLLCharacteristics))
	ios.writeSized(opt.SizeofStackReserve, ptr64)
	ios.writeSized(opt.SizeofStackCommit, ptr64)
	ios.writeSized(opt.SizeofHeapReserve, ptr64)
	ios.writeSized(opt.SizeofHeapCommit, ptr64)
	ios.writeU32(opt.LoaderFlags)
	ios.writeU32(opt.NumberofRVAAndSize)

	// Data directories, certificate table skipped
	for _, dir := range p.DataDirectories {
		if dir.Type == CertificateTable {
			continue
		}
		ios.writeU32(dir.RVA)
		ios.writeU32(dir.Size)
	}

	// Section headers
	for _, section := range p.Sections {
		var name [8]byte
		copy(name[:], section.Name)
		ios.write(name[:])
		ios.writeU32(section.VirtualSize)
		ios.writeU32(section.VirtualAddress)
		ios.writeU32(section.SizeofRawData)
		ios.writeU32(section.PointertoRawData)
		ios.writeU32(section.PointertoRelocation)
		ios.writeU32(section.PointertoLineNumbers)
		ios.writeU16(section.NumberofRelocations)
		ios.writeU16(section.NumberofLineNumbers)
		ios.writeU32(uint32(section.Characteristics))
	}

	ios.write(p.sectionOffsetPadding)

	// Section bodies in file order, overlap-truncated
	sections := make([]*Section, len(p.Sections))
	copy(sections, p.Sections)
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].PointertoRawData < sections[j].PointertoRawData
	})

	var position uint64
	for _, section := range sections {
		if section.SizeofRawData == 0 {
			continue
		}
		content := section.Data
		pad := section.Padding
		offset := uint64(section.PointertoRawData)
		if offset < position {
			// Trunc the beginning of the overlap.
			if position <= offset+uint64(len(content)) {
				start := position - offset
				ios.write(content[start:])
				ios.write(pad)
			} else {
				p.log.Warn("section overlaps in the padding area", "section", section.Name)
			}
		} else {
			ios.write(content)
			ios.write(pad)
		}
		position = offset + uint64(len(content)) + uint64(len(pad))
	}

	// Overlay, minus the certificate blob
	if len(p.Overlay) > 0 {
		emitted := false
		if cert, err := p.DataDirectory(CertificateTable); err == nil {
			if cert.RVA > 0 && cert.Size > 0 && uint64(cert.RVA) >= p.overlayOffset {
				start := uint64(cert.RVA) - p.overlayOffset
				end := start + uint64(cert.Size)
				if end <= uint64(len(p.Overlay)) {
					ios.write(p.Overlay[:start])
					ios.write(p.Overlay[end:])
					emitted = true
				}
			}
		}
		if !emitted {
			ios.write(p.Overlay)
		}
	}

	return h.Sum(nil)
}

// VerificationFlags reports the outcome of a signature check.
type VerificationFlags uint32

const (
	VerificationOK          VerificationFlags = 0
	VerificationNoSignature VerificationFlags = 1 << iota
	VerificationBadDigest
	VerificationBadSignature
)

// Signature is the parsed shell of a PKCS#7 signature: the digest
// algorithm and the content-info digest this core compares against, plus
// the raw blob for external verifiers.
type Signature struct {
	Algorithm     Algorithm
	ContentDigest []byte
	Raw           []byte
}

// VerifySignature checks that every signature's content digest matches
// the recomputed authentihash. Cryptographic chain validation stays with
// external verifiers.
func (p *PE) VerifySignature() VerificationFlags {
	if !p.HasSignatures() {
		return VerificationNoSignature
	}
	flags := VerificationOK
	for i, signature := range p.Signatures {
		authentihash := p.Authentihash(signature.Algorithm)
		if !bytes.Equal(authentihash, signature.ContentDigest) {
			p.log.Info("authentihash and content info digest do not match", "signature", i)
			flags |= VerificationBadDigest | VerificationBadSignature
			break
		}
	}
	return flags
}
