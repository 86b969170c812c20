// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package pe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	p := newTestPE()
	p.DosStub = make([]byte, 0xF0-dosHeaderSize)
	p.OptionalHeader.AddressofEntrypoint = 0x1040
	copy(p.Sections[0].Data, []byte{0x48, 0x31, 0xC0, 0xC3})
	p.Sections[0].Padding = nil
	overlay := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	p.SetOverlay(overlay, 0xA00)

	var buf bytes.Buffer
	assert.NoError(t, p.Write(&buf))

	err, parsed := ReadPE(bytes.NewReader(buf.Bytes()), nil)
	assert.NoError(t, err)

	assert.Equal(t, PE32Plus, parsed.Type)
	assert.Equal(t, IMAGE_FILE_MACHINE_AMD64, parsed.Header.Machine)
	assert.Equal(t, uint64(0x140000000), parsed.ImageBase())
	assert.Equal(t, uint32(0x1040), parsed.OptionalHeader.AddressofEntrypoint)
	assert.Len(t, parsed.Sections, 3)

	text, err2 := parsed.GetSection(".text")
	assert.NoError(t, err2)
	assert.Equal(t, p.Sections[0].Data, text.Data)

	assert.True(t, parsed.HasOverlay())
	assert.Equal(t, overlay, parsed.Overlay)
	assert.Equal(t, uint64(0xA00), parsed.overlayOffset)
}

func TestRoundTripPreservesAuthentihash(t *testing.T) {
	p := newTestPE()
	p.DosStub = make([]byte, 0xF0-dosHeaderSize)
	// Gap between the section table (ending at 0x270) and the first
	// section body at 0x400.
	p.sectionOffsetPadding = make([]byte, 0x400-0x270)
	p.SetOverlay([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0xA00)

	var buf bytes.Buffer
	assert.NoError(t, p.Write(&buf))
	err, parsed := ReadPE(bytes.NewReader(buf.Bytes()), nil)
	assert.NoError(t, err)

	assert.Equal(t, p.Authentihash(SHA256), parsed.Authentihash(SHA256),
		"the captured regions survive the round trip")
}
