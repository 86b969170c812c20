// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddNodes(t *testing.T) {
	h := NewDataHandler(0x1000)
	h.Add(Node{Offset: 0x200, Size: 0x100, Kind: NodeSection})
	h.Add(Node{Offset: 0x100, Size: 0x80, Kind: NodeSegment})
	assert.Equal(t, uint64(0x100), h.Nodes()[0].Offset, "nodes sorted by offset")
	assert.Equal(t, uint64(0x200), h.Nodes()[1].Offset, "nodes sorted by offset")
	assert.Equal(t, uint64(0x1000), h.End(), "end unchanged by interior nodes")
}

func TestAddNodeGrowsEnd(t *testing.T) {
	h := NewDataHandler(0x100)
	h.Add(Node{Offset: 0x200, Size: 0x100, Kind: NodeSegment})
	assert.Equal(t, uint64(0x300), h.End(), "end follows the furthest node")
}

func TestMakeHole(t *testing.T) {
	h := NewDataHandler(0x1000)
	before := h.Add(Node{Offset: 0x100, Size: 0x80, Kind: NodeSection})
	after := h.Add(Node{Offset: 0x400, Size: 0x80, Kind: NodeSection})

	h.MakeHole(0x200, 0x100)

	assert.Equal(t, uint64(0x100), before.Offset, "node before the hole stays")
	assert.Equal(t, uint64(0x500), after.Offset, "node past the hole moves")
	assert.Equal(t, uint64(0x1100), h.End(), "hole grows the image")
}

func TestRemoveNode(t *testing.T) {
	h := NewDataHandler(0x1000)
	h.Add(Node{Offset: 0x100, Size: 0x80, Kind: NodeSection})
	h.Add(Node{Offset: 0x100, Size: 0x80, Kind: NodeSegment})

	h.Remove(0x100, 0x80, NodeSection)

	assert.Len(t, h.Nodes(), 1, "only the matching kind is removed")
	assert.Equal(t, NodeSegment, h.Nodes()[0].Kind, "segment node survives")
	assert.False(t, h.Has(0x100, 0x80, NodeSection), "section node gone")
}
