// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"slices"
)

// The DataHandler accounts for every byte range of the file image: each
// Node tags a range as belonging to a section, a segment, or nothing.
// The layout engine funnels every byte renumbering through it, so it is
// the single authority for holes and removals.

type NodeKind int

const (
	NodeUnclaimed NodeKind = iota
	NodeSection
	NodeSegment
)

type Node struct {
	Offset uint64
	Size   uint64
	Kind   NodeKind
}

type DataHandler struct {
	nodes []*Node
	end   uint64
}

func NewDataHandler(size uint64) *DataHandler {
	return &DataHandler{
		nodes: make([]*Node, 0),
		end:   size,
	}
}

// End is the current size of the backing image.
func (h *DataHandler) End() uint64 {
	return h.end
}

func (h *DataHandler) Nodes() []*Node {
	return h.nodes
}

// Add registers a node, keeping the list sorted by offset.
func (h *DataHandler) Add(node Node) *Node {
	n := &Node{Offset: node.Offset, Size: node.Size, Kind: node.Kind}
	idx, _ := slices.BinarySearchFunc(h.nodes, n, func(a, b *Node) int {
		if a.Offset != b.Offset {
			if a.Offset < b.Offset {
				return -1
			}
			return 1
		}
		return 0
	})
	h.nodes = slices.Insert(h.nodes, idx, n)
	if n.Offset+n.Size > h.end {
		h.end = n.Offset + n.Size
	}
	return n
}

// Has reports whether a node with the exact range and kind is registered.
func (h *DataHandler) Has(offset uint64, size uint64, kind NodeKind) bool {
	for _, n := range h.nodes {
		if n.Offset == offset && n.Size == size && n.Kind == kind {
			return true
		}
	}
	return false
}

// Remove forgets the node covering [offset, offset+size) with the given
// kind. Removing a range that was never added is not an error: parsers
// register only the ranges they saw.
func (h *DataHandler) Remove(offset uint64, size uint64, kind NodeKind) {
	for i, n := range h.nodes {
		if n.Offset == offset && n.Size == size && n.Kind == kind {
			h.nodes = slices.Delete(h.nodes, i, i+1)
			return
		}
	}
}

// MakeHole reserves size bytes at offset: every node starting at or past
// the offset is pushed outward and the image grows. This is the only
// operation that grows the backing image.
func (h *DataHandler) MakeHole(offset uint64, size uint64) {
	for _, n := range h.nodes {
		if n.Offset >= offset {
			n.Offset += size
		}
	}
	h.end += size
}
