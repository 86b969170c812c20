// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"fmt"
	"slices"
)

// A DynamicEntry is a tagged variant: the payload that is meaningful
// depends on Tag. DT_NEEDED and DT_SONAME carry Name, DT_RPATH and
// DT_RUNPATH carry Paths, DT_FLAGS and DT_FLAGS_1 mirror Value as a
// bitset, and the *_ARRAY tags carry Array.
type DynamicEntry struct {
	Tag   DynamicTag
	Value uint64
	Name  string
	Paths []string
	Array []uint64
}

func NewLibrary(name string) *DynamicEntry {
	return &DynamicEntry{Tag: DT_NEEDED, Name: name}
}

func NewSharedObject(name string) *DynamicEntry {
	return &DynamicEntry{Tag: DT_SONAME, Name: name}
}

func NewRpath(paths ...string) *DynamicEntry {
	return &DynamicEntry{Tag: DT_RPATH, Paths: paths}
}

func NewRunPath(paths ...string) *DynamicEntry {
	return &DynamicEntry{Tag: DT_RUNPATH, Paths: paths}
}

func NewDynamicFlags(tag DynamicTag, flags uint64) *DynamicEntry {
	if tag != DT_FLAGS && tag != DT_FLAGS_1 {
		panic(fmt.Sprint("not a flags tag: ", tag))
	}
	return &DynamicEntry{Tag: tag, Value: flags}
}

func NewDynamicArray(tag DynamicTag, array []uint64) *DynamicEntry {
	if tag != DT_INIT_ARRAY && tag != DT_FINI_ARRAY && tag != DT_PREINIT_ARRAY {
		panic(fmt.Sprint("not an array tag: ", tag))
	}
	return &DynamicEntry{Tag: tag, Array: array}
}

func (d *DynamicEntry) HasFlag(flag uint64) bool {
	return (d.Value & flag) != 0
}

// Clone deep-copies the variant selected by the tag. A payload that does
// not belong to the tag is a programmer error and panics.
func (d *DynamicEntry) Clone() *DynamicEntry {
	out := &DynamicEntry{Tag: d.Tag, Value: d.Value}
	switch d.Tag {
	case DT_NEEDED, DT_SONAME:
		out.Name = d.Name
	case DT_RPATH, DT_RUNPATH:
		out.Paths = slices.Clone(d.Paths)
	case DT_FLAGS, DT_FLAGS_1:
		// Value carries the bitset.
	case DT_INIT_ARRAY, DT_FINI_ARRAY, DT_PREINIT_ARRAY:
		out.Array = slices.Clone(d.Array)
	default:
		if d.Name != "" || d.Paths != nil || d.Array != nil {
			panic(fmt.Sprint("dynamic entry payload does not match tag ", d.Tag))
		}
	}
	return out
}

func (d *DynamicEntry) Equal(other *DynamicEntry) bool {
	return d.Tag == other.Tag && d.Value == other.Value &&
		d.Name == other.Name &&
		slices.Equal(d.Paths, other.Paths) &&
		slices.Equal(d.Array, other.Array)
}

// AddDynamicEntry clones the entry and inserts it before the first entry
// with the same tag, or before DT_NULL, whichever comes first.
func (e *Elf) AddDynamicEntry(entry *DynamicEntry) *DynamicEntry {
	newOne := entry.Clone()
	idx := len(e.DynamicEntries)
	for i, existing := range e.DynamicEntries {
		if existing.Tag == newOne.Tag || existing.Tag == DT_NULL {
			idx = i
			break
		}
	}
	e.DynamicEntries = slices.Insert(e.DynamicEntries, idx, newOne)
	return newOne
}

// RemoveDynamicEntry removes the entry by value equality.
func (e *Elf) RemoveDynamicEntry(entry *DynamicEntry) error {
	for i, existing := range e.DynamicEntries {
		if existing.Equal(entry) {
			e.DynamicEntries = slices.Delete(e.DynamicEntries, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: dynamic entry with tag %d", ErrNotFound, entry.Tag)
}

// RemoveDynamicEntriesByTag removes every entry carrying the tag.
func (e *Elf) RemoveDynamicEntriesByTag(tag DynamicTag) {
	e.DynamicEntries = slices.DeleteFunc(e.DynamicEntries, func(d *DynamicEntry) bool {
		return d.Tag == tag
	})
}

func (e *Elf) HasDynamicEntry(tag DynamicTag) bool {
	_, err := e.GetDynamicEntry(tag)
	return err == nil
}

func (e *Elf) GetDynamicEntry(tag DynamicTag) (*DynamicEntry, error) {
	for _, entry := range e.DynamicEntries {
		if entry.Tag == tag {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: dynamic entry with tag %d", ErrNotFound, tag)
}

// AddLibrary inserts a DT_NEEDED entry for the library before the first
// existing DT_NEEDED entry (or before DT_NULL when there is none).
func (e *Elf) AddLibrary(name string) *DynamicEntry {
	return e.AddDynamicEntry(NewLibrary(name))
}

func (e *Elf) HasLibrary(name string) bool {
	_, err := e.GetLibrary(name)
	return err == nil
}

func (e *Elf) GetLibrary(name string) (*DynamicEntry, error) {
	for _, entry := range e.DynamicEntries {
		if entry.Tag == DT_NEEDED && entry.Name == name {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: library %q", ErrNotFound, name)
}

func (e *Elf) RemoveLibrary(name string) error {
	lib, err := e.GetLibrary(name)
	if err != nil {
		return err
	}
	return e.RemoveDynamicEntry(lib)
}

// ImportedLibraries lists the names of every DT_NEEDED entry.
func (e *Elf) ImportedLibraries() []string {
	var out []string
	for _, entry := range e.DynamicEntries {
		if entry.Tag == DT_NEEDED {
			out = append(out, entry.Name)
		}
	}
	return out
}

// Notes

func (e *Elf) AddNote(note *Note) *Note {
	n := &Note{Name: note.Name, Type: note.Type, Description: slices.Clone(note.Description)}
	e.Notes = append(e.Notes, n)
	return n
}

func (e *Elf) RemoveNote(note *Note) error {
	for i, n := range e.Notes {
		if n.Name == note.Name && n.Type == note.Type && slices.Equal(n.Description, note.Description) {
			e.Notes = slices.Delete(e.Notes, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: note of type %d", ErrNotFound, note.Type)
}

func (e *Elf) RemoveNotesByType(noteType uint32) {
	e.Notes = slices.DeleteFunc(e.Notes, func(n *Note) bool {
		return n.Type == noteType
	})
}

func (e *Elf) HasNoteType(noteType uint32) bool {
	_, err := e.GetNoteType(noteType)
	return err == nil
}

func (e *Elf) GetNoteType(noteType uint32) (*Note, error) {
	for _, n := range e.Notes {
		if n.Type == noteType {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: note of type %d", ErrNotFound, noteType)
}
