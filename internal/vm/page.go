// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vm

import (
	"errors"
	"fmt"

	"github.com/googlecloudplatform/teachos/internal/filesys"
)

// Type tags a page descriptor's state.
type Type int

const (
	// TypeUninit is a lazily allocated page that has never faulted in. It
	// carries its destined type and an optional initializer.
	TypeUninit Type = iota

	// TypeAnon is anonymous memory, backed by the swap device when not
	// resident.
	TypeAnon

	// TypeFile is file-backed memory, populated from and written back to
	// its file.
	TypeFile
)

// An Initializer populates a freshly materialized page's bytes. It runs
// after the uninit descriptor has transformed into its destined type.
type Initializer func(p *Page, kva []byte) error

// ErrNoSwap is reported by swap-out when every slot is occupied. It is
// fatal when hit during eviction.
var ErrNoSwap = errors.New("vm: no free swap slot")

// A Page is the logical descriptor for one user virtual page. It is owned
// by exactly one SPT; when resident it exclusively owns its frame, and the
// frame table holds only a back-reference for eviction.
type Page struct {
	va       uint64
	writable bool

	// The owning table; set by Insert.
	spt *SPT

	// Non-nil exactly when the page is resident.
	frame *Frame

	// The tagged variant. Exactly the state for typ is non-nil.
	typ    Type
	uninit *uninitState
	anon   *anonState
	file   *fileState
}

type uninitState struct {
	destined Type
	init     Initializer
	aux      interface{}

	// Set for pages that are part of the user stack.
	stack bool
}

type anonState struct {
	// Swap slot holding the page's contents, or -1 while resident (or never
	// swapped).
	slot int

	stack bool
}

// An MmapGroup ties the pages of one mmap call together; the group is
// identified by its first page's address. The group owns one reopened file
// handle, closed when the last page goes away.
type MmapGroup struct {
	file  *filesys.File
	pages int
}

type fileState struct {
	group     *MmapGroup
	offset    int64
	readBytes int
	zeroBytes int
}

// NewUninitPage builds an UNINIT descriptor destined for the given type.
// aux must be a *fileState for file-destined pages.
func NewUninitPage(
	va uint64,
	writable bool,
	destined Type,
	init Initializer,
	aux interface{}) *Page {
	if destined != TypeAnon && destined != TypeFile {
		panic(fmt.Sprintf("illegal destined type %d", destined))
	}

	return &Page{
		va:       PageFloor(va),
		writable: writable,
		typ:      TypeUninit,
		uninit: &uninitState{
			destined: destined,
			init:     init,
			aux:      aux,
		},
	}
}

func (p *Page) VA() uint64 {
	return p.va
}

func (p *Page) Writable() bool {
	return p.writable
}

func (p *Page) Type() Type {
	return p.typ
}

// Resident reports whether the page currently owns a frame.
func (p *Page) Resident() bool {
	return p.frame != nil
}

// Stack reports whether the page belongs to the user stack.
func (p *Page) Stack() bool {
	switch p.typ {
	case TypeUninit:
		return p.uninit.stack
	case TypeAnon:
		return p.anon.stack
	default:
		return false
	}
}

////////////////////////////////////////////////////////////////////////
// State dispatch
////////////////////////////////////////////////////////////////////////

// swapIn populates kva with the page's contents. For UNINIT this first
// transforms the descriptor in place into its destined type, then runs the
// captured initializer if any.
func (p *Page) swapIn(kva []byte) error {
	switch p.typ {
	case TypeUninit:
		u := p.uninit
		p.uninit = nil
		switch u.destined {
		case TypeAnon:
			p.typ = TypeAnon
			p.anon = &anonState{slot: -1, stack: u.stack}

		case TypeFile:
			p.typ = TypeFile
			p.file = u.aux.(*fileState)
		}

		if u.init != nil {
			return u.init(p, kva)
		}

		return p.swapIn(kva)

	case TypeAnon:
		if p.anon.slot >= 0 {
			slot := p.anon.slot
			p.anon.slot = -1
			return p.spt.sys.swap.readIn(slot, kva)
		}

		// Never swapped: fresh zeroed memory.
		clear(kva)
		return nil

	case TypeFile:
		f := p.file
		n, err := f.group.file.ReadAt(kva[:f.readBytes], f.offset)
		if err != nil {
			return fmt.Errorf("loading file page at %#x: %w", p.va, err)
		}

		clear(kva[n:])
		return nil
	}

	panic(fmt.Sprintf("swap in of page with illegal type %d", p.typ))
}

// swapOut saves the page's contents so its frame can be reclaimed.
// Anonymous pages go to a swap slot; dirty file pages write back to their
// file. The hardware mapping is the caller's business.
func (p *Page) swapOut(kva []byte) error {
	switch p.typ {
	case TypeAnon:
		slot, ok, err := p.spt.sys.swap.writeOut(kva)
		if err != nil {
			return err
		}

		if !ok {
			return ErrNoSwap
		}

		p.anon.slot = slot
		return nil

	case TypeFile:
		return p.writeBack(kva)
	}

	panic(fmt.Sprintf("swap out of page with illegal type %d", p.typ))
}

// writeBack flushes a dirty file page to its file and clears the dirty
// bit. Clean pages are a no-op; their backing is the file itself.
func (p *Page) writeBack(kva []byte) error {
	if !p.spt.pt.Dirty(p.va) {
		return nil
	}

	f := p.file
	if _, err := f.group.file.WriteAt(kva[:f.readBytes], f.offset); err != nil {
		return fmt.Errorf("writing back file page at %#x: %w", p.va, err)
	}

	p.spt.pt.ClearDirty(p.va)
	return nil
}

// destroy releases everything the descriptor owns: a resident frame (dirty
// file pages write back first), or an occupied swap slot.
func (p *Page) destroy() error {
	var err error
	if p.frame != nil {
		if p.typ == TypeFile {
			err = p.writeBack(p.frame.kva)
		}

		p.spt.pt.Clear(p.va)
		p.spt.sys.frames.release(p.frame)
		p.frame = nil
	}

	if p.typ == TypeAnon && p.anon.slot >= 0 {
		p.spt.sys.swap.free(p.anon.slot)
		p.anon.slot = -1
	}

	return err
}
