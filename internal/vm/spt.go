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
	"fmt"
	"sort"

	"github.com/googlecloudplatform/teachos/internal/logger"
)

// An SPT is one task's supplemental page table: page-aligned virtual
// address → logical page descriptor. Only the owning task mutates it, with
// one exception: eviction clears hardware mappings through the page table's
// own lock.
type SPT struct {
	sys *System

	// The hardware-mapping primitive for this address space.
	pt *PageTable

	// GUARDED_BY(owning task)
	pages map[uint64]*Page

	// Live mmap groups, keyed by first-page address.
	groups map[uint64]*MmapGroup

	// The lowest stack page allocated so far.
	stackBottom uint64

	// The user rsp saved at syscall entry, consulted when a fault arrives
	// from kernel mode.
	savedRSP uint64
}

func NewSPT(sys *System) *SPT {
	return &SPT{
		sys:    sys,
		pt:     NewPageTable(),
		pages:  make(map[uint64]*Page),
		groups: make(map[uint64]*MmapGroup),
	}
}

// PageTable returns the address space's mapping primitive.
func (spt *SPT) PageTable() *PageTable {
	return spt.pt
}

// SetSavedRSP records the user stack pointer at kernel entry.
func (spt *SPT) SetSavedRSP(rsp uint64) {
	spt.savedRSP = rsp
}

// StackBottom returns the lowest allocated stack page address.
func (spt *SPT) StackBottom() uint64 {
	return spt.stackBottom
}

// Find returns the descriptor containing va, or nil.
func (spt *SPT) Find(va uint64) *Page {
	return spt.pages[PageFloor(va)]
}

// Insert adds a descriptor, rejecting duplicates.
func (spt *SPT) Insert(p *Page) error {
	if _, ok := spt.pages[p.va]; ok {
		return fmt.Errorf("va %#x already has a page", p.va)
	}

	p.spt = spt
	spt.pages[p.va] = p
	return nil
}

// Remove destroys a descriptor and forgets it.
func (spt *SPT) Remove(p *Page) error {
	err := p.destroy()
	delete(spt.pages, p.va)
	return err
}

// Pages returns the descriptors in address order, for fork and inspection.
func (spt *SPT) Pages() []*Page {
	out := make([]*Page, 0, len(spt.pages))
	for _, p := range spt.pages {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].va < out[j].va })
	return out
}

// AllocWithInitializer lazily allocates a page: an UNINIT descriptor
// carrying the destined type's initializer. No frame is touched.
func (spt *SPT) AllocWithInitializer(
	destined Type,
	va uint64,
	writable bool,
	init Initializer,
	aux interface{}) error {
	return spt.Insert(NewUninitPage(va, writable, destined, init, aux))
}

// Claim materializes the page containing va: allocate a frame, link it,
// install the mapping, and run the state's swap-in to populate the bytes.
func (spt *SPT) Claim(va uint64) error {
	p := spt.Find(va)
	if p == nil {
		return fmt.Errorf("no page at %#x", va)
	}

	return spt.claimPage(p)
}

func (spt *SPT) claimPage(p *Page) error {
	if p.frame != nil {
		return fmt.Errorf("page %#x is already resident", p.va)
	}

	f, err := spt.sys.getFrame()
	if err != nil {
		return err
	}

	f.page = p
	p.frame = f

	if err := spt.pt.Map(p.va, f, p.writable); err != nil {
		f.page = nil
		p.frame = nil
		spt.sys.frames.release(f)
		return err
	}

	if err := p.swapIn(f.kva); err != nil {
		spt.pt.Clear(p.va)
		f.page = nil
		p.frame = nil
		spt.sys.frames.release(f)
		return err
	}

	return nil
}

// SetupStack allocates and claims the initial stack page, just below the
// stack top.
func (spt *SPT) SetupStack() error {
	va := UserStackTop - PageSize
	if err := spt.allocStackPage(va); err != nil {
		return err
	}

	spt.stackBottom = va
	return nil
}

func (spt *SPT) allocStackPage(va uint64) error {
	p := NewUninitPage(va, true, TypeAnon, nil, nil)
	p.uninit.stack = true

	if err := spt.Insert(p); err != nil {
		return err
	}

	return spt.claimPage(p)
}

// Kill tears the address space down: dirty file-backed pages are written
// back, frames and swap slots released, mmap group files closed.
func (spt *SPT) Kill() {
	for _, p := range spt.Pages() {
		if err := spt.Remove(p); err != nil {
			logger.Errorf("Destroying page %#x: %v", p.va, err)
		}
	}

	for head, g := range spt.groups {
		g.file.Close()
		delete(spt.groups, head)
	}
}
