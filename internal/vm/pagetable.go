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
	"sync"
)

// A PageTable is the hardware-mapping primitive: page-aligned virtual
// address → physical frame, with a writable flag and accessed/dirty bits.
// It has its own small lock because eviction clears mappings from under
// their owning task.
type PageTable struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	entries map[uint64]*pte
}

type pte struct {
	frame    *Frame
	writable bool
	accessed bool
	dirty    bool
}

func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[uint64]*pte)}
}

// Map installs va → frame. Mapping an already-mapped page is a consistency
// error.
//
// REQUIRES: va is page-aligned
func (pt *PageTable) Map(va uint64, f *Frame, writable bool) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, ok := pt.entries[va]; ok {
		return fmt.Errorf("va %#x already mapped", va)
	}

	pt.entries[va] = &pte{frame: f, writable: writable}
	return nil
}

// Clear removes the mapping for va, if any.
func (pt *PageTable) Clear(va uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	delete(pt.entries, va)
}

// Lookup returns the frame mapped at va.
func (pt *PageTable) Lookup(va uint64) (f *Frame, writable bool, ok bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries[va]
	if !ok {
		return nil, false, false
	}

	return e.frame, e.writable, true
}

// Touch records an access to va, the way the MMU would: the accessed bit,
// plus the dirty bit for writes. The page must be mapped.
func (pt *PageTable) Touch(va uint64, write bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries[va]
	if !ok {
		panic(fmt.Sprintf("touching unmapped va %#x", va))
	}

	e.accessed = true
	if write {
		e.dirty = true
	}
}

// Accessed reports the accessed bit for va; unmapped pages read as not
// accessed.
func (pt *PageTable) Accessed(va uint64) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries[va]
	return ok && e.accessed
}

// ClearAccessed clears the accessed bit for va.
func (pt *PageTable) ClearAccessed(va uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if e, ok := pt.entries[va]; ok {
		e.accessed = false
	}
}

// Dirty reports the dirty bit for va.
func (pt *PageTable) Dirty(va uint64) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	e, ok := pt.entries[va]
	return ok && e.dirty
}

// ClearDirty clears the dirty bit for va.
func (pt *PageTable) ClearDirty(va uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if e, ok := pt.entries[va]; ok {
		e.dirty = false
	}
}
