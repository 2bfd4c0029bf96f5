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

	"github.com/googlecloudplatform/teachos/common"
	"github.com/googlecloudplatform/teachos/internal/blockdev"
)

// A SwapTable hands out page-sized slots on the swap device. Slot s covers
// sectors [s*SectorsPerPage, (s+1)*SectorsPerPage); there is no header. A
// bitmap records occupancy.
type SwapTable struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev     blockdev.Device
	metrics *common.Metrics

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// GUARDED_BY(mu)
	used []bool
}

func NewSwapTable(dev blockdev.Device, metrics *common.Metrics) *SwapTable {
	var slots uint32
	if dev != nil {
		slots = dev.SectorCount() / SectorsPerPage
	}

	return &SwapTable{
		dev:     dev,
		metrics: metrics,
		used:    make([]bool, slots),
	}
}

// SlotCount returns the number of slots on the device.
func (st *SwapTable) SlotCount() int {
	return len(st.used)
}

// UsedCount returns the number of occupied slots.
func (st *SwapTable) UsedCount() (n int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, u := range st.used {
		if u {
			n++
		}
	}

	return
}

// writeOut copies a page into a free slot and marks it used. ok is false
// when every slot is occupied.
func (st *SwapTable) writeOut(kva []byte) (slot int, ok bool, err error) {
	st.mu.Lock()
	slot = -1
	for i, u := range st.used {
		if !u {
			slot = i
			st.used[i] = true
			break
		}
	}
	st.mu.Unlock()

	if slot < 0 {
		return 0, false, nil
	}

	for i := 0; i < SectorsPerPage; i++ {
		sector := uint32(slot*SectorsPerPage + i)
		chunk := kva[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err = st.dev.WriteSector(sector, chunk); err != nil {
			st.free(slot)
			return 0, false, fmt.Errorf("swap out slot %d: %w", slot, err)
		}
	}

	st.metrics.SwapOuts.Inc()
	return slot, true, nil
}

// readIn copies a slot back into a page and frees the slot.
func (st *SwapTable) readIn(slot int, kva []byte) error {
	st.mu.Lock()
	occupied := slot >= 0 && slot < len(st.used) && st.used[slot]
	st.mu.Unlock()

	if !occupied {
		panic(fmt.Sprintf("swap in of free slot %d", slot))
	}

	for i := 0; i < SectorsPerPage; i++ {
		sector := uint32(slot*SectorsPerPage + i)
		chunk := kva[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := st.dev.ReadSector(sector, chunk); err != nil {
			return fmt.Errorf("swap in slot %d: %w", slot, err)
		}
	}

	st.free(slot)
	st.metrics.SwapIns.Inc()
	return nil
}

func (st *SwapTable) free(slot int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.used[slot] = false
}
