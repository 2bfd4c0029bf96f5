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

// Package vm implements the virtual memory subsystem: per-task supplemental
// page tables over lazily materialized page descriptors, a global frame
// table with clock-hand eviction, and a bitmap-indexed swap device.
package vm

import (
	"github.com/googlecloudplatform/teachos/common"
	"github.com/googlecloudplatform/teachos/internal/blockdev"
)

const (
	// PageSize is the virtual memory page size in bytes.
	PageSize = 4096

	// SectorsPerPage is how many swap sectors one page occupies.
	SectorsPerPage = PageSize / blockdev.SectorSize

	// UserStackTop is the highest user stack address; the stack grows down
	// from here, at most StackLimit deep.
	UserStackTop uint64 = 0x47480000
	StackLimit   uint64 = 1 << 20

	// KernBase is the bottom of the kernel half of the address space. User
	// pointers at or above it are rejected.
	KernBase uint64 = 0x8004000000
)

// PageFloor rounds va down to a page boundary.
func PageFloor(va uint64) uint64 {
	return va &^ (PageSize - 1)
}

// IsKernel reports whether va lies in the kernel range.
func IsKernel(va uint64) bool {
	return va >= KernBase
}

// System is the process-wide VM state: the frame pool and table, the swap
// table, and the event counters. One per kernel, created at boot.
type System struct {
	frames  *FrameTable
	swap    *SwapTable
	metrics *common.Metrics
}

// NewSystem creates the VM state: a user pool of poolFrames physical
// frames, and swap slots covering the given device.
func NewSystem(poolFrames int, swapDev blockdev.Device, metrics *common.Metrics) *System {
	if metrics == nil {
		metrics = common.NewMetrics(nil)
	}

	s := &System{
		swap:    NewSwapTable(swapDev, metrics),
		metrics: metrics,
	}
	s.frames = NewFrameTable(poolFrames, metrics)

	return s
}

// Frames exposes the frame table, for inspection.
func (s *System) Frames() *FrameTable {
	return s.frames
}

// Swap exposes the swap table, for inspection.
func (s *System) Swap() *SwapTable {
	return s.swap
}
