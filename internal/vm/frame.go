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

	"github.com/googlecloudplatform/teachos/common"
	"github.com/googlecloudplatform/teachos/internal/locker"
	"github.com/googlecloudplatform/teachos/internal/logger"
)

// A Frame is one allocated physical frame from the user pool. kva is the
// kernel's view of its bytes; page points back at the resident descriptor,
// and is nil only while the frame is being handed out.
type Frame struct {
	kva  []byte
	page *Page
}

// KVA returns the frame's bytes.
func (f *Frame) KVA() []byte {
	return f.kva
}

// The FrameTable is the global list of allocated frames plus the clock
// hand. The swap bitmap is guarded by the SwapTable's own lock.
type FrameTable struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	metrics *common.Metrics

	/////////////////////////
	// Constant data
	/////////////////////////

	// The size of the user pool, in frames.
	capacity int

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu locker.Locker

	// Frames live from allocation until their descriptor is destroyed.
	//
	// INVARIANT: len(frames) <= capacity
	// INVARIANT: For each f with f.page != nil, f.page.frame == f
	// INVARIANT: No two frames share a page.
	//
	// GUARDED_BY(mu)
	frames []*Frame

	// Index of the next frame the victim scan starts at.
	//
	// INVARIANT: hand == 0 || hand < len(frames)
	//
	// GUARDED_BY(mu)
	hand int
}

func NewFrameTable(capacity int, metrics *common.Metrics) (ft *FrameTable) {
	ft = &FrameTable{
		metrics:  metrics,
		capacity: capacity,
	}

	ft.mu = locker.New("FrameTable", ft.checkInvariants)
	return
}

// Count returns the number of currently allocated frames.
//
// LOCKS_EXCLUDED(ft.mu)
func (ft *FrameTable) Count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return len(ft.frames)
}

// Capacity returns the size of the user pool.
func (ft *FrameTable) Capacity() int {
	return ft.capacity
}

// getFrame returns a free frame, evicting a victim when the pool is
// exhausted. The returned frame is in the table with page == nil.
//
// LOCKS_EXCLUDED(ft.mu)
func (s *System) getFrame() (f *Frame, err error) {
	ft := s.frames

	ft.mu.Lock()
	defer ft.mu.Unlock()

	if len(ft.frames) < ft.capacity {
		f = &Frame{kva: make([]byte, PageSize)}
		ft.frames = append(ft.frames, f)
		return f, nil
	}

	return s.evictFrame()
}

// evictFrame reclaims the clock-hand victim's frame: the victim's contents
// move to their backing (swap slot or file), its mapping is cleared, and
// the frame is returned with page == nil. A victim with no backing is
// fatal.
//
// LOCKS_REQUIRED(ft.mu)
func (s *System) evictFrame() (f *Frame, err error) {
	ft := s.frames

	f = ft.victim()
	p := f.page

	s.metrics.Evictions.Inc()
	logger.Tracef("Evicting frame for va %#x", p.va)

	if err := p.swapOut(f.kva); err != nil {
		logger.Fatal("evicting va %#x: %v", p.va, err)
	}

	p.spt.pt.Clear(p.va)
	p.frame = nil
	f.page = nil

	return f, nil
}

// victim runs the second-chance scan: starting at the clock hand, clear
// accessed bits while advancing, and take the first frame whose bit is
// already clear. The scan wraps exactly once; if every frame had its bit
// set, the first frame scanned (whose bit is now clear) is the victim.
//
// LOCKS_REQUIRED(ft.mu)
func (ft *FrameTable) victim() *Frame {
	n := len(ft.frames)
	if n == 0 {
		panic("victim scan with no frames")
	}

	var chosen int
	found := false
	for i := 0; i < n; i++ {
		idx := (ft.hand + i) % n
		f := ft.frames[idx]

		// Frames being handed out are not evictable.
		if f.page == nil {
			continue
		}

		pt := f.page.spt.pt
		if pt.Accessed(f.page.va) {
			pt.ClearAccessed(f.page.va)
			continue
		}

		chosen = idx
		found = true
		break
	}

	if !found {
		// Everything was recently accessed; fall back to the first scanned
		// frame with a descriptor.
		for i := 0; i < n; i++ {
			idx := (ft.hand + i) % n
			if ft.frames[idx].page != nil {
				chosen = idx
				found = true
				break
			}
		}
	}

	if !found {
		panic("victim scan found only frames in flight")
	}

	ft.hand = (chosen + 1) % n
	return ft.frames[chosen]
}

// release removes a frame from the table and returns its storage to the
// pool. Releasing a frame twice is fatal.
//
// LOCKS_EXCLUDED(ft.mu)
func (ft *FrameTable) release(f *Frame) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for i, other := range ft.frames {
		if other == f {
			last := len(ft.frames) - 1
			ft.frames[i] = ft.frames[last]
			ft.frames[last] = nil
			ft.frames = ft.frames[:last]

			if ft.hand >= len(ft.frames) {
				ft.hand = 0
			}

			f.page = nil
			return
		}
	}

	panic(fmt.Sprintf("releasing frame %p not in the table", f))
}

// LOCKS_REQUIRED(ft.mu)
func (ft *FrameTable) checkInvariants() {
	// INVARIANT: len(frames) <= capacity
	if len(ft.frames) > ft.capacity {
		panic(fmt.Sprintf(
			"frame table over capacity: %d > %d", len(ft.frames), ft.capacity))
	}

	// INVARIANT: hand == 0 || hand < len(frames)
	if ft.hand != 0 && ft.hand >= len(ft.frames) {
		panic(fmt.Sprintf("hand %d out of range", ft.hand))
	}

	// INVARIANT: For each f with f.page != nil, f.page.frame == f
	// INVARIANT: No two frames share a page.
	seen := make(map[*Page]struct{})
	for _, f := range ft.frames {
		if f.page == nil {
			continue
		}

		if f.page.frame != f {
			panic(fmt.Sprintf("frame/page mismatch for va %#x", f.page.va))
		}

		if _, ok := seen[f.page]; ok {
			panic(fmt.Sprintf("page %#x in two frames", f.page.va))
		}

		seen[f.page] = struct{}{}
	}
}
