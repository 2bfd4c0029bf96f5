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

	"github.com/googlecloudplatform/teachos/internal/logger"
)

// ErrFault is the terminal outcome of a memory access the VM cannot
// resolve; the dispatcher converts it into exit(-1).
var ErrFault = errors.New("vm: page fault")

// TryHandleFault resolves a fault at addr, in the documented order: kernel
// addresses fault; protection violations fault (there is no copy-on-write
// to service them); known pages are claimed; accesses near the stack
// pointer grow the stack; everything else faults.
//
// user says whether the access came from user mode; userRSP is the faulting
// rsp, consulted only for user-mode faults (kernel-mode faults use the rsp
// saved at syscall entry).
func (spt *SPT) TryHandleFault(addr uint64, write, user bool, userRSP uint64) bool {
	if IsKernel(addr) {
		return false
	}

	// Present but forbidden?
	if _, writable, ok := spt.pt.Lookup(PageFloor(addr)); ok {
		if write && !writable {
			return false
		}

		// A present, permitted mapping does not fault; a spurious report is
		// nothing to handle.
		return true
	}

	spt.sys.metrics.PageFaults.Inc()

	if p := spt.Find(addr); p != nil {
		if err := spt.claimPage(p); err != nil {
			logger.Errorf("Claiming va %#x: %v", addr, err)
			return false
		}

		return true
	}

	rsp := userRSP
	if !user {
		rsp = spt.savedRSP
	}

	if spt.isStackGrowth(addr, rsp) {
		va := PageFloor(addr)
		if err := spt.allocStackPage(va); err != nil {
			logger.Errorf("Growing stack to %#x: %v", va, err)
			return false
		}

		spt.sys.metrics.StackGrowths.Inc()
		spt.stackBottom = va
		return true
	}

	return false
}

// The stack grows for accesses at or above rsp-8 (a PUSH faults one word
// below rsp), below the stack top, within the 1 MiB stack limit.
func (spt *SPT) isStackGrowth(addr, rsp uint64) bool {
	return rsp-8 <= addr &&
		addr <= UserStackTop &&
		addr >= UserStackTop-StackLimit
}

////////////////////////////////////////////////////////////////////////
// User memory access
////////////////////////////////////////////////////////////////////////

// CheckBuffer validates [va, va+size) for a syscall, page by page: every
// page must be resolvable without faulting the task, and writable when the
// kernel intends to write into it. This runs before any filesystem lock is
// taken, so the data path cannot fault under the lock.
func (spt *SPT) CheckBuffer(va uint64, size uint64, write bool) error {
	if size == 0 {
		return nil
	}

	for page := PageFloor(va); page <= PageFloor(va+size-1); page += PageSize {
		if !spt.TryHandleFault(page, write, false, 0) {
			return ErrFault
		}

		if write {
			if p := spt.Find(page); p == nil || !p.writable {
				return ErrFault
			}
		}
	}

	return nil
}

// CopyIn reads len(buf) bytes of user memory at va, faulting pages in as
// the MMU would and setting accessed bits.
func (spt *SPT) CopyIn(buf []byte, va uint64) error {
	return spt.access(buf, va, false)
}

// CopyOut writes len(buf) bytes to user memory at va. Read-only pages
// fault.
func (spt *SPT) CopyOut(buf []byte, va uint64) error {
	return spt.access(buf, va, true)
}

// CopyInString reads a NUL-terminated user string at va, up to maxLen
// bytes.
func (spt *SPT) CopyInString(va uint64, maxLen int) (string, error) {
	var out []byte
	var b [1]byte
	for i := 0; i < maxLen; i++ {
		if err := spt.CopyIn(b[:], va+uint64(i)); err != nil {
			return "", err
		}

		if b[0] == 0 {
			return string(out), nil
		}

		out = append(out, b[0])
	}

	return "", fmt.Errorf("unterminated string at %#x", va)
}

func (spt *SPT) access(buf []byte, va uint64, write bool) error {
	done := 0
	for done < len(buf) {
		addr := va + uint64(done)
		page := PageFloor(addr)

		f, writable, ok := spt.pt.Lookup(page)
		if !ok || (write && !writable) {
			if !spt.TryHandleFault(addr, write, false, 0) {
				return ErrFault
			}

			if f, writable, ok = spt.pt.Lookup(page); !ok || (write && !writable) {
				return ErrFault
			}
		}

		spt.pt.Touch(page, write)

		off := int(addr - page)
		chunk := PageSize - off
		if rest := len(buf) - done; chunk > rest {
			chunk = rest
		}

		if write {
			copy(f.kva[off:off+chunk], buf[done:done+chunk])
		} else {
			copy(buf[done:done+chunk], f.kva[off:off+chunk])
		}

		done += chunk
	}

	return nil
}
