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

var ErrBadMap = errors.New("vm: bad mapping request")

// Mmap maps length bytes of file at offset into the address space starting
// at addr, one UNINIT file-destined descriptor per page. The group is
// identified by addr; the file is reopened so the mapping survives the fd
// being closed. Returns the mapped address.
//
// Rejected: nil or unaligned addr, unaligned offset, non-positive length,
// kernel-range addresses, and overlap with any existing page.
func (spt *SPT) Mmap(
	addr uint64,
	length int64,
	writable bool,
	file *filesys.File,
	offset int64) (uint64, error) {
	switch {
	case addr == 0,
		addr != PageFloor(addr),
		offset%PageSize != 0,
		length <= 0,
		IsKernel(addr),
		IsKernel(addr + uint64(length) - 1):
		return 0, ErrBadMap
	}

	pages := int((length + PageSize - 1) / PageSize)
	for i := 0; i < pages; i++ {
		if spt.Find(addr+uint64(i)*PageSize) != nil {
			return 0, ErrBadMap
		}
	}

	group := &MmapGroup{
		file:  file.Reopen(),
		pages: pages,
	}

	fileLen := group.file.Length()
	remaining := length
	for i := 0; i < pages; i++ {
		pageOffset := offset + int64(i)*PageSize

		readBytes := int64(PageSize)
		if remaining < readBytes {
			readBytes = remaining
		}
		if avail := fileLen - pageOffset; avail < readBytes {
			readBytes = avail
		}
		if readBytes < 0 {
			readBytes = 0
		}

		aux := &fileState{
			group:     group,
			offset:    pageOffset,
			readBytes: int(readBytes),
			zeroBytes: PageSize - int(readBytes),
		}

		va := addr + uint64(i)*PageSize
		if err := spt.AllocWithInitializer(TypeFile, va, writable, nil, aux); err != nil {
			// Cannot happen: the overlap scan above found the range free.
			panic(fmt.Sprintf("inserting mmap page at %#x: %v", va, err))
		}

		remaining -= PageSize
	}

	spt.groups[addr] = group
	return addr, nil
}

// Munmap destroys the group identified by addr (which must be a group's
// first page), writing dirty pages back and closing the group's file.
func (spt *SPT) Munmap(addr uint64) error {
	group, ok := spt.groups[addr]
	if !ok {
		return fmt.Errorf("no mapping at %#x", addr)
	}

	var firstErr error
	for i := 0; i < group.pages; i++ {
		if p := spt.Find(addr + uint64(i)*PageSize); p != nil {
			if err := spt.Remove(p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	delete(spt.groups, addr)
	if err := group.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
