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
)

// CopyTo duplicates the address space into dst for a fork: an eager copy,
// behaviorally identical at the point of return. Pending UNINIT pages are
// recreated as-is; stack pages run the stack-setup path and copy bytes;
// everything else gets an identical claimed descriptor with the parent's
// frame bytes copied in. mmap groups get their own reopened file in the
// child.
func (spt *SPT) CopyTo(dst *SPT) error {
	childGroups := make(map[*MmapGroup]*MmapGroup)
	groupFor := func(g *MmapGroup) *MmapGroup {
		child, ok := childGroups[g]
		if !ok {
			child = &MmapGroup{file: g.file.Reopen(), pages: g.pages}
			childGroups[g] = child
		}

		return child
	}

	for _, p := range spt.Pages() {
		switch {
		case p.typ == TypeUninit:
			aux := p.uninit.aux
			if fs, ok := aux.(*fileState); ok {
				aux = &fileState{
					group:     groupFor(fs.group),
					offset:    fs.offset,
					readBytes: fs.readBytes,
					zeroBytes: fs.zeroBytes,
				}
			}

			child := NewUninitPage(p.va, p.writable, p.uninit.destined, p.uninit.init, aux)
			child.uninit.stack = p.uninit.stack
			if err := dst.Insert(child); err != nil {
				return err
			}

		case p.Stack():
			if err := dst.allocStackPage(p.va); err != nil {
				return fmt.Errorf("forking stack page %#x: %w", p.va, err)
			}

			if err := spt.copyContents(p, dst); err != nil {
				return err
			}

		default:
			var child *Page
			switch p.typ {
			case TypeAnon:
				child = &Page{
					va:       p.va,
					writable: p.writable,
					typ:      TypeAnon,
					anon:     &anonState{slot: -1},
				}

			case TypeFile:
				child = &Page{
					va:       p.va,
					writable: p.writable,
					typ:      TypeFile,
					file: &fileState{
						group:     groupFor(p.file.group),
						offset:    p.file.offset,
						readBytes: p.file.readBytes,
						zeroBytes: p.file.zeroBytes,
					},
				}
			}

			if err := dst.Insert(child); err != nil {
				return err
			}

			if err := dst.claimPage(child); err != nil {
				return fmt.Errorf("forking page %#x: %w", p.va, err)
			}

			if err := spt.copyContents(p, dst); err != nil {
				return err
			}
		}
	}

	// Register the duplicated groups under their head addresses.
	for head, g := range spt.groups {
		if child, ok := childGroups[g]; ok {
			dst.groups[head] = child
		}
	}

	dst.stackBottom = spt.stackBottom
	return nil
}

// copyContents copies the parent page's bytes into the child's resident
// frame, faulting either page back in if eviction stole its frame. Under
// severe memory pressure claiming one side can evict the other, so the
// claims retry; with a pool of at least two frames this settles.
func (spt *SPT) copyContents(p *Page, dst *SPT) error {
	child := dst.Find(p.va)
	if child == nil {
		return fmt.Errorf("child page %#x missing", p.va)
	}

	const maxTries = 4
	for n := 0; n < maxTries; n++ {
		if p.frame == nil {
			if err := spt.claimPage(p); err != nil {
				return fmt.Errorf("reclaiming parent page %#x: %w", p.va, err)
			}
		}

		if child.frame == nil {
			if err := dst.claimPage(child); err != nil {
				return fmt.Errorf("reclaiming child page %#x: %w", p.va, err)
			}
		}

		if p.frame != nil && child.frame != nil {
			copy(child.frame.kva, p.frame.kva)
			// Keep both looking recently used so the copy is not undone by
			// the next eviction.
			spt.pt.Touch(p.va, false)
			dst.pt.Touch(child.va, false)
			return nil
		}
	}

	return fmt.Errorf("did not converge copying page %#x after %v tries", p.va, maxTries)
}
