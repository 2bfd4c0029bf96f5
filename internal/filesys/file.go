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

package filesys

import (
	"github.com/googlecloudplatform/teachos/internal/inode"
)

// A Handle is what an open() hands back: a file or a directory capability.
// The two are distinct types because they support distinct operations; a
// directory handle reads entries, a file handle reads bytes.
type Handle interface {
	Inode() *inode.Inode
	Close() error
}

var _ Handle = &File{}
var _ Handle = &inode.Dir{}

// A File is an open file: an inode reference plus a position. Each opener
// gets its own; the inode is shared.
type File struct {
	in *inode.Inode

	pos int64

	// Whether this handle is responsible for re-allowing writes on close.
	denyWrite bool
}

// NewFile wraps an opened inode. The file owns the reference.
func NewFile(in *inode.Inode) *File {
	return &File{in: in}
}

func (f *File) Inode() *inode.Inode {
	return f.in
}

// Reopen opens the same inode again with an independent position starting
// at zero.
func (f *File) Reopen() *File {
	return &File{in: f.in.Reopen()}
}

// Duplicate clones the handle for a forked task: same inode, same current
// position, independent from here on.
func (f *File) Duplicate() *File {
	dup := &File{in: f.in.Reopen(), pos: f.pos}
	if f.denyWrite {
		dup.denyWrite = true
		dup.in.DenyWrite()
	}

	return dup
}

// Read reads from the current position, advancing it.
func (f *File) Read(buf []byte) (n int, err error) {
	n, err = f.in.ReadAt(buf, f.pos)
	f.pos += int64(n)
	return
}

// ReadAt reads at the given offset without touching the position.
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	return f.in.ReadAt(buf, offset)
}

// Write writes at the current position, advancing it.
func (f *File) Write(buf []byte) (n int, err error) {
	n, err = f.in.WriteAt(buf, f.pos)
	f.pos += int64(n)
	return
}

// WriteAt writes at the given offset without touching the position.
func (f *File) WriteAt(buf []byte, offset int64) (int, error) {
	return f.in.WriteAt(buf, offset)
}

// Seek sets the position. Seeking past the end is legal; the gap reads as
// absent until written.
func (f *File) Seek(pos int64) {
	f.pos = pos
}

// Tell returns the current position.
func (f *File) Tell() int64 {
	return f.pos
}

// Length returns the file's current length in bytes.
func (f *File) Length() int64 {
	return int64(f.in.Length())
}

// DenyWrite blocks writes through any handle on the inode until this
// handle closes or AllowWrite is called.
func (f *File) DenyWrite() {
	if !f.denyWrite {
		f.denyWrite = true
		f.in.DenyWrite()
	}
}

func (f *File) AllowWrite() {
	if f.denyWrite {
		f.denyWrite = false
		f.in.AllowWrite()
	}
}

// Close releases the handle's inode reference.
func (f *File) Close() error {
	f.AllowWrite()
	return f.in.Close()
}
