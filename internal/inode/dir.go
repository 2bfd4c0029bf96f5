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

package inode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// NameMax is the longest directory entry name, excluding the terminator.
const NameMax = 14

// On-disk entry layout, 20 bytes: inUse(1) + inumber(4, LE) + name(15,
// NUL-padded).
const entrySize = 20

var (
	ErrExists      = errors.New("dir: name exists")
	ErrNotFound    = errors.New("dir: no such name")
	ErrNameTooLong = errors.New("dir: name too long")
	ErrNotEmpty    = errors.New("dir: directory not empty")
	ErrInUse       = errors.New("dir: directory in use")
)

// CreateDir writes a fresh directory inode at the given sector, sized for
// entryCount entries. The caller adds "." and "..".
func (s *Store) CreateDir(sector uint32, entryCount int) error {
	return s.Create(sector, uint32(entryCount*entrySize), true)
}

// A Dir is a position-carrying handle on a directory inode, the directory
// analogue of an open file. Closing it drops the inode reference.
type Dir struct {
	in *Inode

	// The next entry index ReadEntry will look at.
	pos uint32
}

type dirEntry struct {
	inUse   bool
	inumber uint32
	name    string
}

// OpenDir wraps an already-opened directory inode. The handle owns the
// reference.
func OpenDir(in *Inode) (*Dir, error) {
	if in == nil {
		return nil, errors.New("dir: nil inode")
	}

	if !in.IsDir() {
		in.Close()
		return nil, fmt.Errorf("dir: inode %d is not a directory", in.Inumber())
	}

	return &Dir{in: in}, nil
}

// Reopen returns an independent handle on the same directory, with its own
// read position and its own inode reference.
func (d *Dir) Reopen() *Dir {
	return &Dir{in: d.in.Reopen()}
}

func (d *Dir) Close() error {
	return d.in.Close()
}

func (d *Dir) Inode() *Inode {
	return d.in
}

// Lookup opens the inode named by the given entry. The caller owns the
// returned reference.
func (d *Dir) Lookup(name string) (*Inode, error) {
	e, _, err := d.scan(name)
	if err != nil {
		return nil, err
	}

	return d.in.store.Open(e.inumber)
}

// Add records name → sector. The name must not exist; free slots are reused
// before the directory grows.
func (d *Dir) Add(name string, sector uint32) error {
	if len(name) == 0 {
		return ErrNotFound
	}

	if len(name) > NameMax {
		return ErrNameTooLong
	}

	if _, _, err := d.scan(name); err == nil {
		return ErrExists
	}

	// Find a free slot, or the append position.
	slot := uint32(d.in.Length() / entrySize)
	for i := uint32(0); i < uint32(d.in.Length())/entrySize; i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return err
		}

		if !e.inUse {
			slot = i
			break
		}
	}

	return d.writeEntry(slot, dirEntry{inUse: true, inumber: sector, name: name})
}

// Remove deletes the entry for name and marks its inode for destruction at
// last close. Directories must be empty and not held open by anyone else
// (an open handle or a task's working directory).
func (d *Dir) Remove(name string) error {
	e, slot, err := d.scan(name)
	if err != nil {
		return err
	}

	target, err := d.in.store.Open(e.inumber)
	if err != nil {
		return err
	}
	defer target.Close()

	if target.IsDir() {
		td, err := OpenDir(target.Reopen())
		if err != nil {
			return err
		}

		empty, err := td.isEmpty()
		td.Close()
		if err != nil {
			return err
		}

		if !empty {
			return ErrNotEmpty
		}

		// Our lookup reference is the only one tolerated; anything above it
		// is an open fd or a current working directory.
		if target.OpenCount() > 1 {
			return ErrInUse
		}
	}

	if err := d.writeEntry(slot, dirEntry{}); err != nil {
		return err
	}

	target.Remove()
	return nil
}

// ReadEntry returns the next in-use entry name, skipping "." and "..".
// ok is false at the end of the directory.
func (d *Dir) ReadEntry() (name string, ok bool, err error) {
	for d.pos < uint32(d.in.Length())/entrySize {
		e, readErr := d.readEntry(d.pos)
		if readErr != nil {
			return "", false, readErr
		}

		d.pos++
		if e.inUse && e.name != "." && e.name != ".." {
			return e.name, true, nil
		}
	}

	return "", false, nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (d *Dir) isEmpty() (bool, error) {
	for i := uint32(0); i < uint32(d.in.Length())/entrySize; i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return false, err
		}

		if e.inUse && e.name != "." && e.name != ".." {
			return false, nil
		}
	}

	return true, nil
}

func (d *Dir) scan(name string) (e dirEntry, slot uint32, err error) {
	if len(name) > NameMax {
		err = ErrNameTooLong
		return
	}

	for i := uint32(0); i < uint32(d.in.Length())/entrySize; i++ {
		if e, err = d.readEntry(i); err != nil {
			return
		}

		if e.inUse && e.name == name {
			return e, i, nil
		}
	}

	err = ErrNotFound
	return
}

func (d *Dir) readEntry(i uint32) (e dirEntry, err error) {
	var buf [entrySize]byte
	n, err := d.in.ReadAt(buf[:], int64(i)*entrySize)
	if err != nil {
		return
	}

	if n != entrySize {
		err = fmt.Errorf("dir %d: short entry %d", d.in.Inumber(), i)
		return
	}

	e.inUse = buf[0] != 0
	e.inumber = binary.LittleEndian.Uint32(buf[1:])
	if end := bytes.IndexByte(buf[5:], 0); end >= 0 {
		e.name = string(buf[5 : 5+end])
	} else {
		e.name = string(buf[5:])
	}

	return
}

func (d *Dir) writeEntry(i uint32, e dirEntry) error {
	var buf [entrySize]byte
	if e.inUse {
		buf[0] = 1
	}

	binary.LittleEndian.PutUint32(buf[1:], e.inumber)
	copy(buf[5:], e.name)

	n, err := d.in.WriteAt(buf[:], int64(i)*entrySize)
	if err != nil {
		return err
	}

	if n != entrySize {
		return ErrNoSpace
	}

	return nil
}
