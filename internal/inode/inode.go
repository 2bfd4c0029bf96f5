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

// Package inode implements persistent files and directories. An inode is
// identified by the sector holding its header; its data lives in a FAT
// chain of its own. Runtime inodes are reference counted and deduplicated
// by sector, so that every opener of a file shares one view of it.
package inode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/fat"
	"github.com/jacobsa/syncutil"
)

// Magic identifies an inode header sector. A mismatch on load means the
// file system is corrupt, which is fatal.
const Magic = 0x494e4f44

var ErrNoSpace = fat.ErrNoSpace

// Store owns the runtime inode table for one mounted file system.
type Store struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev blockdev.Device
	fat *fat.Table

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The inodes currently open, keyed by header sector.
	//
	// INVARIANT: For each k/v, v.sector == k
	// INVARIANT: For each value v, v.openCount > 0
	//
	// GUARDED_BY(mu)
	open map[uint32]*Inode
}

func NewStore(dev blockdev.Device, table *fat.Table) (s *Store) {
	s = &Store{
		dev:  dev,
		fat:  table,
		open: make(map[uint32]*Inode),
	}

	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return
}

// Fat returns the allocation table the store's inodes chain through.
func (s *Store) Fat() *fat.Table {
	return s.fat
}

func (s *Store) checkInvariants() {
	for sector, in := range s.open {
		if in.sector != sector {
			panic(fmt.Sprintf("sector mismatch: %d vs. %d", in.sector, sector))
		}

		if in.openCount <= 0 {
			panic(fmt.Sprintf("inode %d open with count %d", sector, in.openCount))
		}
	}
}

// An Inode is the runtime state for one on-disk file or directory. All
// mutating methods are serialized by the callers' file-system lock; the
// store's lock guards only lifecycle bookkeeping.
type Inode struct {
	store *Store

	/////////////////////////
	// Constant data
	/////////////////////////

	// The sector holding the header; doubles as the inumber.
	sector uint32

	isDir bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// GUARDED_BY(store.mu)
	openCount int

	// Set when the last directory entry for the inode has been removed. The
	// chains are freed at last close.
	//
	// GUARDED_BY(store.mu)
	removed bool

	// Number of outstanding writers denied. Writes fail while positive.
	denyWriteCount int

	// The file's length in bytes and the first cluster of its data chain.
	// start is zero iff no data cluster has ever been allocated.
	//
	// INVARIANT: length > 0 implies start != 0
	length uint32
	start  fat.Cluster

	// Whether the in-memory header differs from disk.
	dirty bool
}

////////////////////////////////////////////////////////////////////////
// Creation and lifecycle
////////////////////////////////////////////////////////////////////////

// Create writes a fresh inode header at the given sector, with a zeroed
// data chain covering length bytes. The sector must already be allocated in
// the FAT (it is the head of the inode's one-cluster header chain).
func (s *Store) Create(sector uint32, length uint32, isDir bool) error {
	var start fat.Cluster
	clusters := int((length + blockdev.SectorSize - 1) / blockdev.SectorSize)

	zero := make([]byte, blockdev.SectorSize)
	prev := fat.Cluster(0)
	for i := 0; i < clusters; i++ {
		c, err := s.fat.CreateChain(prev)
		if err != nil {
			// Unwind the partial chain.
			if start != 0 {
				s.fat.RemoveChain(start, 0)
			}

			return err
		}

		if err := s.dev.WriteSector(s.fat.ClusterToSector(c), zero); err != nil {
			if start != 0 {
				s.fat.RemoveChain(start, 0)
			} else {
				s.fat.RemoveChain(c, 0)
			}

			return fmt.Errorf("zeroing cluster %d: %w", c, err)
		}

		if prev == 0 {
			start = c
		}

		prev = c
	}

	return writeHeader(s.dev, sector, length, start, isDir)
}

// Open returns the runtime inode for the given header sector, sharing any
// existing open, and bumps its reference count.
//
// LOCKS_EXCLUDED(s.mu)
func (s *Store) Open(sector uint32) (in *Inode, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in = s.open[sector]; in != nil {
		in.openCount++
		return
	}

	buf := make([]byte, blockdev.SectorSize)
	if err = s.dev.ReadSector(sector, buf); err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", sector, err)
	}

	length := binary.LittleEndian.Uint32(buf[0:])
	magic := binary.LittleEndian.Uint32(buf[4:])
	start := fat.Cluster(binary.LittleEndian.Uint32(buf[8:]))
	isDir := buf[12] != 0

	if magic != Magic {
		panic(fmt.Sprintf("inode %d: bad magic %#x", sector, magic))
	}

	in = &Inode{
		store:  s,
		sector: sector,
		isDir:  isDir,
		length: length,
		start:  start,

		openCount: 1,
	}

	s.open[sector] = in
	return
}

// Reopen bumps the reference count of an already-open inode.
//
// LOCKS_EXCLUDED(in.store.mu)
func (in *Inode) Reopen() *Inode {
	in.store.mu.Lock()
	defer in.store.mu.Unlock()

	in.openCount++
	return in
}

// OpenCount returns the current reference count.
//
// LOCKS_EXCLUDED(in.store.mu)
func (in *Inode) OpenCount() int {
	in.store.mu.Lock()
	defer in.store.mu.Unlock()

	return in.openCount
}

// Remove marks the inode for destruction at last close. Directory entries
// pointing at it are the caller's business.
//
// LOCKS_EXCLUDED(in.store.mu)
func (in *Inode) Remove() {
	in.store.mu.Lock()
	defer in.store.mu.Unlock()

	in.removed = true
}

// Close drops one reference. The last close flushes the header, or, if the
// inode has been removed, frees its header and data chains instead.
//
// LOCKS_EXCLUDED(in.store.mu)
func (in *Inode) Close() error {
	s := in.store

	s.mu.Lock()
	in.openCount--
	last := in.openCount == 0
	if last {
		delete(s.open, in.sector)
	}
	s.mu.Unlock()

	if !last {
		return nil
	}

	if in.removed {
		s.fat.RemoveChain(s.fat.SectorToCluster(in.sector), 0)
		if in.start != 0 {
			s.fat.RemoveChain(in.start, 0)
		}

		return nil
	}

	return in.flushHeader()
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

// Inumber returns the inode's persistent identity: its header sector.
func (in *Inode) Inumber() uint32 {
	return in.sector
}

func (in *Inode) IsDir() bool {
	return in.isDir
}

func (in *Inode) Length() uint32 {
	return in.length
}

// DenyWrite blocks writes to the inode until a matching AllowWrite.
func (in *Inode) DenyWrite() {
	in.denyWriteCount++
}

func (in *Inode) AllowWrite() {
	if in.denyWriteCount <= 0 {
		panic("AllowWrite without matching DenyWrite")
	}

	in.denyWriteCount--
}

////////////////////////////////////////////////////////////////////////
// Data path
////////////////////////////////////////////////////////////////////////

// ReadAt reads up to len(buf) bytes at the given byte offset. Reads past
// the current length return 0 bytes.
func (in *Inode) ReadAt(buf []byte, offset int64) (n int, err error) {
	if offset < 0 {
		return 0, errors.New("negative offset")
	}

	sector := make([]byte, blockdev.SectorSize)
	for n < len(buf) {
		off := offset + int64(n)
		if off >= int64(in.length) {
			return
		}

		c, ok := in.clusterFor(off)
		if !ok {
			return
		}

		if err = in.store.dev.ReadSector(in.store.fat.ClusterToSector(c), sector); err != nil {
			err = fmt.Errorf("reading inode %d at %d: %w", in.sector, off, err)
			return
		}

		chunk := blockdev.SectorSize - int(off%blockdev.SectorSize)
		if rest := int(int64(in.length) - off); chunk > rest {
			chunk = rest
		}
		if rest := len(buf) - n; chunk > rest {
			chunk = rest
		}

		copy(buf[n:n+chunk], sector[off%blockdev.SectorSize:])
		n += chunk
	}

	return
}

// WriteAt writes len(buf) bytes at the given byte offset, growing the data
// chain as needed. Returns a short count when the disk fills, and 0 while
// writes are denied.
func (in *Inode) WriteAt(buf []byte, offset int64) (n int, err error) {
	if offset < 0 {
		return 0, errors.New("negative offset")
	}

	if in.denyWriteCount > 0 {
		return 0, nil
	}

	sector := make([]byte, blockdev.SectorSize)
	for n < len(buf) {
		off := offset + int64(n)

		c, growErr := in.clusterForGrowing(off)
		if growErr != nil {
			// End of disk: report what was written.
			err = growErr
			if errors.Is(growErr, fat.ErrNoSpace) {
				err = nil
			}

			break
		}

		devSector := in.store.fat.ClusterToSector(c)
		chunk := blockdev.SectorSize - int(off%blockdev.SectorSize)
		if rest := len(buf) - n; chunk > rest {
			chunk = rest
		}

		// Partial sector writes preserve the bytes around them.
		if chunk < blockdev.SectorSize {
			if err = in.store.dev.ReadSector(devSector, sector); err != nil {
				err = fmt.Errorf("reading inode %d at %d: %w", in.sector, off, err)
				break
			}
		}

		copy(sector[off%blockdev.SectorSize:], buf[n:n+chunk])
		if err = in.store.dev.WriteSector(devSector, sector); err != nil {
			err = fmt.Errorf("writing inode %d at %d: %w", in.sector, off, err)
			break
		}

		n += chunk
		if grown := uint32(off) + uint32(chunk); grown > in.length {
			in.length = grown
			in.dirty = true
		}
	}

	return
}

// Flush writes the header back if it changed.
func (in *Inode) Flush() error {
	if !in.dirty {
		return nil
	}

	return in.flushHeader()
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// clusterFor walks the data chain to the cluster containing the given byte
// offset. ok is false past the end of the chain.
func (in *Inode) clusterFor(offset int64) (c fat.Cluster, ok bool) {
	if in.start == 0 {
		return 0, false
	}

	c = in.start
	for i := offset / blockdev.SectorSize; i > 0; i-- {
		c = in.store.fat.Next(c)
		if c == fat.EndOfChain {
			return 0, false
		}
	}

	return c, true
}

// clusterForGrowing is clusterFor, extending the chain (with zeroed
// clusters) until the offset is covered.
func (in *Inode) clusterForGrowing(offset int64) (c fat.Cluster, err error) {
	zero := make([]byte, blockdev.SectorSize)

	if in.start == 0 {
		if in.start, err = in.store.fat.CreateChain(0); err != nil {
			return
		}

		if err = in.store.dev.WriteSector(
			in.store.fat.ClusterToSector(in.start), zero); err != nil {
			return
		}

		in.dirty = true
	}

	c = in.start
	for i := offset / blockdev.SectorSize; i > 0; i-- {
		next := in.store.fat.Next(c)
		if next == fat.EndOfChain {
			if next, err = in.store.fat.CreateChain(c); err != nil {
				return
			}

			if err = in.store.dev.WriteSector(
				in.store.fat.ClusterToSector(next), zero); err != nil {
				return
			}
		}

		c = next
	}

	return c, nil
}

func (in *Inode) flushHeader() error {
	err := writeHeader(in.store.dev, in.sector, in.length, in.start, in.isDir)
	if err == nil {
		in.dirty = false
	}

	return err
}

func writeHeader(
	dev blockdev.Device,
	sector uint32,
	length uint32,
	start fat.Cluster,
	isDir bool) error {
	buf := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:], length)
	binary.LittleEndian.PutUint32(buf[4:], Magic)
	binary.LittleEndian.PutUint32(buf[8:], uint32(start))
	if isDir {
		buf[12] = 1
	}

	if err := dev.WriteSector(sector, buf); err != nil {
		return fmt.Errorf("writing inode header %d: %w", sector, err)
	}

	return nil
}
