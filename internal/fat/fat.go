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

// Package fat maintains the File Allocation Table: a per-cluster array
// linking clusters into chains, one chain per file or directory. One
// cluster is one sector in this system.
//
// The table lives in memory and is written back to the FAT's own sectors on
// Close. Crash consistency is not a goal; a clean shutdown flushes.
package fat

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/locker"
)

// A Cluster names one allocation unit on the file-system device.
type Cluster uint32

const (
	// Empty marks an unallocated cluster's FAT entry.
	Empty Cluster = 0

	// EndOfChain terminates every chain.
	EndOfChain Cluster = 0x0FFFFFF8

	// RootCluster holds the root directory. Format allocates it first, so
	// the first-fit scan is guaranteed to place it here.
	RootCluster Cluster = 2
)

// Clusters 0 and 1 never hold data: 0 is reserved so that it can double as
// the "no cluster" value, and 1 stands for the FAT's own sectors.
const firstDataCluster Cluster = 2

const entriesPerSector = blockdev.SectorSize / 4

var ErrNoSpace = errors.New("fat: no free cluster")

type Table struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev blockdev.Device

	/////////////////////////
	// Constant data
	/////////////////////////

	// The FAT occupies sectors [1, 1+fatSectors). Data clusters follow.
	fatSectors uint32
	dataStart  uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu locker.Locker

	// The in-memory copy of the table, indexed by cluster. Entries below
	// firstDataCluster are fixed at EndOfChain.
	//
	// INVARIANT: len(entries) == the cluster count computed by geometry
	// INVARIANT: Each entry is Empty, EndOfChain, or a valid cluster index
	//            whose own entry is not Empty.
	//
	// GUARDED_BY(mu)
	entries []Cluster
}

// geometry computes the FAT extent for a device: one entry per device
// sector is reserved, which over-allocates slightly but keeps the layout a
// pure function of the device size.
func geometry(dev blockdev.Device) (fatSectors, dataStart uint32, clusters Cluster) {
	total := dev.SectorCount()
	fatSectors = (total + entriesPerSector - 1) / entriesPerSector
	dataStart = 1 + fatSectors
	clusters = firstDataCluster + Cluster(total-dataStart)
	return
}

func newTable(dev blockdev.Device) *Table {
	t := &Table{dev: dev}
	t.fatSectors, t.dataStart, _ = geometry(dev)
	t.mu = locker.New("FAT", t.checkInvariants)
	return t
}

// Format writes a fresh table to the device and allocates the root
// directory cluster. The previous contents of the FAT sectors are lost.
func Format(dev blockdev.Device) (t *Table, err error) {
	t = newTable(dev)
	_, _, clusters := geometry(dev)

	t.entries = make([]Cluster, clusters)
	for c := Cluster(0); c < firstDataCluster; c++ {
		t.entries[c] = EndOfChain
	}

	root, err := t.CreateChain(0)
	if err != nil {
		return nil, fmt.Errorf("allocating root cluster: %w", err)
	}

	if root != RootCluster {
		panic(fmt.Sprintf("root landed on cluster %d, want %d", root, RootCluster))
	}

	if err = t.Flush(); err != nil {
		return nil, err
	}

	return t, nil
}

// Open reads the table persisted on the device.
func Open(dev blockdev.Device) (t *Table, err error) {
	t = newTable(dev)
	_, _, clusters := geometry(dev)
	t.entries = make([]Cluster, clusters)

	buf := make([]byte, blockdev.SectorSize)
	for i := range t.entries {
		sector := 1 + uint32(i)/entriesPerSector
		if uint32(i)%entriesPerSector == 0 {
			if err = t.dev.ReadSector(sector, buf); err != nil {
				return nil, fmt.Errorf("reading FAT sector %d: %w", sector, err)
			}
		}

		off := (uint32(i) % entriesPerSector) * 4
		t.entries[i] = Cluster(binary.LittleEndian.Uint32(buf[off:]))
	}

	for c := Cluster(0); c < firstDataCluster; c++ {
		if t.entries[c] != EndOfChain {
			logFatalCorruption(c, t.entries[c])
		}
	}

	return t, nil
}

// Flush writes the in-memory table back to the FAT sectors.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, blockdev.SectorSize)
	for i := 0; i < len(t.entries); i += entriesPerSector {
		for j := 0; j < entriesPerSector; j++ {
			var e Cluster
			if i+j < len(t.entries) {
				e = t.entries[i+j]
			}

			binary.LittleEndian.PutUint32(buf[j*4:], uint32(e))
		}

		sector := 1 + uint32(i/entriesPerSector)
		if err := t.dev.WriteSector(sector, buf); err != nil {
			return fmt.Errorf("writing FAT sector %d: %w", sector, err)
		}
	}

	return t.dev.Flush()
}

// Close flushes the table. The device stays open; it belongs to the caller.
func (t *Table) Close() error {
	return t.Flush()
}

// CreateChain allocates one fresh cluster. With prev == 0 the cluster
// starts a new chain; otherwise it is linked after prev, which must be the
// current tail of its chain. Returns ErrNoSpace when no cluster is free.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) CreateChain(prev Cluster) (c Cluster, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.scanEmpty()
	if !ok {
		return 0, ErrNoSpace
	}

	t.entries[c] = EndOfChain
	if prev != 0 {
		if t.entries[prev] != EndOfChain {
			logFatalCorruption(prev, t.entries[prev])
		}

		t.entries[prev] = c
	}

	return c, nil
}

// RemoveChain frees every cluster from start to the end of its chain. With
// pprev != 0, pprev becomes the new tail first, so that truncating a suffix
// leaves a well-formed chain behind.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) RemoveChain(start, pprev Cluster) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pprev != 0 {
		t.entries[pprev] = EndOfChain
	}

	c := start
	for c != EndOfChain {
		next := t.entries[c]
		if next == Empty {
			logFatalCorruption(c, next)
		}

		t.entries[c] = Empty
		c = next
	}
}

// Next returns the cluster following c in its chain, or EndOfChain at the
// tail. Following an unallocated cluster is a consistency error.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Next(c Cluster) Cluster {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.entries[c]
	if next == Empty {
		logFatalCorruption(c, next)
	}

	return next
}

// ClusterToSector maps a data cluster to its device sector.
func (t *Table) ClusterToSector(c Cluster) uint32 {
	if c < firstDataCluster || c >= Cluster(len(t.entries)) {
		panic(fmt.Sprintf("cluster %d outside the data region", c))
	}

	return t.dataStart + uint32(c-firstDataCluster)
}

// SectorToCluster is the inverse of ClusterToSector.
func (t *Table) SectorToCluster(s uint32) Cluster {
	if s < t.dataStart || s >= t.dev.SectorCount() {
		panic(fmt.Sprintf("sector %d outside the data region", s))
	}

	return firstDataCluster + Cluster(s-t.dataStart)
}

// ClusterCount returns the total number of clusters, reserved ones
// included.
func (t *Table) ClusterCount() int {
	return len(t.entries)
}

// FreeCount returns the number of unallocated clusters.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) FreeCount() (n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for c := firstDataCluster; c < Cluster(len(t.entries)); c++ {
		if t.entries[c] == Empty {
			n++
		}
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// First-fit from the start of the data region.
//
// LOCKS_REQUIRED(t.mu)
func (t *Table) scanEmpty() (c Cluster, ok bool) {
	for c = firstDataCluster; c < Cluster(len(t.entries)); c++ {
		if t.entries[c] == Empty {
			return c, true
		}
	}

	return 0, false
}

// LOCKS_REQUIRED(t.mu)
func (t *Table) checkInvariants() {
	// INVARIANT: Entries below firstDataCluster are fixed at EndOfChain.
	for c := Cluster(0); c < firstDataCluster; c++ {
		if t.entries[c] != EndOfChain {
			panic(fmt.Sprintf("reserved cluster %d has entry %#x", c, t.entries[c]))
		}
	}

	// INVARIANT: Each entry is Empty, EndOfChain, or a valid cluster index
	// whose own entry is not Empty.
	for c := firstDataCluster; c < Cluster(len(t.entries)); c++ {
		e := t.entries[c]
		switch {
		case e == Empty || e == EndOfChain:
		case e < firstDataCluster || e >= Cluster(len(t.entries)):
			panic(fmt.Sprintf("cluster %d links to illegal cluster %#x", c, e))
		case t.entries[e] == Empty:
			panic(fmt.Sprintf("cluster %d links to free cluster %d", c, e))
		}
	}
}

func logFatalCorruption(c, e Cluster) {
	panic(fmt.Sprintf("FAT corruption: cluster %d has entry %#x", c, e))
}
