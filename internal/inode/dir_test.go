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

package inode_test

import (
	"strings"
	"testing"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/fat"
	"github.com/googlecloudplatform/teachos/internal/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type DirTest struct {
	suite.Suite

	dev   *blockdev.MemDevice
	table *fat.Table
	store *inode.Store

	dir *inode.Dir
}

func TestDirSuite(t *testing.T) {
	suite.Run(t, new(DirTest))
}

func (t *DirTest) SetupTest() {
	t.dev = blockdev.NewMemDevice(128)

	var err error
	t.table, err = fat.Format(t.dev)
	require.NoError(t.T(), err)

	t.store = inode.NewStore(t.dev, t.table)
	t.dir = t.makeDir(0)
}

// makeDir creates a directory inode, adds "." and "..", and opens it.
// parent 0 means self-parented, like the root.
func (t *DirTest) makeDir(parent uint32) *inode.Dir {
	cluster, err := t.table.CreateChain(0)
	require.NoError(t.T(), err)

	sector := t.table.ClusterToSector(cluster)
	require.NoError(t.T(), t.store.CreateDir(sector, 16))

	in, err := t.store.Open(sector)
	require.NoError(t.T(), err)

	d, err := inode.OpenDir(in)
	require.NoError(t.T(), err)

	if parent == 0 {
		parent = sector
	}

	require.NoError(t.T(), d.Add(".", sector))
	require.NoError(t.T(), d.Add("..", parent))
	return d
}

// makeFile creates a file inode and returns its sector.
func (t *DirTest) makeFile(length uint32) uint32 {
	cluster, err := t.table.CreateChain(0)
	require.NoError(t.T(), err)

	sector := t.table.ClusterToSector(cluster)
	require.NoError(t.T(), t.store.Create(sector, length, false))
	return sector
}

func (t *DirTest) TestDotEntriesResolve() {
	self, err := t.dir.Lookup(".")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), t.dir.Inode().Inumber(), self.Inumber())
	self.Close()

	up, err := t.dir.Lookup("..")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), t.dir.Inode().Inumber(), up.Inumber())
	up.Close()
}

func (t *DirTest) TestAddAndLookup() {
	sector := t.makeFile(10)
	require.NoError(t.T(), t.dir.Add("hello", sector))

	in, err := t.dir.Lookup("hello")
	require.NoError(t.T(), err)
	defer in.Close()

	assert.Equal(t.T(), sector, in.Inumber())
}

func (t *DirTest) TestLookupMissing() {
	_, err := t.dir.Lookup("absent")
	assert.ErrorIs(t.T(), err, inode.ErrNotFound)
}

func (t *DirTest) TestAddDuplicateRejected() {
	sector := t.makeFile(0)
	require.NoError(t.T(), t.dir.Add("dup", sector))
	assert.ErrorIs(t.T(), t.dir.Add("dup", sector), inode.ErrExists)
}

func (t *DirTest) TestNameTooLong() {
	name := strings.Repeat("x", inode.NameMax+1)
	assert.ErrorIs(t.T(), t.dir.Add(name, t.makeFile(0)), inode.ErrNameTooLong)
}

func (t *DirTest) TestMaxLengthNameRoundTrips() {
	name := strings.Repeat("n", inode.NameMax)
	sector := t.makeFile(0)
	require.NoError(t.T(), t.dir.Add(name, sector))

	in, err := t.dir.Lookup(name)
	require.NoError(t.T(), err)
	defer in.Close()
	assert.Equal(t.T(), sector, in.Inumber())
}

func (t *DirTest) TestRemoveFile() {
	require.NoError(t.T(), t.dir.Add("gone", t.makeFile(0)))
	require.NoError(t.T(), t.dir.Remove("gone"))

	_, err := t.dir.Lookup("gone")
	assert.ErrorIs(t.T(), err, inode.ErrNotFound)
}

func (t *DirTest) TestRemovedSlotIsReused() {
	require.NoError(t.T(), t.dir.Add("a", t.makeFile(0)))
	length := t.dir.Inode().Length()

	require.NoError(t.T(), t.dir.Remove("a"))
	require.NoError(t.T(), t.dir.Add("b", t.makeFile(0)))

	assert.Equal(t.T(), length, t.dir.Inode().Length())
}

func (t *DirTest) TestRemoveNonEmptyDirRefused() {
	child := t.makeDir(t.dir.Inode().Inumber())
	require.NoError(t.T(), t.dir.Add("sub", child.Inode().Inumber()))
	require.NoError(t.T(), child.Add("f", t.makeFile(0)))
	require.NoError(t.T(), child.Close())

	assert.ErrorIs(t.T(), t.dir.Remove("sub"), inode.ErrNotEmpty)
}

func (t *DirTest) TestRemoveOpenDirRefused() {
	child := t.makeDir(t.dir.Inode().Inumber())
	require.NoError(t.T(), t.dir.Add("sub", child.Inode().Inumber()))

	// Still open (as somebody's CWD would be).
	assert.ErrorIs(t.T(), t.dir.Remove("sub"), inode.ErrInUse)

	require.NoError(t.T(), child.Close())
	assert.NoError(t.T(), t.dir.Remove("sub"))
}

func (t *DirTest) TestReadEntrySkipsDotsAndFreeSlots() {
	require.NoError(t.T(), t.dir.Add("one", t.makeFile(0)))
	require.NoError(t.T(), t.dir.Add("two", t.makeFile(0)))
	require.NoError(t.T(), t.dir.Add("three", t.makeFile(0)))
	require.NoError(t.T(), t.dir.Remove("two"))

	var names []string
	for {
		name, ok, err := t.dir.ReadEntry()
		require.NoError(t.T(), err)
		if !ok {
			break
		}

		names = append(names, name)
	}

	assert.Equal(t.T(), []string{"one", "three"}, names)
}
