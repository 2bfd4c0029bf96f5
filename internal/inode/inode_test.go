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
	"bytes"
	"testing"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/fat"
	"github.com/googlecloudplatform/teachos/internal/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type InodeTest struct {
	suite.Suite

	dev   *blockdev.MemDevice
	table *fat.Table
	store *inode.Store
}

func TestInodeSuite(t *testing.T) {
	suite.Run(t, new(InodeTest))
}

func (t *InodeTest) SetupTest() {
	t.dev = blockdev.NewMemDevice(128)

	var err error
	t.table, err = fat.Format(t.dev)
	require.NoError(t.T(), err)

	t.store = inode.NewStore(t.dev, t.table)
}

// newInode creates a file inode of the given length and opens it.
func (t *InodeTest) newInode(length uint32) *inode.Inode {
	cluster, err := t.table.CreateChain(0)
	require.NoError(t.T(), err)

	sector := t.table.ClusterToSector(cluster)
	require.NoError(t.T(), t.store.Create(sector, length, false))

	in, err := t.store.Open(sector)
	require.NoError(t.T(), err)
	return in
}

func (t *InodeTest) TestCreateAndOpen() {
	in := t.newInode(100)
	defer in.Close()

	assert.Equal(t.T(), uint32(100), in.Length())
	assert.False(t.T(), in.IsDir())
}

func (t *InodeTest) TestFreshInodeReadsZeros() {
	in := t.newInode(1000)
	defer in.Close()

	buf := make([]byte, 1000)
	n, err := in.ReadAt(buf, 0)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 1000, n)
	assert.Equal(t.T(), make([]byte, 1000), buf)
}

func (t *InodeTest) TestWriteReadRoundTrip() {
	in := t.newInode(2000)
	defer in.Close()

	// Straddle a sector boundary.
	data := bytes.Repeat([]byte("abc"), 300)
	n, err := in.WriteAt(data, 400)
	require.NoError(t.T(), err)
	require.Equal(t.T(), len(data), n)

	got := make([]byte, len(data))
	n, err = in.ReadAt(got, 400)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), len(data), n)
	assert.Equal(t.T(), data, got)
}

func (t *InodeTest) TestReadPastLengthReturnsNothing() {
	in := t.newInode(10)
	defer in.Close()

	buf := make([]byte, 4)
	n, err := in.ReadAt(buf, 10)
	require.NoError(t.T(), err)
	assert.Zero(t.T(), n)

	// A read straddling the end is short.
	n, err = in.ReadAt(buf, 8)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 2, n)
}

func (t *InodeTest) TestWriteGrowsFile() {
	in := t.newInode(0)
	defer in.Close()

	data := []byte("grown")
	n, err := in.WriteAt(data, 600)
	require.NoError(t.T(), err)
	require.Equal(t.T(), len(data), n)

	assert.Equal(t.T(), uint32(605), in.Length())

	// The gap before the write reads as zeros.
	buf := make([]byte, 605)
	n, err = in.ReadAt(buf, 0)
	require.NoError(t.T(), err)
	require.Equal(t.T(), 605, n)
	assert.Equal(t.T(), make([]byte, 600), buf[:600])
	assert.Equal(t.T(), data, buf[600:])
}

func (t *InodeTest) TestShortWriteWhenDiskFills() {
	in := t.newInode(0)
	defer in.Close()

	huge := make([]byte, 128*blockdev.SectorSize)
	n, err := in.WriteAt(huge, 0)
	require.NoError(t.T(), err)
	assert.Less(t.T(), n, len(huge))
	assert.Positive(t.T(), n)
	assert.Equal(t.T(), uint32(n), in.Length())
}

func (t *InodeTest) TestDenyWriteBlocksWrites() {
	in := t.newInode(100)
	defer in.Close()

	in.DenyWrite()
	n, err := in.WriteAt([]byte("nope"), 0)
	require.NoError(t.T(), err)
	assert.Zero(t.T(), n)

	in.AllowWrite()
	n, err = in.WriteAt([]byte("yes"), 0)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), 3, n)
}

func (t *InodeTest) TestOpenIsDeduplicatedBySector() {
	in := t.newInode(10)
	sector := in.Inumber()

	again, err := t.store.Open(sector)
	require.NoError(t.T(), err)

	assert.Same(t.T(), in, again)
	assert.Equal(t.T(), 2, in.OpenCount())

	require.NoError(t.T(), again.Close())
	require.NoError(t.T(), in.Close())
}

func (t *InodeTest) TestRemovedInodeFreesChainsAtLastClose() {
	in := t.newInode(3 * blockdev.SectorSize)
	free := t.table.FreeCount()

	other := in.Reopen()
	in.Remove()

	// Still open: nothing freed, data still readable.
	require.NoError(t.T(), in.Close())
	assert.Equal(t.T(), free, t.table.FreeCount())

	buf := make([]byte, 10)
	_, err := other.ReadAt(buf, 0)
	require.NoError(t.T(), err)

	// Last close frees the header cluster and the three data clusters.
	require.NoError(t.T(), other.Close())
	assert.Equal(t.T(), free+4, t.table.FreeCount())
}

func (t *InodeTest) TestLengthPersistsAcrossReopen() {
	in := t.newInode(0)
	_, err := in.WriteAt([]byte("persist me"), 0)
	require.NoError(t.T(), err)

	sector := in.Inumber()
	require.NoError(t.T(), in.Close())

	reopened, err := t.store.Open(sector)
	require.NoError(t.T(), err)
	defer reopened.Close()

	assert.Equal(t.T(), uint32(10), reopened.Length())

	buf := make([]byte, 10)
	_, err = reopened.ReadAt(buf, 0)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), []byte("persist me"), buf)
}
