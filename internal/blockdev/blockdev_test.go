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

package blockdev_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sectorOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, blockdev.SectorSize)
}

func TestMemDeviceRoundTrip(t *testing.T) {
	dev := blockdev.NewMemDevice(8)
	require.EqualValues(t, 8, dev.SectorCount())

	require.NoError(t, dev.WriteSector(3, sectorOf(0x5A)))

	buf := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSector(3, buf))
	assert.Equal(t, sectorOf(0x5A), buf)

	require.NoError(t, dev.ReadSector(4, buf))
	assert.Equal(t, sectorOf(0), buf)
}

func TestMemDeviceBounds(t *testing.T) {
	dev := blockdev.NewMemDevice(2)

	assert.Error(t, dev.ReadSector(2, make([]byte, blockdev.SectorSize)))
	assert.Error(t, dev.WriteSector(0, make([]byte, 100)))
}

func TestFileDevicePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	dev, err := blockdev.CreateFileDevice(path, 16)
	require.NoError(t, err)
	require.EqualValues(t, 16, dev.SectorCount())

	require.NoError(t, dev.WriteSector(7, sectorOf(0xC3)))
	require.NoError(t, dev.Close())

	reopened, err := blockdev.OpenFileDevice(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.EqualValues(t, 16, reopened.SectorCount())

	buf := make([]byte, blockdev.SectorSize)
	require.NoError(t, reopened.ReadSector(7, buf))
	assert.Equal(t, sectorOf(0xC3), buf)
}

func TestFileDeviceRejectsRaggedImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragged.img")

	dev, err := blockdev.CreateFileDevice(path, 1)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	// Not a whole number of sectors.
	require.NoError(t, os.Truncate(path, blockdev.SectorSize+1))

	_, err = blockdev.OpenFileDevice(path)
	assert.Error(t, err)
}
