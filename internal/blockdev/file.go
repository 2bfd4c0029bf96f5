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

package blockdev

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// A FileDevice is a device backed by a disk image file on the host.
type FileDevice struct {
	f       *os.File
	sectors uint32
}

var _ Device = &FileDevice{}

// OpenFileDevice opens the image at the given path. The image size must be a
// whole number of sectors.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}

	if fi.Size()%SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf(
			"image size %d is not a multiple of the sector size", fi.Size())
	}

	return &FileDevice{
		f:       f,
		sectors: uint32(fi.Size() / SectorSize),
	}, nil
}

// CreateFileDevice creates a zero-filled image of the given size at path,
// truncating any existing file.
func CreateFileDevice(path string, sectors uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}

	if err := f.Truncate(int64(sectors) * SectorSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate image: %w", err)
	}

	return &FileDevice{f: f, sectors: sectors}, nil
}

func (d *FileDevice) ReadSector(n uint32, buf []byte) error {
	if err := checkArgs(d, n, buf); err != nil {
		return err
	}

	if _, err := d.f.ReadAt(buf, int64(n)*SectorSize); err != nil {
		return fmt.Errorf("read sector %d: %w", n, err)
	}

	return nil
}

func (d *FileDevice) WriteSector(n uint32, buf []byte) error {
	if err := checkArgs(d, n, buf); err != nil {
		return err
	}

	if _, err := d.f.WriteAt(buf, int64(n)*SectorSize); err != nil {
		return fmt.Errorf("write sector %d: %w", n, err)
	}

	return nil
}

func (d *FileDevice) SectorCount() uint32 {
	return d.sectors
}

// Flush pushes buffered writes to the image. On Linux this is an fdatasync;
// the image's metadata is uninteresting.
func (d *FileDevice) Flush() error {
	if runtime.GOOS == "linux" {
		if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
			return fmt.Errorf("fdatasync: %w", err)
		}

		return nil
	}

	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying image file.
func (d *FileDevice) Close() error {
	if err := d.Flush(); err != nil {
		d.f.Close()
		return err
	}

	return d.f.Close()
}
