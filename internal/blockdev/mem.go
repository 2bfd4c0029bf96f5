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
	"sync"
)

// A MemDevice is an in-memory device. It is what tests and the swap disk of
// the in-process kernel use.
type MemDevice struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	data []byte
}

var _ Device = &MemDevice{}

// NewMemDevice creates a zero-filled in-memory device with the given number
// of sectors.
func NewMemDevice(sectors uint32) *MemDevice {
	return &MemDevice{
		data: make([]byte, int(sectors)*SectorSize),
	}
}

func (d *MemDevice) ReadSector(n uint32, buf []byte) error {
	if err := checkArgs(d, n, buf); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(buf, d.data[int(n)*SectorSize:])
	return nil
}

func (d *MemDevice) WriteSector(n uint32, buf []byte) error {
	if err := checkArgs(d, n, buf); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.data[int(n)*SectorSize:], buf)
	return nil
}

func (d *MemDevice) SectorCount() uint32 {
	return uint32(len(d.data) / SectorSize)
}

func (d *MemDevice) Flush() error {
	return nil
}
