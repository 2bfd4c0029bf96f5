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

package cfg

import (
	"fmt"
)

// The file system needs room for the boot sector, the FAT, and at least a
// root directory plus one file.
const minDiskSectors = 8

func isValidDiskConfig(c *DiskConfig) error {
	if c.ImagePath == "" {
		return fmt.Errorf("disk image path must be set")
	}

	if c.Sectors < minDiskSectors {
		return fmt.Errorf("disk needs at least %d sectors", minDiskSectors)
	}

	return nil
}

func isValidSwapConfig(c *SwapConfig) error {
	if c.Sectors < 0 {
		return fmt.Errorf("swap-sectors cannot be negative")
	}

	return nil
}

func isValidMemoryConfig(c *MemoryConfig) error {
	if c.PoolFrames < 1 {
		return fmt.Errorf("pool-frames should be atleast 1")
	}

	return nil
}

func isValidLoggingConfig(c *LoggingConfig) error {
	var format LogFormat
	if err := format.UnmarshalText([]byte(c.Format)); err != nil {
		return err
	}

	if c.MaxSizeMb <= 0 {
		return fmt.Errorf("max-size-mb should be atleast 1")
	}

	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidDiskConfig(&config.Disk); err != nil {
		return fmt.Errorf("error parsing disk config: %w", err)
	}

	if err = isValidSwapConfig(&config.Swap); err != nil {
		return fmt.Errorf("error parsing swap config: %w", err)
	}

	if err = isValidMemoryConfig(&config.Memory); err != nil {
		return fmt.Errorf("error parsing memory config: %w", err)
	}

	if err = isValidLoggingConfig(&config.Logging); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}

	return nil
}
