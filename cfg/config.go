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

// Package cfg defines the kernel's configuration surface: a Config struct
// bound from flags and an optional YAML config file through viper.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Disk DiskConfig `yaml:"disk"`

	Swap SwapConfig `yaml:"swap"`

	Memory MemoryConfig `yaml:"memory"`

	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`
}

type DiskConfig struct {
	// Path of the file-system disk image.
	ImagePath string `yaml:"image-path"`

	// Image size in sectors, used when creating the image.
	Sectors int64 `yaml:"sectors"`
}

type SwapConfig struct {
	// Path of the swap image; empty means an in-memory swap device.
	ImagePath string `yaml:"image-path"`

	Sectors int64 `yaml:"sectors"`
}

type MemoryConfig struct {
	// The number of physical frames in the user pool.
	PoolFrames int `yaml:"pool-frames"`
}

type LoggingConfig struct {
	FilePath string `yaml:"file-path"`

	Format string `yaml:"format"`

	Severity LogSeverity `yaml:"severity"`

	MaxSizeMb int `yaml:"max-size-mb"`
}

type DebugConfig struct {
	// Run invariant checks at every lock release, panicking on violation.
	CheckInvariants bool `yaml:"check-invariants"`

	// Print debug messages when a lock is held too long.
	LogMutex bool `yaml:"log-mutex"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("disk", "", "teachos.img", "Path of the file-system disk image.")

	err = viper.BindPFlag("disk.image-path", flagSet.Lookup("disk"))
	if err != nil {
		return err
	}

	flagSet.Int64P("disk-sectors", "", 4096, "File-system image size in 512-byte sectors.")

	err = viper.BindPFlag("disk.sectors", flagSet.Lookup("disk-sectors"))
	if err != nil {
		return err
	}

	flagSet.StringP("swap", "", "", "Path of the swap image. Empty for in-memory swap.")

	err = viper.BindPFlag("swap.image-path", flagSet.Lookup("swap"))
	if err != nil {
		return err
	}

	flagSet.Int64P("swap-sectors", "", 8192, "Swap size in 512-byte sectors.")

	err = viper.BindPFlag("swap.sectors", flagSet.Lookup("swap-sectors"))
	if err != nil {
		return err
	}

	flagSet.IntP("pool-frames", "", 256, "Physical frames in the user pool.")

	err = viper.BindPFlag("memory.pool-frames", flagSet.Lookup("pool-frames"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Log to this file instead of stderr.")

	err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log format: text or json.")

	err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Minimum severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")

	err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-max-size-mb", "", 100, "Rotate the log file at this size.")

	err = viper.BindPFlag("logging.max-size-mb", flagSet.Lookup("log-rotate-max-size-mb"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Check internal invariants at every lock release.")

	err = viper.BindPFlag("debug.check-invariants", flagSet.Lookup("debug_invariants"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a lock is held too long.")

	err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex"))
	if err != nil {
		return err
	}

	return nil
}
