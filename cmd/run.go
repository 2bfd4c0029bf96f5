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

package cmd

import (
	"fmt"
	"os"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/kernel"
	"github.com/googlecloudplatform/teachos/internal/locker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run [program...]",
	Short: "Boot the kernel and run the named programs as initial tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setup(); err != nil {
			return err
		}

		if KernelConfig.Debug.CheckInvariants {
			locker.EnableInvariantsCheck()
		}
		if KernelConfig.Debug.LogMutex {
			locker.EnableDebugMessages()
		}

		fsDev, format, err := openDiskImage()
		if err != nil {
			return err
		}
		defer fsDev.Close()

		swapDev, err := openSwapDevice()
		if err != nil {
			return err
		}

		k, err := kernel.Boot(&kernel.BootConfig{
			FSDevice:   fsDev,
			Format:     format,
			SwapDevice: swapDev,
			PoolFrames: KernelConfig.Memory.PoolFrames,
			In:         os.Stdin,
			Out:        os.Stdout,
		})
		if err != nil {
			return err
		}

		registerPrograms(k)

		programs := args
		if len(programs) == 0 {
			programs = []string{"hello"}
		}

		// One initial task per named program, in parallel.
		var group errgroup.Group
		for _, name := range programs {
			name := name
			group.Go(func() error {
				status, err := k.RunProgram(name)
				if err != nil {
					return err
				}

				if status != 0 {
					return fmt.Errorf("%s exited with status %d", name, status)
				}

				return nil
			})
		}

		runErr := group.Wait()
		if err := k.Shutdown(); err != nil {
			return err
		}

		return runErr
	},
}

// openDiskImage opens the configured image, creating a fresh one (to be
// formatted at boot) if none exists yet.
func openDiskImage() (dev *blockdev.FileDevice, format bool, err error) {
	path := KernelConfig.Disk.ImagePath
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		dev, err = blockdev.CreateFileDevice(path, uint32(KernelConfig.Disk.Sectors))
		return dev, true, err
	}

	dev, err = blockdev.OpenFileDevice(path)
	return dev, false, err
}

// openSwapDevice opens the configured swap image, or an in-memory device
// when no path is configured.
func openSwapDevice() (blockdev.Device, error) {
	if KernelConfig.Swap.ImagePath == "" {
		return blockdev.NewMemDevice(uint32(KernelConfig.Swap.Sectors)), nil
	}

	if _, err := os.Stat(KernelConfig.Swap.ImagePath); os.IsNotExist(err) {
		return blockdev.CreateFileDevice(
			KernelConfig.Swap.ImagePath,
			uint32(KernelConfig.Swap.Sectors))
	}

	return blockdev.OpenFileDevice(KernelConfig.Swap.ImagePath)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
