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

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/filesys"
	"github.com/spf13/cobra"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Create and format a file-system disk image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setup(); err != nil {
			return err
		}

		dev, err := blockdev.CreateFileDevice(
			KernelConfig.Disk.ImagePath,
			uint32(KernelConfig.Disk.Sectors))
		if err != nil {
			return err
		}
		defer dev.Close()

		fs, err := filesys.Format(dev)
		if err != nil {
			return err
		}

		if err := fs.Close(); err != nil {
			return err
		}

		fmt.Printf(
			"Formatted %s: %d sectors.\n",
			KernelConfig.Disk.ImagePath,
			KernelConfig.Disk.Sectors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
}
