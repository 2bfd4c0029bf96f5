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

	"github.com/googlecloudplatform/teachos/cfg"
	"github.com/googlecloudplatform/teachos/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	KernelConfig  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "teachos",
	Short: "Run the teaching-OS kernel over local disk images",
	Long: `teachos is the kernel core of a small teaching operating system:
          a demand-paged VM and a FAT-backed hierarchical file system
          behind a POSIX-like system-call boundary, driven entirely from
          local disk images.`,
	SilenceUsage: true,
}

// setup surfaces config errors and configures logging; every subcommand
// runs it first.
func setup() error {
	if bindErr != nil {
		return bindErr
	}
	if configFileErr != nil {
		return configFileErr
	}
	if unmarshalErr != nil {
		return unmarshalErr
	}

	if err := cfg.ValidateConfig(&KernelConfig); err != nil {
		return err
	}

	logger.SetLogFormat(KernelConfig.Logging.Format)
	logger.SetLogSeverity(string(KernelConfig.Logging.Severity))
	if KernelConfig.Logging.FilePath != "" {
		err := logger.InitLogFile(
			KernelConfig.Logging.FilePath,
			KernelConfig.Logging.Format,
			string(KernelConfig.Logging.Severity),
			KernelConfig.Logging.MaxSizeMb)
		if err != nil {
			return fmt.Errorf("initializing log file: %w", err)
		}
	}

	logger.Debugf("Config:\n%s", cfg.Stringify(&KernelConfig))
	return nil
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config-file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	decode := viper.DecodeHook(cfg.DecodeHook())

	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&KernelConfig, decode)
		return
	}

	// Use config file from the flag.
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}

	unmarshalErr = viper.Unmarshal(&KernelConfig, decode)
}
