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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Disk:   DiskConfig{ImagePath: "disk.img", Sectors: 4096},
		Swap:   SwapConfig{Sectors: 8192},
		Memory: MemoryConfig{PoolFrames: 256},
		Logging: LoggingConfig{
			Format:    "text",
			Severity:  "INFO",
			MaxSizeMb: 100,
		},
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	c := validConfig()
	assert.NoError(t, ValidateConfig(&c))
}

func TestValidateConfigRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty disk path", func(c *Config) { c.Disk.ImagePath = "" }},
		{"tiny disk", func(c *Config) { c.Disk.Sectors = 4 }},
		{"negative swap", func(c *Config) { c.Swap.Sectors = -1 }},
		{"no frames", func(c *Config) { c.Memory.PoolFrames = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero rotate size", func(c *Config) { c.Logging.MaxSizeMb = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			assert.Error(t, ValidateConfig(&c))
		})
	}
}

func TestLogSeverityUnmarshalsCaseInsensitively(t *testing.T) {
	var l LogSeverity
	require.NoError(t, l.UnmarshalText([]byte("warning")))
	assert.Equal(t, LogSeverity("WARNING"), l)

	assert.Error(t, l.UnmarshalText([]byte("loud")))
}

func TestStringifyRendersYaml(t *testing.T) {
	c := validConfig()
	s := Stringify(&c)
	assert.Contains(t, s, "image-path: disk.img")
	assert.Contains(t, s, "pool-frames: 256")
}
