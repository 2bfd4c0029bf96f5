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
	"slices"
	"strings"
)

// LogSeverity represents the logging severity and can accept the values
// "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

func (l *LogSeverity) UnmarshalText(text []byte) error {
	textStr := string(text)
	level := strings.ToUpper(textStr)
	v := []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"}
	if !slices.Contains(v, level) {
		return fmt.Errorf("invalid logseverity value: %s. It can only assume values in the list: %v", textStr, v)
	}
	*l = LogSeverity(level)
	return nil
}

// LogFormat accepts "text" or "json".
type LogFormat string

func (f *LogFormat) UnmarshalText(text []byte) error {
	textStr := string(text)
	format := strings.ToLower(textStr)
	v := []string{"text", "json"}
	if !slices.Contains(v, format) {
		return fmt.Errorf("invalid log format value: %s. It can only assume values in the list: %v", textStr, v)
	}
	*f = LogFormat(format)
	return nil
}
