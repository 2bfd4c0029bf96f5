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

package locker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutualExclusion(t *testing.T) {
	l := New("test", nil)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 8000, counter)
}

func TestInvariantCheckRunsAtUnlock(t *testing.T) {
	EnableInvariantsCheck()

	ran := 0
	l := New("test", func() { ran++ })

	l.Lock()
	l.Unlock()
	assert.Equal(t, 1, ran)
}

func TestInvariantViolationPanics(t *testing.T) {
	EnableInvariantsCheck()

	l := New("test", func() { panic("violated") })

	l.Lock()
	assert.Panics(t, func() { l.Unlock() })
}
