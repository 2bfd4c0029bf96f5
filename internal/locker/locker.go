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

// Package locker provides the named mutexes used by the kernel's shared
// structures. A locker can run an invariant check at every release, and can
// complain when it is held for a long time; both behaviors are off by
// default and enabled by tests or by debug config.
package locker

import (
	"time"

	"github.com/googlecloudplatform/teachos/internal/logger"
)

var gEnableInvariantsCheck bool
var gEnableDebugMessages bool

// EnableInvariantsCheck turns on the invariant check at every Unlock.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
}

// EnableDebugMessages turns on warnings for locks held for a long time.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

type Locker interface {
	Lock()
	Unlock()
}

// New creates a locker with the given name, calling checkInvariants at every
// Unlock when invariant checking is enabled. checkInvariants may be nil.
func New(name string, checkInvariants func()) Locker {
	locker := &locker{
		mu:              make(chan struct{}, 1),
		name:            name,
		checkInvariants: checkInvariants,
	}

	return locker
}

const holdWarningThreshold = 5 * time.Second

type locker struct {
	mu              chan struct{}
	name            string
	checkInvariants func()

	// GUARDED_BY(mu)
	acquiredAt time.Time
}

// Lock suspends the calling task until the lock is free. A buffered channel
// rather than sync.Mutex so that the lock is a scheduling point, matching
// the cooperative lock the task layer assumes.
func (l *locker) Lock() {
	l.mu <- struct{}{}
	l.acquiredAt = time.Now()
}

func (l *locker) Unlock() {
	if gEnableInvariantsCheck && l.checkInvariants != nil {
		l.checkInvariants()
	}

	if gEnableDebugMessages {
		if held := time.Since(l.acquiredAt); held > holdWarningThreshold {
			logger.Warnf("%s lock held for %v", l.name, held)
		}
	}

	<-l.mu
}
