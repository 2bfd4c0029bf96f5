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

// Package kernel wires the subsystems into one initialized-once kernel
// context: devices, file system, VM, tasks, and the syscall boundary.
package kernel

import (
	"errors"
	"fmt"
	"io"

	"github.com/googlecloudplatform/teachos/common"
	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/console"
	"github.com/googlecloudplatform/teachos/internal/filesys"
	"github.com/googlecloudplatform/teachos/internal/logger"
	"github.com/googlecloudplatform/teachos/internal/syscall"
	"github.com/googlecloudplatform/teachos/internal/task"
	"github.com/googlecloudplatform/teachos/internal/vm"
	"github.com/jacobsa/timeutil"
)

// BootConfig carries everything Boot needs. The devices belong to the
// caller; the kernel flushes but does not close them.
type BootConfig struct {
	// The device holding the file system, and whether to format it instead
	// of mounting what is there.
	FSDevice blockdev.Device
	Format   bool

	// The swap device. May be nil, leaving the kernel with no swap slots.
	SwapDevice blockdev.Device

	// The size of the user frame pool.
	PoolFrames int

	// Console endpoints for descriptors 0 and 1.
	In  io.Reader
	Out io.Writer

	// Event counters; nil for unregistered ones.
	Metrics *common.Metrics

	// A clock, for boot and uptime bookkeeping. nil means the real one.
	Clock timeutil.Clock
}

type Kernel struct {
	fs       *filesys.Filesys
	vm       *vm.System
	tasks    *task.Manager
	syscalls *syscall.Handler

	clock timeutil.Clock
}

func Boot(cfg *BootConfig) (*Kernel, error) {
	if cfg.FSDevice == nil {
		return nil, errors.New("kernel: no file-system device")
	}

	if cfg.PoolFrames <= 0 {
		return nil, fmt.Errorf("kernel: illegal pool size %d", cfg.PoolFrames)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	var fs *filesys.Filesys
	var err error
	if cfg.Format {
		fs, err = filesys.Format(cfg.FSDevice)
	} else {
		fs, err = filesys.Mount(cfg.FSDevice)
	}
	if err != nil {
		return nil, fmt.Errorf("bringing up file system: %w", err)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = common.NewMetrics(nil)
	}

	sys := vm.NewSystem(cfg.PoolFrames, cfg.SwapDevice, metrics)
	mgr := task.NewManager(sys, fs)
	cons := console.New(cfg.In, cfg.Out)

	k := &Kernel{
		fs:       fs,
		vm:       sys,
		tasks:    mgr,
		syscalls: syscall.NewHandler(mgr, cons, metrics),
		clock:    clock,
	}

	logger.Infof(
		"Kernel up: %d frames, %d swap slots, %d free clusters.",
		cfg.PoolFrames,
		sys.Swap().SlotCount(),
		fs.Store().Fat().FreeCount())

	return k, nil
}

func (k *Kernel) Tasks() *task.Manager {
	return k.tasks
}

func (k *Kernel) Filesys() *filesys.Filesys {
	return k.fs
}

func (k *Kernel) VM() *vm.System {
	return k.vm
}

func (k *Kernel) Syscalls() *syscall.Handler {
	return k.syscalls
}

// RunProgram runs a registered program as the initial task on the calling
// goroutine and returns its exit status.
func (k *Kernel) RunProgram(name string) (int, error) {
	entry, ok := k.tasks.Program(name)
	if !ok {
		return -1, fmt.Errorf("kernel: no program %q", name)
	}

	start := k.clock.Now()
	t, err := k.tasks.NewTask(name, entry)
	if err != nil {
		return -1, err
	}

	status := k.tasks.Run(t)
	logger.Infof("%s finished in %v with status %d", name, k.clock.Now().Sub(start), status)
	return status, nil
}

// Shutdown flushes the file system unless a HALT already did.
func (k *Kernel) Shutdown() error {
	if k.syscalls.Halted() {
		return nil
	}

	return k.fs.Close()
}
