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

// Package task provides the task abstraction the kernel core runs over:
// per-task address space, file descriptor table and working directory,
// creation, fork duplication, wait, and exit-status propagation. Scheduling
// is the host runtime's; a task is a goroutine.
package task

import (
	"fmt"
	"sync"

	"github.com/googlecloudplatform/teachos/internal/filesys"
	"github.com/googlecloudplatform/teachos/internal/inode"
	"github.com/googlecloudplatform/teachos/internal/logger"
	"github.com/googlecloudplatform/teachos/internal/vm"
)

// MaxFD is the size of the per-task descriptor table. Descriptors 0 and 1
// are the console and never hold a file.
const MaxFD = 128

// An Entry is a task's user program. Its return value is the exit status,
// unless the program exits explicitly first.
type Entry func(t *Task) int

type Task struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	mgr  *Manager
	tid  int
	name string

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The task's address space.
	spt *vm.SPT

	// The descriptor table. Slots 0 and 1 stay nil.
	//
	// INVARIANT: fdt[0] == nil && fdt[1] == nil
	fdt [MaxFD]filesys.Handle

	// The current working directory. Never nil while the task is alive.
	cwd *inode.Dir

	// The entry the task runs, inherited across fork.
	entry Entry

	mu         sync.Mutex
	exited     bool // GUARDED_BY(mu)
	exitStatus int  // GUARDED_BY(mu)
	waited     bool // GUARDED_BY(mu)

	// Closed when the task has exited.
	done chan struct{}

	parent   *Task
	children map[int]*Task // GUARDED_BY(mu)
}

func (t *Task) TID() int {
	return t.tid
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) SPT() *vm.SPT {
	return t.spt
}

// CWD returns the task's working directory handle. The task owns it.
func (t *Task) CWD() *inode.Dir {
	return t.cwd
}

// SetCWD replaces the working directory, closing the old handle.
func (t *Task) SetCWD(dir *inode.Dir) {
	if t.cwd != nil {
		t.cwd.Close()
	}

	t.cwd = dir
}

////////////////////////////////////////////////////////////////////////
// Descriptor table
////////////////////////////////////////////////////////////////////////

// AddHandle installs h in the lowest free slot at 2 or above, returning
// the descriptor, or -1 with the table full.
func (t *Task) AddHandle(h filesys.Handle) int {
	for fd := 2; fd < MaxFD; fd++ {
		if t.fdt[fd] == nil {
			t.fdt[fd] = h
			return fd
		}
	}

	return -1
}

// Handle returns the handle for fd, or nil. Descriptors 0 and 1 read as
// nil; the console is not a handle.
func (t *Task) Handle(fd int) filesys.Handle {
	if fd < 0 || fd >= MaxFD {
		return nil
	}

	return t.fdt[fd]
}

// RemoveHandle clears the slot without closing the handle.
func (t *Task) RemoveHandle(fd int) {
	if fd >= 2 && fd < MaxFD {
		t.fdt[fd] = nil
	}
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Exit terminates the task: the address space is torn down (flushing dirty
// file-backed pages), every descriptor is closed, and the status becomes
// visible to a waiting parent. Idempotent; the first status wins.
func (t *Task) Exit(status int) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}

	t.exited = true
	t.exitStatus = status
	t.mu.Unlock()

	logger.Infof("%s: exit(%d)", t.name, status)

	t.spt.Kill()

	for fd := 2; fd < MaxFD; fd++ {
		if h := t.fdt[fd]; h != nil {
			h.Close()
			t.fdt[fd] = nil
		}
	}

	if t.cwd != nil {
		t.cwd.Close()
		t.cwd = nil
	}

	t.mgr.forget(t)
	close(t.done)
}

// Exited reports whether the task has exited, and with what status.
func (t *Task) Exited() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.exited, t.exitStatus
}

// Wait blocks until the child with the given tid exits and returns its
// status. Returns -1 for a tid that is not an un-waited child of t.
func (t *Task) Wait(tid int) int {
	t.mu.Lock()
	child, ok := t.children[tid]
	if ok {
		delete(t.children, tid)
	}
	t.mu.Unlock()

	if !ok {
		return -1
	}

	<-child.done

	child.mu.Lock()
	defer child.mu.Unlock()
	if child.waited {
		return -1
	}

	child.waited = true
	return child.exitStatus
}

func (t *Task) adopt(child *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.children[child.tid] = child
}

////////////////////////////////////////////////////////////////////////
// Manager
////////////////////////////////////////////////////////////////////////

// The Manager is the kernel's task registry. It creates the initial task,
// forks, and keeps the program table EXEC resolves against.
type Manager struct {
	sys *vm.System
	fs  *filesys.Filesys

	mu       sync.Mutex
	tasks    map[int]*Task // GUARDED_BY(mu)
	nextTID  int           // GUARDED_BY(mu)
	programs map[string]Entry
}

func NewManager(sys *vm.System, fs *filesys.Filesys) *Manager {
	return &Manager{
		sys:      sys,
		fs:       fs,
		tasks:    make(map[int]*Task),
		nextTID:  1,
		programs: make(map[string]Entry),
	}
}

// RegisterProgram adds an entry to the program table.
func (m *Manager) RegisterProgram(name string, entry Entry) {
	m.programs[name] = entry
}

// Program looks a program up by name.
func (m *Manager) Program(name string) (Entry, bool) {
	entry, ok := m.programs[name]
	return entry, ok
}

// Filesys returns the mounted file system tasks operate on.
func (m *Manager) Filesys() *filesys.Filesys {
	return m.fs
}

// VM returns the shared VM state.
func (m *Manager) VM() *vm.System {
	return m.sys
}

// NewTask creates a task with a fresh address space and stack and the root
// directory as CWD. It does not start running.
func (m *Manager) NewTask(name string, entry Entry) (*Task, error) {
	root, err := m.fs.OpenRoot()
	if err != nil {
		return nil, err
	}

	t := m.allocTask(name, entry)
	t.cwd = root

	if err := t.spt.SetupStack(); err != nil {
		root.Close()
		return nil, fmt.Errorf("setting up stack for %q: %w", name, err)
	}

	return t, nil
}

// Fork duplicates the calling task: an eagerly copied address space, a
// descriptor table of reopened files with the same positions, and the same
// working directory. The child does not start running.
func (m *Manager) Fork(parent *Task, name string) (*Task, error) {
	child := m.allocTask(name, parent.entry)
	child.parent = parent

	if err := parent.spt.CopyTo(child.spt); err != nil {
		child.spt.Kill()
		m.forget(child)
		return nil, err
	}

	for fd := 2; fd < MaxFD; fd++ {
		switch h := parent.fdt[fd].(type) {
		case nil:
		case *filesys.File:
			child.fdt[fd] = h.Duplicate()
		case *inode.Dir:
			child.fdt[fd] = h.Reopen()
		}
	}

	child.cwd = parent.cwd.Reopen()

	parent.adopt(child)
	return child, nil
}

// Start runs the task's entry on its own goroutine. The entry's return
// value becomes the exit status unless the task exits first.
func (m *Manager) Start(t *Task) {
	go func() {
		status := 0
		if t.entry != nil {
			status = t.entry(t)
		}

		t.Exit(status)
	}()
}

// Run runs the task's entry on the calling goroutine and returns its exit
// status.
func (m *Manager) Run(t *Task) int {
	status := 0
	if t.entry != nil {
		status = t.entry(t)
	}

	t.Exit(status)
	_, got := t.Exited()
	return got
}

// ResetAddressSpace tears the task's address space down and builds a fresh
// one with an initial stack, for EXEC. Descriptors and the working
// directory survive.
func (t *Task) ResetAddressSpace() error {
	t.spt.Kill()
	t.spt = vm.NewSPT(t.mgr.sys)
	return t.spt.SetupStack()
}

// SetEntry replaces the task's program, for EXEC.
func (t *Task) SetEntry(entry Entry) {
	t.entry = entry
}

// Entry returns the task's program.
func (t *Task) Entry() Entry {
	return t.entry
}

func (m *Manager) allocTask(name string, entry Entry) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Task{
		mgr:      m,
		tid:      m.nextTID,
		name:     name,
		spt:      vm.NewSPT(m.sys),
		entry:    entry,
		done:     make(chan struct{}),
		children: make(map[int]*Task),
	}

	m.nextTID++
	m.tasks[t.tid] = t
	return t
}

// Lookup returns the live task with the given tid, or nil.
func (m *Manager) Lookup(tid int) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tasks[tid]
}

func (m *Manager) forget(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, t.tid)
}
