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

// Package syscall is the kernel's system-call boundary: one dispatcher
// that unmarshals register state, validates every user pointer against the
// task's supplemental page table, and serializes file-system work under a
// single global lock.
package syscall

import (
	"errors"
	"strings"

	"github.com/googlecloudplatform/teachos/common"
	"github.com/googlecloudplatform/teachos/internal/console"
	"github.com/googlecloudplatform/teachos/internal/filesys"
	"github.com/googlecloudplatform/teachos/internal/inode"
	"github.com/googlecloudplatform/teachos/internal/locker"
	"github.com/googlecloudplatform/teachos/internal/logger"
	"github.com/googlecloudplatform/teachos/internal/task"
	"github.com/googlecloudplatform/teachos/internal/vm"
)

// System call numbers.
const (
	SysHalt = iota
	SysExit
	SysFork
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
	SysChdir
	SysMkdir
	SysReaddir
	SysIsdir
	SysInumber
)

var sysNames = [...]string{
	"halt", "exit", "fork", "exec", "wait", "create", "remove", "open",
	"filesize", "read", "write", "seek", "tell", "close", "mmap", "munmap",
	"chdir", "mkdir", "readdir", "isdir", "inumber",
}

// The longest path a syscall accepts. Paths are parsed component-wise, so
// this bounds only the copy-in.
const maxPath = 4096

// Regs is the marshaled user register state at syscall entry: the number
// in RAX, arguments in RDI, RSI, RDX, R10, R8, R9, and the user stack
// pointer.
type Regs struct {
	RAX uint64
	RDI uint64
	RSI uint64
	RDX uint64
	R10 uint64
	R8  uint64
	R9  uint64
	RSP uint64
}

const errRet = ^uint64(0)

func boolRet(ok bool) uint64 {
	if ok {
		return 1
	}

	return 0
}

// killed unwinds a syscall whose user pointers failed validation.
type killed struct{}

// A Handler dispatches system calls for every task of one kernel.
type Handler struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	mgr     *task.Manager
	fs      *filesys.Filesys
	console *console.Console
	metrics *common.Metrics

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The global file-system lock. Held across every FS mutation and the
	// read/write data paths; never across anything that can page-fault,
	// which pointer validation guarantees.
	fsLock locker.Locker

	// Set when HALT has run. Kernel.Shutdown checks it to skip a second
	// flush.
	halted bool
}

func NewHandler(
	mgr *task.Manager,
	cons *console.Console,
	metrics *common.Metrics) *Handler {
	if metrics == nil {
		metrics = common.NewMetrics(nil)
	}

	return &Handler{
		mgr:     mgr,
		fs:      mgr.Filesys(),
		console: cons,
		metrics: metrics,
		fsLock:  locker.New("Filesys", nil),
	}
}

// Halted reports whether a task has powered the machine off.
func (h *Handler) Halted() bool {
	return h.halted
}

// Dispatch runs one system call for t and returns the value for RAX.
// Pointer violations terminate the task with exit(-1); the return value is
// then meaningless.
func (h *Handler) Dispatch(t *task.Task, r *Regs) (rax uint64) {
	// Save the user stack pointer for fault classification inside the
	// kernel, then route by number.
	t.SPT().SetSavedRSP(r.RSP)

	num := int(r.RAX)
	if num >= 0 && num < len(sysNames) {
		h.metrics.Syscalls.WithLabelValues(sysNames[num]).Inc()
		logger.Tracef("%s: %s(%#x, %#x, %#x)", t.Name(), sysNames[num], r.RDI, r.RSI, r.RDX)
	}

	defer func() {
		if p := recover(); p != nil {
			if _, ok := p.(killed); !ok {
				panic(p)
			}

			t.Exit(-1)
			rax = errRet
		}
	}()

	switch num {
	case SysHalt:
		h.halt()
	case SysExit:
		t.Exit(int(int32(r.RDI)))
	case SysFork:
		rax = h.fork(t, r.RDI)
	case SysExec:
		rax = h.exec(t, r.RDI)
	case SysWait:
		rax = uint64(int64(t.Wait(int(r.RDI))))
	case SysCreate:
		rax = boolRet(h.create(t, r.RDI, r.RSI))
	case SysRemove:
		rax = boolRet(h.remove(t, r.RDI))
	case SysOpen:
		rax = uint64(int64(h.open(t, r.RDI)))
	case SysFilesize:
		rax = uint64(int64(h.filesize(t, int(r.RDI))))
	case SysRead:
		rax = uint64(int64(h.read(t, int(r.RDI), r.RSI, r.RDX)))
	case SysWrite:
		rax = uint64(int64(h.write(t, int(r.RDI), r.RSI, r.RDX)))
	case SysSeek:
		h.seek(t, int(r.RDI), r.RSI)
	case SysTell:
		rax = h.tell(t, int(r.RDI))
	case SysClose:
		h.close(t, int(r.RDI))
	case SysMmap:
		rax = h.mmap(t, r)
	case SysMunmap:
		t.SPT().Munmap(r.RDI)
	case SysChdir:
		rax = boolRet(h.chdir(t, r.RDI))
	case SysMkdir:
		rax = boolRet(h.mkdir(t, r.RDI))
	case SysReaddir:
		rax = boolRet(h.readdir(t, int(r.RDI), r.RSI))
	case SysIsdir:
		rax = boolRet(h.isdir(t, int(r.RDI)))
	case SysInumber:
		rax = h.inumber(t, int(r.RDI))
	default:
		t.Exit(-1)
		rax = errRet
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Pointer validation
////////////////////////////////////////////////////////////////////////

// checkString copies in a NUL-terminated user string, killing the task on
// any invalid byte.
func (h *Handler) checkString(t *task.Task, va uint64) string {
	if va == 0 || vm.IsKernel(va) {
		panic(killed{})
	}

	s, err := t.SPT().CopyInString(va, maxPath)
	if err != nil {
		panic(killed{})
	}

	return s
}

// checkBuffer validates [va, va+size) page by page. toWrite says the
// kernel will write into the buffer, requiring writable pages.
func (h *Handler) checkBuffer(t *task.Task, va, size uint64, toWrite bool) {
	if size == 0 {
		return
	}

	if va == 0 || vm.IsKernel(va) || vm.IsKernel(va+size-1) {
		panic(killed{})
	}

	if err := t.SPT().CheckBuffer(va, size, toWrite); err != nil {
		panic(killed{})
	}
}

////////////////////////////////////////////////////////////////////////
// Process control
////////////////////////////////////////////////////////////////////////

func (h *Handler) halt() {
	logger.Infof("Powering off.")
	if err := h.fs.Close(); err != nil {
		logger.Errorf("Flushing file system at halt: %v", err)
	}

	h.halted = true
}

func (h *Handler) fork(t *task.Task, nameVA uint64) uint64 {
	name := h.checkString(t, nameVA)

	child, err := h.mgr.Fork(t, name)
	if err != nil {
		logger.Errorf("fork %q: %v", name, err)
		return errRet
	}

	return uint64(child.TID())
}

// exec replaces the task's program with the one named by the command
// line's first token. On success the program runs on the calling goroutine
// until the task exits, and the value handed back to the dispatcher is
// meaningless; a failed load kills the caller.
func (h *Handler) exec(t *task.Task, lineVA uint64) uint64 {
	line := h.checkString(t, lineVA)

	name := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		name = line[:i]
	}

	entry, ok := h.mgr.Program(name)
	if !ok {
		panic(killed{})
	}

	if err := t.ResetAddressSpace(); err != nil {
		panic(killed{})
	}

	t.SetEntry(entry)
	t.Exit(entry(t))
	return 0
}

////////////////////////////////////////////////////////////////////////
// File system
////////////////////////////////////////////////////////////////////////

func (h *Handler) create(t *task.Task, nameVA, size uint64) bool {
	name := h.checkString(t, nameVA)

	h.fsLock.Lock()
	defer h.fsLock.Unlock()

	if err := h.fs.Create(name, uint32(size), t.CWD()); err != nil {
		logger.Debugf("create %q: %v", name, err)
		return false
	}

	return true
}

func (h *Handler) remove(t *task.Task, nameVA uint64) bool {
	name := h.checkString(t, nameVA)

	h.fsLock.Lock()
	defer h.fsLock.Unlock()

	err := h.fs.Remove(name, t.CWD())
	if errors.Is(err, filesys.ErrIsDirectory) {
		err = h.fs.RemoveDir(name, t.CWD())
	}

	if err != nil {
		logger.Debugf("remove %q: %v", name, err)
		return false
	}

	return true
}

func (h *Handler) open(t *task.Task, nameVA uint64) int {
	name := h.checkString(t, nameVA)

	h.fsLock.Lock()
	defer h.fsLock.Unlock()

	handle, err := h.fs.Open(name, t.CWD())
	if err != nil {
		logger.Debugf("open %q: %v", name, err)
		return -1
	}

	fd := t.AddHandle(handle)
	if fd < 0 {
		handle.Close()
	}

	return fd
}

func (h *Handler) filesize(t *task.Task, fd int) int {
	f, ok := t.Handle(fd).(*filesys.File)
	if !ok {
		return -1
	}

	return int(f.Length())
}

func (h *Handler) read(t *task.Task, fd int, bufVA, size uint64) int {
	h.checkBuffer(t, bufVA, size, true)

	switch fd {
	case 0:
		return h.readConsole(t, bufVA, size)
	case 1:
		return -1
	}

	f, ok := t.Handle(fd).(*filesys.File)
	if !ok {
		return -1
	}

	buf := make([]byte, size)

	h.fsLock.Lock()
	n, err := f.Read(buf)
	h.fsLock.Unlock()

	if err != nil {
		logger.Debugf("read fd %d: %v", fd, err)
		return -1
	}

	if err := t.SPT().CopyOut(buf[:n], bufVA); err != nil {
		panic(killed{})
	}

	return n
}

// readConsole consumes characters from console input, stopping early at a
// NUL the way the keyboard path does.
func (h *Handler) readConsole(t *task.Task, bufVA, size uint64) int {
	n := 0
	b := make([]byte, 1)
	for uint64(n) < size {
		b[0] = h.console.Getc()
		if err := t.SPT().CopyOut(b, bufVA+uint64(n)); err != nil {
			panic(killed{})
		}

		if b[0] == 0 {
			break
		}

		n++
	}

	return n
}

func (h *Handler) write(t *task.Task, fd int, bufVA, size uint64) int {
	h.checkBuffer(t, bufVA, size, false)

	buf := make([]byte, size)
	if err := t.SPT().CopyIn(buf, bufVA); err != nil {
		panic(killed{})
	}

	switch fd {
	case 0:
		return -1
	case 1:
		n, err := h.console.Write(buf)
		if err != nil {
			return -1
		}

		return n
	}

	f, ok := t.Handle(fd).(*filesys.File)
	if !ok {
		return -1
	}

	h.fsLock.Lock()
	n, err := f.Write(buf)
	h.fsLock.Unlock()

	if err != nil {
		logger.Debugf("write fd %d: %v", fd, err)
		return -1
	}

	return n
}

func (h *Handler) seek(t *task.Task, fd int, pos uint64) {
	if fd < 2 {
		return
	}

	if f, ok := t.Handle(fd).(*filesys.File); ok {
		f.Seek(int64(pos))
	}
}

func (h *Handler) tell(t *task.Task, fd int) uint64 {
	f, ok := t.Handle(fd).(*filesys.File)
	if fd < 2 || !ok {
		return errRet
	}

	return uint64(f.Tell())
}

func (h *Handler) close(t *task.Task, fd int) {
	handle := t.Handle(fd)
	if handle == nil {
		return
	}

	handle.Close()
	t.RemoveHandle(fd)
}

////////////////////////////////////////////////////////////////////////
// Memory mapping
////////////////////////////////////////////////////////////////////////

func (h *Handler) mmap(t *task.Task, r *Regs) uint64 {
	addr := r.RDI
	length := int64(r.RSI)
	writable := r.RDX != 0
	fd := int(r.R10)
	offset := int64(r.R8)

	if fd < 2 {
		panic(killed{})
	}

	f, ok := t.Handle(fd).(*filesys.File)
	if !ok {
		return 0
	}

	mapped, err := t.SPT().Mmap(addr, length, writable, f, offset)
	if err != nil {
		logger.Debugf("mmap %#x: %v", addr, err)
		return 0
	}

	return mapped
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func (h *Handler) chdir(t *task.Task, pathVA uint64) bool {
	path := h.checkString(t, pathVA)

	h.fsLock.Lock()
	defer h.fsLock.Unlock()

	dir, err := h.fs.Chdir(path, t.CWD())
	if err != nil {
		logger.Debugf("chdir %q: %v", path, err)
		return false
	}

	t.SetCWD(dir)
	return true
}

func (h *Handler) mkdir(t *task.Task, pathVA uint64) bool {
	path := h.checkString(t, pathVA)

	h.fsLock.Lock()
	defer h.fsLock.Unlock()

	if err := h.fs.CreateDir(path, t.CWD()); err != nil {
		logger.Debugf("mkdir %q: %v", path, err)
		return false
	}

	return true
}

func (h *Handler) readdir(t *task.Task, fd int, nameVA uint64) bool {
	h.checkBuffer(t, nameVA, inode.NameMax+1, true)

	dir, ok := t.Handle(fd).(*inode.Dir)
	if !ok {
		return false
	}

	h.fsLock.Lock()
	name, found, err := dir.ReadEntry()
	h.fsLock.Unlock()

	if err != nil || !found {
		return false
	}

	out := make([]byte, len(name)+1)
	copy(out, name)
	if err := t.SPT().CopyOut(out, nameVA); err != nil {
		panic(killed{})
	}

	return true
}

func (h *Handler) isdir(t *task.Task, fd int) bool {
	handle := t.Handle(fd)
	if handle == nil {
		return false
	}

	return handle.Inode().IsDir()
}

func (h *Handler) inumber(t *task.Task, fd int) uint64 {
	handle := t.Handle(fd)
	if handle == nil {
		return errRet
	}

	return uint64(handle.Inode().Inumber())
}
