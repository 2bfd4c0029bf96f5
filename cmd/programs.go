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
	"github.com/googlecloudplatform/teachos/internal/kernel"
	"github.com/googlecloudplatform/teachos/internal/syscall"
	"github.com/googlecloudplatform/teachos/internal/task"
	"github.com/googlecloudplatform/teachos/internal/vm"
)

// The built-in user programs. They stand in for loaded binaries: data is
// staged in user pages, and every kernel interaction goes through the
// dispatcher.

// A user sandbox for a program: its data lives below the stack top, and
// every kernel interaction is a syscall.
type userspace struct {
	t *task.Task
	h *syscall.Handler

	// The next staging address, growing down from the stack top.
	sp uint64
}

func newUserspace(t *task.Task, h *syscall.Handler) *userspace {
	return &userspace{t: t, h: h, sp: vm.UserStackTop}
}

// push stages bytes on the user stack and returns their address.
func (u *userspace) push(data []byte) uint64 {
	u.sp -= uint64(len(data))
	u.t.SPT().SetSavedRSP(u.sp)
	if err := u.t.SPT().CopyOut(data, u.sp); err != nil {
		panic(err)
	}

	return u.sp
}

func (u *userspace) pushString(s string) uint64 {
	return u.push(append([]byte(s), 0))
}

func (u *userspace) syscall(num int, args ...uint64) uint64 {
	r := &syscall.Regs{RAX: uint64(num), RSP: u.sp}
	ptrs := []*uint64{&r.RDI, &r.RSI, &r.RDX, &r.R10, &r.R8, &r.R9}
	for i, a := range args {
		*ptrs[i] = a
	}

	return u.h.Dispatch(u.t, r)
}

func registerPrograms(k *kernel.Kernel) {
	mgr := k.Tasks()
	h := k.Syscalls()

	// hello: greet the console, then leave a greeting file behind.
	mgr.RegisterProgram("hello", func(t *task.Task) int {
		u := newUserspace(t, h)

		msg := "Hello from user space!\n"
		buf := u.pushString(msg)
		u.syscall(syscall.SysWrite, 1, buf, uint64(len(msg)))

		path := u.pushString("greeting.txt")
		if u.syscall(syscall.SysCreate, path, uint64(len(msg))) == 0 {
			return 1
		}

		fd := u.syscall(syscall.SysOpen, path)
		if int64(fd) < 0 {
			return 1
		}

		u.syscall(syscall.SysWrite, fd, buf, uint64(len(msg)))
		u.syscall(syscall.SysClose, fd)
		return 0
	})

	// cat: copy greeting.txt to the console.
	mgr.RegisterProgram("cat", func(t *task.Task) int {
		u := newUserspace(t, h)

		path := u.pushString("greeting.txt")
		fd := u.syscall(syscall.SysOpen, path)
		if int64(fd) < 0 {
			return 1
		}

		buf := u.push(make([]byte, 512))
		for {
			n := u.syscall(syscall.SysRead, fd, buf, 512)
			if int64(n) <= 0 {
				break
			}

			u.syscall(syscall.SysWrite, 1, buf, n)
		}

		u.syscall(syscall.SysClose, fd)
		return 0
	})

	// ls: list the root directory to the console.
	mgr.RegisterProgram("ls", func(t *task.Task) int {
		u := newUserspace(t, h)

		root := u.pushString("/")
		fd := u.syscall(syscall.SysOpen, root)
		if int64(fd) < 0 {
			return 1
		}

		name := u.push(make([]byte, 16))
		newline := u.push([]byte{'\n'})
		for u.syscall(syscall.SysReaddir, fd, name) != 0 {
			n := uint64(0)
			var b [16]byte
			if err := t.SPT().CopyIn(b[:], name); err != nil {
				break
			}
			for n < 16 && b[n] != 0 {
				n++
			}

			u.syscall(syscall.SysWrite, 1, name, n)
			u.syscall(syscall.SysWrite, 1, newline, 1)
		}

		u.syscall(syscall.SysClose, fd)
		return 0
	})
}
