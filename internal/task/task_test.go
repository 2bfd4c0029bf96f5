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

package task_test

import (
	"testing"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/filesys"
	"github.com/googlecloudplatform/teachos/internal/task"
	"github.com/googlecloudplatform/teachos/internal/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type TaskTest struct {
	suite.Suite

	fs  *filesys.Filesys
	mgr *task.Manager
}

func TestTaskSuite(t *testing.T) {
	suite.Run(t, new(TaskTest))
}

func (t *TaskTest) SetupTest() {
	var err error
	t.fs, err = filesys.Format(blockdev.NewMemDevice(1024))
	require.NoError(t.T(), err)

	sys := vm.NewSystem(16, blockdev.NewMemDevice(256), nil)
	t.mgr = task.NewManager(sys, t.fs)
}

func (t *TaskTest) TestNewTaskHasStackAndRootCwd() {
	tk, err := t.mgr.NewTask("init", nil)
	require.NoError(t.T(), err)

	assert.Equal(t.T(), vm.UserStackTop-vm.PageSize, tk.SPT().StackBottom())
	assert.True(t.T(), tk.CWD().Inode().IsDir())
}

func (t *TaskTest) TestDescriptorTableSkipsConsoleSlots() {
	tk, err := t.mgr.NewTask("init", nil)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.fs.Create("/f", 0, nil))
	h, err := t.fs.Open("/f", nil)
	require.NoError(t.T(), err)

	fd := tk.AddHandle(h)
	assert.Equal(t.T(), 2, fd)
	assert.Nil(t.T(), tk.Handle(0))
	assert.Nil(t.T(), tk.Handle(1))
	assert.Same(t.T(), h, tk.Handle(fd))
}

func (t *TaskTest) TestDescriptorTableFillsUp() {
	tk, err := t.mgr.NewTask("init", nil)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.fs.Create("/f", 0, nil))

	for i := 2; i < task.MaxFD; i++ {
		h, err := t.fs.Open("/f", nil)
		require.NoError(t.T(), err)
		require.Equal(t.T(), i, tk.AddHandle(h))
	}

	h, err := t.fs.Open("/f", nil)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), -1, tk.AddHandle(h))
	h.Close()
}

func (t *TaskTest) TestStartWaitPropagatesStatus() {
	parent, err := t.mgr.NewTask("parent", nil)
	require.NoError(t.T(), err)

	child, err := t.mgr.Fork(parent, "child")
	require.NoError(t.T(), err)

	child.SetEntry(func(tk *task.Task) int { return 42 })
	t.mgr.Start(child)

	assert.Equal(t.T(), 42, parent.Wait(child.TID()))

	// A second wait, or waiting for a stranger, returns -1.
	assert.Equal(t.T(), -1, parent.Wait(child.TID()))
	assert.Equal(t.T(), -1, parent.Wait(9999))
}

func (t *TaskTest) TestExplicitExitBeatsReturnValue() {
	parent, err := t.mgr.NewTask("parent", nil)
	require.NoError(t.T(), err)

	child, err := t.mgr.Fork(parent, "child")
	require.NoError(t.T(), err)

	child.SetEntry(func(tk *task.Task) int {
		tk.Exit(7)
		return 0
	})
	t.mgr.Start(child)

	assert.Equal(t.T(), 7, parent.Wait(child.TID()))
}

func (t *TaskTest) TestForkDuplicatesDescriptors() {
	parent, err := t.mgr.NewTask("parent", nil)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.fs.Create("/f", 0, nil))
	h, err := t.fs.Open("/f", nil)
	require.NoError(t.T(), err)

	f := h.(*filesys.File)
	_, err = f.Write([]byte("abcd"))
	require.NoError(t.T(), err)

	fd := parent.AddHandle(f)

	child, err := t.mgr.Fork(parent, "child")
	require.NoError(t.T(), err)

	cf := child.Handle(fd).(*filesys.File)
	assert.NotSame(t.T(), f, cf)
	assert.Equal(t.T(), f.Tell(), cf.Tell())

	// Positions diverge independently after the fork.
	cf.Seek(0)
	assert.EqualValues(t.T(), 4, f.Tell())

	child.Exit(0)
}

func (t *TaskTest) TestExitReleasesInodeReferences() {
	tk, err := t.mgr.NewTask("t", nil)
	require.NoError(t.T(), err)

	require.NoError(t.T(), t.fs.Create("/f", 0, nil))
	h, err := t.fs.Open("/f", nil)
	require.NoError(t.T(), err)

	tk.AddHandle(h)
	in := h.Inode()
	require.Equal(t.T(), 1, in.OpenCount())

	tk.Exit(0)
	// The descriptor was closed for real, not just dropped from the table.
	assert.Equal(t.T(), 0, in.OpenCount())
	require.NoError(t.T(), t.fs.Remove("/f", nil))
}
