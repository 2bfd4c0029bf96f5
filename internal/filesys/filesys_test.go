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

package filesys_test

import (
	"testing"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/filesys"
	"github.com/googlecloudplatform/teachos/internal/inode"
	"github.com/googlecloudplatform/teachos/internal/locker"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestFilesys(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type FilesysTest struct {
	dev *blockdev.MemDevice
	fs  *filesys.Filesys
}

func init() { RegisterTestSuite(&FilesysTest{}) }

func (t *FilesysTest) SetUp(ti *TestInfo) {
	locker.EnableInvariantsCheck()

	t.dev = blockdev.NewMemDevice(512)

	var err error
	t.fs, err = filesys.Format(t.dev)
	AssertEq(nil, err)
}

func (t *FilesysTest) openFile(path string) *filesys.File {
	h, err := t.fs.Open(path, nil)
	AssertEq(nil, err)

	f, ok := h.(*filesys.File)
	AssertTrue(ok)
	return f
}

func (t *FilesysTest) openDir(path string) *inode.Dir {
	h, err := t.fs.Open(path, nil)
	AssertEq(nil, err)

	d, ok := h.(*inode.Dir)
	AssertTrue(ok)
	return d
}

////////////////////////////////////////////////////////////////////////
// Files
////////////////////////////////////////////////////////////////////////

func (t *FilesysTest) CreateWriteSeekRead() {
	AssertEq(nil, t.fs.Create("/a", 100, nil))

	f := t.openFile("/a")
	defer f.Close()

	n, err := f.Write([]byte("xyz"))
	AssertEq(nil, err)
	AssertEq(3, n)

	f.Seek(0)
	buf := make([]byte, 3)
	n, err = f.Read(buf)
	AssertEq(nil, err)
	AssertEq(3, n)

	ExpectEq("xyz", string(buf))
	ExpectEq(100, f.Length())
}

func (t *FilesysTest) CreateExistingNameFails() {
	AssertEq(nil, t.fs.Create("/a", 0, nil))
	ExpectThat(t.fs.Create("/a", 0, nil), Error(HasSubstr("exists")))
}

func (t *FilesysTest) CreateFailureFreesClusters() {
	free := t.fs.Store().Fat().FreeCount()

	// Resolution fails: /missing is not there.
	ExpectNe(nil, t.fs.Create("/missing/a", 0, nil))
	ExpectEq(free, t.fs.Store().Fat().FreeCount())

	// The name collides after the inode has been built.
	AssertEq(nil, t.fs.Create("/a", 0, nil))
	free = t.fs.Store().Fat().FreeCount()
	ExpectNe(nil, t.fs.Create("/a", 0, nil))
	ExpectEq(free, t.fs.Store().Fat().FreeCount())
}

func (t *FilesysTest) OpenMissingFails() {
	_, err := t.fs.Open("/nope", nil)
	ExpectThat(err, Error(HasSubstr("no such name")))
}

func (t *FilesysTest) RemoveRefusesDirectories() {
	AssertEq(nil, t.fs.CreateDir("/d", nil))
	ExpectEq(filesys.ErrIsDirectory, t.fs.Remove("/d", nil))

	// The parent handle was not leaked: the directory can still be removed
	// by the directory path.
	ExpectEq(nil, t.fs.RemoveDir("/d", nil))
}

func (t *FilesysTest) OpenFileSurvivesRemove() {
	AssertEq(nil, t.fs.Create("/a", 0, nil))

	f := t.openFile("/a")
	n, err := f.Write([]byte("still here"))
	AssertEq(nil, err)
	AssertEq(10, n)

	AssertEq(nil, t.fs.Remove("/a", nil))

	// The open handle still reads, but the name is gone.
	buf := make([]byte, 10)
	n, err = f.ReadAt(buf, 0)
	AssertEq(nil, err)
	AssertEq(10, n)
	ExpectEq("still here", string(buf))

	_, err = t.fs.Open("/a", nil)
	ExpectNe(nil, err)

	// Closing frees the clusters; recreating the name works.
	AssertEq(nil, f.Close())
	ExpectEq(nil, t.fs.Create("/a", 0, nil))
}

////////////////////////////////////////////////////////////////////////
// Paths and directories
////////////////////////////////////////////////////////////////////////

func (t *FilesysTest) ParsePathRootAlone() {
	dir, name, err := t.fs.ParsePath("/", nil)
	AssertEq(nil, err)
	defer dir.Close()

	ExpectEq(".", name)
	ExpectEq(t.fs.Store().Fat().ClusterToSector(2), dir.Inode().Inumber())
}

func (t *FilesysTest) ParsePathMidComponentNotDir() {
	AssertEq(nil, t.fs.Create("/file", 0, nil))

	_, _, err := t.fs.ParsePath("/file/x", nil)
	ExpectEq(filesys.ErrNotDir, err)
}

func (t *FilesysTest) ParsePathCollapsesSlashes() {
	AssertEq(nil, t.fs.CreateDir("/d", nil))
	AssertEq(nil, t.fs.Create("//d///f", 0, nil))

	f := t.openFile("/d/f")
	f.Close()
}

func (t *FilesysTest) NestedDirectoriesAndRelativePaths() {
	AssertEq(nil, t.fs.CreateDir("/d", nil))

	cwd, err := t.fs.Chdir("/d", nil)
	AssertEq(nil, err)

	AssertEq(nil, t.fs.CreateDir("sub", cwd))

	sub, err := t.fs.Chdir("sub", cwd)
	AssertEq(nil, err)
	cwd.Close()

	up, err := t.fs.Chdir("..", sub)
	AssertEq(nil, err)
	sub.Close()

	rootAgain, err := t.fs.Chdir("..", up)
	AssertEq(nil, err)
	up.Close()
	defer rootAgain.Close()

	// The tree is visible absolutely.
	d := t.openDir("/d/sub")
	defer d.Close()

	// d/. == d and d/.. == parent.
	self, err := d.Lookup(".")
	AssertEq(nil, err)
	ExpectEq(d.Inode().Inumber(), self.Inumber())
	self.Close()

	parent := t.openDir("/d")
	defer parent.Close()

	upIn, err := d.Lookup("..")
	AssertEq(nil, err)
	ExpectEq(parent.Inode().Inumber(), upIn.Inumber())
	upIn.Close()
}

func (t *FilesysTest) RootDotDotIsRoot() {
	root := t.openDir("/")
	defer root.Close()

	up, err := root.Lookup("..")
	AssertEq(nil, err)
	defer up.Close()

	ExpectEq(root.Inode().Inumber(), up.Inumber())
}

func (t *FilesysTest) ChdirIntoFileFails() {
	AssertEq(nil, t.fs.Create("/file", 0, nil))

	_, err := t.fs.Chdir("/file", nil)
	ExpectEq(filesys.ErrNotDir, err)
}

func (t *FilesysTest) RemoveCurrentDirectoryRefused() {
	AssertEq(nil, t.fs.CreateDir("/d", nil))

	cwd, err := t.fs.Chdir("/d", nil)
	AssertEq(nil, err)
	defer cwd.Close()

	ExpectThat(t.fs.RemoveDir("/d", nil), Error(HasSubstr("in use")))
}

func (t *FilesysTest) CreateInCwd() {
	AssertEq(nil, t.fs.CreateDir("/d", nil))

	cwd, err := t.fs.Chdir("/d", nil)
	AssertEq(nil, err)
	defer cwd.Close()

	AssertEq(nil, t.fs.Create("rel", 7, cwd))

	f := t.openFile("/d/rel")
	ExpectEq(7, f.Length())
	f.Close()
}
