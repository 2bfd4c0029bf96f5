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

// Package filesys is the path-level facade over the inode layer: create,
// open, remove, mkdir and chdir in terms of absolute and relative paths.
// Callers serialize mutations with the global file-system lock; this
// package only resolves and composes inode operations.
package filesys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/googlecloudplatform/teachos/internal/blockdev"
	"github.com/googlecloudplatform/teachos/internal/fat"
	"github.com/googlecloudplatform/teachos/internal/inode"
	"github.com/googlecloudplatform/teachos/internal/logger"
)

var (
	ErrEmptyPath   = errors.New("filesys: empty path")
	ErrNotDir      = errors.New("filesys: path component is not a directory")
	ErrIsDirectory = errors.New("filesys: target is a directory")
)

// The number of entry slots a fresh directory is created with. Directories
// grow past this on demand.
const initialDirEntries = 16

// Filesys is one mounted file system.
type Filesys struct {
	dev   blockdev.Device
	table *fat.Table
	store *inode.Store
}

// Format writes a fresh, empty file system to the device: the FAT, and a
// root directory whose "." and ".." both name the root.
func Format(dev blockdev.Device) (fs *Filesys, err error) {
	logger.Infof("Formatting file system...")

	table, err := fat.Format(dev)
	if err != nil {
		return nil, fmt.Errorf("formatting FAT: %w", err)
	}

	fs = &Filesys{
		dev:   dev,
		table: table,
		store: inode.NewStore(dev, table),
	}

	rootSector := table.ClusterToSector(fat.RootCluster)
	if err = fs.store.CreateDir(rootSector, initialDirEntries); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	root, err := fs.OpenRoot()
	if err != nil {
		return nil, err
	}
	defer root.Close()

	if err = root.Add(".", rootSector); err != nil {
		return nil, err
	}
	if err = root.Add("..", rootSector); err != nil {
		return nil, err
	}

	if err = root.Inode().Flush(); err != nil {
		return nil, err
	}

	logger.Infof("Formatting file system...done.")
	return fs, nil
}

// Mount opens the file system persisted on the device.
func Mount(dev blockdev.Device) (*Filesys, error) {
	table, err := fat.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("opening FAT: %w", err)
	}

	return &Filesys{
		dev:   dev,
		table: table,
		store: inode.NewStore(dev, table),
	}, nil
}

// Close flushes the FAT, completing a clean shutdown.
func (fs *Filesys) Close() error {
	return fs.table.Close()
}

// Store exposes the inode layer, for the VM's file-backed pages.
func (fs *Filesys) Store() *inode.Store {
	return fs.store
}

// OpenRoot opens a handle on the root directory.
func (fs *Filesys) OpenRoot() (*inode.Dir, error) {
	in, err := fs.store.Open(fs.table.ClusterToSector(fat.RootCluster))
	if err != nil {
		return nil, err
	}

	return inode.OpenDir(in)
}

// ParsePath resolves all but the last component of path, starting at the
// root for absolute paths and at a reopen of cwd otherwise. It returns the
// surviving directory handle (owned by the caller) and the final component
// name. A path of "/" alone yields the root and the name ".".
//
// Every intermediate component must resolve to a directory; on any error
// all intermediate handles are unwound.
func (fs *Filesys) ParsePath(path string, cwd *inode.Dir) (dir *inode.Dir, name string, err error) {
	tokens, dir, err := fs.walkStart(path, cwd)
	if err != nil {
		return nil, "", err
	}

	if len(tokens) == 0 {
		return dir, ".", nil
	}

	for _, token := range tokens[:len(tokens)-1] {
		if dir, err = fs.descend(dir, token); err != nil {
			return nil, "", err
		}
	}

	name = tokens[len(tokens)-1]
	if len(name) > inode.NameMax {
		dir.Close()
		return nil, "", inode.ErrNameTooLong
	}

	return dir, name, nil
}

// Create makes a file of the given initial size. The steps are ordered
// allocate chain → write inode → add entry, and a failure after allocation
// frees everything allocated so far.
func (fs *Filesys) Create(path string, initialSize uint32, cwd *inode.Dir) error {
	cluster, err := fs.table.CreateChain(0)
	if err != nil {
		return err
	}
	sector := fs.table.ClusterToSector(cluster)

	dir, name, err := fs.ParsePath(path, cwd)
	if err != nil {
		fs.table.RemoveChain(cluster, 0)
		return err
	}
	defer dir.Close()

	if err = fs.store.Create(sector, initialSize, false); err != nil {
		fs.table.RemoveChain(cluster, 0)
		return err
	}

	if err = dir.Add(name, sector); err != nil {
		fs.releaseOrphan(sector)
		return err
	}

	return nil
}

// CreateDir makes a directory, adding "." and ".." as its first two
// entries.
func (fs *Filesys) CreateDir(path string, cwd *inode.Dir) error {
	dir, name, err := fs.ParsePath(path, cwd)
	if err != nil {
		return err
	}
	defer dir.Close()

	cluster, err := fs.table.CreateChain(0)
	if err != nil {
		return err
	}
	sector := fs.table.ClusterToSector(cluster)

	if err = fs.store.CreateDir(sector, initialDirEntries); err != nil {
		fs.table.RemoveChain(cluster, 0)
		return err
	}

	if err = dir.Add(name, sector); err != nil {
		fs.releaseOrphan(sector)
		return err
	}

	child, err := fs.openDirAt(sector)
	if err != nil {
		return err
	}
	defer child.Close()

	if err = child.Add(".", sector); err != nil {
		return err
	}
	if err = child.Add("..", dir.Inode().Inumber()); err != nil {
		return err
	}

	return child.Inode().Flush()
}

// Open opens the leaf named by path: a *File for files, a *inode.Dir for
// directories.
func (fs *Filesys) Open(path string, cwd *inode.Dir) (Handle, error) {
	dir, name, err := fs.ParsePath(path, cwd)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	in, err := dir.Lookup(name)
	if err != nil {
		return nil, err
	}

	if in.IsDir() {
		return inode.OpenDir(in)
	}

	return NewFile(in), nil
}

// Remove deletes the file named by path. Directories are refused here;
// RemoveDir has the emptiness and in-use checks.
func (fs *Filesys) Remove(path string, cwd *inode.Dir) error {
	dir, name, err := fs.ParsePath(path, cwd)
	if err != nil {
		return err
	}
	defer dir.Close()

	in, err := dir.Lookup(name)
	if err != nil {
		return err
	}

	isDir := in.IsDir()
	in.Close()
	if isDir {
		return ErrIsDirectory
	}

	return dir.Remove(name)
}

// RemoveDir deletes the directory named by path, provided it is empty and
// no task holds it open or as a working directory.
func (fs *Filesys) RemoveDir(path string, cwd *inode.Dir) error {
	dir, name, err := fs.ParsePath(path, cwd)
	if err != nil {
		return err
	}
	defer dir.Close()

	return dir.Remove(name)
}

// Chdir resolves the whole path (every component must be a directory) and
// returns the new working-directory handle. The caller closes its old one.
func (fs *Filesys) Chdir(path string, cwd *inode.Dir) (dir *inode.Dir, err error) {
	tokens, dir, err := fs.walkStart(path, cwd)
	if err != nil {
		return nil, err
	}

	for _, token := range tokens {
		if dir, err = fs.descend(dir, token); err != nil {
			return nil, err
		}
	}

	return dir, nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// walkStart splits path into components and opens the directory the walk
// begins at.
func (fs *Filesys) walkStart(path string, cwd *inode.Dir) (tokens []string, dir *inode.Dir, err error) {
	if len(path) == 0 {
		return nil, nil, ErrEmptyPath
	}

	for _, t := range strings.Split(path, "/") {
		if t != "" {
			tokens = append(tokens, t)
		}
	}

	if path[0] == '/' || cwd == nil {
		dir, err = fs.OpenRoot()
	} else {
		dir = cwd.Reopen()
	}

	if err != nil {
		return nil, nil, err
	}

	return tokens, dir, nil
}

// descend replaces dir with its child named token, closing dir. The child
// must be a directory.
func (fs *Filesys) descend(dir *inode.Dir, token string) (*inode.Dir, error) {
	child, err := dir.Lookup(token)
	dir.Close()
	if err != nil {
		return nil, err
	}

	if !child.IsDir() {
		child.Close()
		return nil, ErrNotDir
	}

	return inode.OpenDir(child)
}

func (fs *Filesys) openDirAt(sector uint32) (*inode.Dir, error) {
	in, err := fs.store.Open(sector)
	if err != nil {
		return nil, err
	}

	return inode.OpenDir(in)
}

// releaseOrphan frees an inode that was created but never linked into a
// directory.
func (fs *Filesys) releaseOrphan(sector uint32) {
	in, err := fs.store.Open(sector)
	if err != nil {
		logger.Warnf("Leaking orphan inode %d: %v", sector, err)
		return
	}

	in.Remove()
	in.Close()
}
