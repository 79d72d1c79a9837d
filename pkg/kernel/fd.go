// Copyright 2024 The gVisor Authors.
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

package kernel

import (
	"rvcore.dev/rvcore/pkg/errors/kernerr"
)

// File is an open file.
//
// Files are shared between descriptor tables by reference: fork and dup
// take a reference, close drops one.
type File interface {
	// Read reads into dst on behalf of t. It may block.
	Read(t *Task, dst []byte) (int, error)

	// Write writes src on behalf of t.
	Write(t *Task, src []byte) (int, error)

	// IncRef adds a reference.
	IncRef()

	// DecRef drops a reference.
	DecRef()
}

// FDTable is a process's descriptor table. It is only used by the owning
// process, or by its parent during fork before the child first runs.
type FDTable struct {
	files [NOFILE]File
}

// Get returns the file at fd.
func (t *FDTable) Get(fd int) (File, error) {
	if fd < 0 || fd >= NOFILE || t.files[fd] == nil {
		return nil, kernerr.EBADF
	}
	return t.files[fd], nil
}

// NewFD installs f at the lowest free descriptor and takes a reference on
// it.
func (t *FDTable) NewFD(f File) (int, error) {
	for fd := range t.files {
		if t.files[fd] == nil {
			f.IncRef()
			t.files[fd] = f
			return fd, nil
		}
	}
	return -1, kernerr.EMFILE
}

// Dup installs another reference to the file at fd.
func (t *FDTable) Dup(fd int) (int, error) {
	f, err := t.Get(fd)
	if err != nil {
		return -1, err
	}
	return t.NewFD(f)
}

// Remove closes fd.
func (t *FDTable) Remove(fd int) error {
	f, err := t.Get(fd)
	if err != nil {
		return err
	}
	t.files[fd] = nil
	f.DecRef()
	return nil
}

// Fork returns a copy of t sharing every file.
func (t *FDTable) Fork() FDTable {
	var n FDTable
	for fd, f := range t.files {
		if f != nil {
			f.IncRef()
			n.files[fd] = f
		}
	}
	return n
}

// RemoveAll closes every descriptor.
func (t *FDTable) RemoveAll() {
	for fd, f := range t.files {
		if f != nil {
			t.files[fd] = nil
			f.DecRef()
		}
	}
}

// Count returns the number of open descriptors.
func (t *FDTable) Count() int {
	n := 0
	for _, f := range t.files {
		if f != nil {
			n++
		}
	}
	return n
}
