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
	"encoding/binary"
	"fmt"
	"path"
	"sort"

	"rvcore.dev/rvcore/pkg/cleanup"
	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/riscv"
	"rvcore.dev/rvcore/pkg/sync"
)

// StackPages is the size of a user stack, including its guard page.
const StackPages = 2

// Program is an executable image. Text is loaded read-execute and Data
// read-write at the bottom of the address space; Main is the code that
// runs on it.
type Program struct {
	Path string
	Text []byte
	Data []byte
	Main func(u *User, argv []string) int
}

// Registry maps paths to programs. It stands in for the file system as far
// as exec is concerned.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]*Program
}

// NewRegistry returns a registry holding progs.
func NewRegistry(progs ...*Program) *Registry {
	r := &Registry{programs: make(map[string]*Program)}
	for _, p := range progs {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

func cleanPath(p string) string {
	return path.Join("/", p)
}

// Register adds prog. Paths are absolute; relative paths are taken from /.
func (r *Registry) Register(prog *Program) error {
	if prog == nil || prog.Main == nil {
		return fmt.Errorf("program has no main")
	}
	name := cleanPath(prog.Path)
	if name == "/" {
		return fmt.Errorf("program has no path")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[name]; ok {
		return fmt.Errorf("program %q already registered", name)
	}
	r.programs[name] = prog
	return nil
}

// Lookup returns the program at file.
func (r *Registry) Lookup(file string) (*Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[cleanPath(file)]
	return p, ok
}

// Paths returns the registered paths in order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.programs))
	for name := range r.programs {
		paths = append(paths, name)
	}
	sort.Strings(paths)
	return paths
}

// exec builds a new address space for the program at file with argv on its
// stack and installs it in p. On failure p is unchanged. It returns argc.
func (k *Kernel) exec(p *Proc, file string, argv []string) (int, error) {
	prog, ok := k.programs.Lookup(file)
	if !ok {
		return 0, kernerr.ENOENT
	}
	if len(argv) > MaxArg {
		return 0, kernerr.E2BIG
	}

	pt, err := k.userTable(p)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { k.freeUserTable(pt) })
	defer cu.Clean()

	// Text. There is always at least one page so that address 0 is mapped.
	textSz := riscv.PageRoundUp(uint64(max(len(prog.Text), 1)))
	sz, err := pt.Alloc(0, textSz, riscv.PermX)
	if err != nil {
		return 0, err
	}
	for off := 0; off < len(prog.Text); off += riscv.PageSize {
		pa, ok := pt.WalkAddr(riscv.Addr(off))
		if !ok {
			return 0, kernerr.EFAULT
		}
		n := min(len(prog.Text)-off, riscv.PageSize)
		copy(k.mem.Bytes(pa, uint64(n)), prog.Text[off:off+n])
	}

	if len(prog.Data) > 0 {
		base := sz
		if sz, err = pt.Alloc(sz, sz+riscv.PageRoundUp(uint64(len(prog.Data))), riscv.PermW); err != nil {
			return 0, err
		}
		if err := pt.CopyOut(riscv.Addr(base), prog.Data); err != nil {
			return 0, err
		}
	}

	// Stack, with an inaccessible guard page below it.
	if sz, err = pt.Alloc(sz, sz+StackPages*riscv.PageSize, riscv.PermW); err != nil {
		return 0, err
	}
	pt.ClearUser(riscv.Addr(sz - StackPages*riscv.PageSize))
	sp := sz
	stackbase := sp - riscv.PageSize

	ustack := make([]uint64, 0, len(argv)+1)
	for _, arg := range argv {
		sp -= uint64(len(arg)) + 1
		sp -= sp % 16
		if sp < stackbase {
			return 0, kernerr.E2BIG
		}
		if err := pt.CopyOut(riscv.Addr(sp), append([]byte(arg), 0)); err != nil {
			return 0, err
		}
		ustack = append(ustack, sp)
	}
	ustack = append(ustack, 0)

	sp -= uint64(len(ustack)) * 8
	sp -= sp % 16
	if sp < stackbase {
		return 0, kernerr.E2BIG
	}
	b := make([]byte, 0, len(ustack)*8)
	for _, v := range ustack {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	if err := pt.CopyOut(riscv.Addr(sp), b); err != nil {
		return 0, err
	}

	cu.Release()
	old := p.pagetable
	p.pagetable = pt
	p.sz = sz
	p.tf.SetEPC(0)
	p.tf.SetSP(sp)
	p.tf.SetA(1, sp)
	p.main = prog.Main
	p.forkFn = nil
	if old != nil {
		k.freeUserTable(old)
	}
	k.stats.execs.Add(1)
	return len(argv), nil
}
