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

package pagetables

import (
	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/pgalloc"
	"rvcore.dev/rvcore/pkg/riscv"
)

// CopyForFork shares every page mapped in [0, size) with dst.
//
// Writable pages lose PermW and gain PermCOW in both tables; read-only pages
// are shared unchanged. Every shared page gains a reference. Unmapped pages
// in the range are skipped.
//
// On failure copied is the length of the prefix that was installed in dst,
// so that the caller can unwind by destroying dst.
func (pt *PageTables) CopyForFork(dst *PageTables, size uint64) (copied uint64, err error) {
	for va := riscv.Addr(0); uint64(va) < size; va += riscv.PageSize {
		src, ok := pt.Walk(va, false)
		if !ok {
			continue
		}
		e := src.Load()
		if e.Kind != riscv.Leaf {
			continue
		}
		d, ok := dst.Walk(va, true)
		if !ok {
			return uint64(va), kernerr.ENOMEM
		}
		if d.Load().Kind != riscv.Invalid {
			fatal.Fatalf("fork: remap of %v in child", va)
		}
		if e.Perm&riscv.PermW != 0 {
			e.Perm = e.Perm&^riscv.PermW | riscv.PermCOW
			src.Store(e)
		}
		pt.alloc.IncRef(e.PA)
		d.Store(e)
	}
	return size, nil
}

// ResolveFault handles a write fault at va. If the page is shared
// copy-on-write, the faulting table gets a private writable copy and the
// shared page loses a reference. If the other sharers have already copied
// the page away, it is made writable in place.
//
// Faults on anything but a user COW page return EFAULT; the faulting process
// is expected to be killed.
func (pt *PageTables) ResolveFault(va riscv.Addr) error {
	if va >= riscv.MaxVA {
		return kernerr.EFAULT
	}
	s, ok := pt.Walk(va.RoundDown(), false)
	if !ok {
		return kernerr.EFAULT
	}
	e := s.Load()
	if e.Kind != riscv.Leaf || e.Perm&riscv.PermU == 0 || e.Perm&riscv.PermCOW == 0 {
		return kernerr.EFAULT
	}
	perm := e.Perm&^riscv.PermCOW | riscv.PermW

	if pt.alloc.RefCount(e.PA) == 1 {
		s.Store(riscv.Entry{Kind: riscv.Leaf, PA: e.PA, Perm: perm})
		return nil
	}

	pa, ok := pt.alloc.Allocate(pgalloc.User)
	if !ok {
		return kernerr.ENOMEM
	}
	pt.mem.Copy(pa, e.PA, riscv.PageSize)
	s.Store(riscv.Entry{Kind: riscv.Leaf, PA: pa, Perm: perm})
	pt.release(e.PA)
	return nil
}
