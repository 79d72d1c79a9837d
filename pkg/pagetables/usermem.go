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
	"bytes"

	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/pgalloc"
	"rvcore.dev/rvcore/pkg/riscv"
)

// Translate performs the MMU check for an access at va. user is set for
// accesses made in user mode, which additionally require PermU.
func (pt *PageTables) Translate(va riscv.Addr, access riscv.Access, user bool) (riscv.Addr, bool) {
	e, ok := pt.Lookup(va.RoundDown())
	if !ok || !e.Perm.Allows(access) {
		return 0, false
	}
	if user && e.Perm&riscv.PermU == 0 {
		return 0, false
	}
	return e.PA + riscv.Addr(va.PageOffset()), true
}

// WalkAddr returns the physical page backing the user page at va.
func (pt *PageTables) WalkAddr(va riscv.Addr) (riscv.Addr, bool) {
	e, ok := pt.Lookup(va.RoundDown())
	if !ok || e.Perm&riscv.PermU == 0 {
		return 0, false
	}
	return e.PA, true
}

// CopyIn copies len(dst) bytes from user address src.
func (pt *PageTables) CopyIn(dst []byte, src riscv.Addr) error {
	for len(dst) > 0 {
		pa, ok := pt.WalkAddr(src)
		if !ok {
			return kernerr.EFAULT
		}
		off := src.PageOffset()
		n := copy(dst, pt.mem.Bytes(pa+riscv.Addr(off), riscv.PageSize-off))
		dst = dst[n:]
		src += riscv.Addr(n)
	}
	return nil
}

// CopyOut copies src to user address dst. Pages shared copy-on-write are
// duplicated before they are written.
func (pt *PageTables) CopyOut(dst riscv.Addr, src []byte) error {
	for len(src) > 0 {
		va := dst.RoundDown()
		e, ok := pt.Lookup(va)
		if !ok || e.Perm&riscv.PermU == 0 {
			return kernerr.EFAULT
		}
		if e.Perm&riscv.PermW == 0 {
			if e.Perm&riscv.PermCOW == 0 {
				return kernerr.EFAULT
			}
			if err := pt.ResolveFault(va); err != nil {
				return err
			}
			e, _ = pt.Lookup(va)
		}
		off := dst.PageOffset()
		n := copy(pt.mem.Bytes(e.PA+riscv.Addr(off), riscv.PageSize-off), src)
		src = src[n:]
		dst += riscv.Addr(n)
	}
	return nil
}

// CopyInString copies a NUL terminated string from user address src. The
// string, without its terminator, may be at most max bytes.
func (pt *PageTables) CopyInString(src riscv.Addr, max int) (string, error) {
	var buf []byte
	for {
		pa, ok := pt.WalkAddr(src)
		if !ok {
			return "", kernerr.EFAULT
		}
		off := src.PageOffset()
		chunk := pt.mem.Bytes(pa+riscv.Addr(off), riscv.PageSize-off)
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			buf = append(buf, chunk[:i]...)
			if len(buf) > max {
				return "", kernerr.E2BIG
			}
			return string(buf), nil
		}
		buf = append(buf, chunk...)
		if len(buf) > max {
			return "", kernerr.E2BIG
		}
		src += riscv.Addr(len(chunk))
	}
}

// Alloc grows user memory from oldSize to newSize, backing every new page
// with a zeroed user page mapped with perm, PermR and PermU. On failure all
// pages added by this call are released again.
func (pt *PageTables) Alloc(oldSize, newSize uint64, perm riscv.Perm) (uint64, error) {
	if newSize < oldSize {
		return oldSize, nil
	}
	for a := riscv.PageRoundUp(oldSize); a < newSize; a += riscv.PageSize {
		pa, ok := pt.alloc.Allocate(pgalloc.User)
		if !ok {
			pt.Dealloc(a, oldSize)
			return oldSize, kernerr.ENOMEM
		}
		pt.mem.Zero(pa, riscv.PageSize)
		if err := pt.Map(riscv.Addr(a), pa, riscv.PageSize, perm|riscv.PermR|riscv.PermU); err != nil {
			pt.alloc.Free(pa, pgalloc.User)
			pt.Dealloc(a, oldSize)
			return oldSize, err
		}
	}
	return newSize, nil
}

// Dealloc shrinks user memory from oldSize to newSize and returns the new
// size. Pages are released to their pools.
func (pt *PageTables) Dealloc(oldSize, newSize uint64) uint64 {
	if newSize >= oldSize {
		return oldSize
	}
	lo, hi := riscv.PageRoundUp(newSize), riscv.PageRoundUp(oldSize)
	if lo < hi {
		pt.Unmap(riscv.Addr(lo), hi-lo, true)
	}
	return newSize
}

// ClearUser revokes user access to the page at va. It is used for stack
// guard pages.
func (pt *PageTables) ClearUser(va riscv.Addr) {
	s, ok := pt.Walk(va, false)
	if !ok || s.Load().Kind != riscv.Leaf {
		fatal.Fatalf("clearuser: %v not mapped", va)
	}
	e := s.Load()
	e.Perm &^= riscv.PermU
	s.Store(e)
}
