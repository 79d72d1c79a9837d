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

// Package pagetables provides a generic implementation of Sv39 page tables.
//
// A page table is three levels of 512-entry tables, each one physical page
// in the kernel pool. Only 4K leaves are created. Page tables are not
// locked: each one is used by its owning process, or by a process that is
// guaranteed not to be running concurrently during fork, exec and exit.
package pagetables

import (
	"fmt"
	"io"

	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/pgalloc"
	"rvcore.dev/rvcore/pkg/physmem"
	"rvcore.dev/rvcore/pkg/riscv"
)

// Allocator is used to allocate and release physical pages, both for the
// tables themselves and for the pages they map.
type Allocator interface {
	// Allocate returns a page from pool.
	Allocate(pool pgalloc.Pool) (riscv.Addr, bool)

	// Free drops a reference to a page in pool.
	Free(pa riscv.Addr, pool pgalloc.Pool)

	// IncRef adds a reference to pa.
	IncRef(pa riscv.Addr)

	// RefCount returns the number of references to pa.
	RefCount(pa riscv.Addr) int

	// PoolOf classifies pa.
	PoolOf(pa riscv.Addr) pgalloc.Pool
}

// PageTables is a three level page table.
type PageTables struct {
	mem   *physmem.Memory
	alloc Allocator

	// root is the physical address of the level 2 table.
	root riscv.Addr

	// tables is the number of table pages, including root.
	tables int
}

// New returns an empty page table. It fails with ENOMEM if no kernel page is
// left for the root.
func New(mem *physmem.Memory, alloc Allocator) (*PageTables, error) {
	pt := &PageTables{mem: mem, alloc: alloc}
	root, ok := pt.newTable()
	if !ok {
		return nil, kernerr.ENOMEM
	}
	pt.root = root
	return pt, nil
}

func (pt *PageTables) newTable() (riscv.Addr, bool) {
	pa, ok := pt.alloc.Allocate(pgalloc.Kernel)
	if !ok {
		return 0, false
	}
	pt.mem.Zero(pa, riscv.PageSize)
	pt.tables++
	return pa, true
}

// Root returns the physical address of the root table.
func (pt *PageTables) Root() riscv.Addr {
	return pt.root
}

// SATP returns the satp value that selects this table.
func (pt *PageTables) SATP() uint64 {
	return riscv.MakeSATP(pt.root)
}

// Tables returns the number of table pages in use, including the root.
func (pt *PageTables) Tables() int {
	return pt.tables
}

// Slot is the location of one page table entry in physical memory.
type Slot struct {
	mem *physmem.Memory
	pa  riscv.Addr
}

// Load decodes the entry.
func (s Slot) Load() riscv.Entry {
	return riscv.PTE(s.mem.Uint64(s.pa)).Decode()
}

// Store encodes e into the slot.
func (s Slot) Store(e riscv.Entry) {
	s.mem.SetUint64(s.pa, uint64(e.Encode()))
}

// Clear invalidates the entry.
func (s Slot) Clear() {
	s.mem.SetUint64(s.pa, 0)
}

// Address is the physical address of the entry.
func (s Slot) Address() riscv.Addr {
	return s.pa
}

func (pt *PageTables) slot(table riscv.Addr, i riscv.Index) Slot {
	return Slot{mem: pt.mem, pa: table + riscv.Addr(i.Offset())}
}

// Walk returns the level 0 slot for va. If create is set, missing
// intermediate tables are allocated from the kernel pool and zeroed.
//
// ok is false if va is beyond MaxVA, or an intermediate table is missing and
// either create is unset or no page is available.
func (pt *PageTables) Walk(va riscv.Addr, create bool) (Slot, bool) {
	if va >= riscv.MaxVA {
		return Slot{}, false
	}
	table := pt.root
	for level := riscv.Level(riscv.Levels - 1); level > 0; level-- {
		s := pt.slot(table, riscv.TableIndex(va, level))
		switch e := s.Load(); e.Kind {
		case riscv.Child:
			table = e.PA
		case riscv.Leaf:
			fatal.Fatalf("walk: unexpected superpage at level %d for %v", level, va)
		default:
			if !create {
				return Slot{}, false
			}
			pa, ok := pt.newTable()
			if !ok {
				return Slot{}, false
			}
			s.Store(riscv.Entry{Kind: riscv.Child, PA: pa})
			table = pa
		}
	}
	return pt.slot(table, riscv.TableIndex(va, 0)), true
}

// Lookup returns the leaf entry for va, if one is mapped.
func (pt *PageTables) Lookup(va riscv.Addr) (riscv.Entry, bool) {
	s, ok := pt.Walk(va, false)
	if !ok {
		return riscv.Entry{}, false
	}
	e := s.Load()
	return e, e.Kind == riscv.Leaf
}

func checkRange(op string, va riscv.Addr, length uint64) riscv.Addr {
	if !va.IsPageAligned() || length%riscv.PageSize != 0 {
		fatal.Fatalf("%s: misaligned range [%v, +%#x)", op, va, length)
	}
	if length == 0 {
		fatal.Fatalf("%s: zero length at %v", op, va)
	}
	end, ok := va.AddLength(length)
	if !ok || end > riscv.MaxVA {
		fatal.Fatalf("%s: range [%v, +%#x) beyond MaxVA", op, va, length)
	}
	return end
}

// Map installs leaves for [va, va+length) pointing at [pa, pa+length) with
// perm. The range must be page aligned and non-empty, and no page in it may
// already be mapped; violations are fatal.
//
// If an intermediate table cannot be allocated, the pages mapped so far are
// unmapped again and ENOMEM is returned.
func (pt *PageTables) Map(va, pa riscv.Addr, length uint64, perm riscv.Perm) error {
	end := checkRange("map", va, length)
	if !pa.IsPageAligned() {
		fatal.Fatalf("map: misaligned physical address %v", pa)
	}
	for a := va; a < end; a, pa = a+riscv.PageSize, pa+riscv.PageSize {
		s, ok := pt.Walk(a, true)
		if !ok {
			if a > va {
				pt.Unmap(va, uint64(a-va), false)
			}
			return kernerr.ENOMEM
		}
		if e := s.Load(); e.Kind != riscv.Invalid {
			fatal.Fatalf("map: remap of %v (%v entry to %v)", a, e.Kind, e.PA)
		}
		s.Store(riscv.Entry{Kind: riscv.Leaf, PA: pa, Perm: perm | riscv.PermV})
	}
	return nil
}

// Unmap removes the leaves for [va, va+length). Pages that were never mapped
// are skipped. If freeBacking is set, each mapped page is released to the
// pool its address belongs to; a page outside both pools is fatal.
func (pt *PageTables) Unmap(va riscv.Addr, length uint64, freeBacking bool) {
	end := checkRange("unmap", va, length)
	for a := va; a < end; a += riscv.PageSize {
		s, ok := pt.Walk(a, false)
		if !ok {
			continue
		}
		e := s.Load()
		switch e.Kind {
		case riscv.Invalid:
			continue
		case riscv.Child:
			fatal.Fatalf("unmap: %v is not a leaf", a)
		}
		if freeBacking {
			pt.release(e.PA)
		}
		s.Clear()
	}
}

func (pt *PageTables) release(pa riscv.Addr) {
	pool := pt.alloc.PoolOf(pa)
	if pool == pgalloc.NoPool {
		fatal.Fatalf("pagetables: %v belongs to no pool", pa)
	}
	pt.alloc.Free(pa, pool)
}

// Destroy frees every table page, and every leaf's page if freeLeaves is set.
// Destroy on a nil table is a no-op.
func (pt *PageTables) Destroy(freeLeaves bool) {
	if pt == nil || pt.root == 0 {
		return
	}
	pt.freeWalk(pt.root, riscv.Levels-1, freeLeaves)
	pt.root = 0
}

func (pt *PageTables) freeWalk(table riscv.Addr, level riscv.Level, freeLeaves bool) {
	for i := riscv.Index(0); i < riscv.EntriesPerTable; i++ {
		s := pt.slot(table, i)
		switch e := s.Load(); e.Kind {
		case riscv.Child:
			if level == 0 {
				fatal.Fatalf("freewalk: table pointer at level 0 in %v", table)
			}
			pt.freeWalk(e.PA, level-1, freeLeaves)
		case riscv.Leaf:
			if freeLeaves {
				pt.release(e.PA)
			}
		}
		s.Clear()
	}
	pt.alloc.Free(table, pgalloc.Kernel)
	pt.tables--
}

// Mappings calls fn for every leaf in ascending virtual address order.
func (pt *PageTables) Mappings(fn func(va riscv.Addr, e riscv.Entry)) {
	pt.visit(pt.root, riscv.Levels-1, 0, fn)
}

func (pt *PageTables) visit(table riscv.Addr, level riscv.Level, base riscv.Addr, fn func(riscv.Addr, riscv.Entry)) {
	shift := riscv.PageShift + 9*uint(level)
	for i := riscv.Index(0); i < riscv.EntriesPerTable; i++ {
		va := base | riscv.Addr(uint64(i)<<shift)
		switch e := pt.slot(table, i).Load(); e.Kind {
		case riscv.Child:
			pt.visit(e.PA, level-1, va, fn)
		case riscv.Leaf:
			fn(va, e)
		}
	}
}

// Dump writes the table in the same shape as the xv6 vmprint.
func (pt *PageTables) Dump(w io.Writer) {
	fmt.Fprintf(w, "page table %v\n", pt.root)
	pt.dump(w, pt.root, riscv.Levels-1, 0)
}

func (pt *PageTables) dump(w io.Writer, table riscv.Addr, level riscv.Level, base riscv.Addr) {
	shift := riscv.PageShift + 9*uint(level)
	depth := riscv.Levels - int(level)
	for i := riscv.Index(0); i < riscv.EntriesPerTable; i++ {
		s := pt.slot(table, i)
		e := s.Load()
		if e.Kind == riscv.Invalid {
			continue
		}
		va := base | riscv.Addr(uint64(i)<<shift)
		for d := 0; d < depth; d++ {
			fmt.Fprint(w, " ..")
		}
		fmt.Fprintf(w, "%d: pte %#x pa %v", i, pt.mem.Uint64(s.Address()), e.PA)
		if e.Kind == riscv.Leaf {
			fmt.Fprintf(w, " va %v %v", va, e.Perm)
		}
		fmt.Fprintln(w)
		if e.Kind == riscv.Child {
			pt.dump(w, e.PA, level-1, va)
		}
	}
}
