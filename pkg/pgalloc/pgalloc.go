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

// Package pgalloc contains the physical page allocator.
//
// RAM after the kernel image is split into two pools. The kernel pool backs
// page table pages, kernel stacks and trapframes. The user pool backs user
// memory. Each pool is a singly linked free list threaded through the first
// doubleword of every free page, guarded by its own mutex.
//
// Pages shared copy-on-write carry a reference count. Free drops one
// reference and only returns the page to its pool once none remain.
package pgalloc

import (
	"fmt"

	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/physmem"
	"rvcore.dev/rvcore/pkg/riscv"
	"rvcore.dev/rvcore/pkg/sync"
)

// Pool identifies one of the two page pools.
type Pool int

// Pools.
const (
	// NoPool is returned by PoolOf for addresses outside both pools.
	NoPool Pool = iota - 1
	Kernel
	User
)

// String implements fmt.Stringer.String.
func (p Pool) String() string {
	switch p {
	case Kernel:
		return "kernel"
	case User:
		return "user"
	default:
		return "none"
	}
}

// Debug fill patterns.
const (
	allocFill = 0x05
	freeFill  = 0x01
)

// Page states in the side table.
const (
	stateAllocated = 0
	stateFree      = 1
)

// Options configures an Allocator.
type Options struct {
	// Debug stamps pages with a fill pattern on allocation and free so
	// that uses of uninitialized or freed memory are recognizable.
	Debug bool
}

// region is the free list of one pool.
type region struct {
	pool  Pool
	begin riscv.Addr
	end   riscv.Addr

	mu sync.Mutex

	// head is the first free page, or 0 when the pool is exhausted.
	head riscv.Addr

	// free is the number of pages on the list.
	free int

	// state marks each page free or allocated. Indexed by page number
	// within the region.
	state []uint8

	// refs counts the owners of each allocated page.
	refs []int32
}

func (r *region) index(pa riscv.Addr) int {
	return int((pa - r.begin) / riscv.PageSize)
}

func (r *region) contains(pa riscv.Addr) bool {
	return pa >= r.begin && pa < r.end
}

// Allocator allocates physical pages.
type Allocator struct {
	mem   *physmem.Memory
	debug bool
	pools [2]region
}

// New returns an allocator over the pools described by layout. mem must
// cover the layout.
func New(mem *physmem.Memory, layout riscv.Layout, opts Options) *Allocator {
	if !mem.Contains(layout.End(), uint64(layout.PhysTop()-layout.End())) {
		fatal.Fatalf("pgalloc: pools [%v, %v) outside RAM", layout.End(), layout.PhysTop())
	}
	a := &Allocator{
		mem:   mem,
		debug: opts.Debug,
	}
	a.pools[Kernel].init(Kernel, layout.End(), layout.KernelPages)
	a.pools[User].init(User, layout.UserBase(), layout.UserPages)
	for i := range a.pools {
		r := &a.pools[i]
		// Free in descending order so that the lowest page ends up at the
		// head of the list.
		for pa := r.end - riscv.PageSize; ; pa -= riscv.PageSize {
			r.refs[r.index(pa)] = 1
			a.Free(pa, r.pool)
			if pa == r.begin {
				break
			}
		}
	}
	return a
}

func (r *region) init(pool Pool, begin riscv.Addr, pages int) {
	r.pool = pool
	r.begin = begin
	r.end = begin + riscv.Addr(pages*riscv.PageSize)
	r.state = make([]uint8, pages)
	r.refs = make([]int32, pages)
}

func (a *Allocator) region(pool Pool) *region {
	if pool != Kernel && pool != User {
		fatal.Fatalf("pgalloc: bad pool %d", pool)
	}
	return &a.pools[pool]
}

// Allocate pops one page from pool. ok is false if the pool is exhausted.
// The page starts with a reference count of one.
func (a *Allocator) Allocate(pool Pool) (pa riscv.Addr, ok bool) {
	r := a.region(pool)
	r.mu.Lock()
	if r.head == 0 {
		r.mu.Unlock()
		return 0, false
	}
	pa = r.head
	i := r.index(pa)
	if r.state[i] != stateFree {
		r.mu.Unlock()
		fatal.Fatalf("pgalloc: %v pool free list corrupted at %v", pool, pa)
	}
	r.head = riscv.Addr(a.mem.Uint64(pa))
	if r.head != 0 && !r.contains(r.head) {
		r.mu.Unlock()
		fatal.Fatalf("pgalloc: %v pool free list link %v out of range", pool, r.head)
	}
	r.state[i] = stateAllocated
	r.refs[i] = 1
	r.free--
	r.mu.Unlock()

	if a.debug {
		a.mem.Fill(pa, riscv.PageSize, allocFill)
	} else {
		// Clear the free list link.
		a.mem.SetUint64(pa, 0)
	}
	return pa, true
}

// AllocateMany allocates up to n pages from pool. Fewer are returned if the
// pool runs out.
func (a *Allocator) AllocateMany(pool Pool, n int) []riscv.Addr {
	pages := make([]riscv.Addr, 0, n)
	for len(pages) < n {
		pa, ok := a.Allocate(pool)
		if !ok {
			break
		}
		pages = append(pages, pa)
	}
	return pages
}

// Free drops one reference to pa, which must belong to pool. The page is
// pushed back on the free list once its last reference is gone.
//
// Misaligned addresses, addresses outside pool and double frees are fatal.
func (a *Allocator) Free(pa riscv.Addr, pool Pool) {
	r := a.region(pool)
	if !pa.IsPageAligned() {
		fatal.Fatalf("pgalloc: free of misaligned address %v", pa)
	}
	if !r.contains(pa) {
		fatal.Fatalf("pgalloc: free of %v outside %v pool [%v, %v)", pa, pool, r.begin, r.end)
	}
	a.put(r, pa)
}

// put drops a reference to pa in r and returns the number left.
func (a *Allocator) put(r *region, pa riscv.Addr) int {
	i := r.index(pa)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state[i] == stateFree {
		fatal.Fatalf("pgalloc: double free of %v in %v pool", pa, r.pool)
	}
	r.refs[i]--
	if n := r.refs[i]; n != 0 {
		if n < 0 {
			fatal.Fatalf("pgalloc: negative reference count for %v", pa)
		}
		return int(n)
	}
	if a.debug {
		a.mem.Fill(pa, riscv.PageSize, freeFill)
	}
	a.mem.SetUint64(pa, uint64(r.head))
	r.head = pa
	r.state[i] = stateFree
	r.free++
	return 0
}

// FreeCount returns the number of free pages in pool.
func (a *Allocator) FreeCount(pool Pool) int {
	r := a.region(pool)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free
}

// Total returns the number of pages managed by pool.
func (a *Allocator) Total(pool Pool) int {
	return len(a.region(pool).state)
}

// PoolOf classifies pa by address range.
func (a *Allocator) PoolOf(pa riscv.Addr) Pool {
	for i := range a.pools {
		if a.pools[i].contains(pa) {
			return a.pools[i].pool
		}
	}
	return NoPool
}

func (a *Allocator) allocated(pa riscv.Addr) (*region, int) {
	pool := a.PoolOf(pa)
	if pool == NoPool || !pa.IsPageAligned() {
		fatal.Fatalf("pgalloc: %v is not an allocatable page", pa)
	}
	r := &a.pools[pool]
	return r, r.index(pa)
}

// IncRef adds a reference to the allocated page pa.
func (a *Allocator) IncRef(pa riscv.Addr) {
	r, i := a.allocated(pa)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state[i] == stateFree {
		fatal.Fatalf("pgalloc: IncRef of free page %v", pa)
	}
	r.refs[i]++
}

// DecRef drops a reference to pa and returns the remaining count. A page
// whose count reaches zero is freed.
func (a *Allocator) DecRef(pa riscv.Addr) int {
	r, _ := a.allocated(pa)
	return a.put(r, pa)
}

// RefCount returns the number of references to pa.
func (a *Allocator) RefCount(pa riscv.Addr) int {
	r, i := a.allocated(pa)
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.refs[i])
}

// String implements fmt.Stringer.String.
func (a *Allocator) String() string {
	return fmt.Sprintf("kernel %d/%d free, user %d/%d free",
		a.FreeCount(Kernel), a.Total(Kernel), a.FreeCount(User), a.Total(User))
}
