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

package pgalloc

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/physmem"
	"rvcore.dev/rvcore/pkg/riscv"
)

const page = riscv.PageSize

var testLayout = riscv.Layout{TextPages: 1, DataPages: 1, KernelPages: 8, UserPages: 16}

func newTestAllocator(t *testing.T, opts Options) (*Allocator, *physmem.Memory) {
	t.Helper()
	mem := physmem.New(riscv.KernBase, testLayout.Size())
	return New(mem, testLayout, opts), mem
}

func TestInitialState(t *testing.T) {
	a, _ := newTestAllocator(t, Options{})
	if got := a.FreeCount(Kernel); got != testLayout.KernelPages {
		t.Errorf("FreeCount(Kernel) got %d want %d", got, testLayout.KernelPages)
	}
	if got := a.FreeCount(User); got != testLayout.UserPages {
		t.Errorf("FreeCount(User) got %d want %d", got, testLayout.UserPages)
	}

	// Low addresses come out first.
	got := a.AllocateMany(Kernel, 3)
	want := []riscv.Addr{testLayout.End(), testLayout.End() + page, testLayout.End() + 2*page}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AllocateMany mismatch (-want +got):\n%s", diff)
	}
}

func TestConservation(t *testing.T) {
	a, _ := newTestAllocator(t, Options{Debug: true})
	rng := rand.New(rand.NewSource(1))
	for _, pool := range []Pool{Kernel, User} {
		var held []riscv.Addr
		for step := 0; step < 500; step++ {
			before := a.FreeCount(pool)
			if rng.Intn(2) == 0 {
				pa, ok := a.Allocate(pool)
				if !ok {
					if before != 0 {
						t.Fatalf("%v: Allocate failed with %d free pages", pool, before)
					}
					continue
				}
				if got := a.PoolOf(pa); got != pool {
					t.Fatalf("PoolOf(%v) got %v want %v", pa, got, pool)
				}
				held = append(held, pa)
				if got := a.FreeCount(pool); got != before-1 {
					t.Fatalf("%v: FreeCount after Allocate got %d want %d", pool, got, before-1)
				}
			} else if len(held) > 0 {
				i := rng.Intn(len(held))
				a.Free(held[i], pool)
				held = append(held[:i], held[i+1:]...)
				if got := a.FreeCount(pool); got != before+1 {
					t.Fatalf("%v: FreeCount after Free got %d want %d", pool, got, before+1)
				}
			}
			if a.FreeCount(pool) < 0 {
				t.Fatalf("%v: negative free count", pool)
			}
		}
		for _, pa := range held {
			a.Free(pa, pool)
		}
		if got, want := a.FreeCount(pool), a.Total(pool); got != want {
			t.Errorf("%v: FreeCount after releasing everything got %d want %d", pool, got, want)
		}
	}
}

func TestExhaustion(t *testing.T) {
	a, _ := newTestAllocator(t, Options{})
	pages := a.AllocateMany(Kernel, 100)
	if len(pages) != testLayout.KernelPages {
		t.Errorf("AllocateMany got %d pages want %d", len(pages), testLayout.KernelPages)
	}
	if _, ok := a.Allocate(Kernel); ok {
		t.Errorf("Allocate on an exhausted pool succeeded")
	}
	// The user pool is unaffected.
	if _, ok := a.Allocate(User); !ok {
		t.Errorf("Allocate(User) failed with the kernel pool exhausted")
	}
}

func TestFatalFrees(t *testing.T) {
	a, _ := newTestAllocator(t, Options{})
	pa, _ := a.Allocate(User)
	a.Free(pa, User)

	for _, tc := range []struct {
		name string
		fn   func()
	}{
		{"double free", func() { a.Free(pa, User) }},
		{"misaligned", func() { a.Free(pa+8, User) }},
		{"wrong pool", func() { a.Free(testLayout.End(), User) }},
		{"kernel text", func() { a.Free(riscv.KernBase, Kernel) }},
		{"bad pool", func() { a.Allocate(Pool(7)) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := fatal.Catch(tc.fn); err == nil {
				t.Errorf("%s did not halt", tc.name)
			}
		})
	}
}

func TestRefCounts(t *testing.T) {
	a, _ := newTestAllocator(t, Options{})
	before := a.FreeCount(User)
	pa, _ := a.Allocate(User)
	a.IncRef(pa)
	a.IncRef(pa)
	if got := a.RefCount(pa); got != 3 {
		t.Errorf("RefCount got %d want 3", got)
	}
	if got := a.DecRef(pa); got != 2 {
		t.Errorf("DecRef got %d want 2", got)
	}
	a.Free(pa, User)
	if got := a.FreeCount(User); got != before-1 {
		t.Errorf("page freed while still referenced: FreeCount got %d want %d", got, before-1)
	}
	if got := a.DecRef(pa); got != 0 {
		t.Errorf("last DecRef got %d want 0", got)
	}
	if got := a.FreeCount(User); got != before {
		t.Errorf("FreeCount after last reference got %d want %d", got, before)
	}
	if err := fatal.Catch(func() { a.IncRef(pa) }); err == nil {
		t.Errorf("IncRef of a free page did not halt")
	}
}

func TestDebugFill(t *testing.T) {
	a, mem := newTestAllocator(t, Options{Debug: true})
	pa, _ := a.Allocate(User)
	if !bytes.Equal(mem.Page(pa), bytes.Repeat([]byte{allocFill}, page)) {
		t.Errorf("allocated page not stamped with %#x", allocFill)
	}
	a.Free(pa, User)
	// The first doubleword holds the free list link.
	if !bytes.Equal(mem.Page(pa)[8:], bytes.Repeat([]byte{freeFill}, page-8)) {
		t.Errorf("freed page not stamped with %#x", freeFill)
	}
}

func TestPoolOf(t *testing.T) {
	a, _ := newTestAllocator(t, Options{})
	for _, tc := range []struct {
		pa   riscv.Addr
		want Pool
	}{
		{riscv.KernBase, NoPool},
		{testLayout.End(), Kernel},
		{testLayout.UserBase() - page, Kernel},
		{testLayout.UserBase(), User},
		{testLayout.PhysTop() - page, User},
		{testLayout.PhysTop(), NoPool},
	} {
		if got := a.PoolOf(tc.pa); got != tc.want {
			t.Errorf("PoolOf(%v) got %v want %v", tc.pa, got, tc.want)
		}
	}
}
