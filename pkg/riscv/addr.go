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

// Package riscv describes the RV64 machine the kernel runs on: addresses,
// Sv39 page table entries, supervisor CSR bits, trap causes and the physical
// memory layout.
package riscv

import (
	"fmt"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// MaxVA is one beyond the highest virtual address the kernel uses.
	// Sv39 allows 39 bits but the top bit is left clear so that addresses
	// never need sign extension.
	MaxVA Addr = 1 << (9 + 9 + 9 + PageShift - 1)

	// Trampoline is the virtual address of the trap entry/exit code page.
	// It is mapped at the same address in every address space.
	Trampoline = MaxVA - PageSize

	// Trapframe is the virtual address of the per-process trapframe page,
	// immediately below the trampoline.
	Trapframe = Trampoline - PageSize
)

// Addr represents a physical or virtual address.
type Addr uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("riscv.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// PageRoundDown rounds n down to a page multiple.
func PageRoundDown(n uint64) uint64 {
	return n &^ (PageSize - 1)
}

// PageRoundUp rounds n up to a page multiple.
func PageRoundUp(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Level is a page table level. Level 2 is the root of an Sv39 table and
// level 0 holds the leaves.
type Level int

// Levels is the number of page table levels.
const Levels = 3

// Index is a typed, bounds-checked index into a 512-entry page table.
type Index uint16

// EntriesPerTable is the number of entries in one page table page.
const EntriesPerTable = PageSize / 8

// TableIndex returns the index of v at level l.
func TableIndex(v Addr, l Level) Index {
	return Index((uint64(v) >> (PageShift + 9*uint(l))) & (EntriesPerTable - 1))
}

// Valid reports whether i addresses an entry in a table.
func (i Index) Valid() bool {
	return int(i) < EntriesPerTable
}

// Offset returns the byte offset of entry i in its table. It panics if i is
// out of range.
func (i Index) Offset() uint64 {
	if !i.Valid() {
		panic(fmt.Sprintf("page table index %d out of range", i))
	}
	return uint64(i) * 8
}
