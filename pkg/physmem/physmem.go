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

// Package physmem provides the machine's physical RAM.
//
// RAM is a single byte arena addressed by physical address. Everything the
// kernel keeps "in memory" (free list links, page table entries, trapframes,
// user pages) is stored here at its physical address, so the address
// arithmetic of the rest of the kernel is real.
package physmem

import (
	"encoding/binary"

	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/riscv"
)

// Memory is a contiguous range of physical RAM.
//
// Memory performs no locking; ownership of each page is established by the
// page allocator and the page tables.
type Memory struct {
	base riscv.Addr
	data []byte
}

// New returns size bytes of zeroed RAM starting at base.
func New(base riscv.Addr, size uint64) *Memory {
	if !base.IsPageAligned() || size%riscv.PageSize != 0 {
		fatal.Fatalf("physmem: unaligned RAM [%v, +%#x)", base, size)
	}
	return &Memory{base: base, data: make([]byte, size)}
}

// Base returns the first physical address.
func (m *Memory) Base() riscv.Addr {
	return m.base
}

// End returns one beyond the last physical address.
func (m *Memory) End() riscv.Addr {
	return m.base + riscv.Addr(len(m.data))
}

// Contains reports whether [pa, pa+n) is RAM.
func (m *Memory) Contains(pa riscv.Addr, n uint64) bool {
	end, ok := pa.AddLength(n)
	return ok && pa >= m.base && end <= m.End()
}

// Bytes returns the n bytes at pa. Accessing anything but RAM is fatal.
func (m *Memory) Bytes(pa riscv.Addr, n uint64) []byte {
	if !m.Contains(pa, n) {
		fatal.Fatalf("physmem: access to [%v, +%#x) outside RAM [%v, %v)", pa, n, m.base, m.End())
	}
	off := uint64(pa - m.base)
	return m.data[off : off+n : off+n]
}

// Page returns the page containing pa.
func (m *Memory) Page(pa riscv.Addr) []byte {
	return m.Bytes(pa.RoundDown(), riscv.PageSize)
}

// Uint64 loads the little-endian doubleword at pa.
func (m *Memory) Uint64(pa riscv.Addr) uint64 {
	return binary.LittleEndian.Uint64(m.Bytes(pa, 8))
}

// SetUint64 stores v at pa.
func (m *Memory) SetUint64(pa riscv.Addr, v uint64) {
	binary.LittleEndian.PutUint64(m.Bytes(pa, 8), v)
}

// Fill sets n bytes at pa to b.
func (m *Memory) Fill(pa riscv.Addr, n uint64, b byte) {
	buf := m.Bytes(pa, n)
	for i := range buf {
		buf[i] = b
	}
}

// Zero clears n bytes at pa.
func (m *Memory) Zero(pa riscv.Addr, n uint64) {
	clear(m.Bytes(pa, n))
}

// Copy copies n bytes from src to dst.
func (m *Memory) Copy(dst, src riscv.Addr, n uint64) {
	copy(m.Bytes(dst, n), m.Bytes(src, n))
}
