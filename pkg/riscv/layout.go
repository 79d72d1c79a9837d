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

package riscv

import (
	"fmt"
)

// Physical addresses of the devices on the virt board.
const (
	CLINT    Addr = 0x02000000
	PLIC     Addr = 0x0c000000
	PLICSize      = 0x400000
	UART0    Addr = 0x10000000
	VIRTIO0  Addr = 0x10001000

	// KernBase is where RAM starts and the kernel image is loaded.
	KernBase Addr = 0x80000000
)

// Layout describes how RAM is carved up:
//
//	KernBase  kernel text, the trampoline in its first page
//	Etext     kernel data and bss
//	End       kernel page pool: page tables, kernel stacks, trapframes
//	UserBase  user page pool: user memory
//	PhysTop
type Layout struct {
	TextPages   int `toml:"text_pages"`
	DataPages   int `toml:"data_pages"`
	KernelPages int `toml:"kernel_pages"`
	UserPages   int `toml:"user_pages"`
}

// DefaultLayout is 128MB of RAM with a 1024 page kernel pool.
func DefaultLayout() Layout {
	const (
		ram  = 128 << 20
		text = 64
		data = 64
		kern = 1024
	)
	return Layout{
		TextPages:   text,
		DataPages:   data,
		KernelPages: kern,
		UserPages:   ram/PageSize - text - data - kern,
	}
}

// Validate checks that l describes a usable machine.
func (l Layout) Validate() error {
	switch {
	case l.TextPages < 1:
		return fmt.Errorf("layout: need at least one text page for the trampoline, got %d", l.TextPages)
	case l.DataPages < 0:
		return fmt.Errorf("layout: negative data pages %d", l.DataPages)
	case l.KernelPages < 1:
		return fmt.Errorf("layout: need at least one kernel pool page, got %d", l.KernelPages)
	case l.UserPages < 1:
		return fmt.Errorf("layout: need at least one user pool page, got %d", l.UserPages)
	}
	return nil
}

// Etext is the end of kernel text.
func (l Layout) Etext() Addr {
	return KernBase + Addr(l.TextPages*PageSize)
}

// End is the end of the kernel image and the start of the kernel pool.
func (l Layout) End() Addr {
	return l.Etext() + Addr(l.DataPages*PageSize)
}

// UserBase is the start of the user pool.
func (l Layout) UserBase() Addr {
	return l.End() + Addr(l.KernelPages*PageSize)
}

// PhysTop is one beyond the last byte of RAM.
func (l Layout) PhysTop() Addr {
	return l.UserBase() + Addr(l.UserPages*PageSize)
}

// Size is the number of bytes of RAM.
func (l Layout) Size() uint64 {
	return uint64(l.PhysTop() - KernBase)
}

// TrampolinePA is the physical page holding the trampoline code.
func (l Layout) TrampolinePA() Addr {
	return KernBase
}
