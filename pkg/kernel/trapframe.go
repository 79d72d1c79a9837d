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
	"rvcore.dev/rvcore/pkg/physmem"
	"rvcore.dev/rvcore/pkg/riscv"
)

// Trapframe field offsets. The trampoline depends on these.
const (
	tfKernelSATP   = 0
	tfKernelSP     = 8
	tfKernelTrap   = 16
	tfEPC          = 24
	tfKernelHartID = 32
	tfRA           = 40
	tfSP           = 48
	tfGP           = 56
	tfTP           = 64
	tfT0           = 72
	tfS0           = 96
	tfA0           = 112
	tfS2           = 176
	tfT3           = 256
	tfT6           = 280

	// TrapframeSize is the number of bytes the trampoline saves.
	TrapframeSize = tfT6 + 8
)

// Trapframe is a view of a process trapframe page in physical memory.
//
// While a process runs in user mode its registers live here. The user
// register file is not modeled separately: user code reads and writes its
// registers through the trapframe.
type Trapframe struct {
	mem *physmem.Memory
	pa  riscv.Addr
}

// Address returns the physical address of the page.
func (tf Trapframe) Address() riscv.Addr {
	return tf.pa
}

func (tf Trapframe) get(off uint64) uint64 {
	return tf.mem.Uint64(tf.pa + riscv.Addr(off))
}

func (tf Trapframe) set(off, v uint64) {
	tf.mem.SetUint64(tf.pa+riscv.Addr(off), v)
}

// KernelSATP is the kernel page table.
func (tf Trapframe) KernelSATP() uint64 { return tf.get(tfKernelSATP) }

// KernelSP is the top of the process kernel stack.
func (tf Trapframe) KernelSP() uint64 { return tf.get(tfKernelSP) }

// KernelTrap is the address of usertrap.
func (tf Trapframe) KernelTrap() uint64 { return tf.get(tfKernelTrap) }

// KernelHartID is the hart the process last entered the kernel on.
func (tf Trapframe) KernelHartID() uint64 { return tf.get(tfKernelHartID) }

// EPC is the saved user program counter.
func (tf Trapframe) EPC() uint64 { return tf.get(tfEPC) }

// SetEPC sets the saved user program counter.
func (tf Trapframe) SetEPC(v uint64) { tf.set(tfEPC, v) }

// SP is the user stack pointer.
func (tf Trapframe) SP() uint64 { return tf.get(tfSP) }

// SetSP sets the user stack pointer.
func (tf Trapframe) SetSP(v uint64) { tf.set(tfSP, v) }

// RA is the user return address.
func (tf Trapframe) RA() uint64 { return tf.get(tfRA) }

// A returns argument register a<i>.
func (tf Trapframe) A(i int) uint64 {
	return tf.get(tfA0 + 8*argReg(i))
}

// SetA sets argument register a<i>.
func (tf Trapframe) SetA(i int, v uint64) {
	tf.set(tfA0+8*argReg(i), v)
}

func argReg(i int) uint64 {
	if i < 0 || i > 7 {
		panic("argument register out of range")
	}
	return uint64(i)
}

func (tf Trapframe) setKernel(satp, sp, trap uint64, hart int) {
	tf.set(tfKernelSATP, satp)
	tf.set(tfKernelSP, sp)
	tf.set(tfKernelTrap, trap)
	tf.set(tfKernelHartID, uint64(hart))
}
