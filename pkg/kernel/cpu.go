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
	"fmt"
	"time"

	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/log"
	"rvcore.dev/rvcore/pkg/riscv"
	"rvcore.dev/rvcore/pkg/sync"
)

// CSRs is the supervisor CSR image of one hart.
type CSRs struct {
	Sstatus uint64
	Sepc    uint64
	Scause  uint64
	Stval   uint64
	Stvec   uint64
	Satp    uint64
	Sip     uint64
	Sie     uint64
}

// CPU is the per-hart state.
//
// A CPU is owned by exactly one goroutine at a time: its scheduler loop or
// the process it is running. Ownership moves only through switchContext, so
// none of the fields below are locked.
type CPU struct {
	k  *Kernel
	id int

	// proc is the process running on this CPU, or nil.
	proc *Proc

	// context is the scheduler's saved context.
	context Context

	// lastIndex is the table index last dispatched at each level.
	lastIndex [Levels]int

	csr  CSRs
	mode riscv.Mode

	// pc is the program counter of the running user code.
	pc uint64

	// intrOn is sstatus.SIE. It is kept apart from csr.Sstatus since it
	// is read on every instruction.
	intrOn bool

	// noff is the depth of PushOff nesting, and intena is whether
	// interrupts were enabled before the outermost PushOff.
	noff   int
	intena bool

	// steps counts instructions since the last timer interrupt; instret
	// counts all of them.
	steps   uint64
	instret uint64

	// reap is a parentless zombie left behind by the last process that ran
	// here. The scheduler frees it.
	reap *Proc

	// log attributes messages to this hart. irqLog is for spurious
	// device interrupts, which can arrive in storms.
	log    log.HartLogger
	irqLog log.Logger
}

func newCPU(k *Kernel, id int) *CPU {
	c := &CPU{
		k:       k,
		id:      id,
		context: newContext(nil),
		mode:    riscv.SupervisorMode,
		log:     log.HartLogger(id),
	}
	c.irqLog = log.RateLimitedLogger(c.log, time.Second)
	c.context.started = true
	for i := range c.lastIndex {
		c.lastIndex[i] = -1
	}
	c.csr.Sie = riscv.SIESEIE | riscv.SIESTIE | riscv.SIESSIE
	c.csr.Stvec = uint64(kernelvec)
	return c
}

// ID returns the hart id.
func (c *CPU) ID() int {
	return c.id
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("hart %d", c.id)
}

func (c *CPU) intr() sync.Interrupts {
	if c == nil {
		return sync.NoInterrupts
	}
	return c
}

func (c *CPU) intrOff() {
	c.intrOn = false
}

// PushOff disables interrupts. It nests: interrupts come back on only after
// the matching number of PopOff calls, and only if they were on before the
// first PushOff.
func (c *CPU) PushOff() {
	old := c.intrOn
	c.intrOn = false
	if c.noff == 0 {
		c.intena = old
	}
	c.noff++
}

// PopOff undoes one PushOff.
func (c *CPU) PopOff() {
	if c.intrOn {
		fatal.Fatalf("pop_off: interruptible on %v", c)
	}
	if c.noff < 1 {
		fatal.Fatalf("pop_off: unbalanced on %v", c)
	}
	c.noff--
	if c.noff == 0 && c.intena {
		c.intrOn = true
	}
}

// untilTick is the number of instructions left before the next timer
// interrupt.
func (c *CPU) untilTick() uint64 {
	if c.steps >= c.k.cfg.TickInstructions {
		return 0
	}
	return c.k.cfg.TickInstructions - c.steps
}

// clock retires n instructions. The CLINT timer fires on the tick boundary
// and machine mode relays it as a supervisor software interrupt.
func (c *CPU) clock(n uint64) {
	c.instret += n
	c.steps += n
	if c.steps >= c.k.cfg.TickInstructions {
		c.steps = 0
		c.csr.Sip |= riscv.SIPSSIP
	}
}

// pending returns the highest priority interrupt pending and enabled in sie.
func (c *CPU) pending() (riscv.Cause, bool) {
	if c.csr.Sip&riscv.SIPSSIP != 0 && c.csr.Sie&riscv.SIESSIE != 0 {
		return riscv.Interrupt(riscv.IRQSoftware), true
	}
	if c.csr.Sie&riscv.SIESEIE != 0 && c.k.intc.Pending(c.id) {
		return riscv.Interrupt(riscv.IRQExternal), true
	}
	return 0, false
}

// deliverable reports whether an interrupt would be taken now. Supervisor
// interrupts are always enabled in user mode.
func (c *CPU) deliverable() (riscv.Cause, bool) {
	if c.mode == riscv.SupervisorMode && !c.intrOn {
		return 0, false
	}
	return c.pending()
}
