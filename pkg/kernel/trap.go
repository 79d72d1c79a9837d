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
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/riscv"
)

// Code addresses. Kernel text is not executed, so these only identify entry
// points in stvec, the trapframe and saved contexts.
const (
	// uservec lives in the trampoline page.
	uservec = riscv.Trampoline

	kernelvec      = riscv.KernBase + riscv.PageSize + 0x40
	usertrapEntry  = riscv.KernBase + riscv.PageSize + 0x200
	procTrampoline = riscv.KernBase + riscv.PageSize + 0x300
)

// trap is the hardware side of a trap: it latches the cause, saves the
// previous mode and interrupt enable into sstatus, masks interrupts and
// jumps through stvec. p is the process on c, or nil in the scheduler.
func (k *Kernel) trap(c *CPU, p *Proc, cause riscv.Cause, tval uint64) {
	c.csr.Scause = uint64(cause)
	c.csr.Stval = tval
	c.csr.Sepc = c.pc
	if c.mode == riscv.SupervisorMode {
		c.csr.Sstatus |= riscv.SstatusSPP
	} else {
		c.csr.Sstatus &^= riscv.SstatusSPP
	}
	if c.intrOn {
		c.csr.Sstatus |= riscv.SstatusSPIE
	} else {
		c.csr.Sstatus &^= riscv.SstatusSPIE
	}
	c.intrOn = false
	c.mode = riscv.SupervisorMode

	switch riscv.Addr(c.csr.Stvec) {
	case uservec:
		if p == nil || p.pagetable == nil {
			fatal.Fatalf("uservec: no user process on %v", c)
		}
		// The trampoline switches to the kernel page table and jumps to
		// the handler recorded in the trapframe.
		c.csr.Satp = p.tf.KernelSATP()
		if riscv.Addr(p.tf.KernelTrap()) != usertrapEntry {
			fatal.Fatalf("uservec: bad kernel_trap %#x", p.tf.KernelTrap())
		}
		k.usertrap(p)
	case kernelvec:
		k.kerneltrap(c, p)
	default:
		fatal.Fatalf("trap: bad stvec %#x on %v (scause %#x)", c.csr.Stvec, c, uint64(cause))
	}
}

// poll takes interrupts deliverable on c until none is left and returns the
// CPU the caller continues on.
func (k *Kernel) poll(c *CPU, p *Proc) *CPU {
	for {
		cause, ok := c.deliverable()
		if !ok {
			return c
		}
		k.trap(c, p, cause, 0)
		if p != nil {
			c = p.running
		}
	}
}

// usertrap handles an interrupt, exception or system call from user space.
func (k *Kernel) usertrap(p *Proc) {
	c := p.running
	if c.csr.Sstatus&riscv.SstatusSPP != 0 {
		fatal.Fatalf("usertrap: not from user mode")
	}

	// Traps taken from here on go to kerneltrap.
	c.csr.Stvec = uint64(kernelvec)
	p.tf.SetEPC(c.csr.Sepc)

	cause := riscv.Cause(c.csr.Scause)
	switch {
	case cause == riscv.ExcEcallU:
		if p.isKilled(c) {
			k.stats.kills.Add(1)
			k.exit(p, -1)
		}
		// Return to the instruction after the ecall.
		p.tf.SetEPC(p.tf.EPC() + 4)
		c.intrOn = true
		k.syscall(p)
	case cause.IsInterrupt():
		if k.devintr(c, p) == 0 {
			c.log.Warningf("usertrap: unexpected interrupt %#x %v pid=%d", c.csr.Scause, cause, p.pid)
			p.setKilled(c)
		}
	case cause == riscv.ExcLoadPageFault || cause == riscv.ExcStorePageFault:
		k.stats.faults.Add(1)
		if err := p.pagetable.ResolveFault(riscv.Addr(c.csr.Stval)); err != nil {
			c.log.Warningf("usertrap: %v at %#x pid=%d sepc=%#x: %v", cause, c.csr.Stval, p.pid, c.csr.Sepc, err)
			p.setKilled(c)
		}
	default:
		c.log.Warningf("usertrap: unexpected scause %#x (%v) pid=%d sepc=%#x stval=%#x", c.csr.Scause, cause, p.pid, c.csr.Sepc, c.csr.Stval)
		p.setKilled(c)
	}

	c = p.running
	if p.isKilled(c) {
		k.stats.kills.Add(1)
		k.exit(p, -1)
	}
	k.usertrapret(p, c)
}

// usertrapret returns p to user space.
func (k *Kernel) usertrapret(p *Proc, c *CPU) {
	// Interrupts stay off until sret so that a trap does not go to
	// uservec while still in the kernel.
	c.intrOff()
	c.csr.Stvec = uint64(uservec)

	p.tf.setKernel(k.kpt.SATP(), uint64(p.kstack)+riscv.PageSize, uint64(usertrapEntry), c.id)

	s := c.csr.Sstatus
	s &^= riscv.SstatusSPP
	s |= riscv.SstatusSPIE
	c.csr.Sstatus = s
	c.csr.Sepc = p.tf.EPC()

	k.userret(c, p)
}

// userret is the trampoline's exit path: switch to the user page table and
// sret. The trampoline must be mapped at the same physical page on both
// sides of the switch.
func (k *Kernel) userret(c *CPU, p *Proc) {
	ke, ok := k.kpt.Lookup(riscv.Trampoline)
	if !ok {
		fatal.Fatalf("userret: trampoline not mapped in kernel page table")
	}
	ue, ok := p.pagetable.Lookup(riscv.Trampoline)
	if !ok || ue.PA != ke.PA {
		fatal.Fatalf("userret: trampoline of pid %d not at %v", p.pid, ke.PA)
	}
	c.csr.Satp = p.pagetable.SATP()
	k.sret(c)
}

// sret returns from supervisor mode to the mode saved in sstatus.
func (k *Kernel) sret(c *CPU) {
	s := c.csr.Sstatus
	c.intrOn = s&riscv.SstatusSPIE != 0
	if s&riscv.SstatusSPP != 0 {
		c.mode = riscv.SupervisorMode
	} else {
		c.mode = riscv.UserMode
	}
	c.pc = c.csr.Sepc
}

// kerneltrap handles a trap taken in supervisor mode. Only device
// interrupts are expected; anything else is a kernel bug.
func (k *Kernel) kerneltrap(c *CPU, p *Proc) {
	sepc := c.csr.Sepc
	sstatus := c.csr.Sstatus
	cause := riscv.Cause(c.csr.Scause)

	if sstatus&riscv.SstatusSPP == 0 {
		fatal.Fatalf("kerneltrap: not from supervisor mode")
	}
	if c.intrOn {
		fatal.Fatalf("kerneltrap: interrupts enabled")
	}

	if cause.IsInterrupt() {
		if k.devintr(c, p) == 0 {
			c.log.Warningf("kerneltrap: unexpected interrupt %#x (%v)", c.csr.Scause, cause)
		}
	} else {
		if p != nil {
			p.mu.Lock(c)
			c.log.Warningf("kerneltrap: pid=%d state=%v name=%s ra=%#x sp=%#x", p.pid, p.state, p.name, p.context.RA, p.context.SP)
			p.mu.Unlock(c)
		}
		fatal.Fatalf("kerneltrap: scause %#x (%v) sepc=%#x stval=%#x on %v", c.csr.Scause, cause, sepc, c.csr.Stval, c)
	}

	// A timer interrupt may have moved us to another CPU. The trap
	// registers belong to this trap, not to whatever ran in between.
	if p != nil {
		c = p.running
	}
	c.csr.Sepc = sepc
	c.csr.Sstatus = sstatus
	k.sret(c)
}

// devintr handles a device interrupt. It returns 2 for the timer, 1 for
// other devices, and 0 if the cause is not an interrupt it knows.
func (k *Kernel) devintr(c *CPU, p *Proc) int {
	cause := riscv.Cause(c.csr.Scause)
	if !cause.IsInterrupt() {
		return 0
	}
	switch cause.Code() {
	case riscv.IRQSoftware:
		// The machine-mode timer handler relays the timer as a software
		// interrupt.
		c.csr.Sip &^= riscv.SIPSSIP
		k.clockintr(c, p)
		return 2
	case riscv.IRQExternal:
		k.stats.interrupts.Add(1)
		irq, ok := k.intc.Claim(c.id)
		if !ok {
			return 1
		}
		if irq > 0 && irq < MaxIRQ && k.handlers[irq] != nil {
			k.handlers[irq](c)
		} else {
			c.irqLog.Warningf("unexpected interrupt irq=%d on %v", irq, c)
		}
		k.intc.Complete(c.id, irq)
		return 1
	}
	return 0
}

// clockintr is the timer interrupt. CPU 0 keeps global time; every CPU
// charges the tick to its running process and preempts it when its quantum
// is used up.
func (k *Kernel) clockintr(c *CPU, p *Proc) {
	if c.id == 0 {
		k.tickMu.Lock(c)
		t := k.ticks.Add(1)
		k.wakeup(c, &k.ticks)
		k.tickMu.Unlock(c)

		k.age(c)
		if t%boostInterval == 0 {
			k.boost(c)
		}
	}
	if p != nil && k.procTick(c, p) {
		k.yield(p)
	}
}
