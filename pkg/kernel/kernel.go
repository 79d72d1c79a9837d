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

// Package kernel is the process and scheduling core of a multi-core RISC-V
// kernel: the process table, context switch, the feedback scheduler with
// its earliest deadline override, the trap dispatcher and the system calls.
//
// The machine is simulated. Each hart is a scheduler goroutine and each
// process a goroutine of its own; a context switch hands the hart from one
// goroutine to the other, so exactly one goroutine runs on a hart at any
// time. Time is counted in retired instructions, and the timer fires every
// Config.TickInstructions of them.
//
// Lock ordering:
//
//	Kernel.tableMu
//	  Proc.mu
//	Kernel.tickMu
//	  Proc.mu
//	Console.mu
//	  Proc.mu
//
// A spin lock is never held across a context switch.
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/log"
	"rvcore.dev/rvcore/pkg/pagetables"
	"rvcore.dev/rvcore/pkg/pgalloc"
	"rvcore.dev/rvcore/pkg/physmem"
	"rvcore.dev/rvcore/pkg/riscv"
	"rvcore.dev/rvcore/pkg/sync"
)

// Kernel is one machine.
type Kernel struct {
	cfg   Config
	mem   *physmem.Memory
	alloc *pgalloc.Allocator
	kpt   *pagetables.PageTables

	cpus  []*CPU
	procs []*Proc

	// tableMu protects process membership and Proc.parent.
	tableMu sync.Spinlock

	pidMu   sync.Spinlock
	nextPid int32

	// tickMu is the lock sleepers on ticks sleep with.
	tickMu sync.Spinlock
	ticks  atomic.Uint64

	// nlive counts slots that are not Unused.
	nlive atomic.Int32

	intc     InterruptController
	handlers [MaxIRQ]func(c *CPU)

	programs *Registry
	console  *Console

	stats stats

	started  atomic.Bool
	halted   chan struct{}
	haltOnce sync.Once
	errMu    sync.Mutex
	err      error

	// dispatchHook, if set, is called by the scheduler for every dispatch.
	dispatchHook func(c *CPU, p *Proc)
}

// New builds a machine from cfg. Nothing runs until Run.
func New(cfg Config) (*Kernel, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:      cfg,
		nextPid:  1,
		programs: cfg.Programs,
		intc:     cfg.InterruptController,
		halted:   make(chan struct{}),
	}
	k.tableMu.Init("proc_table")
	k.pidMu.Init("nextpid")
	k.tickMu.Init("time")
	if k.intc == nil {
		k.intc = NewPLIC()
	}

	k.mem = physmem.New(riscv.KernBase, cfg.Layout.Size())
	k.alloc = pgalloc.New(k.mem, cfg.Layout, pgalloc.Options{Debug: cfg.Debug})
	kpt, err := k.kernelTable()
	if err != nil {
		return nil, fmt.Errorf("kernel page table: %w", err)
	}
	k.kpt = kpt

	k.console = newConsole(k, cfg.Console)
	k.handlers[UARTIRQ] = k.console.intr

	for i := 0; i < cfg.CPUs; i++ {
		c := newCPU(k, i)
		c.csr.Satp = kpt.SATP()
		k.cpus = append(k.cpus, c)
	}
	for i := 0; i < cfg.Procs; i++ {
		k.procs = append(k.procs, newProc(k, i))
	}
	log.Infof("machine: %d harts, %d proc slots, %d kernel pages, %d user pages",
		cfg.CPUs, cfg.Procs, k.alloc.Total(pgalloc.Kernel), k.alloc.Total(pgalloc.User))
	return k, nil
}

// kernelTable builds the direct-mapped kernel page table.
func (k *Kernel) kernelTable() (*pagetables.PageTables, error) {
	pt, err := pagetables.New(k.mem, k.alloc)
	if err != nil {
		return nil, err
	}
	l := k.cfg.Layout
	for _, m := range []struct {
		va, pa riscv.Addr
		size   uint64
		perm   riscv.Perm
	}{
		{riscv.UART0, riscv.UART0, riscv.PageSize, riscv.PermRW},
		{riscv.VIRTIO0, riscv.VIRTIO0, riscv.PageSize, riscv.PermRW},
		{riscv.PLIC, riscv.PLIC, riscv.PLICSize, riscv.PermRW},
		{riscv.KernBase, riscv.KernBase, uint64(l.Etext() - riscv.KernBase), riscv.PermRX},
		{l.Etext(), l.Etext(), uint64(l.PhysTop() - l.Etext()), riscv.PermRW},
		{riscv.Trampoline, l.TrampolinePA(), riscv.PageSize, riscv.PermRX},
	} {
		if m.size == 0 {
			continue
		}
		if err := pt.Map(m.va, m.pa, m.size, m.perm); err != nil {
			pt.Destroy(false)
			return nil, err
		}
	}
	return pt, nil
}

// Run starts every CPU and returns when the machine halts or has no
// processes left. A nil return means every process exited. A kernel panic
// is returned as a *fatal.Error, and cancellation of ctx as ctx.Err().
func (k *Kernel) Run(ctx context.Context) error {
	if !k.started.CompareAndSwap(false, true) {
		return fmt.Errorf("machine already started")
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			k.halt(ctx.Err())
		case <-stop:
		}
	}()

	var g errgroup.Group
	for _, c := range k.cpus {
		g.Go(func() error {
			return k.runCPU(c)
		})
	}
	if err := g.Wait(); err != nil {
		k.halt(err)
	}
	return k.Err()
}

func (k *Kernel) runCPU(c *CPU) error {
	defer func() {
		if r := recover(); r != nil {
			k.halt(fatal.Recovered(r))
		}
	}()
	c.log.Debugf("%v: scheduler started", c)
	k.scheduler(c)
	return nil
}

// halt stops every CPU. The first error recorded wins.
func (k *Kernel) halt(err error) {
	k.haltOnce.Do(func() {
		k.errMu.Lock()
		k.err = err
		k.errMu.Unlock()
		close(k.halted)
		if err != nil {
			log.Warningf("machine halted: %v", err)
		}
	})
}

// Halt stops the machine with err.
func (k *Kernel) Halt(err error) {
	k.halt(err)
}

// Halted is closed once the machine has halted.
func (k *Kernel) Halted() <-chan struct{} {
	return k.halted
}

// Err returns the error the machine halted with.
func (k *Kernel) Err() error {
	k.errMu.Lock()
	defer k.errMu.Unlock()
	return k.err
}

// raise signals irq at the interrupt controller.
func (k *Kernel) raise(irq int) {
	if r, ok := k.intc.(raiser); ok {
		r.Raise(irq)
	}
}

// Raise signals irq at the interrupt controller, as a device would.
func (k *Kernel) Raise(irq int) {
	k.raise(irq)
}

// RegisterInterrupt installs the handler for irq. Handlers run in interrupt
// context with the CPU that claimed the interrupt and must not sleep.
func (k *Kernel) RegisterInterrupt(irq int, h func(c *CPU)) error {
	if irq <= 0 || irq >= MaxIRQ {
		return kernerr.EINVAL
	}
	if k.started.Load() {
		return fmt.Errorf("machine already started")
	}
	k.handlers[irq] = h
	return nil
}

// Create starts a kernel task with no parent.
func (k *Kernel) Create(entry func(t *Task), name string) (int32, error) {
	return k.create(nil, nil, entry, name)
}

// Spawn starts the program at file as a user process with no parent.
func (k *Kernel) Spawn(file string, argv []string) (int32, error) {
	return k.spawn(nil, nil, file, argv)
}

// Kill kills pid.
func (k *Kernel) Kill(pid int32) error {
	return k.kill(nil, pid)
}

// SetPriority sets the priority of pid, clamped to [PriorityMin,
// PriorityMax], and moves it to the matching level.
func (k *Kernel) SetPriority(pid int32, prio int) error {
	return k.setPriority(nil, pid, prio)
}

// GetPriority returns the priority of pid.
func (k *Kernel) GetPriority(pid int32) (int, error) {
	return k.getPriority(nil, pid)
}

// SetRealtime gives pid a deadline rel ticks from now.
func (k *Kernel) SetRealtime(pid int32, rel int) error {
	return k.setRealtime(nil, pid, rel)
}

// ClearRealtime returns pid to feedback scheduling.
func (k *Kernel) ClearRealtime(pid int32) error {
	return k.clearRealtime(nil, pid)
}

// Ticks returns the number of timer ticks since boot.
func (k *Kernel) Ticks() uint64 {
	return k.ticks.Load()
}

// Console returns the console.
func (k *Kernel) Console() *Console {
	return k.console
}

// Programs returns the program registry.
func (k *Kernel) Programs() *Registry {
	return k.programs
}

// CPUs returns the number of harts.
func (k *Kernel) CPUs() int {
	return len(k.cpus)
}

// FreePages returns the number of free pages in pool.
func (k *Kernel) FreePages(pool pgalloc.Pool) int {
	return k.alloc.FreeCount(pool)
}

// KernelPageTable returns the kernel page table.
func (k *Kernel) KernelPageTable() *pagetables.PageTables {
	return k.kpt
}
