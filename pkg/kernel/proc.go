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
	"path"
	"runtime"

	"rvcore.dev/rvcore/pkg/cleanup"
	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/log"
	"rvcore.dev/rvcore/pkg/pagetables"
	"rvcore.dev/rvcore/pkg/pgalloc"
	"rvcore.dev/rvcore/pkg/riscv"
	"rvcore.dev/rvcore/pkg/sync"
)

// State is the lifecycle state of a process table slot.
type State int

// Process states.
const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

var stateNames = [...]string{
	Unused:   "unused",
	Used:     "used",
	Sleeping: "sleeping",
	Runnable: "runnable",
	Running:  "running",
	Zombie:   "zombie",
}

// String implements fmt.Stringer.String.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Proc is one process table slot.
type Proc struct {
	k     *Kernel
	index int

	// mu protects the fields below, up to parent.
	mu       sync.Spinlock
	state    State
	waitChan any
	killed   bool
	xstate   int
	pid      int32
	name     string
	sched    schedState

	// parent is protected by Kernel.tableMu.
	parent *Proc

	// The remaining fields are private to the process. They are set up
	// before it first becomes runnable and torn down after it is a zombie,
	// so they are never accessed concurrently.

	kstack    riscv.Addr
	tf        Trapframe
	pagetable *pagetables.PageTables
	sz        uint64
	files     FDTable
	cwd       string

	// entry is the body of a kernel task. User processes have none.
	entry func(t *Task)

	// main is the program installed by exec, collected by the user side
	// when it returns from the system call.
	main func(u *User, argv []string) int

	// forkFn is where a forked child resumes.
	forkFn func(u *User) int

	context Context

	// running is the CPU the process is on. Only the process's own
	// goroutine reads or writes it.
	running *CPU

	task Task
}

func newProc(k *Kernel, index int) *Proc {
	p := &Proc{k: k, index: index}
	p.mu.Init("proc")
	p.task = Task{k: k, p: p}
	p.sched.reset()
	return p
}

// Pid returns the process id. It is zero for unused slots.
func (p *Proc) Pid() int32 {
	return p.pid
}

func (p *Proc) String() string {
	return fmt.Sprintf("pid %d (%s)", p.pid, p.name)
}

func (p *Proc) isKilled(c *CPU) bool {
	p.mu.Lock(c)
	defer p.mu.Unlock(c)
	return p.killed
}

func (p *Proc) setKilled(c *CPU) {
	p.mu.Lock(c)
	p.killed = true
	p.mu.Unlock(c)
}

func (k *Kernel) allocPid(c *CPU) int32 {
	k.pidMu.Lock(c.intr())
	defer k.pidMu.Unlock(c.intr())
	pid := k.nextPid
	k.nextPid++
	return pid
}

// allocProc claims an unused slot and gives it a pid, a kernel stack and a
// zeroed trapframe. It returns with the slot's lock held.
func (k *Kernel) allocProc(c *CPU, name string) (*Proc, error) {
	in := c.intr()
	var p *Proc
	for _, q := range k.procs {
		q.mu.Lock(in)
		if q.state == Unused {
			p = q
			break
		}
		q.mu.Unlock(in)
	}
	if p == nil {
		return nil, kernerr.EAGAIN
	}
	p.state = Used
	k.nlive.Add(1)
	p.pid = k.allocPid(c)
	p.name = name
	p.killed = false
	p.xstate = 0
	p.sched.reset()
	p.sched.priority = PriorityDefault
	p.sched.level = priorityToLevel(PriorityDefault)

	kstack, ok := k.alloc.Allocate(pgalloc.Kernel)
	if !ok {
		k.freeProc(p)
		p.mu.Unlock(in)
		return nil, kernerr.ENOMEM
	}
	p.kstack = kstack
	tf, ok := k.alloc.Allocate(pgalloc.Kernel)
	if !ok {
		k.freeProc(p)
		p.mu.Unlock(in)
		return nil, kernerr.ENOMEM
	}
	k.mem.Zero(tf, riscv.PageSize)
	p.tf = Trapframe{mem: k.mem, pa: tf}

	p.context = newContext(func(c *CPU) { k.procStart(p, c) })
	p.context.SP = uint64(kstack) + riscv.PageSize
	p.context.RA = uint64(procTrampoline)
	return p, nil
}

// freeProc releases everything p still owns and returns the slot to the
// unused state. p.mu must be held. If p has a parent, Kernel.tableMu must be
// held too.
func (k *Kernel) freeProc(p *Proc) {
	if p.pagetable != nil {
		k.freeUserTable(p.pagetable)
		p.pagetable = nil
	}
	if p.tf.pa != 0 {
		k.alloc.Free(p.tf.pa, pgalloc.Kernel)
		p.tf = Trapframe{}
	}
	if p.kstack != 0 {
		k.alloc.Free(p.kstack, pgalloc.Kernel)
		p.kstack = 0
	}
	p.files.RemoveAll()
	if p.parent != nil {
		p.parent = nil
	}
	p.cwd = ""
	p.sz = 0
	p.pid = 0
	p.name = ""
	p.xstate = 0
	p.killed = false
	p.waitChan = nil
	p.entry = nil
	p.main = nil
	p.forkFn = nil
	p.running = nil
	p.sched.reset()
	p.state = Unused
	k.nlive.Add(-1)
}

// userTable returns an empty address space for p holding only the
// trampoline and p's trapframe.
func (k *Kernel) userTable(p *Proc) (*pagetables.PageTables, error) {
	pt, err := pagetables.New(k.mem, k.alloc)
	if err != nil {
		return nil, err
	}
	if err := pt.Map(riscv.Trampoline, k.cfg.Layout.TrampolinePA(), riscv.PageSize, riscv.PermRX); err != nil {
		pt.Destroy(false)
		return nil, err
	}
	if err := pt.Map(riscv.Trapframe, p.tf.pa, riscv.PageSize, riscv.PermRW); err != nil {
		pt.Unmap(riscv.Trampoline, riscv.PageSize, false)
		pt.Destroy(false)
		return nil, err
	}
	return pt, nil
}

// freeUserTable destroys an address space built by userTable. The
// trampoline and trapframe pages are not the address space's to free.
func (k *Kernel) freeUserTable(pt *pagetables.PageTables) {
	pt.Unmap(riscv.Trampoline, riscv.PageSize, false)
	pt.Unmap(riscv.Trapframe, riscv.PageSize, false)
	pt.Destroy(true)
}

// makeRunnable links p to parent and lets the scheduler have it.
func (k *Kernel) makeRunnable(c *CPU, p, parent *Proc) {
	in := c.intr()
	k.tableMu.Lock(in)
	p.parent = parent
	k.tableMu.Unlock(in)

	p.mu.Lock(in)
	p.state = Runnable
	p.mu.Unlock(in)
}

// create starts a kernel task running entry. parent may be nil for tasks
// started at boot.
func (k *Kernel) create(c *CPU, parent *Proc, entry func(t *Task), name string) (int32, error) {
	if entry == nil {
		return 0, kernerr.EINVAL
	}
	p, err := k.allocProc(c, name)
	if err != nil {
		return 0, err
	}
	p.entry = entry
	p.cwd = "/"
	pid := p.pid
	p.mu.Unlock(c.intr())
	k.makeRunnable(c, p, parent)
	log.Debugf("create %s pid %d", name, pid)
	return pid, nil
}

// spawn starts the program at file as a new user process with the console
// on descriptors 0, 1 and 2.
func (k *Kernel) spawn(c *CPU, parent *Proc, file string, argv []string) (int32, error) {
	p, err := k.allocProc(c, path.Base(file))
	if err != nil {
		return 0, err
	}
	in := c.intr()
	cu := cleanup.Make(func() {
		k.freeProc(p)
		p.mu.Unlock(in)
	})
	defer cu.Clean()

	argc, err := k.exec(p, file, argv)
	if err != nil {
		return 0, err
	}
	p.tf.SetA(0, uint64(argc))
	for i := 0; i < 3; i++ {
		if _, err := p.files.NewFD(k.console); err != nil {
			return 0, err
		}
	}
	p.cwd = "/"
	cu.Release()

	pid := p.pid
	p.mu.Unlock(in)
	k.makeRunnable(c, p, parent)
	log.Debugf("spawn %s pid %d", file, pid)
	return pid, nil
}

// fork duplicates the user process p. The child shares p's pages
// copy-on-write, shares its open files, and resumes in p.forkFn with a0 = 0.
func (k *Kernel) fork(p *Proc) (int32, error) {
	if p.pagetable == nil {
		return 0, kernerr.EINVAL
	}
	c := p.running
	in := c.intr()

	p.mu.Lock(in)
	name, sched := p.name, p.sched
	p.mu.Unlock(in)

	np, err := k.allocProc(c, name)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() {
		k.freeProc(np)
		np.mu.Unlock(in)
	})
	defer cu.Clean()

	pt, err := k.userTable(np)
	if err != nil {
		return 0, err
	}
	np.pagetable = pt
	if _, err := p.pagetable.CopyForFork(pt, p.sz); err != nil {
		return 0, err
	}
	np.sz = p.sz

	k.mem.Copy(np.tf.pa, p.tf.pa, riscv.PageSize)
	np.tf.SetA(0, 0)

	np.files = p.files.Fork()
	np.cwd = p.cwd
	np.forkFn = p.forkFn
	np.sched.priority = sched.priority
	np.sched.level = sched.level
	cu.Release()

	pid := np.pid
	np.mu.Unlock(in)
	k.makeRunnable(c, np, p)
	k.stats.forks.Add(1)
	return pid, nil
}

// exit terminates the calling process p. It never returns.
func (k *Kernel) exit(p *Proc, status int) {
	c := p.running
	p.files.RemoveAll()
	p.cwd = ""
	// Once p is a zombie its parent may free it, so p is not touched after
	// the state change.
	who := p.String()

	k.tableMu.Lock(c)
	k.reparent(c, p)
	parent := p.parent
	if parent != nil {
		k.wakeup(c, parent)
	}
	p.mu.Lock(c)
	p.xstate = status
	p.state = Zombie
	p.mu.Unlock(c)
	k.tableMu.Unlock(c)

	if parent == nil {
		c.reap = p
	}
	if c.noff != 0 {
		fatal.Fatalf("exit: %d locks held on %v", c.noff, c)
	}
	c.log.Debugf("%s: exit %d", who, status)
	c.intrOff()
	k.exitContext(&c.context, c)
}

// reparent detaches p's children. Children that already exited are freed;
// the rest are reaped by the scheduler when they exit. Kernel.tableMu must
// be held.
func (k *Kernel) reparent(c *CPU, p *Proc) {
	for _, q := range k.procs {
		if q.parent != p {
			continue
		}
		q.mu.Lock(c)
		if q.state == Zombie {
			k.freeProc(q)
		} else {
			q.parent = nil
		}
		q.mu.Unlock(c)
	}
}

// reapOrphan frees a parentless zombie.
func (k *Kernel) reapOrphan(c *CPU, p *Proc) {
	k.tableMu.Lock(c)
	p.mu.Lock(c)
	if p.state == Zombie && p.parent == nil {
		k.freeProc(p)
	}
	p.mu.Unlock(c)
	k.tableMu.Unlock(c)
}

// wait collects an exited child of p. It blocks while p has children but
// none has exited, and fails with ECHILD if p has none.
func (k *Kernel) wait(p *Proc) (int32, int, error) {
	c := p.running
	k.tableMu.Lock(c)
	for {
		haveKids := false
		for _, q := range k.procs {
			if q.parent != p {
				continue
			}
			haveKids = true
			q.mu.Lock(c)
			if q.state == Zombie {
				pid, status := q.pid, q.xstate
				k.freeProc(q)
				q.mu.Unlock(c)
				k.tableMu.Unlock(c)
				return pid, status, nil
			}
			q.mu.Unlock(c)
		}
		if !haveKids {
			k.tableMu.Unlock(c)
			return -1, 0, kernerr.ECHILD
		}
		if p.isKilled(c) {
			k.tableMu.Unlock(c)
			return -1, 0, kernerr.EINTR
		}
		c = k.sleep(p, p, &k.tableMu)
	}
}

// kill marks pid killed. A sleeping process is made runnable so that it
// notices.
func (k *Kernel) kill(c *CPU, pid int32) error {
	in := c.intr()
	for _, p := range k.procs {
		p.mu.Lock(in)
		if p.state != Unused && p.pid == pid {
			p.killed = true
			if p.state == Sleeping {
				p.state = Runnable
			}
			p.mu.Unlock(in)
			return nil
		}
		p.mu.Unlock(in)
	}
	return kernerr.ESRCH
}

// sleep atomically releases lk and puts p to sleep on ch. lk is held again
// when sleep returns, on the returned CPU.
func (k *Kernel) sleep(p *Proc, ch any, lk *sync.Spinlock) *CPU {
	c := p.running
	p.mu.Lock(c)
	lk.Unlock(c)
	p.waitChan = ch
	p.state = Sleeping
	p.mu.Unlock(c)

	c = k.sched(p, c)

	p.mu.Lock(c)
	p.waitChan = nil
	p.mu.Unlock(c)
	lk.Lock(c)
	return c
}

// wakeup makes every process sleeping on ch runnable.
func (k *Kernel) wakeup(c *CPU, ch any) {
	in := c.intr()
	for _, p := range k.procs {
		p.mu.Lock(in)
		if p.state == Sleeping && p.waitChan == ch {
			p.waitChan = nil
			p.state = Runnable
		}
		p.mu.Unlock(in)
	}
}

// yield gives up the CPU for one scheduling round.
func (k *Kernel) yield(p *Proc) *CPU {
	c := p.running
	p.mu.Lock(c)
	p.state = Runnable
	p.sched.ticksInLevel = 0
	p.mu.Unlock(c)
	return k.sched(p, c)
}

// sched switches from p to the scheduler of c and returns the CPU p
// resumes on. p must have left the running state and released every lock.
func (k *Kernel) sched(p *Proc, c *CPU) *CPU {
	if c.noff != 0 {
		fatal.Fatalf("sched: %d locks held on %v", c.noff, c)
	}
	intena := c.intrOn
	c.intrOff()
	nc := k.switchContext(&p.context, &c.context, c)
	if nc == nil {
		runtime.Goexit()
	}
	nc.intrOn = intena
	p.running = nc
	return nc
}

// procStart is where every process begins. Kernel tasks run their entry;
// user processes return to user mode.
func (k *Kernel) procStart(p *Proc, c *CPU) {
	defer k.recoverProc(p)
	p.running = c
	c.intrOn = true
	if p.entry != nil {
		p.entry(&p.task)
		k.exit(p, 0)
	}
	k.usertrapret(p, c)
	newUser(p).run()
}

// recoverProc stops a panicking process goroutine. A Go panic in user code
// is an illegal instruction and kills only the process; anything else
// halts the machine.
func (k *Kernel) recoverProc(p *Proc) {
	r := recover()
	if r == nil {
		return
	}
	if _, ok := r.(*fatal.Error); !ok {
		if c := p.running; c != nil && c.mode == riscv.UserMode {
			c.log.Warningf("%v: user panic: %v", p, r)
			k.trap(c, p, riscv.ExcIllegalInstruction, 0)
		}
	}
	k.halt(fatal.Recovered(r))
}
