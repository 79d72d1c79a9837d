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
	"time"

	"github.com/cenkalti/backoff"
	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/log"
)

// Scheduling parameters.
const (
	// Levels is the number of feedback queues. Level 0 is served first.
	Levels = 3

	PriorityMin     = 0
	PriorityMax     = 10
	PriorityDefault = 5

	// agingThreshold is the number of ticks a runnable process waits
	// before it is promoted one level.
	agingThreshold = 16

	// boostInterval is the number of ticks between priority boosts.
	boostInterval = 64
)

// quantum is the time slice of each level, in ticks.
var quantum = [Levels]int{2, 4, 8}

// schedState is the scheduling state of a process, protected by Proc.mu.
type schedState struct {
	priority     int
	level        int
	ticksInLevel int
	waitTicks    int

	// rtDeadline is an absolute tick. It is only meaningful while
	// rtEnabled is set.
	rtEnabled  bool
	rtDeadline uint64
}

func (s *schedState) reset() {
	*s = schedState{
		priority: PriorityDefault,
		level:    priorityToLevel(PriorityDefault),
	}
}

// priorityToLevel maps a priority onto a level: the highest priority gets
// level 0 and the lowest the last level.
func priorityToLevel(prio int) int {
	const last = Levels - 1
	if prio <= PriorityMin {
		return last
	}
	if prio >= PriorityMax {
		return 0
	}
	level := last - (prio-PriorityMin)*last/(PriorityMax-PriorityMin)
	switch {
	case level < 0:
		return 0
	case level > last:
		return last
	}
	return level
}

func clampPriority(prio int) int {
	switch {
	case prio < PriorityMin:
		return PriorityMin
	case prio > PriorityMax:
		return PriorityMax
	}
	return prio
}

// scheduler is the loop each CPU runs when no process is on it. It returns
// when the machine halts or when every process has been reaped.
func (k *Kernel) scheduler(c *CPU) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Microsecond
	bo.MaxInterval = k.cfg.IdleMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	c.proc = nil
	for {
		select {
		case <-k.halted:
			return
		default:
		}

		c.intrOn = true
		k.poll(c, nil)

		p := k.pick(c)
		if p == nil {
			if k.nlive.Load() == 0 {
				return
			}
			k.idle(c, bo)
			continue
		}
		bo.Reset()

		c.proc = p
		k.stats.dispatches.Add(1)
		if k.dispatchHook != nil {
			k.dispatchHook(c, p)
		}
		c.intrOff()
		if k.switchContext(&c.context, &p.context, c) == nil {
			return
		}
		c.proc = nil

		if r := c.reap; r != nil {
			c.reap = nil
			k.reapOrphan(c, r)
		}
	}
}

// idle runs the clock forward to the next tick so that sleepers make
// progress, then backs off on the host.
func (k *Kernel) idle(c *CPU, bo backoff.BackOff) {
	k.stats.idle.Add(1)
	c.clock(c.untilTick())

	d := bo.NextBackOff()
	if d == backoff.Stop {
		d = k.cfg.IdleMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-k.halted:
	}
}

// pick claims the next process for c and marks it running. Runnable
// real-time processes go first, earliest deadline first; otherwise levels
// are served in order with a round-robin cursor per level.
func (k *Kernel) pick(c *CPU) *Proc {
	if p := k.pickRealtime(c); p != nil {
		return p
	}
	n := len(k.procs)
	for level := 0; level < Levels; level++ {
		start := 0
		if c.lastIndex[level] >= 0 {
			start = (c.lastIndex[level] + 1) % n
		}
		for off := 0; off < n; off++ {
			p := k.procs[(start+off)%n]
			p.mu.Lock(c)
			if p.state == Runnable && p.sched.level == level {
				k.claim(c, p)
				p.mu.Unlock(c)
				return p
			}
			p.mu.Unlock(c)
		}
	}
	return nil
}

// pickRealtime claims the runnable real-time process with the earliest
// deadline. Ties go to the lowest table index.
func (k *Kernel) pickRealtime(c *CPU) *Proc {
	for {
		var best *Proc
		var deadline uint64
		for _, p := range k.procs {
			p.mu.Lock(c)
			if p.state == Runnable && p.sched.rtEnabled && (best == nil || p.sched.rtDeadline < deadline) {
				best, deadline = p, p.sched.rtDeadline
			}
			p.mu.Unlock(c)
		}
		if best == nil {
			return nil
		}

		// Another CPU may have taken it in the meantime.
		best.mu.Lock(c)
		if best.state == Runnable && best.sched.rtEnabled {
			k.claim(c, best)
			best.mu.Unlock(c)
			return best
		}
		best.mu.Unlock(c)
	}
}

// claim marks p running on c. p.mu must be held.
func (k *Kernel) claim(c *CPU, p *Proc) {
	c.lastIndex[p.sched.level] = p.index
	p.state = Running
	p.sched.ticksInLevel = 0
	p.sched.waitTicks = 0
}

// procTick charges one tick to p and reports whether its quantum expired.
// An expired process drops one level.
func (k *Kernel) procTick(c *CPU, p *Proc) bool {
	p.mu.Lock(c)
	defer p.mu.Unlock(c)
	if p.state != Running {
		return false
	}
	s := &p.sched
	s.ticksInLevel++
	if s.ticksInLevel < quantum[s.level] {
		return false
	}
	if s.level < Levels-1 {
		s.level++
	}
	s.ticksInLevel = 0
	return true
}

// age promotes processes that have been runnable for agingThreshold ticks.
func (k *Kernel) age(c *CPU) {
	for _, p := range k.procs {
		p.mu.Lock(c)
		switch p.state {
		case Runnable:
			s := &p.sched
			s.waitTicks++
			if s.waitTicks >= agingThreshold && s.level > 0 {
				s.level--
				s.waitTicks = 0
			}
		case Running:
			p.sched.waitTicks = 0
		}
		p.mu.Unlock(c)
	}
}

// boost returns every process to the level of its priority.
func (k *Kernel) boost(c *CPU) {
	for _, p := range k.procs {
		p.mu.Lock(c)
		if p.state != Unused {
			p.sched.level = priorityToLevel(p.sched.priority)
			p.sched.ticksInLevel = 0
		}
		p.mu.Unlock(c)
	}
	log.Debugf("boost at tick %d", k.ticks.Load())
}

// findLocked returns the live process with the given pid, with its lock
// held.
func (k *Kernel) findLocked(c *CPU, pid int32) (*Proc, error) {
	in := c.intr()
	for _, p := range k.procs {
		p.mu.Lock(in)
		if p.state != Unused && p.pid == pid {
			return p, nil
		}
		p.mu.Unlock(in)
	}
	return nil, kernerr.ESRCH
}

func (k *Kernel) setPriority(c *CPU, pid int32, prio int) error {
	p, err := k.findLocked(c, pid)
	if err != nil {
		return err
	}
	prio = clampPriority(prio)
	p.sched.priority = prio
	p.sched.level = priorityToLevel(prio)
	p.sched.ticksInLevel = 0
	p.sched.waitTicks = 0
	p.mu.Unlock(c.intr())
	return nil
}

func (k *Kernel) getPriority(c *CPU, pid int32) (int, error) {
	p, err := k.findLocked(c, pid)
	if err != nil {
		return -1, err
	}
	prio := p.sched.priority
	p.mu.Unlock(c.intr())
	return prio, nil
}

// setRealtime gives pid a deadline rel ticks from now and pins it to level
// 0.
func (k *Kernel) setRealtime(c *CPU, pid int32, rel int) error {
	if rel <= 0 {
		return kernerr.EINVAL
	}
	now := k.ticks.Load()
	p, err := k.findLocked(c, pid)
	if err != nil {
		return err
	}
	p.sched.rtEnabled = true
	p.sched.rtDeadline = now + uint64(rel)
	p.sched.level = 0
	p.sched.ticksInLevel = 0
	p.mu.Unlock(c.intr())
	return nil
}

// clearRealtime returns pid to plain feedback scheduling at the level of its
// priority.
func (k *Kernel) clearRealtime(c *CPU, pid int32) error {
	p, err := k.findLocked(c, pid)
	if err != nil {
		return err
	}
	p.sched.rtEnabled = false
	p.sched.rtDeadline = 0
	// The process stays at the top level with a fresh quantum and falls
	// back through the levels as it uses its time.
	p.sched.level = 0
	p.sched.ticksInLevel = 0
	p.sched.waitTicks = 0
	p.mu.Unlock(c.intr())
	return nil
}
