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
	"rvcore.dev/rvcore/pkg/riscv"
)

// Task is the handle the body of a kernel task runs with. Its methods run
// in supervisor mode on the task's current CPU and may only be called from
// the task's own goroutine.
type Task struct {
	k *Kernel
	p *Proc
}

// Kernel returns the kernel the task runs in.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// Pid returns the task's process id.
func (t *Task) Pid() int32 {
	return t.p.pid
}

// Name returns the task's name.
func (t *Task) Name() string {
	c := t.cpu()
	t.p.mu.Lock(c.intr())
	defer t.p.mu.Unlock(c.intr())
	return t.p.name
}

func (t *Task) cpu() *CPU {
	return t.p.running
}

// CPU returns the id of the hart the task is running on.
func (t *Task) CPU() int {
	return t.cpu().id
}

// Compute retires n instructions, taking interrupts between them.
func (t *Task) Compute(n uint64) {
	for n > 0 {
		c := t.cpu()
		chunk := min(max(c.untilTick(), 1), n)
		n -= chunk
		c.clock(chunk)
		t.k.poll(c, t.p)
	}
}

// Yield gives up the CPU.
func (t *Task) Yield() {
	t.k.yield(t.p)
}

// Sleep blocks for n ticks. It fails with EINTR if the task is killed.
func (t *Task) Sleep(n uint64) error {
	return t.k.sleepTicks(t.p, n)
}

// Ticks returns the number of ticks since boot.
func (t *Task) Ticks() uint64 {
	return t.k.ticks.Load()
}

// Create starts a child kernel task.
func (t *Task) Create(entry func(t *Task), name string) (int32, error) {
	return t.k.create(t.cpu(), t.p, entry, name)
}

// Spawn starts a child user process running the program at file.
func (t *Task) Spawn(file string, argv []string) (int32, error) {
	return t.k.spawn(t.cpu(), t.p, file, argv)
}

// Wait waits for a child to exit.
func (t *Task) Wait() (pid int32, status int, err error) {
	return t.k.wait(t.p)
}

// Exit terminates the task. It does not return.
func (t *Task) Exit(status int) {
	t.k.exit(t.p, status)
}

// Kill kills pid.
func (t *Task) Kill(pid int32) error {
	return t.k.kill(t.cpu(), pid)
}

// Killed reports whether the task has been killed.
func (t *Task) Killed() bool {
	return t.p.isKilled(t.cpu())
}

// SetPriority sets the priority of pid.
func (t *Task) SetPriority(pid int32, prio int) error {
	return t.k.setPriority(t.cpu(), pid, prio)
}

// GetPriority returns the priority of pid.
func (t *Task) GetPriority(pid int32) (int, error) {
	return t.k.getPriority(t.cpu(), pid)
}

// SetRealtime gives pid a deadline rel ticks from now.
func (t *Task) SetRealtime(pid int32, rel int) error {
	return t.k.setRealtime(t.cpu(), pid, rel)
}

// ClearRealtime returns pid to feedback scheduling.
func (t *Task) ClearRealtime(pid int32) error {
	return t.k.clearRealtime(t.cpu(), pid)
}

// PushOff disables interrupts on the current CPU.
func (t *Task) PushOff() {
	t.cpu().PushOff()
}

// PopOff undoes one PushOff.
func (t *Task) PopOff() {
	t.cpu().PopOff()
}

// Illegal executes an illegal instruction in supervisor mode. The kernel
// does not survive it.
func (t *Task) Illegal() {
	c := t.cpu()
	c.clock(1)
	t.k.trap(c, t.p, riscv.ExcIllegalInstruction, 0)
}
