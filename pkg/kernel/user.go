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
	"encoding/binary"

	"rvcore.dev/rvcore/pkg/riscv"
)

// User is a user program's view of its process. Every method executes in
// user mode: it retires instructions on the current CPU, can be interrupted
// and preempted, reaches memory only through the MMU and the kernel only
// through ecall.
//
// System call wrappers return the raw a0 value, so failures are negative
// errno values.
type User struct {
	p *Proc
}

func newUser(p *Proc) *User {
	return &User{p: p}
}

// run is the user side of process start: a forked child continues in its
// fork function, anything else enters main with its arguments.
func (u *User) run() {
	p := u.p
	var status int
	if fn := p.forkFn; fn != nil {
		p.forkFn = nil
		status = fn(u)
	} else {
		status = p.main(u, u.args())
	}
	u.Exit(status)
}

func (u *User) cpu() *CPU {
	return u.p.running
}

// step retires n instructions and takes any interrupt that became pending.
func (u *User) step(n uint64) {
	c := u.cpu()
	c.clock(n)
	u.p.k.poll(c, u.p)
}

// translate performs one memory access at va, taking page faults until the
// access succeeds or the kernel kills the process.
func (u *User) translate(va uint64, acc riscv.Access) riscv.Addr {
	for {
		u.step(1)
		if pa, ok := u.p.pagetable.Translate(riscv.Addr(va), acc, true); ok {
			return pa
		}
		cause := riscv.ExcLoadPageFault
		switch acc {
		case riscv.Write:
			cause = riscv.ExcStorePageFault
		case riscv.Execute:
			cause = riscv.ExcInstructionPageFault
		}
		u.p.k.trap(u.cpu(), u.p, cause, va)
	}
}

func (u *User) misaligned(va uint64, cause riscv.Cause) {
	u.step(1)
	u.p.k.trap(u.cpu(), u.p, cause, va)
}

// LoadByte loads the byte at va.
func (u *User) LoadByte(va uint64) byte {
	pa := u.translate(va, riscv.Read)
	return u.p.k.mem.Bytes(pa, 1)[0]
}

// StoreByte stores b at va.
func (u *User) StoreByte(va uint64, b byte) {
	pa := u.translate(va, riscv.Write)
	u.p.k.mem.Bytes(pa, 1)[0] = b
}

// Load64 loads the doubleword at va, which must be 8-byte aligned.
func (u *User) Load64(va uint64) uint64 {
	if va%8 != 0 {
		u.misaligned(va, riscv.ExcLoadMisaligned)
	}
	pa := u.translate(va, riscv.Read)
	return u.p.k.mem.Uint64(pa)
}

// Store64 stores v at va, which must be 8-byte aligned.
func (u *User) Store64(va uint64, v uint64) {
	if va%8 != 0 {
		u.misaligned(va, riscv.ExcStoreMisaligned)
	}
	pa := u.translate(va, riscv.Write)
	u.p.k.mem.SetUint64(pa, v)
}

// LoadBytes loads n bytes starting at va.
func (u *User) LoadBytes(va uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = u.LoadByte(va + uint64(i))
	}
	return b
}

// StoreBytes stores b starting at va.
func (u *User) StoreBytes(va uint64, b []byte) {
	for i, v := range b {
		u.StoreByte(va+uint64(i), v)
	}
}

// LoadString loads the NUL terminated string at va.
func (u *User) LoadString(va uint64) string {
	var b []byte
	for {
		c := u.LoadByte(va + uint64(len(b)))
		if c == 0 {
			return string(b)
		}
		b = append(b, c)
	}
}

// Compute retires n instructions that do not touch memory.
func (u *User) Compute(n uint64) {
	for n > 0 {
		chunk := max(u.cpu().untilTick(), 1)
		chunk = min(chunk, n)
		n -= chunk
		u.step(chunk)
	}
}

// Illegal executes an illegal instruction.
func (u *User) Illegal() {
	u.step(1)
	u.p.k.trap(u.cpu(), u.p, riscv.ExcIllegalInstruction, 0)
}

// SP returns the stack pointer.
func (u *User) SP() uint64 {
	return u.p.tf.SP()
}

// Syscall executes ecall with num in a7 and args in a0 onwards.
func (u *User) Syscall(num uint64, args ...uint64) int64 {
	if len(args) > 6 {
		panic("too many system call arguments")
	}
	tf := u.p.tf
	tf.SetA(7, num)
	for i, a := range args {
		tf.SetA(i, a)
	}
	u.step(1)
	u.p.k.trap(u.cpu(), u.p, riscv.ExcEcallU, 0)
	return int64(tf.A(0))
}

// scratch returns an address below the stack pointer with room for n
// bytes.
func (u *User) scratch(n int) uint64 {
	return (u.SP() - uint64(n) - 16) &^ 15
}

// args reads argc and argv from a0 and a1.
func (u *User) args() []string {
	argc := int(u.p.tf.A(0))
	uargv := u.p.tf.A(1)
	argv := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		argv = append(argv, u.LoadString(u.Load64(uargv+8*uint64(i))))
	}
	return argv
}

// Fork creates a child process running child on a copy-on-write copy of
// this address space. It returns the child's pid.
func (u *User) Fork(child func(u *User) int) int {
	u.p.forkFn = child
	return int(u.Syscall(SysFork))
}

// Exit terminates the process.
func (u *User) Exit(status int) {
	u.Syscall(SysExit, uint64(int64(status)))
	panic("exit returned")
}

// Wait waits for a child to exit and returns its pid and exit status.
func (u *User) Wait() (pid int, status int) {
	addr := u.scratch(4)
	r := u.Syscall(SysWait, addr)
	if r < 0 {
		return int(r), 0
	}
	return int(r), int(int32(binary.LittleEndian.Uint32(u.LoadBytes(addr, 4))))
}

// Exec replaces the program. It only returns on failure.
func (u *User) Exec(file string, argv []string) int {
	sp := u.SP()
	push := func(s string) uint64 {
		sp -= uint64(len(s)) + 1
		sp &^= 15
		u.StoreBytes(sp, append([]byte(s), 0))
		return sp
	}
	path := push(file)
	ptrs := make([]uint64, 0, len(argv)+1)
	for _, a := range argv {
		ptrs = append(ptrs, push(a))
	}
	ptrs = append(ptrs, 0)
	sp -= uint64(len(ptrs)) * 8
	sp &^= 15
	for i, v := range ptrs {
		u.Store64(sp+8*uint64(i), v)
	}

	r := u.Syscall(SysExec, path, sp)
	if r < 0 {
		return int(r)
	}
	u.Exit(u.p.main(u, u.args()))
	return 0
}

// Sbrk grows memory by n bytes and returns the previous end.
func (u *User) Sbrk(n int) int64 {
	return u.Syscall(SysSbrk, uint64(int64(n)))
}

// Write writes b to fd.
func (u *User) Write(fd int, b []byte) int {
	addr := u.scratch(len(b))
	u.StoreBytes(addr, b)
	return int(u.Syscall(SysWrite, uint64(fd), addr, uint64(len(b))))
}

// Print writes s to standard output.
func (u *User) Print(s string) int {
	return u.Write(1, []byte(s))
}

// Read reads up to n bytes from fd.
func (u *User) Read(fd int, n int) ([]byte, int) {
	addr := u.scratch(n)
	r := int(u.Syscall(SysRead, uint64(fd), addr, uint64(n)))
	if r <= 0 {
		return nil, r
	}
	return u.LoadBytes(addr, r), r
}

// Dup duplicates fd.
func (u *User) Dup(fd int) int {
	return int(u.Syscall(SysDup, uint64(fd)))
}

// Close closes fd.
func (u *User) Close(fd int) int {
	return int(u.Syscall(SysClose, uint64(fd)))
}

// Kill kills pid.
func (u *User) Kill(pid int) int {
	return int(u.Syscall(SysKill, uint64(pid)))
}

// Getpid returns the process id.
func (u *User) Getpid() int {
	return int(u.Syscall(SysGetpid))
}

// Sleep sleeps for n ticks.
func (u *User) Sleep(n int) int {
	return int(u.Syscall(SysSleep, uint64(n)))
}

// Uptime returns the number of ticks since boot.
func (u *User) Uptime() int {
	return int(u.Syscall(SysUptime))
}

// GetPriority returns the priority of pid.
func (u *User) GetPriority(pid int) int {
	return int(u.Syscall(SysGetpriority, uint64(pid)))
}

// SetPriority sets the priority of pid.
func (u *User) SetPriority(pid, prio int) int {
	return int(u.Syscall(SysSetpriority, uint64(pid), uint64(int64(prio))))
}

// SetRealtime gives pid a deadline rel ticks from now.
func (u *User) SetRealtime(pid, rel int) int {
	return int(u.Syscall(SysSetrealtime, uint64(pid), uint64(int64(rel))))
}

// Yield gives up the CPU.
func (u *User) Yield() int {
	return int(u.Syscall(SysYield))
}
