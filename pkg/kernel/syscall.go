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
	"path"

	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/log"
	"rvcore.dev/rvcore/pkg/riscv"
)

// System call numbers.
const (
	SysFork        = 1
	SysExit        = 2
	SysWait        = 3
	SysRead        = 5
	SysKill        = 6
	SysExec        = 7
	SysDup         = 10
	SysGetpid      = 11
	SysSbrk        = 12
	SysSleep       = 13
	SysUptime      = 14
	SysWrite       = 16
	SysClose       = 21
	SysGetpriority = 22
	SysSetpriority = 23
	SysSetrealtime = 24
	SysYield       = 25
)

// maxIO bounds the bytes moved by one read or write.
const maxIO = 4 * riscv.PageSize

// SyscallFn is the kernel side of a system call. It returns the value for
// a0 on success.
type SyscallFn func(k *Kernel, p *Proc) (uint64, error)

// Syscall describes one entry of the system call table.
type Syscall struct {
	Name string
	Fn   SyscallFn
}

// syscalls is the system call table. It is filled by init since the
// handlers reach back into the dispatcher.
var syscalls map[uint64]Syscall

func init() {
	syscalls = map[uint64]Syscall{
		SysFork:        {"fork", sysFork},
		SysExit:        {"exit", sysExit},
		SysWait:        {"wait", sysWait},
		SysRead:        {"read", sysRead},
		SysKill:        {"kill", sysKill},
		SysExec:        {"exec", sysExec},
		SysDup:         {"dup", sysDup},
		SysGetpid:      {"getpid", sysGetpid},
		SysSbrk:        {"sbrk", sysSbrk},
		SysSleep:       {"sleep", sysSleep},
		SysUptime:      {"uptime", sysUptime},
		SysWrite:       {"write", sysWrite},
		SysClose:       {"close", sysClose},
		SysGetpriority: {"getpriority", sysGetpriority},
		SysSetpriority: {"setpriority", sysSetpriority},
		SysSetrealtime: {"setrealtime", sysSetrealtime},
		SysYield:       {"yield", sysYield},
	}
}

// SyscallName returns the name of system call num, or "" if there is none.
func SyscallName(num uint64) string {
	return syscalls[num].Name
}

// syscall dispatches the system call in p's trapframe and stores the result
// in a0. Failures are returned as a negated errno.
func (k *Kernel) syscall(p *Proc) {
	k.stats.syscalls.Add(1)
	c := p.running
	num := p.tf.A(7)
	sc, ok := syscalls[num]
	if !ok {
		c.log.Warningf("%d %s: unknown sys call %d", p.pid, p.name, num)
		p.tf.SetA(0, kernerr.Return(0, kernerr.ENOSYS))
		return
	}
	v, err := sc.Fn(k, p)
	if err != nil && c.log.IsLogging(log.Debug) {
		c.log.Debugf("%v: %s: %v", p, sc.Name, err)
	}
	p.tf.SetA(0, kernerr.Return(v, err))
}

func argInt(p *Proc, i int) int {
	return int(int64(p.tf.A(i)))
}

func argPid(p *Proc, i int) int32 {
	return int32(p.tf.A(i))
}

func argAddr(p *Proc, i int) riscv.Addr {
	return riscv.Addr(p.tf.A(i))
}

func sysFork(k *Kernel, p *Proc) (uint64, error) {
	pid, err := k.fork(p)
	return uint64(pid), err
}

func sysExit(k *Kernel, p *Proc) (uint64, error) {
	k.exit(p, int(int32(p.tf.A(0))))
	panic("exit returned")
}

func sysWait(k *Kernel, p *Proc) (uint64, error) {
	addr := argAddr(p, 0)
	pid, status, err := k.wait(p)
	if err != nil {
		return 0, err
	}
	if addr != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(status)))
		if err := p.pagetable.CopyOut(addr, b[:]); err != nil {
			return 0, err
		}
	}
	return uint64(pid), nil
}

func sysRead(k *Kernel, p *Proc) (uint64, error) {
	fd, addr, n := argInt(p, 0), argAddr(p, 1), argInt(p, 2)
	f, err := p.files.Get(fd)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, kernerr.EINVAL
	}
	if n > maxIO {
		n = maxIO
	}
	buf := make([]byte, n)
	got, err := f.Read(&p.task, buf)
	if err != nil {
		return 0, err
	}
	if err := p.pagetable.CopyOut(addr, buf[:got]); err != nil {
		return 0, err
	}
	return uint64(got), nil
}

func sysWrite(k *Kernel, p *Proc) (uint64, error) {
	fd, addr, n := argInt(p, 0), argAddr(p, 1), argInt(p, 2)
	f, err := p.files.Get(fd)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, kernerr.EINVAL
	}
	done := 0
	buf := make([]byte, min(n, maxIO))
	for done < n {
		chunk := buf[:min(n-done, maxIO)]
		if err := p.pagetable.CopyIn(chunk, addr+riscv.Addr(done)); err != nil {
			if done > 0 {
				break
			}
			return 0, err
		}
		w, err := f.Write(&p.task, chunk)
		done += w
		if err != nil {
			if done > 0 {
				break
			}
			return 0, err
		}
	}
	return uint64(done), nil
}

func sysKill(k *Kernel, p *Proc) (uint64, error) {
	return 0, k.kill(p.running, argPid(p, 0))
}

// sysExec replaces p's image. argv is a null terminated array of string
// pointers.
func sysExec(k *Kernel, p *Proc) (uint64, error) {
	file, err := p.pagetable.CopyInString(argAddr(p, 0), MaxPath)
	if err != nil {
		return 0, err
	}
	uargv := argAddr(p, 1)
	var argv []string
	for i := 0; ; i++ {
		if i >= MaxArg {
			return 0, kernerr.E2BIG
		}
		var b [8]byte
		if err := p.pagetable.CopyIn(b[:], uargv+riscv.Addr(8*i)); err != nil {
			return 0, err
		}
		ptr := binary.LittleEndian.Uint64(b[:])
		if ptr == 0 {
			break
		}
		arg, err := p.pagetable.CopyInString(riscv.Addr(ptr), riscv.PageSize)
		if err != nil {
			return 0, err
		}
		argv = append(argv, arg)
	}

	argc, err := k.exec(p, file, argv)
	if err != nil {
		return 0, err
	}
	c := p.running
	p.mu.Lock(c)
	p.name = path.Base(file)
	p.mu.Unlock(c)
	return uint64(argc), nil
}

func sysDup(k *Kernel, p *Proc) (uint64, error) {
	fd, err := p.files.Dup(argInt(p, 0))
	return uint64(fd), err
}

func sysClose(k *Kernel, p *Proc) (uint64, error) {
	return 0, p.files.Remove(argInt(p, 0))
}

func sysGetpid(k *Kernel, p *Proc) (uint64, error) {
	return uint64(p.pid), nil
}

// sysSbrk grows or shrinks user memory by n bytes and returns the old size.
func sysSbrk(k *Kernel, p *Proc) (uint64, error) {
	n := int64(p.tf.A(0))
	old := p.sz
	switch {
	case n > 0:
		if old+uint64(n) < old || old+uint64(n) > uint64(riscv.Trapframe) {
			return 0, kernerr.ENOMEM
		}
		sz, err := p.pagetable.Alloc(old, old+uint64(n), riscv.PermW)
		if err != nil {
			return 0, err
		}
		p.sz = sz
	case n < 0:
		if uint64(-n) > old {
			return 0, kernerr.EINVAL
		}
		p.sz = p.pagetable.Dealloc(old, old-uint64(-n))
	}
	return old, nil
}

func sysSleep(k *Kernel, p *Proc) (uint64, error) {
	n := argInt(p, 0)
	if n < 0 {
		n = 0
	}
	return 0, k.sleepTicks(p, uint64(n))
}

// sleepTicks blocks p for n clock ticks. It fails with EINTR if p is
// killed.
func (k *Kernel) sleepTicks(p *Proc, n uint64) error {
	c := p.running
	k.tickMu.Lock(c)
	t0 := k.ticks.Load()
	for k.ticks.Load()-t0 < n {
		if p.isKilled(c) {
			k.tickMu.Unlock(c)
			return kernerr.EINTR
		}
		c = k.sleep(p, &k.ticks, &k.tickMu)
	}
	k.tickMu.Unlock(c)
	return nil
}

func sysUptime(k *Kernel, p *Proc) (uint64, error) {
	return k.ticks.Load(), nil
}

func sysGetpriority(k *Kernel, p *Proc) (uint64, error) {
	prio, err := k.getPriority(p.running, argPid(p, 0))
	return uint64(prio), err
}

func sysSetpriority(k *Kernel, p *Proc) (uint64, error) {
	return 0, k.setPriority(p.running, argPid(p, 0), argInt(p, 1))
}

func sysSetrealtime(k *Kernel, p *Proc) (uint64, error) {
	return 0, k.setRealtime(p.running, argPid(p, 0), argInt(p, 1))
}

func sysYield(k *Kernel, p *Proc) (uint64, error) {
	k.yield(p)
	return 0, nil
}
