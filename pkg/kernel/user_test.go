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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/pgalloc"
	"rvcore.dev/rvcore/pkg/riscv"
)

// neg is the value a failing system call leaves in a0.
func neg(err error) int {
	return -int(kernerr.ToErrno(err))
}

type result struct {
	status int
	out    string
	k      *Kernel
}

// runProgram boots a machine with progs, spawns file from a kernel task and
// waits for it. It also checks that no page leaked.
func runProgram(t *testing.T, cfg Config, progs []*Program, file string, argv ...string) result {
	t.Helper()
	var out bytes.Buffer
	cfg.Console = &out
	cfg.Programs = NewRegistry(progs...)
	k := newTestKernel(t, cfg)
	return runOn(t, k, &out, file, argv...)
}

func runOn(t *testing.T, k *Kernel, out *bytes.Buffer, file string, argv ...string) result {
	t.Helper()
	kfree, ufree := k.FreePages(pgalloc.Kernel), k.FreePages(pgalloc.User)

	var (
		status   int
		spawnErr error
		waitErr  error
	)
	mustCreate(t, k, "init", func(t *Task) {
		if _, spawnErr = t.Spawn(file, argv); spawnErr != nil {
			return
		}
		_, status, waitErr = t.Wait()
	})
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if spawnErr != nil {
		t.Fatalf("Spawn(%q): %v", file, spawnErr)
	}
	if waitErr != nil {
		t.Fatalf("Wait: %v", waitErr)
	}
	got := []int{k.FreePages(pgalloc.Kernel), k.FreePages(pgalloc.User)}
	if diff := cmp.Diff([]int{kfree, ufree}, got); diff != "" {
		t.Errorf("free kernel and user pages mismatch (-want +got):\n%s", diff)
	}
	return result{status: status, out: out.String(), k: k}
}

func prog(path string, main func(u *User, argv []string) int) *Program {
	return &Program{Path: path, Main: main}
}

var echo = prog("/echo", func(u *User, argv []string) int {
	u.Print(strings.Join(argv[1:], " ") + "\n")
	return 0
})

func TestUserExitStatus(t *testing.T) {
	r := runProgram(t, testConfig(), []*Program{
		prog("/forty-two", func(u *User, argv []string) int { return 42 }),
	}, "/forty-two")
	if r.status != 42 {
		t.Errorf("status = %d, want 42", r.status)
	}
}

func TestUserArgs(t *testing.T) {
	r := runProgram(t, testConfig(), []*Program{echo}, "/echo", "echo", "hello", "world")
	if r.out != "hello world\n" {
		t.Errorf("output = %q, want %q", r.out, "hello world\n")
	}
}

func TestSpawnUnknownProgram(t *testing.T) {
	k := newTestKernel(t, testConfig())
	if _, err := k.Spawn("/missing", nil); !errors.Is(err, kernerr.ENOENT) {
		t.Errorf("Spawn(/missing) = %v, want %v", err, kernerr.ENOENT)
	}
	if got := k.Stats().LiveProcs; got != 0 {
		t.Errorf("live procs = %d, want 0", got)
	}
}

func TestForkCopyOnWrite(t *testing.T) {
	var (
		childPid, waited, status int
		parentSees               uint64
	)
	r := runProgram(t, testConfig(), []*Program{
		prog("/cow", func(u *User, argv []string) int {
			addr := uint64(u.Sbrk(riscv.PageSize))
			u.Store64(addr, 1)
			childPid = u.Fork(func(u *User) int {
				if u.Load64(addr) != 1 {
					return 1
				}
				u.Store64(addr, 2)
				return int(u.Load64(addr))
			})
			waited, status = u.Wait()
			parentSees = u.Load64(addr)
			u.Store64(addr, 3)
			return 0
		}),
	}, "/cow")
	if r.status != 0 {
		t.Fatalf("status = %d, want 0", r.status)
	}
	if childPid <= 0 || waited != childPid || status != 2 {
		t.Errorf("fork %d, wait = (%d, %d), want (%d, 2)", childPid, waited, status, childPid)
	}
	if parentSees != 1 {
		t.Errorf("parent sees %d after the child's store, want 1", parentSees)
	}
	if got := r.k.Stats().PageFaults; got < 1 {
		t.Errorf("PageFaults = %d, want at least 1", got)
	}
	if got := r.k.Stats().Forks; got != 1 {
		t.Errorf("Forks = %d, want 1", got)
	}
}

func TestForkSharesFiles(t *testing.T) {
	r := runProgram(t, testConfig(), []*Program{
		prog("/fork", func(u *User, argv []string) int {
			u.Fork(func(u *User) int {
				u.Print("child\n")
				return 0
			})
			u.Wait()
			u.Print("parent\n")
			return 0
		}),
	}, "/fork")
	if r.out != "child\nparent\n" {
		t.Errorf("output = %q", r.out)
	}
	if got := r.k.Console().Refs(); got != 0 {
		t.Errorf("console refs = %d, want 0", got)
	}
}

func TestExec(t *testing.T) {
	var failed int
	r := runProgram(t, testConfig(), []*Program{
		echo,
		prog("/sh", func(u *User, argv []string) int {
			failed = u.Exec("/nope", []string{"nope"})
			u.Exec("/echo", []string{"echo", "hi", "there"})
			return 1
		}),
	}, "/sh")
	if failed != neg(kernerr.ENOENT) {
		t.Errorf("exec of a missing program = %d, want %d", failed, neg(kernerr.ENOENT))
	}
	if r.status != 0 || r.out != "hi there\n" {
		t.Errorf("status %d output %q, want 0 %q", r.status, r.out, "hi there\n")
	}
	if got := r.k.Stats().Execs; got != 2 {
		t.Errorf("Execs = %d, want 2", got)
	}
}

func TestExecTooManyArgs(t *testing.T) {
	var got int
	runProgram(t, testConfig(), []*Program{
		echo,
		prog("/sh", func(u *User, argv []string) int {
			got = u.Exec("/echo", make([]string, MaxArg+1))
			return 0
		}),
	}, "/sh")
	if got != neg(kernerr.E2BIG) {
		t.Errorf("exec = %d, want %d", got, neg(kernerr.E2BIG))
	}
}

func TestUserFaultsKill(t *testing.T) {
	for _, tc := range []struct {
		name string
		main func(u *User, argv []string) int
	}{
		{"illegal instruction", func(u *User, argv []string) int {
			u.Illegal()
			return 0
		}},
		{"stack guard", func(u *User, argv []string) int {
			u.StoreByte(u.SP()-riscv.PageSize, 1)
			return 0
		}},
		{"unmapped load", func(u *User, argv []string) int {
			u.LoadByte(1 << 30)
			return 0
		}},
		{"write to text", func(u *User, argv []string) int {
			u.StoreByte(0, 1)
			return 0
		}},
		{"misaligned", func(u *User, argv []string) int {
			u.Load64(u.SP() - 3)
			return 0
		}},
		{"go panic", func(u *User, argv []string) int {
			var m map[string]int
			m["x"] = 1
			return 0
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := runProgram(t, testConfig(), []*Program{prog("/bad", tc.main)}, "/bad")
			if r.status != -1 {
				t.Errorf("status = %d, want -1", r.status)
			}
		})
	}
}

func TestSbrk(t *testing.T) {
	var (
		first, second, shrink, tooBig, tooSmall int64
		v                                       uint64
	)
	runProgram(t, testConfig(), []*Program{
		prog("/sbrk", func(u *User, argv []string) int {
			first = u.Sbrk(2 * riscv.PageSize)
			u.Store64(uint64(first)+riscv.PageSize, 7)
			v = u.Load64(uint64(first) + riscv.PageSize)
			second = u.Sbrk(0)
			shrink = u.Sbrk(-riscv.PageSize)
			tooSmall = u.Sbrk(-(1 << 40))
			tooBig = u.Sbrk(1 << 40)
			return 0
		}),
	}, "/sbrk")
	if v != 7 {
		t.Errorf("load from grown memory = %d, want 7", v)
	}
	if second != first+2*riscv.PageSize || shrink != second {
		t.Errorf("sbrk returned %d, %d, %d", first, second, shrink)
	}
	if tooSmall != int64(neg(kernerr.EINVAL)) {
		t.Errorf("shrinking below zero = %d, want %d", tooSmall, neg(kernerr.EINVAL))
	}
	if tooBig != int64(neg(kernerr.ENOMEM)) {
		t.Errorf("growing into the trapframe = %d, want %d", tooBig, neg(kernerr.ENOMEM))
	}
}

func TestUnknownSyscall(t *testing.T) {
	var got int64
	runProgram(t, testConfig(), []*Program{
		prog("/bad", func(u *User, argv []string) int {
			got = u.Syscall(99)
			return 0
		}),
	}, "/bad")
	if got != int64(neg(kernerr.ENOSYS)) {
		t.Errorf("syscall 99 = %d, want %d", got, neg(kernerr.ENOSYS))
	}
}

func TestSyscallName(t *testing.T) {
	for num, want := range map[uint64]string{
		SysFork:        "fork",
		SysSetrealtime: "setrealtime",
		99:             "",
	} {
		if got := SyscallName(num); got != want {
			t.Errorf("SyscallName(%d) = %q, want %q", num, got, want)
		}
	}
	for num := uint64(SysFork); num <= SysYield; num++ {
		switch num {
		case 4, 8, 9, 15, 17, 18, 19, 20:
			continue
		}
		if SyscallName(num) == "" {
			t.Errorf("system call %d has no table entry", num)
		}
	}
}

func TestConsoleRead(t *testing.T) {
	var out bytes.Buffer
	cfg := testConfig()
	cfg.Console = &out
	cfg.Programs = NewRegistry(prog("/cat", func(u *User, argv []string) int {
		for {
			b, n := u.Read(0, 64)
			if n < 0 {
				return 1
			}
			if n == 0 {
				return 0
			}
			u.Write(1, b)
		}
	}))
	k := newTestKernel(t, cfg)
	k.Console().Input([]byte("abc"))
	k.Console().Input([]byte("def\n"))
	k.Console().CloseInput()
	r := runOn(t, k, &out, "/cat")
	if r.status != 0 || r.out != "abcdef\n" {
		t.Errorf("status %d output %q, want 0 %q", r.status, r.out, "abcdef\n")
	}
}

func TestFileDescriptors(t *testing.T) {
	var got []int
	r := runProgram(t, testConfig(), []*Program{
		prog("/fd", func(u *User, argv []string) int {
			fd := u.Dup(1)
			got = append(got,
				fd,
				u.Write(fd, []byte("dup\n")),
				u.Close(fd),
				u.Close(fd),
				u.Write(9, []byte("x")),
				u.Write(NOFILE+3, []byte("x")),
			)
			return 0
		}),
	}, "/fd")
	want := []int{3, 4, 0, neg(kernerr.EBADF), neg(kernerr.EBADF), neg(kernerr.EBADF)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if r.out != "dup\n" {
		t.Errorf("output = %q, want %q", r.out, "dup\n")
	}
}

func TestWriteBadAddress(t *testing.T) {
	var got int64
	runProgram(t, testConfig(), []*Program{
		prog("/bad", func(u *User, argv []string) int {
			got = u.Syscall(SysWrite, 1, 1<<30, 8)
			return 0
		}),
	}, "/bad")
	if got != int64(neg(kernerr.EFAULT)) {
		t.Errorf("write from an unmapped buffer = %d, want %d", got, neg(kernerr.EFAULT))
	}
}

func TestPrioritySyscalls(t *testing.T) {
	var got []int
	runProgram(t, testConfig(), []*Program{
		prog("/nice", func(u *User, argv []string) int {
			pid := u.Getpid()
			got = append(got,
				u.GetPriority(pid),
				u.SetPriority(pid, 8),
				u.GetPriority(pid),
				u.SetPriority(pid, 99),
				u.GetPriority(pid),
				u.SetPriority(999, 1),
				u.SetRealtime(pid, 0),
				u.SetRealtime(pid, 5),
				u.Yield(),
			)
			return 0
		}),
	}, "/nice")
	want := []int{
		PriorityDefault, 0, 8, 0, PriorityMax,
		neg(kernerr.ESRCH), neg(kernerr.EINVAL), 0, 0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestUserKill(t *testing.T) {
	var (
		killed, waited, status int
	)
	runProgram(t, testConfig(), []*Program{
		prog("/killer", func(u *User, argv []string) int {
			pid := u.Fork(func(u *User) int {
				for {
					u.Compute(testTick)
				}
			})
			u.Sleep(2)
			killed = u.Kill(pid)
			waited, status = u.Wait()
			if waited != pid {
				return 1
			}
			return 0
		}),
	}, "/killer")
	if killed != 0 || status != -1 {
		t.Errorf("kill = %d, child status = %d, want 0 -1", killed, status)
	}
	if waited <= 0 {
		t.Errorf("wait returned %d", waited)
	}
}

func TestUserSleep(t *testing.T) {
	var before, after int
	runProgram(t, testConfig(), []*Program{
		prog("/sleep", func(u *User, argv []string) int {
			before = u.Uptime()
			u.Sleep(3)
			after = u.Uptime()
			return 0
		}),
	}, "/sleep")
	if after-before < 3 {
		t.Errorf("slept %d ticks, want at least 3", after-before)
	}
}

func TestWaitWithoutChildren(t *testing.T) {
	var pid int
	runProgram(t, testConfig(), []*Program{
		prog("/wait", func(u *User, argv []string) int {
			pid, _ = u.Wait()
			return 0
		}),
	}, "/wait")
	if pid != neg(kernerr.ECHILD) {
		t.Errorf("wait = %d, want %d", pid, neg(kernerr.ECHILD))
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(echo)
	if err := r.Register(prog("echo", echo.Main)); err == nil {
		t.Errorf("duplicate registration succeeded")
	}
	if err := r.Register(&Program{Path: "/nomain"}); err == nil {
		t.Errorf("registration without main succeeded")
	}
	if err := r.Register(prog("", echo.Main)); err == nil {
		t.Errorf("registration without path succeeded")
	}
	if err := r.Register(prog("bin/../ls", echo.Main)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Lookup("ls"); !ok {
		t.Errorf("Lookup(ls) failed")
	}
	if diff := cmp.Diff([]string{"/echo", "/ls"}, r.Paths()); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}
}
