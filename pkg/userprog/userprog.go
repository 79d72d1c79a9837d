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

// Package userprog contains the programs installed on every machine.
//
// Programs only use the kernel.User interface, so everything they do goes
// through the MMU and the system call table.
package userprog

import (
	"fmt"
	"strconv"
	"strings"

	"rvcore.dev/rvcore/pkg/kernel"
	"rvcore.dev/rvcore/pkg/riscv"
)

// Work done by the demonstration programs, in instructions.
const (
	busyInstructions  = 20000
	spinInstructions  = 4000
	rtInstructions    = 8000
	defaultSpinAmount = 100000
)

// Init is the path of the first user program.
const Init = "/init"

// Programs returns a fresh copy of every built-in program.
func Programs() []*kernel.Program {
	return []*kernel.Program{
		{Path: Init, Text: []byte("init"), Main: initMain},
		{Path: "/cowtest", Text: []byte("cowtest"), Main: cowtestMain},
		{Path: "/rtdemo", Text: []byte("rtdemo"), Main: rtdemoMain},
		{Path: "/nice", Text: []byte("nice"), Main: niceMain},
		{Path: "/spin", Text: []byte("spin"), Main: spinMain},
		{Path: "/echo", Text: []byte("echo"), Main: echoMain},
		{Path: "/cat", Text: []byte("cat"), Main: catMain},
	}
}

// Registry returns a registry holding the built-in programs.
func Registry() *kernel.Registry {
	return kernel.NewRegistry(Programs()...)
}

func printf(u *kernel.User, format string, args ...any) {
	u.Print(fmt.Sprintf(format, args...))
}

// initMain runs the system tests in turn. Each test is a fork and exec of
// its program.
func initMain(u *kernel.User, argv []string) int {
	u.Print("[init] running priority syscall test\n")
	if status := priorityTest(u); status != 0 {
		return status
	}
	for _, name := range []string{"cowtest", "rtdemo"} {
		printf(u, "[init] running %s\n", name)
		pid := u.Fork(func(u *kernel.User) int {
			u.Exec("/"+name, []string{name})
			printf(u, "exec %s failed\n", name)
			return -1
		})
		if pid < 0 {
			printf(u, "[init] fork %s failed\n", name)
			continue
		}
		w, status := u.Wait()
		printf(u, "[init] %s wait pid=%d status=%d\n", name, w, status)
	}
	return 0
}

func busyChild(label string) func(u *kernel.User) int {
	return func(u *kernel.User) int {
		printf(u, "%s started (pid=%d)\n", label, u.Getpid())
		u.Compute(busyInstructions)
		printf(u, "%s exiting\n", label)
		return 0
	}
}

// priorityTest forks a high and a low priority worker and collects both.
func priorityTest(u *kernel.User) int {
	high := u.Fork(busyChild("[priority_test-high]"))
	if high < 0 {
		u.Print("[priority_test] fork failed\n")
		return 1
	}
	printf(u, "[priority_test] setpriority(high) -> %d\n", u.SetPriority(high, kernel.PriorityMax))

	low := u.Fork(busyChild("[priority_test-low]"))
	if low < 0 {
		u.Print("[priority_test] second fork failed\n")
		return 1
	}
	printf(u, "[priority_test] setpriority(low) -> %d\n", u.SetPriority(low, kernel.PriorityMin))

	u.Print("[priority_test] spinning parent before wait\n")
	u.Compute(spinInstructions)

	printf(u, "[priority_test] setpriority(bad) -> %d\n", u.SetPriority(-999, kernel.PriorityMax))

	for i := 0; i < 2; i++ {
		pid, status := u.Wait()
		printf(u, "[priority_test] wait returned pid=%d status=%d\n", pid, status)
	}
	u.Print("[priority_test] done\n")
	return 0
}

// cowtestMain checks that a child's store to a shared page is not visible
// to the parent.
func cowtestMain(u *kernel.User, argv []string) int {
	brk := u.Sbrk(riscv.PageSize)
	if brk < 0 {
		u.Print("[cowtest] sbrk failed\n")
		return -1
	}
	buf := uint64(brk)
	u.StoreByte(buf, 'A')
	u.StoreByte(buf+1, 0)

	pid := u.Fork(func(u *kernel.User) int {
		u.StoreByte(buf, 'C')
		u.Print("[cowtest-child] wrote C\n")
		return 0
	})
	if pid < 0 {
		u.Print("[cowtest] fork failed\n")
		return -1
	}

	u.Wait()
	got := u.LoadByte(buf)
	printf(u, "[cowtest-parent] buf after child=%c\n", got)
	ok := got == 'A'
	if ok {
		u.Print("[cowtest-parent] PASS\n")
	} else {
		u.Print("[cowtest-parent] FAIL\n")
	}
	u.StoreByte(buf, 'P')
	u.Print("[cowtest-parent] wrote P\n")
	if !ok {
		return -1
	}
	return 0
}

// rtdemoMain starts three real-time children with increasing deadlines.
func rtdemoMain(u *kernel.User, argv []string) int {
	u.Print("[rtdemo] start EDF showcase\n")
	jobs := []struct {
		deadline int
		name     string
	}{
		{50, "rt-fast"},
		{150, "rt-mid"},
		{300, "rt-slow"},
	}
	for _, job := range jobs {
		pid := u.Fork(func(u *kernel.User) int {
			u.SetRealtime(u.Getpid(), job.deadline)
			printf(u, "[rtdemo-child] %s deadline=%d\n", job.name, job.deadline)
			u.Compute(rtInstructions)
			printf(u, "[rtdemo-child] done %s\n", job.name)
			return 0
		})
		if pid < 0 {
			u.Print("[rtdemo] fork failed\n")
			return -1
		}
	}
	for range jobs {
		pid, status := u.Wait()
		printf(u, "[rtdemo-parent] wait pid=%d status=%d\n", pid, status)
	}
	u.Print("[rtdemo] done\n")
	return 0
}

// niceMain prints or sets the priority of a process: nice pid [priority].
func niceMain(u *kernel.User, argv []string) int {
	if len(argv) != 2 && len(argv) != 3 {
		u.Print("Usage: nice pid [priority]\n")
		return -1
	}
	pid, err := strconv.Atoi(argv[1])
	if err != nil {
		printf(u, "nice: bad pid %q\n", argv[1])
		return -1
	}
	if len(argv) == 2 {
		prio := u.GetPriority(pid)
		if prio < 0 {
			u.Print("getpriority failed\n")
			return -1
		}
		printf(u, "pid %d priority=%d\n", pid, prio)
		return 0
	}
	prio, err := strconv.Atoi(argv[2])
	if err != nil {
		printf(u, "nice: bad priority %q\n", argv[2])
		return -1
	}
	if u.SetPriority(pid, prio) < 0 {
		u.Print("setpriority failed\n")
		return -1
	}
	printf(u, "set pid %d priority to %d\n", pid, prio)
	return 0
}

// spinMain burns the given number of instructions: spin [n].
func spinMain(u *kernel.User, argv []string) int {
	n := uint64(defaultSpinAmount)
	if len(argv) > 1 {
		v, err := strconv.ParseUint(argv[1], 10, 64)
		if err != nil {
			printf(u, "spin: bad count %q\n", argv[1])
			return -1
		}
		n = v
	}
	u.Compute(n)
	printf(u, "spin %d: done after %d ticks\n", u.Getpid(), u.Uptime())
	return 0
}

func echoMain(u *kernel.User, argv []string) int {
	if len(argv) > 1 {
		u.Print(strings.Join(argv[1:], " "))
	}
	u.Print("\n")
	return 0
}

// catMain copies standard input to standard output.
func catMain(u *kernel.User, argv []string) int {
	for {
		b, n := u.Read(0, 512)
		switch {
		case n < 0:
			u.Print("cat: read error\n")
			return -1
		case n == 0:
			return 0
		}
		if u.Write(1, b) != n {
			u.Print("cat: write error\n")
			return -1
		}
	}
}
