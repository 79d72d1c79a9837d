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
	"errors"
	"io"
	"testing"

	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/log"
	"rvcore.dev/rvcore/pkg/pgalloc"
)

func TestWaitExit(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var (
		child      int32
		waited     int32
		status     int
		waitErr    error
		secondErr  error
		createdErr error
	)
	mustCreate(t, k, "parent", func(t *Task) {
		child, createdErr = t.Create(func(t *Task) {
			t.Compute(testTick / 2)
			t.Exit(7)
		}, "child")
		waited, status, waitErr = t.Wait()
		_, _, secondErr = t.Wait()
	})
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if createdErr != nil {
		t.Fatalf("Create: %v", createdErr)
	}
	if waitErr != nil || waited != child || status != 7 {
		t.Errorf("Wait = (%d, %d, %v), want (%d, 7, nil)", waited, status, waitErr, child)
	}
	if !errors.Is(secondErr, kernerr.ECHILD) {
		t.Errorf("second Wait error = %v, want %v", secondErr, kernerr.ECHILD)
	}
}

func TestWaitCollectsEveryChild(t *testing.T) {
	k := newTestKernel(t, testConfig())
	const n = 4
	got := make(map[int32]int)
	want := make(map[int32]int)
	mustCreate(t, k, "parent", func(t *Task) {
		for i := 0; i < n; i++ {
			status := 10 + i
			pid, err := t.Create(func(t *Task) {
				t.Compute(uint64(status) * testTick)
				t.Exit(status)
			}, "child")
			if err != nil {
				panic(err)
			}
			want[pid] = status
		}
		for {
			pid, status, err := t.Wait()
			if err != nil {
				return
			}
			got[pid] = status
		}
	})
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != n {
		t.Fatalf("collected %d children, want %d", len(got), n)
	}
	for pid, status := range want {
		if got[pid] != status {
			t.Errorf("child %d: status %d, want %d", pid, got[pid], status)
		}
	}
}

// TestExitWaitManyHarts reaps children on several harts at once with debug
// logging on, so exit messages are formatted while parents free the slots.
func TestExitWaitManyHarts(t *testing.T) {
	old := log.Log()
	defer func() {
		log.SetTarget(old.Emitter)
		log.SetLevel(old.Level)
	}()
	log.SetTarget(log.GoogleEmitter{Writer: &log.Writer{Next: io.Discard}})
	log.SetLevel(log.Debug)

	cfg := testConfig()
	cfg.CPUs = 4
	cfg.Procs = 16
	k := newTestKernel(t, cfg)
	kfree := k.FreePages(pgalloc.Kernel)

	const (
		parents  = 3
		rounds   = 20
		children = 3
	)
	var reaped [parents]int
	for i := 0; i < parents; i++ {
		mustCreate(t, k, "parent", func(t *Task) {
			for r := 0; r < rounds; r++ {
				for c := 0; c < children; c++ {
					if _, err := t.Create(func(t *Task) {
						t.Compute(uint64(c+1) * testTick / 2)
						t.Exit(c)
					}, "child"); err != nil {
						panic(err)
					}
				}
				for c := 0; c < children; c++ {
					if _, _, err := t.Wait(); err != nil {
						panic(err)
					}
					reaped[i]++
				}
			}
		})
	}
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, n := range reaped {
		if n != rounds*children {
			t.Errorf("parent %d reaped %d children, want %d", i, n, rounds*children)
		}
	}
	if infos := k.Procs(); len(infos) != 0 {
		t.Errorf("Procs() after Run = %+v, want none", infos)
	}
	if got := k.FreePages(pgalloc.Kernel); got != kfree {
		t.Errorf("free kernel pages after Run = %d, want %d", got, kfree)
	}
}

func TestPidsIncrease(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var pids []int32
	for i := 0; i < 3; i++ {
		pids = append(pids, mustCreate(t, k, "task", func(t *Task) {}))
	}
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 1; i < len(pids); i++ {
		if pids[i] <= pids[i-1] {
			t.Errorf("pids not increasing: %v", pids)
		}
	}
	if pids[0] != 1 {
		t.Errorf("first pid = %d, want 1", pids[0])
	}
}

func TestCreateTableFull(t *testing.T) {
	cfg := testConfig()
	cfg.Procs = 2
	k := newTestKernel(t, cfg)
	mustCreate(t, k, "a", func(t *Task) {})
	mustCreate(t, k, "b", func(t *Task) {})
	if _, err := k.Create(func(t *Task) {}, "c"); !errors.Is(err, kernerr.EAGAIN) {
		t.Errorf("Create on a full table: got %v, want %v", err, kernerr.EAGAIN)
	}
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCreateOutOfKernelPages(t *testing.T) {
	cfg := testConfig()
	k := newTestKernel(t, cfg)
	// Leave a single kernel page: the kernel stack fits, the trapframe
	// does not.
	for k.FreePages(pgalloc.Kernel) > 1 {
		if _, ok := k.alloc.Allocate(pgalloc.Kernel); !ok {
			t.Fatalf("Allocate failed with pages left")
		}
	}
	if _, err := k.Create(func(t *Task) {}, "task"); !errors.Is(err, kernerr.ENOMEM) {
		t.Fatalf("Create: got %v, want %v", err, kernerr.ENOMEM)
	}
	if got := k.FreePages(pgalloc.Kernel); got != 1 {
		t.Errorf("free kernel pages after failed create = %d, want 1", got)
	}
	if got := k.Stats().LiveProcs; got != 0 {
		t.Errorf("live procs = %d, want 0", got)
	}
}

func TestKillSleeper(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var (
		sleepErr error
		status   int
		killErr  error
	)
	mustCreate(t, k, "parent", func(t *Task) {
		pid, err := t.Create(func(t *Task) {
			sleepErr = t.Sleep(1 << 20)
			t.Exit(3)
		}, "sleeper")
		if err != nil {
			panic(err)
		}
		t.Sleep(2)
		killErr = t.Kill(pid)
		_, status, _ = t.Wait()
	})
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if killErr != nil {
		t.Errorf("Kill: %v", killErr)
	}
	if !errors.Is(sleepErr, kernerr.EINTR) {
		t.Errorf("Sleep error = %v, want %v", sleepErr, kernerr.EINTR)
	}
	if status != 3 {
		t.Errorf("status = %d, want 3", status)
	}
}

func TestKillUnknown(t *testing.T) {
	k := newTestKernel(t, testConfig())
	if err := k.Kill(42); !errors.Is(err, kernerr.ESRCH) {
		t.Errorf("Kill(42) = %v, want %v", err, kernerr.ESRCH)
	}
}

func TestSleepTicks(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var before, after uint64
	mustCreate(t, k, "sleeper", func(t *Task) {
		before = t.Ticks()
		if err := t.Sleep(5); err != nil {
			panic(err)
		}
		after = t.Ticks()
	})
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if after-before < 5 {
		t.Errorf("slept %d ticks, want at least 5", after-before)
	}
}

func TestSchedWithLockHeld(t *testing.T) {
	k := newTestKernel(t, testConfig())
	mustCreate(t, k, "bad", func(t *Task) {
		t.PushOff()
		t.Yield()
	})
	wantFatal(t, runKernel(t, k), "sched")
}

func TestKernelIllegalInstruction(t *testing.T) {
	k := newTestKernel(t, testConfig())
	mustCreate(t, k, "bad", func(t *Task) {
		t.Illegal()
	})
	wantFatal(t, runKernel(t, k), "kerneltrap")
}

func TestKernelGoPanicHalts(t *testing.T) {
	k := newTestKernel(t, testConfig())
	mustCreate(t, k, "bad", func(t *Task) {
		panic("boom")
	})
	wantFatal(t, runKernel(t, k), "boom")
}

func TestBadStvec(t *testing.T) {
	k := newTestKernel(t, testConfig())
	mustCreate(t, k, "bad", func(t *Task) {
		t.cpu().csr.Stvec = 0x1234
		t.Compute(2 * testTick)
	})
	wantFatal(t, runKernel(t, k), "bad stvec")
}

func TestPushOffPopOff(t *testing.T) {
	c := newCPU(nil, 0)
	c.intrOn = true
	c.PushOff()
	c.PushOff()
	if c.intrOn {
		t.Fatalf("interrupts on after PushOff")
	}
	c.PopOff()
	if c.intrOn || c.noff != 1 {
		t.Fatalf("after one PopOff: intrOn %v noff %d, want false 1", c.intrOn, c.noff)
	}
	c.PopOff()
	if !c.intrOn || c.noff != 0 {
		t.Fatalf("after two PopOffs: intrOn %v noff %d, want true 0", c.intrOn, c.noff)
	}

	// Interrupts that were off stay off.
	c.intrOn = false
	c.PushOff()
	c.PopOff()
	if c.intrOn {
		t.Errorf("PopOff enabled interrupts that were off")
	}

	if err := fatal.Catch(c.PopOff); err == nil {
		t.Errorf("unbalanced PopOff did not panic")
	}
	c.intrOn = true
	if err := fatal.Catch(c.PopOff); err == nil {
		t.Errorf("PopOff with interrupts on did not panic")
	}
}

func TestProcsSnapshot(t *testing.T) {
	k := newTestKernel(t, testConfig())
	pid := mustCreate(t, k, "snap", func(t *Task) {})
	infos := k.Procs()
	if len(infos) != 1 {
		t.Fatalf("Procs() = %+v, want one process", infos)
	}
	got := infos[0]
	if got.Pid != pid || got.Name != "snap" || got.State != Runnable || got.Priority != PriorityDefault {
		t.Errorf("Procs()[0] = %+v", got)
	}
	if err := runKernel(t, k); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if infos := k.Procs(); len(infos) != 0 {
		t.Errorf("Procs() after Run = %+v, want none", infos)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Unused:    "unused",
		Sleeping:  "sleeping",
		Runnable:  "runnable",
		Running:   "running",
		Zombie:    "zombie",
		State(42): "State(42)",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
