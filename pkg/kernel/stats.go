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
	"sync/atomic"

	"rvcore.dev/rvcore/pkg/pgalloc"
	"rvcore.dev/rvcore/pkg/sync"
)

type stats struct {
	dispatches atomic.Uint64
	switches   atomic.Uint64
	syscalls   atomic.Uint64
	faults     atomic.Uint64
	kills      atomic.Uint64
	forks      atomic.Uint64
	execs      atomic.Uint64
	interrupts atomic.Uint64
	idle       atomic.Uint64
}

// Stats is a snapshot of kernel counters.
type Stats struct {
	Ticks      uint64
	Dispatches uint64
	Switches   uint64
	Syscalls   uint64
	PageFaults uint64
	Kills      uint64
	Forks      uint64
	Execs      uint64
	Interrupts uint64
	IdleTicks  uint64

	LiveProcs       int
	FreeKernelPages int
	FreeUserPages   int
}

// Stats returns the current counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Ticks:           k.ticks.Load(),
		Dispatches:      k.stats.dispatches.Load(),
		Switches:        k.stats.switches.Load(),
		Syscalls:        k.stats.syscalls.Load(),
		PageFaults:      k.stats.faults.Load(),
		Kills:           k.stats.kills.Load(),
		Forks:           k.stats.forks.Load(),
		Execs:           k.stats.execs.Load(),
		Interrupts:      k.stats.interrupts.Load(),
		IdleTicks:       k.stats.idle.Load(),
		LiveProcs:       int(k.nlive.Load()),
		FreeKernelPages: k.alloc.FreeCount(pgalloc.Kernel),
		FreeUserPages:   k.alloc.FreeCount(pgalloc.User),
	}
}

// ProcInfo describes one live process.
type ProcInfo struct {
	Pid      int32
	Parent   int32
	Name     string
	State    State
	Priority int
	Level    int
	Realtime bool
	Deadline uint64
	Killed   bool
}

// Procs returns every live process in table order.
func (k *Kernel) Procs() []ProcInfo {
	in := sync.NoInterrupts
	k.tableMu.Lock(in)
	defer k.tableMu.Unlock(in)

	var infos []ProcInfo
	for _, p := range k.procs {
		p.mu.Lock(in)
		if p.state != Unused {
			info := ProcInfo{
				Pid:      p.pid,
				Name:     p.name,
				State:    p.state,
				Priority: p.sched.priority,
				Level:    p.sched.level,
				Realtime: p.sched.rtEnabled,
				Deadline: p.sched.rtDeadline,
				Killed:   p.killed,
			}
			if p.parent != nil {
				info.Parent = p.parent.pid
			}
			infos = append(infos, info)
		}
		p.mu.Unlock(in)
	}
	return infos
}
