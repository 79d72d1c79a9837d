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

package metric

import (
	"strconv"

	"rvcore.dev/rvcore/pkg/kernel"
)

// KernelPrefix is the prefix of exported kernel metric names.
const KernelPrefix = "rvcore"

var procStates = []string{
	kernel.Used.String(),
	kernel.Sleeping.String(),
	kernel.Runnable.String(),
	kernel.Running.String(),
	kernel.Zombie.String(),
}

func levelNames() []string {
	names := make([]string, kernel.Levels)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return names
}

// RegisterKernelMetrics registers the counters and gauges of k in r.
func RegisterKernelMetrics(r *Registry, k *kernel.Kernel) error {
	counter := func(f func(s kernel.Stats) uint64) func(...string) uint64 {
		return func(...string) uint64 { return f(k.Stats()) }
	}
	for _, m := range []struct {
		name, desc string
		value      func(s kernel.Stats) uint64
	}{
		{"/kernel/ticks", "Timer ticks since boot.", func(s kernel.Stats) uint64 { return s.Ticks }},
		{"/kernel/dispatches", "Processes dispatched by the schedulers.", func(s kernel.Stats) uint64 { return s.Dispatches }},
		{"/kernel/context_switches", "Context switches.", func(s kernel.Stats) uint64 { return s.Switches }},
		{"/kernel/syscalls", "System calls made.", func(s kernel.Stats) uint64 { return s.Syscalls }},
		{"/kernel/page_faults", "User page faults taken.", func(s kernel.Stats) uint64 { return s.PageFaults }},
		{"/kernel/kills", "Processes terminated by the kernel.", func(s kernel.Stats) uint64 { return s.Kills }},
		{"/kernel/forks", "Successful forks.", func(s kernel.Stats) uint64 { return s.Forks }},
		{"/kernel/execs", "Successful execs.", func(s kernel.Stats) uint64 { return s.Execs }},
		{"/kernel/interrupts", "External interrupts taken.", func(s kernel.Stats) uint64 { return s.Interrupts }},
		{"/kernel/idle", "Scheduler rounds that found nothing to run.", func(s kernel.Stats) uint64 { return s.IdleTicks }},
	} {
		if err := r.RegisterCustomUint64Metric(m.name, true /* cumulative */, m.desc, counter(m.value)); err != nil {
			return err
		}
	}

	for _, m := range []struct {
		name, desc string
		value      func(s kernel.Stats) uint64
	}{
		{"/mm/free_kernel_pages", "Free pages in the kernel pool.", func(s kernel.Stats) uint64 { return uint64(s.FreeKernelPages) }},
		{"/mm/free_user_pages", "Free pages in the user pool.", func(s kernel.Stats) uint64 { return uint64(s.FreeUserPages) }},
		{"/proc/live", "Process table slots in use.", func(s kernel.Stats) uint64 { return uint64(s.LiveProcs) }},
	} {
		if err := r.RegisterCustomUint64Metric(m.name, false /* cumulative */, m.desc, counter(m.value)); err != nil {
			return err
		}
	}

	if err := r.RegisterCustomUint64Metric("/proc/by_state", false /* cumulative */, "Live processes by state.",
		func(fields ...string) uint64 {
			var n uint64
			for _, p := range k.Procs() {
				if p.State.String() == fields[0] {
					n++
				}
			}
			return n
		}, NewField("state", procStates)); err != nil {
		return err
	}
	return r.RegisterCustomUint64Metric("/proc/by_level", false /* cumulative */, "Live processes by feedback level.",
		func(fields ...string) uint64 {
			var n uint64
			for _, p := range k.Procs() {
				if strconv.Itoa(p.Level) == fields[0] {
					n++
				}
			}
			return n
		}, NewField("level", levelNames()))
}
