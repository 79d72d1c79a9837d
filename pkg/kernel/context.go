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
	"runtime"
)

// Context is a saved kernel execution context.
//
// The register image is what swtch would save: the return address, the
// stack pointer and the callee-saved registers. The goroutine behind the
// context is parked on resume until some CPU switches to it.
type Context struct {
	RA uint64
	SP uint64
	S  [12]uint64

	// resume delivers the CPU the context continues on. It is buffered so
	// that the switching side never blocks on a context that has not
	// parked yet.
	resume chan *CPU

	// start is the body of a context that has never run.
	start   func(c *CPU)
	started bool
}

func newContext(start func(c *CPU)) Context {
	return Context{
		resume: make(chan *CPU, 1),
		start:  start,
	}
}

// switchContext saves the running context in from and continues to on c.
// It returns when some CPU switches back to from, with that CPU, or nil if
// the machine halted in the meantime.
//
// switchContext takes no locks. The caller must not hold any spin lock, and
// must have published the state transition that makes from runnable again
// (if any) before calling.
func (k *Kernel) switchContext(from, to *Context, c *CPU) *CPU {
	k.stats.switches.Add(1)
	k.resumeContext(to, c)
	select {
	case nc := <-from.resume:
		return nc
	case <-k.halted:
		return nil
	}
}

// exitContext continues to on c and terminates the calling goroutine.
func (k *Kernel) exitContext(to *Context, c *CPU) {
	k.stats.switches.Add(1)
	k.resumeContext(to, c)
	runtime.Goexit()
}

func (k *Kernel) resumeContext(to *Context, c *CPU) {
	if !to.started {
		to.started = true
		go to.start(c)
		return
	}
	to.resume <- c
}
