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

package sync

import (
	"sync/atomic"
)

// Interrupts is the interrupt state of the CPU acquiring a Spinlock.
//
// PushOff disables interrupts and records the previous state the first time
// it nests; PopOff re-enables them once the outermost PushOff is undone.
type Interrupts interface {
	PushOff()
	PopOff()
}

// NoInterrupts is an Interrupts for callers outside any CPU, such as boot
// code and tests.
var NoInterrupts Interrupts = noInterrupts{}

type noInterrupts struct{}

func (noInterrupts) PushOff() {}
func (noInterrupts) PopOff()  {}

// Spinlock is a mutual exclusion lock that disables interrupts on the
// acquiring CPU for as long as it is held.
//
// The zero value is an unlocked spinlock.
type Spinlock struct {
	mu   Mutex
	held atomic.Bool
	name string
}

// NewSpinlock returns an unlocked spinlock with the given diagnostic name.
func NewSpinlock(name string) *Spinlock {
	return &Spinlock{name: name}
}

// Init names l.
func (l *Spinlock) Init(name string) {
	l.name = name
}

// Name returns the diagnostic name.
func (l *Spinlock) Name() string {
	return l.name
}

// Lock disables interrupts on intr and acquires l.
func (l *Spinlock) Lock(intr Interrupts) {
	intr.PushOff()
	l.mu.Lock()
	l.held.Store(true)
}

// Unlock releases l and undoes one level of interrupt disabling on intr.
func (l *Spinlock) Unlock(intr Interrupts) {
	l.held.Store(false)
	l.mu.Unlock()
	intr.PopOff()
}

// Holding reports whether l is currently held by anyone.
func (l *Spinlock) Holding() bool {
	return l.held.Load()
}
