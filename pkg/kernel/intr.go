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
	"math/bits"

	"rvcore.dev/rvcore/pkg/sync"
)

// Device interrupt numbers on the virt board.
const (
	VirtioIRQ = 1
	UARTIRQ   = 10

	// MaxIRQ bounds the interrupt numbers a handler can be registered for.
	MaxIRQ = 64
)

// InterruptController is the external interrupt controller.
type InterruptController interface {
	// Pending reports whether an interrupt is waiting to be claimed by
	// hart.
	Pending(hart int) bool

	// Claim takes the highest priority pending interrupt.
	Claim(hart int) (irq int, ok bool)

	// Complete tells the controller that hart is done with irq.
	Complete(hart int, irq int)
}

// PLIC is a software platform-level interrupt controller. Every source has
// the same priority, lower numbers win, and every hart may claim any source.
type PLIC struct {
	mu sync.Mutex

	// pending and inService are bitmaps indexed by irq.
	pending   uint64
	inService uint64
}

// NewPLIC returns a controller with nothing pending.
func NewPLIC() *PLIC {
	return &PLIC{}
}

// Raise marks irq pending. Sources with an interrupt in service stay
// pending until it completes. Raising source 0 or a number beyond MaxIRQ is
// ignored.
func (p *PLIC) Raise(irq int) {
	if irq <= 0 || irq >= MaxIRQ {
		return
	}
	p.mu.Lock()
	p.pending |= 1 << irq
	p.mu.Unlock()
}

func (p *PLIC) claimable() uint64 {
	return p.pending &^ p.inService
}

// Pending implements InterruptController.Pending.
func (p *PLIC) Pending(hart int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimable() != 0
}

// Claim implements InterruptController.Claim.
func (p *PLIC) Claim(hart int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.claimable()
	if c == 0 {
		return 0, false
	}
	irq := bits.TrailingZeros64(c)
	p.pending &^= 1 << irq
	p.inService |= 1 << irq
	return irq, true
}

// Complete implements InterruptController.Complete.
func (p *PLIC) Complete(hart int, irq int) {
	if irq <= 0 || irq >= MaxIRQ {
		return
	}
	p.mu.Lock()
	p.inService &^= 1 << irq
	p.mu.Unlock()
}

// raiser is implemented by controllers that devices can signal directly.
type raiser interface {
	Raise(irq int)
}
