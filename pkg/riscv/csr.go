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

package riscv

import (
	"fmt"
)

// Supervisor status register bits.
const (
	SstatusSPP  = 1 << 8 // Previous mode, 1=Supervisor, 0=User
	SstatusSPIE = 1 << 5 // Supervisor Previous Interrupt Enable
	SstatusUPIE = 1 << 4 // User Previous Interrupt Enable
	SstatusSIE  = 1 << 1 // Supervisor Interrupt Enable
	SstatusUIE  = 1 << 0 // User Interrupt Enable
)

// Supervisor interrupt pending and enable bits.
const (
	SIPSSIP = 1 << IRQSoftware
	SIESEIE = 1 << IRQExternal
	SIESTIE = 1 << IRQTimer
	SIESSIE = 1 << IRQSoftware
)

// MakeSATP returns the satp value selecting Sv39 translation rooted at the
// page table at root.
func MakeSATP(root Addr) uint64 {
	const satpSv39 = 8 << 60
	return satpSv39 | uint64(root)>>PageShift
}

// SATPRoot is the inverse of MakeSATP.
func SATPRoot(satp uint64) Addr {
	return Addr((satp & (1<<44 - 1)) << PageShift)
}

// Cause is the value of the scause register.
type Cause uint64

// CauseInterrupt is the high bit of scause, set for interrupts.
const CauseInterrupt Cause = 1 << 63

// Interrupt numbers (the low bits of scause when CauseInterrupt is set).
const (
	IRQSoftware = 1
	IRQTimer    = 5
	IRQExternal = 9
)

// Exception codes.
const (
	ExcInstructionMisaligned Cause = 0
	ExcInstructionAccess     Cause = 1
	ExcIllegalInstruction    Cause = 2
	ExcBreakpoint            Cause = 3
	ExcLoadMisaligned        Cause = 4
	ExcLoadAccess            Cause = 5
	ExcStoreMisaligned       Cause = 6
	ExcStoreAccess           Cause = 7
	ExcEcallU                Cause = 8
	ExcEcallS                Cause = 9
	ExcEcallM                Cause = 11
	ExcInstructionPageFault  Cause = 12
	ExcLoadPageFault         Cause = 13
	ExcStorePageFault        Cause = 15
)

// Interrupt returns the scause value for interrupt irq.
func Interrupt(irq int) Cause {
	return CauseInterrupt | Cause(irq)
}

// IsInterrupt reports whether the high bit is set.
func (c Cause) IsInterrupt() bool {
	return c&CauseInterrupt != 0
}

// Code returns c without the interrupt bit.
func (c Cause) Code() uint64 {
	return uint64(c &^ CauseInterrupt)
}

var exceptionNames = [...]string{
	"Instruction address misaligned",
	"Instruction access fault",
	"Illegal instruction",
	"Breakpoint",
	"Load address misaligned",
	"Load access fault",
	"Store/AMO address misaligned",
	"Store/AMO access fault",
	"Environment call from U-mode",
	"Environment call from S-mode",
	"Reserved",
	"Environment call from M-mode",
	"Instruction page fault",
	"Load page fault",
	"Reserved",
	"Store/AMO page fault",
}

var interruptNames = map[uint64]string{
	IRQSoftware: "Supervisor software interrupt",
	IRQTimer:    "Supervisor timer interrupt",
	IRQExternal: "Supervisor external interrupt",
}

// String implements fmt.Stringer.String.
func (c Cause) String() string {
	if c.IsInterrupt() {
		if n, ok := interruptNames[c.Code()]; ok {
			return n
		}
		return fmt.Sprintf("interrupt %d", c.Code())
	}
	if code := c.Code(); code < uint64(len(exceptionNames)) {
		return exceptionNames[code]
	}
	return fmt.Sprintf("exception %d", c.Code())
}

// Mode is a privilege mode.
type Mode int

// Privilege modes.
const (
	UserMode Mode = iota
	SupervisorMode
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	if m == UserMode {
		return "U"
	}
	return "S"
}
