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
	"strings"
)

// Perm is the set of flag bits of a page table entry.
type Perm uint64

// Page table entry bits.
const (
	PermV Perm = 1 << 0 // valid
	PermR Perm = 1 << 1
	PermW Perm = 1 << 2
	PermX Perm = 1 << 3
	PermU Perm = 1 << 4 // user can access
	PermG Perm = 1 << 5
	PermA Perm = 1 << 6
	PermD Perm = 1 << 7

	// PermCOW marks a page shared copy-on-write. It lives in the first of
	// the two bits reserved for supervisor software.
	PermCOW Perm = 1 << 8

	permMask Perm = 1<<10 - 1

	// PermRW and friends are common combinations.
	PermRW  = PermR | PermW
	PermRX  = PermR | PermX
	PermRWX = PermR | PermW | PermX
)

// String implements fmt.Stringer.String.
func (p Perm) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Perm
		c   byte
	}{
		{PermV, 'v'}, {PermR, 'r'}, {PermW, 'w'}, {PermX, 'x'},
		{PermU, 'u'}, {PermG, 'g'}, {PermA, 'a'}, {PermD, 'd'}, {PermCOW, 'c'},
	} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Access is the kind of memory access checked against a Perm.
type Access int

// Accesses.
const (
	Read Access = iota
	Write
	Execute
)

// String implements fmt.Stringer.String.
func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Execute:
		return "execute"
	default:
		return "unknown"
	}
}

// Allows reports whether p grants access.
func (p Perm) Allows(a Access) bool {
	switch a {
	case Read:
		return p&PermR != 0
	case Write:
		return p&PermW != 0
	case Execute:
		return p&PermX != 0
	}
	return false
}

// PTE is a raw Sv39 page table entry as stored in memory.
type PTE uint64

// MakePTE encodes a mapping of pa with perm.
func MakePTE(pa Addr, perm Perm) PTE {
	return PTE((uint64(pa)>>PageShift)<<10) | PTE(perm&permMask)
}

// Address returns the physical address the entry refers to.
func (p PTE) Address() Addr {
	return Addr((uint64(p) >> 10) << PageShift)
}

// Perm returns the flag bits.
func (p PTE) Perm() Perm {
	return Perm(p) & permMask
}

// Kind distinguishes the three shapes of entry.
type Kind int

const (
	// Invalid entries map nothing.
	Invalid Kind = iota
	// Child entries point at the next level table.
	Child
	// Leaf entries map a page.
	Leaf
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Child:
		return "child"
	case Leaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// Entry is a decoded page table entry.
type Entry struct {
	Kind Kind
	PA   Addr
	Perm Perm
}

// Decode classifies p. A valid entry with none of R, W and X set points at
// the next level table.
func (p PTE) Decode() Entry {
	perm := p.Perm()
	switch {
	case perm&PermV == 0:
		return Entry{Kind: Invalid}
	case perm&PermRWX == 0:
		return Entry{Kind: Child, PA: p.Address(), Perm: perm}
	default:
		return Entry{Kind: Leaf, PA: p.Address(), Perm: perm}
	}
}

// Encode is the inverse of Decode.
func (e Entry) Encode() PTE {
	switch e.Kind {
	case Child:
		return MakePTE(e.PA, PermV)
	case Leaf:
		return MakePTE(e.PA, e.Perm|PermV)
	default:
		return 0
	}
}
