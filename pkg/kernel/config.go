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
	"fmt"
	"io"
	"time"

	"rvcore.dev/rvcore/pkg/riscv"
)

// Machine limits.
const (
	// MaxCPUs is the largest number of harts a machine may have.
	MaxCPUs = 8

	// NOFILE is the number of file descriptors per process.
	NOFILE = 16

	// MaxArg is the largest argv accepted by exec.
	MaxArg = 32

	// MaxPath is the longest path accepted by exec.
	MaxPath = 64
)

// Default configuration values.
const (
	DefaultCPUs             = 2
	DefaultProcs            = 16
	DefaultTickInstructions = 1000
	DefaultIdleMax          = 2 * time.Millisecond
)

// Config configures a Kernel.
type Config struct {
	// CPUs is the number of harts.
	CPUs int

	// Procs is the number of process table slots.
	Procs int

	// Layout describes physical memory.
	Layout riscv.Layout

	// TickInstructions is the number of instructions between timer
	// interrupts.
	TickInstructions uint64

	// Debug stamps allocated and freed pages with fill patterns.
	Debug bool

	// Console receives everything written to the console. Nil discards.
	Console io.Writer

	// Programs is the program registry consumed by exec. Nil means an
	// empty registry.
	Programs *Registry

	// InterruptController is the external interrupt controller. Nil means
	// a new PLIC.
	InterruptController InterruptController

	// IdleMax bounds how long an idle CPU sleeps on the host between
	// virtual ticks.
	IdleMax time.Duration
}

// DefaultConfig returns the configuration of the default machine.
func DefaultConfig() Config {
	return Config{
		CPUs:             DefaultCPUs,
		Procs:            DefaultProcs,
		Layout:           riscv.DefaultLayout(),
		TickInstructions: DefaultTickInstructions,
		IdleMax:          DefaultIdleMax,
	}
}

func (c *Config) setDefaults() {
	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}
	if c.Procs == 0 {
		c.Procs = DefaultProcs
	}
	if c.Layout == (riscv.Layout{}) {
		c.Layout = riscv.DefaultLayout()
	}
	if c.TickInstructions == 0 {
		c.TickInstructions = DefaultTickInstructions
	}
	if c.IdleMax == 0 {
		c.IdleMax = DefaultIdleMax
	}
	if c.Console == nil {
		c.Console = io.Discard
	}
	if c.Programs == nil {
		c.Programs = NewRegistry()
	}
}

// Validate checks c after defaults have been applied.
func (c *Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > MaxCPUs {
		return fmt.Errorf("cpus must be in [1, %d], got %d", MaxCPUs, c.CPUs)
	}
	if c.Procs < 1 {
		return fmt.Errorf("procs must be positive, got %d", c.Procs)
	}
	return c.Layout.Validate()
}
