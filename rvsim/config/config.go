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

// Package config provides basic infrastructure to set configuration settings
// for rvsim. Each setting can be changed from the command line or from a
// TOML machine file.
package config

import (
	"fmt"
	"time"

	"rvcore.dev/rvcore/pkg/kernel"
	"rvcore.dev/rvcore/pkg/log"
	"rvcore.dev/rvcore/pkg/riscv"
)

// Config holds configuration that is not part of the program being run.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name, and a toml tag if the setting
//     describes the machine.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
type Config struct {
	// File is a TOML file with machine settings. Flags given explicitly on
	// the command line override it.
	File string `flag:"config"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// PanicLog is the path to log Go's runtime messages, if not empty.
	PanicLog string `flag:"panic-log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// CPUs is the number of harts.
	CPUs int `flag:"cpus" toml:"cpus"`

	// Procs is the number of process table slots.
	Procs int `flag:"procs" toml:"procs"`

	// TextPages is the number of pages reserved for kernel text.
	TextPages int `flag:"text-pages" toml:"text_pages"`

	// DataPages is the number of pages reserved for kernel data.
	DataPages int `flag:"data-pages" toml:"data_pages"`

	// KernelPages is the size of the kernel page pool.
	KernelPages int `flag:"kernel-pages" toml:"kernel_pages"`

	// UserPages is the size of the user page pool.
	UserPages int `flag:"user-pages" toml:"user_pages"`

	// TickInstructions is the number of instructions between timer
	// interrupts.
	TickInstructions uint64 `flag:"tick-instructions" toml:"tick_instructions"`

	// IdleMax bounds the host sleep of an idle hart.
	IdleMax time.Duration `flag:"idle-max" toml:"idle_max"`

	// PageDebug fills allocated and freed pages with patterns.
	PageDebug bool `flag:"page-debug" toml:"page_debug"`
}

func (c *Config) validate() error {
	for _, f := range []struct {
		name, val string
	}{
		{"log-format", c.LogFormat},
		{"debug-log-format", c.DebugLogFormat},
	} {
		switch f.val {
		case "text", "json":
		default:
			return fmt.Errorf("invalid %s %q, must be text or json", f.name, f.val)
		}
	}
	if c.IdleMax < 0 {
		return fmt.Errorf("idle-max must not be negative, got %v", c.IdleMax)
	}
	kc := c.ToKernel()
	return kc.Validate()
}

// Layout returns the physical memory layout described by c.
func (c *Config) Layout() riscv.Layout {
	return riscv.Layout{
		TextPages:   c.TextPages,
		DataPages:   c.DataPages,
		KernelPages: c.KernelPages,
		UserPages:   c.UserPages,
	}
}

// ToKernel returns the kernel configuration described by c. The console and
// program registry are left for the caller.
func (c *Config) ToKernel() kernel.Config {
	return kernel.Config{
		CPUs:             c.CPUs,
		Procs:            c.Procs,
		Layout:           c.Layout(),
		TickInstructions: c.TickInstructions,
		Debug:            c.PageDebug,
		IdleMax:          c.IdleMax,
	}
}

// Log logs the settings that differ from their defaults.
func (c *Config) Log() {
	log.Infof("Config.File (--config): %q", c.File)
	for _, f := range c.ToFlags() {
		log.Infof("Config: %s", f)
	}
	log.Infof("Machine: %d harts, %d process slots, %d instructions per tick, %d user pages",
		c.CPUs, c.Procs, c.TickInstructions, c.UserPages)
}
