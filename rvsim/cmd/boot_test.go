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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/userprog"
	"rvcore.dev/rvcore/rvsim/config"
)

func testConfig() *config.Config {
	return &config.Config{
		CPUs:             2,
		Procs:            16,
		TextPages:        4,
		DataPages:        4,
		KernelPages:      256,
		UserPages:        512,
		TickInstructions: 100,
		IdleMax:          100 * time.Microsecond,
	}
}

func newMachine(t *testing.T) (*Machine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	m, err := NewMachine(testConfig(), &out)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m, &out
}

func TestBootEcho(t *testing.T) {
	m, out := newMachine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, err := m.Boot(ctx, "/echo", []string{"echo", "hello", "machine"})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if status != 0 || out.String() != "hello machine\n" {
		t.Errorf("got %q status %d", out.String(), status)
	}
}

func TestBootInit(t *testing.T) {
	m, out := newMachine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	status, err := m.Boot(ctx, userprog.Init, []string{"init"})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if status != 0 || !strings.Contains(out.String(), "[cowtest-parent] PASS") {
		t.Errorf("status %d, output:\n%s", status, out.String())
	}

	path := filepath.Join(t.TempDir(), "metrics.txt")
	if err := m.writeMetrics(path); err != nil {
		t.Fatalf("writeMetrics: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, want := range []string{"rvcore_kernel_forks", "rvcore_proc_live 0 "} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics lack %q:\n%s", want, data)
		}
	}
}

func TestBootUnknownProgram(t *testing.T) {
	m, _ := newMachine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.Boot(ctx, "/nope", []string{"nope"}); !errors.Is(err, kernerr.ENOENT) {
		t.Errorf("Boot(/nope) = %v, want %v", err, kernerr.ENOENT)
	}
}

func TestBootTimeout(t *testing.T) {
	m, _ := newMachine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// cat never sees end of input.
	if _, err := m.Boot(ctx, "/cat", []string{"cat"}); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Boot(/cat) = %v, want a timeout", err)
	}
}

func TestListPrograms(t *testing.T) {
	var buf bytes.Buffer
	if err := listPrograms(&buf, userprog.Registry()); err != nil {
		t.Fatalf("listPrograms: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1+len(userprog.Registry().Paths()) {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "PATH") || !strings.HasPrefix(lines[1], "/cat") {
		t.Errorf("unexpected listing:\n%s", buf.String())
	}
}
