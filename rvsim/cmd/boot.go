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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"rvcore.dev/rvcore/pkg/kernel"
	"rvcore.dev/rvcore/pkg/log"
	"rvcore.dev/rvcore/pkg/metric"
	"rvcore.dev/rvcore/pkg/userprog"
	"rvcore.dev/rvcore/rvsim/cmd/util"
	"rvcore.dev/rvcore/rvsim/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// input is where console input comes from: a file, "-" for stdin, or
	// nothing.
	input string

	// metrics is a file the final metric snapshot is written to.
	metrics string

	// timeout bounds the run in wall time. Zero means no bound.
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine and run a program until every process exits"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] [program [args...]] - boots the machine. Without a program, /init is run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.input, "input", "", `console input: a file, or "-" for stdin. Empty means end of input.`)
	f.StringVar(&b.metrics, "metrics", "", "write machine metrics in Prometheus text format to this file on exit.")
	f.DurationVar(&b.timeout, "timeout", 0, "halt the machine after this long.")
}

// Execute implements subcommands.Command.Execute. args[1] receives the exit
// status of the booted program.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	status := args[1].(*int)

	file, argv := userprog.Init, []string{"init"}
	if f.NArg() > 0 {
		file, argv = f.Arg(0), f.Args()
	}

	m, err := NewMachine(conf, os.Stdout)
	if err != nil {
		util.Fatalf("creating machine: %v", err)
	}
	if err := b.attachInput(m.Kernel.Console()); err != nil {
		util.Fatalf("console input: %v", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	code, runErr := m.Boot(ctx, file, argv)
	if b.metrics != "" {
		if err := m.writeMetrics(b.metrics); err != nil {
			util.Errorf("writing metrics: %v", err)
		}
	}
	if runErr != nil {
		util.Fatalf("%s: %v", file, runErr)
	}
	*status = code
	return subcommands.ExitSuccess
}

func (b *Boot) attachInput(cons *kernel.Console) error {
	switch b.input {
	case "":
		cons.CloseInput()
	case "-":
		go feed(cons, os.Stdin)
	default:
		data, err := os.ReadFile(b.input)
		if err != nil {
			return err
		}
		cons.Input(data)
		cons.CloseInput()
	}
	return nil
}

// feed copies r to the console receiver until r ends.
func feed(cons *kernel.Console, r io.Reader) {
	defer cons.CloseInput()
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			cons.Input(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.Warningf("Reading console input: %v", err)
			}
			return
		}
	}
}

// Machine is a kernel configured from the command line, with its metrics.
type Machine struct {
	Kernel  *kernel.Kernel
	Metrics *metric.Registry
}

// NewMachine builds a machine running the built-in programs. Console output
// goes to out.
func NewMachine(conf *config.Config, out io.Writer) (*Machine, error) {
	kc := conf.ToKernel()
	kc.Console = out
	kc.Programs = userprog.Registry()
	k, err := kernel.New(kc)
	if err != nil {
		return nil, err
	}
	r := metric.NewRegistry(metric.KernelPrefix)
	if err := metric.RegisterKernelMetrics(r, k); err != nil {
		return nil, err
	}
	return &Machine{Kernel: k, Metrics: r}, nil
}

// Boot runs file with argv as the only child of a kernel task, until every
// process has exited. It returns the exit status of file.
func (m *Machine) Boot(ctx context.Context, file string, argv []string) (int, error) {
	var (
		status   int
		spawnErr error
	)
	if _, err := m.Kernel.Create(func(t *kernel.Task) {
		pid, err := t.Spawn(file, argv)
		if err != nil {
			spawnErr = err
			return
		}
		log.Infof("Started %s as pid %d", file, pid)
		for {
			wpid, s, err := t.Wait()
			if err != nil {
				return
			}
			if wpid == pid {
				status = s
			}
		}
	}, "boot"); err != nil {
		return 0, err
	}

	start := time.Now()
	err := m.Kernel.Run(ctx)
	s := m.Kernel.Stats()
	log.Infof("Machine stopped after %v: %d ticks, %d dispatches, %d syscalls, %d page faults",
		time.Since(start), s.Ticks, s.Dispatches, s.Syscalls, s.PageFaults)
	switch {
	case errors.Is(err, context.Canceled):
		return 0, fmt.Errorf("interrupted")
	case errors.Is(err, context.DeadlineExceeded):
		return 0, fmt.Errorf("timed out after %d ticks", s.Ticks)
	case err != nil:
		return 0, err
	case spawnErr != nil:
		return 0, spawnErr
	}
	return status, nil
}

func (m *Machine) writeMetrics(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.Metrics.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
