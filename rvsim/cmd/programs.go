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
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"rvcore.dev/rvcore/pkg/kernel"
	"rvcore.dev/rvcore/pkg/userprog"
)

// Programs implements subcommands.Command for the "programs" command.
type Programs struct{}

// Name implements subcommands.Command.Name.
func (*Programs) Name() string {
	return "programs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Programs) Synopsis() string {
	return "list the programs boot can run"
}

// Usage implements subcommands.Command.Usage.
func (*Programs) Usage() string {
	return `programs - lists the built-in programs and their image sizes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Programs) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Programs) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := listPrograms(os.Stdout, userprog.Registry()); err != nil {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func listPrograms(w io.Writer, r *kernel.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprint(tw, "PATH\tTEXT\tDATA\n")
	for _, path := range r.Paths() {
		p, _ := r.Lookup(path)
		fmt.Fprintf(tw, "%s\t%d\t%d\n", p.Path, len(p.Text), len(p.Data))
	}
	return tw.Flush()
}
