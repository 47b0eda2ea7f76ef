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

	"github.com/google/subcommands"

	"gvisor.dev/sv39/mmsim/config"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/ring0/pagetables"
	"gvisor.dev/sv39/pkg/sentry/kernel"
	"gvisor.dev/sv39/pkg/sentry/pgalloc"
)

// Maps implements subcommands.Command for the "maps" command.
type Maps struct {
	replay bool
	pages  bool
}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "print the memory layout of a task"
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps [flags] [<task>] - creates one task of the configuration and prints its
regions in /proc/[pid]/maps format. The first task is used when none is named.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Maps) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.replay, "replay", false, "replay the task's accesses before printing.")
	f.BoolVar(&m.pages, "pages", false, "also print every mapped page.")
}

// Execute implements subcommands.Command.Execute.
func (m *Maps) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	var tc *config.Task
	if f.NArg() == 1 {
		var ok bool
		if tc, ok = conf.Find(f.Arg(0)); !ok {
			Fatalf("no task named %q", f.Arg(0))
		}
	} else {
		if len(conf.Tasks) == 0 {
			Fatalf("no tasks configured")
		}
		tc = &conf.Tasks[0]
	}
	if err := m.write(ctx, os.Stdout, conf, tc); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (m *Maps) write(ctx context.Context, w io.Writer, conf *config.Config, tc *config.Task) error {
	a, err := pgalloc.New(hostarch.PFN(conf.Memory.StartPFN), hostarch.PFN(conf.Memory.EndPFN))
	if err != nil {
		return err
	}
	defer a.Close()
	k, err := conf.NewKernel()
	if err != nil {
		return err
	}
	opts, err := tc.TaskOpts()
	if err != nil {
		return err
	}
	t, err := kernel.NewTask(a, k, opts)
	if err != nil {
		return err
	}
	if err := t.SetStatus(kernel.Running); err != nil {
		return err
	}
	code := 0
	defer func() { t.Exit(code) }()

	if m.replay {
		r := &replayer{alloc: a, k: k}
		var res Result
		if code, err = r.runScript(ctx, t, tc.Access, &res); err != nil {
			return err
		}
		if res.Killed != "" {
			fmt.Fprintf(w, "# killed: %s\n", res.Killed)
		}
	}

	as := t.AddressSpace()
	token, _ := t.Token()
	fmt.Fprintf(w, "# pid %d token %#x brk %v\n", t.PID(), token, t.ProgramBreak())
	if err := as.WriteMaps(w); err != nil {
		return err
	}
	if !m.pages {
		return nil
	}
	fmt.Fprintln(w)
	as.ForEachMapping(func(vpn hostarch.VPN, pte pagetables.PTE) bool {
		_, err = fmt.Fprintf(w, "%v -> %v %v\n", vpn, pte.PFN(), pte.Flags())
		return err == nil
	})
	return err
}
