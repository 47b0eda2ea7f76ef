// Copyright 2018 Google LLC
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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"gvisor.dev/sv39/mmsim/config"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/log"
	"gvisor.dev/sv39/pkg/sentry/pgalloc"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	format string
	jobs   int
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "create every configured task, replay its accesses and report"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - creates the tasks of the configuration against one frame pool,
replays their access scripts concurrently, exits them and checks that every
frame was returned to the pool.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.format, "format", formatAuto, "output format: 'auto', 'table' or 'json'.")
	f.IntVar(&r.jobs, "jobs", 0, "maximum number of tasks replayed at once, 0 for no limit.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	format, err := resolveFormat(r.format, os.Stdout)
	if err != nil {
		Fatalf("%v", err)
	}

	results, err := run(ctx, conf, r.jobs)
	if err != nil {
		Fatalf("running tasks: %v", err)
	}
	if err := writeResults(os.Stdout, format, results); err != nil {
		Fatalf("writing results: %v", err)
	}
	return subcommands.ExitSuccess
}

// run replays every task replica in conf against a fresh frame pool and
// checks that the pool is empty afterwards.
func run(ctx context.Context, conf *config.Config, jobs int) ([]*Result, error) {
	a, err := pgalloc.New(hostarch.PFN(conf.Memory.StartPFN), hostarch.PFN(conf.Memory.EndPFN))
	if err != nil {
		return nil, err
	}
	defer a.Close()
	k, err := conf.NewKernel()
	if err != nil {
		return nil, err
	}

	tasks := conf.Replicas()
	log.Infof("Replaying %d tasks against %d frames", len(tasks), a.Capacity())
	r := &replayer{alloc: a, k: k}
	results, err := r.replayAll(ctx, tasks, jobs)
	if err != nil {
		return nil, err
	}
	if n := a.InUse(); n != 0 {
		return nil, fmt.Errorf("%d frames still in use after every task exited", n)
	}
	if n := k.PIDs.InUse(); n != 0 {
		return nil, fmt.Errorf("%d pids still in use after every task exited", n)
	}
	return results, nil
}

func writeResults(w io.Writer, format string, results []*Result) error {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprint(tw, "NAME\tPID\tACCESSES\tHITS\tMAPPED\tSPURIOUS\tBRK\tBRK FAILED\tPEAK FRAMES\tEXIT\tKILLED\n")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Name, r.PID, r.Accesses, r.Hits, r.Mapped, r.Spurious, r.Breaks, r.FailedBreaks, r.PeakFrames, r.ExitCode, r.Killed)
	}
	return tw.Flush()
}
