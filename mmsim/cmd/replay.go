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
	"fmt"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/sv39/mmsim/config"
	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/log"
	"gvisor.dev/sv39/pkg/ring0/pagetables"
	"gvisor.dev/sv39/pkg/sentry/kernel"
	"gvisor.dev/sv39/pkg/sentry/mm"
	"gvisor.dev/sv39/pkg/sentry/pgalloc"
)

// killedExitCode is the exit code of a task killed by a fatal fault.
const killedExitCode = -2

// Result is the outcome of replaying one task's script.
type Result struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Accesses int    `json:"accesses"`

	// Hits are accesses satisfied by an existing mapping.
	Hits int `json:"hits"`

	// Mapped and Spurious count resolved faults by outcome.
	Mapped   int `json:"mapped"`
	Spurious int `json:"spurious"`

	Breaks       int `json:"breaks"`
	FailedBreaks int `json:"failed_breaks"`

	// PeakFrames is the largest number of frames the address space held.
	PeakFrames int `json:"peak_frames"`

	// Killed is the fault that killed the task, if any.
	Killed   string `json:"killed,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// permits returns true if the hardware would allow an access of type at
// through pte without faulting.
func permits(pte pagetables.PTE, at hostarch.AccessType) bool {
	opts := pte.Opts()
	return opts.User && opts.AccessType.SupersetOf(at)
}

// replayer replays task scripts against a shared frame pool.
type replayer struct {
	alloc pgalloc.Allocator
	k     *kernel.Kernel
}

// replayTask creates the task described by tc, runs its script and exits it.
// Faults that are fatal to the task end the script early and are reported in
// the result; any other failure is returned.
func (r *replayer) replayTask(ctx context.Context, tc *config.Task) (*Result, error) {
	opts, err := tc.TaskOpts()
	if err != nil {
		return nil, err
	}
	t, err := kernel.NewTask(r.alloc, r.k, opts)
	if err != nil {
		return nil, err
	}
	res := &Result{Name: t.Name(), PID: t.PID()}
	res.PeakFrames = t.AddressSpace().OwnedFrames()
	if err := t.SetStatus(kernel.Running); err != nil {
		panic(fmt.Sprintf("new task %q cannot run: %v", t.Name(), err))
	}

	code, scriptErr := r.runScript(ctx, t, tc.Access, res)
	if err := t.Exit(code); err != nil {
		panic(fmt.Sprintf("task %q cannot exit: %v", t.Name(), err))
	}
	if scriptErr != nil {
		return nil, fmt.Errorf("task %q: %w", t.Name(), scriptErr)
	}
	res.ExitCode = code
	return res, nil
}

// runScript performs script as t and returns t's exit code.
func (r *replayer) runScript(ctx context.Context, t *kernel.Task, script []config.Access, res *Result) (int, error) {
	for i := range script {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		acc := &script[i]
		res.Accesses++

		if acc.Kind == config.AccessBrk {
			if _, err := t.Brk(hostarch.Addr(acc.Brk)); err != nil {
				log.Debugf("[%d] brk(%#x): %v", t.PID(), acc.Brk, err)
				res.FailedBreaks++
			} else {
				res.Breaks++
			}
			continue
		}

		at, ok := acc.AccessType()
		if !ok {
			return 0, fmt.Errorf("access %d: invalid kind %q", i, acc.Kind)
		}
		as := t.AddressSpace()
		addr := hostarch.Addr(acc.Addr)
		if !addr.Canonical() {
			res.Killed = fmt.Sprintf("access %d: %v: non-canonical address %v", i, mmerr.ErrSegmentationFault, addr)
			return killedExitCode, nil
		}
		vpn := addr.VPN()
		if pte, ok := as.Translate(vpn); ok && permits(pte, at) {
			res.Hits++
			continue
		}

		outcome, err := as.HandleUserFault(vpn, at)
		switch {
		case err == nil:
		case mmerr.IsFatalToTask(err), errors.Is(err, mmerr.ErrOutOfMemory):
			res.Killed = fmt.Sprintf("access %d: %v at %v", i, err, addr)
			return killedExitCode, nil
		default:
			return 0, fmt.Errorf("access %d at %v: %w", i, addr, err)
		}
		switch outcome {
		case mm.FaultMapped:
			res.Mapped++
		case mm.FaultSpurious:
			res.Spurious++
		}
		res.PeakFrames = max(res.PeakFrames, as.OwnedFrames())
	}
	return 0, nil
}

// replayAll replays every task concurrently, at most jobs at a time when
// jobs is positive. Results are in the order of tasks.
func (r *replayer) replayAll(ctx context.Context, tasks []config.Task, jobs int) ([]*Result, error) {
	results := make([]*Result, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i := range tasks {
		i := i // per-iteration copy; go1.21 toolchain lacks Go 1.22 loopvar semantics
		g.Go(func() error {
			res, err := r.replayTask(ctx, &tasks[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
