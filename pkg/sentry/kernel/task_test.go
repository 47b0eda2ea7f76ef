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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/sv39/pkg/errors/mmerr"
	"gvisor.dev/sv39/pkg/hostarch"
	"gvisor.dev/sv39/pkg/sentry/arch"
	"gvisor.dev/sv39/pkg/sentry/mm"
	"gvisor.dev/sv39/pkg/sentry/pgalloc"
)

func newTestAllocator(t *testing.T, frames uint64) *pgalloc.FrameAllocator {
	t.Helper()
	a, err := pgalloc.New(0x80400, 0x80400+hostarch.PFN(frames))
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return a
}

func newTestKernel() *Kernel {
	return &Kernel{
		Layout: &mm.KernelLayout{
			TrampolinePFN: 0x80000,
			Identity: []mm.IdentityRange{
				{Range: hostarch.VPNRange{Start: 0x80000, End: 0x80008}, Perms: hostarch.ReadExecute},
			},
		},
		Token:       8<<60 | 0x80100,
		TrapHandler: 0x80001000,
		TrapReturn:  0x80002000,
		PIDs:        NewPIDAllocator(),
	}
}

var testText = []byte("\x13\x05\xa0\x02\x93\x08\xd0\x05\x73\x00\x00\x00")

func testOpts() TaskOpts {
	return TaskOpts{
		Name:  "init",
		Entry: 0x10000,
		Segments: []Segment{
			{Start: 0x10000, Size: uint64(len(testText)), Perms: hostarch.ReadExecute, Data: testText},
			{Start: 0x11000, Size: 0x1800, Perms: hostarch.ReadWrite, Data: []byte("data")},
		},
		StackPages: 4,
		HeapPages:  0,
	}
}

func newTestTask(t *testing.T, a pgalloc.Allocator, k *Kernel) *Task {
	t.Helper()
	task, err := NewTask(a, k, testOpts())
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	return task
}

func TestNewTaskLayout(t *testing.T) {
	a := newTestAllocator(t, 64)
	k := newTestKernel()
	task := newTestTask(t, a, k)

	if task.Status() != Ready {
		t.Errorf("Status() = %v, want Ready", task.Status())
	}
	as := task.AddressSpace()

	got := make([]byte, len(testText))
	if _, err := as.CopyIn(0x10000, got, mm.IOOpts{}); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if !bytes.Equal(got, testText) {
		t.Errorf("text = %x, want %x", got, testText)
	}

	// Image ends at 0x13000; one guard page, then four stack pages.
	if task.BaseSize() != 0x18000 {
		t.Errorf("BaseSize() = %#x, want 0x18000", task.BaseSize())
	}
	if _, ok := as.FindRegion(0x13); ok {
		t.Errorf("guard page belongs to a region")
	}
	stack, ok := as.FindRegion(0x17)
	if !ok || stack.Policy() != mm.Lazy || stack.Range() != (hostarch.VPNRange{Start: 0x14, End: 0x18}) {
		t.Errorf("stack region = %v, %t", stack, ok)
	}
	if task.HeapBottom() != 0x18000 || task.ProgramBreak() != 0x18000 {
		t.Errorf("heap bottom %v, break %v; want 0x18000", task.HeapBottom(), task.ProgramBreak())
	}

	trapPFN, ok := task.TrapContextPFN()
	if !ok {
		t.Fatalf("TrapContextPFN() not available on a live task")
	}
	pte, ok := as.Translate(mm.TrapContextVPN)
	if !ok || pte.PFN() != trapPFN {
		t.Fatalf("trap context maps to %v, want %v", pte, trapPFN)
	}
	if token, ok := task.Token(); !ok || token != as.Token() {
		t.Errorf("Token() = %#x, %t, want %#x, true", token, ok, as.Token())
	}
	want := arch.NewUserTrapContext(0x10000, 0x18000, k.Token, KernelStackTop(task.PID()), k.TrapHandler)
	tc, ok := task.TrapContext()
	if !ok {
		t.Fatalf("TrapContext() not available on a live task")
	}
	if diff := cmp.Diff(want, tc); diff != "" {
		t.Errorf("trap context mismatch (-want +got):\n%s", diff)
	}
	tc.Sepc = 0x10004
	if err := task.SetTrapContext(&tc); err != nil {
		t.Fatalf("SetTrapContext failed: %v", err)
	}
	if again, _ := task.TrapContext(); again.Sepc != 0x10004 {
		t.Errorf("Sepc after SetTrapContext = %#x, want 0x10004", again.Sepc)
	}
	if diff := cmp.Diff(arch.ForEntry(k.TrapReturn, KernelStackTop(task.PID())), *task.Context()); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}

	if err := task.SetStatus(Running); err != nil {
		t.Fatalf("SetStatus(Running) failed: %v", err)
	}
	if err := task.Exit(0); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	a := newTestAllocator(t, 64)
	task := newTestTask(t, a, newTestKernel())

	for _, tc := range []struct {
		to  TaskStatus
		err error
	}{
		{Blocked, mmerr.ErrInvalidTransition},
		{Zombie, mmerr.ErrInvalidTransition},
		{Running, nil},
		{Running, mmerr.ErrInvalidTransition},
		{Blocked, nil},
		{Running, mmerr.ErrInvalidTransition},
		{Ready, nil},
		{Running, nil},
		{Zombie, mmerr.ErrInvalidTransition},
		{Ready, nil},
		{Running, nil},
	} {
		from := task.Status()
		err := task.SetStatus(tc.to)
		if !errors.Is(err, tc.err) || (err == nil) != (tc.err == nil) {
			t.Fatalf("SetStatus(%v) from %v got err %v, want %v", tc.to, from, err, tc.err)
		}
		if want := map[bool]TaskStatus{true: tc.to, false: from}[err == nil]; task.Status() != want {
			t.Fatalf("Status() = %v after SetStatus(%v) from %v", task.Status(), tc.to, from)
		}
	}
	if err := task.Exit(3); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if err := task.SetStatus(Ready); !errors.Is(err, mmerr.ErrInvalidTransition) {
		t.Errorf("SetStatus on zombie got err %v, want %v", err, mmerr.ErrInvalidTransition)
	}
}

func TestExitOnce(t *testing.T) {
	a := newTestAllocator(t, 64)
	k := newTestKernel()
	before := a.Free()

	task := newTestTask(t, a, k)
	if err := task.Exit(0); !errors.Is(err, mmerr.ErrInvalidTransition) {
		t.Errorf("Exit while Ready got err %v, want %v", err, mmerr.ErrInvalidTransition)
	}
	if err := task.SetStatus(Running); err != nil {
		t.Fatalf("SetStatus(Running) failed: %v", err)
	}
	if _, err := task.AddressSpace().HandleUserFault(0x14, hostarch.Write); err != nil {
		t.Fatalf("stack fault failed: %v", err)
	}
	if err := task.Exit(7); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if task.Status() != Zombie || task.ExitCode() != 7 {
		t.Errorf("after Exit: status %v code %d", task.Status(), task.ExitCode())
	}
	if task.AddressSpace() != nil {
		t.Errorf("address space kept after Exit")
	}
	if got := a.Free(); got != before {
		t.Errorf("Free() after Exit = %d, want %d", got, before)
	}
	if got := k.PIDs.InUse(); got != 0 {
		t.Errorf("%d pids in use after Exit", got)
	}
	if err := task.Exit(7); !errors.Is(err, mmerr.ErrInvalidTransition) {
		t.Errorf("second Exit got err %v, want %v", err, mmerr.ErrInvalidTransition)
	}
	if _, err := task.Brk(0x20000); !errors.Is(err, mmerr.ErrInvalidTransition) {
		t.Errorf("Brk after Exit got err %v, want %v", err, mmerr.ErrInvalidTransition)
	}
}

func TestAccessorsAfterExit(t *testing.T) {
	a := newTestAllocator(t, 64)
	task := newTestTask(t, a, newTestKernel())
	if err := task.SetStatus(Running); err != nil {
		t.Fatalf("SetStatus(Running) failed: %v", err)
	}
	if err := task.Exit(0); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}

	if token, ok := task.Token(); ok {
		t.Errorf("Token() after Exit = %#x, true", token)
	}
	if pfn, ok := task.TrapContextPFN(); ok {
		t.Errorf("TrapContextPFN() after Exit = %v, true", pfn)
	}
	if tc, ok := task.TrapContext(); ok {
		t.Errorf("TrapContext() after Exit = %v, true", tc)
	}
	var tc arch.TrapContext
	if err := task.SetTrapContext(&tc); !errors.Is(err, mmerr.ErrInvalidTransition) {
		t.Errorf("SetTrapContext after Exit got err %v, want %v", err, mmerr.ErrInvalidTransition)
	}
	if task.PID() < 0 || task.Name() != "init" || task.Context() == nil {
		t.Errorf("identity accessors changed after Exit")
	}
}

func TestSbrk(t *testing.T) {
	a := newTestAllocator(t, 64)
	task := newTestTask(t, a, newTestKernel())
	bottom := task.HeapBottom()

	old, err := task.Sbrk(0x2800)
	if err != nil || old != bottom {
		t.Fatalf("Sbrk(0x2800) = %v, %v; want %v, nil", old, err, bottom)
	}
	if got := task.ProgramBreak(); got != bottom+0x2800 {
		t.Errorf("ProgramBreak() = %v, want %v", got, bottom+0x2800)
	}
	heap, _ := task.AddressSpace().Heap()
	if want := (hostarch.VPNRange{Start: 0x18, End: 0x1b}); heap != want {
		t.Errorf("heap = %v, want %v", heap, want)
	}

	// The new heap is usable.
	if _, err := task.AddressSpace().CopyOut(bottom+0x2000, []byte("heap"), mm.IOOpts{}); err != nil {
		t.Errorf("CopyOut to heap failed: %v", err)
	}

	if old, err := task.Sbrk(-0x1000); err != nil || old != bottom+0x2800 {
		t.Errorf("Sbrk(-0x1000) = %v, %v", old, err)
	}
	heap, _ = task.AddressSpace().Heap()
	if want := (hostarch.VPNRange{Start: 0x18, End: 0x1a}); heap != want {
		t.Errorf("heap = %v, want %v", heap, want)
	}

	if _, err := task.Sbrk(-0x2000); err != mmerr.ErrInvalidBreak {
		t.Errorf("Sbrk below heap bottom got err %v, want %v", err, mmerr.ErrInvalidBreak)
	}
	if got := task.ProgramBreak(); got != bottom+0x1800 {
		t.Errorf("failed Sbrk moved the break to %v", got)
	}
	if old, err := task.Sbrk(0); err != nil || old != bottom+0x1800 {
		t.Errorf("Sbrk(0) = %v, %v", old, err)
	}
}

func TestNewTaskFailureReleasesEverything(t *testing.T) {
	a := newTestAllocator(t, 64)
	k := newTestKernel()
	before := a.Free()

	opts := testOpts()
	// Overlaps the text segment.
	opts.Segments = append(opts.Segments, Segment{Start: 0x10800, Size: 0x1000, Perms: hostarch.Read})
	if _, err := NewTask(a, k, opts); !errors.Is(err, mmerr.ErrOverlap) {
		t.Fatalf("NewTask got err %v, want %v", err, mmerr.ErrOverlap)
	}
	if got := a.Free(); got != before {
		t.Errorf("Free() = %d, want %d", got, before)
	}
	if got := k.PIDs.InUse(); got != 0 {
		t.Errorf("%d pids in use after failure", got)
	}

	small := newTestAllocator(t, 6)
	if _, err := NewTask(small, k, testOpts()); !errors.Is(err, mmerr.ErrOutOfMemory) {
		t.Errorf("NewTask with a small pool got err %v, want %v", err, mmerr.ErrOutOfMemory)
	}
	if got := small.InUse(); got != 0 {
		t.Errorf("%d frames in use after failure", got)
	}
}

func TestPIDAllocator(t *testing.T) {
	p := NewPIDAllocator()
	var pids []int
	for i := 0; i < 3; i++ {
		pid, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		pids = append(pids, pid)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, pids); diff != "" {
		t.Errorf("pids mismatch (-want +got):\n%s", diff)
	}
	p.Free(1)
	if pid, _ := p.Allocate(); pid != 1 {
		t.Errorf("Allocate after Free(1) = %d, want 1", pid)
	}
	p.Free(2)
	defer func() {
		if recover() == nil {
			t.Errorf("double Free did not panic")
		}
	}()
	p.Free(2)
}
